package platform

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// procStatusPath is read for the effective capability set.
var procStatusPath = "/proc/self/status"

// hasHCICapabilities reports whether the process may open raw HCI sockets: either it
// runs as root or holds both CAP_NET_ADMIN and CAP_NET_RAW.
func hasHCICapabilities() (bool, error) {
	if unix.Geteuid() == 0 {
		return true, nil
	}
	f, err := os.Open(procStatusPath)
	if err != nil {
		return false, fmt.Errorf("failed to read capabilities: %w", err)
	}
	defer f.Close()

	capEff, err := parseCapEff(f)
	if err != nil {
		return false, err
	}
	const want = uint64(1)<<unix.CAP_NET_ADMIN | uint64(1)<<unix.CAP_NET_RAW
	return capEff&want == want, nil
}

// parseCapEff extracts the CapEff bitmask from /proc/<pid>/status content.
func parseCapEff(r io.Reader) (uint64, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		value, ok := strings.CutPrefix(sc.Text(), "CapEff:")
		if !ok {
			continue
		}
		caps, err := strconv.ParseUint(strings.TrimSpace(value), 16, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed CapEff %q: %w", strings.TrimSpace(value), err)
		}
		return caps, nil
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("CapEff not found")
}
