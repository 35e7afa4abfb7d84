//go:build !linux && !darwin && !windows

package platform

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// No native Bluetooth stack is bound on this OS; only the simulator is available.
func defaultBackend() string { return BackendSim }

func osBackends() []string { return nil }

func openNative(name string, _ *logrus.Logger) (*natives, error) {
	return nil, fmt.Errorf("%w %q", ErrUnknownBackend, name)
}
