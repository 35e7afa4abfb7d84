package base

import (
	"strings"
	"unicode"
)

const (
	minNameLen = 3
	maxNameLen = 32
)

// nameFromManufacturerData returns the first printable ASCII run of manufacturer data
// that looks like a device name. Many vendors embed the name there when the local name
// does not fit the advertisement.
func nameFromManufacturerData(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	for i := 0; i < len(data)-minNameLen; i++ {
		if !isReadableASCII(data[i]) {
			continue
		}
		j := i
		for j < len(data) && j < i+maxNameLen && isReadableASCII(data[j]) {
			j++
		}
		if name := strings.TrimSpace(string(data[i:j])); isValidDeviceName(name) {
			return name
		}
		i = j
	}
	return ""
}

func isReadableASCII(b byte) bool {
	return b >= 32 && b <= 126
}

// isValidDeviceName requires a sensible length and at least one letter.
func isValidDeviceName(name string) bool {
	if len(name) < minNameLen || len(name) > maxNameLen {
		return false
	}
	return strings.IndexFunc(name, unicode.IsLetter) >= 0
}

// cleanName trims NUL padding and whitespace from a name read off the air.
func cleanName(raw []byte) string {
	return strings.TrimSpace(strings.TrimRight(string(raw), "\x00"))
}
