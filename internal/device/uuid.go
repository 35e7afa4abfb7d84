package device

import (
	"encoding/hex"
	"fmt"

	"github.com/srg/bleplex/internal/bledb"
)

// NormalizeUUID converts a UUID to the internal form: lowercase, no dashes, SIG base
// UUIDs shortened to 16 bits. See bledb.NormalizeUUID.
func NormalizeUUID(uuid string) string {
	return bledb.NormalizeUUID(uuid)
}

// NormalizeUUIDs normalizes a slice of UUID strings.
func NormalizeUUIDs(uuids []string) []string {
	return bledb.NormalizeUUIDs(uuids)
}

// ShortenUUID returns the first eight characters of long UUIDs for display.
func ShortenUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}

// ValidateUUID checks that every UUID is non-empty and is a 16, 32 or 128-bit hex value.
// It returns the normalized UUIDs.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, uuid := range uuids {
		if uuid == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		normalized := NormalizeUUID(uuid)
		switch len(normalized) {
		case 4, 8, 32:
		default:
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, uuid)
		}
		if _, err := hex.DecodeString(normalized); err != nil {
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, uuid)
		}
		result = append(result, normalized)
	}
	return result, nil
}

// ExpandUUID returns the dashed 128-bit form of a normalized UUID, placing 16 and 32-bit
// values on the SIG base. Backends whose parsers only take the long form use it.
func ExpandUUID(uuid string) string {
	u := NormalizeUUID(uuid)
	switch len(u) {
	case 4:
		u = "0000" + u + "00001000800000805f9b34fb"
	case 8:
		u = u + "00001000800000805f9b34fb"
	}
	if len(u) != 32 {
		return u
	}
	return u[0:8] + "-" + u[8:12] + "-" + u[12:16] + "-" + u[16:20] + "-" + u[20:32]
}
