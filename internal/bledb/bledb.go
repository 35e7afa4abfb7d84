// Package bledb resolves Bluetooth SIG assigned numbers to human-readable names.
//
// Lookups accept any UUID spelling NormalizeUUID understands: short form, 0x prefix,
// dashed or undashed 128-bit form, with or without braces.
//
// The tables in tables.go are a hand-picked subset: common SIG services,
// characteristics and descriptors, the Nordic UART UUIDs and a few company
// identifiers. Anything else resolves to "", and reports print the bare UUID.
package bledb

import (
	"strings"
)

// sigBaseSuffix is the tail of the Bluetooth SIG base UUID 0000xxxx-0000-1000-8000-00805f9b34fb
// with dashes removed.
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the canonical internal form: lowercase, no dashes,
// no braces, no 0x prefix. UUIDs derived from the SIG base collapse to their 16-bit form.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.TrimPrefix(u, "{")
	u = strings.TrimSuffix(u, "}")
	u = strings.TrimPrefix(u, "0x")
	u = strings.ReplaceAll(u, "-", "")

	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, sigBaseSuffix) {
		return u[4:8]
	}
	return u
}

// NormalizeUUIDs normalizes every element of uuids.
func NormalizeUUIDs(uuids []string) []string {
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = NormalizeUUID(u)
	}
	return out
}

// LookupService returns the assigned name of a GATT service, or "" if unknown.
func LookupService(uuid string) string {
	return services[NormalizeUUID(uuid)]
}

// LookupCharacteristic returns the assigned name of a GATT characteristic, or "" if unknown.
func LookupCharacteristic(uuid string) string {
	return characteristics[NormalizeUUID(uuid)]
}

// LookupDescriptor returns the assigned name of a GATT descriptor, or "" if unknown.
func LookupDescriptor(uuid string) string {
	return descriptors[NormalizeUUID(uuid)]
}

// LookupCompany returns the name registered for a company identifier, or "" if unknown.
func LookupCompany(id uint16) string {
	return companies[id]
}

// Lookup tries every table in service, characteristic, descriptor order.
func Lookup(uuid string) string {
	u := NormalizeUUID(uuid)
	if name, ok := services[u]; ok {
		return name
	}
	if name, ok := characteristics[u]; ok {
		return name
	}
	return descriptors[u]
}
