package main

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/srg/bleplex/internal/device"
)

// target is a resolved characteristic, and descriptor when one was asked for.
type target struct {
	serviceUUID string
	char        device.Characteristic
	desc        device.Descriptor
}

// resolveTarget finds a characteristic, or a descriptor when descUUID is set.
//
// With both serviceUUID and charUUID set the lookup is direct. Otherwise matching
// services are searched and a UUID present in more than one place is an error asking
// for --service (and --char for descriptors).
func resolveTarget(conn device.Connection, charUUID, serviceUUID, descUUID string) (target, error) {
	charUUID = device.NormalizeUUID(charUUID)
	descUUID = device.NormalizeUUID(descUUID)

	serviceUUID = device.NormalizeUUID(serviceUUID)
	if serviceUUID != "" && charUUID != "" {
		svc := serviceUUID
		char, err := conn.GetCharacteristic(svc, charUUID)
		if err != nil {
			return target{}, err
		}
		t := target{serviceUUID: svc, char: char}
		if descUUID != "" {
			if t.desc = findDescriptor(char, descUUID); t.desc == nil {
				return target{}, &device.NotFoundError{Resource: "descriptor", UUIDs: []string{charUUID, descUUID}}
			}
		}
		return t, nil
	}

	var found []target
	for _, svc := range conn.Services() {
		if serviceUUID != "" && device.NormalizeUUID(svc.UUID()) != serviceUUID {
			continue
		}
		for _, char := range svc.GetCharacteristics() {
			if descUUID != "" {
				if charUUID != "" && device.NormalizeUUID(char.UUID()) != charUUID {
					continue
				}
				if d := findDescriptor(char, descUUID); d != nil {
					found = append(found, target{serviceUUID: svc.UUID(), char: char, desc: d})
				}
				continue
			}
			if device.NormalizeUUID(char.UUID()) == charUUID {
				found = append(found, target{serviceUUID: svc.UUID(), char: char})
			}
		}
	}

	what, uuid := "characteristic", charUUID
	if descUUID != "" {
		what, uuid = "descriptor", descUUID
	}
	switch len(found) {
	case 0:
		return target{}, &device.NotFoundError{Resource: what, UUIDs: []string{uuid}}
	case 1:
		return found[0], nil
	}
	if descUUID != "" {
		return target{}, fmt.Errorf("descriptor %s found in multiple characteristics, specify --service and --char", uuid)
	}
	return target{}, fmt.Errorf("characteristic %s found in multiple services, specify --service", uuid)
}

// findDescriptor searches a characteristic's descriptors for one matching the UUID.
// Returns nil if not found.
func findDescriptor(char device.Characteristic, descUUID string) device.Descriptor {
	d, _ := lo.Find(char.GetDescriptors(), func(d device.Descriptor) bool {
		return device.NormalizeUUID(d.UUID()) == descUUID
	})
	return d
}

// parseCSVUUIDs parses a comma-separated string of UUIDs into a slice.
// Handles whitespace and filters empty elements.
//
// Examples:
//
//	"2a37" -> []string{"2a37"}
//	"2a37, 2a38" -> []string{"2a37", "2a38"}
func parseCSVUUIDs(input string) []string {
	return lo.Compact(lo.Map(strings.Split(input, ","), func(u string, _ int) string {
		return strings.TrimSpace(u)
	}))
}

// resolveCharacteristics resolves each UUID in order. With no UUIDs and a service, it
// returns every characteristic of that service.
func resolveCharacteristics(conn device.Connection, uuids []string, serviceUUID string) ([]target, error) {
	if len(uuids) == 0 {
		if serviceUUID == "" {
			return nil, fmt.Errorf("no UUIDs provided")
		}
		svc, err := conn.GetService(device.NormalizeUUID(serviceUUID))
		if err != nil {
			return nil, err
		}
		chars := svc.GetCharacteristics()
		if len(chars) == 0 {
			return nil, fmt.Errorf("no characteristics found in service %s", serviceUUID)
		}
		return lo.Map(chars, func(c device.Characteristic, _ int) target {
			return target{serviceUUID: svc.UUID(), char: c}
		}), nil
	}

	out := make([]target, 0, len(uuids))
	for _, u := range lo.Uniq(lo.Map(uuids, func(u string, _ int) string { return device.NormalizeUUID(u) })) {
		t, err := resolveTarget(conn, u, serviceUUID, "")
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
