package device

import (
	"fmt"
	"strings"
)

// Property is the characteristic properties bitmask, using the GATT bit values.
type Property uint8

const (
	PropBroadcast            Property = 0x01
	PropRead                 Property = 0x02
	PropWriteWithoutResponse Property = 0x04
	PropWrite                Property = 0x08
	PropNotify               Property = 0x10
	PropIndicate             Property = 0x20
	PropSignedWrite          Property = 0x40
	PropExtended             Property = 0x80
)

var propertyNames = []struct {
	prop Property
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteWithoutResponse, "write-without-response"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
	{PropSignedWrite, "signed-write"},
	{PropExtended, "extended"},
}

// Has reports whether every bit of q is set.
func (p Property) Has(q Property) bool {
	return p&q == q
}

// CanNotify reports whether the characteristic pushes values (notify or indicate).
func (p Property) CanNotify() bool {
	return p&(PropNotify|PropIndicate) != 0
}

// Names returns the names of the set bits in bit order.
func (p Property) Names() []string {
	var names []string
	for _, pn := range propertyNames {
		if p&pn.prop != 0 {
			names = append(names, pn.name)
		}
	}
	return names
}

func (p Property) String() string {
	return strings.Join(p.Names(), ",")
}

// ParseProperties parses a comma separated list such as "read,notify".
// "write-nr" and "wnr" are accepted for write-without-response.
func ParseProperties(s string) (Property, error) {
	var p Property
	for _, part := range strings.Split(s, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		switch name {
		case "write-nr", "wnr", "write_without_response":
			p |= PropWriteWithoutResponse
			continue
		}
		found := false
		for _, pn := range propertyNames {
			if pn.name == name {
				p |= pn.prop
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown characteristic property %q", part)
		}
	}
	return p, nil
}
