package device

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Well-known GATT descriptor UUIDs in normalized form.
const (
	DescriptorExtendedProperties = "2900"
	DescriptorUserDescription    = "2901"
	DescriptorClientConfig       = "2902"
	DescriptorServerConfig       = "2903"
	DescriptorPresentationFormat = "2904"
	DescriptorValidRange         = "2906"
)

// DescriptorError records why a discovery-time descriptor value is missing.
type DescriptorError struct {
	Reason string // "timeout", "read_error", "parse_error"
	Err    error
}

func (e *DescriptorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *DescriptorError) Unwrap() error { return e.Err }

type ExtendedProperties struct {
	ReliableWrite       bool
	WritableAuxiliaries bool
}

type ClientConfig struct {
	Notifications bool
	Indications   bool
}

type ServerConfig struct {
	Broadcasts bool
}

// PresentationFormat is the 7-byte Characteristic Presentation Format (0x2904).
type PresentationFormat struct {
	Format      uint8
	Exponent    int8
	Unit        uint16
	Namespace   uint8
	Description uint16
}

// ValidRange holds the raw halves of a Valid Range descriptor; their encoding follows
// the characteristic's own format.
type ValidRange struct {
	MinValue []byte
	MaxValue []byte
}

// EncodeClientConfig returns the CCCD value enabling the given delivery modes.
func EncodeClientConfig(cfg ClientConfig) []byte {
	var v uint16
	if cfg.Notifications {
		v |= 0x0001
	}
	if cfg.Indications {
		v |= 0x0002
	}
	return binary.LittleEndian.AppendUint16(nil, v)
}

func flags16(name string, data []byte) (uint16, error) {
	if len(data) != 2 {
		return 0, fmt.Errorf("invalid length for %s: expected 2, got %d", name, len(data))
	}
	return binary.LittleEndian.Uint16(data), nil
}

// ParseDescriptorValue decodes well-known descriptor values. Unknown descriptors are
// returned as raw bytes; empty data yields (nil, nil).
//
// Result types: *ExtendedProperties (2900), string (2901), *ClientConfig (2902),
// *ServerConfig (2903), *PresentationFormat (2904), *ValidRange (2906), []byte otherwise.
func ParseDescriptorValue(uuid string, data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}

	switch NormalizeUUID(uuid) {
	case DescriptorExtendedProperties:
		v, err := flags16("extended properties", data)
		if err != nil {
			return nil, err
		}
		return &ExtendedProperties{ReliableWrite: v&0x1 != 0, WritableAuxiliaries: v&0x2 != 0}, nil
	case DescriptorUserDescription:
		s := strings.TrimRight(string(data), "\x00")
		if !utf8.ValidString(s) {
			return nil, fmt.Errorf("invalid UTF-8 in user description")
		}
		return s, nil
	case DescriptorClientConfig:
		v, err := flags16("client config", data)
		if err != nil {
			return nil, err
		}
		return &ClientConfig{Notifications: v&0x1 != 0, Indications: v&0x2 != 0}, nil
	case DescriptorServerConfig:
		v, err := flags16("server config", data)
		if err != nil {
			return nil, err
		}
		return &ServerConfig{Broadcasts: v&0x1 != 0}, nil
	case DescriptorPresentationFormat:
		if len(data) != 7 {
			return nil, fmt.Errorf("invalid length for presentation format: expected 7, got %d", len(data))
		}
		return &PresentationFormat{
			Format:      data[0],
			Exponent:    int8(data[1]),
			Unit:        binary.LittleEndian.Uint16(data[2:4]),
			Namespace:   data[4],
			Description: binary.LittleEndian.Uint16(data[5:7]),
		}, nil
	case DescriptorValidRange:
		if len(data) < 2 {
			return nil, fmt.Errorf("invalid length for valid range: expected at least 2, got %d", len(data))
		}
		mid := len(data) / 2
		return &ValidRange{
			MinValue: append([]byte(nil), data[:mid]...),
			MaxValue: append([]byte(nil), data[mid:]...),
		}, nil
	default:
		return data, nil
	}
}
