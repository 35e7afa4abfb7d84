// Package gattprofile reads declarative GATT profiles from YAML.
//
// A profile lists simulated peripherals (used by the sim backend) and local services
// (served by the advertise command). Values are hex strings ("0a 0b", "0x0a0b") or
// lists of byte values; a characteristic may give a text value instead.
package gattprofile

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/srg/bleplex/internal/device"
	"gopkg.in/yaml.v3"
)

// HexBytes decodes from a hex string or a sequence of byte values.
type HexBytes []byte

func (h *HexBytes) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		b, err := ParseHex(s)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*h = b
	case yaml.SequenceNode:
		var ints []int
		if err := node.Decode(&ints); err != nil {
			return err
		}
		b := make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 0xff {
				return fmt.Errorf("line %d: byte value %d out of range", node.Line, v)
			}
			b[i] = byte(v)
		}
		*h = b
	default:
		return fmt.Errorf("line %d: expected hex string or byte list", node.Line)
	}
	return nil
}

func (h HexBytes) MarshalYAML() (any, error) {
	return hex.EncodeToString(h), nil
}

// ParseHex decodes hex, ignoring whitespace, ':' and '-' separators and a 0x prefix.
func ParseHex(s string) ([]byte, error) {
	clean := strings.NewReplacer(" ", "", ":", "", "-", "", "\t", "").Replace(strings.TrimSpace(s))
	clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	if len(clean)%2 != 0 {
		return nil, fmt.Errorf("invalid hex %q: odd length", s)
	}
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	return b, nil
}

type Descriptor struct {
	UUID  string   `yaml:"uuid"`
	Value HexBytes `yaml:"value,omitempty"`
}

// Ticker makes a simulated characteristic notify by cycling through Values while a
// central is subscribed.
type Ticker struct {
	Interval time.Duration `yaml:"interval" default:"1s"`
	Values   []HexBytes    `yaml:"values"`
}

type Characteristic struct {
	UUID       string   `yaml:"uuid"`
	Properties string   `yaml:"properties" default:"read"`
	Value      HexBytes `yaml:"value,omitempty"`
	// Text overrides Value with its UTF-8 bytes.
	Text        string        `yaml:"text,omitempty"`
	Descriptors []Descriptor  `yaml:"descriptors,omitempty"`
	ReadDelay   time.Duration `yaml:"read_delay,omitempty"`
	Ticker      *Ticker       `yaml:"ticker,omitempty"`
}

// Bytes returns the initial value.
func (c Characteristic) Bytes() []byte {
	if c.Text != "" {
		return []byte(c.Text)
	}
	return append([]byte(nil), c.Value...)
}

type Service struct {
	UUID            string           `yaml:"uuid"`
	Characteristics []Characteristic `yaml:"characteristics"`
}

// Peripheral describes a simulated remote device.
type Peripheral struct {
	Address          string              `yaml:"address"`
	Name             string              `yaml:"name,omitempty"`
	RSSI             int                 `yaml:"rssi" default:"-60"`
	TxPower          *int                `yaml:"tx_power,omitempty"`
	NonConnectable   bool                `yaml:"non_connectable,omitempty"`
	ManufacturerData HexBytes            `yaml:"manufacturer_data,omitempty"`
	ServiceData      map[string]HexBytes `yaml:"service_data,omitempty"`
	// AdvertisedServices defaults to every service UUID.
	AdvertisedServices []string      `yaml:"advertised_services,omitempty"`
	ConnectDelay       time.Duration `yaml:"connect_delay,omitempty"`
	ConnectError       string        `yaml:"connect_error,omitempty"`
	Services           []Service     `yaml:"services,omitempty"`
}

// File is a profile document.
type File struct {
	// LocalName is advertised by the advertise command unless a flag overrides it.
	LocalName   string       `yaml:"local_name,omitempty"`
	Peripherals []Peripheral `yaml:"peripherals,omitempty"`
	Services    []Service    `yaml:"services,omitempty"`
}

// Load reads and validates a profile file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a profile, applies defaults and validates it.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	f.ApplyDefaults()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// ApplyDefaults fills zero fields from their `default` tags.
func (f *File) ApplyDefaults() {
	for i := range f.Peripherals {
		p := &f.Peripherals[i]
		defaults.SetDefaults(p)
		applyServiceDefaults(p.Services)
	}
	applyServiceDefaults(f.Services)
}

func applyServiceDefaults(services []Service) {
	for i := range services {
		for j := range services[i].Characteristics {
			c := &services[i].Characteristics[j]
			defaults.SetDefaults(c)
			if c.Ticker != nil {
				defaults.SetDefaults(c.Ticker)
			}
		}
	}
}

// Validate checks addresses, UUIDs and property lists.
func (f *File) Validate() error {
	seen := make(map[string]bool, len(f.Peripherals))
	for i, p := range f.Peripherals {
		if strings.TrimSpace(p.Address) == "" {
			return fmt.Errorf("peripheral %d: address is required", i)
		}
		key := strings.ToUpper(p.Address)
		if seen[key] {
			return fmt.Errorf("peripheral %s: duplicate address", p.Address)
		}
		seen[key] = true
		if err := validateServices(p.Services); err != nil {
			return fmt.Errorf("peripheral %s: %w", p.Address, err)
		}
		for uuid := range p.ServiceData {
			if _, err := device.ValidateUUID(uuid); err != nil {
				return fmt.Errorf("peripheral %s: service data: %w", p.Address, err)
			}
		}
	}
	return validateServices(f.Services)
}

func validateServices(services []Service) error {
	for _, s := range services {
		if _, err := device.ValidateUUID(s.UUID); err != nil {
			return fmt.Errorf("service: %w", err)
		}
		for _, c := range s.Characteristics {
			if _, err := device.ValidateUUID(c.UUID); err != nil {
				return fmt.Errorf("service %s: characteristic: %w", s.UUID, err)
			}
			props, err := device.ParseProperties(c.Properties)
			if err != nil {
				return fmt.Errorf("characteristic %s: %w", c.UUID, err)
			}
			if c.Ticker != nil && !props.CanNotify() {
				return fmt.Errorf("characteristic %s: ticker requires notify or indicate", c.UUID)
			}
			for _, d := range c.Descriptors {
				if _, err := device.ValidateUUID(d.UUID); err != nil {
					return fmt.Errorf("characteristic %s: descriptor: %w", c.UUID, err)
				}
			}
		}
	}
	return nil
}

// LocalServices converts the profile's services to broadcaster definitions.
func (f *File) LocalServices() ([]*device.LocalService, error) {
	out := make([]*device.LocalService, 0, len(f.Services))
	for _, s := range f.Services {
		svc := device.NewLocalService(s.UUID)
		for _, c := range s.Characteristics {
			props, err := device.ParseProperties(c.Properties)
			if err != nil {
				return nil, err
			}
			lc := device.NewLocalCharacteristic(c.UUID, props, c.Bytes())
			for _, d := range c.Descriptors {
				lc.Descriptors = append(lc.Descriptors, device.LocalDescriptor{
					UUID:  device.NormalizeUUID(d.UUID),
					Value: append([]byte(nil), d.Value...),
				})
			}
			svc.AddCharacteristic(lc)
		}
		out = append(out, svc)
	}
	return out, nil
}
