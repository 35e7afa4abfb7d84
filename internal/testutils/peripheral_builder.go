package testutils

import (
	"fmt"

	"github.com/srg/bleplex/internal/gattprofile"
	"gopkg.in/yaml.v3"
)

// PeripheralBuilder assembles a simulated peripheral fluently:
//
//	p := testutils.NewPeripheralBuilder("AA:BB:CC:DD:EE:01").
//		WithName("Sensor").
//		WithService("180F").
//		WithCharacteristic("2A19", "read,notify", []byte{50}).
//		Build()
type PeripheralBuilder struct {
	p gattprofile.Peripheral
}

func NewPeripheralBuilder(address string) *PeripheralBuilder {
	return &PeripheralBuilder{p: gattprofile.Peripheral{Address: address}}
}

// FromJSON replaces the configuration with a JSON (or YAML) document using the profile
// field names. The address is kept unless the document sets one.
func (b *PeripheralBuilder) FromJSON(format string, args ...any) *PeripheralBuilder {
	address := b.p.Address
	var p gattprofile.Peripheral
	if err := yaml.Unmarshal([]byte(fmt.Sprintf(format, args...)), &p); err != nil {
		panic(fmt.Sprintf("FromJSON: %v", err))
	}
	if p.Address == "" {
		p.Address = address
	}
	b.p = p
	return b
}

func (b *PeripheralBuilder) WithName(name string) *PeripheralBuilder {
	b.p.Name = name
	return b
}

func (b *PeripheralBuilder) WithRSSI(rssi int) *PeripheralBuilder {
	b.p.RSSI = rssi
	return b
}

func (b *PeripheralBuilder) WithTxPower(level int) *PeripheralBuilder {
	b.p.TxPower = &level
	return b
}

func (b *PeripheralBuilder) NonConnectable() *PeripheralBuilder {
	b.p.NonConnectable = true
	return b
}

func (b *PeripheralBuilder) WithManufacturerData(data []byte) *PeripheralBuilder {
	b.p.ManufacturerData = data
	return b
}

func (b *PeripheralBuilder) WithServiceData(uuid string, data []byte) *PeripheralBuilder {
	if b.p.ServiceData == nil {
		b.p.ServiceData = make(map[string]gattprofile.HexBytes)
	}
	b.p.ServiceData[uuid] = data
	return b
}

// WithAdvertisedServices overrides the default of advertising every service.
func (b *PeripheralBuilder) WithAdvertisedServices(uuids ...string) *PeripheralBuilder {
	b.p.AdvertisedServices = uuids
	return b
}

// WithConnectError makes connection attempts fail with a message naming the error.
func (b *PeripheralBuilder) WithConnectError(msg string) *PeripheralBuilder {
	b.p.ConnectError = msg
	return b
}

func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	b.p.Services = append(b.p.Services, gattprofile.Service{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last service.
func (b *PeripheralBuilder) WithCharacteristic(uuid, properties string, value []byte) *PeripheralBuilder {
	svc := b.lastService("WithCharacteristic")
	svc.Characteristics = append(svc.Characteristics, gattprofile.Characteristic{
		UUID:       uuid,
		Properties: properties,
		Value:      value,
	})
	return b
}

// WithDescriptor adds a descriptor to the last characteristic.
func (b *PeripheralBuilder) WithDescriptor(uuid string, value []byte) *PeripheralBuilder {
	svc := b.lastService("WithDescriptor")
	if len(svc.Characteristics) == 0 {
		panic("WithDescriptor: call WithCharacteristic first")
	}
	c := &svc.Characteristics[len(svc.Characteristics)-1]
	c.Descriptors = append(c.Descriptors, gattprofile.Descriptor{UUID: uuid, Value: value})
	return b
}

func (b *PeripheralBuilder) lastService(caller string) *gattprofile.Service {
	if len(b.p.Services) == 0 {
		panic(caller + ": call WithService first")
	}
	return &b.p.Services[len(b.p.Services)-1]
}

// Build returns a copy of the configured peripheral.
func (b *PeripheralBuilder) Build() gattprofile.Peripheral {
	out := b.p
	out.Services = append([]gattprofile.Service(nil), b.p.Services...)
	return out
}
