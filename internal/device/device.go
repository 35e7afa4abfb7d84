package device

import (
	"context"
	"time"
)

// ServiceData is one service-data element of an advertisement.
type ServiceData struct {
	UUID string
	Data []byte
}

// Advertisement is a single advertising report delivered by a native scanner.
type Advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	ServiceData() []ServiceData
	Services() []string
	OverflowService() []string
	// TxPowerLevel returns TxPowerUnknown when the report carries no TX power.
	TxPowerLevel() int
	Connectable() bool
	SolicitedService() []string

	RSSI() int
	Addr() string
}

// TxPowerUnknown is the TX power level reported when the advertisement omits it.
const TxPowerUnknown = 127

//nolint:revive // DeviceInfo reads well as device.DeviceInfo
type DeviceInfo interface {
	ID() string
	// Name returns the resolved name, falling back to the address.
	Name() string
	Address() string
	RSSI() int
	TxPower() *int
	IsConnectable() bool
	AdvertisedServices() []string
	ManufacturerData() []byte
	ServiceData() map[string][]byte
	LastSeen() time.Time
}

// Device is a remote peripheral, discovered by a scan or addressed directly.
type Device interface {
	DeviceInfo

	State() DeviceState
	Connect(ctx context.Context, opts *ConnectOptions) error
	Disconnect() error
	IsConnected() bool
	Update(adv Advertisement)
	// GetConnection returns nil while the device is not connected.
	GetConnection() Connection
	AddListener(l Listener) (remove func())
}

// Connection is a live GATT client session with a peripheral.
type Connection interface {
	Services() []Service
	GetService(uuid string) (Service, error)
	GetCharacteristic(service, uuid string) (Characteristic, error)
	ReadRSSI(ctx context.Context) (int, error)
	MTU() int
	// Disconnected is closed once the link is gone, for whatever reason.
	Disconnected() <-chan struct{}
}

// Service is a discovered GATT service.
type Service interface {
	UUID() string
	KnownName() string
	GetCharacteristics() []Characteristic
	GetCharacteristic(uuid string) (Characteristic, error)
}

// Characteristic is a discovered GATT characteristic.
type Characteristic interface {
	UUID() string
	KnownName() string
	ServiceUUID() string
	GetProperties() Property
	GetDescriptors() []Descriptor

	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte, withResponse bool) error
	// EnableNotifications installs handler as the only receiver of value updates and
	// subscribes (notify or indicate, whichever the characteristic supports).
	EnableNotifications(ctx context.Context, handler func([]byte)) error
	DisableNotifications(ctx context.Context) error
}

// Descriptor is a discovered GATT descriptor.
type Descriptor interface {
	UUID() string
	KnownName() string
	// Value is the value read during discovery, nil when the read was skipped or failed.
	Value() []byte
	// ParsedValue is the decoded discovery value, see ParseDescriptorValue.
	ParsedValue() any

	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
}

// Scanner discovers peripherals through advertisements.
type Scanner interface {
	State() RunState
	Start(ctx context.Context, opts *ScanOptions) error
	Stop() error
	Devices() []Device
	Device(address string) (Device, bool)
	AddListener(l Listener) (remove func())
}

// Broadcaster runs the local adapter as a peripheral: it advertises and serves GATT.
type Broadcaster interface {
	State() RunState
	AddService(svc *LocalService) error
	RemoveAllServices() error
	Services() []*LocalService
	Start(ctx context.Context, opts *AdvertiseOptions) error
	Stop() error
	// Notify pushes data to every central subscribed to the characteristic and returns
	// how many were notified.
	Notify(serviceUUID, charUUID string, data []byte) (int, error)
	AddListener(l Listener) (remove func())
}
