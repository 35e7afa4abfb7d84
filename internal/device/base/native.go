package base

import (
	"context"

	"github.com/srg/bleplex/internal/device"
)

// NativeScanner is the radio side of a Scanner.
type NativeScanner interface {
	// NativeStart begins delivering advertisements to report and returns once the radio is
	// scanning. report may be called from any goroutine until NativeStop returns.
	NativeStart(ctx context.Context, opts *device.ScanOptions, report func(device.Advertisement)) error
	NativeStop() error
}

// NativeConnection is a live link as produced by a NativeConnector.
type NativeConnection interface {
	device.Connection
	// Close tears the link down. Disconnected() is closed afterwards.
	Close() error
}

// NativeConnector opens links to remote devices.
type NativeConnector interface {
	// NativeConnect dials address and discovers its GATT profile. ctx carries the
	// connect timeout.
	NativeConnect(ctx context.Context, address string, opts *device.ConnectOptions) (NativeConnection, error)
}

// GattHandler receives the central-side requests a native GATT server sees. Broadcaster
// implements it and passes itself to NativeAddService.
type GattHandler interface {
	HandleRead(central string, char *device.LocalCharacteristic, offset int) ([]byte, error)
	HandleWrite(central string, char *device.LocalCharacteristic, data []byte, withResponse bool) error
	HandleSubscribe(central string, char *device.LocalCharacteristic)
	HandleUnsubscribe(central string, char *device.LocalCharacteristic)
}

// NativeBroadcaster is the radio side of a Broadcaster.
type NativeBroadcaster interface {
	NativeAddService(svc *device.LocalService, h GattHandler) error
	NativeRemoveAllServices() error
	NativeStartAdvertising(ctx context.Context, opts *device.AdvertiseOptions) error
	NativeStopAdvertising() error
	// NativeNotify sends data to the given subscribed centrals and returns how many
	// were reached.
	NativeNotify(char *device.LocalCharacteristic, centrals []string, data []byte) (int, error)
}
