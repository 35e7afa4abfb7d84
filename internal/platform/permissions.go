package platform

import (
	"context"
	"errors"

	"github.com/srg/bleplex/internal/device"
)

// openPermissions answers permission questions by opening the native stack: the OS
// refuses the stack itself when Bluetooth is off or the app is not authorized, and
// prompts the user the first time it is opened.
type openPermissions struct {
	open      func() error
	advertise bool
}

var _ device.PermissionManager = (*openPermissions)(nil)

func (m *openPermissions) AdapterState(ctx context.Context) (device.AdapterState, error) {
	if err := ctx.Err(); err != nil {
		return device.AdapterUnknown, err
	}
	err := m.open()
	switch {
	case err == nil:
		return device.AdapterPoweredOn, nil
	case errors.Is(err, device.ErrBluetoothOff):
		return device.AdapterPoweredOff, nil
	case errors.Is(err, device.ErrUnauthorized):
		return device.AdapterUnauthorized, nil
	case errors.Is(err, device.ErrUnsupported):
		return device.AdapterUnsupported, nil
	case errors.Is(err, device.ErrAdapterNotReady):
		return device.AdapterResetting, nil
	default:
		return device.AdapterUnknown, err
	}
}

func (m *openPermissions) Check(ctx context.Context, p device.Permission) (device.PermissionStatus, error) {
	state, err := m.AdapterState(ctx)
	if err != nil {
		return device.StatusUnknown, err
	}
	switch state {
	case device.AdapterUnauthorized:
		return device.StatusDenied, nil
	case device.AdapterUnsupported:
		return device.StatusUnsupported, nil
	}
	if p == device.PermissionAdvertise && !m.advertise {
		return device.StatusUnsupported, nil
	}
	return device.StatusGranted, nil
}

// Request is Check: opening the stack is what triggers the OS prompt.
func (m *openPermissions) Request(ctx context.Context, p device.Permission) (device.PermissionStatus, error) {
	return m.Check(ctx, p)
}
