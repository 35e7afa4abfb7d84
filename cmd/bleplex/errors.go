package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/bleplex/internal/device"
	"github.com/srg/bleplex/internal/platform"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the BLE connection was unexpectedly lost during operation.
	// This is distinct from device.ErrNotConnected, which indicates an attempt to use
	// a device that was never connected or was already disconnected.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns an error chain into a message for the terminal. Well-known
// conditions get a hint; everything else prints as is.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var (
		notFound *device.NotFoundError
		att      *device.ATTError
		state    *device.StateError
	)
	switch {
	case errors.Is(err, ErrConnectionLost):
		return "connection to the device was lost"
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off; turn it on and try again"
	case errors.Is(err, device.ErrUnauthorized), errors.Is(err, device.ErrAccessDenied):
		return fmt.Sprintf("Bluetooth access is not authorized; run 'bleplex permissions --request' (%v)", err)
	case errors.Is(err, device.ErrAdapterNotReady):
		return "Bluetooth adapter is not ready; check that it is plugged in and powered"
	case errors.Is(err, device.ErrUnreachable):
		return fmt.Sprintf("device is unreachable; make sure it is advertising and in range (%v)", err)
	case errors.Is(err, device.ErrNotConnected):
		return "device is not connected"
	case errors.Is(err, device.ErrAlreadyConnected):
		return "device is already connected"
	case errors.Is(err, device.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("operation timed out (%v)", err)
	case errors.Is(err, device.ErrNotSupportedByCharacteristic):
		return err.Error()
	case errors.Is(err, platform.ErrUnknownBackend):
		return err.Error()
	case errors.As(err, &notFound):
		return notFound.Error()
	case errors.As(err, &att):
		return fmt.Sprintf("device rejected the request: %v", att)
	case errors.As(err, &state):
		return fmt.Sprintf("busy: %v", state)
	}
	return err.Error()
}
