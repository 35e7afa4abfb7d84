package goble

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/go-ble/ble"
	"github.com/srg/bleplex/internal/device"
)

// CoreBluetooth reports manager state failures as "... have=4 want=5 ...".
var managerStateRe = regexp.MustCompile(`have=(\d+)`)

// NormalizeError maps go-ble errors onto the device error vocabulary. The original error
// stays in the chain so its text is not lost.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, device.ErrNotConnected) || errors.Is(err, device.ErrBluetoothOff) {
		return err
	}

	var attErr ble.ATTError
	if errors.As(err, &attErr) {
		return fmt.Errorf("%w: %v", &device.ATTError{Code: byte(attErr)}, err)
	}

	msg := err.Error()
	if m := managerStateRe.FindStringSubmatch(msg); m != nil {
		if n, convErr := strconv.Atoi(m[1]); convErr == nil {
			if stateErr := device.AdapterState(n).Err(); stateErr != nil {
				return fmt.Errorf("%w: %v", stateErr, err)
			}
		}
	}

	switch {
	case device.ContainsIgnoreCase(msg, "bluetooth is turned off"),
		device.ContainsIgnoreCase(msg, "powered off"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case device.ContainsIgnoreCase(msg, "unauthorized"),
		device.ContainsIgnoreCase(msg, "operation not permitted"):
		return fmt.Errorf("%w: %v", device.ErrUnauthorized, err)
	case device.ContainsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", device.ErrAlreadyConnected, err)
	case device.ContainsIgnoreCase(msg, "device not connected"),
		device.ContainsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	case device.ContainsIgnoreCase(msg, "connection is not initialized"):
		return fmt.Errorf("%w: %v", device.ErrNotInitialized, err)
	case device.ContainsIgnoreCase(msg, "no such device"),
		device.ContainsIgnoreCase(msg, "can't init hci"):
		return fmt.Errorf("%w: %v", device.ErrAdapterNotReady, err)
	default:
		return err
	}
}
