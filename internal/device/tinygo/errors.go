// Package tinygo binds the base state machines to tinygo.org/x/bluetooth: BlueZ over
// D-Bus on linux and WinRT on windows.
package tinygo

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/srg/bleplex/internal/device"
)

// WinRT failures carry the GattCommunicationStatus, e.g. "... failed with status 3".
var winrtStatusRe = regexp.MustCompile(`status[ :=]+(\d+)`)

// BlueZ and WinRT report ATT failures as "... att error 0x05" or "protocol error: 0x05".
var attCodeRe = regexp.MustCompile(`(?i)(?:att|protocol) error:? 0x([0-9a-f]{1,2})`)

var bluezErrors = []struct {
	match string
	err   error
}{
	{"org.bluez.Error.NotReady", device.ErrBluetoothOff},
	{"org.bluez.Error.NotAuthorized", device.ErrUnauthorized},
	{"org.bluez.Error.NotPermitted", device.ErrUnauthorized},
	{"org.bluez.Error.NotSupported", device.ErrUnsupported},
	{"org.bluez.Error.AlreadyConnected", device.ErrAlreadyConnected},
	{"org.bluez.Error.NotConnected", device.ErrNotConnected},
	{"org.bluez.Error.DoesNotExist", device.ErrUnreachable},
	{"org.freedesktop.DBus.Error.AccessDenied", device.ErrAccessDenied},
	{"org.freedesktop.DBus.Error.ServiceUnknown", device.ErrAdapterNotReady},
	{"org.freedesktop.DBus.Error.NoReply", device.ErrTimeout},
}

var textErrors = []struct {
	match string
	err   error
}{
	{"radio is off", device.ErrBluetoothOff},
	{"powered off", device.ErrBluetoothOff},
	{"access denied", device.ErrAccessDenied},
	{"not authorized", device.ErrUnauthorized},
	{"already connected", device.ErrAlreadyConnected},
	{"not connected", device.ErrNotConnected},
	{"le-connection-abort-by-local", device.ErrTimeout},
	{"page timeout", device.ErrTimeout},
	{"timed out", device.ErrTimeout},
	{"was not found", device.ErrUnreachable},
	{"device not found", device.ErrUnreachable},
	{"no default adapter", device.ErrAdapterNotReady},
	{"adapter not found", device.ErrAdapterNotReady},
	{"not supported", device.ErrUnsupported},
}

// NormalizeError maps tinygo bluetooth errors onto the device error vocabulary. D-Bus
// error names are matched first, then WinRT statuses and ATT codes, then plain text.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, device.ErrNotConnected) || errors.Is(err, device.ErrTimeout) {
		return err
	}

	msg := err.Error()
	for _, e := range bluezErrors {
		if device.ContainsIgnoreCase(msg, e.match) {
			return fmt.Errorf("%w: %v", e.err, err)
		}
	}

	var attCode byte
	if m := attCodeRe.FindStringSubmatch(msg); m != nil {
		if n, convErr := strconv.ParseUint(m[1], 16, 8); convErr == nil {
			attCode = byte(n)
		}
	}
	if m := winrtStatusRe.FindStringSubmatch(msg); m != nil {
		if status, convErr := strconv.Atoi(m[1]); convErr == nil {
			if mapped := device.FromWinRTStatus(status, attCode); mapped != nil {
				return fmt.Errorf("%w: %v", mapped, err)
			}
		}
	}
	if attCode != 0 {
		return fmt.Errorf("%w: %v", &device.ATTError{Code: attCode}, err)
	}

	for _, e := range textErrors {
		if device.ContainsIgnoreCase(msg, e.match) {
			return fmt.Errorf("%w: %v", e.err, err)
		}
	}
	return err
}
