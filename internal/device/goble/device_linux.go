package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// newDevice opens the first HCI adapter. It needs CAP_NET_ADMIN and CAP_NET_RAW.
func newDevice() (ble.Device, error) {
	return linux.NewDevice()
}
