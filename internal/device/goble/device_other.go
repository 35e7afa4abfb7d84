//go:build !darwin && !linux

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
	"github.com/srg/bleplex/internal/device"
)

func newDevice() (ble.Device, error) {
	return nil, fmt.Errorf("go-ble has no %s support: %w", runtime.GOOS, device.ErrUnsupported)
}
