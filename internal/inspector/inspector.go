// Package inspector connects to a device for the duration of a callback and builds GATT
// reports.
package inspector

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleplex/internal/device"
	"github.com/srg/bleplex/internal/device/base"
)

// ProgressCallback is called when the inspection phase changes
type ProgressCallback func(phase string)

const (
	PhaseConnecting = "Connecting"
	PhaseConnected  = "Connected"
	PhaseFailed     = "Failed"
	PhaseProcessing = "Processing results"
)

// Opener creates device handles. platform.Stack satisfies it.
type Opener interface {
	NewDevice(address string) *base.Device
}

// InspectCallback processes a connected device and produces output of type R
type InspectCallback[R any] func(device.Device) (R, error)

// InspectDevice connects to address, runs callback with the connected device and
// disconnects afterwards, whatever the callback returns.
func InspectDevice[R any](ctx context.Context, opener Opener, address string, opts *device.ConnectOptions, logger *logrus.Logger, progress ProgressCallback, callback InspectCallback[R]) (R, error) {
	var zero R
	if logger == nil {
		logger = logrus.New()
	}
	if progress == nil {
		progress = func(string) {}
	}

	progress(PhaseConnecting)
	dev := opener.NewDevice(address)
	defer func() {
		if err := dev.Close(); err != nil {
			logger.WithError(err).WithField("address", address).Error("failed to disconnect device")
		}
	}()
	if err := dev.Connect(ctx, opts); err != nil {
		progress(PhaseFailed)
		return zero, err
	}
	progress(PhaseConnected)

	progress(PhaseProcessing)
	return callback(dev)
}
