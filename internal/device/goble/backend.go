// Package goble binds the base state machines to github.com/go-ble/ble: CoreBluetooth on
// darwin and raw HCI sockets on linux.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleplex/internal/device"
	"github.com/srg/bleplex/internal/device/base"
	"github.com/srg/bleplex/internal/groutine"
)

// startupGrace is how long a blocking go-ble call (Scan, Advertise*) gets to fail before
// the operation is considered started.
const startupGrace = 150 * time.Millisecond

// DeviceFactory creates the go-ble device (can be overridden in tests).
var DeviceFactory = newDevice

// Backend owns the single go-ble device of the process and implements the native scanner
// and connector hooks on top of it.
type Backend struct {
	logger *logrus.Logger

	devMu sync.Mutex
	dev   ble.Device

	scanMu     sync.Mutex
	scanCancel context.CancelFunc
	scanDone   chan struct{}
}

var (
	_ base.NativeScanner   = (*Backend)(nil)
	_ base.NativeConnector = (*Backend)(nil)
)

func New(logger *logrus.Logger) *Backend {
	if logger == nil {
		logger = logrus.New()
	}
	return &Backend{logger: logger}
}

// Device returns the go-ble device, creating it on first use.
func (b *Backend) Device() (ble.Device, error) {
	b.devMu.Lock()
	defer b.devMu.Unlock()
	if b.dev != nil {
		return b.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		b.logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	b.dev = dev
	return dev, nil
}

// Close releases the go-ble device.
func (b *Backend) Close() error {
	_ = b.NativeStop()
	b.devMu.Lock()
	dev := b.dev
	b.dev = nil
	b.devMu.Unlock()
	if dev == nil {
		return nil
	}
	return NormalizeError(dev.Stop())
}

// ----------------------------
// NativeScanner
// ----------------------------

func (b *Backend) NativeStart(ctx context.Context, opts *device.ScanOptions, report func(device.Advertisement)) error {
	dev, err := b.Device()
	if err != nil {
		return err
	}
	o := opts.Resolve()

	b.scanMu.Lock()
	defer b.scanMu.Unlock()
	if b.scanCancel != nil {
		return errors.New("scan already in progress")
	}
	scanCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	errCh := make(chan error, 1)

	groutine.Go(scanCtx, "ble-scan", func(ctx context.Context) {
		defer close(done)
		err := dev.Scan(ctx, o.AllowDuplicates, func(a ble.Advertisement) {
			report(&advertisement{adv: a})
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			errCh <- NormalizeError(err)
		}
	})

	select {
	case err := <-errCh:
		cancel()
		<-done
		return err
	case <-time.After(startupGrace):
	}
	b.scanCancel, b.scanDone = cancel, done
	return nil
}

func (b *Backend) NativeStop() error {
	b.scanMu.Lock()
	cancel, done := b.scanCancel, b.scanDone
	b.scanCancel, b.scanDone = nil, nil
	b.scanMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// ----------------------------
// NativeConnector
// ----------------------------

func (b *Backend) NativeConnect(ctx context.Context, address string, opts *device.ConnectOptions) (base.NativeConnection, error) {
	dev, err := b.Device()
	if err != nil {
		return nil, err
	}
	o := opts.Resolve()

	b.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NormalizeError(err)
	}

	b.logger.WithField("address", address).Debug("Discovering services and characteristics...")
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			b.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	mtu := defaultMTU
	if conn := client.Conn(); conn != nil {
		mtu = conn.TxMTU()
	}
	var disconnected <-chan struct{}
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		disconnected = dc.Disconnected()
	}

	l := newLink(client, profile, o, mtu, disconnected, b.logger)
	b.logger.WithFields(logrus.Fields{
		"address":  address,
		"services": len(profile.Services),
		"mtu":      mtu,
	}).Debug("Profile discovered successfully")
	return l, nil
}

// ----------------------------
// Advertisement
// ----------------------------

type advertisement struct {
	adv ble.Advertisement
}

func (a *advertisement) LocalName() string        { return a.adv.LocalName() }
func (a *advertisement) ManufacturerData() []byte { return a.adv.ManufacturerData() }
func (a *advertisement) TxPowerLevel() int        { return int(a.adv.TxPowerLevel()) }
func (a *advertisement) Connectable() bool        { return a.adv.Connectable() }
func (a *advertisement) RSSI() int                { return a.adv.RSSI() }
func (a *advertisement) Addr() string             { return a.adv.Addr().String() }
func (a *advertisement) Services() []string       { return uuidStrings(a.adv.Services()) }
func (a *advertisement) OverflowService() []string {
	return uuidStrings(a.adv.OverflowService())
}
func (a *advertisement) SolicitedService() []string {
	return uuidStrings(a.adv.SolicitedService())
}

func (a *advertisement) ServiceData() []device.ServiceData {
	sd := a.adv.ServiceData()
	out := make([]device.ServiceData, len(sd))
	for i, d := range sd {
		out[i] = device.ServiceData{UUID: d.UUID.String(), Data: d.Data}
	}
	return out
}

func uuidStrings(uuids []ble.UUID) []string {
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = u.String()
	}
	return out
}
