//go:build linux || windows

package tinygo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleplex/internal/device"
	"github.com/srg/bleplex/internal/device/base"
	"github.com/srg/bleplex/internal/groutine"
	"tinygo.org/x/bluetooth"
)

// startupGrace is how long the blocking Scan call gets to fail before the scan is
// considered started.
const startupGrace = 150 * time.Millisecond

// Backend owns the process-wide tinygo adapter. The adapter has a single connect
// handler, so link loss of outgoing connections and centrals connecting to the local
// GATT server are both dispatched from here.
type Backend struct {
	adapter *bluetooth.Adapter
	logger  *logrus.Logger

	enableMu sync.Mutex
	enabled  bool

	scanMu   sync.Mutex
	scanDone chan struct{}

	mu          sync.Mutex
	links       map[string]*link
	broadcaster *Broadcaster
}

var (
	_ base.NativeScanner   = (*Backend)(nil)
	_ base.NativeConnector = (*Backend)(nil)
)

func New(logger *logrus.Logger) *Backend {
	if logger == nil {
		logger = logrus.New()
	}
	return &Backend{
		adapter: bluetooth.DefaultAdapter,
		logger:  logger,
		links:   make(map[string]*link),
	}
}

// Enable powers up the adapter stack once. A failed attempt is retried on the next call.
func (b *Backend) Enable() error {
	b.enableMu.Lock()
	defer b.enableMu.Unlock()
	if b.enabled {
		return nil
	}
	if err := b.adapter.Enable(); err != nil {
		b.logger.WithField("error", err).Error("Failed to enable Bluetooth adapter")
		return fmt.Errorf("failed to enable Bluetooth adapter: %w", NormalizeError(err))
	}
	b.adapter.SetConnectHandler(b.onConnectionEvent)
	b.enabled = true
	return nil
}

func (b *Backend) onConnectionEvent(d bluetooth.Device, connected bool) {
	addr := d.Address.String()
	b.logger.WithFields(logrus.Fields{"address": addr, "connected": connected}).Debug("Connection event")

	b.mu.Lock()
	l := b.links[addr]
	if l != nil && !connected {
		delete(b.links, addr)
	}
	bc := b.broadcaster
	b.mu.Unlock()

	switch {
	case l != nil:
		if !connected {
			l.markGone()
		}
	case bc != nil:
		bc.onCentral(addr, connected)
	}
}

// ----------------------------
// NativeScanner
// ----------------------------

func (b *Backend) NativeStart(ctx context.Context, _ *device.ScanOptions, report func(device.Advertisement)) error {
	if err := b.Enable(); err != nil {
		return err
	}

	b.scanMu.Lock()
	defer b.scanMu.Unlock()
	if b.scanDone != nil {
		return errors.New("scan already in progress")
	}
	done := make(chan struct{})
	errCh := make(chan error, 1)

	groutine.Go(ctx, "tinygo-scan", func(context.Context) {
		defer close(done)
		err := b.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
			report(newAdvertisement(r))
		})
		if err != nil {
			b.logger.WithField("error", err).Debug("Scan ended with error")
			errCh <- NormalizeError(err)
		}
	})

	select {
	case err := <-errCh:
		<-done
		return err
	case <-time.After(startupGrace):
	}
	b.scanDone = done
	return nil
}

func (b *Backend) NativeStop() error {
	b.scanMu.Lock()
	done := b.scanDone
	b.scanDone = nil
	b.scanMu.Unlock()
	if done == nil {
		return nil
	}
	if err := b.adapter.StopScan(); err != nil {
		return NormalizeError(err)
	}
	<-done
	return nil
}

// ----------------------------
// NativeConnector
// ----------------------------

func (b *Backend) NativeConnect(ctx context.Context, address string, opts *device.ConnectOptions) (base.NativeConnection, error) {
	if err := b.Enable(); err != nil {
		return nil, err
	}
	o := opts.Resolve()
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}

	type result struct {
		dev bluetooth.Device
		err error
	}
	ch := make(chan result, 1)
	b.logger.WithField("address", address).Debug("Connecting...")
	go func() {
		d, err := b.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- result{d, err}
	}()

	var dev bluetooth.Device
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, NormalizeError(r.err)
		}
		dev = r.dev
	case <-ctx.Done():
		// tinygo's Connect cannot be cancelled; drop the link if it shows up late.
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.dev.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}

	b.logger.WithField("address", address).Debug("Discovering services and characteristics...")
	l, err := discover(dev, o, b.logger)
	if err != nil {
		_ = dev.Disconnect()
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	key := dev.Address.String()
	l.release = func() {
		b.mu.Lock()
		if b.links[key] == l {
			delete(b.links, key)
		}
		b.mu.Unlock()
	}
	b.mu.Lock()
	b.links[key] = l
	b.mu.Unlock()
	return l, nil
}

func parseAddress(address string) (bluetooth.Address, error) {
	mac, err := bluetooth.ParseMAC(strings.ToUpper(address))
	if err != nil {
		return bluetooth.Address{}, fmt.Errorf("invalid device address %q: %w", address, err)
	}
	return bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, nil
}

// parseUUID accepts any UUID form the device package produces.
func parseUUID(s string) (bluetooth.UUID, error) {
	return bluetooth.ParseUUID(device.ExpandUUID(s))
}

// ----------------------------
// Advertisement
// ----------------------------

func newAdvertisement(r bluetooth.ScanResult) *device.AdvertisementData {
	adv := &device.AdvertisementData{
		Name:          r.LocalName(),
		Address:       r.Address.String(),
		Rssi:          int(r.RSSI),
		TxPower:       device.TxPowerUnknown,
		IsConnectable: true,
	}
	if md := r.ManufacturerData(); len(md) > 0 {
		adv.MfgData = append([]byte{byte(md[0].CompanyID), byte(md[0].CompanyID >> 8)}, md[0].Data...)
	}
	for _, sd := range r.ServiceData() {
		adv.SvcData = append(adv.SvcData, device.ServiceData{UUID: device.NormalizeUUID(sd.UUID.String()), Data: sd.Data})
	}
	if lister, ok := r.AdvertisementPayload.(interface{ ServiceUUIDs() []bluetooth.UUID }); ok {
		for _, u := range lister.ServiceUUIDs() {
			adv.ServiceUUIDs = append(adv.ServiceUUIDs, device.NormalizeUUID(u.String()))
		}
	}
	return adv
}
