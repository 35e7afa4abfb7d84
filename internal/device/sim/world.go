// Package sim is an in-memory Bluetooth backend.
//
// A World holds simulated peripherals built from gattprofile definitions. It implements
// the native scanner and connector hooks of the base package, so scanners and devices
// built on it behave like real ones: peripherals advertise periodically, links can be
// dropped, characteristics notify. The same World provides a simulated local
// broadcaster whose centrals are driven by tests.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleplex/internal/device"
	"github.com/srg/bleplex/internal/device/base"
	"github.com/srg/bleplex/internal/gattprofile"
	"github.com/srg/bleplex/internal/groutine"
)

const (
	DefaultAdvertisingInterval = 100 * time.Millisecond
	DefaultMTU                 = 247
	// LocalAddress is the address the simulated local broadcaster advertises with.
	LocalAddress = "00:00:5E:00:53:00"
)

// World is a simulated radio environment.
type World struct {
	logger *logrus.Logger

	mu          sync.RWMutex
	peripherals map[string]*peripheral
	interval    time.Duration
	adapter     device.AdapterState
	mtu         int

	scanMu     sync.Mutex
	scanCancel context.CancelFunc
	scanDone   chan struct{}

	broadcaster *Broadcaster
	permissions *Permissions
}

var (
	_ base.NativeScanner   = (*World)(nil)
	_ base.NativeConnector = (*World)(nil)
)

// NewWorld creates an empty world with a powered-on adapter.
func NewWorld(logger *logrus.Logger) *World {
	if logger == nil {
		logger = logrus.New()
	}
	w := &World{
		logger:      logger,
		peripherals: make(map[string]*peripheral),
		interval:    DefaultAdvertisingInterval,
		adapter:     device.AdapterPoweredOn,
		mtu:         DefaultMTU,
	}
	w.broadcaster = newBroadcaster(w)
	w.permissions = newPermissions(w)
	return w
}

// NewWorldFromProfile creates a world populated with the profile's peripherals.
func NewWorldFromProfile(f *gattprofile.File, logger *logrus.Logger) (*World, error) {
	w := NewWorld(logger)
	for _, p := range f.Peripherals {
		if err := w.AddPeripheral(p); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// SetAdvertisingInterval changes how often peripherals advertise.
func (w *World) SetAdvertisingInterval(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if d > 0 {
		w.interval = d
	}
}

// SetAdapterState simulates the local adapter being switched off, unauthorized etc.
// Powering off drops every link.
func (w *World) SetAdapterState(s device.AdapterState) {
	w.mu.Lock()
	w.adapter = s
	var links []*link
	if s != device.AdapterPoweredOn {
		for _, p := range w.peripherals {
			if l := p.currentLink(); l != nil {
				links = append(links, l)
			}
		}
	}
	w.mu.Unlock()

	for _, l := range links {
		_ = l.Close()
	}
}

func (w *World) adapterErr() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if err := w.adapter.Err(); err != nil {
		return fmt.Errorf("adapter %s: %w", w.adapter, err)
	}
	return nil
}

// Broadcaster returns the world's local broadcaster hooks.
func (w *World) Broadcaster() *Broadcaster { return w.broadcaster }

// Permissions returns the world's permission manager.
func (w *World) Permissions() *Permissions { return w.permissions }

// ----------------------------
// Peripherals
// ----------------------------

// AddPeripheral places a peripheral in range.
func (w *World) AddPeripheral(cfg gattprofile.Peripheral) error {
	f := &gattprofile.File{Peripherals: []gattprofile.Peripheral{cfg}}
	f.ApplyDefaults()
	if err := f.Validate(); err != nil {
		return err
	}
	p, err := newPeripheral(f.Peripherals[0])
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	key := strings.ToUpper(cfg.Address)
	if _, exists := w.peripherals[key]; exists {
		return fmt.Errorf("peripheral %s already exists", cfg.Address)
	}
	w.peripherals[key] = p
	w.logger.WithFields(logrus.Fields{"address": cfg.Address, "name": cfg.Name}).Debug("Simulated peripheral added")
	return nil
}

// RemovePeripheral takes a peripheral out of range, dropping its link.
func (w *World) RemovePeripheral(address string) {
	w.mu.Lock()
	p := w.peripherals[strings.ToUpper(address)]
	delete(w.peripherals, strings.ToUpper(address))
	w.mu.Unlock()
	if p != nil {
		if l := p.currentLink(); l != nil {
			_ = l.Close()
		}
	}
}

func (w *World) peripheral(address string) (*peripheral, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	p, ok := w.peripherals[strings.ToUpper(address)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "device", UUIDs: []string{address}}
	}
	return p, nil
}

func (w *World) snapshot() []*peripheral {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*peripheral, 0, len(w.peripherals))
	for _, p := range w.peripherals {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].address < out[j].address })
	return out
}

// SetRSSI changes the signal strength reported for a peripheral.
func (w *World) SetRSSI(address string, rssi int) error {
	p, err := w.peripheral(address)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.rssi = rssi
	p.mu.Unlock()
	return nil
}

// Value returns a characteristic's current value as the peripheral sees it.
func (w *World) Value(address, serviceUUID, charUUID string) ([]byte, error) {
	c, err := w.char(address, serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}
	return c.get(), nil
}

// SetValue changes a characteristic's value without notifying.
func (w *World) SetValue(address, serviceUUID, charUUID string, data []byte) error {
	c, err := w.char(address, serviceUUID, charUUID)
	if err != nil {
		return err
	}
	c.set(data)
	return nil
}

// SetErrors makes subsequent reads or writes of a characteristic fail. nil clears.
func (w *World) SetErrors(address, serviceUUID, charUUID string, readErr, writeErr error) error {
	c, err := w.char(address, serviceUUID, charUUID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.readErr, c.writeErr = readErr, writeErr
	c.mu.Unlock()
	return nil
}

// Notify has the peripheral push data on a characteristic. It returns whether a
// subscribed central received it.
func (w *World) Notify(address, serviceUUID, charUUID string, data []byte) (bool, error) {
	p, err := w.peripheral(address)
	if err != nil {
		return false, err
	}
	c, err := p.char(serviceUUID, charUUID)
	if err != nil {
		return false, err
	}
	c.set(data)
	l := p.currentLink()
	if l == nil {
		return false, nil
	}
	return l.deliver(c, data), nil
}

// DropLink simulates the peripheral going out of range mid-connection.
func (w *World) DropLink(address string) error {
	p, err := w.peripheral(address)
	if err != nil {
		return err
	}
	l := p.currentLink()
	if l == nil {
		return fmt.Errorf("%w: %s", device.ErrNotConnected, address)
	}
	w.logger.WithField("address", address).Debug("Simulating link loss")
	return l.Close()
}

// IsConnected reports whether a central holds a link to the peripheral.
func (w *World) IsConnected(address string) bool {
	p, err := w.peripheral(address)
	if err != nil {
		return false
	}
	return p.currentLink() != nil
}

func (w *World) char(address, serviceUUID, charUUID string) (*simChar, error) {
	p, err := w.peripheral(address)
	if err != nil {
		return nil, err
	}
	return p.char(serviceUUID, charUUID)
}

// ----------------------------
// NativeScanner
// ----------------------------

// NativeStart advertises every peripheral in range to report, once immediately and then
// every advertising interval. Connected peripherals stop advertising.
func (w *World) NativeStart(ctx context.Context, _ *device.ScanOptions, report func(device.Advertisement)) error {
	if err := w.adapterErr(); err != nil {
		return err
	}
	w.scanMu.Lock()
	defer w.scanMu.Unlock()
	if w.scanCancel != nil {
		return errors.New("scan already in progress")
	}

	scanCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.scanCancel, w.scanDone = cancel, done

	w.mu.RLock()
	interval := w.interval
	w.mu.RUnlock()

	groutine.Go(scanCtx, "sim-advertising", func(ctx context.Context) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			for _, p := range w.snapshot() {
				if ctx.Err() != nil {
					return
				}
				if p.currentLink() == nil {
					report(p.advertisement())
				}
			}
			if adv := w.broadcaster.advertisement(); adv != nil {
				report(adv)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
	return nil
}

// NativeStop ends the scan and returns once no more reports will be made.
func (w *World) NativeStop() error {
	w.scanMu.Lock()
	cancel, done := w.scanCancel, w.scanDone
	w.scanCancel, w.scanDone = nil, nil
	w.scanMu.Unlock()
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

// NativeConnect opens a link to a peripheral in range.
func (w *World) NativeConnect(ctx context.Context, address string, opts *device.ConnectOptions) (base.NativeConnection, error) {
	if err := w.adapterErr(); err != nil {
		return nil, err
	}
	p, err := w.peripheral(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrUnreachable, err)
	}
	if p.cfg.NonConnectable {
		return nil, fmt.Errorf("%w: %s is not connectable", device.ErrUnreachable, address)
	}
	if p.cfg.ConnectDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.cfg.ConnectDelay):
		}
	}
	if p.cfg.ConnectError != "" {
		return nil, errors.New(p.cfg.ConnectError)
	}

	w.mu.RLock()
	mtu := w.mtu
	w.mu.RUnlock()

	l, err := p.attach(w, opts.Resolve(), mtu)
	if err != nil {
		return nil, err
	}
	w.logger.WithField("address", address).Debug("Simulated link established")
	return l, nil
}
