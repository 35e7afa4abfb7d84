package base

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleplex/internal/device"
	"github.com/srg/bleplex/internal/groutine"
)

// Scanner is the shared implementation of device.Scanner.
//
// State machine: Stopped → Starting → Running → Stopping → Stopped. Start on a running
// scanner is a no-op; Start or Stop during a transition fails with *device.StateError.
// Discovered devices are kept across sessions, keyed by address.
type Scanner struct {
	native    NativeScanner
	connector NativeConnector
	logger    *logrus.Logger
	hub       *Hub

	devices *hashmap.Map[string, *Device]

	mu       sync.Mutex
	state    device.RunState
	opts     *device.ScanOptions
	session  context.CancelFunc
	finished chan struct{}
	closed   bool
}

var _ device.Scanner = (*Scanner)(nil)

// NewScanner creates a scanner; connector is handed to every device it discovers.
func NewScanner(native NativeScanner, connector NativeConnector, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		native:    native,
		connector: connector,
		logger:    logger,
		hub:       NewHub("scanner", 0, logger),
		devices:   hashmap.New[string, *Device](),
	}
}

func (s *Scanner) State() device.RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scanner) AddListener(l device.Listener) func() {
	return s.hub.AddListener(l)
}

// Start begins a scan session. It returns once the native scan is running. The session
// ends on Stop, when ctx is cancelled or after opts.Duration.
func (s *Scanner) Start(ctx context.Context, opts *device.ScanOptions) error {
	o := opts.Resolve()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("scanner is closed")
	}
	switch s.state {
	case device.Running:
		s.mu.Unlock()
		s.logger.Debug("Scan already running")
		return nil
	case device.Starting, device.Stopping:
		err := &device.StateError{Component: "scanner", Op: "start", State: s.state}
		s.mu.Unlock()
		return err
	}
	s.opts = o
	s.setStateLocked(device.Starting, nil)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"duration":         o.Duration,
		"allow_duplicates": o.AllowDuplicates,
		"services":         o.ServiceUUIDs,
	}).Info("Starting BLE scan...")

	sessionCtx, cancel := context.WithCancel(ctx)
	if err := s.native.NativeStart(sessionCtx, o, s.handleAdvertisement); err != nil {
		cancel()
		s.mu.Lock()
		s.setStateLocked(device.Stopped, err)
		s.mu.Unlock()
		return err
	}

	finished := make(chan struct{})
	s.mu.Lock()
	s.session = cancel
	s.finished = finished
	s.setStateLocked(device.Running, nil)
	s.mu.Unlock()

	groutine.Go(sessionCtx, "scan-session", func(context.Context) {
		defer close(finished)
		var timeout <-chan time.Time
		if o.Duration > 0 {
			timer := time.NewTimer(o.Duration)
			defer timer.Stop()
			timeout = timer.C
		}
		select {
		case <-sessionCtx.Done():
		case <-timeout:
			s.logger.WithField("duration", o.Duration).Debug("Scan duration elapsed")
		}
		if err := s.stop(finished); err != nil {
			s.logger.WithError(err).Warn("Failed to stop scan")
		}
	})
	return nil
}

// Stop ends the session. Stopping a stopped scanner is a no-op.
func (s *Scanner) Stop() error {
	return s.stop(nil)
}

// Close stops scanning, closes every discovered device and stops the event
// dispatcher. A closed scanner cannot be started again.
func (s *Scanner) Close() error {
	errs := []error{s.Stop()}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.devices.Range(func(_ string, d *Device) bool {
		errs = append(errs, d.Close())
		return true
	})
	s.hub.Close()
	return errors.Join(errs...)
}

// Done returns a channel closed when the current session ends, or nil when idle.
func (s *Scanner) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished == nil {
		return nil
	}
	return s.finished
}

// stop tears a session down. from is the finished channel of the session asking for
// its own stop, nil when the caller is the user.
func (s *Scanner) stop(from chan struct{}) error {
	s.mu.Lock()
	if from != nil && s.finished != from {
		s.mu.Unlock()
		return nil
	}
	switch s.state {
	case device.Stopped:
		s.mu.Unlock()
		return nil
	case device.Starting, device.Stopping:
		if from != nil {
			s.mu.Unlock()
			return nil
		}
		err := &device.StateError{Component: "scanner", Op: "stop", State: s.state}
		s.mu.Unlock()
		return err
	}
	cancel := s.session
	s.session = nil
	s.setStateLocked(device.Stopping, nil)
	s.mu.Unlock()

	cancel()
	err := s.native.NativeStop()
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		err = nil
	}

	s.mu.Lock()
	s.finished = nil
	s.setStateLocked(device.Stopped, err)
	s.mu.Unlock()

	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")
	return err
}

// handleAdvertisement updates an existing device or adds a new one.
func (s *Scanner) handleAdvertisement(adv device.Advertisement) {
	s.mu.Lock()
	o := s.opts
	running := s.state == device.Running || s.state == device.Starting
	s.mu.Unlock()
	if !running || o == nil || !shouldInclude(adv, o) {
		return
	}

	addr := adv.Addr()
	dev, existing := s.devices.Get(addr)
	if !existing {
		dev, existing = s.devices.GetOrInsert(addr, NewDeviceFromAdvertisement(adv, s.connector, s.logger))
	}
	if existing {
		dev.Update(adv)
		if !o.AllowDuplicates {
			return
		}
	} else {
		s.logger.WithFields(logrus.Fields{
			"device":  dev.Name(),
			"address": addr,
			"rssi":    dev.RSSI(),
		}).Info("Discovered new device")
	}
	s.hub.Emit(device.DeviceDiscovered{Device: dev, New: !existing})
}

// shouldInclude applies the block, allow, service and RSSI filters.
func shouldInclude(adv device.Advertisement, o *device.ScanOptions) bool {
	addr := adv.Addr()
	if lo.ContainsBy(o.BlockList, func(b string) bool { return strings.EqualFold(b, addr) }) {
		return false
	}
	if len(o.AllowList) > 0 && !lo.ContainsBy(o.AllowList, func(a string) bool { return strings.EqualFold(a, addr) }) {
		return false
	}
	if o.MinRSSI != 0 && adv.RSSI() < o.MinRSSI {
		return false
	}
	if len(o.ServiceUUIDs) > 0 {
		advertised := device.NormalizeUUIDs(append(adv.Services(), adv.OverflowService()...))
		if len(lo.Intersect(device.NormalizeUUIDs(o.ServiceUUIDs), advertised)) == 0 {
			return false
		}
	}
	return true
}

// Devices returns every device seen so far, sorted by address.
func (s *Scanner) Devices() []device.Device {
	devs := make([]device.Device, 0, s.devices.Len())
	s.devices.Range(func(_ string, d *Device) bool {
		devs = append(devs, d)
		return true
	})
	sort.Slice(devs, func(i, j int) bool { return devs[i].Address() < devs[j].Address() })
	return devs
}

// Device looks up a discovered device by address.
func (s *Scanner) Device(address string) (device.Device, bool) {
	if d, ok := s.devices.Get(address); ok {
		return d, true
	}
	var found *Device
	s.devices.Range(func(k string, d *Device) bool {
		if strings.EqualFold(k, address) {
			found = d
			return false
		}
		return true
	})
	if found == nil {
		return nil, false
	}
	return found, true
}

func (s *Scanner) setStateLocked(st device.RunState, err error) {
	if s.state == st {
		return
	}
	s.state = st
	s.hub.Emit(device.ScanStateChanged{State: st, Err: err})
}
