package base

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleplex/internal/device"
	"github.com/srg/bleplex/internal/groutine"
)

// Broadcaster is the shared implementation of device.Broadcaster. It validates the
// service table, runs the advertising state machine and answers central requests on
// behalf of the native GATT server.
type Broadcaster struct {
	native NativeBroadcaster
	logger *logrus.Logger
	hub    *Hub

	mu       sync.Mutex
	state    device.RunState
	services []*device.LocalService
	session  context.CancelFunc
	finished chan struct{}
	closed   bool
}

var (
	_ device.Broadcaster = (*Broadcaster)(nil)
	_ GattHandler        = (*Broadcaster)(nil)
)

func NewBroadcaster(native NativeBroadcaster, logger *logrus.Logger) *Broadcaster {
	if logger == nil {
		logger = logrus.New()
	}
	return &Broadcaster{
		native: native,
		logger: logger,
		hub:    NewHub("broadcaster", 0, logger),
	}
}

func (b *Broadcaster) State() device.RunState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Broadcaster) AddListener(l device.Listener) func() {
	return b.hub.AddListener(l)
}

// Services returns the registered services in registration order.
func (b *Broadcaster) Services() []*device.LocalService {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*device.LocalService(nil), b.services...)
}

// AddService registers svc with the native GATT server. The service table is frozen
// while advertising. The UUIDs in svc are rewritten to normalized form.
func (b *Broadcaster) AddService(svc *device.LocalService) error {
	if svc == nil || svc.UUID == "" {
		return fmt.Errorf("service UUID is required")
	}
	if _, err := device.ValidateUUID(svc.UUID); err != nil {
		return err
	}
	for _, c := range svc.Characteristics {
		if _, err := device.ValidateUUID(c.UUID); err != nil {
			return fmt.Errorf("characteristic in service %s: %w", svc.UUID, err)
		}
	}
	svc.Normalize()
	seen := make(map[string]bool, len(svc.Characteristics))
	for _, c := range svc.Characteristics {
		if seen[c.UUID] {
			return fmt.Errorf("duplicate characteristic %s in service %s", c.UUID, svc.UUID)
		}
		seen[c.UUID] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("broadcaster is closed")
	}
	if b.state != device.Stopped {
		return &device.StateError{Component: "broadcaster", Op: "add service", State: b.state}
	}
	for _, existing := range b.services {
		if existing.UUID == svc.UUID {
			return fmt.Errorf("service %s already registered", svc.UUID)
		}
	}
	if err := b.native.NativeAddService(svc, b); err != nil {
		return fmt.Errorf("failed to add service %s: %w", svc.UUID, err)
	}
	b.services = append(b.services, svc)

	b.logger.WithFields(logrus.Fields{
		"service":         svc.UUID,
		"characteristics": len(svc.Characteristics),
	}).Debug("Service registered")
	return nil
}

// RemoveAllServices clears the service table.
func (b *Broadcaster) RemoveAllServices() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != device.Stopped {
		return &device.StateError{Component: "broadcaster", Op: "remove services", State: b.state}
	}
	if err := b.native.NativeRemoveAllServices(); err != nil {
		return err
	}
	b.services = nil
	return nil
}

// Start begins advertising. Starting a running broadcaster is a no-op.
func (b *Broadcaster) Start(ctx context.Context, opts *device.AdvertiseOptions) error {
	o := opts.Resolve()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("broadcaster is closed")
	}
	switch b.state {
	case device.Running:
		b.mu.Unlock()
		return nil
	case device.Starting, device.Stopping:
		err := &device.StateError{Component: "broadcaster", Op: "start", State: b.state}
		b.mu.Unlock()
		return err
	}
	if len(o.ServiceUUIDs) == 0 {
		for _, svc := range b.services {
			o.ServiceUUIDs = append(o.ServiceUUIDs, svc.UUID)
		}
	}
	b.setStateLocked(device.Starting, nil)
	b.mu.Unlock()

	b.logger.WithFields(logrus.Fields{
		"name":     o.LocalName,
		"services": o.ServiceUUIDs,
		"interval": o.Interval,
	}).Info("Starting advertising...")

	sessionCtx, cancel := context.WithCancel(ctx)
	if err := b.native.NativeStartAdvertising(sessionCtx, o); err != nil {
		cancel()
		b.mu.Lock()
		b.setStateLocked(device.Stopped, err)
		b.mu.Unlock()
		return fmt.Errorf("failed to start advertising: %w", err)
	}

	finished := make(chan struct{})
	b.mu.Lock()
	b.session = cancel
	b.finished = finished
	b.setStateLocked(device.Running, nil)
	b.mu.Unlock()

	groutine.Go(sessionCtx, "advertise-session", func(context.Context) {
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
		}
		if err := b.stop(finished); err != nil {
			b.logger.WithError(err).Warn("Failed to stop advertising")
		}
	})
	return nil
}

// Stop ends advertising. Stopping a stopped broadcaster is a no-op.
func (b *Broadcaster) Stop() error {
	return b.stop(nil)
}

// Close stops advertising and the event dispatcher. A closed broadcaster cannot be
// started again.
func (b *Broadcaster) Close() error {
	err := b.Stop()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.hub.Close()
	return err
}

// Done returns a channel closed when the current advertising session ends, or nil when idle.
func (b *Broadcaster) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished == nil {
		return nil
	}
	return b.finished
}

func (b *Broadcaster) stop(from chan struct{}) error {
	b.mu.Lock()
	if from != nil && b.finished != from {
		b.mu.Unlock()
		return nil
	}
	switch b.state {
	case device.Stopped:
		b.mu.Unlock()
		return nil
	case device.Starting, device.Stopping:
		if from != nil {
			b.mu.Unlock()
			return nil
		}
		err := &device.StateError{Component: "broadcaster", Op: "stop", State: b.state}
		b.mu.Unlock()
		return err
	}
	cancel := b.session
	b.session = nil
	b.setStateLocked(device.Stopping, nil)
	b.mu.Unlock()

	cancel()
	err := b.native.NativeStopAdvertising()
	if err != nil && errors.Is(err, context.Canceled) {
		err = nil
	}

	b.mu.Lock()
	b.finished = nil
	b.setStateLocked(device.Stopped, err)
	b.mu.Unlock()

	b.logger.Info("Advertising stopped")
	return err
}

// Notify stores data as the characteristic's value and pushes it to every subscribed
// central. With no subscribers it returns (0, nil).
func (b *Broadcaster) Notify(serviceUUID, charUUID string, data []byte) (int, error) {
	char, err := b.lookup(serviceUUID, charUUID)
	if err != nil {
		return 0, err
	}
	if !char.Properties.CanNotify() {
		return 0, fmt.Errorf("%w: characteristic %s has no notify or indicate property",
			device.ErrNotSupportedByCharacteristic, char.UUID)
	}
	char.SetValue(data)

	centrals := char.Subscribers()
	if len(centrals) == 0 {
		return 0, nil
	}
	n, err := b.native.NativeNotify(char, centrals, data)
	if err != nil {
		b.logger.WithFields(logrus.Fields{
			"characteristic": char.UUID,
			"centrals":       len(centrals),
			"error":          err,
		}).Warn("Notification delivery incomplete")
	}
	return n, err
}

func (b *Broadcaster) lookup(serviceUUID, charUUID string) (*device.LocalCharacteristic, error) {
	svcUUID := device.NormalizeUUID(serviceUUID)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, svc := range b.services {
		if svc.UUID != svcUUID {
			continue
		}
		if c, ok := svc.Characteristic(charUUID); ok {
			return c, nil
		}
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{svcUUID, device.NormalizeUUID(charUUID)}}
	}
	return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{svcUUID}}
}

// ----------------------------
// GattHandler
// ----------------------------

// HandleRead answers a central's read, applying offset to the served value.
func (b *Broadcaster) HandleRead(central string, char *device.LocalCharacteristic, offset int) ([]byte, error) {
	b.hub.Emit(device.ReadRequested{
		Central:     central,
		ServiceUUID: char.ServiceUUID(),
		CharUUID:    char.UUID,
		Offset:      offset,
	})
	if !char.Properties.Has(device.PropRead) {
		return nil, &device.ATTError{Code: 0x02}
	}

	var value []byte
	if char.OnRead != nil {
		v, err := char.OnRead(central)
		if err != nil {
			return nil, err
		}
		value = v
	} else {
		value = char.Value()
	}
	if offset > len(value) {
		return nil, &device.ATTError{Code: 0x07}
	}
	return value[offset:], nil
}

// HandleWrite applies a central's write. A rejected write leaves the value unchanged.
func (b *Broadcaster) HandleWrite(central string, char *device.LocalCharacteristic, data []byte, withResponse bool) error {
	allowed := char.Properties.Has(device.PropWrite)
	if !withResponse {
		allowed = char.Properties.Has(device.PropWriteWithoutResponse)
	}
	if !allowed {
		return &device.ATTError{Code: 0x03}
	}
	if char.OnWrite != nil {
		if err := char.OnWrite(central, data); err != nil {
			b.logger.WithFields(logrus.Fields{
				"central":        central,
				"characteristic": char.UUID,
				"error":          err,
			}).Debug("Write rejected")
			return err
		}
	}
	char.SetValue(data)
	b.hub.Emit(device.WriteReceived{
		Central:      central,
		ServiceUUID:  char.ServiceUUID(),
		CharUUID:     char.UUID,
		Value:        append([]byte(nil), data...),
		WithResponse: withResponse,
	})
	return nil
}

func (b *Broadcaster) HandleSubscribe(central string, char *device.LocalCharacteristic) {
	if !char.AddSubscriber(central) {
		return
	}
	b.logger.WithFields(logrus.Fields{"central": central, "characteristic": char.UUID}).Info("Central subscribed")
	b.hub.Emit(device.CentralSubscribed{Central: central, ServiceUUID: char.ServiceUUID(), CharUUID: char.UUID})
}

func (b *Broadcaster) HandleUnsubscribe(central string, char *device.LocalCharacteristic) {
	if !char.RemoveSubscriber(central) {
		return
	}
	b.logger.WithFields(logrus.Fields{"central": central, "characteristic": char.UUID}).Info("Central unsubscribed")
	b.hub.Emit(device.CentralUnsubscribed{Central: central, ServiceUUID: char.ServiceUUID(), CharUUID: char.UUID})
}

func (b *Broadcaster) setStateLocked(st device.RunState, err error) {
	if b.state == st {
		return
	}
	b.state = st
	b.hub.Emit(device.BroadcastStateChanged{State: st, Err: err})
}
