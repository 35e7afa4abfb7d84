// Package access provides typed, reference-counted access to the characteristics of a
// connected device.
//
// Several consumers may subscribe to the same characteristic. Native notifications are
// enabled for the first subscriber and disabled when the last one leaves; a weighted
// semaphore serializes those transitions.
package access

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleplex/internal/device"
	"github.com/srg/bleplex/internal/groutine"
	"golang.org/x/sync/semaphore"
)

// ErrServiceClosed is returned by Notify once the service has been closed.
var ErrServiceClosed = errors.New("access service closed")

// closeTimeout bounds how long Close waits for an in-flight subscribe or unsubscribe.
const closeTimeout = 5 * time.Second

// Service owns the subscription bookkeeping for one device.
type Service struct {
	dev    device.Device
	logger *logrus.Logger

	states         *hashmap.Map[string, *notifyState]
	removeListener func()
	closed         atomic.Bool
	closeOnce      sync.Once
}

// notifyState tracks the subscribers of one characteristic.
type notifyState struct {
	serviceUUID string
	charUUID    string
	// sem guards enabling and disabling native notifications.
	sem *semaphore.Weighted

	mu     sync.Mutex
	subs   map[uint64]func([]byte)
	nextID uint64
	// active is true while native notifications are enabled on the current link.
	active bool
}

// NewService attaches to dev. Call Close to release it.
func NewService(dev device.Device, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Service{
		dev:    dev,
		logger: logger,
		states: hashmap.New[string, *notifyState](),
	}
	s.removeListener = dev.AddListener(s.onDeviceEvent)
	return s
}

// Device returns the device the service is bound to.
func (s *Service) Device() device.Device { return s.dev }

func stateKey(serviceUUID, charUUID string) string {
	return serviceUUID + "/" + charUUID
}

func (s *Service) state(serviceUUID, charUUID string) *notifyState {
	svc, chr := device.NormalizeUUID(serviceUUID), device.NormalizeUUID(charUUID)
	key := stateKey(svc, chr)
	if st, ok := s.states.Get(key); ok {
		return st
	}
	st, _ := s.states.GetOrInsert(key, &notifyState{
		serviceUUID: svc,
		charUUID:    chr,
		sem:         semaphore.NewWeighted(1),
		subs:        make(map[uint64]func([]byte)),
	})
	return st
}

// characteristic resolves a characteristic on the live connection.
func (s *Service) characteristic(serviceUUID, charUUID string) (device.Characteristic, error) {
	conn := s.dev.GetConnection()
	if conn == nil {
		return nil, fmt.Errorf("%w: device %s", device.ErrNotConnected, s.dev.Address())
	}
	return conn.GetCharacteristic(device.NormalizeUUID(serviceUUID), device.NormalizeUUID(charUUID))
}

func unsupported(op string, c device.Characteristic) error {
	return fmt.Errorf("%w: %s on characteristic %s (properties: %s)",
		device.ErrNotSupportedByCharacteristic, op, c.UUID(), c.GetProperties())
}

// Read returns the current value of a characteristic.
func (s *Service) Read(ctx context.Context, serviceUUID, charUUID string) ([]byte, error) {
	c, err := s.characteristic(serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}
	if !c.GetProperties().Has(device.PropRead) {
		return nil, unsupported("read", c)
	}
	return c.Read(ctx)
}

// Write writes data, with or without a response from the peripheral.
func (s *Service) Write(ctx context.Context, serviceUUID, charUUID string, data []byte, withResponse bool) error {
	c, err := s.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	props := c.GetProperties()
	if withResponse && !props.Has(device.PropWrite) {
		return unsupported("write", c)
	}
	if !withResponse && !props.Has(device.PropWriteWithoutResponse) {
		return unsupported("write without response", c)
	}
	return c.Write(ctx, data, withResponse)
}

// Notify adds handler as a subscriber of the characteristic. The first subscriber
// enables native notifications; if that fails the subscriber is not added.
// ctx bounds the wait for the subscription lock and the enable request.
func (s *Service) Notify(ctx context.Context, serviceUUID, charUUID string, handler func([]byte)) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("notification handler is required")
	}
	if s.closed.Load() {
		return nil, ErrServiceClosed
	}
	c, err := s.characteristic(serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}
	if !c.GetProperties().CanNotify() {
		return nil, unsupported("notify", c)
	}

	st := s.state(serviceUUID, charUUID)
	if err := st.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer st.sem.Release(1)
	// Close may have run while we waited for the lock.
	if s.closed.Load() {
		return nil, ErrServiceClosed
	}

	st.mu.Lock()
	st.nextID++
	id := st.nextID
	st.subs[id] = handler
	needEnable := !st.active
	st.mu.Unlock()

	if needEnable {
		if err := c.EnableNotifications(ctx, st.dispatch); err != nil {
			st.mu.Lock()
			delete(st.subs, id)
			st.mu.Unlock()
			return nil, fmt.Errorf("failed to enable notifications on %s: %w", st.charUUID, err)
		}
		st.mu.Lock()
		st.active = true
		st.mu.Unlock()
		s.logger.WithFields(logrus.Fields{
			"address":      s.dev.Address(),
			"service_uuid": st.serviceUUID,
			"char_uuid":    st.charUUID,
		}).Debug("Native notifications enabled")
	}

	return &Subscription{svc: s, st: st, id: id}, nil
}

// Subscribers returns how many subscriptions are open on the characteristic.
func (s *Service) Subscribers(serviceUUID, charUUID string) int {
	st, ok := s.states.Get(stateKey(device.NormalizeUUID(serviceUUID), device.NormalizeUUID(charUUID)))
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.subs)
}

// unsubscribe removes id and reports whether it did. An error with removed set comes
// from disabling native notifications.
func (s *Service) unsubscribe(ctx context.Context, st *notifyState, id uint64) (removed bool, err error) {
	if err := st.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer st.sem.Release(1)

	st.mu.Lock()
	delete(st.subs, id)
	last := len(st.subs) == 0 && st.active
	if last {
		st.active = false
	}
	st.mu.Unlock()

	if !last {
		return true, nil
	}
	c, err := s.characteristic(st.serviceUUID, st.charUUID)
	if err != nil {
		// Link already gone; nothing left to disable.
		return true, nil
	}
	if err := c.DisableNotifications(ctx); err != nil {
		return true, fmt.Errorf("failed to disable notifications on %s: %w", st.charUUID, err)
	}
	s.logger.WithFields(logrus.Fields{
		"address":   s.dev.Address(),
		"char_uuid": st.charUUID,
	}).Debug("Native notifications disabled")
	return true, nil
}

func (st *notifyState) dispatch(data []byte) {
	st.mu.Lock()
	handlers := make([]func([]byte), 0, len(st.subs))
	for _, h := range st.subs {
		handlers = append(handlers, h)
	}
	st.mu.Unlock()

	for _, h := range handlers {
		h(append([]byte(nil), data...))
	}
}

// onDeviceEvent keeps native subscriptions in step with the link.
func (s *Service) onDeviceEvent(ev device.Event) {
	changed, ok := ev.(device.DeviceStateChanged)
	if !ok {
		return
	}
	switch changed.State {
	case device.Disconnected:
		s.states.Range(func(_ string, st *notifyState) bool {
			st.mu.Lock()
			st.active = false
			st.mu.Unlock()
			return true
		})
	case device.Connected:
		s.states.Range(func(_ string, st *notifyState) bool {
			st.mu.Lock()
			pending := len(st.subs) > 0 && !st.active
			st.mu.Unlock()
			if pending {
				groutine.Go(context.Background(), "notify-restore", func(ctx context.Context) {
					s.restore(ctx, st)
				})
			}
			return true
		})
	}
}

// restore re-enables native notifications after a reconnect.
func (s *Service) restore(ctx context.Context, st *notifyState) {
	if err := st.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer st.sem.Release(1)

	st.mu.Lock()
	pending := len(st.subs) > 0 && !st.active
	st.mu.Unlock()
	if !pending {
		return
	}

	log := s.logger.WithFields(logrus.Fields{
		"address":   s.dev.Address(),
		"char_uuid": st.charUUID,
	})
	c, err := s.characteristic(st.serviceUUID, st.charUUID)
	if err == nil {
		err = c.EnableNotifications(ctx, st.dispatch)
	}
	if err != nil {
		log.WithError(err).Warn("Failed to restore notifications after reconnect")
		return
	}
	st.mu.Lock()
	st.active = true
	st.mu.Unlock()
	log.Info("Notifications restored after reconnect")
}

// Close stops listening to the device and drops every subscription, disabling native
// notifications that are still active. Notify fails with ErrServiceClosed afterwards.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.removeListener()

		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		s.states.Range(func(_ string, st *notifyState) bool {
			s.closeState(ctx, st)
			return true
		})
	})
}

func (s *Service) closeState(ctx context.Context, st *notifyState) {
	log := s.logger.WithFields(logrus.Fields{
		"address":   s.dev.Address(),
		"char_uuid": st.charUUID,
	})
	if err := st.sem.Acquire(ctx, 1); err != nil {
		log.WithError(err).Warn("Gave up waiting for the subscription lock on close")
		return
	}
	defer st.sem.Release(1)

	st.mu.Lock()
	active := st.active
	st.active = false
	st.subs = make(map[uint64]func([]byte))
	st.mu.Unlock()
	if !active {
		return
	}
	c, err := s.characteristic(st.serviceUUID, st.charUUID)
	if err != nil {
		log.WithError(err).Debug("Link gone; nothing to disable on close")
		return
	}
	if err := c.DisableNotifications(ctx); err != nil {
		log.WithError(err).Warn("Failed to disable notifications on close")
	}
}

// Subscription is one consumer's registration on a characteristic.
type Subscription struct {
	svc *Service
	st  *notifyState
	id  uint64

	mu     sync.Mutex
	closed bool
}

// Close removes the subscription. The last subscription to close disables native
// notifications. Closing twice is a no-op.
func (sub *Subscription) Close(ctx context.Context) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return nil
	}
	removed, err := sub.svc.unsubscribe(ctx, sub.st, sub.id)
	sub.closed = removed
	return err
}
