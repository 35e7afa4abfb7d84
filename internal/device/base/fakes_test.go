package base

import (
	"context"
	"errors"
	"sync"

	"github.com/srg/bleplex/internal/device"
)

// fakeScanner records calls and lets tests push advertisements.
type fakeScanner struct {
	mu       sync.Mutex
	report   func(device.Advertisement)
	starts   int
	stops    int
	startErr error
}

func (f *fakeScanner) NativeStart(_ context.Context, _ *device.ScanOptions, report func(device.Advertisement)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.report = report
	return nil
}

func (f *fakeScanner) NativeStop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.report = nil
	return nil
}

func (f *fakeScanner) push(adv device.Advertisement) {
	f.mu.Lock()
	report := f.report
	f.mu.Unlock()
	if report != nil {
		report(adv)
	}
}

func (f *fakeScanner) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

// fakeConnector hands out fakeConnections.
type fakeConnector struct {
	mu    sync.Mutex
	err   error
	dials int
	conns []*fakeConnection
	chars []*fakeCharacteristic
	// block makes NativeConnect wait for ctx.
	block bool
}

func (f *fakeConnector) NativeConnect(ctx context.Context, _ string, _ *device.ConnectOptions) (NativeConnection, error) {
	f.mu.Lock()
	f.dials++
	err, block, chars := f.err, f.block, f.chars
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	c := &fakeConnection{chars: chars, gone: make(chan struct{})}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeConnector) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeConnector) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeConnector) last() *fakeConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

type fakeConnection struct {
	chars    []*fakeCharacteristic
	gone     chan struct{}
	once     sync.Once
	closeErr error
}

func (c *fakeConnection) Services() []device.Service { return nil }

func (c *fakeConnection) GetService(uuid string) (device.Service, error) {
	return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{uuid}}
}

func (c *fakeConnection) GetCharacteristic(svc, uuid string) (device.Characteristic, error) {
	for _, ch := range c.chars {
		if ch.svc == svc && ch.uuid == uuid {
			return ch, nil
		}
	}
	return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{svc, uuid}}
}

func (c *fakeConnection) ReadRSSI(context.Context) (int, error) { return -50, nil }
func (c *fakeConnection) MTU() int                              { return 23 }
func (c *fakeConnection) Disconnected() <-chan struct{}         { return c.gone }

func (c *fakeConnection) Close() error {
	c.once.Do(func() { close(c.gone) })
	return c.closeErr
}

// drop simulates the peripheral going away.
func (c *fakeConnection) drop() { c.once.Do(func() { close(c.gone) }) }

type fakeCharacteristic struct {
	svc, uuid string
	props     device.Property
	value     []byte
	handler   func([]byte)
}

func (c *fakeCharacteristic) UUID() string                   { return c.uuid }
func (c *fakeCharacteristic) KnownName() string              { return "" }
func (c *fakeCharacteristic) ServiceUUID() string            { return c.svc }
func (c *fakeCharacteristic) GetProperties() device.Property { return c.props }
func (c *fakeCharacteristic) GetDescriptors() []device.Descriptor {
	return nil
}

func (c *fakeCharacteristic) Read(context.Context) ([]byte, error) { return c.value, nil }

func (c *fakeCharacteristic) Write(_ context.Context, data []byte, _ bool) error {
	c.value = data
	return nil
}

func (c *fakeCharacteristic) EnableNotifications(_ context.Context, h func([]byte)) error {
	c.handler = h
	return nil
}

func (c *fakeCharacteristic) DisableNotifications(context.Context) error {
	c.handler = nil
	return nil
}

// fakeBroadcaster records the GATT handler so tests can play the central.
type fakeBroadcaster struct {
	mu        sync.Mutex
	handler   GattHandler
	services  []*device.LocalService
	started   int
	stopped   int
	notified  map[string][]string
	notifyErr error
}

func (f *fakeBroadcaster) NativeAddService(svc *device.LocalService, h GattHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
	f.services = append(f.services, svc)
	return nil
}

func (f *fakeBroadcaster) NativeRemoveAllServices() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services = nil
	return nil
}

func (f *fakeBroadcaster) NativeStartAdvertising(context.Context, *device.AdvertiseOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return nil
}

func (f *fakeBroadcaster) NativeStopAdvertising() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func (f *fakeBroadcaster) NativeNotify(char *device.LocalCharacteristic, centrals []string, _ []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notifyErr != nil {
		return 0, f.notifyErr
	}
	if f.notified == nil {
		f.notified = make(map[string][]string)
	}
	f.notified[char.UUID] = append([]string(nil), centrals...)
	return len(centrals), nil
}

var errRadio = errors.New("radio failure")

// recorder collects events delivered to a listener.
type recorder struct {
	mu     sync.Mutex
	events []device.Event
}

func (r *recorder) listen(ev device.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []device.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]device.Event(nil), r.events...)
}

func (r *recorder) ofKind(k device.EventKind) []device.Event {
	var out []device.Event
	for _, ev := range r.snapshot() {
		if ev.Kind() == k {
			out = append(out, ev)
		}
	}
	return out
}
