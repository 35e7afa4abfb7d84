//go:build linux || windows

package tinygo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleplex/internal/bledb"
	"github.com/srg/bleplex/internal/device"
	"tinygo.org/x/bluetooth"
)

const (
	defaultMTU       = 23
	maxAttributeSize = 512
)

// tinygo does not expose characteristic properties on every platform, so discovered
// characteristics advertise the full client-side set and the stack rejects what the
// peripheral does not allow.
const discoveredProperties = device.PropRead | device.PropWrite | device.PropWriteWithoutResponse | device.PropNotify

type link struct {
	dev      bluetooth.Device
	logger   *logrus.Logger
	mtu      int
	services map[string]*service
	release  func()

	gone      chan struct{}
	closeOnce sync.Once
}

func discover(dev bluetooth.Device, opts *device.ConnectOptions, logger *logrus.Logger) (*link, error) {
	l := &link{
		dev:      dev,
		logger:   logger,
		mtu:      defaultMTU,
		services: make(map[string]*service),
		gone:     make(chan struct{}),
	}

	deadline := time.Now().Add(opts.ConnectTimeout)
	svcs, err := dev.DiscoverServices(nil)
	if err != nil {
		return nil, err
	}
	for i := range svcs {
		bs := svcs[i]
		svcUUID := device.NormalizeUUID(bs.UUID().String())
		s := &service{uuid: svcUUID, chars: make(map[string]*characteristic)}
		chars, err := bs.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", svcUUID, err)
		}
		for j := range chars {
			bc := chars[j]
			charUUID := device.NormalizeUUID(bc.UUID().String())
			s.chars[charUUID] = &characteristic{link: l, uuid: charUUID, serviceUUID: svcUUID, native: bc}
			if l.mtu == defaultMTU {
				if mtu, err := bc.GetMTU(); err == nil && mtu > 0 {
					l.mtu = int(mtu)
				}
			}
		}
		l.services[svcUUID] = s
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("service discovery: %w", device.ErrTimeout)
		}
	}
	logger.WithFields(logrus.Fields{"services": len(l.services), "mtu": l.mtu}).Debug("Profile discovered successfully")
	return l, nil
}

func (l *link) Services() []device.Service {
	out := make([]device.Service, 0, len(l.services))
	for _, s := range l.services {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID() < out[j].UUID() })
	return out
}

func (l *link) GetService(uuid string) (device.Service, error) {
	s, ok := l.services[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{uuid}}
	}
	return s, nil
}

func (l *link) GetCharacteristic(serviceUUID, uuid string) (device.Characteristic, error) {
	s, err := l.GetService(serviceUUID)
	if err != nil {
		return nil, err
	}
	return s.GetCharacteristic(uuid)
}

// ReadRSSI is not offered by tinygo for connected devices.
func (l *link) ReadRSSI(context.Context) (int, error) {
	if err := l.alive(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("read rssi: %w", device.ErrUnsupported)
}

func (l *link) MTU() int                      { return l.mtu }
func (l *link) Disconnected() <-chan struct{} { return l.gone }

func (l *link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		for _, s := range l.services {
			for _, c := range s.chars {
				c.dropSubscription()
			}
		}
		err = NormalizeError(l.dev.Disconnect())
		if l.release != nil {
			l.release()
		}
		close(l.gone)
	})
	return err
}

func (l *link) markGone() {
	l.closeOnce.Do(func() {
		l.logger.Warn("Native stack reported disconnection")
		close(l.gone)
	})
}

func (l *link) alive() error {
	select {
	case <-l.gone:
		return device.ErrNotConnected
	default:
		return nil
	}
}

// call runs a blocking tinygo call, giving up when ctx ends.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, NormalizeError(r.err)
	case <-ctx.Done():
		var zero T
		if ctx.Err() == context.DeadlineExceeded {
			return zero, fmt.Errorf("%w: %v", device.ErrTimeout, ctx.Err())
		}
		return zero, ctx.Err()
	}
}

// ----------------------------
// GATT model
// ----------------------------

type service struct {
	uuid  string
	chars map[string]*characteristic
}

func (s *service) UUID() string      { return s.uuid }
func (s *service) KnownName() string { return bledb.LookupService(s.uuid) }

func (s *service) GetCharacteristics() []device.Characteristic {
	out := make([]device.Characteristic, 0, len(s.chars))
	for _, c := range s.chars {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID() < out[j].UUID() })
	return out
}

func (s *service) GetCharacteristic(uuid string) (device.Characteristic, error) {
	c, ok := s.chars[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{s.uuid, uuid}}
	}
	return c, nil
}

type characteristic struct {
	link        *link
	uuid        string
	serviceUUID string
	native      bluetooth.DeviceCharacteristic

	mu         sync.Mutex
	subscribed bool
}

func (c *characteristic) UUID() string                   { return c.uuid }
func (c *characteristic) KnownName() string              { return bledb.LookupCharacteristic(c.uuid) }
func (c *characteristic) ServiceUUID() string            { return c.serviceUUID }
func (c *characteristic) GetProperties() device.Property { return discoveredProperties }

// GetDescriptors returns nothing: tinygo does not discover descriptors.
func (c *characteristic) GetDescriptors() []device.Descriptor { return nil }

func (c *characteristic) Read(ctx context.Context) ([]byte, error) {
	if err := c.link.alive(); err != nil {
		return nil, err
	}
	data, err := call(ctx, func() ([]byte, error) {
		buf := make([]byte, maxAttributeSize)
		n, err := c.native.Read(buf)
		return buf[:n], err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read characteristic %s: %w", c.uuid, err)
	}
	return data, nil
}

func (c *characteristic) Write(ctx context.Context, data []byte, withResponse bool) error {
	if err := c.link.alive(); err != nil {
		return err
	}
	_, err := call(ctx, func() (int, error) {
		return writeValue(&c.native, data, withResponse)
	})
	if err != nil {
		return fmt.Errorf("failed to write characteristic %s in service %s: %w", c.uuid, c.serviceUUID, err)
	}
	return nil
}

func (c *characteristic) EnableNotifications(ctx context.Context, handler func([]byte)) error {
	if err := c.link.alive(); err != nil {
		return err
	}
	_, err := call(ctx, func() (struct{}, error) {
		return struct{}{}, c.native.EnableNotifications(func(buf []byte) {
			handler(append([]byte(nil), buf...))
		})
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.uuid, err)
	}
	c.mu.Lock()
	c.subscribed = true
	c.mu.Unlock()
	return nil
}

// DisableNotifications passes a nil callback, which tinygo treats as unsubscribe.
func (c *characteristic) DisableNotifications(ctx context.Context) error {
	c.mu.Lock()
	subscribed := c.subscribed
	c.subscribed = false
	c.mu.Unlock()
	if !subscribed {
		return nil
	}
	if err := c.link.alive(); err != nil {
		return err
	}
	_, err := call(ctx, func() (struct{}, error) {
		return struct{}{}, c.native.EnableNotifications(nil)
	})
	if err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", c.uuid, err)
	}
	return nil
}

func (c *characteristic) dropSubscription() {
	c.mu.Lock()
	subscribed := c.subscribed
	c.subscribed = false
	c.mu.Unlock()
	if subscribed {
		if err := c.native.EnableNotifications(nil); err != nil {
			c.link.logger.WithFields(logrus.Fields{"char_uuid": c.uuid, "error": err}).Debug("Unsubscribe during disconnect failed")
		}
	}
}
