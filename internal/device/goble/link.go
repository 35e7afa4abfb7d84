package goble

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleplex/internal/bledb"
	"github.com/srg/bleplex/internal/device"
	"github.com/srg/bleplex/internal/groutine"
)

const (
	// DefaultWriteChunkSize is the ATT payload of the minimum MTU (23 bytes less the header).
	DefaultWriteChunkSize = 20

	// DefaultWriteDelay spaces write-without-response chunks so the peripheral's receive
	// buffer keeps up.
	DefaultWriteDelay = 10 * time.Millisecond

	// DefaultReadTimeout bounds reads whose context carries no deadline.
	DefaultReadTimeout = 5 * time.Second

	defaultMTU = 23
)

// gattClient is the part of ble.Client a link uses.
type gattClient interface {
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	ReadDescriptor(d *ble.Descriptor) ([]byte, error)
	WriteDescriptor(d *ble.Descriptor, v []byte) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	ReadRSSI() int
	CancelConnection() error
}

// link is a connected go-ble client with its discovered profile.
type link struct {
	client   gattClient
	logger   *logrus.Logger
	mtu      int
	services map[string]*service

	// writeMu serializes chunked writes so chunks of different writes never interleave.
	writeMu sync.Mutex

	gone      chan struct{}
	closeOnce sync.Once
}

// newLink builds the device model from a discovered profile. Descriptor values are read
// best-effort unless opts says to skip them. disconnected, when non-nil, is the client's
// own link-loss signal.
func newLink(client gattClient, profile *ble.Profile, opts *device.ConnectOptions, mtu int, disconnected <-chan struct{}, logger *logrus.Logger) *link {
	if mtu <= 0 {
		mtu = defaultMTU
	}
	l := &link{
		client:   client,
		logger:   logger,
		mtu:      mtu,
		services: make(map[string]*service),
		gone:     make(chan struct{}),
	}

	for _, bs := range profile.Services {
		svcUUID := device.NormalizeUUID(bs.UUID.String())
		svc, ok := l.services[svcUUID]
		if !ok {
			svc = &service{uuid: svcUUID, chars: make(map[string]*characteristic)}
			l.services[svcUUID] = svc
		}
		for _, bc := range bs.Characteristics {
			charUUID := device.NormalizeUUID(bc.UUID.String())
			c := &characteristic{
				link:        l,
				uuid:        charUUID,
				serviceUUID: svcUUID,
				props:       fromBLEProperty(bc.Property),
				ble:         bc,
			}
			for _, bd := range bc.Descriptors {
				c.descs = append(c.descs, l.newDescriptor(bd, opts))
			}
			sort.Slice(c.descs, func(i, j int) bool { return c.descs[i].uuid < c.descs[j].uuid })
			svc.chars[charUUID] = c
		}
	}

	if disconnected != nil {
		groutine.Go(context.Background(), "ble-link-monitor", func(context.Context) {
			select {
			case <-disconnected:
				l.logger.Warn("Native stack reported disconnection")
				l.markGone()
			case <-l.gone:
			}
		})
	}
	return l
}

func (l *link) newDescriptor(bd *ble.Descriptor, opts *device.ConnectOptions) *descriptor {
	d := &descriptor{link: l, uuid: device.NormalizeUUID(bd.UUID.String()), ble: bd}
	if opts.SkipDescriptorReads {
		return d
	}

	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		switch {
		case len(bd.Value) > 0:
			ch <- result{data: bd.Value}
		case bd.Handle == 0:
			// CoreBluetooth does not expose descriptor handles to go-ble.
			ch <- result{err: fmt.Errorf("descriptor handle not available")}
		default:
			data, err := l.client.ReadDescriptor(bd)
			ch <- result{data: data, err: NormalizeError(err)}
		}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			d.parsed = &device.DescriptorError{Reason: "read_error", Err: r.err}
			l.logger.WithFields(logrus.Fields{"descriptor_uuid": d.uuid, "error": r.err}).Debug("Failed to read descriptor value")
			return d
		}
		d.value = r.data
		parsed, err := device.ParseDescriptorValue(d.uuid, r.data)
		if err != nil {
			d.parsed = &device.DescriptorError{Reason: "parse_error", Err: err}
			l.logger.WithFields(logrus.Fields{"descriptor_uuid": d.uuid, "error": err}).Debug("Failed to parse descriptor value")
			return d
		}
		d.parsed = parsed
	case <-time.After(opts.DescriptorReadTimeout):
		d.parsed = &device.DescriptorError{Reason: "timeout"}
		l.logger.WithFields(logrus.Fields{"descriptor_uuid": d.uuid, "timeout": opts.DescriptorReadTimeout}).Debug("Timeout reading descriptor value")
	}
	return d
}

// Services returns the discovered services sorted by UUID.
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
	s, ok := l.services[device.NormalizeUUID(serviceUUID)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{serviceUUID}}
	}
	c, ok := s.chars[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{serviceUUID, uuid}}
	}
	return c, nil
}

func (l *link) ReadRSSI(ctx context.Context) (int, error) {
	if err := l.alive(); err != nil {
		return 0, err
	}
	return withDeadline(ctx, func() (int, error) { return l.client.ReadRSSI(), nil })
}

func (l *link) MTU() int                      { return l.mtu }
func (l *link) Disconnected() <-chan struct{} { return l.gone }

// Close unsubscribes what is still subscribed and cancels the connection.
func (l *link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		for _, s := range l.services {
			for _, c := range s.chars {
				c.dropSubscription()
			}
		}
		err = NormalizeError(l.client.CancelConnection())
		close(l.gone)
	})
	return err
}

func (l *link) markGone() {
	l.closeOnce.Do(func() { close(l.gone) })
}

func (l *link) alive() error {
	select {
	case <-l.gone:
		return device.ErrNotConnected
	default:
		return nil
	}
}

// withDeadline runs a blocking go-ble call, giving up when ctx ends. Calls without a
// deadline get DefaultReadTimeout.
func withDeadline[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultReadTimeout)
		defer cancel()
	}

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
		return r.v, r.err
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
	props       device.Property
	ble         *ble.Characteristic
	descs       []*descriptor

	mu         sync.Mutex
	subscribed bool
	indicate   bool
}

func (c *characteristic) UUID() string                   { return c.uuid }
func (c *characteristic) KnownName() string              { return bledb.LookupCharacteristic(c.uuid) }
func (c *characteristic) ServiceUUID() string            { return c.serviceUUID }
func (c *characteristic) GetProperties() device.Property { return c.props }

func (c *characteristic) GetDescriptors() []device.Descriptor {
	out := make([]device.Descriptor, len(c.descs))
	for i, d := range c.descs {
		out[i] = d
	}
	return out
}

func (c *characteristic) Read(ctx context.Context) ([]byte, error) {
	if err := c.link.alive(); err != nil {
		return nil, err
	}
	data, err := withDeadline(ctx, func() ([]byte, error) {
		return c.link.client.ReadCharacteristic(c.ble)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read characteristic %s: %w", c.uuid, NormalizeError(err))
	}
	return data, nil
}

// Write sends data. Writes without response longer than one ATT payload are split into
// chunks; writes with response go out in one request.
func (c *characteristic) Write(ctx context.Context, data []byte, withResponse bool) error {
	if err := c.link.alive(); err != nil {
		return err
	}
	c.link.writeMu.Lock()
	defer c.link.writeMu.Unlock()

	if withResponse {
		_, err := withDeadline(ctx, func() (struct{}, error) {
			return struct{}{}, c.link.client.WriteCharacteristic(c.ble, data, false)
		})
		if err != nil {
			return fmt.Errorf("failed to write characteristic %s in service %s: %w", c.uuid, c.serviceUUID, NormalizeError(err))
		}
		return nil
	}

	chunk := c.link.mtu - 3
	if chunk < DefaultWriteChunkSize {
		chunk = DefaultWriteChunkSize
	}
	for first := true; len(data) > 0; first = false {
		if !first {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(DefaultWriteDelay):
			}
		}
		n := min(len(data), chunk)
		if err := c.link.client.WriteCharacteristic(c.ble, data[:n], true); err != nil {
			return fmt.Errorf("failed to write characteristic %s in service %s: %w", c.uuid, c.serviceUUID, NormalizeError(err))
		}
		data = data[n:]
	}
	return nil
}

func (c *characteristic) EnableNotifications(ctx context.Context, handler func([]byte)) error {
	if err := c.link.alive(); err != nil {
		return err
	}
	if !c.props.CanNotify() {
		return fmt.Errorf("characteristic %s: %w", c.uuid, device.ErrNotSupportedByCharacteristic)
	}
	ind := !c.props.Has(device.PropNotify)
	_, err := withDeadline(ctx, func() (struct{}, error) {
		return struct{}{}, c.link.client.Subscribe(c.ble, ind, func(data []byte) {
			handler(append([]byte(nil), data...))
		})
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.uuid, NormalizeError(err))
	}

	c.mu.Lock()
	c.subscribed, c.indicate = true, ind
	c.mu.Unlock()
	c.link.logger.WithFields(logrus.Fields{"service_uuid": c.serviceUUID, "char_uuid": c.uuid}).Debug("Subscribed to characteristic notifications")
	return nil
}

func (c *characteristic) DisableNotifications(ctx context.Context) error {
	c.mu.Lock()
	subscribed, ind := c.subscribed, c.indicate
	c.subscribed = false
	c.mu.Unlock()
	if !subscribed {
		return nil
	}
	if err := c.link.alive(); err != nil {
		return err
	}
	_, err := withDeadline(ctx, func() (struct{}, error) {
		return struct{}{}, c.link.client.Unsubscribe(c.ble, ind)
	})
	if err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", c.uuid, NormalizeError(err))
	}
	return nil
}

// dropSubscription is the best-effort unsubscribe done while closing the link.
func (c *characteristic) dropSubscription() {
	c.mu.Lock()
	subscribed, ind := c.subscribed, c.indicate
	c.subscribed = false
	c.mu.Unlock()
	if !subscribed {
		return
	}
	if err := c.link.client.Unsubscribe(c.ble, ind); err != nil {
		c.link.logger.WithFields(logrus.Fields{"char_uuid": c.uuid, "error": err}).Debug("Unsubscribe during disconnect failed")
	}
}

type descriptor struct {
	link   *link
	uuid   string
	ble    *ble.Descriptor
	value  []byte
	parsed any
}

func (d *descriptor) UUID() string      { return d.uuid }
func (d *descriptor) KnownName() string { return bledb.LookupDescriptor(d.uuid) }
func (d *descriptor) Value() []byte     { return d.value }
func (d *descriptor) ParsedValue() any  { return d.parsed }

func (d *descriptor) Read(ctx context.Context) ([]byte, error) {
	if err := d.link.alive(); err != nil {
		return nil, err
	}
	data, err := withDeadline(ctx, func() ([]byte, error) { return d.link.client.ReadDescriptor(d.ble) })
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor %s: %w", d.uuid, NormalizeError(err))
	}
	return data, nil
}

func (d *descriptor) Write(ctx context.Context, data []byte) error {
	if err := d.link.alive(); err != nil {
		return err
	}
	_, err := withDeadline(ctx, func() (struct{}, error) {
		return struct{}{}, d.link.client.WriteDescriptor(d.ble, data)
	})
	if err != nil {
		return fmt.Errorf("failed to write descriptor %s: %w", d.uuid, NormalizeError(err))
	}
	return nil
}

// ----------------------------
// Property mapping
// ----------------------------

var propertyMap = []struct {
	ble ble.Property
	dev device.Property
}{
	{ble.CharBroadcast, device.PropBroadcast},
	{ble.CharRead, device.PropRead},
	{ble.CharWriteNR, device.PropWriteWithoutResponse},
	{ble.CharWrite, device.PropWrite},
	{ble.CharNotify, device.PropNotify},
	{ble.CharIndicate, device.PropIndicate},
	{ble.CharSignedWrite, device.PropSignedWrite},
	{ble.CharExtended, device.PropExtended},
}

func fromBLEProperty(p ble.Property) device.Property {
	var out device.Property
	for _, m := range propertyMap {
		if p&m.ble != 0 {
			out |= m.dev
		}
	}
	return out
}

func toBLEProperty(p device.Property) ble.Property {
	var out ble.Property
	for _, m := range propertyMap {
		if p&m.dev != 0 {
			out |= m.ble
		}
	}
	return out
}
