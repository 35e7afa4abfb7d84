package sim

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/srg/bleplex/internal/bledb"
	"github.com/srg/bleplex/internal/device"
	"github.com/srg/bleplex/internal/gattprofile"
	"github.com/srg/bleplex/internal/groutine"
)

type peripheral struct {
	address  string
	cfg      gattprofile.Peripheral
	services []*simService

	mu   sync.Mutex
	rssi int
	link *link
}

type simService struct {
	uuid  string
	chars []*simChar
}

type simChar struct {
	uuid        string
	serviceUUID string
	props       device.Property
	readDelay   time.Duration
	ticker      *gattprofile.Ticker
	descriptors []*simDesc

	mu       sync.Mutex
	value    []byte
	readErr  error
	writeErr error
}

type simDesc struct {
	uuid string

	mu    sync.Mutex
	value []byte
}

func newPeripheral(cfg gattprofile.Peripheral) (*peripheral, error) {
	p := &peripheral{address: cfg.Address, cfg: cfg, rssi: cfg.RSSI}
	for _, s := range cfg.Services {
		svc := &simService{uuid: device.NormalizeUUID(s.UUID)}
		for _, c := range s.Characteristics {
			props, err := device.ParseProperties(c.Properties)
			if err != nil {
				return nil, err
			}
			sc := &simChar{
				uuid:        device.NormalizeUUID(c.UUID),
				serviceUUID: svc.uuid,
				props:       props,
				readDelay:   c.ReadDelay,
				ticker:      c.Ticker,
				value:       c.Bytes(),
			}
			for _, d := range c.Descriptors {
				sc.descriptors = append(sc.descriptors, &simDesc{
					uuid:  device.NormalizeUUID(d.UUID),
					value: append([]byte(nil), d.Value...),
				})
			}
			if props.CanNotify() && !sc.hasDescriptor(device.DescriptorClientConfig) {
				sc.descriptors = append(sc.descriptors, &simDesc{uuid: device.DescriptorClientConfig, value: []byte{0, 0}})
			}
			svc.chars = append(svc.chars, sc)
		}
		p.services = append(p.services, svc)
	}
	return p, nil
}

func (p *peripheral) currentLink() *link {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.link
}

func (p *peripheral) char(serviceUUID, charUUID string) (*simChar, error) {
	svcUUID, chrUUID := device.NormalizeUUID(serviceUUID), device.NormalizeUUID(charUUID)
	for _, s := range p.services {
		if s.uuid != svcUUID {
			continue
		}
		for _, c := range s.chars {
			if c.uuid == chrUUID {
				return c, nil
			}
		}
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{svcUUID, chrUUID}}
	}
	return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{svcUUID}}
}

func (p *peripheral) advertisement() *device.AdvertisementData {
	p.mu.Lock()
	rssi := p.rssi
	p.mu.Unlock()

	adv := &device.AdvertisementData{
		Address:       p.address,
		Name:          p.cfg.Name,
		MfgData:       append([]byte(nil), p.cfg.ManufacturerData...),
		TxPower:       device.TxPowerUnknown,
		IsConnectable: !p.cfg.NonConnectable,
		Rssi:          rssi,
	}
	if p.cfg.TxPower != nil {
		adv.TxPower = *p.cfg.TxPower
	}
	if len(p.cfg.AdvertisedServices) > 0 {
		adv.ServiceUUIDs = device.NormalizeUUIDs(p.cfg.AdvertisedServices)
	} else {
		for _, s := range p.services {
			adv.ServiceUUIDs = append(adv.ServiceUUIDs, s.uuid)
		}
	}
	for uuid, data := range p.cfg.ServiceData {
		adv.SvcData = append(adv.SvcData, device.ServiceData{UUID: device.NormalizeUUID(uuid), Data: append([]byte(nil), data...)})
	}
	sort.Slice(adv.SvcData, func(i, j int) bool { return adv.SvcData[i].UUID < adv.SvcData[j].UUID })
	return adv
}

// attach creates the peripheral's single link.
func (p *peripheral) attach(w *World, opts *device.ConnectOptions, mtu int) (*link, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.link != nil {
		return nil, fmt.Errorf("%w: %s already has a central", device.ErrAlreadyConnected, p.address)
	}
	l := &link{
		world:    w,
		p:        p,
		mtu:      mtu,
		gone:     make(chan struct{}),
		handlers: make(map[*simChar]func([]byte)),
		tickers:  make(map[*simChar]context.CancelFunc),
	}
	for _, s := range p.services {
		ls := &linkService{uuid: s.uuid}
		for _, c := range s.chars {
			lc := &linkChar{link: l, c: c}
			for _, d := range c.descriptors {
				ld := &linkDesc{link: l, d: d}
				if !opts.SkipDescriptorReads {
					ld.discovered = d.get()
				}
				lc.descs = append(lc.descs, ld)
			}
			ls.chars = append(ls.chars, lc)
		}
		l.services = append(l.services, ls)
	}
	p.link = l
	return l, nil
}

func (c *simChar) get() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.value...)
}

func (c *simChar) set(v []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = append([]byte(nil), v...)
}

func (c *simChar) hasDescriptor(uuid string) bool {
	for _, d := range c.descriptors {
		if d.uuid == uuid {
			return true
		}
	}
	return false
}

func (c *simChar) descriptor(uuid string) *simDesc {
	for _, d := range c.descriptors {
		if d.uuid == uuid {
			return d
		}
	}
	return nil
}

func (d *simDesc) get() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.value...)
}

func (d *simDesc) set(v []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.value = append([]byte(nil), v...)
}

// ----------------------------
// Link: the central's view of a connected peripheral
// ----------------------------

type link struct {
	world    *World
	p        *peripheral
	mtu      int
	services []*linkService

	gone chan struct{}
	once sync.Once

	mu       sync.Mutex
	handlers map[*simChar]func([]byte)
	tickers  map[*simChar]context.CancelFunc
}

func (l *link) Services() []device.Service {
	out := make([]device.Service, len(l.services))
	for i, s := range l.services {
		out[i] = s
	}
	return out
}

func (l *link) GetService(uuid string) (device.Service, error) {
	u := device.NormalizeUUID(uuid)
	for _, s := range l.services {
		if s.uuid == u {
			return s, nil
		}
	}
	return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{u}}
}

func (l *link) GetCharacteristic(serviceUUID, uuid string) (device.Characteristic, error) {
	svc, err := l.GetService(serviceUUID)
	if err != nil {
		return nil, err
	}
	return svc.GetCharacteristic(uuid)
}

func (l *link) ReadRSSI(context.Context) (int, error) {
	if l.closed() {
		return 0, device.ErrNotConnected
	}
	l.p.mu.Lock()
	defer l.p.mu.Unlock()
	return l.p.rssi, nil
}

func (l *link) MTU() int                      { return l.mtu }
func (l *link) Disconnected() <-chan struct{} { return l.gone }

func (l *link) Close() error {
	l.once.Do(func() {
		l.mu.Lock()
		for c, cancel := range l.tickers {
			cancel()
			delete(l.tickers, c)
		}
		l.handlers = make(map[*simChar]func([]byte))
		l.mu.Unlock()

		l.p.mu.Lock()
		if l.p.link == l {
			l.p.link = nil
		}
		l.p.mu.Unlock()
		close(l.gone)
	})
	return nil
}

func (l *link) closed() bool {
	select {
	case <-l.gone:
		return true
	default:
		return false
	}
}

// deliver hands data to the central's notification handler for c.
func (l *link) deliver(c *simChar, data []byte) bool {
	l.mu.Lock()
	h := l.handlers[c]
	l.mu.Unlock()
	if h == nil {
		return false
	}
	h(append([]byte(nil), data...))
	return true
}

func (l *link) subscribe(c *simChar, h func([]byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[c] = h
	if cccd := c.descriptor(device.DescriptorClientConfig); cccd != nil {
		cfg := device.ClientConfig{Notifications: c.props.Has(device.PropNotify), Indications: !c.props.Has(device.PropNotify)}
		cccd.set(device.EncodeClientConfig(cfg))
	}
	if c.ticker == nil || len(c.ticker.Values) == 0 {
		return
	}
	if _, running := l.tickers[c]; running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.tickers[c] = cancel
	ticker := c.ticker
	groutine.Go(ctx, "sim-ticker", func(ctx context.Context) {
		t := time.NewTicker(ticker.Interval)
		defer t.Stop()
		for i := 0; ; i++ {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			v := ticker.Values[i%len(ticker.Values)]
			c.set(v)
			l.deliver(c, v)
		}
	})
}

func (l *link) unsubscribe(c *simChar) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, c)
	if cancel, ok := l.tickers[c]; ok {
		cancel()
		delete(l.tickers, c)
	}
	if cccd := c.descriptor(device.DescriptorClientConfig); cccd != nil {
		cccd.set([]byte{0, 0})
	}
}

type linkService struct {
	uuid  string
	chars []*linkChar
}

func (s *linkService) UUID() string      { return s.uuid }
func (s *linkService) KnownName() string { return bledb.LookupService(s.uuid) }

func (s *linkService) GetCharacteristics() []device.Characteristic {
	out := make([]device.Characteristic, len(s.chars))
	for i, c := range s.chars {
		out[i] = c
	}
	return out
}

func (s *linkService) GetCharacteristic(uuid string) (device.Characteristic, error) {
	u := device.NormalizeUUID(uuid)
	for _, c := range s.chars {
		if c.c.uuid == u {
			return c, nil
		}
	}
	return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{s.uuid, u}}
}

type linkChar struct {
	link  *link
	c     *simChar
	descs []*linkDesc
}

func (c *linkChar) UUID() string                   { return c.c.uuid }
func (c *linkChar) KnownName() string              { return bledb.LookupCharacteristic(c.c.uuid) }
func (c *linkChar) ServiceUUID() string            { return c.c.serviceUUID }
func (c *linkChar) GetProperties() device.Property { return c.c.props }

func (c *linkChar) GetDescriptors() []device.Descriptor {
	out := make([]device.Descriptor, len(c.descs))
	for i, d := range c.descs {
		out[i] = d
	}
	return out
}

func (c *linkChar) Read(ctx context.Context) ([]byte, error) {
	if c.link.closed() {
		return nil, device.ErrNotConnected
	}
	if !c.c.props.Has(device.PropRead) {
		return nil, &device.ATTError{Code: 0x02}
	}
	if c.c.readDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.link.gone:
			return nil, device.ErrNotConnected
		case <-time.After(c.c.readDelay):
		}
	}
	c.c.mu.Lock()
	defer c.c.mu.Unlock()
	if c.c.readErr != nil {
		return nil, c.c.readErr
	}
	return append([]byte(nil), c.c.value...), nil
}

func (c *linkChar) Write(_ context.Context, data []byte, withResponse bool) error {
	if c.link.closed() {
		return device.ErrNotConnected
	}
	want := device.PropWrite
	if !withResponse {
		want = device.PropWriteWithoutResponse
	}
	if !c.c.props.Has(want) {
		return &device.ATTError{Code: 0x03}
	}
	c.c.mu.Lock()
	defer c.c.mu.Unlock()
	if c.c.writeErr != nil {
		if withResponse {
			return c.c.writeErr
		}
		// Without a response the central never learns about the failure.
		return nil
	}
	c.c.value = append([]byte(nil), data...)
	return nil
}

func (c *linkChar) EnableNotifications(_ context.Context, handler func([]byte)) error {
	if c.link.closed() {
		return device.ErrNotConnected
	}
	if !c.c.props.CanNotify() {
		return &device.ATTError{Code: 0x06}
	}
	c.link.subscribe(c.c, handler)
	return nil
}

func (c *linkChar) DisableNotifications(context.Context) error {
	if c.link.closed() {
		return device.ErrNotConnected
	}
	c.link.unsubscribe(c.c)
	return nil
}

type linkDesc struct {
	link       *link
	d          *simDesc
	discovered []byte
}

func (d *linkDesc) UUID() string      { return d.d.uuid }
func (d *linkDesc) KnownName() string { return bledb.LookupDescriptor(d.d.uuid) }
func (d *linkDesc) Value() []byte     { return d.discovered }

func (d *linkDesc) ParsedValue() any {
	if d.discovered == nil {
		return nil
	}
	v, err := device.ParseDescriptorValue(d.d.uuid, d.discovered)
	if err != nil {
		return err
	}
	return v
}

func (d *linkDesc) Read(context.Context) ([]byte, error) {
	if d.link.closed() {
		return nil, device.ErrNotConnected
	}
	return d.d.get(), nil
}

func (d *linkDesc) Write(_ context.Context, data []byte) error {
	if d.link.closed() {
		return device.ErrNotConnected
	}
	d.d.set(data)
	return nil
}
