package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"
	"github.com/srg/bleplex/internal/device"
	"github.com/srg/bleplex/internal/device/base"
)

// ErrNotAdvertising is returned when a central tries to reach a broadcaster that is idle.
var ErrNotAdvertising = errors.New("broadcaster is not advertising")

// Broadcaster is the simulated local GATT server. Centrals are created by ConnectCentral
// and play the remote side of reads, writes and subscriptions.
type Broadcaster struct {
	world *World

	mu          sync.Mutex
	services    []*device.LocalService
	handler     base.GattHandler
	advertising bool
	opts        *device.AdvertiseOptions
	centrals    map[string]*Central
}

var _ base.NativeBroadcaster = (*Broadcaster)(nil)

func newBroadcaster(w *World) *Broadcaster {
	return &Broadcaster{world: w, centrals: make(map[string]*Central)}
}

func (b *Broadcaster) NativeAddService(svc *device.LocalService, h base.GattHandler) error {
	if err := b.world.adapterErr(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.services = append(b.services, svc)
	b.handler = h
	return nil
}

func (b *Broadcaster) NativeRemoveAllServices() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.services = nil
	return nil
}

func (b *Broadcaster) NativeStartAdvertising(_ context.Context, opts *device.AdvertiseOptions) error {
	if err := b.world.adapterErr(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advertising = true
	b.opts = opts.Resolve()
	return nil
}

// NativeStopAdvertising stops advertising and disconnects every central.
func (b *Broadcaster) NativeStopAdvertising() error {
	b.mu.Lock()
	b.advertising = false
	centrals := lo.Values(b.centrals)
	b.mu.Unlock()

	for _, c := range centrals {
		c.Disconnect()
	}
	return nil
}

func (b *Broadcaster) NativeNotify(char *device.LocalCharacteristic, centrals []string, data []byte) (int, error) {
	b.mu.Lock()
	targets := make([]*Central, 0, len(centrals))
	for _, id := range centrals {
		if c, ok := b.centrals[id]; ok {
			targets = append(targets, c)
		}
	}
	b.mu.Unlock()

	n := 0
	for _, c := range targets {
		if c.deliver(char, data) {
			n++
		}
	}
	return n, nil
}

// Advertising reports whether the broadcaster is currently advertising.
func (b *Broadcaster) Advertising() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.advertising
}

// AdvertiseOptions returns the options of the current or last advertising session.
func (b *Broadcaster) AdvertiseOptions() *device.AdvertiseOptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opts
}

// advertisement is what scanners in the same world see while the broadcaster advertises.
func (b *Broadcaster) advertisement() *device.AdvertisementData {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.advertising {
		return nil
	}
	adv := &device.AdvertisementData{
		Address:       LocalAddress,
		Name:          b.opts.LocalName,
		ServiceUUIDs:  device.NormalizeUUIDs(b.opts.ServiceUUIDs),
		TxPower:       device.TxPowerUnknown,
		IsConnectable: len(b.services) > 0,
		Rssi:          -40,
	}
	if len(b.opts.ManufacturerData) > 0 {
		adv.MfgData = append([]byte{byte(b.opts.ManufacturerID), byte(b.opts.ManufacturerID >> 8)}, b.opts.ManufacturerData...)
	}
	return adv
}

// ConnectCentral simulates a remote central connecting to the advertised server.
func (b *Broadcaster) ConnectCentral(id string) (*Central, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.advertising {
		return nil, ErrNotAdvertising
	}
	if _, exists := b.centrals[id]; exists {
		return nil, fmt.Errorf("%w: central %s", device.ErrAlreadyConnected, id)
	}
	c := &Central{id: id, b: b, handlers: make(map[*device.LocalCharacteristic]func([]byte))}
	b.centrals[id] = c
	return c, nil
}

func (b *Broadcaster) lookup(serviceUUID, charUUID string) (*device.LocalCharacteristic, base.GattHandler, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	svcUUID := device.NormalizeUUID(serviceUUID)
	for _, s := range b.services {
		if s.UUID != svcUUID {
			continue
		}
		if c, ok := s.Characteristic(charUUID); ok {
			return c, b.handler, nil
		}
		return nil, nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{svcUUID, device.NormalizeUUID(charUUID)}}
	}
	return nil, nil, &device.NotFoundError{Resource: "service", UUIDs: []string{svcUUID}}
}

// ----------------------------
// Central
// ----------------------------

// Central is a simulated remote client of the local GATT server.
type Central struct {
	id string
	b  *Broadcaster

	mu       sync.Mutex
	handlers map[*device.LocalCharacteristic]func([]byte)
	gone     bool
}

func (c *Central) ID() string { return c.id }

func (c *Central) Read(serviceUUID, charUUID string, offset int) ([]byte, error) {
	ch, h, err := c.target(serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}
	return h.HandleRead(c.id, ch, offset)
}

func (c *Central) Write(serviceUUID, charUUID string, data []byte, withResponse bool) error {
	ch, h, err := c.target(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	return h.HandleWrite(c.id, ch, data, withResponse)
}

// Subscribe writes the CCCD of a characteristic; handler receives notifications.
func (c *Central) Subscribe(serviceUUID, charUUID string, handler func([]byte)) error {
	ch, h, err := c.target(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	if !ch.Properties.CanNotify() {
		return &device.ATTError{Code: 0x06}
	}
	c.mu.Lock()
	c.handlers[ch] = handler
	c.mu.Unlock()
	h.HandleSubscribe(c.id, ch)
	return nil
}

func (c *Central) Unsubscribe(serviceUUID, charUUID string) error {
	ch, h, err := c.target(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	_, ok := c.handlers[ch]
	delete(c.handlers, ch)
	c.mu.Unlock()
	if ok {
		h.HandleUnsubscribe(c.id, ch)
	}
	return nil
}

// Disconnect drops the central, which implicitly unsubscribes it everywhere.
func (c *Central) Disconnect() {
	c.mu.Lock()
	if c.gone {
		c.mu.Unlock()
		return
	}
	c.gone = true
	subscribed := lo.Keys(c.handlers)
	c.handlers = make(map[*device.LocalCharacteristic]func([]byte))
	c.mu.Unlock()

	c.b.mu.Lock()
	delete(c.b.centrals, c.id)
	h := c.b.handler
	c.b.mu.Unlock()

	sort.Slice(subscribed, func(i, j int) bool { return subscribed[i].UUID < subscribed[j].UUID })
	if h == nil {
		return
	}
	for _, ch := range subscribed {
		h.HandleUnsubscribe(c.id, ch)
	}
}

func (c *Central) target(serviceUUID, charUUID string) (*device.LocalCharacteristic, base.GattHandler, error) {
	c.mu.Lock()
	gone := c.gone
	c.mu.Unlock()
	if gone {
		return nil, nil, device.ErrNotConnected
	}
	return c.b.lookup(serviceUUID, charUUID)
}

func (c *Central) deliver(ch *device.LocalCharacteristic, data []byte) bool {
	c.mu.Lock()
	h := c.handlers[ch]
	c.mu.Unlock()
	if h == nil {
		return false
	}
	h(append([]byte(nil), data...))
	return true
}
