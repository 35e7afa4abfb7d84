//go:build linux || windows

package tinygo

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleplex/internal/device"
	"github.com/srg/bleplex/internal/device/base"
	"tinygo.org/x/bluetooth"
)

type localChar struct {
	def    *device.LocalCharacteristic
	handle *bluetooth.Characteristic
}

// Broadcaster implements the native GATT server and advertiser hooks.
//
// tinygo reports neither reads nor CCCD writes to the application: reads are served
// from the characteristic's last written value, and every connected central counts as
// subscribed to every notifiable characteristic. Characteristic.Write notifies only the
// centrals that enabled notifications.
type Broadcaster struct {
	backend *Backend
	logger  *logrus.Logger

	mu       sync.Mutex
	chars    []localChar
	handler  base.GattHandler
	adv      *bluetooth.Advertisement
	centrals map[string]struct{}
}

var _ base.NativeBroadcaster = (*Broadcaster)(nil)

// NewBroadcaster creates the broadcaster and registers it for central connection events.
func NewBroadcaster(backend *Backend) *Broadcaster {
	b := &Broadcaster{
		backend:  backend,
		logger:   backend.logger,
		centrals: make(map[string]struct{}),
	}
	backend.mu.Lock()
	backend.broadcaster = b
	backend.mu.Unlock()
	return b
}

func (b *Broadcaster) NativeAddService(svc *device.LocalService, h base.GattHandler) error {
	if err := b.backend.Enable(); err != nil {
		return err
	}
	svcUUID, err := parseUUID(svc.UUID)
	if err != nil {
		return fmt.Errorf("service %s: %w", svc.UUID, err)
	}

	native := &bluetooth.Service{UUID: svcUUID}
	added := make([]localChar, 0, len(svc.Characteristics))
	for _, lc := range svc.Characteristics {
		charUUID, err := parseUUID(lc.UUID)
		if err != nil {
			return fmt.Errorf("characteristic %s: %w", lc.UUID, err)
		}
		if len(lc.Descriptors) > 0 {
			b.logger.WithField("char_uuid", lc.UUID).Debug("Descriptors are not supported by this backend; skipping")
		}
		handle := &bluetooth.Characteristic{}
		native.Characteristics = append(native.Characteristics, bluetooth.CharacteristicConfig{
			Handle: handle,
			UUID:   charUUID,
			Value:  lc.Value(),
			Flags:  toPermissions(lc.Properties),
			WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
				if offset != 0 {
					b.logger.WithFields(logrus.Fields{"char_uuid": lc.UUID, "offset": offset}).Warn("Ignoring long write")
					return
				}
				central := fmt.Sprint(client)
				if err := h.HandleWrite(central, lc, append([]byte(nil), value...), lc.Properties.Has(device.PropWrite)); err != nil {
					b.logger.WithFields(logrus.Fields{"char_uuid": lc.UUID, "central": central, "error": err}).Debug("Write rejected")
				}
			},
		})
		added = append(added, localChar{def: lc, handle: handle})
	}

	if err := b.backend.adapter.AddService(native); err != nil {
		return NormalizeError(err)
	}
	b.mu.Lock()
	b.chars = append(b.chars, added...)
	b.handler = h
	b.mu.Unlock()
	return nil
}

// NativeRemoveAllServices forgets the local bookkeeping. tinygo has no call to withdraw
// services from the stack, so they stay registered until the process exits.
func (b *Broadcaster) NativeRemoveAllServices() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chars = nil
	return nil
}

func (b *Broadcaster) NativeStartAdvertising(_ context.Context, opts *device.AdvertiseOptions) error {
	if err := b.backend.Enable(); err != nil {
		return err
	}
	advOpts := bluetooth.AdvertisementOptions{
		LocalName: opts.LocalName,
		Interval:  bluetooth.NewDuration(opts.Interval),
	}
	for _, s := range opts.ServiceUUIDs {
		u, err := parseUUID(s)
		if err != nil {
			return fmt.Errorf("advertised service %s: %w", s, err)
		}
		advOpts.ServiceUUIDs = append(advOpts.ServiceUUIDs, u)
	}
	if len(opts.ManufacturerData) > 0 {
		advOpts.ManufacturerData = []bluetooth.ManufacturerDataElement{{
			CompanyID: opts.ManufacturerID,
			Data:      opts.ManufacturerData,
		}}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.adv != nil {
		return errors.New("already advertising")
	}
	adv := b.backend.adapter.DefaultAdvertisement()
	if err := adv.Configure(advOpts); err != nil {
		return fmt.Errorf("failed to configure advertisement: %w", NormalizeError(err))
	}
	if err := adv.Start(); err != nil {
		return NormalizeError(err)
	}
	b.adv = adv
	return nil
}

func (b *Broadcaster) NativeStopAdvertising() error {
	b.mu.Lock()
	adv := b.adv
	b.adv = nil
	b.mu.Unlock()
	if adv == nil {
		return nil
	}
	return NormalizeError(adv.Stop())
}

// NativeNotify writes the value once; the stack fans it out to subscribed centrals.
func (b *Broadcaster) NativeNotify(char *device.LocalCharacteristic, centrals []string, data []byte) (int, error) {
	handle := b.handleFor(char)
	if handle == nil {
		return 0, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{char.ServiceUUID(), char.UUID}}
	}
	if _, err := handle.Write(data); err != nil {
		return 0, NormalizeError(err)
	}
	return len(centrals), nil
}

func (b *Broadcaster) handleFor(char *device.LocalCharacteristic) *bluetooth.Characteristic {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.chars {
		if c.def == char {
			return c.handle
		}
	}
	return nil
}

// onCentral maps a central's connection onto subscriptions of every notifiable
// characteristic.
func (b *Broadcaster) onCentral(central string, connected bool) {
	b.mu.Lock()
	h := b.handler
	_, known := b.centrals[central]
	if connected {
		b.centrals[central] = struct{}{}
	} else {
		delete(b.centrals, central)
	}
	var notifiable []*device.LocalCharacteristic
	for _, c := range b.chars {
		if c.def.Properties.CanNotify() {
			notifiable = append(notifiable, c.def)
		}
	}
	b.mu.Unlock()

	if h == nil || known == connected {
		return
	}
	for _, lc := range notifiable {
		if connected {
			h.HandleSubscribe(central, lc)
		} else {
			h.HandleUnsubscribe(central, lc)
		}
	}
}

func toPermissions(p device.Property) bluetooth.CharacteristicPermissions {
	var out bluetooth.CharacteristicPermissions
	if p.Has(device.PropBroadcast) {
		out |= bluetooth.CharacteristicBroadcastPermission
	}
	if p.Has(device.PropRead) {
		out |= bluetooth.CharacteristicReadPermission
	}
	if p.Has(device.PropWriteWithoutResponse) {
		out |= bluetooth.CharacteristicWriteWithoutResponsePermission
	}
	if p.Has(device.PropWrite) {
		out |= bluetooth.CharacteristicWritePermission
	}
	if p.Has(device.PropNotify) {
		out |= bluetooth.CharacteristicNotifyPermission
	}
	if p.Has(device.PropIndicate) {
		out |= bluetooth.CharacteristicIndicatePermission
	}
	return out
}
