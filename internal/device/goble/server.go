package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleplex/internal/device"
	"github.com/srg/bleplex/internal/device/base"
	"github.com/srg/bleplex/internal/groutine"
)

// notifier is the write side of a go-ble ble.Notifier.
type notifier interface {
	Write(b []byte) (int, error)
}

// Broadcaster implements the native GATT server and advertiser hooks.
type Broadcaster struct {
	backend *Backend
	logger  *logrus.Logger

	mu        sync.Mutex
	notifiers map[*device.LocalCharacteristic]map[string]notifier
	advCancel context.CancelFunc
	advDone   chan struct{}
}

var _ base.NativeBroadcaster = (*Broadcaster)(nil)

func NewBroadcaster(backend *Backend) *Broadcaster {
	return &Broadcaster{
		backend:   backend,
		logger:    backend.logger,
		notifiers: make(map[*device.LocalCharacteristic]map[string]notifier),
	}
}

func (b *Broadcaster) NativeAddService(svc *device.LocalService, h base.GattHandler) error {
	dev, err := b.backend.Device()
	if err != nil {
		return err
	}
	bs, err := b.buildService(svc, h)
	if err != nil {
		return err
	}
	return NormalizeError(dev.AddService(bs))
}

func (b *Broadcaster) buildService(svc *device.LocalService, h base.GattHandler) (*ble.Service, error) {
	svcUUID, err := ble.Parse(svc.UUID)
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", svc.UUID, err)
	}
	bs := ble.NewService(svcUUID)

	for _, lc := range svc.Characteristics {
		charUUID, err := ble.Parse(lc.UUID)
		if err != nil {
			return nil, fmt.Errorf("characteristic %s: %w", lc.UUID, err)
		}
		bc := bs.NewCharacteristic(charUUID)

		if lc.Properties.Has(device.PropRead) {
			bc.HandleRead(ble.ReadHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
				data, status := serveRead(h, centralID(req), lc, req.Offset())
				if status != ble.ErrSuccess {
					rsp.SetStatus(status)
					return
				}
				if _, err := rsp.Write(data); err != nil {
					b.logger.WithFields(logrus.Fields{"char_uuid": lc.UUID, "error": err}).Warn("Read response truncated")
				}
			}))
		}
		if lc.Properties.Has(device.PropWrite) || lc.Properties.Has(device.PropWriteWithoutResponse) {
			bc.HandleWrite(ble.WriteHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
				// go-ble does not tell the handler which write opcode was used.
				withResponse := lc.Properties.Has(device.PropWrite)
				if status := serveWrite(h, centralID(req), lc, req.Data(), withResponse); status != ble.ErrSuccess {
					rsp.SetStatus(status)
				}
			}))
		}
		if lc.Properties.CanNotify() {
			handler := ble.NotifyHandlerFunc(func(req ble.Request, n ble.Notifier) {
				b.serveSubscription(h, centralID(req), lc, n)
			})
			if lc.Properties.Has(device.PropNotify) {
				bc.HandleNotify(handler)
			} else {
				bc.HandleIndicate(handler)
			}
		}
		bc.Property = toBLEProperty(lc.Properties)

		for _, ld := range lc.Descriptors {
			if ld.UUID == device.DescriptorClientConfig {
				continue
			}
			descUUID, err := ble.Parse(ld.UUID)
			if err != nil {
				return nil, fmt.Errorf("descriptor %s: %w", ld.UUID, err)
			}
			bc.NewDescriptor(descUUID).SetValue(ld.Value)
		}
	}
	return bs, nil
}

// serveSubscription blocks for the lifetime of a central's subscription, as go-ble
// expects from notify handlers.
func (b *Broadcaster) serveSubscription(h base.GattHandler, central string, lc *device.LocalCharacteristic, n ble.Notifier) {
	b.addNotifier(lc, central, n)
	h.HandleSubscribe(central, lc)
	<-n.Context().Done()
	b.removeNotifier(lc, central)
	h.HandleUnsubscribe(central, lc)
}

func (b *Broadcaster) addNotifier(lc *device.LocalCharacteristic, central string, n notifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.notifiers[lc]
	if !ok {
		m = make(map[string]notifier)
		b.notifiers[lc] = m
	}
	m[central] = n
}

func (b *Broadcaster) removeNotifier(lc *device.LocalCharacteristic, central string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.notifiers[lc], central)
}

func (b *Broadcaster) NativeRemoveAllServices() error {
	dev, err := b.backend.Device()
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.notifiers = make(map[*device.LocalCharacteristic]map[string]notifier)
	b.mu.Unlock()
	return NormalizeError(dev.RemoveAllServices())
}

// NativeStartAdvertising runs the blocking go-ble advertise call until ctx is cancelled.
// Manufacturer data, when given, takes precedence over name and services: go-ble
// advertises one or the other.
func (b *Broadcaster) NativeStartAdvertising(ctx context.Context, opts *device.AdvertiseOptions) error {
	dev, err := b.backend.Device()
	if err != nil {
		return err
	}
	uuids := make([]ble.UUID, 0, len(opts.ServiceUUIDs))
	for _, s := range opts.ServiceUUIDs {
		u, err := ble.Parse(device.NormalizeUUID(s))
		if err != nil {
			return fmt.Errorf("advertised service %s: %w", s, err)
		}
		uuids = append(uuids, u)
	}

	b.mu.Lock()
	if b.advCancel != nil {
		b.mu.Unlock()
		return errors.New("already advertising")
	}
	advCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.advCancel, b.advDone = cancel, done
	b.mu.Unlock()

	errCh := make(chan error, 1)
	groutine.Go(advCtx, "ble-advertise", func(ctx context.Context) {
		defer close(done)
		var err error
		if len(opts.ManufacturerData) > 0 {
			err = dev.AdvertiseMfgData(ctx, opts.ManufacturerID, opts.ManufacturerData)
		} else {
			err = dev.AdvertiseNameAndServices(ctx, opts.LocalName, uuids...)
		}
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			errCh <- NormalizeError(err)
		}
	})

	select {
	case err := <-errCh:
		_ = b.NativeStopAdvertising()
		return err
	case <-time.After(startupGrace):
		return nil
	}
}

func (b *Broadcaster) NativeStopAdvertising() error {
	b.mu.Lock()
	cancel, done := b.advCancel, b.advDone
	b.advCancel, b.advDone = nil, nil
	b.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (b *Broadcaster) NativeNotify(char *device.LocalCharacteristic, centrals []string, data []byte) (int, error) {
	b.mu.Lock()
	targets := make(map[string]notifier, len(centrals))
	for _, id := range centrals {
		if n, ok := b.notifiers[char][id]; ok {
			targets[id] = n
		}
	}
	b.mu.Unlock()

	sent := 0
	var errs []error
	for id, n := range targets {
		if _, err := n.Write(data); err != nil {
			errs = append(errs, fmt.Errorf("central %s: %w", id, NormalizeError(err)))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// ----------------------------
// Request translation
// ----------------------------

func centralID(req ble.Request) string {
	if conn := req.Conn(); conn != nil && conn.RemoteAddr() != nil {
		return conn.RemoteAddr().String()
	}
	return "unknown"
}

func serveRead(h base.GattHandler, central string, lc *device.LocalCharacteristic, offset int) ([]byte, ble.ATTError) {
	data, err := h.HandleRead(central, lc, offset)
	if err != nil {
		return nil, ble.ATTError(device.ATTCode(err))
	}
	return data, ble.ErrSuccess
}

func serveWrite(h base.GattHandler, central string, lc *device.LocalCharacteristic, data []byte, withResponse bool) ble.ATTError {
	if err := h.HandleWrite(central, lc, append([]byte(nil), data...), withResponse); err != nil {
		return ble.ATTError(device.ATTCode(err))
	}
	return ble.ErrSuccess
}
