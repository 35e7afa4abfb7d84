package base

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleplex/internal/device"
	"github.com/srg/bleplex/internal/groutine"
)

const (
	gapServiceUUID    = "1800"
	gapDeviceNameUUID = "2a00"
	gapNameTimeout    = 2 * time.Second
)

// Device is the shared implementation of device.Device. Advertisement bookkeeping and the
// Disconnected→Connecting→Connected→Disconnecting state machine live here; dialing is
// delegated to a NativeConnector.
type Device struct {
	address   string
	connector NativeConnector
	logger    *logrus.Logger
	hub       *Hub

	mu                 sync.RWMutex
	name               string
	rssi               int
	txPower            *int
	connectable        bool
	lastSeen           time.Time
	advertisedServices []string
	manufData          []byte
	serviceData        map[string][]byte

	state           device.DeviceState
	conn            *connection
	opts            *device.ConnectOptions
	cancelReconnect context.CancelFunc
	closed          bool
}

var _ device.Device = (*Device)(nil)

// NewDevice creates a device known only by address.
func NewDevice(address string, connector NativeConnector, logger *logrus.Logger) *Device {
	if logger == nil {
		logger = logrus.New()
	}
	return &Device{
		address:            address,
		connector:          connector,
		logger:             logger,
		hub:                NewHub("device", 0, logger),
		advertisedServices: make([]string, 0),
		serviceData:        make(map[string][]byte),
		lastSeen:           time.Now(),
	}
}

// NewDeviceFromAdvertisement creates a device and seeds its info from adv.
func NewDeviceFromAdvertisement(adv device.Advertisement, connector NativeConnector, logger *logrus.Logger) *Device {
	d := NewDevice(adv.Addr(), connector, logger)
	d.Update(adv)
	return d
}

// ----------------------------
// Advertisement-derived info
// ----------------------------

func (d *Device) ID() string      { return d.address }
func (d *Device) Address() string { return d.address }

func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.name == "" {
		return d.address
	}
	return d.name
}

func (d *Device) RSSI() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rssi
}

func (d *Device) TxPower() *int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.txPower
}

func (d *Device) IsConnectable() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connectable
}

func (d *Device) AdvertisedServices() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.advertisedServices...)
}

func (d *Device) ManufacturerData() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.manufData
}

func (d *Device) ServiceData() map[string][]byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string][]byte, len(d.serviceData))
	for k, v := range d.serviceData {
		out[k] = v
	}
	return out
}

func (d *Device) LastSeen() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSeen
}

// Update refreshes device information from a new advertisement. Services and service
// data accumulate; a missing local name never clears a known one.
func (d *Device) Update(adv device.Advertisement) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rssi = adv.RSSI()
	d.lastSeen = time.Now()
	d.connectable = d.connectable || adv.Connectable()

	if name := adv.LocalName(); name != "" {
		d.name = name
	} else if d.name == "" {
		d.name = nameFromManufacturerData(adv.ManufacturerData())
	}

	if md := adv.ManufacturerData(); len(md) > 0 {
		d.manufData = md
	}

	needsSort := false
	for _, svc := range append(adv.Services(), adv.OverflowService()...) {
		u := device.NormalizeUUID(svc)
		if !d.hasServiceUUID(u) {
			d.advertisedServices = append(d.advertisedServices, u)
			needsSort = true
		}
	}
	if needsSort {
		sort.Strings(d.advertisedServices)
	}

	for _, sd := range adv.ServiceData() {
		d.serviceData[device.NormalizeUUID(sd.UUID)] = sd.Data
	}

	if tx := adv.TxPowerLevel(); tx != device.TxPowerUnknown {
		d.txPower = &tx
	}
}

func (d *Device) hasServiceUUID(uuid string) bool {
	for _, s := range d.advertisedServices {
		if strings.EqualFold(s, uuid) {
			return true
		}
	}
	return false
}

// ----------------------------
// Connection lifecycle
// ----------------------------

func (d *Device) State() device.DeviceState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *Device) IsConnected() bool {
	return d.State() == device.Connected
}

// GetConnection returns the live connection, nil while not connected.
func (d *Device) GetConnection() device.Connection {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.conn == nil {
		return nil
	}
	return d.conn
}

func (d *Device) AddListener(l device.Listener) func() {
	return d.hub.AddListener(l)
}

// Connect dials the device, discovers its profile and starts watching the link.
// Connecting a connected device returns device.ErrAlreadyConnected.
func (d *Device) Connect(ctx context.Context, opts *device.ConnectOptions) error {
	o := opts.Resolve()

	d.mu.Lock()
	if strings.TrimSpace(d.address) == "" {
		d.mu.Unlock()
		return fmt.Errorf("device address is empty")
	}
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("device %s is closed", d.address)
	}
	switch d.state {
	case device.Connected:
		d.mu.Unlock()
		d.logger.WithField("address", d.address).Warn("Connection attempt while already connected")
		return device.ErrAlreadyConnected
	case device.Connecting, device.Disconnecting:
		err := &device.StateError{Component: "device " + d.address, Op: "connect", State: d.state}
		d.mu.Unlock()
		return err
	}
	d.opts = o
	d.setStateLocked(device.Connecting, nil)
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{
		"address": d.address,
		"timeout": o.ConnectTimeout,
	}).Info("Connecting to BLE device...")

	native, err := d.dial(ctx, o)

	d.mu.Lock()
	if err != nil {
		d.setStateLocked(device.Disconnected, err)
		d.mu.Unlock()
		d.logger.WithFields(logrus.Fields{"address": d.address, "error": err}).Error("Failed to connect")
		return err
	}
	conn := &connection{NativeConnection: native, dev: d}
	d.conn = conn
	d.setStateLocked(device.Connected, nil)
	d.mu.Unlock()

	d.watch(conn)
	d.resolveGAPName(ctx, conn)

	d.logger.WithFields(logrus.Fields{
		"address":  d.address,
		"services": len(native.Services()),
	}).Info("BLE device connected successfully")
	return nil
}

func (d *Device) dial(ctx context.Context, o *device.ConnectOptions) (NativeConnection, error) {
	connCtx, cancel := context.WithTimeout(ctx, o.ConnectTimeout)
	defer cancel()

	native, err := d.connector.NativeConnect(connCtx, d.address, o)
	if err == nil {
		return native, nil
	}
	if ctx.Err() == nil && errors.Is(connCtx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: connecting to %q after %v", device.ErrTimeout, d.address, o.ConnectTimeout)
	}
	return nil, fmt.Errorf("failed to connect to device with address %q: %w", d.address, err)
}

// Disconnect closes the link. Disconnecting a disconnected device is a no-op.
// A pending automatic reconnect is cancelled.
func (d *Device) Disconnect() error {
	d.mu.Lock()
	if d.cancelReconnect != nil {
		d.cancelReconnect()
		d.cancelReconnect = nil
	}
	switch d.state {
	case device.Disconnected:
		d.mu.Unlock()
		d.logger.WithField("address", d.address).Debug("Disconnect called but already disconnected")
		return nil
	case device.Connecting, device.Disconnecting:
		err := &device.StateError{Component: "device " + d.address, Op: "disconnect", State: d.state}
		d.mu.Unlock()
		return err
	}
	conn := d.conn
	d.conn = nil
	d.setStateLocked(device.Disconnecting, nil)
	d.mu.Unlock()

	d.logger.WithField("address", d.address).Info("Disconnecting BLE device...")
	err := conn.Close()

	d.mu.Lock()
	d.setStateLocked(device.Disconnected, nil)
	d.mu.Unlock()

	if err != nil {
		d.logger.WithFields(logrus.Fields{"address": d.address, "error": err}).Warn("BLE device disconnected with errors")
		return err
	}
	d.logger.WithField("address", d.address).Info("BLE device disconnected successfully")
	return nil
}

// Close disconnects the device and stops its event dispatcher. A closed device cannot
// be connected again.
func (d *Device) Close() error {
	err := d.Disconnect()
	d.mu.Lock()
	d.closed = true
	if d.cancelReconnect != nil {
		d.cancelReconnect()
		d.cancelReconnect = nil
	}
	d.mu.Unlock()
	d.hub.Close()
	return err
}

// watch turns a native link drop into a Disconnected transition and, when configured,
// an automatic reconnect.
func (d *Device) watch(conn *connection) {
	groutine.Go(context.Background(), "device-link-monitor", func(context.Context) {
		<-conn.Disconnected()

		d.mu.Lock()
		if d.conn != conn {
			// Disconnect() already took this connection down.
			d.mu.Unlock()
			return
		}
		d.conn = nil
		cause := fmt.Errorf("%w: link to %s lost", device.ErrNotConnected, d.address)
		d.setStateLocked(device.Disconnected, cause)
		opts := d.opts
		var reconnectCtx context.Context
		if opts != nil && opts.AutoReconnect && !d.closed {
			reconnectCtx, d.cancelReconnect = context.WithCancel(context.Background())
		}
		d.mu.Unlock()

		d.logger.WithField("address", d.address).Warn("Link lost")
		_ = conn.Close()

		if reconnectCtx != nil {
			d.reconnect(reconnectCtx, opts)
		}
	})
}

func (d *Device) reconnect(ctx context.Context, opts *device.ConnectOptions) {
	b := &backoff.Backoff{
		Min:    opts.ReconnectMinDelay,
		Max:    opts.ReconnectMaxDelay,
		Factor: 2,
		Jitter: true,
	}
	// Resolve turned zero into the default, so only a negative value is unlimited.
	for attempt := 1; opts.MaxReconnectAttempts < 0 || attempt <= opts.MaxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.Duration()):
		}

		err := d.Connect(ctx, opts)
		if err == nil || errors.Is(err, device.ErrAlreadyConnected) {
			d.logger.WithFields(logrus.Fields{"address": d.address, "attempt": attempt}).Info("Reconnected")
			return
		}
		if ctx.Err() != nil {
			return
		}
		d.logger.WithFields(logrus.Fields{
			"address": d.address,
			"attempt": attempt,
			"error":   err,
		}).Warn("Reconnect attempt failed")
	}
	d.logger.WithField("address", d.address).Error("Giving up reconnecting")
}

// resolveGAPName prefers the GAP Device Name over the advertised one when readable.
func (d *Device) resolveGAPName(ctx context.Context, conn *connection) {
	char, err := conn.NativeConnection.GetCharacteristic(gapServiceUUID, gapDeviceNameUUID)
	if err != nil || !char.GetProperties().Has(device.PropRead) {
		return
	}
	readCtx, cancel := context.WithTimeout(ctx, gapNameTimeout)
	defer cancel()
	data, err := char.Read(readCtx)
	if err != nil {
		d.logger.WithFields(logrus.Fields{"address": d.address, "error": err}).Debug("GAP device name not readable")
		return
	}
	if name := cleanName(data); isValidDeviceName(name) {
		d.mu.Lock()
		d.name = name
		d.mu.Unlock()
		d.logger.WithFields(logrus.Fields{"address": d.address, "name": name}).Debug("Resolved device name from GAP")
	}
}

func (d *Device) setStateLocked(s device.DeviceState, cause error) {
	if d.state == s {
		return
	}
	d.state = s
	d.hub.Emit(device.DeviceStateChanged{Address: d.address, State: s, Cause: cause})
}

// ----------------------------
// Connection wrappers
// ----------------------------

// connection wraps the native connection so that notifications surface as
// device.ValueChanged events on the owning device.
type connection struct {
	NativeConnection
	dev *Device
}

func (c *connection) Services() []device.Service {
	native := c.NativeConnection.Services()
	out := make([]device.Service, len(native))
	for i, s := range native {
		out[i] = &service{Service: s, dev: c.dev}
	}
	return out
}

func (c *connection) GetService(uuid string) (device.Service, error) {
	s, err := c.NativeConnection.GetService(uuid)
	if err != nil {
		return nil, err
	}
	return &service{Service: s, dev: c.dev}, nil
}

func (c *connection) GetCharacteristic(svc, uuid string) (device.Characteristic, error) {
	ch, err := c.NativeConnection.GetCharacteristic(svc, uuid)
	if err != nil {
		return nil, err
	}
	return &characteristic{Characteristic: ch, dev: c.dev}, nil
}

type service struct {
	device.Service
	dev *Device
}

func (s *service) GetCharacteristics() []device.Characteristic {
	native := s.Service.GetCharacteristics()
	out := make([]device.Characteristic, len(native))
	for i, ch := range native {
		out[i] = &characteristic{Characteristic: ch, dev: s.dev}
	}
	return out
}

func (s *service) GetCharacteristic(uuid string) (device.Characteristic, error) {
	ch, err := s.Service.GetCharacteristic(uuid)
	if err != nil {
		return nil, err
	}
	return &characteristic{Characteristic: ch, dev: s.dev}, nil
}

type characteristic struct {
	device.Characteristic
	dev *Device
}

func (c *characteristic) EnableNotifications(ctx context.Context, handler func([]byte)) error {
	svcUUID, charUUID := c.ServiceUUID(), c.UUID()
	return c.Characteristic.EnableNotifications(ctx, func(data []byte) {
		c.dev.hub.Emit(device.ValueChanged{
			Address:     c.dev.address,
			ServiceUUID: svcUUID,
			CharUUID:    charUUID,
			Value:       append([]byte(nil), data...),
			Timestamp:   time.Now(),
		})
		if handler != nil {
			handler(data)
		}
	})
}
