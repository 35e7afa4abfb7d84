package goble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleplex/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu         sync.Mutex
	values     map[*ble.Characteristic][]byte
	descValues map[*ble.Descriptor][]byte
	writes     [][]byte
	noRsp      []bool
	readErr    error
	handlers   map[*ble.Characteristic]ble.NotificationHandler
	unsubs     int
	cancelled  bool
	block      chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		values:     make(map[*ble.Characteristic][]byte),
		descValues: make(map[*ble.Descriptor][]byte),
		handlers:   make(map[*ble.Characteristic]ble.NotificationHandler),
	}
}

func (f *fakeClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.values[c], nil
}

func (f *fakeClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), value...))
	f.noRsp = append(f.noRsp, noRsp)
	return nil
}

func (f *fakeClient) ReadDescriptor(d *ble.Descriptor) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.descValues[d]
	if !ok {
		return nil, ble.ErrReadNotPerm
	}
	return v, nil
}

func (f *fakeClient) WriteDescriptor(d *ble.Descriptor, v []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.descValues[d] = v
	return nil
}

func (f *fakeClient) Subscribe(c *ble.Characteristic, _ bool, h ble.NotificationHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[c] = h
	return nil
}

func (f *fakeClient) Unsubscribe(c *ble.Characteristic, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, c)
	f.unsubs++
	return nil
}

func (f *fakeClient) ReadRSSI() int { return -61 }

func (f *fakeClient) CancelConnection() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	return nil
}

func (f *fakeClient) push(c *ble.Characteristic, data []byte) {
	f.mu.Lock()
	h := f.handlers[c]
	f.mu.Unlock()
	if h != nil {
		h(data)
	}
}

type heartRateProfile struct {
	profile     *ble.Profile
	measurement *ble.Characteristic
	battery     *ble.Characteristic
	uart        *ble.Characteristic
	format      *ble.Descriptor
	userDesc    *ble.Descriptor
}

func newHeartRateProfile() *heartRateProfile {
	p := &heartRateProfile{
		measurement: &ble.Characteristic{UUID: ble.UUID16(0x2a37), Property: ble.CharNotify},
		battery:     &ble.Characteristic{UUID: ble.UUID16(0x2a19), Property: ble.CharRead | ble.CharNotify},
		uart:        &ble.Characteristic{UUID: ble.MustParse("6e400002-b5a3-f393-e0a9-e50e24dcca9e"), Property: ble.CharWriteNR | ble.CharWrite},
		format:      &ble.Descriptor{UUID: ble.UUID16(0x2904), Handle: 0x21},
		userDesc:    &ble.Descriptor{UUID: ble.UUID16(0x2901), Handle: 0},
	}
	p.battery.Descriptors = []*ble.Descriptor{p.format, p.userDesc}
	p.profile = &ble.Profile{Services: []*ble.Service{
		{UUID: ble.UUID16(0x180d), Characteristics: []*ble.Characteristic{p.measurement}},
		{UUID: ble.UUID16(0x180f), Characteristics: []*ble.Characteristic{p.battery}},
		{UUID: ble.MustParse("6e400001-b5a3-f393-e0a9-e50e24dcca9e"), Characteristics: []*ble.Characteristic{p.uart}},
	}}
	return p
}

func newTestLink(t *testing.T, client *fakeClient, p *heartRateProfile, opts *device.ConnectOptions, disconnected <-chan struct{}) *link {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	l := newLink(client, p.profile, opts.Resolve(), 185, disconnected, logger)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLinkDiscoveryModel(t *testing.T) {
	client := newFakeClient()
	p := newHeartRateProfile()
	client.descValues[p.format] = []byte{0x04, 0x00, 0xad, 0x27, 0x01, 0x00, 0x00}
	l := newTestLink(t, client, p, nil, nil)

	services := l.Services()
	require.Len(t, services, 3)
	assert.Equal(t, "180d", services[0].UUID())
	assert.Equal(t, "Heart Rate", services[0].KnownName())
	assert.Equal(t, "6e400001b5a3f393e0a9e50e24dcca9e", services[2].UUID())

	c, err := l.GetCharacteristic("0000180F-0000-1000-8000-00805F9B34FB", "2A19")
	require.NoError(t, err)
	assert.Equal(t, "180f", c.ServiceUUID())
	assert.Equal(t, device.PropRead|device.PropNotify, c.GetProperties())

	descs := c.GetDescriptors()
	require.Len(t, descs, 2)
	assert.Equal(t, "2901", descs[0].UUID())
	var descErr *device.DescriptorError
	require.ErrorAs(t, descs[0].ParsedValue().(error), &descErr)
	assert.Equal(t, "read_error", descErr.Reason)

	assert.Equal(t, "2904", descs[1].UUID())
	pf, ok := descs[1].ParsedValue().(*device.PresentationFormat)
	require.True(t, ok)
	assert.Equal(t, uint16(0x27ad), pf.Unit)

	_, err = l.GetCharacteristic("180f", "2a1a")
	var nf *device.NotFoundError
	assert.ErrorAs(t, err, &nf)
	_, err = l.GetService("1811")
	assert.ErrorAs(t, err, &nf)
	assert.Equal(t, 185, l.MTU())
}

func TestLinkSkipsDescriptorReads(t *testing.T) {
	client := newFakeClient()
	p := newHeartRateProfile()
	client.descValues[p.format] = []byte{0x04, 0x00, 0xad, 0x27, 0x01, 0x00, 0x00}
	l := newTestLink(t, client, p, &device.ConnectOptions{SkipDescriptorReads: true}, nil)

	c, err := l.GetCharacteristic("180f", "2a19")
	require.NoError(t, err)
	for _, d := range c.GetDescriptors() {
		assert.Nil(t, d.Value())
		assert.Nil(t, d.ParsedValue())
	}
}

func TestCharacteristicReadWrite(t *testing.T) {
	client := newFakeClient()
	p := newHeartRateProfile()
	client.values[p.battery] = []byte{0x5a}
	l := newTestLink(t, client, p, nil, nil)
	ctx := context.Background()

	battery, err := l.GetCharacteristic("180f", "2a19")
	require.NoError(t, err)
	v, err := battery.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x5a}, v)

	client.readErr = ble.ErrReadNotPerm
	_, err = battery.Read(ctx)
	assert.ErrorIs(t, err, device.ErrReadNotPermitted)

	uart, err := l.GetCharacteristic("6e400001b5a3f393e0a9e50e24dcca9e", "6e400002b5a3f393e0a9e50e24dcca9e")
	require.NoError(t, err)
	payload := make([]byte, 400)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, uart.Write(ctx, payload, false))
	require.Len(t, client.writes, 3, "chunked at mtu-3")
	assert.Len(t, client.writes[0], 182)
	assert.Len(t, client.writes[2], 400-2*182)
	assert.Equal(t, []bool{true, true, true}, client.noRsp)

	require.NoError(t, uart.Write(ctx, payload, true))
	assert.Len(t, client.writes, 4, "writes with response are not chunked")
	assert.False(t, client.noRsp[3])
}

func TestReadHonoursContext(t *testing.T) {
	client := newFakeClient()
	client.block = make(chan struct{})
	defer close(client.block)
	p := newHeartRateProfile()
	l := newTestLink(t, client, p, &device.ConnectOptions{SkipDescriptorReads: true}, nil)

	battery, err := l.GetCharacteristic("180f", "2a19")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = battery.Read(ctx)
	assert.ErrorIs(t, err, device.ErrTimeout)
}

func TestNotifications(t *testing.T) {
	client := newFakeClient()
	p := newHeartRateProfile()
	l := newTestLink(t, client, p, nil, nil)
	ctx := context.Background()

	hr, err := l.GetCharacteristic("180d", "2a37")
	require.NoError(t, err)

	got := make(chan []byte, 1)
	require.NoError(t, hr.EnableNotifications(ctx, func(b []byte) { got <- b }))
	client.push(p.measurement, []byte{0x00, 0x48})
	assert.Equal(t, []byte{0x00, 0x48}, <-got)

	require.NoError(t, hr.DisableNotifications(ctx))
	require.NoError(t, hr.DisableNotifications(ctx), "disabling twice is a no-op")
	assert.Equal(t, 1, client.unsubs)

	uart, err := l.GetCharacteristic("6e400001b5a3f393e0a9e50e24dcca9e", "6e400002b5a3f393e0a9e50e24dcca9e")
	require.NoError(t, err)
	assert.ErrorIs(t, uart.EnableNotifications(ctx, func([]byte) {}), device.ErrNotSupportedByCharacteristic)
}

func TestLinkClose(t *testing.T) {
	client := newFakeClient()
	p := newHeartRateProfile()
	l := newTestLink(t, client, p, nil, nil)

	hr, err := l.GetCharacteristic("180d", "2a37")
	require.NoError(t, err)
	require.NoError(t, hr.EnableNotifications(context.Background(), func([]byte) {}))

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.True(t, client.cancelled)
	assert.Equal(t, 1, client.unsubs, "subscriptions dropped on close")

	select {
	case <-l.Disconnected():
	default:
		t.Fatal("Disconnected not closed")
	}
	_, err = hr.Read(context.Background())
	assert.ErrorIs(t, err, device.ErrNotConnected)
}

func TestLinkLossFromNativeStack(t *testing.T) {
	client := newFakeClient()
	p := newHeartRateProfile()
	native := make(chan struct{})
	l := newTestLink(t, client, p, nil, native)

	close(native)
	select {
	case <-l.Disconnected():
	case <-time.After(time.Second):
		t.Fatal("link loss not propagated")
	}
	_, err := l.ReadRSSI(context.Background())
	assert.ErrorIs(t, err, device.ErrNotConnected)
}

func TestPropertyMapping(t *testing.T) {
	all := ble.CharBroadcast | ble.CharRead | ble.CharWriteNR | ble.CharWrite |
		ble.CharNotify | ble.CharIndicate | ble.CharSignedWrite | ble.CharExtended
	assert.Equal(t, all, toBLEProperty(fromBLEProperty(all)))
	assert.Equal(t, device.PropRead|device.PropIndicate, fromBLEProperty(ble.CharRead|ble.CharIndicate))
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"att read not permitted", ble.ErrReadNotPerm, device.ErrReadNotPermitted},
		{"att insufficient authentication", ble.ErrAuthentication, device.ErrInsufficientAuthentication},
		{"corebluetooth powered off", errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), device.ErrBluetoothOff},
		{"corebluetooth unauthorized", errors.New("central manager has invalid state: have=3 want=5"), device.ErrUnauthorized},
		{"corebluetooth unsupported", errors.New("central manager has invalid state: have=2 want=5"), device.ErrUnsupported},
		{"hci permission", errors.New("can't init hci: operation not permitted"), device.ErrUnauthorized},
		{"hci missing", errors.New("can't init hci: no such device"), device.ErrAdapterNotReady},
		{"disconnected", errors.New("peripheral disconnected"), device.ErrNotConnected},
		{"already connected", errors.New("device already connected"), device.ErrAlreadyConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NormalizeError(tt.in)
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), tt.in.Error())
		})
	}

	assert.NoError(t, NormalizeError(nil))
	other := errors.New("something else")
	assert.Same(t, other, NormalizeError(other))
}

// ----------------------------
// Server side
// ----------------------------

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) HandleRead(central string, char *device.LocalCharacteristic, offset int) ([]byte, error) {
	args := m.Called(central, char, offset)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *mockHandler) HandleWrite(central string, char *device.LocalCharacteristic, data []byte, withResponse bool) error {
	return m.Called(central, char, data, withResponse).Error(0)
}

func (m *mockHandler) HandleSubscribe(central string, char *device.LocalCharacteristic) {
	m.Called(central, char)
}

func (m *mockHandler) HandleUnsubscribe(central string, char *device.LocalCharacteristic) {
	m.Called(central, char)
}

type fakeNotifier struct {
	sent [][]byte
	err  error
}

func (n *fakeNotifier) Write(b []byte) (int, error) {
	if n.err != nil {
		return 0, n.err
	}
	n.sent = append(n.sent, append([]byte(nil), b...))
	return len(b), nil
}

func TestServeReadWriteStatus(t *testing.T) {
	h := &mockHandler{}
	lc := device.NewLocalCharacteristic("2a19", device.PropRead|device.PropWrite, []byte{0x5a})

	h.On("HandleRead", "central-1", lc, 0).Return([]byte{0x5a}, nil).Once()
	data, status := serveRead(h, "central-1", lc, 0)
	assert.Equal(t, ble.ErrSuccess, status)
	assert.Equal(t, []byte{0x5a}, data)

	h.On("HandleRead", "central-1", lc, 5).Return(nil, &device.ATTError{Code: 0x07}).Once()
	_, status = serveRead(h, "central-1", lc, 5)
	assert.Equal(t, ble.ErrInvalidOffset, status)

	h.On("HandleWrite", "central-1", lc, []byte{1}, true).Return(errors.New("boom")).Once()
	assert.Equal(t, ble.ATTError(0x0e), serveWrite(h, "central-1", lc, []byte{1}, true))

	h.On("HandleWrite", "central-1", lc, []byte{2}, true).Return(nil).Once()
	assert.Equal(t, ble.ErrSuccess, serveWrite(h, "central-1", lc, []byte{2}, true))
	h.AssertExpectations(t)
}

func TestNativeNotifyTargetsSubscribedCentrals(t *testing.T) {
	b := &Broadcaster{logger: logrus.New(), notifiers: make(map[*device.LocalCharacteristic]map[string]notifier)}
	lc := device.NewLocalCharacteristic("2a37", device.PropNotify, nil)

	first, second, broken := &fakeNotifier{}, &fakeNotifier{}, &fakeNotifier{err: errors.New("link lost")}
	b.addNotifier(lc, "central-1", first)
	b.addNotifier(lc, "central-2", second)
	b.addNotifier(lc, "central-3", broken)

	n, err := b.NativeNotify(lc, []string{"central-1", "central-3", "central-9"}, []byte{0x42})
	assert.Equal(t, 1, n)
	assert.ErrorContains(t, err, "central-3")
	assert.Equal(t, [][]byte{{0x42}}, first.sent)
	assert.Empty(t, second.sent)

	b.removeNotifier(lc, "central-1")
	n, err = b.NativeNotify(lc, []string{"central-1"}, []byte{0x43})
	assert.Zero(t, n)
	assert.NoError(t, err)
}

func TestBuildService(t *testing.T) {
	b := &Broadcaster{logger: logrus.New(), notifiers: make(map[*device.LocalCharacteristic]map[string]notifier)}
	svc := device.NewLocalService("6e400001-b5a3-f393-e0a9-e50e24dcca9e",
		device.NewLocalCharacteristic("6e400002-b5a3-f393-e0a9-e50e24dcca9e", device.PropWrite|device.PropWriteWithoutResponse, nil),
		device.NewLocalCharacteristic("6e400003-b5a3-f393-e0a9-e50e24dcca9e", device.PropRead|device.PropNotify, []byte("ready")),
	)
	svc.Characteristics[1].Descriptors = []device.LocalDescriptor{{UUID: "2901", Value: []byte("TX")}}

	bs, err := b.buildService(svc, &mockHandler{})
	require.NoError(t, err)
	assert.Equal(t, "6e400001b5a3f393e0a9e50e24dcca9e", device.NormalizeUUID(bs.UUID.String()))
	require.Len(t, bs.Characteristics, 2)
	assert.Equal(t, ble.CharWrite|ble.CharWriteNR, bs.Characteristics[0].Property)
	assert.Equal(t, ble.CharRead|ble.CharNotify, bs.Characteristics[1].Property)

	bad := device.NewLocalService("180f", &device.LocalCharacteristic{UUID: "zz", Properties: device.PropRead})
	_, err = b.buildService(bad, &mockHandler{})
	assert.Error(t, err)
}
