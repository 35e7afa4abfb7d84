package access

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleplex/internal/device"
	"github.com/srg/bleplex/internal/device/base"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const (
	hrService     = "180d"
	hrMeasurement = "2a37"
	hrControl     = "2a39"
)

// mockCharacteristic records native notification calls.
type mockCharacteristic struct {
	mock.Mock
	svc, uuid string
	props     device.Property

	mu      sync.Mutex
	value   []byte
	handler func([]byte)
	enables atomic.Int32
}

func (m *mockCharacteristic) UUID() string                        { return m.uuid }
func (m *mockCharacteristic) KnownName() string                   { return "" }
func (m *mockCharacteristic) ServiceUUID() string                 { return m.svc }
func (m *mockCharacteristic) GetProperties() device.Property      { return m.props }
func (m *mockCharacteristic) GetDescriptors() []device.Descriptor { return nil }

func (m *mockCharacteristic) Read(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value, nil
}

func (m *mockCharacteristic) Write(_ context.Context, data []byte, withResponse bool) error {
	args := m.Called(data, withResponse)
	return args.Error(0)
}

func (m *mockCharacteristic) EnableNotifications(_ context.Context, h func([]byte)) error {
	m.enables.Add(1)
	args := m.Called()
	if args.Error(0) == nil {
		m.mu.Lock()
		m.handler = h
		m.mu.Unlock()
	}
	return args.Error(0)
}

func (m *mockCharacteristic) DisableNotifications(context.Context) error {
	m.mu.Lock()
	m.handler = nil
	m.mu.Unlock()
	return m.Called().Error(0)
}

func (m *mockCharacteristic) push(data []byte) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h(data)
	}
}

type stubConnection struct {
	chars []*mockCharacteristic
	gone  chan struct{}
	once  sync.Once
}

func (c *stubConnection) Services() []device.Service { return nil }
func (c *stubConnection) GetService(uuid string) (device.Service, error) {
	return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{uuid}}
}
func (c *stubConnection) GetCharacteristic(svc, uuid string) (device.Characteristic, error) {
	for _, ch := range c.chars {
		if ch.svc == svc && ch.uuid == uuid {
			return ch, nil
		}
	}
	return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{svc, uuid}}
}
func (c *stubConnection) ReadRSSI(context.Context) (int, error) { return 0, nil }
func (c *stubConnection) MTU() int                              { return 23 }
func (c *stubConnection) Disconnected() <-chan struct{}         { return c.gone }
func (c *stubConnection) Close() error {
	c.once.Do(func() { close(c.gone) })
	return nil
}

type stubConnector struct {
	mu    sync.Mutex
	chars []*mockCharacteristic
	last  *stubConnection
}

func (s *stubConnector) NativeConnect(context.Context, string, *device.ConnectOptions) (base.NativeConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &stubConnection{chars: s.chars, gone: make(chan struct{})}
	return s.last, nil
}

func (s *stubConnector) dropLink() {
	s.mu.Lock()
	c := s.last
	s.mu.Unlock()
	_ = c.Close()
}

type ServiceTestSuite struct {
	suite.Suite
	measurement *mockCharacteristic
	control     *mockCharacteristic
	connector   *stubConnector
	dev         *base.Device
	svc         *Service
}

func (s *ServiceTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	s.measurement = &mockCharacteristic{svc: hrService, uuid: hrMeasurement, props: device.PropNotify | device.PropRead, value: []byte{0x00, 0x48}}
	s.control = &mockCharacteristic{svc: hrService, uuid: hrControl, props: device.PropWrite}
	s.connector = &stubConnector{chars: []*mockCharacteristic{s.measurement, s.control}}
	s.dev = base.NewDevice("AA:BB:CC:DD:EE:FF", s.connector, logger)
	require.NoError(s.T(), s.dev.Connect(context.Background(), &device.ConnectOptions{
		AutoReconnect:     true,
		ReconnectMinDelay: 5 * time.Millisecond,
		ReconnectMaxDelay: 10 * time.Millisecond,
	}))
	s.svc = NewService(s.dev, logger)
}

func (s *ServiceTestSuite) TearDownTest() {
	s.svc.Close()
	_ = s.dev.Disconnect()
}

func (s *ServiceTestSuite) TestReferenceCountedNotify() {
	ctx := context.Background()
	s.measurement.On("EnableNotifications").Return(nil).Once()
	s.measurement.On("DisableNotifications").Return(nil).Once()

	var mu sync.Mutex
	var first, second [][]byte
	sub1, err := s.svc.Notify(ctx, hrService, hrMeasurement, func(b []byte) {
		mu.Lock()
		first = append(first, b)
		mu.Unlock()
	})
	require.NoError(s.T(), err)
	sub2, err := s.svc.Notify(ctx, "0000180D-0000-1000-8000-00805F9B34FB", hrMeasurement, func(b []byte) {
		mu.Lock()
		second = append(second, b)
		mu.Unlock()
	})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 2, s.svc.Subscribers(hrService, hrMeasurement))

	s.measurement.push([]byte{0x00, 0x50})
	mu.Lock()
	assert.Len(s.T(), first, 1)
	assert.Len(s.T(), second, 1)
	mu.Unlock()

	require.NoError(s.T(), sub1.Close(ctx))
	require.NoError(s.T(), sub1.Close(ctx), "closing twice is a no-op")
	assert.Equal(s.T(), 1, s.svc.Subscribers(hrService, hrMeasurement))
	s.measurement.AssertNotCalled(s.T(), "DisableNotifications")

	require.NoError(s.T(), sub2.Close(ctx))
	assert.Zero(s.T(), s.svc.Subscribers(hrService, hrMeasurement))
	s.measurement.AssertNumberOfCalls(s.T(), "EnableNotifications", 1)
	s.measurement.AssertNumberOfCalls(s.T(), "DisableNotifications", 1)
}

func (s *ServiceTestSuite) TestEnableFailureRemovesSubscriber() {
	s.measurement.On("EnableNotifications").Return(errors.New("cccd write failed")).Once()

	sub, err := s.svc.Notify(context.Background(), hrService, hrMeasurement, func([]byte) {})
	require.Error(s.T(), err)
	assert.Nil(s.T(), sub)
	assert.Zero(s.T(), s.svc.Subscribers(hrService, hrMeasurement))

	// The next subscriber retries the native enable.
	s.measurement.On("EnableNotifications").Return(nil).Once()
	s.measurement.On("DisableNotifications").Return(nil).Maybe()
	sub, err = s.svc.Notify(context.Background(), hrService, hrMeasurement, func([]byte) {})
	require.NoError(s.T(), err)
	require.NoError(s.T(), sub.Close(context.Background()))
}

func (s *ServiceTestSuite) TestPropertyChecks() {
	ctx := context.Background()

	_, err := s.svc.Notify(ctx, hrService, hrControl, func([]byte) {})
	assert.ErrorIs(s.T(), err, device.ErrNotSupportedByCharacteristic)

	_, err = s.svc.Read(ctx, hrService, hrControl)
	assert.ErrorIs(s.T(), err, device.ErrNotSupportedByCharacteristic)

	err = s.svc.Write(ctx, hrService, hrMeasurement, []byte{1}, true)
	assert.ErrorIs(s.T(), err, device.ErrNotSupportedByCharacteristic)

	err = s.svc.Write(ctx, hrService, hrControl, []byte{1}, false)
	assert.ErrorIs(s.T(), err, device.ErrNotSupportedByCharacteristic)

	_, err = s.svc.Read(ctx, hrService, "2a38")
	var nf *device.NotFoundError
	assert.ErrorAs(s.T(), err, &nf)
}

func (s *ServiceTestSuite) TestNotConnected() {
	require.NoError(s.T(), s.dev.Disconnect())

	_, err := s.svc.Read(context.Background(), hrService, hrMeasurement)
	assert.ErrorIs(s.T(), err, device.ErrNotConnected)
}

func (s *ServiceTestSuite) TestCancelledContextWhileLocked() {
	st := s.svc.state(hrService, hrMeasurement)
	require.NoError(s.T(), st.sem.Acquire(context.Background(), 1))
	defer st.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.svc.Notify(ctx, hrService, hrMeasurement, func([]byte) {})
	assert.ErrorIs(s.T(), err, context.DeadlineExceeded)
	assert.Zero(s.T(), s.svc.Subscribers(hrService, hrMeasurement))
}

func (s *ServiceTestSuite) TestNotificationsRestoredAfterReconnect() {
	s.measurement.On("EnableNotifications").Return(nil).Twice()
	s.measurement.On("DisableNotifications").Return(nil).Maybe()

	got := make(chan []byte, 4)
	sub, err := s.svc.Notify(context.Background(), hrService, hrMeasurement, func(b []byte) { got <- b })
	require.NoError(s.T(), err)
	defer func() { _ = sub.Close(context.Background()) }()

	s.connector.dropLink()

	require.Eventually(s.T(), func() bool {
		return s.measurement.enables.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)

	s.measurement.push([]byte{0x00, 0x55})
	select {
	case b := <-got:
		assert.Equal(s.T(), []byte{0x00, 0x55}, b)
	case <-time.After(time.Second):
		s.T().Fatal("no notification after reconnect")
	}
}

func (s *ServiceTestSuite) TestEarlierLinkEventsDoNotRestore() {
	s.measurement.On("EnableNotifications").Return(nil).Once()
	s.measurement.On("DisableNotifications").Return(nil).Maybe()

	// Cycle the link on a fresh device, then attach right away while the
	// state events of those cycles may still be queued.
	dev := base.NewDevice("AA:BB:CC:DD:EE:01", s.connector, nil)
	ctx := context.Background()
	require.NoError(s.T(), dev.Connect(ctx, nil))
	require.NoError(s.T(), dev.Disconnect())
	require.NoError(s.T(), dev.Connect(ctx, nil))
	defer func() { _ = dev.Disconnect() }()

	svc := NewService(dev, nil)
	defer svc.Close()
	sub, err := svc.Notify(ctx, hrService, hrMeasurement, func([]byte) {})
	require.NoError(s.T(), err)
	defer func() { _ = sub.Close(ctx) }()

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(s.T(), 1, s.measurement.enables.Load())
}

func (s *ServiceTestSuite) TestCloseDisablesAndRejectsNotify() {
	ctx := context.Background()
	s.measurement.On("EnableNotifications").Return(nil).Once()
	s.measurement.On("DisableNotifications").Return(errors.New("cccd write failed")).Once()

	_, err := s.svc.Notify(ctx, hrService, hrMeasurement, func([]byte) {})
	require.NoError(s.T(), err)

	s.svc.Close()
	s.measurement.AssertNumberOfCalls(s.T(), "DisableNotifications", 1)
	assert.Zero(s.T(), s.svc.Subscribers(hrService, hrMeasurement))

	_, err = s.svc.Notify(ctx, hrService, hrMeasurement, func([]byte) {})
	assert.ErrorIs(s.T(), err, ErrServiceClosed)
	s.measurement.AssertNumberOfCalls(s.T(), "EnableNotifications", 1)
}

func (s *ServiceTestSuite) TestTypedAccessor() {
	ctx := context.Background()
	hr := New(s.svc, hrService, hrMeasurement, Uint16BE)

	v, err := hr.Read(ctx)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), uint16(0x0048), v)

	s.control.On("Write", []byte{0x01}, true).Return(nil).Once()
	ctrl := New(s.svc, hrService, hrControl, Uint8)
	require.NoError(s.T(), ctrl.Write(ctx, 1))
	s.control.AssertExpectations(s.T())

	s.measurement.On("EnableNotifications").Return(nil).Once()
	s.measurement.On("DisableNotifications").Return(nil).Once()
	values := make(chan uint16, 4)
	sub, err := hr.Notify(ctx, func(v uint16) { values <- v })
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 1, hr.Subscribers())

	s.measurement.push([]byte{0x01})       // too short, dropped
	s.measurement.push([]byte{0x00, 0x5a}) // 90 bpm
	select {
	case v := <-values:
		assert.Equal(s.T(), uint16(90), v)
	case <-time.After(time.Second):
		s.T().Fatal("decoded value not delivered")
	}
	assert.Empty(s.T(), values)

	require.NoError(s.T(), sub.Close(ctx))
}

func TestServiceTestSuite(t *testing.T) {
	suite.Run(t, new(ServiceTestSuite))
}
