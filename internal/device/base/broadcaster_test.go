package base

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleplex/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type BroadcasterTestSuite struct {
	suite.Suite
	native *fakeBroadcaster
	b      *Broadcaster
	events *recorder
	svc    *device.LocalService
	tx     *device.LocalCharacteristic
	rx     *device.LocalCharacteristic
}

func (s *BroadcasterTestSuite) SetupTest() {
	s.native = &fakeBroadcaster{}
	s.b = NewBroadcaster(s.native, logrus.New())
	s.events = &recorder{}
	s.b.AddListener(s.events.listen)

	s.tx = device.NewLocalCharacteristic("6e400003-b5a3-f393-e0a9-e50e24dcca9e", device.PropRead|device.PropNotify, []byte("hello"))
	s.rx = device.NewLocalCharacteristic("6e400002-b5a3-f393-e0a9-e50e24dcca9e", device.PropWrite|device.PropWriteWithoutResponse, nil)
	s.svc = device.NewLocalService("6e400001-b5a3-f393-e0a9-e50e24dcca9e", s.tx, s.rx)
	require.NoError(s.T(), s.b.AddService(s.svc))
}

func (s *BroadcasterTestSuite) TearDownTest() {
	_ = s.b.Stop()
}

func (s *BroadcasterTestSuite) TestAddServiceValidation() {
	err := s.b.AddService(device.NewLocalService("6E400001-B5A3-F393-E0A9-E50E24DCCA9E"))
	assert.ErrorContains(s.T(), err, "already registered")

	dup := device.NewLocalService("180f",
		device.NewLocalCharacteristic("2a19", device.PropRead, nil),
		device.NewLocalCharacteristic("2A19", device.PropRead, nil))
	assert.ErrorContains(s.T(), s.b.AddService(dup), "duplicate characteristic")

	assert.Error(s.T(), s.b.AddService(device.NewLocalService("not-a-uuid")))
	assert.Len(s.T(), s.b.Services(), 1)
}

func (s *BroadcasterTestSuite) TestAddServiceNormalizesLiterals() {
	level := &device.LocalCharacteristic{UUID: "00002A37-0000-1000-8000-00805F9B34FB", Properties: device.PropNotify}
	hr := &device.LocalService{
		UUID:            "0000180D-0000-1000-8000-00805F9B34FB",
		Characteristics: []*device.LocalCharacteristic{level},
	}
	require.NoError(s.T(), s.b.AddService(hr))
	assert.Equal(s.T(), "180d", hr.UUID)
	assert.Equal(s.T(), "2a37", level.UUID)
	assert.Equal(s.T(), "180d", level.ServiceUUID())

	err := s.b.AddService(&device.LocalService{UUID: "180D"})
	assert.ErrorContains(s.T(), err, "already registered")

	n, err := s.b.Notify("180d", "2A37", []byte{0x48})
	require.NoError(s.T(), err)
	assert.Zero(s.T(), n)

	dup := &device.LocalService{UUID: "181a", Characteristics: []*device.LocalCharacteristic{
		{UUID: "2a6e", Properties: device.PropRead},
		{UUID: "00002A6E-0000-1000-8000-00805F9B34FB", Properties: device.PropRead},
	}}
	assert.ErrorContains(s.T(), s.b.AddService(dup), "duplicate characteristic")
}

func (s *BroadcasterTestSuite) TestClose() {
	require.NoError(s.T(), s.b.Start(context.Background(), nil))
	require.NoError(s.T(), s.b.Close())
	assert.Equal(s.T(), device.Stopped, s.b.State())
	assert.Equal(s.T(), 1, s.native.stopped)

	assert.ErrorContains(s.T(), s.b.Start(context.Background(), nil), "closed")
	assert.ErrorContains(s.T(), s.b.AddService(device.NewLocalService("180f")), "closed")
	require.NoError(s.T(), s.b.Close())
}

func (s *BroadcasterTestSuite) TestServiceTableFrozenWhileRunning() {
	require.NoError(s.T(), s.b.Start(context.Background(), &device.AdvertiseOptions{LocalName: "bleplex"}))
	assert.Equal(s.T(), device.Running, s.b.State())

	var stateErr *device.StateError
	require.ErrorAs(s.T(), s.b.AddService(device.NewLocalService("180f")), &stateErr)
	require.ErrorAs(s.T(), s.b.RemoveAllServices(), &stateErr)

	require.NoError(s.T(), s.b.Stop())
	require.NoError(s.T(), s.b.RemoveAllServices())
	assert.Empty(s.T(), s.b.Services())
}

func (s *BroadcasterTestSuite) TestStartIsIdempotent() {
	require.NoError(s.T(), s.b.Start(context.Background(), nil))
	require.NoError(s.T(), s.b.Start(context.Background(), nil))
	assert.Equal(s.T(), 1, s.native.started)

	require.NoError(s.T(), s.b.Stop())
	require.NoError(s.T(), s.b.Stop())
	assert.Equal(s.T(), 1, s.native.stopped)
}

func (s *BroadcasterTestSuite) TestDurationStopsAdvertising() {
	require.NoError(s.T(), s.b.Start(context.Background(), &device.AdvertiseOptions{Duration: 20 * time.Millisecond}))
	require.Eventually(s.T(), func() bool { return s.b.State() == device.Stopped }, time.Second, 5*time.Millisecond)
}

func (s *BroadcasterTestSuite) TestNotify() {
	n, err := s.b.Notify(s.svc.UUID, s.tx.UUID, []byte("no one"))
	require.NoError(s.T(), err)
	assert.Zero(s.T(), n, "no subscribers")
	assert.Equal(s.T(), []byte("no one"), s.tx.Value())

	s.native.handler.HandleSubscribe("central-1", s.tx)
	s.native.handler.HandleSubscribe("central-2", s.tx)
	s.native.handler.HandleSubscribe("central-2", s.tx)

	n, err = s.b.Notify("6E400001-B5A3-F393-E0A9-E50E24DCCA9E", s.tx.UUID, []byte("hi"))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 2, n)
	assert.Equal(s.T(), []string{"central-1", "central-2"}, s.native.notified[s.tx.UUID])

	s.native.handler.HandleUnsubscribe("central-1", s.tx)
	n, err = s.b.Notify(s.svc.UUID, s.tx.UUID, []byte("again"))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 1, n)

	require.Eventually(s.T(), func() bool {
		return len(s.events.ofKind(device.KindCentralSubscribed)) == 2 &&
			len(s.events.ofKind(device.KindCentralUnsubscribed)) == 1
	}, time.Second, 5*time.Millisecond)
}

func (s *BroadcasterTestSuite) TestNotifyErrors() {
	_, err := s.b.Notify("180f", "2a19", nil)
	var nf *device.NotFoundError
	require.ErrorAs(s.T(), err, &nf)
	assert.Equal(s.T(), "service", nf.Resource)

	_, err = s.b.Notify(s.svc.UUID, "2a19", nil)
	require.ErrorAs(s.T(), err, &nf)
	assert.Equal(s.T(), "characteristic", nf.Resource)

	_, err = s.b.Notify(s.svc.UUID, s.rx.UUID, nil)
	assert.ErrorIs(s.T(), err, device.ErrNotSupportedByCharacteristic)
}

func (s *BroadcasterTestSuite) TestHandleRead() {
	v, err := s.native.handler.HandleRead("c", s.tx, 0)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), []byte("hello"), v)

	v, err = s.native.handler.HandleRead("c", s.tx, 2)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), []byte("llo"), v)

	_, err = s.native.handler.HandleRead("c", s.tx, 9)
	assert.ErrorIs(s.T(), err, device.ErrInvalidOffset)

	_, err = s.native.handler.HandleRead("c", s.rx, 0)
	assert.ErrorIs(s.T(), err, device.ErrReadNotPermitted)

	s.tx.OnRead = func(central string) ([]byte, error) { return []byte(central), nil }
	v, err = s.native.handler.HandleRead("dyn", s.tx, 0)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), []byte("dyn"), v)
}

func (s *BroadcasterTestSuite) TestHandleWrite() {
	require.NoError(s.T(), s.native.handler.HandleWrite("c", s.rx, []byte("cmd"), true))
	assert.Equal(s.T(), []byte("cmd"), s.rx.Value())

	err := s.native.handler.HandleWrite("c", s.tx, []byte("x"), true)
	assert.ErrorIs(s.T(), err, device.ErrWriteNotPermitted)
	assert.Equal(s.T(), []byte("hello"), s.tx.Value())

	s.rx.OnWrite = func(string, []byte) error { return &device.ATTError{Code: 0x0d} }
	err = s.native.handler.HandleWrite("c", s.rx, []byte("too long"), false)
	assert.ErrorIs(s.T(), err, device.ErrInvalidAttributeLength)
	assert.Equal(s.T(), []byte("cmd"), s.rx.Value(), "rejected write keeps the old value")

	require.Eventually(s.T(), func() bool { return len(s.events.ofKind(device.KindWriteReceived)) == 1 }, time.Second, 5*time.Millisecond)
	ev := s.events.ofKind(device.KindWriteReceived)[0].(device.WriteReceived)
	assert.Equal(s.T(), "6e400002b5a3f393e0a9e50e24dcca9e", ev.CharUUID)
	assert.True(s.T(), ev.WithResponse)
}

func (s *BroadcasterTestSuite) TestNativeNotifyFailure() {
	s.native.handler.HandleSubscribe("c", s.tx)
	s.native.notifyErr = errors.New("link busy")
	_, err := s.b.Notify(s.svc.UUID, s.tx.UUID, []byte("x"))
	assert.ErrorContains(s.T(), err, "link busy")
}

func TestBroadcasterTestSuite(t *testing.T) {
	suite.Run(t, new(BroadcasterTestSuite))
}
