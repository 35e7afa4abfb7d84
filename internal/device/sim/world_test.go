package sim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleplex/internal/access"
	"github.com/srg/bleplex/internal/device"
	"github.com/srg/bleplex/internal/device/base"
	"github.com/srg/bleplex/internal/gattprofile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const (
	hrAddress   = "C0:FF:EE:00:00:01"
	uartAddress = "C0:FF:EE:00:00:02"
	beacon      = "C0:FF:EE:00:00:03"

	nusService = "6e400001b5a3f393e0a9e50e24dcca9e"
	nusRX      = "6e400002b5a3f393e0a9e50e24dcca9e"
	nusTX      = "6e400003b5a3f393e0a9e50e24dcca9e"
)

type WorldTestSuite struct {
	suite.Suite
	logger *logrus.Logger
	world  *World
}

func (s *WorldTestSuite) SetupTest() {
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.DebugLevel)

	w, err := NewDemoWorld(s.logger)
	require.NoError(s.T(), err)
	w.SetAdvertisingInterval(10 * time.Millisecond)
	s.world = w
}

func (s *WorldTestSuite) connect(address string) *base.Device {
	d := base.NewDevice(address, s.world, s.logger)
	require.NoError(s.T(), d.Connect(context.Background(), &device.ConnectOptions{ConnectTimeout: time.Second}))
	s.T().Cleanup(func() { _ = d.Disconnect() })
	return d
}

func (s *WorldTestSuite) TestScanDiscoversPeripherals() {
	scanner := base.NewScanner(s.world, s.world, s.logger)
	require.NoError(s.T(), scanner.Start(context.Background(), nil))
	defer func() { _ = scanner.Stop() }()

	require.Eventually(s.T(), func() bool { return len(scanner.Devices()) == 3 }, time.Second, 5*time.Millisecond)

	d, ok := scanner.Device(hrAddress)
	require.True(s.T(), ok)
	assert.Equal(s.T(), "Polar H10 (sim)", d.Name())
	assert.Equal(s.T(), -52, d.RSSI())
	require.NotNil(s.T(), d.TxPower())
	assert.Equal(s.T(), 4, *d.TxPower())
	assert.ElementsMatch(s.T(), []string{"180d", "180f", "180a"}, d.AdvertisedServices())

	b, ok := scanner.Device(beacon)
	require.True(s.T(), ok)
	assert.False(s.T(), b.IsConnectable())
	assert.Equal(s.T(), []byte{0x6c, 0x0e, 0x00, 0xfe}, b.ServiceData()["1809"])
}

func (s *WorldTestSuite) TestScanServiceFilter() {
	scanner := base.NewScanner(s.world, s.world, s.logger)
	require.NoError(s.T(), scanner.Start(context.Background(), &device.ScanOptions{ServiceUUIDs: []string{"6E400001-B5A3-F393-E0A9-E50E24DCCA9E"}}))
	defer func() { _ = scanner.Stop() }()

	require.Eventually(s.T(), func() bool { return len(scanner.Devices()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	devices := scanner.Devices()
	require.Len(s.T(), devices, 1)
	assert.Equal(s.T(), uartAddress, devices[0].Address())
}

func (s *WorldTestSuite) TestSecondNativeScanRejected() {
	report := func(device.Advertisement) {}
	require.NoError(s.T(), s.world.NativeStart(context.Background(), nil, report))
	defer func() { _ = s.world.NativeStop() }()

	assert.ErrorContains(s.T(), s.world.NativeStart(context.Background(), nil, report), "already in progress")
}

func (s *WorldTestSuite) TestConnectedPeripheralStopsAdvertising() {
	s.connect(hrAddress)

	seen := make(chan string, 64)
	require.NoError(s.T(), s.world.NativeStart(context.Background(), nil, func(a device.Advertisement) { seen <- a.Addr() }))
	time.Sleep(30 * time.Millisecond)
	require.NoError(s.T(), s.world.NativeStop())
	close(seen)

	for addr := range seen {
		assert.NotEqual(s.T(), hrAddress, addr)
	}
}

func (s *WorldTestSuite) TestReadWriteThroughDevice() {
	d := s.connect(hrAddress)
	conn := d.GetConnection()
	require.NotNil(s.T(), conn)

	battery, err := conn.GetCharacteristic("180F", "2A19")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "Battery Level", battery.KnownName())
	v, err := battery.Read(context.Background())
	require.NoError(s.T(), err)
	assert.Equal(s.T(), []byte{0x5a}, v)

	err = battery.Write(context.Background(), []byte{1}, true)
	assert.ErrorIs(s.T(), err, device.ErrWriteNotPermitted)

	model, err := conn.GetCharacteristic("180a", "2a24")
	require.NoError(s.T(), err)
	v, err = model.Read(context.Background())
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "H10", string(v))

	_, err = conn.GetCharacteristic("180a", "2a25")
	var nf *device.NotFoundError
	assert.ErrorAs(s.T(), err, &nf)

	u := s.connect(uartAddress)
	rx, err := u.GetConnection().GetCharacteristic(nusService, nusRX)
	require.NoError(s.T(), err)
	require.NoError(s.T(), rx.Write(context.Background(), []byte("hello"), false))
	got, err := s.world.Value(uartAddress, nusService, nusRX)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), []byte("hello"), got)
}

func (s *WorldTestSuite) TestDescriptors() {
	d := s.connect(hrAddress)
	battery, err := d.GetConnection().GetCharacteristic("180f", "2a19")
	require.NoError(s.T(), err)

	descs := battery.GetDescriptors()
	require.Len(s.T(), descs, 2)
	assert.Equal(s.T(), "2904", descs[0].UUID())
	pf, ok := descs[0].ParsedValue().(*device.PresentationFormat)
	require.True(s.T(), ok, "%T", descs[0].ParsedValue())
	assert.Equal(s.T(), uint8(0x04), pf.Format)
	assert.Equal(s.T(), uint16(0x27ad), pf.Unit)

	assert.Equal(s.T(), "2902", descs[1].UUID(), "cccd added for notifiable characteristics")
	assert.Equal(s.T(), []byte{0, 0}, descs[1].Value())
}

func (s *WorldTestSuite) TestSkipDescriptorReads() {
	d := base.NewDevice(hrAddress, s.world, s.logger)
	require.NoError(s.T(), d.Connect(context.Background(), &device.ConnectOptions{SkipDescriptorReads: true}))
	defer func() { _ = d.Disconnect() }()

	battery, err := d.GetConnection().GetCharacteristic("180f", "2a19")
	require.NoError(s.T(), err)
	for _, desc := range battery.GetDescriptors() {
		assert.Nil(s.T(), desc.Value())
		assert.Nil(s.T(), desc.ParsedValue())
	}
}

func (s *WorldTestSuite) TestConnectFailures() {
	tests := []struct {
		name    string
		setup   func()
		address string
		want    error
	}{
		{"unknown peripheral", func() {}, "11:22:33:44:55:66", device.ErrUnreachable},
		{"non-connectable", func() {}, beacon, device.ErrUnreachable},
		{"adapter off", func() { s.world.SetAdapterState(device.AdapterPoweredOff) }, hrAddress, device.ErrBluetoothOff},
		{"unauthorized", func() { s.world.SetAdapterState(device.AdapterUnauthorized) }, hrAddress, device.ErrUnauthorized},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.world.SetAdapterState(device.AdapterPoweredOn)
			tt.setup()
			d := base.NewDevice(tt.address, s.world, s.logger)
			err := d.Connect(context.Background(), nil)
			assert.ErrorIs(s.T(), err, tt.want)
			assert.Equal(s.T(), device.Disconnected, d.State())
		})
	}
}

func (s *WorldTestSuite) TestConnectDelayTimesOut() {
	require.NoError(s.T(), s.world.AddPeripheral(gattprofile.Peripheral{
		Address:      "AA:00:00:00:00:01",
		ConnectDelay: time.Second,
	}))
	d := base.NewDevice("AA:00:00:00:00:01", s.world, s.logger)
	err := d.Connect(context.Background(), &device.ConnectOptions{ConnectTimeout: 20 * time.Millisecond})
	assert.ErrorIs(s.T(), err, device.ErrTimeout)
}

func (s *WorldTestSuite) TestConnectError() {
	require.NoError(s.T(), s.world.AddPeripheral(gattprofile.Peripheral{
		Address:      "AA:00:00:00:00:02",
		ConnectError: "pairing rejected",
	}))
	d := base.NewDevice("AA:00:00:00:00:02", s.world, s.logger)
	assert.ErrorContains(s.T(), d.Connect(context.Background(), nil), "pairing rejected")
}

func (s *WorldTestSuite) TestSingleCentralPerPeripheral() {
	s.connect(hrAddress)
	other := base.NewDevice(hrAddress, s.world, s.logger)
	assert.ErrorIs(s.T(), other.Connect(context.Background(), nil), device.ErrAlreadyConnected)
}

func (s *WorldTestSuite) TestDropLinkDisconnectsDevice() {
	d := s.connect(hrAddress)
	states := make(chan device.DeviceStateChanged, 8)
	d.AddListener(func(ev device.Event) {
		if e, ok := ev.(device.DeviceStateChanged); ok {
			states <- e
		}
	})

	require.NoError(s.T(), s.world.DropLink(hrAddress))
	select {
	case e := <-states:
		assert.Equal(s.T(), device.Disconnected, e.State)
		assert.ErrorIs(s.T(), e.Cause, device.ErrNotConnected)
	case <-time.After(time.Second):
		s.T().Fatal("no disconnect event")
	}
	assert.False(s.T(), s.world.IsConnected(hrAddress))
	assert.ErrorIs(s.T(), s.world.DropLink(hrAddress), device.ErrNotConnected)
}

func (s *WorldTestSuite) TestOperationsAfterLinkLoss() {
	d := s.connect(hrAddress)
	battery, err := d.GetConnection().GetCharacteristic("180f", "2a19")
	require.NoError(s.T(), err)

	s.world.SetAdapterState(device.AdapterPoweredOff)
	_, err = battery.Read(context.Background())
	assert.ErrorIs(s.T(), err, device.ErrNotConnected)
}

func (s *WorldTestSuite) TestInjectedErrors() {
	d := s.connect(hrAddress)
	battery, err := d.GetConnection().GetCharacteristic("180f", "2a19")
	require.NoError(s.T(), err)

	require.NoError(s.T(), s.world.SetErrors(hrAddress, "180f", "2a19", &device.ATTError{Code: 0x05}, nil))
	_, err = battery.Read(context.Background())
	assert.ErrorIs(s.T(), err, device.ErrInsufficientAuthentication)

	require.NoError(s.T(), s.world.SetErrors(hrAddress, "180f", "2a19", nil, nil))
	_, err = battery.Read(context.Background())
	assert.NoError(s.T(), err)
}

func (s *WorldTestSuite) TestNotifyThroughAccessService() {
	d := s.connect(uartAddress)
	svc := access.NewService(d, s.logger)
	defer svc.Close()

	lines := make(chan string, 4)
	tx := access.New(svc, nusService, nusTX, access.String)
	sub, err := tx.Notify(context.Background(), func(v string) { lines <- v })
	require.NoError(s.T(), err)

	delivered, err := s.world.Notify(uartAddress, nusService, nusTX, []byte("pong\x00"))
	require.NoError(s.T(), err)
	assert.True(s.T(), delivered)

	select {
	case v := <-lines:
		assert.Equal(s.T(), "pong", v)
	case <-time.After(time.Second):
		s.T().Fatal("notification not delivered")
	}

	require.NoError(s.T(), sub.Close(context.Background()))
	delivered, err = s.world.Notify(uartAddress, nusService, nusTX, []byte("late"))
	require.NoError(s.T(), err)
	assert.False(s.T(), delivered)
}

func (s *WorldTestSuite) TestTickerNotifications() {
	require.NoError(s.T(), s.world.AddPeripheral(gattprofile.Peripheral{
		Address: "AA:00:00:00:00:03",
		Services: []gattprofile.Service{{
			UUID: "180d",
			Characteristics: []gattprofile.Characteristic{{
				UUID:       "2a37",
				Properties: "notify",
				Ticker: &gattprofile.Ticker{
					Interval: 5 * time.Millisecond,
					Values:   []gattprofile.HexBytes{{0x00, 0x40}, {0x00, 0x41}},
				},
			}},
		}},
	}))
	d := s.connect("AA:00:00:00:00:03")
	svc := access.NewService(d, s.logger)
	defer svc.Close()

	var mu sync.Mutex
	var got []uint16
	hr := access.New(svc, "180d", "2a37", access.Uint16BE)
	sub, err := hr.Notify(context.Background(), func(v uint16) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})
	require.NoError(s.T(), err)
	defer func() { _ = sub.Close(context.Background()) }()

	require.Eventually(s.T(), func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(s.T(), []uint16{0x40, 0x41, 0x40}, got[:3])
	mu.Unlock()
}

func (s *WorldTestSuite) TestReadRespectsContext() {
	require.NoError(s.T(), s.world.AddPeripheral(gattprofile.Peripheral{
		Address: "AA:00:00:00:00:04",
		Services: []gattprofile.Service{{
			UUID:            "180f",
			Characteristics: []gattprofile.Characteristic{{UUID: "2a19", Properties: "read", ReadDelay: time.Second}},
		}},
	}))
	d := s.connect("AA:00:00:00:00:04")
	c, err := d.GetConnection().GetCharacteristic("180f", "2a19")
	require.NoError(s.T(), err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.Read(ctx)
	assert.True(s.T(), errors.Is(err, context.DeadlineExceeded))
}

func (s *WorldTestSuite) TestRSSI() {
	d := s.connect(hrAddress)
	require.NoError(s.T(), s.world.SetRSSI(hrAddress, -90))
	rssi, err := d.GetConnection().ReadRSSI(context.Background())
	require.NoError(s.T(), err)
	assert.Equal(s.T(), -90, rssi)
	assert.Equal(s.T(), DefaultMTU, d.GetConnection().MTU())
}

func (s *WorldTestSuite) TestPeripheralManagement() {
	assert.ErrorContains(s.T(), s.world.AddPeripheral(gattprofile.Peripheral{Address: hrAddress}), "already exists")
	assert.Error(s.T(), s.world.AddPeripheral(gattprofile.Peripheral{}))

	s.connect(hrAddress)
	s.world.RemovePeripheral(hrAddress)
	assert.False(s.T(), s.world.IsConnected(hrAddress))
	var nf *device.NotFoundError
	assert.ErrorAs(s.T(), s.world.SetRSSI(hrAddress, -10), &nf)
}

func TestWorldTestSuite(t *testing.T) {
	suite.Run(t, new(WorldTestSuite))
}
