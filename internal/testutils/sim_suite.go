//go:build test

package testutils

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleplex/internal/access"
	"github.com/srg/bleplex/internal/device"
	"github.com/srg/bleplex/internal/device/base"
	"github.com/srg/bleplex/internal/device/sim"
	"github.com/srg/bleplex/internal/gattprofile"
	"github.com/srg/bleplex/internal/platform"
	"github.com/stretchr/testify/suite"
)

// DefaultPeripheralAddress is the peripheral SimSuite creates when a test configures none.
const DefaultPeripheralAddress = "AA:BB:CC:00:00:01"

// SimSuite runs each test against a fresh simulated world wrapped in a sim platform
// stack. Configure peripherals before calling the parent SetupTest:
//
//	func (s *InspectSuite) SetupTest() {
//		s.WithPeripheral("AA:BB:CC:00:00:02").
//			WithService("180D").
//			WithCharacteristic("2A37", "notify", nil)
//		s.SimSuite.SetupTest()
//	}
//
// Without configuration the world holds one peripheral with a battery service (180F/2A19
// read,notify, value 50).
type SimSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger
	World  *sim.World
	Stack  *platform.Stack
	// Timeout bounds connects made through Connect.
	Timeout time.Duration

	builders []*PeripheralBuilder
}

func (s *SimSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	if s.Timeout == 0 {
		s.Timeout = 5 * time.Second
	}
}

// WithPeripheral adds a peripheral to the next world.
func (s *SimSuite) WithPeripheral(address string) *PeripheralBuilder {
	b := NewPeripheralBuilder(address)
	s.builders = append(s.builders, b)
	return b
}

func (s *SimSuite) SetupTest() {
	if len(s.builders) == 0 {
		s.WithPeripheral(DefaultPeripheralAddress).
			WithName("Battery").
			WithService("180F").
			WithCharacteristic("2A19", "read,notify", []byte{50})
	}

	s.World = sim.NewWorld(s.Logger)
	s.World.SetAdvertisingInterval(10 * time.Millisecond)
	for _, b := range s.builders {
		s.Require().NoError(s.World.AddPeripheral(b.Build()))
	}

	stack, err := platform.New(platform.Config{
		Backend:  platform.BackendSim,
		SimWorld: s.World,
		Logger:   s.Logger,
	})
	s.Require().NoError(err)
	s.Stack = stack
}

func (s *SimSuite) TearDownTest() {
	if s.Stack != nil {
		_ = s.Stack.Close()
	}
	s.Stack = nil
	s.World = nil
	s.builders = nil
}

// Connect returns a connected device for address, closed when the test ends.
func (s *SimSuite) Connect(address string) *base.Device {
	d := s.Stack.NewDevice(address)
	s.Require().NoError(d.Connect(context.Background(), &device.ConnectOptions{ConnectTimeout: s.Timeout}))
	s.T().Cleanup(func() { _ = d.Close() })
	return d
}

// Access returns an access service for d, closed when the test ends.
func (s *SimSuite) Access(d device.Device) *access.Service {
	svc := access.NewService(d, s.Logger)
	s.T().Cleanup(svc.Close)
	return svc
}

// AddPeripheral puts another peripheral in range of the running world.
func (s *SimSuite) AddPeripheral(p gattprofile.Peripheral) {
	s.Require().NoError(s.World.AddPeripheral(p))
}
