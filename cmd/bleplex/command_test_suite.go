//go:build test

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/srg/bleplex/internal/platform"
	"github.com/srg/bleplex/internal/testutils"
)

// TestDeviceAddress is the sensor peripheral most command tests talk to.
const TestDeviceAddress = "AA:BB:CC:00:00:20"

const (
	uartService = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	uartTX      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	uartRX      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// CommandTestSuite extends SimSuite with command testing utilities. Commands open
// their stack on the suite's sim world, so peripherals configured for the test are
// what the CLI sees.
type CommandTestSuite struct {
	testutils.SimSuite

	configPath string
	restore    func()
}

// WithSensor configures the peripheral at TestDeviceAddress:
//
//	180f battery    2a19 read,notify [50], user description "Level"
//	180a device     2a29 read "Acme"
//	ff00 custom     ff01 read "a", ff02 write,write-without-response, ff03 notify
//	ff10 custom     ff01 read "b"
//	nordic uart     tx write-without-response, rx notify
func (s *CommandTestSuite) WithSensor() {
	s.WithPeripheral(TestDeviceAddress).
		WithName("Sensor").
		WithRSSI(-50).
		WithAdvertisedServices("180F").
		WithService("180F").
		WithCharacteristic("2A19", "read,notify", []byte{50}).
		WithDescriptor("2901", []byte("Level")).
		WithService("180A").
		WithCharacteristic("2A29", "read", []byte("Acme")).
		WithService("FF00").
		WithCharacteristic("FF01", "read", []byte("a")).
		WithCharacteristic("FF02", "write,write-without-response", nil).
		WithCharacteristic("FF03", "notify", nil).
		WithService("FF10").
		WithCharacteristic("FF01", "read", []byte("b")).
		WithService(uartService).
		WithCharacteristic(uartTX, "write-without-response", nil).
		WithCharacteristic(uartRX, "notify", nil)
}

func (s *CommandTestSuite) SetupTest() {
	s.SimSuite.SetupTest()

	// An empty config keeps the developer's ~/.config/bleplex out of the tests.
	s.configPath = filepath.Join(s.T().TempDir(), "config.yaml")
	s.Require().NoError(os.WriteFile(s.configPath, []byte("connect:\n  timeout: 2s\n"), 0o600))

	prev := openStack
	openStack = func(cfg platform.Config) (*platform.Stack, error) {
		cfg.Backend = platform.BackendSim
		cfg.SimWorld = s.World
		return platform.New(cfg)
	}
	s.restore = func() { openStack = prev }
}

func (s *CommandTestSuite) TearDownTest() {
	if s.restore != nil {
		s.restore()
	}
	s.SimSuite.TearDownTest()
}

// WriteConfig replaces the config file commands load.
func (s *CommandTestSuite) WriteConfig(yaml string) {
	s.Require().NoError(os.WriteFile(s.configPath, []byte(yaml), 0o600))
}

// ExecuteCommand runs the root command with args and returns stdout and stderr.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (stdout, stderr string, err error) {
	return s.ExecuteCommandContext(context.Background(), args...)
}

// ExecuteCommandContext is ExecuteCommand with a caller-controlled context, for
// commands that run until interrupted.
func (s *CommandTestSuite) ExecuteCommandContext(ctx context.Context, args ...string) (stdout, stderr string, err error) {
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", s.configPath}, args...))
	err = cmd.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}
