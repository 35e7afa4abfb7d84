//go:build test

package main

import (
	"testing"

	"github.com/srg/bleplex/internal/device"
	"github.com/srg/bleplex/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type InspectCommandTestSuite struct {
	CommandTestSuite
}

func (s *InspectCommandTestSuite) SetupTest() {
	s.WithSensor()
	s.CommandTestSuite.SetupTest()
}

func (s *InspectCommandTestSuite) TestInspectJSON() {
	out, _, err := s.ExecuteCommand("inspect", TestDeviceAddress, "--json")
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T()).Assert(out, `{
		"address": "AA:BB:CC:00:00:20",
		"mtu": 247,
		"services": [
			{"uuid": "180f", "characteristics": [
				{"uuid": "2a19", "properties": ["read", "notify"], "value": "32",
				 "descriptors": [{"uuid": "2901", "parsed": "Level"}, {"uuid": "2902"}]}
			]},
			{"uuid": "180a", "characteristics": [{"uuid": "2a29", "value": "41636d65", "text": "Acme"}]},
			{"uuid": "ff00"},
			{"uuid": "ff10"},
			{"uuid": "6e400001b5a3f393e0a9e50e24dcca9e"}
		]
	}`)
	s.False(s.World.IsConnected(TestDeviceAddress), "inspect disconnects when done")
}

func (s *InspectCommandTestSuite) TestInspectText() {
	out, _, err := s.ExecuteCommand("inspect", TestDeviceAddress, "--read-limit", "2")
	s.Require().NoError(err)

	s.Contains(out, "Device AA:BB:CC:00:00:20")
	s.Contains(out, "    Characteristic 2a29 (Manufacturer Name String) [read]\n")
	s.Contains(out, `      Value: 4163 "Ac" ...`)
	s.NotContains(out, "\x1b[", "no colors when not writing to a terminal")
}

func (s *InspectCommandTestSuite) TestInspectSkipDescriptors() {
	out, _, err := s.ExecuteCommand("inspect", TestDeviceAddress, "--json", "--skip-descriptors", "--read-limit", "0")
	s.Require().NoError(err)
	s.NotContains(out, `"parsed"`)
	s.NotContains(out, `"value"`)
}

func (s *InspectCommandTestSuite) TestInspectUnreachableDevice() {
	_, _, err := s.ExecuteCommand("inspect", "AA:BB:CC:FF:FF:FF", "--connect-timeout", "200ms")
	s.Require().Error(err)
	s.ErrorIs(err, device.ErrUnreachable)
	s.Contains(FormatUserError(err), "unreachable")
}

func (s *InspectCommandTestSuite) TestInspectRejectsNegativeReadLimit() {
	_, _, err := s.ExecuteCommand("inspect", TestDeviceAddress, "--read-limit=-1")
	s.ErrorContains(err, "--read-limit")
}

func TestInspectCommandTestSuite(t *testing.T) {
	suite.Run(t, new(InspectCommandTestSuite))
}
