//go:build test

package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/srg/bleplex/internal/device"
	"github.com/stretchr/testify/suite"
)

type ReadCommandTestSuite struct {
	CommandTestSuite
}

func (s *ReadCommandTestSuite) SetupTest() {
	s.WithSensor()
	s.CommandTestSuite.SetupTest()
}

func (s *ReadCommandTestSuite) TestReadFormats() {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"raw", []string{"2a29"}, "Acme"},
		{"hex", []string{"2a19", "--hex"}, "32\n"},
		{"codec", []string{"2a19", "--codec", "uint8"}, "50\n"},
		{"char flag", []string{"--char", "2a29", "--hex"}, "41636d65\n"},
		{"explicit service", []string{"ff01", "--service", "ff10"}, "b"},
		{"multiple", []string{"2a19,2a29", "--hex"}, "2a19: 32\n2a29: 41636d65\n"},
		{"descriptor", []string{"--desc", "2901"}, "Level"},
		{"descriptor of characteristic", []string{"2a19", "--desc", "2901"}, "Level"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			out, _, err := s.ExecuteCommand(append([]string{"read", TestDeviceAddress}, tt.args...)...)
			s.Require().NoError(err)
			s.Equal(tt.want, out)
		})
	}
}

func (s *ReadCommandTestSuite) TestReadResolutionErrors() {
	_, _, err := s.ExecuteCommand("read", TestDeviceAddress, "ff01")
	s.ErrorContains(err, "found in multiple services, specify --service")

	_, _, err = s.ExecuteCommand("read", TestDeviceAddress, "2a37")
	var notFound *device.NotFoundError
	s.Require().True(errors.As(err, &notFound), "got %v", err)
	s.Equal("characteristic", notFound.Resource)
}

func (s *ReadCommandTestSuite) TestReadValidatesArguments() {
	_, _, err := s.ExecuteCommand("read", TestDeviceAddress)
	s.ErrorContains(err, "UUID required")

	_, _, err = s.ExecuteCommand("read", TestDeviceAddress, "2a19", "--hex", "--codec", "uint8")
	s.ErrorContains(err, "mutually exclusive")

	_, _, err = s.ExecuteCommand("read", TestDeviceAddress, "2a19", "--codec", "nope")
	s.ErrorContains(err, "unknown codec")

	_, _, err = s.ExecuteCommand("read", TestDeviceAddress, "2a19,2a29", "--watch")
	s.ErrorContains(err, "watch mode requires a single characteristic")
}

func (s *ReadCommandTestSuite) TestReadFailureIsReported() {
	s.Require().NoError(s.World.SetErrors(TestDeviceAddress, "180F", "2A19", device.ErrReadNotPermitted, nil))

	_, _, err := s.ExecuteCommand("read", TestDeviceAddress, "2a19")
	s.ErrorIs(err, device.ErrReadNotPermitted)

	// With several characteristics a failure is reported and the rest still read.
	out, errOut, err := s.ExecuteCommand("read", TestDeviceAddress, "2a19,2a29", "--hex")
	s.Require().NoError(err)
	s.Equal("2a29: 41636d65\n", out)
	s.Contains(errOut, "2a19: error:")
}

func (s *ReadCommandTestSuite) TestReadWatch() {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	out, errOut, err := s.ExecuteCommandContext(ctx, "read", TestDeviceAddress, "2a19", "--hex", "--watch=50ms")
	s.Require().NoError(err)
	s.Contains(errOut, "Watching (reading every 50ms)")
	s.GreaterOrEqual(len(out)/len("32\n"), 2, "several reads: %q", out)
}

func (s *ReadCommandTestSuite) TestReadWatchConnectionLost() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	world := s.World
	go func() {
		for ctx.Err() == nil && !world.IsConnected(TestDeviceAddress) {
			time.Sleep(5 * time.Millisecond)
		}
		time.Sleep(60 * time.Millisecond)
		_ = world.DropLink(TestDeviceAddress)
	}()

	_, _, err := s.ExecuteCommandContext(ctx, "read", TestDeviceAddress, "2a19", "--watch=20ms")
	s.ErrorIs(err, ErrConnectionLost)
}

func TestReadCommandTestSuite(t *testing.T) {
	suite.Run(t, new(ReadCommandTestSuite))
}
