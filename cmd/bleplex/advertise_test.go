//go:build test

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/srg/bleplex/internal/device"
	"github.com/srg/bleplex/internal/device/sim"
	"github.com/stretchr/testify/suite"
)

const batteryProfile = `local_name: bleplex-test
services:
  - uuid: 180f
    characteristics:
      - uuid: 2a19
        properties: read,notify
        value: "64"
  - uuid: ff00
    characteristics:
      - uuid: ff01
        properties: write
`

type AdvertiseCommandTestSuite struct {
	CommandTestSuite
	profile string
}

func (s *AdvertiseCommandTestSuite) SetupTest() {
	s.CommandTestSuite.SetupTest()
	s.profile = filepath.Join(s.T().TempDir(), "battery.yaml")
	s.Require().NoError(os.WriteFile(s.profile, []byte(batteryProfile), 0o600))
}

// whileAdvertising runs fn once the world's broadcaster is advertising, then stops the
// command.
func (s *AdvertiseCommandTestSuite) whileAdvertising(fn func(b *sim.Broadcaster)) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	b := s.World.Broadcaster()
	go func() {
		defer cancel()
		for !b.Advertising() {
			if ctx.Err() != nil {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		fn(b)
		// Let queued events reach the printer.
		time.Sleep(100 * time.Millisecond)
	}()
	return ctx
}

func (s *AdvertiseCommandTestSuite) TestAdvertiseProfile() {
	var opts *device.AdvertiseOptions
	ctx := s.whileAdvertising(func(b *sim.Broadcaster) {
		opts = b.AdvertiseOptions()

		c, err := b.ConnectCentral("central-1")
		if !s.NoError(err) {
			return
		}
		s.NoError(c.Subscribe("180f", "2a19", func([]byte) {}))
		v, err := c.Read("180f", "2a19", 0)
		s.NoError(err)
		s.Equal([]byte{0x64}, v)
		s.NoError(c.Write("ff00", "ff01", []byte{0xca, 0xfe}, true))
		c.Disconnect()
	})

	out, errOut, err := s.ExecuteCommandContext(ctx, "advertise", "--profile", s.profile)
	s.Require().NoError(err)

	s.Contains(errOut, `Advertising "bleplex-test" with 2 service(s)`)
	s.Contains(out, "central-1 subscribed to 180f/2a19\n")
	s.Contains(out, "central-1 read 180f/2a19\n")
	s.Contains(out, "central-1 wrote ff00/ff01: cafe\n")
	s.Contains(out, "central-1 unsubscribed from 180f/2a19\n")

	s.Require().NotNil(opts)
	s.Equal("bleplex-test", opts.LocalName)
	s.ElementsMatch([]string{"180f", "ff00"}, opts.ServiceUUIDs)
	s.False(s.World.Broadcaster().Advertising(), "advertising stops with the command")
}

func (s *AdvertiseCommandTestSuite) TestAdvertiseFlagsOnly() {
	var opts *device.AdvertiseOptions
	ctx := s.whileAdvertising(func(b *sim.Broadcaster) { opts = b.AdvertiseOptions() })

	_, _, err := s.ExecuteCommandContext(ctx, "advertise", "--name", "beacon", "--service", "180D",
		"--manufacturer-id", "0x004c", "--manufacturer-data", "02:15")
	s.Require().NoError(err)

	s.Require().NotNil(opts)
	s.Equal("beacon", opts.LocalName)
	s.Equal([]string{"180d"}, opts.ServiceUUIDs)
	s.Equal(uint16(0x004c), opts.ManufacturerID)
	s.Equal([]byte{0x02, 0x15}, opts.ManufacturerData)
}

func (s *AdvertiseCommandTestSuite) TestAdvertiseSetupErrors() {
	tests := []struct {
		name  string
		flags advertiseFlags
		want  string
	}{
		{"nothing", advertiseFlags{}, "nothing to advertise"},
		{"missing profile", advertiseFlags{profile: filepath.Join(s.T().TempDir(), "nope.yaml")}, "nope.yaml"},
		{"bad service", advertiseFlags{services: []string{"xyz"}}, "invalid service UUID"},
		{"bad manufacturer id", advertiseFlags{name: "x", manufacturerID: "0x10000"}, "invalid manufacturer id"},
		{"bad manufacturer data", advertiseFlags{name: "x", manufacturerData: "abc"}, "invalid manufacturer data"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, _, err := advertiseSetup(&tt.flags)
			s.ErrorContains(err, tt.want)
		})
	}
}

func (s *AdvertiseCommandTestSuite) TestAdvertiseNameOverridesProfile() {
	services, opts, err := advertiseSetup(&advertiseFlags{profile: s.profile, name: "override"})
	s.Require().NoError(err)
	s.Len(services, 2)
	s.Equal("override", opts.LocalName)
}

func TestAdvertiseCommandTestSuite(t *testing.T) {
	suite.Run(t, new(AdvertiseCommandTestSuite))
}
