//go:build test

package main

import (
	"testing"

	"github.com/srg/bleplex/internal/device"
	"github.com/stretchr/testify/suite"
)

type WriteCommandTestSuite struct {
	CommandTestSuite
}

func (s *WriteCommandTestSuite) SetupTest() {
	s.WithSensor()
	s.CommandTestSuite.SetupTest()
}

func (s *WriteCommandTestSuite) value(serviceUUID, charUUID string) []byte {
	v, err := s.World.Value(TestDeviceAddress, serviceUUID, charUUID)
	s.Require().NoError(err)
	return v
}

func (s *WriteCommandTestSuite) TestWriteEncodings() {
	tests := []struct {
		name string
		args []string
		want []byte
	}{
		{"text", []string{"ff02", "hello"}, []byte("hello")},
		{"hex", []string{"ff02", "de:ad be-ef", "--hex"}, []byte{0xde, 0xad, 0xbe, 0xef}},
		{"codec", []string{"ff02", "0x1234", "--codec", "uint16le"}, []byte{0x34, 0x12}},
		{"char flag", []string{"--char", "ff02", "x"}, []byte("x")},
		{"without response", []string{"ff02", "nr", "--without-response"}, []byte("nr")},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			out, _, err := s.ExecuteCommand(append([]string{"write", TestDeviceAddress}, tt.args...)...)
			s.Require().NoError(err)
			s.Equal("Write successful\n", out)
			s.Equal(tt.want, s.value("FF00", "FF02"))
		})
	}
}

func (s *WriteCommandTestSuite) TestWriteChunked() {
	_, _, err := s.ExecuteCommand("write", TestDeviceAddress, "ff02", "abcdefg", "--chunk", "3")
	s.Require().NoError(err)
	// Each chunk replaces the value; the last one remains.
	s.Equal([]byte("g"), s.value("FF00", "FF02"))
}

func (s *WriteCommandTestSuite) TestWriteWithoutResponseOnlyCharacteristic() {
	_, _, err := s.ExecuteCommand("write", TestDeviceAddress, uartTX, "ping")
	s.Require().NoError(err)
	s.Equal([]byte("ping"), s.value(uartService, uartTX))
}

func (s *WriteCommandTestSuite) TestWriteDescriptor() {
	_, _, err := s.ExecuteCommand("write", TestDeviceAddress, "2a19", "Charge", "--desc", "2901")
	s.Require().NoError(err)

	out, _, err := s.ExecuteCommand("read", TestDeviceAddress, "2a19", "--desc", "2901")
	s.Require().NoError(err)
	s.Equal("Charge", out)
}

func (s *WriteCommandTestSuite) TestWriteErrors() {
	_, _, err := s.ExecuteCommand("write", TestDeviceAddress, "2a29", "x")
	s.ErrorIs(err, device.ErrNotSupportedByCharacteristic)
	s.Contains(FormatUserError(err), "does not support write")

	_, _, err = s.ExecuteCommand("write", TestDeviceAddress, "ff02", "zz", "--hex")
	s.ErrorContains(err, "failed to parse data")

	_, _, err = s.ExecuteCommand("write", TestDeviceAddress, "ff02", "1", "--hex", "--codec", "uint8")
	s.ErrorContains(err, "mutually exclusive")

	_, _, err = s.ExecuteCommand("write", TestDeviceAddress, "ff02", "300", "--codec", "uint8")
	s.ErrorContains(err, "failed to parse data")

	_, _, err = s.ExecuteCommand("write", TestDeviceAddress, "data")
	s.ErrorContains(err, "UUID required")
}

func TestWriteCommandTestSuite(t *testing.T) {
	suite.Run(t, new(WriteCommandTestSuite))
}
