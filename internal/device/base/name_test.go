package base

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNameFromManufacturerData(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected string
	}{
		{name: "too short", data: []byte{0x4c, 0x00, 'A'}, expected: ""},
		{name: "embedded name", data: append([]byte{0xff, 0xff, 0x01}, []byte("Sensor-7")...), expected: "Sensor-7"},
		{name: "digits only is rejected", data: []byte{0x01, 0x02, '1', '2', '3', '4'}, expected: ""},
		{name: "first valid run wins", data: append(append([]byte{0x00, '1', '2', 0x00}, []byte("Thermo")...), 0x00), expected: "Thermo"},
		{name: "no printable run", data: []byte{0x00, 0x01, 0x02, 0x03, 0x04}, expected: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, nameFromManufacturerData(tt.data))
		})
	}
}

func TestCleanName(t *testing.T) {
	assert.Equal(t, "Polar H10", cleanName([]byte(" Polar H10\x00\x00")))
}
