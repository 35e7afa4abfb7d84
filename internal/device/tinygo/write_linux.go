//go:build linux

package tinygo

// charWriter is the write surface tinygo exposes on BlueZ.
type charWriter interface {
	WriteWithoutResponse(p []byte) (int, error)
}

// writeValue sends data through GattCharacteristic1.WriteValue. tinygo passes no
// "type" option, and BlueZ then issues a write request whenever the characteristic
// allows one, so a with-response write takes the same path.
func writeValue(w charWriter, data []byte, _ bool) (int, error) {
	return w.WriteWithoutResponse(data)
}
