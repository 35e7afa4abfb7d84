//go:build windows

package tinygo

type charWriter interface {
	Write(p []byte) (int, error)
	WriteWithoutResponse(p []byte) (int, error)
}

// writeValue maps withResponse onto the WinRT write option.
func writeValue(w charWriter, data []byte, withResponse bool) (int, error) {
	if withResponse {
		return w.Write(data)
	}
	return w.WriteWithoutResponse(data)
}
