package access

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// named adapts a typed codec to text in and out, for command-line use.
type named struct {
	decode func([]byte) (any, error)
	encode func(string) ([]byte, error)
}

func textCodec[T any](c Codec[T], parse func(string) (T, error)) named {
	return named{
		decode: func(b []byte) (any, error) { return c.Decode(b) },
		encode: func(s string) ([]byte, error) {
			v, err := parse(s)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", c.Name(), err)
			}
			return c.Encode(v)
		},
	}
}

func parseUint[T ~uint8 | ~uint16 | ~uint32 | ~uint64](bits int) func(string) (T, error) {
	return func(s string) (T, error) {
		v, err := strconv.ParseUint(s, 0, bits)
		return T(v), err
	}
}

func parseInt[T ~int8 | ~int16 | ~int32 | ~int64](bits int) func(string) (T, error) {
	return func(s string) (T, error) {
		v, err := strconv.ParseInt(s, 0, bits)
		return T(v), err
	}
}

func parseFloat[T ~float32 | ~float64](bits int) func(string) (T, error) {
	return func(s string) (T, error) {
		v, err := strconv.ParseFloat(s, bits)
		return T(v), err
	}
}

func parseHex(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "", "-", "").Replace(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
	return hex.DecodeString(s)
}

var registry = map[string]named{
	"bytes":     textCodec(Bytes, parseHex),
	"string":    textCodec(String, func(s string) (string, error) { return s, nil }),
	"bool":      textCodec(Bool, strconv.ParseBool),
	"uint8":     textCodec(Uint8, parseUint[uint8](8)),
	"int8":      textCodec(Int8, parseInt[int8](8)),
	"uint16le":  textCodec(Uint16LE, parseUint[uint16](16)),
	"uint16be":  textCodec(Uint16BE, parseUint[uint16](16)),
	"uint24":    textCodec(Uint24, parseUint[uint32](24)),
	"uint32le":  textCodec(Uint32LE, parseUint[uint32](32)),
	"uint32be":  textCodec(Uint32BE, parseUint[uint32](32)),
	"uint64le":  textCodec(Uint64LE, parseUint[uint64](64)),
	"uint64be":  textCodec(Uint64BE, parseUint[uint64](64)),
	"int16le":   textCodec(Int16LE, parseInt[int16](16)),
	"int16be":   textCodec(Int16BE, parseInt[int16](16)),
	"int32le":   textCodec(Int32LE, parseInt[int32](32)),
	"int32be":   textCodec(Int32BE, parseInt[int32](32)),
	"int64le":   textCodec(Int64LE, parseInt[int64](64)),
	"int64be":   textCodec(Int64BE, parseInt[int64](64)),
	"float32le": textCodec(Float32LE, parseFloat[float32](32)),
	"float32be": textCodec(Float32BE, parseFloat[float32](32)),
	"float64le": textCodec(Float64LE, parseFloat[float64](64)),
	"float64be": textCodec(Float64BE, parseFloat[float64](64)),
	"sfloat":    textCodec(SFloat, parseFloat[float64](64)),
	"float":     textCodec(Float, parseFloat[float64](64)),
}

// CodecNames lists the codecs usable by name, sorted.
func CodecNames() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func lookup(name string) (named, error) {
	c, ok := registry[strings.ToLower(name)]
	if !ok {
		return named{}, fmt.Errorf("unknown codec %q (available: %s)", name, strings.Join(CodecNames(), ", "))
	}
	return c, nil
}

// CheckCodec reports whether a codec called name exists.
func CheckCodec(name string) error {
	_, err := lookup(name)
	return err
}

// DecodeNamed decodes data with the codec called name.
func DecodeNamed(name string, data []byte) (any, error) {
	c, err := lookup(name)
	if err != nil {
		return nil, err
	}
	return c.decode(data)
}

// EncodeNamed parses text for the codec called name and encodes it. Integers accept Go
// literal prefixes (0x, 0b, 0o); bytes take hex.
func EncodeNamed(name, text string) ([]byte, error) {
	c, err := lookup(name)
	if err != nil {
		return nil, err
	}
	return c.encode(text)
}
