package access

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Codec converts between characteristic bytes and a Go value.
type Codec[T any] interface {
	Name() string
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// DecodeError is returned when a value is too short for its codec.
type DecodeError struct {
	Codec string
	Need  int
	Got   int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: need %d bytes, got %d", e.Codec, e.Need, e.Got)
}

type funcCodec[T any] struct {
	name   string
	encode func(T) ([]byte, error)
	decode func([]byte) (T, error)
}

func (c funcCodec[T]) Name() string                  { return c.name }
func (c funcCodec[T]) Encode(v T) ([]byte, error)    { return c.encode(v) }
func (c funcCodec[T]) Decode(data []byte) (T, error) { return c.decode(data) }

// NewCodec builds a codec from a pair of functions.
func NewCodec[T any](name string, encode func(T) ([]byte, error), decode func([]byte) (T, error)) Codec[T] {
	return funcCodec[T]{name: name, encode: encode, decode: decode}
}

// fixed builds a codec for a fixed-width value. Trailing bytes beyond size are ignored,
// so a codec can read the leading field of a longer record.
func fixed[T any](name string, size int, get func([]byte) T, put func([]byte, T)) Codec[T] {
	return funcCodec[T]{
		name: name,
		encode: func(v T) ([]byte, error) {
			buf := make([]byte, size)
			put(buf, v)
			return buf, nil
		},
		decode: func(data []byte) (T, error) {
			var zero T
			if len(data) < size {
				return zero, &DecodeError{Codec: name, Need: size, Got: len(data)}
			}
			return get(data[:size]), nil
		},
	}
}

var (
	le = binary.LittleEndian
	be = binary.BigEndian
)

// Built-in codecs. GATT values are little endian unless a profile says otherwise.
var (
	Bytes Codec[[]byte] = funcCodec[[]byte]{
		name:   "bytes",
		encode: func(v []byte) ([]byte, error) { return append([]byte(nil), v...), nil },
		decode: func(d []byte) ([]byte, error) { return append([]byte(nil), d...), nil },
	}

	// String is UTF-8 with trailing NUL padding removed on decode.
	String Codec[string] = funcCodec[string]{
		name:   "string",
		encode: func(v string) ([]byte, error) { return []byte(v), nil },
		decode: func(d []byte) (string, error) { return string(bytes.TrimRight(d, "\x00")), nil },
	}

	Bool = fixed("bool", 1,
		func(b []byte) bool { return b[0] != 0 },
		func(b []byte, v bool) {
			if v {
				b[0] = 1
			}
		})

	Uint8 = fixed("uint8", 1, func(b []byte) uint8 { return b[0] }, func(b []byte, v uint8) { b[0] = v })
	Int8  = fixed("int8", 1, func(b []byte) int8 { return int8(b[0]) }, func(b []byte, v int8) { b[0] = byte(v) })

	Uint16LE = fixed("uint16le", 2, le.Uint16, le.PutUint16)
	Uint16BE = fixed("uint16be", 2, be.Uint16, be.PutUint16)
	Uint32LE = fixed("uint32le", 4, le.Uint32, le.PutUint32)
	Uint32BE = fixed("uint32be", 4, be.Uint32, be.PutUint32)
	Uint64LE = fixed("uint64le", 8, le.Uint64, le.PutUint64)
	Uint64BE = fixed("uint64be", 8, be.Uint64, be.PutUint64)

	Int16LE = fixed("int16le", 2, func(b []byte) int16 { return int16(le.Uint16(b)) }, func(b []byte, v int16) { le.PutUint16(b, uint16(v)) })
	Int16BE = fixed("int16be", 2, func(b []byte) int16 { return int16(be.Uint16(b)) }, func(b []byte, v int16) { be.PutUint16(b, uint16(v)) })
	Int32LE = fixed("int32le", 4, func(b []byte) int32 { return int32(le.Uint32(b)) }, func(b []byte, v int32) { le.PutUint32(b, uint32(v)) })
	Int32BE = fixed("int32be", 4, func(b []byte) int32 { return int32(be.Uint32(b)) }, func(b []byte, v int32) { be.PutUint32(b, uint32(v)) })
	Int64LE = fixed("int64le", 8, func(b []byte) int64 { return int64(le.Uint64(b)) }, func(b []byte, v int64) { le.PutUint64(b, uint64(v)) })
	Int64BE = fixed("int64be", 8, func(b []byte) int64 { return int64(be.Uint64(b)) }, func(b []byte, v int64) { be.PutUint64(b, uint64(v)) })

	Float32LE = fixed("float32le", 4,
		func(b []byte) float32 { return math.Float32frombits(le.Uint32(b)) },
		func(b []byte, v float32) { le.PutUint32(b, math.Float32bits(v)) })
	Float32BE = fixed("float32be", 4,
		func(b []byte) float32 { return math.Float32frombits(be.Uint32(b)) },
		func(b []byte, v float32) { be.PutUint32(b, math.Float32bits(v)) })
	Float64LE = fixed("float64le", 8,
		func(b []byte) float64 { return math.Float64frombits(le.Uint64(b)) },
		func(b []byte, v float64) { le.PutUint64(b, math.Float64bits(v)) })
	Float64BE = fixed("float64be", 8,
		func(b []byte) float64 { return math.Float64frombits(be.Uint64(b)) },
		func(b []byte, v float64) { be.PutUint64(b, math.Float64bits(v)) })

	// Uint24 is a 24-bit little endian unsigned value, e.g. a GATT uint24 field.
	Uint24 Codec[uint32] = funcCodec[uint32]{
		name: "uint24",
		encode: func(v uint32) ([]byte, error) {
			if v > 0xffffff {
				return nil, fmt.Errorf("uint24: %d out of range", v)
			}
			return []byte{byte(v), byte(v >> 8), byte(v >> 16)}, nil
		},
		decode: func(d []byte) (uint32, error) {
			if len(d) < 3 {
				return 0, &DecodeError{Codec: "uint24", Need: 3, Got: len(d)}
			}
			return uint32(d[0]) | uint32(d[1])<<8 | uint32(d[2])<<16, nil
		},
	}

	// SFloat is the IEEE-11073 16-bit medical float: 4-bit exponent, 12-bit mantissa.
	SFloat Codec[float64] = funcCodec[float64]{name: "sfloat", encode: encodeSFloat, decode: decodeSFloat}

	// Float is the IEEE-11073 32-bit medical float: 8-bit exponent, 24-bit mantissa.
	Float Codec[float64] = funcCodec[float64]{name: "float", encode: encodeFloat, decode: decodeFloat}
)

// ----------------------------
// IEEE-11073
// ----------------------------

type medFloat struct {
	name         string
	mantissaBits uint
	exponentBits uint
	// Reserved mantissa values.
	nan, nres, posInf, negInf int64
}

var (
	sfloat = medFloat{name: "sfloat", mantissaBits: 12, exponentBits: 4,
		nan: 0x07ff, nres: 0x0800, posInf: 0x07fe, negInf: 0x0802}
	float11073 = medFloat{name: "float", mantissaBits: 24, exponentBits: 8,
		nan: 0x007fffff, nres: 0x00800000, posInf: 0x007ffffe, negInf: 0x00800002}
)

func (f medFloat) decode(raw uint32) float64 {
	mMask := uint32(1)<<f.mantissaBits - 1
	m := int64(raw & mMask)
	switch m {
	case f.nan, f.nres:
		return math.NaN()
	case f.posInf:
		return math.Inf(1)
	case f.negInf:
		return math.Inf(-1)
	case f.nres + 1: // reserved
		return math.NaN()
	}
	if m >= int64(1)<<(f.mantissaBits-1) {
		m -= int64(1) << f.mantissaBits
	}
	e := int64(raw >> f.mantissaBits)
	if e >= int64(1)<<(f.exponentBits-1) {
		e -= int64(1) << f.exponentBits
	}
	if e < 0 {
		return float64(m) / math.Pow10(int(-e))
	}
	return float64(m) * math.Pow10(int(e))
}

func (f medFloat) encode(v float64) (uint32, error) {
	mMask := uint32(1)<<f.mantissaBits - 1
	switch {
	case math.IsNaN(v):
		return uint32(f.nan), nil
	case math.IsInf(v, 1):
		return uint32(f.posInf), nil
	case math.IsInf(v, -1):
		return uint32(f.negInf), nil
	}

	maxM := int64(1)<<(f.mantissaBits-1) - 3
	minE := -(int64(1) << (f.exponentBits - 1))
	maxE := int64(1)<<(f.exponentBits-1) - 1

	for e := minE; e <= maxE; e++ {
		var scaled float64
		if e < 0 {
			scaled = v * math.Pow10(int(-e))
		} else {
			scaled = v / math.Pow10(int(e))
		}
		if math.Abs(scaled) > float64(maxM) {
			continue
		}
		m := int64(math.Round(scaled))
		if m == 0 {
			e = 0
		}
		for m != 0 && m%10 == 0 && e < maxE {
			m /= 10
			e++
		}
		eMask := uint32(1)<<f.exponentBits - 1
		return (uint32(e)&eMask)<<f.mantissaBits | uint32(m)&mMask, nil
	}
	return 0, fmt.Errorf("%s: %v out of range", f.name, v)
}

func decodeSFloat(d []byte) (float64, error) {
	if len(d) < 2 {
		return 0, &DecodeError{Codec: "sfloat", Need: 2, Got: len(d)}
	}
	return sfloat.decode(uint32(le.Uint16(d))), nil
}

func encodeSFloat(v float64) ([]byte, error) {
	raw, err := sfloat.encode(v)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 2)
	le.PutUint16(buf, uint16(raw))
	return buf, nil
}

func decodeFloat(d []byte) (float64, error) {
	if len(d) < 4 {
		return 0, &DecodeError{Codec: "float", Need: 4, Got: len(d)}
	}
	return float11073.decode(le.Uint32(d)), nil
}

func encodeFloat(v float64) ([]byte, error) {
	raw, err := float11073.encode(v)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 4)
	le.PutUint32(buf, raw)
	return buf, nil
}
