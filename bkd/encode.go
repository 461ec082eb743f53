package bkd

import (
	"encoding/binary"
	"math"
)

// Numeric encodings for packed dimension values. All encodings are
// big-endian with the sign bit flipped so that the unsigned lexicographic
// byte order used by the tree matches the natural numeric order.

// Int32Bytes is the encoded width of an int32 dimension.
const Int32Bytes = 4

// Int64Bytes is the encoded width of an int64 dimension.
const Int64Bytes = 8

// Float64Bytes is the encoded width of a float64 dimension.
const Float64Bytes = 8

// EncodeInt32 encodes v into dst[:Int32Bytes].
func EncodeInt32(v int32, dst []byte) {
	binary.BigEndian.PutUint32(dst, uint32(v)^(1<<31))
}

// DecodeInt32 decodes a value written by EncodeInt32.
func DecodeInt32(b []byte) int32 {
	return int32(binary.BigEndian.Uint32(b) ^ (1 << 31))
}

// EncodeInt64 encodes v into dst[:Int64Bytes].
func EncodeInt64(v int64, dst []byte) {
	binary.BigEndian.PutUint64(dst, uint64(v)^(1<<63))
}

// DecodeInt64 decodes a value written by EncodeInt64.
func DecodeInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

// EncodeFloat64 encodes v into dst[:Float64Bytes] preserving total order:
// -Inf < negative < -0 < +0 < positive < +Inf. NaN sorts above +Inf.
func EncodeFloat64(v float64, dst []byte) {
	bits := math.Float64bits(v)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits ^= 1 << 63
	}
	binary.BigEndian.PutUint64(dst, bits)
}

// DecodeFloat64 decodes a value written by EncodeFloat64.
func DecodeFloat64(b []byte) float64 {
	bits := binary.BigEndian.Uint64(b)
	if bits&(1<<63) != 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}
