package codec

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hupe1980/bkdgo/store"
)

// WriteUvarint writes v using the standard unsigned LEB128 encoding.
func WriteUvarint(out store.DataOutput, v uint64) error {
	for v >= 0x80 {
		if err := out.WriteByte(byte(v) | 0x80); err != nil {
			return err
		}
		v >>= 7
	}
	return out.WriteByte(byte(v))
}

// ReadUvarint reads a value written by WriteUvarint.
func ReadUvarint(in store.DataInput) (uint64, error) {
	return binary.ReadUvarint(in)
}

// WriteUint32 writes a fixed-width little-endian uint32.
func WriteUint32(out store.DataOutput, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := out.Write(buf[:])
	return err
}

// ReadUint32 reads a fixed-width little-endian uint32.
func ReadUint32(in store.DataInput) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(ioReader(in), buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteString writes a length-prefixed string.
func WriteString(out store.DataOutput, s string) error {
	if err := WriteUvarint(out, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(ioWriter(out), s)
	return err
}

// ReadString reads a string written by WriteString.
func ReadString(in store.DataInput) (string, error) {
	n, err := ReadUvarint(in)
	if err != nil {
		return "", err
	}
	if n > maxNameLength {
		return "", fmt.Errorf("%w: string length %d exceeds limit %d", ErrCorruption, n, maxNameLength)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(ioReader(in), buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// ioWriter adapts a DataOutput to io.Writer for stdlib helpers.
func ioWriter(out store.DataOutput) io.Writer { return out }
