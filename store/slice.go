package store

import (
	"fmt"
	"io"
)

// SliceInput is an IndexInput over an in-memory byte slice. Useful for tests
// and for re-reading small regions that are already resident.
type SliceInput struct {
	data []byte
	pos  int64
}

// NewSliceInput returns an input reading from data. The slice is not copied.
func NewSliceInput(data []byte) *SliceInput {
	return &SliceInput{data: data}
}

func (in *SliceInput) Read(p []byte) (int, error) {
	if in.pos >= int64(len(in.data)) {
		return 0, io.EOF
	}
	n := copy(p, in.data[in.pos:])
	in.pos += int64(n)
	return n, nil
}

func (in *SliceInput) ReadByte() (byte, error) {
	if in.pos >= int64(len(in.data)) {
		return 0, io.EOF
	}
	b := in.data[in.pos]
	in.pos++
	return b, nil
}

func (in *SliceInput) Seek(pos int64) error {
	if pos < 0 || pos > int64(len(in.data)) {
		return fmt.Errorf("store: seek %d out of bounds [0, %d]", pos, len(in.data))
	}
	in.pos = pos
	return nil
}

func (in *SliceInput) FilePointer() int64 { return in.pos }
func (in *SliceInput) Length() int64      { return int64(len(in.data)) }

func (in *SliceInput) Clone() IndexInput {
	return &SliceInput{data: in.data, pos: in.pos}
}

func (in *SliceInput) Close() error { return nil }
