package store

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
)

// AccessPattern hints how an input will be read.
type AccessPattern int

const (
	AccessDefault AccessPattern = iota
	AccessSequential
	AccessRandom
)

// MMapDirectory is an FSDirectory whose inputs are memory mapped. Clones of
// a mapped input are a struct copy over the shared mapping, which makes
// per-query cursors essentially free.
type MMapDirectory struct {
	*FSDirectory
	advice AccessPattern
}

// NewMMapDirectory creates the directory path if needed and returns a
// directory whose inputs are memory mapped.
func NewMMapDirectory(path string, advice AccessPattern, opts ...DirectoryOption) (*MMapDirectory, error) {
	fsd, err := NewFSDirectory(path, opts...)
	if err != nil {
		return nil, err
	}
	return &MMapDirectory{FSDirectory: fsd, advice: advice}, nil
}

// OpenInput implements Directory.
func (d *MMapDirectory) OpenInput(name string) (IndexInput, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	f, err := os.Open(d.resolve(name))
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", name, err)
	}
	// The mapping outlives the descriptor; close it either way.
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("store: stat %q: %w", name, err)
	}
	if fi.Size() == 0 {
		return &mmapInput{mapping: &mapping{}}, nil
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("store: mmap %q: %w", name, err)
	}
	if err := advise(m, d.advice); err != nil {
		_ = m.Unmap()
		return nil, fmt.Errorf("store: madvise %q: %w", name, err)
	}
	return &mmapInput{mapping: &mapping{m: m, data: m}, owner: true}, nil
}

// mapping is shared between a mapped input and its clones so that Close can
// invalidate all of them before unmapping.
type mapping struct {
	m      mmap.MMap
	data   []byte
	closed atomic.Bool
}

type mmapInput struct {
	mapping *mapping
	pos     int64
	owner   bool
}

func (in *mmapInput) Read(p []byte) (int, error) {
	if in.mapping.closed.Load() {
		return 0, ErrClosed
	}
	data := in.mapping.data
	if in.pos >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[in.pos:])
	in.pos += int64(n)
	return n, nil
}

func (in *mmapInput) ReadByte() (byte, error) {
	if in.mapping.closed.Load() {
		return 0, ErrClosed
	}
	data := in.mapping.data
	if in.pos >= int64(len(data)) {
		return 0, io.EOF
	}
	b := data[in.pos]
	in.pos++
	return b, nil
}

func (in *mmapInput) Seek(pos int64) error {
	if pos < 0 || pos > int64(len(in.mapping.data)) {
		return fmt.Errorf("store: seek %d out of bounds [0, %d]", pos, len(in.mapping.data))
	}
	in.pos = pos
	return nil
}

func (in *mmapInput) FilePointer() int64 { return in.pos }
func (in *mmapInput) Length() int64      { return int64(len(in.mapping.data)) }

func (in *mmapInput) Clone() IndexInput {
	return &mmapInput{mapping: in.mapping, pos: in.pos}
}

func (in *mmapInput) Close() error {
	if !in.owner {
		return nil
	}
	if !in.mapping.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	if in.mapping.m == nil {
		return nil
	}
	return in.mapping.m.Unmap()
}
