package store

import (
	"bufio"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
)

// FSDirectory stores files in a directory of the local file system.
// Outputs are buffered and feed a running checksum; inputs are backed by
// positional reads, so clones share a single file handle without locking.
type FSDirectory struct {
	path   string
	alg    Algorithm
	closed atomic.Bool
}

// DirectoryOption configures a directory.
type DirectoryOption func(*dirConfig)

type dirConfig struct {
	alg Algorithm
}

// WithChecksumAlgorithm selects the checksum algorithm for new outputs and
// checksummed inputs. Defaults to CRC32.
func WithChecksumAlgorithm(a Algorithm) DirectoryOption {
	return func(c *dirConfig) {
		c.alg = a
	}
}

// NewFSDirectory creates the directory path if needed and returns a directory
// rooted there.
func NewFSDirectory(path string, opts ...DirectoryOption) (*FSDirectory, error) {
	cfg := dirConfig{alg: CRC32}
	for _, opt := range opts {
		opt(&cfg)
	}
	if _, err := cfg.alg.NewHash(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}
	return &FSDirectory{path: path, alg: cfg.alg}, nil
}

// Path returns the root path of the directory.
func (d *FSDirectory) Path() string { return d.path }

func (d *FSDirectory) resolve(name string) string {
	return filepath.Join(d.path, name)
}

// CreateOutput implements Directory.
func (d *FSDirectory) CreateOutput(name string) (IndexOutput, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	f, err := os.OpenFile(d.resolve(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: create %q: %w", name, err)
	}
	h, err := d.alg.NewHash()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fsOutput{
		f:   f,
		w:   bufio.NewWriterSize(f, 1<<16),
		h:   h,
		alg: d.alg,
	}, nil
}

// OpenInput implements Directory.
func (d *FSDirectory) OpenInput(name string) (IndexInput, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	f, err := os.Open(d.resolve(name))
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", name, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("store: stat %q: %w", name, err)
	}
	return &fsInput{
		file:   &sharedFile{f: f},
		length: fi.Size(),
		owner:  true,
	}, nil
}

// OpenChecksumInput implements Directory.
func (d *FSDirectory) OpenChecksumInput(name string) (ChecksumIndexInput, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	f, err := os.Open(d.resolve(name))
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", name, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("store: stat %q: %w", name, err)
	}
	h, err := d.alg.NewHash()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &checksumInput{
		f:      f,
		br:     bufio.NewReaderSize(f, 1<<16),
		h:      h,
		alg:    d.alg,
		length: fi.Size(),
	}, nil
}

// Remove implements Directory.
func (d *FSDirectory) Remove(name string) error {
	if d.closed.Load() {
		return ErrClosed
	}
	return os.Remove(d.resolve(name))
}

// List implements Directory.
func (d *FSDirectory) List() ([]string, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Close implements Directory. Open inputs and outputs are not tracked and
// must be closed by their owners.
func (d *FSDirectory) Close() error {
	d.closed.Store(true)
	return nil
}

// fsOutput is a buffered, checksumming file output.
type fsOutput struct {
	f      *os.File
	w      *bufio.Writer
	h      hash.Hash64
	alg    Algorithm
	n      int64
	closed bool
}

func (o *fsOutput) Write(p []byte) (int, error) {
	if o.closed {
		return 0, ErrClosed
	}
	// bufio never partially consumes without an error, so hashing first is safe.
	if _, err := o.h.Write(p); err != nil {
		return 0, err
	}
	n, err := o.w.Write(p)
	o.n += int64(n)
	return n, err
}

func (o *fsOutput) WriteByte(b byte) error {
	if o.closed {
		return ErrClosed
	}
	if _, err := o.h.Write([]byte{b}); err != nil {
		return err
	}
	if err := o.w.WriteByte(b); err != nil {
		return err
	}
	o.n++
	return nil
}

func (o *fsOutput) FilePointer() int64   { return o.n }
func (o *fsOutput) Checksum() uint64     { return o.h.Sum64() }
func (o *fsOutput) Algorithm() Algorithm { return o.alg }

func (o *fsOutput) Sync() error {
	if o.closed {
		return ErrClosed
	}
	if err := o.w.Flush(); err != nil {
		return err
	}
	return o.f.Sync()
}

func (o *fsOutput) Close() error {
	if o.closed {
		return ErrClosed
	}
	o.closed = true
	err := o.w.Flush()
	if syncErr := o.f.Sync(); err == nil {
		err = syncErr
	}
	if closeErr := o.f.Close(); err == nil {
		err = closeErr
	}
	return err
}

// sharedFile is the handle shared by an input and its clones.
type sharedFile struct {
	f      *os.File
	closed atomic.Bool
}

// fsInput reads via pread so clones never contend on a shared cursor.
type fsInput struct {
	file   *sharedFile
	length int64
	pos    int64
	owner  bool
}

func (in *fsInput) Read(p []byte) (int, error) {
	if in.file.closed.Load() {
		return 0, ErrClosed
	}
	if in.pos >= in.length {
		return 0, io.EOF
	}
	if max := in.length - in.pos; int64(len(p)) > max {
		p = p[:max]
	}
	n, err := in.file.f.ReadAt(p, in.pos)
	in.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (in *fsInput) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(in, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (in *fsInput) Seek(pos int64) error {
	if pos < 0 || pos > in.length {
		return fmt.Errorf("store: seek %d out of bounds [0, %d]", pos, in.length)
	}
	in.pos = pos
	return nil
}

func (in *fsInput) FilePointer() int64 { return in.pos }
func (in *fsInput) Length() int64      { return in.length }

func (in *fsInput) Clone() IndexInput {
	return &fsInput{
		file:   in.file,
		length: in.length,
		pos:    in.pos,
	}
}

func (in *fsInput) Close() error {
	if !in.owner {
		return nil
	}
	if !in.file.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return in.file.f.Close()
}

// checksumInput is a forward-only, hashing file input.
type checksumInput struct {
	f      *os.File
	br     *bufio.Reader
	h      hash.Hash64
	alg    Algorithm
	pos    int64
	length int64
	closed bool
}

func (in *checksumInput) Read(p []byte) (int, error) {
	if in.closed {
		return 0, ErrClosed
	}
	n, err := in.br.Read(p)
	if n > 0 {
		if _, hashErr := in.h.Write(p[:n]); hashErr != nil {
			return n, hashErr
		}
		in.pos += int64(n)
	}
	return n, err
}

func (in *checksumInput) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(in, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (in *checksumInput) FilePointer() int64   { return in.pos }
func (in *checksumInput) Length() int64        { return in.length }
func (in *checksumInput) Checksum() uint64     { return in.h.Sum64() }
func (in *checksumInput) Algorithm() Algorithm { return in.alg }

func (in *checksumInput) SkipBytes(n int64) error {
	if n < 0 {
		return fmt.Errorf("store: skip negative count %d", n)
	}
	written, err := io.CopyN(io.Discard, in, n)
	_ = written
	return err
}

func (in *checksumInput) Close() error {
	if in.closed {
		return ErrClosed
	}
	in.closed = true
	return in.f.Close()
}
