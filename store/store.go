package store

import (
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrClosed is returned for operations on a closed directory, input or output.
	ErrClosed = errors.New("store: already closed")
	// ErrUnknownAlgorithm is returned for an unrecognized checksum algorithm id.
	ErrUnknownAlgorithm = errors.New("store: unknown checksum algorithm")
)

// Algorithm identifies the checksum algorithm used by a file's footer.
type Algorithm uint8

const (
	// CRC32 is the IEEE polynomial CRC32 (hardware-accelerated on modern CPUs).
	CRC32 Algorithm = 0
	// XXH64 is the 64-bit xxHash algorithm.
	XXH64 Algorithm = 1
)

func (a Algorithm) String() string {
	switch a {
	case CRC32:
		return "crc32"
	case XXH64:
		return "xxh64"
	default:
		return fmt.Sprintf("algorithm(%d)", uint8(a))
	}
}

// NewHash returns a fresh hash for the algorithm.
func (a Algorithm) NewHash() (hash.Hash64, error) {
	switch a {
	case CRC32:
		return crc32Hash64{crc32.New(crc32.MakeTable(crc32.IEEE))}, nil
	case XXH64:
		return xxhash.New(), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownAlgorithm, uint8(a))
	}
}

// crc32Hash64 widens a CRC32 hash to the Hash64 interface. The checksum
// occupies the low 32 bits.
type crc32Hash64 struct {
	hash.Hash32
}

func (h crc32Hash64) Sum64() uint64 { return uint64(h.Sum32()) }

// DataOutput is the minimal write surface used by codecs.
type DataOutput interface {
	io.Writer
	io.ByteWriter
}

// IndexOutput is an append-only output for a single file. All bytes written
// feed a running checksum so a footer can be emitted without re-reading.
type IndexOutput interface {
	DataOutput

	// FilePointer returns the current write position.
	FilePointer() int64

	// Checksum returns the running checksum over all bytes written so far.
	Checksum() uint64

	// Algorithm returns the checksum algorithm feeding Checksum.
	Algorithm() Algorithm

	// Sync flushes buffered bytes and forces them to stable storage.
	Sync() error

	Close() error
}

// DataInput is the minimal read surface used by codecs.
type DataInput interface {
	io.Reader
	io.ByteReader
}

// IndexInput is a seekable random-access input. Clones share the underlying
// resources and carry independent positions, so concurrent traversals never
// contend on a shared cursor. Only the original input may be closed; closing
// it invalidates all clones.
type IndexInput interface {
	DataInput

	// Seek sets the absolute read position.
	Seek(pos int64) error

	// FilePointer returns the current read position.
	FilePointer() int64

	// Length returns the total length of the file in bytes.
	Length() int64

	// Clone returns an independent cursor over the same bytes.
	Clone() IndexInput

	Close() error
}

// ChecksumIndexInput is a forward-only input that hashes every byte read,
// so a footer can be verified after a full sequential pass.
type ChecksumIndexInput interface {
	DataInput

	FilePointer() int64
	Length() int64

	// Checksum returns the running checksum over all bytes read so far.
	Checksum() uint64

	// Algorithm returns the checksum algorithm feeding Checksum.
	Algorithm() Algorithm

	// SkipBytes advances the position by n bytes, hashing the skipped bytes.
	SkipBytes(n int64) error

	Close() error
}

// Directory opens named files for reading and writing. Implementations are
// safe for concurrent use.
type Directory interface {
	// CreateOutput creates a new file. Creating an existing file fails.
	CreateOutput(name string) (IndexOutput, error)

	// OpenInput opens an existing file for random-access reads.
	OpenInput(name string) (IndexInput, error)

	// OpenChecksumInput opens an existing file for a checksummed sequential pass.
	OpenChecksumInput(name string) (ChecksumIndexInput, error)

	Remove(name string) error
	List() ([]string, error)
	Close() error
}
