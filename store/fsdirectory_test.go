package store

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlgorithm(t *testing.T) {
	t.Run("NewHash", func(t *testing.T) {
		for _, alg := range []Algorithm{CRC32, XXH64} {
			h, err := alg.NewHash()
			require.NoError(t, err)
			_, err = h.Write([]byte("hello"))
			require.NoError(t, err)
			assert.NotZero(t, h.Sum64())
		}
	})

	t.Run("Unknown", func(t *testing.T) {
		_, err := Algorithm(42).NewHash()
		assert.ErrorIs(t, err, ErrUnknownAlgorithm)
	})

	t.Run("Deterministic", func(t *testing.T) {
		h1, _ := XXH64.NewHash()
		h2, _ := XXH64.NewHash()
		h1.Write([]byte("payload"))
		h2.Write([]byte("payload"))
		assert.Equal(t, h1.Sum64(), h2.Sum64())
	})
}

func TestFSDirectory(t *testing.T) {
	t.Run("OutputInputRoundTrip", func(t *testing.T) {
		dir, err := NewFSDirectory(t.TempDir())
		require.NoError(t, err)

		out, err := dir.CreateOutput("data.bin")
		require.NoError(t, err)

		payload := []byte("the quick brown fox jumps over the lazy dog")
		n, err := out.Write(payload)
		require.NoError(t, err)
		assert.Equal(t, len(payload), n)
		require.NoError(t, out.WriteByte(0x7f))
		assert.Equal(t, int64(len(payload)+1), out.FilePointer())

		h, _ := CRC32.NewHash()
		h.Write(payload)
		h.Write([]byte{0x7f})
		assert.Equal(t, h.Sum64(), out.Checksum())
		require.NoError(t, out.Close())

		in, err := dir.OpenInput("data.bin")
		require.NoError(t, err)
		defer in.Close()

		assert.Equal(t, int64(len(payload)+1), in.Length())
		got := make([]byte, len(payload))
		_, err = io.ReadFull(in, got)
		require.NoError(t, err)
		assert.Equal(t, payload, got)

		b, err := in.ReadByte()
		require.NoError(t, err)
		assert.Equal(t, byte(0x7f), b)

		_, err = in.ReadByte()
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("CreateExistingFails", func(t *testing.T) {
		dir, err := NewFSDirectory(t.TempDir())
		require.NoError(t, err)

		out, err := dir.CreateOutput("dup.bin")
		require.NoError(t, err)
		require.NoError(t, out.Close())

		_, err = dir.CreateOutput("dup.bin")
		assert.Error(t, err)
	})

	t.Run("CloneIndependentPositions", func(t *testing.T) {
		dir, err := NewFSDirectory(t.TempDir())
		require.NoError(t, err)

		out, err := dir.CreateOutput("clone.bin")
		require.NoError(t, err)
		_, err = out.Write([]byte("0123456789"))
		require.NoError(t, err)
		require.NoError(t, out.Close())

		in, err := dir.OpenInput("clone.bin")
		require.NoError(t, err)
		defer in.Close()

		require.NoError(t, in.Seek(5))
		clone := in.Clone()
		assert.Equal(t, int64(5), clone.FilePointer())

		require.NoError(t, clone.Seek(0))
		b, err := clone.ReadByte()
		require.NoError(t, err)
		assert.Equal(t, byte('0'), b)

		// The original cursor is untouched by the clone's reads.
		b, err = in.ReadByte()
		require.NoError(t, err)
		assert.Equal(t, byte('5'), b)
	})

	t.Run("CloseInvalidatesClones", func(t *testing.T) {
		dir, err := NewFSDirectory(t.TempDir())
		require.NoError(t, err)

		out, err := dir.CreateOutput("closed.bin")
		require.NoError(t, err)
		_, err = out.Write([]byte("abc"))
		require.NoError(t, err)
		require.NoError(t, out.Close())

		in, err := dir.OpenInput("closed.bin")
		require.NoError(t, err)
		clone := in.Clone()
		require.NoError(t, in.Close())

		_, err = clone.ReadByte()
		assert.ErrorIs(t, err, ErrClosed)
		assert.NoError(t, clone.Close())
		assert.ErrorIs(t, in.Close(), ErrClosed)
	})

	t.Run("SeekBounds", func(t *testing.T) {
		dir, err := NewFSDirectory(t.TempDir())
		require.NoError(t, err)

		out, err := dir.CreateOutput("seek.bin")
		require.NoError(t, err)
		_, err = out.Write([]byte("abc"))
		require.NoError(t, err)
		require.NoError(t, out.Close())

		in, err := dir.OpenInput("seek.bin")
		require.NoError(t, err)
		defer in.Close()

		assert.NoError(t, in.Seek(3))
		assert.Error(t, in.Seek(4))
		assert.Error(t, in.Seek(-1))
	})

	t.Run("ChecksumInput", func(t *testing.T) {
		dir, err := NewFSDirectory(t.TempDir(), WithChecksumAlgorithm(XXH64))
		require.NoError(t, err)

		payload := []byte("checksummed payload bytes")
		out, err := dir.CreateOutput("sum.bin")
		require.NoError(t, err)
		assert.Equal(t, XXH64, out.Algorithm())
		_, err = out.Write(payload)
		require.NoError(t, err)
		written := out.Checksum()
		require.NoError(t, out.Close())

		in, err := dir.OpenChecksumInput("sum.bin")
		require.NoError(t, err)
		defer in.Close()

		assert.Equal(t, XXH64, in.Algorithm())
		require.NoError(t, in.SkipBytes(5))
		rest := make([]byte, len(payload)-5)
		_, err = io.ReadFull(in, rest)
		require.NoError(t, err)

		// Skipped bytes are hashed too.
		assert.Equal(t, written, in.Checksum())
		assert.Equal(t, int64(len(payload)), in.FilePointer())
	})

	t.Run("RemoveAndList", func(t *testing.T) {
		dir, err := NewFSDirectory(t.TempDir())
		require.NoError(t, err)

		for _, name := range []string{"a.bin", "b.bin"} {
			out, err := dir.CreateOutput(name)
			require.NoError(t, err)
			require.NoError(t, out.Close())
		}

		names, err := dir.List()
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a.bin", "b.bin"}, names)

		require.NoError(t, dir.Remove("a.bin"))
		names, err = dir.List()
		require.NoError(t, err)
		assert.Equal(t, []string{"b.bin"}, names)
	})

	t.Run("ClosedDirectory", func(t *testing.T) {
		dir, err := NewFSDirectory(t.TempDir())
		require.NoError(t, err)
		require.NoError(t, dir.Close())

		_, err = dir.CreateOutput("x.bin")
		assert.ErrorIs(t, err, ErrClosed)
		_, err = dir.OpenInput("x.bin")
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestMMapDirectory(t *testing.T) {
	newMapped := func(t *testing.T, advice AccessPattern, payload []byte) (*MMapDirectory, string) {
		t.Helper()
		path := t.TempDir()
		dir, err := NewMMapDirectory(path, advice)
		require.NoError(t, err)
		out, err := dir.CreateOutput("m.bin")
		require.NoError(t, err)
		_, err = out.Write(payload)
		require.NoError(t, err)
		require.NoError(t, out.Close())
		return dir, filepath.Join(path, "m.bin")
	}

	t.Run("ReadAndSeek", func(t *testing.T) {
		payload := []byte("mapped bytes here")
		dir, _ := newMapped(t, AccessRandom, payload)

		in, err := dir.OpenInput("m.bin")
		require.NoError(t, err)
		defer in.Close()

		assert.Equal(t, int64(len(payload)), in.Length())
		got := make([]byte, len(payload))
		_, err = io.ReadFull(in, got)
		require.NoError(t, err)
		assert.Equal(t, payload, got)

		require.NoError(t, in.Seek(7))
		b, err := in.ReadByte()
		require.NoError(t, err)
		assert.Equal(t, payload[7], b)
	})

	t.Run("CloneSharesMapping", func(t *testing.T) {
		dir, _ := newMapped(t, AccessSequential, []byte("0123456789"))

		in, err := dir.OpenInput("m.bin")
		require.NoError(t, err)
		clone := in.Clone()

		b, err := clone.ReadByte()
		require.NoError(t, err)
		assert.Equal(t, byte('0'), b)
		assert.Equal(t, int64(0), in.FilePointer())

		require.NoError(t, in.Close())
		_, err = clone.ReadByte()
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("EmptyFile", func(t *testing.T) {
		path := t.TempDir()
		dir, err := NewMMapDirectory(path, AccessDefault)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(path, "empty.bin"), nil, 0o644))

		in, err := dir.OpenInput("empty.bin")
		require.NoError(t, err)
		defer in.Close()

		assert.Equal(t, int64(0), in.Length())
		_, err = in.ReadByte()
		assert.ErrorIs(t, err, io.EOF)
	})
}

func TestSliceInput(t *testing.T) {
	in := NewSliceInput([]byte("hello world"))
	assert.Equal(t, int64(11), in.Length())

	b, err := in.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte('h'), b)

	require.NoError(t, in.Seek(6))
	got := make([]byte, 5)
	_, err = io.ReadFull(in, got)
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))

	_, err = in.ReadByte()
	assert.ErrorIs(t, err, io.EOF)

	clone := in.Clone()
	require.NoError(t, clone.Seek(0))
	assert.Equal(t, int64(11), in.FilePointer())
}
