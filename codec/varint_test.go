package codec

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bkdgo/store"
)

func TestUvarint(t *testing.T) {
	values := []uint64{
		0, 1, 127, 128, 300, 16383, 16384,
		1<<32 - 1, 1 << 32, math.MaxInt64, math.MaxUint64,
	}

	var buf bytes.Buffer
	for _, v := range values {
		require.NoError(t, WriteUvarint(&buf, v))
	}

	in := store.NewSliceInput(buf.Bytes())
	for _, want := range values {
		got, err := ReadUvarint(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, in.Length(), in.FilePointer())
}

func TestUint32(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteUint32(&buf, 0))
	require.NoError(t, WriteUint32(&buf, 0xdeadbeef))
	require.NoError(t, WriteUint32(&buf, math.MaxUint32))
	assert.Equal(t, 12, buf.Len())

	in := store.NewSliceInput(buf.Bytes())
	for _, want := range []uint32{0, 0xdeadbeef, math.MaxUint32} {
		got, err := ReadUint32(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestString(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		var buf bytes.Buffer
		for _, s := range []string{"", "a", "BKDPointsData", "suffix_0"} {
			require.NoError(t, WriteString(&buf, s))
		}
		in := store.NewSliceInput(buf.Bytes())
		for _, want := range []string{"", "a", "BKDPointsData", "suffix_0"} {
			got, err := ReadString(in)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	})

	t.Run("LengthLimit", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteUvarint(&buf, maxNameLength+1))
		_, err := ReadString(store.NewSliceInput(buf.Bytes()))
		assert.ErrorIs(t, err, ErrCorruption)
	})
}
