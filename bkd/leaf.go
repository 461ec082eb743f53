package bkd

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/hupe1980/bkdgo/codec"
	"github.com/hupe1980/bkdgo/store"
)

// Leaf block layout:
//
//	count      uvarint
//	flags      byte            (bit 0: payload is a zstd frame)
//	payloadLen uvarint
//	payload:
//	  docIDs   first uvarint, then ascending deltas
//	  per dim: prefixLen uvarint, shared prefix bytes
//	  per point, per dim: suffix bytes
//
// Points are sorted by docID (ties by packed value) before encoding so the
// delta encoding stays compact.
const leafFlagCompressed = 1 << 0

// Shared zstd coders. EncodeAll/DecodeAll are safe for concurrent use.
var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
)

func zstdCoders() (*zstd.Encoder, *zstd.Decoder) {
	zstdOnce.Do(func() {
		// Both constructors only fail on invalid options.
		zstdEnc, _ = zstd.NewWriter(nil)
		zstdDec, _ = zstd.NewReader(nil)
	})
	return zstdEnc, zstdDec
}

// leafBlock is a decoded leaf: parallel docIDs and packed values in docID
// order. Blocks are immutable once decoded and may be shared via the leaf
// cache.
type leafBlock struct {
	docIDs []int32
	values []byte
}

func (b *leafBlock) count() int { return len(b.docIDs) }

func (b *leafBlock) value(i, packedBytes int) []byte {
	return b.values[i*packedBytes : (i+1)*packedBytes]
}

func (b *leafBlock) sizeBytes() int64 {
	return int64(len(b.values)) + int64(4*len(b.docIDs)) + 48
}

// writeLeaf serializes one leaf. docIDs and values must already be in docID
// order; scratch is reused across leaves.
func writeLeaf(out store.IndexOutput, cfg Config, docIDs []int32, values []byte, compress bool, scratch *bytes.Buffer) error {
	count := len(docIDs)
	if count == 0 || count > cfg.MaxPointsInLeafNode {
		return fmt.Errorf("bkd: leaf point count %d outside [1, %d]", count, cfg.MaxPointsInLeafNode)
	}
	if err := codec.WriteUvarint(out, uint64(count)); err != nil {
		return err
	}

	scratch.Reset()
	if err := encodeLeafPayload(scratch, cfg, docIDs, values); err != nil {
		return err
	}
	payload := scratch.Bytes()

	flags := byte(0)
	if compress {
		enc, _ := zstdCoders()
		if c := enc.EncodeAll(payload, nil); len(c) < len(payload) {
			payload = c
			flags = leafFlagCompressed
		}
	}

	if err := out.WriteByte(flags); err != nil {
		return err
	}
	if err := codec.WriteUvarint(out, uint64(len(payload))); err != nil {
		return err
	}
	_, err := out.Write(payload)
	return err
}

func encodeLeafPayload(buf *bytes.Buffer, cfg Config, docIDs []int32, values []byte) error {
	count := len(docIDs)
	packed := cfg.PackedBytes()

	if err := codec.WriteUvarint(buf, uint64(docIDs[0])); err != nil {
		return err
	}
	for i := 1; i < count; i++ {
		delta := docIDs[i] - docIDs[i-1]
		if delta < 0 {
			return fmt.Errorf("bkd: leaf docIDs not sorted: %d after %d", docIDs[i], docIDs[i-1])
		}
		if err := codec.WriteUvarint(buf, uint64(delta)); err != nil {
			return err
		}
	}

	prefixLens := make([]int, cfg.NumDims)
	for d := 0; d < cfg.NumDims; d++ {
		o := d * cfg.BytesPerDim
		first := values[o : o+cfg.BytesPerDim]
		prefix := cfg.BytesPerDim
		for i := 1; i < count && prefix > 0; i++ {
			v := values[i*packed+o : i*packed+o+cfg.BytesPerDim]
			prefix = commonPrefix(first[:prefix], v[:prefix])
		}
		prefixLens[d] = prefix
		if err := codec.WriteUvarint(buf, uint64(prefix)); err != nil {
			return err
		}
		buf.Write(first[:prefix])
	}

	for i := 0; i < count; i++ {
		for d := 0; d < cfg.NumDims; d++ {
			o := i*packed + d*cfg.BytesPerDim
			buf.Write(values[o+prefixLens[d] : o+cfg.BytesPerDim])
		}
	}
	return nil
}

func commonPrefix(a, b []byte) int {
	n := 0
	for n < len(a) && a[n] == b[n] {
		n++
	}
	return n
}

// readLeaf decodes one leaf block at the input's current position.
func readLeaf(in store.IndexInput, cfg Config) (*leafBlock, error) {
	count64, err := codec.ReadUvarint(in)
	if err != nil {
		return nil, fmt.Errorf("%w: reading leaf count: %w", codec.ErrCorruption, err)
	}
	count := int(count64)
	if count < 1 || count > cfg.MaxPointsInLeafNode {
		return nil, fmt.Errorf("%w: leaf point count %d outside [1, %d]", codec.ErrCorruption, count, cfg.MaxPointsInLeafNode)
	}

	flags, err := in.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: reading leaf flags: %w", codec.ErrCorruption, err)
	}
	if flags&^byte(leafFlagCompressed) != 0 {
		return nil, fmt.Errorf("%w: unknown leaf flags 0x%02x", codec.ErrCorruption, flags)
	}

	payloadLen, err := codec.ReadUvarint(in)
	if err != nil {
		return nil, fmt.Errorf("%w: reading leaf payload length: %w", codec.ErrCorruption, err)
	}
	if payloadLen > uint64(in.Length()-in.FilePointer()) {
		return nil, fmt.Errorf("%w: leaf payload length %d exceeds remaining file", codec.ErrCorruption, payloadLen)
	}
	payload := make([]byte, payloadLen)
	if _, err := readFull(in, payload); err != nil {
		return nil, fmt.Errorf("%w: reading leaf payload: %w", codec.ErrCorruption, err)
	}

	if flags&leafFlagCompressed != 0 {
		_, dec := zstdCoders()
		payload, err = dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompressing leaf payload: %w", codec.ErrCorruption, err)
		}
	}

	return decodeLeafPayload(payload, cfg, count)
}

func decodeLeafPayload(payload []byte, cfg Config, count int) (*leafBlock, error) {
	packed := cfg.PackedBytes()
	p := store.NewSliceInput(payload)

	// Each docID takes at least one payload byte, so count is bounded by the
	// payload before it drives any allocation.
	if count > len(payload) {
		return nil, fmt.Errorf("%w: leaf count %d exceeds %d-byte payload", codec.ErrCorruption, count, len(payload))
	}
	docIDs := make([]int32, count)
	first, err := codec.ReadUvarint(p)
	if err != nil || first > uint64(1<<31-1) {
		return nil, fmt.Errorf("%w: bad leaf docID encoding", codec.ErrCorruption)
	}
	docIDs[0] = int32(first)
	for i := 1; i < count; i++ {
		delta, err := codec.ReadUvarint(p)
		if err != nil {
			return nil, fmt.Errorf("%w: bad leaf docID encoding: %w", codec.ErrCorruption, err)
		}
		next := int64(docIDs[i-1]) + int64(delta)
		if next > 1<<31-1 {
			return nil, fmt.Errorf("%w: leaf docID overflow", codec.ErrCorruption)
		}
		docIDs[i] = int32(next)
	}

	prefixLens := make([]int, cfg.NumDims)
	prefixes := make([]byte, 0, packed)
	prefixOffsets := make([]int, cfg.NumDims)
	for d := 0; d < cfg.NumDims; d++ {
		n, err := codec.ReadUvarint(p)
		if err != nil || n > uint64(cfg.BytesPerDim) {
			return nil, fmt.Errorf("%w: bad leaf prefix length", codec.ErrCorruption)
		}
		prefixLens[d] = int(n)
		prefixOffsets[d] = len(prefixes)
		buf := make([]byte, n)
		if _, err := readFull(p, buf); err != nil {
			return nil, fmt.Errorf("%w: reading leaf prefix: %w", codec.ErrCorruption, err)
		}
		prefixes = append(prefixes, buf...)
	}

	values := make([]byte, count*packed)
	for i := 0; i < count; i++ {
		for d := 0; d < cfg.NumDims; d++ {
			o := i*packed + d*cfg.BytesPerDim
			pl := prefixLens[d]
			copy(values[o:o+pl], prefixes[prefixOffsets[d]:prefixOffsets[d]+pl])
			if _, err := readFull(p, values[o+pl:o+cfg.BytesPerDim]); err != nil {
				return nil, fmt.Errorf("%w: reading leaf suffix: %w", codec.ErrCorruption, err)
			}
		}
	}
	if p.FilePointer() != p.Length() {
		return nil, fmt.Errorf("%w: %d trailing bytes in leaf payload", codec.ErrCorruption, p.Length()-p.FilePointer())
	}

	return &leafBlock{docIDs: docIDs, values: values}, nil
}

func readFull(in store.DataInput, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := in.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
