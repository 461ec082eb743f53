package bkd

import (
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/hupe1980/bkdgo/codec"
	"github.com/hupe1980/bkdgo/store"
)

var readerIDs atomic.Uint64

// Reader navigates one field's tree. Construction reads only the tree
// metadata, leaf pointers and packed split records; leaf blocks stay on disk
// until a query touches them. A Reader is immutable and safe for unlimited
// concurrent Intersect calls.
type Reader struct {
	id  uint64
	in  store.IndexInput
	cfg Config

	numLeaves  int
	minPacked  []byte
	maxPacked  []byte
	pointCount int64
	docCount   int

	leafFPs []int64
	splits  []byte // fixed-size split records, depth-first order
	recSize int

	cache *LeafCache
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithLeafCache shares a decoded-leaf cache across readers of one data file.
func WithLeafCache(c *LeafCache) ReaderOption {
	return func(r *Reader) { r.cache = c }
}

// NewReader opens the tree whose metadata starts at fp in the given input.
// The input is retained and cloned per query; the caller keeps ownership and
// closes it after all readers are done.
func NewReader(in store.IndexInput, fp int64, opts ...ReaderOption) (*Reader, error) {
	r := &Reader{
		id: readerIDs.Add(1),
		in: in,
	}
	for _, opt := range opts {
		opt(r)
	}

	meta := in.Clone()
	if err := meta.Seek(fp); err != nil {
		return nil, err
	}

	var header [4]uint64
	for i := range header {
		v, err := codec.ReadUvarint(meta)
		if err != nil {
			return nil, fmt.Errorf("%w: reading tree metadata: %w", codec.ErrCorruption, err)
		}
		header[i] = v
	}
	r.cfg = Config{
		NumDims:             int(header[0]),
		BytesPerDim:         int(header[1]),
		MaxPointsInLeafNode: int(header[2]),
	}
	if err := r.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", codec.ErrCorruption, err)
	}
	// The metadata is untrusted until the deferred full checksum runs, so
	// every size it claims is bounded against the file length before it can
	// drive an allocation.
	length := in.Length()
	if int64(r.cfg.BytesPerDim) > length {
		return nil, fmt.Errorf("%w: bytesPerDim %d exceeds %d-byte file", codec.ErrCorruption, r.cfg.BytesPerDim, length)
	}
	r.numLeaves = int(header[3])
	if r.numLeaves < 1 {
		return nil, fmt.Errorf("%w: tree has %d leaves", codec.ErrCorruption, r.numLeaves)
	}
	r.recSize = splitRecordFixed + r.cfg.BytesPerDim
	// Every leaf needs at least one stored byte and every split record
	// recSize bytes, so both counts are bounded by the file length.
	if int64(r.numLeaves) > length || int64(r.numLeaves-1) > length/int64(r.recSize) {
		return nil, fmt.Errorf("%w: tree claims %d leaves in a %d-byte file", codec.ErrCorruption, r.numLeaves, length)
	}

	packed := r.cfg.PackedBytes()
	r.minPacked = make([]byte, packed)
	r.maxPacked = make([]byte, packed)
	if _, err := readFull(meta, r.minPacked); err != nil {
		return nil, fmt.Errorf("%w: reading min packed value: %w", codec.ErrCorruption, err)
	}
	if _, err := readFull(meta, r.maxPacked); err != nil {
		return nil, fmt.Errorf("%w: reading max packed value: %w", codec.ErrCorruption, err)
	}

	pointCount, err := codec.ReadUvarint(meta)
	if err != nil {
		return nil, fmt.Errorf("%w: reading point count: %w", codec.ErrCorruption, err)
	}
	r.pointCount = int64(pointCount)
	docCount, err := codec.ReadUvarint(meta)
	if err != nil {
		return nil, fmt.Errorf("%w: reading doc count: %w", codec.ErrCorruption, err)
	}
	r.docCount = int(docCount)

	r.leafFPs = make([]int64, r.numLeaves)
	var prev int64
	for i := range r.leafFPs {
		delta, err := codec.ReadUvarint(meta)
		if err != nil {
			return nil, fmt.Errorf("%w: reading leaf pointers: %w", codec.ErrCorruption, err)
		}
		prev += int64(delta)
		r.leafFPs[i] = prev
	}

	r.splits = make([]byte, (r.numLeaves-1)*r.recSize)
	if _, err := readFull(meta, r.splits); err != nil {
		return nil, fmt.Errorf("%w: reading split records: %w", codec.ErrCorruption, err)
	}
	return r, nil
}

// Config returns the tree's shape.
func (r *Reader) Config() Config { return r.cfg }

// NumDims returns the number of dimensions per point.
func (r *Reader) NumDims() int { return r.cfg.NumDims }

// BytesPerDim returns the encoded width of one dimension value.
func (r *Reader) BytesPerDim() int { return r.cfg.BytesPerDim }

// PointCount returns the total number of indexed points.
func (r *Reader) PointCount() int64 { return r.pointCount }

// DocCount returns the number of distinct documents with at least one point.
func (r *Reader) DocCount() int { return r.docCount }

// MinPackedValue returns the per-dimension lower bound of the whole tree.
// The caller must not modify the returned slice.
func (r *Reader) MinPackedValue() []byte { return r.minPacked }

// MaxPackedValue returns the per-dimension upper bound of the whole tree.
// The caller must not modify the returned slice.
func (r *Reader) MaxPackedValue() []byte { return r.maxPacked }

// RAMBytesUsed implements Accountable: the resident tree metadata, not the
// on-disk leaves.
func (r *Reader) RAMBytesUsed() int64 {
	return int64(len(r.minPacked)+len(r.maxPacked)+len(r.splits)) + int64(8*len(r.leafFPs)) + 96
}

// intersectState carries the per-query cursor so concurrent traversals
// share nothing mutable.
type intersectState struct {
	in store.IndexInput
}

// Intersect traverses the tree, pruning subtrees whose bounding box the
// visitor reports as outside the query. Traversal runs to completion unless
// the visitor returns an error, which propagates unchanged.
func (r *Reader) Intersect(visitor IntersectVisitor) error {
	s := &intersectState{in: r.in.Clone()}
	cellMin := slices.Clone(r.minPacked)
	cellMax := slices.Clone(r.maxPacked)
	return r.intersect(s, visitor, 0, 0, r.numLeaves, cellMin, cellMax)
}

func (r *Reader) splitRecord(recIdx int) (splitDim, leftLeaves int, splitValue []byte) {
	rec := r.splits[recIdx*r.recSize : (recIdx+1)*r.recSize]
	splitDim = int(rec[0])
	leftLeaves = int(uint32(rec[1])<<24 | uint32(rec[2])<<16 | uint32(rec[3])<<8 | uint32(rec[4]))
	splitValue = rec[splitRecordFixed:]
	return splitDim, leftLeaves, splitValue
}

func (r *Reader) intersect(s *intersectState, visitor IntersectVisitor, recIdx, leafOffset, numLeaves int, cellMin, cellMax []byte) error {
	switch visitor.Compare(cellMin, cellMax) {
	case CellOutsideQuery:
		return nil
	case CellInsideQuery:
		return r.addAll(s, visitor, leafOffset, numLeaves)
	}

	if numLeaves == 1 {
		return r.visitLeaf(s, visitor, leafOffset, true)
	}

	splitDim, leftLeaves, splitValue := r.splitRecord(recIdx)
	if splitDim >= r.cfg.NumDims || leftLeaves < 1 || leftLeaves >= numLeaves {
		return fmt.Errorf("%w: bad split record %d (dim=%d leftLeaves=%d of %d)", codec.ErrCorruption, recIdx, splitDim, leftLeaves, numLeaves)
	}
	o := splitDim * r.cfg.BytesPerDim
	saved := make([]byte, r.cfg.BytesPerDim)

	// Left subtree: values on splitDim <= splitValue.
	copy(saved, cellMax[o:])
	copy(cellMax[o:o+r.cfg.BytesPerDim], splitValue)
	err := r.intersect(s, visitor, recIdx+1, leafOffset, leftLeaves, cellMin, cellMax)
	copy(cellMax[o:], saved)
	if err != nil {
		return err
	}

	// Right subtree: values on splitDim >= splitValue.
	copy(saved, cellMin[o:])
	copy(cellMin[o:o+r.cfg.BytesPerDim], splitValue)
	err = r.intersect(s, visitor, recIdx+leftLeaves, leafOffset+leftLeaves, numLeaves-leftLeaves, cellMin, cellMax)
	copy(cellMin[o:], saved)
	return err
}

// addAll streams the docIDs of every leaf in [leafOffset, leafOffset+n)
// without value tests; the enclosing cell is fully inside the query.
func (r *Reader) addAll(s *intersectState, visitor IntersectVisitor, leafOffset, n int) error {
	for i := leafOffset; i < leafOffset+n; i++ {
		if err := r.visitLeaf(s, visitor, i, false); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) visitLeaf(s *intersectState, visitor IntersectVisitor, leafIdx int, testValues bool) error {
	blk, err := r.loadLeaf(s, leafIdx)
	if err != nil {
		return err
	}
	if testValues {
		packed := r.cfg.PackedBytes()
		for i, docID := range blk.docIDs {
			if err := visitor.VisitValue(int(docID), blk.value(i, packed)); err != nil {
				return err
			}
		}
		return nil
	}
	for _, docID := range blk.docIDs {
		if err := visitor.Visit(int(docID)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) loadLeaf(s *intersectState, leafIdx int) (*leafBlock, error) {
	fp := r.leafFPs[leafIdx]
	if r.cache != nil {
		if blk, ok := r.cache.get(r.id, fp); ok {
			return blk, nil
		}
	}
	if err := s.in.Seek(fp); err != nil {
		return nil, err
	}
	blk, err := readLeaf(s.in, r.cfg)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.set(r.id, fp, blk)
	}
	return blk, nil
}
