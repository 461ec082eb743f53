package bkd

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"math/bits"
	"runtime"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/bkdgo/codec"
	"github.com/hupe1980/bkdgo/store"
)

// splitRecordFixed is the per-record overhead before the split value:
// split dimension (1) + left-subtree leaf count (4, big-endian).
const splitRecordFixed = 5

// Writer builds one field's tree from a complete batch of points. It is
// used by a single goroutine; Finish may fan the partition phase out
// internally, but the bytes written are identical regardless.
type Writer struct {
	cfg        Config
	logger     *slog.Logger
	compress   bool
	maxWorkers int

	values   []byte // packed points, appended
	docIDs   []int32
	docsSeen *roaring.Bitmap
	finished bool
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithCompression enables zstd compression of leaf payloads. Blocks that do
// not shrink are stored raw.
func WithCompression() WriterOption {
	return func(w *Writer) { w.compress = true }
}

// WithLogger sets the logger for build statistics. Defaults to discard.
func WithLogger(logger *slog.Logger) WriterOption {
	return func(w *Writer) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithMaxWorkers bounds the goroutines used while partitioning. n <= 1
// disables parallelism. Defaults to GOMAXPROCS.
func WithMaxWorkers(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.maxWorkers = n
		}
	}
}

// NewWriter returns a Writer for one field.
func NewWriter(cfg Config, opts ...WriterOption) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := &Writer{
		cfg:        cfg,
		logger:     slog.New(slog.DiscardHandler),
		maxWorkers: runtime.GOMAXPROCS(0),
		docsSeen:   roaring.New(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Add buffers one point. packedValue must be exactly PackedBytes long; it is
// copied. A document may contribute multiple points.
func (w *Writer) Add(packedValue []byte, docID int) error {
	if w.finished {
		return ErrFinished
	}
	if len(packedValue) != w.cfg.PackedBytes() {
		return fmt.Errorf("bkd: packed value must be %d bytes, got %d", w.cfg.PackedBytes(), len(packedValue))
	}
	if docID < 0 || docID > math.MaxInt32 {
		return fmt.Errorf("bkd: docID %d out of range", docID)
	}
	w.values = append(w.values, packedValue...)
	w.docIDs = append(w.docIDs, int32(docID))
	w.docsSeen.Add(uint32(docID))
	return nil
}

// PointCount returns the number of points added so far.
func (w *Writer) PointCount() int64 { return int64(len(w.docIDs)) }

// Finish builds the tree and appends it to out: all leaf blocks first, then
// the tree metadata and the packed split records. It returns the file
// pointer of the metadata, which the field index records for the reader.
// Finish fails with ErrNoPoints when nothing was added.
func (w *Writer) Finish(out store.IndexOutput) (int64, error) {
	if w.finished {
		return 0, ErrFinished
	}
	w.finished = true

	count := len(w.docIDs)
	if count == 0 {
		return 0, ErrNoPoints
	}
	start := time.Now()

	packed := w.cfg.PackedBytes()
	leafSize := w.cfg.MaxPointsInLeafNode
	numLeaves := (count + leafSize - 1) / leafSize

	b := &builder{
		cfg:     w.cfg,
		packed:  packed,
		values:  w.values,
		docIDs:  w.docIDs,
		recSize: splitRecordFixed + w.cfg.BytesPerDim,
		splits:  make([]byte, (numLeaves-1)*(splitRecordFixed+w.cfg.BytesPerDim)),
	}
	if w.maxWorkers > 1 {
		b.parallelDepth = bits.Len(uint(w.maxWorkers - 1))
	}

	minPacked, maxPacked := b.bounds(0, count)

	if err := b.build(0, numLeaves, 0, count, 0); err != nil {
		return 0, err
	}

	// Leaves are written in leaf order; leaf i owns points
	// [i*leafSize, min((i+1)*leafSize, count)), with only the last one partial.
	leafFPs := make([]int64, numLeaves)
	var scratch bytes.Buffer
	for i := 0; i < numLeaves; i++ {
		lo := i * leafSize
		hi := lo + leafSize
		if hi > count {
			hi = count
		}
		leafFPs[i] = out.FilePointer()
		if err := writeLeaf(out, w.cfg, w.docIDs[lo:hi], w.values[lo*packed:hi*packed], w.compress, &scratch); err != nil {
			return 0, err
		}
	}

	fp := out.FilePointer()
	if err := w.writeMeta(out, numLeaves, minPacked, maxPacked, leafFPs, b.splits); err != nil {
		return 0, err
	}

	w.logger.Debug("bkd tree built",
		"points", count,
		"leaves", numLeaves,
		"num_dims", w.cfg.NumDims,
		"bytes_per_dim", w.cfg.BytesPerDim,
		"elapsed", time.Since(start),
	)
	return fp, nil
}

func (w *Writer) writeMeta(out store.IndexOutput, numLeaves int, minPacked, maxPacked []byte, leafFPs []int64, splits []byte) error {
	for _, v := range []uint64{
		uint64(w.cfg.NumDims),
		uint64(w.cfg.BytesPerDim),
		uint64(w.cfg.MaxPointsInLeafNode),
		uint64(numLeaves),
	} {
		if err := codec.WriteUvarint(out, v); err != nil {
			return err
		}
	}
	if _, err := out.Write(minPacked); err != nil {
		return err
	}
	if _, err := out.Write(maxPacked); err != nil {
		return err
	}
	if err := codec.WriteUvarint(out, uint64(len(w.docIDs))); err != nil {
		return err
	}
	if err := codec.WriteUvarint(out, w.docsSeen.GetCardinality()); err != nil {
		return err
	}
	// Leaf pointers ascend; store the first absolute, then deltas.
	if err := codec.WriteUvarint(out, uint64(leafFPs[0])); err != nil {
		return err
	}
	for i := 1; i < numLeaves; i++ {
		if err := codec.WriteUvarint(out, uint64(leafFPs[i]-leafFPs[i-1])); err != nil {
			return err
		}
	}
	_, err := out.Write(splits)
	return err
}

// builder runs the recursive partition over the shared point buffers.
// Recursive calls operate on disjoint ranges and disjoint split-record
// slots, so parallel subtrees never race.
type builder struct {
	cfg           Config
	packed        int
	values        []byte
	docIDs        []int32
	splits        []byte
	recSize       int
	parallelDepth int
}

func (b *builder) point(i int) []byte {
	return b.values[i*b.packed : (i+1)*b.packed]
}

func (b *builder) dim(i, d int) []byte {
	o := i*b.packed + d*b.cfg.BytesPerDim
	return b.values[o : o+b.cfg.BytesPerDim]
}

// build partitions points [start, end) into numLeaves leaves, filling split
// records starting at preorder index recIdx. The left child of record i is
// record i+1; the right child is record i+leftLeaves.
func (b *builder) build(recIdx, numLeaves, start, end, depth int) error {
	if numLeaves == 1 {
		b.sortLeaf(start, end)
		return nil
	}

	splitDim := b.chooseSplitDim(start, end)
	leftLeaves := numLeaves / 2
	mid := start + leftLeaves*b.cfg.MaxPointsInLeafNode
	b.selectKth(start, end, mid, splitDim)

	rec := b.splits[recIdx*b.recSize : (recIdx+1)*b.recSize]
	rec[0] = byte(splitDim)
	binary.BigEndian.PutUint32(rec[1:splitRecordFixed], uint32(leftLeaves))
	copy(rec[splitRecordFixed:], b.dim(mid, splitDim))

	if depth < b.parallelDepth {
		g := new(errgroup.Group)
		g.Go(func() error {
			return b.build(recIdx+1, leftLeaves, start, mid, depth+1)
		})
		g.Go(func() error {
			return b.build(recIdx+leftLeaves, numLeaves-leftLeaves, mid, end, depth+1)
		})
		return g.Wait()
	}
	if err := b.build(recIdx+1, leftLeaves, start, mid, depth+1); err != nil {
		return err
	}
	return b.build(recIdx+leftLeaves, numLeaves-leftLeaves, mid, end, depth+1)
}

// bounds computes the per-dimension min and max over points [start, end).
func (b *builder) bounds(start, end int) (minPacked, maxPacked []byte) {
	minPacked = append([]byte(nil), b.point(start)...)
	maxPacked = append([]byte(nil), b.point(start)...)
	bpd := b.cfg.BytesPerDim
	for i := start + 1; i < end; i++ {
		for d := 0; d < b.cfg.NumDims; d++ {
			o := d * bpd
			v := b.dim(i, d)
			if bytes.Compare(v, minPacked[o:o+bpd]) < 0 {
				copy(minPacked[o:o+bpd], v)
			} else if bytes.Compare(v, maxPacked[o:o+bpd]) > 0 {
				copy(maxPacked[o:o+bpd], v)
			}
		}
	}
	return minPacked, maxPacked
}

// chooseSplitDim picks the dimension with the widest value range in
// [start, end): the earliest byte where min and max diverge wins, ties go to
// the larger byte difference, then the lower dimension. Degenerate subsets
// (all dimensions constant) fall back to dimension 0; recursion still
// terminates because it always reduces the point count.
func (b *builder) chooseSplitDim(start, end int) int {
	minPacked, maxPacked := b.bounds(start, end)
	bpd := b.cfg.BytesPerDim

	best := 0
	bestMismatch := bpd // equal min/max
	bestDiff := 0
	for d := 0; d < b.cfg.NumDims; d++ {
		o := d * bpd
		m := commonPrefix(minPacked[o:o+bpd], maxPacked[o:o+bpd])
		if m == bpd {
			continue
		}
		diff := int(maxPacked[o+m]) - int(minPacked[o+m])
		if m < bestMismatch || (m == bestMismatch && diff > bestDiff) {
			best = d
			bestMismatch = m
			bestDiff = diff
		}
	}
	return best
}

// less orders points by the split dimension, then the full packed value,
// then docID, so partitioning is deterministic even with duplicates.
func (b *builder) less(i, j, splitDim int) bool {
	if c := bytes.Compare(b.dim(i, splitDim), b.dim(j, splitDim)); c != 0 {
		return c < 0
	}
	if c := bytes.Compare(b.point(i), b.point(j)); c != 0 {
		return c < 0
	}
	return b.docIDs[i] < b.docIDs[j]
}

func (b *builder) swapPoints(i, j int, tmp []byte) {
	if i == j {
		return
	}
	b.docIDs[i], b.docIDs[j] = b.docIDs[j], b.docIDs[i]
	pi, pj := b.point(i), b.point(j)
	copy(tmp, pi)
	copy(pi, pj)
	copy(pj, tmp)
}

// selectKth partially orders [start, end) so that the k-th smallest point
// under less sits at index k, everything before it compares smaller and
// everything after compares larger.
func (b *builder) selectKth(start, end, k, splitDim int) {
	tmp := make([]byte, b.packed)
	lo, hi := start, end-1
	for lo < hi {
		p := b.partition(lo, hi, splitDim, tmp)
		switch {
		case k == p:
			return
		case k < p:
			hi = p - 1
		default:
			lo = p + 1
		}
	}
}

// partition is a Lomuto partition with a median-of-three pivot.
func (b *builder) partition(lo, hi, splitDim int, tmp []byte) int {
	mid := lo + (hi-lo)/2
	if b.less(mid, lo, splitDim) {
		b.swapPoints(mid, lo, tmp)
	}
	if b.less(hi, lo, splitDim) {
		b.swapPoints(hi, lo, tmp)
	}
	if b.less(hi, mid, splitDim) {
		b.swapPoints(hi, mid, tmp)
	}
	b.swapPoints(mid, hi, tmp)

	i := lo
	for j := lo; j < hi; j++ {
		if b.less(j, hi, splitDim) {
			b.swapPoints(i, j, tmp)
			i++
		}
	}
	b.swapPoints(i, hi, tmp)
	return i
}

// sortLeaf orders a leaf's points by docID (ties by value) for compact
// delta encoding.
func (b *builder) sortLeaf(start, end int) {
	sort.Sort(&leafSorter{b: b, start: start, n: end - start, tmp: make([]byte, b.packed)})
}

type leafSorter struct {
	b        *builder
	start, n int
	tmp      []byte
}

func (s *leafSorter) Len() int { return s.n }

func (s *leafSorter) Less(i, j int) bool {
	bi, bj := s.start+i, s.start+j
	if s.b.docIDs[bi] != s.b.docIDs[bj] {
		return s.b.docIDs[bi] < s.b.docIDs[bj]
	}
	return bytes.Compare(s.b.point(bi), s.b.point(bj)) < 0
}

func (s *leafSorter) Swap(i, j int) {
	s.b.swapPoints(s.start+i, s.start+j, s.tmp)
}
