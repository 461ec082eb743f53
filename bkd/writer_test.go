package bkd

import (
	"bytes"
	"errors"
	"fmt"
	"math/bits"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bkdgo/codec"
	"github.com/hupe1980/bkdgo/store"
)

type testPoint struct {
	docID int
	vals  []int32
}

func packPoint(cfg Config, vals []int32) []byte {
	packed := make([]byte, cfg.PackedBytes())
	for d, v := range vals {
		EncodeInt32(v, packed[d*cfg.BytesPerDim:])
	}
	return packed
}

// buildTree writes a tree of the given points into a fresh directory and
// opens a reader over it.
func buildTree(t *testing.T, cfg Config, points []testPoint, wOpts []WriterOption, rOpts []ReaderOption) (*Reader, string) {
	t.Helper()
	path := t.TempDir()
	dir, err := store.NewFSDirectory(path)
	require.NoError(t, err)

	w, err := NewWriter(cfg, wOpts...)
	require.NoError(t, err)
	for _, p := range points {
		require.NoError(t, w.Add(packPoint(cfg, p.vals), p.docID))
	}

	out, err := dir.CreateOutput("tree.bin")
	require.NoError(t, err)
	fp, err := w.Finish(out)
	require.NoError(t, err)
	require.NoError(t, out.Close())

	in, err := dir.OpenInput("tree.bin")
	require.NoError(t, err)
	t.Cleanup(func() { in.Close() })

	r, err := NewReader(in, fp, rOpts...)
	require.NoError(t, err)
	return r, filepath.Join(path, "tree.bin")
}

// collectRange runs an inclusive box query and returns the matching docIDs.
func collectRange(t *testing.T, r *Reader, minVals, maxVals []int32) []uint32 {
	t.Helper()
	collector := NewBitmapCollector()
	v, err := NewRangeVisitor(r.Config(), packPoint(r.Config(), minVals), packPoint(r.Config(), maxVals), collector.Collect)
	require.NoError(t, err)
	require.NoError(t, r.Intersect(v))
	return collector.Bitmap().ToArray()
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"valid", Config{NumDims: 2, BytesPerDim: 4, MaxPointsInLeafNode: 512}, true},
		{"zero dims", Config{NumDims: 0, BytesPerDim: 4, MaxPointsInLeafNode: 512}, false},
		{"too many dims", Config{NumDims: MaxNumDims + 1, BytesPerDim: 4, MaxPointsInLeafNode: 512}, false},
		{"zero bytes per dim", Config{NumDims: 1, BytesPerDim: 0, MaxPointsInLeafNode: 512}, false},
		{"zero leaf size", Config{NumDims: 1, BytesPerDim: 4, MaxPointsInLeafNode: 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestWriterValidation(t *testing.T) {
	cfg := Config{NumDims: 1, BytesPerDim: 4, MaxPointsInLeafNode: 4}

	t.Run("InvalidConfig", func(t *testing.T) {
		_, err := NewWriter(Config{})
		assert.Error(t, err)
	})

	t.Run("WrongPackedLength", func(t *testing.T) {
		w, err := NewWriter(cfg)
		require.NoError(t, err)
		assert.Error(t, w.Add(make([]byte, 3), 0))
	})

	t.Run("NegativeDocID", func(t *testing.T) {
		w, err := NewWriter(cfg)
		require.NoError(t, err)
		assert.Error(t, w.Add(make([]byte, 4), -1))
	})

	t.Run("EmptyFinish", func(t *testing.T) {
		dir, err := store.NewFSDirectory(t.TempDir())
		require.NoError(t, err)
		out, err := dir.CreateOutput("empty.bin")
		require.NoError(t, err)
		defer out.Close()

		w, err := NewWriter(cfg)
		require.NoError(t, err)
		_, err = w.Finish(out)
		assert.ErrorIs(t, err, ErrNoPoints)
	})

	t.Run("UseAfterFinish", func(t *testing.T) {
		dir, err := store.NewFSDirectory(t.TempDir())
		require.NoError(t, err)
		out, err := dir.CreateOutput("done.bin")
		require.NoError(t, err)
		defer out.Close()

		w, err := NewWriter(cfg)
		require.NoError(t, err)
		require.NoError(t, w.Add(make([]byte, 4), 0))
		_, err = w.Finish(out)
		require.NoError(t, err)

		assert.ErrorIs(t, w.Add(make([]byte, 4), 1), ErrFinished)
		_, err = w.Finish(out)
		assert.ErrorIs(t, err, ErrFinished)
	})
}

func TestSinglePoint(t *testing.T) {
	cfg := Config{NumDims: 2, BytesPerDim: 4, MaxPointsInLeafNode: 8}
	r, _ := buildTree(t, cfg, []testPoint{{docID: 42, vals: []int32{7, -3}}}, nil, nil)

	assert.Equal(t, int64(1), r.PointCount())
	assert.Equal(t, 1, r.DocCount())
	assert.Equal(t, packPoint(cfg, []int32{7, -3}), r.MinPackedValue())
	assert.Equal(t, packPoint(cfg, []int32{7, -3}), r.MaxPackedValue())

	assert.Equal(t, []uint32{42}, collectRange(t, r, []int32{0, -10}, []int32{10, 0}))
	assert.Empty(t, collectRange(t, r, []int32{8, -10}, []int32{10, 0}))
}

// recordingVisitor wraps another visitor and records which docIDs arrived
// through the value-testing path.
type recordingVisitor struct {
	inner  IntersectVisitor
	tested []int
}

func (v *recordingVisitor) Visit(docID int) error { return v.inner.Visit(docID) }

func (v *recordingVisitor) VisitValue(docID int, packedValue []byte) error {
	v.tested = append(v.tested, docID)
	return v.inner.VisitValue(docID, packedValue)
}

func (v *recordingVisitor) Compare(minPacked, maxPacked []byte) Relation {
	return v.inner.Compare(minPacked, maxPacked)
}

func TestRangeQueryPrunesSubtrees(t *testing.T) {
	cfg := Config{NumDims: 3, BytesPerDim: 4, MaxPointsInLeafNode: 2}
	r, _ := buildTree(t, cfg, []testPoint{
		{docID: 1, vals: []int32{0, 0, 0}},
		{docID: 2, vals: []int32{10, 10, 10}},
		{docID: 3, vals: []int32{5, 5, 5}},
	}, nil, nil)

	collector := NewBitmapCollector()
	inner, err := NewRangeVisitor(cfg, packPoint(cfg, []int32{0, 0, 0}), packPoint(cfg, []int32{5, 5, 5}), collector.Collect)
	require.NoError(t, err)
	rec := &recordingVisitor{inner: inner}
	require.NoError(t, r.Intersect(rec))

	assert.Equal(t, []uint32{1, 3}, collector.Bitmap().ToArray())
	// The leaf holding doc 2 sits in a pruned cell; its point is never
	// even value-tested.
	assert.NotContains(t, rec.tested, 2)
}

func TestIntersectMatchesBruteForce(t *testing.T) {
	cfg := Config{NumDims: 2, BytesPerDim: 4, MaxPointsInLeafNode: 16}
	rng := rand.New(rand.NewSource(42))

	points := make([]testPoint, 1000)
	for i := range points {
		points[i] = testPoint{
			docID: i,
			vals:  []int32{rng.Int31n(2000) - 1000, rng.Int31n(2000) - 1000},
		}
	}
	r, _ := buildTree(t, cfg, points, nil, nil)

	for q := 0; q < 50; q++ {
		lo := []int32{rng.Int31n(2000) - 1000, rng.Int31n(2000) - 1000}
		hi := []int32{lo[0] + rng.Int31n(800), lo[1] + rng.Int31n(800)}

		var want []uint32
		for _, p := range points {
			if p.vals[0] >= lo[0] && p.vals[0] <= hi[0] && p.vals[1] >= lo[1] && p.vals[1] <= hi[1] {
				want = append(want, uint32(p.docID))
			}
		}
		got := collectRange(t, r, lo, hi)
		if len(want) == 0 {
			assert.Empty(t, got, "query %d", q)
		} else {
			assert.Equal(t, want, got, "query %d", q)
		}
	}
}

// failOnValueTest asserts that the inside-query fast path never runs value
// comparisons.
type failOnValueTest struct {
	t    *testing.T
	docs []int
}

func (v *failOnValueTest) Visit(docID int) error {
	v.docs = append(v.docs, docID)
	return nil
}

func (v *failOnValueTest) VisitValue(docID int, packedValue []byte) error {
	v.t.Fatal("value test on a cell fully inside the query")
	return nil
}

func (v *failOnValueTest) Compare(minPacked, maxPacked []byte) Relation {
	return CellInsideQuery
}

func TestIntersectInsideFastPath(t *testing.T) {
	cfg := Config{NumDims: 1, BytesPerDim: 4, MaxPointsInLeafNode: 4}
	points := make([]testPoint, 33)
	for i := range points {
		points[i] = testPoint{docID: i, vals: []int32{int32(i)}}
	}
	r, _ := buildTree(t, cfg, points, nil, nil)

	v := &failOnValueTest{t: t}
	require.NoError(t, r.Intersect(v))
	assert.Len(t, v.docs, len(points))
}

func TestIntersectEarlyTermination(t *testing.T) {
	cfg := Config{NumDims: 1, BytesPerDim: 4, MaxPointsInLeafNode: 4}
	points := make([]testPoint, 100)
	for i := range points {
		points[i] = testPoint{docID: i, vals: []int32{int32(i)}}
	}
	r, _ := buildTree(t, cfg, points, nil, nil)

	stop := errors.New("enough")
	seen := 0
	v, err := NewRangeVisitor(cfg, packPoint(cfg, []int32{0}), packPoint(cfg, []int32{99}), func(docID int) error {
		seen++
		if seen == 5 {
			return stop
		}
		return nil
	})
	require.NoError(t, err)

	assert.ErrorIs(t, r.Intersect(v), stop)
	assert.Equal(t, 5, seen)
}

func TestRoundTripAllPoints(t *testing.T) {
	cfg := Config{NumDims: 2, BytesPerDim: 4, MaxPointsInLeafNode: 7}
	rng := rand.New(rand.NewSource(7))

	// Duplicate values and duplicate docIDs on purpose.
	points := make([]testPoint, 500)
	want := map[string]int{}
	for i := range points {
		p := testPoint{
			docID: rng.Intn(200),
			vals:  []int32{rng.Int31n(50), rng.Int31n(50)},
		}
		points[i] = p
		want[fmt.Sprintf("%d|%x", p.docID, packPoint(cfg, p.vals))]++
	}

	for _, compress := range []bool{false, true} {
		name := "Raw"
		var wOpts []WriterOption
		if compress {
			name = "Compressed"
			wOpts = append(wOpts, WithCompression())
		}
		t.Run(name, func(t *testing.T) {
			r, _ := buildTree(t, cfg, points, wOpts, nil)

			got := map[string]int{}
			require.NoError(t, r.Intersect(&multisetVisitor{cfg: cfg, got: got}))
			assert.Equal(t, want, got)
		})
	}
}

// multisetVisitor forces every cell onto the crossing path so every stored
// point surfaces with its packed value.
type multisetVisitor struct {
	cfg Config
	got map[string]int
}

func (v *multisetVisitor) Visit(docID int) error { return nil }

func (v *multisetVisitor) VisitValue(docID int, packedValue []byte) error {
	v.got[fmt.Sprintf("%d|%x", docID, packedValue)]++
	return nil
}

func (v *multisetVisitor) Compare(minPacked, maxPacked []byte) Relation {
	return CellCrossesQuery
}

func TestReaderMetadata(t *testing.T) {
	cfg := Config{NumDims: 2, BytesPerDim: 4, MaxPointsInLeafNode: 2}
	r, _ := buildTree(t, cfg, []testPoint{
		{docID: 10, vals: []int32{-5, 100}},
		{docID: 10, vals: []int32{3, -40}},
		{docID: 20, vals: []int32{0, 0}},
	}, nil, nil)

	assert.Equal(t, cfg, r.Config())
	assert.Equal(t, 2, r.NumDims())
	assert.Equal(t, 4, r.BytesPerDim())
	assert.Equal(t, int64(3), r.PointCount())
	// Two points share doc 10.
	assert.Equal(t, 2, r.DocCount())
	assert.Equal(t, packPoint(cfg, []int32{-5, -40}), r.MinPackedValue())
	assert.Equal(t, packPoint(cfg, []int32{3, 100}), r.MaxPackedValue())
	assert.Positive(t, r.RAMBytesUsed())
}

func TestDeterministicOutput(t *testing.T) {
	cfg := Config{NumDims: 2, BytesPerDim: 4, MaxPointsInLeafNode: 3}
	rng := rand.New(rand.NewSource(99))
	points := make([]testPoint, 300)
	for i := range points {
		points[i] = testPoint{docID: i, vals: []int32{rng.Int31n(100), rng.Int31n(100)}}
	}

	_, serial := buildTree(t, cfg, points, []WriterOption{WithMaxWorkers(1)}, nil)
	_, parallel := buildTree(t, cfg, points, []WriterOption{WithMaxWorkers(8)}, nil)

	serialBytes, err := os.ReadFile(serial)
	require.NoError(t, err)
	parallelBytes, err := os.ReadFile(parallel)
	require.NoError(t, err)
	assert.Equal(t, serialBytes, parallelBytes)
}

func TestLeafCache(t *testing.T) {
	cache, err := NewLeafCache(1 << 20)
	require.NoError(t, err)
	defer cache.Close()

	cfg := Config{NumDims: 1, BytesPerDim: 4, MaxPointsInLeafNode: 4}
	points := make([]testPoint, 64)
	for i := range points {
		points[i] = testPoint{docID: i, vals: []int32{int32(i)}}
	}
	r, _ := buildTree(t, cfg, points, nil, []ReaderOption{WithLeafCache(cache)})

	// Repeated queries return identical results whether leaves come from
	// disk or from the cache.
	first := collectRange(t, r, []int32{10}, []int32{20})
	second := collectRange(t, r, []int32{10}, []int32{20})
	assert.Equal(t, first, second)
	assert.Len(t, first, 11)
}

func TestLeafCacheValidation(t *testing.T) {
	_, err := NewLeafCache(0)
	assert.Error(t, err)
}

func TestReaderCorruptMetadata(t *testing.T) {
	cfg := Config{NumDims: 1, BytesPerDim: 4, MaxPointsInLeafNode: 2}
	points := []testPoint{
		{docID: 1, vals: []int32{1}},
		{docID: 2, vals: []int32{2}},
		{docID: 3, vals: []int32{3}},
	}
	path := t.TempDir()
	dir, err := store.NewFSDirectory(path)
	require.NoError(t, err)

	w, err := NewWriter(cfg)
	require.NoError(t, err)
	for _, p := range points {
		require.NoError(t, w.Add(packPoint(cfg, p.vals), p.docID))
	}
	out, err := dir.CreateOutput("tree.bin")
	require.NoError(t, err)
	fp, err := w.Finish(out)
	require.NoError(t, err)
	require.NoError(t, out.Close())

	// Zero out the dimension count at the head of the tree metadata.
	f, err := os.OpenFile(filepath.Join(path, "tree.bin"), os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0}, fp)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	in, err := dir.OpenInput("tree.bin")
	require.NoError(t, err)
	defer in.Close()
	_, err = NewReader(in, fp)
	assert.ErrorIs(t, err, codec.ErrCorruption)
}

// TestPartitionInvariants walks the packed split records and checks, for
// every internal node, that the left subtree's values on the split dimension
// never exceed the split value, the right subtree's never fall below it, and
// that the tree stays balanced.
func TestPartitionInvariants(t *testing.T) {
	cfg := Config{NumDims: 2, BytesPerDim: 4, MaxPointsInLeafNode: 5}
	rng := rand.New(rand.NewSource(1))
	points := make([]testPoint, 777)
	for i := range points {
		// A narrow value domain forces duplicates across split boundaries.
		points[i] = testPoint{docID: i, vals: []int32{rng.Int31n(40), rng.Int31n(40)}}
	}
	r, _ := buildTree(t, cfg, points, nil, nil)

	s := &intersectState{in: r.in.Clone()}
	maxDepth := 0

	bpd := cfg.BytesPerDim
	var walk func(recIdx, leafOffset, numLeaves, depth int) (lo, hi []byte)
	walk = func(recIdx, leafOffset, numLeaves, depth int) (lo, hi []byte) {
		if depth > maxDepth {
			maxDepth = depth
		}
		if numLeaves == 1 {
			blk, err := r.loadLeaf(s, leafOffset)
			require.NoError(t, err)
			b := &builder{cfg: cfg, packed: cfg.PackedBytes(), values: blk.values}
			return b.bounds(0, blk.count())
		}
		splitDim, leftLeaves, splitValue := r.splitRecord(recIdx)
		leftLo, leftHi := walk(recIdx+1, leafOffset, leftLeaves, depth+1)
		rightLo, rightHi := walk(recIdx+leftLeaves, leafOffset+leftLeaves, numLeaves-leftLeaves, depth+1)

		o := splitDim * bpd
		assert.LessOrEqual(t, bytes.Compare(leftHi[o:o+bpd], splitValue), 0,
			"left subtree exceeds split value at record %d", recIdx)
		assert.GreaterOrEqual(t, bytes.Compare(rightLo[o:o+bpd], splitValue), 0,
			"right subtree falls below split value at record %d", recIdx)

		lo = append([]byte(nil), leftLo...)
		hi = append([]byte(nil), leftHi...)
		for d := 0; d < cfg.NumDims; d++ {
			od := d * bpd
			if bytes.Compare(rightLo[od:od+bpd], lo[od:od+bpd]) < 0 {
				copy(lo[od:od+bpd], rightLo[od:od+bpd])
			}
			if bytes.Compare(rightHi[od:od+bpd], hi[od:od+bpd]) > 0 {
				copy(hi[od:od+bpd], rightHi[od:od+bpd])
			}
		}
		return lo, hi
	}
	walk(0, 0, r.numLeaves, 0)

	bound := bits.Len(uint(r.numLeaves-1)) + 1
	assert.LessOrEqual(t, maxDepth, bound, "tree depth %d exceeds balance bound %d for %d leaves", maxDepth, bound, r.numLeaves)
}

// TestReaderRejectsAbsurdMetadata feeds NewReader metadata whose claimed
// sizes cannot fit the file; each must surface as corruption before any
// allocation is attempted.
func TestReaderRejectsAbsurdMetadata(t *testing.T) {
	meta := func(t *testing.T, numDims, bytesPerDim, maxPoints, numLeaves uint64) store.IndexInput {
		t.Helper()
		var buf bytes.Buffer
		for _, v := range []uint64{numDims, bytesPerDim, maxPoints, numLeaves} {
			require.NoError(t, codec.WriteUvarint(&buf, v))
		}
		return store.NewSliceInput(buf.Bytes())
	}

	tests := []struct {
		name                                      string
		numDims, bytesPerDim, maxPoints, numLeaves uint64
	}{
		{"huge leaf count", 1, 4, 4, 1 << 60},
		{"leaf count beyond split arena", 1, 4, 4, 1000},
		{"huge bytes per dim", 1, 1 << 40, 4, 1},
		{"zero leaves", 1, 4, 4, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReader(meta(t, tt.numDims, tt.bytesPerDim, tt.maxPoints, tt.numLeaves), 0)
			assert.ErrorIs(t, err, codec.ErrCorruption)
		})
	}
}

func TestRangeVisitorValidation(t *testing.T) {
	cfg := Config{NumDims: 1, BytesPerDim: 4, MaxPointsInLeafNode: 2}

	_, err := NewRangeVisitor(cfg, make([]byte, 3), make([]byte, 4), func(int) error { return nil })
	assert.Error(t, err)

	_, err = NewRangeVisitor(cfg, make([]byte, 4), make([]byte, 4), nil)
	assert.Error(t, err)
}

func TestRelationString(t *testing.T) {
	assert.Equal(t, "CELL_INSIDE_QUERY", CellInsideQuery.String())
	assert.Equal(t, "CELL_CROSSES_QUERY", CellCrossesQuery.String())
	assert.Equal(t, "CELL_OUTSIDE_QUERY", CellOutsideQuery.String())
}
