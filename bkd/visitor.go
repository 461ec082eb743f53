package bkd

import (
	"bytes"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

// Relation locates a cell's bounding box relative to a query region.
type Relation int

const (
	// CellInsideQuery means every point in the cell matches the query.
	CellInsideQuery Relation = iota
	// CellCrossesQuery means the cell straddles the query boundary and its
	// points must be tested individually.
	CellCrossesQuery
	// CellOutsideQuery means no point in the cell can match the query.
	CellOutsideQuery
)

func (r Relation) String() string {
	switch r {
	case CellInsideQuery:
		return "CELL_INSIDE_QUERY"
	case CellCrossesQuery:
		return "CELL_CROSSES_QUERY"
	case CellOutsideQuery:
		return "CELL_OUTSIDE_QUERY"
	default:
		return fmt.Sprintf("Relation(%d)", int(r))
	}
}

// IntersectVisitor is supplied by the query planner to drive a traversal.
// Implementations decide which cells to descend into and receive the
// matching points. Errors returned from Visit or VisitValue abort the
// traversal and propagate to the Intersect caller unchanged; a visitor that
// wants to stop early returns a sentinel error and unwraps it at the call
// site.
type IntersectVisitor interface {
	// Visit is called for a docID known to match without a value test
	// (the enclosing cell is fully inside the query).
	Visit(docID int) error

	// VisitValue is called with the packed value for points in cells that
	// cross the query boundary. The value slice is only valid for the
	// duration of the call and must not be modified or retained.
	VisitValue(docID int, packedValue []byte) error

	// Compare relates the cell bounding box [minPacked, maxPacked] to the
	// query region.
	Compare(minPacked, maxPacked []byte) Relation
}

// RangeVisitor visits all points inside an axis-aligned box, inclusive on
// both ends, forwarding matching docIDs to a collector func.
type RangeVisitor struct {
	numDims     int
	bytesPerDim int
	min, max    []byte
	onDoc       func(docID int) error
}

// NewRangeVisitor builds a visitor for the box [minPacked, maxPacked].
// Both bounds are packed values of cfg's shape.
func NewRangeVisitor(cfg Config, minPacked, maxPacked []byte, onDoc func(docID int) error) (*RangeVisitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(minPacked) != cfg.PackedBytes() || len(maxPacked) != cfg.PackedBytes() {
		return nil, fmt.Errorf("bkd: range bounds must be %d bytes, got %d and %d", cfg.PackedBytes(), len(minPacked), len(maxPacked))
	}
	if onDoc == nil {
		return nil, fmt.Errorf("bkd: nil collector")
	}
	return &RangeVisitor{
		numDims:     cfg.NumDims,
		bytesPerDim: cfg.BytesPerDim,
		min:         minPacked,
		max:         maxPacked,
		onDoc:       onDoc,
	}, nil
}

// Visit implements IntersectVisitor.
func (v *RangeVisitor) Visit(docID int) error { return v.onDoc(docID) }

// VisitValue implements IntersectVisitor.
func (v *RangeVisitor) VisitValue(docID int, packedValue []byte) error {
	for d := 0; d < v.numDims; d++ {
		o := d * v.bytesPerDim
		dim := packedValue[o : o+v.bytesPerDim]
		if bytes.Compare(dim, v.min[o:o+v.bytesPerDim]) < 0 {
			return nil
		}
		if bytes.Compare(dim, v.max[o:o+v.bytesPerDim]) > 0 {
			return nil
		}
	}
	return v.onDoc(docID)
}

// Compare implements IntersectVisitor.
func (v *RangeVisitor) Compare(minPacked, maxPacked []byte) Relation {
	crosses := false
	for d := 0; d < v.numDims; d++ {
		o := d * v.bytesPerDim
		cellMin := minPacked[o : o+v.bytesPerDim]
		cellMax := maxPacked[o : o+v.bytesPerDim]
		qMin := v.min[o : o+v.bytesPerDim]
		qMax := v.max[o : o+v.bytesPerDim]
		if bytes.Compare(cellMin, qMax) > 0 || bytes.Compare(cellMax, qMin) < 0 {
			return CellOutsideQuery
		}
		crosses = crosses || bytes.Compare(cellMin, qMin) < 0 || bytes.Compare(cellMax, qMax) > 0
	}
	if crosses {
		return CellCrossesQuery
	}
	return CellInsideQuery
}

// BitmapCollector accumulates visited docIDs into a roaring bitmap, the
// shape consumed by the surrounding query planner.
type BitmapCollector struct {
	bm *roaring.Bitmap
}

// NewBitmapCollector returns an empty collector.
func NewBitmapCollector() *BitmapCollector {
	return &BitmapCollector{bm: roaring.New()}
}

// Collect records a docID. It never fails and can be passed directly to
// NewRangeVisitor.
func (c *BitmapCollector) Collect(docID int) error {
	c.bm.Add(uint32(docID))
	return nil
}

// Bitmap returns the collected set.
func (c *BitmapCollector) Bitmap() *roaring.Bitmap { return c.bm }
