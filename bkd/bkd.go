package bkd

import (
	"errors"
	"fmt"
)

// MaxNumDims is the maximum number of dimensions per point.
const MaxNumDims = 8

var (
	// ErrNoPoints is returned by Writer.Finish when nothing was added; the
	// caller skips the field instead of writing an empty tree.
	ErrNoPoints = errors.New("bkd: no points were added")
	// ErrFinished is returned when a Writer is used after Finish.
	ErrFinished = errors.New("bkd: writer already finished")
)

// Config describes the fixed shape of one field's point data.
type Config struct {
	// NumDims is the number of dimensions per point, in [1, MaxNumDims].
	NumDims int

	// BytesPerDim is the fixed encoded width of a single dimension value.
	// Values are ordered by unsigned lexicographic byte comparison.
	BytesPerDim int

	// MaxPointsInLeafNode bounds the number of points per leaf block.
	MaxPointsInLeafNode int
}

// Validate reports whether the configuration is usable.
func (c Config) Validate() error {
	if c.NumDims < 1 || c.NumDims > MaxNumDims {
		return fmt.Errorf("bkd: numDims must be in [1, %d], got %d", MaxNumDims, c.NumDims)
	}
	if c.BytesPerDim < 1 {
		return fmt.Errorf("bkd: bytesPerDim must be positive, got %d", c.BytesPerDim)
	}
	if c.MaxPointsInLeafNode < 1 {
		return fmt.Errorf("bkd: maxPointsInLeafNode must be positive, got %d", c.MaxPointsInLeafNode)
	}
	return nil
}

// PackedBytes returns the byte length of one packed point.
func (c Config) PackedBytes() int { return c.NumDims * c.BytesPerDim }

// Accountable is an object whose heap usage can be computed.
type Accountable interface {
	// RAMBytesUsed returns the resident heap usage in bytes.
	RAMBytesUsed() int64
}
