package points

import "errors"

const (
	// DataCodecName identifies the data file holding the per-field trees.
	DataCodecName = "BKDPointsData"
	// IndexCodecName identifies the index file holding the pointer table.
	IndexCodecName = "BKDPointsIndex"

	// DataExtension is the data file extension.
	DataExtension = "kdd"
	// IndexExtension is the index file extension.
	IndexExtension = "kdi"

	// VersionStart and VersionCurrent bound the supported format versions.
	VersionStart   uint32 = 0
	VersionCurrent uint32 = 0

	// DefaultMaxPointsInLeafNode is the leaf capacity used unless overridden.
	DefaultMaxPointsInLeafNode = 1024

	// maxFieldCount bounds the pointer table size when reading, so a
	// corrupted count cannot trigger a huge allocation before the footer
	// check runs.
	maxFieldCount = 1 << 24
)

var (
	// ErrUnknownField reports a field name the segment never declared.
	ErrUnknownField = errors.New("points: unknown field")
	// ErrNotIndexed reports a field that declared no point dimensions or
	// wrote no points into this segment.
	ErrNotIndexed = errors.New("points: field did not index point values")
	// ErrFinished reports use of a Writer after Finish.
	ErrFinished = errors.New("points: writer already finished")
)
