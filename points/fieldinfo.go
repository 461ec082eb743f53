package points

import (
	"fmt"

	"github.com/hupe1980/bkdgo/codec"
	"github.com/hupe1980/bkdgo/store"
)

// FieldInfo describes one field's point schema as declared by the
// surrounding segment plumbing.
type FieldInfo struct {
	Name   string
	Number int

	// NumDims is the declared point dimensionality. Zero means the field
	// does not index point values.
	NumDims int

	// BytesPerDim is the fixed encoded width of one dimension value.
	BytesPerDim int
}

// FieldInfos resolves field names and numbers. It is the narrow collaborator
// interface consumed from the segment layer.
type FieldInfos interface {
	FieldInfo(name string) (FieldInfo, bool)
	FieldInfoByNumber(number int) (FieldInfo, bool)
}

// FieldInfoSet is a simple FieldInfos backed by maps.
type FieldInfoSet struct {
	byName   map[string]FieldInfo
	byNumber map[int]FieldInfo
}

// NewFieldInfos builds a FieldInfoSet, rejecting duplicate names or numbers.
func NewFieldInfos(infos ...FieldInfo) (*FieldInfoSet, error) {
	s := &FieldInfoSet{
		byName:   make(map[string]FieldInfo, len(infos)),
		byNumber: make(map[int]FieldInfo, len(infos)),
	}
	for _, fi := range infos {
		if fi.Name == "" {
			return nil, fmt.Errorf("points: field with empty name")
		}
		if fi.Number < 0 {
			return nil, fmt.Errorf("points: field %q has negative number %d", fi.Name, fi.Number)
		}
		if _, ok := s.byName[fi.Name]; ok {
			return nil, fmt.Errorf("points: duplicate field name %q", fi.Name)
		}
		if _, ok := s.byNumber[fi.Number]; ok {
			return nil, fmt.Errorf("points: duplicate field number %d", fi.Number)
		}
		s.byName[fi.Name] = fi
		s.byNumber[fi.Number] = fi
	}
	return s, nil
}

// FieldInfo implements FieldInfos.
func (s *FieldInfoSet) FieldInfo(name string) (FieldInfo, bool) {
	fi, ok := s.byName[name]
	return fi, ok
}

// FieldInfoByNumber implements FieldInfos.
func (s *FieldInfoSet) FieldInfoByNumber(number int) (FieldInfo, bool) {
	fi, ok := s.byNumber[number]
	return fi, ok
}

// SegmentWriteState carries the collaborator context for writing one
// segment's point index.
type SegmentWriteState struct {
	Dir         store.Directory
	SegmentName string
	SegmentID   [codec.SegmentIDLength]byte
	Suffix      string
}

// SegmentReadState carries the collaborator context for opening one
// segment's point index.
type SegmentReadState struct {
	Dir         store.Directory
	SegmentName string
	SegmentID   [codec.SegmentIDLength]byte
	Suffix      string
	FieldInfos  FieldInfos
}

// SegmentFileName composes a segment-scoped file name.
func SegmentFileName(segment, suffix, ext string) string {
	if suffix != "" {
		return segment + "_" + suffix + "." + ext
	}
	return segment + "." + ext
}
