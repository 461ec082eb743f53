package points

import (
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/hupe1980/bkdgo/bkd"
	"github.com/hupe1980/bkdgo/codec"
	"github.com/hupe1980/bkdgo/store"
)

// Reader opens a segment's point index and exposes one lazily-navigating
// tree reader per field. It is immutable after construction and safe for
// unlimited concurrent queries.
type Reader struct {
	state   SegmentReadState
	dataIn  store.IndexInput
	readers map[int]*bkd.Reader
	cache   *bkd.LeafCache
	logger  *slog.Logger
	closed  atomic.Bool
}

// ReaderOption configures a Reader.
type ReaderOption func(*readerConfig)

type readerConfig struct {
	logger        *slog.Logger
	leafCacheSize int64
}

// WithReaderLogger sets the logger. Defaults to discard.
func WithReaderLogger(logger *slog.Logger) ReaderOption {
	return func(c *readerConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithLeafCacheSize enables a decoded-leaf cache of roughly the given byte
// budget, shared by all fields of this reader.
func WithLeafCacheSize(maxBytes int64) ReaderOption {
	return func(c *readerConfig) { c.leafCacheSize = maxBytes }
}

// OpenReader validates and opens a segment's point index.
//
// The index file is small and verified eagerly: header, pointer table and
// footer checksum. The data file's header is verified and its footer
// checked structurally (magic and algorithm id), which detects truncation
// without hashing the whole file; full verification is CheckIntegrity.
// On any failure every handle acquired so far is released before the error
// propagates.
func OpenReader(state SegmentReadState, opts ...ReaderOption) (*Reader, error) {
	if state.Dir == nil {
		return nil, fmt.Errorf("points: nil directory")
	}
	if state.FieldInfos == nil {
		return nil, fmt.Errorf("points: nil field infos")
	}

	cfg := readerConfig{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&cfg)
	}

	fieldToFP, err := readPointerTable(state)
	if err != nil {
		return nil, err
	}

	var cache *bkd.LeafCache
	if cfg.leafCacheSize > 0 {
		cache, err = bkd.NewLeafCache(cfg.leafCacheSize)
		if err != nil {
			return nil, err
		}
	}

	dataName := SegmentFileName(state.SegmentName, state.Suffix, DataExtension)
	dataIn, err := state.Dir.OpenInput(dataName)
	if err != nil {
		cache.Close()
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			dataIn.Close()
			cache.Close()
		}
	}()

	if _, err := codec.CheckHeader(dataIn, DataCodecName, VersionStart, VersionCurrent, state.SegmentID, state.Suffix); err != nil {
		return nil, err
	}
	// Too costly to hash the whole data file on open; checking the footer
	// structure still catches truncation.
	if _, err := codec.RetrieveChecksum(dataIn); err != nil {
		return nil, err
	}

	var bkdOpts []bkd.ReaderOption
	if cache != nil {
		bkdOpts = append(bkdOpts, bkd.WithLeafCache(cache))
	}

	readers := make(map[int]*bkd.Reader, len(fieldToFP))
	numbers := make([]int, 0, len(fieldToFP))
	for number := range fieldToFP {
		numbers = append(numbers, number)
	}
	sort.Ints(numbers)
	for _, number := range numbers {
		tr, err := bkd.NewReader(dataIn, fieldToFP[number], bkdOpts...)
		if err != nil {
			return nil, fmt.Errorf("points: opening tree for field %d: %w", number, err)
		}
		readers[number] = tr
	}

	success = true
	cfg.logger.Debug("opened point index",
		"segment", state.SegmentName,
		"suffix", state.Suffix,
		"fields", len(readers),
	)
	return &Reader{
		state:   state,
		dataIn:  dataIn,
		readers: readers,
		cache:   cache,
		logger:  cfg.logger,
	}, nil
}

// readPointerTable reads and fully verifies the index file. The footer
// check runs even when body parsing fails, so a checksum mismatch is
// reported as corruption rather than as a secondary parse error.
func readPointerTable(state SegmentReadState) (map[int]int64, error) {
	idxName := SegmentFileName(state.SegmentName, state.Suffix, IndexExtension)
	in, err := state.Dir.OpenChecksumInput(idxName)
	if err != nil {
		return nil, err
	}

	fieldToFP := make(map[int]int64)
	var priorErr error
	func() {
		if _, err := codec.CheckHeader(in, IndexCodecName, VersionStart, VersionCurrent, state.SegmentID, state.Suffix); err != nil {
			priorErr = err
			return
		}
		count, err := codec.ReadUvarint(in)
		if err != nil {
			priorErr = fmt.Errorf("%w: reading field count: %w", codec.ErrCorruption, err)
			return
		}
		if count > maxFieldCount {
			priorErr = fmt.Errorf("%w: absurd field count %d", codec.ErrCorruption, count)
			return
		}
		for i := uint64(0); i < count; i++ {
			number, err := codec.ReadUvarint(in)
			if err != nil {
				priorErr = fmt.Errorf("%w: reading field number: %w", codec.ErrCorruption, err)
				return
			}
			fp, err := codec.ReadUvarint(in)
			if err != nil {
				priorErr = fmt.Errorf("%w: reading field file pointer: %w", codec.ErrCorruption, err)
				return
			}
			fieldToFP[int(number)] = int64(fp)
		}
	}()

	footerErr := codec.CheckFooter(in, priorErr)
	closeErr := in.Close()
	if footerErr != nil {
		return nil, footerErr
	}
	if closeErr != nil {
		return nil, closeErr
	}
	return fieldToFP, nil
}

// Values returns the tree reader for a field. Asking for a field the
// segment never declared, or one that declared no point dimensions, is a
// caller bug and fails immediately.
func (r *Reader) Values(fieldName string) (*bkd.Reader, error) {
	if r.closed.Load() {
		return nil, fmt.Errorf("points: %w", store.ErrClosed)
	}
	fi, ok := r.state.FieldInfos.FieldInfo(fieldName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, fieldName)
	}
	if fi.NumDims == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotIndexed, fieldName)
	}
	tr, ok := r.readers[fi.Number]
	if !ok {
		return nil, fmt.Errorf("%w: %q has no points in this segment", ErrNotIndexed, fieldName)
	}
	return tr, nil
}

// RAMBytesUsed implements bkd.Accountable by summing all field readers.
func (r *Reader) RAMBytesUsed() int64 {
	var total int64
	for _, tr := range r.readers {
		total += tr.RAMBytesUsed()
	}
	return total
}

// ChildResources returns the per-field memory breakdown, keyed by field
// name.
func (r *Reader) ChildResources() map[string]int64 {
	res := make(map[string]int64, len(r.readers))
	for number, tr := range r.readers {
		name := fmt.Sprintf("field-%d", number)
		if fi, ok := r.state.FieldInfos.FieldInfoByNumber(number); ok {
			name = fi.Name
		}
		res[name] = tr.RAMBytesUsed()
	}
	return res
}

// CheckIntegrity hashes the entire data file and verifies the footer
// checksum. This is the deferred full verification skipped at open time.
func (r *Reader) CheckIntegrity() error {
	if r.closed.Load() {
		return fmt.Errorf("points: %w", store.ErrClosed)
	}
	return codec.ChecksumEntireFile(r.dataIn)
}

// Close releases the data file handle and the leaf cache. Further calls on
// the Reader fail with a closed error.
func (r *Reader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("points: %w", store.ErrClosed)
	}
	err := r.dataIn.Close()
	r.cache.Close()
	r.readers = nil
	return err
}
