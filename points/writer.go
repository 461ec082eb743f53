package points

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/hupe1980/bkdgo/bkd"
	"github.com/hupe1980/bkdgo/codec"
	"github.com/hupe1980/bkdgo/store"
)

// PointSource supplies the complete batch of (packedValue, docID) pairs for
// one field during a flush or merge.
type PointSource interface {
	VisitPoints(fn func(packedValue []byte, docID int) error) error
}

// SourceFunc adapts a function to PointSource.
type SourceFunc func(fn func(packedValue []byte, docID int) error) error

// VisitPoints implements PointSource.
func (f SourceFunc) VisitPoints(fn func(packedValue []byte, docID int) error) error {
	return f(fn)
}

type fieldEntry struct {
	number int
	fp     int64
}

// Writer writes one segment's point index: per-field trees into the data
// file, then the pointer table into the index file on Finish. It is used by
// a single flush or merge operation at a time.
type Writer struct {
	state   SegmentWriteState
	dataOut store.IndexOutput
	fields  []fieldEntry
	written map[int]bool

	maxPointsInLeafNode int
	bkdOpts             []bkd.WriterOption
	logger              *slog.Logger

	finished bool
	aborted  bool
}

// WriterOption configures a Writer.
type WriterOption func(*writerConfig)

type writerConfig struct {
	logger              *slog.Logger
	maxPointsInLeafNode int
	compress            bool
	maxWorkers          int
	limiter             *rate.Limiter
}

// WithWriterLogger sets the logger. Defaults to discard.
func WithWriterLogger(logger *slog.Logger) WriterOption {
	return func(c *writerConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMaxPointsInLeafNode overrides the leaf capacity for all fields.
func WithMaxPointsInLeafNode(n int) WriterOption {
	return func(c *writerConfig) { c.maxPointsInLeafNode = n }
}

// WithCompression enables zstd compression of leaf payloads.
func WithCompression() WriterOption {
	return func(c *writerConfig) { c.compress = true }
}

// WithMaxWorkers bounds the goroutines used while partitioning each field.
func WithMaxWorkers(n int) WriterOption {
	return func(c *writerConfig) { c.maxWorkers = n }
}

// WithWriteRateLimit throttles data file writes, for merges that must not
// starve query I/O.
func WithWriteRateLimit(limiter *rate.Limiter) WriterOption {
	return func(c *writerConfig) { c.limiter = limiter }
}

// NewWriter creates the segment's data file and writes its header. On any
// failure the acquired file handle is released before the error returns.
func NewWriter(state SegmentWriteState, opts ...WriterOption) (*Writer, error) {
	if state.Dir == nil {
		return nil, fmt.Errorf("points: nil directory")
	}
	if state.SegmentName == "" {
		return nil, fmt.Errorf("points: empty segment name")
	}

	cfg := writerConfig{
		logger:              slog.New(slog.DiscardHandler),
		maxPointsInLeafNode: DefaultMaxPointsInLeafNode,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	dataName := SegmentFileName(state.SegmentName, state.Suffix, DataExtension)
	out, err := state.Dir.CreateOutput(dataName)
	if err != nil {
		return nil, err
	}

	var dataOut store.IndexOutput = out
	if cfg.limiter != nil {
		dataOut = store.NewRateLimitedOutput(context.Background(), out, cfg.limiter)
	}

	if err := codec.WriteHeader(dataOut, DataCodecName, VersionCurrent, state.SegmentID, state.Suffix); err != nil {
		out.Close()
		return nil, err
	}

	var bkdOpts []bkd.WriterOption
	if cfg.compress {
		bkdOpts = append(bkdOpts, bkd.WithCompression())
	}
	if cfg.maxWorkers > 0 {
		bkdOpts = append(bkdOpts, bkd.WithMaxWorkers(cfg.maxWorkers))
	}
	bkdOpts = append(bkdOpts, bkd.WithLogger(cfg.logger))

	return &Writer{
		state:               state,
		dataOut:             dataOut,
		written:             make(map[int]bool),
		maxPointsInLeafNode: cfg.maxPointsInLeafNode,
		bkdOpts:             bkdOpts,
		logger:              cfg.logger,
	}, nil
}

// WriteField builds one field's tree from the source's complete point set.
// A field that yields no points is skipped entirely: it gets no tree and no
// pointer table entry.
func (w *Writer) WriteField(fi FieldInfo, src PointSource) error {
	if w.finished || w.aborted {
		return ErrFinished
	}
	if fi.NumDims <= 0 {
		return fmt.Errorf("%w: field %q declares %d dimensions", ErrNotIndexed, fi.Name, fi.NumDims)
	}
	if w.written[fi.Number] {
		return fmt.Errorf("points: field %q (number %d) written twice", fi.Name, fi.Number)
	}

	bw, err := bkd.NewWriter(bkd.Config{
		NumDims:             fi.NumDims,
		BytesPerDim:         fi.BytesPerDim,
		MaxPointsInLeafNode: w.maxPointsInLeafNode,
	}, w.bkdOpts...)
	if err != nil {
		return err
	}

	if err := src.VisitPoints(bw.Add); err != nil {
		return err
	}

	fp, err := bw.Finish(w.dataOut)
	if errors.Is(err, bkd.ErrNoPoints) {
		w.logger.Debug("skipping field with no points", "field", fi.Name)
		return nil
	}
	if err != nil {
		return err
	}

	w.written[fi.Number] = true
	w.fields = append(w.fields, fieldEntry{number: fi.Number, fp: fp})
	return nil
}

// Finish seals the data file and writes the index file with the pointer
// table. The Writer is unusable afterwards.
func (w *Writer) Finish() error {
	if w.finished || w.aborted {
		return ErrFinished
	}
	w.finished = true

	if err := codec.WriteFooter(w.dataOut); err != nil {
		w.dataOut.Close()
		return err
	}
	if err := w.dataOut.Close(); err != nil {
		return err
	}

	idxName := SegmentFileName(w.state.SegmentName, w.state.Suffix, IndexExtension)
	out, err := w.state.Dir.CreateOutput(idxName)
	if err != nil {
		return err
	}
	if err := w.writeIndex(out); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (w *Writer) writeIndex(out store.IndexOutput) error {
	if err := codec.WriteHeader(out, IndexCodecName, VersionCurrent, w.state.SegmentID, w.state.Suffix); err != nil {
		return err
	}
	if err := codec.WriteUvarint(out, uint64(len(w.fields))); err != nil {
		return err
	}
	for _, f := range w.fields {
		if err := codec.WriteUvarint(out, uint64(f.number)); err != nil {
			return err
		}
		if err := codec.WriteUvarint(out, uint64(f.fp)); err != nil {
			return err
		}
	}
	return codec.WriteFooter(out)
}

// Close aborts an unfinished Writer, releasing the data file handle. It is
// a no-op after Finish.
func (w *Writer) Close() error {
	if w.finished || w.aborted {
		return nil
	}
	w.aborted = true
	return w.dataOut.Close()
}
