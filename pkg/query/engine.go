package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/QXIP/stenoscope/pkg/common/log"
	"github.com/QXIP/stenoscope/pkg/sstable"
	"github.com/QXIP/stenoscope/pkg/stats"
	"github.com/QXIP/stenoscope/pkg/telemetry"
)

// Option configures an Engine
type Option func(*Engine)

// WithPolicy sets the unreadable-block policy
func WithPolicy(p Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithWorkers sets how many blocks are read concurrently. Values below 2
// read sequentially.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		e.workers = n
	}
}

// WithTelemetry records spans and metrics for each query
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(e *Engine) {
		e.tel = tel
	}
}

// WithStats records counters for each query
func WithStats(c stats.Collector) Option {
	return func(e *Engine) {
		e.stats = c
	}
}

// WithLogger sets the logger used for skipped-block warnings
func WithLogger(l log.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// Engine runs range queries. It holds no per-query state and is safe for
// concurrent use.
type Engine struct {
	policy  Policy
	workers int
	tel     telemetry.Telemetry
	stats   stats.Collector
	logger  log.Logger
}

// NewEngine creates an engine. The defaults are PolicyAbort, sequential
// reads, no telemetry and no stats.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		policy:  PolicyAbort,
		workers: 1,
		tel:     telemetry.NewNoop(),
		logger:  log.GetDefaultLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the engine's unreadable-block policy
func (e *Engine) Policy() Policy {
	return e.policy
}

// blockResult holds what one block contributed to a query
type blockResult struct {
	entries []Entry
	bytes   int
	done    bool // a key at or past the window end was seen
	err     error
}

// Query returns every entry of t whose key time falls in w, in key order.
// An empty window returns an empty result without touching the table.
// The context is checked before each block read.
func (e *Engine) Query(ctx context.Context, t Table, w Window) (*Result, error) {
	if w.Empty() {
		return &Result{}, nil
	}

	start := time.Now()
	ctx, span := e.tel.StartSpan(ctx, "query.range",
		attribute.String(telemetry.AttrFile, t.Path()),
		attribute.Int64(telemetry.AttrWindowFrom, w.From),
		attribute.Int64(telemetry.AttrWindowTo, w.To),
		attribute.String(telemetry.AttrPolicy, e.policy.String()))
	defer span.End()

	result, err := e.query(ctx, t, w)
	e.record(ctx, start, result, err)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

func (e *Engine) query(ctx context.Context, t Table, w Window) (*Result, error) {
	from := sstable.MinKey(w.From).Encode()
	to := sstable.MinKey(w.To).Encode()

	lo, hi, ok := t.FindBlockRange(from, to)
	if !ok {
		return &Result{}, nil
	}

	var blocks []blockResult
	var err error
	if e.workers > 1 && hi > lo {
		blocks, err = e.readParallel(ctx, t, w, from, lo, hi)
	} else {
		blocks, err = e.readSequential(ctx, t, w, from, lo, hi)
	}
	if err != nil {
		return nil, err
	}

	return e.assemble(t, lo, blocks)
}

func (e *Engine) readSequential(ctx context.Context, t Table, w Window, from []byte, lo, hi int) ([]blockResult, error) {
	blocks := make([]blockResult, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		br := scanBlock(t, i, w, from, i == lo)
		blocks = append(blocks, br)
		if br.done || (br.err != nil && e.policy == PolicyAbort) {
			break
		}
	}
	return blocks, nil
}

// readParallel reads blocks lo..hi with a bounded pool. Each worker writes
// only its own slot, so the slice comes back in block order regardless of
// completion order. Under PolicyAbort the first failed block cancels the
// reads that have not started yet.
func (e *Engine) readParallel(ctx context.Context, t Table, w Window, from []byte, lo, hi int) ([]blockResult, error) {
	blocks := make([]blockResult, hi-lo+1)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := lo; i <= hi; i++ {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			br := scanBlock(t, i, w, from, i == lo)
			blocks[i-lo] = br
			if br.err != nil && (e.policy == PolicyAbort || !skippable(br.err)) {
				return br.err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	// The parent may have been canceled after the last block was scheduled
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return blocks, nil
}

// assemble applies the block policy and concatenates per-block matches in
// block order
func (e *Engine) assemble(t Table, lo int, blocks []blockResult) (*Result, error) {
	result := &Result{}
	for n, br := range blocks {
		if br.err != nil {
			if e.policy == PolicyAbort || !skippable(br.err) {
				return nil, br.err
			}
			e.logger.WithFields(map[string]interface{}{
				"file":  t.Path(),
				"block": lo + n,
			}).Warn("skipping unreadable block: %v", br.err)
			result.Warnings++
			result.SkippedBlocks = append(result.SkippedBlocks, SkippedBlock{
				Path:  t.Path(),
				Index: lo + n,
				Err:   br.err,
			})
			continue
		}

		result.BlocksRead++
		result.BytesRead += int64(br.bytes)
		result.Entries = append(result.Entries, br.entries...)
		if br.done {
			break
		}
	}
	return result, nil
}

// skippable reports whether an error is confined to one block
func skippable(err error) bool {
	return errors.Is(err, sstable.ErrCorruptBlock) || errors.Is(err, sstable.ErrIO)
}

// scanBlock reads block i and collects the keys in w. Only the first block
// of a range can hold keys before the window, so only it is searched with
// Seek.
func scanBlock(t Table, i int, w Window, from []byte, first bool) blockResult {
	reader, err := t.ReadBlock(i)
	if err != nil {
		return blockResult{err: err}
	}

	var br blockResult
	br.bytes = reader.Size()

	iter := reader.Iterator()
	if first {
		iter.Seek(from)
	} else {
		iter.SeekToFirst()
	}

	for ; iter.Valid(); iter.Next() {
		key, err := sstable.DecodeKey(iter.Key())
		if err != nil {
			return blockResult{err: &sstable.BlockError{
				Path:  t.Path(),
				Index: i,
				Err:   fmt.Errorf("%w: entry %d: %v", sstable.ErrCorruptBlock, iter.Index(), err),
			}}
		}
		if key.Time >= w.To {
			br.done = true
			break
		}
		if key.Time < w.From {
			continue
		}
		br.entries = append(br.entries, Entry{Key: key, Value: iter.Value()})
	}
	return br
}

func (e *Engine) record(ctx context.Context, start time.Time, result *Result, err error) {
	status := telemetry.StatusSuccess
	if err != nil {
		status = telemetry.StatusError
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = telemetry.StatusCanceled
		}
	}
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeQuery),
		attribute.String(telemetry.AttrStatus, status),
	}
	telemetry.RecordDuration(ctx, e.tel, telemetry.MetricQueryDuration, start, attrs...)

	if result != nil {
		e.tel.RecordCounter(ctx, telemetry.MetricBlocksRead, int64(result.BlocksRead), attrs...)
		e.tel.RecordCounter(ctx, telemetry.MetricBlocksSkipped, int64(result.Warnings), attrs...)
		e.tel.RecordCounter(ctx, telemetry.MetricEntriesMatched, int64(len(result.Entries)), attrs...)
		telemetry.RecordBytes(ctx, e.tel, telemetry.MetricBytesRead, result.BytesRead, attrs...)
	}

	if e.stats == nil {
		return
	}
	e.stats.TrackOperationWithLatency(stats.OpQuery, uint64(time.Since(start).Nanoseconds()))
	if err != nil {
		e.stats.TrackError(errorType(err))
		return
	}
	e.stats.TrackBlocks(uint64(result.BlocksRead), uint64(result.Warnings))
	e.stats.TrackBytes(uint64(result.BytesRead))
	e.stats.TrackEntries(uint64(len(result.Entries)))
}

// errorType names an error for stats and telemetry
func errorType(err error) string {
	switch {
	case errors.Is(err, sstable.ErrCorruptBlock):
		return "corrupt_block"
	case errors.Is(err, sstable.ErrIO):
		return "io"
	case errors.Is(err, sstable.ErrClosed):
		return "closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
