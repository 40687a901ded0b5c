// Package catalog queries a directory of index files as one table.
//
// Stenographer names each index file after its creation time, a 16-digit
// Unix timestamp in microseconds. A query first narrows the directory to
// files created near the window, then runs the range query engine on each
// of them concurrently and merges the matches by key.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/QXIP/stenoscope/pkg/common/log"
	"github.com/QXIP/stenoscope/pkg/query"
	"github.com/QXIP/stenoscope/pkg/sstable"
	"github.com/QXIP/stenoscope/pkg/stats"
	"github.com/QXIP/stenoscope/pkg/telemetry"
)

const (
	// DefaultSlack widens the file-name window on both sides
	DefaultSlack = 60 * time.Second
	// DefaultWorkers is the number of files queried concurrently
	DefaultWorkers = 4

	indexSegment  = "IDX0"
	packetSegment = "PKT0"
)

var fileNamePattern = regexp.MustCompile(`^\d{16}$`)

// File is one index file of the directory
type File struct {
	Name string
	Path string
	// Second is the creation time encoded in the name, in Unix seconds
	Second int64
}

// parseFileName reports whether name is an index file name and returns the
// second it encodes
func parseFileName(name string) (int64, bool) {
	if !fileNamePattern.MatchString(name) {
		return 0, false
	}
	sec, err := strconv.ParseInt(name[:10], 10, 64)
	if err != nil {
		return 0, false
	}
	return sec, true
}

// Match is a query entry together with the index file it came from
type Match struct {
	query.Entry
	File string
}

// SkippedFile records an index file passed over under query.PolicySkip
type SkippedFile struct {
	Path string
	Err  error
}

// Result is the merged outcome of a catalog query
type Result struct {
	Window  query.Window
	Matches []Match
	// Files lists the index files that were opened and queried, in name order
	Files         []string
	SkippedFiles  []SkippedFile
	SkippedBlocks []query.SkippedBlock
	Warnings      int
	BlocksRead    int
	BytesRead     int64
	// TotalSize is the combined size of the packet files paired with Files
	TotalSize int64
}

// Option configures a Catalog
type Option func(*Catalog)

// WithSlack sets how far outside the window a file name may fall
func WithSlack(d time.Duration) Option {
	return func(c *Catalog) {
		c.slack = d
	}
}

// WithWorkers sets how many files are queried concurrently
func WithWorkers(n int) Option {
	return func(c *Catalog) {
		c.workers = n
	}
}

// WithPacketDir sets the directory holding packet files. When unset the
// packet directory is derived from the index directory.
func WithPacketDir(dir string) Option {
	return func(c *Catalog) {
		c.packetDir = dir
	}
}

// WithEngine sets the engine used for each file. Its policy also decides
// what happens to files that cannot be opened.
func WithEngine(e *query.Engine) Option {
	return func(c *Catalog) {
		c.engine = e
	}
}

// WithLogger sets the logger
func WithLogger(l log.Logger) Option {
	return func(c *Catalog) {
		c.logger = l
	}
}

// WithStats records counters for each catalog query
func WithStats(s stats.Collector) Option {
	return func(c *Catalog) {
		c.stats = s
	}
}

// WithTelemetry records spans and metrics for each catalog query
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(c *Catalog) {
		c.tel = tel
	}
}

// Catalog is a directory of index files
type Catalog struct {
	dir       string
	packetDir string
	slack     time.Duration
	workers   int
	engine    *query.Engine
	logger    log.Logger
	stats     stats.Collector
	tel       telemetry.Telemetry
}

// New creates a catalog over dir. The directory is not read until the
// first call that needs it.
func New(dir string, opts ...Option) *Catalog {
	c := &Catalog{
		dir:     dir,
		slack:   DefaultSlack,
		workers: DefaultWorkers,
		logger:  log.GetDefaultLogger(),
		tel:     telemetry.NewNoop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.workers < 1 {
		c.workers = 1
	}
	if c.engine == nil {
		c.engine = query.NewEngine(query.WithLogger(c.logger), query.WithTelemetry(c.tel), query.WithStats(c.stats))
	}
	return c
}

// Dir returns the index directory
func (c *Catalog) Dir() string {
	return c.dir
}

// Files lists the index files of the directory in name order
func (c *Catalog) Files() ([]File, error) {
	dirents, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: index directory %s: %w", sstable.ErrNotFound, c.dir, err)
	}

	files := make([]File, 0, len(dirents))
	for _, d := range dirents {
		if d.IsDir() {
			continue
		}
		sec, ok := parseFileName(d.Name())
		if !ok {
			continue
		}
		files = append(files, File{
			Name:   d.Name(),
			Path:   filepath.Join(c.dir, d.Name()),
			Second: sec,
		})
	}
	// ReadDir sorts by name already; keep the order explicit
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Candidates returns the files whose creation second lies within the slack
// of w. An empty window has no candidates and does not read the directory.
func (c *Catalog) Candidates(w query.Window) ([]File, error) {
	if w.Empty() {
		return nil, nil
	}
	files, err := c.Files()
	if err != nil {
		return nil, err
	}

	slack := int64(c.slack / time.Second)
	out := files[:0]
	for _, f := range files {
		if f.Second >= w.From-slack && f.Second <= w.To+slack {
			out = append(out, f)
		}
	}
	return out, nil
}

// PacketPath returns the packet file paired with an index file. With no
// packet directory configured, the IDX0 segment of the index directory is
// replaced with PKT0. An empty string means the packet file is unknown.
func (c *Catalog) PacketPath(name string) string {
	if c.packetDir != "" {
		return filepath.Join(c.packetDir, name)
	}
	if !strings.Contains(c.dir, indexSegment) {
		return ""
	}
	return filepath.Join(strings.Replace(c.dir, indexSegment, packetSegment, 1), name)
}

// fileResult is what one index file contributed to a catalog query
type fileResult struct {
	file    File
	result  *query.Result
	skipped error
}

// Query runs w against every candidate file and merges the matches in key
// order. Files with equal keys are ordered by name.
func (c *Catalog) Query(ctx context.Context, w query.Window) (*Result, error) {
	start := time.Now()
	ctx, span := c.tel.StartSpan(ctx, "catalog.query",
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCatalog),
		attribute.Int64(telemetry.AttrWindowFrom, w.From),
		attribute.Int64(telemetry.AttrWindowTo, w.To))
	defer span.End()

	result, err := c.query(ctx, w)
	c.record(ctx, start, result, err)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

func (c *Catalog) query(ctx context.Context, w query.Window) (*Result, error) {
	files, err := c.Candidates(w)
	if err != nil {
		return nil, err
	}

	slots := make([]fileResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			slots[i] = c.queryFile(gctx, f, w)
			if err := slots[i].skipped; err != nil && !c.skippable(err) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return c.merge(w, slots), nil
}

// queryFile opens, queries and closes one index file. Errors are returned
// in the skipped field; the caller decides whether they are fatal.
func (c *Catalog) queryFile(ctx context.Context, f File, w query.Window) fileResult {
	fr := fileResult{file: f}

	table, err := sstable.Open(f.Path)
	if err != nil {
		fr.skipped = err
		return fr
	}
	defer table.Close()

	if c.stats != nil {
		c.stats.TrackOperation(stats.OpOpen)
		c.stats.TrackFiles(1)
	}

	res, err := c.engine.Query(ctx, table, w)
	if err != nil {
		fr.skipped = err
		return fr
	}
	fr.result = res
	return fr
}

// skippable reports whether a failed file may be passed over. Only
// PolicySkip skips files, and never for cancellation.
func (c *Catalog) skippable(err error) bool {
	if c.engine.Policy() != query.PolicySkip {
		return false
	}
	return errors.Is(err, sstable.ErrInvalidFormat) ||
		errors.Is(err, sstable.ErrNotFound) ||
		errors.Is(err, sstable.ErrCorruptBlock) ||
		errors.Is(err, sstable.ErrIO)
}

// merge combines per-file results. Slots are in name order and the sort is
// stable, so equal keys keep that order.
func (c *Catalog) merge(w query.Window, slots []fileResult) *Result {
	result := &Result{Window: w}
	for _, fr := range slots {
		if fr.skipped != nil {
			c.logger.WithField("file", fr.file.Path).Warn("skipping index file: %v", fr.skipped)
			result.Warnings++
			result.SkippedFiles = append(result.SkippedFiles, SkippedFile{Path: fr.file.Path, Err: fr.skipped})
			continue
		}

		res := fr.result
		result.Files = append(result.Files, fr.file.Name)
		result.Warnings += res.Warnings
		result.SkippedBlocks = append(result.SkippedBlocks, res.SkippedBlocks...)
		result.BlocksRead += res.BlocksRead
		result.BytesRead += res.BytesRead
		for _, e := range res.Entries {
			result.Matches = append(result.Matches, Match{Entry: e, File: fr.file.Name})
		}
		result.TotalSize += c.packetSize(fr.file.Name)
	}

	sort.SliceStable(result.Matches, func(i, j int) bool {
		return result.Matches[i].Key.Compare(result.Matches[j].Key) < 0
	})
	return result
}

// packetSize returns the size of the packet file paired with name, or 0
// when it does not exist
func (c *Catalog) packetSize(name string) int64 {
	path := c.PacketPath(name)
	if path == "" {
		return 0
	}
	info, err := os.Stat(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.WithField("file", path).Debug("cannot stat packet file: %v", err)
		}
		return 0
	}
	return info.Size()
}

func (c *Catalog) record(ctx context.Context, start time.Time, result *Result, err error) {
	status := telemetry.StatusSuccess
	if err != nil {
		status = telemetry.StatusError
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = telemetry.StatusCanceled
		}
	}
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeCatalog),
		attribute.String(telemetry.AttrStatus, status),
	}
	telemetry.RecordDuration(ctx, c.tel, telemetry.MetricQueryDuration, start, attrs...)
	if result != nil {
		c.tel.RecordCounter(ctx, telemetry.MetricFilesQueried, int64(len(result.Files)), attrs...)
	}

	if c.stats == nil {
		return
	}
	c.stats.TrackOperationWithLatency(stats.OpCatalog, uint64(time.Since(start).Nanoseconds()))
	if err != nil {
		c.stats.TrackError("catalog")
	}
}
