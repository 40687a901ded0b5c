// Package result renders query and summary results for output.
package result

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/QXIP/stenoscope/pkg/catalog"
	"github.com/QXIP/stenoscope/pkg/packets"
	"github.com/QXIP/stenoscope/pkg/query"
)

// Format is an output format name
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Encoder writes a report to w
type Encoder interface {
	Encode(w io.Writer, r *Report) error
}

// NewEncoder returns the encoder for a format
func NewEncoder(format Format) (Encoder, error) {
	switch format {
	case FormatJSON, "":
		return &JSONEncoder{}, nil
	case FormatText:
		return &TextEncoder{}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}

// Match is one entry as it is rendered. Values holding a packet pointer are
// shown as offset and length, anything else as hex.
type Match struct {
	Time   int64   `json:"time"`
	Seq    uint64  `json:"seq"`
	File   string  `json:"file,omitempty"`
	Value  string  `json:"value,omitempty"`
	Offset *uint64 `json:"offset,omitempty"`
	Length *uint32 `json:"length,omitempty"`
}

// Skipped is a block or file left out of a lenient query
type Skipped struct {
	File  string `json:"file"`
	Block *int   `json:"block,omitempty"`
	Error string `json:"error"`
}

// Report is everything a command prints. A report with a Summary renders
// the packet aggregation instead of the individual matches.
type Report struct {
	Window    query.Window
	Matches   []Match
	Files     []string
	Warnings  int
	Skipped   []Skipped
	TotalSize int64
	Summary   *packets.Summary
}

// NewMatch converts a query entry
func NewMatch(e query.Entry, file string) Match {
	m := Match{Time: e.Key.Time, Seq: e.Key.Seq, File: file}
	if ptr, ok := packets.ParsePointer(e.Value); ok {
		m.Offset = &ptr.Offset
		m.Length = &ptr.Length
	} else {
		m.Value = hex.EncodeToString(e.Value)
	}
	return m
}

// FromCatalog builds a report from a catalog query result
func FromCatalog(res *catalog.Result) *Report {
	r := &Report{
		Window:    res.Window,
		Matches:   make([]Match, 0, len(res.Matches)),
		Files:     append([]string{}, res.Files...),
		Warnings:  res.Warnings,
		TotalSize: res.TotalSize,
	}
	for _, m := range res.Matches {
		r.Matches = append(r.Matches, NewMatch(m.Entry, m.File))
	}
	for _, f := range res.SkippedFiles {
		r.Skipped = append(r.Skipped, Skipped{File: f.Path, Error: f.Err.Error()})
	}
	for _, b := range res.SkippedBlocks {
		r.Skipped = append(r.Skipped, skippedBlock(b))
	}
	return r
}

// FromQuery builds a report from a single-table query result
func FromQuery(w query.Window, path string, res *query.Result) *Report {
	r := &Report{
		Window:   w,
		Matches:  make([]Match, 0, len(res.Entries)),
		Files:    []string{path},
		Warnings: res.Warnings,
	}
	for _, e := range res.Entries {
		r.Matches = append(r.Matches, NewMatch(e, ""))
	}
	for _, b := range res.SkippedBlocks {
		r.Skipped = append(r.Skipped, skippedBlock(b))
	}
	return r
}

func skippedBlock(b query.SkippedBlock) Skipped {
	index := b.Index
	return Skipped{File: b.Path, Block: &index, Error: b.Err.Error()}
}

// queryView is the JSON shape of a match listing
type queryView struct {
	From      int64     `json:"from"`
	To        int64     `json:"to"`
	Count     int       `json:"count"`
	Matches   []Match   `json:"matches"`
	Files     []string  `json:"files"`
	Warnings  int       `json:"warnings"`
	Skipped   []Skipped `json:"skipped,omitempty"`
	TotalSize int64     `json:"totalSize"`
}

// summaryView is the JSON shape of a packet summary. The totalSize,
// protocols, ports, ipv4 and ipv6 keys keep the stenographer summary
// layout.
type summaryView struct {
	TotalSize int64 `json:"totalSize"`
	*packets.Summary
	From     int64     `json:"from"`
	To       int64     `json:"to"`
	Files    int       `json:"files"`
	Warnings int       `json:"warnings"`
	Skipped  []Skipped `json:"skipped,omitempty"`
}

func (r *Report) view() interface{} {
	if r.Summary != nil {
		return &summaryView{
			TotalSize: r.TotalSize,
			Summary:   r.Summary,
			From:      r.Window.From,
			To:        r.Window.To,
			Files:     len(r.Files),
			Warnings:  r.Warnings,
			Skipped:   r.Skipped,
		}
	}

	matches := r.Matches
	if matches == nil {
		matches = []Match{}
	}
	files := r.Files
	if files == nil {
		files = []string{}
	}
	return &queryView{
		From:      r.Window.From,
		To:        r.Window.To,
		Count:     len(matches),
		Matches:   matches,
		Files:     files,
		Warnings:  r.Warnings,
		Skipped:   r.Skipped,
		TotalSize: r.TotalSize,
	}
}
