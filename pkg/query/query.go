// Package query finds the entries of a table that fall inside a time window.
//
// A query maps the window onto a contiguous run of blocks using the
// in-memory block index, then reads only those blocks. Results are always
// in ascending key order, whether blocks are read sequentially or by a
// pool of workers.
package query

import (
	"errors"
	"fmt"

	"github.com/QXIP/stenoscope/pkg/sstable"
	"github.com/QXIP/stenoscope/pkg/sstable/block"
)

// ErrInvalidWindow is returned by Window.Validate for an inverted window.
// The engine itself treats such windows as empty.
var ErrInvalidWindow = errors.New("invalid query window")

// Window is the half-open time range [From, To) in Unix seconds
type Window struct {
	From int64
	To   int64
}

// Empty reports whether no key can fall inside the window
func (w Window) Empty() bool {
	return w.From >= w.To
}

// Contains reports whether a key time falls inside the window
func (w Window) Contains(t int64) bool {
	return t >= w.From && t < w.To
}

// Validate rejects windows whose end precedes their start. A window with
// From == To is valid and empty.
func (w Window) Validate() error {
	if w.To < w.From {
		return fmt.Errorf("%w: to %d is before from %d", ErrInvalidWindow, w.To, w.From)
	}
	return nil
}

func (w Window) String() string {
	return fmt.Sprintf("[%d, %d)", w.From, w.To)
}

// Policy decides what happens when a block cannot be read
type Policy int

const (
	// PolicyAbort fails the query on the first unreadable block
	PolicyAbort Policy = iota
	// PolicySkip skips unreadable blocks and records a warning
	PolicySkip
)

func (p Policy) String() string {
	switch p {
	case PolicyAbort:
		return "abort"
	case PolicySkip:
		return "skip"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// Table is the part of a table reader a query needs. *sstable.Table
// satisfies it.
type Table interface {
	Path() string
	FindBlockRange(from, to []byte) (lo, hi int, ok bool)
	ReadBlock(i int) (*block.Reader, error)
}

var _ Table = (*sstable.Table)(nil)

// Entry is one matching record. Value aliases the block it was read from.
type Entry struct {
	Key   sstable.Key
	Value []byte
}

// SkippedBlock records a block passed over under PolicySkip
type SkippedBlock struct {
	Path  string
	Index int
	Err   error
}

// Result holds the matches of one query in ascending key order
type Result struct {
	Entries       []Entry
	Warnings      int
	SkippedBlocks []SkippedBlock
	BlocksRead    int
	BytesRead     int64
}
