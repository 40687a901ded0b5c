// Package sstable reads immutable, time-indexed sorted tables.
//
// A table file is a run of data blocks followed by a block index and a
// fixed-size footer:
//
//	[Block 0][Block 1]...[Block N-1][Block Index][Footer]
//
// The block index is loaded into memory when the table is opened; data
// blocks are read on demand with positioned reads, so one open Table can
// be shared by concurrent readers.
package sstable

import (
	"errors"
	"fmt"

	"github.com/QXIP/stenoscope/pkg/sstable/block"
)

const (
	// IndexBlockEntrySize is the fixed size of an index entry value
	IndexBlockEntrySize = 12 // offset (8) + length (4)
	// DefaultBlockSize is the target size for data blocks
	DefaultBlockSize = block.BlockSize
)

var (
	// ErrNotFound indicates the table file is missing or unreadable
	ErrNotFound = errors.New("sstable not found")
	// ErrInvalidFormat indicates a bad footer, version or block index
	ErrInvalidFormat = errors.New("invalid sstable format")
	// ErrCorruptBlock indicates a data block failed validation
	ErrCorruptBlock = errors.New("sstable block corruption detected")
	// ErrIO indicates a read failure
	ErrIO = errors.New("sstable read failed")
	// ErrClosed is returned when using a closed table
	ErrClosed = errors.New("sstable is closed")
)

// IndexEntry represents a block index entry
type IndexEntry struct {
	// FirstKey is the first key in the block
	FirstKey []byte
	// BlockOffset is the offset of the block in the file
	BlockOffset uint64
	// BlockSize is the size of the block in bytes
	BlockSize uint32
}

// BlockError reports a failure reading or decoding one data block
type BlockError struct {
	Path   string
	Index  int
	Offset uint64
	Err    error
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("%s: block %d at offset %d: %v", e.Path, e.Index, e.Offset, e.Err)
}

func (e *BlockError) Unwrap() error {
	return e.Err
}
