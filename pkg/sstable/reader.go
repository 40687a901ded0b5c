package sstable

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/QXIP/stenoscope/pkg/sstable/block"
	"github.com/QXIP/stenoscope/pkg/sstable/footer"
)

// IOManager handles file I/O operations for a table. All reads are
// positioned, so concurrent callers never share a file cursor.
type IOManager struct {
	path     string
	file     *os.File
	fileSize int64
	mu       sync.RWMutex
}

// NewIOManager creates a new IOManager for the given file path
func NewIOManager(path string) (*IOManager, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: failed to stat file: %w", ErrNotFound, err)
	}
	if stat.IsDir() {
		file.Close()
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotFound, path)
	}

	return &IOManager{
		path:     path,
		file:     file,
		fileSize: stat.Size(),
	}, nil
}

// ReadAt reads exactly len(data) bytes from the file at the given offset
func (m *IOManager) ReadAt(data []byte, offset int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.file == nil {
		return 0, ErrClosed
	}

	n, err := m.file.ReadAt(data, offset)
	if err != nil && !(errors.Is(err, io.EOF) && n == len(data)) {
		return n, err
	}
	return n, nil
}

// GetFileSize returns the size of the file
func (m *IOManager) GetFileSize() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fileSize
}

// Close closes the file
func (m *IOManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file == nil {
		return nil
	}

	err := m.file.Close()
	m.file = nil
	return err
}

// BlockFetcher abstracts the fetching of data blocks
type BlockFetcher struct {
	io     *IOManager
	layout block.Layout
}

// NewBlockFetcher creates a new BlockFetcher
func NewBlockFetcher(io *IOManager, layout block.Layout) *BlockFetcher {
	return &BlockFetcher{io: io, layout: layout}
}

// FetchBlock reads and parses a data block at the given offset and size
func (bf *BlockFetcher) FetchBlock(offset uint64, size uint32) (*block.Reader, error) {
	blockData := make([]byte, size)
	n, err := bf.io.ReadAt(blockData, int64(offset))
	if errors.Is(err, ErrClosed) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %d bytes: %w", ErrIO, size, err)
	}
	if n != int(size) {
		return nil, fmt.Errorf("%w: incomplete block read: got %d bytes, expected %d",
			ErrIO, n, size)
	}

	blockReader, err := block.NewReader(blockData, bf.layout)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptBlock, err)
	}

	return blockReader, nil
}

// Table is an open, read-only sorted table. It owns the file handle and
// the in-memory block index until Close is called.
type Table struct {
	path         string
	ioManager    *IOManager
	blockFetcher *BlockFetcher
	ft           *footer.Footer
	index        []IndexEntry
}

// Open opens a table file, validates its footer and loads its block index.
// No data block is read.
func Open(path string) (*Table, error) {
	ioManager, err := NewIOManager(path)
	if err != nil {
		return nil, err
	}

	table, err := load(path, ioManager)
	if err != nil {
		ioManager.Close()
		return nil, err
	}
	return table, nil
}

func load(path string, ioManager *IOManager) (*Table, error) {
	fileSize := ioManager.GetFileSize()

	if fileSize < int64(footer.FooterSize) {
		return nil, fmt.Errorf("%w: %s: file too small to be valid: %d bytes",
			ErrInvalidFormat, path, fileSize)
	}

	footerData := make([]byte, footer.FooterSize)
	if _, err := ioManager.ReadAt(footerData, fileSize-int64(footer.FooterSize)); err != nil {
		return nil, fmt.Errorf("%w: %s: failed to read footer: %w", ErrIO, path, err)
	}

	ft, err := footer.Decode(footerData)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidFormat, path, err)
	}
	if err := ft.Validate(fileSize); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidFormat, path, err)
	}

	indexData := make([]byte, ft.IndexSize)
	if _, err := ioManager.ReadAt(indexData, int64(ft.IndexOffset)); err != nil {
		return nil, fmt.Errorf("%w: %s: failed to read block index: %w", ErrIO, path, err)
	}

	index, err := decodeIndex(indexData, ft.IndexOffset)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: block index: %w", ErrInvalidFormat, path, err)
	}

	layout := block.LayoutPlain
	if ft.Version == footer.VersionEnveloped {
		layout = block.LayoutEnvelope
	}

	return &Table{
		path:         path,
		ioManager:    ioManager,
		blockFetcher: NewBlockFetcher(ioManager, layout),
		ft:           ft,
		index:        index,
	}, nil
}

// Path returns the file path the table was opened from
func (t *Table) Path() string {
	return t.path
}

// Version returns the table's format version
func (t *Table) Version() uint32 {
	return t.ft.Version
}

// FileSize returns the size of the table file in bytes
func (t *Table) FileSize() int64 {
	return t.ioManager.GetFileSize()
}

// BlockCount returns the number of data blocks
func (t *Table) BlockCount() int {
	return len(t.index)
}

// Index returns the in-memory block index. Callers must not modify it.
func (t *Table) Index() []IndexEntry {
	return t.index
}

// ReadBlock reads and decodes the i-th data block. It is safe to call
// concurrently and in any order.
func (t *Table) ReadBlock(i int) (*block.Reader, error) {
	if i < 0 || i >= len(t.index) {
		return nil, fmt.Errorf("block %d out of range [0, %d)", i, len(t.index))
	}
	entry := t.index[i]

	reader, err := t.blockFetcher.FetchBlock(entry.BlockOffset, entry.BlockSize)
	if err != nil {
		return nil, &BlockError{Path: t.path, Index: i, Offset: entry.BlockOffset, Err: err}
	}
	return reader, nil
}

// FirstKey returns the smallest key in the table, or nil if it is empty
func (t *Table) FirstKey() []byte {
	if len(t.index) == 0 {
		return nil
	}
	return t.index[0].FirstKey
}

// LastKey returns the largest key in the table. Only the last block is read.
func (t *Table) LastKey() ([]byte, error) {
	if len(t.index) == 0 {
		return nil, nil
	}

	reader, err := t.ReadBlock(len(t.index) - 1)
	if err != nil {
		return nil, err
	}

	var last []byte
	iter := reader.Iterator()
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		last = iter.Key()
	}
	return append([]byte(nil), last...), nil
}

// Close releases the file handle. It is safe to call more than once.
func (t *Table) Close() error {
	return t.ioManager.Close()
}
