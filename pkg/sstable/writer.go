package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/QXIP/stenoscope/pkg/sstable/block"
	"github.com/QXIP/stenoscope/pkg/sstable/footer"
)

// FileManager handles file operations for table writing
type FileManager struct {
	path    string
	tmpPath string
	file    *os.File
}

// NewFileManager creates a new FileManager for the given file path
func NewFileManager(path string) (*FileManager, error) {
	dir := filepath.Dir(path)
	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp", filepath.Base(path)))

	file, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary file: %w", err)
	}

	return &FileManager{
		path:    path,
		tmpPath: tmpPath,
		file:    file,
	}, nil
}

// Write writes data to the file at the current position
func (fm *FileManager) Write(data []byte) (int, error) {
	return fm.file.Write(data)
}

// Sync flushes the file to disk
func (fm *FileManager) Sync() error {
	return fm.file.Sync()
}

// Close closes the file
func (fm *FileManager) Close() error {
	if fm.file == nil {
		return nil
	}
	err := fm.file.Close()
	fm.file = nil
	return err
}

// FinalizeFile closes the file and renames it to the final path
func (fm *FileManager) FinalizeFile() error {
	if err := fm.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}

	if err := os.Rename(fm.tmpPath, fm.path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// Cleanup removes the temporary file if writing is aborted
func (fm *FileManager) Cleanup() error {
	if fm.file != nil {
		fm.Close()
	}
	return os.Remove(fm.tmpPath)
}

// IndexBuilder collects block locations and serializes the block index
type IndexBuilder struct {
	entries []IndexEntry
}

// NewIndexBuilder creates a new IndexBuilder
func NewIndexBuilder() *IndexBuilder {
	return &IndexBuilder{}
}

// AddIndexEntry adds an entry to the pending index entries
func (ib *IndexBuilder) AddIndexEntry(entry IndexEntry) {
	ib.entries = append(ib.entries, entry)
}

// Serialize encodes the index as a plain block. An empty index is still a
// valid block holding zero entries.
func (ib *IndexBuilder) Serialize() ([]byte, error) {
	if len(ib.entries) == 0 {
		payload := []byte{0} // entry count
		out := make([]byte, block.ChecksumSize, block.ChecksumSize+len(payload))
		binary.LittleEndian.PutUint32(out, block.Checksum(payload))
		return append(out, payload...), nil
	}

	builder := block.NewBuilder(block.LayoutPlain, block.NoCompression)
	for _, entry := range ib.entries {
		if err := builder.Add(entry.FirstKey, encodeIndexValue(entry.BlockOffset, entry.BlockSize)); err != nil {
			return nil, fmt.Errorf("failed to add index entry: %w", err)
		}
	}

	var buf bytes.Buffer
	if _, err := builder.Finish(&buf); err != nil {
		return nil, fmt.Errorf("failed to finish index block: %w", err)
	}
	return buf.Bytes(), nil
}

// WriterOption configures a Writer
type WriterOption func(*Writer)

// WithBlockSize sets the target size of data blocks. Values outside the
// supported range are clamped.
func WithBlockSize(size int) WriterOption {
	return func(w *Writer) {
		switch {
		case size < block.MinBlockSize:
			size = block.MinBlockSize
		case size > block.MaxBlockSize:
			size = block.MaxBlockSize
		}
		w.blockSize = uint32(size)
	}
}

// WithCompression sets the block codec. Any codec other than
// NoCompression produces an enveloped (version 2) table.
func WithCompression(c block.Compression) WriterOption {
	return func(w *Writer) {
		w.compression = c
	}
}

// WithVersion forces the table format version. Compression requires
// footer.VersionEnveloped.
func WithVersion(version uint32) WriterOption {
	return func(w *Writer) {
		w.version = version
	}
}

// Writer writes a table file. It exists to build fixtures; it has no
// durability guarantees beyond a final fsync and rename.
type Writer struct {
	fileManager  *FileManager
	builder      *block.Builder
	indexBuilder *IndexBuilder
	blockSize    uint32
	compression  block.Compression
	version      uint32
	dataOffset   uint64
	lastKey      []byte
	entriesAdded uint32
}

// NewWriter creates a new table writer
func NewWriter(path string, opts ...WriterOption) (*Writer, error) {
	w := &Writer{
		indexBuilder: NewIndexBuilder(),
		blockSize:    DefaultBlockSize,
		compression:  block.NoCompression,
	}
	for _, opt := range opts {
		opt(w)
	}

	if !w.compression.IsSupported() {
		return nil, fmt.Errorf("unsupported compression %d", w.compression)
	}
	if w.version == 0 {
		w.version = footer.VersionPlain
		if w.compression != block.NoCompression {
			w.version = footer.VersionEnveloped
		}
	}

	layout := block.LayoutPlain
	switch w.version {
	case footer.VersionPlain:
		if w.compression != block.NoCompression {
			return nil, fmt.Errorf("format version %d cannot carry %s compression", w.version, w.compression)
		}
	case footer.VersionEnveloped:
		layout = block.LayoutEnvelope
	default:
		return nil, fmt.Errorf("%w: %d", footer.ErrUnsupportedVersion, w.version)
	}
	w.builder = block.NewBuilder(layout, w.compression)

	fileManager, err := NewFileManager(path)
	if err != nil {
		return nil, err
	}
	w.fileManager = fileManager

	return w, nil
}

// Add adds a key-value pair to the table.
// Keys must be added in strictly increasing order.
func (w *Writer) Add(key, value []byte) error {
	if w.entriesAdded > 0 && bytes.Compare(key, w.lastKey) <= 0 {
		return fmt.Errorf("keys must be added in strictly increasing order, got %x after %x",
			key, w.lastKey)
	}

	if err := w.builder.Add(key, value); err != nil {
		return fmt.Errorf("failed to add to block: %w", err)
	}
	w.lastKey = append(w.lastKey[:0], key...)
	w.entriesAdded++

	if w.builder.EstimatedSize() >= w.blockSize {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}

	return nil
}

// AddKey is Add with a typed key
func (w *Writer) AddKey(key Key, value []byte) error {
	return w.Add(key.Encode(), value)
}

// Entries returns the number of entries added so far
func (w *Writer) Entries() int {
	return int(w.entriesAdded)
}

// Flush ends the current block early. The next Add starts a new block.
func (w *Writer) Flush() error {
	return w.flushBlock()
}

// flushBlock writes the current block to the file and adds an index entry
func (w *Writer) flushBlock() error {
	if w.builder.Entries() == 0 {
		return nil
	}

	blockOffset := w.dataOffset
	firstKey := append([]byte(nil), w.builder.FirstKey()...)

	blockData, err := w.builder.Bytes()
	if err != nil {
		return fmt.Errorf("failed to finish block: %w", err)
	}

	n, err := w.fileManager.Write(blockData)
	if err != nil {
		return fmt.Errorf("failed to write block to file: %w", err)
	}
	if n != len(blockData) {
		return fmt.Errorf("wrote incomplete block: %d of %d bytes", n, len(blockData))
	}

	w.indexBuilder.AddIndexEntry(IndexEntry{
		FirstKey:    firstKey,
		BlockOffset: blockOffset,
		BlockSize:   uint32(n),
	})

	w.dataOffset += uint64(n)
	w.builder.Reset()

	return nil
}

// Finish completes the table and moves it into place
func (w *Writer) Finish() error {
	defer func() {
		w.fileManager.Close()
	}()

	if err := w.flushBlock(); err != nil {
		return err
	}

	indexOffset := w.dataOffset

	indexData, err := w.indexBuilder.Serialize()
	if err != nil {
		return err
	}

	n, err := w.fileManager.Write(indexData)
	if err != nil {
		return fmt.Errorf("failed to write index block: %w", err)
	}
	if n != len(indexData) {
		return fmt.Errorf("wrote incomplete index block: %d of %d bytes",
			n, len(indexData))
	}

	ft := footer.NewFooter(w.version, indexOffset, uint64(len(indexData)))
	if _, err := ft.WriteTo(w.fileManager); err != nil {
		return fmt.Errorf("failed to write footer: %w", err)
	}

	if err := w.fileManager.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}

	return w.fileManager.FinalizeFile()
}

// Abort cancels the write and removes the temporary file
func (w *Writer) Abort() error {
	return w.fileManager.Cleanup()
}
