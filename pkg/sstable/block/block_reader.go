package block

import (
	"encoding/binary"
	"fmt"
)

// Reader provides methods to read data from a serialized block
type Reader struct {
	entries     []byte // entry region, after the entry count
	numEntries  int
	checksum    uint32
	compression Compression
	size        int
}

// NewReader validates a serialized block and prepares it for iteration.
// The checksum and every length prefix are checked up front so that
// iteration over a returned Reader cannot run past the buffer.
func NewReader(data []byte, layout Layout) (*Reader, error) {
	if len(data) < ChecksumSize+1 {
		return nil, fmt.Errorf("block data too small: %d bytes: %w", len(data), ErrCorrupt)
	}

	checksum := binary.LittleEndian.Uint32(data[:ChecksumSize])
	payload := data[ChecksumSize:]

	if computed := Checksum(payload); computed != checksum {
		return nil, fmt.Errorf("block checksum mismatch: expected %08x, got %08x: %w",
			checksum, computed, ErrCorrupt)
	}

	compression := NoCompression
	switch layout {
	case LayoutPlain:
	case LayoutEnvelope:
		compression = Compression(payload[0])
		if !compression.IsSupported() {
			return nil, fmt.Errorf("unsupported block compression %d: %w", payload[0], ErrCorrupt)
		}
		raw, err := decompress(compression, payload[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to decompress %s block: %v: %w", compression, err, ErrCorrupt)
		}
		payload = raw
	default:
		return nil, fmt.Errorf("unknown block layout %d", layout)
	}

	count, n := binary.Uvarint(payload)
	if n <= 0 {
		return nil, fmt.Errorf("invalid entry count: %w", ErrCorrupt)
	}
	entries := payload[n:]

	if err := validateEntries(entries, count); err != nil {
		return nil, err
	}

	return &Reader{
		entries:     entries,
		numEntries:  int(count),
		checksum:    checksum,
		compression: compression,
		size:        len(data),
	}, nil
}

// validateEntries walks the entry region and checks that exactly count
// entries fit and consume it completely
func validateEntries(data []byte, count uint64) error {
	pos := 0
	for i := uint64(0); i < count; i++ {
		for field := 0; field < 2; field++ {
			l, n := binary.Uvarint(data[pos:])
			if n <= 0 {
				return fmt.Errorf("entry %d: bad length prefix at offset %d: %w", i, pos, ErrCorrupt)
			}
			pos += n
			if l > uint64(len(data)-pos) {
				return fmt.Errorf("entry %d: length %d runs past block end: %w", i, l, ErrCorrupt)
			}
			pos += int(l)
		}
	}
	if pos != len(data) {
		return fmt.Errorf("%d trailing bytes after %d entries: %w", len(data)-pos, count, ErrCorrupt)
	}
	return nil
}

// NumEntries returns the number of entries in the block
func (r *Reader) NumEntries() int {
	return r.numEntries
}

// Checksum returns the stored block checksum
func (r *Reader) Checksum() uint32 {
	return r.checksum
}

// Compression returns the codec the block was stored with
func (r *Reader) Compression() Compression {
	return r.compression
}

// Size returns the on-disk size of the block
func (r *Reader) Size() int {
	return r.size
}

// Iterator returns an iterator for the block
func (r *Reader) Iterator() *Iterator {
	return &Iterator{reader: r}
}

// Entries materializes all entries. Keys and values alias the block buffer.
func (r *Reader) Entries() []Entry {
	entries := make([]Entry, 0, r.numEntries)
	it := r.Iterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		entries = append(entries, Entry{Key: it.Key(), Value: it.Value()})
	}
	return entries
}

// Decode is a convenience wrapper returning all entries of a serialized block
func Decode(data []byte, layout Layout) ([]Entry, error) {
	r, err := NewReader(data, layout)
	if err != nil {
		return nil, err
	}
	return r.Entries(), nil
}
