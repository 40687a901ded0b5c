package block

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Builder constructs a sorted, serialized block
type Builder struct {
	layout      Layout
	compression Compression
	body        []byte
	count       int
	firstKey    []byte
	lastKey     []byte
	scratch     [binary.MaxVarintLen64]byte
}

// NewBuilder creates a new block builder.
// Compression only applies to LayoutEnvelope.
func NewBuilder(layout Layout, compression Compression) *Builder {
	return &Builder{
		layout:      layout,
		compression: compression,
		body:        make([]byte, 0, BlockSize),
	}
}

// Add adds a key-value pair to the block
// Keys must be added in strictly increasing order
func (b *Builder) Add(key, value []byte) error {
	if b.count > 0 && bytes.Compare(key, b.lastKey) <= 0 {
		return fmt.Errorf("keys must be added in strictly increasing order, got %x after %x",
			key, b.lastKey)
	}

	b.body = b.appendUvarint(b.body, uint64(len(key)))
	b.body = append(b.body, key...)
	b.body = b.appendUvarint(b.body, uint64(len(value)))
	b.body = append(b.body, value...)

	if b.count == 0 {
		b.firstKey = append(b.firstKey[:0], key...)
	}
	b.lastKey = append(b.lastKey[:0], key...)
	b.count++

	return nil
}

func (b *Builder) appendUvarint(dst []byte, v uint64) []byte {
	n := binary.PutUvarint(b.scratch[:], v)
	return append(dst, b.scratch[:n]...)
}

// Entries returns the number of entries in the block
func (b *Builder) Entries() int {
	return b.count
}

// FirstKey returns the first key added since the last reset
func (b *Builder) FirstKey() []byte {
	return b.firstKey
}

// EstimatedSize returns the approximate size of the block when serialized,
// before compression
func (b *Builder) EstimatedSize() uint32 {
	if b.count == 0 {
		return 0
	}
	size := ChecksumSize + binary.MaxVarintLen64 + len(b.body)
	if b.layout == LayoutEnvelope {
		size++
	}
	return uint32(size)
}

// Reset clears the builder state
func (b *Builder) Reset() {
	b.body = b.body[:0]
	b.count = 0
	b.firstKey = b.firstKey[:0]
	b.lastKey = b.lastKey[:0]
}

// Bytes serializes the block and returns its on-disk bytes
func (b *Builder) Bytes() ([]byte, error) {
	if b.count == 0 {
		return nil, ErrEmptyBlock
	}

	payload := make([]byte, 0, len(b.body)+binary.MaxVarintLen64)
	payload = b.appendUvarint(payload, uint64(b.count))
	payload = append(payload, b.body...)

	switch b.layout {
	case LayoutPlain:
		if b.compression != NoCompression {
			return nil, fmt.Errorf("plain blocks cannot be compressed with %s", b.compression)
		}
	case LayoutEnvelope:
		compressed, err := compress(b.compression, payload)
		if err != nil {
			return nil, fmt.Errorf("failed to compress block: %w", err)
		}
		payload = append([]byte{byte(b.compression)}, compressed...)
	default:
		return nil, fmt.Errorf("unknown block layout %d", b.layout)
	}

	out := make([]byte, ChecksumSize+len(payload))
	copy(out[ChecksumSize:], payload)
	binary.LittleEndian.PutUint32(out[:ChecksumSize], Checksum(payload))

	return out, nil
}

// Finish serializes the block to a writer and returns the block checksum
func (b *Builder) Finish(w io.Writer) (uint32, error) {
	data, err := b.Bytes()
	if err != nil {
		return 0, err
	}

	n, err := w.Write(data)
	if err != nil {
		return 0, fmt.Errorf("failed to write block: %w", err)
	}
	if n != len(data) {
		return 0, fmt.Errorf("wrote incomplete block: %d of %d bytes", n, len(data))
	}

	return binary.LittleEndian.Uint32(data[:ChecksumSize]), nil
}

// Encode serializes an ordered slice of entries into a single block
func Encode(layout Layout, compression Compression, entries []Entry) ([]byte, error) {
	b := NewBuilder(layout, compression)
	for _, e := range entries {
		if err := b.Add(e.Key, e.Value); err != nil {
			return nil, err
		}
	}
	return b.Bytes()
}
