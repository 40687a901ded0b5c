package block

import (
	"errors"

	"github.com/cespare/xxhash/v2"
)

// Entry represents a key-value pair within the block
type Entry struct {
	Key   []byte
	Value []byte
}

// Layout selects how a block payload is framed on disk
type Layout uint8

const (
	// LayoutPlain is checksum | entry_count | entries
	LayoutPlain Layout = iota + 1
	// LayoutEnvelope is checksum | codec | codec(entry_count | entries)
	LayoutEnvelope
)

// String returns the name of the layout
func (l Layout) String() string {
	switch l {
	case LayoutPlain:
		return "plain"
	case LayoutEnvelope:
		return "envelope"
	default:
		return "unknown"
	}
}

const (
	// BlockSize is the target size for each block
	BlockSize = 16 * 1024 // 16KB
	// MinBlockSize and MaxBlockSize bound the configurable target size
	MinBlockSize = 4 * 1024
	MaxBlockSize = 64 * 1024
	// ChecksumSize is the size of the leading block checksum
	ChecksumSize = 4
)

var (
	// ErrCorrupt indicates a block failed checksum or bounds validation
	ErrCorrupt = errors.New("block corruption detected")
	// ErrEmptyBlock is returned when finishing a block with no entries
	ErrEmptyBlock = errors.New("cannot finish empty block")
)

// Checksum returns the 32-bit block checksum of data.
// It is the low half of the data's xxHash64.
func Checksum(data []byte) uint32 {
	return uint32(xxhash.Sum64(data))
}
