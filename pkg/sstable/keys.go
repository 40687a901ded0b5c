package sstable

import (
	"encoding/binary"
	"fmt"
)

// KeySize is the encoded size of a Key
const KeySize = 16

// Key orders entries by Unix time in seconds, with Seq breaking ties
// between entries recorded in the same second.
type Key struct {
	Time int64
	Seq  uint64
}

// MinKey returns the smallest key at the given second
func MinKey(sec int64) Key {
	return Key{Time: sec}
}

// Encode returns the 16-byte big-endian form of the key. The sign bit of
// Time is flipped so that bytewise order equals numeric order.
func (k Key) Encode() []byte {
	buf := make([]byte, KeySize)
	k.EncodeTo(buf)
	return buf
}

// EncodeTo writes the encoded key into dst, which must hold KeySize bytes
func (k Key) EncodeTo(dst []byte) {
	binary.BigEndian.PutUint64(dst[0:8], uint64(k.Time)^(1<<63))
	binary.BigEndian.PutUint64(dst[8:16], k.Seq)
}

// Compare returns -1, 0 or 1 comparing k to other
func (k Key) Compare(other Key) int {
	switch {
	case k.Time < other.Time:
		return -1
	case k.Time > other.Time:
		return 1
	case k.Seq < other.Seq:
		return -1
	case k.Seq > other.Seq:
		return 1
	default:
		return 0
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.Time, k.Seq)
}

// DecodeKey parses an encoded key
func DecodeKey(data []byte) (Key, error) {
	if len(data) != KeySize {
		return Key{}, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(data))
	}
	return Key{
		Time: int64(binary.BigEndian.Uint64(data[0:8]) ^ (1 << 63)),
		Seq:  binary.BigEndian.Uint64(data[8:16]),
	}, nil
}

// KeyTime extracts the time component of an encoded key without a full decode
func KeyTime(data []byte) (int64, bool) {
	if len(data) != KeySize {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(data[0:8]) ^ (1 << 63)), true
}
