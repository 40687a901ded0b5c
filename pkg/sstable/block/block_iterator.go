package block

import (
	"bytes"
	"encoding/binary"
)

// Iterator allows iterating through key-value pairs in a block.
// Keys and values returned by the iterator alias the block buffer and
// remain valid as long as the Reader is reachable.
type Iterator struct {
	reader      *Reader
	nextPos     int // offset of the entry after the current one
	index       int // ordinal of the current entry
	currentKey  []byte
	currentVal  []byte
	initialized bool
}

// SeekToFirst positions the iterator at the first entry
func (it *Iterator) SeekToFirst() {
	it.initialized = true
	it.nextPos = 0
	it.index = -1
	it.advance()
}

// Seek positions the iterator at the first key >= target
func (it *Iterator) Seek(target []byte) bool {
	for it.SeekToFirst(); it.Valid(); it.advance() {
		if bytes.Compare(it.currentKey, target) >= 0 {
			return true
		}
	}
	return false
}

// Next advances the iterator to the next entry
func (it *Iterator) Next() bool {
	if !it.initialized {
		it.SeekToFirst()
		return it.Valid()
	}

	if it.currentKey == nil {
		return false
	}

	it.advance()
	return it.Valid()
}

// advance decodes the entry at nextPos. Bounds were validated by NewReader.
func (it *Iterator) advance() {
	data := it.reader.entries
	if it.index+1 >= it.reader.numEntries || it.nextPos >= len(data) {
		it.currentKey = nil
		it.currentVal = nil
		it.index = it.reader.numEntries
		return
	}

	pos := it.nextPos
	keyLen, n := binary.Uvarint(data[pos:])
	pos += n
	key := data[pos : pos+int(keyLen) : pos+int(keyLen)]
	pos += int(keyLen)

	valLen, n := binary.Uvarint(data[pos:])
	pos += n
	val := data[pos : pos+int(valLen) : pos+int(valLen)]
	pos += int(valLen)

	it.currentKey = key
	it.currentVal = val
	it.nextPos = pos
	it.index++
}

// Key returns the current key
func (it *Iterator) Key() []byte {
	return it.currentKey
}

// Value returns the current value
func (it *Iterator) Value() []byte {
	return it.currentVal
}

// Index returns the ordinal of the current entry within the block
func (it *Iterator) Index() int {
	return it.index
}

// Valid returns true if the iterator is positioned at a valid entry
func (it *Iterator) Valid() bool {
	return it.currentKey != nil
}
