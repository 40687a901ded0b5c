package sstable

import (
	"sync"

	"github.com/QXIP/stenoscope/pkg/sstable/block"
)

// Iterator iterates over key-value pairs across all blocks of a table in
// key order. A block read failure stops iteration; check Error afterwards.
type Iterator struct {
	table         *Table
	blockIdx      int
	dataBlockIter *block.Iterator
	currentBlock  *block.Reader
	err           error
	initialized   bool
	mu            sync.Mutex
}

// NewIterator returns an iterator over the whole table
func (t *Table) NewIterator() *Iterator {
	return &Iterator{table: t, blockIdx: -1}
}

// SeekToFirst positions the iterator at the first key
func (it *Iterator) SeekToFirst() {
	it.mu.Lock()
	defer it.mu.Unlock()

	it.err = nil
	it.initialized = true
	it.loadBlock(0)
	if it.dataBlockIter != nil {
		it.dataBlockIter.SeekToFirst()
		if !it.dataBlockIter.Valid() {
			it.advanceToNextBlock()
		}
	}
}

// Seek positions the iterator at the first key >= target
func (it *Iterator) Seek(target []byte) bool {
	it.mu.Lock()
	defer it.mu.Unlock()

	it.err = nil
	it.initialized = true

	idx := it.table.SearchFirst(target)
	if idx < 0 {
		it.resetBlockIterator()
		return false
	}

	it.loadBlock(idx)
	if it.dataBlockIter == nil {
		return false
	}
	if it.dataBlockIter.Seek(target) {
		return true
	}

	// Every key in this block is < target; the next block starts after it
	return it.advanceToNextBlock()
}

// Next advances the iterator to the next key
func (it *Iterator) Next() bool {
	it.mu.Lock()
	if !it.initialized {
		it.mu.Unlock()
		it.SeekToFirst()
		return it.Valid()
	}
	defer it.mu.Unlock()

	if it.dataBlockIter == nil {
		return false
	}
	if it.dataBlockIter.Next() {
		return true
	}
	return it.advanceToNextBlock()
}

// Key returns the current key
func (it *Iterator) Key() []byte {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.dataBlockIter == nil || !it.dataBlockIter.Valid() {
		return nil
	}
	return it.dataBlockIter.Key()
}

// Value returns the current value
func (it *Iterator) Value() []byte {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.dataBlockIter == nil || !it.dataBlockIter.Valid() {
		return nil
	}
	return it.dataBlockIter.Value()
}

// Valid returns true if the iterator is positioned at a valid entry
func (it *Iterator) Valid() bool {
	it.mu.Lock()
	defer it.mu.Unlock()

	return it.dataBlockIter != nil && it.dataBlockIter.Valid()
}

// Block returns the index of the block holding the current entry
func (it *Iterator) Block() int {
	it.mu.Lock()
	defer it.mu.Unlock()

	return it.blockIdx
}

// Error returns any error encountered during iteration
func (it *Iterator) Error() error {
	it.mu.Lock()
	defer it.mu.Unlock()

	return it.err
}

func (it *Iterator) resetBlockIterator() {
	it.currentBlock = nil
	it.dataBlockIter = nil
}

// advanceToNextBlock moves to the first entry of the next non-empty block
func (it *Iterator) advanceToNextBlock() bool {
	for next := it.blockIdx + 1; next < it.table.BlockCount(); next++ {
		it.loadBlock(next)
		if it.dataBlockIter == nil {
			return false
		}
		it.dataBlockIter.SeekToFirst()
		if it.dataBlockIter.Valid() {
			return true
		}
	}
	it.resetBlockIterator()
	return false
}

// loadBlock reads block idx and makes it current
func (it *Iterator) loadBlock(idx int) {
	it.blockIdx = idx
	if idx < 0 || idx >= it.table.BlockCount() {
		it.resetBlockIterator()
		return
	}

	blockReader, err := it.table.ReadBlock(idx)
	if err != nil {
		it.err = err
		it.resetBlockIterator()
		return
	}

	it.currentBlock = blockReader
	it.dataBlockIter = blockReader.Iterator()
}
