package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/QXIP/stenoscope/pkg/sstable/block"
)

// parseIndexEntry extracts block location information from an index entry
func parseIndexEntry(key, value []byte) (IndexEntry, error) {
	if len(value) != IndexBlockEntrySize {
		return IndexEntry{}, fmt.Errorf("invalid index entry (length=%d, expected %d)",
			len(value), IndexBlockEntrySize)
	}

	return IndexEntry{
		FirstKey:    key,
		BlockOffset: binary.LittleEndian.Uint64(value[:8]),
		BlockSize:   binary.LittleEndian.Uint32(value[8:12]),
	}, nil
}

// encodeIndexValue is the inverse of parseIndexEntry for the value half
func encodeIndexValue(offset uint64, size uint32) []byte {
	value := make([]byte, IndexBlockEntrySize)
	binary.LittleEndian.PutUint64(value[:8], offset)
	binary.LittleEndian.PutUint32(value[8:12], size)
	return value
}

// decodeIndex decodes the block index region and checks that block
// locations are ordered, non-overlapping and end before dataEnd
func decodeIndex(data []byte, dataEnd uint64) ([]IndexEntry, error) {
	reader, err := block.NewReader(data, block.LayoutPlain)
	if err != nil {
		return nil, err
	}

	entries := make([]IndexEntry, 0, reader.NumEntries())
	var nextOffset uint64

	iter := reader.Iterator()
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		entry, err := parseIndexEntry(iter.Key(), iter.Value())
		if err != nil {
			return nil, err
		}

		n := len(entries)
		if n > 0 && bytes.Compare(entries[n-1].FirstKey, entry.FirstKey) >= 0 {
			return nil, fmt.Errorf("index entry %d: first key not ascending", n)
		}
		if entry.BlockOffset < nextOffset {
			return nil, fmt.Errorf("index entry %d: block at %d overlaps previous block", n, entry.BlockOffset)
		}
		end := entry.BlockOffset + uint64(entry.BlockSize)
		if entry.BlockSize == 0 || end > dataEnd {
			return nil, fmt.Errorf("index entry %d: block [%d, %d) outside data region [0, %d)",
				n, entry.BlockOffset, end, dataEnd)
		}
		nextOffset = end

		entries = append(entries, entry)
	}

	return entries, nil
}

// SearchFirst returns the greatest block whose first key is <= target.
// A target that sorts before every block maps to block 0, since its
// entries may still follow target. Returns -1 for an empty table.
func (t *Table) SearchFirst(target []byte) int {
	if len(t.index) == 0 {
		return -1
	}
	i := sort.Search(len(t.index), func(i int) bool {
		return bytes.Compare(t.index[i].FirstKey, target) > 0
	})
	if i == 0 {
		return 0
	}
	return i - 1
}

// SearchBefore returns the greatest block whose first key is < target,
// or -1 if no such block exists
func (t *Table) SearchBefore(target []byte) int {
	i := sort.Search(len(t.index), func(i int) bool {
		return bytes.Compare(t.index[i].FirstKey, target) >= 0
	})
	return i - 1
}

// FindBlockRange returns the inclusive range of blocks that can hold keys
// in [from, to). ok is false when no block can.
func (t *Table) FindBlockRange(from, to []byte) (lo, hi int, ok bool) {
	if bytes.Compare(from, to) >= 0 {
		return 0, -1, false
	}
	hi = t.SearchBefore(to)
	if hi < 0 {
		return 0, -1, false
	}
	lo = t.SearchFirst(from)
	return lo, hi, lo <= hi
}
