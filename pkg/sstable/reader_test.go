package sstable

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/QXIP/stenoscope/pkg/sstable/block"
	"github.com/QXIP/stenoscope/pkg/sstable/footer"
)

func TestReaderBasics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sst")
	times := []int64{10, 20, 30, 40, 50, 60, 70, 80, 90}
	writeTable(t, path, times, 3)

	table, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open table: %v", err)
	}
	defer table.Close()

	if table.Path() != path {
		t.Errorf("Expected path %s, got %s", path, table.Path())
	}
	if table.BlockCount() != 3 {
		t.Fatalf("Expected 3 blocks, got %d", table.BlockCount())
	}

	var got []int64
	for i := 0; i < table.BlockCount(); i++ {
		reader, err := table.ReadBlock(i)
		if err != nil {
			t.Fatalf("Failed to read block %d: %v", i, err)
		}
		if reader.NumEntries() != 3 {
			t.Errorf("Block %d: expected 3 entries, got %d", i, reader.NumEntries())
		}
		for _, e := range reader.Entries() {
			ts, ok := KeyTime(e.Key)
			if !ok {
				t.Fatalf("Malformed key %x", e.Key)
			}
			got = append(got, ts)
		}
	}

	if len(got) != len(times) {
		t.Fatalf("Expected %d entries, got %d", len(times), len(got))
	}
	for i := range times {
		if got[i] != times[i] {
			t.Errorf("Entry %d: expected time %d, got %d", i, times[i], got[i])
		}
	}

	first, _ := DecodeKey(table.FirstKey())
	if first.Time != 10 {
		t.Errorf("Expected first key time 10, got %d", first.Time)
	}
	lastKey, err := table.LastKey()
	if err != nil {
		t.Fatalf("Failed to read last key: %v", err)
	}
	last, _ := DecodeKey(lastKey)
	if last.Time != 90 {
		t.Errorf("Expected last key time 90, got %d", last.Time)
	}
}

func TestReaderIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sst")
	writeTable(t, path, []int64{10, 20, 30, 40, 50}, 2)

	table, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open table: %v", err)
	}
	defer table.Close()

	index := table.Index()
	if len(index) != 3 {
		t.Fatalf("Expected 3 index entries, got %d", len(index))
	}

	if index[0].BlockOffset != 0 {
		t.Errorf("First block should start at offset 0, got %d", index[0].BlockOffset)
	}
	for i := 1; i < len(index); i++ {
		prevEnd := index[i-1].BlockOffset + uint64(index[i-1].BlockSize)
		if index[i].BlockOffset != prevEnd {
			t.Errorf("Block %d starts at %d, expected %d", i, index[i].BlockOffset, prevEnd)
		}
		if bytes.Compare(index[i-1].FirstKey, index[i].FirstKey) >= 0 {
			t.Errorf("Index first keys not ascending at %d", i)
		}
	}

	wantFirst := []int64{10, 30, 50}
	for i, want := range wantFirst {
		ts, _ := KeyTime(index[i].FirstKey)
		if ts != want {
			t.Errorf("Block %d: expected first key time %d, got %d", i, want, ts)
		}
	}
}

func TestReaderNotFound(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.sst"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	_, err = Open(t.TempDir())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for a directory, got %v", err)
	}
}

func TestReaderInvalidFormat(t *testing.T) {
	dir := t.TempDir()
	valid := filepath.Join(dir, "valid.sst")
	writeTable(t, valid, []int64{1, 2, 3, 4}, 2)

	data, err := os.ReadFile(valid)
	if err != nil {
		t.Fatalf("Failed to read table: %v", err)
	}
	footerStart := len(data) - footer.FooterSize

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"Empty", func(b []byte) []byte { return nil }},
		{"ShortFile", func(b []byte) []byte { return b[:footer.FooterSize-1] }},
		{"BadMagic", func(b []byte) []byte {
			b[footerStart] ^= 0xFF
			return b
		}},
		{"UnsupportedVersion", func(b []byte) []byte {
			b[footerStart+4] = 99
			return b
		}},
		{"IndexOutsideFile", func(b []byte) []byte {
			b[footerStart+8+7] = 0x7F // index offset high byte
			return b
		}},
		{"CorruptIndex", func(b []byte) []byte {
			idx := footerStart - 1 // last byte of the index block
			b[idx] ^= 0xFF
			return b
		}},
		{"Truncated", func(b []byte) []byte {
			// Drop a data block byte; the footer no longer lines up with the index
			return append(b[:1:1], b[2:]...)
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mutated := tc.mutate(append([]byte(nil), data...))
			path := filepath.Join(dir, tc.name+".sst")
			if err := os.WriteFile(path, mutated, 0644); err != nil {
				t.Fatalf("Failed to write file: %v", err)
			}

			_, err := Open(path)
			if !errors.Is(err, ErrInvalidFormat) {
				t.Errorf("Expected ErrInvalidFormat, got %v", err)
			}
		})
	}
}

func TestReaderCorruptBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sst")
	writeTable(t, path, []int64{1, 2, 3, 4, 5, 6}, 2)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read table: %v", err)
	}

	// Flip a byte inside the second block
	table, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open table: %v", err)
	}
	entry := table.Index()[1]
	table.Close()

	data[entry.BlockOffset+uint64(entry.BlockSize)-1] ^= 0xFF
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	table, err = Open(path)
	if err != nil {
		t.Fatalf("Open should only read the footer and index: %v", err)
	}
	defer table.Close()

	if _, err := table.ReadBlock(0); err != nil {
		t.Errorf("Block 0 should be intact: %v", err)
	}

	_, err = table.ReadBlock(1)
	if !errors.Is(err, ErrCorruptBlock) {
		t.Fatalf("Expected ErrCorruptBlock, got %v", err)
	}
	if !errors.Is(err, block.ErrCorrupt) {
		t.Errorf("Expected the block codec error to be preserved, got %v", err)
	}

	var blockErr *BlockError
	if !errors.As(err, &blockErr) {
		t.Fatalf("Expected *BlockError, got %T", err)
	}
	if blockErr.Index != 1 || blockErr.Offset != entry.BlockOffset {
		t.Errorf("Unexpected block error context: %+v", blockErr)
	}
}

func TestReaderClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sst")
	writeTable(t, path, []int64{1, 2, 3}, 0)

	table, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open table: %v", err)
	}

	if err := table.Close(); err != nil {
		t.Fatalf("Failed to close table: %v", err)
	}
	if err := table.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}

	if _, err := table.ReadBlock(0); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestReaderOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sst")
	writeTable(t, path, []int64{1, 2, 3}, 0)

	table, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open table: %v", err)
	}
	defer table.Close()

	if _, err := table.ReadBlock(-1); err == nil {
		t.Errorf("Expected error for negative block index")
	}
	if _, err := table.ReadBlock(table.BlockCount()); err == nil {
		t.Errorf("Expected error for block index past the end")
	}
}

func TestReaderConcurrentReads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sst")
	times := make([]int64, 200)
	for i := range times {
		times[i] = int64(i)
	}
	writeTable(t, path, times, 10)

	table, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open table: %v", err)
	}
	defer table.Close()

	var wg sync.WaitGroup
	errs := make(chan error, table.BlockCount())
	// Read blocks in reverse from many goroutines; no shared cursor
	for i := table.BlockCount() - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reader, err := table.ReadBlock(i)
			if err != nil {
				errs <- err
				return
			}
			first := reader.Entries()[0].Key
			if !bytes.Equal(first, table.Index()[i].FirstKey) {
				errs <- errors.New("block first key does not match index")
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Concurrent read failed: %v", err)
	}
}
