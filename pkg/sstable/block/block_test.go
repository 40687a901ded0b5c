package block

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

func buildEntries(n int) []Entry {
	entries := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, Entry{
			Key:   []byte(fmt.Sprintf("key%05d", i)),
			Value: []byte(fmt.Sprintf("value%05d", i)),
		})
	}
	return entries
}

func TestBlockBuilderSimple(t *testing.T) {
	builder := NewBuilder(LayoutPlain, NoCompression)

	numEntries := 10
	keyValues := make(map[string]string, numEntries)

	for _, e := range buildEntries(numEntries) {
		keyValues[string(e.Key)] = string(e.Value)
		if err := builder.Add(e.Key, e.Value); err != nil {
			t.Fatalf("Failed to add entry: %v", err)
		}
	}

	if builder.Entries() != numEntries {
		t.Errorf("Expected %d entries, got %d", numEntries, builder.Entries())
	}
	if string(builder.FirstKey()) != "key00000" {
		t.Errorf("Unexpected first key %q", builder.FirstKey())
	}

	var buf bytes.Buffer
	checksum, err := builder.Finish(&buf)
	if err != nil {
		t.Fatalf("Failed to finish block: %v", err)
	}

	reader, err := NewReader(buf.Bytes(), LayoutPlain)
	if err != nil {
		t.Fatalf("Failed to create block reader: %v", err)
	}

	if reader.Checksum() != checksum {
		t.Errorf("Checksum mismatch: expected %d, got %d", checksum, reader.Checksum())
	}
	if reader.NumEntries() != numEntries {
		t.Errorf("Expected %d entries, got %d", numEntries, reader.NumEntries())
	}

	iter := reader.Iterator()
	found := 0
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		expected, ok := keyValues[string(iter.Key())]
		if !ok {
			t.Errorf("Found unexpected key: %s", iter.Key())
			continue
		}
		if string(iter.Value()) != expected {
			t.Errorf("Value mismatch for key %s: expected %s, got %s", iter.Key(), expected, iter.Value())
		}
		found++
	}

	if found != numEntries {
		t.Errorf("Expected to find %d keys, got %d", numEntries, found)
	}
}

func TestBlockRoundTrip(t *testing.T) {
	layouts := []struct {
		layout      Layout
		compression Compression
	}{
		{LayoutPlain, NoCompression},
		{LayoutEnvelope, NoCompression},
		{LayoutEnvelope, SnappyCompression},
		{LayoutEnvelope, ZstdCompression},
		{LayoutEnvelope, LZ4Compression},
	}

	entries := buildEntries(200)
	// empty values and a binary key are legal
	entries = append(entries, Entry{Key: []byte("zz\x00\xff"), Value: nil})

	for _, tc := range layouts {
		t.Run(fmt.Sprintf("%s-%s", tc.layout, tc.compression), func(t *testing.T) {
			data, err := Encode(tc.layout, tc.compression, entries)
			if err != nil {
				t.Fatalf("Failed to encode: %v", err)
			}

			decoded, err := Decode(data, tc.layout)
			if err != nil {
				t.Fatalf("Failed to decode: %v", err)
			}

			if len(decoded) != len(entries) {
				t.Fatalf("Expected %d entries, got %d", len(entries), len(decoded))
			}
			for i := range entries {
				if !bytes.Equal(decoded[i].Key, entries[i].Key) {
					t.Errorf("Entry %d key mismatch: %q vs %q", i, decoded[i].Key, entries[i].Key)
				}
				if !bytes.Equal(decoded[i].Value, entries[i].Value) {
					t.Errorf("Entry %d value mismatch: %q vs %q", i, decoded[i].Value, entries[i].Value)
				}
			}
		})
	}
}

func TestBlockBuilderOrdering(t *testing.T) {
	builder := NewBuilder(LayoutPlain, NoCompression)

	if err := builder.Add([]byte("b"), nil); err != nil {
		t.Fatalf("Failed to add entry: %v", err)
	}
	if err := builder.Add([]byte("a"), nil); err == nil {
		t.Errorf("Expected error adding a smaller key")
	}
	if err := builder.Add([]byte("b"), nil); err == nil {
		t.Errorf("Expected error adding a duplicate key")
	}
}

func TestBlockBuilderEmpty(t *testing.T) {
	builder := NewBuilder(LayoutPlain, NoCompression)
	if _, err := builder.Bytes(); !errors.Is(err, ErrEmptyBlock) {
		t.Errorf("Expected ErrEmptyBlock, got %v", err)
	}
}

func TestBlockBuilderReset(t *testing.T) {
	builder := NewBuilder(LayoutPlain, NoCompression)
	for _, e := range buildEntries(5) {
		if err := builder.Add(e.Key, e.Value); err != nil {
			t.Fatalf("Failed to add entry: %v", err)
		}
	}
	builder.Reset()

	if builder.Entries() != 0 || builder.EstimatedSize() != 0 {
		t.Errorf("Builder not reset: %d entries, size %d", builder.Entries(), builder.EstimatedSize())
	}

	// keys smaller than before the reset are accepted again
	if err := builder.Add([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Failed to add after reset: %v", err)
	}
	data, err := builder.Bytes()
	if err != nil {
		t.Fatalf("Failed to serialize: %v", err)
	}
	decoded, err := Decode(data, LayoutPlain)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if len(decoded) != 1 || string(decoded[0].Key) != "a" {
		t.Errorf("Unexpected entries after reset: %v", decoded)
	}
}

func TestPlainBlockRejectsCompression(t *testing.T) {
	_, err := Encode(LayoutPlain, SnappyCompression, buildEntries(1))
	if err == nil {
		t.Errorf("Expected error compressing a plain block")
	}
}

func TestBlockIteratorSeek(t *testing.T) {
	data, err := Encode(LayoutPlain, NoCompression, buildEntries(100))
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	reader, err := NewReader(data, LayoutPlain)
	if err != nil {
		t.Fatalf("Failed to create reader: %v", err)
	}

	iter := reader.Iterator()

	if !iter.Seek([]byte("key00050")) {
		t.Fatalf("Failed to seek to existing key")
	}
	if string(iter.Key()) != "key00050" || iter.Index() != 50 {
		t.Errorf("Expected key00050 at index 50, got %s at %d", iter.Key(), iter.Index())
	}

	// between keys lands on the next one
	if !iter.Seek([]byte("key00050a")) {
		t.Fatalf("Failed to seek between keys")
	}
	if string(iter.Key()) != "key00051" {
		t.Errorf("Expected key00051, got %s", iter.Key())
	}

	if !iter.Seek([]byte("a")) || string(iter.Key()) != "key00000" {
		t.Errorf("Seek before first key should land on first key, got %s", iter.Key())
	}

	if iter.Seek([]byte("zzz")) {
		t.Errorf("Seek past last key should fail")
	}
	if iter.Valid() {
		t.Errorf("Iterator should be invalid after seeking past the end")
	}
	if iter.Next() {
		t.Errorf("Next should fail on an exhausted iterator")
	}
}

func TestBlockIteratorNextWithoutSeek(t *testing.T) {
	data, err := Encode(LayoutPlain, NoCompression, buildEntries(3))
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	reader, err := NewReader(data, LayoutPlain)
	if err != nil {
		t.Fatalf("Failed to create reader: %v", err)
	}

	iter := reader.Iterator()
	count := 0
	for iter.Next() {
		count++
	}
	if count != 3 {
		t.Errorf("Expected 3 entries, got %d", count)
	}
}

func TestBlockCorruption(t *testing.T) {
	data, err := Encode(LayoutPlain, NoCompression, buildEntries(20))
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	for _, offset := range []int{0, ChecksumSize, len(data) / 2, len(data) - 1} {
		corrupted := append([]byte(nil), data...)
		corrupted[offset] ^= 0xFF

		if _, err := NewReader(corrupted, LayoutPlain); !errors.Is(err, ErrCorrupt) {
			t.Errorf("Flipping byte %d: expected ErrCorrupt, got %v", offset, err)
		}
	}

	if _, err := NewReader(data[:3], LayoutPlain); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Expected ErrCorrupt for truncated block, got %v", err)
	}
}

func TestBlockLengthOverrun(t *testing.T) {
	// A well-checksummed payload whose value length runs past the end
	payload := []byte{1, 1, 'k', 50, 'v'}
	data := make([]byte, ChecksumSize+len(payload))
	copy(data[ChecksumSize:], payload)
	sum := Checksum(payload)
	data[0], data[1], data[2], data[3] = byte(sum), byte(sum>>8), byte(sum>>16), byte(sum>>24)

	if _, err := NewReader(data, LayoutPlain); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Expected ErrCorrupt for length overrun, got %v", err)
	}
}

func TestDecompressLimit(t *testing.T) {
	oversized := make([]byte, MaxDecodedSize+1)

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("Failed to create zstd encoder: %v", err)
	}
	zstdPayload := enc.EncodeAll(oversized, nil)
	enc.Close()

	var lz4Payload bytes.Buffer
	w := lz4.NewWriter(&lz4Payload)
	if _, err := w.Write(oversized); err != nil {
		t.Fatalf("Failed to write lz4: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close lz4: %v", err)
	}

	// A snappy header claiming a gigabyte, followed by a few literal bytes
	snappyHeader := append(binary.AppendUvarint(nil, 1<<30), 0, 'x')

	tests := []struct {
		name    string
		codec   Compression
		payload []byte
	}{
		{"snappy header", SnappyCompression, snappyHeader},
		{"snappy stream", SnappyCompression, snappy.Encode(nil, oversized)},
		{"zstd", ZstdCompression, zstdPayload},
		{"lz4", LZ4Compression, lz4Payload.Bytes()},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := decompress(tc.codec, tc.payload); err == nil {
				t.Fatalf("Expected %s payload above the limit to be rejected", tc.codec)
			}

			// Inside a block the failure surfaces as corruption
			payload := append([]byte{byte(tc.codec)}, tc.payload...)
			data := binary.LittleEndian.AppendUint32(nil, Checksum(payload))
			data = append(data, payload...)
			if _, err := NewReader(data, LayoutEnvelope); !errors.Is(err, ErrCorrupt) {
				t.Errorf("Expected ErrCorrupt, got %v", err)
			}
		})
	}

	for _, c := range []Compression{SnappyCompression, ZstdCompression, LZ4Compression} {
		if _, err := compress(c, oversized); !errors.Is(err, ErrTooLarge) {
			t.Errorf("Expected %s compress to refuse oversized payload, got %v", c, err)
		}
	}

	// Exactly the limit still round-trips
	limit := make([]byte, MaxDecodedSize)
	for _, c := range []Compression{SnappyCompression, ZstdCompression, LZ4Compression} {
		packed, err := compress(c, limit)
		if err != nil {
			t.Fatalf("Failed to compress with %s: %v", c, err)
		}
		out, err := decompress(c, packed)
		if err != nil {
			t.Fatalf("Failed to decompress with %s: %v", c, err)
		}
		if len(out) != MaxDecodedSize {
			t.Errorf("%s: expected %d bytes, got %d", c, MaxDecodedSize, len(out))
		}
	}
}

func TestParseCompression(t *testing.T) {
	for _, c := range []Compression{NoCompression, SnappyCompression, ZstdCompression, LZ4Compression} {
		parsed, err := ParseCompression(c.String())
		if err != nil {
			t.Fatalf("Failed to parse %s: %v", c, err)
		}
		if parsed != c {
			t.Errorf("Expected %s, got %s", c, parsed)
		}
	}
	if _, err := ParseCompression("brotli"); err == nil {
		t.Errorf("Expected error for unknown codec")
	}
}
