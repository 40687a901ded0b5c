package block

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the codec applied to an enveloped block payload
type Compression uint8

const (
	NoCompression     Compression = 0
	SnappyCompression Compression = 1
	ZstdCompression   Compression = 2
	LZ4Compression    Compression = 3
)

// String returns the human-readable name of the codec
func (c Compression) String() string {
	switch c {
	case NoCompression:
		return "none"
	case SnappyCompression:
		return "snappy"
	case ZstdCompression:
		return "zstd"
	case LZ4Compression:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// IsSupported reports whether the codec can be encoded and decoded
func (c Compression) IsSupported() bool {
	return c <= LZ4Compression
}

// ParseCompression maps a codec name to its Compression value
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return NoCompression, nil
	case "snappy":
		return SnappyCompression, nil
	case "zstd":
		return ZstdCompression, nil
	case "lz4":
		return LZ4Compression, nil
	default:
		return NoCompression, fmt.Errorf("unknown compression %q", name)
	}
}

// MaxDecodedSize bounds the decompressed size of one block payload. Blocks
// close at MaxBlockSize, so only a single oversized entry comes near it.
const MaxDecodedSize = 256 * MaxBlockSize

// ErrTooLarge is returned for payloads that exceed MaxDecodedSize
var ErrTooLarge = fmt.Errorf("block payload exceeds %d bytes", MaxDecodedSize)

// zstd encoders and decoders are safe for concurrent EncodeAll/DecodeAll
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedSize))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// compress encodes data with the given codec. Payloads larger than
// MaxDecodedSize are refused so that every written block can be read back.
func compress(c Compression, data []byte) ([]byte, error) {
	if c != NoCompression && len(data) > MaxDecodedSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	switch c {
	case NoCompression:
		return data, nil

	case SnappyCompression:
		return snappy.Encode(nil, data), nil

	case ZstdCompression:
		enc, _, err := zstdCodec()
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		return enc.EncodeAll(data, nil), nil

	case LZ4Compression:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 close: %w", err)
		}
		return buf.Bytes(), nil

	default:
		return nil, fmt.Errorf("unsupported compression: %s", c)
	}
}

// decompress reverses compress
func decompress(c Compression, data []byte) ([]byte, error) {
	switch c {
	case NoCompression:
		return data, nil

	case SnappyCompression:
		n, err := snappy.DecodedLen(data)
		if err != nil {
			return nil, err
		}
		if n > MaxDecodedSize {
			return nil, fmt.Errorf("%w: snappy header claims %d bytes", ErrTooLarge, n)
		}
		return snappy.Decode(nil, data)

	case ZstdCompression:
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, err
		}
		if len(out) > MaxDecodedSize {
			return nil, fmt.Errorf("%w: zstd produced %d bytes", ErrTooLarge, len(out))
		}
		return out, nil

	case LZ4Compression:
		out, err := io.ReadAll(io.LimitReader(lz4.NewReader(bytes.NewReader(data)), MaxDecodedSize+1))
		if err != nil {
			return nil, err
		}
		if len(out) > MaxDecodedSize {
			return nil, fmt.Errorf("%w: lz4 stream is longer", ErrTooLarge)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported compression: %s", c)
	}
}
