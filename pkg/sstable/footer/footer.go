package footer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// FooterSize is the fixed size of the footer in bytes
	FooterSize = 24
	// FooterMagic is a magic number to verify we're reading a valid footer ("STNX")
	FooterMagic = uint32(0x53544E58)

	// VersionPlain tables store blocks as checksum | entry_count | entries
	VersionPlain = uint32(1)
	// VersionEnveloped tables prefix each block payload with a compression codec byte
	VersionEnveloped = uint32(2)
	// CurrentVersion is the newest file format version this package writes
	CurrentVersion = VersionEnveloped
)

var (
	// ErrBadMagic indicates the trailing bytes are not a table footer
	ErrBadMagic = errors.New("invalid footer magic")
	// ErrUnsupportedVersion indicates a footer from an unknown format version
	ErrUnsupportedVersion = errors.New("unsupported format version")
)

// Footer contains metadata for an SSTable file
type Footer struct {
	// Magic number for integrity checking
	Magic uint32
	// Version of the file format
	Version uint32
	// Offset where the index block starts
	IndexOffset uint64
	// Size of the index block in bytes
	IndexSize uint64
}

// NewFooter creates a new footer with the given parameters
func NewFooter(version uint32, indexOffset, indexSize uint64) *Footer {
	return &Footer{
		Magic:       FooterMagic,
		Version:     version,
		IndexOffset: indexOffset,
		IndexSize:   indexSize,
	}
}

// Encode serializes the footer to a byte slice
func (f *Footer) Encode() []byte {
	result := make([]byte, FooterSize)

	binary.LittleEndian.PutUint32(result[0:4], f.Magic)
	binary.LittleEndian.PutUint32(result[4:8], f.Version)
	binary.LittleEndian.PutUint64(result[8:16], f.IndexOffset)
	binary.LittleEndian.PutUint64(result[16:24], f.IndexSize)

	return result
}

// WriteTo writes the footer to an io.Writer
func (f *Footer) WriteTo(w io.Writer) (int64, error) {
	data := f.Encode()
	n, err := w.Write(data)
	return int64(n), err
}

// Decode parses a footer from a byte slice and checks its magic and version
func Decode(data []byte) (*Footer, error) {
	if len(data) < FooterSize {
		return nil, fmt.Errorf("footer data too small: %d bytes, expected %d",
			len(data), FooterSize)
	}
	data = data[len(data)-FooterSize:]

	footer := &Footer{
		Magic:       binary.LittleEndian.Uint32(data[0:4]),
		Version:     binary.LittleEndian.Uint32(data[4:8]),
		IndexOffset: binary.LittleEndian.Uint64(data[8:16]),
		IndexSize:   binary.LittleEndian.Uint64(data[16:24]),
	}

	if footer.Magic != FooterMagic {
		return nil, fmt.Errorf("%w: %08x, expected %08x", ErrBadMagic, footer.Magic, FooterMagic)
	}

	if footer.Version != VersionPlain && footer.Version != VersionEnveloped {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, footer.Version)
	}

	return footer, nil
}

// Validate checks that the index region lies inside a file of the given size
// and ends where the footer begins
func (f *Footer) Validate(fileSize int64) error {
	if fileSize < FooterSize {
		return fmt.Errorf("file too small for footer: %d bytes", fileSize)
	}
	indexEnd := f.IndexOffset + f.IndexSize
	if indexEnd < f.IndexOffset || indexEnd != uint64(fileSize-FooterSize) {
		return fmt.Errorf("index region [%d, %d) does not end at footer offset %d",
			f.IndexOffset, indexEnd, fileSize-FooterSize)
	}
	return nil
}
