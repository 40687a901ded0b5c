package footer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestFooterEncodeDecode(t *testing.T) {
	f := NewFooter(
		VersionPlain,
		1000, // indexOffset
		500,  // indexSize
	)

	encoded := f.Encode()

	if len(encoded) != FooterSize {
		t.Errorf("Encoded footer size is %d, expected %d", len(encoded), FooterSize)
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Failed to decode footer: %v", err)
	}

	if decoded.Magic != f.Magic {
		t.Errorf("Magic mismatch: got %d, expected %d", decoded.Magic, f.Magic)
	}

	if decoded.Version != f.Version {
		t.Errorf("Version mismatch: got %d, expected %d", decoded.Version, f.Version)
	}

	if decoded.IndexOffset != f.IndexOffset {
		t.Errorf("IndexOffset mismatch: got %d, expected %d", decoded.IndexOffset, f.IndexOffset)
	}

	if decoded.IndexSize != f.IndexSize {
		t.Errorf("IndexSize mismatch: got %d, expected %d", decoded.IndexSize, f.IndexSize)
	}
}

func TestFooterWriteTo(t *testing.T) {
	f := NewFooter(VersionEnveloped, 1000, 500)

	var buf bytes.Buffer
	n, err := f.WriteTo(&buf)
	if err != nil {
		t.Fatalf("Failed to write footer: %v", err)
	}

	if n != int64(FooterSize) {
		t.Errorf("WriteTo wrote %d bytes, expected %d", n, FooterSize)
	}

	if !bytes.Equal(buf.Bytes(), f.Encode()) {
		t.Errorf("WriteTo output differs from Encode")
	}
}

func TestFooterDecodeUsesTrailingBytes(t *testing.T) {
	f := NewFooter(VersionPlain, 7, 9)
	data := append([]byte("leading block data"), f.Encode()...)

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Failed to decode footer: %v", err)
	}
	if decoded.IndexOffset != 7 || decoded.IndexSize != 9 {
		t.Errorf("Unexpected footer: %+v", decoded)
	}
}

func TestFooterBadMagic(t *testing.T) {
	encoded := NewFooter(VersionPlain, 1000, 500).Encode()
	binary.LittleEndian.PutUint32(encoded[0:4], 0xDEADBEEF)

	_, err := Decode(encoded)
	if !errors.Is(err, ErrBadMagic) {
		t.Errorf("Expected ErrBadMagic, got %v", err)
	}
}

func TestFooterUnsupportedVersion(t *testing.T) {
	encoded := NewFooter(99, 1000, 500).Encode()

	_, err := Decode(encoded)
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("Expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestFooterTooSmall(t *testing.T) {
	if _, err := Decode(make([]byte, FooterSize-1)); err == nil {
		t.Errorf("Expected error for short footer")
	}
}

func TestFooterValidate(t *testing.T) {
	f := NewFooter(VersionPlain, 100, 50)

	if err := f.Validate(100 + 50 + FooterSize); err != nil {
		t.Errorf("Expected valid footer, got %v", err)
	}

	if err := f.Validate(100 + 60 + FooterSize); err == nil {
		t.Errorf("Expected error when index does not end at footer")
	}

	if err := f.Validate(10); err == nil {
		t.Errorf("Expected error for tiny file")
	}

	overflow := NewFooter(VersionPlain, ^uint64(0), 10)
	if err := overflow.Validate(1 << 20); err == nil {
		t.Errorf("Expected error for overflowing index range")
	}
}
