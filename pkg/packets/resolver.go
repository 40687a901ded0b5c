// Package packets turns index entry values into packets and aggregates
// them.
//
// An index value of PointerSize bytes points into the packet file paired
// with the index file: an 8-byte big-endian offset followed by a 4-byte
// big-endian frame length. Values of any other length are opaque.
package packets

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
)

// PointerSize is the encoded size of a Pointer
const PointerSize = 12

// MaxFrameLength bounds the length a pointer may claim
const MaxFrameLength = 1 << 18

var (
	// ErrResolverClosed is returned by Read after Close
	ErrResolverClosed = errors.New("resolver is closed")
	// ErrBadPointer is returned for pointers that cannot address a frame
	ErrBadPointer = errors.New("bad packet pointer")
)

// Pointer addresses one frame inside a packet file
type Pointer struct {
	Offset uint64
	Length uint32
}

// ParsePointer decodes an index value. It reports false when the value is
// not a packet pointer.
func ParsePointer(value []byte) (Pointer, bool) {
	if len(value) != PointerSize {
		return Pointer{}, false
	}
	return Pointer{
		Offset: binary.BigEndian.Uint64(value[0:8]),
		Length: binary.BigEndian.Uint32(value[8:12]),
	}, true
}

// Encode returns the index value form of p
func (p Pointer) Encode() []byte {
	buf := make([]byte, PointerSize)
	binary.BigEndian.PutUint64(buf[0:8], p.Offset)
	binary.BigEndian.PutUint32(buf[8:12], p.Length)
	return buf
}

func (p Pointer) String() string {
	return fmt.Sprintf("%d+%d", p.Offset, p.Length)
}

// Resolver reads frames out of packet files. Files are opened on first use
// and kept open until Close. Reads use ReadAt and may run concurrently.
type Resolver struct {
	mu     sync.Mutex
	files  map[string]*os.File
	closed bool
}

// NewResolver creates a resolver with no open files
func NewResolver() *Resolver {
	return &Resolver{files: make(map[string]*os.File)}
}

func (r *Resolver) file(path string) (*os.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrResolverClosed
	}
	if f, ok := r.files[path]; ok {
		return f, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r.files[path] = f
	return f, nil
}

// Read returns the frame p points to in the packet file at path
func (r *Resolver) Read(path string, p Pointer) ([]byte, error) {
	if p.Length == 0 || p.Length > MaxFrameLength {
		return nil, fmt.Errorf("%w: length %d", ErrBadPointer, p.Length)
	}
	// The frame must end at an offset ReadAt can address
	if p.Offset > math.MaxInt64-uint64(p.Length) {
		return nil, fmt.Errorf("%w: offset %d", ErrBadPointer, p.Offset)
	}

	f, err := r.file(path)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, p.Length)
	n, err := f.ReadAt(buf, int64(p.Offset))
	if n == len(buf) {
		return buf, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return nil, fmt.Errorf("read %s at %s: %w", path, p, err)
}

// Close closes every open packet file. It is safe to call more than once.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for path, f := range r.files {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", path, err))
		}
	}
	r.files = nil
	return errors.Join(errs...)
}
