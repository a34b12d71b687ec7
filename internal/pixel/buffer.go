// Package pixel provides the BGRA tile buffers that travel between decode
// workers, completion messages and the tile cache.
//
// Every buffer has exactly one owner at a time. Ownership moves with Take,
// memory is given back with Release, and a released buffer cannot be read
// again: Pix panics instead of handing out a slice that may already belong
// to another tile.
package pixel

import (
	"errors"
)

// BytesPerPixel is the size of one BGRA pixel.
const BytesPerPixel = 4

// Common errors for buffer operations.
var (
	// ErrInvalidDimensions is returned when width or height is non-positive.
	ErrInvalidDimensions = errors.New("pixel: invalid dimensions")

	// ErrDataTooSmall is returned when provided data is smaller than required.
	ErrDataTooSmall = errors.New("pixel: data buffer too small")
)

// Buffer is a tightly packed BGRA pixel buffer of Width*Height*4 bytes.
//
// Thread safety: a Buffer is owned by one goroutine at a time. Hand it to
// another goroutine only by giving up all references to it (or via Take).
type Buffer struct {
	data   []byte
	width  int
	height int
	pool   *Pool
}

// New allocates a zeroed buffer. It panics on non-positive dimensions.
func New(width, height int) *Buffer {
	if width <= 0 || height <= 0 {
		panic(ErrInvalidDimensions)
	}
	return &Buffer{
		data:   make([]byte, width*height*BytesPerPixel),
		width:  width,
		height: height,
	}
}

// FromBytes wraps existing BGRA data without copying. The buffer takes
// ownership of data; the caller must not keep using it.
func FromBytes(data []byte, width, height int) (*Buffer, error) {
	if width <= 0 || height <= 0 {
		return nil, ErrInvalidDimensions
	}
	size := width * height * BytesPerPixel
	if len(data) < size {
		return nil, ErrDataTooSmall
	}
	return &Buffer{data: data[:size], width: width, height: height}, nil
}

// Width returns the buffer width in pixels.
func (b *Buffer) Width() int { return b.width }

// Height returns the buffer height in pixels.
func (b *Buffer) Height() int { return b.height }

// Stride returns the number of bytes per row.
func (b *Buffer) Stride() int { return b.width * BytesPerPixel }

// Len returns the size of the pixel data in bytes, or 0 once released.
func (b *Buffer) Len() int { return len(b.data) }

// IsReleased reports whether the buffer no longer holds pixel memory,
// either because it was released or because its contents were moved out.
func (b *Buffer) IsReleased() bool { return b.data == nil }

// Pix returns the pixel data. It panics if the buffer has been released or
// moved, since the memory may already be reused elsewhere.
func (b *Buffer) Pix() []byte {
	if b.data == nil {
		panic("pixel: use of released buffer")
	}
	return b.data
}

// Row returns the bytes of row y.
func (b *Buffer) Row(y int) []byte {
	pix := b.Pix()
	if y < 0 || y >= b.height {
		return nil
	}
	start := y * b.Stride()
	return pix[start : start+b.Stride()]
}

// Take moves the pixel memory into a new Buffer and leaves b empty.
// It is the only way buffers change hands; after Take the old handle
// behaves like a released buffer.
func (b *Buffer) Take() *Buffer {
	if b.data == nil {
		panic("pixel: take of released buffer")
	}
	nb := &Buffer{data: b.data, width: b.width, height: b.height, pool: b.pool}
	b.data = nil
	b.pool = nil
	return nb
}

// Release gives the pixel memory back to the pool it came from, if any.
// Releasing an already released buffer does nothing, so the same memory can
// never be pooled twice.
func (b *Buffer) Release() {
	if b == nil || b.data == nil {
		return
	}
	data, pool := b.data, b.pool
	b.data = nil
	b.pool = nil
	if pool != nil {
		pool.put(data, b.width, b.height)
	}
}

// Fill sets every pixel to the given BGRA value.
func (b *Buffer) Fill(blue, green, red, alpha uint8) {
	pix := b.Pix()
	for i := 0; i < len(pix); i += BytesPerPixel {
		pix[i] = blue
		pix[i+1] = green
		pix[i+2] = red
		pix[i+3] = alpha
	}
}

// Clear sets all pixels to transparent black.
func (b *Buffer) Clear() {
	clear(b.Pix())
}

// Clone returns an independent copy that does not belong to any pool.
func (b *Buffer) Clone() *Buffer {
	nb := New(b.width, b.height)
	copy(nb.data, b.Pix())
	return nb
}

// At returns the BGRA bytes of pixel (x, y), or nil when out of bounds.
func (b *Buffer) At(x, y int) []byte {
	pix := b.Pix()
	if x < 0 || x >= b.width || y < 0 || y >= b.height {
		return nil
	}
	off := y*b.Stride() + x*BytesPerPixel
	return pix[off : off+BytesPerPixel]
}
