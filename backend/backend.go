package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/gogpu/wsi/internal/pixel"
	"github.com/gogpu/wsi/internal/pyramid"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when no opener is registered for a kind.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrUnknownFormat is returned by Detect for paths no backend can read.
	ErrUnknownFormat = errors.New("backend: unknown file format")

	// ErrUnsupported is returned by decoders for encodings they do not handle.
	ErrUnsupported = errors.New("backend: unsupported encoding")

	// ErrCorrupt is returned by decoders for malformed tile data.
	ErrCorrupt = errors.New("backend: corrupt data")

	// ErrClosed is returned by DecodeTile after Close.
	ErrClosed = errors.New("backend: source closed")
)

// Kind identifies a backend family.
type Kind int

const (
	// KindUnknown is the zero Kind.
	KindUnknown Kind = iota
	// KindTiled is the built-in pyramidal tiled TIFF decoder.
	KindTiled
	// KindSlide is an external whole-slide library.
	KindSlide
	// KindDICOM is a DICOM whole-slide series.
	KindDICOM
	// KindFlat is an ordinary image decoded fully into memory.
	KindFlat
)

// String returns the backend name.
func (k Kind) String() string {
	switch k {
	case KindTiled:
		return "tiled"
	case KindSlide:
		return "slide"
	case KindDICOM:
		return "dicom"
	case KindFlat:
		return "flat"
	default:
		return "unknown"
	}
}

// Layout is the geometry a Source reports at open time.
type Layout struct {
	// Width and Height are the full-resolution pixel dimensions.
	Width, Height int

	// TileWidth and TileHeight are the tile size shared by every level.
	TileWidth, TileHeight int

	// MPPX and MPPY are microns per pixel at full resolution.
	// They are 1 when the format does not record them.
	MPPX, MPPY float64

	// MPPKnown reports whether MPPX and MPPY came from the file.
	MPPKnown bool

	// Levels lists the native levels, ordered by increasing downsample.
	Levels []pyramid.NativeLevel
}

// Base returns the pyramid base described by the layout.
func (l Layout) Base() pyramid.Base {
	return pyramid.Base{
		Width:      l.Width,
		Height:     l.Height,
		TileWidth:  l.TileWidth,
		TileHeight: l.TileHeight,
		MPPX:       l.MPPX,
		MPPY:       l.MPPY,
	}
}

// TileRequest addresses one tile of a native level.
type TileRequest struct {
	// Native is the index into Layout.Levels.
	Native int
	// Level is the logical pyramid level, used for diagnostics and by
	// backends that address regions in level-0 coordinates.
	Level int
	// TileX and TileY are grid coordinates within the level.
	TileX, TileY int
	// TileWidth and TileHeight are the pixel size of the returned buffer.
	TileWidth, TileHeight int
}

// String formats the request for logs and errors.
func (r TileRequest) String() string {
	return fmt.Sprintf("level %d (native %d) tile (%d,%d)", r.Level, r.Native, r.TileX, r.TileY)
}

// Source is one opened image in some backend format.
type Source interface {
	// Kind returns the backend family.
	Kind() Kind

	// Layout returns the native geometry. It does not change after open.
	Layout() Layout

	// DecodeTile decodes one tile into a new TileWidth x TileHeight BGRA
	// buffer obtained from pool. Alpha is straight, not premultiplied.
	// Pixels outside the native level are zero.
	// On error no buffer is returned. Safe for concurrent use.
	DecodeTile(ctx context.Context, req TileRequest, pool *pixel.Pool) (*pixel.Buffer, error)

	// Close releases the underlying resources.
	Close() error
}
