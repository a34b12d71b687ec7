// Package flat serves ordinary raster images as a tiled pyramid.
//
// The whole image is decoded into memory when opened, and every reduced
// level is built up front by halving the previous one with a 2x2 box filter
// until the image fits in a single tile. Tiles are sub-rectangle copies.
//
// PNG, JPEG, GIF, BMP, TIFF and WebP inputs are supported.
package flat

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"sync/atomic"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/gogpu/wsi/backend"
	"github.com/gogpu/wsi/internal/pixel"
	"github.com/gogpu/wsi/internal/pyramid"
)

// DefaultTileSize is the tile edge used by the registered opener.
const DefaultTileSize = 512

func init() {
	backend.Register(backend.KindFlat, func(ctx context.Context, path string) (backend.Source, error) {
		src, err := Open(path, DefaultTileSize)
		if err != nil {
			return nil, err
		}
		return src, nil
	})
}

// Source is a fully decoded image.
type Source struct {
	levels []*pixel.Buffer
	layout backend.Layout
	format string
	closed atomic.Bool
}

var _ backend.Source = (*Source)(nil)

// Open decodes the image at path and builds its levels.
func Open(path string, tileSize int) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("flat: %w", err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("flat: %s: %w: %v", path, backend.ErrUnsupported, err)
	}
	s := FromImage(img, tileSize)
	s.format = format
	return s, nil
}

// FromImage builds a source from an already decoded image.
// Panics if tileSize < 1.
func FromImage(img image.Image, tileSize int) *Source {
	if tileSize < 1 {
		panic("flat: tile size must be >= 1")
	}
	base := pixel.FromImage(img, nil)
	s := &Source{
		levels: []*pixel.Buffer{base},
		layout: backend.Layout{
			Width:      base.Width(),
			Height:     base.Height(),
			TileWidth:  tileSize,
			TileHeight: tileSize,
			MPPX:       1,
			MPPY:       1,
		},
	}
	for cur := base; cur.Width() > tileSize || cur.Height() > tileSize; {
		cur = pixel.Downsample(cur)
		s.levels = append(s.levels, cur)
	}
	for i, lv := range s.levels {
		s.layout.Levels = append(s.layout.Levels, pyramid.NativeLevel{
			Width:      lv.Width(),
			Height:     lv.Height(),
			TileWidth:  tileSize,
			TileHeight: tileSize,
			Downsample: math.Ldexp(1, i),
		})
	}
	return s
}

// Format returns the name of the decoded format, as registered with the
// image package.
func (s *Source) Format() string { return s.format }

// Kind returns backend.KindFlat.
func (s *Source) Kind() backend.Kind { return backend.KindFlat }

// Layout returns the generated level ladder.
func (s *Source) Layout() backend.Layout { return s.layout }

// DecodeTile copies one tile out of the decoded level.
func (s *Source) DecodeTile(ctx context.Context, req backend.TileRequest, pool *pixel.Pool) (*pixel.Buffer, error) {
	if s.closed.Load() {
		return nil, backend.ErrClosed
	}
	if req.Native < 0 || req.Native >= len(s.levels) {
		return nil, fmt.Errorf("flat: %s: no such native level", req)
	}
	src := s.levels[req.Native]
	sx, sy := req.TileX*req.TileWidth, req.TileY*req.TileHeight
	if req.TileX < 0 || req.TileY < 0 || sx >= src.Width() || sy >= src.Height() {
		return nil, fmt.Errorf("flat: %s: outside %dx%d image", req, src.Width(), src.Height())
	}

	dst := pool.Get(req.TileWidth, req.TileHeight)
	pixel.CopyRect(dst, src, sx, sy)
	return dst, nil
}

// Close releases the decoded levels. No tile may be decoding while Close
// runs.
func (s *Source) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		for _, lv := range s.levels {
			lv.Release()
		}
	}
	return nil
}
