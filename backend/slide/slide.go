// Package slide adapts an external whole-slide imaging library, shaped like
// OpenSlide, to the backend.Source interface.
//
// The library is supplied by the caller; this package has no binding of its
// own. Tiles are fixed at TileSize pixels on every level and are read as
// regions addressed in level-0 coordinates. The library's premultiplied
// ARGB words are converted to straight-alpha BGRA.
package slide

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gogpu/wsi/backend"
	"github.com/gogpu/wsi/internal/pixel"
	"github.com/gogpu/wsi/internal/pyramid"
)

// TileSize is the tile edge used for every slide level.
const TileSize = 512

// Property names read from the library.
const (
	PropertyMPPX = "openslide.mpp-x"
	PropertyMPPY = "openslide.mpp-y"
)

// ErrNoLibrary is returned when no library has been supplied.
var ErrNoLibrary = errors.New("slide: no slide library loaded")

// Library opens slides.
type Library interface {
	Open(path string) (Slide, error)
}

// Slide is one slide opened by a Library. ReadRegion must be safe for
// concurrent use.
type Slide interface {
	// LevelCount returns the number of native levels.
	LevelCount() int
	// LevelDimensions returns the pixel size of a level.
	LevelDimensions(level int) (width, height int64)
	// LevelDownsample returns the downsample factor of a level.
	LevelDownsample(level int) float64
	// Property returns a named slide property.
	Property(name string) (string, bool)
	// ReadRegion fills dst with w*h premultiplied ARGB pixels of level,
	// starting at (x, y) in level-0 coordinates. Pixels outside the slide
	// are transparent.
	ReadRegion(dst []uint32, x, y int64, level int, w, h int64) error
	// Close releases the slide.
	Close()
}

// Register makes lib the opener for backend.KindSlide. A nil lib removes it.
func Register(lib Library) {
	if lib == nil {
		backend.Unregister(backend.KindSlide)
		return
	}
	backend.Register(backend.KindSlide, func(ctx context.Context, path string) (backend.Source, error) {
		src, err := Open(lib, path)
		if err != nil {
			return nil, err
		}
		return src, nil
	})
}

// Source is a slide opened through a Library.
type Source struct {
	slide  Slide
	layout backend.Layout
	words  sync.Pool
	closed atomic.Bool
}

var _ backend.Source = (*Source)(nil)

// Open opens path with lib.
func Open(lib Library, path string) (*Source, error) {
	if lib == nil {
		return nil, ErrNoLibrary
	}
	sl, err := lib.Open(path)
	if err != nil {
		return nil, fmt.Errorf("slide: %s: %w", path, err)
	}

	n := sl.LevelCount()
	if n <= 0 {
		sl.Close()
		return nil, fmt.Errorf("slide: %s: %w: no levels", path, backend.ErrCorrupt)
	}
	w, h := sl.LevelDimensions(0)
	layout := backend.Layout{
		Width:      int(w),
		Height:     int(h),
		TileWidth:  TileSize,
		TileHeight: TileSize,
		MPPX:       1,
		MPPY:       1,
	}
	mppX, okX := floatProperty(sl, PropertyMPPX)
	mppY, okY := floatProperty(sl, PropertyMPPY)
	if okX && okY {
		layout.MPPX, layout.MPPY, layout.MPPKnown = mppX, mppY, true
	}
	for i := range n {
		lw, lh := sl.LevelDimensions(i)
		layout.Levels = append(layout.Levels, pyramid.NativeLevel{
			Width:      int(lw),
			Height:     int(lh),
			TileWidth:  TileSize,
			TileHeight: TileSize,
			Downsample: sl.LevelDownsample(i),
		})
	}

	return &Source{
		slide:  sl,
		layout: layout,
		words: sync.Pool{New: func() any {
			s := make([]uint32, TileSize*TileSize)
			return &s
		}},
	}, nil
}

func floatProperty(sl Slide, name string) (float64, bool) {
	v, ok := sl.Property(name)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Kind returns backend.KindSlide.
func (s *Source) Kind() backend.Kind { return backend.KindSlide }

// Layout returns the native level ladder.
func (s *Source) Layout() backend.Layout { return s.layout }

// DecodeTile reads one tile region from the library.
func (s *Source) DecodeTile(ctx context.Context, req backend.TileRequest, pool *pixel.Pool) (*pixel.Buffer, error) {
	if s.closed.Load() {
		return nil, backend.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Native < 0 || req.Native >= len(s.layout.Levels) {
		return nil, fmt.Errorf("slide: %s: no such native level", req)
	}

	n := req.TileWidth * req.TileHeight
	wp := s.words.Get().(*[]uint32)
	defer s.words.Put(wp)
	if cap(*wp) < n {
		*wp = make([]uint32, n)
	}
	words := (*wp)[:n]

	// Logical level L is 2^L times smaller than level 0, whatever float
	// downsample the library reports for the native level backing it.
	x := int64(req.TileX*req.TileWidth) << req.Level
	y := int64(req.TileY*req.TileHeight) << req.Level
	if err := s.slide.ReadRegion(words, x, y, req.Native, int64(req.TileWidth), int64(req.TileHeight)); err != nil {
		return nil, fmt.Errorf("slide: %s: %w", req, err)
	}

	dst := pool.Get(req.TileWidth, req.TileHeight)
	pix := dst.Pix()
	for i, v := range words {
		binary.LittleEndian.PutUint32(pix[i*pixel.BytesPerPixel:], unpremultiply(v))
	}
	return dst, nil
}

// unpremultiply converts one premultiplied ARGB word to straight alpha.
func unpremultiply(v uint32) uint32 {
	a := v >> 24
	switch a {
	case 0xFF:
		return v
	case 0:
		return 0
	}
	c := func(shift uint) uint32 {
		return min(((v>>shift&0xFF)*0xFF+a/2)/a, 0xFF) << shift
	}
	return a<<24 | c(16) | c(8) | c(0)
}

// Close closes the slide.
func (s *Source) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.slide.Close()
	}
	return nil
}
