// Package pyramid maps the native resolution levels of a slide onto a dense
// ladder of logical levels, one per power-of-two downsample factor.
//
// Backends report whatever levels their format stores: sometimes every
// factor from 1 to 64, sometimes only 1, 4 and 32, sometimes factors that are
// a hair off a power of two. Build matches each logical level to at most one
// native level and fills the gaps with placeholder levels that have a tile
// grid for addressing but cannot be decoded.
package pyramid

import (
	"errors"
	"fmt"
	"math"
)

// Errors returned by Build.
var (
	// ErrInvalidGeometry is returned when base or native dimensions are not positive.
	ErrInvalidGeometry = errors.New("pyramid: invalid geometry")

	// ErrTooManyNativeLevels is returned when a backend reports more native
	// levels than there are logical levels to hold them.
	ErrTooManyNativeLevels = errors.New("pyramid: more native levels than logical levels")

	// ErrNoLevels is returned when a backend reports no native level at all.
	ErrNoLevels = errors.New("pyramid: no native levels")
)

// MaxLevels bounds the logical ladder. 2^31 downsampling is far beyond any
// slide that fits in memory addressing.
const MaxLevels = 32

// NativeLevel is one resolution stored by the backing format.
type NativeLevel struct {
	// Width and Height are the level's own pixel dimensions.
	Width, Height int

	// TileWidth and TileHeight are the tile dimensions at this level.
	TileWidth, TileHeight int

	// Downsample is the reported factor relative to level 0, usually close
	// to a power of two.
	Downsample float64
}

// DownsampleLevel returns round(log2(Downsample)), the logical level this
// native level can back.
func (n NativeLevel) DownsampleLevel() int {
	if n.Downsample <= 1 {
		return 0
	}
	return int(math.Round(math.Log2(n.Downsample)))
}

// Base describes the full-resolution image.
type Base struct {
	Width, Height         int
	TileWidth, TileHeight int

	// MPPX and MPPY are microns per pixel at full resolution.
	MPPX, MPPY float64
}

// Level is one logical downsample level.
type Level struct {
	// Index is the logical level; Downsample is always 2^Index.
	Index      int
	Downsample float64

	// Exists is true when a native level backs this logical level.
	// NativeIndex is only meaningful when Exists is true.
	Exists      bool
	NativeIndex int

	// Width and Height are the level's pixel dimensions.
	Width, Height int

	TileWidth, TileHeight       int
	WidthInTiles, HeightInTiles int

	// UMPerPixelX/Y and TileSideUMX/Y give the physical scale of a pixel
	// and of a whole tile at this level.
	UMPerPixelX, UMPerPixelY float64
	TileSideUMX, TileSideUMY float64
}

// TileCount returns WidthInTiles * HeightInTiles.
func (l *Level) TileCount() int {
	return l.WidthInTiles * l.HeightInTiles
}

// Contains reports whether (x, y) is inside the tile grid.
func (l *Level) Contains(x, y int) bool {
	return x >= 0 && y >= 0 && x < l.WidthInTiles && y < l.HeightInTiles
}

// TileIndex returns the linear index of tile (x, y).
func (l *Level) TileIndex(x, y int) int {
	return y*l.WidthInTiles + x
}

// TileCoords returns the grid coordinates of a linear tile index.
func (l *Level) TileCoords(index int) (x, y int) {
	return index % l.WidthInTiles, index / l.WidthInTiles
}

// EdgeExcess returns how many pixel columns and rows of tile (x, y) fall
// outside an image of extentX × extentY microns. The count is rounded up so
// that the whole excess is covered; a small tolerance keeps float noise
// from adding a spurious extra pixel.
func (l *Level) EdgeExcess(x, y int, extentX, extentY float64) (cols, rows int) {
	return excessPixels(x, l.TileSideUMX, extentX, l.TileWidth),
		excessPixels(y, l.TileSideUMY, extentY, l.TileHeight)
}

const excessTolerance = 1e-6

func excessPixels(tile int, sideUM, extentUM float64, tilePixels int) int {
	excess := float64(tile+1)*sideUM - extentUM
	if excess <= 0 || sideUM <= 0 {
		return 0
	}
	n := int(math.Ceil(excess/sideUM*float64(tilePixels) - excessTolerance))
	return max(0, min(n, tilePixels))
}

// LevelCount returns the number of logical levels for an image: enough to
// hold the deepest native level, and enough for the full image to shrink
// down to about one tile in its longest dimension.
func LevelCount(base Base, native []NativeLevel) int {
	count := 1
	for _, n := range native {
		count = max(count, n.DownsampleLevel()+1)
	}
	tiles := max(ceilDiv(base.Width, base.TileWidth), ceilDiv(base.Height, base.TileHeight))
	if tiles > 1 {
		count = max(count, int(math.Ceil(math.Log2(float64(tiles)))))
	}
	return min(count, MaxLevels)
}

// Build produces the dense logical ladder 0..LevelCount-1.
//
// Native levels are scanned in order; each logical level takes the first
// native level after the previous match whose rounded downsample level
// equals its own, so no native level is ever used twice.
func Build(base Base, native []NativeLevel) ([]Level, error) {
	if base.Width <= 0 || base.Height <= 0 || base.TileWidth <= 0 || base.TileHeight <= 0 {
		return nil, fmt.Errorf("%w: base %dx%d tile %dx%d", ErrInvalidGeometry,
			base.Width, base.Height, base.TileWidth, base.TileHeight)
	}
	if len(native) == 0 {
		return nil, ErrNoLevels
	}
	for i, n := range native {
		if n.Width <= 0 || n.Height <= 0 || n.TileWidth <= 0 || n.TileHeight <= 0 || n.Downsample <= 0 {
			return nil, fmt.Errorf("%w: native level %d is %dx%d tile %dx%d downsample %g",
				ErrInvalidGeometry, i, n.Width, n.Height, n.TileWidth, n.TileHeight, n.Downsample)
		}
	}
	mppX, mppY := base.MPPX, base.MPPY
	if mppX <= 0 {
		mppX = 1
	}
	if mppY <= 0 {
		mppY = 1
	}

	count := LevelCount(base, native)
	if len(native) > count {
		return nil, fmt.Errorf("%w: %d native, %d logical", ErrTooManyNativeLevels, len(native), count)
	}

	levels := make([]Level, count)
	next := 0
	for i := range levels {
		factor := math.Exp2(float64(i))
		lv := &levels[i]
		lv.Index = i
		lv.Downsample = factor

		match := -1
		for j := next; j < len(native); j++ {
			if native[j].DownsampleLevel() == i {
				match = j
				break
			}
		}

		if match >= 0 {
			n := native[match]
			next = match + 1
			lv.Exists = true
			lv.NativeIndex = match
			lv.Width, lv.Height = n.Width, n.Height
			lv.TileWidth, lv.TileHeight = n.TileWidth, n.TileHeight
		} else {
			lv.NativeIndex = -1
			lv.Width = ceilDiv(base.Width, 1<<i)
			lv.Height = ceilDiv(base.Height, 1<<i)
			lv.TileWidth, lv.TileHeight = base.TileWidth, base.TileHeight
		}
		lv.WidthInTiles = ceilDiv(lv.Width, lv.TileWidth)
		lv.HeightInTiles = ceilDiv(lv.Height, lv.TileHeight)
		lv.UMPerPixelX = mppX * factor
		lv.UMPerPixelY = mppY * factor
		lv.TileSideUMX = lv.UMPerPixelX * float64(lv.TileWidth)
		lv.TileSideUMY = lv.UMPerPixelY * float64(lv.TileHeight)
	}
	if !levels[0].Exists {
		return nil, fmt.Errorf("%w: no native level with downsample 1", ErrInvalidGeometry)
	}
	return levels, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
