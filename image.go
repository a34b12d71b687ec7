package wsi

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/gogpu/wsi/backend"
	"github.com/gogpu/wsi/cache"
)

// Image is an opened slide: its backend, its logical level ladder and its
// tile cache.
//
// Geometry accessors are safe for concurrent use. The tile cache is not:
// Cache, Completion.Store and Close belong to the goroutine that drains
// completions.
type Image struct {
	engine *Engine
	id     uuid.UUID
	name   string

	src    backend.Source
	layout backend.Layout
	levels []Level
	cache  *cache.TileCache

	widthUM, heightUM float64

	mu          sync.Mutex
	closed      bool
	outstanding int
	drained     chan struct{}
}

// ID returns a random identifier assigned when the image was opened.
func (img *Image) ID() uuid.UUID { return img.id }

// Name returns the name the image was opened with, usually the file name.
func (img *Image) Name() string { return img.name }

// Kind returns the backend family serving the image.
func (img *Image) Kind() backend.Kind { return img.src.Kind() }

// Width returns the full-resolution width in pixels.
func (img *Image) Width() int { return img.layout.Width }

// Height returns the full-resolution height in pixels.
func (img *Image) Height() int { return img.layout.Height }

// WidthUM returns the physical width in microns.
func (img *Image) WidthUM() float64 { return img.widthUM }

// HeightUM returns the physical height in microns.
func (img *Image) HeightUM() float64 { return img.heightUM }

// MPP returns microns per pixel at full resolution, and whether the value
// came from the file rather than the 1.0 default.
func (img *Image) MPP() (x, y float64, known bool) {
	return img.layout.MPPX, img.layout.MPPY, img.layout.MPPKnown
}

// TileSize returns the full-resolution tile dimensions.
func (img *Image) TileSize() (width, height int) {
	return img.layout.TileWidth, img.layout.TileHeight
}

// Levels returns the logical levels, finest first. Levels with Exists
// false are placeholders that cannot be decoded.
func (img *Image) Levels() []Level {
	return append([]Level(nil), img.levels...)
}

// LevelCount returns the number of logical levels.
func (img *Image) LevelCount() int { return len(img.levels) }

// Level returns logical level i. It panics if i is out of range.
func (img *Image) Level(i int) Level {
	return *img.level(i)
}

func (img *Image) level(i int) *Level {
	if i < 0 || i >= len(img.levels) {
		panic(fmt.Sprintf("wsi: level %d out of range [0, %d)", i, len(img.levels)))
	}
	return &img.levels[i]
}

// Cache returns the image's tile cache.
func (img *Image) Cache() *cache.TileCache { return img.cache }

// Close stops new requests for the image, waits for its outstanding decode
// jobs, closes the backend and releases every cached tile. Completions for
// the image still waiting to be drained are discarded by Store; tiles that
// finish while the completion queue is full are dropped.
//
// Close is idempotent.
func (img *Image) Close() error {
	img.mu.Lock()
	if img.closed {
		img.mu.Unlock()
		return nil
	}
	img.closed = true
	var drained chan struct{}
	if img.outstanding > 0 {
		drained = make(chan struct{})
		img.drained = drained
	}
	img.mu.Unlock()

	if drained != nil {
		_ = img.engine.helpUntil(context.Background(), drained)
	}

	err := img.src.Close()
	released := img.cache.Clear()
	img.engine.logger.Info("wsi: image closed", "image", img.name, "id", img.id, "released", released)
	if err != nil {
		return fmt.Errorf("wsi: close %s: %w", img.name, err)
	}
	return nil
}

func (img *Image) isClosed() bool {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.closed
}

// acquire counts a job against the image. It fails once Close has started.
func (img *Image) acquire() bool {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.closed {
		return false
	}
	img.outstanding++
	return true
}

func (img *Image) release() {
	img.mu.Lock()
	defer img.mu.Unlock()
	img.outstanding--
	if img.outstanding == 0 && img.drained != nil {
		close(img.drained)
		img.drained = nil
	}
}
