package wsi

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/gogpu/wsi/backend/slide"
)

// Option configures an Engine during creation.
//
// Example:
//
//	eng := wsi.New(
//	    wsi.WithWorkers(8),
//	    wsi.WithCacheBudget(256<<20),
//	)
type Option func(*options)

// SlideLoader loads the third-party whole-slide library. It runs once on a
// worker when the engine starts; slides cannot be opened until it returns.
type SlideLoader func(ctx context.Context) (slide.Library, error)

// Default option values.
const (
	DefaultQueueCapacity      = 1024
	DefaultCompletionCapacity = 1024
	DefaultIdleSleep          = 100 * time.Millisecond
	DefaultCacheBudget        = 512 << 20
	DefaultFlatTileSize       = 512
)

type options struct {
	workers            int
	queueCapacity      int
	completionCapacity int
	idleSleep          time.Duration
	logger             *slog.Logger
	cacheBudget        int64
	flatTileSize       int
	slideLoader        SlideLoader
}

func defaultOptions() options {
	return options{
		workers:            runtime.GOMAXPROCS(0),
		queueCapacity:      DefaultQueueCapacity,
		completionCapacity: DefaultCompletionCapacity,
		idleSleep:          DefaultIdleSleep,
		cacheBudget:        DefaultCacheBudget,
		flatTileSize:       DefaultFlatTileSize,
	}
}

// WithWorkers sets the total number of workers, including worker 0 (the
// goroutine that calls WorkOnce). Values below 1 are ignored.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n >= 1 {
			o.workers = n
		}
	}
}

// WithQueueCapacity bounds the number of decode jobs that may be pending.
// RequestTile returns ErrQueueFull beyond it.
func WithQueueCapacity(n int) Option {
	return func(o *options) {
		if n >= 1 {
			o.queueCapacity = n
		}
	}
}

// WithCompletionCapacity bounds the number of finished tiles waiting to be
// drained. Workers back off while it is full.
func WithCompletionCapacity(n int) Option {
	return func(o *options) {
		if n >= 1 {
			o.completionCapacity = n
		}
	}
}

// WithIdleSleep sets how long a disabled worker sleeps between checks of
// the active worker count.
func WithIdleSleep(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.idleSleep = d
		}
	}
}

// WithLogger gives the engine its own logger instead of Logger().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithCacheBudget sets the per-image tile cache budget in bytes.
// Zero means unlimited.
func WithCacheBudget(bytes int64) Option {
	return func(o *options) {
		if bytes >= 0 {
			o.cacheBudget = bytes
		}
	}
}

// WithFlatTileSize sets the tile edge used to cut flat images.
func WithFlatTileSize(n int) Option {
	return func(o *options) {
		if n >= 1 {
			o.flatTileSize = n
		}
	}
}

// WithSlideLibrary registers a loader for the whole-slide library. The
// loader runs asynchronously; Open waits for it when it meets a slide.
func WithSlideLibrary(loader SlideLoader) Option {
	return func(o *options) {
		o.slideLoader = loader
	}
}
