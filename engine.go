package wsi

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"github.com/google/uuid"

	"github.com/gogpu/wsi/backend"
	"github.com/gogpu/wsi/backend/flat"
	"github.com/gogpu/wsi/backend/slide"
	"github.com/gogpu/wsi/cache"
	"github.com/gogpu/wsi/internal/parallel"
	"github.com/gogpu/wsi/internal/pyramid"
	"github.com/gogpu/wsi/internal/queue"
)

// pixelBuckets bounds each worker's pool of recycled tile buffers.
const pixelBuckets = 64

// Engine decodes image tiles on a pool of workers.
//
// Requests go in through RequestTile from any goroutine; decoded tiles come
// back as Completions through PollCompletions or Drain. The engine never
// touches an image's tile cache itself.
//
// An Engine is created with New and must be stopped with Shutdown.
type Engine struct {
	opts   options
	logger *slog.Logger

	decodeQ     *queue.Queue[parallel.Job]
	completions *queue.Queue[*Completion]
	pool        *parallel.WorkerPool

	// ctx is handed to backend decodes and Go tasks; cancelled by Shutdown
	// after the pool has drained.
	ctx    context.Context
	cancel context.CancelFunc

	// mu orders admission against Shutdown: submitters hold it shared
	// across the closing check and the enqueue.
	mu           sync.RWMutex
	closing      atomix.Bool
	shutdownOnce sync.Once

	slideLib  slide.Library
	slideInit *Pending

	stats counters
}

// New creates an engine and starts its workers.
func New(opts ...Option) *Engine {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = Logger()
	}

	e := &Engine{
		opts:        o,
		logger:      logger,
		decodeQ:     queue.New[parallel.Job](o.queueCapacity),
		completions: queue.New[*Completion](o.completionCapacity),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.pool = parallel.NewWorkerPool(o.workers, e.decodeQ, parallel.Options{
		IdleSleep:    o.idleSleep,
		Logger:       logger,
		PixelBuckets: pixelBuckets,
	})

	if o.slideLoader != nil {
		loader := o.slideLoader
		e.slideInit = e.Go("slide library", func(ctx context.Context) error {
			lib, err := loader(ctx)
			if err != nil {
				return err
			}
			e.slideLib = lib
			return nil
		})
	}

	logger.Info("wsi: engine started",
		"workers", o.workers,
		"queue_capacity", o.queueCapacity,
		"completion_capacity", o.completionCapacity)
	return e
}

// Shutdown stops accepting new work, runs the jobs already queued, and
// joins the workers. Completions produced before or during shutdown can
// still be drained afterwards. Shutdown is idempotent.
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.mu.Lock()
		e.closing.Store(true)
		e.mu.Unlock()
		e.pool.Close()
		e.cancel()
		s := e.Stats()
		e.logger.Info("wsi: engine stopped",
			"decoded", s.Decoded, "failed", s.Failed, "dropped", s.Dropped)
	})
}

// Open detects the format of path, opens it with the matching backend and
// builds its level ladder. For slides Open first waits for the slide
// library loader given to WithSlideLibrary, if any.
func (e *Engine) Open(ctx context.Context, path string) (*Image, error) {
	if e.closing.Load() {
		return nil, ErrClosed
	}
	kind, err := backend.Detect(path)
	if err != nil {
		return nil, err
	}
	src, err := e.openSource(ctx, kind, path)
	if err != nil {
		return nil, err
	}
	img, err := e.OpenSource(src, filepath.Base(path))
	if err != nil {
		src.Close()
		return nil, err
	}
	return img, nil
}

func (e *Engine) openSource(ctx context.Context, kind backend.Kind, path string) (backend.Source, error) {
	switch kind {
	case backend.KindFlat:
		src, err := flat.Open(path, e.opts.flatTileSize)
		if err != nil {
			return nil, err
		}
		return src, nil
	case backend.KindSlide:
		if e.slideInit == nil {
			break
		}
		if err := e.slideInit.Wait(ctx); err != nil {
			return nil, fmt.Errorf("wsi: %s: %w: %w", path, slide.ErrNoLibrary, err)
		}
		src, err := slide.Open(e.slideLib, path)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
	return backend.Open(ctx, kind, path)
}

// OpenSource wraps a backend that is already open. On error the caller
// keeps ownership of src.
func (e *Engine) OpenSource(src backend.Source, name string) (*Image, error) {
	if e.closing.Load() {
		return nil, ErrClosed
	}
	layout := src.Layout()
	levels, err := pyramid.Build(layout.Base(), layout.Levels)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidPyramid, name, err)
	}

	grids := make([]cache.Grid, len(levels))
	for i := range levels {
		grids[i] = cache.Grid{WidthInTiles: levels[i].WidthInTiles, HeightInTiles: levels[i].HeightInTiles}
	}

	mppX, mppY := layout.MPPX, layout.MPPY
	if mppX <= 0 {
		mppX = 1
	}
	if mppY <= 0 {
		mppY = 1
	}
	img := &Image{
		engine:   e,
		id:       uuid.New(),
		name:     name,
		src:      src,
		layout:   layout,
		levels:   levels,
		cache:    cache.New(grids, e.opts.cacheBudget),
		widthUM:  float64(layout.Width) * mppX,
		heightUM: float64(layout.Height) * mppY,
	}
	e.logger.Info("wsi: image opened",
		"image", name, "id", img.id, "kind", src.Kind(),
		"width", layout.Width, "height", layout.Height,
		"levels", len(levels), "native", len(layout.Levels))
	return img, nil
}

// RequestTile queues the decode of tile (x, y) at a logical level of img.
// It never blocks. ErrQueueFull means the request was not accepted and may
// be retried; ErrClosed means the engine or image is closed.
//
// RequestTile panics if level is out of range, if the level is a
// placeholder with no native data, or if (x, y) is outside its tile grid.
// Duplicate requests are not coalesced.
func (e *Engine) RequestTile(img *Image, level, x, y int) error {
	if img.engine != e {
		panic("wsi: image belongs to another engine")
	}
	lv := img.level(level)
	if !lv.Exists {
		panic(fmt.Sprintf("wsi: level %d of %s is a placeholder and cannot be decoded", level, img.name))
	}
	if !lv.Contains(x, y) {
		panic(fmt.Sprintf("wsi: tile (%d, %d) outside %dx%d grid of level %d",
			x, y, lv.WidthInTiles, lv.HeightInTiles, level))
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closing.Load() {
		return ErrClosed
	}
	if !img.acquire() {
		return ErrClosed
	}

	err := e.decodeQ.Enqueue(&decodeJob{img: img, level: lv, x: x, y: y})
	if err != nil {
		img.release()
		if IsQueueFull(err) {
			e.stats.rejected.AddAcqRel(1)
			return ErrQueueFull
		}
		return ErrClosed
	}
	e.stats.submitted.AddAcqRel(1)
	return nil
}

// PollCompletions removes and returns every completion currently waiting.
func (e *Engine) PollCompletions() []*Completion {
	var out []*Completion
	e.Drain(func(c *Completion) {
		out = append(out, c)
	})
	return out
}

// Drain passes every completion currently waiting to fn, in the order they
// were produced, and returns how many there were.
func (e *Engine) Drain(fn func(*Completion)) int {
	n := 0
	for {
		c, ok := e.completions.TryDequeue()
		if !ok {
			return n
		}
		e.completions.Retire()
		fn(c)
		n++
	}
}

// Go runs fn on the worker pool and returns a handle to its result. If the
// engine is shut down or the queue is full the handle is already finished
// with ErrClosed or ErrQueueFull.
func (e *Engine) Go(name string, fn func(ctx context.Context) error) *Pending {
	p := newPending(e, name)
	job := parallel.JobFunc(func(w *parallel.Worker) {
		start := time.Now()
		err := fn(e.ctx)
		if err != nil {
			e.logger.Warn("wsi: task failed", "task", name, "worker", w.Index(), "err", err)
		} else {
			e.logger.Info("wsi: task done", "task", name, "worker", w.Index(), "elapsed", time.Since(start))
		}
		p.finish(err)
	})
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closing.Load() {
		p.finish(ErrClosed)
		return p
	}
	if err := e.decodeQ.Enqueue(job); err != nil {
		if !IsQueueFull(err) {
			err = ErrClosed
		}
		p.finish(err)
	}
	return p
}

// SetActiveWorkerCount enables background workers 1..n and disables the
// rest. It is clamped to [0, Workers()-1]. Lowering the count never
// interrupts a running job.
func (e *Engine) SetActiveWorkerCount(n int) {
	e.pool.SetActive(n)
}

// ActiveWorkerCount returns the number of enabled background workers.
func (e *Engine) ActiveWorkerCount() int { return e.pool.Active() }

// Workers returns the total number of workers, worker 0 included.
func (e *Engine) Workers() int { return e.pool.Workers() }

// IsWorkInProgress reports whether any accepted job has not yet finished.
func (e *Engine) IsWorkInProgress() bool { return e.decodeQ.IsWorkInProgress() }

// WorkOnce runs one queued job on the calling goroutine as worker 0 and
// reports whether there was one. A tile it decodes while the completion
// queue is full is dropped rather than waiting for a drain.
func (e *Engine) WorkOnce() bool { return e.pool.WorkOnce() }

// helpUntil waits for done. While no background worker is enabled the
// caller runs queued jobs itself.
func (e *Engine) helpUntil(ctx context.Context, done <-chan struct{}) error {
	poll := time.NewTimer(e.opts.idleSleep)
	defer poll.Stop()
	for {
		select {
		case <-done:
			return nil
		default:
		}
		interval := e.opts.idleSleep
		if e.pool.Active() == 0 {
			if e.pool.WorkOnce() {
				continue
			}
			interval = time.Millisecond
		}
		poll.Reset(interval)
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
		}
	}
}

// IsClosed reports whether Shutdown has been called.
func (e *Engine) IsClosed() bool { return e.closing.Load() }
