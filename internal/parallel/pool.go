package parallel

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/wsi/internal/pixel"
	"github.com/gogpu/wsi/internal/queue"
)

// DefaultIdleSleep is how long a disabled worker sleeps before it checks
// its enablement again.
const DefaultIdleSleep = 100 * time.Millisecond

// Job is one unit of work executed by the pool.
type Job interface {
	Run(w *Worker)
}

// JobFunc adapts a function to the Job interface.
type JobFunc func(w *Worker)

// Run calls f(w).
func (f JobFunc) Run(w *Worker) { f(w) }

// Worker is the per-goroutine state handed to every job it runs.
//
// A Worker is used by one goroutine at a time. Jobs must not keep
// references to it after Run returns.
type Worker struct {
	index    int
	pool     *pixel.Pool
	executed atomic.Uint64
}

// Index returns the worker number. Worker 0 is the calling goroutine.
func (w *Worker) Index() int { return w.index }

// Pixels returns the worker's private pixel memory pool. Buffers obtained
// from it may be handed to other goroutines; on Release they come back here.
func (w *Worker) Pixels() *pixel.Pool { return w.pool }

// Options configures a WorkerPool.
type Options struct {
	// IdleSleep is the poll interval of disabled workers.
	// Zero means DefaultIdleSleep.
	IdleSleep time.Duration

	// Logger receives worker lifecycle events. Nil disables logging.
	Logger *slog.Logger

	// PixelBuckets bounds each worker's pixel pool (buffers per size).
	PixelBuckets int
}

// WorkerPool runs jobs from a queue on a fixed set of long-lived goroutines.
//
// The pool has Workers() workers in total. Worker 0 is the goroutine that
// owns the pool and only runs jobs when it calls WorkOnce; workers
// 1..Workers()-1 are goroutines started by NewWorkerPool. Worker i takes new
// jobs only while i <= Active(). Lowering the active count never interrupts
// a running job; it only stops the worker from taking the next one.
//
// Thread safety: WorkerPool is safe for concurrent use.
type WorkerPool struct {
	queue     *queue.Queue[Job]
	workers   []*Worker
	active    atomic.Int32
	idleSleep time.Duration
	logger    *slog.Logger

	// done signals workers to stop.
	done chan struct{}

	// wg waits for all worker goroutines to finish.
	wg sync.WaitGroup

	// running indicates whether the pool has not been closed.
	running atomic.Bool
}

// NewWorkerPool creates a pool with total workers (worker 0 included) that
// executes jobs from q. If total is 0 or negative, GOMAXPROCS is used.
// All spawned workers start enabled.
func NewWorkerPool(total int, q *queue.Queue[Job], opts Options) *WorkerPool {
	if total <= 0 {
		total = runtime.GOMAXPROCS(0)
	}
	if opts.IdleSleep <= 0 {
		opts.IdleSleep = DefaultIdleSleep
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	p := &WorkerPool{
		queue:     q,
		workers:   make([]*Worker, total),
		idleSleep: opts.IdleSleep,
		logger:    logger,
		done:      make(chan struct{}),
	}
	for i := range total {
		p.workers[i] = &Worker{index: i, pool: pixel.NewPool(opts.PixelBuckets)}
	}
	p.active.Store(int32(total - 1))
	p.running.Store(true)

	p.wg.Add(total - 1)
	for i := 1; i < total; i++ {
		go p.worker(p.workers[i])
	}
	return p
}

// worker is the main loop for each spawned worker goroutine.
func (p *WorkerPool) worker(w *Worker) {
	defer p.wg.Done()

	for {
		if !p.enabled(w) {
			if !p.running.Load() {
				// Enabled workers and Close drain the rest.
				return
			}
			select {
			case <-p.done:
			case <-time.After(p.idleSleep):
			}
			continue
		}

		if err := p.queue.Wait(context.Background()); err != nil {
			// Closed and empty.
			return
		}
		if !p.enabled(w) {
			// Disabled while asleep: give the job to someone else.
			p.queue.Cancel()
			continue
		}
		p.run(w, p.queue.Take())
	}
}

func (p *WorkerPool) enabled(w *Worker) bool {
	return int32(w.index) <= p.active.Load()
}

// run executes one job and retires it.
func (p *WorkerPool) run(w *Worker, job Job) {
	defer p.queue.Retire()
	w.executed.Add(1)
	job.Run(w)
}

// WorkOnce runs one pending job on the calling goroutine as worker 0.
// It returns false if no job was pending.
func (p *WorkerPool) WorkOnce() bool {
	job, ok := p.queue.TryDequeue()
	if !ok {
		return false
	}
	p.run(p.workers[0], job)
	return true
}

// SetActive sets how many spawned workers may take new jobs. Workers
// 1..n are enabled, the rest disabled. n is clamped to [0, Workers()-1].
func (p *WorkerPool) SetActive(n int) {
	n = max(0, min(n, len(p.workers)-1))
	if old := p.active.Swap(int32(n)); int(old) != n {
		p.logger.Debug("parallel: active workers changed", "from", old, "to", n)
	}
}

// Active returns the number of enabled spawned workers.
func (p *WorkerPool) Active() int {
	return int(p.active.Load())
}

// Workers returns the total number of workers, worker 0 included.
func (p *WorkerPool) Workers() int {
	return len(p.workers)
}

// Executed returns how many jobs worker i has run.
func (p *WorkerPool) Executed(i int) uint64 {
	return p.workers[i].executed.Load()
}

// IsRunning returns true until Close is called.
func (p *WorkerPool) IsRunning() bool {
	return p.running.Load()
}

// Close gracefully shuts down the pool.
// It closes the queue, lets enabled workers finish every queued job, runs
// whatever is left on the calling goroutine, and then joins all workers.
// Close is safe to call multiple times.
func (p *WorkerPool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.queue.Close()
	close(p.done)

	for p.WorkOnce() {
	}
	p.wg.Wait()
	p.logger.Debug("parallel: pool closed", "workers", len(p.workers))
}
