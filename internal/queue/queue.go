// Package queue provides the bounded multi-producer multi-consumer work
// queue used for decode jobs and for completion messages.
//
// Jobs live in a lock-free ring (lfq.MPMCSeq). A counting semaphore whose
// available count always equals the number of pending jobs lets idle
// consumers sleep until work arrives. Three cursors track progress:
// submitted (accepted by Enqueue), executed (handed to a consumer) and
// retired (reported finished with Retire).
//
// Overflow policy: Enqueue never blocks. A full queue rejects the job with
// ErrCapacityExceeded and the producer decides whether to retry later, so a
// consumer thread submitting work can never stall on its own queue.
//
// Ordering: jobs leave the ring in FIFO order, but with several consumers
// running concurrently they finish in any order.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
	"golang.org/x/sync/semaphore"
)

// Queue errors.
var (
	// ErrCapacityExceeded is returned by Enqueue on a full queue. It wraps
	// iox.ErrWouldBlock, so iox.IsWouldBlock reports true for it.
	ErrCapacityExceeded = fmt.Errorf("queue: capacity exceeded: %w", iox.ErrWouldBlock)

	// ErrClosed is returned by Enqueue after Close, and by Wait once the
	// queue is closed and empty.
	ErrClosed = errors.New("queue: closed")
)

// RaceEnabled is true under the race detector. lfq's generic rings trip it
// with false positives, so tests that hand values across goroutines skip.
const RaceEnabled = lfq.RaceEnabled

// IsCapacityExceeded reports whether err means the queue was full.
func IsCapacityExceeded(err error) bool {
	return errors.Is(err, ErrCapacityExceeded) || iox.IsWouldBlock(err)
}

// Queue is a bounded job queue.
//
// Thread safety: all methods are safe for concurrent use by any number of
// producers and consumers.
type Queue[T any] struct {
	ring     *lfq.MPMCSeq[T]
	capacity int64
	wake     *semaphore.Weighted

	pending   atomix.Int64
	submitted atomix.Uint64
	executed  atomix.Uint64
	retired   atomix.Uint64

	closed    atomix.Bool
	done      context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New creates a queue holding at most capacity pending jobs.
// Panics if capacity < 1.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		panic("queue: capacity must be >= 1")
	}
	wake := semaphore.NewWeighted(int64(capacity))
	// Start with every token taken: tokens are handed back one per job.
	_ = wake.TryAcquire(int64(capacity))

	done, cancel := context.WithCancel(context.Background())
	return &Queue[T]{
		ring:     lfq.NewMPMCSeq[T](max(capacity, 2)),
		capacity: int64(capacity),
		wake:     wake,
		done:     done,
		cancel:   cancel,
	}
}

// Enqueue adds a job without blocking. It returns ErrCapacityExceeded when
// Cap jobs are already pending and ErrClosed after Close.
func (q *Queue[T]) Enqueue(job T) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if q.pending.AddAcqRel(1) > q.capacity {
		q.pending.AddAcqRel(-1)
		return ErrCapacityExceeded
	}
	if err := q.ring.Enqueue(&job); err != nil {
		// The ring is sized to at least capacity, so this only happens if
		// the pending count and the ring disagree.
		q.pending.AddAcqRel(-1)
		return ErrCapacityExceeded
	}
	q.submitted.AddAcqRel(1)
	q.wake.Release(1)
	return nil
}

// TryDequeue takes a job if one is pending, without blocking.
func (q *Queue[T]) TryDequeue() (T, bool) {
	if !q.wake.TryAcquire(1) {
		var zero T
		return zero, false
	}
	return q.Take(), true
}

// Dequeue blocks until a job is available, ctx is done, or the queue is
// closed and empty. Jobs still pending at Close are handed out first.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	if err := q.Wait(ctx); err != nil {
		var zero T
		return zero, err
	}
	return q.Take(), nil
}

// Wait reserves one pending job for the caller, blocking until there is one.
// A successful Wait must be followed by exactly one Take or Cancel.
func (q *Queue[T]) Wait(ctx context.Context) error {
	if q.wake.TryAcquire(1) {
		return nil
	}
	if q.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(q.done, cancel)
	defer stop()

	if err := q.wake.Acquire(ctx, 1); err != nil {
		if q.wake.TryAcquire(1) {
			return nil
		}
		if q.closed.Load() {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Take removes the job reserved by a successful Wait.
func (q *Queue[T]) Take() T {
	backoff := iox.Backoff{}
	for {
		job, err := q.ring.Dequeue()
		if err == nil {
			q.pending.AddAcqRel(-1)
			q.executed.AddAcqRel(1)
			return job
		}
		// A producer has claimed the head slot but not yet published it.
		backoff.Wait()
	}
}

// Cancel gives back a reservation made by Wait without taking the job, so
// another consumer can pick it up.
func (q *Queue[T]) Cancel() {
	q.wake.Release(1)
}

// Retire marks one taken job as finished.
func (q *Queue[T]) Retire() {
	q.retired.AddAcqRel(1)
}

// IsWorkInProgress reports whether any accepted job has not been retired.
func (q *Queue[T]) IsWorkInProgress() bool {
	return q.retired.LoadAcquire() < q.submitted.LoadAcquire()
}

// IsWorkWaiting reports whether any accepted job has not been taken yet.
func (q *Queue[T]) IsWorkWaiting() bool {
	return q.pending.LoadAcquire() > 0
}

// Len returns the number of pending jobs.
func (q *Queue[T]) Len() int {
	return int(max(q.pending.LoadAcquire(), 0))
}

// Cap returns the maximum number of pending jobs.
func (q *Queue[T]) Cap() int {
	return int(q.capacity)
}

// Cursors returns the submitted, executed and retired job counts.
func (q *Queue[T]) Cursors() (submitted, executed, retired uint64) {
	return q.submitted.LoadAcquire(), q.executed.LoadAcquire(), q.retired.LoadAcquire()
}

// Close stops accepting jobs and wakes blocked consumers. Pending jobs can
// still be dequeued. Close is safe to call multiple times.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		q.cancel()
	})
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	return q.closed.Load()
}
