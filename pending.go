package wsi

import (
	"context"
)

// Pending is the result of a task started with Engine.Go.
type Pending struct {
	name   string
	engine *Engine
	done   chan struct{}
	err    error
}

func newPending(e *Engine, name string) *Pending {
	return &Pending{name: name, engine: e, done: make(chan struct{})}
}

// Name returns the task name given to Go.
func (p *Pending) Name() string { return p.name }

// Done is closed when the task has finished.
func (p *Pending) Done() <-chan struct{} { return p.done }

// IsDone reports whether the task has finished.
func (p *Pending) IsDone() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Err returns the task's error once it has finished, nil before that.
func (p *Pending) Err() error {
	if !p.IsDone() {
		return nil
	}
	return p.err
}

// Wait blocks until the task finishes or ctx is done. When no background
// worker is active the caller runs queued jobs itself, so Wait never
// deadlocks on a stopped pool.
func (p *Pending) Wait(ctx context.Context) error {
	if err := p.engine.helpUntil(ctx, p.done); err != nil {
		return err
	}
	return p.err
}

func (p *Pending) finish(err error) {
	p.err = err
	close(p.done)
}
