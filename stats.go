package wsi

import (
	"code.hybscloud.com/atomix"
)

// Stats is a snapshot of engine counters.
type Stats struct {
	// Submitted counts decode jobs accepted by RequestTile.
	Submitted uint64
	// Rejected counts RequestTile calls refused with ErrQueueFull.
	Rejected uint64
	// Decoded counts tiles that decoded successfully.
	Decoded uint64
	// Failed counts tiles whose backend decode returned an error.
	Failed uint64
	// Dropped counts decoded tiles discarded because the completion queue
	// was full and nobody could drain it: during shutdown, while the image
	// was closing, or when the tile was decoded on the caller by WorkOnce.
	Dropped uint64

	// Pending is the number of queued decode jobs not yet picked up.
	Pending int
	// ActiveWorkers is the number of enabled background workers.
	ActiveWorkers int
}

type counters struct {
	submitted atomix.Uint64
	rejected  atomix.Uint64
	decoded   atomix.Uint64
	failed    atomix.Uint64
	dropped   atomix.Uint64
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Submitted:     e.stats.submitted.LoadAcquire(),
		Rejected:      e.stats.rejected.LoadAcquire(),
		Decoded:       e.stats.decoded.LoadAcquire(),
		Failed:        e.stats.failed.LoadAcquire(),
		Dropped:       e.stats.dropped.LoadAcquire(),
		Pending:       e.decodeQ.Len(),
		ActiveWorkers: e.pool.Active(),
	}
}
