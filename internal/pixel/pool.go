package pixel

import "sync"

// Pool is a thread-safe pool for reusing tile-sized pixel memory.
//
// Pool groups memory by dimensions, so full tiles of one pyramid are
// recycled among themselves. Buffers taken from a pool remember it and
// return there on Release.
//
// Thread safety: All methods are safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	buckets map[poolKey][][]byte
	maxSize int // max buffers per bucket
}

// poolKey identifies a bucket of identically sized buffers.
type poolKey struct {
	width  int
	height int
}

// NewPool creates a pool keeping at most maxPerBucket buffers of each size.
// A maxPerBucket of 0 means unlimited.
func NewPool(maxPerBucket int) *Pool {
	return &Pool{
		buckets: make(map[poolKey][][]byte),
		maxSize: maxPerBucket,
	}
}

// Get returns a buffer of the given size. Reused memory is cleared, so the
// result is always fully transparent.
func (p *Pool) Get(width, height int) *Buffer {
	if p == nil {
		return New(width, height)
	}
	if width <= 0 || height <= 0 {
		panic(ErrInvalidDimensions)
	}
	key := poolKey{width: width, height: height}

	p.mu.Lock()
	bucket := p.buckets[key]
	if n := len(bucket); n > 0 {
		data := bucket[n-1]
		bucket[n-1] = nil
		p.buckets[key] = bucket[:n-1]
		p.mu.Unlock()

		clear(data)
		return &Buffer{data: data, width: width, height: height, pool: p}
	}
	p.mu.Unlock()

	b := New(width, height)
	b.pool = p
	return b
}

// Len returns the number of idle buffers held by the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, bucket := range p.buckets {
		n += len(bucket)
	}
	return n
}

// put stores released memory. Called only from Buffer.Release, which
// guarantees each slice is handed back once.
func (p *Pool) put(data []byte, width, height int) {
	key := poolKey{width: width, height: height}

	p.mu.Lock()
	defer p.mu.Unlock()

	bucket := p.buckets[key]
	if p.maxSize > 0 && len(bucket) >= p.maxSize {
		return
	}
	p.buckets[key] = append(bucket, data)
}
