// Package cache owns decoded tile pixels for one opened image.
//
// A TileCache holds one Tile per grid cell of every logical level. A tile
// owns at most one pixel buffer, present exactly while the tile is cached.
// Buffers enter through Insert, which takes ownership, and leave through
// Evict, Trim or Clear, which release them. Nothing else frees tile memory.
//
// Tiles flagged keep-resident are skipped by Trim, the budget-driven
// eviction. Explicit unloads (Evict and Clear) ignore the flag and reset it.
//
// Thread safety: TileCache is not safe for concurrent use. It is meant to
// be owned by the single goroutine that drains decode completions.
package cache

import (
	"errors"
	"fmt"

	lru "github.com/gogpu/wsi/internal/cache"
	"github.com/gogpu/wsi/internal/pixel"
)

// Cache errors.
var (
	// ErrAlreadyCached is returned by Insert for a tile that already holds
	// pixels. The incoming buffer is released.
	ErrAlreadyCached = errors.New("cache: tile already cached")

	// ErrNoPixels is returned by Insert for a nil or released buffer.
	ErrNoPixels = errors.New("cache: no pixels to insert")
)

// Grid is the tile grid size of one level.
type Grid struct {
	WidthInTiles  int
	HeightInTiles int
}

// Len returns the number of tiles in the grid.
func (g Grid) Len() int {
	return g.WidthInTiles * g.HeightInTiles
}

type tileKey struct {
	level int
	index int
}

// Tile is one grid cell of a level.
type Tile struct {
	level, x, y, index int

	pixels       *pixel.Buffer
	cached       bool
	keepResident bool
	node         *lru.Node[tileKey]
}

// Level returns the logical level of the tile.
func (t *Tile) Level() int { return t.level }

// X returns the tile column.
func (t *Tile) X() int { return t.x }

// Y returns the tile row.
func (t *Tile) Y() int { return t.y }

// Index returns the linear tile index, y*WidthInTiles + x.
func (t *Tile) Index() int { return t.index }

// IsCached reports whether the tile holds pixels.
func (t *Tile) IsCached() bool { return t.cached }

// KeepResident reports whether Trim must skip the tile.
func (t *Tile) KeepResident() bool { return t.keepResident }

// Pixels returns the cached buffer, or nil when the tile is not cached.
// The cache keeps ownership: callers must not Take or Release it.
func (t *Tile) Pixels() *pixel.Buffer {
	if !t.cached {
		return nil
	}
	return t.pixels
}

// Stats is a snapshot of cache counters.
type Stats struct {
	// Tiles is the number of grid cells across all levels.
	Tiles int
	// Cached is the number of tiles holding pixels.
	Cached int
	// Resident is the number of cached tiles flagged keep-resident.
	Resident int
	// Bytes is the pixel memory held.
	Bytes int64
	// Budget is the Trim target, 0 for unlimited.
	Budget int64
	Hits      uint64
	Misses    uint64
	Inserts   uint64
	Evictions uint64
}

// TileCache stores decoded tiles of one image.
type TileCache struct {
	levels [][]Tile
	grids  []Grid
	order  *lru.List[tileKey]

	budget   int64
	bytes    int64
	cached   int
	resident int

	hits, misses, inserts, evictions uint64
}

// New creates a cache with one tile per grid cell of each level. Each tile
// knows its own coordinates. budget bounds the bytes kept after Trim; 0
// means unlimited.
func New(levels []Grid, budget int64) *TileCache {
	c := &TileCache{
		levels: make([][]Tile, len(levels)),
		grids:  append([]Grid(nil), levels...),
		order:  lru.NewList[tileKey](),
		budget: max(budget, 0),
	}
	for l, g := range levels {
		tiles := make([]Tile, g.Len())
		for i := range tiles {
			tiles[i] = Tile{
				level: l,
				x:     i % g.WidthInTiles,
				y:     i / g.WidthInTiles,
				index: i,
			}
		}
		c.levels[l] = tiles
	}
	return c
}

// Levels returns the number of levels.
func (c *TileCache) Levels() int {
	return len(c.levels)
}

// Grid returns the tile grid of a level.
func (c *TileCache) Grid(level int) Grid {
	return c.grids[level]
}

// Tile returns the tile at a linear index. Panics if out of range.
func (c *TileCache) Tile(level, index int) *Tile {
	if level < 0 || level >= len(c.levels) || index < 0 || index >= len(c.levels[level]) {
		panic(fmt.Sprintf("cache: tile %d of level %d out of range", index, level))
	}
	return &c.levels[level][index]
}

// TileAt returns the tile at grid coordinates. Panics if out of range.
func (c *TileCache) TileAt(level, x, y int) *Tile {
	g := c.grids[level]
	if x < 0 || y < 0 || x >= g.WidthInTiles || y >= g.HeightInTiles {
		panic(fmt.Sprintf("cache: tile (%d,%d) of level %d out of range", x, y, level))
	}
	return c.Tile(level, y*g.WidthInTiles+x)
}

// Get returns the cached pixels of a tile and marks it recently used.
func (c *TileCache) Get(level, index int) (*pixel.Buffer, bool) {
	t := c.Tile(level, index)
	if !t.cached {
		c.misses++
		return nil, false
	}
	c.hits++
	c.touch(t)
	return t.pixels, true
}

// Insert stores buf in a tile, taking ownership of its memory: on return
// buf is empty whatever the outcome. Inserting into a cached tile returns
// ErrAlreadyCached and releases buf.
func (c *TileCache) Insert(level, index int, buf *pixel.Buffer) error {
	t := c.Tile(level, index)
	if buf == nil || buf.IsReleased() {
		return ErrNoPixels
	}
	if t.cached {
		buf.Release()
		return ErrAlreadyCached
	}

	t.pixels = buf.Take()
	t.cached = true
	c.cached++
	c.bytes += int64(t.pixels.Len())
	c.inserts++

	if t.keepResident {
		c.resident++
	} else {
		c.touch(t)
	}
	return nil
}

// Evict releases the pixels of a tile and clears its keep-resident flag.
// It returns false if the tile was not cached.
func (c *TileCache) Evict(level, index int) bool {
	return c.evict(c.Tile(level, index))
}

func (c *TileCache) evict(t *Tile) bool {
	if !t.cached {
		t.keepResident = false
		return false
	}
	c.order.Remove(t.node)
	c.bytes -= int64(t.pixels.Len())
	t.pixels.Release()
	t.pixels = nil
	t.cached = false
	if t.keepResident {
		c.resident--
	}
	t.keepResident = false
	c.cached--
	c.evictions++
	return true
}

// SetKeepResident sets the keep-resident flag of a tile. The flag may be set
// before the tile is cached.
func (c *TileCache) SetKeepResident(level, index int, keep bool) {
	t := c.Tile(level, index)
	if t.keepResident == keep {
		return
	}
	t.keepResident = keep
	if !t.cached {
		return
	}
	if keep {
		c.resident++
		c.order.Remove(t.node)
	} else {
		c.resident--
		c.touch(t)
	}
}

// Touch marks a cached tile as recently used.
func (c *TileCache) Touch(level, index int) {
	if t := c.Tile(level, index); t.cached {
		c.touch(t)
	}
}

func (c *TileCache) touch(t *Tile) {
	if t.keepResident {
		return
	}
	if t.node == nil {
		t.node = c.order.PushFront(tileKey{level: t.level, index: t.index})
		return
	}
	c.order.MoveToFront(t.node)
}

// Trim evicts least recently used tiles that are not keep-resident until
// Bytes() <= Budget(). It returns the number of tiles evicted. With no
// budget Trim does nothing.
func (c *TileCache) Trim() int {
	if c.budget == 0 {
		return 0
	}
	n := 0
	for c.bytes > c.budget {
		k, ok := c.order.RemoveOldest()
		if !ok {
			// Only resident tiles left.
			break
		}
		if c.evict(&c.levels[k.level][k.index]) {
			n++
		}
	}
	return n
}

// Clear evicts every cached tile, keep-resident or not.
func (c *TileCache) Clear() int {
	n := 0
	for l := range c.levels {
		for i := range c.levels[l] {
			if c.evict(&c.levels[l][i]) {
				n++
			}
		}
	}
	c.order.Clear()
	return n
}

// Bytes returns the pixel memory held by cached tiles.
func (c *TileCache) Bytes() int64 {
	return c.bytes
}

// Len returns the number of cached tiles.
func (c *TileCache) Len() int {
	return c.cached
}

// Budget returns the Trim target in bytes, 0 for unlimited.
func (c *TileCache) Budget() int64 {
	return c.budget
}

// SetBudget changes the Trim target. It does not trim by itself.
func (c *TileCache) SetBudget(bytes int64) {
	c.budget = max(bytes, 0)
}

// Stats returns current cache statistics.
func (c *TileCache) Stats() Stats {
	tiles := 0
	for _, g := range c.grids {
		tiles += g.Len()
	}
	return Stats{
		Tiles:     tiles,
		Cached:    c.cached,
		Resident:  c.resident,
		Bytes:     c.bytes,
		Budget:    c.budget,
		Hits:      c.hits,
		Misses:    c.misses,
		Inserts:   c.inserts,
		Evictions: c.evictions,
	}
}

// ResetStats resets the hit, miss, insert and eviction counters.
func (c *TileCache) ResetStats() {
	c.hits, c.misses, c.inserts, c.evictions = 0, 0, 0, 0
}
