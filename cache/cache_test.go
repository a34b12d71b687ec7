package cache

import (
	"errors"
	"testing"

	"github.com/gogpu/wsi/internal/pixel"
)

const tileBytes = 4 * 4 * pixel.BytesPerPixel

func newTestCache(budget int64) *TileCache {
	return New([]Grid{{WidthInTiles: 4, HeightInTiles: 3}, {WidthInTiles: 2, HeightInTiles: 2}}, budget)
}

func tile() *pixel.Buffer {
	b := pixel.New(4, 4)
	b.Fill(1, 2, 3, 255)
	return b
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_TilesKnowCoordinates(t *testing.T) {
	c := newTestCache(0)
	if c.Levels() != 2 {
		t.Fatalf("Levels() = %d, want 2", c.Levels())
	}

	tl := c.Tile(0, 6)
	if tl.X() != 2 || tl.Y() != 1 || tl.Index() != 6 || tl.Level() != 0 {
		t.Errorf("tile 6 = (%d,%d) idx %d level %d, want (2,1) idx 6 level 0",
			tl.X(), tl.Y(), tl.Index(), tl.Level())
	}
	if c.TileAt(1, 1, 1).Index() != 3 {
		t.Errorf("TileAt(1,1,1).Index() = %d, want 3", c.TileAt(1, 1, 1).Index())
	}
	if s := c.Stats(); s.Tiles != 16 || s.Cached != 0 {
		t.Errorf("Stats() = %+v, want 16 tiles, 0 cached", s)
	}
}

func TestTileCache_OutOfRangePanics(t *testing.T) {
	c := newTestCache(0)
	for name, fn := range map[string]func(){
		"index": func() { c.Tile(0, 12) },
		"level": func() { c.Tile(2, 0) },
		"x":     func() { c.TileAt(0, 4, 0) },
	} {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			fn()
		})
	}
}

// =============================================================================
// Insert / Evict
// =============================================================================

func TestTileCache_InsertTakesOwnership(t *testing.T) {
	c := newTestCache(0)
	buf := tile()

	if err := c.Insert(0, 5, buf); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !buf.IsReleased() {
		t.Error("Insert must move the caller's buffer")
	}
	tl := c.Tile(0, 5)
	if !tl.IsCached() || tl.Pixels() == nil {
		t.Fatal("tile not cached after Insert")
	}
	if got := tl.Pixels().Pix()[0]; got != 1 {
		t.Errorf("cached pixel blue = %d, want 1", got)
	}
	if c.Bytes() != tileBytes || c.Len() != 1 {
		t.Errorf("Bytes()=%d Len()=%d, want %d/1", c.Bytes(), c.Len(), tileBytes)
	}
}

func TestTileCache_DuplicateInsert(t *testing.T) {
	c := newTestCache(0)
	_ = c.Insert(0, 0, tile())

	dup := tile()
	if err := c.Insert(0, 0, dup); !errors.Is(err, ErrAlreadyCached) {
		t.Fatalf("second Insert = %v, want ErrAlreadyCached", err)
	}
	if !dup.IsReleased() {
		t.Error("rejected buffer was not released")
	}
	if c.Len() != 1 || c.Bytes() != tileBytes {
		t.Errorf("Len()=%d Bytes()=%d after duplicate, want 1/%d", c.Len(), c.Bytes(), tileBytes)
	}
}

func TestTileCache_InsertReleasedBuffer(t *testing.T) {
	c := newTestCache(0)
	buf := tile()
	buf.Release()
	if err := c.Insert(0, 0, buf); !errors.Is(err, ErrNoPixels) {
		t.Errorf("Insert(released) = %v, want ErrNoPixels", err)
	}
	if err := c.Insert(0, 0, nil); !errors.Is(err, ErrNoPixels) {
		t.Errorf("Insert(nil) = %v, want ErrNoPixels", err)
	}
}

func TestTileCache_EvictReleasesAndResetsFlags(t *testing.T) {
	c := newTestCache(0)
	_ = c.Insert(1, 2, tile())
	c.SetKeepResident(1, 2, true)
	held := c.Tile(1, 2).Pixels()

	if !c.Evict(1, 2) {
		t.Fatal("Evict() = false for cached tile")
	}
	tl := c.Tile(1, 2)
	if tl.IsCached() || tl.KeepResident() || tl.Pixels() != nil {
		t.Error("evicted tile still cached or resident")
	}
	if !held.IsReleased() {
		t.Error("evicted buffer not released")
	}
	if c.Evict(1, 2) {
		t.Error("second Evict() = true")
	}
	if c.Bytes() != 0 || c.Stats().Resident != 0 {
		t.Errorf("Bytes()=%d Resident=%d, want 0/0", c.Bytes(), c.Stats().Resident)
	}
}

// =============================================================================
// Budget
// =============================================================================

func TestTileCache_TrimEvictsLeastRecentlyUsed(t *testing.T) {
	c := newTestCache(3 * tileBytes)
	for i := 0; i < 5; i++ {
		_ = c.Insert(0, i, tile())
	}
	// Tile 0 becomes the most recently used.
	c.Touch(0, 0)

	if n := c.Trim(); n != 2 {
		t.Fatalf("Trim() evicted %d, want 2", n)
	}
	for i, want := range []bool{true, false, false, true, true} {
		if got := c.Tile(0, i).IsCached(); got != want {
			t.Errorf("tile %d cached = %v, want %v", i, got, want)
		}
	}
	if c.Bytes() > c.Budget() {
		t.Errorf("Bytes() = %d exceeds budget %d", c.Bytes(), c.Budget())
	}
}

func TestTileCache_TrimSkipsResident(t *testing.T) {
	c := newTestCache(tileBytes)
	c.SetKeepResident(0, 0, true) // before insert
	_ = c.Insert(0, 0, tile())
	_ = c.Insert(0, 1, tile())
	_ = c.Insert(0, 2, tile())
	c.SetKeepResident(0, 2, true)

	c.Trim()
	if !c.Tile(0, 0).IsCached() || !c.Tile(0, 2).IsCached() {
		t.Error("Trim evicted a keep-resident tile")
	}
	if c.Tile(0, 1).IsCached() {
		t.Error("Trim kept a non-resident tile over budget")
	}
	// Only resident tiles remain; the budget cannot be met.
	if c.Bytes() != 2*tileBytes {
		t.Errorf("Bytes() = %d, want %d", c.Bytes(), 2*tileBytes)
	}

	c.SetKeepResident(0, 2, false)
	c.Trim()
	if c.Tile(0, 2).IsCached() {
		t.Error("tile still cached after its resident flag was cleared")
	}
}

func TestTileCache_NoBudgetNeverTrims(t *testing.T) {
	c := newTestCache(0)
	for i := 0; i < 12; i++ {
		_ = c.Insert(0, i, tile())
	}
	if n := c.Trim(); n != 0 {
		t.Errorf("Trim() = %d with no budget, want 0", n)
	}
}

func TestTileCache_ClearIgnoresResident(t *testing.T) {
	c := newTestCache(0)
	_ = c.Insert(0, 0, tile())
	_ = c.Insert(1, 3, tile())
	c.SetKeepResident(1, 3, true)

	if n := c.Clear(); n != 2 {
		t.Errorf("Clear() = %d, want 2", n)
	}
	if c.Len() != 0 || c.Bytes() != 0 {
		t.Errorf("Len()=%d Bytes()=%d after Clear", c.Len(), c.Bytes())
	}
	// The cache is reusable after Clear.
	if err := c.Insert(0, 0, tile()); err != nil {
		t.Errorf("Insert after Clear: %v", err)
	}
}

func TestTileCache_Stats(t *testing.T) {
	c := newTestCache(0)
	_ = c.Insert(0, 1, tile())
	c.Get(0, 1)
	c.Get(0, 2)
	c.Evict(0, 1)

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 || s.Inserts != 1 || s.Evictions != 1 {
		t.Errorf("Stats() = %+v", s)
	}
	c.ResetStats()
	if s := c.Stats(); s.Hits != 0 || s.Evictions != 0 {
		t.Errorf("ResetStats left %+v", s)
	}
}
