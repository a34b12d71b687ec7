package tiff

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/gogpu/wsi/backend"
	"github.com/gogpu/wsi/internal/pixel"
)

func openTest(t *testing.T, path string) *Source {
	t.Helper()
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func decode(t *testing.T, s *Source, native, tx, ty int) *pixel.Buffer {
	t.Helper()
	lv := s.Layout()
	buf, err := s.DecodeTile(context.Background(), backend.TileRequest{
		Native: native, TileX: tx, TileY: ty,
		TileWidth: lv.TileWidth, TileHeight: lv.TileHeight,
	}, nil)
	if err != nil {
		t.Fatalf("DecodeTile(%d,%d,%d): %v", native, tx, ty, err)
	}
	t.Cleanup(buf.Release)
	return buf
}

// checkPixel compares a decoded BGRA pixel against testColor.
func checkPixel(t *testing.T, buf *pixel.Buffer, x, y, px, py int, alpha bool) {
	t.Helper()
	r, g, b, a := testColor(px, py)
	if !alpha {
		a = 255
	}
	got := buf.At(x, y)
	if got[0] != b || got[1] != g || got[2] != r || got[3] != a {
		t.Errorf("pixel (%d,%d) = %v, want BGRA %v", x, y, got, []uint8{b, g, r, a})
	}
}

// =============================================================================
// Layout
// =============================================================================

func TestOpen_Layout(t *testing.T) {
	path := writeTIFF(t, tiffOptions{description: "Aperio Image Library|AppMag = 20|MPP = 0.4990|Filename = x", stripped: true},
		testLevel{width: 300, height: 200, tile: 128, spp: 3, compression: compressionDeflate, predictor: true},
		testLevel{width: 150, height: 100, tile: 128, spp: 3, compression: compressionDeflate},
		testLevel{width: 75, height: 50, tile: 64, spp: 3, compression: compressionNone},
	)
	s := openTest(t, path)
	l := s.Layout()

	if s.Kind() != backend.KindTiled {
		t.Errorf("Kind() = %v", s.Kind())
	}
	if l.Width != 300 || l.Height != 200 || l.TileWidth != 128 || l.TileHeight != 128 {
		t.Errorf("Layout geometry = %dx%d tile %dx%d", l.Width, l.Height, l.TileWidth, l.TileHeight)
	}
	// The 64-pixel-tile level does not share the base tile size.
	if len(l.Levels) != 2 {
		t.Fatalf("len(Levels) = %d, want 2", len(l.Levels))
	}
	if l.Levels[1].Downsample != 2 || l.Levels[1].DownsampleLevel() != 1 {
		t.Errorf("level 1 downsample = %v", l.Levels[1].Downsample)
	}
	if !l.MPPKnown || math.Abs(l.MPPX-0.499) > 1e-9 || l.MPPX != l.MPPY {
		t.Errorf("MPP = %v,%v known=%v, want 0.499", l.MPPX, l.MPPY, l.MPPKnown)
	}
}

func TestOpen_ResolutionMPP(t *testing.T) {
	// 40000 pixels per cm = 0.25 µm per pixel.
	path := writeTIFF(t, tiffOptions{resolution: 40000, bigEndian: true},
		testLevel{width: 64, height: 64, tile: 32, spp: 1, compression: compressionNone})
	l := openTest(t, path).Layout()
	if !l.MPPKnown || math.Abs(l.MPPX-0.25) > 1e-9 {
		t.Errorf("MPP = %v known=%v, want 0.25", l.MPPX, l.MPPKnown)
	}
}

func TestOpen_DefaultMPP(t *testing.T) {
	path := writeTIFF(t, tiffOptions{},
		testLevel{width: 64, height: 64, tile: 32, spp: 3, compression: compressionNone})
	l := openTest(t, path).Layout()
	if l.MPPKnown || l.MPPX != 1 || l.MPPY != 1 {
		t.Errorf("MPP = %v,%v known=%v, want 1,1 unknown", l.MPPX, l.MPPY, l.MPPKnown)
	}
}

func TestOpen_SkipsMasks(t *testing.T) {
	path := writeTIFF(t, tiffOptions{},
		testLevel{width: 64, height: 64, tile: 32, spp: 3, compression: compressionNone},
		testLevel{width: 64, height: 64, tile: 32, spp: 1, compression: compressionNone, mask: true})
	if n := len(openTest(t, path).Layout().Levels); n != 1 {
		t.Errorf("len(Levels) = %d, want 1", n)
	}
}

func TestOpen_Errors(t *testing.T) {
	if _, err := Open("/nonexistent/slide.tif"); err == nil {
		t.Error("Open(missing) succeeded")
	}
}

func TestAperioMPP(t *testing.T) {
	tests := []struct {
		desc string
		want float64
		ok   bool
	}{
		{"Aperio|MPP = 0.2520|AppMag = 40", 0.252, true},
		{"Aperio|AppMag = 40", 0, false},
		{"Aperio|MPP = abc", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := aperioMPP(tt.desc)
		if ok != tt.ok || math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("aperioMPP(%q) = %v,%v, want %v,%v", tt.desc, got, ok, tt.want, tt.ok)
		}
	}
}

// =============================================================================
// Decode
// =============================================================================

func TestDecodeTile_DeflatePredictorEdge(t *testing.T) {
	path := writeTIFF(t, tiffOptions{},
		testLevel{width: 300, height: 200, tile: 128, spp: 3, compression: compressionDeflate, predictor: true})
	s := openTest(t, path)

	interior := decode(t, s, 0, 0, 0)
	checkPixel(t, interior, 5, 9, 5, 9, false)
	checkPixel(t, interior, 127, 127, 127, 127, false)

	// Tile (2,1) covers columns 256..383 and rows 128..255 of a 300x200 image.
	edge := decode(t, s, 0, 2, 1)
	checkPixel(t, edge, 43, 71, 299, 199, false)
	for _, p := range [][2]int{{44, 0}, {127, 10}, {0, 72}, {127, 127}} {
		if got := edge.At(p[0], p[1]); got[0]|got[1]|got[2]|got[3] != 0 {
			t.Errorf("padding pixel %v = %v, want zero", p, got)
		}
	}
}

func TestDecodeTile_BigTIFFZstdRGBA(t *testing.T) {
	path := writeTIFF(t, tiffOptions{big: true},
		testLevel{width: 100, height: 100, tile: 64, spp: 4, compression: compressionZstd})
	s := openTest(t, path)

	buf := decode(t, s, 0, 1, 1)
	checkPixel(t, buf, 10, 20, 74, 84, true)
}

func TestDecodeTile_Gray(t *testing.T) {
	path := writeTIFF(t, tiffOptions{},
		testLevel{width: 32, height: 32, tile: 32, spp: 1, compression: compressionNone})
	buf := decode(t, openTest(t, path), 0, 0, 0)
	got := buf.At(3, 17)
	if got[0] != 17 || got[1] != 17 || got[2] != 17 || got[3] != 255 {
		t.Errorf("gray pixel = %v, want [17 17 17 255]", got)
	}
}

func TestDecodeTile_JPEG(t *testing.T) {
	path := writeTIFF(t, tiffOptions{},
		testLevel{width: 64, height: 64, tile: 64, spp: 3, compression: compressionJPEG})
	buf := decode(t, openTest(t, path), 0, 0, 0)

	near := func(a, b uint8) bool { return max(a, b)-min(a, b) <= 4 }
	got := buf.At(32, 32)
	if !near(got[0], 30) || !near(got[1], 60) || !near(got[2], 180) || got[3] != 255 {
		t.Errorf("jpeg pixel = %v, want about [30 60 180 255]", got)
	}
}

func TestDecodeTile_TruncatedTileIsCorrupt(t *testing.T) {
	// 16x16 RGB tiles hold 768 sample bytes; each case stores a quarter.
	for _, c := range []struct {
		name        string
		compression int
	}{
		{"deflate", compressionDeflate},
		{"zstd", compressionZstd},
		{"none", compressionNone},
	} {
		t.Run(c.name, func(t *testing.T) {
			path := writeTIFF(t, tiffOptions{},
				testLevel{width: 16, height: 16, tile: 16, spp: 3, compression: c.compression, truncate: 192})
			s := openTest(t, path)
			buf, err := s.DecodeTile(context.Background(), backend.TileRequest{TileWidth: 16, TileHeight: 16}, nil)
			if err == nil {
				buf.Release()
				t.Fatal("DecodeTile of truncated tile succeeded")
			}
			if !errors.Is(err, backend.ErrCorrupt) {
				t.Errorf("DecodeTile = %v, want ErrCorrupt", err)
			}
		})
	}
}

func TestDecodeTile_RejectsBadRequests(t *testing.T) {
	path := writeTIFF(t, tiffOptions{},
		testLevel{width: 64, height: 64, tile: 32, spp: 3, compression: compressionNone})
	s := openTest(t, path)

	bad := []backend.TileRequest{
		{Native: 1, TileWidth: 32, TileHeight: 32},
		{TileX: 2, TileWidth: 32, TileHeight: 32},
		{TileY: -1, TileWidth: 32, TileHeight: 32},
	}
	for _, req := range bad {
		if buf, err := s.DecodeTile(context.Background(), req, nil); err == nil {
			buf.Release()
			t.Errorf("DecodeTile(%v) succeeded", req)
		}
	}
}

func TestSource_Close(t *testing.T) {
	path := writeTIFF(t, tiffOptions{},
		testLevel{width: 32, height: 32, tile: 32, spp: 3, compression: compressionNone})
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	_, err = s.DecodeTile(context.Background(), backend.TileRequest{TileWidth: 32, TileHeight: 32}, nil)
	if !errors.Is(err, backend.ErrClosed) {
		t.Errorf("DecodeTile after Close = %v, want ErrClosed", err)
	}
}

func TestRegistered(t *testing.T) {
	if !backend.IsRegistered(backend.KindTiled) {
		t.Error("tiled backend not registered")
	}
}
