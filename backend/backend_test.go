package backend

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/gogpu/wsi/internal/pixel"
)

type stubSource struct{ kind Kind }

func (s *stubSource) Kind() Kind     { return s.kind }
func (s *stubSource) Layout() Layout { return Layout{} }
func (s *stubSource) Close() error   { return nil }
func (s *stubSource) DecodeTile(context.Context, TileRequest, *pixel.Pool) (*pixel.Buffer, error) {
	return nil, ErrUnsupported
}

// =============================================================================
// Kind
// =============================================================================

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindUnknown, "unknown"},
		{KindTiled, "tiled"},
		{KindSlide, "slide"},
		{KindDICOM, "dicom"},
		{KindFlat, "flat"},
		{Kind(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

// =============================================================================
// Registry
// =============================================================================

func TestRegistry_RegisterOpenUnregister(t *testing.T) {
	const kind = Kind(100)
	Register(kind, func(_ context.Context, path string) (Source, error) {
		return &stubSource{kind: kind}, nil
	})
	defer Unregister(kind)

	if !IsRegistered(kind) {
		t.Fatal("IsRegistered() = false after Register")
	}
	if !slices.Contains(Available(), kind) {
		t.Errorf("Available() = %v, missing %d", Available(), kind)
	}

	src, err := Open(context.Background(), kind, "x")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if src.Kind() != kind {
		t.Errorf("Kind() = %v, want %v", src.Kind(), kind)
	}

	Unregister(kind)
	if IsRegistered(kind) {
		t.Error("IsRegistered() = true after Unregister")
	}
	if _, err := Open(context.Background(), kind, "x"); !errors.Is(err, ErrBackendNotAvailable) {
		t.Errorf("Open unregistered = %v, want ErrBackendNotAvailable", err)
	}
}

func TestLayout_Base(t *testing.T) {
	l := Layout{Width: 100, Height: 50, TileWidth: 16, TileHeight: 8, MPPX: 0.25, MPPY: 0.5}
	b := l.Base()
	if b.Width != 100 || b.Height != 50 || b.TileWidth != 16 || b.TileHeight != 8 || b.MPPX != 0.25 || b.MPPY != 0.5 {
		t.Errorf("Base() = %+v", b)
	}
}

// =============================================================================
// Detect
// =============================================================================

// tinyTIFF builds a little-endian TIFF header with one IFD holding tag.
func tinyTIFF(tag uint16) []byte {
	b := make([]byte, 8+2+12+4)
	copy(b, "II")
	binary.LittleEndian.PutUint16(b[2:], 42)
	binary.LittleEndian.PutUint32(b[4:], 8)
	binary.LittleEndian.PutUint16(b[8:], 1)
	binary.LittleEndian.PutUint16(b[10:], tag)
	binary.LittleEndian.PutUint16(b[12:], 3) // SHORT
	binary.LittleEndian.PutUint32(b[14:], 1)
	binary.LittleEndian.PutUint16(b[18:], 256)
	return b
}

func dicomBytes() []byte {
	b := make([]byte, 200)
	copy(b[128:], "DICM")
	return b
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDetect(t *testing.T) {
	dir := t.TempDir()
	series := filepath.Join(dir, "series")
	if err := os.Mkdir(series, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, series, "a.bin", dicomBytes())
	writeFile(t, series, "notes.txt", []byte("hello"))

	tests := []struct {
		name string
		path string
		want Kind
	}{
		{"tiled tiff", writeFile(t, dir, "slide.tif", tinyTIFF(tagTileWidth)), KindTiled},
		{"stripped tiff", writeFile(t, dir, "photo.tiff", tinyTIFF(256)), KindFlat},
		{"png", writeFile(t, dir, "x.PNG", []byte("whatever")), KindFlat},
		{"dcm extension", writeFile(t, dir, "x.dcm", []byte("short")), KindDICOM},
		{"dicom preamble", writeFile(t, dir, "x.bin", dicomBytes()), KindDICOM},
		{"dicom no extension", writeFile(t, dir, "IM0001", dicomBytes()), KindDICOM},
		{"slide guess", writeFile(t, dir, "x.svs", []byte("vendor")), KindSlide},
		{"dicom directory", series, KindDICOM},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Detect(tt.path)
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if got != tt.want {
				t.Errorf("Detect() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDetect_Unknown(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		path string
	}{
		{"no extension", writeFile(t, dir, "README", []byte("text"))},
		{"empty dir", t.TempDir()},
		{"bad tiff", writeFile(t, dir, "bad.tif", []byte("nope"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Detect(tt.path); err == nil {
				t.Error("Detect() succeeded, want error")
			}
		})
	}

	if _, err := Detect(filepath.Join(dir, "missing.png")); err == nil {
		t.Error("Detect(missing) succeeded")
	}
}

func TestDICOMFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.dcm", []byte("x"))
	writeFile(t, dir, "a", dicomBytes())
	writeFile(t, dir, "c.txt", []byte("x"))

	files, err := DICOMFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{filepath.Join(dir, "a"), filepath.Join(dir, "b.dcm")}
	if !slices.Equal(files, want) {
		t.Errorf("DICOMFiles() = %v, want %v", files, want)
	}
}
