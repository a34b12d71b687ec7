// Package tiff decodes tiled pyramidal TIFF and BigTIFF files.
//
// Every tiled, non-mask image directory whose tile size matches the first
// one becomes a native level; levels are ordered by decreasing width and
// their downsample is the base width divided by the level width. Stripped
// directories (thumbnails, labels, macro images) are ignored.
//
// Supported tile encodings: uncompressed, LZW, Deflate, Zstandard and JPEG
// (with shared JPEGTables), 8 bits per sample, chunky planar configuration,
// gray, gray+alpha, RGB and RGBA, with or without horizontal prediction.
//
// Microns per pixel come from an Aperio "MPP = x" entry in the image
// description, or else from the X/Y resolution tags.
package tiff

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"

	"github.com/gogpu/wsi/backend"
	"github.com/gogpu/wsi/internal/pixel"
	"github.com/gogpu/wsi/internal/pyramid"
)

func init() {
	backend.Register(backend.KindTiled, func(ctx context.Context, path string) (backend.Source, error) {
		src, err := Open(path)
		if err != nil {
			return nil, err
		}
		return src, nil
	})
}

// Resolution units.
const (
	unitInch       = 2
	unitCentimeter = 3
)

// subfile type bit marking transparency masks.
const subfileMask = 4

// level is one tiled image directory.
type level struct {
	width, height         int
	tileWidth, tileHeight int
	tilesAcross           int
	tilesDown             int
	offsets, counts       []uint64
	compression           int
	predictor             int
	samplesPerPixel       int
	photometric           int
	jpegTables            []byte
}

// rawSize returns the byte size of one decompressed tile.
func (lv *level) rawSize() int {
	return lv.tileWidth * lv.tileHeight * lv.samplesPerPixel
}

// Source is an opened tiled TIFF.
type Source struct {
	file   *os.File
	levels []*level
	layout backend.Layout
	zstd   *zstd.Decoder
	closed atomic.Bool
}

var _ backend.Source = (*Source)(nil)

// Open opens a tiled TIFF or BigTIFF file.
func Open(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tiff: %w", err)
	}
	s, err := newSource(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("tiff: %s: %w", path, err)
	}
	return s, nil
}

func newSource(f *os.File) (*Source, error) {
	h, err := readHeader(f)
	if err != nil {
		return nil, err
	}
	dirs, err := readIFDs(f, h)
	if err != nil {
		return nil, err
	}

	var levels []*level
	var description string
	var first *ifd
	for _, d := range dirs {
		if !d.has(tagTileWidth) || d.uint(tagNewSubfileType, 0)&subfileMask != 0 {
			continue
		}
		lv, err := parseLevel(d)
		if err != nil {
			return nil, err
		}
		if first == nil {
			first = d
			description = d.ascii(tagImageDescription)
		} else if lv.tileWidth != levels[0].tileWidth || lv.tileHeight != levels[0].tileHeight {
			continue
		}
		levels = append(levels, lv)
	}
	if len(levels) == 0 {
		return nil, fmt.Errorf("%w: no tiled images", backend.ErrUnsupported)
	}
	slices.SortStableFunc(levels, func(a, b *level) int { return b.width - a.width })

	base := levels[0]
	layout := backend.Layout{
		Width:      base.width,
		Height:     base.height,
		TileWidth:  base.tileWidth,
		TileHeight: base.tileHeight,
		MPPX:       1,
		MPPY:       1,
	}
	if mppX, mppY, ok := resolveMPP(first, description); ok {
		layout.MPPX, layout.MPPY, layout.MPPKnown = mppX, mppY, true
	}
	for _, lv := range levels {
		layout.Levels = append(layout.Levels, pyramid.NativeLevel{
			Width:      lv.width,
			Height:     lv.height,
			TileWidth:  lv.tileWidth,
			TileHeight: lv.tileHeight,
			Downsample: float64(base.width) / float64(lv.width),
		})
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Source{file: f, levels: levels, layout: layout, zstd: dec}, nil
}

func parseLevel(d *ifd) (*level, error) {
	lv := &level{
		width:           int(d.uint(tagImageWidth, 0)),
		height:          int(d.uint(tagImageLength, 0)),
		tileWidth:       int(d.uint(tagTileWidth, 0)),
		tileHeight:      int(d.uint(tagTileLength, 0)),
		offsets:         d.uints(tagTileOffsets),
		counts:          d.uints(tagTileByteCounts),
		compression:     int(d.uint(tagCompression, compressionNone)),
		predictor:       int(d.uint(tagPredictor, 1)),
		samplesPerPixel: int(d.uint(tagSamplesPerPixel, 1)),
		photometric:     int(d.uint(tagPhotometric, photometricBlackIsZero)),
		jpegTables:      d.bytes(tagJPEGTables),
	}
	if lv.width <= 0 || lv.height <= 0 || lv.tileWidth <= 0 || lv.tileHeight <= 0 {
		return nil, fmt.Errorf("%w: bad image or tile size", backend.ErrCorrupt)
	}
	for _, bits := range d.uints(tagBitsPerSample) {
		if bits != 8 {
			return nil, fmt.Errorf("%w: %d bits per sample", backend.ErrUnsupported, bits)
		}
	}
	if d.uint(tagPlanarConfig, 1) != 1 {
		return nil, fmt.Errorf("%w: planar configuration", backend.ErrUnsupported)
	}
	if d.uint(tagSampleFormat, 1) != 1 {
		return nil, fmt.Errorf("%w: non-integer samples", backend.ErrUnsupported)
	}
	lv.tilesAcross = (lv.width + lv.tileWidth - 1) / lv.tileWidth
	lv.tilesDown = (lv.height + lv.tileHeight - 1) / lv.tileHeight
	if n := lv.tilesAcross * lv.tilesDown; len(lv.offsets) < n || len(lv.counts) < n {
		return nil, fmt.Errorf("%w: %d tile offsets for %d tiles", backend.ErrCorrupt, len(lv.offsets), n)
	}
	return lv, nil
}

// resolveMPP finds the full-resolution pixel size in microns.
func resolveMPP(d *ifd, description string) (x, y float64, ok bool) {
	if mpp, ok := aperioMPP(description); ok {
		return mpp, mpp, true
	}
	if d == nil {
		return 0, 0, false
	}
	xres, yres := d.float(tagXResolution), d.float(tagYResolution)
	if xres <= 0 || yres <= 0 {
		return 0, 0, false
	}
	var umPerUnit float64
	switch d.uint(tagResolutionUnit, unitInch) {
	case unitInch:
		umPerUnit = 25400
	case unitCentimeter:
		umPerUnit = 10000
	default:
		return 0, 0, false
	}
	return umPerUnit / xres, umPerUnit / yres, true
}

// aperioMPP extracts the value of "MPP = x" from an Aperio description,
// whose key/value pairs are separated by '|'.
func aperioMPP(description string) (float64, bool) {
	for _, part := range strings.Split(description, "|") {
		key, value, found := strings.Cut(part, "=")
		if !found || strings.TrimSpace(key) != "MPP" {
			continue
		}
		mpp, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || mpp <= 0 {
			return 0, false
		}
		return mpp, true
	}
	return 0, false
}

// Kind returns backend.KindTiled.
func (s *Source) Kind() backend.Kind { return backend.KindTiled }

// Layout returns the native level ladder.
func (s *Source) Layout() backend.Layout { return s.layout }

// DecodeTile reads and decodes one tile.
func (s *Source) DecodeTile(ctx context.Context, req backend.TileRequest, pool *pixel.Pool) (*pixel.Buffer, error) {
	if s.closed.Load() {
		return nil, backend.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Native < 0 || req.Native >= len(s.levels) {
		return nil, fmt.Errorf("tiff: %s: no such native level", req)
	}
	lv := s.levels[req.Native]
	if req.TileX < 0 || req.TileY < 0 || req.TileX >= lv.tilesAcross || req.TileY >= lv.tilesDown {
		return nil, fmt.Errorf("tiff: %s: outside %dx%d grid", req, lv.tilesAcross, lv.tilesDown)
	}

	idx := req.TileY*lv.tilesAcross + req.TileX
	dst := pool.Get(req.TileWidth, req.TileHeight)
	if lv.counts[idx] == 0 {
		// Sparse tile: nothing stored, stays transparent.
		return dst, nil
	}
	if lv.counts[idx] > maxFieldBytes {
		dst.Release()
		return nil, fmt.Errorf("tiff: %s: %w: tile of %d bytes", req, backend.ErrCorrupt, lv.counts[idx])
	}

	raw := make([]byte, lv.counts[idx])
	if _, err := s.file.ReadAt(raw, int64(lv.offsets[idx])); err != nil {
		dst.Release()
		return nil, fmt.Errorf("tiff: %s: read: %w", req, err)
	}

	if err := s.decodeInto(dst, lv, raw); err != nil {
		dst.Release()
		return nil, fmt.Errorf("tiff: %s: %w", req, err)
	}

	// Zero the padding of edge tiles.
	excessCols := (req.TileX+1)*lv.tileWidth - lv.width
	excessRows := (req.TileY+1)*lv.tileHeight - lv.height
	pixel.TrimEdges(dst, max(excessCols, 0), max(excessRows, 0))
	return dst, nil
}

func (s *Source) decodeInto(dst *pixel.Buffer, lv *level, raw []byte) error {
	if lv.compression == compressionJPEG {
		return decodeJPEG(dst, lv.jpegTables, raw)
	}
	if lv.photometric == photometricYCbCr {
		return fmt.Errorf("%w: uncompressed YCbCr", backend.ErrUnsupported)
	}
	data, err := s.decompress(lv, raw)
	if err != nil {
		return err
	}
	if len(data) < lv.rawSize() {
		return fmt.Errorf("%w: tile holds %d bytes, need %d", backend.ErrCorrupt, len(data), lv.rawSize())
	}
	if lv.predictor == predictorHorizontal {
		undoPredictor(data, lv.tileWidth, lv.tileHeight, lv.samplesPerPixel)
	}
	return samplesToBGRA(dst, data, lv.tileWidth, lv.tileHeight, lv.samplesPerPixel, lv.photometric)
}

// Close closes the file. Later DecodeTile calls return backend.ErrClosed.
func (s *Source) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.zstd.Close()
	return s.file.Close()
}
