// Package dicom reads DICOM VL whole-slide microscopy series.
//
// A series is a directory holding one instance per resolution level, or a
// single instance file. Instances whose image type marks them as a label,
// overview or thumbnail are ignored. Frames are expected in TILED_FULL
// order: row-major over the total pixel matrix of each instance.
//
// Only metadata is parsed at open time. The pixel data of a level is loaded
// on its first tile request and kept until Close.
package dicom

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/gogpu/wsi/backend"
	"github.com/gogpu/wsi/internal/pixel"
	"github.com/gogpu/wsi/internal/pyramid"
)

func init() {
	backend.Register(backend.KindDICOM, func(ctx context.Context, path string) (backend.Source, error) {
		src, err := Open(ctx, path)
		if err != nil {
			return nil, err
		}
		return src, nil
	})
}

// Tags not named by the tag package.
var (
	tagTotalPixelMatrixColumns = tag.Tag{Group: 0x0048, Element: 0x0006}
	tagTotalPixelMatrixRows    = tag.Tag{Group: 0x0048, Element: 0x0007}
	tagNumberOfFrames          = tag.Tag{Group: 0x0028, Element: 0x0008}
	tagPixelSpacing            = tag.Tag{Group: 0x0028, Element: 0x0030}
	tagImageType               = tag.Tag{Group: 0x0008, Element: 0x0008}
	tagRows                    = tag.Tag{Group: 0x0028, Element: 0x0010}
	tagColumns                 = tag.Tag{Group: 0x0028, Element: 0x0011}
)

// ErrNoImages is returned when a series holds no pyramid instance.
var ErrNoImages = errors.New("dicom: no whole-slide images in series")

// instance is the metadata of one pyramid level file.
type instance struct {
	path                  string
	width, height         int
	tileWidth, tileHeight int
	frames                int
	mppX, mppY            float64
	imageType             []string
}

// level holds the lazily loaded frames of one instance.
type level struct {
	instance
	once   sync.Once
	frames []*frame.Frame
	err    error
}

// Source is an opened DICOM series.
type Source struct {
	levels []*level
	layout backend.Layout
	closed atomic.Bool
}

var _ backend.Source = (*Source)(nil)

// Open opens a series directory or a single instance file.
func Open(ctx context.Context, path string) (*Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("dicom: %w", err)
	}
	files := []string{path}
	if info.IsDir() {
		if files, err = backend.DICOMFiles(path); err != nil {
			return nil, err
		}
	}

	var instances []instance
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		inst, err := readInstance(f)
		if err != nil {
			return nil, err
		}
		if isPyramidImage(inst.imageType) {
			instances = append(instances, inst)
		}
	}
	layout, ordered, err := buildLayout(instances)
	if err != nil {
		return nil, fmt.Errorf("dicom: %s: %w", path, err)
	}

	s := &Source{layout: layout}
	for _, inst := range ordered {
		s.levels = append(s.levels, &level{instance: inst})
	}
	return s, nil
}

// readInstance parses the metadata of one file.
func readInstance(path string) (instance, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return instance{}, fmt.Errorf("dicom: %s: %w", path, err)
	}
	inst := instance{
		path:       path,
		width:      intValue(ds, tagTotalPixelMatrixColumns),
		height:     intValue(ds, tagTotalPixelMatrixRows),
		tileWidth:  intValue(ds, tagColumns),
		tileHeight: intValue(ds, tagRows),
		frames:     intValue(ds, tagNumberOfFrames),
		imageType:  stringValues(ds, tagImageType),
	}
	if inst.width == 0 || inst.height == 0 {
		// Not tiled: the whole image is one frame.
		inst.width, inst.height = inst.tileWidth, inst.tileHeight
	}
	if spacing := floatValues(ds, tagPixelSpacing); len(spacing) == 2 {
		// Row spacing then column spacing, in millimetres.
		inst.mppY, inst.mppX = spacing[0]*1000, spacing[1]*1000
	}
	return inst, nil
}

// isPyramidImage reports whether an ImageType value describes pyramid
// pixels rather than an auxiliary image.
func isPyramidImage(imageType []string) bool {
	for _, v := range imageType {
		switch strings.ToUpper(strings.TrimSpace(v)) {
		case "LABEL", "OVERVIEW", "THUMBNAIL":
			return false
		}
	}
	return true
}

// buildLayout orders instances from full resolution down and derives the
// native level ladder.
func buildLayout(instances []instance) (backend.Layout, []instance, error) {
	if len(instances) == 0 {
		return backend.Layout{}, nil, ErrNoImages
	}
	ordered := slices.Clone(instances)
	slices.SortStableFunc(ordered, func(a, b instance) int { return b.width - a.width })

	base := ordered[0]
	if base.width <= 0 || base.height <= 0 || base.tileWidth <= 0 || base.tileHeight <= 0 {
		return backend.Layout{}, nil, fmt.Errorf("%w: bad geometry in %s", backend.ErrCorrupt, base.path)
	}
	layout := backend.Layout{
		Width:      base.width,
		Height:     base.height,
		TileWidth:  base.tileWidth,
		TileHeight: base.tileHeight,
		MPPX:       1,
		MPPY:       1,
	}
	if base.mppX > 0 && base.mppY > 0 {
		layout.MPPX, layout.MPPY, layout.MPPKnown = base.mppX, base.mppY, true
	}

	kept := ordered[:0]
	for _, inst := range ordered {
		if inst.tileWidth != base.tileWidth || inst.tileHeight != base.tileHeight || inst.width <= 0 {
			continue
		}
		if n := len(kept); n > 0 && kept[n-1].width == inst.width {
			// Same level twice (another focal plane or optical path).
			continue
		}
		kept = append(kept, inst)
		layout.Levels = append(layout.Levels, pyramid.NativeLevel{
			Width:      inst.width,
			Height:     inst.height,
			TileWidth:  inst.tileWidth,
			TileHeight: inst.tileHeight,
			Downsample: float64(base.width) / float64(inst.width),
		})
	}
	return layout, kept, nil
}

// frameIndex returns the TILED_FULL frame number of a tile.
func (inst *instance) frameIndex(tx, ty int) int {
	across := (inst.width + inst.tileWidth - 1) / inst.tileWidth
	return ty*across + tx
}

// Kind returns backend.KindDICOM.
func (s *Source) Kind() backend.Kind { return backend.KindDICOM }

// Layout returns the native level ladder.
func (s *Source) Layout() backend.Layout { return s.layout }

// DecodeTile decodes one frame.
func (s *Source) DecodeTile(ctx context.Context, req backend.TileRequest, pool *pixel.Pool) (*pixel.Buffer, error) {
	if s.closed.Load() {
		return nil, backend.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Native < 0 || req.Native >= len(s.levels) {
		return nil, fmt.Errorf("dicom: %s: no such native level", req)
	}
	lv := s.levels[req.Native]
	lv.once.Do(lv.load)
	if lv.err != nil {
		return nil, fmt.Errorf("dicom: %s: %w", req, lv.err)
	}

	i := lv.frameIndex(req.TileX, req.TileY)
	if i < 0 || i >= len(lv.frames) {
		return nil, fmt.Errorf("dicom: %s: %w: frame %d of %d", req, backend.ErrCorrupt, i, len(lv.frames))
	}
	img, err := lv.frames[i].GetImage()
	if err != nil {
		return nil, fmt.Errorf("dicom: %s: %w: %v", req, backend.ErrUnsupported, err)
	}

	dst := pool.Get(req.TileWidth, req.TileHeight)
	pixel.DrawImage(dst, img, image.Point{})
	return dst, nil
}

// load parses the pixel data of the level's file.
func (lv *level) load() {
	ds, err := dicom.ParseFile(lv.path, nil)
	if err != nil {
		lv.err = err
		return
	}
	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		lv.err = err
		return
	}
	info, ok := el.Value.GetValue().(dicom.PixelDataInfo)
	if !ok {
		lv.err = fmt.Errorf("%w: pixel data", backend.ErrCorrupt)
		return
	}
	lv.frames = info.Frames
}

// Close drops loaded frames. Later DecodeTile calls return backend.ErrClosed.
// No tile may be decoding while Close runs.
func (s *Source) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		for _, lv := range s.levels {
			lv.frames = nil
		}
	}
	return nil
}

// Element helpers. Values are looked up in nested sequences too, since
// whole-slide instances keep pixel spacing in functional group sequences.

func findElement(ds dicom.Dataset, t tag.Tag) *dicom.Element {
	el, err := ds.FindElementByTagNested(t)
	if err != nil {
		return nil
	}
	return el
}

func stringValues(ds dicom.Dataset, t tag.Tag) []string {
	el := findElement(ds, t)
	if el == nil {
		return nil
	}
	switch v := el.Value.GetValue().(type) {
	case []string:
		return v
	case []int:
		out := make([]string, len(v))
		for i, n := range v {
			out[i] = strconv.Itoa(n)
		}
		return out
	}
	return nil
}

func intValue(ds dicom.Dataset, t tag.Tag) int {
	el := findElement(ds, t)
	if el == nil {
		return 0
	}
	switch v := el.Value.GetValue().(type) {
	case []int:
		if len(v) > 0 {
			return v[0]
		}
	case []string:
		if len(v) > 0 {
			n, _ := strconv.Atoi(strings.TrimSpace(v[0]))
			return n
		}
	}
	return 0
}

func floatValues(ds dicom.Dataset, t tag.Tag) []float64 {
	if el := findElement(ds, t); el != nil {
		if v, ok := el.Value.GetValue().([]float64); ok {
			return v
		}
	}
	var out []float64
	for _, s := range stringValues(ds, t) {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil
		}
		out = append(out, f)
	}
	return out
}
