package tiff

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// testLevel describes one tiled directory written by writeTIFF.
type testLevel struct {
	width, height int
	tile          int
	spp           int
	compression   int
	predictor     bool
	mask          bool
	truncate      int // keep only this many sample bytes per tile; 0 keeps all
}

// testColor is the pixel written at (x, y) of every level.
func testColor(x, y int) (r, g, b, a uint8) {
	return uint8(x), uint8(y), 77, 200
}

type entry struct {
	tag   uint16
	typ   uint16
	count int
	data  []byte
}

// tiffWriter lays out a TIFF file in memory: header, tile data, then IFDs.
type tiffWriter struct {
	t     *testing.T
	order binary.ByteOrder
	big   bool
	buf   bytes.Buffer
}

func (w *tiffWriter) put16(v uint16) []byte {
	b := make([]byte, 2)
	w.order.PutUint16(b, v)
	return b
}

func (w *tiffWriter) put32(v uint32) []byte {
	b := make([]byte, 4)
	w.order.PutUint32(b, v)
	return b
}

func (w *tiffWriter) put64(v uint64) []byte {
	b := make([]byte, 8)
	w.order.PutUint64(b, v)
	return b
}

func (w *tiffWriter) shorts(tag uint16, vals ...uint16) entry {
	var data []byte
	for _, v := range vals {
		data = append(data, w.put16(v)...)
	}
	return entry{tag: tag, typ: typeShort, count: len(vals), data: data}
}

func (w *tiffWriter) longs(tag uint16, vals ...uint32) entry {
	var data []byte
	for _, v := range vals {
		data = append(data, w.put32(v)...)
	}
	return entry{tag: tag, typ: typeLong, count: len(vals), data: data}
}

// offsets writes LONG8 in BigTIFF files and LONG otherwise.
func (w *tiffWriter) offsets(tag uint16, vals []uint64) entry {
	if !w.big {
		v32 := make([]uint32, len(vals))
		for i, v := range vals {
			v32[i] = uint32(v)
		}
		return w.longs(tag, v32...)
	}
	var data []byte
	for _, v := range vals {
		data = append(data, w.put64(v)...)
	}
	return entry{tag: tag, typ: typeLong8, count: len(vals), data: data}
}

func (w *tiffWriter) ascii(tag uint16, s string) entry {
	return entry{tag: tag, typ: typeASCII, count: len(s) + 1, data: append([]byte(s), 0)}
}

func (w *tiffWriter) rational(tag uint16, num, den uint32) entry {
	return entry{tag: tag, typ: typeRational, count: 1, data: append(w.put32(num), w.put32(den)...)}
}

func (w *tiffWriter) header() (nextAt int) {
	if w.order == binary.LittleEndian {
		w.buf.WriteString("II")
	} else {
		w.buf.WriteString("MM")
	}
	if w.big {
		w.buf.Write(w.put16(43))
		w.buf.Write(w.put16(8))
		w.buf.Write(w.put16(0))
		nextAt = w.buf.Len()
		w.buf.Write(w.put64(0))
		return nextAt
	}
	w.buf.Write(w.put16(42))
	nextAt = w.buf.Len()
	w.buf.Write(w.put32(0))
	return nextAt
}

// patch stores the offset of the next IFD at position at.
func (w *tiffWriter) patch(at int, off uint64) {
	b := w.buf.Bytes()
	if w.big {
		w.order.PutUint64(b[at:], off)
	} else {
		w.order.PutUint32(b[at:], uint32(off))
	}
}

// writeIFD appends an IFD and returns its offset and the position of its
// next-IFD field.
func (w *tiffWriter) writeIFD(entries []entry) (off uint64, nextAt int) {
	slices.SortFunc(entries, func(a, b entry) int { return int(a.tag) - int(b.tag) })
	if w.buf.Len()%2 == 1 {
		w.buf.WriteByte(0)
	}
	off = uint64(w.buf.Len())

	entrySize, inline, countSize := 12, 4, 2
	if w.big {
		entrySize, inline, countSize = 20, 8, 8
	}
	extAt := int(off) + countSize + len(entries)*entrySize + inline

	var ifd, ext bytes.Buffer
	if w.big {
		ifd.Write(w.put64(uint64(len(entries))))
	} else {
		ifd.Write(w.put16(uint16(len(entries))))
	}
	for _, e := range entries {
		ifd.Write(w.put16(e.tag))
		ifd.Write(w.put16(e.typ))
		if w.big {
			ifd.Write(w.put64(uint64(e.count)))
		} else {
			ifd.Write(w.put32(uint32(e.count)))
		}
		value := make([]byte, inline)
		if len(e.data) <= inline {
			copy(value, e.data)
		} else {
			at := uint64(extAt + ext.Len())
			if w.big {
				w.order.PutUint64(value, at)
			} else {
				w.order.PutUint32(value, uint32(at))
			}
			ext.Write(e.data)
			if ext.Len()%2 == 1 {
				ext.WriteByte(0)
			}
		}
		ifd.Write(value)
	}
	nextAt = int(off) + ifd.Len()
	ifd.Write(make([]byte, inline))

	w.buf.Write(ifd.Bytes())
	w.buf.Write(ext.Bytes())
	return off, nextAt
}

// encodeTile produces the stored bytes of one tile.
func (w *tiffWriter) encodeTile(lv testLevel, tx, ty int) []byte {
	w.t.Helper()
	if lv.compression == compressionJPEG {
		img := image.NewRGBA(image.Rect(0, 0, lv.tile, lv.tile))
		for y := 0; y < lv.tile; y++ {
			for x := 0; x < lv.tile; x++ {
				img.Set(x, y, color.RGBA{R: 180, G: 60, B: 30, A: 255})
			}
		}
		var out bytes.Buffer
		if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: 100}); err != nil {
			w.t.Fatal(err)
		}
		return out.Bytes()
	}

	raw := make([]byte, 0, lv.tile*lv.tile*lv.spp)
	for y := 0; y < lv.tile; y++ {
		for x := 0; x < lv.tile; x++ {
			px, py := tx*lv.tile+x, ty*lv.tile+y
			if px >= lv.width || py >= lv.height {
				// Padding: garbage the decoder must clear.
				for range lv.spp {
					raw = append(raw, 0xEE)
				}
				continue
			}
			r, g, b, a := testColor(px, py)
			switch lv.spp {
			case 1:
				raw = append(raw, g)
			case 3:
				raw = append(raw, r, g, b)
			case 4:
				raw = append(raw, r, g, b, a)
			}
		}
	}
	if lv.predictor {
		stride := lv.tile * lv.spp
		for y := 0; y < lv.tile; y++ {
			row := raw[y*stride : (y+1)*stride]
			for x := stride - 1; x >= lv.spp; x-- {
				row[x] -= row[x-lv.spp]
			}
		}
	}

	if lv.truncate > 0 {
		raw = raw[:lv.truncate]
	}

	switch lv.compression {
	case compressionNone:
		return raw
	case compressionDeflate:
		var out bytes.Buffer
		zw := zlib.NewWriter(&out)
		_, _ = zw.Write(raw)
		_ = zw.Close()
		return out.Bytes()
	case compressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			w.t.Fatal(err)
		}
		defer enc.Close()
		return enc.EncodeAll(raw, nil)
	}
	w.t.Fatalf("unsupported test compression %d", lv.compression)
	return nil
}

// tiffOptions are file-level settings for writeTIFF.
type tiffOptions struct {
	big         bool
	bigEndian   bool
	description string
	resolution  uint32 // pixels per centimetre; 0 omits the tags
	stripped    bool   // prepend a stripped thumbnail directory
}

// writeTIFF writes a tiled TIFF holding the given levels and returns its path.
func writeTIFF(t *testing.T, opts tiffOptions, levels ...testLevel) string {
	t.Helper()
	w := &tiffWriter{t: t, order: binary.LittleEndian, big: opts.big}
	if opts.bigEndian {
		w.order = binary.BigEndian
	}
	nextAt := w.header()

	if opts.stripped {
		data := []byte{1, 2, 3}
		dataAt := uint64(w.buf.Len())
		w.buf.Write(data)
		off, at := w.writeIFD([]entry{
			w.longs(tagImageWidth, 1),
			w.longs(tagImageLength, 1),
			w.shorts(tagBitsPerSample, 8, 8, 8),
			w.shorts(tagCompression, compressionNone),
			w.shorts(tagPhotometric, photometricRGB),
			w.shorts(tagSamplesPerPixel, 3),
			w.longs(273, uint32(dataAt)),
			w.longs(279, 3),
		})
		w.patch(nextAt, off)
		nextAt = at
	}

	for i, lv := range levels {
		across := (lv.width + lv.tile - 1) / lv.tile
		down := (lv.height + lv.tile - 1) / lv.tile
		var offs, counts []uint64
		for ty := 0; ty < down; ty++ {
			for tx := 0; tx < across; tx++ {
				data := w.encodeTile(lv, tx, ty)
				offs = append(offs, uint64(w.buf.Len()))
				counts = append(counts, uint64(len(data)))
				w.buf.Write(data)
			}
		}

		spp := max(lv.spp, 3)
		photometric := uint16(photometricRGB)
		if lv.compression == compressionJPEG {
			photometric = photometricYCbCr
		} else if lv.spp == 1 {
			spp = 1
			photometric = photometricBlackIsZero
		}
		bits := make([]uint16, spp)
		for j := range bits {
			bits[j] = 8
		}

		entries := []entry{
			w.longs(tagImageWidth, uint32(lv.width)),
			w.longs(tagImageLength, uint32(lv.height)),
			w.shorts(tagBitsPerSample, bits...),
			w.shorts(tagCompression, uint16(lv.compression)),
			w.shorts(tagPhotometric, photometric),
			w.shorts(tagSamplesPerPixel, uint16(spp)),
			w.shorts(tagPlanarConfig, 1),
			w.shorts(tagTileWidth, uint16(lv.tile)),
			w.shorts(tagTileLength, uint16(lv.tile)),
			w.offsets(tagTileOffsets, offs),
			w.offsets(tagTileByteCounts, counts),
		}
		if lv.spp == 4 {
			entries = append(entries, w.shorts(338, 2))
		}
		if lv.predictor {
			entries = append(entries, w.shorts(tagPredictor, predictorHorizontal))
		}
		if lv.mask {
			entries = append(entries, w.longs(tagNewSubfileType, subfileMask))
		}
		if i == 0 {
			if opts.description != "" {
				entries = append(entries, w.ascii(tagImageDescription, opts.description))
			}
			if opts.resolution > 0 {
				entries = append(entries,
					w.rational(tagXResolution, opts.resolution, 1),
					w.rational(tagYResolution, opts.resolution, 1),
					w.shorts(tagResolutionUnit, unitCentimeter))
			}
		}

		off, at := w.writeIFD(entries)
		w.patch(nextAt, off)
		nextAt = at
	}

	path := filepath.Join(t.TempDir(), "slide.tif")
	if err := os.WriteFile(path, w.buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
