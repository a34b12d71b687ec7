package tiff

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/gogpu/wsi/backend"
)

// Tags read by the decoder.
const (
	tagNewSubfileType   = 254
	tagImageWidth       = 256
	tagImageLength      = 257
	tagBitsPerSample    = 258
	tagCompression      = 259
	tagPhotometric      = 262
	tagImageDescription = 270
	tagSamplesPerPixel  = 277
	tagXResolution      = 282
	tagYResolution      = 283
	tagPlanarConfig     = 284
	tagResolutionUnit   = 296
	tagPredictor        = 317
	tagTileWidth        = 322
	tagTileLength       = 323
	tagTileOffsets      = 324
	tagTileByteCounts   = 325
	tagSampleFormat     = 339
	tagJPEGTables       = 347
)

// Field types.
const (
	typeByte      = 1
	typeASCII     = 2
	typeShort     = 3
	typeLong      = 4
	typeRational  = 5
	typeSByte     = 6
	typeUndefined = 7
	typeSShort    = 8
	typeSLong     = 9
	typeSRational = 10
	typeFloat     = 11
	typeDouble    = 12
	typeIFD       = 13
	typeLong8     = 16
	typeSLong8    = 17
	typeIFD8      = 18
)

var typeSizes = map[uint16]int{
	typeByte: 1, typeASCII: 1, typeShort: 2, typeLong: 4, typeRational: 8,
	typeSByte: 1, typeUndefined: 1, typeSShort: 2, typeSLong: 4, typeSRational: 8,
	typeFloat: 4, typeDouble: 8, typeIFD: 4, typeLong8: 8, typeSLong8: 8, typeIFD8: 8,
}

// Bounds on what a header may ask us to allocate.
const (
	maxEntries    = 4096
	maxFieldBytes = 64 << 20
	maxIFDs       = 1024
)

// field is one decoded IFD entry.
type field struct {
	typ   uint16
	count uint64
	data  []byte
}

// ifd is one image file directory.
type ifd struct {
	fields map[uint16]field
	order  binary.ByteOrder
}

// header locates the first IFD and describes the entry layout.
type header struct {
	order     binary.ByteOrder
	big       bool
	firstIFD  uint64
	entrySize int64
	countSize int64
	offSize   int64
}

func readHeader(r io.ReaderAt) (header, error) {
	var b [16]byte
	if _, err := r.ReadAt(b[:8], 0); err != nil {
		return header{}, fmt.Errorf("%w: short header", backend.ErrCorrupt)
	}
	var h header
	switch string(b[:2]) {
	case "II":
		h.order = binary.LittleEndian
	case "MM":
		h.order = binary.BigEndian
	default:
		return header{}, fmt.Errorf("%w: not a TIFF file", backend.ErrUnknownFormat)
	}
	switch h.order.Uint16(b[2:4]) {
	case 42:
		h.firstIFD = uint64(h.order.Uint32(b[4:8]))
		h.entrySize, h.countSize, h.offSize = 12, 2, 4
	case 43:
		if _, err := r.ReadAt(b[8:16], 8); err != nil {
			return header{}, fmt.Errorf("%w: short BigTIFF header", backend.ErrCorrupt)
		}
		h.big = true
		h.firstIFD = h.order.Uint64(b[8:16])
		h.entrySize, h.countSize, h.offSize = 20, 8, 8
	default:
		return header{}, fmt.Errorf("%w: bad TIFF version", backend.ErrUnknownFormat)
	}
	return h, nil
}

// readIFDs walks the IFD chain.
func readIFDs(r io.ReaderAt, h header) ([]*ifd, error) {
	var out []*ifd
	seen := make(map[uint64]bool)
	for off := h.firstIFD; off != 0; {
		if seen[off] || len(out) >= maxIFDs {
			return nil, fmt.Errorf("%w: IFD chain loops", backend.ErrCorrupt)
		}
		seen[off] = true

		d, next, err := readIFD(r, h, off)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
		off = next
	}
	return out, nil
}

func readIFD(r io.ReaderAt, h header, off uint64) (*ifd, uint64, error) {
	var cnt [8]byte
	if _, err := r.ReadAt(cnt[:h.countSize], int64(off)); err != nil {
		return nil, 0, fmt.Errorf("%w: IFD at %d: %v", backend.ErrCorrupt, off, err)
	}
	var n uint64
	if h.big {
		n = h.order.Uint64(cnt[:8])
	} else {
		n = uint64(h.order.Uint16(cnt[:2]))
	}
	if n == 0 || n > maxEntries {
		return nil, 0, fmt.Errorf("%w: IFD at %d has %d entries", backend.ErrCorrupt, off, n)
	}

	buf := make([]byte, int64(n)*h.entrySize+h.offSize)
	if _, err := r.ReadAt(buf, int64(off)+h.countSize); err != nil {
		return nil, 0, fmt.Errorf("%w: truncated IFD at %d", backend.ErrCorrupt, off)
	}

	d := &ifd{fields: make(map[uint16]field, n), order: h.order}
	for i := uint64(0); i < n; i++ {
		e := buf[int64(i)*h.entrySize:]
		tag := h.order.Uint16(e[0:2])
		typ := h.order.Uint16(e[2:4])
		size, ok := typeSizes[typ]
		if !ok {
			continue
		}

		var count uint64
		var value []byte
		if h.big {
			count = h.order.Uint64(e[4:12])
			value = e[12:20]
		} else {
			count = uint64(h.order.Uint32(e[4:8]))
			value = e[8:12]
		}
		if count > maxFieldBytes/uint64(size) {
			return nil, 0, fmt.Errorf("%w: tag %d too large", backend.ErrCorrupt, tag)
		}

		length := int64(count) * int64(size)
		var data []byte
		if length <= h.offSize {
			data = append([]byte(nil), value[:length]...)
		} else {
			var at uint64
			if h.big {
				at = h.order.Uint64(value)
			} else {
				at = uint64(h.order.Uint32(value))
			}
			data = make([]byte, length)
			if _, err := r.ReadAt(data, int64(at)); err != nil {
				return nil, 0, fmt.Errorf("%w: tag %d data: %v", backend.ErrCorrupt, tag, err)
			}
		}
		d.fields[tag] = field{typ: typ, count: count, data: data}
	}

	nextRaw := buf[int64(n)*h.entrySize:]
	var next uint64
	if h.big {
		next = h.order.Uint64(nextRaw)
	} else {
		next = uint64(h.order.Uint32(nextRaw))
	}
	return d, next, nil
}

func (d *ifd) has(tag uint16) bool {
	_, ok := d.fields[tag]
	return ok
}

// uints returns the integer values of a field.
func (d *ifd) uints(tag uint16) []uint64 {
	f, ok := d.fields[tag]
	if !ok {
		return nil
	}
	out := make([]uint64, f.count)
	for i := range out {
		switch f.typ {
		case typeByte, typeUndefined, typeSByte:
			out[i] = uint64(f.data[i])
		case typeShort, typeSShort:
			out[i] = uint64(d.order.Uint16(f.data[2*i:]))
		case typeLong, typeSLong, typeIFD:
			out[i] = uint64(d.order.Uint32(f.data[4*i:]))
		case typeLong8, typeSLong8, typeIFD8:
			out[i] = d.order.Uint64(f.data[8*i:])
		default:
			return nil
		}
	}
	return out
}

// uint returns the first integer value of a field, or def.
func (d *ifd) uint(tag uint16, def uint64) uint64 {
	v := d.uints(tag)
	if len(v) == 0 {
		return def
	}
	return v[0]
}

// float returns the first numeric value of a field as a float, or 0.
func (d *ifd) float(tag uint16) float64 {
	f, ok := d.fields[tag]
	if !ok || f.count == 0 {
		return 0
	}
	switch f.typ {
	case typeRational:
		num := d.order.Uint32(f.data[0:4])
		den := d.order.Uint32(f.data[4:8])
		if den == 0 {
			return 0
		}
		return float64(num) / float64(den)
	case typeSRational:
		num := int32(d.order.Uint32(f.data[0:4]))
		den := int32(d.order.Uint32(f.data[4:8]))
		if den == 0 {
			return 0
		}
		return float64(num) / float64(den)
	case typeFloat:
		return float64(math.Float32frombits(d.order.Uint32(f.data)))
	case typeDouble:
		return math.Float64frombits(d.order.Uint64(f.data))
	default:
		return float64(d.uint(tag, 0))
	}
}

// ascii returns a string field without its terminating NULs.
func (d *ifd) ascii(tag uint16) string {
	f, ok := d.fields[tag]
	if !ok {
		return ""
	}
	return strings.TrimRight(string(f.data), "\x00")
}

// bytes returns the raw data of a field.
func (d *ifd) bytes(tag uint16) []byte {
	return d.fields[tag].data
}
