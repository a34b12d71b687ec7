package tiff

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"io"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/image/tiff/lzw"

	"github.com/gogpu/wsi/backend"
	"github.com/gogpu/wsi/internal/pixel"
)

// Compression schemes.
const (
	compressionNone       = 1
	compressionLZW        = 5
	compressionJPEG       = 7
	compressionDeflate    = 8
	compressionOldDeflate = 32946
	compressionZstd       = 50000
)

// Photometric interpretations.
const (
	photometricWhiteIsZero = 0
	photometricBlackIsZero = 1
	photometricRGB         = 2
	photometricYCbCr       = 6
)

const predictorHorizontal = 2

// decompress expands one tile's stored bytes into raw interleaved samples.
func (s *Source) decompress(lv *level, raw []byte) ([]byte, error) {
	switch lv.compression {
	case compressionNone:
		return raw, nil
	case compressionLZW:
		r := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		defer r.Close()
		return readAll(r, lv.rawSize())
	case compressionDeflate, compressionOldDeflate:
		r, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: deflate: %v", backend.ErrCorrupt, err)
		}
		defer r.Close()
		return readAll(r, lv.rawSize())
	case compressionZstd:
		out, err := s.zstd.DecodeAll(raw, make([]byte, 0, lv.rawSize()))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", backend.ErrCorrupt, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: TIFF compression %d", backend.ErrUnsupported, lv.compression)
	}
}

// readAll reads a decompressed tile of exactly size bytes. Anything the
// stream holds past that is ignored; some writers leave trailing garbage.
func readAll(r io.Reader, size int) ([]byte, error) {
	out := make([]byte, size)
	n, err := io.ReadFull(r, out)
	if err != nil {
		return nil, fmt.Errorf("%w: tile truncated at %d of %d bytes: %v", backend.ErrCorrupt, n, size, err)
	}
	return out, nil
}

// undoPredictor reverses horizontal differencing in place.
func undoPredictor(data []byte, width, height, spp int) {
	stride := width * spp
	for y := 0; y < height; y++ {
		if (y+1)*stride > len(data) {
			return
		}
		row := data[y*stride : (y+1)*stride]
		for x := spp; x < stride; x++ {
			row[x] += row[x-spp]
		}
	}
}

// samplesToBGRA converts chunky 8-bit samples into dst. Short input is
// rejected with backend.ErrCorrupt.
func samplesToBGRA(dst *pixel.Buffer, data []byte, width, height, spp, photometric int) error {
	pix := dst.Pix()
	w := min(width, dst.Width())
	h := min(height, dst.Height())
	for y := 0; y < h; y++ {
		srcRow := y * width * spp
		dstRow := y * dst.Stride()
		for x := 0; x < w; x++ {
			si := srcRow + x*spp
			if si+spp > len(data) {
				return fmt.Errorf("%w: tile holds %d sample bytes, need %d",
					backend.ErrCorrupt, len(data), width*height*spp)
			}
			di := dstRow + x*pixel.BytesPerPixel
			switch {
			case spp == 1 || spp == 2:
				v := data[si]
				if photometric == photometricWhiteIsZero {
					v = 255 - v
				}
				a := uint8(255)
				if spp == 2 {
					a = data[si+1]
				}
				pix[di], pix[di+1], pix[di+2], pix[di+3] = v, v, v, a
			case spp >= 3:
				a := uint8(255)
				if spp >= 4 {
					a = data[si+3]
				}
				pix[di] = data[si+2]
				pix[di+1] = data[si+1]
				pix[di+2] = data[si]
				pix[di+3] = a
			default:
				return fmt.Errorf("%w: %d samples per pixel", backend.ErrUnsupported, spp)
			}
		}
	}
	return nil
}

// decodeJPEG decodes an abbreviated JPEG tile, splicing in the shared
// quantization and Huffman tables when the level has them.
func decodeJPEG(dst *pixel.Buffer, tables, raw []byte) error {
	data := raw
	if len(tables) > 4 && len(raw) > 2 {
		// tables is SOI ... EOI, raw is SOI ... EOI: drop the tables' EOI
		// and the tile's SOI.
		data = make([]byte, 0, len(tables)+len(raw)-4)
		data = append(data, tables[:len(tables)-2]...)
		data = append(data, raw[2:]...)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: jpeg: %v", backend.ErrCorrupt, err)
	}
	pixel.DrawImage(dst, img, image.Point{})
	return nil
}
