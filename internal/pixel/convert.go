package pixel

import (
	"image"
	"image/color"

	xdraw "golang.org/x/image/draw"
)

// FromImage converts any decoded image into a BGRA buffer of the same size.
// The image is first rendered into straight RGBA through x/image/draw so
// palette, gray, YCbCr and 16-bit sources all take the same path.
func FromImage(img image.Image, pool *Pool) *Buffer {
	bounds := img.Bounds()
	dst := pool.Get(bounds.Dx(), bounds.Dy())
	DrawImage(dst, img, image.Point{})
	return dst
}

// DrawImage renders img into dst with its top-left corner at off, converting
// to BGRA. Pixels of dst outside the image are left untouched.
func DrawImage(dst *Buffer, img image.Image, off image.Point) {
	bounds := img.Bounds()
	rect := image.Rect(off.X, off.Y, off.X+bounds.Dx(), off.Y+bounds.Dy()).
		Intersect(image.Rect(0, 0, dst.width, dst.height))
	if rect.Empty() {
		return
	}

	rgba, ok := img.(*image.NRGBA)
	if !ok || rgba.Bounds().Min != (image.Point{}) {
		rgba = image.NewNRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
		xdraw.Draw(rgba, rgba.Bounds(), img, bounds.Min, xdraw.Src)
	}

	pix := dst.Pix()
	for y := 0; y < rect.Dy(); y++ {
		src := rgba.Pix[y*rgba.Stride : y*rgba.Stride+rect.Dx()*4]
		row := pix[(rect.Min.Y+y)*dst.Stride()+rect.Min.X*BytesPerPixel:]
		for x := 0; x < len(src); x += 4 {
			row[x] = src[x+2]
			row[x+1] = src[x+1]
			row[x+2] = src[x]
			row[x+3] = src[x+3]
		}
	}
}

// ToNRGBA returns a copy of the buffer as a standard library image, for
// encoding with image/png and friends.
func (b *Buffer) ToNRGBA() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, b.width, b.height))
	pix := b.Pix()
	for i := 0; i < len(pix); i += BytesPerPixel {
		img.Pix[i] = pix[i+2]
		img.Pix[i+1] = pix[i+1]
		img.Pix[i+2] = pix[i]
		img.Pix[i+3] = pix[i+3]
	}
	return img
}

// ColorAt returns pixel (x, y) as a color, or transparent when out of bounds.
func (b *Buffer) ColorAt(x, y int) color.NRGBA {
	p := b.At(x, y)
	if p == nil {
		return color.NRGBA{}
	}
	return color.NRGBA{R: p[2], G: p[1], B: p[0], A: p[3]}
}

// CopyRect copies the w×h region of src starting at (sx, sy) into dst at
// (0, 0). Parts of the region outside src stay as they are in dst.
func CopyRect(dst, src *Buffer, sx, sy int) {
	w := min(dst.width, src.width-sx)
	h := min(dst.height, src.height-sy)
	if w <= 0 || h <= 0 || sx < 0 || sy < 0 {
		return
	}
	dpix, spix := dst.Pix(), src.Pix()
	for y := range h {
		so := (sy+y)*src.Stride() + sx*BytesPerPixel
		do := y * dst.Stride()
		copy(dpix[do:do+w*BytesPerPixel], spix[so:so+w*BytesPerPixel])
	}
}

// Downsample returns a half-size copy of src using a 2x2 box filter.
// Odd trailing rows and columns are averaged with themselves.
func Downsample(src *Buffer) *Buffer {
	srcW, srcH := src.width, src.height
	dstW := max(1, (srcW+1)/2)
	dstH := max(1, (srcH+1)/2)

	dst := New(dstW, dstH)
	spix, dpix := src.Pix(), dst.data
	stride := src.Stride()

	for y := range dstH {
		sy0 := y * 2
		sy1 := min(sy0+1, srcH-1)
		for x := range dstW {
			sx0 := x * 2
			sx1 := min(sx0+1, srcW-1)

			i00 := sy0*stride + sx0*BytesPerPixel
			i01 := sy0*stride + sx1*BytesPerPixel
			i10 := sy1*stride + sx0*BytesPerPixel
			i11 := sy1*stride + sx1*BytesPerPixel

			o := (y*dstW + x) * BytesPerPixel
			for c := range BytesPerPixel {
				sum := uint32(spix[i00+c]) + uint32(spix[i01+c]) +
					uint32(spix[i10+c]) + uint32(spix[i11+c])
				dpix[o+c] = uint8((sum + 2) / 4)
			}
		}
	}
	return dst
}
