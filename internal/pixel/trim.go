package pixel

// TrimEdges clears the parts of a tile that lie outside the image.
//
// excessRows rows at the bottom are cleared over the full width first, then
// excessCols columns at the right are cleared on the rows that remain, so a
// corner tile never clears its corner twice. Counts are clamped to the
// buffer size; non-positive counts leave that axis untouched.
func TrimEdges(b *Buffer, excessCols, excessRows int) {
	pix := b.Pix()
	pitch := b.Stride()

	height := b.height
	if excessRows > 0 {
		excessRows = min(excessRows, b.height)
		height = b.height - excessRows
		clear(pix[height*pitch : b.height*pitch])
	}
	if excessCols > 0 {
		excessCols = min(excessCols, b.width)
		width := b.width - excessCols
		for row := range height {
			start := row*pitch + width*BytesPerPixel
			clear(pix[start : start+excessCols*BytesPerPixel])
		}
	}
}
