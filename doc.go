// Package wsi decodes tiles of very large images on a pool of workers.
//
// # Overview
//
// wsi opens whole-slide images and other large rasters through one of
// several backends (pyramidal tiled TIFF, an external slide library, DICOM
// series, or ordinary flat images), maps each image's stored resolutions
// onto a dense ladder of power-of-two levels, and decodes individual tiles
// asynchronously. Decoded tiles come back as completions which the caller
// moves into a per-image tile cache.
//
// # Quick Start
//
//	eng := wsi.New()
//	defer eng.Shutdown()
//
//	img, err := eng.Open(ctx, "slide.tiff")
//	if err != nil {
//	    return err
//	}
//	defer img.Close()
//
//	if err := eng.RequestTile(img, 0, 3, 7); errors.Is(err, wsi.ErrQueueFull) {
//	    // try again next frame
//	}
//
//	// Later, on the goroutine that owns the caches:
//	eng.Drain(func(c *wsi.Completion) {
//	    c.Store()
//	})
//
// # Levels
//
// Level i always has a downsample factor of 2^i. Levels the file does not
// store are placeholders: they have a tile grid for addressing but cannot
// be requested.
//
// # Pixels
//
// Tile pixels are 8-bit BGRA. Pixels of edge tiles that lie beyond the
// image are zero.
//
// # Concurrency
//
// RequestTile, WorkOnce and the worker controls are safe for concurrent
// use. A tile cache is not: Drain, Completion.Store and Image.Close should
// run on one goroutine.
package wsi
