package wsi

import (
	"github.com/gogpu/wsi/cache"
	"github.com/gogpu/wsi/internal/pixel"
	"github.com/gogpu/wsi/internal/pyramid"
)

// Buffer is a single-owner BGRA pixel buffer. See Completion.TakeBuffer.
type Buffer = pixel.Buffer

// Level is one logical level of an image pyramid.
type Level = pyramid.Level

// Completion is a decoded tile waiting for its owner to claim it.
//
// A Completion holds the only reference to its pixels. Exactly one of
// TakeBuffer, Store or Discard should be called; after that Buffer
// returns nil.
type Completion struct {
	Image *Image

	Level        int
	TileX, TileY int
	TileIndex    int

	TileWidth, TileHeight int

	buffer *pixel.Buffer
}

// Buffer returns the decoded pixels without transferring ownership, or nil
// once the buffer has been claimed.
func (c *Completion) Buffer() *Buffer {
	return c.buffer
}

// TakeBuffer transfers ownership of the pixels to the caller, who must
// Release them when done.
func (c *Completion) TakeBuffer() *Buffer {
	b := c.buffer
	c.buffer = nil
	return b
}

// Store moves the pixels into the image's tile cache and trims the cache
// to its budget. If the image was closed after the request was made the
// pixels are released and ErrClosed is returned. A tile that is already
// cached keeps its existing pixels and cache.ErrAlreadyCached is returned.
//
// Store must run on the goroutine that owns the image's cache.
func (c *Completion) Store() error {
	if c.buffer == nil {
		return cache.ErrNoPixels
	}
	img := c.Image
	if img.isClosed() {
		c.Discard()
		img.engine.logger.Debug("wsi: stale completion discarded",
			"image", img.name, "level", c.Level, "x", c.TileX, "y", c.TileY)
		return ErrClosed
	}
	if err := img.cache.Insert(c.Level, c.TileIndex, c.TakeBuffer()); err != nil {
		return err
	}
	if n := img.cache.Trim(); n > 0 {
		img.engine.logger.Debug("wsi: cache trimmed", "image", img.name, "evicted", n)
	}
	return nil
}

// Discard releases the pixels.
func (c *Completion) Discard() {
	if c.buffer != nil {
		c.buffer.Release()
		c.buffer = nil
	}
}
