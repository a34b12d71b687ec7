package wsi

import (
	"context"
	"fmt"

	"code.hybscloud.com/iox"

	"github.com/gogpu/wsi/backend"
	"github.com/gogpu/wsi/internal/parallel"
	"github.com/gogpu/wsi/internal/pixel"
)

// decodeJob decodes one tile on a worker and posts the result.
type decodeJob struct {
	img   *Image
	level *Level
	x, y  int
}

func (j *decodeJob) Run(w *parallel.Worker) {
	defer j.img.release()

	e := j.img.engine
	buf, err := j.img.decodeTile(e.ctx, w.Pixels(), j.level, j.x, j.y)
	if err != nil {
		e.stats.failed.AddAcqRel(1)
		e.logger.Warn("wsi: tile decode failed",
			"image", j.img.name, "level", j.level.Index, "x", j.x, "y", j.y,
			"worker", w.Index(), "err", err)
		return
	}
	e.stats.decoded.AddAcqRel(1)
	e.logger.Debug("wsi: tile decoded",
		"image", j.img.name, "level", j.level.Index, "x", j.x, "y", j.y, "worker", w.Index())

	e.complete(w, &Completion{
		Image:      j.img,
		Level:      j.level.Index,
		TileX:      j.x,
		TileY:      j.y,
		TileIndex:  j.level.TileIndex(j.x, j.y),
		TileWidth:  j.level.TileWidth,
		TileHeight: j.level.TileHeight,
		buffer:     buf,
	})
}

// decodeTile asks the backend for tile (x, y) of lv and blanks the part of
// the tile that lies beyond the image edge.
func (img *Image) decodeTile(ctx context.Context, pool *pixel.Pool, lv *Level, x, y int) (*pixel.Buffer, error) {
	req := backend.TileRequest{
		Native:     lv.NativeIndex,
		Level:      lv.Index,
		TileX:      x,
		TileY:      y,
		TileWidth:  lv.TileWidth,
		TileHeight: lv.TileHeight,
	}
	buf, err := img.src.DecodeTile(ctx, req, pool)
	if err != nil {
		return nil, err
	}
	if buf.Width() != lv.TileWidth || buf.Height() != lv.TileHeight {
		w, h := buf.Width(), buf.Height()
		buf.Release()
		return nil, fmt.Errorf("wsi: %s: backend returned %dx%d: %w", req, w, h, backend.ErrCorrupt)
	}

	cols, rows := lv.EdgeExcess(x, y, img.widthUM, img.heightUM)
	if cols > 0 || rows > 0 {
		pixel.TrimEdges(buf, cols, rows)
		img.engine.logger.Debug("wsi: edge trimmed",
			"image", img.name, "level", lv.Index, "x", x, "y", y, "cols", cols, "rows", rows)
	}
	return buf, nil
}

// complete posts c to the completion queue, backing off while the queue is
// full. A full queue drops the tile instead when nobody can drain it: the
// engine is shutting down, the image is closing, or the job runs on worker 0,
// which is the goroutine that would otherwise drain.
func (e *Engine) complete(w *parallel.Worker, c *Completion) {
	var backoff iox.Backoff
	for {
		err := e.completions.Enqueue(c)
		if err == nil {
			return
		}
		if !IsQueueFull(err) || e.closing.Load() || c.Image.isClosed() || w.Index() == 0 {
			c.Discard()
			e.stats.dropped.AddAcqRel(1)
			e.logger.Warn("wsi: completion dropped",
				"image", c.Image.name, "level", c.Level, "x", c.TileX, "y", c.TileY,
				"worker", w.Index(), "err", err)
			return
		}
		backoff.Wait()
	}
}
