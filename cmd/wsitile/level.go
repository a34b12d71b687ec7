package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gogpu/wsi"
)

// tick is how long the request loop sleeps when it has nothing to do.
const tick = 2 * time.Millisecond

// decodeLevel requests every tile of a level and hands each completion to
// fn on the calling goroutine. Requests rejected with a full queue are
// retried on the next pass. It returns the number of tiles that failed to
// decode or were dropped. The caller only runs jobs itself while no
// background worker is enabled.
func decodeLevel(ctx context.Context, eng *wsi.Engine, img *wsi.Image, level int, fn func(*wsi.Completion) error) (int, error) {
	if level < 0 || level >= img.LevelCount() {
		return 0, fmt.Errorf("level %d out of range, %s has %d levels", level, img.Name(), img.LevelCount())
	}
	lv := img.Level(level)
	if !lv.Exists {
		return 0, fmt.Errorf("level %d of %s is not stored in the file", level, img.Name())
	}

	lost := func() uint64 { s := eng.Stats(); return s.Failed + s.Dropped }
	baseline := lost()
	failed := func() int { return int(lost() - baseline) }

	total := lv.TileCount()
	next, done := 0, 0
	var ferr error
	for done+failed() < total {
		for next < total {
			x, y := lv.TileCoords(next)
			err := eng.RequestTile(img, level, x, y)
			if wsi.IsQueueFull(err) {
				break
			}
			if err != nil {
				return failed(), err
			}
			next++
		}

		n := eng.Drain(func(c *wsi.Completion) {
			if ferr != nil {
				c.Discard()
				return
			}
			ferr = fn(c)
		})
		done += n
		if ferr != nil {
			return failed(), ferr
		}
		if n > 0 || (eng.ActiveWorkerCount() == 0 && eng.WorkOnce()) {
			continue
		}
		select {
		case <-ctx.Done():
			return failed(), ctx.Err()
		case <-time.After(tick):
		}
	}
	return failed(), nil
}
