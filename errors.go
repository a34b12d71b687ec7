package wsi

import (
	"errors"

	"github.com/gogpu/wsi/internal/queue"
)

var (
	// ErrQueueFull is returned by RequestTile when the decode queue already
	// holds its capacity of pending jobs. The request was not accepted and
	// may be retried later.
	ErrQueueFull = queue.ErrCapacityExceeded

	// ErrClosed is returned for operations on a shut-down engine or a
	// closed image.
	ErrClosed = errors.New("wsi: closed")

	// ErrInvalidPyramid is returned by Open when a backend reports level
	// geometry that cannot be mapped to a logical ladder.
	ErrInvalidPyramid = errors.New("wsi: invalid pyramid")
)

// IsQueueFull reports whether err means a request was rejected for lack of
// queue capacity.
func IsQueueFull(err error) bool {
	return queue.IsCapacityExceeded(err)
}
