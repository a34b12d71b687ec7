// Package backend abstracts the image formats a pyramid can be decoded from.
//
// Every format is a Source: it reports its native level ladder once, as a
// Layout, and afterwards decodes single tiles of existing native levels into
// BGRA pixel buffers. The engine never branches on formats; it only asks a
// Source for tiles.
//
// # Backend Registration
//
// Format packages register an Opener for their Kind from init() functions:
//
//	import _ "github.com/gogpu/wsi/backend/tiff"
//
// The root wsi package imports every built-in backend, so most callers never
// do this themselves.
//
// # Format Detection
//
// Detect guesses the Kind of a path from its extension and header bytes:
//
//	kind, err := backend.Detect(path)
//	if err != nil {
//		return err
//	}
//	src, err := backend.Open(ctx, kind, path)
//
// # Thread Safety
//
// DecodeTile must be safe for concurrent calls; decode workers share one
// Source per opened image. Layout is read-only after Open.
package backend
