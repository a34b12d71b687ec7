package wsi

// Built-in backends register themselves with the backend registry.
// The slide and flat backends are opened directly by the engine.
import (
	_ "github.com/gogpu/wsi/backend/dicom"
	_ "github.com/gogpu/wsi/backend/tiff"
)
