package backend

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// headerSize is the number of leading bytes Detect sniffs.
const headerSize = 256

// Detect guesses the backend kind for path.
//
// A directory is a DICOM series if it holds at least one DICOM file.
// Regular files are classified by extension: TIFF files are KindTiled when
// their first image is tiled and KindFlat otherwise, common raster formats
// are KindFlat, and .dcm files or files with a DICM preamble are KindDICOM.
// Any other file with an extension is handed to the slide library.
func Detect(path string) (Kind, error) {
	info, err := os.Stat(path)
	if err != nil {
		return KindUnknown, fmt.Errorf("backend: detect: %w", err)
	}
	if info.IsDir() {
		files, err := DICOMFiles(path)
		if err != nil {
			return KindUnknown, err
		}
		if len(files) == 0 {
			return KindUnknown, fmt.Errorf("%w: %s: no DICOM files in directory", ErrUnknownFormat, path)
		}
		return KindDICOM, nil
	}
	if !info.Mode().IsRegular() {
		return KindUnknown, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}

	header, err := readHeader(path)
	if err != nil {
		return KindUnknown, err
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	switch ext {
	case "":
		if IsDICOM(header) {
			return KindDICOM, nil
		}
		return KindUnknown, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	case "tif", "tiff", "ptif":
		tiled, err := isTiledTIFF(path)
		if err != nil {
			return KindUnknown, err
		}
		if tiled {
			return KindTiled, nil
		}
		return KindFlat, nil
	case "png", "jpg", "jpeg", "bmp", "gif", "webp":
		return KindFlat, nil
	case "dcm":
		return KindDICOM, nil
	}
	if IsDICOM(header) {
		return KindDICOM, nil
	}
	return KindSlide, nil
}

// IsDICOM reports whether header starts with a DICOM Part 10 preamble.
func IsDICOM(header []byte) bool {
	return len(header) >= 132 && string(header[128:132]) == "DICM"
}

// DICOMFiles lists the DICOM files directly inside dir, sorted by name.
// Subdirectories are not searched.
func DICOMFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("backend: read dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := filepath.Join(dir, e.Name())
		if strings.EqualFold(filepath.Ext(name), ".dcm") {
			files = append(files, name)
			continue
		}
		header, err := readHeader(name)
		if err != nil {
			continue
		}
		if IsDICOM(header) {
			files = append(files, name)
		}
	}
	return files, nil
}

func readHeader(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("backend: detect: %w", err)
	}
	defer f.Close()

	buf := make([]byte, headerSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("backend: detect: %w", err)
	}
	return buf[:n], nil
}

// TIFF tags consulted by the tiled probe.
const (
	tagTileWidth = 322
)

// isTiledTIFF reports whether the first IFD of a TIFF or BigTIFF file
// carries a TileWidth tag.
func isTiledTIFF(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("backend: detect: %w", err)
	}
	defer f.Close()

	var hdr [16]byte
	if _, err := io.ReadFull(f, hdr[:8]); err != nil {
		return false, fmt.Errorf("%w: short TIFF header", ErrCorrupt)
	}
	var order binary.ByteOrder
	switch {
	case bytes.Equal(hdr[:2], []byte("II")):
		order = binary.LittleEndian
	case bytes.Equal(hdr[:2], []byte("MM")):
		order = binary.BigEndian
	default:
		return false, fmt.Errorf("%w: not a TIFF file", ErrUnknownFormat)
	}

	var (
		ifd       int64
		entrySize int64
		countSize int64
	)
	switch order.Uint16(hdr[2:4]) {
	case 42:
		ifd = int64(order.Uint32(hdr[4:8]))
		entrySize, countSize = 12, 2
	case 43:
		if _, err := io.ReadFull(f, hdr[8:16]); err != nil {
			return false, fmt.Errorf("%w: short BigTIFF header", ErrCorrupt)
		}
		ifd = int64(order.Uint64(hdr[8:16]))
		entrySize, countSize = 20, 8
	default:
		return false, fmt.Errorf("%w: bad TIFF version", ErrUnknownFormat)
	}

	var cnt [8]byte
	if _, err := f.ReadAt(cnt[:countSize], ifd); err != nil {
		return false, fmt.Errorf("%w: IFD offset out of range", ErrCorrupt)
	}
	var n int64
	if countSize == 2 {
		n = int64(order.Uint16(cnt[:2]))
	} else {
		n = int64(order.Uint64(cnt[:8]))
	}

	if n <= 0 || n > 4096 {
		return false, fmt.Errorf("%w: bad IFD entry count %d", ErrCorrupt, n)
	}
	entries := make([]byte, n*entrySize)
	if _, err := f.ReadAt(entries, ifd+countSize); err != nil {
		return false, fmt.Errorf("%w: truncated IFD", ErrCorrupt)
	}
	for i := int64(0); i < n; i++ {
		if order.Uint16(entries[i*entrySize:]) == tagTileWidth {
			return true, nil
		}
	}
	return false, nil
}
