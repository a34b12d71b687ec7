package main

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/gogpu/wsi"
)

// exportCmd represents the export command
var exportCmd = &cobra.Command{
	Use:   "export <path>",
	Short: "Decode every tile of a level and write one PNG per tile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		level, _ := cmd.Flags().GetInt("level")
		outDir, _ := cmd.Flags().GetString("out")
		label, _ := cmd.Flags().GetBool("label")

		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return err
		}

		eng, err := newEngine()
		if err != nil {
			return err
		}
		defer eng.Shutdown()

		img, err := eng.Open(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer img.Close()

		written := 0
		failed, err := decodeLevel(cmd.Context(), eng, img, level, func(c *wsi.Completion) error {
			if err := c.Store(); err != nil {
				return err
			}
			buf, ok := img.Cache().Get(c.Level, c.TileIndex)
			if !ok {
				logger.Warn("tile trimmed from cache before export", "x", c.TileX, "y", c.TileY)
				return nil
			}
			text := ""
			if label {
				text = fmt.Sprintf("L%d %d,%d", c.Level, c.TileX, c.TileY)
			}
			name := filepath.Join(outDir, fmt.Sprintf("tile_%d_%d_%d.png", c.Level, c.TileX, c.TileY))
			if err := writeTile(name, buf, text); err != nil {
				return err
			}
			written++
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d tiles to %s (%d failed)\n", written, outDir, failed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().IntP("level", "l", 0, "logical level to export")
	exportCmd.Flags().StringP("out", "o", "tiles", "output directory")
	exportCmd.Flags().Bool("label", false, "draw the tile coordinates on each tile")
}

// writeTile encodes buf as PNG, optionally stamped with text.
func writeTile(name string, buf *wsi.Buffer, text string) error {
	img := buf.ToNRGBA()
	if text != "" {
		drawLabel(img, text)
	}

	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return f.Close()
}

var labelColor = color.NRGBA{R: 255, G: 255, A: 255}

func drawLabel(dst *image.NRGBA, text string) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(labelColor),
		Face: face,
		Dot:  fixed.P(4, 4+face.Ascent),
	}
	d.DrawString(text)
}
