package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info <path>",
	Short: "Print image metadata and the logical level table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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

		out := cmd.OutOrStdout()
		mppX, mppY, known := img.MPP()
		tw, th := img.TileSize()
		source := "file"
		if !known {
			source = "default"
		}
		fmt.Fprintf(out, "name:     %s\n", img.Name())
		fmt.Fprintf(out, "id:       %s\n", img.ID())
		fmt.Fprintf(out, "backend:  %s\n", img.Kind())
		fmt.Fprintf(out, "size:     %d x %d px\n", img.Width(), img.Height())
		fmt.Fprintf(out, "tile:     %d x %d px\n", tw, th)
		fmt.Fprintf(out, "mpp:      %.4f x %.4f um/px (%s)\n", mppX, mppY, source)
		fmt.Fprintf(out, "extent:   %.1f x %.1f um\n", img.WidthUM(), img.HeightUM())
		budget := "unlimited"
		if b := img.Cache().Budget(); b > 0 {
			budget = humanize.IBytes(uint64(b))
		}
		fmt.Fprintf(out, "budget:   %s\n", budget)
		fmt.Fprintln(out)

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "LEVEL\tSTORED\tNATIVE\tDOWNSAMPLE\tSIZE\tGRID\tTILE UM")
		for _, lv := range img.Levels() {
			stored, native := "no", "-"
			if lv.Exists {
				stored, native = "yes", fmt.Sprint(lv.NativeIndex)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%g\t%dx%d\t%dx%d\t%.1fx%.1f\n",
				lv.Index, stored, native, lv.Downsample,
				lv.Width, lv.Height, lv.WidthInTiles, lv.HeightInTiles,
				lv.TileSideUMX, lv.TileSideUMY)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
