package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/gogpu/wsi"
)

// benchCmd represents the bench command
var benchCmd = &cobra.Command{
	Use:   "bench <path>",
	Short: "Decode every tile of a level and report throughput",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		level, _ := cmd.Flags().GetInt("level")

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

		var tiles, bytes uint64
		start := time.Now()
		failed, err := decodeLevel(cmd.Context(), eng, img, level, func(c *wsi.Completion) error {
			tiles++
			bytes += uint64(c.Buffer().Len())
			c.Discard()
			return nil
		})
		if err != nil {
			return err
		}
		elapsed := time.Since(start)

		perSec := float64(tiles) / elapsed.Seconds()
		s := eng.Stats()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "level %d: %s tiles in %s (%.1f tiles/s)\n",
			level, humanize.Comma(int64(tiles)), elapsed.Round(time.Millisecond), perSec)
		fmt.Fprintf(out, "decoded %s (%s/s)\n",
			humanize.IBytes(bytes), humanize.IBytes(uint64(float64(bytes)/elapsed.Seconds())))
		fmt.Fprintf(out, "workers %d, failed %d, rejected requests %d\n",
			eng.Workers(), failed, s.Rejected)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(benchCmd)

	benchCmd.Flags().IntP("level", "l", 0, "logical level to decode")
}
