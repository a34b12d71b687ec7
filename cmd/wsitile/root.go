package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gogpu/wsi"
)

var (
	cfg    = DefaultConfig()
	logger = slog.New(slog.DiscardHandler)
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "wsitile",
	Short: "Inspect and decode tiles of whole-slide images",
	Long: strings.TrimSpace(`
wsitile opens pyramidal TIFF, DICOM and flat images with the wsi engine and
prints their level layout, exports tiles as PNG files, or measures decode
throughput.
    `),
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		if configFile != "" {
			loaded, err := LoadConfig(configFile)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		if cmd.Flags().Changed("workers") {
			cfg.Workers, _ = cmd.Flags().GetInt("workers")
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
		}

		level, err := cfg.Level()
		if err != nil {
			return err
		}
		logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
		wsi.SetLogger(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().IntP("workers", "w", 0, "total decode workers (0 = GOMAXPROCS)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level: debug, info, warn or error")
}

// newEngine builds an engine from the loaded configuration.
func newEngine() (*wsi.Engine, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return wsi.New(append(opts, wsi.WithLogger(logger))...), nil
}
