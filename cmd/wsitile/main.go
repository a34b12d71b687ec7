// Command wsitile inspects, exports and benchmarks tiled images with the
// wsi engine.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
