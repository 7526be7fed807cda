package main

import (
	"fmt"
	"os"

	"web-transcriber/internal/platform/config"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	_ = config.Load()

	app := newCLIApp(os.Stdout, os.Stderr)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
