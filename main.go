package main

import (
	"os"

	"github.com/kumo-org/kumo/cmd"
	"github.com/kumo-org/kumo/internal/build"
)

// version is set at build time via -ldflags.
var version = "0.0.0"

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	build.Version = version
}
