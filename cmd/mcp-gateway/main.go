// Package main is the entry point of the mcp-gateway server.
package main

import (
	"os"

	"github.com/giantswarm/mcp-gateway/cmd/mcp-gateway/app"
)

// version is set during build with -ldflags
var version = "dev"

func main() {
	if err := app.NewRootCmd(version).Execute(); err != nil {
		os.Exit(1)
	}
}
