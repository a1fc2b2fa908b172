package main

import (
	"os"

	"github.com/fiberdbg/fiberdbg/cmd/fiberdbg/cmds"
	"github.com/fiberdbg/fiberdbg/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.FiberdbgVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
