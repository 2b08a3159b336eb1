package main

import (
	"fmt"
	"runtime/debug"

	"github.com/urfave/cli/v2"
)

var versionCmd = &cli.Command{
	Name:      "version",
	Before:    before,
	Usage:     "Prints the version and exits",
	UsageText: "paychand version",
	Action:    versionCommand,
}

func versionCommand(cctx *cli.Context) error {
	fmt.Printf("paychand version %s\n", version())
	return nil
}

func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "(devel)"
	}
	return info.Main.Version
}
