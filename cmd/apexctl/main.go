// Command apexctl is the debug CLI for apexd, exposed over the same RPC
// surface other processes use (§6).
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"
)

// debugBuildFlag is set via -ldflags "-X main.debugBuildFlag=true" on
// engineering builds. activatePackage/deactivatePackage are blocked
// unless it parses true (§6).
var debugBuildFlag = "false"

func isDebugBuild() bool {
	v, _ := strconv.ParseBool(debugBuildFlag)
	return v
}

func main() {
	app := &cli.App{
		Name:  "apexctl",
		Usage: "debug shell for apexd",
		Commands: []*cli.Command{
			stagePackageCommand,
			stagePackagesCommand,
			getActivePackagesCommand,
			activatePackageCommand,
			deactivatePackageCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "apexctl: %s\n", err)
		os.Exit(1)
	}
}
