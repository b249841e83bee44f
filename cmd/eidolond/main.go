// Package main provides the entry point for eidolond, the Eidolon scan
// collector daemon.
package main

import (
	"github.com/eidolon-project/eidolon/cmd/eidolond/cli"
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// setVersionInfo sets the version information in the CLI package.
// Separated from run to make it testable.
func setVersionInfo() {
	cli.SetVersion(version, commit, buildTime)
}

// executeApplication runs the CLI application. Separated from run to make
// testing easier.
func executeApplication() {
	cli.Execute()
}

func run() {
	setVersionInfo()
	executeApplication()
}

func main() {
	run()
}
