// Package main provides the entry point for eidolonctl, the command-line
// client for the Eidolon scan collector API.
package main

import (
	"github.com/eidolon-project/eidolon/cmd/eidolonctl/cli"
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func setVersionInfo() {
	cli.SetVersion(version, commit, buildTime)
}

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
