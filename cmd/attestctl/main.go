// Package main is a binary wrapper package around cmd.
package main

import (
	"fmt"
	"os"

	"github.com/unifiedattestation/attestflow/cmd"
)

// GoReleaser will populates those fields
// https://goreleaser.com/cookbooks/using-main.version/
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.RootCmd.Version = fmt.Sprintf("%s, commit %s, built at %s", version, commit, date)

	if cmd.RootCmd.Execute() != nil {
		os.Exit(1)
	}
}
