// Package main is the entry point for the vodarr application.
package main

import (
	"os"

	"github.com/jmylchreest/vodarr/cmd/vodarr/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
