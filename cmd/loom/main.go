package main

import (
	"os"

	"github.com/moolen/loom/cmd/loom/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
