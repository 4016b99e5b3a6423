package main

import (
	"os"

	"github.com/lattiq/bulkmail/internal/cli"
)

func main() {
	root := cli.NewRootCommand(cli.DefaultConfig())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
