package main

import (
	"os"

	"github.com/livinlefevreloca/runboard/internal/cli"
	_ "github.com/mattn/go-sqlite3"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
