package main

import (
	"os"

	"github.com/flagramp/flagramp/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
