package main

import (
	"os"

	"p2pdrop/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
