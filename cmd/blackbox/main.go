package main

import (
	"os"

	"strzcam.com/blackbox/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
