package main

import (
	"os"

	"github.com/sightline-dev/sightline/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
