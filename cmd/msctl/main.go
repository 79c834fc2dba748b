package main

import (
	"os"

	"github.com/lanternpress/membersync/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
