// Package main provides the entry point for the localdb CLI.
package main

import (
	"os"

	"github.com/localdb-dev/localdb/cmd/localdb/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
