package main

import (
	"os"

	"github.com/klausi/mastodon-twitter-sync/internal/cli"
)

func main() {
	// Cobra already prints the error, only the exit code is ours.
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
