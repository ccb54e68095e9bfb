// Package cli provides the command-line interface for
// mastodon-twitter-sync.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/klausi/mastodon-twitter-sync/internal/config"
	"github.com/klausi/mastodon-twitter-sync/internal/logging"
	"github.com/klausi/mastodon-twitter-sync/internal/ui"
)

// Version and Commit are set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

var (
	configPath string
	verbose    bool
	debug      bool
	jsonLogs   bool
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:   "mastodon-twitter-sync",
	Short: "Keep a Mastodon account and a Twitter account in sync",
	Long: "mastodon-twitter-sync mirrors new posts between a Mastodon account and a Twitter account, " +
		"threading replies, re-uploading media, and optionally deleting posts past a retention age.",
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelInfo
		}
		if debug {
			level = slog.LevelDebug
		}
		logging.SetDefault(logging.New(logging.Options{Level: level, JSON: jsonLogs}))
		if noColor {
			ui.DisableColors()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("mastodon-twitter-sync %s (%s)\n", Version, Commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigFile, "path to the config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log progress at info level")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "log at debug level")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit logs as JSON")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable ANSI colors")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
