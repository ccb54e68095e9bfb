package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/klausi/mastodon-twitter-sync/internal/cache"
	"github.com/klausi/mastodon-twitter-sync/internal/config"
	"github.com/klausi/mastodon-twitter-sync/internal/platform"
	"github.com/klausi/mastodon-twitter-sync/internal/prune"
	"github.com/klausi/mastodon-twitter-sync/internal/ui"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, state files, and credentials",
	RunE:  doctorAction,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func doctorAction(cmd *cobra.Command, _ []string) error {
	ok := true

	cfg, err := config.Load(configPath)
	if err != nil {
		printCheck(false, "config %s: %v", configPath, err)
		return fmt.Errorf("some checks failed")
	}
	retention := "retention off"
	if cfg.RetentionEnabled() {
		retention = fmt.Sprintf("retention %d days", cfg.Retention.MaxAgeDays)
	}
	printCheck(true, "config %s (fetch window %d, %s)", configPath, cfg.Sync.FetchWindow, retention)

	// Cache file
	store, err := cache.Load(cfg.Cache.Path)
	if err != nil {
		printCheck(false, "cache %s: %v", cfg.Cache.Path, err)
		ok = false
	} else {
		printCheck(true, "cache %s (%d entries)", cfg.Cache.Path, store.Len())
	}

	// Archive, only relevant while retention is on
	if cfg.RetentionEnabled() {
		archive, err := prune.OpenArchive(cfg.Retention.ArchivePath)
		if err != nil {
			printCheck(false, "archive %s: %v", cfg.Retention.ArchivePath, err)
			ok = false
		} else {
			printCheck(true, "archive %s", cfg.Retention.ArchivePath)
			_ = archive.Close()
		}
	}

	// Credentials
	masto, tw, err := newClients(cfg)
	if err != nil {
		printCheck(false, "clients: %v", err)
		return fmt.Errorf("some checks failed")
	}
	for _, client := range []platform.Client{masto, tw} {
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Sync.Timeout.Duration)
		handle, err := client.VerifyCredentials(ctx)
		cancel()
		if err != nil {
			printCheck(false, "%s credentials: %v", client.Name(), err)
			ok = false
		} else {
			printCheck(true, "%s credentials (%s)", client.Name(), handle)
		}
	}

	if !ok {
		return fmt.Errorf("some checks failed")
	}
	fmt.Println("\nAll checks passed.")
	return nil
}

func printCheck(pass bool, format string, args ...any) {
	mark := ui.Failure("FAIL")
	if pass {
		mark = ui.Success(" OK ")
	}
	fmt.Printf("[%s] %s\n", mark, fmt.Sprintf(format, args...))
}
