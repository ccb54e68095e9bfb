package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/klausi/mastodon-twitter-sync/internal/cache"
	"github.com/klausi/mastodon-twitter-sync/internal/config"
	"github.com/klausi/mastodon-twitter-sync/internal/logging"
	"github.com/klausi/mastodon-twitter-sync/internal/platform"
	"github.com/klausi/mastodon-twitter-sync/internal/platform/mastodon"
	"github.com/klausi/mastodon-twitter-sync/internal/platform/twitter"
	"github.com/klausi/mastodon-twitter-sync/internal/prune"
	"github.com/klausi/mastodon-twitter-sync/internal/sync"
	"github.com/klausi/mastodon-twitter-sync/internal/ui"
)

var (
	dryRun       bool
	skipExisting bool
)

// newClients allows swapping platform clients in tests.
var newClients = buildClients

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Mirror new posts in both directions",
	RunE:  syncAction,
}

func init() {
	syncCmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "plan without posting, deleting, or writing state")
	syncCmd.Flags().BoolVar(&skipExisting, "skip-existing-posts", false, "mark current posts as synced without mirroring them")
	rootCmd.AddCommand(syncCmd)
}

func syncAction(cmd *cobra.Command, _ []string) error {
	if dryRun && skipExisting {
		return errors.New("--dry-run and --skip-existing-posts are mutually exclusive")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	masto, tw, err := newClients(cfg)
	if err != nil {
		return err
	}

	store, err := cache.Load(cfg.Cache.Path)
	if err != nil {
		return fmt.Errorf("load cache: %w", err)
	}

	var pruner sync.Pruner
	if cfg.RetentionEnabled() {
		archive, err := prune.OpenArchive(cfg.Retention.ArchivePath)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer func() {
			_ = archive.Close()
		}()

		p, err := prune.New(archive, []platform.Client{masto, tw}, prune.Config{
			MaxAge: cfg.MaxAge(),
			DeletePosts: map[platform.Name]bool{
				platform.Mastodon: cfg.Mastodon.DeleteOlderPosts,
				platform.Twitter:  cfg.Twitter.DeleteOlderPosts,
			},
			DeleteFavorites: map[platform.Name]bool{
				platform.Mastodon: cfg.Mastodon.DeleteOlderFavs,
				platform.Twitter:  cfg.Twitter.DeleteOlderFavs,
			},
			Timeout:    cfg.Sync.Timeout.Duration,
			MaxRetries: cfg.Sync.MaxRetries,
			DryRun:     dryRun,
		}, logging.Default())
		if err != nil {
			return fmt.Errorf("create pruner: %w", err)
		}
		pruner = p
	}

	co, err := sync.New(masto, tw, store, pruner, sync.Options{
		DryRun:        dryRun,
		SkipExisting:  skipExisting,
		StopThreshold: cfg.Sync.StopThreshold,
		Hashtags: map[platform.Name]string{
			platform.Mastodon: cfg.Mastodon.Hashtag,
			platform.Twitter:  cfg.Twitter.Hashtag,
		},
		SyncReposts: !cfg.Sync.SkipReposts,
		Timeout:     cfg.Sync.Timeout.Duration,
		MaxRetries:  cfg.Sync.MaxRetries,
	})
	if err != nil {
		return err
	}

	res, err := co.Run(cmd.Context())
	if res != nil {
		printSummary(res)
	}
	if err != nil {
		return err
	}
	if res.HasFailures() {
		return errors.New("some actions failed")
	}
	return nil
}

func printSummary(res *sync.Result) {
	if res.DryRun {
		fmt.Println(ui.StatusWarning("dry run: nothing was posted, deleted, or saved"))
	}
	if res.SkipExisting {
		fmt.Println(ui.StatusSkipped(fmt.Sprintf("marked %d entries as already synced", res.CacheAdded)))
	}
	fmt.Print(res.Summary())
	if res.HasFailures() {
		fmt.Println(ui.StatusFailure("finished with failures"))
	} else {
		fmt.Println(ui.StatusSuccess(fmt.Sprintf("finished in %s", res.Duration().Round(time.Millisecond))))
	}
}

func buildClients(cfg *config.Config) (platform.Client, platform.Client, error) {
	masto, err := mastodon.New(mastodon.Config{
		BaseURL:       cfg.Mastodon.BaseURL,
		AccessToken:   cfg.Mastodon.AccessToken,
		FetchWindow:   cfg.Sync.FetchWindow,
		MaxPostLength: cfg.Mastodon.MaxPostLength,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create mastodon client: %w", err)
	}

	tw, err := twitter.New(twitter.Config{
		AccessToken:   cfg.Twitter.AccessToken,
		FetchWindow:   cfg.Sync.FetchWindow,
		MaxPostLength: cfg.Twitter.MaxPostLength,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create twitter client: %w", err)
	}

	return masto, tw, nil
}
