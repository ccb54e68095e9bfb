package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/klausi/mastodon-twitter-sync/internal/cache"
	"github.com/klausi/mastodon-twitter-sync/internal/config"
	"github.com/klausi/mastodon-twitter-sync/internal/platform"
	"github.com/klausi/mastodon-twitter-sync/internal/prune"
)

var statsFormat string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache and retention archive state",
	RunE:  statsAction,
}

func init() {
	statsCmd.Flags().StringVar(&statsFormat, "format", "terminal", "output format: terminal, json")
	rootCmd.AddCommand(statsCmd)
}

// statsPlatforms fixes the display order.
var statsPlatforms = []platform.Name{platform.Mastodon, platform.Twitter}

func statsAction(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := cache.Load(cfg.Cache.Path)
	if err != nil {
		return fmt.Errorf("load cache: %w", err)
	}

	var cacheSize int64
	if info, err := os.Stat(cfg.Cache.Path); err == nil {
		cacheSize = info.Size()
	}

	// Opening the archive creates it, so only look when it exists.
	var counts []prune.Count
	if _, err := os.Stat(cfg.Retention.ArchivePath); err == nil {
		archive, err := prune.OpenArchive(cfg.Retention.ArchivePath)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer func() {
			_ = archive.Close()
		}()
		counts, err = archive.Counts(cmd.Context())
		if err != nil {
			return fmt.Errorf("archive counts: %w", err)
		}
	}

	switch statsFormat {
	case "json":
		return printStatsJSON(os.Stdout, cfg, store, counts)
	case "terminal", "":
		printStats(os.Stdout, cfg, store, cacheSize, counts)
		return nil
	default:
		return fmt.Errorf("unknown format %q (want terminal or json)", statsFormat)
	}
}

type jsonStatsOutput struct {
	Cache   jsonCacheStats     `json:"cache"`
	Archive []jsonArchiveCount `json:"archive,omitempty"`
}

type jsonCacheStats struct {
	Path      string               `json:"path"`
	Entries   int                  `json:"entries"`
	Platforms map[string]int       `json:"platforms"`
	HighWater map[string]time.Time `json:"high_water"`
}

type jsonArchiveCount struct {
	Platform string `json:"platform"`
	Kind     string `json:"kind"`
	Items    int    `json:"items"`
}

func printStatsJSON(w io.Writer, cfg *config.Config, store *cache.Cache, counts []prune.Count) error {
	byPlatform := store.CountByPlatform()
	out := jsonStatsOutput{
		Cache: jsonCacheStats{
			Path:      cfg.Cache.Path,
			Entries:   store.Len(),
			Platforms: make(map[string]int),
			HighWater: make(map[string]time.Time),
		},
	}
	for _, p := range statsPlatforms {
		out.Cache.Platforms[string(p)] = byPlatform[p]
		out.Cache.HighWater[string(p)] = store.HighWater(p)
	}
	for _, c := range counts {
		out.Archive = append(out.Archive, jsonArchiveCount{
			Platform: string(c.Platform),
			Kind:     string(c.Kind),
			Items:    c.N,
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func printStats(w io.Writer, cfg *config.Config, store *cache.Cache, cacheSize int64, counts []prune.Count) {
	fmt.Fprintf(w, "mastodon-twitter-sync stats\n\n")

	fmt.Fprintln(w, "--- Sync Cache ---")
	fmt.Fprintln(w)
	size := "not yet created"
	if cacheSize > 0 {
		size = humanize.Bytes(uint64(cacheSize))
	}
	fmt.Fprintf(w, "  path:    %s (%s)\n", cfg.Cache.Path, size)
	fmt.Fprintf(w, "  entries: %d\n\n", store.Len())

	byPlatform := store.CountByPlatform()
	for _, p := range statsPlatforms {
		hw := store.HighWater(p)
		last := "never"
		if !hw.IsZero() {
			last = humanize.Time(hw)
		}
		fmt.Fprintf(w, "  %-9s %d posts, newest synced %s\n", p+":", byPlatform[p], last)
	}
	fmt.Fprintln(w)

	if len(counts) == 0 {
		return
	}

	fmt.Fprintln(w, "--- Retention Archive ---")
	fmt.Fprintln(w)
	byKind := make(map[platform.Name]map[prune.Kind]int)
	for _, c := range counts {
		if byKind[c.Platform] == nil {
			byKind[c.Platform] = make(map[prune.Kind]int)
		}
		byKind[c.Platform][c.Kind] = c.N
	}
	for _, p := range statsPlatforms {
		kinds := byKind[p]
		fmt.Fprintf(w, "  %-9s %d posts, %d favorites\n", p+":", kinds[prune.KindPost], kinds[prune.KindFavorite])
	}
	fmt.Fprintln(w)
}
