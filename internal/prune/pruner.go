package prune

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/klausi/mastodon-twitter-sync/internal/logging"
	"github.com/klausi/mastodon-twitter-sync/internal/platform"
	"github.com/klausi/mastodon-twitter-sync/internal/post"
	"github.com/klausi/mastodon-twitter-sync/internal/sync"
)

// FavoriteDeleteLimit caps unfavorites per platform per run, so a
// large backlog drains gradually instead of hammering the API.
const FavoriteDeleteLimit = 100

// Config selects what the pruner may delete.
type Config struct {
	// MaxAge is the retention threshold. Items strictly older are
	// deleted.
	MaxAge time.Duration
	// DeletePosts and DeleteFavorites enable deletion per platform.
	DeletePosts     map[platform.Name]bool
	DeleteFavorites map[platform.Name]bool
	// Timeout bounds each favorite listing call.
	Timeout time.Duration
	// MaxRetries is the number of retries after a failed listing.
	MaxRetries int
	// DryRun plans deletions without touching the archive.
	DryRun bool
}

// Pruner plans retention deletions. It satisfies the coordinator's
// Pruner interface.
type Pruner struct {
	archive *Archive
	clients map[platform.Name]platform.Client
	order   []platform.Name
	cfg     Config
	logger  *slog.Logger

	now   func() time.Time
	sleep func(time.Duration)
}

// New builds a pruner over the given archive and clients.
func New(archive *Archive, clients []platform.Client, cfg Config, logger *slog.Logger) (*Pruner, error) {
	if archive == nil {
		return nil, errors.New("prune: archive is required")
	}
	if len(clients) == 0 {
		return nil, errors.New("prune: at least one platform client is required")
	}
	if cfg.MaxAge <= 0 {
		return nil, errors.New("prune: retention age must be positive")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = logging.Default()
	}

	byName := make(map[platform.Name]platform.Client, len(clients))
	order := make([]platform.Name, 0, len(clients))
	for _, cl := range clients {
		byName[cl.Name()] = cl
		order = append(order, cl.Name())
	}

	return &Pruner{
		archive: archive,
		clients: byName,
		order:   order,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		sleep:   time.Sleep,
	}, nil
}

// Plan merges this run's fetched posts into the archive and emits a
// delete action for every archived item older than the threshold.
// Platforms absent from fetched are skipped: their fetch failed
// upstream and pruning on stale knowledge risks deleting a post whose
// mirror was never made.
func (p *Pruner) Plan(ctx context.Context, fetched map[platform.Name][]post.NormalizedPost) ([]sync.PendingAction, error) {
	cutoff := p.now().Add(-p.cfg.MaxAge)
	var actions []sync.PendingAction

	for _, name := range p.order {
		posts, ok := fetched[name]
		if !ok {
			p.logger.Warn("retention skipped, platform was not fetched",
				logging.Platform(string(name)))
			continue
		}

		if p.cfg.DeletePosts[name] {
			items := make([]Item, 0, len(posts))
			for _, pp := range posts {
				items = append(items, Item{
					Platform:  name,
					Kind:      KindPost,
					ID:        pp.SourceID,
					CreatedAt: pp.CreatedAt,
				})
			}
			aged, err := p.agedItems(ctx, name, KindPost, items, cutoff)
			if err != nil {
				return nil, err
			}
			for _, it := range aged {
				actions = append(actions, sync.PendingAction{
					Kind:     sync.ActionDelete,
					Platform: name,
					ID:       it.ID,
				})
			}
		}

		if p.cfg.DeleteFavorites[name] {
			favs, err := p.fetchFavorites(ctx, p.clients[name])
			if err != nil {
				p.logger.Warn("favorite listing failed, skipping unfavorites",
					logging.Platform(string(name)), logging.Err(err))
				continue
			}
			items := make([]Item, 0, len(favs))
			for _, f := range favs {
				items = append(items, Item{
					Platform:  name,
					Kind:      KindFavorite,
					ID:        f.ID,
					CreatedAt: f.CreatedAt,
				})
			}
			aged, err := p.agedItems(ctx, name, KindFavorite, items, cutoff)
			if err != nil {
				return nil, err
			}
			if len(aged) > FavoriteDeleteLimit {
				aged = aged[:FavoriteDeleteLimit]
			}
			for _, it := range aged {
				actions = append(actions, sync.PendingAction{
					Kind:     sync.ActionDelete,
					Platform: name,
					ID:       it.ID,
					Favorite: true,
				})
			}
		}
	}
	return actions, nil
}

// Forget drops confirmed deletions from the archive so they are not
// planned again.
func (p *Pruner) Forget(ctx context.Context, done []sync.PendingAction) error {
	items := make([]Item, 0, len(done))
	for _, a := range done {
		if a.Kind != sync.ActionDelete {
			continue
		}
		kind := KindPost
		if a.Favorite {
			kind = KindFavorite
		}
		items = append(items, Item{Platform: a.Platform, Kind: kind, ID: a.ID})
	}
	return p.archive.Remove(ctx, items)
}

// agedItems merges freshly fetched items into the archive and returns
// everything older than cutoff, oldest first. In dry-run mode the
// archive stays untouched and fetched items are merged in memory.
func (p *Pruner) agedItems(ctx context.Context, name platform.Name, kind Kind, fetched []Item, cutoff time.Time) ([]Item, error) {
	if p.cfg.DryRun {
		aged, err := p.archive.OlderThan(ctx, name, kind, cutoff, 0)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool, len(aged))
		for _, it := range aged {
			seen[it.ID] = true
		}
		for _, it := range fetched {
			if !seen[it.ID] && it.CreatedAt.Before(cutoff) {
				aged = append(aged, it)
			}
		}
		sort.Slice(aged, func(i, j int) bool {
			return aged[i].CreatedAt.Before(aged[j].CreatedAt)
		})
		return aged, nil
	}

	for _, it := range fetched {
		if err := p.archive.Remember(ctx, it); err != nil {
			return nil, err
		}
	}
	return p.archive.OlderThan(ctx, name, kind, cutoff, 0)
}

func (p *Pruner) fetchFavorites(ctx context.Context, cl platform.Client) ([]platform.RawFavorite, error) {
	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			p.sleep(backoff)
			backoff *= 2
		}
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		favs, err := cl.Favorites(callCtx)
		cancel()
		if err == nil {
			return favs, nil
		}
		lastErr = err
		if !platform.IsRetryable(err) {
			break
		}
	}
	return nil, lastErr
}
