// Package sync plans and executes one bidirectional synchronization
// pass between two platforms. The coordinator owns the run state
// machine; planning (diff), rendering (translate) and retention
// pruning are separable pieces it drives in order.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/klausi/mastodon-twitter-sync/internal/cache"
	"github.com/klausi/mastodon-twitter-sync/internal/logging"
	"github.com/klausi/mastodon-twitter-sync/internal/platform"
	"github.com/klausi/mastodon-twitter-sync/internal/post"
)

// State names the coordinator's position in a run.
type State string

const (
	StateIdle        State = "idle"
	StateFetching    State = "fetching"
	StateDiffing     State = "diffing"
	StateTranslating State = "translating"
	StateExecuting   State = "executing"
	StatePersisting  State = "persisting"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Pruner plans retention deletions from the posts fetched this run and
// confirms the ones that went through. A nil Pruner disables retention.
type Pruner interface {
	Plan(ctx context.Context, fetched map[platform.Name][]post.NormalizedPost) ([]PendingAction, error)
	Forget(ctx context.Context, done []PendingAction) error
}

// Options tunes a run.
type Options struct {
	// DryRun logs intended actions without posting, deleting, or
	// touching the cache file.
	DryRun bool
	// SkipExisting marks every fetched post as already synchronized
	// instead of mirroring. Mutually exclusive with DryRun.
	SkipExisting bool
	// StopThreshold is passed through to the diff pass.
	StopThreshold int
	// Hashtags restricts syncing per source platform. See DiffOptions.
	Hashtags map[platform.Name]string
	// SyncReposts mirrors boosts and retweets when true.
	SyncReposts bool
	// Timeout bounds each individual platform call.
	Timeout time.Duration
	// MaxRetries is the number of retries after a failed fetch.
	// Writes are never retried.
	MaxRetries int

	Logger *slog.Logger
}

// Coordinator drives one run. It is not safe for concurrent use; the
// cache it owns must have a single writer per process.
type Coordinator struct {
	clients map[platform.Name]platform.Client
	order   [2]platform.Name
	cache   *cache.Cache
	pruner  Pruner
	opts    Options
	logger  *slog.Logger
	state   State

	now   func() time.Time
	sleep func(time.Duration)
}

// New builds a coordinator for the two platform clients.
func New(a, b platform.Client, store *cache.Cache, pruner Pruner, opts Options) (*Coordinator, error) {
	if a == nil || b == nil {
		return nil, errors.New("sync: both platform clients are required")
	}
	if a.Name() == b.Name() {
		return nil, fmt.Errorf("sync: platform clients must differ, both are %q", a.Name())
	}
	if store == nil {
		return nil, errors.New("sync: cache is required")
	}
	if opts.DryRun && opts.SkipExisting {
		return nil, errors.New("sync: dry run and skip-existing are mutually exclusive")
	}
	if opts.StopThreshold <= 0 {
		opts.StopThreshold = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	return &Coordinator{
		clients: map[platform.Name]platform.Client{a.Name(): a, b.Name(): b},
		order:   [2]platform.Name{a.Name(), b.Name()},
		cache:   store,
		pruner:  pruner,
		opts:    opts,
		logger:  logger,
		state:   StateIdle,
		now:     time.Now,
		sleep:   time.Sleep,
	}, nil
}

// State reports the coordinator's current run state.
func (c *Coordinator) State() State {
	return c.state
}

type plannedPost struct {
	src     post.NormalizedPost
	payload platform.Payload
	media   []platform.RawMedia
}

type directionPlan struct {
	dir    Direction
	posts  []plannedPost
	newest time.Time
}

// Run executes one pass. The returned Result is valid even on error so
// callers can report what happened before the abort. An error return
// means the run hit a fatal condition: rejected credentials, a cache
// invariant violation, or a persist failure.
func (c *Coordinator) Run(ctx context.Context) (*Result, error) {
	res := &Result{
		RunID:        uuid.NewString(),
		DryRun:       c.opts.DryRun,
		SkipExisting: c.opts.SkipExisting,
		StartedAt:    c.now(),
	}
	log := c.logger.With(logging.RunID(res.RunID))
	fail := func(err error) (*Result, error) {
		c.state = StateFailed
		res.FinishedAt = c.now()
		return res, err
	}

	c.state = StateFetching
	fetched, fetchErrs := c.fetchAll(ctx, log)
	for _, name := range c.order {
		err, ok := fetchErrs[name]
		if !ok {
			continue
		}
		if platform.IsUnauthorized(err) {
			return fail(fmt.Errorf("%s: credentials rejected: %w", name, err))
		}
		log.Warn("fetch failed", logging.Platform(string(name)), logging.Err(err))
		res.Items = append(res.Items, ItemResult{
			Direction: string(name),
			Platform:  name,
			Outcome:   OutcomeFailed,
			Reason:    "fetch failed",
			Err:       err,
		})
	}

	norm := make(map[platform.Name][]post.NormalizedPost, len(fetched))
	for _, name := range c.order {
		raws, ok := fetched[name]
		if !ok {
			continue
		}
		posts := make([]post.NormalizedPost, 0, len(raws))
		for _, raw := range raws {
			p, err := post.Normalize(name, raw)
			if err != nil {
				log.Warn("dropping malformed post",
					logging.Platform(string(name)), logging.PostID(raw.ID), logging.Err(err))
				res.Items = append(res.Items, ItemResult{
					Direction: string(name),
					Platform:  name,
					ID:        raw.ID,
					Outcome:   OutcomeSkipped,
					Reason:    "malformed post",
				})
				continue
			}
			posts = append(posts, p)
		}
		sort.SliceStable(posts, func(i, j int) bool {
			return posts[i].CreatedAt.After(posts[j].CreatedAt)
		})
		norm[name] = posts
	}

	if c.opts.SkipExisting {
		res.CacheAdded = c.populate(norm, log)
		c.state = StatePersisting
		if err := c.cache.Persist(); err != nil {
			return fail(fmt.Errorf("persist cache: %w", err))
		}
		c.state = StateDone
		res.FinishedAt = c.now()
		return res, nil
	}

	c.state = StateDiffing
	directions := []Direction{
		{Source: c.order[0], Target: c.order[1]},
		{Source: c.order[1], Target: c.order[0]},
	}
	type rawPlan struct {
		dir     Direction
		actions []PendingAction
		newest  time.Time
	}
	var rawPlans []rawPlan
	for _, dir := range directions {
		posts, ok := norm[dir.Source]
		if !ok {
			log.Warn("direction skipped, source fetch failed", logging.Direction(dir.String()))
			continue
		}
		actions, skips := Diff(c.cache, dir, posts, DiffOptions{
			StopThreshold: c.opts.StopThreshold,
			Hashtag:       c.opts.Hashtags[dir.Source],
			SyncReposts:   c.opts.SyncReposts,
		})
		for _, s := range skips {
			res.Items = append(res.Items, ItemResult{
				Direction: dir.String(),
				Platform:  s.Platform,
				ID:        s.ID,
				Outcome:   OutcomeSkipped,
				Reason:    s.Reason,
			})
		}
		rp := rawPlan{dir: dir, actions: actions}
		if len(posts) > 0 {
			rp.newest = posts[0].CreatedAt
		}
		rawPlans = append(rawPlans, rp)
		log.Debug("direction planned",
			logging.Direction(dir.String()), logging.Count(len(actions)))
	}

	c.state = StateTranslating
	var plans []directionPlan
	for _, rp := range rawPlans {
		caps := c.clients[rp.dir.Target].Capabilities()
		pl := directionPlan{dir: rp.dir, newest: rp.newest}
		for _, a := range rp.actions {
			payload, media := Translate(a.Post, caps)
			pl.posts = append(pl.posts, plannedPost{src: a.Post, payload: payload, media: media})
		}
		plans = append(plans, pl)
	}

	c.state = StateExecuting
	for _, pl := range plans {
		failed, err := c.executeDirection(ctx, log, pl, res)
		if err != nil {
			return fail(err)
		}
		if failed == 0 && !pl.newest.IsZero() && !c.opts.DryRun {
			c.cache.Advance(pl.dir.Source, pl.newest)
		}
	}

	if c.pruner != nil {
		deletes, err := c.pruner.Plan(ctx, norm)
		if err != nil {
			log.Warn("retention planning failed", logging.Err(err))
		} else if len(deletes) > 0 {
			done, err := c.executeDeletes(ctx, log, deletes, res)
			if err != nil {
				return fail(err)
			}
			if !c.opts.DryRun && len(done) > 0 {
				if err := c.pruner.Forget(ctx, done); err != nil {
					log.Warn("retention bookkeeping failed", logging.Err(err))
				}
			}
		}
	}

	if !c.opts.DryRun {
		c.state = StatePersisting
		if err := c.cache.Persist(); err != nil {
			return fail(fmt.Errorf("persist cache: %w", err))
		}
		log.Debug("cache persisted",
			logging.Path(c.cache.Path()), logging.Count(c.cache.Len()))
	}

	c.state = StateDone
	res.FinishedAt = c.now()
	return res, nil
}

// fetchAll queries both platforms concurrently. Each platform's posts
// appear in the fetched map only when its fetch succeeded; failures
// land in the error map.
func (c *Coordinator) fetchAll(ctx context.Context, log *slog.Logger) (map[platform.Name][]platform.RawPost, map[platform.Name]error) {
	type fetchResult struct {
		name  platform.Name
		posts []platform.RawPost
		err   error
	}

	results := make(chan fetchResult, len(c.order))
	for _, name := range c.order {
		cl := c.clients[name]
		since := c.cache.HighWater(name)
		go func() {
			posts, err := c.fetchWithRetry(ctx, cl, since)
			results <- fetchResult{name: cl.Name(), posts: posts, err: err}
		}()
	}

	fetched := make(map[platform.Name][]platform.RawPost, len(c.order))
	errs := make(map[platform.Name]error)
	for range c.order {
		r := <-results
		if r.err != nil {
			errs[r.name] = r.err
			continue
		}
		if r.posts == nil {
			r.posts = []platform.RawPost{}
		}
		fetched[r.name] = r.posts
		log.Debug("fetched posts", logging.Platform(string(r.name)), logging.Count(len(r.posts)))
	}
	return fetched, errs
}

// fetchWithRetry retries transient fetch failures with doubling
// backoff. Fetches are idempotent reads, so retrying is safe.
func (c *Coordinator) fetchWithRetry(ctx context.Context, cl platform.Client, since time.Time) ([]platform.RawPost, error) {
	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			c.sleep(backoff)
			backoff *= 2
		}
		callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		posts, err := cl.FetchRecent(callCtx, since)
		cancel()
		if err == nil {
			return posts, nil
		}
		lastErr = err
		if !platform.IsRetryable(err) {
			break
		}
		c.logger.Warn("fetch failed, will retry",
			logging.Platform(string(cl.Name())),
			slog.Int("attempt", attempt+1),
			logging.Err(err))
	}
	return nil, lastErr
}

// populate records every fetched post as already synchronized, for
// onboarding accounts with existing history.
func (c *Coordinator) populate(norm map[platform.Name][]post.NormalizedPost, log *slog.Logger) int {
	added := 0
	for _, name := range c.order {
		posts, ok := norm[name]
		if !ok {
			continue
		}
		var newest time.Time
		for _, p := range posts {
			if p.CreatedAt.After(newest) {
				newest = p.CreatedAt
			}
			if c.cache.Lookup(name, p.SourceID) {
				continue
			}
			if err := c.cache.Record(name, p.SourceID, c.now(), ""); err != nil {
				log.Warn("cache record failed",
					logging.Platform(string(name)), logging.PostID(p.SourceID), logging.Err(err))
				continue
			}
			added++
		}
		if !newest.IsZero() {
			c.cache.Advance(name, newest)
		}
		log.Info("marked existing posts as synced",
			logging.Platform(string(name)), logging.Count(len(posts)))
	}
	return added
}

// executeDirection posts the planned mirrors for one direction, oldest
// first. A transient or rate-limit failure defers the rest of the
// direction to the next run so mirrors keep their original order; a
// rejection fails only the one post. Returns the failed count and a
// fatal error for rejected credentials or a cache invariant violation.
func (c *Coordinator) executeDirection(ctx context.Context, log *slog.Logger, pl directionPlan, res *Result) (int, error) {
	target := c.clients[pl.dir.Target]
	dirLog := log.With(logging.Direction(pl.dir.String()))

	failed := 0
	abortReason := ""
	// Mirror ids created earlier in this run, so a self-reply can
	// thread onto a parent posted moments ago.
	runMirrors := make(map[string]string)

	for _, item := range pl.posts {
		if abortReason != "" {
			res.Items = append(res.Items, ItemResult{
				Direction: pl.dir.String(),
				Platform:  pl.dir.Source,
				ID:        item.src.SourceID,
				Outcome:   OutcomeSkipped,
				Reason:    abortReason,
			})
			continue
		}

		payload := item.payload
		if item.src.InReplyToIsSelf {
			parent := runMirrors[item.src.InReplyToSourceID]
			if parent == "" {
				if cp, ok := c.cache.Counterpart(pl.dir.Source, item.src.InReplyToSourceID); ok {
					parent = cp
				}
			}
			if parent == "" {
				dirLog.Warn("parent mirror unknown, posting top-level",
					logging.PostID(item.src.SourceID))
			}
			payload.InReplyToID = parent
		}

		if c.opts.DryRun {
			dirLog.Info("dry run: would post",
				logging.PostID(item.src.SourceID),
				slog.Int("media", len(item.media)),
				slog.String("text", payload.Text))
			res.Items = append(res.Items, ItemResult{
				Direction: pl.dir.String(),
				Platform:  pl.dir.Source,
				ID:        item.src.SourceID,
				Outcome:   OutcomePosted,
				Reason:    "dry run",
			})
			continue
		}

		if len(item.media) > 0 {
			ids, err := c.uploadMedia(ctx, target, item.media)
			switch {
			case err == nil:
				payload.MediaIDs = ids
			case platform.IsUnauthorized(err):
				failed++
				res.Items = append(res.Items, ItemResult{
					Direction: pl.dir.String(),
					Platform:  pl.dir.Source,
					ID:        item.src.SourceID,
					Outcome:   OutcomeFailed,
					Reason:    "media upload failed",
					Err:       err,
				})
				return failed, fmt.Errorf("%s: credentials rejected: %w", pl.dir.Target, err)
			default:
				dirLog.Warn("media upload failed, posting text only",
					logging.PostID(item.src.SourceID), logging.Err(err))
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		mirrorID, err := target.CreatePost(callCtx, payload)
		cancel()
		if err != nil {
			failed++
			res.Items = append(res.Items, ItemResult{
				Direction: pl.dir.String(),
				Platform:  pl.dir.Source,
				ID:        item.src.SourceID,
				Outcome:   OutcomeFailed,
				Reason:    "post failed",
				Err:       err,
			})
			switch {
			case platform.IsUnauthorized(err):
				return failed, fmt.Errorf("%s: credentials rejected: %w", pl.dir.Target, err)
			case platform.IsRetryable(err):
				abortReason = "deferred, earlier post failed"
				dirLog.Warn("post failed, deferring rest of direction",
					logging.PostID(item.src.SourceID), logging.Err(err))
			default:
				dirLog.Warn("post rejected",
					logging.PostID(item.src.SourceID), logging.Err(err))
			}
			continue
		}

		now := c.now()
		if err := c.cache.Record(pl.dir.Source, item.src.SourceID, now, mirrorID); err != nil {
			return failed, fmt.Errorf("record %s %s: %w", pl.dir.Source, item.src.SourceID, err)
		}
		if err := c.cache.Record(pl.dir.Target, mirrorID, now, item.src.SourceID); err != nil {
			return failed, fmt.Errorf("record %s %s: %w", pl.dir.Target, mirrorID, err)
		}
		res.CacheAdded += 2
		runMirrors[item.src.SourceID] = mirrorID
		res.Items = append(res.Items, ItemResult{
			Direction: pl.dir.String(),
			Platform:  pl.dir.Source,
			ID:        item.src.SourceID,
			MirrorID:  mirrorID,
			Outcome:   OutcomePosted,
		})
		dirLog.Info("posted mirror",
			logging.PostID(item.src.SourceID), slog.String("mirror_id", mirrorID))
	}
	return failed, nil
}

func (c *Coordinator) uploadMedia(ctx context.Context, cl platform.Client, media []platform.RawMedia) ([]string, error) {
	ids := make([]string, 0, len(media))
	for _, m := range media {
		callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		id, err := cl.UploadMedia(callCtx, m.URL, m.AltText)
		cancel()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// executeDeletes removes aged posts and favorites. NotFound counts as
// already deleted. A rate limit stops further deletions on that
// platform for this run. Returns the confirmed deletions for archive
// bookkeeping.
func (c *Coordinator) executeDeletes(ctx context.Context, log *slog.Logger, actions []PendingAction, res *Result) ([]PendingAction, error) {
	var done []PendingAction
	limited := make(map[platform.Name]bool)

	for _, a := range actions {
		if limited[a.Platform] {
			res.Items = append(res.Items, ItemResult{
				Direction: RetentionGroup,
				Platform:  a.Platform,
				ID:        a.ID,
				Outcome:   OutcomeSkipped,
				Favorite:  a.Favorite,
				Reason:    "rate limited",
			})
			continue
		}

		if c.opts.DryRun {
			log.Info("dry run: would delete",
				logging.Platform(string(a.Platform)),
				logging.PostID(a.ID),
				slog.Bool("favorite", a.Favorite))
			res.Items = append(res.Items, ItemResult{
				Direction: RetentionGroup,
				Platform:  a.Platform,
				ID:        a.ID,
				Outcome:   OutcomeDeleted,
				Favorite:  a.Favorite,
				Reason:    "dry run",
			})
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		var err error
		if a.Favorite {
			err = c.clients[a.Platform].Unfavorite(callCtx, a.ID)
		} else {
			err = c.clients[a.Platform].DeletePost(callCtx, a.ID)
		}
		cancel()

		switch {
		case err == nil, platform.IsNotFound(err):
			reason := ""
			if err != nil {
				reason = "already gone"
			}
			done = append(done, a)
			res.Items = append(res.Items, ItemResult{
				Direction: RetentionGroup,
				Platform:  a.Platform,
				ID:        a.ID,
				Outcome:   OutcomeDeleted,
				Favorite:  a.Favorite,
				Reason:    reason,
			})
		case platform.IsUnauthorized(err):
			res.Items = append(res.Items, ItemResult{
				Direction: RetentionGroup,
				Platform:  a.Platform,
				ID:        a.ID,
				Outcome:   OutcomeFailed,
				Favorite:  a.Favorite,
				Reason:    "delete failed",
				Err:       err,
			})
			return done, fmt.Errorf("%s: credentials rejected: %w", a.Platform, err)
		case platform.IsRateLimited(err):
			limited[a.Platform] = true
			res.Items = append(res.Items, ItemResult{
				Direction: RetentionGroup,
				Platform:  a.Platform,
				ID:        a.ID,
				Outcome:   OutcomeFailed,
				Favorite:  a.Favorite,
				Reason:    "rate limited",
				Err:       err,
			})
			log.Warn("rate limited, stopping deletions on platform",
				logging.Platform(string(a.Platform)))
		default:
			res.Items = append(res.Items, ItemResult{
				Direction: RetentionGroup,
				Platform:  a.Platform,
				ID:        a.ID,
				Outcome:   OutcomeFailed,
				Favorite:  a.Favorite,
				Reason:    "delete failed",
				Err:       err,
			})
			log.Warn("delete failed",
				logging.Platform(string(a.Platform)), logging.PostID(a.ID), logging.Err(err))
		}
	}
	return done, nil
}
