package sync

import (
	"strings"

	"github.com/klausi/mastodon-twitter-sync/internal/cache"
	"github.com/klausi/mastodon-twitter-sync/internal/post"
)

// Skip reasons surfaced in run results.
const (
	reasonReplyToOther   = "reply to another account"
	reasonMentionStart   = "starts with a mention"
	reasonRepostDisabled = "repost syncing disabled"
	reasonMissingHashtag = "missing required hashtag"
	reasonEmptyPost      = "no text and no media"
)

// DiffOptions tunes the planning pass for one direction.
type DiffOptions struct {
	// StopThreshold is the number of consecutive already-synced posts
	// after which the scan stops. Zero or negative falls back to 3.
	StopThreshold int
	// Hashtag restricts syncing to posts containing it,
	// case-insensitively. Empty means no restriction.
	Hashtag string
	// SyncReposts mirrors boosts and retweets when true.
	SyncReposts bool
}

// Diff plans the post actions for one direction. posts must be ordered
// newest first; the returned actions are ordered oldest first so
// mirrors appear on the target in their original order. Posts already
// recorded in the cache pass silently. Posts rejected by a filter are
// returned as Skipped so the run can report them.
//
// The scan stops once StopThreshold consecutive posts are found in the
// cache: everything older was handled by a previous run. A filtered
// post breaks the streak because it proves the scan has not yet
// reached fully processed territory.
func Diff(c *cache.Cache, dir Direction, posts []post.NormalizedPost, opts DiffOptions) ([]PendingAction, []Skipped) {
	threshold := opts.StopThreshold
	if threshold <= 0 {
		threshold = 3
	}
	hashtag := strings.ToLower(opts.Hashtag)

	var actions []PendingAction
	var skipped []Skipped
	streak := 0

	for _, p := range posts {
		if c.Lookup(p.SourcePlatform, p.SourceID) {
			streak++
			if streak >= threshold {
				break
			}
			continue
		}
		streak = 0

		if reason := rejectReason(p, hashtag, opts.SyncReposts); reason != "" {
			skipped = append(skipped, Skipped{
				Platform: p.SourcePlatform,
				ID:       p.SourceID,
				Reason:   reason,
			})
			continue
		}

		actions = append(actions, PendingAction{
			Kind:   ActionPost,
			Post:   p,
			Target: dir.Target,
		})
	}

	// Oldest accepted post first.
	for i, j := 0, len(actions)-1; i < j; i, j = i+1, j-1 {
		actions[i], actions[j] = actions[j], actions[i]
	}
	return actions, skipped
}

func rejectReason(p post.NormalizedPost, hashtag string, syncReposts bool) string {
	if p.InReplyToSourceID != "" && !p.InReplyToIsSelf {
		return reasonReplyToOther
	}
	// A repost renders with the "RT author:" prefix, so only original
	// posts can be mention-addressed.
	if !p.IsRepost && strings.HasPrefix(p.PlainText, "@") {
		return reasonMentionStart
	}
	if p.IsRepost && !syncReposts {
		return reasonRepostDisabled
	}
	if hashtag != "" && !strings.Contains(strings.ToLower(p.PlainText), hashtag) {
		return reasonMissingHashtag
	}
	if p.PlainText == "" && len(p.Media) == 0 {
		return reasonEmptyPost
	}
	return ""
}
