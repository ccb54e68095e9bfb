package sync

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/klausi/mastodon-twitter-sync/internal/platform"
)

// Outcome classifies what happened to a single item during a run.
type Outcome string

const (
	OutcomePosted  Outcome = "posted"
	OutcomeDeleted Outcome = "deleted"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// RetentionGroup is the reporting group for delete actions, which do
// not belong to a sync direction.
const RetentionGroup = "retention"

// ItemResult records the outcome for one post or delete action.
type ItemResult struct {
	// Direction is "source->target" for mirrored posts, the platform
	// name for fetch-side events, and RetentionGroup for deletes.
	Direction string
	Platform  platform.Name
	ID        string
	MirrorID  string
	Outcome   Outcome
	Favorite  bool
	Reason    string
	Err       error
}

// DirectionCounts aggregates outcomes for one reporting group.
type DirectionCounts struct {
	Posted  int
	Deleted int
	Skipped int
	Failed  int
}

// Result is the full report of a run. It is returned even when the
// run aborts early so callers can show what happened before the
// failure.
type Result struct {
	RunID        string
	DryRun       bool
	SkipExisting bool
	StartedAt    time.Time
	FinishedAt   time.Time
	Items        []ItemResult
	// CacheAdded counts cache entries recorded during the run.
	CacheAdded int
}

// Duration reports how long the run took.
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// ByDirection groups outcome counts by reporting group.
func (r *Result) ByDirection() map[string]DirectionCounts {
	by := make(map[string]DirectionCounts)
	for _, item := range r.Items {
		c := by[item.Direction]
		switch item.Outcome {
		case OutcomePosted:
			c.Posted++
		case OutcomeDeleted:
			c.Deleted++
		case OutcomeSkipped:
			c.Skipped++
		case OutcomeFailed:
			c.Failed++
		}
		by[item.Direction] = c
	}
	return by
}

// TotalCounts sums outcomes across all groups.
func (r *Result) TotalCounts() DirectionCounts {
	var total DirectionCounts
	for _, c := range r.ByDirection() {
		total.Posted += c.Posted
		total.Deleted += c.Deleted
		total.Skipped += c.Skipped
		total.Failed += c.Failed
	}
	return total
}

// HasFailures reports whether any item failed.
func (r *Result) HasFailures() bool {
	for _, item := range r.Items {
		if item.Outcome == OutcomeFailed {
			return true
		}
	}
	return false
}

// Summary renders a plain-text per-group report, one line per group in
// stable order.
func (r *Result) Summary() string {
	by := r.ByDirection()
	groups := make([]string, 0, len(by))
	for g := range by {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	var b strings.Builder
	for _, g := range groups {
		c := by[g]
		fmt.Fprintf(&b, "%s: posted %d, deleted %d, skipped %d, failed %d\n",
			g, c.Posted, c.Deleted, c.Skipped, c.Failed)
	}
	if len(groups) == 0 {
		b.WriteString("nothing to do\n")
	}
	return b.String()
}
