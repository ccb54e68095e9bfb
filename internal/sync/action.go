package sync

import (
	"github.com/klausi/mastodon-twitter-sync/internal/platform"
	"github.com/klausi/mastodon-twitter-sync/internal/post"
)

// Direction identifies one half of a sync pass.
type Direction struct {
	Source platform.Name
	Target platform.Name
}

func (d Direction) String() string {
	return string(d.Source) + "->" + string(d.Target)
}

// ActionKind distinguishes the work items a run can produce.
type ActionKind string

const (
	// ActionPost mirrors a source post onto the target platform.
	ActionPost ActionKind = "post"
	// ActionDelete removes an aged post or favorite from its platform.
	ActionDelete ActionKind = "delete"
)

// PendingAction is a unit of planned work. Post actions carry the
// normalized source post and the target platform; delete actions carry
// the platform and id of the item to remove.
type PendingAction struct {
	Kind ActionKind

	// Post actions.
	Post   post.NormalizedPost
	Target platform.Name

	// Delete actions.
	Platform platform.Name
	ID       string
	Favorite bool
}

// Skipped reports a source post that was deliberately not mirrored.
type Skipped struct {
	Platform platform.Name
	ID       string
	Reason   string
}
