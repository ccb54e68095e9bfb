// Package platform defines the capability interface the sync engine
// needs from a social platform, plus the raw records its clients
// exchange with the engine.
package platform

import (
	"context"
	"time"
)

// Name identifies one of the two synchronized platforms.
type Name string

const (
	Mastodon Name = "mastodon"
	Twitter  Name = "twitter"
)

// Other returns the opposite platform.
func (n Name) Other() Name {
	if n == Mastodon {
		return Twitter
	}
	return Mastodon
}

// RawPost is one post as a client returns it, before normalization.
// Content keeps the platform-native encoding: HTML on Mastodon,
// entity-encoded text on Twitter.
type RawPost struct {
	ID                string
	AuthorID          string
	AuthorHandle      string
	CreatedAt         time.Time
	Content           string
	URLs              []RawURL // wrapped links with their expanded forms
	Repost            *RawPost // the boosted/retweeted original, nil otherwise
	InReplyToID       string
	InReplyToAuthorID string
	Media             []RawMedia // display order
}

// RawURL pairs a wrapper link (e.g. t.co) with its expanded form.
type RawURL struct {
	Short    string
	Expanded string
}

// RawMedia is one attachment: a fetchable URL plus its alt text.
type RawMedia struct {
	URL     string
	AltText string
}

// RawFavorite is a favorited post, enough for retention pruning.
type RawFavorite struct {
	ID        string
	CreatedAt time.Time
}

// Payload is a ready-to-post status for one platform.
type Payload struct {
	Text        string
	InReplyToID string
	MediaIDs    []string
}

// Capabilities describes the posting constraints of a platform.
type Capabilities struct {
	MaxPostLength int // in runes
	SupportsMedia bool
	RepostPrefix  string // fmt verb applied to the original author, e.g. "RT %s: "
}

// Client is the full capability surface the engine needs from a
// platform. Implementations return posts newest first, filtered to
// created_at strictly after since, up to their configured fetch window.
type Client interface {
	Name() Name

	// VerifyCredentials checks the configured token and returns the
	// handle of the account it belongs to.
	VerifyCredentials(ctx context.Context) (string, error)

	// FetchRecent returns the account's own posts newer than since,
	// newest first. A zero since means no lower bound.
	FetchRecent(ctx context.Context, since time.Time) ([]RawPost, error)

	// CreatePost publishes a payload and returns the new post id.
	CreatePost(ctx context.Context, p Payload) (string, error)

	// DeletePost removes a post. An already-gone post surfaces as a
	// not-found error the caller may treat as success.
	DeletePost(ctx context.Context, id string) error

	// Favorites returns the account's favorited posts, newest first.
	Favorites(ctx context.Context) ([]RawFavorite, error)

	// Unfavorite removes one favorite.
	Unfavorite(ctx context.Context, id string) error

	// UploadMedia fetches url and re-uploads its bytes, returning the
	// platform media id to attach to a payload.
	UploadMedia(ctx context.Context, url, altText string) (string, error)

	Capabilities() Capabilities
}
