// Package post converts platform-native posts into the plain-text
// canonical form the sync engine diffs and translates.
package post

import (
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/klausi/mastodon-twitter-sync/internal/platform"
)

// NormalizedPost is the platform-neutral form of one post. It is built
// once by Normalize and never mutated afterwards; pass it by value.
type NormalizedPost struct {
	SourcePlatform    platform.Name
	SourceID          string
	AuthorHandle      string
	CreatedAt         time.Time
	PlainText         string
	IsRepost          bool
	RepostOfAuthor    string
	InReplyToSourceID string
	InReplyToIsSelf   bool
	Media             []platform.RawMedia // display order
	RawLength         int                 // rune count of PlainText
}

// FieldError reports a post that cannot be normalized because a
// required field is missing. Such posts are skipped, never silently
// dropped.
type FieldError struct {
	Platform platform.Name
	SourceID string // empty when the id itself is missing
	Field    string
}

func (e *FieldError) Error() string {
	if e.SourceID == "" {
		return fmt.Sprintf("%s post: missing %s", e.Platform, e.Field)
	}
	return fmt.Sprintf("%s post %s: missing %s", e.Platform, e.SourceID, e.Field)
}

// Normalize converts one raw post from the named platform. Boosts and
// retweets take their text and media from the reposted original; the
// outer post keeps the id, author, and timestamp.
func Normalize(name platform.Name, raw platform.RawPost) (NormalizedPost, error) {
	if raw.ID == "" {
		return NormalizedPost{}, &FieldError{Platform: name, Field: "id"}
	}
	if raw.AuthorHandle == "" {
		return NormalizedPost{}, &FieldError{Platform: name, SourceID: raw.ID, Field: "author"}
	}
	if raw.CreatedAt.IsZero() {
		return NormalizedPost{}, &FieldError{Platform: name, SourceID: raw.ID, Field: "created_at"}
	}

	np := NormalizedPost{
		SourcePlatform: name,
		SourceID:       raw.ID,
		AuthorHandle:   raw.AuthorHandle,
		CreatedAt:      raw.CreatedAt,
	}

	body := raw
	if raw.Repost != nil {
		if raw.Repost.AuthorHandle == "" {
			return NormalizedPost{}, &FieldError{Platform: name, SourceID: raw.ID, Field: "repost author"}
		}
		np.IsRepost = true
		np.RepostOfAuthor = raw.Repost.AuthorHandle
		body = *raw.Repost
	}

	text, err := plainText(name, body)
	if err != nil {
		return NormalizedPost{}, fmt.Errorf("%s post %s: %w", name, raw.ID, err)
	}
	np.PlainText = text
	np.RawLength = utf8.RuneCountInString(text)

	np.InReplyToSourceID = raw.InReplyToID
	np.InReplyToIsSelf = raw.InReplyToID != "" &&
		raw.AuthorID != "" && raw.InReplyToAuthorID == raw.AuthorID

	if len(body.Media) > 0 {
		np.Media = append(np.Media, body.Media...)
	}

	return np, nil
}

func plainText(name platform.Name, raw platform.RawPost) (string, error) {
	switch name {
	case platform.Mastodon:
		return htmlToText(raw.Content)
	case platform.Twitter:
		return expandText(raw.Content, raw.URLs), nil
	default:
		return "", fmt.Errorf("unknown platform %q", name)
	}
}

// expandText replaces wrapper links with their expanded forms and
// decodes HTML entities, which Twitter leaves encoded in tweet text.
func expandText(text string, urls []platform.RawURL) string {
	for _, u := range urls {
		if u.Short == "" || u.Expanded == "" {
			continue
		}
		text = strings.ReplaceAll(text, u.Short, u.Expanded)
	}
	return strings.TrimSpace(html.UnescapeString(text))
}
