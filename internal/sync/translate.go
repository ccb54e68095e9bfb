package sync

import (
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/klausi/mastodon-twitter-sync/internal/platform"
	"github.com/klausi/mastodon-twitter-sync/internal/post"
)

// Ellipsis marks text shortened to fit the target platform.
const Ellipsis = "…"

const defaultRepostPrefix = "RT %s: "

// Translate renders a normalized post as a payload for the target
// platform. Reposts get an attribution prefix, and text longer than
// the target's limit is truncated on a word boundary with an ellipsis.
// The returned media list is what the caller should upload; it is
// empty when the target does not accept media.
func Translate(p post.NormalizedPost, caps platform.Capabilities) (platform.Payload, []platform.RawMedia) {
	text := p.PlainText
	if p.IsRepost {
		prefix := caps.RepostPrefix
		if prefix == "" {
			prefix = defaultRepostPrefix
		}
		text = fmt.Sprintf(prefix, p.RepostOfAuthor) + text
	}
	if caps.MaxPostLength > 0 {
		text = truncate(text, caps.MaxPostLength)
	}

	payload := platform.Payload{Text: text}
	if !caps.SupportsMedia {
		return payload, nil
	}
	return payload, p.Media
}

// truncate shortens s to at most max runes, cutting on the last word
// boundary that leaves room for the ellipsis. A single word longer
// than the limit is cut mid-word.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	budget := max - 1 // room for the ellipsis
	runes := []rune(s)

	cut := budget
	for cut > 0 && !unicode.IsSpace(runes[cut]) {
		cut--
	}
	for cut > 0 && unicode.IsSpace(runes[cut-1]) {
		cut--
	}
	if cut == 0 {
		cut = budget
	}
	return string(runes[:cut]) + Ellipsis
}
