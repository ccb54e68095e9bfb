package post

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// htmlToText strips Mastodon status HTML down to plain text. Line
// breaks survive: <br> becomes \n and paragraph boundaries become a
// blank line. Anchor elements contribute their display text, the form
// readers see, and entities are decoded by the parser.
func htmlToText(content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	doc.Find("br").Each(func(_ int, br *goquery.Selection) {
		br.ReplaceWithHtml("\n")
	})

	var text string
	if paras := doc.Find("p"); paras.Length() > 0 {
		parts := make([]string, 0, paras.Length())
		paras.Each(func(_ int, p *goquery.Selection) {
			parts = append(parts, p.Text())
		})
		text = strings.Join(parts, "\n\n")
	} else {
		text = doc.Text()
	}

	return strings.TrimSpace(text), nil
}
