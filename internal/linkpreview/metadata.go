// ABOUTME: OpenGraph metadata extraction from linked pages
// ABOUTME: Tokenizes HTML head tags with x/net/html and resolves relative image URLs

package linkpreview

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrNoMetadata is returned for pages without a usable title.
var ErrNoMetadata = errors.New("page has no preview metadata")

// maxSummary caps the preview summary in runes.
const maxSummary = 300

// Metadata is the preview information of a page.
type Metadata struct {
	URL      string // canonical URL of the page
	Title    string
	Summary  string
	ImageURL string
}

// ParseMetadata reads page HTML from r. pageURL resolves relative URLs.
func ParseMetadata(r io.Reader, pageURL string) (*Metadata, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parsing page url: %w", err)
	}

	var (
		md          Metadata
		title       string
		description string
		inTitle     bool
	)

	z := html.NewTokenizer(r)
loop:
	for {
		switch z.Next() {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				break loop
			}
			return nil, fmt.Errorf("reading page: %w", z.Err())

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.DataAtom {
			case atom.Title:
				inTitle = true
			case atom.Meta:
				key, content := metaPair(tok)
				switch key {
				case "og:title":
					md.Title = content
				case "og:description":
					md.Summary = content
				case "og:image", "og:image:url":
					if md.ImageURL == "" {
						md.ImageURL = resolve(base, content)
					}
				case "og:url":
					md.URL = resolve(base, content)
				case "description":
					description = content
				}
			case atom.Body:
				// Preview tags live in the head
				break loop
			}

		case html.TextToken:
			if inTitle && title == "" {
				title = strings.TrimSpace(string(z.Text()))
			}

		case html.EndTagToken:
			if z.Token().DataAtom == atom.Title {
				inTitle = false
			}
		}
	}

	if md.Title == "" {
		md.Title = title
	}
	if md.Summary == "" {
		md.Summary = description
	}
	if md.URL == "" {
		md.URL = base.String()
	}
	md.Title = RemoveExtremeCombining(strings.TrimSpace(md.Title))
	md.Summary = truncate(RemoveExtremeCombining(strings.TrimSpace(md.Summary)), maxSummary)

	if md.Title == "" {
		return nil, ErrNoMetadata
	}
	return &md, nil
}

func metaPair(tok html.Token) (key, content string) {
	for _, a := range tok.Attr {
		switch strings.ToLower(a.Key) {
		case "property", "name":
			if key == "" {
				key = strings.ToLower(strings.TrimSpace(a.Val))
			}
		case "content":
			content = strings.TrimSpace(a.Val)
		}
	}
	return key, content
}

func resolve(base *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return base.ResolveReference(u).String()
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimSpace(string(runes[:n])) + "…"
}
