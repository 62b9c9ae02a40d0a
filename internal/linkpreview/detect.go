// ABOUTME: Link detection in message text using goldmark's Linkify extension
// ABOUTME: Returns URLs with their byte offsets in the original text

package linkpreview

import (
	"bytes"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

// Link is a URL found in message text.
type Link struct {
	URL    string // normalized, with scheme
	Text   string // as written
	Offset int    // byte offset of Text in the message
}

var detector = goldmark.New(goldmark.WithExtensions(extension.Linkify))

// DetectLinks returns the web links in text, in order of appearance.
// Email addresses and links inside code are skipped.
func DetectLinks(s string) []Link {
	source := []byte(s)
	doc := detector.Parser().Parse(text.NewReader(source))

	var links []Link
	cursor := 0
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindCodeSpan, ast.KindCodeBlock, ast.KindFencedCodeBlock:
			return ast.WalkSkipChildren, nil
		}

		al, ok := n.(*ast.AutoLink)
		if !ok || al.AutoLinkType != ast.AutoLinkURL {
			return ast.WalkContinue, nil
		}

		label := al.Label(source)
		idx := bytes.Index(source[cursor:], label)
		if idx < 0 {
			return ast.WalkContinue, nil
		}
		offset := cursor + idx
		cursor = offset + len(label)

		links = append(links, Link{
			URL:    string(al.URL(source)),
			Text:   string(label),
			Offset: offset,
		})
		return ast.WalkContinue, nil
	})
	return links
}

// FirstLink returns the first web link in text.
func FirstLink(s string) (Link, bool) {
	links := DetectLinks(s)
	if len(links) == 0 {
		return Link{}, false
	}
	return links[0], true
}
