// ABOUTME: Tests for link detection, metadata parsing and text sanitizing
// ABOUTME: Uses inline HTML pages and message texts

package linkpreview

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectLinks(t *testing.T) {
	text := "look at https://example.com/a?b=1 and www.example.org too"
	links := DetectLinks(text)
	require.Len(t, links, 2)

	assert.Equal(t, "https://example.com/a?b=1", links[0].URL)
	assert.Equal(t, strings.Index(text, "https://"), links[0].Offset)

	assert.Equal(t, "http://www.example.org", links[1].URL)
	assert.Equal(t, "www.example.org", links[1].Text)
	assert.Equal(t, strings.Index(text, "www."), links[1].Offset)
}

func TestDetectLinks_SkipsCodeAndEmail(t *testing.T) {
	assert.Empty(t, DetectLinks("mail me at someone@example.com"))
	assert.Empty(t, DetectLinks("run `curl https://example.com` now"))
	assert.Empty(t, DetectLinks("no links here"))

	l, ok := FirstLink("`https://skipped.example` then https://kept.example")
	require.True(t, ok)
	assert.Equal(t, "https://kept.example", l.URL)
}

func TestParseMetadata_OpenGraph(t *testing.T) {
	page := `<html><head>
		<title>Fallback title</title>
		<meta property="og:title" content="Real Title">
		<meta property="og:description" content="A summary.">
		<meta property="og:image" content="/img/cover.png">
		<meta property="og:url" content="https://example.com/canonical">
	</head><body><meta property="og:title" content="ignored"></body></html>`

	md, err := ParseMetadata(strings.NewReader(page), "https://example.com/post/1")
	require.NoError(t, err)
	assert.Equal(t, "Real Title", md.Title)
	assert.Equal(t, "A summary.", md.Summary)
	assert.Equal(t, "https://example.com/img/cover.png", md.ImageURL)
	assert.Equal(t, "https://example.com/canonical", md.URL)
}

func TestParseMetadata_Fallbacks(t *testing.T) {
	page := `<html><head><title> Plain page </title>
		<meta name="description" content="Described."></head></html>`

	md, err := ParseMetadata(strings.NewReader(page), "https://example.com/x")
	require.NoError(t, err)
	assert.Equal(t, "Plain page", md.Title)
	assert.Equal(t, "Described.", md.Summary)
	assert.Empty(t, md.ImageURL)
	assert.Equal(t, "https://example.com/x", md.URL)
}

func TestParseMetadata_NoTitle(t *testing.T) {
	_, err := ParseMetadata(strings.NewReader("<html><body>hi</body></html>"), "https://example.com")
	assert.ErrorIs(t, err, ErrNoMetadata)
}

func TestParseMetadata_TruncatesSummary(t *testing.T) {
	long := strings.Repeat("a", 500)
	page := `<head><meta property="og:title" content="T"><meta property="og:description" content="` + long + `"></head>`

	md, err := ParseMetadata(strings.NewReader(page), "https://example.com")
	require.NoError(t, err)
	assert.Len(t, []rune(md.Summary), maxSummary+1)
	assert.True(t, strings.HasSuffix(md.Summary, "…"))
}

func TestRemoveExtremeCombining(t *testing.T) {
	assert.Equal(t, "café naïve", RemoveExtremeCombining("café naïve"))

	zalgo := "q" + strings.Repeat("\u0301", 20) + "a"
	got := RemoveExtremeCombining(zalgo)
	assert.Equal(t, "q"+strings.Repeat("\u0301", MaxCombiningMarks)+"a", got)

	assert.Equal(t, "", RemoveExtremeCombining(""))
}
