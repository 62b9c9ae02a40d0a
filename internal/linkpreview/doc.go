// ABOUTME: Package documentation for link detection and preview metadata
// ABOUTME: Finds the first link in message text and reads OpenGraph tags of its page

// Package linkpreview finds links in message text and extracts preview
// metadata (title, summary, image) from the linked page.
//
// Link detection parses the text as Markdown with the Linkify extension,
// so links inside code spans and code blocks are ignored. Metadata comes
// from OpenGraph tags, falling back to the page title and description.
// Preview text is sanitized with RemoveExtremeCombining.
package linkpreview
