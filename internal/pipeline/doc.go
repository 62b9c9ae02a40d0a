// ABOUTME: Package documentation for the attachment pipeline
// ABOUTME: Downloads, link previews and uploads driven through asset stages

// Package pipeline performs the asynchronous asset work of messages:
// downloading received images and files, building link previews for
// outgoing text, and encoding and uploading composed attachments.
//
// A Pipeline is attached to object contexts with Attach and then serves
// the asset requests of their messages. Work runs on background goroutines
// that only carry message references. Every result is applied on the
// requesting context's queue after re-resolving the message there, and is
// discarded if the asset generation changed in the meantime. Applied
// transitions are saved on that context, which is how other contexts learn
// about them.
//
// Fetches for the same cache key are coalesced, and network work is
// bounded by a semaphore. Failures leave the stage where it was and record
// a failure marker; retrying is up to the caller (Retry).
package pipeline
