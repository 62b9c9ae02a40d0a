// ABOUTME: Package documentation for the content-addressed asset cache
// ABOUTME: Describes cache key derivation and the on-disk layout

// Package assetcache stores downloaded and composed asset bytes on disk,
// keyed by a deterministic function of the content identity.
//
// Keys never depend on the message that references the bytes: two messages
// with byte-identical payloads, or announcing the same remote digest, share
// one entry. An encrypted twin of an entry is stored under
// EncryptedKey(key).
//
// Entries live in <dir>/<first two key chars>/<key>. Writes go to a temp
// file in the same directory and are renamed into place, so readers never
// see a partial entry.
package assetcache
