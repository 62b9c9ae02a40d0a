// ABOUTME: Package documentation for the messaging entity model
// ABOUTME: Describes entities, message variants and the attachment stage machines

// Package model defines the persisted messaging entities: users, devices,
// conversations and messages.
//
// Entities are context-bound handles built on objectctx.Base. Mutators go
// through WillChange, so they fail on tombstoned handles and on torn-down
// contexts, and mark the handle dirty for the next Save.
//
// A Message carries exactly one variant. Its payload is only reachable
// through the matching capability accessor (TextData, ImageData, FileData,
// KnockData, SystemData); the others return ErrCapabilityUnsupported.
//
// Binary content is tracked per role in AssetState. Stages only move
// forward along the role's machine. Every state carries a generation, and
// results computed for an older generation are rejected with
// ErrStaleGeneration. Asset work itself is done by an AssetRequester
// installed on the context with InstallRequester.
package model
