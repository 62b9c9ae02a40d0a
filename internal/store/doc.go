// Package store provides the durable, transactional persistence layer
// shared by every object context.
//
// # Architecture
//
// Store is a small row-oriented interface. Object contexts never talk SQL:
// they read rows by Key or remote ID and write whole ChangeSets through
// Commit, which applies inserts, updates and deletes atomically and hands
// back a CommitResult describing exactly what changed. That result is what
// the notification bus fans out to sibling contexts.
//
// Two implementations exist:
//
//   - SQLiteStore: WAL-mode SQLite via modernc.org/sqlite (pure Go, no cgo)
//   - MemoryStore: maps guarded by a mutex, for tests and throwaway sessions
//
// # Rows and links
//
// Rows embed RowMeta (primary key, temporary ID, version). Links between
// rows name either a committed primary key or the TempID of a row inserted
// earlier in the same ChangeSet, which is why inserts are ordered by
// InsertOrder. Every commit bumps a store-wide sequence and stamps it as the
// Version of each row it wrote.
//
// # Cascades
//
// Deleting a conversation deletes its messages; deleting a user deletes
// their devices, removes them from participant lists and clears the sender
// of their messages. Rows removed by cascade are listed in
// CommitResult.Deleted so contexts can tombstone them.
//
// # Schema
//
// Tables are created on open. Columns added after the first release are
// applied by idempotent migrations that check pragma_table_info first.
package store
