// ABOUTME: Store interface and row types for coven-localstore persistence
// ABOUTME: Defines durable rows, links between rows, and atomic change sets

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a change set cannot be applied as a whole,
// e.g. a link names a temporary ID that is not part of the same commit
var ErrConflict = errors.New("conflicting change")

// Collection names, shared with the ref package.
const (
	CollectionUser         = "user"
	CollectionDevice       = "device"
	CollectionConversation = "conversation"
	CollectionMessage      = "message"
)

// InsertOrder is the order in which inserted rows must be written so that
// links to rows inserted in the same change set can be resolved.
var InsertOrder = []string{
	CollectionUser,
	CollectionDevice,
	CollectionConversation,
	CollectionMessage,
}

// Key identifies a committed row.
type Key struct {
	Collection string
	PK         int64
}

// Link points at another row, either by primary key or by the temporary ID
// of a row inserted earlier in the same change set.
type Link struct {
	PK     int64
	TempID string
}

// IsZero reports whether the link points nowhere.
func (l Link) IsZero() bool {
	return l.PK == 0 && l.TempID == ""
}

// RowMeta holds the bookkeeping fields shared by all rows.
type RowMeta struct {
	PK      int64
	TempID  string // set on inserts only
	Version int64  // commit sequence that last wrote the row
}

// Row is implemented by every row type.
type Row interface {
	Collection() string
	Meta() *RowMeta
}

// UserRow is a persisted user.
type UserRow struct {
	RowMeta
	RemoteID  string
	Name      string
	Handle    string
	CreatedAt time.Time
}

// DeviceRow is a persisted device (user client).
type DeviceRow struct {
	RowMeta
	RemoteID  string
	User      Link
	Label     string
	Trusted   bool
	Ignored   bool
	CreatedAt time.Time
}

// ConversationRow is a persisted conversation.
type ConversationRow struct {
	RowMeta
	RemoteID     string
	Name         string
	Kind         string // one_on_one, group, self, connection
	Participants []Link
	MessageTimer time.Duration
	ReadReceipts bool
	LegalHold    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AssetRow is the persisted attachment state of one message role.
type AssetRow struct {
	Role          string // image, upload, link_preview, file
	Stage         int
	CacheKey      string
	Size          int64
	MimeType      string
	Width         int
	Height        int
	Animated      bool
	Target        string // remote asset ID or URL
	Digest        string // hex SHA-256 announced by the sender
	OTRKey        []byte
	Generation    int64
	FailureReason string
	FailedAt      *time.Time
	Attempts      int
}

// MessageRow is a persisted message with its attachment states.
type MessageRow struct {
	RowMeta
	Nonce           string
	Conversation    Link
	Sender          Link
	Quote           Link
	Variant         string // text, image, knock, file, system
	Delivery        string
	ServerTimestamp time.Time
	UpdatedAt       time.Time
	EditedAt        *time.Time
	Payload         []byte // variant payload, encoded by the model package
	Assets          []AssetRow
}

func (*UserRow) Collection() string         { return CollectionUser }
func (*DeviceRow) Collection() string       { return CollectionDevice }
func (*ConversationRow) Collection() string { return CollectionConversation }
func (*MessageRow) Collection() string      { return CollectionMessage }

func (r *RowMeta) Meta() *RowMeta { return r }

// KeyOf returns the key of a committed row.
func KeyOf(r Row) Key {
	return Key{Collection: r.Collection(), PK: r.Meta().PK}
}

// ChangeSet is the unit of an atomic commit.
// Inserts carry a TempID and no PK; updates carry the PK of an existing row.
type ChangeSet struct {
	Inserts []Row
	Updates []Row
	Deletes []Key
}

// IsEmpty reports whether the change set has nothing to write.
func (cs *ChangeSet) IsEmpty() bool {
	return cs == nil || (len(cs.Inserts) == 0 && len(cs.Updates) == 0 && len(cs.Deletes) == 0)
}

// CommitResult describes a successful commit.
type CommitResult struct {
	Seq      int64
	Assigned map[string]Key // temp ID -> assigned key
	Inserted []Key
	Updated  []Key
	Deleted  []Key // includes rows removed by cascade
}

// Store is the durable, transactional backing of all contexts.
type Store interface {
	// Scope returns the UUID identifying this store. It is part of every reference.
	Scope() string

	// Fetch loads a row by key. Returns ErrNotFound if it does not exist.
	Fetch(ctx context.Context, key Key) (Row, error)

	// FetchByRemoteID loads a user, device or conversation by remote ID,
	// or a message by nonce. Returns ErrNotFound if none matches.
	FetchByRemoteID(ctx context.Context, collection, remoteID string) (Row, error)

	// ListMessages returns the most recent messages of a conversation in
	// chronological order. limit <= 0 returns all.
	ListMessages(ctx context.Context, conversationPK int64, limit int) ([]*MessageRow, error)

	// Commit applies a change set atomically.
	Commit(ctx context.Context, cs *ChangeSet) (*CommitResult, error)

	// Counts returns the number of rows per collection.
	Counts(ctx context.Context) (map[string]int, error)

	// Close releases any resources held by the store
	Close() error
}
