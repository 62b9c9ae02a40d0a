// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides atomic change-set commits with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	metaKeyScope     = "scope"
	metaKeyCommitSeq = "commit_seq"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	scope  string
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// Pragmas go in the DSN so every pooled connection gets them
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	if err := s.loadScope(); err != nil {
		db.Close()
		return nil, fmt.Errorf("loading store scope: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "scope", s.scope)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS store_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS users (
			pk         INTEGER PRIMARY KEY AUTOINCREMENT,
			version    INTEGER NOT NULL,
			remote_id  TEXT UNIQUE,
			name       TEXT NOT NULL,
			handle     TEXT,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS devices (
			pk         INTEGER PRIMARY KEY AUTOINCREMENT,
			version    INTEGER NOT NULL,
			remote_id  TEXT UNIQUE,
			user_pk    INTEGER REFERENCES users(pk) ON DELETE CASCADE,
			label      TEXT,
			trusted    INTEGER NOT NULL DEFAULT 0,
			ignored    INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_devices_user ON devices(user_pk);

		CREATE TABLE IF NOT EXISTS conversations (
			pk               INTEGER PRIMARY KEY AUTOINCREMENT,
			version          INTEGER NOT NULL,
			remote_id        TEXT UNIQUE,
			name             TEXT,
			kind             TEXT NOT NULL,
			message_timer_ms INTEGER NOT NULL DEFAULT 0,
			read_receipts    INTEGER NOT NULL DEFAULT 0,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL,

			CHECK (kind IN ('one_on_one', 'group', 'self', 'connection'))
		);

		CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_pk INTEGER NOT NULL REFERENCES conversations(pk) ON DELETE CASCADE,
			user_pk         INTEGER NOT NULL REFERENCES users(pk) ON DELETE CASCADE,
			position        INTEGER NOT NULL,

			PRIMARY KEY (conversation_pk, user_pk)
		);

		CREATE TABLE IF NOT EXISTS messages (
			pk              INTEGER PRIMARY KEY AUTOINCREMENT,
			version         INTEGER NOT NULL,
			nonce           TEXT NOT NULL UNIQUE,
			conversation_pk INTEGER NOT NULL REFERENCES conversations(pk) ON DELETE CASCADE,
			sender_pk       INTEGER REFERENCES users(pk) ON DELETE SET NULL,
			quote_pk        INTEGER REFERENCES messages(pk) ON DELETE SET NULL,
			variant         TEXT NOT NULL,
			delivery        TEXT NOT NULL,
			server_ts       TEXT NOT NULL,
			updated_at      TEXT NOT NULL,
			edited_at       TEXT,
			payload         BLOB,

			CHECK (variant IN ('text', 'image', 'knock', 'file', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_ts
			ON messages(conversation_pk, server_ts);

		CREATE TABLE IF NOT EXISTS message_assets (
			message_pk     INTEGER NOT NULL REFERENCES messages(pk) ON DELETE CASCADE,
			role           TEXT NOT NULL,
			stage          INTEGER NOT NULL,
			cache_key      TEXT,
			size           INTEGER NOT NULL DEFAULT 0,
			mime_type      TEXT,
			width          INTEGER NOT NULL DEFAULT 0,
			height         INTEGER NOT NULL DEFAULT 0,
			animated       INTEGER NOT NULL DEFAULT 0,
			target         TEXT,
			digest         TEXT,
			otr_key        BLOB,
			generation     INTEGER NOT NULL DEFAULT 0,
			failure_reason TEXT,
			failed_at      TEXT,

			PRIMARY KEY (message_pk, role),
			CHECK (role IN ('image', 'upload', 'link_preview', 'file'))
		);

		CREATE INDEX IF NOT EXISTS idx_message_assets_cache_key ON message_assets(cache_key);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "conversations",
			column: "legal_hold",
			apply:  `ALTER TABLE conversations ADD COLUMN legal_hold INTEGER NOT NULL DEFAULT 0`,
		},
		{
			table:  "message_assets",
			column: "attempts",
			apply:  `ALTER TABLE message_assets ADD COLUMN attempts INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			// Column already exists, skip
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// loadScope reads the store scope, creating it on first open.
func (s *SQLiteStore) loadScope() error {
	err := s.db.QueryRow(`SELECT value FROM store_meta WHERE key = ?`, metaKeyScope).Scan(&s.scope)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	s.scope = uuid.New().String()
	_, err = s.db.Exec(`INSERT INTO store_meta (key, value) VALUES (?, ?), (?, '0')`,
		metaKeyScope, s.scope, metaKeyCommitSeq)
	return err
}

// Scope returns the UUID of this store.
func (s *SQLiteStore) Scope() string {
	return s.scope
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Fetch loads a row by key.
// Returns ErrNotFound if the row doesn't exist.
func (s *SQLiteStore) Fetch(ctx context.Context, key Key) (Row, error) {
	switch key.Collection {
	case CollectionUser:
		return s.fetchUser(ctx, s.db, "pk = ?", key.PK)
	case CollectionDevice:
		return s.fetchDevice(ctx, s.db, "pk = ?", key.PK)
	case CollectionConversation:
		return s.fetchConversation(ctx, s.db, "pk = ?", key.PK)
	case CollectionMessage:
		return s.fetchMessage(ctx, s.db, "pk = ?", key.PK)
	default:
		return nil, fmt.Errorf("unknown collection %q", key.Collection)
	}
}

// FetchByRemoteID loads a row by remote ID (nonce for messages).
// Returns ErrNotFound if no row matches.
func (s *SQLiteStore) FetchByRemoteID(ctx context.Context, collection, remoteID string) (Row, error) {
	if remoteID == "" {
		return nil, ErrNotFound
	}
	switch collection {
	case CollectionUser:
		return s.fetchUser(ctx, s.db, "remote_id = ?", remoteID)
	case CollectionDevice:
		return s.fetchDevice(ctx, s.db, "remote_id = ?", remoteID)
	case CollectionConversation:
		return s.fetchConversation(ctx, s.db, "remote_id = ?", remoteID)
	case CollectionMessage:
		return s.fetchMessage(ctx, s.db, "nonce = ?", remoteID)
	default:
		return nil, fmt.Errorf("unknown collection %q", collection)
	}
}

func (s *SQLiteStore) fetchUser(ctx context.Context, q queryer, where string, arg any) (*UserRow, error) {
	var u UserRow
	var remoteID, handle sql.NullString
	var createdAt string

	err := q.QueryRowContext(ctx, `
		SELECT pk, version, remote_id, name, handle, created_at
		FROM users WHERE `+where, arg).Scan(
		&u.PK, &u.Version, &remoteID, &u.Name, &handle, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	u.RemoteID = remoteID.String
	u.Handle = handle.String
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &u, nil
}

func (s *SQLiteStore) fetchDevice(ctx context.Context, q queryer, where string, arg any) (*DeviceRow, error) {
	var d DeviceRow
	var remoteID, label sql.NullString
	var userPK sql.NullInt64
	var createdAt string

	err := q.QueryRowContext(ctx, `
		SELECT pk, version, remote_id, user_pk, label, trusted, ignored, created_at
		FROM devices WHERE `+where, arg).Scan(
		&d.PK, &d.Version, &remoteID, &userPK, &label, &d.Trusted, &d.Ignored, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying device: %w", err)
	}

	d.RemoteID = remoteID.String
	d.Label = label.String
	d.User = Link{PK: userPK.Int64}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &d, nil
}

func (s *SQLiteStore) fetchConversation(ctx context.Context, q queryer, where string, arg any) (*ConversationRow, error) {
	var c ConversationRow
	var remoteID, name sql.NullString
	var timerMS int64
	var createdAt, updatedAt string

	err := q.QueryRowContext(ctx, `
		SELECT pk, version, remote_id, name, kind, message_timer_ms, read_receipts, legal_hold, created_at, updated_at
		FROM conversations WHERE `+where, arg).Scan(
		&c.PK, &c.Version, &remoteID, &name, &c.Kind, &timerMS, &c.ReadReceipts, &c.LegalHold, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	c.RemoteID = remoteID.String
	c.Name = name.String
	c.MessageTimer = time.Duration(timerMS) * time.Millisecond
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT user_pk FROM conversation_participants
		WHERE conversation_pk = ?
		ORDER BY position ASC
	`, c.PK)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pk int64
		if err := rows.Scan(&pk); err != nil {
			return nil, fmt.Errorf("scanning participant: %w", err)
		}
		c.Participants = append(c.Participants, Link{PK: pk})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating participant rows: %w", err)
	}

	return &c, nil
}

const messageColumns = `pk, version, nonce, conversation_pk, sender_pk, quote_pk, variant, delivery,
	server_ts, updated_at, edited_at, payload`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(sc rowScanner) (*MessageRow, error) {
	var m MessageRow
	var senderPK, quotePK sql.NullInt64
	var serverTS, updatedAt string
	var editedAt sql.NullString

	if err := sc.Scan(&m.PK, &m.Version, &m.Nonce, &m.Conversation.PK, &senderPK, &quotePK,
		&m.Variant, &m.Delivery, &serverTS, &updatedAt, &editedAt, &m.Payload); err != nil {
		return nil, err
	}

	m.Sender = Link{PK: senderPK.Int64}
	m.Quote = Link{PK: quotePK.Int64}

	var err error
	if m.ServerTimestamp, err = parseTime(serverTS); err != nil {
		return nil, fmt.Errorf("parsing server_ts: %w", err)
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if editedAt.Valid {
		t, err := parseTime(editedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing edited_at: %w", err)
		}
		m.EditedAt = &t
	}
	return &m, nil
}

func (s *SQLiteStore) fetchMessage(ctx context.Context, q queryer, where string, arg any) (*MessageRow, error) {
	m, err := scanMessage(q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}

	if m.Assets, err = s.fetchAssets(ctx, q, m.PK); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *SQLiteStore) fetchAssets(ctx context.Context, q queryer, messagePK int64) ([]AssetRow, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT role, stage, cache_key, size, mime_type, width, height, animated,
		       target, digest, otr_key, generation, failure_reason, failed_at, attempts
		FROM message_assets
		WHERE message_pk = ?
		ORDER BY role ASC
	`, messagePK)
	if err != nil {
		return nil, fmt.Errorf("querying message assets: %w", err)
	}
	defer rows.Close()

	var assets []AssetRow
	for rows.Next() {
		var a AssetRow
		var cacheKey, mimeType, target, digest, failureReason, failedAt sql.NullString

		if err := rows.Scan(&a.Role, &a.Stage, &cacheKey, &a.Size, &mimeType, &a.Width, &a.Height, &a.Animated,
			&target, &digest, &a.OTRKey, &a.Generation, &failureReason, &failedAt, &a.Attempts); err != nil {
			return nil, fmt.Errorf("scanning message asset: %w", err)
		}

		a.CacheKey = cacheKey.String
		a.MimeType = mimeType.String
		a.Target = target.String
		a.Digest = digest.String
		a.FailureReason = failureReason.String
		if failedAt.Valid {
			t, err := parseTime(failedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parsing failed_at: %w", err)
			}
			a.FailedAt = &t
		}
		assets = append(assets, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating asset rows: %w", err)
	}
	return assets, nil
}

// ListMessages retrieves messages for a conversation, limited to the most recent `limit` messages.
// Messages are returned in chronological order (oldest first).
// If limit is 0 or negative, all messages are returned.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationPK int64, limit int) ([]*MessageRow, error) {
	var query string
	var args []any

	if limit > 0 {
		// Get the N most recent messages, but return them in chronological order
		query = `
			SELECT ` + messageColumns + ` FROM (
				SELECT ` + messageColumns + ` FROM messages
				WHERE conversation_pk = ?
				ORDER BY server_ts DESC, pk DESC
				LIMIT ?
			)
			ORDER BY server_ts ASC, pk ASC
		`
		args = []any{conversationPK, limit}
	} else {
		query = `
			SELECT ` + messageColumns + ` FROM messages
			WHERE conversation_pk = ?
			ORDER BY server_ts ASC, pk ASC
		`
		args = []any{conversationPK}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}

	var messages []*MessageRow
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	rows.Close()

	// Assets are loaded after the cursor is closed so a single-connection pool
	// does not deadlock.
	for _, m := range messages {
		if m.Assets, err = s.fetchAssets(ctx, s.db, m.PK); err != nil {
			return nil, err
		}
	}

	return messages, nil
}

// Counts returns row counts per collection.
func (s *SQLiteStore) Counts(ctx context.Context) (map[string]int, error) {
	tables := map[string]string{
		CollectionUser:         "users",
		CollectionDevice:       "devices",
		CollectionConversation: "conversations",
		CollectionMessage:      "messages",
	}

	counts := make(map[string]int, len(tables))
	for collection, table := range tables {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("counting %s: %w", table, err)
		}
		counts[collection] = n
	}
	return counts, nil
}

// Commit applies a change set in a single transaction.
// Inserts are written first (in the order given), then updates, then deletes.
// Rows removed by cascade are reported in CommitResult.Deleted.
func (s *SQLiteStore) Commit(ctx context.Context, cs *ChangeSet) (*CommitResult, error) {
	if cs.IsEmpty() {
		return nil, fmt.Errorf("empty change set: %w", ErrConflict)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var seqStr string
	if err := tx.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = ?`, metaKeyCommitSeq).Scan(&seqStr); err != nil {
		return nil, fmt.Errorf("reading commit sequence: %w", err)
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing commit sequence: %w", err)
	}
	seq++

	w := &sqlWriter{
		tx:       tx,
		seq:      seq,
		assigned: make(map[string]Key),
	}
	res := &CommitResult{Seq: seq, Assigned: w.assigned}

	for _, row := range cs.Inserts {
		key, err := w.insert(ctx, row)
		if err != nil {
			return nil, err
		}
		res.Inserted = append(res.Inserted, key)
	}

	for _, row := range cs.Updates {
		if err := w.update(ctx, row); err != nil {
			return nil, err
		}
		res.Updated = append(res.Updated, KeyOf(row))
	}

	for _, key := range cs.Deletes {
		deleted, err := w.delete(ctx, key)
		if err != nil {
			return nil, err
		}
		res.Deleted = append(res.Deleted, deleted...)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE store_meta SET value = ? WHERE key = ?`,
		strconv.FormatInt(seq, 10), metaKeyCommitSeq); err != nil {
		return nil, fmt.Errorf("writing commit sequence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Debug("committed change set",
		"seq", seq,
		"inserted", len(res.Inserted),
		"updated", len(res.Updated),
		"deleted", len(res.Deleted))
	return res, nil
}

// sqlWriter applies the rows of one change set inside a transaction.
type sqlWriter struct {
	tx       *sql.Tx
	seq      int64
	assigned map[string]Key
}

// resolve turns a link into a nullable primary key.
func (w *sqlWriter) resolve(l Link) (any, error) {
	if l.PK > 0 {
		return l.PK, nil
	}
	if l.TempID == "" {
		return nil, nil
	}
	key, ok := w.assigned[l.TempID]
	if !ok {
		return nil, fmt.Errorf("link to uncommitted row %s: %w", l.TempID, ErrConflict)
	}
	return key.PK, nil
}

func (w *sqlWriter) insert(ctx context.Context, row Row) (Key, error) {
	meta := row.Meta()
	if meta.PK != 0 || meta.TempID == "" {
		return Key{}, fmt.Errorf("insert of %s needs a temp ID and no PK: %w", row.Collection(), ErrConflict)
	}

	var result sql.Result
	var err error

	switch r := row.(type) {
	case *UserRow:
		result, err = w.tx.ExecContext(ctx, `
			INSERT INTO users (version, remote_id, name, handle, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, w.seq, nullString(r.RemoteID), r.Name, nullString(r.Handle), formatTime(r.CreatedAt))

	case *DeviceRow:
		userPK, lerr := w.resolve(r.User)
		if lerr != nil {
			return Key{}, lerr
		}
		result, err = w.tx.ExecContext(ctx, `
			INSERT INTO devices (version, remote_id, user_pk, label, trusted, ignored, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, w.seq, nullString(r.RemoteID), userPK, nullString(r.Label), r.Trusted, r.Ignored, formatTime(r.CreatedAt))

	case *ConversationRow:
		result, err = w.tx.ExecContext(ctx, `
			INSERT INTO conversations (version, remote_id, name, kind, message_timer_ms, read_receipts, legal_hold, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, w.seq, nullString(r.RemoteID), nullString(r.Name), r.Kind, r.MessageTimer.Milliseconds(),
			r.ReadReceipts, r.LegalHold, formatTime(r.CreatedAt), formatTime(r.UpdatedAt))

	case *MessageRow:
		args, lerr := w.messageArgs(r)
		if lerr != nil {
			return Key{}, lerr
		}
		result, err = w.tx.ExecContext(ctx, `
			INSERT INTO messages (version, nonce, conversation_pk, sender_pk, quote_pk, variant, delivery,
			                      server_ts, updated_at, edited_at, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, append([]any{w.seq}, args...)...)

	default:
		return Key{}, fmt.Errorf("unsupported row type %T", row)
	}

	if err != nil {
		if isConstraintViolation(err) {
			return Key{}, fmt.Errorf("inserting %s: %v: %w", row.Collection(), err, ErrConflict)
		}
		return Key{}, fmt.Errorf("inserting %s: %w", row.Collection(), err)
	}

	pk, err := result.LastInsertId()
	if err != nil {
		return Key{}, fmt.Errorf("reading inserted pk: %w", err)
	}
	key := Key{Collection: row.Collection(), PK: pk}
	w.assigned[meta.TempID] = key

	// Children are written once the parent has a PK
	switch r := row.(type) {
	case *ConversationRow:
		if err := w.writeParticipants(ctx, pk, r.Participants); err != nil {
			return Key{}, err
		}
	case *MessageRow:
		if err := w.writeAssets(ctx, pk, r.Assets); err != nil {
			return Key{}, err
		}
	}

	return key, nil
}

func (w *sqlWriter) messageArgs(r *MessageRow) ([]any, error) {
	convPK, err := w.resolve(r.Conversation)
	if err != nil {
		return nil, err
	}
	if convPK == nil {
		return nil, fmt.Errorf("message %s has no conversation: %w", r.Nonce, ErrConflict)
	}
	senderPK, err := w.resolve(r.Sender)
	if err != nil {
		return nil, err
	}
	quotePK, err := w.resolve(r.Quote)
	if err != nil {
		return nil, err
	}

	var editedAt any
	if r.EditedAt != nil {
		editedAt = formatTime(*r.EditedAt)
	}

	return []any{r.Nonce, convPK, senderPK, quotePK, r.Variant, r.Delivery,
		formatTime(r.ServerTimestamp), formatTime(r.UpdatedAt), editedAt, r.Payload}, nil
}

func (w *sqlWriter) update(ctx context.Context, row Row) error {
	meta := row.Meta()
	if meta.PK <= 0 {
		return fmt.Errorf("update of %s without PK: %w", row.Collection(), ErrConflict)
	}

	var result sql.Result
	var err error

	switch r := row.(type) {
	case *UserRow:
		result, err = w.tx.ExecContext(ctx, `
			UPDATE users SET version = ?, remote_id = ?, name = ?, handle = ?
			WHERE pk = ?
		`, w.seq, nullString(r.RemoteID), r.Name, nullString(r.Handle), r.PK)

	case *DeviceRow:
		userPK, lerr := w.resolve(r.User)
		if lerr != nil {
			return lerr
		}
		result, err = w.tx.ExecContext(ctx, `
			UPDATE devices SET version = ?, remote_id = ?, user_pk = ?, label = ?, trusted = ?, ignored = ?
			WHERE pk = ?
		`, w.seq, nullString(r.RemoteID), userPK, nullString(r.Label), r.Trusted, r.Ignored, r.PK)

	case *ConversationRow:
		result, err = w.tx.ExecContext(ctx, `
			UPDATE conversations SET version = ?, remote_id = ?, name = ?, kind = ?, message_timer_ms = ?,
			       read_receipts = ?, legal_hold = ?, updated_at = ?
			WHERE pk = ?
		`, w.seq, nullString(r.RemoteID), nullString(r.Name), r.Kind, r.MessageTimer.Milliseconds(),
			r.ReadReceipts, r.LegalHold, formatTime(r.UpdatedAt), r.PK)

	case *MessageRow:
		args, lerr := w.messageArgs(r)
		if lerr != nil {
			return lerr
		}
		result, err = w.tx.ExecContext(ctx, `
			UPDATE messages SET version = ?, nonce = ?, conversation_pk = ?, sender_pk = ?, quote_pk = ?,
			       variant = ?, delivery = ?, server_ts = ?, updated_at = ?, edited_at = ?, payload = ?
			WHERE pk = ?
		`, append(append([]any{w.seq}, args...), r.PK)...)

	default:
		return fmt.Errorf("unsupported row type %T", row)
	}

	if err != nil {
		return fmt.Errorf("updating %s %d: %w", row.Collection(), meta.PK, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("updating %s %d: %w", row.Collection(), meta.PK, ErrNotFound)
	}

	switch r := row.(type) {
	case *ConversationRow:
		return w.writeParticipants(ctx, r.PK, r.Participants)
	case *MessageRow:
		return w.writeAssets(ctx, r.PK, r.Assets)
	}
	return nil
}

func (w *sqlWriter) writeParticipants(ctx context.Context, conversationPK int64, participants []Link) error {
	if _, err := w.tx.ExecContext(ctx, `DELETE FROM conversation_participants WHERE conversation_pk = ?`, conversationPK); err != nil {
		return fmt.Errorf("clearing participants: %w", err)
	}
	for i, p := range participants {
		userPK, err := w.resolve(p)
		if err != nil {
			return err
		}
		if userPK == nil {
			continue
		}
		if _, err := w.tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO conversation_participants (conversation_pk, user_pk, position)
			VALUES (?, ?, ?)
		`, conversationPK, userPK, i); err != nil {
			return fmt.Errorf("inserting participant: %w", err)
		}
	}
	return nil
}

func (w *sqlWriter) writeAssets(ctx context.Context, messagePK int64, assets []AssetRow) error {
	if _, err := w.tx.ExecContext(ctx, `DELETE FROM message_assets WHERE message_pk = ?`, messagePK); err != nil {
		return fmt.Errorf("clearing message assets: %w", err)
	}
	for _, a := range assets {
		var failedAt any
		if a.FailedAt != nil {
			failedAt = formatTime(*a.FailedAt)
		}
		if _, err := w.tx.ExecContext(ctx, `
			INSERT INTO message_assets (message_pk, role, stage, cache_key, size, mime_type, width, height, animated,
			                            target, digest, otr_key, generation, failure_reason, failed_at, attempts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, messagePK, a.Role, a.Stage, nullString(a.CacheKey), a.Size, nullString(a.MimeType), a.Width, a.Height, a.Animated,
			nullString(a.Target), nullString(a.Digest), a.OTRKey, a.Generation, nullString(a.FailureReason), failedAt, a.Attempts); err != nil {
			return fmt.Errorf("inserting message asset %s: %w", a.Role, err)
		}
	}
	return nil
}

// delete removes a row and reports it together with the rows its removal
// cascades to. Deleting a missing row is not an error.
func (w *sqlWriter) delete(ctx context.Context, key Key) ([]Key, error) {
	var cascaded []Key
	var table string

	switch key.Collection {
	case CollectionUser:
		table = "users"
		devices, err := w.childKeys(ctx, CollectionDevice, `SELECT pk FROM devices WHERE user_pk = ?`, key.PK)
		if err != nil {
			return nil, err
		}
		cascaded = devices
	case CollectionDevice:
		table = "devices"
	case CollectionConversation:
		table = "conversations"
		messages, err := w.childKeys(ctx, CollectionMessage, `SELECT pk FROM messages WHERE conversation_pk = ?`, key.PK)
		if err != nil {
			return nil, err
		}
		cascaded = messages
	case CollectionMessage:
		table = "messages"
	default:
		return nil, fmt.Errorf("unknown collection %q", key.Collection)
	}

	result, err := w.tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE pk = ?`, key.PK)
	if err != nil {
		return nil, fmt.Errorf("deleting %s %d: %w", key.Collection, key.PK, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, nil
	}
	return append([]Key{key}, cascaded...), nil
}

func (w *sqlWriter) childKeys(ctx context.Context, collection, query string, parentPK int64) ([]Key, error) {
	rows, err := w.tx.QueryContext(ctx, query, parentPK)
	if err != nil {
		return nil, fmt.Errorf("querying %s children: %w", collection, err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var pk int64
		if err := rows.Scan(&pk); err != nil {
			return nil, fmt.Errorf("scanning %s child: %w", collection, err)
		}
		keys = append(keys, Key{Collection: collection, PK: pk})
	}
	return keys, rows.Err()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
