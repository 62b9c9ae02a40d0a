// ABOUTME: In-memory Store implementation for tests and ephemeral sessions
// ABOUTME: Mirrors SQLiteStore commit semantics without touching disk

package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store implementation.
// Rows handed out are copies; callers never share state with the store.
type MemoryStore struct {
	mu    sync.RWMutex
	scope string
	state memState
}

type memState struct {
	seq    int64
	nextPK map[string]int64
	rows   map[Key]Row
}

// NewMemoryStore creates an empty MemoryStore with a fresh scope.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scope: uuid.New().String(),
		state: memState{
			nextPK: make(map[string]int64),
			rows:   make(map[Key]Row),
		},
	}
}

// Scope returns the UUID of this store.
func (m *MemoryStore) Scope() string {
	return m.scope
}

// Fetch loads a copy of a row by key.
func (m *MemoryStore) Fetch(ctx context.Context, key Key) (Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.state.rows[key]
	if !ok {
		return nil, ErrNotFound
	}
	return CloneRow(row), nil
}

// FetchByRemoteID loads a copy of a row by remote ID (nonce for messages).
func (m *MemoryStore) FetchByRemoteID(ctx context.Context, collection, remoteID string) (Row, error) {
	if remoteID == "" {
		return nil, ErrNotFound
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for key, row := range m.state.rows {
		if key.Collection == collection && RemoteIDOf(row) == remoteID {
			return CloneRow(row), nil
		}
	}
	return nil, ErrNotFound
}

// ListMessages returns copies of a conversation's messages, oldest first.
func (m *MemoryStore) ListMessages(ctx context.Context, conversationPK int64, limit int) ([]*MessageRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var msgs []*MessageRow
	for _, row := range m.state.rows {
		if msg, ok := row.(*MessageRow); ok && msg.Conversation.PK == conversationPK {
			msgs = append(msgs, CloneRow(msg).(*MessageRow))
		}
	}

	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].ServerTimestamp.Equal(msgs[j].ServerTimestamp) {
			return msgs[i].PK < msgs[j].PK
		}
		return msgs[i].ServerTimestamp.Before(msgs[j].ServerTimestamp)
	})

	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// Counts returns row counts per collection.
func (m *MemoryStore) Counts(ctx context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int, len(InsertOrder))
	for _, c := range InsertOrder {
		counts[c] = 0
	}
	for key := range m.state.rows {
		counts[key.Collection]++
	}
	return counts, nil
}

// Commit applies a change set atomically. The change set is applied to a
// copy of the current state which replaces it only if every step succeeds.
func (m *MemoryStore) Commit(ctx context.Context, cs *ChangeSet) (*CommitResult, error) {
	if cs.IsEmpty() {
		return nil, fmt.Errorf("empty change set: %w", ErrConflict)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.state.clone()
	next.seq++
	res := &CommitResult{Seq: next.seq, Assigned: make(map[string]Key)}

	for _, row := range cs.Inserts {
		key, err := next.insert(row, res.Assigned)
		if err != nil {
			return nil, err
		}
		res.Inserted = append(res.Inserted, key)
	}

	for _, row := range cs.Updates {
		if err := next.update(row, res.Assigned); err != nil {
			return nil, err
		}
		res.Updated = append(res.Updated, KeyOf(row))
	}

	for _, key := range cs.Deletes {
		res.Deleted = append(res.Deleted, next.delete(key)...)
	}

	m.state = next
	return res, nil
}

// Close is a no-op for MemoryStore.
func (m *MemoryStore) Close() error {
	return nil
}

func (s memState) clone() memState {
	c := memState{
		seq:    s.seq,
		nextPK: make(map[string]int64, len(s.nextPK)),
		rows:   make(map[Key]Row, len(s.rows)),
	}
	for k, v := range s.nextPK {
		c.nextPK[k] = v
	}
	// Rows are never mutated in place, so sharing them between states is safe
	for k, v := range s.rows {
		c.rows[k] = v
	}
	return c
}

func (s *memState) resolve(l Link, assigned map[string]Key) (Link, error) {
	if l.PK > 0 || l.TempID == "" {
		return Link{PK: l.PK}, nil
	}
	key, ok := assigned[l.TempID]
	if !ok {
		return Link{}, fmt.Errorf("link to uncommitted row %s: %w", l.TempID, ErrConflict)
	}
	return Link{PK: key.PK}, nil
}

// resolveLinks returns a committed copy of row with every link resolved to a PK.
func (s *memState) resolveLinks(row Row, assigned map[string]Key) (Row, error) {
	c := CloneRow(row)
	var err error

	switch r := c.(type) {
	case *DeviceRow:
		r.User, err = s.resolve(r.User, assigned)
	case *ConversationRow:
		for i, p := range r.Participants {
			if r.Participants[i], err = s.resolve(p, assigned); err != nil {
				break
			}
		}
		r.Participants = slices.DeleteFunc(r.Participants, Link.IsZero)
	case *MessageRow:
		if r.Conversation, err = s.resolve(r.Conversation, assigned); err != nil {
			break
		}
		if r.Conversation.IsZero() {
			return nil, fmt.Errorf("message %s has no conversation: %w", r.Nonce, ErrConflict)
		}
		if _, ok := s.rows[Key{Collection: CollectionConversation, PK: r.Conversation.PK}]; !ok {
			return nil, fmt.Errorf("message %s: conversation %d missing: %w", r.Nonce, r.Conversation.PK, ErrConflict)
		}
		if r.Sender, err = s.resolve(r.Sender, assigned); err != nil {
			break
		}
		r.Quote, err = s.resolve(r.Quote, assigned)
	}
	if err != nil {
		return nil, err
	}

	c.Meta().TempID = ""
	return c, nil
}

func (s *memState) checkUnique(row Row) error {
	id := RemoteIDOf(row)
	if id == "" {
		return nil
	}
	for key, existing := range s.rows {
		if key.Collection == row.Collection() && key.PK != row.Meta().PK && RemoteIDOf(existing) == id {
			return fmt.Errorf("%s %q already exists: %w", row.Collection(), id, ErrConflict)
		}
	}
	return nil
}

func (s *memState) insert(row Row, assigned map[string]Key) (Key, error) {
	meta := row.Meta()
	if meta.PK != 0 || meta.TempID == "" {
		return Key{}, fmt.Errorf("insert of %s needs a temp ID and no PK: %w", row.Collection(), ErrConflict)
	}

	c, err := s.resolveLinks(row, assigned)
	if err != nil {
		return Key{}, err
	}

	s.nextPK[row.Collection()]++
	c.Meta().PK = s.nextPK[row.Collection()]
	c.Meta().Version = s.seq

	if err := s.checkUnique(c); err != nil {
		return Key{}, err
	}

	key := KeyOf(c)
	s.rows[key] = c
	assigned[meta.TempID] = key
	return key, nil
}

func (s *memState) update(row Row, assigned map[string]Key) error {
	key := KeyOf(row)
	if key.PK <= 0 {
		return fmt.Errorf("update of %s without PK: %w", row.Collection(), ErrConflict)
	}
	existing, ok := s.rows[key]
	if !ok {
		return fmt.Errorf("updating %s %d: %w", key.Collection, key.PK, ErrNotFound)
	}

	c, err := s.resolveLinks(row, assigned)
	if err != nil {
		return err
	}
	if err := s.checkUnique(c); err != nil {
		return err
	}

	// Creation time is fixed at insert
	switch r := c.(type) {
	case *UserRow:
		r.CreatedAt = existing.(*UserRow).CreatedAt
	case *DeviceRow:
		r.CreatedAt = existing.(*DeviceRow).CreatedAt
	case *ConversationRow:
		r.CreatedAt = existing.(*ConversationRow).CreatedAt
	}

	c.Meta().Version = s.seq
	s.rows[key] = c
	return nil
}

// delete removes a row and everything that cascades from it.
func (s *memState) delete(key Key) []Key {
	if _, ok := s.rows[key]; !ok {
		return nil
	}
	delete(s.rows, key)
	deleted := []Key{key}

	switch key.Collection {
	case CollectionUser:
		for k, row := range s.rows {
			switch r := row.(type) {
			case *DeviceRow:
				if r.User.PK == key.PK {
					delete(s.rows, k)
					deleted = append(deleted, k)
				}
			case *ConversationRow:
				if slices.Contains(r.Participants, Link{PK: key.PK}) {
					c := CloneRow(r).(*ConversationRow)
					c.Participants = slices.DeleteFunc(c.Participants, func(l Link) bool { return l.PK == key.PK })
					s.rows[k] = c
				}
			case *MessageRow:
				if r.Sender.PK == key.PK {
					c := CloneRow(r).(*MessageRow)
					c.Sender = Link{}
					s.rows[k] = c
				}
			}
		}
	case CollectionConversation:
		for k, row := range s.rows {
			if r, ok := row.(*MessageRow); ok && r.Conversation.PK == key.PK {
				delete(s.rows, k)
				deleted = append(deleted, k)
			}
		}
	case CollectionMessage:
		for k, row := range s.rows {
			if r, ok := row.(*MessageRow); ok && r.Quote.PK == key.PK {
				c := CloneRow(r).(*MessageRow)
				c.Quote = Link{}
				s.rows[k] = c
			}
		}
	}

	return deleted
}

// RemoteIDOf returns the remote ID of a row, or the nonce of a message row.
func RemoteIDOf(row Row) string {
	switch r := row.(type) {
	case *UserRow:
		return r.RemoteID
	case *DeviceRow:
		return r.RemoteID
	case *ConversationRow:
		return r.RemoteID
	case *MessageRow:
		return r.Nonce
	}
	return ""
}

// CloneRow returns a deep copy of row.
func CloneRow(row Row) Row {
	switch r := row.(type) {
	case *UserRow:
		c := *r
		return &c
	case *DeviceRow:
		c := *r
		return &c
	case *ConversationRow:
		c := *r
		c.Participants = slices.Clone(r.Participants)
		return &c
	case *MessageRow:
		c := *r
		c.Payload = slices.Clone(r.Payload)
		if r.EditedAt != nil {
			t := *r.EditedAt
			c.EditedAt = &t
		}
		c.Assets = make([]AssetRow, len(r.Assets))
		for i, a := range r.Assets {
			a.OTRKey = slices.Clone(a.OTRKey)
			if a.FailedAt != nil {
				t := *a.FailedAt
				a.FailedAt = &t
			}
			c.Assets[i] = a
		}
		if r.Assets == nil {
			c.Assets = nil
		}
		return &c
	}
	return row
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)
