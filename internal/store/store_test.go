// ABOUTME: Contract tests run against both SQLiteStore and MemoryStore
// ABOUTME: Covers change-set commits, link resolution, cascades, and ordering

package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) {
		fn(t, setupTestStore(t))
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
}

func testTime() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func newUser(name string) *UserRow {
	return &UserRow{
		RowMeta:   RowMeta{TempID: uuid.NewString()},
		RemoteID:  "remote-" + name,
		Name:      name,
		CreatedAt: testTime(),
	}
}

func newConversation(participants ...Link) *ConversationRow {
	return &ConversationRow{
		RowMeta:      RowMeta{TempID: uuid.NewString()},
		RemoteID:     uuid.NewString(),
		Name:         "general",
		Kind:         "group",
		Participants: participants,
		CreatedAt:    testTime(),
		UpdatedAt:    testTime(),
	}
}

func newMessage(conv, sender Link, ts time.Time) *MessageRow {
	return &MessageRow{
		RowMeta:         RowMeta{TempID: uuid.NewString()},
		Nonce:           uuid.NewString(),
		Conversation:    conv,
		Sender:          sender,
		Variant:         "text",
		Delivery:        "pending",
		ServerTimestamp: ts,
		UpdatedAt:       ts,
		Payload:         []byte(`{"text":"hi"}`),
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = uuid.Parse(store.Scope())
	assert.NoError(t, err)
}

func TestSQLiteStore_ScopeSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	first, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	scope := first.Scope()
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, scope, second.Scope())
}

func TestSQLiteStore_InMemory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	res, err := store.Commit(t.Context(), &ChangeSet{Inserts: []Row{newUser("alice")}})
	require.NoError(t, err)
	assert.Len(t, res.Inserted, 1)
}

func TestStore_InsertResolvesTempLinks(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()

		alice := newUser("alice")
		conv := newConversation(Link{TempID: alice.TempID})
		msg := newMessage(Link{TempID: conv.TempID}, Link{TempID: alice.TempID}, testTime())
		msg.Assets = []AssetRow{{Role: "image", Stage: 1, Digest: "abc", OTRKey: []byte{1, 2, 3}, Generation: 2}}

		res, err := s.Commit(ctx, &ChangeSet{Inserts: []Row{alice, conv, msg}})
		require.NoError(t, err)
		require.Len(t, res.Inserted, 3)

		msgKey := res.Assigned[msg.TempID]
		assert.Equal(t, CollectionMessage, msgKey.Collection)

		row, err := s.Fetch(ctx, msgKey)
		require.NoError(t, err)
		got := row.(*MessageRow)

		assert.Equal(t, res.Assigned[conv.TempID].PK, got.Conversation.PK)
		assert.Equal(t, res.Assigned[alice.TempID].PK, got.Sender.PK)
		assert.Equal(t, res.Seq, got.Version)
		assert.Empty(t, got.TempID)
		require.Len(t, got.Assets, 1)
		assert.Equal(t, []byte{1, 2, 3}, got.Assets[0].OTRKey)
		assert.Equal(t, int64(2), got.Assets[0].Generation)
		assert.JSONEq(t, `{"text":"hi"}`, string(got.Payload))

		convRow, err := s.Fetch(ctx, res.Assigned[conv.TempID])
		require.NoError(t, err)
		assert.Equal(t, []Link{{PK: res.Assigned[alice.TempID].PK}}, convRow.(*ConversationRow).Participants)
	})
}

func TestStore_UnknownTempLinkRollsBack(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()

		alice := newUser("alice")
		dev := &DeviceRow{
			RowMeta:   RowMeta{TempID: uuid.NewString()},
			User:      Link{TempID: "never-inserted"},
			CreatedAt: testTime(),
		}

		_, err := s.Commit(ctx, &ChangeSet{Inserts: []Row{alice, dev}})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrConflict))

		counts, err := s.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, counts[CollectionUser], "failed commit must not leave partial rows")
	})
}

func TestStore_DuplicateNonceConflicts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()

		conv := newConversation()
		first := newMessage(Link{TempID: conv.TempID}, Link{}, testTime())
		_, err := s.Commit(ctx, &ChangeSet{Inserts: []Row{conv, first}})
		require.NoError(t, err)

		other := newConversation()
		dup := newMessage(Link{TempID: other.TempID}, Link{}, testTime())
		dup.Nonce = first.Nonce
		_, err = s.Commit(ctx, &ChangeSet{Inserts: []Row{other, dup}})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrConflict))

		counts, err := s.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, counts[CollectionConversation])
	})
}

func TestStore_UpdateBumpsVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()

		alice := newUser("alice")
		res, err := s.Commit(ctx, &ChangeSet{Inserts: []Row{alice}})
		require.NoError(t, err)
		key := res.Assigned[alice.TempID]

		row, err := s.Fetch(ctx, key)
		require.NoError(t, err)
		u := row.(*UserRow)
		u.Name = "Alice A."

		res2, err := s.Commit(ctx, &ChangeSet{Updates: []Row{u}})
		require.NoError(t, err)
		assert.Equal(t, []Key{key}, res2.Updated)
		assert.Greater(t, res2.Seq, res.Seq)

		row, err = s.Fetch(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "Alice A.", row.(*UserRow).Name)
		assert.Equal(t, res2.Seq, row.Meta().Version)
	})
}

func TestStore_UpdateMissingRow(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		u := newUser("ghost")
		u.TempID = ""
		u.PK = 999

		_, err := s.Commit(t.Context(), &ChangeSet{Updates: []Row{u}})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestStore_DeleteConversationCascades(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()

		conv := newConversation()
		m1 := newMessage(Link{TempID: conv.TempID}, Link{}, testTime())
		m2 := newMessage(Link{TempID: conv.TempID}, Link{}, testTime().Add(time.Second))
		res, err := s.Commit(ctx, &ChangeSet{Inserts: []Row{conv, m1, m2}})
		require.NoError(t, err)

		convKey := res.Assigned[conv.TempID]
		del, err := s.Commit(ctx, &ChangeSet{Deletes: []Key{convKey}})
		require.NoError(t, err)

		assert.ElementsMatch(t, []Key{convKey, res.Assigned[m1.TempID], res.Assigned[m2.TempID]}, del.Deleted)

		_, err = s.Fetch(ctx, res.Assigned[m1.TempID])
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_DeleteUserClearsSender(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()

		alice := newUser("alice")
		conv := newConversation(Link{TempID: alice.TempID})
		msg := newMessage(Link{TempID: conv.TempID}, Link{TempID: alice.TempID}, testTime())
		res, err := s.Commit(ctx, &ChangeSet{Inserts: []Row{alice, conv, msg}})
		require.NoError(t, err)

		_, err = s.Commit(ctx, &ChangeSet{Deletes: []Key{res.Assigned[alice.TempID]}})
		require.NoError(t, err)

		row, err := s.Fetch(ctx, res.Assigned[msg.TempID])
		require.NoError(t, err)
		assert.True(t, row.(*MessageRow).Sender.IsZero())

		row, err = s.Fetch(ctx, res.Assigned[conv.TempID])
		require.NoError(t, err)
		assert.Empty(t, row.(*ConversationRow).Participants)
	})
}

func TestStore_DeleteMissingIsNoop(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		res, err := s.Commit(t.Context(), &ChangeSet{Deletes: []Key{{Collection: CollectionMessage, PK: 42}}})
		require.NoError(t, err)
		assert.Empty(t, res.Deleted)
	})
}

func TestStore_EmptyChangeSet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.Commit(t.Context(), &ChangeSet{})
		assert.ErrorIs(t, err, ErrConflict)
	})
}

func TestStore_FetchByRemoteID(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()

		alice := newUser("alice")
		conv := newConversation()
		msg := newMessage(Link{TempID: conv.TempID}, Link{}, testTime())
		_, err := s.Commit(ctx, &ChangeSet{Inserts: []Row{alice, conv, msg}})
		require.NoError(t, err)

		row, err := s.FetchByRemoteID(ctx, CollectionUser, "remote-alice")
		require.NoError(t, err)
		assert.Equal(t, "alice", row.(*UserRow).Name)

		row, err = s.FetchByRemoteID(ctx, CollectionMessage, msg.Nonce)
		require.NoError(t, err)
		assert.Equal(t, msg.Nonce, row.(*MessageRow).Nonce)

		_, err = s.FetchByRemoteID(ctx, CollectionConversation, "nope")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.FetchByRemoteID(ctx, CollectionUser, "")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ListMessagesOrderAndLimit(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()

		conv := newConversation()
		inserts := []Row{conv}
		for i := range 5 {
			m := newMessage(Link{TempID: conv.TempID}, Link{}, testTime().Add(time.Duration(i)*time.Minute))
			m.Payload = []byte(fmt.Sprintf(`{"text":"m%d"}`, i))
			inserts = append(inserts, m)
		}
		res, err := s.Commit(ctx, &ChangeSet{Inserts: inserts})
		require.NoError(t, err)
		convPK := res.Assigned[conv.TempID].PK

		all, err := s.ListMessages(ctx, convPK, 0)
		require.NoError(t, err)
		require.Len(t, all, 5)
		assert.JSONEq(t, `{"text":"m0"}`, string(all[0].Payload))

		recent, err := s.ListMessages(ctx, convPK, 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.JSONEq(t, `{"text":"m3"}`, string(recent[0].Payload))
		assert.JSONEq(t, `{"text":"m4"}`, string(recent[1].Payload))
	})
}

func TestStore_FetchReturnsCopies(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()

		alice := newUser("alice")
		res, err := s.Commit(ctx, &ChangeSet{Inserts: []Row{alice}})
		require.NoError(t, err)

		row, err := s.Fetch(ctx, res.Assigned[alice.TempID])
		require.NoError(t, err)
		row.(*UserRow).Name = "mutated"

		again, err := s.Fetch(ctx, res.Assigned[alice.TempID])
		require.NoError(t, err)
		assert.Equal(t, "alice", again.(*UserRow).Name)
	})
}

func TestStore_Counts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()

		conv := newConversation()
		_, err := s.Commit(ctx, &ChangeSet{Inserts: []Row{
			newUser("a"), newUser("b"), conv,
			newMessage(Link{TempID: conv.TempID}, Link{}, testTime()),
		}})
		require.NoError(t, err)

		counts, err := s.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, counts[CollectionUser])
		assert.Equal(t, 0, counts[CollectionDevice])
		assert.Equal(t, 1, counts[CollectionConversation])
		assert.Equal(t, 1, counts[CollectionMessage])
	})
}
