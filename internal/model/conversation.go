// ABOUTME: Conversation entity with participants and conversation-level settings
// ABOUTME: Loads its messages from the store into the owning context

package model

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/2389/coven-localstore/internal/objectctx"
	"github.com/2389/coven-localstore/internal/ref"
	"github.com/2389/coven-localstore/internal/store"
)

// ConversationKind classifies a conversation.
type ConversationKind string

const (
	ConversationOneOnOne   ConversationKind = "one_on_one"
	ConversationGroup      ConversationKind = "group"
	ConversationSelf       ConversationKind = "self"
	ConversationConnection ConversationKind = "connection"
)

// IsValid reports whether k is a known kind.
func (k ConversationKind) IsValid() bool {
	switch k {
	case ConversationOneOnOne, ConversationGroup, ConversationSelf, ConversationConnection:
		return true
	}
	return false
}

// Conversation is a thread of messages between participants.
type Conversation struct {
	objectctx.Base
	remoteID     string
	name         string
	kind         ConversationKind
	participants []ref.Reference
	messageTimer time.Duration
	readReceipts bool
	legalHold    bool
	createdAt    time.Time
	updatedAt    time.Time
}

// NewConversation creates an unsaved conversation.
func NewConversation(remoteID string, kind ConversationKind, participants ...*User) *Conversation {
	now := time.Now().UTC()
	c := &Conversation{remoteID: remoteID, kind: kind, createdAt: now, updatedAt: now}
	for _, u := range participants {
		c.participants = append(c.participants, objectctx.ReferenceFor(u))
	}
	return c
}

func (c *Conversation) RemoteID() string            { return c.remoteID }
func (c *Conversation) Name() string                { return c.name }
func (c *Conversation) Kind() ConversationKind      { return c.kind }
func (c *Conversation) MessageTimer() time.Duration { return c.messageTimer }
func (c *Conversation) ReadReceipts() bool          { return c.readReceipts }
func (c *Conversation) LegalHold() bool             { return c.legalHold }
func (c *Conversation) CreatedAt() time.Time        { return c.createdAt }
func (c *Conversation) UpdatedAt() time.Time        { return c.updatedAt }

// Participants returns the references of the participating users.
func (c *Conversation) Participants() []ref.Reference {
	out := make([]ref.Reference, len(c.participants))
	for i, p := range c.participants {
		out[i] = c.Canonical(p)
	}
	return out
}

// IsParticipant reports whether the user is a participant.
func (c *Conversation) IsParticipant(user ref.Reference) bool {
	return slices.ContainsFunc(c.participants, func(p ref.Reference) bool { return c.Same(p, user) })
}

func (c *Conversation) touch() {
	c.updatedAt = time.Now().UTC()
}

// Rename changes the conversation name.
func (c *Conversation) Rename(name string) error {
	if err := c.WillChange(); err != nil {
		return err
	}
	c.name = name
	c.touch()
	return nil
}

// AddParticipants adds users that are not participants yet and returns the
// references actually added.
func (c *Conversation) AddParticipants(users ...ref.Reference) ([]ref.Reference, error) {
	if err := c.WillChange(); err != nil {
		return nil, err
	}
	var added []ref.Reference
	for _, u := range users {
		if u.IsZero() || c.IsParticipant(u) {
			continue
		}
		c.participants = append(c.participants, u)
		added = append(added, u)
	}
	if len(added) > 0 {
		c.touch()
	}
	return added, nil
}

// RemoveParticipants removes users and returns the references actually removed.
func (c *Conversation) RemoveParticipants(users ...ref.Reference) ([]ref.Reference, error) {
	if err := c.WillChange(); err != nil {
		return nil, err
	}
	var removed []ref.Reference
	c.participants = slices.DeleteFunc(c.participants, func(p ref.Reference) bool {
		for _, u := range users {
			if c.Same(p, u) {
				removed = append(removed, c.Canonical(p))
				return true
			}
		}
		return false
	})
	if len(removed) > 0 {
		c.touch()
	}
	return removed, nil
}

// SetMessageTimer sets the self-deletion timer for new messages. Zero disables it.
func (c *Conversation) SetMessageTimer(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("negative message timer %s", d)
	}
	if err := c.WillChange(); err != nil {
		return err
	}
	c.messageTimer = d
	c.touch()
	return nil
}

// SetReadReceipts toggles read receipts.
func (c *Conversation) SetReadReceipts(on bool) error {
	if err := c.WillChange(); err != nil {
		return err
	}
	c.readReceipts = on
	c.touch()
	return nil
}

// SetLegalHold toggles the legal hold flag.
func (c *Conversation) SetLegalHold(on bool) error {
	if err := c.WillChange(); err != nil {
		return err
	}
	c.legalHold = on
	c.touch()
	return nil
}

// Messages loads the most recent committed messages into the conversation's
// context, oldest first. limit <= 0 loads all.
func (c *Conversation) Messages(ctx context.Context, limit int) ([]*Message, error) {
	oc := c.Context()
	if oc == nil {
		return nil, nil
	}
	r := c.Reference()
	if r.IsTemporary() {
		return nil, nil
	}

	rows, err := oc.Store().ListMessages(ctx, r.PK(), limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	msgs := make([]*Message, 0, len(rows))
	for _, row := range rows {
		obj, err := oc.ObjectForRow(row)
		if err != nil {
			return nil, err
		}
		m, ok := obj.(*Message)
		if !ok || m.IsTombstoned() {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Row implements objectctx.Object.
func (c *Conversation) Row() store.Row {
	row := &store.ConversationRow{
		RowMeta:      c.Meta(),
		RemoteID:     c.remoteID,
		Name:         c.name,
		Kind:         string(c.kind),
		MessageTimer: c.messageTimer,
		ReadReceipts: c.readReceipts,
		LegalHold:    c.legalHold,
		CreatedAt:    c.createdAt,
		UpdatedAt:    c.updatedAt,
	}
	for _, p := range c.participants {
		row.Participants = append(row.Participants, c.LinkFor(p))
	}
	return row
}

// Refresh implements objectctx.Object.
func (c *Conversation) Refresh(row store.Row) error {
	r, ok := row.(*store.ConversationRow)
	if !ok {
		return fmt.Errorf("refreshing conversation from %T", row)
	}
	c.remoteID = r.RemoteID
	c.name = r.Name
	c.kind = ConversationKind(r.Kind)
	c.messageTimer = r.MessageTimer
	c.readReceipts = r.ReadReceipts
	c.legalHold = r.LegalHold
	c.createdAt = r.CreatedAt
	c.updatedAt = r.UpdatedAt
	c.participants = c.participants[:0]
	for _, l := range r.Participants {
		c.participants = append(c.participants, c.RefFor(store.CollectionUser, l))
	}
	return nil
}
