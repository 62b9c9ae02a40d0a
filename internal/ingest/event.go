// ABOUTME: Wire format of update events pulled from the server
// ABOUTME: One JSON object per event; the payload shape depends on the type

package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidEvent is returned for events missing required fields or with an
// undecodable payload. Such events are skipped, not retried.
var ErrInvalidEvent = errors.New("invalid update event")

// EventType names the kind of an update event.
type EventType string

const (
	EventUserUpdate            EventType = "user.update"
	EventUserClientAdd         EventType = "user.client-add"
	EventConversationCreate    EventType = "conversation.create"
	EventConversationRename    EventType = "conversation.rename"
	EventMemberJoin            EventType = "conversation.member-join"
	EventMemberLeave           EventType = "conversation.member-leave"
	EventMessageTimerUpdate    EventType = "conversation.message-timer-update"
	EventReceiptModeUpdate     EventType = "conversation.receipt-mode-update"
	EventLegalHoldUpdate       EventType = "conversation.legal-hold-update"
	EventMessageAdd            EventType = "message.add"
	EventMessageDelete         EventType = "message.delete"
	EventMessageReceipt        EventType = "message.receipt"
	EventMessageDecryptFailure EventType = "message.decryption-failed"
	EventCallMissed            EventType = "call.missed"
	EventCallEnded             EventType = "call.ended"
)

// Event is one update from the server. Conversation and From carry remote
// IDs; Data is decoded according to Type.
type Event struct {
	ID           string          `json:"id"`
	Type         EventType       `json:"type"`
	Conversation string          `json:"conversation,omitempty"`
	From         string          `json:"from,omitempty"`
	Time         time.Time       `json:"time"`
	Data         json.RawMessage `json:"data,omitempty"`
}

type userData struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Handle string `json:"handle,omitempty"`
}

type clientData struct {
	User   string `json:"user"`
	Client string `json:"client"`
	Label  string `json:"label,omitempty"`
}

type conversationData struct {
	Name    string   `json:"name,omitempty"`
	Kind    string   `json:"kind,omitempty"`
	Members []string `json:"members,omitempty"`
}

type renameData struct {
	Name string `json:"name"`
}

type membersData struct {
	Users  []string `json:"users"`
	Reason string   `json:"reason,omitempty"`
}

type timerData struct {
	TimerMS int64 `json:"timer_ms"`
}

type toggleData struct {
	Enabled bool `json:"enabled"`
}

type assetData struct {
	ID       string `json:"id"`
	Digest   string `json:"digest,omitempty"`
	Key      []byte `json:"key,omitempty"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Name     string `json:"name,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Animated bool   `json:"animated,omitempty"`
}

type mentionData struct {
	Start  int    `json:"start"`
	Length int    `json:"length"`
	User   string `json:"user"`
}

type linkPreviewData struct {
	URL          string     `json:"url"`
	PermanentURL string     `json:"permanent_url,omitempty"`
	Offset       int        `json:"offset"`
	Title        string     `json:"title,omitempty"`
	Summary      string     `json:"summary,omitempty"`
	Image        *assetData `json:"image,omitempty"`
}

type messageData struct {
	Nonce       string           `json:"nonce"`
	Kind        string           `json:"kind"`
	Text        string           `json:"text,omitempty"`
	Mentions    []mentionData    `json:"mentions,omitempty"`
	Quote       string           `json:"quote,omitempty"`
	Asset       *assetData       `json:"asset,omitempty"`
	LinkPreview *linkPreviewData `json:"link_preview,omitempty"`
}

type deleteData struct {
	Nonce string `json:"nonce"`
}

type receiptData struct {
	Nonces []string `json:"nonces"`
	State  string   `json:"state"`
}

type decryptFailureData struct {
	IdentityChanged bool `json:"identity_changed,omitempty"`
}

type callData struct {
	DurationMS int64 `json:"duration_ms,omitempty"`
}

func decodeData[T any](ev *Event) (T, error) {
	var v T
	if len(ev.Data) == 0 {
		return v, fmt.Errorf("%s: missing data: %w", ev.Type, ErrInvalidEvent)
	}
	if err := json.Unmarshal(ev.Data, &v); err != nil {
		return v, fmt.Errorf("%s: %w: %w", ev.Type, ErrInvalidEvent, err)
	}
	return v, nil
}
