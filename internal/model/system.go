// ABOUTME: Closed set of system message events with their typed data
// ABOUTME: Encodes each event as a kind-tagged JSON payload

package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/coven-localstore/internal/ref"
)

// SystemEventKind names a system event.
type SystemEventKind string

const (
	KindParticipantsAdded         SystemEventKind = "participants_added"
	KindParticipantsRemoved       SystemEventKind = "participants_removed"
	KindConversationRenamed       SystemEventKind = "conversation_renamed"
	KindConnectionRequest         SystemEventKind = "connection_request"
	KindConnectionUpdate          SystemEventKind = "connection_update"
	KindMissedCall                SystemEventKind = "missed_call"
	KindPerformedCall             SystemEventKind = "performed_call"
	KindNewDevice                 SystemEventKind = "new_device"
	KindIgnoredDevice             SystemEventKind = "ignored_device"
	KindConversationSecure        SystemEventKind = "conversation_secure"
	KindPotentialGap              SystemEventKind = "potential_gap"
	KindDecryptionFailed          SystemEventKind = "decryption_failed"
	KindNewConversation           SystemEventKind = "new_conversation"
	KindReactivatedDevice         SystemEventKind = "reactivated_device"
	KindUsingNewDevice            SystemEventKind = "using_new_device"
	KindMessageDeletedForEveryone SystemEventKind = "message_deleted_for_everyone"
	KindTeamMemberLeave           SystemEventKind = "team_member_leave"
	KindMessageTimerUpdate        SystemEventKind = "message_timer_update"
	KindReadReceiptsEnabled       SystemEventKind = "read_receipts_enabled"
	KindReadReceiptsDisabled      SystemEventKind = "read_receipts_disabled"
	KindReadReceiptsOn            SystemEventKind = "read_receipts_on"
	KindLegalHoldEnabled          SystemEventKind = "legal_hold_enabled"
	KindLegalHoldDisabled         SystemEventKind = "legal_hold_disabled"
)

// SystemEvent is implemented only by the event types of this package.
type SystemEvent interface {
	Kind() SystemEventKind
	systemEvent()
}

// RemovalReason explains why participants left.
type RemovalReason string

const (
	RemovalReasonNone           RemovalReason = ""
	RemovalReasonLegalHold      RemovalReason = "legal_hold_policy_conflict"
	RemovalReasonUserDeleted    RemovalReason = "user_deleted"
	RemovalReasonTeamMemberLeft RemovalReason = "team_member_left"
)

type ParticipantsAdded struct {
	Users []ref.Reference `json:"users"`
}

type ParticipantsRemoved struct {
	Users  []ref.Reference `json:"users"`
	Reason RemovalReason   `json:"reason,omitempty"`
}

type ConversationRenamed struct {
	Name string `json:"name"`
}

type ConnectionRequest struct {
	Text string `json:"text,omitempty"`
}

type ConnectionUpdate struct{}

type MissedCall struct {
	Caller ref.Reference `json:"caller"`
}

type PerformedCall struct {
	Caller   ref.Reference `json:"caller"`
	Duration time.Duration `json:"duration"`
}

type NewDeviceAdded struct {
	Devices []ref.Reference `json:"devices"`
}

type IgnoredDevice struct {
	Devices []ref.Reference `json:"devices"`
}

type ConversationSecure struct{}

type PotentialGap struct {
	AddedUsers   []ref.Reference `json:"added_users,omitempty"`
	RemovedUsers []ref.Reference `json:"removed_users,omitempty"`
}

type DecryptionFailed struct {
	Sender                ref.Reference `json:"sender"`
	RemoteIdentityChanged bool          `json:"remote_identity_changed,omitempty"`
}

type ConversationCreated struct{}

type ReactivatedDevice struct{}

type UsingNewDevice struct{}

type MessageDeletedForEveryone struct{}

type TeamMemberLeave struct {
	User ref.Reference `json:"user"`
}

type MessageTimerUpdate struct {
	Timer time.Duration `json:"timer"`
}

type ReadReceiptsEnabled struct{}

type ReadReceiptsDisabled struct{}

type ReadReceiptsOn struct{}

type LegalHoldEnabled struct{}

type LegalHoldDisabled struct{}

func (ParticipantsAdded) Kind() SystemEventKind         { return KindParticipantsAdded }
func (ParticipantsRemoved) Kind() SystemEventKind       { return KindParticipantsRemoved }
func (ConversationRenamed) Kind() SystemEventKind       { return KindConversationRenamed }
func (ConnectionRequest) Kind() SystemEventKind         { return KindConnectionRequest }
func (ConnectionUpdate) Kind() SystemEventKind          { return KindConnectionUpdate }
func (MissedCall) Kind() SystemEventKind                { return KindMissedCall }
func (PerformedCall) Kind() SystemEventKind             { return KindPerformedCall }
func (NewDeviceAdded) Kind() SystemEventKind            { return KindNewDevice }
func (IgnoredDevice) Kind() SystemEventKind             { return KindIgnoredDevice }
func (ConversationSecure) Kind() SystemEventKind        { return KindConversationSecure }
func (PotentialGap) Kind() SystemEventKind              { return KindPotentialGap }
func (DecryptionFailed) Kind() SystemEventKind          { return KindDecryptionFailed }
func (ConversationCreated) Kind() SystemEventKind       { return KindNewConversation }
func (ReactivatedDevice) Kind() SystemEventKind         { return KindReactivatedDevice }
func (UsingNewDevice) Kind() SystemEventKind            { return KindUsingNewDevice }
func (MessageDeletedForEveryone) Kind() SystemEventKind { return KindMessageDeletedForEveryone }
func (TeamMemberLeave) Kind() SystemEventKind           { return KindTeamMemberLeave }
func (MessageTimerUpdate) Kind() SystemEventKind        { return KindMessageTimerUpdate }
func (ReadReceiptsEnabled) Kind() SystemEventKind       { return KindReadReceiptsEnabled }
func (ReadReceiptsDisabled) Kind() SystemEventKind      { return KindReadReceiptsDisabled }
func (ReadReceiptsOn) Kind() SystemEventKind            { return KindReadReceiptsOn }
func (LegalHoldEnabled) Kind() SystemEventKind          { return KindLegalHoldEnabled }
func (LegalHoldDisabled) Kind() SystemEventKind         { return KindLegalHoldDisabled }

func (ParticipantsAdded) systemEvent()         {}
func (ParticipantsRemoved) systemEvent()       {}
func (ConversationRenamed) systemEvent()       {}
func (ConnectionRequest) systemEvent()         {}
func (ConnectionUpdate) systemEvent()          {}
func (MissedCall) systemEvent()                {}
func (PerformedCall) systemEvent()             {}
func (NewDeviceAdded) systemEvent()            {}
func (IgnoredDevice) systemEvent()             {}
func (ConversationSecure) systemEvent()        {}
func (PotentialGap) systemEvent()              {}
func (DecryptionFailed) systemEvent()          {}
func (ConversationCreated) systemEvent()       {}
func (ReactivatedDevice) systemEvent()         {}
func (UsingNewDevice) systemEvent()            {}
func (MessageDeletedForEveryone) systemEvent() {}
func (TeamMemberLeave) systemEvent()           {}
func (MessageTimerUpdate) systemEvent()        {}
func (ReadReceiptsEnabled) systemEvent()       {}
func (ReadReceiptsDisabled) systemEvent()      {}
func (ReadReceiptsOn) systemEvent()            {}
func (LegalHoldEnabled) systemEvent()          {}
func (LegalHoldDisabled) systemEvent()         {}

var systemEventDecoders = map[SystemEventKind]func(json.RawMessage) (SystemEvent, error){
	KindParticipantsAdded:         decodeEvent[ParticipantsAdded],
	KindParticipantsRemoved:       decodeEvent[ParticipantsRemoved],
	KindConversationRenamed:       decodeEvent[ConversationRenamed],
	KindConnectionRequest:         decodeEvent[ConnectionRequest],
	KindConnectionUpdate:          decodeEvent[ConnectionUpdate],
	KindMissedCall:                decodeEvent[MissedCall],
	KindPerformedCall:             decodeEvent[PerformedCall],
	KindNewDevice:                 decodeEvent[NewDeviceAdded],
	KindIgnoredDevice:             decodeEvent[IgnoredDevice],
	KindConversationSecure:        decodeEvent[ConversationSecure],
	KindPotentialGap:              decodeEvent[PotentialGap],
	KindDecryptionFailed:          decodeEvent[DecryptionFailed],
	KindNewConversation:           decodeEvent[ConversationCreated],
	KindReactivatedDevice:         decodeEvent[ReactivatedDevice],
	KindUsingNewDevice:            decodeEvent[UsingNewDevice],
	KindMessageDeletedForEveryone: decodeEvent[MessageDeletedForEveryone],
	KindTeamMemberLeave:           decodeEvent[TeamMemberLeave],
	KindMessageTimerUpdate:        decodeEvent[MessageTimerUpdate],
	KindReadReceiptsEnabled:       decodeEvent[ReadReceiptsEnabled],
	KindReadReceiptsDisabled:      decodeEvent[ReadReceiptsDisabled],
	KindReadReceiptsOn:            decodeEvent[ReadReceiptsOn],
	KindLegalHoldEnabled:          decodeEvent[LegalHoldEnabled],
	KindLegalHoldDisabled:         decodeEvent[LegalHoldDisabled],
}

func decodeEvent[T SystemEvent](data json.RawMessage) (SystemEvent, error) {
	var ev T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

type systemEnvelope struct {
	Kind SystemEventKind `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MarshalSystemEvent encodes ev as a kind-tagged JSON object.
func MarshalSystemEvent(ev SystemEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", ev.Kind(), err)
	}
	return json.Marshal(systemEnvelope{Kind: ev.Kind(), Data: data})
}

// UnmarshalSystemEvent decodes an event written by MarshalSystemEvent.
func UnmarshalSystemEvent(data []byte) (SystemEvent, error) {
	var env systemEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding system event: %w", err)
	}
	decode, ok := systemEventDecoders[env.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown system event kind %q", env.Kind)
	}
	ev, err := decode(env.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s event: %w", env.Kind, err)
	}
	return ev, nil
}

// IsKnownSystemEventKind reports whether kind belongs to the closed set.
func IsKnownSystemEventKind(kind SystemEventKind) bool {
	_, ok := systemEventDecoders[kind]
	return ok
}
