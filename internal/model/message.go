// ABOUTME: Variant-tagged Message entity with delivery state and attachment states
// ABOUTME: Variant payloads are reached only through capability accessors

package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/2389/coven-localstore/internal/objectctx"
	"github.com/2389/coven-localstore/internal/ref"
	"github.com/2389/coven-localstore/internal/store"
)

// ErrCapabilityUnsupported is returned when a capability accessor is used on
// a message whose variant does not support it.
var ErrCapabilityUnsupported = errors.New("capability not supported by message variant")

// Variant is the content kind of a message.
type Variant string

const (
	VariantText   Variant = "text"
	VariantImage  Variant = "image"
	VariantKnock  Variant = "knock"
	VariantFile   Variant = "file"
	VariantSystem Variant = "system"
)

// Capability is a view a message may offer depending on its variant.
type Capability int

const (
	CapabilityText Capability = iota
	CapabilityImage
	CapabilityKnock
	CapabilityFile
	CapabilitySystem
)

func (c Capability) String() string {
	switch c {
	case CapabilityText:
		return "text"
	case CapabilityImage:
		return "image"
	case CapabilityKnock:
		return "knock"
	case CapabilityFile:
		return "file"
	case CapabilitySystem:
		return "system"
	}
	return fmt.Sprintf("capability(%d)", int(c))
}

var variantCapability = map[Variant]Capability{
	VariantText:   CapabilityText,
	VariantImage:  CapabilityImage,
	VariantKnock:  CapabilityKnock,
	VariantFile:   CapabilityFile,
	VariantSystem: CapabilitySystem,
}

// DeliveryState tracks an outgoing message towards its recipients.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
	DeliveryFailed    DeliveryState = "failed"
)

var deliveryRank = map[DeliveryState]int{
	DeliveryPending:   0,
	DeliverySent:      1,
	DeliveryDelivered: 2,
	DeliveryRead:      3,
}

// canDeliver reports whether delivery may move from one state to another.
// Progress is forward only; a failed message can only be resent.
func canDeliver(from, to DeliveryState) bool {
	switch {
	case to == DeliveryFailed:
		return from == DeliveryPending || from == DeliverySent
	case from == DeliveryFailed:
		return to == DeliveryPending || to == DeliverySent
	}
	fr, ok1 := deliveryRank[from]
	tr, ok2 := deliveryRank[to]
	return ok1 && ok2 && tr > fr
}

// Mention marks a range of the text as referring to a user.
type Mention struct {
	Start  int           `json:"start"`
	Length int           `json:"length"`
	User   ref.Reference `json:"user"`
}

// LinkPreview is the metadata of the first link in a text message.
type LinkPreview struct {
	OriginalURL  string `json:"original_url"`
	PermanentURL string `json:"permanent_url,omitempty"`
	Offset       int    `json:"offset"`
	Title        string `json:"title,omitempty"`
	Summary      string `json:"summary,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
}

type textPayload struct {
	Text        string       `json:"text"`
	Mentions    []Mention    `json:"mentions,omitempty"`
	LinkPreview *LinkPreview `json:"link_preview,omitempty"`
}

type imagePayload struct {
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	MimeType string `json:"mime_type"`
	Animated bool   `json:"animated,omitempty"`
}

type filePayload struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

// Message is a single message in a conversation.
type Message struct {
	objectctx.Base
	nonce           string
	conversation    ref.Reference
	sender          ref.Reference
	quote           ref.Reference
	variant         Variant
	delivery        DeliveryState
	serverTimestamp time.Time
	updatedAt       time.Time
	editedAt        *time.Time

	text   *textPayload
	image  *imagePayload
	file   *filePayload
	system SystemEvent

	assets map[AssetRole]*AssetState
}

func (m *Message) Nonce() string              { return m.nonce }
func (m *Message) Variant() Variant           { return m.variant }
func (m *Message) Delivery() DeliveryState    { return m.delivery }
func (m *Message) ServerTimestamp() time.Time { return m.serverTimestamp }
func (m *Message) UpdatedAt() time.Time       { return m.updatedAt }

// EditedAt returns the time of the last text edit, zero if never edited.
func (m *Message) EditedAt() time.Time {
	if m.editedAt == nil {
		return time.Time{}
	}
	return *m.editedAt
}

// Conversation returns the reference of the owning conversation.
func (m *Message) Conversation() ref.Reference { return m.Canonical(m.conversation) }

// Sender returns the reference of the sender, zero for local system messages.
func (m *Message) Sender() ref.Reference { return m.Canonical(m.sender) }

// Supports reports whether the message offers capability c.
func (m *Message) Supports(c Capability) bool {
	vc, ok := variantCapability[m.variant]
	return ok && vc == c
}

func (m *Message) require(c Capability) error {
	if !m.Supports(c) {
		return fmt.Errorf("%s capability on %s message: %w", c, m.variant, ErrCapabilityUnsupported)
	}
	return nil
}

// TextData returns the text view of a text message.
func (m *Message) TextData() (TextData, error) {
	if err := m.require(CapabilityText); err != nil {
		return TextData{}, err
	}
	return TextData{m: m}, nil
}

// ImageData returns the image view of an image message.
func (m *Message) ImageData() (ImageData, error) {
	if err := m.require(CapabilityImage); err != nil {
		return ImageData{}, err
	}
	return ImageData{m: m}, nil
}

// FileData returns the file view of a file message.
func (m *Message) FileData() (FileData, error) {
	if err := m.require(CapabilityFile); err != nil {
		return FileData{}, err
	}
	return FileData{m: m}, nil
}

// KnockData returns the marker view of a knock message.
func (m *Message) KnockData() (KnockData, error) {
	if err := m.require(CapabilityKnock); err != nil {
		return KnockData{}, err
	}
	return KnockData{}, nil
}

// SystemData returns the view of a system message.
func (m *Message) SystemData() (SystemData, error) {
	if err := m.require(CapabilitySystem); err != nil {
		return SystemData{}, err
	}
	return SystemData{event: m.system}, nil
}

// SetDelivery moves the delivery state forward.
func (m *Message) SetDelivery(s DeliveryState) error {
	if err := m.CheckLive(); err != nil {
		return err
	}
	if m.delivery == s {
		return nil
	}
	if !canDeliver(m.delivery, s) {
		return fmt.Errorf("delivery %s -> %s: %w", m.delivery, s, ErrInvalidTransition)
	}
	if err := m.WillChange(); err != nil {
		return err
	}
	m.delivery = s
	m.updatedAt = time.Now().UTC()
	return nil
}

// Asset returns a copy of the attachment state for role.
func (m *Message) Asset(role AssetRole) (AssetState, bool) {
	a, ok := m.assets[role]
	if !ok {
		return AssetState{}, false
	}
	return a.clone(), true
}

// Assets returns copies of all attachment states, ordered by role.
func (m *Message) Assets() []AssetState {
	out := make([]AssetState, 0, len(m.assets))
	for _, a := range m.assets {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out
}

// TransitionAsset moves the asset for role to stage to, provided the asset is
// still at generation gen. apply, if not nil, updates the other fields.
// Any failure marker is cleared.
func (m *Message) TransitionAsset(role AssetRole, gen int64, to Stage, apply func(*AssetState)) error {
	if err := m.CheckLive(); err != nil {
		return err
	}
	a, ok := m.assets[role]
	if !ok {
		return fmt.Errorf("transition %s: %w", role, ErrNoAsset)
	}
	if a.Generation != gen {
		return fmt.Errorf("transition %s at generation %d, now %d: %w", role, gen, a.Generation, ErrStaleGeneration)
	}
	if a.Stage != to && !CanTransition(role, a.Stage, to) {
		return fmt.Errorf("%s %s -> %s: %w", role, StageName(role, a.Stage), StageName(role, to), ErrInvalidTransition)
	}
	if err := m.WillChange(); err != nil {
		return err
	}

	a.Stage = to
	a.Failure = nil
	if apply != nil {
		apply(a)
		// apply must not move the stage or the generation
		a.Role, a.Stage, a.Generation = role, to, gen
	}
	m.updatedAt = time.Now().UTC()
	return nil
}

// FailAsset records a failed pipeline attempt for role at generation gen.
// The stage does not advance: an interrupted download or upload returns to
// where it started so the caller can retry.
func (m *Message) FailAsset(role AssetRole, gen int64, reason string) error {
	if err := m.CheckLive(); err != nil {
		return err
	}
	a, ok := m.assets[role]
	if !ok {
		return fmt.Errorf("fail %s: %w", role, ErrNoAsset)
	}
	if a.Generation != gen {
		return fmt.Errorf("fail %s at generation %d, now %d: %w", role, gen, a.Generation, ErrStaleGeneration)
	}
	if err := m.WillChange(); err != nil {
		return err
	}

	switch {
	case role == RoleUpload && a.Stage == Uploading:
		a.Stage = UploadProcessed
	case role != RoleUpload && role != RoleLinkPreview && a.Stage == Downloading:
		a.Stage = NotDownloaded
	}

	attempts := 1
	if a.Failure != nil {
		attempts = a.Failure.Attempts + 1
	}
	a.Failure = &Failure{Reason: reason, At: time.Now().UTC(), Attempts: attempts}
	return nil
}

func (m *Message) setAsset(a AssetState) {
	if m.assets == nil {
		m.assets = make(map[AssetRole]*AssetState)
	}
	c := a.clone()
	m.assets[a.Role] = &c
}

// requester returns the asset requester installed on the message's context.
func (m *Message) requester() (AssetRequester, error) {
	oc := m.Context()
	if oc == nil {
		return nil, ErrNoRequester
	}
	r, ok := oc.Value(requesterKey{}).(AssetRequester)
	if !ok {
		return nil, ErrNoRequester
	}
	return r, nil
}

// Row implements objectctx.Object. The payload is left empty if it cannot
// be encoded; Save goes through EncodeRow and reports that error instead.
func (m *Message) Row() store.Row {
	row, _ := m.EncodeRow()
	return row
}

var _ objectctx.RowEncoder = (*Message)(nil)

// EncodeRow implements objectctx.RowEncoder.
func (m *Message) EncodeRow() (store.Row, error) {
	row := &store.MessageRow{
		RowMeta:         m.Meta(),
		Nonce:           m.nonce,
		Conversation:    m.LinkFor(m.conversation),
		Sender:          m.LinkFor(m.sender),
		Quote:           m.LinkFor(m.quote),
		Variant:         string(m.variant),
		Delivery:        string(m.delivery),
		ServerTimestamp: m.serverTimestamp,
		UpdatedAt:       m.updatedAt,
		EditedAt:        m.editedAt,
	}
	for _, a := range m.Assets() {
		row.Assets = append(row.Assets, a.row())
	}

	payload, err := m.encodePayload()
	if err != nil {
		return row, fmt.Errorf("encoding %s payload of message %s: %w", m.variant, m.nonce, err)
	}
	row.Payload = payload
	return row, nil
}

func (m *Message) encodePayload() ([]byte, error) {
	switch m.variant {
	case VariantText:
		if m.text == nil {
			return nil, nil
		}
		p := *m.text
		p.Mentions = make([]Mention, len(m.text.Mentions))
		for i, mn := range m.text.Mentions {
			mn.User = m.Canonical(mn.User)
			p.Mentions[i] = mn
		}
		return json.Marshal(p)
	case VariantImage:
		return json.Marshal(m.image)
	case VariantFile:
		return json.Marshal(m.file)
	case VariantSystem:
		if m.system == nil {
			return nil, nil
		}
		return MarshalSystemEvent(m.system)
	}
	return nil, nil
}

// Refresh implements objectctx.Object.
func (m *Message) Refresh(row store.Row) error {
	r, ok := row.(*store.MessageRow)
	if !ok {
		return fmt.Errorf("refreshing message from %T", row)
	}

	variant := Variant(r.Variant)
	if _, ok := variantCapability[variant]; !ok {
		return fmt.Errorf("message %s has unknown variant %q", r.Nonce, r.Variant)
	}

	var (
		text   *textPayload
		image  *imagePayload
		file   *filePayload
		system SystemEvent
	)
	switch variant {
	case VariantText:
		text = &textPayload{}
		if err := unmarshalPayload(r.Payload, text); err != nil {
			return err
		}
	case VariantImage:
		image = &imagePayload{}
		if err := unmarshalPayload(r.Payload, image); err != nil {
			return err
		}
	case VariantFile:
		file = &filePayload{}
		if err := unmarshalPayload(r.Payload, file); err != nil {
			return err
		}
	case VariantSystem:
		ev, err := UnmarshalSystemEvent(r.Payload)
		if err != nil {
			return err
		}
		system = ev
	}

	m.nonce = r.Nonce
	m.conversation = m.RefFor(store.CollectionConversation, r.Conversation)
	m.sender = m.RefFor(store.CollectionUser, r.Sender)
	m.quote = m.RefFor(store.CollectionMessage, r.Quote)
	m.variant = variant
	m.delivery = DeliveryState(r.Delivery)
	m.serverTimestamp = r.ServerTimestamp
	m.updatedAt = r.UpdatedAt
	m.editedAt = r.EditedAt
	m.text, m.image, m.file, m.system = text, image, file, system

	m.assets = make(map[AssetRole]*AssetState, len(r.Assets))
	for _, ar := range r.Assets {
		a := assetFromRow(ar)
		m.assets[a.Role] = &a
	}
	return nil
}

func unmarshalPayload(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding message payload: %w", err)
	}
	return nil
}
