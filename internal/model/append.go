// ABOUTME: Creation of new messages in a conversation, composed locally or received
// ABOUTME: Sets up the initial attachment states for variants with binary content

package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-localstore/internal/assetcache"
	"github.com/2389/coven-localstore/internal/objectctx"
	"github.com/2389/coven-localstore/internal/ref"
)

// Content is the variant-specific content of a new message.
type Content interface {
	variant() Variant
}

// RemoteAsset locates binary content on the remote asset store.
type RemoteAsset struct {
	Target   string // asset ID or URL
	Digest   string // hex SHA-256 of the encrypted payload
	OTRKey   []byte
	Size     int64
	MimeType string
}

// TextContent is the content of a text message.
type TextContent struct {
	Text        string
	Mentions    []Mention
	Quote       *Message
	LinkPreview *LinkPreview
	// PreviewImage is the image of a received link preview.
	PreviewImage *RemoteAsset
}

// ImageContent is the content of an image message. Locally composed images
// carry the CacheKey of the bytes already stored; received ones carry Remote.
type ImageContent struct {
	Width    int
	Height   int
	MimeType string
	Animated bool
	Size     int64
	CacheKey string
	Remote   *RemoteAsset
}

// FileContent is the content of a file message.
type FileContent struct {
	Name     string
	Size     int64
	MimeType string
	CacheKey string
	Remote   *RemoteAsset
}

// KnockContent is the content of a knock.
type KnockContent struct{}

// SystemContent is the content of a system message.
type SystemContent struct {
	Event SystemEvent
}

func (TextContent) variant() Variant   { return VariantText }
func (ImageContent) variant() Variant  { return VariantImage }
func (FileContent) variant() Variant   { return VariantFile }
func (KnockContent) variant() Variant  { return VariantKnock }
func (SystemContent) variant() Variant { return VariantSystem }

// Received describes a message that arrived from the network.
type Received struct {
	Nonce           string
	Sender          *User
	ServerTimestamp time.Time
}

// Append composes a new outgoing message from sender and inserts it into
// the conversation's context. It is saved with the context's next Save.
func Append(conv *Conversation, sender *User, content Content) (*Message, error) {
	m, err := newMessage(conv, sender, content, true)
	if err != nil {
		return nil, err
	}
	m.nonce = uuid.New().String()
	m.serverTimestamp = m.updatedAt
	return m, insertMessage(conv, m)
}

// AppendText composes a text message.
func AppendText(conv *Conversation, sender *User, text string, mentions []Mention, quote *Message) (*Message, error) {
	return Append(conv, sender, TextContent{Text: text, Mentions: mentions, Quote: quote})
}

// AppendKnock composes a knock.
func AppendKnock(conv *Conversation, sender *User) (*Message, error) {
	return Append(conv, sender, KnockContent{})
}

// AppendSystem records a system event in the conversation.
func AppendSystem(conv *Conversation, ev SystemEvent) (*Message, error) {
	m, err := Append(conv, nil, SystemContent{Event: ev})
	if err != nil {
		return nil, err
	}
	// System messages are never sent
	m.delivery = DeliveryDelivered
	return m, nil
}

// InsertReceived inserts a message that arrived from the network.
func InsertReceived(conv *Conversation, meta Received, content Content) (*Message, error) {
	if meta.Nonce == "" {
		return nil, fmt.Errorf("received message without nonce")
	}
	m, err := newMessage(conv, meta.Sender, content, false)
	if err != nil {
		return nil, err
	}
	m.nonce = meta.Nonce
	m.delivery = DeliveryDelivered
	m.serverTimestamp = meta.ServerTimestamp
	if m.serverTimestamp.IsZero() {
		m.serverTimestamp = m.updatedAt
	}
	return m, insertMessage(conv, m)
}

func newMessage(conv *Conversation, sender *User, content Content, local bool) (*Message, error) {
	if conv == nil || conv.Context() == nil {
		return nil, fmt.Errorf("appending message: conversation is not in a context")
	}
	if err := conv.CheckLive(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	m := &Message{
		conversation: objectctx.ReferenceFor(conv),
		variant:      content.variant(),
		delivery:     DeliveryPending,
		updatedAt:    now,
	}
	if sender != nil {
		m.sender = objectctx.ReferenceFor(sender)
	}

	switch c := content.(type) {
	case TextContent:
		m.text = &textPayload{Text: c.Text, Mentions: c.Mentions, LinkPreview: c.LinkPreview}
		if c.Quote != nil {
			m.quote = objectctx.ReferenceFor(c.Quote)
		}
		if local {
			m.setAsset(AssetState{Role: RoleLinkPreview, Stage: LinkPreviewAwaitingScan, Generation: 1})
		} else if c.PreviewImage != nil {
			m.setAsset(remoteAssetState(RoleImage, c.PreviewImage))
		}

	case ImageContent:
		m.image = &imagePayload{Width: c.Width, Height: c.Height, MimeType: c.MimeType, Animated: c.Animated}
		if local {
			if c.CacheKey == "" {
				return nil, fmt.Errorf("composed image without cache key")
			}
			downloaded := AssetState{
				Role: RoleImage, Stage: Downloaded, CacheKey: c.CacheKey, Size: c.Size,
				MimeType: c.MimeType, Width: c.Width, Height: c.Height, Animated: c.Animated, Generation: 1,
			}
			m.setAsset(downloaded)
			m.setAsset(AssetState{Role: RoleUpload, Stage: UploadPending, CacheKey: c.CacheKey,
				Size: c.Size, MimeType: c.MimeType, Generation: 1})
		} else {
			if c.Remote == nil {
				return nil, fmt.Errorf("received image without remote asset")
			}
			a := remoteAssetState(RoleImage, c.Remote)
			a.Width, a.Height, a.Animated = c.Width, c.Height, c.Animated
			m.setAsset(a)
		}

	case FileContent:
		m.file = &filePayload{Name: c.Name, Size: c.Size, MimeType: c.MimeType}
		if local {
			if c.CacheKey == "" {
				return nil, fmt.Errorf("composed file without cache key")
			}
			m.setAsset(AssetState{Role: RoleFile, Stage: Downloaded, CacheKey: c.CacheKey,
				Size: c.Size, MimeType: c.MimeType, Generation: 1})
			m.setAsset(AssetState{Role: RoleUpload, Stage: UploadPending, CacheKey: c.CacheKey,
				Size: c.Size, MimeType: c.MimeType, Generation: 1})
		} else {
			if c.Remote == nil {
				return nil, fmt.Errorf("received file without remote asset")
			}
			m.setAsset(remoteAssetState(RoleFile, c.Remote))
		}

	case KnockContent:

	case SystemContent:
		if c.Event == nil {
			return nil, fmt.Errorf("system message without event")
		}
		m.system = c.Event

	default:
		return nil, fmt.Errorf("unsupported content %T", content)
	}

	return m, nil
}

// remoteAssetState builds the initial state of a received asset. Its cache
// key derives from the announced digest, so identical payloads share a
// cache entry.
func remoteAssetState(role AssetRole, r *RemoteAsset) AssetState {
	key := assetcache.KeyForLocator(r.Target, string(role))
	if r.Digest != "" {
		key = assetcache.KeyForDigest(r.Digest, string(role))
	}
	return AssetState{
		Role:       role,
		Stage:      NotDownloaded,
		CacheKey:   key,
		Size:       r.Size,
		MimeType:   r.MimeType,
		Target:     r.Target,
		Digest:     r.Digest,
		OTRKey:     append([]byte(nil), r.OTRKey...),
		Generation: 1,
	}
}

func insertMessage(conv *Conversation, m *Message) error {
	oc := conv.Context()
	if err := oc.Insert(m); err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	if err := conv.WillChange(); err != nil {
		return err
	}
	conv.touch()
	return nil
}

// MessageRef is a convenience for the reference of a message.
func MessageRef(m *Message) ref.Reference {
	return objectctx.ReferenceFor(m)
}
