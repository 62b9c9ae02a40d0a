// ABOUTME: Capability views of a message: text, image, file, knock and system
// ABOUTME: Each view is only handed out for the variant that supports it

package model

import (
	"slices"
	"time"

	"github.com/2389/coven-localstore/internal/ref"
)

// TextData is the text capability of a message.
type TextData struct {
	m *Message
}

func (t TextData) payload() *textPayload {
	if t.m.text == nil {
		return &textPayload{}
	}
	return t.m.text
}

// Text returns the message text.
func (t TextData) Text() string { return t.payload().Text }

// Mentions returns the user mentions in the text.
func (t TextData) Mentions() []Mention {
	out := slices.Clone(t.payload().Mentions)
	for i := range out {
		out[i].User = t.m.Canonical(out[i].User)
	}
	return out
}

// Quote returns the reference of the quoted message, zero if none.
func (t TextData) Quote() ref.Reference { return t.m.Canonical(t.m.quote) }

// HasQuote reports whether the message quotes another message.
func (t TextData) HasQuote() bool { return !t.m.quote.IsZero() }

// LinkPreview returns a copy of the link preview, nil if none.
func (t TextData) LinkPreview() *LinkPreview {
	if t.payload().LinkPreview == nil {
		return nil
	}
	lp := *t.payload().LinkPreview
	return &lp
}

// previewImageRole returns the role holding the preview image: the outgoing
// link preview asset once it has an image, else a received preview image.
func (t TextData) previewImageRole() (AssetRole, bool) {
	if a, ok := t.m.assets[RoleLinkPreview]; ok && a.CacheKey != "" {
		return RoleLinkPreview, true
	}
	if _, ok := t.m.assets[RoleImage]; ok {
		return RoleImage, true
	}
	return "", false
}

// HasLinkPreviewImage reports whether the link preview carries an image.
func (t TextData) HasLinkPreviewImage() bool {
	if _, ok := t.previewImageRole(); ok {
		return true
	}
	lp := t.payload().LinkPreview
	return lp != nil && lp.ImageURL != ""
}

// LinkPreviewImageCacheKey returns the cache key of the preview image, "" if
// there is none yet.
func (t TextData) LinkPreviewImageCacheKey() string {
	role, ok := t.previewImageRole()
	if !ok {
		return ""
	}
	return t.m.assets[role].CacheKey
}

// LinkPreviewState returns the outgoing link preview stage.
func (t TextData) LinkPreviewState() Stage {
	if a, ok := t.m.assets[RoleLinkPreview]; ok {
		return a.Stage
	}
	return LinkPreviewDone
}

// FetchLinkPreviewImage delivers the preview image bytes to done on the
// message's context queue.
func (t TextData) FetchLinkPreviewImage(done func(data []byte, err error)) error {
	role, ok := t.previewImageRole()
	if !ok {
		return ErrNoAsset
	}
	r, err := t.m.requester()
	if err != nil {
		return err
	}
	return r.FetchData(t.m, role, done)
}

// RequestLinkPreviewDownload starts downloading a received preview image.
func (t TextData) RequestLinkPreviewDownload() error {
	if _, ok := t.m.assets[RoleImage]; !ok {
		return ErrNoAsset
	}
	r, err := t.m.requester()
	if err != nil {
		return err
	}
	return r.RequestDownload(t.m, RoleImage)
}

// EditText replaces the text and mentions. With reprocessLinkPreview the
// link preview goes back to AwaitingScan; without it the preview is dropped.
// Either way the old preview is superseded: its generation is bumped and
// in-flight work for it is cancelled, so late results are discarded.
func (t TextData) EditText(text string, mentions []Mention, reprocessLinkPreview bool) error {
	m := t.m
	if err := m.WillChange(); err != nil {
		return err
	}

	now := time.Now().UTC()
	m.text = &textPayload{Text: text, Mentions: slices.Clone(mentions)}
	m.editedAt = &now
	m.updatedAt = now

	next := AssetState{Role: RoleLinkPreview, Stage: LinkPreviewDone, Generation: 1}
	if prev, ok := m.assets[RoleLinkPreview]; ok {
		next.Generation = prev.Generation + 1
	}
	if reprocessLinkPreview {
		next.Stage = LinkPreviewAwaitingScan
	}
	m.setAsset(next)
	delete(m.assets, RoleImage)

	if r, err := m.requester(); err == nil {
		r.Cancel(m, RoleLinkPreview)
		r.Cancel(m, RoleImage)
	}
	return nil
}

// SetLinkPreview stores the preview metadata found for the text. Used by the
// pipeline while the preview is being processed.
func (t TextData) SetLinkPreview(lp *LinkPreview) error {
	if err := t.m.WillChange(); err != nil {
		return err
	}
	p := *t.payload()
	if lp != nil {
		c := *lp
		p.LinkPreview = &c
	} else {
		p.LinkPreview = nil
	}
	t.m.text = &p
	return nil
}

// ImageData is the image capability of a message.
type ImageData struct {
	m *Message
}

func (i ImageData) payload() *imagePayload {
	if i.m.image == nil {
		return &imagePayload{}
	}
	return i.m.image
}

// ImageData returns the cached image bytes, or an error if they are not
// downloaded.
func (i ImageData) ImageData() ([]byte, error) {
	r, err := i.m.requester()
	if err != nil {
		return nil, err
	}
	return r.CachedData(i.m, RoleImage)
}

// IsDownloaded reports whether the image is in the local cache.
func (i ImageData) IsDownloaded() bool {
	a, ok := i.m.assets[RoleImage]
	return ok && a.Stage == Downloaded
}

// OriginalSize returns the pixel dimensions of the original image.
func (i ImageData) OriginalSize() (width, height int) {
	return i.payload().Width, i.payload().Height
}

// IsAnimated reports whether the image is an animated GIF.
func (i ImageData) IsAnimated() bool { return i.payload().Animated }

// ImageType returns the MIME type of the image.
func (i ImageData) ImageType() string { return i.payload().MimeType }

// CacheKey returns the content-derived cache key of the image.
func (i ImageData) CacheKey() string {
	if a, ok := i.m.assets[RoleImage]; ok {
		return a.CacheKey
	}
	return ""
}

// FetchImageData delivers the image bytes to done on the message's context
// queue, downloading them first if needed.
func (i ImageData) FetchImageData(done func(data []byte, err error)) error {
	r, err := i.m.requester()
	if err != nil {
		return err
	}
	return r.FetchData(i.m, RoleImage, done)
}

// RequestDownload starts downloading the image. Safe to call repeatedly.
func (i ImageData) RequestDownload() error {
	r, err := i.m.requester()
	if err != nil {
		return err
	}
	return r.RequestDownload(i.m, RoleImage)
}

// FileData is the file capability of a message.
type FileData struct {
	m *Message
}

func (f FileData) payload() *filePayload {
	if f.m.file == nil {
		return &filePayload{}
	}
	return f.m.file
}

// Name returns the original file name.
func (f FileData) Name() string { return f.payload().Name }

// Size returns the plaintext size in bytes.
func (f FileData) Size() int64 { return f.payload().Size }

// MimeType returns the declared MIME type.
func (f FileData) MimeType() string { return f.payload().MimeType }

// IsDownloaded reports whether the file is in the local cache.
func (f FileData) IsDownloaded() bool {
	a, ok := f.m.assets[RoleFile]
	return ok && a.Stage == Downloaded
}

// FetchFileData delivers the file bytes to done on the message's context queue.
func (f FileData) FetchFileData(done func(data []byte, err error)) error {
	r, err := f.m.requester()
	if err != nil {
		return err
	}
	return r.FetchData(f.m, RoleFile, done)
}

// RequestDownload starts downloading the file.
func (f FileData) RequestDownload() error {
	r, err := f.m.requester()
	if err != nil {
		return err
	}
	return r.RequestDownload(f.m, RoleFile)
}

// KnockData is the knock capability. It carries no data.
type KnockData struct{}

// SystemData is the system capability of a message.
type SystemData struct {
	event SystemEvent
}

// Event returns the system event.
func (s SystemData) Event() SystemEvent { return s.event }

// Kind returns the kind of the system event.
func (s SystemData) Kind() SystemEventKind {
	if s.event == nil {
		return ""
	}
	return s.event.Kind()
}
