// ABOUTME: Attachment state per message role and the forward-only stage machines
// ABOUTME: Link preview, download and upload stages with their allowed transitions

package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-localstore/internal/store"
)

var (
	// ErrInvalidTransition is returned for a stage change the machine does not allow.
	ErrInvalidTransition = errors.New("invalid asset stage transition")

	// ErrStaleGeneration is returned when a pipeline result was produced for
	// an asset generation that has since been superseded.
	ErrStaleGeneration = errors.New("stale asset generation")

	// ErrNoAsset is returned when a message has no attachment for a role.
	ErrNoAsset = errors.New("no asset for role")
)

// AssetRole names one attachment slot of a message.
type AssetRole string

const (
	// RoleImage is a received image, or the image of a received link preview.
	RoleImage AssetRole = "image"
	// RoleUpload is the upload side of a locally composed image.
	RoleUpload AssetRole = "upload"
	// RoleLinkPreview is the outgoing link preview of a text message.
	RoleLinkPreview AssetRole = "link_preview"
	// RoleFile is a received or composed file.
	RoleFile AssetRole = "file"
)

// Stage is the position of an asset in its role's machine. Its meaning
// depends on the role.
type Stage int

// Link preview stages.
const (
	// LinkPreviewDone: preview sent, or nothing to send.
	LinkPreviewDone Stage = iota
	// LinkPreviewAwaitingScan: text must be scanned for links.
	LinkPreviewAwaitingScan
	// LinkPreviewDownloaded: preview metadata and image fetched.
	LinkPreviewDownloaded
	// LinkPreviewProcessed: preview image encoded and encrypted.
	LinkPreviewProcessed
	// LinkPreviewUploaded: preview image pushed to the remote store.
	LinkPreviewUploaded
)

// Download stages, used by RoleImage and RoleFile.
const (
	NotDownloaded Stage = iota
	Downloading
	Downloaded
)

// Upload stages, used by RoleUpload.
const (
	UploadPending Stage = iota
	UploadProcessed
	Uploading
	Uploaded
)

var linkPreviewTransitions = map[Stage][]Stage{
	LinkPreviewAwaitingScan: {LinkPreviewDownloaded, LinkPreviewDone},
	LinkPreviewDownloaded:   {LinkPreviewProcessed},
	LinkPreviewProcessed:    {LinkPreviewUploaded, LinkPreviewDone},
	LinkPreviewUploaded:     {LinkPreviewDone},
}

var downloadTransitions = map[Stage][]Stage{
	NotDownloaded: {Downloading, Downloaded},
	Downloading:   {Downloaded},
}

var uploadTransitions = map[Stage][]Stage{
	UploadPending:   {UploadProcessed},
	UploadProcessed: {Uploading},
	Uploading:       {Uploaded},
}

func transitionsFor(role AssetRole) map[Stage][]Stage {
	switch role {
	case RoleLinkPreview:
		return linkPreviewTransitions
	case RoleUpload:
		return uploadTransitions
	default:
		return downloadTransitions
	}
}

// CanTransition reports whether role allows moving from one stage to another.
func CanTransition(role AssetRole, from, to Stage) bool {
	for _, s := range transitionsFor(role)[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StageName returns a readable stage name for logs and the CLI.
func StageName(role AssetRole, s Stage) string {
	var names []string
	switch role {
	case RoleLinkPreview:
		names = []string{"done", "awaiting_scan", "downloaded", "processed", "uploaded"}
	case RoleUpload:
		names = []string{"pending", "processed", "uploading", "uploaded"}
	default:
		names = []string{"not_downloaded", "downloading", "downloaded"}
	}
	if int(s) < 0 || int(s) >= len(names) {
		return fmt.Sprintf("stage(%d)", s)
	}
	return names[s]
}

// Failure marks the last failed pipeline attempt for an asset.
type Failure struct {
	Reason   string
	At       time.Time
	Attempts int
}

// AssetState is the processing state of one attachment role.
type AssetState struct {
	Role       AssetRole
	Stage      Stage
	CacheKey   string
	Size       int64
	MimeType   string
	Width      int
	Height     int
	Animated   bool
	Target     string // remote asset ID or URL
	Digest     string // hex SHA-256 of the encrypted payload
	OTRKey     []byte
	Generation int64
	Failure    *Failure
}

// IsTerminal reports whether the asset needs no further pipeline work.
func (a AssetState) IsTerminal() bool {
	switch a.Role {
	case RoleLinkPreview:
		return a.Stage == LinkPreviewDone
	case RoleUpload:
		return a.Stage == Uploaded
	default:
		return a.Stage == Downloaded
	}
}

func (a AssetState) clone() AssetState {
	c := a
	c.OTRKey = append([]byte(nil), a.OTRKey...)
	if a.OTRKey == nil {
		c.OTRKey = nil
	}
	if a.Failure != nil {
		f := *a.Failure
		c.Failure = &f
	}
	return c
}

func (a AssetState) row() store.AssetRow {
	r := store.AssetRow{
		Role:       string(a.Role),
		Stage:      int(a.Stage),
		CacheKey:   a.CacheKey,
		Size:       a.Size,
		MimeType:   a.MimeType,
		Width:      a.Width,
		Height:     a.Height,
		Animated:   a.Animated,
		Target:     a.Target,
		Digest:     a.Digest,
		OTRKey:     a.OTRKey,
		Generation: a.Generation,
	}
	if a.Failure != nil {
		at := a.Failure.At
		r.FailureReason = a.Failure.Reason
		r.FailedAt = &at
		r.Attempts = a.Failure.Attempts
	}
	return r
}

func assetFromRow(r store.AssetRow) AssetState {
	a := AssetState{
		Role:       AssetRole(r.Role),
		Stage:      Stage(r.Stage),
		CacheKey:   r.CacheKey,
		Size:       r.Size,
		MimeType:   r.MimeType,
		Width:      r.Width,
		Height:     r.Height,
		Animated:   r.Animated,
		Target:     r.Target,
		Digest:     r.Digest,
		OTRKey:     r.OTRKey,
		Generation: r.Generation,
	}
	if r.FailedAt != nil || r.FailureReason != "" {
		a.Failure = &Failure{Reason: r.FailureReason, Attempts: r.Attempts}
		if r.FailedAt != nil {
			a.Failure.At = *r.FailedAt
		}
	}
	return a
}
