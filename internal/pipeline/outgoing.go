// ABOUTME: Outgoing side of the pipeline: composed attachments and link previews
// ABOUTME: Scans text for links, fetches previews, encodes and uploads assets stage by stage

package pipeline

import (
	"bytes"
	"context"
	"fmt"

	"github.com/2389/coven-localstore/internal/assetcache"
	"github.com/2389/coven-localstore/internal/assetcrypto"
	"github.com/2389/coven-localstore/internal/imagemeta"
	"github.com/2389/coven-localstore/internal/linkpreview"
	"github.com/2389/coven-localstore/internal/model"
	"github.com/2389/coven-localstore/internal/objectctx"
)

// AppendImage stores a composed image in the cache, appends it to the
// conversation and starts its upload. Must run on the conversation's
// context queue; the caller saves the context.
func (p *Pipeline) AppendImage(conv *model.Conversation, sender *model.User, data []byte) (*model.Message, error) {
	info, err := imagemeta.Inspect(data)
	if err != nil {
		return nil, fmt.Errorf("inspecting image: %w", err)
	}
	key := assetcache.KeyForContent(data, string(model.RoleImage))
	if err := p.cache.Store(key, data); err != nil {
		return nil, err
	}

	m, err := model.Append(conv, sender, model.ImageContent{
		Width:    info.Width,
		Height:   info.Height,
		MimeType: info.MimeType,
		Animated: info.Animated,
		Size:     int64(len(data)),
		CacheKey: key,
	})
	if err != nil {
		return nil, err
	}
	return m, p.ProcessOutgoing(m)
}

// AppendFile stores a composed file in the cache, appends it to the
// conversation and starts its upload.
func (p *Pipeline) AppendFile(conv *model.Conversation, sender *model.User, name, mimeType string, data []byte) (*model.Message, error) {
	key := assetcache.KeyForContent(data, string(model.RoleFile))
	if err := p.cache.Store(key, data); err != nil {
		return nil, err
	}

	m, err := model.Append(conv, sender, model.FileContent{
		Name:     name,
		Size:     int64(len(data)),
		MimeType: mimeType,
		CacheKey: key,
	})
	if err != nil {
		return nil, err
	}
	return m, p.ProcessOutgoing(m)
}

// ProcessOutgoing advances every outgoing asset of m: the upload of a
// composed attachment and the link preview of a text message.
func (p *Pipeline) ProcessOutgoing(m *model.Message) error {
	if _, ok := m.Asset(model.RoleUpload); ok {
		if err := p.processUpload(m); err != nil {
			return err
		}
	}
	if _, ok := m.Asset(model.RoleLinkPreview); ok {
		if err := p.ProcessLinkPreview(m); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) running(oc *objectctx.Context, m *model.Message, role model.AssetRole) bool {
	return p.lookup(taskKey{oc: oc, nonce: m.Nonce(), role: role}) != nil
}

// processUpload moves a composed attachment through
// Pending -> Processed -> Uploading -> Uploaded.
func (p *Pipeline) processUpload(m *model.Message) error {
	oc, err := contextOf(m)
	if err != nil {
		return err
	}
	if err := m.CheckLive(); err != nil {
		return err
	}
	a, ok := m.Asset(model.RoleUpload)
	if !ok {
		return fmt.Errorf("upload: %w", model.ErrNoAsset)
	}
	if p.running(oc, m, model.RoleUpload) {
		return nil
	}

	switch a.Stage {
	case model.UploadPending:
		p.startEncode(oc, m, a)
	case model.UploadProcessed:
		if err := p.transition(m, model.RoleUpload, a.Generation, model.Uploading, nil); err != nil {
			return err
		}
		p.startUpload(oc, m, a)
	case model.Uploading:
		p.startUpload(oc, m, a)
	}
	return nil
}

// ProcessLinkPreview advances the link preview of an outgoing text message
// from its current stage. Must run on the message's context queue.
func (p *Pipeline) ProcessLinkPreview(m *model.Message) error {
	oc, err := contextOf(m)
	if err != nil {
		return err
	}
	if err := m.CheckLive(); err != nil {
		return err
	}
	td, err := m.TextData()
	if err != nil {
		return err
	}
	a, ok := m.Asset(model.RoleLinkPreview)
	if !ok {
		return fmt.Errorf("link preview: %w", model.ErrNoAsset)
	}
	if p.running(oc, m, model.RoleLinkPreview) {
		return nil
	}

	switch a.Stage {
	case model.LinkPreviewAwaitingScan:
		link, found := linkpreview.FirstLink(td.Text())
		if !found {
			if err := p.transition(m, model.RoleLinkPreview, a.Generation, model.LinkPreviewDone, nil); err != nil {
				return err
			}
			p.save(oc, p.logger)
			return nil
		}
		p.startPreviewFetch(oc, m, a, link)
	case model.LinkPreviewDownloaded:
		if a.CacheKey == "" {
			return p.finishPreviewWithoutImage(oc, m, a.Generation)
		}
		p.startEncode(oc, m, a)
	case model.LinkPreviewProcessed:
		if a.CacheKey == "" {
			return p.finishPreview(oc, m, a.Generation)
		}
		p.startUpload(oc, m, a)
	case model.LinkPreviewUploaded:
		return p.finishPreview(oc, m, a.Generation)
	}
	return nil
}

type previewOut struct {
	link     linkpreview.Link
	meta     *linkpreview.Metadata
	imageKey string
	image    []byte
	info     imagemeta.Info
}

func (p *Pipeline) startPreviewFetch(oc *objectctx.Context, m *model.Message, a model.AssetState, link linkpreview.Link) {
	t := p.newTask(oc, m, model.RoleLinkPreview, a.Generation)
	page := p.fetchChan("page\x00"+link.URL, func(ctx context.Context) ([]byte, error) {
		return p.fetcher.Fetch(ctx, link.URL)
	})

	p.run(t, func(ctx context.Context) (any, error) {
		html, err := p.wait(ctx, page)
		if err != nil {
			return nil, err
		}
		meta, err := linkpreview.ParseMetadata(bytes.NewReader(html), link.URL)
		if err != nil {
			return nil, err
		}
		out := &previewOut{link: link, meta: meta}
		if meta.ImageURL == "" {
			return out, nil
		}

		img, err := p.wait(ctx, p.fetchChan(assetcache.KeyForLocator(meta.ImageURL, string(model.RoleLinkPreview)),
			func(ctx context.Context) ([]byte, error) {
				return p.fetcher.Fetch(ctx, meta.ImageURL)
			}))
		if err != nil {
			// The preview is still useful without its image
			p.logger.Debug("link preview image unavailable", "url", meta.ImageURL, "error", err)
			return out, nil
		}
		info, err := imagemeta.Inspect(img)
		if err != nil {
			p.logger.Debug("link preview image unreadable", "url", meta.ImageURL, "error", err)
			return out, nil
		}
		key := assetcache.KeyForContent(img, string(model.RoleLinkPreview))
		if err := p.cache.Store(key, img); err != nil {
			return nil, err
		}
		out.imageKey, out.image, out.info = key, img, info
		return out, nil
	}, p.applyPreviewFetch)
}

func (p *Pipeline) applyPreviewFetch(m *model.Message, t *task, out any) ([]byte, error) {
	res := out.(*previewOut)

	err := p.transition(m, model.RoleLinkPreview, t.gen, model.LinkPreviewDownloaded, func(s *model.AssetState) {
		if res.imageKey == "" {
			return
		}
		s.CacheKey = res.imageKey
		s.Size = int64(len(res.image))
		s.MimeType = res.info.MimeType
		s.Width, s.Height = res.info.Width, res.info.Height
		s.Animated = res.info.Animated
	})
	if err != nil {
		return nil, err
	}

	td, err := m.TextData()
	if err != nil {
		return nil, err
	}
	err = td.SetLinkPreview(&model.LinkPreview{
		OriginalURL:  res.link.URL,
		PermanentURL: res.meta.URL,
		Offset:       res.link.Offset,
		Title:        res.meta.Title,
		Summary:      res.meta.Summary,
		ImageURL:     res.meta.ImageURL,
	})
	if err != nil {
		return nil, err
	}

	// Continue once this stage is saved
	oc := t.key.oc
	if perr := oc.Perform(func() {
		if err := p.ProcessLinkPreview(m); err != nil {
			p.logger.Warn("continuing link preview", "nonce", m.Nonce(), "error", err)
		}
	}); perr != nil {
		return nil, perr
	}
	return res.image, nil
}

// finishPreviewWithoutImage completes a preview that has nothing to upload.
func (p *Pipeline) finishPreviewWithoutImage(oc *objectctx.Context, m *model.Message, gen int64) error {
	if err := p.transition(m, model.RoleLinkPreview, gen, model.LinkPreviewProcessed, nil); err != nil {
		return err
	}
	return p.finishPreview(oc, m, gen)
}

func (p *Pipeline) finishPreview(oc *objectctx.Context, m *model.Message, gen int64) error {
	if err := p.transition(m, model.RoleLinkPreview, gen, model.LinkPreviewDone, nil); err != nil {
		return err
	}
	p.save(oc, p.logger)
	return nil
}

// processedStage returns the stage reached by encoding an asset of role.
func processedStage(role model.AssetRole) model.Stage {
	if role == model.RoleLinkPreview {
		return model.LinkPreviewProcessed
	}
	return model.UploadProcessed
}

// startEncode seals the cached bytes of an outgoing asset and keeps the
// sealed copy as the encrypted twin.
func (p *Pipeline) startEncode(oc *objectctx.Context, m *model.Message, a model.AssetState) {
	t := p.newTask(oc, m, a.Role, a.Generation)
	p.run(t, func(ctx context.Context) (any, error) {
		plain, err := p.cache.Data(a.CacheKey)
		if err != nil {
			return nil, err
		}
		enc, err := p.encoder.Encode(ctx, plain)
		if err != nil {
			return nil, err
		}
		if err := p.cache.Store(assetcache.EncryptedKey(a.CacheKey), enc.Data); err != nil {
			return nil, err
		}
		return enc, nil
	}, p.applyEncode)
}

func (p *Pipeline) applyEncode(m *model.Message, t *task, out any) ([]byte, error) {
	enc := out.(*assetcrypto.Encoded)
	role := t.key.role

	err := p.transition(m, role, t.gen, processedStage(role), func(s *model.AssetState) {
		s.Digest = enc.Digest
		s.OTRKey = enc.Key
	})
	if err != nil {
		return nil, err
	}

	oc := t.key.oc
	if perr := oc.Perform(func() {
		var err error
		if role == model.RoleUpload {
			err = p.processUpload(m)
		} else {
			err = p.ProcessLinkPreview(m)
		}
		if err != nil {
			p.logger.Warn("continuing upload", "nonce", m.Nonce(), "role", role, "error", err)
		}
	}); perr != nil {
		return nil, perr
	}
	return nil, nil
}

// startUpload pushes the encrypted twin of an outgoing asset to the remote
// store.
func (p *Pipeline) startUpload(oc *objectctx.Context, m *model.Message, a model.AssetState) {
	t := p.newTask(oc, m, a.Role, a.Generation)
	p.run(t, func(ctx context.Context) (any, error) {
		sealed, err := p.cache.Data(assetcache.EncryptedKey(a.CacheKey))
		if err != nil {
			return nil, err
		}
		var id string
		err = p.withSlot(ctx, func(ctx context.Context) error {
			var uerr error
			id, uerr = p.uploader.Upload(ctx, &assetcrypto.Encoded{Data: sealed, Key: a.OTRKey, Digest: a.Digest})
			return uerr
		})
		if err != nil {
			return nil, err
		}
		p.metrics.uploads.Inc()
		return id, nil
	}, p.applyUpload)
}

func (p *Pipeline) applyUpload(m *model.Message, t *task, out any) ([]byte, error) {
	id := out.(string)
	role := t.key.role

	to := model.Uploaded
	if role == model.RoleLinkPreview {
		to = model.LinkPreviewUploaded
	}
	if err := p.transition(m, role, t.gen, to, func(s *model.AssetState) { s.Target = id }); err != nil {
		return nil, err
	}

	if role == model.RoleLinkPreview {
		oc := t.key.oc
		if perr := oc.Perform(func() {
			if err := p.ProcessLinkPreview(m); err != nil {
				p.logger.Warn("finishing link preview", "nonce", m.Nonce(), "error", err)
			}
		}); perr != nil {
			return nil, perr
		}
	}
	return nil, nil
}
