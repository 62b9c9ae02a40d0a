// ABOUTME: Download side of the pipeline for received images, files and preview images
// ABOUTME: Coalesced fetch, decrypt, cache store, then NotDownloaded -> Downloading -> Downloaded

package pipeline

import (
	"context"
	"fmt"

	"github.com/2389/coven-localstore/internal/assetcache"
	"github.com/2389/coven-localstore/internal/imagemeta"
	"github.com/2389/coven-localstore/internal/model"
	"github.com/2389/coven-localstore/internal/objectctx"
)

func isDownloadRole(role model.AssetRole) bool {
	return role == model.RoleImage || role == model.RoleFile
}

// RequestDownload implements model.AssetRequester. It is a no-op for assets
// that are downloaded or already being downloaded. Must run on the
// message's context queue.
func (p *Pipeline) RequestDownload(m *model.Message, role model.AssetRole) error {
	oc, err := contextOf(m)
	if err != nil {
		return err
	}
	if err := m.CheckLive(); err != nil {
		return err
	}
	if !isDownloadRole(role) {
		return fmt.Errorf("%s assets are not downloaded", role)
	}
	a, ok := m.Asset(role)
	if !ok {
		return fmt.Errorf("download %s: %w", role, model.ErrNoAsset)
	}
	if a.Stage == model.Downloaded && p.cache.Has(a.CacheKey) {
		return nil
	}
	_, err = p.ensureDownload(oc, m, a)
	return err
}

// FetchData implements model.AssetRequester. done runs on the message's
// context queue with the bytes, downloading them first when needed.
func (p *Pipeline) FetchData(m *model.Message, role model.AssetRole, done func(data []byte, err error)) error {
	oc, err := contextOf(m)
	if err != nil {
		return err
	}
	a, ok := m.Asset(role)
	if !ok {
		return fmt.Errorf("fetch %s: %w", role, model.ErrNoAsset)
	}

	if a.CacheKey != "" {
		if data, err := p.cache.Data(a.CacheKey); err == nil {
			return oc.Perform(func() { done(data, nil) })
		}
	}
	if !isDownloadRole(role) || a.Target == "" {
		return oc.Perform(func() {
			done(nil, fmt.Errorf("%w: %w", ErrFetchFailed, assetcache.ErrNotCached))
		})
	}
	if err := m.CheckLive(); err != nil {
		return err
	}

	t, err := p.ensureDownload(oc, m, a)
	if err != nil {
		return err
	}
	if t == nil {
		// Satisfied from the cache on the way
		data, err := p.cache.Data(a.CacheKey)
		return oc.Perform(func() { done(data, err) })
	}
	t.waiters = append(t.waiters, done)
	return nil
}

// Await requests the bytes of an asset and returns a channel that receives
// the outcome once. Must run on the message's context queue.
func (p *Pipeline) Await(m *model.Message, role model.AssetRole) (<-chan Result, error) {
	ch := make(chan Result, 1)
	err := p.FetchData(m, role, func(data []byte, err error) {
		ch <- Result{Data: data, Err: err}
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// CachedData implements model.AssetRequester.
func (p *Pipeline) CachedData(m *model.Message, role model.AssetRole) ([]byte, error) {
	a, ok := m.Asset(role)
	if !ok {
		return nil, fmt.Errorf("cached %s: %w", role, model.ErrNoAsset)
	}
	if a.CacheKey == "" {
		return nil, assetcache.ErrNotCached
	}
	return p.cache.Data(a.CacheKey)
}

// ensureDownload returns the running download task for the asset, or starts
// one. It returns a nil task when the bytes turned out to be cached already.
func (p *Pipeline) ensureDownload(oc *objectctx.Context, m *model.Message, a model.AssetState) (*task, error) {
	if t := p.lookup(taskKey{oc: oc, nonce: m.Nonce(), role: a.Role}); t != nil {
		return t, nil
	}
	if a.Target == "" {
		return nil, fmt.Errorf("%w: %s asset has no remote target", ErrFetchFailed, a.Role)
	}

	if a.Stage == model.NotDownloaded {
		if p.cache.Has(a.CacheKey) {
			err := p.transition(m, a.Role, a.Generation, model.Downloaded, func(s *model.AssetState) {
				p.fillFromCache(s)
			})
			if err != nil {
				return nil, err
			}
			p.save(oc, p.logger)
			return nil, nil
		}
		if err := p.transition(m, a.Role, a.Generation, model.Downloading, nil); err != nil {
			return nil, err
		}
	}

	t := p.newTask(oc, m, a.Role, a.Generation)
	ch := p.fetchChan(a.CacheKey, func(ctx context.Context) ([]byte, error) {
		return p.download(ctx, a)
	})
	p.run(t, func(ctx context.Context) (any, error) {
		return p.wait(ctx, ch)
	}, p.applyDownload)
	return t, nil
}

// download fetches, verifies and decrypts an asset and stores it in the
// cache. Shared between all waiters of the cache key.
func (p *Pipeline) download(ctx context.Context, a model.AssetState) ([]byte, error) {
	raw, err := p.fetcher.Fetch(ctx, a.Target)
	if err != nil {
		return nil, err
	}

	plain := raw
	if len(a.OTRKey) > 0 {
		if err := p.cache.Store(assetcache.EncryptedKey(a.CacheKey), raw); err != nil {
			return nil, err
		}
		plain, err = p.encoder.Decode(ctx, raw, a.OTRKey, a.Digest)
		if err != nil {
			return nil, err
		}
	}

	if err := p.cache.Store(a.CacheKey, plain); err != nil {
		return nil, err
	}
	return plain, nil
}

func (p *Pipeline) applyDownload(m *model.Message, t *task, out any) ([]byte, error) {
	data := out.([]byte)
	role := t.key.role

	a, ok := m.Asset(role)
	if !ok {
		return nil, fmt.Errorf("apply download: %w", model.ErrNoAsset)
	}
	if a.Generation != t.gen {
		return nil, model.ErrStaleGeneration
	}
	if a.Stage == model.Downloaded {
		// Re-fetch of an evicted entry
		return data, nil
	}

	err := p.transition(m, role, t.gen, model.Downloaded, func(s *model.AssetState) {
		s.Size = int64(len(data))
		if role == model.RoleImage {
			fillImageInfo(s, data)
		}
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// fillFromCache completes the size and image info of an asset whose bytes
// are already cached.
func (p *Pipeline) fillFromCache(s *model.AssetState) {
	data, err := p.cache.Data(s.CacheKey)
	if err != nil {
		return
	}
	s.Size = int64(len(data))
	if s.Role == model.RoleImage {
		fillImageInfo(s, data)
	}
}

func fillImageInfo(s *model.AssetState, data []byte) {
	info, err := imagemeta.Inspect(data)
	if err != nil {
		return
	}
	if s.Width == 0 && s.Height == 0 {
		s.Width, s.Height = info.Width, info.Height
	}
	if s.MimeType == "" {
		s.MimeType = info.MimeType
	}
	s.Animated = s.Animated || info.Animated
}
