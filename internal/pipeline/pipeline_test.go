// ABOUTME: Tests for the attachment pipeline across object contexts
// ABOUTME: Uses fake fetch and upload collaborators with the real sealer and cache

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-localstore/internal/assetcache"
	"github.com/2389/coven-localstore/internal/assetcrypto"
	"github.com/2389/coven-localstore/internal/model"
	"github.com/2389/coven-localstore/internal/objectctx"
	"github.com/2389/coven-localstore/internal/store"
)

type fakeFetcher struct {
	mu    sync.Mutex
	data  map[string][]byte
	errs  map[string]error
	gates map[string]chan struct{}
	calls map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		data:  map[string][]byte{},
		errs:  map[string]error{},
		gates: map[string]chan struct{}{},
		calls: map[string]int{},
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, target string) ([]byte, error) {
	f.mu.Lock()
	f.calls[target]++
	gate := f.gates[target]
	data, ok := f.data[target]
	err := f.errs[target]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no such asset %s", target)
	}
	return data, nil
}

func (f *fakeFetcher) set(target string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[target] = data
}

func (f *fakeFetcher) fail(target string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, target)
		return
	}
	f.errs[target] = err
}

func (f *fakeFetcher) gate(target string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[target] = ch
	return ch
}

func (f *fakeFetcher) callCount(target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[target]
}

type fakeUploader struct {
	mu       sync.Mutex
	uploaded [][]byte
	failNext int
}

func (u *fakeUploader) Upload(ctx context.Context, enc *assetcrypto.Encoded) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failNext > 0 {
		u.failNext--
		return "", errors.New("asset service unavailable")
	}
	u.uploaded = append(u.uploaded, enc.Data)
	return fmt.Sprintf("remote-%d", len(u.uploaded)), nil
}

func (u *fakeUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.uploaded)
}

type testEnv struct {
	dir      *objectctx.Directory
	p        *Pipeline
	fetcher  *fakeFetcher
	uploader *fakeUploader
	sealer   *assetcrypto.Sealer
	conv     *model.Conversation
	me       *model.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := objectctx.NewDirectory(store.NewMemoryStore(), model.Schema(), nil)
	t.Cleanup(dir.TearDown)

	cache, err := assetcache.New(t.TempDir(), nil)
	require.NoError(t, err)

	e := &testEnv{
		dir:      dir,
		fetcher:  newFakeFetcher(),
		uploader: &fakeUploader{},
		sealer:   assetcrypto.NewSealer(),
	}
	e.p = New(cache, e.fetcher, e.sealer, e.uploader, Options{
		Timeout:    5 * time.Second,
		Registerer: prometheus.NewRegistry(),
	})
	t.Cleanup(e.p.Close)
	e.p.Attach(dir.UI)
	e.p.Attach(dir.Sync)

	e.do(t, dir.UI, func() error {
		e.me = model.NewUser("7c1e7d4a-7a0c-4d44-9a51-3c3d2b1a0f9e", "Me")
		if err := dir.UI.Insert(e.me); err != nil {
			return err
		}
		e.conv = model.NewConversation("conv-1", model.ConversationOneOnOne, e.me)
		if err := dir.UI.Insert(e.conv); err != nil {
			return err
		}
		return dir.UI.Save(t.Context())
	})
	return e
}

func (e *testEnv) do(t *testing.T, oc *objectctx.Context, fn func() error) {
	t.Helper()
	require.NoError(t, oc.PerformAndWait(t.Context(), fn))
}

// assetOf reads an asset on its context queue.
func assetOf(oc *objectctx.Context, m *model.Message, role model.AssetRole) model.AssetState {
	var a model.AssetState
	_ = oc.PerformAndWait(context.Background(), func() error {
		a, _ = m.Asset(role)
		return nil
	})
	return a
}

func eventuallyStage(t *testing.T, oc *objectctx.Context, m *model.Message, role model.AssetRole, stage model.Stage) {
	t.Helper()
	require.Eventually(t, func() bool {
		return assetOf(oc, m, role).Stage == stage
	}, 3*time.Second, 5*time.Millisecond, "%s never reached %s", role, model.StageName(role, stage))
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

// receiveImage inserts and saves a received image message on the UI context.
func (e *testEnv) receiveImage(t *testing.T, nonce, target string, enc *assetcrypto.Encoded) *model.Message {
	t.Helper()
	var m *model.Message
	e.do(t, e.dir.UI, func() error {
		var err error
		m, err = model.InsertReceived(e.conv, model.Received{Nonce: nonce}, model.ImageContent{
			MimeType: "image/png",
			Remote:   &model.RemoteAsset{Target: target, Digest: enc.Digest, OTRKey: enc.Key, Size: int64(len(enc.Data))},
		})
		if err != nil {
			return err
		}
		return e.dir.UI.Save(t.Context())
	})
	return m
}

func (e *testEnv) sealed(t *testing.T, raw []byte) *assetcrypto.Encoded {
	t.Helper()
	enc, err := e.sealer.Encode(t.Context(), raw)
	require.NoError(t, err)
	return enc
}

func TestDownload_CoalescesIdenticalCacheKeys(t *testing.T) {
	e := newTestEnv(t)
	raw := testPNG(t, 12, 7)
	enc := e.sealed(t, raw)
	e.fetcher.set("asset-a", enc.Data)
	e.fetcher.set("asset-b", enc.Data)
	gate := e.fetcher.gate("asset-a")

	a := e.receiveImage(t, "n-a", "asset-a", enc)
	b := e.receiveImage(t, "n-b", "asset-b", enc)
	require.Equal(t, assetOf(e.dir.UI, a, model.RoleImage).CacheKey, assetOf(e.dir.UI, b, model.RoleImage).CacheKey)

	e.do(t, e.dir.UI, func() error {
		ia, _ := a.ImageData()
		ib, _ := b.ImageData()
		if err := ia.RequestDownload(); err != nil {
			return err
		}
		// Repeated requests are no-ops
		if err := ia.RequestDownload(); err != nil {
			return err
		}
		return ib.RequestDownload()
	})
	assert.Equal(t, model.Downloading, assetOf(e.dir.UI, a, model.RoleImage).Stage)
	close(gate)

	eventuallyStage(t, e.dir.UI, a, model.RoleImage, model.Downloaded)
	eventuallyStage(t, e.dir.UI, b, model.RoleImage, model.Downloaded)
	assert.Equal(t, 1, e.fetcher.callCount("asset-a"))
	assert.Equal(t, 0, e.fetcher.callCount("asset-b"))

	got := assetOf(e.dir.UI, a, model.RoleImage)
	assert.Equal(t, 12, got.Width)
	assert.Equal(t, 7, got.Height)

	var data []byte
	e.do(t, e.dir.UI, func() error {
		id, _ := a.ImageData()
		var err error
		data, err = id.ImageData()
		return err
	})
	assert.Equal(t, raw, data)
}

func TestFetchData_DeliversOncePerWaiter(t *testing.T) {
	e := newTestEnv(t)
	raw := testPNG(t, 2, 2)
	enc := e.sealed(t, raw)
	e.fetcher.set("asset-w", enc.Data)
	gate := e.fetcher.gate("asset-w")
	m := e.receiveImage(t, "n-w", "asset-w", enc)

	var mu sync.Mutex
	calls := map[string]int{}
	var results []Result
	record := func(name string) func([]byte, error) {
		return func(data []byte, err error) {
			mu.Lock()
			defer mu.Unlock()
			calls[name]++
			results = append(results, Result{Data: data, Err: err})
		}
	}

	var awaited <-chan Result
	e.do(t, e.dir.UI, func() error {
		id, _ := m.ImageData()
		if err := id.FetchImageData(record("first")); err != nil {
			return err
		}
		if err := id.FetchImageData(record("second")); err != nil {
			return err
		}
		var err error
		awaited, err = e.p.Await(m, model.RoleImage)
		return err
	})
	close(gate)

	select {
	case res := <-awaited:
		require.NoError(t, res.Err)
		assert.Equal(t, raw, res.Data)
	case <-time.After(3 * time.Second):
		t.Fatal("await never completed")
	}

	// Flush the queue so both callbacks have run
	e.do(t, e.dir.UI, func() error { return nil })
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"first": 1, "second": 1}, calls)
	for _, r := range results {
		assert.NoError(t, r.Err)
		assert.Equal(t, raw, r.Data)
	}
	assert.Equal(t, 1, e.fetcher.callCount("asset-w"))
}

func TestDownload_FailureThenRetry(t *testing.T) {
	e := newTestEnv(t)
	raw := []byte("file contents")
	enc := e.sealed(t, raw)
	e.fetcher.set("asset-f", enc.Data)
	e.fetcher.fail("asset-f", errors.New("connection reset"))

	var m *model.Message
	e.do(t, e.dir.UI, func() error {
		var err error
		m, err = model.InsertReceived(e.conv, model.Received{Nonce: "n-f"}, model.FileContent{
			Name: "notes.txt", MimeType: "text/plain",
			Remote: &model.RemoteAsset{Target: "asset-f", Digest: enc.Digest, OTRKey: enc.Key},
		})
		if err != nil {
			return err
		}
		return e.dir.UI.Save(t.Context())
	})

	var awaited <-chan Result
	e.do(t, e.dir.UI, func() error {
		var err error
		awaited, err = e.p.Await(m, model.RoleFile)
		return err
	})
	res := <-awaited
	assert.ErrorIs(t, res.Err, ErrFetchFailed)

	a := assetOf(e.dir.UI, m, model.RoleFile)
	assert.Equal(t, model.NotDownloaded, a.Stage, "failure does not advance the stage")
	require.NotNil(t, a.Failure)
	assert.Equal(t, 1, a.Failure.Attempts)

	// Not retried on its own
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, e.fetcher.callCount("asset-f"))

	e.fetcher.fail("asset-f", nil)
	e.do(t, e.dir.UI, func() error { return e.p.Retry(m, model.RoleFile) })
	eventuallyStage(t, e.dir.UI, m, model.RoleFile, model.Downloaded)

	a = assetOf(e.dir.UI, m, model.RoleFile)
	assert.Nil(t, a.Failure)
	assert.Equal(t, int64(len(raw)), a.Size)
}

func TestDownload_Cancel(t *testing.T) {
	e := newTestEnv(t)
	enc := e.sealed(t, testPNG(t, 1, 1))
	e.fetcher.set("asset-c", enc.Data)
	e.fetcher.gate("asset-c")
	m := e.receiveImage(t, "n-c", "asset-c", enc)

	var awaited <-chan Result
	e.do(t, e.dir.UI, func() error {
		var err error
		if awaited, err = e.p.Await(m, model.RoleImage); err != nil {
			return err
		}
		e.p.Cancel(m, model.RoleImage)
		return nil
	})

	res := <-awaited
	assert.ErrorIs(t, res.Err, ErrCancelled)
	eventuallyStage(t, e.dir.UI, m, model.RoleImage, model.NotDownloaded)
	assert.Equal(t, 0, e.p.InFlight())
}

func TestDownload_VisibleToOtherContextAfterSave(t *testing.T) {
	e := newTestEnv(t)
	raw := testPNG(t, 3, 3)
	enc := e.sealed(t, raw)
	e.fetcher.set("asset-x", enc.Data)
	m := e.receiveImage(t, "n-x", "asset-x", enc)

	synced, err := objectctx.ResolveAs[*model.Message](t.Context(), e.dir.Sync, objectctx.ReferenceFor(m).String())
	require.NoError(t, err)
	assert.Equal(t, model.NotDownloaded, assetOf(e.dir.Sync, synced, model.RoleImage).Stage)

	e.do(t, e.dir.UI, func() error {
		id, _ := m.ImageData()
		return id.RequestDownload()
	})
	eventuallyStage(t, e.dir.UI, m, model.RoleImage, model.Downloaded)
	eventuallyStage(t, e.dir.Sync, synced, model.RoleImage, model.Downloaded)

	// The other context reads the bytes from the shared cache
	var data []byte
	e.do(t, e.dir.Sync, func() error {
		id, err := synced.ImageData()
		if err != nil {
			return err
		}
		data, err = id.ImageData()
		return err
	})
	assert.Equal(t, raw, data)
	assert.Equal(t, 1, e.fetcher.callCount("asset-x"))
}

func TestAppendImage_UploadsSealedBytes(t *testing.T) {
	e := newTestEnv(t)
	raw := testPNG(t, 20, 10)

	var m *model.Message
	e.do(t, e.dir.UI, func() error {
		var err error
		if m, err = e.p.AppendImage(e.conv, e.me, raw); err != nil {
			return err
		}
		return e.dir.UI.Save(t.Context())
	})

	img := assetOf(e.dir.UI, m, model.RoleImage)
	assert.Equal(t, model.Downloaded, img.Stage)
	assert.Equal(t, assetcache.KeyForContent(raw, string(model.RoleImage)), img.CacheKey)

	eventuallyStage(t, e.dir.UI, m, model.RoleUpload, model.Uploaded)
	up := assetOf(e.dir.UI, m, model.RoleUpload)
	assert.Equal(t, "remote-1", up.Target)
	assert.NotEmpty(t, up.Digest)
	require.Len(t, up.OTRKey, assetcrypto.KeySize)

	require.Equal(t, 1, e.uploader.count())
	e.uploader.mu.Lock()
	sealed := e.uploader.uploaded[0]
	e.uploader.mu.Unlock()
	plain, err := e.sealer.Decode(t.Context(), sealed, up.OTRKey, up.Digest)
	require.NoError(t, err)
	assert.Equal(t, raw, plain)

	var w, h int
	e.do(t, e.dir.UI, func() error {
		id, err := m.ImageData()
		if err != nil {
			return err
		}
		w, h = id.OriginalSize()
		return nil
	})
	assert.Equal(t, 20, w)
	assert.Equal(t, 10, h)
}

func TestUpload_FailureThenRetry(t *testing.T) {
	e := newTestEnv(t)
	e.uploader.failNext = 1

	var m *model.Message
	e.do(t, e.dir.UI, func() error {
		var err error
		m, err = e.p.AppendFile(e.conv, e.me, "a.bin", "application/octet-stream", []byte{1, 2, 3})
		return err
	})

	require.Eventually(t, func() bool {
		a := assetOf(e.dir.UI, m, model.RoleUpload)
		return a.Failure != nil
	}, 3*time.Second, 5*time.Millisecond)
	a := assetOf(e.dir.UI, m, model.RoleUpload)
	assert.Equal(t, model.UploadProcessed, a.Stage, "interrupted upload returns to processed")

	e.do(t, e.dir.UI, func() error { return e.p.Retry(m, model.RoleUpload) })
	eventuallyStage(t, e.dir.UI, m, model.RoleUpload, model.Uploaded)
	assert.Nil(t, assetOf(e.dir.UI, m, model.RoleUpload).Failure)
	assert.Equal(t, 1, e.uploader.count())
}

func TestAppendImage_SameBytesShareCacheKey(t *testing.T) {
	e := newTestEnv(t)
	raw := testPNG(t, 4, 4)
	other := testPNG(t, 5, 4)

	var m1, m2, m3 *model.Message
	e.do(t, e.dir.UI, func() error {
		var err error
		if m1, err = e.p.AppendImage(e.conv, e.me, raw); err != nil {
			return err
		}
		if m2, err = e.p.AppendImage(e.conv, e.me, bytes.Clone(raw)); err != nil {
			return err
		}
		m3, err = e.p.AppendImage(e.conv, e.me, other)
		return err
	})

	k1 := assetOf(e.dir.UI, m1, model.RoleImage).CacheKey
	assert.Equal(t, k1, assetOf(e.dir.UI, m2, model.RoleImage).CacheKey)
	assert.NotEqual(t, k1, assetOf(e.dir.UI, m3, model.RoleImage).CacheKey)
}

const previewPage = `<html><head>
<meta property="og:title" content="Example Article">
<meta property="og:description" content="Something worth reading.">
<meta property="og:image" content="https://example.com/cover.png">
</head><body></body></html>`

func TestLinkPreview_FullCycle(t *testing.T) {
	e := newTestEnv(t)
	cover := testPNG(t, 8, 8)
	e.fetcher.set("https://example.com/post", []byte(previewPage))
	e.fetcher.set("https://example.com/cover.png", cover)

	var m *model.Message
	e.do(t, e.dir.UI, func() error {
		var err error
		if m, err = model.AppendText(e.conv, e.me, "read https://example.com/post", nil, nil); err != nil {
			return err
		}
		if err := e.dir.UI.Save(t.Context()); err != nil {
			return err
		}
		return e.p.ProcessOutgoing(m)
	})

	eventuallyStage(t, e.dir.UI, m, model.RoleLinkPreview, model.LinkPreviewDone)
	a := assetOf(e.dir.UI, m, model.RoleLinkPreview)
	assert.Equal(t, assetcache.KeyForContent(cover, string(model.RoleLinkPreview)), a.CacheKey)
	assert.Equal(t, "remote-1", a.Target)
	assert.Equal(t, 8, a.Width)

	var (
		lp      *model.LinkPreview
		hasImg  bool
		fetched = make(chan []byte, 1)
	)
	e.do(t, e.dir.UI, func() error {
		td, err := m.TextData()
		if err != nil {
			return err
		}
		lp = td.LinkPreview()
		hasImg = td.HasLinkPreviewImage()
		return td.FetchLinkPreviewImage(func(data []byte, err error) { fetched <- data })
	})
	require.NotNil(t, lp)
	assert.Equal(t, "Example Article", lp.Title)
	assert.Equal(t, "Something worth reading.", lp.Summary)
	assert.Equal(t, "https://example.com/post", lp.OriginalURL)
	assert.Equal(t, 5, lp.Offset)
	assert.True(t, hasImg)
	assert.Equal(t, cover, <-fetched)
}

func TestLinkPreview_EditAfterDoneChangesCacheKey(t *testing.T) {
	e := newTestEnv(t)
	firstCover := testPNG(t, 8, 8)
	secondCover := testPNG(t, 6, 3)
	e.fetcher.set("https://example.com/post", []byte(previewPage))
	e.fetcher.set("https://example.com/cover.png", firstCover)
	e.fetcher.set("https://other.example/story", []byte(`<html><head>
<meta property="og:title" content="Other Story">
<meta property="og:image" content="https://other.example/lead.png">
</head></html>`))
	e.fetcher.set("https://other.example/lead.png", secondCover)

	var m *model.Message
	e.do(t, e.dir.UI, func() error {
		var err error
		if m, err = model.AppendText(e.conv, e.me, "read https://example.com/post", nil, nil); err != nil {
			return err
		}
		if err := e.dir.UI.Save(t.Context()); err != nil {
			return err
		}
		return e.p.ProcessOutgoing(m)
	})
	eventuallyStage(t, e.dir.UI, m, model.RoleLinkPreview, model.LinkPreviewDone)
	before := assetOf(e.dir.UI, m, model.RoleLinkPreview)
	require.NotEmpty(t, before.CacheKey)

	e.do(t, e.dir.UI, func() error {
		td, err := m.TextData()
		if err != nil {
			return err
		}
		return td.EditText("see https://other.example/story", nil, true)
	})
	reset := assetOf(e.dir.UI, m, model.RoleLinkPreview)
	assert.Equal(t, model.LinkPreviewAwaitingScan, reset.Stage)
	assert.Greater(t, reset.Generation, before.Generation)

	e.do(t, e.dir.UI, func() error { return e.p.ProcessLinkPreview(m) })
	eventuallyStage(t, e.dir.UI, m, model.RoleLinkPreview, model.LinkPreviewDone)

	after := assetOf(e.dir.UI, m, model.RoleLinkPreview)
	assert.Equal(t, assetcache.KeyForContent(secondCover, string(model.RoleLinkPreview)), after.CacheKey)
	assert.NotEqual(t, before.CacheKey, after.CacheKey)
	assert.Equal(t, 6, after.Width)
	assert.Equal(t, 2, e.uploader.count())
}

func TestLinkPreview_NoLink(t *testing.T) {
	e := newTestEnv(t)

	var m *model.Message
	e.do(t, e.dir.UI, func() error {
		var err error
		if m, err = model.AppendText(e.conv, e.me, "no links at all", nil, nil); err != nil {
			return err
		}
		return e.p.ProcessLinkPreview(m)
	})

	assert.Equal(t, model.LinkPreviewDone, assetOf(e.dir.UI, m, model.RoleLinkPreview).Stage)
	assert.Equal(t, 0, e.p.InFlight())
}

func TestLinkPreview_EditSupersedesInFlightFetch(t *testing.T) {
	e := newTestEnv(t)
	e.fetcher.set("https://old.example/page", []byte(`<head><title>Old</title></head>`))
	e.fetcher.set("https://new.example/page", []byte(`<head><title>New</title></head>`))
	gate := e.fetcher.gate("https://old.example/page")

	var m *model.Message
	e.do(t, e.dir.UI, func() error {
		var err error
		if m, err = model.AppendText(e.conv, e.me, "https://old.example/page", nil, nil); err != nil {
			return err
		}
		if err := e.dir.UI.Save(t.Context()); err != nil {
			return err
		}
		return e.p.ProcessLinkPreview(m)
	})
	require.Equal(t, 1, e.p.InFlight())

	e.do(t, e.dir.UI, func() error {
		td, _ := m.TextData()
		return td.EditText("https://new.example/page", nil, true)
	})
	require.Eventually(t, func() bool { return e.p.InFlight() == 0 }, 3*time.Second, 5*time.Millisecond)
	close(gate)

	a := assetOf(e.dir.UI, m, model.RoleLinkPreview)
	assert.Equal(t, model.LinkPreviewAwaitingScan, a.Stage)
	assert.Equal(t, int64(2), a.Generation)
	assert.Nil(t, a.Failure, "superseded work leaves no failure marker")

	e.do(t, e.dir.UI, func() error { return e.p.ProcessLinkPreview(m) })
	eventuallyStage(t, e.dir.UI, m, model.RoleLinkPreview, model.LinkPreviewDone)

	var title string
	e.do(t, e.dir.UI, func() error {
		td, _ := m.TextData()
		if lp := td.LinkPreview(); lp != nil {
			title = lp.Title
		}
		return nil
	})
	assert.Equal(t, "New", title)
	assert.Equal(t, 0, e.uploader.count(), "preview without image uploads nothing")
}

func TestLinkPreview_FailureKeepsStage(t *testing.T) {
	e := newTestEnv(t)
	e.fetcher.fail("https://down.example/", errors.New("dns failure"))

	var m *model.Message
	e.do(t, e.dir.UI, func() error {
		var err error
		if m, err = model.AppendText(e.conv, e.me, "https://down.example/", nil, nil); err != nil {
			return err
		}
		return e.p.ProcessLinkPreview(m)
	})

	require.Eventually(t, func() bool {
		return assetOf(e.dir.UI, m, model.RoleLinkPreview).Failure != nil
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, model.LinkPreviewAwaitingScan, assetOf(e.dir.UI, m, model.RoleLinkPreview).Stage)
}

func TestRequestDownload_Errors(t *testing.T) {
	e := newTestEnv(t)

	var knock *model.Message
	e.do(t, e.dir.UI, func() error {
		var err error
		knock, err = model.AppendKnock(e.conv, e.me)
		return err
	})

	e.do(t, e.dir.UI, func() error {
		assert.ErrorIs(t, e.p.RequestDownload(knock, model.RoleImage), model.ErrNoAsset)
		assert.Error(t, e.p.RequestDownload(knock, model.RoleUpload))
		return nil
	})

	e.dir.TearDown()
	assert.ErrorIs(t, e.p.RequestDownload(knock, model.RoleImage), objectctx.ErrContextInvalid)
}
