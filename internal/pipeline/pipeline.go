// ABOUTME: Attachment pipeline serving asset requests of messages in object contexts
// ABOUTME: Runs tasks in the background and applies results on the requesting context

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/2389/coven-localstore/internal/assetcache"
	"github.com/2389/coven-localstore/internal/assetcrypto"
	"github.com/2389/coven-localstore/internal/model"
	"github.com/2389/coven-localstore/internal/objectctx"
	"github.com/2389/coven-localstore/internal/ref"
)

var (
	// ErrFetchFailed is delivered to waiters when fetching, decoding or
	// storing an asset failed. The cause is wrapped alongside it.
	ErrFetchFailed = errors.New("asset fetch failed")

	// ErrCancelled is delivered to waiters of work that was cancelled or
	// superseded by a newer generation.
	ErrCancelled = errors.New("asset work cancelled")
)

// Fetcher retrieves remote bytes by asset ID or URL.
type Fetcher interface {
	Fetch(ctx context.Context, target string) ([]byte, error)
}

// Encoder seals assets for upload and opens downloaded ones.
type Encoder interface {
	Encode(ctx context.Context, raw []byte) (*assetcrypto.Encoded, error)
	Decode(ctx context.Context, data, key []byte, digest string) ([]byte, error)
}

// Uploader stores sealed assets remotely and returns their asset ID.
type Uploader interface {
	Upload(ctx context.Context, enc *assetcrypto.Encoded) (string, error)
}

// Result is the outcome of a data request.
type Result struct {
	Data []byte
	Err  error
}

// Options configure a Pipeline. Zero values get defaults.
type Options struct {
	// MaxConcurrent bounds simultaneous network operations.
	MaxConcurrent int64
	// Timeout bounds one network operation.
	Timeout time.Duration
	// Registerer receives the pipeline metrics. Nil skips registration.
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

const (
	defaultMaxConcurrent = 4
	defaultTimeout       = 30 * time.Second
)

type taskKey struct {
	oc    *objectctx.Context
	nonce string
	role  model.AssetRole
}

// task is one unit of background work for a message asset. Its fields
// other than waiters are fixed at creation.
type task struct {
	key     taskKey
	ref     ref.Reference
	gen     int64
	ctx     context.Context
	cancel  context.CancelFunc
	waiters []func([]byte, error)
}

// applyFunc runs on the context queue with the re-resolved message and the
// output of the task's work. It returns the bytes to hand to waiters.
type applyFunc func(m *model.Message, t *task, out any) ([]byte, error)

// Pipeline performs asset work for messages. It implements
// model.AssetRequester for every context it is attached to.
type Pipeline struct {
	cache    *assetcache.Cache
	fetcher  Fetcher
	encoder  Encoder
	uploader Uploader

	sem     *semaphore.Weighted
	group   singleflight.Group
	timeout time.Duration
	metrics *Metrics
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[taskKey]*task
}

var _ model.AssetRequester = (*Pipeline)(nil)

// New creates a pipeline over the given cache and collaborators.
func New(cache *assetcache.Cache, fetcher Fetcher, encoder Encoder, uploader Uploader, opts Options) *Pipeline {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cache:    cache,
		fetcher:  fetcher,
		encoder:  encoder,
		uploader: uploader,
		sem:      semaphore.NewWeighted(opts.MaxConcurrent),
		timeout:  opts.Timeout,
		metrics:  NewMetrics(opts.Registerer),
		logger:   opts.Logger.With("component", "pipeline"),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[taskKey]*task),
	}
}

// Attach makes the pipeline serve asset requests of messages in oc.
func (p *Pipeline) Attach(oc *objectctx.Context) {
	model.InstallRequester(oc, p)
}

// Cache returns the asset cache.
func (p *Pipeline) Cache() *assetcache.Cache { return p.cache }

// Close cancels all work and waits for background goroutines to finish.
// Pending completions are dropped.
func (p *Pipeline) Close() {
	p.cancel()
	p.mu.Lock()
	for k, t := range p.inflight {
		t.cancel()
		delete(p.inflight, k)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// InFlight reports the number of running tasks.
func (p *Pipeline) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

func contextOf(m *model.Message) (*objectctx.Context, error) {
	oc := m.Context()
	if oc == nil {
		return nil, fmt.Errorf("message is not in a context: %w", objectctx.ErrContextInvalid)
	}
	if oc.IsTornDown() {
		return nil, objectctx.ErrContextInvalid
	}
	return oc, nil
}

func (p *Pipeline) lookup(key taskKey) *task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight[key]
}

// newTask registers a task for the asset of m. Must run on m's queue.
func (p *Pipeline) newTask(oc *objectctx.Context, m *model.Message, role model.AssetRole, gen int64) *task {
	ctx, cancel := context.WithCancel(p.ctx)
	t := &task{
		key:    taskKey{oc: oc, nonce: m.Nonce(), role: role},
		ref:    objectctx.ReferenceFor(m),
		gen:    gen,
		ctx:    ctx,
		cancel: cancel,
	}
	p.mu.Lock()
	p.inflight[t.key] = t
	p.mu.Unlock()
	p.metrics.inFlight.Inc()
	return t
}

// release removes t from the in-flight set if it is still registered, and
// reports whether it was.
func (p *Pipeline) release(t *task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[t.key] != t {
		return false
	}
	delete(p.inflight, t.key)
	return true
}

// run executes work in the background and applies its output on the task's
// context queue.
func (p *Pipeline) run(t *task, work func(ctx context.Context) (any, error), apply applyFunc) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		out, err := work(t.ctx)
		if perr := t.key.oc.Perform(func() { p.finish(t, out, err, apply) }); perr != nil {
			p.release(t)
			t.cancel()
			p.metrics.inFlight.Dec()
			p.logger.Debug("dropping completion for torn down context",
				"context", t.key.oc.Name(), "ref", t.ref, "role", t.key.role)
		}
	}()
}

// finish applies a task's outcome. Runs on the task's context queue.
func (p *Pipeline) finish(t *task, out any, workErr error, apply applyFunc) {
	defer t.cancel()
	defer p.metrics.inFlight.Dec()

	current := p.release(t)
	oc := t.key.oc
	role := t.key.role
	log := p.logger.With("context", oc.Name(), "ref", t.ref, "role", role, "generation", t.gen)

	if p.ctx.Err() != nil {
		p.deliver(t, nil, ErrCancelled)
		return
	}
	if workErr == nil && (!current || t.ctx.Err() != nil) {
		workErr = ErrCancelled
	}

	obj, err := oc.ResolveRef(p.ctx, t.ref)
	if err != nil {
		log.Debug("message gone before completion", "error", err)
		p.deliver(t, nil, err)
		return
	}
	m, ok := obj.(*model.Message)
	if !ok {
		p.deliver(t, nil, fmt.Errorf("%s is not a message", t.ref))
		return
	}

	if workErr != nil {
		cancelled := errors.Is(workErr, ErrCancelled) || errors.Is(workErr, context.Canceled)
		reason := workErr.Error()
		if cancelled {
			reason = "cancelled"
		}
		// A newer task may own the asset by now
		superseded := cancelled && p.lookup(t.key) != nil
		if !superseded {
			if ferr := m.FailAsset(role, t.gen, reason); ferr != nil {
				log.Debug("discarding failure", "error", ferr)
			} else {
				p.save(oc, log)
			}
		}

		if cancelled {
			p.deliver(t, nil, ErrCancelled)
			return
		}
		p.metrics.failures.WithLabelValues(string(role)).Inc()
		log.Warn("asset task failed", "error", workErr)
		p.deliver(t, nil, fmt.Errorf("%w: %w", ErrFetchFailed, workErr))
		return
	}

	data, err := apply(m, t, out)
	if err != nil {
		if errors.Is(err, model.ErrStaleGeneration) || errors.Is(err, objectctx.ErrTombstoned) {
			log.Debug("discarding stale result", "error", err)
			p.deliver(t, nil, ErrCancelled)
			return
		}
		log.Error("applying asset result", "error", err)
		p.deliver(t, nil, err)
		return
	}
	p.save(oc, log)
	p.deliver(t, data, nil)
}

// deliver hands the outcome to each waiter exactly once. Runs on the
// task's context queue.
func (p *Pipeline) deliver(t *task, data []byte, err error) {
	waiters := t.waiters
	t.waiters = nil
	for _, w := range waiters {
		w(data, err)
	}
}

func (p *Pipeline) save(oc *objectctx.Context, log *slog.Logger) {
	if err := oc.Save(p.ctx); err != nil {
		log.Error("saving asset transition", "error", err)
	}
}

// transition moves the asset and records the metric.
func (p *Pipeline) transition(m *model.Message, role model.AssetRole, gen int64, to model.Stage, apply func(*model.AssetState)) error {
	if err := m.TransitionAsset(role, gen, to, apply); err != nil {
		return err
	}
	stage := model.StageName(role, to)
	p.metrics.transitions.WithLabelValues(string(role), stage).Inc()
	p.logger.Debug("asset transition", "nonce", m.Nonce(), "role", role, "stage", stage, "generation", gen)
	return nil
}

// fetchChan joins or starts the coalesced fetch for key. Calling it on the
// requesting queue guarantees that requests issued in order share a fetch
// that is still running.
func (p *Pipeline) fetchChan(key string, fetch func(ctx context.Context) ([]byte, error)) <-chan singleflight.Result {
	return p.group.DoChan(key, func() (any, error) {
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			return nil, err
		}
		defer p.sem.Release(1)

		ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
		defer cancel()
		p.metrics.fetches.Inc()
		return fetch(ctx)
	})
}

func (p *Pipeline) wait(ctx context.Context, ch <-chan singleflight.Result) ([]byte, error) {
	select {
	case res := <-ch:
		if res.Shared {
			p.metrics.coalesced.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// withSlot runs fn holding a network slot, bounded by the pipeline timeout.
func (p *Pipeline) withSlot(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return fn(ctx)
}

// Cancel implements model.AssetRequester. Waiters receive ErrCancelled; a
// download in progress returns to NotDownloaded.
func (p *Pipeline) Cancel(m *model.Message, role model.AssetRole) {
	oc := m.Context()
	if oc == nil {
		return
	}
	key := taskKey{oc: oc, nonce: m.Nonce(), role: role}

	p.mu.Lock()
	t := p.inflight[key]
	delete(p.inflight, key)
	p.mu.Unlock()

	if t != nil {
		t.cancel()
		p.logger.Debug("cancelled asset task", "nonce", m.Nonce(), "role", role, "generation", t.gen)
	}
}

// Retry restarts the work for an asset from its current stage. Failures
// are never retried automatically.
func (p *Pipeline) Retry(m *model.Message, role model.AssetRole) error {
	switch role {
	case model.RoleLinkPreview:
		return p.ProcessLinkPreview(m)
	case model.RoleUpload:
		return p.processUpload(m)
	default:
		return p.RequestDownload(m, role)
	}
}
