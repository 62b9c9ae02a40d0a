// ABOUTME: Object context: an independent transactional view over the shared store
// ABOUTME: Owns an identity map, dirty tracking, save, rollback, and change merging

package objectctx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/2389/coven-localstore/internal/notify"
	"github.com/2389/coven-localstore/internal/ref"
	"github.com/2389/coven-localstore/internal/store"
)

// ChangeNotification is published on the bus after a successful save.
type ChangeNotification struct {
	Origin   string
	Seq      int64
	Inserted []store.Key
	Updated  []store.Key
	Deleted  []store.Key
}

// ChangeInfo tells observers of one context which of its objects changed,
// either by a local save or by merging another context's save.
type ChangeInfo struct {
	Origin   string
	Local    bool
	Inserted []ref.Reference
	Updated  []ref.Reference
	Deleted  []ref.Reference
}

// Bus carries change notifications between contexts of one store.
type Bus = notify.Broadcaster[*ChangeNotification]

// NewBus creates a change notification bus.
func NewBus(logger *slog.Logger) *Bus {
	return notify.New[*ChangeNotification](logger)
}

const observeKey = "changes"

// Context is an independent view over a shared store. Objects it hands out
// belong to it alone; only references may cross to other contexts.
type Context struct {
	name   string
	scope  string
	store  store.Store
	bus    *Bus
	subID  string
	schema Schema
	logger *slog.Logger

	queue     *queue
	observers *notify.Broadcaster[ChangeInfo]
	cancel    context.CancelFunc
	torn      atomic.Bool

	mu       sync.Mutex
	objects  map[ref.Reference]Object
	aliases  map[ref.Reference]ref.Reference // saved temp ref -> durable ref
	inserted []Object
	updated  map[Object]struct{}
	deleted  map[Object]struct{}
	values   map[any]any
}

// NewContext creates a context over st that exchanges change notifications
// on bus. Call TearDown when done with it.
func NewContext(name string, st store.Store, bus *Bus, schema Schema, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}

	subCtx, cancel := context.WithCancel(context.Background())
	c := &Context{
		name:      name,
		scope:     st.Scope(),
		store:     st,
		bus:       bus,
		schema:    schema,
		logger:    logger.With("component", "objectctx", "context", name),
		queue:     newQueue(),
		observers: notify.New[ChangeInfo](logger),
		cancel:    cancel,
		objects:   make(map[ref.Reference]Object),
		aliases:   make(map[ref.Reference]ref.Reference),
		updated:   make(map[Object]struct{}),
		deleted:   make(map[Object]struct{}),
		values:    make(map[any]any),
	}

	if bus != nil {
		notes, subID := bus.Subscribe(subCtx, c.scope)
		c.subID = subID
		go c.listen(notes)
	}

	return c
}

// Name returns the context's name, e.g. "ui" or "sync".
func (c *Context) Name() string { return c.name }

// Scope returns the store scope of every reference this context produces.
func (c *Context) Scope() string { return c.scope }

// Store returns the backing store.
func (c *Context) Store() store.Store { return c.store }

// IsTornDown reports whether TearDown has been called.
func (c *Context) IsTornDown() bool { return c.torn.Load() }

// SetValue attaches a context-scoped value, e.g. a collaborator that
// objects look up at runtime.
func (c *Context) SetValue(key, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Value returns a value set with SetValue, nil if absent.
func (c *Context) Value(key any) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[key]
}

// Observe returns a channel of change summaries for this context. The
// subscription ends when ctx is cancelled or the context is torn down.
func (c *Context) Observe(ctx context.Context) <-chan ChangeInfo {
	ch, _ := c.observers.Subscribe(ctx, observeKey)
	return ch
}

// TearDown invalidates the context. Pending queue tasks are discarded and
// every later call returns ErrContextInvalid. Safe to call more than once.
func (c *Context) TearDown() {
	if c.torn.Swap(true) {
		return
	}
	c.cancel()
	c.queue.stop(false)
	c.observers.Close()

	c.mu.Lock()
	c.objects = make(map[ref.Reference]Object)
	c.inserted = nil
	c.updated = make(map[Object]struct{})
	c.deleted = make(map[Object]struct{})
	c.mu.Unlock()

	c.logger.Debug("context torn down")
}

// Insert registers a new object. It gets a temporary reference until the
// next successful Save.
func (c *Context) Insert(obj Object) error {
	if c.torn.Load() {
		return ErrContextInvalid
	}
	b := obj.ObjectBase()
	if b.ctx != nil {
		return fmt.Errorf("inserting object %s: %w", b.ref, ErrForeignObject)
	}

	collection := obj.Row().Collection()
	if _, ok := c.schema[collection]; !ok {
		return fmt.Errorf("inserting object: collection %q not in schema", collection)
	}

	b.ctx = c
	b.self = obj
	b.ref = ref.Temporary(c.scope, collection)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[b.ref] = obj
	c.inserted = append(c.inserted, obj)
	return nil
}

// Delete tombstones obj. The deletion reaches the store on the next Save.
func (c *Context) Delete(obj Object) error {
	if c.torn.Load() {
		return ErrContextInvalid
	}
	b := obj.ObjectBase()
	if b.ctx != c {
		return ErrForeignObject
	}
	if b.IsTombstoned() {
		return ErrTombstoned
	}
	b.tombstone()

	c.mu.Lock()
	defer c.mu.Unlock()

	if i := slices.Index(c.inserted, obj); i >= 0 {
		// Never saved: just forget it
		c.inserted = slices.Delete(c.inserted, i, i+1)
		delete(c.objects, b.ref)
		return nil
	}
	delete(c.updated, obj)
	c.deleted[obj] = struct{}{}
	return nil
}

// HasChanges reports whether the context holds unsaved changes.
func (c *Context) HasChanges() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inserted) > 0 || len(c.updated) > 0 || len(c.deleted) > 0
}

func (c *Context) markUpdated(obj Object) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if slices.Contains(c.inserted, obj) {
		return
	}
	if _, ok := c.deleted[obj]; ok {
		return
	}
	c.updated[obj] = struct{}{}
}

// canonical maps a saved temporary reference to its durable one.
func (c *Context) canonical(r ref.Reference) ref.Reference {
	if !r.IsTemporary() {
		return r
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if durable, ok := c.aliases[r]; ok {
		return durable
	}
	return r
}

// Resolve turns a reference string into this context's handle for it.
// It never consults another context: a row this context cannot see yields
// ErrNotFound. Malformed input yields a *ref.ParseError. Safe to call from
// any goroutine, but the returned handle may only be used on the queue.
func (c *Context) Resolve(ctx context.Context, raw string) (Object, error) {
	r, err := ref.Parse(raw)
	if err != nil {
		return nil, err
	}
	return c.ResolveRef(ctx, r)
}

// ResolveRef is Resolve for an already parsed reference.
func (c *Context) ResolveRef(ctx context.Context, r ref.Reference) (Object, error) {
	if c.torn.Load() {
		return nil, ErrContextInvalid
	}
	if r.IsZero() || r.Scope() != c.scope {
		return nil, fmt.Errorf("resolving %s: %w", r, ErrNotFound)
	}

	c.mu.Lock()
	if r.IsTemporary() {
		if durable, ok := c.aliases[r]; ok {
			r = durable
		}
	}
	obj, ok := c.objects[r]
	c.mu.Unlock()

	if ok {
		if obj.ObjectBase().IsTombstoned() {
			return nil, fmt.Errorf("resolving %s: %w", r, ErrNotFound)
		}
		return obj, nil
	}
	if r.IsTemporary() {
		// Temporary references only resolve in the context that made them
		return nil, fmt.Errorf("resolving %s: %w", r, ErrNotFound)
	}

	row, err := c.store.Fetch(ctx, store.Key{Collection: r.Collection(), PK: r.PK()})
	if c.torn.Load() {
		return nil, ErrContextInvalid
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("resolving %s: %w", r, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", r, err)
	}

	return c.ObjectForRow(row)
}

// ResolveAs resolves raw and asserts the handle's type.
func ResolveAs[T Object](ctx context.Context, c *Context, raw string) (T, error) {
	var zero T
	obj, err := c.Resolve(ctx, raw)
	if err != nil {
		return zero, err
	}
	typed, ok := obj.(T)
	if !ok {
		return zero, fmt.Errorf("resolving %s: unexpected %T: %w", raw, obj, ErrNotFound)
	}
	return typed, nil
}

// ObjectForRow returns the handle for a committed row, registering a new
// one if the context has none. An existing handle is returned unchanged.
func (c *Context) ObjectForRow(row store.Row) (Object, error) {
	if c.torn.Load() {
		return nil, ErrContextInvalid
	}

	r := ref.Durable(c.scope, row.Collection(), row.Meta().PK)

	c.mu.Lock()
	existing, ok := c.objects[r]
	c.mu.Unlock()
	if ok {
		return existing, nil
	}

	factory, ok := c.schema[row.Collection()]
	if !ok {
		return nil, fmt.Errorf("collection %q not in schema", row.Collection())
	}
	obj := factory()
	b := obj.ObjectBase()
	b.ctx = c
	b.self = obj
	b.ref = r
	b.version = row.Meta().Version
	if err := obj.Refresh(row); err != nil {
		return nil, fmt.Errorf("loading %s: %w", r, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.torn.Load() {
		return nil, ErrContextInvalid
	}
	// Another goroutine may have registered the same row meanwhile
	if existing, ok := c.objects[r]; ok {
		return existing, nil
	}
	c.objects[r] = obj
	return obj, nil
}

// FetchByRemoteID finds an object by remote ID (nonce for messages),
// including objects inserted in this context but not saved yet.
func (c *Context) FetchByRemoteID(ctx context.Context, collection, remoteID string) (Object, error) {
	if c.torn.Load() {
		return nil, ErrContextInvalid
	}

	c.mu.Lock()
	pending := slices.Clone(c.inserted)
	c.mu.Unlock()

	for _, obj := range pending {
		row := obj.Row()
		if row.Collection() == collection && store.RemoteIDOf(row) == remoteID {
			return obj, nil
		}
	}

	row, err := c.store.FetchByRemoteID(ctx, collection, remoteID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("fetching %s %q: %w", collection, remoteID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching %s %q: %w", collection, remoteID, err)
	}

	obj, err := c.ObjectForRow(row)
	if err != nil {
		return nil, err
	}
	if obj.ObjectBase().IsTombstoned() {
		return nil, fmt.Errorf("fetching %s %q: %w", collection, remoteID, ErrNotFound)
	}
	return obj, nil
}

// Registered returns the number of live handles in the identity map.
func (c *Context) Registered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.objects)
}

// Save commits all pending changes atomically and notifies other contexts.
// On failure the pending changes are kept so the caller can retry or roll
// back. Must run on the context's queue.
func (c *Context) Save(ctx context.Context) error {
	if c.torn.Load() {
		return ErrContextInvalid
	}

	c.mu.Lock()
	inserted := slices.Clone(c.inserted)
	updated := make([]Object, 0, len(c.updated))
	for obj := range c.updated {
		updated = append(updated, obj)
	}
	deleted := make([]Object, 0, len(c.deleted))
	for obj := range c.deleted {
		deleted = append(deleted, obj)
	}
	c.mu.Unlock()

	if len(inserted) == 0 && len(updated) == 0 && len(deleted) == 0 {
		return nil
	}

	slices.SortStableFunc(inserted, func(a, b Object) int {
		return slices.Index(store.InsertOrder, a.ObjectBase().ref.Collection()) -
			slices.Index(store.InsertOrder, b.ObjectBase().ref.Collection())
	})

	cs := &store.ChangeSet{}
	for _, obj := range inserted {
		row, err := encodeRow(obj)
		if err != nil {
			return fmt.Errorf("saving %s context: %s: %w", c.name, obj.ObjectBase().ref, err)
		}
		cs.Inserts = append(cs.Inserts, row)
	}
	for _, obj := range updated {
		row, err := encodeRow(obj)
		if err != nil {
			return fmt.Errorf("saving %s context: %s: %w", c.name, obj.ObjectBase().ref, err)
		}
		cs.Updates = append(cs.Updates, row)
	}
	for _, obj := range deleted {
		r := obj.ObjectBase().ref
		cs.Deletes = append(cs.Deletes, store.Key{Collection: r.Collection(), PK: r.PK()})
	}

	res, err := c.store.Commit(ctx, cs)
	if err != nil {
		return fmt.Errorf("saving %s context: %w", c.name, err)
	}

	info := ChangeInfo{Origin: c.name, Local: true}
	var written []Object

	c.mu.Lock()
	for _, obj := range inserted {
		b := obj.ObjectBase()
		key, ok := res.Assigned[b.ref.TempID()]
		if !ok {
			continue
		}
		durable := ref.Durable(c.scope, key.Collection, key.PK)
		delete(c.objects, b.ref)
		c.aliases[b.ref] = durable
		b.ref = durable
		c.objects[durable] = obj
		info.Inserted = append(info.Inserted, durable)
		written = append(written, obj)
	}
	for _, obj := range updated {
		info.Updated = append(info.Updated, obj.ObjectBase().ref)
		written = append(written, obj)
	}
	for _, key := range res.Deleted {
		r := ref.Durable(c.scope, key.Collection, key.PK)
		if obj, ok := c.objects[r]; ok {
			obj.ObjectBase().tombstone()
			delete(c.objects, r)
			delete(c.updated, obj)
		}
		info.Deleted = append(info.Deleted, r)
	}

	c.inserted = slices.DeleteFunc(c.inserted, func(o Object) bool { return slices.Contains(inserted, o) })
	for _, obj := range updated {
		delete(c.updated, obj)
	}
	for _, obj := range deleted {
		delete(c.deleted, obj)
		delete(c.objects, obj.ObjectBase().ref)
	}
	c.mu.Unlock()

	// Reload what was written so links to saved temporary objects become
	// durable references and versions match the commit.
	for _, obj := range written {
		c.reload(ctx, obj)
	}

	c.logger.Debug("saved",
		"seq", res.Seq,
		"inserted", len(res.Inserted),
		"updated", len(res.Updated),
		"deleted", len(res.Deleted))

	if c.bus != nil {
		c.bus.Publish(c.scope, &ChangeNotification{
			Origin:   c.name,
			Seq:      res.Seq,
			Inserted: res.Inserted,
			Updated:  res.Updated,
			Deleted:  res.Deleted,
		}, c.subID)
	}
	c.observers.Publish(observeKey, info, "")

	return nil
}

// reload refreshes obj from the store, tombstoning it if the row is gone.
func (c *Context) reload(ctx context.Context, obj Object) {
	b := obj.ObjectBase()
	r := b.Reference()

	row, err := c.store.Fetch(ctx, store.Key{Collection: r.Collection(), PK: r.PK()})
	if errors.Is(err, store.ErrNotFound) {
		b.tombstone()
		c.mu.Lock()
		delete(c.objects, r)
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.logger.Warn("reloading object failed", "ref", r, "error", err)
		return
	}

	if err := obj.Refresh(row); err != nil {
		c.logger.Warn("refreshing object failed", "ref", r, "error", err)
		return
	}
	b.version = row.Meta().Version
}

// Rollback discards pending changes. Inserted objects are tombstoned,
// updated ones reload their committed state. Objects deleted since the last
// save stay tombstoned; resolve their reference again for a fresh handle.
// Must run on the context's queue.
func (c *Context) Rollback(ctx context.Context) error {
	if c.torn.Load() {
		return ErrContextInvalid
	}

	c.mu.Lock()
	inserted := c.inserted
	c.inserted = nil
	updated := make([]Object, 0, len(c.updated))
	for obj := range c.updated {
		updated = append(updated, obj)
	}
	c.updated = make(map[Object]struct{})
	for obj := range c.deleted {
		delete(c.objects, obj.ObjectBase().ref)
	}
	c.deleted = make(map[Object]struct{})
	for _, obj := range inserted {
		obj.ObjectBase().tombstone()
		delete(c.objects, obj.ObjectBase().ref)
	}
	c.mu.Unlock()

	for _, obj := range updated {
		c.reload(ctx, obj)
	}
	return nil
}

// listen schedules a merge for every notification from other contexts.
func (c *Context) listen(notes <-chan *ChangeNotification) {
	for note := range notes {
		if err := c.Perform(func() { c.merge(context.Background(), note) }); err != nil {
			return
		}
	}
}

// merge applies another context's committed changes to registered objects.
// Objects with unsaved local changes keep them; deleted rows tombstone their
// handles regardless.
func (c *Context) merge(ctx context.Context, note *ChangeNotification) {
	info := ChangeInfo{Origin: note.Origin}

	c.mu.Lock()
	for _, key := range note.Deleted {
		r := ref.Durable(c.scope, key.Collection, key.PK)
		if obj, ok := c.objects[r]; ok {
			obj.ObjectBase().tombstone()
			delete(c.objects, r)
			delete(c.updated, obj)
			delete(c.deleted, obj)
			info.Deleted = append(info.Deleted, r)
		}
	}

	var stale []Object
	for _, key := range note.Updated {
		r := ref.Durable(c.scope, key.Collection, key.PK)
		obj, ok := c.objects[r]
		if !ok {
			continue
		}
		if _, dirty := c.updated[obj]; dirty {
			continue
		}
		if _, dirty := c.deleted[obj]; dirty {
			continue
		}
		stale = append(stale, obj)
	}
	c.mu.Unlock()

	for _, key := range note.Inserted {
		info.Inserted = append(info.Inserted, ref.Durable(c.scope, key.Collection, key.PK))
	}

	for _, obj := range stale {
		if obj.ObjectBase().version >= note.Seq {
			continue
		}
		c.reload(ctx, obj)
		if obj.ObjectBase().IsTombstoned() {
			info.Deleted = append(info.Deleted, obj.ObjectBase().ref)
			continue
		}
		info.Updated = append(info.Updated, obj.ObjectBase().ref)
	}

	c.logger.Debug("merged changes",
		"origin", note.Origin,
		"seq", note.Seq,
		"updated", len(info.Updated),
		"deleted", len(info.Deleted))

	if len(info.Inserted) > 0 || len(info.Updated) > 0 || len(info.Deleted) > 0 {
		c.observers.Publish(observeKey, info, "")
	}
}
