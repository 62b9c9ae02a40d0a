// ABOUTME: Entity base embedded by every persisted object and the Object contract
// ABOUTME: Tracks identity, tombstone state, owning context, and row version

package objectctx

import (
	"errors"
	"sync/atomic"

	"github.com/2389/coven-localstore/internal/ref"
	"github.com/2389/coven-localstore/internal/store"
)

// Errors returned by contexts and object handles.
var (
	ErrNotFound       = errors.New("object not found")
	ErrContextInvalid = errors.New("object context is torn down")
	ErrTombstoned     = errors.New("object is tombstoned")
	ErrForeignObject  = errors.New("object belongs to another context")
)

// Object is a live, context-bound handle of a persisted row.
// Handles must only be touched on their owning context's queue.
type Object interface {
	// ObjectBase returns the embedded Base.
	ObjectBase() *Base

	// Row snapshots the object's current state as a store row, with links
	// to other objects built by Base.LinkFor.
	Row() store.Row

	// Refresh replaces the object's state with a committed row.
	Refresh(row store.Row) error
}

// RowEncoder is implemented by objects whose row encoding can fail. Save
// uses EncodeRow for them and fails instead of writing a partial row.
type RowEncoder interface {
	EncodeRow() (store.Row, error)
}

func encodeRow(obj Object) (store.Row, error) {
	if e, ok := obj.(RowEncoder); ok {
		return e.EncodeRow()
	}
	return obj.Row(), nil
}

// Factory creates an empty object for a collection.
type Factory func() Object

// Schema maps each collection to the factory of its object type.
type Schema map[string]Factory

// Base holds the identity and liveness of an object. Embed it by value.
type Base struct {
	ref        ref.Reference
	ctx        *Context
	self       Object
	tombstoned atomic.Bool
	version    int64
}

// ObjectBase implements Object.
func (b *Base) ObjectBase() *Base { return b }

// IsTombstoned reports whether the object was deleted in its context, either
// directly or by a propagated deletion. Once true it stays true.
func (b *Base) IsTombstoned() bool {
	return b.tombstoned.Load()
}

// Reference returns the object's portable reference: temporary until the
// first successful save, durable afterwards.
func (b *Base) Reference() ref.Reference {
	if b.ctx == nil {
		return b.ref
	}
	b.ctx.mu.Lock()
	defer b.ctx.mu.Unlock()
	return b.ref
}

// Version returns the commit sequence of the row the object last loaded.
func (b *Base) Version() int64 {
	return b.version
}

// Context returns the owning context, nil before insertion.
func (b *Base) Context() *Context {
	return b.ctx
}

// WillChange must be called by every mutator before it touches state.
// It rejects mutation of tombstoned objects and of objects whose context is
// gone, and marks the object dirty otherwise.
func (b *Base) WillChange() error {
	if err := b.CheckLive(); err != nil {
		return err
	}
	if b.ctx != nil {
		b.ctx.markUpdated(b.self)
	}
	return nil
}

// CheckLive reports ErrTombstoned or ErrContextInvalid for a handle that
// may no longer be mutated, without marking it dirty.
func (b *Base) CheckLive() error {
	if b.IsTombstoned() {
		return ErrTombstoned
	}
	if b.ctx != nil && b.ctx.torn.Load() {
		return ErrContextInvalid
	}
	return nil
}

// LinkFor converts a reference held by this object into a store link.
// References to objects inserted but not yet saved become temp-ID links.
func (b *Base) LinkFor(r ref.Reference) store.Link {
	if r.IsZero() {
		return store.Link{}
	}
	if r.IsTemporary() && b.ctx != nil {
		r = b.ctx.canonical(r)
	}
	if r.IsTemporary() {
		return store.Link{TempID: r.TempID()}
	}
	return store.Link{PK: r.PK()}
}

// RefFor converts a committed store link into a reference in this object's
// store scope.
func (b *Base) RefFor(collection string, l store.Link) ref.Reference {
	if l.PK <= 0 || b.ctx == nil {
		return ref.Reference{}
	}
	return ref.Durable(b.ctx.scope, collection, l.PK)
}

// Meta returns the row bookkeeping fields for the object's current identity.
func (b *Base) Meta() store.RowMeta {
	if b.ref.IsTemporary() {
		return store.RowMeta{TempID: b.ref.TempID(), Version: b.version}
	}
	return store.RowMeta{PK: b.ref.PK(), Version: b.version}
}

// Canonical returns the durable form of a saved temporary reference, and r
// itself otherwise.
func (b *Base) Canonical(r ref.Reference) ref.Reference {
	if b.ctx == nil {
		return r
	}
	return b.ctx.canonical(r)
}

// Same reports whether two references denote the same object in this
// object's context, taking saved temporary references into account.
func (b *Base) Same(x, y ref.Reference) bool {
	return b.Canonical(x) == b.Canonical(y)
}

func (b *Base) tombstone() {
	b.tombstoned.Store(true)
}

// ReferenceFor returns the portable reference of obj. It is idempotent for
// an unchanged object and works before the first save.
func ReferenceFor(obj Object) ref.Reference {
	return obj.ObjectBase().Reference()
}
