// Package objectctx implements object contexts: independent, serial views
// over one shared store, and the identity rules that connect them.
//
// # Contexts
//
// A Context owns an identity map (reference -> live handle), a set of
// pending inserts, updates and deletes, and a serial queue. Every mutation
// of a context's objects runs on that queue:
//
//	err := c.PerformAndWait(ctx, func() error {
//	    msg.SetDelivery(model.DeliverySent)
//	    return c.Save(ctx)
//	})
//
// A Directory creates the standard ui, sync and search contexts on one
// change bus.
//
// # Identity
//
// Handles never cross contexts. To act on the same row elsewhere, take its
// reference with ReferenceFor and Resolve it in the other context. Resolve
// only looks at the context's own identity map and the store; a row the
// store does not have yields ErrNotFound, malformed input a
// *ref.ParseError, a torn-down context ErrContextInvalid.
//
// Objects inserted but not yet saved carry a temporary reference. After the
// save the object's reference becomes durable; the temporary one keeps
// resolving to the same handle in the creating context only.
//
// # Visibility
//
// Save commits the pending changes in one store transaction and publishes a
// ChangeNotification to every other context. Each context merges it on its
// own queue: clean handles reload, deleted rows tombstone their handles.
// Changes never become visible elsewhere before they are committed.
//
// # Tombstones
//
// Delete tombstones a handle immediately. Mutators call Base.WillChange,
// which fails with ErrTombstoned from then on.
package objectctx
