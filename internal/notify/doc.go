// Package notify fans committed store changes out to every object context
// sharing a store.
//
// A Broadcaster is keyed by string; the object contexts use the store
// scope as the key. Each context subscribes once and publishes its own
// commits with its subscription ID excluded, so it only ever merges changes
// made elsewhere.
//
//	b := notify.New[*objectctx.ChangeNotification](logger)
//	ch, subID := b.Subscribe(ctx, scope)
//	b.Publish(scope, note, subID)
//
// Events are delivered in publication order per subscriber and are never
// dropped while the subscription is live.
package notify
