// ABOUTME: In-memory fan-out broadcaster for committed store changes
// ABOUTME: Delivers every published event, in order, to all subscribers of a key

package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Broadcaster provides in-memory pub/sub keyed by a string (the store scope
// for change notifications). Each subscriber has an unbounded mailbox, so
// events are never dropped for slow subscribers.
type Broadcaster[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*subscriber[T] // key -> subID -> subscriber
	closed      bool
	logger      *slog.Logger
}

// subscriber buffers published events and pumps them into out.
type subscriber[T any] struct {
	mu     sync.Mutex
	queue  []T
	signal chan struct{}
	out    chan T
	done   chan struct{}
	once   sync.Once
}

// New creates a broadcaster. Pass nil logger for default.
func New[T any](logger *slog.Logger) *Broadcaster[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster[T]{
		subscribers: make(map[string]map[string]*subscriber[T]),
		logger:      logger.With("component", "notify"),
	}
}

// Subscribe registers a subscriber for events on the given key.
// Returns a channel that receives events and a subscription ID for later
// unsubscription and for excluding the subscriber from its own
// publications. The subscription is automatically cleaned up when ctx is
// cancelled. Subscribing to a closed broadcaster returns a closed channel.
func (b *Broadcaster[T]) Subscribe(ctx context.Context, key string) (<-chan T, string) {
	subID := uuid.New().String()
	sub := &subscriber[T]{
		signal: make(chan struct{}, 1),
		out:    make(chan T),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.out)
		return sub.out, subID
	}
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[string]*subscriber[T])
	}
	b.subscribers[key][subID] = sub
	b.mu.Unlock()

	go sub.pump()

	b.logger.Debug("subscriber added", "key", key, "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		select {
		case <-ctx.Done():
			b.Unsubscribe(key, subID)
		case <-sub.done:
		}
	}()

	return sub.out, subID
}

// Publish sends an event to all subscribers of the given key.
// If excludeSubID is non-empty, that subscriber is skipped (used to avoid
// delivering a change back to the context that made it).
// Publish never blocks on slow subscribers.
func (b *Broadcaster[T]) Publish(key string, event T, excludeSubID string) {
	b.mu.RLock()
	subs := b.subscribers[key]
	targets := make([]*subscriber[T], 0, len(subs))
	for id, sub := range subs {
		if excludeSubID != "" && id == excludeSubID {
			continue
		}
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.enqueue(event)
	}
}

// Unsubscribe removes a subscription. Its channel is closed once pending
// events are abandoned.
func (b *Broadcaster[T]) Unsubscribe(key, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[key]
	if !ok {
		return
	}

	sub, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	sub.stop()

	// Clean up empty key entries
	if len(subs) == 0 {
		delete(b.subscribers, key)
	}

	b.logger.Debug("subscriber removed", "key", key, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, sub := range subs {
			sub.stop()
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}

func (s *subscriber[T]) enqueue(event T) {
	s.mu.Lock()
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) stop() {
	s.once.Do(func() { close(s.done) })
}

// pump forwards queued events to out until stopped, then closes out.
func (s *subscriber[T]) pump() {
	defer close(s.out)

	for {
		select {
		case <-s.signal:
		case <-s.done:
			return
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			event := s.queue[0]
			var zero T
			s.queue[0] = zero
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- event:
			case <-s.done:
				return
			}
		}
	}
}
