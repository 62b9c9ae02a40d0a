// ABOUTME: Bounded TTL window of recently applied update-event IDs
// ABOUTME: Lets the ingester drop redelivered events without a store lookup

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	claimed time.Time
	elem    *list.Element
}

// Window remembers event IDs for a TTL, bounded in size. The oldest claim
// is evicted first when the window is full.
type Window struct {
	mu      sync.Mutex
	ids     map[string]*entry
	order   *list.List // oldest claim at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done   chan struct{}
	closed bool
}

// New creates a window and starts its expiry sweep.
func New(ttl time.Duration, maxSize int) *Window {
	w := &Window{
		ids:     make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: max(maxSize, 1),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go w.sweepLoop(sweepInterval(ttl))
	return w
}

func sweepInterval(ttl time.Duration) time.Duration {
	return min(max(ttl/2, 10*time.Millisecond), time.Minute)
}

// Seen reports whether id was claimed within the TTL.
func (w *Window) Seen(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.ids[id]
	return ok && w.now().Sub(e.claimed) < w.ttl
}

// Claim records id and reports whether the caller is the first to claim it
// within the TTL. A false result means the event is a duplicate.
func (w *Window) Claim(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if e, ok := w.ids[id]; ok {
		if now.Sub(e.claimed) < w.ttl {
			return false
		}
		e.claimed = now
		w.order.MoveToBack(e.elem)
		return true
	}

	if len(w.ids) >= w.maxSize {
		w.evictOldest()
	}
	w.ids[id] = &entry{claimed: now, elem: w.order.PushBack(id)}
	return true
}

// Forget drops a claim, so a redelivery of an event that failed to apply is
// processed again.
func (w *Window) Forget(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.ids[id]; ok {
		w.order.Remove(e.elem)
		delete(w.ids, id)
	}
}

// Len returns the number of remembered IDs, expired ones included until the
// next sweep.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.ids)
}

// Must hold mu.
func (w *Window) evictOldest() {
	front := w.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	w.order.Remove(front)
	delete(w.ids, id)
}

func (w *Window) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-w.done:
			return
		}
	}
}

// sweep removes expired claims. Claims are ordered by time, so it stops at
// the first live one.
func (w *Window) sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		id, _ := front.Value.(string)
		if now.Sub(w.ids[id].claimed) < w.ttl {
			return
		}
		w.order.Remove(front)
		delete(w.ids, id)
	}
}

// Close stops the sweep. Safe to call more than once.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		close(w.done)
		w.closed = true
	}
}
