// ABOUTME: Serial execution queue owned by each object context
// ABOUTME: All object mutation for a context runs here, one task at a time

package objectctx

import (
	"context"
	"fmt"
	"sync"
)

// queue runs submitted tasks in FIFO order on a single goroutine.
// Submission never blocks.
type queue struct {
	mu     sync.Mutex
	tasks  []func()
	signal chan struct{}
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

func newQueue() *queue {
	q := &queue{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *queue) submit(fn func()) bool {
	select {
	case <-q.done:
		return false
	default:
	}

	q.mu.Lock()
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *queue) run() {
	defer close(q.exited)

	for {
		select {
		case <-q.signal:
		case <-q.done:
			return
		}

		for {
			select {
			case <-q.done:
				return
			default:
			}

			q.mu.Lock()
			if len(q.tasks) == 0 {
				q.mu.Unlock()
				break
			}
			fn := q.tasks[0]
			q.tasks[0] = nil
			q.tasks = q.tasks[1:]
			q.mu.Unlock()

			fn()
		}
	}
}

// stop discards pending tasks and waits for the running one to finish,
// unless called from the queue itself.
func (q *queue) stop(wait bool) {
	q.once.Do(func() { close(q.done) })
	if wait {
		<-q.exited
	}
}

// Perform schedules fn on the context's queue and returns immediately.
// Returns ErrContextInvalid if the context has been torn down.
func (c *Context) Perform(fn func()) error {
	if c.torn.Load() || !c.queue.submit(fn) {
		return ErrContextInvalid
	}
	return nil
}

// PerformAndWait runs fn on the context's queue and waits for it.
// It must not be called from a task already running on the same queue.
// Returns ErrContextInvalid if the context is torn down before fn completes.
func (c *Context) PerformAndWait(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)

	err := c.Perform(func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("panic on %s queue: %v", c.name, r)
			}
		}()
		result <- fn()
	})
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-c.queue.done:
		// The task may have just finished
		select {
		case err := <-result:
			return err
		default:
			return ErrContextInvalid
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}
