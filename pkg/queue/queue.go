package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// pollInterval is how often a manual queue checks whether it was drained.
const pollInterval = 200 * time.Millisecond

// Item is one unit of deferred work, typically spawning a cluster.
type Item struct {
	Name string
	Run  func(ctx context.Context) error
	// Timeout is the pause after Run before the next item starts. Zero
	// selects the queue default.
	Timeout time.Duration
}

// Options configures a Queue.
type Options struct {
	// Auto drains the queue from Start. When false, items only run when
	// Next is called, usually on request of a child process.
	Auto bool
	// Timeout is the default pause between items.
	Timeout time.Duration
}

// Queue runs items one at a time in FIFO order.
type Queue struct {
	opts Options

	mu     sync.Mutex
	items  []Item
	paused bool
	resume chan struct{}
}

// New creates an empty queue.
func New(opts Options) *Queue {
	return &Queue{
		opts:   opts,
		resume: make(chan struct{}),
	}
}

// Add appends an item.
func (q *Queue) Add(item Item) {
	if item.Timeout == 0 {
		item.Timeout = q.opts.Timeout
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
}

// Start drains the queue in auto mode, pausing item.Timeout after each
// item. In manual mode it blocks until external Next calls empty the queue.
// Item failures do not stop the drain; they are joined into the result.
func (q *Queue) Start(ctx context.Context) error {
	if !q.opts.Auto {
		return q.waitDrained(ctx)
	}

	var errs []error
	for {
		if err := q.waitResumed(ctx); err != nil {
			return errors.Join(append(errs, err)...)
		}

		item, ok := q.pop()
		if !ok {
			return errors.Join(errs...)
		}

		if err := q.run(ctx, item); err != nil {
			errs = append(errs, err)
		}

		if err := sleep(ctx, item.Timeout); err != nil {
			return errors.Join(append(errs, err)...)
		}
	}
}

// Next pops and runs one item. It reports false when nothing ran because
// the queue is paused or empty.
func (q *Queue) Next(ctx context.Context) (bool, error) {
	if q.Paused() {
		return false, nil
	}
	item, ok := q.pop()
	if !ok {
		return false, nil
	}
	return true, q.run(ctx, item)
}

// Stop pauses the queue. Items already running finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume lifts a pause.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.paused {
		return
	}
	q.paused = false
	close(q.resume)
	q.resume = make(chan struct{})
}

// Paused reports whether the queue is paused.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Len returns the number of waiting items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Auto reports whether the queue drains itself.
func (q *Queue) Auto() bool {
	return q.opts.Auto
}

func (q *Queue) pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items[0] = Item{}
	q.items = q.items[1:]
	return item, true
}

func (q *Queue) run(ctx context.Context, item Item) error {
	if item.Run == nil {
		return nil
	}
	if err := item.Run(ctx); err != nil {
		if item.Name != "" {
			return fmt.Errorf("%s: %w", item.Name, err)
		}
		return err
	}
	return nil
}

func (q *Queue) waitResumed(ctx context.Context) error {
	for {
		q.mu.Lock()
		paused, resume := q.paused, q.resume
		q.mu.Unlock()

		if !paused {
			return nil
		}
		select {
		case <-resume:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *Queue) waitDrained(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if q.Len() == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
