// Package queue implements the console's delivery queue: push events are
// buffered FIFO and handed to a single handler strictly one at a time, with a
// fixed spacing between completions. A burst of pushes (reconnect, multi-part
// sends) therefore turns into a deterministic, throttled cadence of cache
// updates and notifications instead of a rendering stampede.
package queue

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultDelay is the spacing inserted between item completions.
const DefaultDelay = 100 * time.Millisecond

// Queue is a serial FIFO pipeline. Enqueue never blocks; draining happens on
// a single background goroutine that exits when the buffer empties.
type Queue[T any] struct {
	handler func(T) error
	delay   time.Duration
	logger  *zap.Logger
	sleep   func(time.Duration)

	mu    sync.Mutex
	items []T
	idle  bool
}

// Option configures a Queue.
type Option[T any] func(*Queue[T])

// WithDelay overrides the inter-item spacing.
func WithDelay[T any](d time.Duration) Option[T] {
	return func(q *Queue[T]) { q.delay = d }
}

// WithLogger sets the logger used for per-item failures.
func WithLogger[T any](logger *zap.Logger) Option[T] {
	return func(q *Queue[T]) { q.logger = logger }
}

// WithSleep replaces the spacing sleep, for tests that simulate time.
func WithSleep[T any](sleep func(time.Duration)) Option[T] {
	return func(q *Queue[T]) { q.sleep = sleep }
}

// New creates an idle queue that feeds items to handler.
func New[T any](handler func(T) error, opts ...Option[T]) *Queue[T] {
	q := &Queue[T]{
		handler: handler,
		delay:   DefaultDelay,
		logger:  zap.NewNop(),
		sleep:   time.Sleep,
		idle:    true,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends an item and starts draining if the queue was idle. It
// returns immediately after buffering.
func (q *Queue[T]) Enqueue(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	start := q.idle
	if start {
		q.idle = false
	}
	q.mu.Unlock()

	if start {
		go q.drain()
	}
}

// Pending returns the number of buffered items not yet handed to the handler.
func (q *Queue[T]) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Idle reports whether the drain goroutine has finished.
func (q *Queue[T]) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}

func (q *Queue[T]) drain() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.idle = true
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		if err := q.process(item); err != nil {
			q.logger.Error("queue item failed", zap.Error(err))
		}

		q.sleep(q.delay)
	}
}

// process runs the handler for one item, converting a panic into an error so
// a single bad payload never stalls the queue.
func (q *Queue[T]) process(item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue handler panic: %v", r)
		}
	}()
	return q.handler(item)
}
