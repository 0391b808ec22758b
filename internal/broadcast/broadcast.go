// Package broadcast bridges log producers running outside the consumer-
// facing scheduler (worker goroutines, the daemon's own logger) to many live
// push-channel consumers.
//
// Unlike a per-job log stream, this is pure forward fan-out: there is no
// replay, consumers only see entries enqueued after they registered.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultQueueCapacity bounds the pending queue. When producers outpace the
// pump, the oldest pending entries are dropped.
const DefaultQueueCapacity = 1000

// DefaultInterval is the cadence at which Run drains the queue.
const DefaultInterval = 100 * time.Millisecond

// Entry is one broadcast log entry.
type Entry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level,omitempty"`
	Message string    `json:"message"`
}

// Consumer receives broadcast entries. Send returning an error marks the
// consumer as dead; it is removed from the registry and never retried.
type Consumer interface {
	Send(Entry) error
}

// Broadcaster is a thread-safe bounded queue with periodic drain-and-fan-out
// to a registry of consumers. Enqueue may be called from any goroutine;
// delivery happens on the goroutine driving Run (or calling
// BroadcastPending directly).
type Broadcaster struct {
	logger   *slog.Logger
	interval time.Duration
	maxQueue int

	mu        sync.Mutex
	queue     []Entry
	consumers map[Consumer]struct{}
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithQueueCapacity bounds the pending queue.
func WithQueueCapacity(n int) Option {
	return func(b *Broadcaster) { b.maxQueue = n }
}

// WithInterval sets the Run drain cadence.
func WithInterval(d time.Duration) Option {
	return func(b *Broadcaster) { b.interval = d }
}

// New creates a Broadcaster with no consumers.
func New(logger *slog.Logger, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		logger:    logger,
		interval:  DefaultInterval,
		maxQueue:  DefaultQueueCapacity,
		consumers: make(map[Consumer]struct{}),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Enqueue pushes an entry onto the pending queue. Safe to call from any
// goroutine. When the queue is full the oldest pending entry is dropped so
// a stalled pump cannot grow memory without bound.
func (b *Broadcaster) Enqueue(entry Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) >= b.maxQueue {
		b.queue = b.queue[1:]
	}

	b.queue = append(b.queue, entry)
}

// AddConsumer registers a consumer. Idempotent.
func (b *Broadcaster) AddConsumer(c Consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consumers[c] = struct{}{}
}

// RemoveConsumer unregisters a consumer. Idempotent.
func (b *Broadcaster) RemoveConsumer(c Consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.consumers, c)
}

// BroadcastPending drains the entire queue and delivers every drained entry
// to every registered consumer. A consumer whose Send fails is removed and
// delivery to the remaining consumers continues.
func (b *Broadcaster) BroadcastPending() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return
	}

	pending := b.queue
	b.queue = nil

	for consumer := range b.consumers {
		for _, entry := range pending {
			if err := consumer.Send(entry); err != nil {
				b.logger.Debug("drop broadcast consumer", "err", err)
				delete(b.consumers, consumer)

				break
			}
		}
	}
}

// Run drives BroadcastPending on a fixed cadence until ctx is done. It
// performs a final drain on the way out so entries enqueued during shutdown
// still reach consumers.
func (b *Broadcaster) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.BroadcastPending()
			return ctx.Err()
		case <-ticker.C:
			b.BroadcastPending()
		}
	}
}
