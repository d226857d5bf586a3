// Package outbox relays audit entries written to the outbox table to Kafka.
// Delivery is at least once; consumers deduplicate on the message id.
package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/buttermb/delviery-sub009/internal/compliance/metrics"
)

const (
	DefaultBatchSize    = 100
	DefaultPollInterval = 5 * time.Second
	maxBackoff          = 30 * time.Second
)

// Message is one outbox row.
type Message struct {
	ID        string
	Key       string
	EventType string
	Payload   []byte
	CreatedAt time.Time
}

// Queue hands out unpublished rows.
type Queue interface {
	// Claim locks up to limit unpublished rows and passes them to fn. The rows
	// are marked published only if fn returns nil. It returns the row count.
	Claim(ctx context.Context, limit int, fn func(ctx context.Context, msgs []Message) error) (int, error)
	// Wait blocks until new rows are signalled or d elapses.
	Wait(ctx context.Context, d time.Duration) error
}

// Publisher delivers messages downstream.
type Publisher interface {
	Publish(ctx context.Context, msgs []Message) error
}

// Relay moves rows from a Queue to a Publisher until its context ends.
type Relay struct {
	queue        Queue
	publisher    Publisher
	logger       *slog.Logger
	metrics      *metrics.Metrics
	batchSize    int
	pollInterval time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
}

type Option func(*Relay)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) {
		r.metrics = m
	}
}

func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

func NewRelay(queue Queue, publisher Publisher, opts ...Option) *Relay {
	r := &Relay{
		queue:        queue,
		publisher:    publisher,
		logger:       slog.Default(),
		batchSize:    DefaultBatchSize,
		pollInterval: DefaultPollInterval,
		sleep:        sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drains the queue, then waits for notifications or the poll interval.
// Failures back off exponentially. It returns nil when ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "outbox relay started", "batch_size", r.batchSize)
	backoff := time.Duration(0)
	for {
		if ctx.Err() != nil {
			r.logger.InfoContext(ctx, "outbox relay stopped")
			return nil
		}

		n, err := r.RelayOnce(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			continue
		case err != nil:
			backoff = nextBackoff(backoff)
			r.logger.WarnContext(ctx, "outbox relay batch failed",
				"error", err,
				"retry_in", backoff.String(),
			)
			_ = r.sleep(ctx, backoff)
			continue
		}
		backoff = 0

		if n == r.batchSize {
			continue
		}
		if err := r.queue.Wait(ctx, r.pollInterval); err != nil && ctx.Err() == nil {
			r.logger.WarnContext(ctx, "outbox notification wait failed", "error", err)
			_ = r.sleep(ctx, r.pollInterval)
		}
	}
}

// RelayOnce publishes at most one batch and reports how many rows it held.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	n, err := r.queue.Claim(ctx, r.batchSize, func(ctx context.Context, msgs []Message) error {
		if len(msgs) == 0 {
			return nil
		}
		return r.publisher.Publish(ctx, msgs)
	})
	if err != nil {
		r.metrics.IncrementOutboxFailure()
		return n, err
	}
	if n > 0 {
		r.metrics.AddOutboxPublished(n)
		r.logger.DebugContext(ctx, "outbox batch published", "count", n)
	}
	return n, nil
}

func nextBackoff(current time.Duration) time.Duration {
	if current == 0 {
		return 500 * time.Millisecond
	}
	return min(current*2, maxBackoff)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
