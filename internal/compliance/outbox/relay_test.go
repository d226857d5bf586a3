package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buttermb/delviery-sub009/internal/compliance/metrics"
)

// fakeQueue is an in-memory outbox that honours the claim contract.
type fakeQueue struct {
	mu        sync.Mutex
	pending   []Message
	published []Message
	waits     int
}

func (q *fakeQueue) Claim(ctx context.Context, limit int, fn func(context.Context, []Message) error) (int, error) {
	q.mu.Lock()
	batch := append([]Message(nil), q.pending[:min(limit, len(q.pending))]...)
	q.mu.Unlock()

	if err := fn(ctx, batch); err != nil {
		return len(batch), err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = q.pending[len(batch):]
	q.published = append(q.published, batch...)
	return len(batch), nil
}

func (q *fakeQueue) Wait(ctx context.Context, _ time.Duration) error {
	q.mu.Lock()
	q.waits++
	q.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

type fakePublisher struct {
	mu       sync.Mutex
	failures int
	got      []Message
}

func (p *fakePublisher) Publish(_ context.Context, msgs []Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.got = append(p.got, msgs...)
	return nil
}

func messages(n int) []Message {
	out := make([]Message, n)
	for i := range out {
		out[i] = Message{ID: string(rune('a' + i)), Key: "order-1/delivery-1", EventType: "compliance.initialized"}
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRelayOnce(t *testing.T) {
	t.Run("publishes and marks a batch", func(t *testing.T) {
		q := &fakeQueue{pending: messages(3)}
		pub := &fakePublisher{}
		m := metrics.New(prometheus.NewRegistry())
		relay := NewRelay(q, pub, WithLogger(quietLogger()), WithMetrics(m), WithBatchSize(2))

		n, err := relay.RelayOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Len(t, pub.got, 2)
		assert.Len(t, q.pending, 1)
	})

	t.Run("leaves rows unpublished when the publisher fails", func(t *testing.T) {
		q := &fakeQueue{pending: messages(2)}
		pub := &fakePublisher{failures: 1}
		relay := NewRelay(q, pub, WithLogger(quietLogger()))

		_, err := relay.RelayOnce(context.Background())
		require.Error(t, err)
		assert.Len(t, q.pending, 2)
		assert.Empty(t, q.published)
	})

	t.Run("an empty queue is not published", func(t *testing.T) {
		pub := &fakePublisher{}
		n, err := NewRelay(&fakeQueue{}, pub, WithLogger(quietLogger())).RelayOnce(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Empty(t, pub.got)
	})
}

func TestRelayRun(t *testing.T) {
	q := &fakeQueue{pending: messages(5)}
	pub := &fakePublisher{failures: 2}
	relay := NewRelay(q, pub, WithLogger(quietLogger()), WithBatchSize(2))
	relay.sleep = func(context.Context, time.Duration) error { return nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.published) == 5 && q.waits > 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Len(t, pub.got, 5)
	for i, m := range pub.got {
		assert.Equal(t, messages(5)[i].ID, m.ID, "rows are published in order")
	}
}

func TestNextBackoff(t *testing.T) {
	d := time.Duration(0)
	for range 10 {
		d = nextBackoff(d)
	}
	assert.Equal(t, maxBackoff, d)
}
