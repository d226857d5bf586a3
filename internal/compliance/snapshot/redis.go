// Package snapshot caches gate results in Redis for read-mostly dashboards.
// Completion decisions never read from here.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/buttermb/delviery-sub009/internal/compliance/gate"
	"github.com/buttermb/delviery-sub009/internal/compliance/service"
	"github.com/buttermb/delviery-sub009/pkg/domain"
	"github.com/buttermb/delviery-sub009/pkg/platform/circuit"
)

const (
	keyPrefix   = "compliance:gate:"
	fieldResult = "result"
	DefaultTTL  = 30 * time.Second
)

// ErrCircuitOpen is returned while Redis is considered unhealthy.
var ErrCircuitOpen = errors.New("snapshot cache circuit open")

// RedisCache implements service.SnapshotCache.
type RedisCache struct {
	client  redis.Cmdable
	ttl     time.Duration
	breaker *circuit.Breaker
}

var _ service.SnapshotCache = (*RedisCache)(nil)

type Option func(*RedisCache)

func WithTTL(ttl time.Duration) Option {
	return func(c *RedisCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *circuit.Breaker) Option {
	return func(c *RedisCache) {
		c.breaker = b
	}
}

func NewRedisCache(client redis.Cmdable, opts ...Option) *RedisCache {
	c := &RedisCache{
		client: client,
		ttl:    DefaultTTL,
		breaker: circuit.New("gate-snapshot",
			circuit.WithFailureThreshold(3),
			circuit.WithCooldown(5*time.Second)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func key(ref domain.DeliveryRef) string {
	return keyPrefix + ref.Key()
}

// putScript stores a result unless the cached one has a higher revision, so a
// slow writer cannot replace a newer snapshot with an older view.
var putScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'revision')
if current and tonumber(current) > tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], 'result', ARGV[1], 'revision', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// Get returns the cached result; ok is false on a miss.
func (c *RedisCache) Get(ctx context.Context, ref domain.DeliveryRef) (*gate.Result, bool, error) {
	if !c.breaker.Allow() {
		return nil, false, ErrCircuitOpen
	}
	raw, err := c.client.HGet(ctx, key(ref), fieldResult).Bytes()
	if errors.Is(err, redis.Nil) {
		c.breaker.RecordSuccess()
		return nil, false, nil
	}
	if err != nil {
		c.breaker.RecordFailure()
		return nil, false, fmt.Errorf("get gate snapshot: %w", err)
	}
	c.breaker.RecordSuccess()

	var res gate.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		// A corrupt entry is a miss; the caller recomputes and overwrites it.
		return nil, false, nil
	}
	if res.BlockingChecks == nil {
		res.BlockingChecks = []gate.BlockingCheck{}
	}
	return &res, true, nil
}

// Put stores result for the configured TTL. A result older than the cached
// one is dropped without error.
func (c *RedisCache) Put(ctx context.Context, ref domain.DeliveryRef, result gate.Result) error {
	if !c.breaker.Allow() {
		return ErrCircuitOpen
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal gate snapshot: %w", err)
	}
	if err := putScript.Run(ctx, c.client, []string{key(ref)},
		string(raw), result.Revision, c.ttl.Milliseconds(),
	).Err(); err != nil {
		c.breaker.RecordFailure()
		return fmt.Errorf("set gate snapshot: %w", err)
	}
	c.breaker.RecordSuccess()
	return nil
}

// Invalidate removes a delivery's snapshot so the next read goes to the store.
func (c *RedisCache) Invalidate(ctx context.Context, ref domain.DeliveryRef) error {
	if !c.breaker.Allow() {
		return ErrCircuitOpen
	}
	if err := c.client.Del(ctx, key(ref)).Err(); err != nil {
		c.breaker.RecordFailure()
		return fmt.Errorf("delete gate snapshot: %w", err)
	}
	c.breaker.RecordSuccess()
	return nil
}
