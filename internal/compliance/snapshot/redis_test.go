package snapshot

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buttermb/delviery-sub009/internal/compliance/gate"
	"github.com/buttermb/delviery-sub009/internal/compliance/models"
	"github.com/buttermb/delviery-sub009/pkg/domain"
	"github.com/buttermb/delviery-sub009/pkg/platform/circuit"
)

// fakeRedis implements the few commands the cache uses, running the put
// script's logic in Go. Calling any other method panics through the nil
// embedded interface.
type fakeRedis struct {
	redis.Cmdable
	data map[string]map[string]string
	ttl  map[string]time.Duration
	err  error
	gets int
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]map[string]string{}, ttl: map[string]time.Duration{}}
}

// noScript makes Script.Run fall back from EVALSHA to EVAL.
type noScript struct{}

func (noScript) Error() string { return "NOSCRIPT No matching script" }
func (noScript) RedisError()   {}

func (f *fakeRedis) HGet(_ context.Context, key, field string) *redis.StringCmd {
	f.gets++
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.data[key][field]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) EvalSha(_ context.Context, _ string, _ []string, _ ...any) *redis.Cmd {
	return redis.NewCmdResult(nil, noScript{})
}

func (f *fakeRedis) Eval(_ context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	if f.err != nil {
		return redis.NewCmdResult(nil, f.err)
	}
	revision := args[1].(int64)
	if cur, ok := f.data[keys[0]]["revision"]; ok {
		stored, _ := strconv.ParseInt(cur, 10, 64)
		if stored > revision {
			return redis.NewCmdResult(int64(0), nil)
		}
	}
	f.data[keys[0]] = map[string]string{
		"result":   args[0].(string),
		"revision": strconv.FormatInt(revision, 10),
	}
	f.ttl[keys[0]] = time.Duration(args[2].(int64)) * time.Millisecond
	return redis.NewCmdResult(int64(1), nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	for _, k := range keys {
		delete(f.data, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

var ref = domain.DeliveryRef{OrderID: "order-1", DeliveryID: "delivery-1"}

func TestRedisCache(t *testing.T) {
	blocked := gate.Result{
		CanComplete: false,
		Revision:    7,
		BlockingChecks: []gate.BlockingCheck{{
			CheckID:       domain.NewCheckID().String(),
			CheckType:     models.CheckLicensedZone,
			Status:        models.StatusFailed,
			FailureReason: "outside licensed delivery area",
		}},
	}

	t.Run("round trips a result with the configured TTL", func(t *testing.T) {
		fake := newFakeRedis()
		cache := NewRedisCache(fake, WithTTL(time.Minute))

		require.NoError(t, cache.Put(context.Background(), ref, blocked))
		got, ok, err := cache.Get(context.Background(), ref)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, blocked, *got)
		assert.Equal(t, time.Minute, fake.ttl["compliance:gate:order-1/delivery-1"])
	})

	t.Run("reports a miss", func(t *testing.T) {
		cache := NewRedisCache(newFakeRedis())
		_, ok, err := cache.Get(context.Background(), ref)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("treats a corrupt entry as a miss", func(t *testing.T) {
		fake := newFakeRedis()
		fake.data[key(ref)] = map[string]string{"result": "{not json", "revision": "1"}
		_, ok, err := NewRedisCache(fake).Get(context.Background(), ref)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("invalidates", func(t *testing.T) {
		fake := newFakeRedis()
		cache := NewRedisCache(fake)
		require.NoError(t, cache.Put(context.Background(), ref, blocked))
		require.NoError(t, cache.Invalidate(context.Background(), ref))
		_, ok, err := cache.Get(context.Background(), ref)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("keeps a newer snapshot when an older one arrives late", func(t *testing.T) {
		fake := newFakeRedis()
		cache := NewRedisCache(fake)
		resolved := gate.Result{CanComplete: true, BlockingChecks: []gate.BlockingCheck{}, Revision: 9}

		require.NoError(t, cache.Put(context.Background(), ref, resolved))
		require.NoError(t, cache.Put(context.Background(), ref, blocked))

		got, ok, err := cache.Get(context.Background(), ref)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, resolved, *got)
	})

	t.Run("replaces a snapshot of the same revision", func(t *testing.T) {
		fake := newFakeRedis()
		cache := NewRedisCache(fake)
		require.NoError(t, cache.Put(context.Background(), ref, blocked))
		again := blocked
		again.BlockingChecks = []gate.BlockingCheck{}
		require.NoError(t, cache.Put(context.Background(), ref, again))

		got, _, err := cache.Get(context.Background(), ref)
		require.NoError(t, err)
		assert.Empty(t, got.BlockingChecks)
	})

	t.Run("stops calling redis once the breaker opens", func(t *testing.T) {
		fake := newFakeRedis()
		fake.err = errors.New("connection refused")
		cache := NewRedisCache(fake, WithBreaker(circuit.New("test",
			circuit.WithFailureThreshold(2), circuit.WithCooldown(time.Hour))))

		for range 2 {
			_, _, err := cache.Get(context.Background(), ref)
			require.Error(t, err)
		}
		_, _, err := cache.Get(context.Background(), ref)
		assert.ErrorIs(t, err, ErrCircuitOpen)
		assert.Equal(t, 2, fake.gets)
		assert.ErrorIs(t, cache.Put(context.Background(), ref, blocked), ErrCircuitOpen)
		assert.ErrorIs(t, cache.Invalidate(context.Background(), ref), ErrCircuitOpen)
	})
}
