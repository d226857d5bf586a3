//go:build integration

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buttermb/delviery-sub009/pkg/testutil/containers"
)

func TestRedisStoreSlidingWindow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	rc := containers.NewRedisContainer(t)
	ctx := context.Background()
	store := NewRedisStore(rc.Client)

	for i := range 3 {
		res, err := store.Allow(ctx, "actor:runner-1", 3, 2*time.Second)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res, err := store.Allow(ctx, "actor:runner-1", 3, 2*time.Second)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.GreaterOrEqual(t, res.RetryAfter, 1)

	require.Eventually(t, func() bool {
		res, err := store.Allow(ctx, "actor:runner-1", 3, 2*time.Second)
		return err == nil && res.Allowed
	}, 5*time.Second, 200*time.Millisecond)
}
