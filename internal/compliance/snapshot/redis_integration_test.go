//go:build integration

package snapshot_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/buttermb/delviery-sub009/internal/compliance/gate"
	"github.com/buttermb/delviery-sub009/internal/compliance/snapshot"
	"github.com/buttermb/delviery-sub009/pkg/domain"
	"github.com/buttermb/delviery-sub009/pkg/testutil/containers"
)

type RedisCacheSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	cache *snapshot.RedisCache
}

func TestRedisCacheSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisCacheSuite))
}

func (s *RedisCacheSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
	s.cache = snapshot.NewRedisCache(s.redis.Client, snapshot.WithTTL(time.Second))
}

func (s *RedisCacheSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisCacheSuite) TestSnapshotsExpire() {
	ctx := context.Background()
	ref := domain.DeliveryRef{OrderID: "order-1", DeliveryID: "delivery-1"}
	res := gate.Result{CanComplete: true, BlockingChecks: []gate.BlockingCheck{}}

	s.Require().NoError(s.cache.Put(ctx, ref, res))
	got, ok, err := s.cache.Get(ctx, ref)
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Equal(res, *got)

	s.Eventually(func() bool {
		_, ok, err := s.cache.Get(ctx, ref)
		return err == nil && !ok
	}, 5*time.Second, 100*time.Millisecond)
}

func (s *RedisCacheSuite) TestOlderSnapshotDoesNotReplaceNewer() {
	ctx := context.Background()
	ref := domain.DeliveryRef{OrderID: "order-2", DeliveryID: "delivery-2"}
	cache := snapshot.NewRedisCache(s.redis.Client, snapshot.WithTTL(time.Minute))
	newer := gate.Result{CanComplete: true, BlockingChecks: []gate.BlockingCheck{}, Revision: 12}
	older := gate.Result{CanComplete: false, BlockingChecks: []gate.BlockingCheck{{CheckType: "id_on_file", Status: "pending"}}, Revision: 11}

	s.Require().NoError(cache.Put(ctx, ref, newer))
	s.Require().NoError(cache.Put(ctx, ref, older))
	got, ok, err := cache.Get(ctx, ref)
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Equal(newer, *got)

	s.Require().NoError(cache.Invalidate(ctx, ref))
	s.Require().NoError(cache.Put(ctx, ref, older))
	got, ok, err = cache.Get(ctx, ref)
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Equal(older, *got)
}
