package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/buttermb/delviery-sub009/internal/compliance/gate"
	"github.com/buttermb/delviery-sub009/internal/compliance/models"
	"github.com/buttermb/delviery-sub009/internal/compliance/registry"
	"github.com/buttermb/delviery-sub009/internal/compliance/service"
	"github.com/buttermb/delviery-sub009/internal/compliance/service/mocks"
	"github.com/buttermb/delviery-sub009/pkg/domain"
	dErrors "github.com/buttermb/delviery-sub009/pkg/domain-errors"
	"github.com/buttermb/delviery-sub009/pkg/platform/sentinel"
	"github.com/buttermb/delviery-sub009/pkg/testutil"
)

type mockDeps struct {
	checks    *mocks.MockCheckStore
	audit     *mocks.MockAuditStore
	tx        *mocks.MockTxRunner
	snapshots *mocks.MockSnapshotCache
}

func newMockService(t *testing.T) (*service.Service, mockDeps) {
	ctrl := gomock.NewController(t)
	deps := mockDeps{
		checks:    mocks.NewMockCheckStore(ctrl),
		audit:     mocks.NewMockAuditStore(ctrl),
		tx:        mocks.NewMockTxRunner(ctrl),
		snapshots: mocks.NewMockSnapshotCache(ctrl),
	}
	svc := service.New(deps.checks, deps.audit, deps.tx, registry.Builtin(),
		service.WithSnapshotCache(deps.snapshots))
	return svc, deps
}

func TestStorageErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		storeErr  error
		code      dErrors.Code
		retryable bool
	}{
		{name: "missing check", storeErr: sentinel.ErrNotFound, code: dErrors.CodeNotFound},
		{name: "unavailable storage", storeErr: sentinel.ErrUnavailable, code: dErrors.CodePersistence, retryable: true},
		{name: "deadline exceeded", storeErr: context.DeadlineExceeded, code: dErrors.CodePersistence, retryable: true},
		{name: "unexpected failure", storeErr: errors.New("disk corrupted"), code: dErrors.CodePersistence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, deps := newMockService(t)
			deps.checks.EXPECT().FindByID(gomock.Any(), gomock.Any()).Return(nil, tt.storeErr)

			_, err := svc.GetCheck(context.Background(), domain.NewCheckID())
			require.Error(t, err)
			assert.Equal(t, tt.code, dErrors.CodeOf(err))
			assert.Equal(t, tt.retryable, dErrors.IsRetryable(err))
		})
	}
}

func TestTransientTransactionFailure(t *testing.T) {
	svc, deps := newMockService(t)
	deps.tx.EXPECT().RunInTx(gomock.Any(), gomock.Any()).Return(sentinel.ErrUnavailable)

	_, err := svc.ManualVerify(context.Background(), domain.NewCheckID(), models.StatusPassed, "", testutil.Runner)
	require.Error(t, err)
	assert.True(t, dErrors.IsRetryable(err))
}

func TestConflictingWriteIsReported(t *testing.T) {
	svc, deps := newMockService(t)
	check, err := models.NewCheck(domain.NewCheckID(), domain.DeliveryRef{OrderID: "o-1", DeliveryID: "d-1"},
		registry.ScopeDefault, models.CheckIDOnFile, true, models.EmptyCheckData(models.CheckIDOnFile), time.Now())
	require.NoError(t, err)

	deps.tx.EXPECT().RunInTx(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, fn func(context.Context, service.Stores) error) error {
			return fn(ctx, service.Stores{Checks: deps.checks, Audit: deps.audit})
		})
	deps.checks.EXPECT().FindByID(gomock.Any(), check.ID).Return(check, nil)
	deps.checks.EXPECT().UpdateIfStatus(gomock.Any(), gomock.Any(), models.StatusPending).Return(sentinel.ErrConflict)

	_, err = svc.ManualVerify(context.Background(), check.ID, models.StatusPassed, "", testutil.Runner)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
}

func TestGateSnapshot(t *testing.T) {
	ref := domain.DeliveryRef{OrderID: "o-1", DeliveryID: "d-1"}

	t.Run("serves a cached result without reading the store", func(t *testing.T) {
		svc, deps := newMockService(t)
		cached := &gate.Result{CanComplete: true, BlockingChecks: []gate.BlockingCheck{}}
		deps.snapshots.EXPECT().Get(gomock.Any(), ref).Return(cached, true, nil)

		got, err := svc.GateSnapshot(context.Background(), ref)
		require.NoError(t, err)
		assert.Equal(t, cached, got)
	})

	t.Run("computes and stores the result on a miss", func(t *testing.T) {
		svc, deps := newMockService(t)
		check, err := models.NewCheck(domain.NewCheckID(), ref, registry.ScopeDefault, models.CheckAgeVerification, true,
			models.EmptyCheckData(models.CheckAgeVerification), time.Now())
		require.NoError(t, err)

		deps.snapshots.EXPECT().Get(gomock.Any(), ref).Return(nil, false, nil)
		deps.checks.EXPECT().ListByDelivery(gomock.Any(), ref).Return([]*models.Check{check}, nil)
		deps.snapshots.EXPECT().Put(gomock.Any(), ref, gomock.Any()).DoAndReturn(
			func(_ context.Context, _ domain.DeliveryRef, res gate.Result) error {
				assert.False(t, res.CanComplete)
				return nil
			})

		got, err := svc.GateSnapshot(context.Background(), ref)
		require.NoError(t, err)
		assert.Equal(t, []models.CheckType{models.CheckAgeVerification}, got.Types())
	})

	t.Run("falls back to the store when the cache fails", func(t *testing.T) {
		svc, deps := newMockService(t)
		deps.snapshots.EXPECT().Get(gomock.Any(), ref).Return(nil, false, errors.New("redis down"))
		deps.checks.EXPECT().ListByDelivery(gomock.Any(), ref).Return(nil, nil)

		_, err := svc.GateSnapshot(context.Background(), ref)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func TestSnapshotRefreshAfterWrite(t *testing.T) {
	ref := domain.DeliveryRef{OrderID: "o-1", DeliveryID: "d-1"}

	// expectVerify lets a manual verification of a pending id_on_file check commit.
	expectVerify := func(t *testing.T, deps mockDeps) *models.Check {
		check, err := models.NewCheck(domain.NewCheckID(), ref, registry.ScopeDefault, models.CheckIDOnFile, true,
			models.EmptyCheckData(models.CheckIDOnFile), time.Now())
		require.NoError(t, err)
		deps.tx.EXPECT().RunInTx(gomock.Any(), gomock.Any()).DoAndReturn(
			func(ctx context.Context, fn func(context.Context, service.Stores) error) error {
				return fn(ctx, service.Stores{Checks: deps.checks, Audit: deps.audit})
			})
		deps.checks.EXPECT().FindByID(gomock.Any(), check.ID).Return(check, nil)
		deps.checks.EXPECT().UpdateIfStatus(gomock.Any(), gomock.Any(), models.StatusPending).Return(nil)
		deps.audit.EXPECT().Append(gomock.Any(), gomock.Any()).Return(nil)
		return check
	}

	t.Run("stores the recomputed gate with its revision", func(t *testing.T) {
		svc, deps := newMockService(t)
		check := expectVerify(t, deps)
		deps.checks.EXPECT().ListByDelivery(gomock.Any(), ref).DoAndReturn(
			func(context.Context, domain.DeliveryRef) ([]*models.Check, error) {
				return []*models.Check{check}, nil
			})
		deps.snapshots.EXPECT().Put(gomock.Any(), ref, gomock.Any()).DoAndReturn(
			func(_ context.Context, _ domain.DeliveryRef, res gate.Result) error {
				assert.True(t, res.CanComplete)
				assert.Equal(t, int64(2), res.Revision)
				return nil
			})

		_, err := svc.ManualVerify(context.Background(), check.ID, models.StatusPassed, "", testutil.Runner)
		require.NoError(t, err)
	})

	t.Run("drops the snapshot when the new gate cannot be stored", func(t *testing.T) {
		svc, deps := newMockService(t)
		check := expectVerify(t, deps)
		deps.checks.EXPECT().ListByDelivery(gomock.Any(), ref).Return([]*models.Check{check}, nil)
		deps.snapshots.EXPECT().Put(gomock.Any(), ref, gomock.Any()).Return(errors.New("redis timeout"))
		deps.snapshots.EXPECT().Invalidate(gomock.Any(), ref).Return(nil)

		_, err := svc.ManualVerify(context.Background(), check.ID, models.StatusPassed, "", testutil.Runner)
		require.NoError(t, err, "cache failures never fail the write")
	})

	t.Run("drops the snapshot when committed state cannot be read", func(t *testing.T) {
		svc, deps := newMockService(t)
		check := expectVerify(t, deps)
		deps.checks.EXPECT().ListByDelivery(gomock.Any(), ref).Return(nil, sentinel.ErrUnavailable)
		deps.snapshots.EXPECT().Invalidate(gomock.Any(), ref).Return(errors.New("redis down"))

		_, err := svc.ManualVerify(context.Background(), check.ID, models.StatusPassed, "", testutil.Runner)
		require.NoError(t, err)
	})
}
