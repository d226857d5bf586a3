package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/buttermb/delviery-sub009/internal/compliance/models"
	"github.com/buttermb/delviery-sub009/internal/compliance/service"
	"github.com/buttermb/delviery-sub009/pkg/domain"
	"github.com/buttermb/delviery-sub009/pkg/platform/sentinel"
)

type StoreSuite struct {
	suite.Suite
	store *Store
	ctx   context.Context
	ref   domain.DeliveryRef
	now   time.Time
}

func (s *StoreSuite) SetupTest() {
	s.store = New()
	s.ctx = context.Background()
	s.ref = domain.DeliveryRef{OrderID: "order-1", DeliveryID: "delivery-1"}
	s.now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) newCheck(t models.CheckType) *models.Check {
	c, err := models.NewCheck(domain.NewCheckID(), s.ref, "default", t, true, models.EmptyCheckData(t), s.now)
	s.Require().NoError(err)
	return c
}

func (s *StoreSuite) newEntry(c *models.Check, at time.Time) *models.AuditEntry {
	return &models.AuditEntry{
		ID:         domain.NewEntryID(),
		OrderID:    c.OrderID,
		DeliveryID: c.DeliveryID,
		CheckID:    c.ID,
		CheckType:  c.Type,
		Action:     models.ActionInitialized,
		ActorType:  domain.ActorSystem,
		ActorID:    domain.SystemActorID,
		CreatedAt:  at,
	}
}

func (s *StoreSuite) TestChecks() {
	s.Run("creates and finds check by ID", func() {
		c := s.newCheck(models.CheckAgeVerification)
		s.Require().NoError(s.store.Checks().Create(s.ctx, c))

		found, err := s.store.Checks().FindByID(s.ctx, c.ID)
		s.Require().NoError(err)
		s.Equal(c.Type, found.Type)
		s.Equal(models.StatusPending, found.Status)
	})

	s.Run("returns ErrNotFound for unknown ID", func() {
		_, err := s.store.Checks().FindByID(s.ctx, domain.NewCheckID())
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("rejects a second check of the same type for a delivery", func() {
		s.store.Clear()
		s.Require().NoError(s.store.Checks().Create(s.ctx, s.newCheck(models.CheckLicensedZone)))
		err := s.store.Checks().Create(s.ctx, s.newCheck(models.CheckLicensedZone))
		s.ErrorIs(err, sentinel.ErrAlreadyUsed)
	})

	s.Run("returned checks are copies", func() {
		c := s.newCheck(models.CheckIDOnFile)
		s.Require().NoError(s.store.Checks().Create(s.ctx, c))
		c.Status = models.StatusPassed

		found, err := s.store.Checks().FindByID(s.ctx, c.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusPending, found.Status)
	})

	s.Run("lists a delivery's checks in canonical order", func() {
		s.store.Clear()
		for _, t := range []models.CheckType{models.CheckCustomerStatus, models.CheckAgeVerification, models.CheckTimeRestriction} {
			s.Require().NoError(s.store.Checks().Create(s.ctx, s.newCheck(t)))
		}
		other := s.newCheck(models.CheckAgeVerification)
		other.DeliveryID = "delivery-2"
		s.Require().NoError(s.store.Checks().Create(s.ctx, other))

		list, err := s.store.Checks().ListByDelivery(s.ctx, s.ref)
		s.Require().NoError(err)
		s.Require().Len(list, 3)
		s.Equal(models.CheckAgeVerification, list[0].Type)
		s.Equal(models.CheckTimeRestriction, list[1].Type)
		s.Equal(models.CheckCustomerStatus, list[2].Type)
	})
}

func (s *StoreSuite) TestUpdateIfStatus() {
	c := s.newCheck(models.CheckQuantityLimit)
	s.Require().NoError(s.store.Checks().Create(s.ctx, c))

	s.Run("writes when the stored status matches", func() {
		next := c.Clone()
		next.Status = models.StatusFailed
		s.Require().NoError(s.store.Checks().UpdateIfStatus(s.ctx, next, models.StatusPending))

		found, err := s.store.Checks().FindByID(s.ctx, c.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusFailed, found.Status)
	})

	s.Run("returns ErrConflict when the stored status moved on", func() {
		stale := c.Clone()
		stale.Status = models.StatusPassed
		s.ErrorIs(s.store.Checks().UpdateIfStatus(s.ctx, stale, models.StatusPending), sentinel.ErrConflict)
	})

	s.Run("returns ErrNotFound for unknown check", func() {
		unknown := s.newCheck(models.CheckAgeVerification)
		s.ErrorIs(s.store.Checks().UpdateIfStatus(s.ctx, unknown, models.StatusPending), sentinel.ErrNotFound)
	})
}

func (s *StoreSuite) TestAuditChain() {
	c := s.newCheck(models.CheckAgeVerification)
	first := s.newEntry(c, s.now)
	second := s.newEntry(c, s.now.Add(-time.Minute))
	s.Require().NoError(s.store.Audit().Append(s.ctx, first))
	s.Require().NoError(s.store.Audit().Append(s.ctx, second))

	entries, err := s.store.Audit().ListByDelivery(s.ctx, s.ref)
	s.Require().NoError(err)
	s.Require().Len(entries, 2)

	s.Empty(entries[0].PrevHash)
	s.Equal(entries[0].Hash, entries[1].PrevHash)
	s.Less(entries[0].Seq, entries[1].Seq)
	s.False(entries[1].CreatedAt.Before(entries[0].CreatedAt), "created_at must not go backwards")

	for _, e := range entries {
		sum, err := e.ComputeHash()
		s.Require().NoError(err)
		s.Equal(e.Hash, sum)
	}
}

func (s *StoreSuite) TestRunInTx() {
	s.Run("commits every write when fn succeeds", func() {
		s.store.Clear()
		c := s.newCheck(models.CheckAgeVerification)
		err := s.store.RunInTx(s.ctx, func(ctx context.Context, st service.Stores) error {
			if err := st.Checks.Create(ctx, c); err != nil {
				return err
			}
			listed, err := st.Checks.ListByDelivery(ctx, s.ref)
			s.Require().NoError(err)
			s.Len(listed, 1, "writes are visible inside the transaction")
			return st.Audit.Append(ctx, s.newEntry(c, s.now))
		})
		s.Require().NoError(err)

		checks, _ := s.store.Checks().ListByDelivery(s.ctx, s.ref)
		entries, _ := s.store.Audit().ListByDelivery(s.ctx, s.ref)
		s.Len(checks, 1)
		s.Len(entries, 1)
	})

	s.Run("discards every write when fn fails", func() {
		s.store.Clear()
		boom := errors.New("boom")
		c := s.newCheck(models.CheckAgeVerification)
		err := s.store.RunInTx(s.ctx, func(ctx context.Context, st service.Stores) error {
			s.Require().NoError(st.Checks.Create(ctx, c))
			s.Require().NoError(st.Audit.Append(ctx, s.newEntry(c, s.now)))
			return boom
		})
		s.ErrorIs(err, boom)

		checks, _ := s.store.Checks().ListByDelivery(s.ctx, s.ref)
		entries, _ := s.store.Audit().ListByDelivery(s.ctx, s.ref)
		s.Empty(checks)
		s.Empty(entries)
	})

	s.Run("refuses a cancelled context", func() {
		ctx, cancel := context.WithCancel(s.ctx)
		cancel()
		called := false
		err := s.store.RunInTx(ctx, func(context.Context, service.Stores) error {
			called = true
			return nil
		})
		s.ErrorIs(err, context.Canceled)
		s.False(called)
	})
}

func (s *StoreSuite) TestConcurrentGuardedUpdates() {
	c := s.newCheck(models.CheckIDOnFile)
	s.Require().NoError(s.store.Checks().Create(s.ctx, c))

	const writers = 20
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := c.Clone()
			next.Status = models.StatusPassed
			results <- s.store.Checks().UpdateIfStatus(s.ctx, next, models.StatusPending)
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		s.ErrorIs(err, sentinel.ErrConflict)
	}
	s.Equal(1, wins)
}
