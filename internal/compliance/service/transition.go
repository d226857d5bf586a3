package service

import (
	"context"
	"time"

	"github.com/buttermb/delviery-sub009/internal/compliance/models"
	"github.com/buttermb/delviery-sub009/pkg/domain"
	dErrors "github.com/buttermb/delviery-sub009/pkg/domain-errors"
	"github.com/buttermb/delviery-sub009/pkg/requestcontext"
)

// mutation applies one transition to a freshly loaded check and describes the
// audit entry it produces.
type mutation struct {
	operation string
	expected  models.Status
	action    models.AuditAction
	actor     domain.Actor
	// apply validates and mutates c, returning extra audit metadata.
	apply func(c *models.Check, now time.Time) (map[string]any, error)
}

// transition loads the check, applies m and writes the check and its audit
// entry in one transaction. The write only succeeds if the stored status is
// still m.expected, so concurrent writers cannot both win.
func (s *Service) transition(ctx context.Context, id domain.CheckID, m mutation) (*models.Check, error) {
	now := requestcontext.Now(ctx)
	var updated *models.Check
	err := s.tx.RunInTx(ctx, func(ctx context.Context, st Stores) error {
		check, err := st.Checks.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if check.Status != m.expected {
			return conflict(check, m.expected)
		}
		previous := check.Status
		meta, err := m.apply(check, now)
		if err != nil {
			return err
		}
		if err := st.Checks.UpdateIfStatus(ctx, check, m.expected); err != nil {
			return err
		}

		if meta == nil {
			meta = map[string]any{}
		}
		meta[models.MetaPreviousStatus] = string(previous)
		meta[models.MetaNewStatus] = string(check.Status)
		if err := st.Audit.Append(ctx, clientEntry(ctx, newEntry(check, m.action, m.actor, now, meta))); err != nil {
			return err
		}
		updated = check
		return nil
	})
	if err != nil {
		err = translateStoreErr(err, "check not found")
		if dErrors.HasCode(err, dErrors.CodeConflict) {
			s.metrics.IncrementConflict(m.operation)
		}
		return nil, err
	}

	method := string(updated.VerificationMethod)
	if m.action == models.ActionOverridden {
		method = "override"
	}
	s.metrics.IncrementTransition(string(updated.Type), string(updated.Status), method)
	s.refreshSnapshot(ctx, updated.Ref())

	s.logger.InfoContext(ctx, "compliance check transitioned",
		"operation", m.operation,
		"check_id", updated.ID.String(),
		"check_type", string(updated.Type),
		"order_id", updated.OrderID,
		"delivery_id", updated.DeliveryID,
		"status", string(updated.Status),
		"actor_id", m.actor.ID,
		"request_id", requestcontext.RequestID(ctx),
	)
	return updated, nil
}

func conflict(c *models.Check, expected models.Status) error {
	return dErrors.New(dErrors.CodeConflict,
		"check "+c.ID.String()+" is "+string(c.Status)+", expected "+string(expected))
}
