package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/buttermb/delviery-sub009/internal/compliance/authz"
	"github.com/buttermb/delviery-sub009/internal/compliance/models"
	"github.com/buttermb/delviery-sub009/pkg/domain"
)

// OverrideCheck unblocks a failed check. The actor's capability is checked
// before the reason, so an unauthorized actor always gets a permission error.
// The reason is recorded verbatim.
func (s *Service) OverrideCheck(ctx context.Context, id domain.CheckID, reason string, actor domain.Actor) (check *models.Check, err error) {
	start := time.Now()
	defer s.metrics.ObserveOperation("override", start)
	ctx, span := s.startSpan(ctx, "OverrideCheck", attribute.String("check_id", id.String()))
	defer func() { endSpan(span, err) }()

	if err := authz.Require(s.authz, actor, authz.ManageDeliveries); err != nil {
		s.logger.WarnContext(ctx, "override denied",
			"check_id", id.String(),
			"actor_id", actor.ID,
			"actor_type", string(actor.Type),
		)
		return nil, err
	}
	if err := s.validateReason(reason); err != nil {
		return nil, err
	}

	return s.transition(ctx, id, mutation{
		operation: "override",
		expected:  models.StatusFailed,
		action:    models.ActionOverridden,
		actor:     actor,
		apply: func(c *models.Check, now time.Time) (map[string]any, error) {
			if err := c.CanOverride(); err != nil {
				return nil, err
			}
			failure := c.FailureReason
			c.ApplyOverride(actor.ID, reason, now)
			return map[string]any{
				models.MetaReason:        reason,
				models.MetaFailureReason: failure,
			}, nil
		},
	})
}

// SkipCheck marks a pending check as skipped. It is an explicit,
// audited administrative action with the same capability and reason rules as
// an override. A skipped blocking check still blocks completion.
func (s *Service) SkipCheck(ctx context.Context, id domain.CheckID, reason string, actor domain.Actor) (check *models.Check, err error) {
	start := time.Now()
	defer s.metrics.ObserveOperation("skip", start)
	ctx, span := s.startSpan(ctx, "SkipCheck", attribute.String("check_id", id.String()))
	defer func() { endSpan(span, err) }()

	if err := authz.Require(s.authz, actor, authz.ManageDeliveries); err != nil {
		return nil, err
	}
	if err := s.validateReason(reason); err != nil {
		return nil, err
	}

	return s.transition(ctx, id, mutation{
		operation: "skip",
		expected:  models.StatusPending,
		action:    models.ActionSkipped,
		actor:     actor,
		apply: func(c *models.Check, now time.Time) (map[string]any, error) {
			if err := c.CanSkip(); err != nil {
				return nil, err
			}
			c.ApplySkip(actor.ID, reason, now)
			return map[string]any{models.MetaReason: reason}, nil
		},
	})
}
