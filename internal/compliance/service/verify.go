package service

import (
	"context"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"github.com/buttermb/delviery-sub009/internal/compliance/authz"
	"github.com/buttermb/delviery-sub009/internal/compliance/models"
	"github.com/buttermb/delviery-sub009/internal/compliance/registry"
	"github.com/buttermb/delviery-sub009/internal/compliance/rules"
	"github.com/buttermb/delviery-sub009/pkg/domain"
	dErrors "github.com/buttermb/delviery-sub009/pkg/domain-errors"
	"github.com/buttermb/delviery-sub009/pkg/requestcontext"
)

// AutoVerifyRequest asks for the rule evaluators to run against a delivery.
type AutoVerifyRequest struct {
	Ref     domain.DeliveryRef
	Context models.EvaluationContext
}

// AutoVerifySystemChecks evaluates every pending check that has a rule.
// Verdicts are recorded by the system actor; the requester is kept in the
// audit metadata. Checks without the data their rule needs stay pending, and a
// check another writer resolved first is left alone.
func (s *Service) AutoVerifySystemChecks(ctx context.Context, req AutoVerifyRequest, actor domain.Actor) (checks []*models.Check, err error) {
	start := time.Now()
	defer s.metrics.ObserveOperation("auto_verify", start)
	ctx, span := s.startSpan(ctx, "AutoVerifySystemChecks", refAttrs(req.Ref)...)
	defer func() { endSpan(span, err) }()

	if err := authz.Require(s.authz, actor, authz.InitiateChecks); err != nil {
		return nil, err
	}
	if req.Ref, err = domain.ParseDeliveryRef(req.Ref.OrderID, req.Ref.DeliveryID); err != nil {
		return nil, err
	}
	if err := req.Context.Validate(); err != nil {
		return nil, err
	}

	current, err := s.checks.ListByDelivery(ctx, req.Ref)
	if err != nil {
		return nil, translateStoreErr(err, "delivery not found")
	}
	if len(current) == 0 {
		return nil, dErrors.New(dErrors.CodeNotFound, "no compliance checks for delivery")
	}
	sortChecks(current)

	now := requestcontext.Now(ctx)
	evaluated := 0
	for _, c := range current {
		if c.Status != models.StatusPending {
			continue
		}
		evaluate, ok := rules.For(c.Type)
		if !ok {
			continue
		}
		verdict := evaluate(req.Context, s.paramsFor(ctx, c.PolicyScope), now)
		if verdict.Outcome == rules.Undetermined {
			continue
		}

		next := models.StatusPassed
		if verdict.Outcome == rules.Fail {
			next = models.StatusFailed
		}
		_, err := s.transition(ctx, c.ID, mutation{
			operation: "auto_verify",
			expected:  models.StatusPending,
			action:    models.ActionAutoVerified,
			actor:     domain.SystemActor,
			apply: func(check *models.Check, now time.Time) (map[string]any, error) {
				if err := check.CanAutoVerify(next); err != nil {
					return nil, err
				}
				check.ApplyAutoVerification(next, verdict.Reason, verdict.Data, now)
				meta := map[string]any{models.MetaRequestedBy: actor.ID}
				if verdict.Reason != "" {
					meta[models.MetaFailureReason] = verdict.Reason
				}
				return meta, nil
			},
		})
		if err != nil {
			if dErrors.HasCode(err, dErrors.CodeConflict) {
				continue
			}
			return nil, err
		}
		evaluated++
	}
	span.SetAttributes(attribute.Int("transitions", evaluated))

	checks, err = s.checks.ListByDelivery(ctx, req.Ref)
	if err != nil {
		return nil, translateStoreErr(err, "delivery not found")
	}
	sortChecks(checks)

	s.logger.InfoContext(ctx, "compliance checks auto-verified",
		"order_id", req.Ref.OrderID,
		"delivery_id", req.Ref.DeliveryID,
		"transitions", evaluated,
		"requested_by", actor.ID,
		"request_id", requestcontext.RequestID(ctx),
	)
	return checks, nil
}

// paramsFor resolves rule defaults for the scope a check was created under.
// A scope removed from configuration after creation falls back to the
// built-in defaults.
func (s *Service) paramsFor(ctx context.Context, scope string) rules.Params {
	policy, err := s.registry.Policy(scope)
	if err != nil {
		s.logger.WarnContext(ctx, "policy scope no longer configured; using default rule parameters",
			"policy_scope", scope,
			"request_id", requestcontext.RequestID(ctx),
		)
		return rules.Params{MinimumAge: registry.DefaultMinimumAge}
	}
	return rules.ParamsFor(policy)
}

// ManualVerify records a runner's or administrator's outcome for a pending check.
func (s *Service) ManualVerify(ctx context.Context, id domain.CheckID, status models.Status, notes string, actor domain.Actor) (check *models.Check, err error) {
	start := time.Now()
	defer s.metrics.ObserveOperation("manual_verify", start)
	ctx, span := s.startSpan(ctx, "ManualVerify", attribute.String("check_id", id.String()))
	defer func() { endSpan(span, err) }()

	if err := authz.Require(s.authz, actor, authz.VerifyChecks); err != nil {
		return nil, err
	}
	if status != models.StatusPassed && status != models.StatusFailed {
		return nil, dErrors.New(dErrors.CodeValidation, "status must be passed or failed")
	}
	if utf8.RuneCountInString(notes) > MaxNotesLength {
		return nil, dErrors.New(dErrors.CodeValidation, "notes must be at most 1000 characters")
	}

	return s.transition(ctx, id, mutation{
		operation: "manual_verify",
		expected:  models.StatusPending,
		action:    models.ActionManuallyVerified,
		actor:     actor,
		apply: func(c *models.Check, now time.Time) (map[string]any, error) {
			if err := c.CanManuallyVerify(status); err != nil {
				return nil, err
			}
			c.ApplyManualVerification(status, actor.ID, notes, now)
			meta := map[string]any{}
			if notes != "" {
				meta[models.MetaNotes] = notes
			}
			if status == models.StatusFailed {
				meta[models.MetaFailureReason] = c.FailureReason
			}
			return meta, nil
		},
	})
}
