package service

import (
	"context"
	"errors"
	"time"

	"github.com/buttermb/delviery-sub009/internal/compliance/authz"
	"github.com/buttermb/delviery-sub009/internal/compliance/models"
	"github.com/buttermb/delviery-sub009/internal/compliance/registry"
	"github.com/buttermb/delviery-sub009/pkg/domain"
	"github.com/buttermb/delviery-sub009/pkg/platform/sentinel"
	"github.com/buttermb/delviery-sub009/pkg/requestcontext"
)

// InitRequest asks for a delivery's checklist to be created.
type InitRequest struct {
	Ref         domain.DeliveryRef
	PolicyScope string
	Context     models.EvaluationContext
}

// InitializeChecks creates a pending check for every definition of the policy
// scope that the delivery does not have yet and returns the full checklist with
// the number of checks this call created. Re-running it creates nothing and
// writes no audit entries for checks that already exist.
func (s *Service) InitializeChecks(ctx context.Context, req InitRequest, actor domain.Actor) (checks []*models.Check, created int, err error) {
	start := time.Now()
	defer s.metrics.ObserveOperation("initialize", start)
	ctx, span := s.startSpan(ctx, "InitializeChecks", refAttrs(req.Ref)...)
	defer func() { endSpan(span, err) }()

	if err := authz.Require(s.authz, actor, authz.InitiateChecks); err != nil {
		return nil, 0, err
	}
	if req.Ref, err = domain.ParseDeliveryRef(req.Ref.OrderID, req.Ref.DeliveryID); err != nil {
		return nil, 0, err
	}
	if err := req.Context.Validate(); err != nil {
		return nil, 0, err
	}
	if req.PolicyScope == "" {
		req.PolicyScope = registry.ScopeDefault
	}
	policy, err := s.registry.Policy(req.PolicyScope)
	if err != nil {
		return nil, 0, err
	}

	now := requestcontext.Now(ctx)
	var added []*models.Check
	err = s.tx.RunInTx(ctx, func(ctx context.Context, st Stores) error {
		added = added[:0]
		existing, err := st.Checks.ListByDelivery(ctx, req.Ref)
		if err != nil {
			return err
		}
		have := make(map[models.CheckType]bool, len(existing))
		for _, c := range existing {
			have[c.Type] = true
		}

		for _, def := range policy.Checks {
			if have[def.Type] {
				continue
			}
			check, err := models.NewCheck(domain.NewCheckID(), req.Ref, policy.Scope, def.Type, def.BlocksDelivery,
				req.Context.SeedData(def.Type, policy.MinimumAge), now)
			if err != nil {
				return err
			}
			if err := st.Checks.Create(ctx, check); err != nil {
				if errors.Is(err, sentinel.ErrAlreadyUsed) {
					// A concurrent initializer created it first.
					continue
				}
				return err
			}
			entry := newEntry(check, models.ActionInitialized, actor, now, map[string]any{
				models.MetaNewStatus:   string(models.StatusPending),
				models.MetaPolicyScope: policy.Scope,
				models.MetaBlocking:    check.BlocksDelivery,
			})
			if err := st.Audit.Append(ctx, clientEntry(ctx, entry)); err != nil {
				return err
			}
			added = append(added, check)
		}
		return nil
	})
	if err != nil {
		return nil, 0, translateStoreErr(err, "delivery not found")
	}

	for _, c := range added {
		s.metrics.IncrementInitialized(string(c.Type))
	}
	if len(added) > 0 {
		s.refreshSnapshot(ctx, req.Ref)
	}

	checks, err = s.checks.ListByDelivery(ctx, req.Ref)
	if err != nil {
		return nil, 0, translateStoreErr(err, "delivery not found")
	}
	sortChecks(checks)

	s.logger.InfoContext(ctx, "compliance checks initialized",
		"order_id", req.Ref.OrderID,
		"delivery_id", req.Ref.DeliveryID,
		"policy_scope", policy.Scope,
		"created", len(added),
		"total", len(checks),
		"request_id", requestcontext.RequestID(ctx),
	)
	return checks, len(added), nil
}

// newEntry builds an unsealed audit entry for check.
func newEntry(check *models.Check, action models.AuditAction, actor domain.Actor, now time.Time, meta map[string]any) *models.AuditEntry {
	return &models.AuditEntry{
		ID:         domain.NewEntryID(),
		OrderID:    check.OrderID,
		DeliveryID: check.DeliveryID,
		CheckID:    check.ID,
		CheckType:  check.Type,
		Action:     action,
		ActorType:  actor.Type,
		ActorID:    actor.ID,
		CreatedAt:  now,
		Metadata:   meta,
	}
}

func clientEntry(ctx context.Context, e *models.AuditEntry) *models.AuditEntry {
	e.Metadata = clientMetadata(ctx, e.Metadata)
	return e
}
