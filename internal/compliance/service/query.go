package service

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/buttermb/delviery-sub009/internal/compliance/gate"
	"github.com/buttermb/delviery-sub009/internal/compliance/models"
	"github.com/buttermb/delviery-sub009/internal/compliance/registry"
	"github.com/buttermb/delviery-sub009/pkg/domain"
	dErrors "github.com/buttermb/delviery-sub009/pkg/domain-errors"
	"github.com/buttermb/delviery-sub009/pkg/requestcontext"
)

// Snapshot lookup results recorded in metrics.
const (
	snapshotHit   = "hit"
	snapshotMiss  = "miss"
	snapshotError = "error"
)

// DeliveryChecks is a delivery's checklist with its gate decision.
type DeliveryChecks struct {
	Checks []*models.Check `json:"checks"`
	Gate   gate.Result     `json:"gate"`
}

// ChainReport is the outcome of re-verifying a delivery's audit hash chain.
type ChainReport struct {
	Valid   bool `json:"valid"`
	Entries int  `json:"entries"`
	// BrokenAt is the id of the first entry whose hash or link does not match.
	BrokenAt string `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// GetCheck returns one check.
func (s *Service) GetCheck(ctx context.Context, id domain.CheckID) (*models.Check, error) {
	check, err := s.checks.FindByID(ctx, id)
	if err != nil {
		return nil, translateStoreErr(err, "check not found")
	}
	return check, nil
}

// ListChecks returns a delivery's checks in canonical order together with the
// gate decision over them.
func (s *Service) ListChecks(ctx context.Context, ref domain.DeliveryRef) (*DeliveryChecks, error) {
	checks, err := s.loadDelivery(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &DeliveryChecks{Checks: checks, Gate: gate.Evaluate(checks)}, nil
}

// ListAudit returns a delivery's audit entries ordered by creation time then
// insertion sequence.
func (s *Service) ListAudit(ctx context.Context, ref domain.DeliveryRef) ([]*models.AuditEntry, error) {
	ref, err := domain.ParseDeliveryRef(ref.OrderID, ref.DeliveryID)
	if err != nil {
		return nil, err
	}
	entries, err := s.audit.ListByDelivery(ctx, ref)
	if err != nil {
		return nil, translateStoreErr(err, "delivery not found")
	}
	if len(entries) == 0 {
		return nil, dErrors.New(dErrors.CodeNotFound, "no audit entries for delivery")
	}
	return entries, nil
}

// VerifyAuditChain recomputes every entry hash of a delivery and checks each
// entry links to its predecessor.
func (s *Service) VerifyAuditChain(ctx context.Context, ref domain.DeliveryRef) (*ChainReport, error) {
	entries, err := s.ListAudit(ctx, ref)
	if err != nil {
		return nil, err
	}
	report := &ChainReport{Valid: true, Entries: len(entries)}
	prev := ""
	for _, e := range entries {
		if e.PrevHash != prev {
			report.Valid, report.BrokenAt, report.Reason = false, e.ID.String(), "previous hash does not match"
			break
		}
		sum, err := e.ComputeHash()
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to hash audit entry")
		}
		if sum != e.Hash {
			report.Valid, report.BrokenAt, report.Reason = false, e.ID.String(), "entry hash does not match content"
			break
		}
		prev = e.Hash
	}
	if !report.Valid {
		s.logger.ErrorContext(ctx, "audit chain verification failed",
			"order_id", ref.OrderID,
			"delivery_id", ref.DeliveryID,
			"entry_id", report.BrokenAt,
			"reason", report.Reason,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
	return report, nil
}

// AuthorizeCompletion is the authoritative pre-completion gate. It reads
// committed state and returns a conflict naming the blocking checks when the
// delivery may not complete. The result is returned in both cases.
func (s *Service) AuthorizeCompletion(ctx context.Context, ref domain.DeliveryRef) (result *gate.Result, err error) {
	start := time.Now()
	defer s.metrics.ObserveOperation("authorize_completion", start)
	ctx, span := s.startSpan(ctx, "AuthorizeCompletion", refAttrs(ref)...)
	defer func() { endSpan(span, err) }()

	checks, err := s.loadDelivery(ctx, ref)
	if err != nil {
		return nil, err
	}
	res := gate.Evaluate(checks)
	s.metrics.IncrementGateDecision(res.CanComplete)
	span.SetAttributes(attribute.Bool("can_complete", res.CanComplete))
	if res.CanComplete {
		return &res, nil
	}

	types := make([]string, 0, len(res.BlockingChecks))
	for _, t := range res.Types() {
		types = append(types, string(t))
	}
	s.logger.InfoContext(ctx, "delivery completion blocked",
		"order_id", ref.OrderID,
		"delivery_id", ref.DeliveryID,
		"blocking", types,
		"request_id", requestcontext.RequestID(ctx),
	)
	return &res, dErrors.New(dErrors.CodeConflict, "delivery blocked by compliance checks: "+strings.Join(types, ", "))
}

// GateSnapshot serves the gate from the snapshot cache, falling back to the
// store on a miss or cache error. Results may trail the latest commit.
func (s *Service) GateSnapshot(ctx context.Context, ref domain.DeliveryRef) (*gate.Result, error) {
	ref, err := domain.ParseDeliveryRef(ref.OrderID, ref.DeliveryID)
	if err != nil {
		return nil, err
	}
	if s.snapshots != nil {
		cached, ok, err := s.snapshots.Get(ctx, ref)
		switch {
		case err != nil:
			s.metrics.IncrementSnapshotLookup(snapshotError)
			s.logger.WarnContext(ctx, "gate snapshot read failed",
				"order_id", ref.OrderID,
				"delivery_id", ref.DeliveryID,
				"error", err,
				"request_id", requestcontext.RequestID(ctx),
			)
		case ok:
			s.metrics.IncrementSnapshotLookup(snapshotHit)
			return cached, nil
		default:
			s.metrics.IncrementSnapshotLookup(snapshotMiss)
		}
	}

	checks, err := s.loadDelivery(ctx, ref)
	if err != nil {
		return nil, err
	}
	res := gate.Evaluate(checks)
	if s.snapshots != nil {
		if err := s.snapshots.Put(ctx, ref, res); err != nil {
			s.logger.WarnContext(ctx, "gate snapshot store failed",
				"order_id", ref.OrderID,
				"delivery_id", ref.DeliveryID,
				"error", err,
				"request_id", requestcontext.RequestID(ctx),
			)
		}
	}
	return &res, nil
}

// Policies lists the configured policy scopes.
func (s *Service) Policies() []registry.Policy {
	return s.registry.Policies()
}

func (s *Service) loadDelivery(ctx context.Context, ref domain.DeliveryRef) ([]*models.Check, error) {
	ref, err := domain.ParseDeliveryRef(ref.OrderID, ref.DeliveryID)
	if err != nil {
		return nil, err
	}
	checks, err := s.checks.ListByDelivery(ctx, ref)
	if err != nil {
		return nil, translateStoreErr(err, "delivery not found")
	}
	if len(checks) == 0 {
		return nil, dErrors.New(dErrors.CodeNotFound, "no compliance checks for delivery")
	}
	sortChecks(checks)
	return checks, nil
}
