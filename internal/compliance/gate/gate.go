// Package gate derives whether a delivery may complete from its checks.
package gate

import (
	"github.com/buttermb/delviery-sub009/internal/compliance/models"
)

// BlockingCheck is the evidence for one unresolved blocking check.
type BlockingCheck struct {
	CheckID       string           `json:"check_id"`
	CheckType     models.CheckType `json:"check_type"`
	Status        models.Status    `json:"status"`
	FailureReason string           `json:"failure_reason,omitempty"`
}

// Result is the gate decision and its supporting evidence. Revision orders
// results computed for the same delivery.
type Result struct {
	CanComplete    bool            `json:"can_complete"`
	BlockingChecks []BlockingCheck `json:"blocking_checks"`
	Revision       int64           `json:"revision"`
}

// BlockingChecks returns, in input order, the checks that block delivery and
// are neither passed nor overridden.
func BlockingChecks(checks []*models.Check) []*models.Check {
	out := make([]*models.Check, 0)
	for _, c := range checks {
		if c != nil && c.BlocksDelivery && !c.Status.IsResolved() {
			out = append(out, c)
		}
	}
	return out
}

// CanComplete reports whether no blocking check remains.
func CanComplete(checks []*models.Check) bool {
	return len(BlockingChecks(checks)) == 0
}

// Evaluate computes the full gate result.
func Evaluate(checks []*models.Check) Result {
	blocking := BlockingChecks(checks)
	res := Result{
		CanComplete:    len(blocking) == 0,
		BlockingChecks: make([]BlockingCheck, 0, len(blocking)),
		Revision:       Revision(checks),
	}
	for _, c := range blocking {
		res.BlockingChecks = append(res.BlockingChecks, BlockingCheck{
			CheckID:       c.ID.String(),
			CheckType:     c.Type,
			Status:        c.Status,
			FailureReason: c.FailureReason,
		})
	}
	return res
}

// Revision counts the writes reflected in checks: one per check plus one per
// step it has taken out of pending. Every committed transition raises it, so
// of two views of the same delivery the lower revision is the older one.
func Revision(checks []*models.Check) int64 {
	var rev int64
	for _, c := range checks {
		if c == nil {
			continue
		}
		rev++
		switch c.Status {
		case models.StatusPassed, models.StatusFailed, models.StatusSkipped:
			rev++
		case models.StatusOverride:
			rev += 2
		}
	}
	return rev
}

// Types returns the check types of the blocking evidence, in order.
func (r Result) Types() []models.CheckType {
	out := make([]models.CheckType, 0, len(r.BlockingChecks))
	for _, b := range r.BlockingChecks {
		out = append(out, b.CheckType)
	}
	return out
}
