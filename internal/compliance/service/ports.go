package service

import (
	"context"

	"github.com/buttermb/delviery-sub009/internal/compliance/gate"
	"github.com/buttermb/delviery-sub009/internal/compliance/models"
	"github.com/buttermb/delviery-sub009/internal/compliance/registry"
	"github.com/buttermb/delviery-sub009/pkg/domain"
)

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks

// CheckStore persists checks. Implementations return sentinel errors:
// ErrAlreadyUsed when (order, delivery, type) exists, ErrNotFound for unknown
// ids, ErrConflict when UpdateIfStatus finds a different stored status.
type CheckStore interface {
	Create(ctx context.Context, check *models.Check) error
	FindByID(ctx context.Context, id domain.CheckID) (*models.Check, error)
	ListByDelivery(ctx context.Context, ref domain.DeliveryRef) ([]*models.Check, error)
	UpdateIfStatus(ctx context.Context, check *models.Check, expected models.Status) error
}

// AuditStore is the append-only lifecycle log. Append links the entry into
// the delivery's hash chain and assigns Seq; it never conflicts.
type AuditStore interface {
	Append(ctx context.Context, entry *models.AuditEntry) error
	ListByDelivery(ctx context.Context, ref domain.DeliveryRef) ([]*models.AuditEntry, error)
}

// Stores is the unit-of-work view handed to transaction callbacks.
type Stores struct {
	Checks CheckStore
	Audit  AuditStore
}

// TxRunner commits everything fn writes through the given stores, or nothing.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, stores Stores) error) error
}

// PolicyRegistry resolves policy scopes.
type PolicyRegistry interface {
	Policy(scope string) (registry.Policy, error)
	Policies() []registry.Policy
}

// SnapshotCache holds recent gate results for read-mostly dashboards. Put must
// not replace a cached result of higher Revision.
type SnapshotCache interface {
	Get(ctx context.Context, ref domain.DeliveryRef) (*gate.Result, bool, error)
	Put(ctx context.Context, ref domain.DeliveryRef, result gate.Result) error
	Invalidate(ctx context.Context, ref domain.DeliveryRef) error
}
