// Package memory is the in-process persistence adapter. One Store holds
// checks and audit entries; transactions are serialized.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/buttermb/delviery-sub009/internal/compliance/models"
	"github.com/buttermb/delviery-sub009/internal/compliance/service"
	"github.com/buttermb/delviery-sub009/pkg/domain"
	"github.com/buttermb/delviery-sub009/pkg/platform/sentinel"
)

// Store implements service.TxRunner. Checks and Audit return its
// service.CheckStore and service.AuditStore faces.
type Store struct {
	mu      sync.Mutex
	checks  map[domain.CheckID]*models.Check
	byKey   map[string]domain.CheckID
	entries map[string][]*models.AuditEntry
	seq     int64
}

var (
	_ service.CheckStore = CheckStore{}
	_ service.AuditStore = AuditStore{}
	_ service.TxRunner   = (*Store)(nil)
)

func New() *Store {
	s := &Store{}
	s.reset()
	return s
}

// Checks returns the non-transactional check store.
func (s *Store) Checks() CheckStore { return CheckStore{s: s} }

// Audit returns the non-transactional audit store.
func (s *Store) Audit() AuditStore { return AuditStore{s: s} }

// Clear drops all data.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

func (s *Store) reset() {
	s.checks = make(map[domain.CheckID]*models.Check)
	s.byKey = make(map[string]domain.CheckID)
	s.entries = make(map[string][]*models.AuditEntry)
	s.seq = 0
}

// RunInTx runs fn against a private view of the store. Writes become visible
// only if fn returns nil.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, stores service.Stores) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.begin()
	if err := fn(ctx, service.Stores{Checks: checkView{v}, Audit: auditView{v}}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	v.commit()
	return nil
}

// run executes fn in a single-statement transaction.
func (s *Store) run(fn func(v *txView) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.begin()
	if err := fn(v); err != nil {
		return err
	}
	v.commit()
	return nil
}

func (s *Store) begin() *txView {
	return &txView{
		s:       s,
		checks:  make(map[domain.CheckID]*models.Check),
		entries: make(map[string][]*models.AuditEntry),
	}
}

// CheckStore is the autocommit check face of Store.
type CheckStore struct{ s *Store }

func (c CheckStore) Create(ctx context.Context, check *models.Check) error {
	return c.s.run(func(v *txView) error { return v.create(check) })
}

func (c CheckStore) FindByID(_ context.Context, id domain.CheckID) (*models.Check, error) {
	var out *models.Check
	err := c.s.run(func(v *txView) (err error) {
		out, err = v.find(id)
		return err
	})
	return out, err
}

func (c CheckStore) ListByDelivery(_ context.Context, ref domain.DeliveryRef) ([]*models.Check, error) {
	var out []*models.Check
	err := c.s.run(func(v *txView) error {
		out = v.listChecks(ref)
		return nil
	})
	return out, err
}

func (c CheckStore) UpdateIfStatus(_ context.Context, check *models.Check, expected models.Status) error {
	return c.s.run(func(v *txView) error { return v.update(check, expected) })
}

// AuditStore is the autocommit audit face of Store.
type AuditStore struct{ s *Store }

func (a AuditStore) Append(_ context.Context, entry *models.AuditEntry) error {
	return a.s.run(func(v *txView) error { return v.append(entry) })
}

func (a AuditStore) ListByDelivery(_ context.Context, ref domain.DeliveryRef) ([]*models.AuditEntry, error) {
	var out []*models.AuditEntry
	err := a.s.run(func(v *txView) error {
		out = v.listEntries(ref)
		return nil
	})
	return out, err
}

type checkView struct{ v *txView }

func (c checkView) Create(_ context.Context, check *models.Check) error { return c.v.create(check) }

func (c checkView) FindByID(_ context.Context, id domain.CheckID) (*models.Check, error) {
	return c.v.find(id)
}

func (c checkView) ListByDelivery(_ context.Context, ref domain.DeliveryRef) ([]*models.Check, error) {
	return c.v.listChecks(ref), nil
}

func (c checkView) UpdateIfStatus(_ context.Context, check *models.Check, expected models.Status) error {
	return c.v.update(check, expected)
}

type auditView struct{ v *txView }

func (a auditView) Append(_ context.Context, entry *models.AuditEntry) error {
	return a.v.append(entry)
}

func (a auditView) ListByDelivery(_ context.Context, ref domain.DeliveryRef) ([]*models.AuditEntry, error) {
	return a.v.listEntries(ref), nil
}

// txView overlays uncommitted writes on the committed maps. Callers hold s.mu.
type txView struct {
	s       *Store
	checks  map[domain.CheckID]*models.Check
	entries map[string][]*models.AuditEntry
	order   []*models.AuditEntry
}

func checkKey(ref domain.DeliveryRef, t models.CheckType) string {
	return ref.Key() + "/" + string(t)
}

func (v *txView) lookup(id domain.CheckID) (*models.Check, bool) {
	if c, ok := v.checks[id]; ok {
		return c, true
	}
	c, ok := v.s.checks[id]
	return c, ok
}

func (v *txView) create(check *models.Check) error {
	key := checkKey(check.Ref(), check.Type)
	if _, ok := v.s.byKey[key]; ok {
		return sentinel.ErrAlreadyUsed
	}
	for _, c := range v.checks {
		if checkKey(c.Ref(), c.Type) == key {
			return sentinel.ErrAlreadyUsed
		}
	}
	if _, ok := v.lookup(check.ID); ok {
		return sentinel.ErrAlreadyUsed
	}
	v.checks[check.ID] = check.Clone()
	return nil
}

func (v *txView) find(id domain.CheckID) (*models.Check, error) {
	c, ok := v.lookup(id)
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return c.Clone(), nil
}

func (v *txView) listChecks(ref domain.DeliveryRef) []*models.Check {
	key := ref.Key()
	out := make([]*models.Check, 0)
	for id, c := range v.s.checks {
		if _, pending := v.checks[id]; !pending && c.Ref().Key() == key {
			out = append(out, c.Clone())
		}
	}
	for _, c := range v.checks {
		if c.Ref().Key() == key {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Type.Rank() < out[j].Type.Rank()
	})
	return out
}

func (v *txView) update(check *models.Check, expected models.Status) error {
	current, ok := v.lookup(check.ID)
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.Status != expected {
		return sentinel.ErrConflict
	}
	v.checks[check.ID] = check.Clone()
	return nil
}

// append seals entry onto the delivery's chain. CreatedAt is clamped so the
// log never goes backwards in time.
func (v *txView) append(entry *models.AuditEntry) error {
	key := entry.Ref().Key()
	prevHash := ""
	if tail := v.tail(key); tail != nil {
		prevHash = tail.Hash
		if entry.CreatedAt.Before(tail.CreatedAt) {
			entry.CreatedAt = tail.CreatedAt
		}
	}
	if err := entry.Seal(prevHash); err != nil {
		return err
	}
	stored := entry.Clone()
	v.entries[key] = append(v.entries[key], stored)
	v.order = append(v.order, stored)
	return nil
}

func (v *txView) tail(key string) *models.AuditEntry {
	if pending := v.entries[key]; len(pending) > 0 {
		return pending[len(pending)-1]
	}
	if committed := v.s.entries[key]; len(committed) > 0 {
		return committed[len(committed)-1]
	}
	return nil
}

func (v *txView) listEntries(ref domain.DeliveryRef) []*models.AuditEntry {
	key := ref.Key()
	committed, pending := v.s.entries[key], v.entries[key]
	out := make([]*models.AuditEntry, 0, len(committed)+len(pending))
	for _, e := range committed {
		out = append(out, e.Clone())
	}
	for _, e := range pending {
		out = append(out, e.Clone())
	}
	return out
}

func (v *txView) commit() {
	for id, c := range v.checks {
		v.s.checks[id] = c
		v.s.byKey[checkKey(c.Ref(), c.Type)] = id
	}
	for _, e := range v.order {
		v.s.seq++
		e.Seq = v.s.seq
		key := e.Ref().Key()
		v.s.entries[key] = append(v.s.entries[key], e)
	}
}
