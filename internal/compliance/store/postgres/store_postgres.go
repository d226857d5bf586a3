// Package postgres persists checks, the audit chain and the audit outbox in
// PostgreSQL through database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/buttermb/delviery-sub009/internal/compliance/models"
	"github.com/buttermb/delviery-sub009/internal/compliance/service"
	"github.com/buttermb/delviery-sub009/pkg/domain"
	"github.com/buttermb/delviery-sub009/pkg/platform/sentinel"
	txcontext "github.com/buttermb/delviery-sub009/pkg/platform/tx"
)

const defaultTxTimeout = 5 * time.Second

// Store implements service.TxRunner. Checks and Audit return the
// service.CheckStore and service.AuditStore faces; both join the transaction
// carried in ctx when there is one.
type Store struct {
	db      *sql.DB
	timeout time.Duration
}

var (
	_ service.CheckStore = CheckStore{}
	_ service.AuditStore = AuditStore{}
	_ service.TxRunner   = (*Store)(nil)
)

// New creates a PostgreSQL store.
func New(db *sql.DB) *Store {
	return &Store{db: db, timeout: defaultTxTimeout}
}

func (s *Store) Checks() CheckStore { return CheckStore{s: s} }
func (s *Store) Audit() AuditStore  { return AuditStore{s: s} }

// RunInTx runs fn in a read-committed transaction. Contexts without a
// deadline get the store's timeout.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, stores service.Stores) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(txcontext.WithTx(ctx, tx), service.Stores{Checks: s.Checks(), Audit: s.Audit()}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify("commit transaction", err)
	}
	return nil
}

func (s *Store) exec(ctx context.Context) txcontext.Executor {
	return txcontext.ExecutorFrom(ctx, s.db)
}

// classify wraps err with sentinel.ErrUnavailable when a retry may succeed:
// connection loss, resource exhaustion, operator intervention, serialization
// failures and deadlocks.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%s: %w: %w", op, sentinel.ErrUnavailable, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57":
			return fmt.Errorf("%s: %w: %w", op, sentinel.ErrUnavailable, err)
		}
		switch pqErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%s: %w: %w", op, sentinel.ErrUnavailable, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// CheckStore is the check face of Store.
type CheckStore struct{ s *Store }

const checkColumns = `
	id, order_id, delivery_id, policy_scope, check_type, status, check_data,
	blocks_delivery, failure_reason, override_reason, verified_at,
	verification_method, verified_by, overridden_by, overridden_at,
	created_at, updated_at`

// Create inserts check. A second check of the same type for a delivery
// returns sentinel.ErrAlreadyUsed. JSONB parameters are passed as strings
// since lib/pq encodes []byte as bytea.
func (c CheckStore) Create(ctx context.Context, check *models.Check) error {
	data, err := models.MarshalCheckData(check.Data)
	if err != nil {
		return fmt.Errorf("marshal check data: %w", err)
	}
	query := `
		INSERT INTO compliance_checks (` + checkColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT DO NOTHING
	`
	res, err := c.s.exec(ctx).ExecContext(ctx, query,
		uuid.UUID(check.ID),
		check.OrderID,
		check.DeliveryID,
		check.PolicyScope,
		string(check.Type),
		string(check.Status),
		string(data),
		check.BlocksDelivery,
		check.FailureReason,
		check.OverrideReason,
		check.VerifiedAt,
		string(check.VerificationMethod),
		check.VerifiedBy,
		check.OverriddenBy,
		check.OverriddenAt,
		check.CreatedAt,
		check.UpdatedAt,
	)
	if err != nil {
		return classify("insert compliance check", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return classify("insert compliance check rows affected", err)
	}
	if rows == 0 {
		return sentinel.ErrAlreadyUsed
	}
	return nil
}

func (c CheckStore) FindByID(ctx context.Context, id domain.CheckID) (*models.Check, error) {
	query := `SELECT ` + checkColumns + ` FROM compliance_checks WHERE id = $1`
	check, err := scanCheck(c.s.exec(ctx).QueryRowContext(ctx, query, uuid.UUID(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, classify("find compliance check", err)
	}
	return check, nil
}

func (c CheckStore) ListByDelivery(ctx context.Context, ref domain.DeliveryRef) ([]*models.Check, error) {
	query := `
		SELECT ` + checkColumns + `
		FROM compliance_checks
		WHERE order_id = $1 AND delivery_id = $2
		ORDER BY created_at, id
	`
	rows, err := c.s.exec(ctx).QueryContext(ctx, query, ref.OrderID, ref.DeliveryID)
	if err != nil {
		return nil, classify("list compliance checks", err)
	}
	defer rows.Close()

	checks := make([]*models.Check, 0)
	for rows.Next() {
		check, err := scanCheck(rows)
		if err != nil {
			return nil, classify("scan compliance check", err)
		}
		checks = append(checks, check)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate compliance checks", err)
	}
	return checks, nil
}

// UpdateIfStatus writes the mutable fields of check only if the stored
// status is still expected.
func (c CheckStore) UpdateIfStatus(ctx context.Context, check *models.Check, expected models.Status) error {
	data, err := models.MarshalCheckData(check.Data)
	if err != nil {
		return fmt.Errorf("marshal check data: %w", err)
	}
	query := `
		UPDATE compliance_checks
		SET status = $3,
			check_data = $4,
			failure_reason = $5,
			override_reason = $6,
			verified_at = $7,
			verification_method = $8,
			verified_by = $9,
			overridden_by = $10,
			overridden_at = $11,
			updated_at = $12
		WHERE id = $1 AND status = $2
	`
	exec := c.s.exec(ctx)
	res, err := exec.ExecContext(ctx, query,
		uuid.UUID(check.ID),
		string(expected),
		string(check.Status),
		string(data),
		check.FailureReason,
		check.OverrideReason,
		check.VerifiedAt,
		string(check.VerificationMethod),
		check.VerifiedBy,
		check.OverriddenBy,
		check.OverriddenAt,
		check.UpdatedAt,
	)
	if err != nil {
		return classify("update compliance check", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return classify("update compliance check rows affected", err)
	}
	if rows > 0 {
		return nil
	}

	var exists bool
	if err := exec.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM compliance_checks WHERE id = $1)`, uuid.UUID(check.ID)).Scan(&exists); err != nil {
		return classify("probe compliance check", err)
	}
	if !exists {
		return sentinel.ErrNotFound
	}
	return sentinel.ErrConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheck(row rowScanner) (*models.Check, error) {
	var (
		id                uuid.UUID
		check             models.Check
		checkType, status string
		method            string
		data              []byte
		verifiedAt        sql.NullTime
		overriddenAt      sql.NullTime
	)
	err := row.Scan(
		&id,
		&check.OrderID,
		&check.DeliveryID,
		&check.PolicyScope,
		&checkType,
		&status,
		&data,
		&check.BlocksDelivery,
		&check.FailureReason,
		&check.OverrideReason,
		&verifiedAt,
		&method,
		&check.VerifiedBy,
		&check.OverriddenBy,
		&overriddenAt,
		&check.CreatedAt,
		&check.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	check.ID = domain.CheckID(id)
	check.Type = models.CheckType(checkType)
	check.Status = models.Status(status)
	check.VerificationMethod = models.VerificationMethod(method)
	check.VerifiedAt = nullTime(verifiedAt)
	check.OverriddenAt = nullTime(overriddenAt)
	check.CreatedAt = check.CreatedAt.UTC()
	check.UpdatedAt = check.UpdatedAt.UTC()

	check.Data, err = models.DecodeCheckData(check.Type, data)
	if err != nil {
		return nil, fmt.Errorf("decode check data for %s: %w", id, err)
	}
	return &check, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// AuditStore is the audit face of Store. Every appended entry is mirrored
// into the outbox in the same transaction.
type AuditStore struct{ s *Store }

// outboxPayload is the event published to Kafka for each audit entry.
type outboxPayload struct {
	*models.AuditEntry
	EventType string `json:"event_type"`
}

// Append links entry after the delivery's current tail and inserts it with
// its outbox row. Appends for one delivery are serialized by an advisory lock
// held until the surrounding transaction ends.
func (a AuditStore) Append(ctx context.Context, entry *models.AuditEntry) error {
	if _, inTx := txcontext.From(ctx); !inTx {
		return a.s.RunInTx(ctx, func(ctx context.Context, _ service.Stores) error {
			return a.Append(ctx, entry)
		})
	}
	exec := a.s.exec(ctx)
	key := entry.Ref().Key()

	if _, err := exec.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return classify("lock audit chain", err)
	}

	var (
		prevHash string
		prevAt   time.Time
	)
	err := exec.QueryRowContext(ctx, `
		SELECT hash, created_at
		FROM compliance_audit_log
		WHERE order_id = $1 AND delivery_id = $2
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, entry.OrderID, entry.DeliveryID).Scan(&prevHash, &prevAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return classify("read audit chain tail", err)
	default:
		if entry.CreatedAt.Before(prevAt) {
			entry.CreatedAt = prevAt
		}
	}
	if err := entry.Seal(prevHash); err != nil {
		return fmt.Errorf("seal audit entry: %w", err)
	}

	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	err = exec.QueryRowContext(ctx, `
		INSERT INTO compliance_audit_log (
			id, order_id, delivery_id, check_id, check_type, action,
			actor_type, actor_id, created_at, metadata, prev_hash, hash
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING seq
	`,
		uuid.UUID(entry.ID),
		entry.OrderID,
		entry.DeliveryID,
		uuid.UUID(entry.CheckID),
		string(entry.CheckType),
		string(entry.Action),
		string(entry.ActorType),
		entry.ActorID,
		entry.CreatedAt,
		string(meta),
		entry.PrevHash,
		entry.Hash,
	).Scan(&entry.Seq)
	if err != nil {
		return classify("insert audit entry", err)
	}

	eventType := "compliance." + string(entry.Action)
	payload, err := json.Marshal(outboxPayload{AuditEntry: entry, EventType: eventType})
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	if _, err := exec.ExecContext(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New(), "delivery", key, eventType, string(payload), entry.CreatedAt); err != nil {
		return classify("insert outbox entry", err)
	}
	return nil
}

// ListByDelivery returns a delivery's entries ordered by (created_at, seq).
func (a AuditStore) ListByDelivery(ctx context.Context, ref domain.DeliveryRef) ([]*models.AuditEntry, error) {
	rows, err := a.s.exec(ctx).QueryContext(ctx, `
		SELECT seq, id, order_id, delivery_id, check_id, check_type, action,
			   actor_type, actor_id, created_at, metadata, prev_hash, hash
		FROM compliance_audit_log
		WHERE order_id = $1 AND delivery_id = $2
		ORDER BY created_at, seq
	`, ref.OrderID, ref.DeliveryID)
	if err != nil {
		return nil, classify("list audit entries", err)
	}
	defer rows.Close()

	entries := make([]*models.AuditEntry, 0)
	for rows.Next() {
		var (
			e                            models.AuditEntry
			id, checkID                  uuid.UUID
			checkType, action, actorType string
			meta                         []byte
		)
		if err := rows.Scan(&e.Seq, &id, &e.OrderID, &e.DeliveryID, &checkID, &checkType, &action,
			&actorType, &e.ActorID, &e.CreatedAt, &meta, &e.PrevHash, &e.Hash); err != nil {
			return nil, classify("scan audit entry", err)
		}
		e.ID = domain.EntryID(id)
		e.CheckID = domain.CheckID(checkID)
		e.CheckType = models.CheckType(checkType)
		e.Action = models.AuditAction(action)
		e.ActorType = domain.ActorType(actorType)
		e.CreatedAt = e.CreatedAt.UTC()
		if len(meta) > 0 && string(meta) != "null" {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate audit entries", err)
	}
	return entries, nil
}
