package models

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/buttermb/delviery-sub009/pkg/domain"
)

// AuditAction names a lifecycle event.
type AuditAction string

const (
	ActionInitialized      AuditAction = "initialized"
	ActionAutoVerified     AuditAction = "auto_verified"
	ActionManuallyVerified AuditAction = "manually_verified"
	ActionOverridden       AuditAction = "overridden"
	ActionSkipped          AuditAction = "skipped"
)

// Metadata keys written by the engine.
const (
	MetaPreviousStatus = "previous_status"
	MetaNewStatus      = "new_status"
	MetaReason         = "reason"
	MetaNotes          = "notes"
	MetaFailureReason  = "failure_reason"
	MetaPolicyScope    = "policy_scope"
	MetaBlocking       = "blocks_delivery"
	MetaRequestedBy    = "requested_by"
	MetaRequestID      = "request_id"
	MetaClientIP       = "client_ip"
	MetaDevice         = "device"
)

// AuditEntry is one immutable lifecycle record.
//
// Entries of a delivery form a hash chain: Hash covers every field plus
// PrevHash, the Hash of the delivery's previous entry. Seq is assigned by the
// store on append and breaks CreatedAt ties.
type AuditEntry struct {
	ID         domain.EntryID   `json:"id"`
	Seq        int64            `json:"seq"`
	OrderID    string           `json:"order_id"`
	DeliveryID string           `json:"delivery_id"`
	CheckID    domain.CheckID   `json:"check_id"`
	CheckType  CheckType        `json:"check_type"`
	Action     AuditAction      `json:"action"`
	ActorType  domain.ActorType `json:"actor_type"`
	ActorID    string           `json:"actor_id"`
	CreatedAt  time.Time        `json:"created_at"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
	PrevHash   string           `json:"prev_hash,omitempty"`
	Hash       string           `json:"hash"`
}

// Ref returns the delivery the entry belongs to.
func (e *AuditEntry) Ref() domain.DeliveryRef {
	return domain.DeliveryRef{OrderID: e.OrderID, DeliveryID: e.DeliveryID}
}

// Clone returns a copy with its own metadata map.
func (e *AuditEntry) Clone() *AuditEntry {
	cp := *e
	if e.Metadata != nil {
		cp.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Seal links e after prevHash and computes its hash. prevHash is empty for
// the first entry of a delivery. CreatedAt is truncated to the microsecond
// precision PostgreSQL stores so the hash survives a round trip.
func (e *AuditEntry) Seal(prevHash string) error {
	e.CreatedAt = e.CreatedAt.UTC().Truncate(time.Microsecond)
	e.PrevHash = prevHash
	sum, err := e.ComputeHash()
	if err != nil {
		return err
	}
	e.Hash = sum
	return nil
}

// ComputeHash returns the BLAKE2b-256 digest of the entry's content and
// PrevHash. Seq and Hash are excluded since Seq is assigned after sealing.
func (e *AuditEntry) ComputeHash() (string, error) {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return "", err
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	for _, field := range []string{
		e.ID.String(),
		e.OrderID,
		e.DeliveryID,
		e.CheckID.String(),
		string(e.CheckType),
		string(e.Action),
		string(e.ActorType),
		e.ActorID,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		string(meta),
		e.PrevHash,
	} {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(field)))
		h.Write(n[:])
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
