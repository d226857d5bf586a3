package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/buttermb/delviery-sub009/pkg/domain"
	dErrors "github.com/buttermb/delviery-sub009/pkg/domain-errors"
)

// DefaultManualFailureReason is recorded when a human fails a check without notes.
const DefaultManualFailureReason = "marked failed during manual verification"

// Check is one compliance requirement tracked for a delivery.
//
// Invariants:
//   - At most one check exists per (OrderID, DeliveryID, Type)
//   - Status transitions follow Status.CanTransitionTo
//   - BlocksDelivery is fixed at construction
//   - VerifiedAt, VerificationMethod and VerifiedBy are set once, when the
//     check first leaves pending, and never overwritten
//   - Data always matches Type
type Check struct {
	ID                 domain.CheckID
	OrderID            string
	DeliveryID         string
	PolicyScope        string
	Type               CheckType
	Status             Status
	Data               CheckData
	BlocksDelivery     bool
	FailureReason      string
	OverrideReason     string
	VerifiedAt         *time.Time
	VerificationMethod VerificationMethod
	VerifiedBy         string
	OverriddenBy       string
	OverriddenAt       *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// NewCheck builds a pending check. data may be nil, in which case an empty
// payload of the matching variant is used.
func NewCheck(id domain.CheckID, ref domain.DeliveryRef, scope string, t CheckType, blocks bool, data CheckData, now time.Time) (*Check, error) {
	if !t.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "unknown check type")
	}
	if ref.OrderID == "" || ref.DeliveryID == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "order and delivery ids are required")
	}
	if data == nil {
		data = EmptyCheckData(t)
	}
	if data.CheckType() != t {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "check data does not match check type")
	}
	return &Check{
		ID:             id,
		OrderID:        ref.OrderID,
		DeliveryID:     ref.DeliveryID,
		PolicyScope:    scope,
		Type:           t,
		Status:         StatusPending,
		Data:           data,
		BlocksDelivery: blocks,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Ref returns the delivery the check belongs to.
func (c *Check) Ref() domain.DeliveryRef {
	return domain.DeliveryRef{OrderID: c.OrderID, DeliveryID: c.DeliveryID}
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (c *Check) Clone() *Check {
	if c == nil {
		return nil
	}
	cp := *c
	if c.VerifiedAt != nil {
		t := *c.VerifiedAt
		cp.VerifiedAt = &t
	}
	if c.OverriddenAt != nil {
		t := *c.OverriddenAt
		cp.OverriddenAt = &t
	}
	if c.Data != nil {
		cp.Data = c.Data.clone()
	}
	return &cp
}

func (c *Check) guard(next Status) error {
	if !c.Status.CanTransitionTo(next) {
		return dErrors.New(dErrors.CodeConflict,
			fmt.Sprintf("check %s is %s and cannot become %s", c.ID, c.Status, next))
	}
	return nil
}

func (c *Check) markVerified(method VerificationMethod, by string, now time.Time) {
	if c.VerifiedAt != nil {
		return
	}
	t := now
	c.VerifiedAt = &t
	c.VerificationMethod = method
	c.VerifiedBy = by
}

// CanAutoVerify checks that a rule verdict may be applied.
// Use with ApplyAutoVerification inside a transaction.
func (c *Check) CanAutoVerify(next Status) error {
	if next != StatusPassed && next != StatusFailed {
		return dErrors.New(dErrors.CodeInvariantViolation, "automatic verification yields passed or failed")
	}
	return c.guard(next)
}

// ApplyAutoVerification records a rule verdict. data replaces the payload with
// what the rule observed; nil keeps the current payload.
// Call CanAutoVerify first.
func (c *Check) ApplyAutoVerification(next Status, reason string, data CheckData, now time.Time) {
	c.Status = next
	if next == StatusFailed {
		c.FailureReason = reason
	}
	if data != nil && data.CheckType() == c.Type {
		c.Data = data
	}
	c.markVerified(VerificationSystem, domain.SystemActorID, now)
	c.UpdatedAt = now
}

// CanManuallyVerify checks that a human may record next.
func (c *Check) CanManuallyVerify(next Status) error {
	if next != StatusPassed && next != StatusFailed {
		return dErrors.New(dErrors.CodeValidation, "status must be passed or failed")
	}
	return c.guard(next)
}

// ApplyManualVerification records a human outcome. A failed outcome stores
// notes, or a default text, as the failure reason.
// Call CanManuallyVerify first.
func (c *Check) ApplyManualVerification(next Status, actorID, notes string, now time.Time) {
	c.Status = next
	if next == StatusFailed {
		c.FailureReason = notes
		if c.FailureReason == "" {
			c.FailureReason = DefaultManualFailureReason
		}
	}
	c.markVerified(VerificationManual, actorID, now)
	c.UpdatedAt = now
}

// CanOverride checks that the check is failed.
func (c *Check) CanOverride() error {
	return c.guard(StatusOverride)
}

// ApplyOverride unblocks a failed check. FailureReason and the original
// verification fields are kept as history.
// Call CanOverride first.
func (c *Check) ApplyOverride(actorID, reason string, now time.Time) {
	c.Status = StatusOverride
	c.OverrideReason = reason
	c.OverriddenBy = actorID
	t := now
	c.OverriddenAt = &t
	c.UpdatedAt = now
}

// CanSkip checks that the check is still pending.
func (c *Check) CanSkip() error {
	return c.guard(StatusSkipped)
}

// ApplySkip records an administrative skip.
// Call CanSkip first.
func (c *Check) ApplySkip(actorID, reason string, now time.Time) {
	c.Status = StatusSkipped
	c.OverrideReason = reason
	c.markVerified(VerificationManual, actorID, now)
	c.UpdatedAt = now
}

type checkJSON struct {
	ID                 domain.CheckID     `json:"id"`
	OrderID            string             `json:"order_id"`
	DeliveryID         string             `json:"delivery_id"`
	PolicyScope        string             `json:"policy_scope,omitempty"`
	Type               CheckType          `json:"check_type"`
	Status             Status             `json:"status"`
	Data               json.RawMessage    `json:"check_data"`
	BlocksDelivery     bool               `json:"blocks_delivery"`
	FailureReason      string             `json:"failure_reason,omitempty"`
	OverrideReason     string             `json:"override_reason,omitempty"`
	VerifiedAt         *time.Time         `json:"verified_at,omitempty"`
	VerificationMethod VerificationMethod `json:"verification_method,omitempty"`
	VerifiedBy         string             `json:"verified_by,omitempty"`
	OverriddenBy       string             `json:"overridden_by,omitempty"`
	OverriddenAt       *time.Time         `json:"overridden_at,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

func (c Check) MarshalJSON() ([]byte, error) {
	data := c.Data
	if data == nil {
		data = EmptyCheckData(c.Type)
	}
	raw, err := MarshalCheckData(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(checkJSON{
		ID:                 c.ID,
		OrderID:            c.OrderID,
		DeliveryID:         c.DeliveryID,
		PolicyScope:        c.PolicyScope,
		Type:               c.Type,
		Status:             c.Status,
		Data:               raw,
		BlocksDelivery:     c.BlocksDelivery,
		FailureReason:      c.FailureReason,
		OverrideReason:     c.OverrideReason,
		VerifiedAt:         c.VerifiedAt,
		VerificationMethod: c.VerificationMethod,
		VerifiedBy:         c.VerifiedBy,
		OverriddenBy:       c.OverriddenBy,
		OverriddenAt:       c.OverriddenAt,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	})
}

func (c *Check) UnmarshalJSON(b []byte) error {
	var w checkJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	data, err := DecodeCheckData(w.Type, w.Data)
	if err != nil {
		return err
	}
	*c = Check{
		ID:                 w.ID,
		OrderID:            w.OrderID,
		DeliveryID:         w.DeliveryID,
		PolicyScope:        w.PolicyScope,
		Type:               w.Type,
		Status:             w.Status,
		Data:               data,
		BlocksDelivery:     w.BlocksDelivery,
		FailureReason:      w.FailureReason,
		OverrideReason:     w.OverrideReason,
		VerifiedAt:         w.VerifiedAt,
		VerificationMethod: w.VerificationMethod,
		VerifiedBy:         w.VerifiedBy,
		OverriddenBy:       w.OverriddenBy,
		OverriddenAt:       w.OverriddenAt,
		CreatedAt:          w.CreatedAt,
		UpdatedAt:          w.UpdatedAt,
	}
	return nil
}
