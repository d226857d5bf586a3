// Package domain holds identifiers and value types shared across the
// compliance bounded context and its transport layers.
package domain

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	dErrors "github.com/buttermb/delviery-sub009/pkg/domain-errors"
)

// maxExternalIDLength bounds order and delivery references accepted from callers.
const maxExternalIDLength = 128

// CheckID identifies a single compliance check.
type CheckID uuid.UUID

// EntryID identifies a single audit log entry.
type EntryID uuid.UUID

// NewCheckID returns a fresh random CheckID.
func NewCheckID() CheckID { return CheckID(uuid.New()) }

// NewEntryID returns a fresh random EntryID.
func NewEntryID() EntryID { return EntryID(uuid.New()) }

func (id CheckID) String() string { return uuid.UUID(id).String() }
func (id EntryID) String() string { return uuid.UUID(id).String() }

func (id CheckID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id EntryID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

func (id CheckID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *CheckID) UnmarshalText(b []byte) error {
	parsed, err := ParseCheckID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id EntryID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *EntryID) UnmarshalText(b []byte) error {
	parsed, err := parseUUID(string(b), "entry id")
	if err != nil {
		return err
	}
	*id = EntryID(parsed)
	return nil
}

// ParseCheckID parses and validates a check identifier received at a trust boundary.
func ParseCheckID(s string) (CheckID, error) {
	u, err := parseUUID(s, "check id")
	if err != nil {
		return CheckID{}, err
	}
	return CheckID(u), nil
}

func parseUUID(s, label string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeBadRequest, label+" is required")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeBadRequest, "invalid "+label)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeBadRequest, label+" cannot be nil")
	}
	return u, nil
}

// DeliveryRef addresses the checklist of one delivery. Order and delivery ids
// are owned by the external workflow and are treated as opaque strings.
type DeliveryRef struct {
	OrderID    string `json:"order_id"`
	DeliveryID string `json:"delivery_id"`
}

// Key returns a stable map key for the delivery.
func (r DeliveryRef) Key() string { return r.OrderID + "/" + r.DeliveryID }

// ParseDeliveryRef trims and validates external order and delivery references.
func ParseDeliveryRef(orderID, deliveryID string) (DeliveryRef, error) {
	o, err := parseExternalID(orderID, "order_id")
	if err != nil {
		return DeliveryRef{}, err
	}
	d, err := parseExternalID(deliveryID, "delivery_id")
	if err != nil {
		return DeliveryRef{}, err
	}
	return DeliveryRef{OrderID: o, DeliveryID: d}, nil
}

func parseExternalID(raw, field string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", dErrors.New(dErrors.CodeValidation, field+" is required")
	}
	if !utf8.ValidString(s) || utf8.RuneCountInString(s) > maxExternalIDLength {
		return "", dErrors.New(dErrors.CodeValidation, field+" is malformed")
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f || r == '/' {
			return "", dErrors.New(dErrors.CodeValidation, field+" contains invalid characters")
		}
	}
	return s, nil
}
