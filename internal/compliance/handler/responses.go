package handler

import (
	"github.com/buttermb/delviery-sub009/internal/compliance/gate"
	"github.com/buttermb/delviery-sub009/internal/compliance/models"
	"github.com/buttermb/delviery-sub009/internal/compliance/registry"
	dErrors "github.com/buttermb/delviery-sub009/pkg/domain-errors"
)

// ChecksResponse is a delivery's checklist. Gate is present on reads.
type ChecksResponse struct {
	OrderID    string          `json:"order_id"`
	DeliveryID string          `json:"delivery_id"`
	Checks     []*models.Check `json:"checks"`
	Gate       *gate.Result    `json:"gate,omitempty"`
}

// AuditResponse is a delivery's audit log in reconstruction order.
type AuditResponse struct {
	OrderID    string               `json:"order_id"`
	DeliveryID string               `json:"delivery_id"`
	Entries    []*models.AuditEntry `json:"entries"`
}

// PoliciesResponse lists the configured policy scopes.
type PoliciesResponse struct {
	Policies []registry.Policy `json:"policies"`
}

// BlockedResponse is the 409 body of POST /compliance/complete.
type BlockedResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	gate.Result
}

func blockedResponse(err error, result *gate.Result) BlockedResponse {
	resp := BlockedResponse{Error: string(dErrors.CodeConflict), Result: *result}
	if de, ok := dErrors.As(err); ok {
		resp.ErrorDescription = de.Message
	}
	return resp
}
