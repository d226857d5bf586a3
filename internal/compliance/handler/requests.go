package handler

import (
	"github.com/buttermb/delviery-sub009/internal/compliance/models"
	"github.com/buttermb/delviery-sub009/internal/compliance/service"
	"github.com/buttermb/delviery-sub009/pkg/domain"
)

// InitRequest is the body of POST /compliance/init.
type InitRequest struct {
	OrderID     string                   `json:"order_id" validate:"required,max=128"`
	DeliveryID  string                   `json:"delivery_id" validate:"required,max=128"`
	PolicyScope string                   `json:"policy_scope" validate:"max=64"`
	Context     models.EvaluationContext `json:"context"`

	ref domain.DeliveryRef
}

// Validate implements httputil.Validatable.
func (r *InitRequest) Validate() error {
	ref, err := domain.ParseDeliveryRef(r.OrderID, r.DeliveryID)
	if err != nil {
		return err
	}
	r.ref = ref
	return r.Context.Validate()
}

func (r *InitRequest) toService() service.InitRequest {
	return service.InitRequest{Ref: r.ref, PolicyScope: r.PolicyScope, Context: r.Context}
}

// AutoVerifyRequest is the body of POST /compliance/auto-verify.
type AutoVerifyRequest struct {
	OrderID    string                   `json:"order_id" validate:"required,max=128"`
	DeliveryID string                   `json:"delivery_id" validate:"required,max=128"`
	Context    models.EvaluationContext `json:"context"`

	ref domain.DeliveryRef
}

// Validate implements httputil.Validatable.
func (r *AutoVerifyRequest) Validate() error {
	ref, err := domain.ParseDeliveryRef(r.OrderID, r.DeliveryID)
	if err != nil {
		return err
	}
	r.ref = ref
	return r.Context.Validate()
}

// CompleteRequest is the body of POST /compliance/complete.
type CompleteRequest struct {
	OrderID    string `json:"order_id" validate:"required,max=128"`
	DeliveryID string `json:"delivery_id" validate:"required,max=128"`

	ref domain.DeliveryRef
}

// Validate implements httputil.Validatable.
func (r *CompleteRequest) Validate() error {
	ref, err := domain.ParseDeliveryRef(r.OrderID, r.DeliveryID)
	if err != nil {
		return err
	}
	r.ref = ref
	return nil
}

// VerifyRequest is the body of POST /compliance/checks/{id}/verify.
type VerifyRequest struct {
	Status string `json:"status" validate:"required,oneof=passed failed"`
	Notes  string `json:"notes" sanitize:"-"`

	status models.Status
}

// Validate implements httputil.Validatable.
func (r *VerifyRequest) Validate() error {
	status, err := models.ParseManualStatus(r.Status)
	if err != nil {
		return err
	}
	r.status = status
	return nil
}

// ReasonRequest is the body of the override and skip endpoints. The reason is
// kept verbatim; length rules are enforced by the service.
type ReasonRequest struct {
	Reason string `json:"reason" validate:"required" sanitize:"-"`
}

// Validate implements httputil.Validatable.
func (r *ReasonRequest) Validate() error { return nil }
