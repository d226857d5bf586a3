// Package handler exposes the compliance engine over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/buttermb/delviery-sub009/internal/compliance/gate"
	"github.com/buttermb/delviery-sub009/internal/compliance/models"
	"github.com/buttermb/delviery-sub009/internal/compliance/registry"
	"github.com/buttermb/delviery-sub009/internal/compliance/service"
	"github.com/buttermb/delviery-sub009/pkg/domain"
	dErrors "github.com/buttermb/delviery-sub009/pkg/domain-errors"
	"github.com/buttermb/delviery-sub009/pkg/platform/httputil"
	"github.com/buttermb/delviery-sub009/pkg/requestcontext"
)

// Service defines the compliance operations served over HTTP.
type Service interface {
	InitializeChecks(ctx context.Context, req service.InitRequest, actor domain.Actor) ([]*models.Check, int, error)
	AutoVerifySystemChecks(ctx context.Context, req service.AutoVerifyRequest, actor domain.Actor) ([]*models.Check, error)
	ManualVerify(ctx context.Context, id domain.CheckID, status models.Status, notes string, actor domain.Actor) (*models.Check, error)
	OverrideCheck(ctx context.Context, id domain.CheckID, reason string, actor domain.Actor) (*models.Check, error)
	SkipCheck(ctx context.Context, id domain.CheckID, reason string, actor domain.Actor) (*models.Check, error)
	GetCheck(ctx context.Context, id domain.CheckID) (*models.Check, error)
	ListChecks(ctx context.Context, ref domain.DeliveryRef) (*service.DeliveryChecks, error)
	ListAudit(ctx context.Context, ref domain.DeliveryRef) ([]*models.AuditEntry, error)
	VerifyAuditChain(ctx context.Context, ref domain.DeliveryRef) (*service.ChainReport, error)
	AuthorizeCompletion(ctx context.Context, ref domain.DeliveryRef) (*gate.Result, error)
	GateSnapshot(ctx context.Context, ref domain.DeliveryRef) (*gate.Result, error)
	Policies() []registry.Policy
}

// Handler wires compliance endpoints to the service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs a compliance handler.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// Register mounts the compliance endpoints. The router must already run the
// auth middleware.
func (h *Handler) Register(r chi.Router) {
	r.Route("/compliance", func(r chi.Router) {
		r.Post("/init", h.HandleInitialize)
		r.Post("/auto-verify", h.HandleAutoVerify)
		r.Post("/complete", h.HandleComplete)
		r.Get("/checks", h.HandleListChecks)
		r.Get("/checks/{id}", h.HandleGetCheck)
		r.Post("/checks/{id}/verify", h.HandleManualVerify)
		r.Post("/checks/{id}/override", h.HandleOverride)
		r.Post("/checks/{id}/skip", h.HandleSkip)
		r.Get("/audit", h.HandleListAudit)
		r.Get("/audit/verify", h.HandleVerifyAuditChain)
		r.Get("/gate", h.HandleGate)
		r.Get("/policies", h.HandlePolicies)
	})
}

// HandleInitialize handles POST /compliance/init.
func (h *Handler) HandleInitialize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	actor, ok := h.requireActor(w, ctx)
	if !ok {
		return
	}

	req, ok := httputil.DecodeAndPrepare[InitRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	checks, created, err := h.service.InitializeChecks(ctx, req.toService(), actor)
	if err != nil {
		h.fail(ctx, w, "failed to initialize checks", err, "order_id", req.ref.OrderID, "delivery_id", req.ref.DeliveryID)
		return
	}
	// A replay that creates nothing is not a creation.
	status := http.StatusCreated
	if created == 0 {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, ChecksResponse{
		OrderID:    req.ref.OrderID,
		DeliveryID: req.ref.DeliveryID,
		Checks:     checks,
	})
}

// HandleAutoVerify handles POST /compliance/auto-verify.
func (h *Handler) HandleAutoVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	actor, ok := h.requireActor(w, ctx)
	if !ok {
		return
	}

	req, ok := httputil.DecodeAndPrepare[AutoVerifyRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	checks, err := h.service.AutoVerifySystemChecks(ctx, service.AutoVerifyRequest{Ref: req.ref, Context: req.Context}, actor)
	if err != nil {
		h.fail(ctx, w, "auto verification failed", err, "order_id", req.ref.OrderID, "delivery_id", req.ref.DeliveryID)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ChecksResponse{
		OrderID:    req.ref.OrderID,
		DeliveryID: req.ref.DeliveryID,
		Checks:     checks,
	})
}

// HandleGetCheck handles GET /compliance/checks/{id}.
func (h *Handler) HandleGetCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.requireActor(w, ctx); !ok {
		return
	}
	id, ok := h.checkID(w, r)
	if !ok {
		return
	}

	check, err := h.service.GetCheck(ctx, id)
	if err != nil {
		h.fail(ctx, w, "failed to get check", err, "check_id", id.String())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, check)
}

// HandleManualVerify handles POST /compliance/checks/{id}/verify.
func (h *Handler) HandleManualVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	actor, ok := h.requireActor(w, ctx)
	if !ok {
		return
	}
	id, ok := h.checkID(w, r)
	if !ok {
		return
	}

	req, ok := httputil.DecodeAndPrepare[VerifyRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	check, err := h.service.ManualVerify(ctx, id, req.status, req.Notes, actor)
	if err != nil {
		h.fail(ctx, w, "manual verification failed", err, "check_id", id.String())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, check)
}

// HandleOverride handles POST /compliance/checks/{id}/override.
func (h *Handler) HandleOverride(w http.ResponseWriter, r *http.Request) {
	h.handleReasoned(w, r, "override failed", h.service.OverrideCheck)
}

// HandleSkip handles POST /compliance/checks/{id}/skip.
func (h *Handler) HandleSkip(w http.ResponseWriter, r *http.Request) {
	h.handleReasoned(w, r, "skip failed", h.service.SkipCheck)
}

type reasonedAction func(ctx context.Context, id domain.CheckID, reason string, actor domain.Actor) (*models.Check, error)

func (h *Handler) handleReasoned(w http.ResponseWriter, r *http.Request, failMsg string, action reasonedAction) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	actor, ok := h.requireActor(w, ctx)
	if !ok {
		return
	}
	id, ok := h.checkID(w, r)
	if !ok {
		return
	}

	req, ok := httputil.DecodeAndPrepare[ReasonRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	check, err := action(ctx, id, req.Reason, actor)
	if err != nil {
		h.fail(ctx, w, failMsg, err, "check_id", id.String(), "actor_id", actor.ID)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, check)
}

// HandleListChecks handles GET /compliance/checks.
func (h *Handler) HandleListChecks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.requireActor(w, ctx); !ok {
		return
	}
	ref, ok := h.deliveryRef(w, r)
	if !ok {
		return
	}

	res, err := h.service.ListChecks(ctx, ref)
	if err != nil {
		h.fail(ctx, w, "failed to list checks", err, "order_id", ref.OrderID, "delivery_id", ref.DeliveryID)
		return
	}
	gateResult := res.Gate
	httputil.WriteJSON(w, http.StatusOK, ChecksResponse{
		OrderID:    ref.OrderID,
		DeliveryID: ref.DeliveryID,
		Checks:     res.Checks,
		Gate:       &gateResult,
	})
}

// HandleListAudit handles GET /compliance/audit.
func (h *Handler) HandleListAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.requireActor(w, ctx); !ok {
		return
	}
	ref, ok := h.deliveryRef(w, r)
	if !ok {
		return
	}

	entries, err := h.service.ListAudit(ctx, ref)
	if err != nil {
		h.fail(ctx, w, "failed to list audit entries", err, "order_id", ref.OrderID, "delivery_id", ref.DeliveryID)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, AuditResponse{
		OrderID:    ref.OrderID,
		DeliveryID: ref.DeliveryID,
		Entries:    entries,
	})
}

// HandleVerifyAuditChain handles GET /compliance/audit/verify.
func (h *Handler) HandleVerifyAuditChain(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.requireActor(w, ctx); !ok {
		return
	}
	ref, ok := h.deliveryRef(w, r)
	if !ok {
		return
	}

	report, err := h.service.VerifyAuditChain(ctx, ref)
	if err != nil {
		h.fail(ctx, w, "failed to verify audit chain", err, "order_id", ref.OrderID, "delivery_id", ref.DeliveryID)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

// HandleGate handles GET /compliance/gate. The answer may come from the
// snapshot cache and is advisory.
func (h *Handler) HandleGate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.requireActor(w, ctx); !ok {
		return
	}
	ref, ok := h.deliveryRef(w, r)
	if !ok {
		return
	}

	result, err := h.service.GateSnapshot(ctx, ref)
	if err != nil {
		h.fail(ctx, w, "failed to read gate", err, "order_id", ref.OrderID, "delivery_id", ref.DeliveryID)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

// HandleComplete handles POST /compliance/complete. A blocked delivery gets a
// 409 carrying the blocking evidence.
func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	if _, ok := h.requireActor(w, ctx); !ok {
		return
	}

	req, ok := httputil.DecodeAndPrepare[CompleteRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	result, err := h.service.AuthorizeCompletion(ctx, req.ref)
	if err != nil {
		if result != nil && dErrors.HasCode(err, dErrors.CodeConflict) {
			h.logger.InfoContext(ctx, "delivery completion blocked",
				"request_id", requestID,
				"order_id", req.ref.OrderID,
				"delivery_id", req.ref.DeliveryID,
				"blocking", len(result.BlockingChecks),
			)
			httputil.WriteJSON(w, http.StatusConflict, blockedResponse(err, result))
			return
		}
		h.fail(ctx, w, "failed to authorize completion", err, "order_id", req.ref.OrderID, "delivery_id", req.ref.DeliveryID)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

// HandlePolicies handles GET /compliance/policies.
func (h *Handler) HandlePolicies(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireActor(w, r.Context()); !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, PoliciesResponse{Policies: h.service.Policies()})
}

func (h *Handler) requireActor(w http.ResponseWriter, ctx context.Context) (domain.Actor, bool) {
	actor := requestcontext.Actor(ctx)
	if actor.IsZero() {
		h.logger.ErrorContext(ctx, "actor missing from context despite auth middleware",
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return domain.Actor{}, false
	}
	return actor, true
}

func (h *Handler) checkID(w http.ResponseWriter, r *http.Request) (domain.CheckID, bool) {
	id, err := domain.ParseCheckID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return domain.CheckID{}, false
	}
	return id, true
}

func (h *Handler) deliveryRef(w http.ResponseWriter, r *http.Request) (domain.DeliveryRef, bool) {
	q := r.URL.Query()
	ref, err := domain.ParseDeliveryRef(q.Get("order_id"), q.Get("delivery_id"))
	if err != nil {
		httputil.WriteError(w, err)
		return domain.DeliveryRef{}, false
	}
	return ref, true
}

// fail logs at a level matching the error class and writes the response.
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, msg string, err error, attrs ...any) {
	attrs = append(attrs, "request_id", requestcontext.RequestID(ctx), "error", err)
	switch dErrors.CodeOf(err) {
	case dErrors.CodeInternal, dErrors.CodePersistence:
		h.logger.ErrorContext(ctx, msg, attrs...)
	default:
		h.logger.WarnContext(ctx, msg, attrs...)
	}
	httputil.WriteError(w, err)
}
