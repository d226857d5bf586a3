package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	platformmetrics "github.com/buttermb/delviery-sub009/internal/platform/metrics"
	"github.com/buttermb/delviery-sub009/internal/ratelimit"
	"github.com/buttermb/delviery-sub009/pkg/platform/httputil"
	"github.com/buttermb/delviery-sub009/pkg/platform/middleware/auth"
	"github.com/buttermb/delviery-sub009/pkg/platform/middleware/metadata"
	request "github.com/buttermb/delviery-sub009/pkg/platform/middleware/request"
	"github.com/buttermb/delviery-sub009/pkg/platform/middleware/requesttime"
)

// RouteRegistrar mounts a feature's routes.
type RouteRegistrar interface {
	Register(r chi.Router)
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// RouterDeps collects what the router needs. Metrics, RateLimit and Health
// are optional.
type RouterDeps struct {
	Logger    *slog.Logger
	Validator auth.ActorValidator
	Metrics   *platformmetrics.Metrics
	RateLimit *ratelimit.Middleware
	Health    map[string]HealthCheck
	Features  []RouteRegistrar
}

const healthTimeout = 2 * time.Second

// NewRouter wires the public endpoints. Health and metrics are unauthenticated;
// every feature route requires a bearer token.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(request.Recovery(deps.Logger))
	r.Use(request.RequestID)
	r.Use(requesttime.Middleware)
	r.Use(metadata.ClientMetadata)
	r.Use(request.Logger(deps.Logger))
	r.Use(deps.Metrics.Middleware)

	r.Get("/healthz", healthHandler(deps.Logger, deps.Health))
	r.Handle("/metrics", platformmetrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireActor(deps.Validator, deps.Logger))
		r.Use(deps.RateLimit.Handler)
		for _, f := range deps.Features {
			f.Register(r)
		}
	})
	return r
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func healthHandler(logger *slog.Logger, checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(checks))}
		status := http.StatusOK
		for name, check := range checks {
			if err := check(ctx); err != nil {
				logger.WarnContext(ctx, "health check failed",
					"dependency", name,
					"error", err,
					"request_id", request.GetRequestID(ctx),
				)
				resp.Checks[name] = "unavailable"
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
		httputil.WriteJSON(w, status, resp)
	}
}
