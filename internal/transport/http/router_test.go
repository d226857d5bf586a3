package httptransport

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"

	"github.com/buttermb/delviery-sub009/pkg/domain"
	"github.com/buttermb/delviery-sub009/pkg/platform/httputil"
	request "github.com/buttermb/delviery-sub009/pkg/platform/middleware/request"
	"github.com/buttermb/delviery-sub009/pkg/requestcontext"
	"github.com/buttermb/delviery-sub009/pkg/testutil"
)

type staticValidator struct{}

func (staticValidator) ValidateToken(token string) (domain.Actor, error) {
	if token != "good" {
		return domain.Actor{}, errors.New("bad token")
	}
	return testutil.Runner, nil
}

type echoFeature struct{}

func (echoFeature) Register(r chi.Router) {
	r.Get("/whoami", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{
			"actor_id":   requestcontext.Actor(r.Context()).ID,
			"request_id": requestcontext.RequestID(r.Context()),
		})
	})
}

func newTestRouter(health map[string]HealthCheck) http.Handler {
	return NewRouter(RouterDeps{
		Logger:    slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
		Validator: staticValidator{},
		Health:    health,
		Features:  []RouteRegistrar{echoFeature{}},
	})
}

func TestHealthz(t *testing.T) {
	t.Run("healthy dependencies", func(t *testing.T) {
		router := newTestRouter(map[string]HealthCheck{
			"postgres": func(context.Context) error { return nil },
		})
		rr := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/healthz"))
		testutil.AssertStatusOK(t, rr)
		testutil.AssertJSONContains(t, rr, "status", "ok")
	})

	t.Run("failing dependency degrades", func(t *testing.T) {
		router := newTestRouter(map[string]HealthCheck{
			"redis": func(context.Context) error { return errors.New("connection refused") },
		})
		rr := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/healthz"))
		testutil.AssertStatus(t, rr, http.StatusServiceUnavailable)
		testutil.AssertJSONContains(t, rr, "status", "degraded")
	})
}

func TestFeatureRoutesRequireActor(t *testing.T) {
	router := newTestRouter(nil)

	rr := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/whoami"))
	testutil.AssertStatusAndError(t, rr, http.StatusUnauthorized, "unauthorized")

	req := testutil.NewRequest(t, http.MethodGet, "/whoami")
	req.Header.Set("Authorization", "Bearer good")
	req.Header.Set(request.HeaderRequestID, "req-42")
	rr = testutil.DoRequest(router, req)
	testutil.AssertStatusOK(t, rr)
	assert.Equal(t, "req-42", rr.Header().Get(request.HeaderRequestID))
	body := testutil.UnmarshalResponse[map[string]string](t, rr)
	assert.Equal(t, testutil.Runner.ID, (*body)["actor_id"])
	assert.Equal(t, "req-42", (*body)["request_id"])
}

func TestMetricsEndpointIsPublic(t *testing.T) {
	rr := testutil.DoRequest(newTestRouter(nil), testutil.NewRequest(t, http.MethodGet, "/metrics"))
	testutil.AssertStatusOK(t, rr)
}
