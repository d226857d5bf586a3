package testutil

import (
	"net/http"
	"time"

	"github.com/buttermb/delviery-sub009/pkg/domain"
	"github.com/buttermb/delviery-sub009/pkg/requestcontext"
)

// Actors used across handler and service tests.
var (
	Runner = domain.Actor{ID: "runner-1", Type: domain.ActorRunner}
	Admin  = domain.Actor{ID: "admin-1", Type: domain.ActorAdmin}
	// Dispatcher is a runner holding the explicit manage-deliveries grant.
	Dispatcher = domain.Actor{
		ID:          "dispatcher-1",
		Type:        domain.ActorRunner,
		Permissions: []domain.Permission{domain.PermissionManageDeliveries},
	}
)

// WithActor adds an authenticated actor to the request context.
// This simulates what the auth middleware would do for authenticated requests.
func WithActor(req *http.Request, actor domain.Actor) *http.Request {
	return req.WithContext(requestcontext.WithActor(req.Context(), actor))
}

// WithTime pins the request-scoped clock.
func WithTime(req *http.Request, t time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), t))
}
