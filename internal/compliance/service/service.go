// Package service implements the compliance engine: the sole writer of check
// state. Every accepted transition is written together with its audit entry
// in one transaction.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/mssola/useragent"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/buttermb/delviery-sub009/internal/compliance/authz"
	"github.com/buttermb/delviery-sub009/internal/compliance/gate"
	"github.com/buttermb/delviery-sub009/internal/compliance/metrics"
	"github.com/buttermb/delviery-sub009/internal/compliance/models"
	"github.com/buttermb/delviery-sub009/pkg/domain"
	dErrors "github.com/buttermb/delviery-sub009/pkg/domain-errors"
	"github.com/buttermb/delviery-sub009/pkg/platform/sentinel"
	"github.com/buttermb/delviery-sub009/pkg/requestcontext"
)

const (
	// DefaultMinReasonLength is the minimum trimmed length of an override or skip reason.
	DefaultMinReasonLength = 10
	// MaxNotesLength bounds manual verification notes.
	MaxNotesLength = 1000
	// MaxReasonLength bounds override and skip reasons.
	MaxReasonLength = 2000
)

var tracer = otel.Tracer("compliance")

// Service orchestrates check initialization, evaluation, verification and override.
type Service struct {
	checks          CheckStore
	audit           AuditStore
	tx              TxRunner
	registry        PolicyRegistry
	authz           authz.Authorizer
	snapshots       SnapshotCache
	logger          *slog.Logger
	metrics         *metrics.Metrics
	minReasonLength int
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithAuthorizer replaces the role-based authorizer.
func WithAuthorizer(a authz.Authorizer) Option {
	return func(s *Service) {
		s.authz = a
	}
}

// WithSnapshotCache enables gate snapshots. Without it GateSnapshot reads the store.
func WithSnapshotCache(c SnapshotCache) Option {
	return func(s *Service) {
		s.snapshots = c
	}
}

// WithMinReasonLength overrides DefaultMinReasonLength.
func WithMinReasonLength(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.minReasonLength = n
		}
	}
}

// New constructs a Service.
func New(checks CheckStore, audit AuditStore, tx TxRunner, reg PolicyRegistry, opts ...Option) *Service {
	s := &Service{
		checks:          checks,
		audit:           audit,
		tx:              tx,
		registry:        reg,
		authz:           authz.RoleAuthorizer{},
		logger:          slog.Default(),
		minReasonLength: DefaultMinReasonLength,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MinReasonLength reports the configured minimum reason length.
func (s *Service) MinReasonLength() int { return s.minReasonLength }

// translateStoreErr maps store sentinels to domain errors. Already coded
// errors pass through.
func translateStoreErr(err error, notFoundMsg string) error {
	if err == nil {
		return nil
	}
	if _, ok := dErrors.As(err); ok {
		return err
	}
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, notFoundMsg)
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "check was modified concurrently; re-read and retry")
	case errors.Is(err, sentinel.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return dErrors.Persistence(err, "storage temporarily unavailable", true)
	default:
		return dErrors.Persistence(err, "storage failure", false)
	}
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "compliance."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
	}
	span.End()
}

func refAttrs(ref domain.DeliveryRef) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("order_id", ref.OrderID),
		attribute.String("delivery_id", ref.DeliveryID),
	}
}

// sortChecks orders checks canonically by type.
func sortChecks(checks []*models.Check) {
	sort.SliceStable(checks, func(i, j int) bool {
		return checks[i].Type.Rank() < checks[j].Type.Rank()
	})
}

// validateReason enforces the minimum trimmed length. The reason itself is
// stored verbatim.
func (s *Service) validateReason(reason string) error {
	trimmed := strings.TrimSpace(reason)
	if trimmed == "" {
		return dErrors.New(dErrors.CodeValidation, "reason is required")
	}
	if utf8.RuneCountInString(trimmed) < s.minReasonLength {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("reason must be at least %d characters", s.minReasonLength))
	}
	if utf8.RuneCountInString(reason) > MaxReasonLength {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("reason must be at most %d characters", MaxReasonLength))
	}
	return nil
}

// clientMetadata adds request provenance to audit metadata.
func clientMetadata(ctx context.Context, meta map[string]any) map[string]any {
	if meta == nil {
		meta = map[string]any{}
	}
	if id := requestcontext.RequestID(ctx); id != "" {
		meta[models.MetaRequestID] = id
	}
	if ip := requestcontext.ClientIP(ctx); ip != "" {
		meta[models.MetaClientIP] = ip
	}
	if ua := requestcontext.UserAgent(ctx); ua != "" {
		meta[models.MetaDevice] = deviceSummary(ua)
	}
	return meta
}

// deviceSummary reduces a User-Agent to "browser/os" for audit review.
func deviceSummary(raw string) string {
	ua := useragent.New(raw)
	name, version := ua.Browser()
	parts := make([]string, 0, 3)
	if name != "" {
		if version != "" {
			name += " " + version
		}
		parts = append(parts, name)
	}
	if osName := ua.OS(); osName != "" {
		parts = append(parts, osName)
	}
	if ua.Mobile() {
		parts = append(parts, "mobile")
	}
	if len(parts) == 0 {
		return raw
	}
	return strings.Join(parts, "; ")
}

// refreshSnapshot recomputes the gate from committed state after a write.
// Failures only cost freshness, so they are logged and dropped; when the new
// result cannot be stored the old snapshot is removed rather than left to
// outlive the write.
func (s *Service) refreshSnapshot(ctx context.Context, ref domain.DeliveryRef) {
	if s.snapshots == nil {
		return
	}
	checks, err := s.checks.ListByDelivery(ctx, ref)
	if err == nil {
		err = s.snapshots.Put(ctx, ref, gate.Evaluate(checks))
	}
	if err == nil {
		return
	}
	s.logger.WarnContext(ctx, "gate snapshot refresh failed",
		"order_id", ref.OrderID,
		"delivery_id", ref.DeliveryID,
		"error", err,
		"request_id", requestcontext.RequestID(ctx),
	)
	if err := s.snapshots.Invalidate(ctx, ref); err != nil {
		s.logger.WarnContext(ctx, "gate snapshot invalidation failed; cached result may trail until expiry",
			"order_id", ref.OrderID,
			"delivery_id", ref.DeliveryID,
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
}
