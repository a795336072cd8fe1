// Package audit records security and compliance events. The Auditor is the façade
// request-path code calls; Sinks decide where events end up.
package audit

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/GabrielFerla/xp/internal/auth"
	"github.com/GabrielFerla/xp/internal/pkg/logger"
	"github.com/GabrielFerla/xp/internal/pkg/metrics"
)

// Auditor enriches events with request context and writes them to a Sink. Sink failures
// are logged and counted; they never fail the caller.
type Auditor struct {
	sink Sink
	log  *zap.Logger
}

func NewAuditor(sink Sink, log *zap.Logger) *Auditor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Auditor{sink: sink, log: log}
}

// Record fills actor, source and request id from ctx when unset, then writes e.
func (a *Auditor) Record(ctx context.Context, e *Event) {
	if e.Actor == "" {
		e.Actor = auth.CurrentUser(ctx)
	}
	if src, ok := sourceFromContext(ctx); ok {
		if e.SourceIP == "" {
			e.SourceIP = src.ip
		}
		if e.UserAgent == "" {
			e.UserAgent = src.userAgent
		}
	}
	if e.RequestID == "" {
		e.RequestID = logger.FromContext(ctx)
	}

	// a client disconnect must not drop the event
	if err := a.sink.Record(context.WithoutCancel(ctx), e); err != nil {
		metrics.AuditSinkErrorsTotal.WithLabelValues(a.sink.Name()).Inc()
		logger.For(ctx, a.log).Error("failed to record audit event",
			zap.String("event_type", string(e.EventType)),
			zap.String("event_id", e.ID),
			zap.Error(err),
		)
	}
}

// LogSecurityViolation records a denied or flagged request. violation becomes the event
// type, e.g. RATE_LIMIT_EXCEEDED.
func (a *Auditor) LogSecurityViolation(ctx context.Context, violation EventType, details string) {
	e := NewEvent(CategorySecurity, violation).
		WithResult(ResultFlagged).
		WithDetails(details).
		WithMetadata("violation", string(violation))
	if violation == EventRateLimitExceeded {
		e.WithResult(ResultDenied)
	}
	a.Record(ctx, e)
	logger.For(ctx, a.log).Warn("security violation",
		zap.String("violation", string(violation)),
		zap.String("actor", e.Actor),
		zap.String("source_ip", e.SourceIP),
		zap.String("details", details),
	)
}

// LogDataAccess records that the current principal touched resource.
func (a *Auditor) LogDataAccess(ctx context.Context, resource, action, info string) {
	a.Record(ctx, NewEvent(CategorySecurity, EventDataAccess).
		WithResource(resource, action).
		WithDetails(info))
}

// LogSecurityEvent records a named event about username, such as MFA enrollment.
func (a *Auditor) LogSecurityEvent(ctx context.Context, eventType, username, details string) {
	e := NewEvent(CategorySecurity, EventType(eventType)).
		WithActor(username).
		WithDetails(details)
	if strings.HasSuffix(eventType, "_FAILED") || strings.HasSuffix(eventType, "_ATTEMPT") {
		e.WithResult(ResultFailure)
	}
	a.Record(ctx, e)
}

// LogComplianceEvent records a data-protection event (registration, export, erasure)
// requested by the current principal about dataSubject.
func (a *Auditor) LogComplianceEvent(ctx context.Context, event, dataSubject, details string) {
	e := NewEvent(CategoryCompliance, EventType(event)).
		WithDataSubject(dataSubject).
		WithDetails(details)
	if _, ok := auth.PrincipalFromContext(ctx); !ok {
		e.WithActor("system")
	}
	a.Record(ctx, e)
}

func (a *Auditor) LogAuthenticationSuccess(ctx context.Context, username string, roles []string) {
	a.Record(ctx, NewEvent(CategorySecurity, EventAuthenticationSuccess).
		WithActor(username).
		WithMetadata("roles", roles))
}

func (a *Auditor) LogAuthenticationFailure(ctx context.Context, username, details string) {
	if username == "" {
		username = auth.AnonymousUser
	}
	a.Record(ctx, NewEvent(CategorySecurity, EventAuthenticationFailure).
		WithActor(username).
		WithResult(ResultFailure).
		WithDetails(details))
	logger.For(ctx, a.log).Warn("authentication failure", zap.String("username", username), zap.String("details", details))
}

// Close closes the underlying sink.
func (a *Auditor) Close() error {
	return a.sink.Close()
}
