package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/GabrielFerla/xp/internal/audit"
	"github.com/GabrielFerla/xp/internal/auth"
	"github.com/GabrielFerla/xp/internal/pkg/logger"
	"github.com/GabrielFerla/xp/internal/pkg/tracing"
)

// Exchange is the per-request state shared by every stage.
type Exchange struct {
	Request   *http.Request
	ClientIP  string
	UserAgent string
	Principal auth.Principal
	Start     time.Time
}

func (e *Exchange) Context() context.Context { return e.Request.Context() }

// Decision is returned by Stage.Before. The zero value continues.
type Decision struct {
	Rejected bool
	Status   int
	Header   http.Header
	Message  string
}

func Continue() Decision { return Decision{} }

func Reject(status int, header http.Header, message string) Decision {
	return Decision{Rejected: true, Status: status, Header: header, Message: message}
}

// Outcome describes how the handler finished.
type Outcome struct {
	Status   int
	Err      error
	Duration time.Duration
}

// Stage is one step of the interceptor chain. Before runs ahead of the handler and may
// reject the request; After runs once the handler has completed.
type Stage interface {
	Name() string
	Before(ex *Exchange) Decision
	After(ex *Exchange, out *Outcome)
}

// Chain runs stages in registration order around a handler. A rejection stops the chain:
// later stages, the handler and all After hooks are skipped.
type Chain struct {
	stages []Stage
	log    *zap.Logger
}

func NewChain(log *zap.Logger, stages ...Stage) *Chain {
	if log == nil {
		log = zap.NewNop()
	}
	return &Chain{stages: stages, log: log.Named("interceptor")}
}

type errorSlotKey struct{}

type errorSlot struct{ err error }

// ReportError attaches err to the request so After stages see it in Outcome.Err. Handlers
// call it when they answer with a server error instead of panicking.
func ReportError(r *http.Request, err error) {
	if slot, ok := r.Context().Value(errorSlotKey{}).(*errorSlot); ok && err != nil {
		slot.err = err
	}
}

func (c *Chain) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		ua := r.UserAgent()
		slot := &errorSlot{}
		ctx := audit.WithSource(r.Context(), ip, ua)
		ctx = context.WithValue(ctx, errorSlotKey{}, slot)

		ex := &Exchange{
			Request:   r.WithContext(ctx),
			ClientIP:  ip,
			UserAgent: ua,
			Principal: auth.Anonymous(),
			Start:     time.Now(),
		}

		for _, s := range c.stages {
			d := c.before(s, ex)
			if d.Rejected {
				for k, vs := range d.Header {
					for _, v := range vs {
						w.Header().Add(k, v)
					}
				}
				writeJSONError(w, d.Status, d.Message)
				return
			}
		}

		rw := newResponseWriter(w)
		out := &Outcome{}
		c.serve(rw, ex, next, out)
		if out.Err == nil {
			out.Err = slot.err
		}
		out.Status = rw.status
		out.Duration = time.Since(ex.Start)

		for _, s := range c.stages {
			c.after(s, ex, out)
		}
	})
}

func (c *Chain) serve(rw *responseWriter, ex *Exchange, next http.Handler, out *Outcome) {
	defer func() {
		if p := recover(); p != nil {
			out.Err = fmt.Errorf("panic: %v", p)
			logger.For(ex.Context(), c.log).Error("handler panic", zap.Any("panic", p), zap.String("path", ex.Request.URL.Path))
			if !rw.wroteHeader {
				writeJSONError(rw, http.StatusInternalServerError, "Internal server error")
			}
		}
	}()
	next.ServeHTTP(rw, ex.Request)
}

// before runs one Before hook. A panic continues the chain and is handed to the After
// stages through the request's error slot.
func (c *Chain) before(s Stage, ex *Exchange) (d Decision) {
	_, span := tracing.StartSpan(ex.Context(), "interceptor."+s.Name()+".before")
	defer span.End()
	defer func() {
		if p := recover(); p != nil {
			span.SetStatus(codes.Error, "panic")
			logger.For(ex.Context(), c.log).Error("interceptor before hook panic", zap.String("stage", s.Name()), zap.Any("panic", p))
			if slot, ok := ex.Context().Value(errorSlotKey{}).(*errorSlot); ok && slot.err == nil {
				slot.err = fmt.Errorf("stage %s panic: %v", s.Name(), p)
			}
			d = Continue()
		}
	}()
	d = s.Before(ex)
	if d.Rejected {
		span.SetAttributes(attribute.Int("http.status_code", d.Status))
		span.SetStatus(codes.Error, d.Message)
	}
	return d
}

func (c *Chain) after(s Stage, ex *Exchange, out *Outcome) {
	_, span := tracing.StartSpan(ex.Context(), "interceptor."+s.Name()+".after")
	defer span.End()
	defer func() {
		if p := recover(); p != nil {
			span.SetStatus(codes.Error, "panic")
			logger.For(ex.Context(), c.log).Error("interceptor after hook panic", zap.String("stage", s.Name()), zap.Any("panic", p))
		}
	}()
	s.After(ex, out)
}
