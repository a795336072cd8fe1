// Package rest exposes the security services over HTTP under /api/v1.
package rest

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/GabrielFerla/xp/internal/anomaly"
	"github.com/GabrielFerla/xp/internal/api/middleware"
	"github.com/GabrielFerla/xp/internal/audit"
	"github.com/GabrielFerla/xp/internal/auth"
	"github.com/GabrielFerla/xp/internal/auth/mfa"
	"github.com/GabrielFerla/xp/internal/config"
	"github.com/GabrielFerla/xp/internal/encryption"
	"github.com/GabrielFerla/xp/internal/ratelimit"
)

const RoleAdmin = "ADMIN"

// Handler manages HTTP request handlers
type Handler struct {
	cfg      *config.Config
	tokens   *auth.TokenService
	mfa      *mfa.Service
	crypto   *encryption.Service
	limiter  ratelimit.Limiter
	detector *anomaly.Detector
	auditor  *audit.Auditor
	recent   *audit.MemorySink
	store    AuditReader
	log      *zap.Logger
}

// AuditReader lists persisted audit events, newest first.
type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]*audit.Event, error)
	RecentOfType(ctx context.Context, eventType audit.EventType, limit int) ([]*audit.Event, error)
}

// Deps are the services a Handler serves. The audit listing reads Store when set and
// falls back to Recent; with neither it answers 404.
type Deps struct {
	Config     *config.Config
	Tokens     *auth.TokenService
	MFA        *mfa.Service
	Encryption *encryption.Service
	Limiter    ratelimit.Limiter
	Detector   *anomaly.Detector
	Auditor    *audit.Auditor
	Recent     *audit.MemorySink
	Store      AuditReader
	Logger     *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(d Deps) *Handler {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		cfg:      d.Config,
		tokens:   d.Tokens,
		mfa:      d.MFA,
		crypto:   d.Encryption,
		limiter:  d.Limiter,
		detector: d.Detector,
		auditor:  d.Auditor,
		recent:   d.Recent,
		store:    d.Store,
		log:      log.Named("rest"),
	}
}

// SetupRoutes configures API routes on router, which is expected to be mounted at /api/v1.
func SetupRoutes(router *mux.Router, h *Handler) {
	authed := middleware.RequireAuthenticated
	admin := middleware.RequireRole(RoleAdmin)

	// Auth routes
	router.HandleFunc("/auth/token", h.IssueToken).Methods("POST")
	router.Handle("/auth/whoami", authed(http.HandlerFunc(h.WhoAmI))).Methods("GET")

	// MFA routes
	router.Handle("/mfa/enroll", authed(http.HandlerFunc(h.EnrollMFA))).Methods("POST")
	router.Handle("/mfa/verify", authed(http.HandlerFunc(h.VerifyMFA))).Methods("POST")
	router.Handle("/mfa", authed(http.HandlerFunc(h.DisableMFA))).Methods("DELETE")
	router.Handle("/mfa/status", authed(http.HandlerFunc(h.MFAStatus))).Methods("GET")
	router.Handle("/mfa/backup-codes", authed(http.HandlerFunc(h.GenerateBackupCodes))).Methods("POST")
	router.Handle("/mfa/backup-codes/verify", authed(http.HandlerFunc(h.VerifyBackupCode))).Methods("POST")

	// Crypto routes
	router.Handle("/crypto/encrypt", admin(http.HandlerFunc(h.Encrypt))).Methods("POST")
	router.Handle("/crypto/decrypt", admin(http.HandlerFunc(h.Decrypt))).Methods("POST")

	// Admin routes
	router.Handle("/admin/security/stats", admin(http.HandlerFunc(h.SecurityStats))).Methods("GET")
	router.Handle("/admin/security/audit", admin(http.HandlerFunc(h.RecentAudit))).Methods("GET")
	router.Handle("/admin/ratelimit/{key}", admin(http.HandlerFunc(h.ClearRateLimit))).Methods("DELETE")
}
