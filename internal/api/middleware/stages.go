package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/GabrielFerla/xp/internal/anomaly"
	"github.com/GabrielFerla/xp/internal/audit"
	"github.com/GabrielFerla/xp/internal/auth"
	"github.com/GabrielFerla/xp/internal/pkg/metrics"
	"github.com/GabrielFerla/xp/internal/ratelimit"
	"github.com/GabrielFerla/xp/internal/sanitize"
)

// noAfter is embedded by stages that only act before the handler.
type noAfter struct{}

func (noAfter) After(*Exchange, *Outcome) {}

// noBefore is embedded by stages that only act after the handler.
type noBefore struct{}

func (noBefore) Before(*Exchange) Decision { return Continue() }

// RateLimitStage rejects clients the limiter has locked out with 429 and a Retry-After
// header in seconds.
type RateLimitStage struct {
	noAfter
	Limiter ratelimit.Limiter
	Auditor *audit.Auditor
}

func (s *RateLimitStage) Name() string { return "ratelimit" }

func (s *RateLimitStage) Before(ex *Exchange) Decision {
	if s.Limiter.IsAllowed(ex.ClientIP) {
		return Continue()
	}
	remaining := s.Limiter.RemainingLockoutMinutes(ex.ClientIP)
	metrics.RateLimitRejectionsTotal.Inc()
	s.Auditor.LogSecurityViolation(ex.Context(), audit.EventRateLimitExceeded,
		fmt.Sprintf("IP: %s | URI: %s | Remaining lockout: %d minutes", ex.ClientIP, ex.Request.URL.Path, remaining))

	h := http.Header{}
	h.Set("Retry-After", strconv.FormatInt(remaining*60, 10))
	return Reject(http.StatusTooManyRequests, h, "Too many requests. Please try again later.")
}

// IdentityStage resolves the caller from the request context, defaulting to anonymous.
type IdentityStage struct {
	noAfter
}

func (IdentityStage) Name() string { return "identity" }

func (IdentityStage) Before(ex *Exchange) Decision {
	if p, ok := auth.PrincipalFromContext(ex.Context()); ok {
		ex.Principal = p
	} else {
		ex.Principal = auth.Anonymous()
	}
	return Continue()
}

// AnomalyStage feeds every request (or only those under PathPrefix) to the detector.
type AnomalyStage struct {
	noAfter
	Detector   *anomaly.Detector
	PathPrefix string
}

func (s *AnomalyStage) Name() string { return "anomaly" }

func (s *AnomalyStage) Before(ex *Exchange) Decision {
	if s.PathPrefix == "" || strings.HasPrefix(ex.Request.URL.Path, s.PathPrefix) {
		s.Detector.MonitorUserActivity(ex.Context(), ex.Principal.Username, anomaly.ActivityAPIRequest, ex.ClientIP)
	}
	return Continue()
}

var scannerMarkers = []string{"sqlmap", "nikto", "nmap", "burp", "owasp", "scanner"}

// IsSuspiciousUserAgent matches known scanner signatures and generic bots other than
// googlebot, case-insensitively.
func IsSuspiciousUserAgent(ua string) bool {
	lower := strings.ToLower(ua)
	for _, m := range scannerMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return strings.Contains(lower, "bot") && !strings.Contains(lower, "googlebot")
}

// UserAgentStage flags requests from scanners and bots. Verdicts are cached per UA string.
type UserAgentStage struct {
	noAfter
	auditor  *audit.Auditor
	verdicts *lru.Cache[string, bool]
}

func NewUserAgentStage(auditor *audit.Auditor, cacheSize int) (*UserAgentStage, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, bool](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent cache: %w", err)
	}
	return &UserAgentStage{auditor: auditor, verdicts: cache}, nil
}

func (s *UserAgentStage) Name() string { return "useragent" }

func (s *UserAgentStage) Before(ex *Exchange) Decision {
	if ex.UserAgent == "" {
		return Continue()
	}
	suspicious, ok := s.verdicts.Get(ex.UserAgent)
	if !ok {
		suspicious = IsSuspiciousUserAgent(ex.UserAgent)
		s.verdicts.Add(ex.UserAgent, suspicious)
	}
	if suspicious {
		metrics.SuspiciousUserAgentsTotal.Inc()
		s.auditor.LogSecurityViolation(ex.Context(), audit.EventSuspiciousUserAgent,
			fmt.Sprintf("User: %s | IP: %s | UserAgent: %s", ex.Principal.Username, ex.ClientIP, ex.UserAgent))
	}
	return Continue()
}

// ParameterScanStage audits query parameters that look like SQL injection. It never blocks.
type ParameterScanStage struct {
	noAfter
	Auditor *audit.Auditor
}

func (s *ParameterScanStage) Name() string { return "params" }

func (s *ParameterScanStage) Before(ex *Exchange) Decision {
	for name, values := range ex.Request.URL.Query() {
		for _, v := range values {
			if sanitize.ContainsInjectionPattern(v) {
				metrics.InjectionFlagsTotal.Inc()
				s.Auditor.LogSecurityViolation(ex.Context(), audit.EventSQLInjectionAttempt,
					fmt.Sprintf("User: %s | IP: %s | Parameter: %s | Value: %s", ex.Principal.Username, ex.ClientIP, name, v))
			}
		}
	}
	return Continue()
}

// AuditStage records a DATA_ACCESS event for every request that reaches it.
type AuditStage struct {
	noAfter
	Auditor *audit.Auditor
}

func (s *AuditStage) Name() string { return "audit" }

func (s *AuditStage) Before(ex *Exchange) Decision {
	s.Auditor.LogDataAccess(ex.Context(), ex.Request.URL.Path, ex.Request.Method,
		fmt.Sprintf("User: %s | IP: %s", ex.Principal.Username, ex.ClientIP))
	return Continue()
}

// StatusInspectStage treats 401 and 403 responses as failed attempts for both the limiter
// and the anomaly detector.
type StatusInspectStage struct {
	noBefore
	Limiter  ratelimit.Limiter
	Detector *anomaly.Detector
}

func (s *StatusInspectStage) Name() string { return "status" }

func (s *StatusInspectStage) After(ex *Exchange, out *Outcome) {
	if out.Status != http.StatusUnauthorized && out.Status != http.StatusForbidden {
		return
	}
	s.Limiter.RecordFailedAttempt(ex.ClientIP)
	s.Detector.MonitorUserActivity(ex.Context(), ex.Principal.Username, anomaly.ActivityLoginAttempt, ex.ClientIP)
}

// ExceptionStage audits handler errors and panics.
type ExceptionStage struct {
	noBefore
	Auditor *audit.Auditor
}

func (s *ExceptionStage) Name() string { return "exception" }

func (s *ExceptionStage) After(ex *Exchange, out *Outcome) {
	if out.Err == nil {
		return
	}
	s.Auditor.LogSecurityViolation(ex.Context(), audit.EventRequestException,
		fmt.Sprintf("User: %s | IP: %s | Exception: %s", ex.Principal.Username, ex.ClientIP, out.Err))
}

// Stages is the standard interceptor order. Only the rate limit stage can reject.
func Stages(limiter ratelimit.Limiter, detector *anomaly.Detector, auditor *audit.Auditor, ua *UserAgentStage, monitoredPrefix string) []Stage {
	return []Stage{
		&RateLimitStage{Limiter: limiter, Auditor: auditor},
		IdentityStage{},
		&AnomalyStage{Detector: detector, PathPrefix: monitoredPrefix},
		ua,
		&ParameterScanStage{Auditor: auditor},
		&AuditStage{Auditor: auditor},
		&StatusInspectStage{Limiter: limiter, Detector: detector},
		&ExceptionStage{Auditor: auditor},
	}
}
