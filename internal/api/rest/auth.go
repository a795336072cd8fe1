package rest

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/GabrielFerla/xp/internal/api/middleware"
	"github.com/GabrielFerla/xp/internal/auth"
	"github.com/GabrielFerla/xp/internal/sanitize"
)

type issueTokenRequest struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	TTL      string   `json:"ttl,omitempty"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueToken handles POST /auth/token. It mints a token for any sanitized username and is
// only routed when token.allow_dev_issue is set.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.Token.AllowDevIssue {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "Not found")
		return
	}

	var req issueTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid request body")
		return
	}
	username, err := sanitize.Username(req.Username)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeValidationFailed, "Username must be 3-50 characters of letters, digits, '_' or '-'")
		return
	}
	var ttl time.Duration
	if req.TTL != "" {
		if ttl, err = time.ParseDuration(req.TTL); err != nil || ttl <= 0 {
			respondError(w, r, http.StatusBadRequest, ErrCodeValidationFailed, "ttl must be a positive duration")
			return
		}
	}

	p := auth.Principal{Username: username, Roles: req.Roles}
	token, err := h.tokens.Issue(p, nil, ttl)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	exp, err := h.tokens.ExtractExpiration(token)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	h.auditor.LogAuthenticationSuccess(r.Context(), username, req.Roles)
	respondJSON(w, http.StatusCreated, tokenResponse{Token: token, TokenType: "Bearer", ExpiresAt: exp})
}

// WhoAmI handles GET /auth/whoami
func (h *Handler) WhoAmI(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"username":    p.Username,
		"roles":       p.Roles,
		"mfa_enabled": h.mfa.IsMFAEnabled(p.Username),
	})
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	middleware.ReportError(r, err)
	respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "Internal server error")
}
