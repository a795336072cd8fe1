package rest

import (
	"net/http"
	"strings"

	"github.com/GabrielFerla/xp/internal/api/middleware"
	"github.com/GabrielFerla/xp/internal/auth"
	"github.com/GabrielFerla/xp/internal/auth/mfa"
)

type verifyMFARequest struct {
	Code string `json:"code"`
}

type verifyBackupCodeRequest struct {
	Code   string   `json:"code"`
	Hashes []string `json:"hashes"`
}

// EnrollMFA handles POST /mfa/enroll. Enrolling again replaces the previous secret.
func (h *Handler) EnrollMFA(w http.ResponseWriter, r *http.Request) {
	user := auth.CurrentUser(r.Context())
	secret, err := h.mfa.GenerateSecret(r.Context(), user)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	uri, err := h.mfa.GenerateQRCodeURL(r.Context(), user, h.cfg.MFA.Issuer)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{
		"secret":      secret,
		"otpauth_url": uri,
	})
}

// VerifyMFA handles POST /mfa/verify. A valid code also clears the caller's failed
// attempts with the rate limiter.
func (h *Handler) VerifyMFA(w http.ResponseWriter, r *http.Request) {
	var req verifyMFARequest
	if err := decodeJSON(w, r, &req); err != nil || strings.TrimSpace(req.Code) == "" {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "code is required")
		return
	}

	if !h.mfa.VerifyCode(r.Context(), auth.CurrentUser(r.Context()), strings.TrimSpace(req.Code)) {
		respondError(w, r, http.StatusUnauthorized, ErrCodeMFAFailed, "Invalid or already used code")
		return
	}
	h.limiter.ClearAttempts(middleware.ClientIP(r))
	respondJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

// DisableMFA handles DELETE /mfa. An enrolled user must present a current code.
func (h *Handler) DisableMFA(w http.ResponseWriter, r *http.Request) {
	user := auth.CurrentUser(r.Context())
	if h.mfa.IsMFAEnabled(user) {
		var req verifyMFARequest
		if err := decodeJSON(w, r, &req); err != nil || strings.TrimSpace(req.Code) == "" {
			respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "code is required")
			return
		}
		if !h.mfa.VerifyCode(r.Context(), user, strings.TrimSpace(req.Code)) {
			respondError(w, r, http.StatusUnauthorized, ErrCodeMFAFailed, "Invalid or already used code")
			return
		}
	}
	h.mfa.DisableMFA(r.Context(), user)
	w.WriteHeader(http.StatusNoContent)
}

// MFAStatus handles GET /mfa/status
func (h *Handler) MFAStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.mfa.Status(auth.CurrentUser(r.Context())))
}

// GenerateBackupCodes handles POST /mfa/backup-codes. The codes are shown once and are
// not stored server side; the bcrypt hashes are returned for the caller to keep.
func (h *Handler) GenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := h.mfa.GenerateBackupCodes(r.Context(), auth.CurrentUser(r.Context()))
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	hashes := make([]string, len(codes))
	for i, code := range codes {
		if hashes[i], err = mfa.HashBackupCode(code); err != nil {
			h.internalError(w, r, err)
			return
		}
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"codes":     codes,
		"hashes":    hashes,
		"persisted": false,
	})
}

// VerifyBackupCode handles POST /mfa/backup-codes/verify. The caller supplies the hashes it
// stored; the response names which one matched so it can be discarded.
func (h *Handler) VerifyBackupCode(w http.ResponseWriter, r *http.Request) {
	var req verifyBackupCodeRequest
	if err := decodeJSON(w, r, &req); err != nil || strings.TrimSpace(req.Code) == "" || len(req.Hashes) == 0 {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "code and hashes are required")
		return
	}
	if len(req.Hashes) > mfa.BackupCodeCount {
		respondError(w, r, http.StatusBadRequest, ErrCodeValidationFailed, "too many hashes")
		return
	}

	idx, ok := h.mfa.CheckBackupCode(r.Context(), auth.CurrentUser(r.Context()), strings.TrimSpace(req.Code), req.Hashes)
	if !ok {
		respondError(w, r, http.StatusUnauthorized, ErrCodeMFAFailed, "Invalid backup code")
		return
	}
	h.limiter.ClearAttempts(middleware.ClientIP(r))
	respondJSON(w, http.StatusOK, map[string]interface{}{"verified": true, "index": idx})
}
