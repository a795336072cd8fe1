package rest

import (
	"errors"
	"net/http"

	"github.com/GabrielFerla/xp/internal/encryption"
)

type cryptoRequest struct {
	Value string `json:"value"`
	// Label marks the value as personal data; it is recorded in the compliance trail.
	Label string `json:"label,omitempty"`
}

// Encrypt handles POST /crypto/encrypt
func (h *Handler) Encrypt(w http.ResponseWriter, r *http.Request) {
	var req cryptoRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid request body")
		return
	}

	var (
		out string
		err error
	)
	if req.Label != "" {
		out, err = h.crypto.EncryptPII(req.Value, req.Label)
	} else {
		out, err = h.crypto.Encrypt(req.Value)
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	if req.Label != "" {
		h.auditor.LogComplianceEvent(r.Context(), "PII_ENCRYPTED", req.Label, "value encrypted at rest")
	}
	respondJSON(w, http.StatusOK, map[string]string{"value": out})
}

// Decrypt handles POST /crypto/decrypt. Tampered or foreign ciphertext is a client error.
func (h *Handler) Decrypt(w http.ResponseWriter, r *http.Request) {
	var req cryptoRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid request body")
		return
	}

	var (
		out string
		err error
	)
	if req.Label != "" {
		out, err = h.crypto.DecryptPII(req.Value, req.Label)
	} else {
		out, err = h.crypto.Decrypt(req.Value)
	}
	if errors.Is(err, encryption.ErrDecryption) {
		respondError(w, r, http.StatusUnprocessableEntity, ErrCodeDecryptionFailed, "Value could not be decrypted")
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	if req.Label != "" {
		h.auditor.LogComplianceEvent(r.Context(), "PII_DECRYPTED", req.Label, "value decrypted for authorized access")
	}
	respondJSON(w, http.StatusOK, map[string]string{"value": out})
}
