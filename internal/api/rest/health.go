package rest

import (
	"net/http"

	"github.com/GabrielFerla/xp/internal/anomaly"
	"github.com/GabrielFerla/xp/internal/encryption"
)

// HealthHandler handles GET /health
type HealthHandler struct {
	detector *anomaly.Detector
	crypto   *encryption.Service
}

func NewHealthHandler(detector *anomaly.Detector, crypto *encryption.Service) *HealthHandler {
	return &HealthHandler{detector: detector, crypto: crypto}
}

// ServeHTTP answers 503 when the anomaly detector is down. An ephemeral encryption key is
// reported as degraded but still serves traffic.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	keyState := "configured"
	if h.crypto.Ephemeral() {
		keyState = "ephemeral"
	}

	detectorState := "ok"
	status, code := "ok", http.StatusOK
	if keyState == "ephemeral" {
		status = "degraded"
	}
	if !h.detector.IsHealthy() {
		detectorState = "down"
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	respondJSON(w, code, map[string]interface{}{
		"status": status,
		"components": map[string]string{
			"anomaly_detector": detectorState,
			"encryption_key":   keyState,
		},
	})
}
