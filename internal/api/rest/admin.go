package rest

import (
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/GabrielFerla/xp/internal/audit"
	"github.com/GabrielFerla/xp/internal/auth"
)

const defaultAuditLimit = 50

// SecurityStats handles GET /admin/security/stats
func (h *Handler) SecurityStats(w http.ResponseWriter, r *http.Request) {
	stats := h.detector.Statistics()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"anomaly": stats,
		"summary": stats.String(),
		"healthy": h.detector.IsHealthy(),
	})
}

// RecentAudit handles GET /admin/security/audit?limit=N&type=EVENT_TYPE
func (h *Handler) RecentAudit(w http.ResponseWriter, r *http.Request) {
	if h.store == nil && h.recent == nil {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "Audit trail listing is disabled")
		return
	}

	limit := defaultAuditLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			respondError(w, r, http.StatusBadRequest, ErrCodeValidationFailed, "limit must be a positive integer")
			return
		}
		limit = n
	}
	eventType := audit.EventType(r.URL.Query().Get("type"))

	var (
		events []*audit.Event
		source string
	)
	if h.store != nil {
		var err error
		if eventType != "" {
			events, err = h.store.RecentOfType(r.Context(), eventType, limit)
		} else {
			events, err = h.store.Recent(r.Context(), limit)
		}
		if err != nil {
			h.internalError(w, r, err)
			return
		}
		source = "sql"
	} else {
		events = h.recentFromMemory(eventType, limit)
		source = "memory"
	}
	if events == nil {
		events = []*audit.Event{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events), "source": source})
}

func (h *Handler) recentFromMemory(eventType audit.EventType, limit int) []*audit.Event {
	if eventType == "" {
		return h.recent.Recent(limit)
	}
	events := h.recent.Find(eventType)
	// newest first, like the unfiltered listing
	slices.Reverse(events)
	if len(events) > limit {
		events = events[:limit]
	}
	return events
}

// ClearRateLimit handles DELETE /admin/ratelimit/{key}
func (h *Handler) ClearRateLimit(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	h.limiter.ClearAttempts(key)
	h.auditor.LogSecurityEvent(r.Context(), "RATE_LIMIT_CLEARED", auth.CurrentUser(r.Context()), "key: "+key)
	w.WriteHeader(http.StatusNoContent)
}
