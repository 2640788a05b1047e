package handlers

import (
	"net/http"
	"time"

	"meridian-hq/meridian/pkg/usage"
)

// UsageHandler serves GET /admin/usage, per-model token totals over a
// recent window.
type UsageHandler struct {
	recorder *usage.Recorder
}

// NewUsageHandler creates the usage endpoint handler. A nil recorder
// reports usage accounting as disabled.
func NewUsageHandler(recorder *usage.Recorder) *UsageHandler {
	return &UsageHandler{recorder: recorder}
}

func (h *UsageHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	if h.recorder == nil {
		writeError(w, http.StatusNotFound, "not_found_error", "usage accounting is disabled")
		return
	}

	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "window must be a positive duration")
			return
		}
		window = d
	}

	totals, err := h.recorder.Totals(r.Context(), time.Now().Add(-window))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	if totals == nil {
		totals = []usage.ModelTotals{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"window": window.String(),
		"models": totals,
	})
}
