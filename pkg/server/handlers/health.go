package handlers

import (
	"net/http"
	"time"

	"meridian-hq/meridian/pkg/accounts"
)

// HealthHandler serves liveness plus a pool summary: a process with zero
// usable accounts is up but degraded.
type HealthHandler struct {
	registry *accounts.Registry
}

// NewHealthHandler creates the health endpoint handler.
func NewHealthHandler(registry *accounts.Registry) *HealthHandler {
	return &HealthHandler{registry: registry}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}

	now := time.Now()
	total := 0
	available := 0
	for _, a := range h.registry.ListAccounts() {
		total++
		if !a.IsRateLimited(now) {
			available++
		}
	}

	status := "ok"
	code := http.StatusOK
	if total == 0 || available == 0 {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":            status,
		"accounts":          total,
		"availableAccounts": available,
	})
}
