package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"meridian-hq/meridian/pkg/pipeline"
	"meridian-hq/meridian/pkg/translate"
)

// errorResponse is the caller-facing error envelope.
type errorResponse struct {
	Type  string      `json:"type"`
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, errorResponse{
		Type:  "error",
		Error: errorDetail{Type: errType, Message: message},
	})
}

// writePipelineError maps a pipeline failure onto the wire error taxonomy.
// The original upstream status and body pass through so callers see what
// actually happened after retries were exhausted.
func writePipelineError(w http.ResponseWriter, err error) {
	var verr *translate.ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, "invalid_request_error", verr.Error())
		return
	}

	var noAcct *pipeline.NoAccountError
	if errors.As(err, &noAcct) {
		// A pinned account sitting out a lockout is a rate-limit condition,
		// not pool exhaustion.
		if noAcct.Pinned != "" && noAcct.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(noAcct.RetryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate_limit_error", noAcct.Error())
			return
		}
		writeError(w, http.StatusServiceUnavailable, "overloaded_error", noAcct.Error())
		return
	}

	var uerr *pipeline.UpstreamError
	if errors.As(err, &uerr) {
		if uerr.Status == http.StatusTooManyRequests {
			if uerr.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(uerr.RetryAfter.Seconds())))
			}
			writeError(w, http.StatusTooManyRequests, "rate_limit_error", uerr.Body)
			return
		}
		status := uerr.Status
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		writeError(w, status, "api_error", uerr.Body)
		return
	}

	var aerr *pipeline.AuthError
	if errors.As(err, &aerr) {
		writeError(w, http.StatusBadGateway, "authentication_error", aerr.Message)
		return
	}

	writeError(w, http.StatusBadGateway, "api_error", err.Error())
}
