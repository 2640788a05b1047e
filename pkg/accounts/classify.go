package accounts

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Reason is the closed rate-limit classification derived from one failed
// upstream attempt. It is never stored beyond the attempt that produced it.
type Reason string

const (
	ReasonQuotaExhausted         Reason = "quota_exhausted"
	ReasonRateLimitExceeded      Reason = "rate_limit_exceeded"
	ReasonModelCapacityExhausted Reason = "model_capacity_exhausted"
	ReasonServerError            Reason = "server_error"
	ReasonUnknown                Reason = "unknown"
)

// Lockout policy constants.
const (
	// parsedDelayPadding is added to an explicit upstream retry hint.
	parsedDelayPadding = 500 * time.Millisecond

	// minLockout is the floor for any lockout derived from a parsed hint.
	minLockout = 2 * time.Second
)

// errorBody is the upstream JSON error envelope. The details list may carry
// a machine reason (google.rpc.ErrorInfo) and a retry hint
// (google.rpc.RetryInfo); both are optional and frequently absent.
type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Reason     string `json:"reason"`
			RetryDelay string `json:"retryDelay"`
		} `json:"details"`
	} `json:"error"`
}

// Classify derives a Reason from one failed attempt. Only 429 responses are
// inspected for rate-limit semantics; 5xx classifies as server_error and
// everything else as unknown.
//
// For 429s, a structured machine reason in the body wins. Failing that,
// free-text heuristics run in order: request-frequency phrases first, then
// capacity, then quota. A bare "exhausted" with no quota signal is treated
// as a short-lived rate limit rather than quota exhaustion.
func Classify(status int, body string) Reason {
	if status != http.StatusTooManyRequests {
		if status >= 500 {
			return ReasonServerError
		}
		return ReasonUnknown
	}

	var parsed errorBody
	if err := json.Unmarshal([]byte(body), &parsed); err == nil {
		for _, d := range parsed.Error.Details {
			switch d.Reason {
			case "QUOTA_EXHAUSTED":
				return ReasonQuotaExhausted
			case "RATE_LIMIT_EXCEEDED":
				return ReasonRateLimitExceeded
			case "MODEL_CAPACITY_EXHAUSTED":
				return ReasonModelCapacityExhausted
			}
		}
	}

	text := strings.ToLower(body)
	switch {
	case strings.Contains(text, "per minute"), strings.Contains(text, "rate limit"):
		return ReasonRateLimitExceeded
	case strings.Contains(text, "capacity"):
		return ReasonModelCapacityExhausted
	case strings.Contains(text, "quota"):
		return ReasonQuotaExhausted
	case strings.Contains(text, "exhausted"):
		return ReasonRateLimitExceeded
	default:
		return ReasonUnknown
	}
}

// ParseRetryDelay extracts an explicit retry hint from the error body or a
// Retry-After header. It reports false when neither carries a usable delay.
func ParseRetryDelay(body, retryAfterHeader string) (time.Duration, bool) {
	var parsed errorBody
	if err := json.Unmarshal([]byte(body), &parsed); err == nil {
		for _, d := range parsed.Error.Details {
			if d.RetryDelay == "" {
				continue
			}
			if dur, err := time.ParseDuration(d.RetryDelay); err == nil && dur > 0 {
				return dur, true
			}
		}
	}

	if retryAfterHeader != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(retryAfterHeader)); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second, true
		}
		if t, err := http.ParseTime(retryAfterHeader); err == nil {
			if until := time.Until(t); until > 0 {
				return until, true
			}
		}
	}

	return 0, false
}

// LockoutDuration computes how long an account stays locked out after a
// failure classified as reason. An explicit parsed delay wins, padded and
// floored so a marginal hint never produces a zero-length lockout.
// Quota exhaustion scales with the consecutive-failure count observed
// entering the failed call.
func LockoutDuration(reason Reason, consecutiveFailures int, parsedDelay time.Duration, hasDelay bool) time.Duration {
	if hasDelay {
		d := parsedDelay + parsedDelayPadding
		if d < minLockout {
			d = minLockout
		}
		return d
	}

	switch reason {
	case ReasonQuotaExhausted:
		switch {
		case consecutiveFailures <= 1:
			return time.Minute
		case consecutiveFailures == 2:
			return 5 * time.Minute
		case consecutiveFailures == 3:
			return 30 * time.Minute
		default:
			return 2 * time.Hour
		}
	case ReasonRateLimitExceeded:
		return 30 * time.Second
	case ReasonModelCapacityExhausted:
		return 15 * time.Second
	case ReasonServerError:
		return 20 * time.Second
	default:
		return time.Minute
	}
}
