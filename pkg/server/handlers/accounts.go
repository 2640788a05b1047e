package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"meridian-hq/meridian/pkg/accounts"
)

// AccountsHandler serves the administrative account endpoints under
// /admin/accounts. Tokens never appear in responses.
type AccountsHandler struct {
	registry *accounts.Registry
}

// NewAccountsHandler creates the admin accounts handler.
func NewAccountsHandler(registry *accounts.Registry) *AccountsHandler {
	return &AccountsHandler{registry: registry}
}

// accountView is the redacted wire form of an account.
type accountView struct {
	ID                  string `json:"id"`
	Email               string `json:"email"`
	ProjectID           string `json:"projectId,omitempty"`
	RateLimited         bool   `json:"rateLimited"`
	RemainingLockoutMS  int64  `json:"remainingLockoutMs,omitempty"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
}

func viewOf(a *accounts.Account) accountView {
	now := time.Now()
	v := accountView{
		ID:                  a.ID,
		Email:               a.Email,
		ProjectID:           a.ProjectID,
		RateLimited:         a.IsRateLimited(now),
		ConsecutiveFailures: a.ConsecutiveFailures,
	}
	if v.RateLimited {
		v.RemainingLockoutMS = a.RemainingLockout(now).Milliseconds()
	}
	return v
}

func (h *AccountsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/admin/accounts")
	rest = strings.Trim(rest, "/")

	switch {
	case rest == "" && r.Method == http.MethodGet:
		h.list(w)
	case rest == "" && r.Method == http.MethodPost:
		h.add(w, r)
	case rest == "healthy" && r.Method == http.MethodPost:
		h.registry.MarkAllHealthy()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case rest != "" && r.Method == http.MethodDelete:
		h.remove(w, rest)
	default:
		writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
	}
}

func (h *AccountsHandler) list(w http.ResponseWriter) {
	all := h.registry.ListAccounts()
	views := make([]accountView, 0, len(all))
	for _, a := range all {
		views = append(views, viewOf(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": views})
}

func (h *AccountsHandler) add(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ID           string `json:"id"`
		Email        string `json:"email"`
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresAt    int64  `json:"expiresAt"`
		ProjectID    string `json:"projectId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: "+err.Error())
		return
	}
	if in.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "refreshToken is required")
		return
	}
	if in.ID == "" {
		in.ID = in.Email
	}
	if in.ID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "id or email is required")
		return
	}
	if in.ExpiresAt == 0 {
		in.ExpiresAt = time.Now().UnixMilli()
	}

	acct := &accounts.Account{
		ID:           in.ID,
		Email:        in.Email,
		AccessToken:  in.AccessToken,
		RefreshToken: in.RefreshToken,
		ExpiresAt:    in.ExpiresAt,
		ProjectID:    in.ProjectID,
	}
	if err := h.registry.AddAccount(acct); err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(acct))
}

func (h *AccountsHandler) remove(w http.ResponseWriter, id string) {
	if !h.registry.RemoveAccount(id) {
		writeError(w, http.StatusNotFound, "not_found_error", "no such account")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}
