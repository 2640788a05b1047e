package accounts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TokenInfo is the result of a successful token refresh.
type TokenInfo struct {
	// AccessToken is the newly minted access token.
	AccessToken string

	// ExpiresIn is the token lifetime in seconds.
	ExpiresIn int
}

// TokenRefresher exchanges refresh credentials for access tokens and
// resolves the upstream project scope. Implementations must be safe to call
// concurrently for different accounts.
type TokenRefresher interface {
	// Refresh exchanges a refresh token for a fresh access token.
	Refresh(ctx context.Context, refreshToken string) (TokenInfo, error)

	// ResolveProjectScope returns the project id behind an access token,
	// or "" when the upstream reports none.
	ResolveProjectScope(ctx context.Context, accessToken string) (string, error)
}

// OAuthRefresher implements TokenRefresher against a standard OAuth token
// endpoint plus the code-assist project discovery call.
type OAuthRefresher struct {
	// Client is the HTTP client for refresh calls.
	Client *http.Client

	// ClientID and ClientSecret identify the OAuth application.
	ClientID     string
	ClientSecret string

	// TokenURL is the OAuth token endpoint.
	TokenURL string

	// CodeAssistURL is the base URL for project-scope discovery.
	CodeAssistURL string

	// UserAgent is sent on every refresh call.
	UserAgent string
}

// NewOAuthRefresher creates a refresher with its own pooled HTTP client.
func NewOAuthRefresher(clientID, clientSecret, tokenURL, codeAssistURL, userAgent string) *OAuthRefresher {
	return &OAuthRefresher{
		Client:        &http.Client{Timeout: 30 * time.Second},
		ClientID:      clientID,
		ClientSecret:  clientSecret,
		TokenURL:      tokenURL,
		CodeAssistURL: codeAssistURL,
		UserAgent:     userAgent,
	}
}

// Refresh exchanges a refresh token for a new access token.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (TokenInfo, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {r.ClientID},
	}
	if r.ClientSecret != "" {
		form.Set("client_secret", r.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenInfo{}, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if r.UserAgent != "" {
		req.Header.Set("User-Agent", r.UserAgent)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return TokenInfo{}, fmt.Errorf("token refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return TokenInfo{}, fmt.Errorf("failed to read refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return TokenInfo{}, fmt.Errorf("token refresh returned status %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return TokenInfo{}, fmt.Errorf("failed to parse refresh response: %w", err)
	}
	if payload.AccessToken == "" {
		return TokenInfo{}, fmt.Errorf("token refresh response missing access_token")
	}
	return TokenInfo{AccessToken: payload.AccessToken, ExpiresIn: payload.ExpiresIn}, nil
}

// ResolveProjectScope asks the code-assist endpoint which project backs the
// given access token.
func (r *OAuthRefresher) ResolveProjectScope(ctx context.Context, accessToken string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"metadata": map[string]string{"pluginType": "GEMINI"},
	})
	if err != nil {
		return "", err
	}

	url := strings.TrimSuffix(r.CodeAssistURL, "/") + "/v1internal:loadCodeAssist"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create project scope request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if r.UserAgent != "" {
		req.Header.Set("User-Agent", r.UserAgent)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("project scope request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read project scope response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("project scope lookup returned status %d: %s", resp.StatusCode, body)
	}

	var parsed struct {
		Project string `json:"cloudaicompanionProject"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse project scope response: %w", err)
	}
	return parsed.Project, nil
}
