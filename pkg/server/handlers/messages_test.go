package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"meridian-hq/meridian/internal/testutil"
	"meridian-hq/meridian/pkg/accounts"
	"meridian-hq/meridian/pkg/pipeline"
	"meridian-hq/meridian/pkg/routing"
)

type noopRefresher struct{}

func (noopRefresher) Refresh(ctx context.Context, refreshToken string) (accounts.TokenInfo, error) {
	return accounts.TokenInfo{AccessToken: "t", ExpiresIn: 3600}, nil
}

func (noopRefresher) ResolveProjectScope(ctx context.Context, accessToken string) (string, error) {
	return "", nil
}

func newTestRegistry(t *testing.T, ids ...string) *accounts.Registry {
	t.Helper()
	store := accounts.NewStore(filepath.Join(t.TempDir(), "accounts.json"))
	r := accounts.NewRegistry(store, noopRefresher{})
	for _, id := range ids {
		if err := r.AddAccount(&accounts.Account{
			ID:           id,
			AccessToken:  "token-" + id,
			RefreshToken: "refresh-" + id,
			ProjectID:    "proj-" + id,
			ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
		}); err != nil {
			t.Fatal(err)
		}
	}
	return r
}

func newMessagesHandler(t *testing.T, upstream *testutil.UpstreamServer, registry *accounts.Registry) (*MessagesHandler, *routing.Router) {
	t.Helper()
	client := pipeline.NewClient(pipeline.ClientConfig{
		Endpoints: []string{upstream.URL},
		UserAgent: "meridian-test/1.0",
	})
	p := pipeline.New(registry, client, pipeline.Config{}, pipeline.WithSleep(
		func(ctx context.Context, d time.Duration) error { return ctx.Err() },
	))
	router := routing.New(registry, "")
	return NewMessagesHandler(p, router, true), router
}

func postMessages(h http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const simpleRequest = `{"model":"gemini-3-pro","messages":[{"role":"user","content":"hello"}]}`

func TestMessagesBuffered(t *testing.T) {
	upstream := testutil.NewUpstreamServer(
		testutil.OK(testutil.TextChunk("Hello!"), testutil.FinalChunk("STOP", 7, 2)),
	)
	defer upstream.Close()

	h, _ := newMessagesHandler(t, upstream, newTestRegistry(t, "a"))
	rec := postMessages(h, simpleRequest)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp struct {
		Type    string `json:"type"`
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Usage      struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Type != "message" || resp.Role != "assistant" {
		t.Errorf("envelope = %+v", resp)
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "Hello!" {
		t.Errorf("content = %+v", resp.Content)
	}
	if resp.StopReason != "end_turn" || resp.Usage.InputTokens != 7 {
		t.Errorf("stop/usage = %q %+v", resp.StopReason, resp.Usage)
	}
}

func TestMessagesInvalidJSON(t *testing.T) {
	upstream := testutil.NewUpstreamServer(testutil.OK())
	defer upstream.Close()

	h, _ := newMessagesHandler(t, upstream, newTestRegistry(t, "a"))
	rec := postMessages(h, "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	var e errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatal(err)
	}
	if e.Type != "error" || e.Error.Type != "invalid_request_error" {
		t.Errorf("error = %+v", e)
	}
}

func TestMessagesValidationError(t *testing.T) {
	upstream := testutil.NewUpstreamServer(testutil.OK())
	defer upstream.Close()

	h, _ := newMessagesHandler(t, upstream, newTestRegistry(t, "a"))
	rec := postMessages(h, `{"model":"","messages":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if upstream.Calls() != 0 {
		t.Errorf("upstream calls = %d, want 0", upstream.Calls())
	}
}

func TestMessagesMethodNotAllowed(t *testing.T) {
	upstream := testutil.NewUpstreamServer(testutil.OK())
	defer upstream.Close()

	h, _ := newMessagesHandler(t, upstream, newTestRegistry(t, "a"))
	req := httptest.NewRequest(http.MethodGet, "/v1/messages", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMessagesNoAccounts(t *testing.T) {
	upstream := testutil.NewUpstreamServer(testutil.OK())
	defer upstream.Close()

	h, _ := newMessagesHandler(t, upstream, newTestRegistry(t))
	rec := postMessages(h, simpleRequest)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	var e errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatal(err)
	}
	if e.Error.Type != "overloaded_error" {
		t.Errorf("error type = %q", e.Error.Type)
	}
}

func TestMessagesRateLimitPassthrough(t *testing.T) {
	limited := testutil.ScriptedResponse{
		Status: http.StatusTooManyRequests,
		Body:   `{"error":{"message":"rate limit exceeded"}}`,
	}
	upstream := testutil.NewUpstreamServer(limited, limited, limited)
	defer upstream.Close()

	h, _ := newMessagesHandler(t, upstream, newTestRegistry(t, "a"))
	rec := postMessages(h, simpleRequest)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After = %q, want 30", got)
	}
	var e errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatal(err)
	}
	if e.Error.Type != "rate_limit_error" || !strings.Contains(e.Error.Message, "rate limit exceeded") {
		t.Errorf("error = %+v, want the upstream body passed through", e)
	}
}

func TestMessagesStreaming(t *testing.T) {
	upstream := testutil.NewUpstreamServer(
		testutil.OK(testutil.TextChunk("Hel"), testutil.TextChunk("lo"), testutil.FinalChunk("STOP", 3, 1)),
	)
	defer upstream.Close()

	h, _ := newMessagesHandler(t, upstream, newTestRegistry(t, "a"))
	rec := postMessages(h, `{"model":"gemini-3-pro","stream":true,"messages":[{"role":"user","content":"hello"}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type = %q", got)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"event: message_start\n",
		"event: content_block_start\n",
		"event: content_block_delta\n",
		"event: content_block_stop\n",
		"event: message_delta\n",
		"event: message_stop\n",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, "event: error") {
		t.Errorf("clean stream carries an error event:\n%s", body)
	}

	// Events must arrive in protocol order.
	start := strings.Index(body, "event: message_start")
	stop := strings.Index(body, "event: message_stop")
	if start < 0 || stop < 0 || start > stop {
		t.Error("message_start must precede message_stop")
	}
}

func TestMessagesRoutesAroundLimitedAccount(t *testing.T) {
	upstream := testutil.NewUpstreamServer(
		testutil.OK(testutil.FinalChunk("STOP", 1, 1)),
	)
	defer upstream.Close()

	registry := newTestRegistry(t, "a", "b")
	registry.MarkRateLimited("a", time.Hour)
	h, _ := newMessagesHandler(t, upstream, registry)

	rec := postMessages(h, simpleRequest)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if got := upstream.Received()[0].Authorization; got != "Bearer token-b" {
		t.Errorf("Authorization = %q, want the healthy candidate", got)
	}
}

func TestMessagesPinnedModel(t *testing.T) {
	upstream := testutil.NewUpstreamServer(
		testutil.OK(testutil.FinalChunk("STOP", 1, 1)),
	)
	defer upstream.Close()

	registry := newTestRegistry(t, "a", "b")
	h, router := newMessagesHandler(t, upstream, registry)
	if err := router.Pin("gemini-3-pro", "b"); err != nil {
		t.Fatal(err)
	}

	rec := postMessages(h, simpleRequest)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if got := upstream.Received()[0].Authorization; got != "Bearer token-b" {
		t.Errorf("Authorization = %q, want the pinned account", got)
	}
}

func TestMessagesPinnedLockedOutReturns429(t *testing.T) {
	upstream := testutil.NewUpstreamServer(testutil.OK())
	defer upstream.Close()

	registry := newTestRegistry(t, "a", "b")
	h, router := newMessagesHandler(t, upstream, registry)
	if err := router.Pin("gemini-3-pro", "a"); err != nil {
		t.Fatal(err)
	}
	registry.MarkRateLimited("a", time.Hour)

	rec := postMessages(h, simpleRequest)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After for the pinned lockout")
	}
	var e errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatal(err)
	}
	if e.Error.Type != "rate_limit_error" {
		t.Errorf("error type = %q", e.Error.Type)
	}
	if upstream.Calls() != 0 {
		t.Errorf("upstream calls = %d, want 0", upstream.Calls())
	}
}
