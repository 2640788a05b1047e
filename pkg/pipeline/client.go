package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"meridian-hq/meridian/pkg/translate"
)

// ProviderName labels errors surfaced from the upstream backend.
const ProviderName = "cloudcode"

// Default upstream endpoints: the primary internal endpoint plus the
// sandbox fallback tried on timeout/404/5xx.
var DefaultEndpoints = []string{
	"https://cloudcode-pa.googleapis.com/v1internal:streamGenerateContent?alt=sse",
	"https://daily-cloudcode-pa.sandbox.googleapis.com/v1internal:streamGenerateContent?alt=sse",
}

// ClientConfig configures the upstream HTTP client.
type ClientConfig struct {
	// Endpoints is the ordered endpoint list, primary first.
	Endpoints []string

	// UserAgent is sent on every upstream call.
	UserAgent string

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for response headers. The
	// body read is governed by the caller's context (buffered calls) or
	// the stream idle watchdog.
	ResponseHeaderTimeout time.Duration

	// MaxIdleConnsPerHost sizes the connection pool.
	MaxIdleConnsPerHost int
}

// Client delivers one upstream payload, walking the endpoint list. It holds
// no per-request state and is safe for concurrent use.
type Client struct {
	endpoints  []string
	userAgent  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an upstream client with pooled connections. The
// http.Client carries no global timeout: streamed responses legitimately
// outlive any fixed total deadline, so per-call contexts and the idle
// watchdog bound reads instead.
func NewClient(cfg ClientConfig) *Client {
	endpoints := cfg.Endpoints
	if len(endpoints) == 0 {
		endpoints = DefaultEndpoints
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 20 * time.Second
	}
	headerTimeout := cfg.ResponseHeaderTimeout
	if headerTimeout <= 0 {
		headerTimeout = 60 * time.Second
	}
	perHost := cfg.MaxIdleConnsPerHost
	if perHost <= 0 {
		perHost = 16
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost:   perHost,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		ForceAttemptHTTP2:     true,
	}

	return &Client{
		endpoints:  endpoints,
		userAgent:  cfg.UserAgent,
		httpClient: &http.Client{Transport: transport},
		logger:     slog.Default().With("component", "pipeline.client"),
	}
}

// UserAgent returns the configured client identity string.
func (c *Client) UserAgent() string {
	return c.userAgent
}

// Do posts the payload to each endpoint in order, advancing on network
// errors, timeouts, 404 and 5xx. Any other response (success, 429, 401,
// remaining 4xx) returns immediately for the pipeline to classify.
//
// When every endpoint fails with an advance-class status, the final
// response is returned so the caller can apply its backoff policy; when the
// last endpoint fails at the transport level, the error is returned.
func (c *Client) Do(ctx context.Context, accessToken string, payload *translate.UpstreamRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode upstream request: %w", err)
	}

	var lastResp *http.Response
	var lastErr error

	for i, endpoint := range c.endpoints {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create upstream request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "text/event-stream")
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Warn("upstream endpoint unreachable",
				"endpoint_index", i,
				"error", err,
			)
			continue
		}

		if resp.StatusCode == http.StatusNotFound || resp.StatusCode >= 500 {
			if lastResp != nil {
				drainAndClose(lastResp)
			}
			lastResp = resp
			lastErr = nil
			c.logger.Warn("upstream endpoint failed, trying next",
				"endpoint_index", i,
				"status", resp.StatusCode,
			)
			continue
		}

		if lastResp != nil {
			drainAndClose(lastResp)
		}
		return resp, nil
	}

	if lastResp != nil {
		return lastResp, nil
	}
	return nil, fmt.Errorf("all upstream endpoints failed: %w", lastErr)
}

// drainAndClose discards a response body so the connection can be reused.
func drainAndClose(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
}

// readErrorBody reads a bounded error body as text.
func readErrorBody(resp *http.Response) string {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ""
	}
	return string(data)
}
