// Package testutil provides a scripted mock upstream for pipeline and
// handler tests.
package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// ScriptedResponse describes one canned upstream reply. Responses play in
// order; the last one repeats once the script is exhausted.
type ScriptedResponse struct {
	// Status is the HTTP status code. 200 emits Chunks as an SSE body.
	Status int

	// Body is the raw response body for non-200 replies.
	Body string

	// RetryAfter, when set, is sent as the Retry-After header.
	RetryAfter string

	// Chunks are JSON payloads, each written as one SSE data event.
	Chunks []string

	// ChunkDelay is an optional pause before each chunk, for idle-timeout
	// and watchdog tests.
	ChunkDelay time.Duration

	// Hang cuts the connection without a clean close after HangAfter
	// chunks, simulating a mid-stream network fault.
	Hang      bool
	HangAfter int
}

// ReceivedRequest captures one request the mock saw.
type ReceivedRequest struct {
	Body          []byte
	Authorization string
	UserAgent     string
}

// UpstreamServer is an httptest server that plays a script of responses.
type UpstreamServer struct {
	*httptest.Server

	mu       sync.Mutex
	script   []ScriptedResponse
	calls    int
	received []ReceivedRequest
}

// NewUpstreamServer starts a mock upstream playing the given script.
func NewUpstreamServer(script ...ScriptedResponse) *UpstreamServer {
	s := &UpstreamServer{script: script}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

func (s *UpstreamServer) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	idx := s.calls
	s.calls++
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	var resp ScriptedResponse
	if idx >= 0 {
		resp = s.script[idx]
	} else {
		resp = ScriptedResponse{Status: http.StatusOK}
	}
	s.received = append(s.received, ReceivedRequest{
		Body:          body,
		Authorization: r.Header.Get("Authorization"),
		UserAgent:     r.Header.Get("User-Agent"),
	})
	s.mu.Unlock()

	if resp.RetryAfter != "" {
		w.Header().Set("Retry-After", resp.RetryAfter)
	}

	if resp.Status != http.StatusOK {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.Status)
		_, _ = w.Write([]byte(resp.Body))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	for i, chunk := range resp.Chunks {
		if resp.Hang && i >= resp.HangAfter {
			// Abort the connection mid-stream.
			if hj, ok := w.(http.Hijacker); ok {
				conn, _, err := hj.Hijack()
				if err == nil {
					conn.Close()
				}
			}
			return
		}
		if resp.ChunkDelay > 0 {
			time.Sleep(resp.ChunkDelay)
		}
		fmt.Fprintf(w, "data: %s\n\n", chunk)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// Calls returns how many requests arrived.
func (s *UpstreamServer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Received returns the captured requests in arrival order.
func (s *UpstreamServer) Received() []ReceivedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ReceivedRequest, len(s.received))
	copy(out, s.received)
	return out
}

// OK builds a 200 scripted response from chunk payloads.
func OK(chunks ...string) ScriptedResponse {
	return ScriptedResponse{Status: http.StatusOK, Chunks: chunks}
}

// TextChunk builds one upstream payload carrying a text part.
func TextChunk(text string) string {
	return fmt.Sprintf(`{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":%q}]}}]}}`, text)
}

// FinalChunk builds one upstream payload carrying a finish reason and
// token usage.
func FinalChunk(finishReason string, input, output int) string {
	return fmt.Sprintf(
		`{"response":{"candidates":[{"content":{"role":"model","parts":[]},"finishReason":%q}],"usageMetadata":{"promptTokenCount":%d,"candidatesTokenCount":%d}}}`,
		finishReason, input, output,
	)
}
