package pipeline

import (
	"context"
	"net/http"
	"testing"

	"meridian-hq/meridian/internal/testutil"
	"meridian-hq/meridian/pkg/translate"
)

func upstreamPayload(t *testing.T) *translate.UpstreamRequest {
	t.Helper()
	payload, err := translate.BuildUpstreamRequest(chatRequest(), translate.BuildOptions{
		Project:   "proj",
		UserAgent: "meridian-test/1.0",
	})
	if err != nil {
		t.Fatal(err)
	}
	return payload
}

func TestClientEndpointFallback(t *testing.T) {
	primary := testutil.NewUpstreamServer(
		testutil.ScriptedResponse{Status: http.StatusInternalServerError, Body: "primary down"},
	)
	defer primary.Close()
	fallback := testutil.NewUpstreamServer(
		testutil.OK(testutil.FinalChunk("STOP", 1, 1)),
	)
	defer fallback.Close()

	client := NewClient(ClientConfig{Endpoints: []string{primary.URL, fallback.URL}})

	resp, err := client.Do(context.Background(), "tok", upstreamPayload(t))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if primary.Calls() != 1 || fallback.Calls() != 1 {
		t.Errorf("calls = %d/%d, want each endpoint tried once", primary.Calls(), fallback.Calls())
	}
}

func TestClientRateLimitDoesNotAdvance(t *testing.T) {
	primary := testutil.NewUpstreamServer(
		testutil.ScriptedResponse{Status: http.StatusTooManyRequests, Body: "slow down"},
	)
	defer primary.Close()
	fallback := testutil.NewUpstreamServer(testutil.OK())
	defer fallback.Close()

	client := NewClient(ClientConfig{Endpoints: []string{primary.URL, fallback.URL}})

	resp, err := client.Do(context.Background(), "tok", upstreamPayload(t))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	// 429 is an account problem, not an endpoint problem; the pipeline
	// classifies it, so the client must surface it from the first endpoint.
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if fallback.Calls() != 0 {
		t.Errorf("fallback calls = %d, want 0", fallback.Calls())
	}
}

func TestClientAllEndpointsFailing(t *testing.T) {
	broken := testutil.NewUpstreamServer(
		testutil.ScriptedResponse{Status: http.StatusServiceUnavailable, Body: "nope"},
	)
	defer broken.Close()

	client := NewClient(ClientConfig{Endpoints: []string{broken.URL, broken.URL}})

	resp, err := client.Do(context.Background(), "tok", upstreamPayload(t))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	// The last failing response comes back so the caller can classify it.
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if broken.Calls() != 2 {
		t.Errorf("calls = %d, want both endpoint entries tried", broken.Calls())
	}
}

func TestClientUnreachableEndpoint(t *testing.T) {
	client := NewClient(ClientConfig{Endpoints: []string{"http://127.0.0.1:1/nope"}})
	if _, err := client.Do(context.Background(), "tok", upstreamPayload(t)); err == nil {
		t.Fatal("Do should fail when every endpoint is unreachable")
	}
}

func TestClientRequestHeaders(t *testing.T) {
	upstream := testutil.NewUpstreamServer(testutil.OK(testutil.FinalChunk("STOP", 1, 1)))
	defer upstream.Close()

	client := NewClient(ClientConfig{
		Endpoints: []string{upstream.URL},
		UserAgent: "meridian-test/1.0",
	})

	resp, err := client.Do(context.Background(), "secret-token", upstreamPayload(t))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	got := upstream.Received()[0]
	if got.Authorization != "Bearer secret-token" {
		t.Errorf("Authorization = %q", got.Authorization)
	}
	if got.UserAgent != "meridian-test/1.0" {
		t.Errorf("User-Agent = %q", got.UserAgent)
	}
}
