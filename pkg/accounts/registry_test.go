package accounts

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually-advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// stubRefresher is a scriptable TokenRefresher.
type stubRefresher struct {
	mu      sync.Mutex
	err     error
	token   string
	project string
	calls   int
}

func (s *stubRefresher) Refresh(ctx context.Context, refreshToken string) (TokenInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return TokenInfo{}, s.err
	}
	token := s.token
	if token == "" {
		token = fmt.Sprintf("refreshed-%d", s.calls)
	}
	return TokenInfo{AccessToken: token, ExpiresIn: 3600}, nil
}

func (s *stubRefresher) ResolveProjectScope(ctx context.Context, accessToken string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.project, nil
}

func (s *stubRefresher) refreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestRegistry(t *testing.T, clock *fakeClock, refresher TokenRefresher, ids ...string) *Registry {
	t.Helper()
	if refresher == nil {
		refresher = &stubRefresher{}
	}
	store := NewStore(filepath.Join(t.TempDir(), "accounts.json"))
	r := NewRegistry(store, refresher, WithClock(clock.Now))
	for _, id := range ids {
		if err := r.AddAccount(&Account{
			ID:           id,
			Email:        id + "@example.com",
			AccessToken:  "token-" + id,
			RefreshToken: "refresh-" + id,
			ExpiresAt:    clock.Now().Add(time.Hour).UnixMilli(),
		}); err != nil {
			t.Fatalf("AddAccount(%s): %v", id, err)
		}
	}
	return r
}

func TestMarkSuccessClearsState(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, clock, nil, "a")

	r.MarkRateLimitedFromError("a", 429, "rate limit", "")
	r.MarkRateLimitedFromError("a", 429, "rate limit", "")

	a := r.ListAccounts()[0]
	if !a.IsRateLimited(clock.Now()) {
		t.Fatal("account should be rate limited")
	}
	if a.RateLimitedUntil <= clock.Now().UnixMilli() {
		t.Fatal("lockout expiry must be strictly in the future at the moment it is set")
	}
	if a.ConsecutiveFailures != 2 {
		t.Fatalf("ConsecutiveFailures = %d, want 2", a.ConsecutiveFailures)
	}

	r.MarkSuccess("a")
	a = r.ListAccounts()[0]
	if a.IsRateLimited(clock.Now()) || a.RateLimitedUntil != 0 || a.ConsecutiveFailures != 0 {
		t.Fatalf("MarkSuccess left state behind: %+v", a)
	}
}

func TestQuotaExhaustionTiersAndDemotion(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, clock, nil, "a", "b", "c")

	// Two prior failures; the third failure enters the call with
	// ConsecutiveFailures = 2 and must land in the 5-minute tier.
	quotaBody := `{"error":{"details":[{"reason":"QUOTA_EXHAUSTED"}]}}`
	r.MarkRateLimitedFromError("a", 429, quotaBody, "")
	r.MarkRateLimitedFromError("a", 429, quotaBody, "")
	reason, d := r.MarkRateLimitedFromError("a", 429, quotaBody, "")

	if reason != ReasonQuotaExhausted {
		t.Fatalf("reason = %q, want quota_exhausted", reason)
	}
	if d != 5*time.Minute {
		t.Fatalf("lockout = %v, want exactly 5m", d)
	}

	queue := r.ListAccounts()
	if queue[len(queue)-1].ID != "a" {
		ids := make([]string, len(queue))
		for i, a := range queue {
			ids[i] = a.ID
		}
		t.Fatalf("queue = %v, want a demoted to the tail", ids)
	}
}

func TestGetNextAvailableSkipsLimited(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, clock, nil, "a", "b")

	r.MarkRateLimited("a", 30*time.Second)

	got := r.GetNextAvailableAccount(context.Background(), false)
	if got == nil || got.ID != "b" {
		t.Fatalf("got %+v, want account b", got)
	}
}

func TestGetNextAvailableNeverReturnsLongLockout(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, clock, nil, "a", "b")

	r.MarkRateLimited("a", 10*time.Second)
	r.MarkRateLimited("b", 9*time.Second)

	if got := r.GetNextAvailableAccount(context.Background(), false); got != nil {
		t.Fatalf("got %q, want nil while every lockout exceeds the clear window", got.ID)
	}
}

func TestOptimisticClearPicksShortestWait(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, clock, nil, "a", "b")

	r.MarkRateLimited("a", 1500*time.Millisecond)
	r.MarkRateLimited("b", 9000*time.Millisecond)

	got := r.GetNextAvailableAccount(context.Background(), false)
	if got == nil || got.ID != "a" {
		t.Fatalf("got %+v, want account a (shortest remaining wait)", got)
	}

	// Both lockouts must be cleared, not just the returned account's.
	for _, a := range r.ListAccounts() {
		if a.IsRateLimited(clock.Now()) {
			t.Errorf("account %s still rate limited after optimistic clear", a.ID)
		}
	}
}

func TestGetNextRefreshesExpiringToken(t *testing.T) {
	clock := newFakeClock()
	refresher := &stubRefresher{token: "minted"}
	r := newTestRegistry(t, clock, refresher, "a")

	// Push the token inside the 5-minute refresh buffer.
	clock.Advance(time.Hour - time.Minute)

	got := r.GetNextAvailableAccount(context.Background(), false)
	if got == nil {
		t.Fatal("got nil account")
	}
	if got.AccessToken != "minted" {
		t.Fatalf("AccessToken = %q, want refreshed token", got.AccessToken)
	}
	if refresher.refreshCalls() != 1 {
		t.Fatalf("refresh calls = %d, want 1", refresher.refreshCalls())
	}
}

func TestRefreshFailureSidelinesAccount(t *testing.T) {
	clock := newFakeClock()
	refresher := &stubRefresher{err: fmt.Errorf("invalid_grant")}
	r := newTestRegistry(t, clock, refresher, "a", "b")

	// Only a's token is expiring; b stays fresh.
	clock.Advance(time.Hour - time.Minute)
	if err := r.AddAccount(&Account{
		ID:           "b",
		RefreshToken: "refresh-b",
		ExpiresAt:    clock.Now().Add(time.Hour).UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	got := r.GetNextAvailableAccount(context.Background(), false)
	if got == nil || got.ID != "b" {
		t.Fatalf("got %+v, want walk to continue to b", got)
	}

	// a must carry the refresh-failure lockout.
	for _, a := range r.ListAccounts() {
		if a.ID == "a" {
			remaining := a.RemainingLockout(clock.Now())
			if remaining <= 0 || remaining > 60*time.Second {
				t.Fatalf("a remaining lockout = %v, want within (0, 60s]", remaining)
			}
		}
	}
}

func TestGetAccountByIDNeverSubstitutes(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, clock, nil, "a", "b")

	r.MarkRateLimited("a", time.Minute)

	if got := r.GetAccountByID(context.Background(), "a"); got != nil {
		t.Fatalf("got %q, want nil for a locked pinned account", got.ID)
	}
	if got := r.GetAccountByID(context.Background(), "missing"); got != nil {
		t.Fatalf("got %q, want nil for an unknown id", got.ID)
	}
	if got := r.GetAccountByID(context.Background(), "b"); got == nil || got.ID != "b" {
		t.Fatalf("got %+v, want account b", got)
	}
}

func TestRemoveAccountPurgesQueueAndHooks(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, clock, nil, "a", "b")

	var removed []string
	r.OnRemove(func(id string) { removed = append(removed, id) })

	if !r.RemoveAccount("a@example.com") {
		t.Fatal("removal by email should succeed")
	}
	if r.RemoveAccount("a") {
		t.Fatal("second removal should report nothing removed")
	}
	if len(removed) != 1 || removed[0] != "a" {
		t.Fatalf("hooks saw %v, want [a]", removed)
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}
	for _, a := range r.ListAccounts() {
		if a.ID == "a" {
			t.Fatal("removed account still in queue")
		}
	}
}

func TestLoadIsIdempotentAndPreservesRuntimeState(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, clock, nil, "a")

	r.MarkRateLimited("a", time.Minute)
	r.Load()
	r.Load()

	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}
	if !r.ListAccounts()[0].IsRateLimited(clock.Now()) {
		t.Fatal("reload must not clear runtime rate-limit state")
	}
}

func TestMarkAllHealthy(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, clock, nil, "a", "b")

	r.MarkRateLimitedFromError("a", 429, "rate limit", "")
	r.MarkRateLimited("b", time.Hour)
	r.MarkAllHealthy()

	for _, a := range r.ListAccounts() {
		if a.IsRateLimited(clock.Now()) || a.ConsecutiveFailures != 0 {
			t.Fatalf("account %s not reset: %+v", a.ID, a)
		}
	}
}

func TestLockMutualExclusion(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, clock, nil, "a")

	const workers = 32
	var inFlight, maxInFlight int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := r.Lock(context.Background(), "a")
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", maxInFlight)
	}
}

func TestLockReleaseIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, clock, nil, "a")

	release, err := r.Lock(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	release()
	release() // must not free someone else's hold

	release2, err := r.Lock(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	defer release2()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := r.Lock(ctx, "a"); err == nil {
		t.Fatal("second Lock should block until the context expires")
	}
}

func TestMarkRateLimitedFromErrorServerStatus(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, clock, nil, "a")

	reason, d := r.MarkRateLimitedFromError("a", http.StatusBadGateway, "upstream broke", "")
	if reason != ReasonServerError {
		t.Fatalf("reason = %q, want server_error", reason)
	}
	if d != 20*time.Second {
		t.Fatalf("lockout = %v, want 20s", d)
	}
}
