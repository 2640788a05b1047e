package routing

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"meridian-hq/meridian/pkg/accounts"
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
			ID:        id,
			ExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
		}); err != nil {
			t.Fatal(err)
		}
	}
	return r
}

func TestPinUnpin(t *testing.T) {
	registry := newTestRegistry(t, "a", "b")
	router := New(registry, filepath.Join(t.TempDir(), "routes.json"))

	if err := router.Pin("gemini-3-pro", "a"); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if got := router.PinnedAccount("gemini-3-pro"); got != "a" {
		t.Errorf("PinnedAccount = %q", got)
	}
	if got := router.PinnedAccount("other-model"); got != "" {
		t.Errorf("unpinned model returned %q", got)
	}

	if err := router.Pin("gemini-3-pro", "missing"); err == nil {
		t.Error("pinning to an unknown account should fail")
	}
	if err := router.Pin("", "a"); err == nil {
		t.Error("pinning an empty model should fail")
	}

	if !router.Unpin("gemini-3-pro") {
		t.Error("Unpin should report removal")
	}
	if router.Unpin("gemini-3-pro") {
		t.Error("second Unpin should report nothing removed")
	}
}

func TestPinsPersistAcrossLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.json")
	registry := newTestRegistry(t, "a")

	router := New(registry, path)
	if err := router.Pin("gemini-3-pro", "a"); err != nil {
		t.Fatal(err)
	}

	reloaded := New(registry, path)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := reloaded.PinnedAccount("gemini-3-pro"); got != "a" {
		t.Errorf("PinnedAccount after reload = %q", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	router := New(newTestRegistry(t), filepath.Join(t.TempDir(), "nope.json"))
	if err := router.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o600); err != nil {
		t.Fatal(err)
	}
	router := New(newTestRegistry(t), path)
	if err := router.Load(); err == nil {
		t.Fatal("Load should fail on corrupt JSON")
	}
}

func TestAccountRemovalDropsPins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.json")
	registry := newTestRegistry(t, "a", "b")
	router := New(registry, path)

	if err := router.Pin("gemini-3-pro", "a"); err != nil {
		t.Fatal(err)
	}
	if err := router.Pin("gemini-3-flash", "b"); err != nil {
		t.Fatal(err)
	}

	registry.RemoveAccount("a")

	if got := router.PinnedAccount("gemini-3-pro"); got != "" {
		t.Errorf("pin survived account removal: %q", got)
	}
	if got := router.PinnedAccount("gemini-3-flash"); got != "b" {
		t.Errorf("unrelated pin lost: %q", got)
	}
}

func TestCandidatesOrdering(t *testing.T) {
	registry := newTestRegistry(t, "a", "b", "c")
	router := New(registry, "")

	registry.MarkRateLimited("a", time.Hour)
	registry.MarkRateLimited("b", time.Minute)

	got := router.Candidates("gemini-3-pro")
	if len(got) != 3 {
		t.Fatalf("got %d candidates", len(got))
	}
	// Healthy first, then limited ordered by remaining lockout.
	if got[0].ID != "c" || got[1].ID != "b" || got[2].ID != "a" {
		t.Errorf("order = %s,%s,%s, want c,b,a", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestCandidatesPinned(t *testing.T) {
	registry := newTestRegistry(t, "a", "b")
	router := New(registry, "")

	if err := router.Pin("gemini-3-pro", "b"); err != nil {
		t.Fatal(err)
	}

	got := router.Candidates("gemini-3-pro")
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("candidates = %+v, want only the pinned account", got)
	}

	registry.RemoveAccount("b")
	if got := router.Candidates("gemini-3-pro"); len(got) != 2 {
		t.Errorf("after pin drop, candidates = %d, want the full pool", len(got))
	}
}
