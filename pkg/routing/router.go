package routing

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"meridian-hq/meridian/pkg/accounts"
)

// Router resolves a model name to a ranked list of candidate accounts. It
// layers an optional per-model pin table over the registry's sticky
// rotation order; pins persist to a JSON file so operator assignments
// survive restarts. When a pinned account is removed from the registry its
// pins are dropped automatically.
type Router struct {
	mu       sync.Mutex
	registry *accounts.Registry
	pins     map[string]string
	path     string
	logger   *slog.Logger
}

// New creates a router over the registry. path is the pin file; empty
// means pins live in memory only.
func New(registry *accounts.Registry, path string) *Router {
	r := &Router{
		registry: registry,
		pins:     make(map[string]string),
		path:     path,
		logger:   slog.Default().With("component", "router"),
	}
	registry.OnRemove(r.dropAccount)
	return r
}

// Load hydrates the pin table from disk. A missing file is an empty table.
func (r *Router) Load() error {
	if r.path == "" {
		return nil
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading route pins: %w", err)
	}

	pins := make(map[string]string)
	if err := json.Unmarshal(data, &pins); err != nil {
		return fmt.Errorf("parsing route pins: %w", err)
	}

	r.mu.Lock()
	r.pins = pins
	r.mu.Unlock()
	return nil
}

// Pin binds a model to a specific account. The account must exist.
func (r *Router) Pin(model, accountID string) error {
	if model == "" || accountID == "" {
		return fmt.Errorf("model and account id are required")
	}
	found := false
	for _, a := range r.registry.ListAccounts() {
		if a.ID == accountID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("unknown account %q", accountID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pins[model] = accountID
	return r.persistLocked()
}

// Unpin removes a model's pin, reporting whether one existed.
func (r *Router) Unpin(model string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pins[model]; !ok {
		return false
	}
	delete(r.pins, model)
	if err := r.persistLocked(); err != nil {
		r.logger.Warn("persisting route pins failed", "error", err)
	}
	return true
}

// PinnedAccount returns the account id pinned to a model, or "".
func (r *Router) PinnedAccount(model string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pins[model]
}

// Candidates returns accounts in attempt order for a model: the pinned
// account alone when one is set, otherwise all accounts in rotation-queue
// order with locked-out accounts sorted to the back by remaining wait.
func (r *Router) Candidates(model string) []*accounts.Account {
	r.mu.Lock()
	pinned := r.pins[model]
	r.mu.Unlock()

	all := r.registry.ListAccounts()
	if pinned != "" {
		for _, a := range all {
			if a.ID == pinned {
				return []*accounts.Account{a}
			}
		}
		return nil
	}

	now := time.Now()
	sort.SliceStable(all, func(i, j int) bool {
		li, lj := all[i].IsRateLimited(now), all[j].IsRateLimited(now)
		if li != lj {
			return !li
		}
		if li {
			return all[i].RemainingLockout(now) < all[j].RemainingLockout(now)
		}
		return false
	})
	return all
}

// dropAccount purges pins referencing a removed account. Registered as a
// registry removal hook.
func (r *Router) dropAccount(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	for model, acct := range r.pins {
		if acct == id {
			delete(r.pins, model)
			changed = true
		}
	}
	if !changed {
		return
	}
	if err := r.persistLocked(); err != nil {
		r.logger.Warn("persisting route pins after account removal failed", "error", err)
	}
}

// persistLocked writes the pin table. Caller holds r.mu.
func (r *Router) persistLocked() error {
	if r.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(r.pins, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}
