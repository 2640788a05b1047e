package accounts

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

const (
	// refreshBuffer is how close to expiry a token gets refreshed.
	refreshBuffer = 5 * time.Minute

	// refreshFailureLockout sidelines an account whose refresh failed.
	refreshFailureLockout = 60 * time.Second

	// optimisticClearWindow: when every account is locked out and the
	// shortest remaining wait is within this window, the lockouts are
	// treated as already expired upstream and cleared.
	optimisticClearWindow = 2000 * time.Millisecond
)

// Registry is the in-memory table of pooled accounts plus their rotation
// and rate-limit state, backed by a durable JSON store. It owns the sticky
// rotation queue and the per-account dispatch locks.
//
// All methods are safe for concurrent use. State mutation for a given
// account is atomic: a concurrent reader never observes a partial update.
type Registry struct {
	store     *Store
	refresher TokenRefresher
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	accounts map[string]*Account
	queue    []string
	locks    map[string]chan struct{}
	onRemove []func(id string)
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the registry's time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the registry's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry creates an empty registry. Call Load to hydrate it from the
// durable store.
func NewRegistry(store *Store, refresher TokenRefresher, opts ...Option) *Registry {
	r := &Registry{
		store:     store,
		refresher: refresher,
		logger:    slog.Default(),
		now:       time.Now,
		accounts:  make(map[string]*Account),
		locks:     make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "accounts.registry")
	return r
}

// Load hydrates the registry from the durable store. It is idempotent:
// records already in memory keep their runtime rate-limit state while their
// credentials are updated in place. A corrupt store logs a warning and
// leaves the current state untouched.
func (r *Registry) Load() {
	loaded, err := r.store.Load()
	if err != nil {
		r.logger.Warn("account store load failed, keeping current state", "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(loaded))
	for _, a := range loaded {
		seen[a.ID] = true
		if existing, ok := r.accounts[a.ID]; ok {
			existing.Email = a.Email
			existing.AccessToken = a.AccessToken
			existing.RefreshToken = a.RefreshToken
			existing.ExpiresAt = a.ExpiresAt
			existing.ProjectID = a.ProjectID
		} else {
			r.accounts[a.ID] = a.Clone()
		}
	}
	for id := range r.accounts {
		if !seen[id] {
			delete(r.accounts, id)
		}
	}
	r.resyncQueueLocked()

	r.logger.Info("accounts loaded", "count", len(r.accounts))
}

// resyncQueueLocked rebuilds the rotation queue so it contains each live
// account id exactly once, preserving the existing order for survivors.
func (r *Registry) resyncQueueLocked() {
	kept := r.queue[:0]
	inQueue := make(map[string]bool, len(r.queue))
	for _, id := range r.queue {
		if _, ok := r.accounts[id]; ok && !inQueue[id] {
			kept = append(kept, id)
			inQueue[id] = true
		}
	}
	r.queue = kept
	for id := range r.accounts {
		if !inQueue[id] {
			r.queue = append(r.queue, id)
		}
	}
	slices.Sort(r.queue[len(kept):])
}

// AddAccount inserts or replaces an account and persists synchronously.
func (r *Registry) AddAccount(a *Account) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("account id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.accounts[a.ID] = a.Clone()
	if !slices.Contains(r.queue, a.ID) {
		r.queue = append(r.queue, a.ID)
	}
	return r.persistLocked()
}

// RemoveAccount deletes an account by id or email, purges it from the
// rotation queue, notifies removal hooks, and persists. It reports whether
// anything was removed.
func (r *Registry) RemoveAccount(idOrEmail string) bool {
	r.mu.Lock()
	id := ""
	if _, ok := r.accounts[idOrEmail]; ok {
		id = idOrEmail
	} else {
		for _, a := range r.accounts {
			if a.Email == idOrEmail {
				id = a.ID
				break
			}
		}
	}
	if id == "" {
		r.mu.Unlock()
		return false
	}

	delete(r.accounts, id)
	r.queue = slices.DeleteFunc(r.queue, func(q string) bool { return q == id })
	if err := r.persistLocked(); err != nil {
		r.logger.Warn("failed to persist account removal", "account", id, "error", err)
	}
	hooks := slices.Clone(r.onRemove)
	r.mu.Unlock()

	for _, hook := range hooks {
		hook(id)
	}
	r.logger.Info("account removed", "account", id)
	return true
}

// OnRemove registers a hook invoked after an account is removed, used to
// purge routing configuration that references the account.
func (r *Registry) OnRemove(hook func(id string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = append(r.onRemove, hook)
}

// GetNextAvailableAccount walks the rotation queue and returns the first
// account that is not rate limited, transparently refreshing tokens that
// expire within the refresh buffer. When every account is locked out, the
// one with the smallest remaining wait is returned if that wait is within
// the optimistic-clear window (all lockouts are cleared first); otherwise
// nil.
//
// forceRotate is accepted for contract compatibility with pinned retries:
// after a failure the failing account is already locked out, so the walk
// lands on the next live account either way.
func (r *Registry) GetNextAvailableAccount(ctx context.Context, forceRotate bool) *Account {
	now := r.now()

	r.mu.Lock()
	ids := slices.Clone(r.queue)
	r.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}

	for _, id := range ids {
		r.mu.Lock()
		a, ok := r.accounts[id]
		limited := ok && a.IsRateLimited(now)
		r.mu.Unlock()
		if !ok || limited {
			continue
		}
		fresh, err := r.ensureFresh(ctx, id)
		if err != nil {
			// ensureFresh already sidelined the account; keep walking.
			continue
		}
		return fresh
	}

	// Every account is rate limited. Find the shortest remaining wait.
	r.mu.Lock()
	var bestID string
	var bestWait time.Duration
	for _, id := range ids {
		a, ok := r.accounts[id]
		if !ok {
			continue
		}
		wait := a.RemainingLockout(now)
		if bestID == "" || wait < bestWait {
			bestID = id
			bestWait = wait
		}
	}
	if bestID == "" || bestWait > optimisticClearWindow {
		r.mu.Unlock()
		return nil
	}
	// The shortest lockout is about to lapse; treat all of them as already
	// expired upstream and let traffic probe again.
	for _, a := range r.accounts {
		a.RateLimitedUntil = 0
	}
	r.mu.Unlock()

	r.logger.Info("all accounts rate limited, optimistically clearing lockouts",
		"account", bestID,
		"remaining_wait", bestWait,
	)

	fresh, err := r.ensureFresh(ctx, bestID)
	if err != nil {
		return nil
	}
	return fresh
}

// GetAccountByID returns the named account, refreshing its token when
// needed. Unlike GetNextAvailableAccount it never substitutes another
// account: a rate-limited or unknown id yields nil.
func (r *Registry) GetAccountByID(ctx context.Context, id string) *Account {
	now := r.now()

	r.mu.Lock()
	a, ok := r.accounts[id]
	limited := ok && a.IsRateLimited(now)
	r.mu.Unlock()
	if !ok || limited {
		return nil
	}

	fresh, err := r.ensureFresh(ctx, id)
	if err != nil {
		return nil
	}
	return fresh
}

// ensureFresh returns a snapshot of the account, refreshing its access
// token first when it expires within the refresh buffer. A refresh failure
// locks the account out briefly so selection moves on.
func (r *Registry) ensureFresh(ctx context.Context, id string) (*Account, error) {
	r.mu.Lock()
	a, ok := r.accounts[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("unknown account %q", id)
	}
	if !a.TokenExpiresWithin(r.now(), refreshBuffer) {
		snapshot := a.Clone()
		r.mu.Unlock()
		return snapshot, nil
	}
	refreshToken := a.RefreshToken
	r.mu.Unlock()

	return r.refreshWith(ctx, id, refreshToken)
}

// RefreshAccount forces a token refresh regardless of expiry. Used by the
// pipeline after an upstream 401.
func (r *Registry) RefreshAccount(ctx context.Context, id string) (*Account, error) {
	r.mu.Lock()
	a, ok := r.accounts[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("unknown account %q", id)
	}
	refreshToken := a.RefreshToken
	r.mu.Unlock()

	return r.refreshWith(ctx, id, refreshToken)
}

func (r *Registry) refreshWith(ctx context.Context, id, refreshToken string) (*Account, error) {
	info, err := r.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		r.logger.Warn("token refresh failed", "account", id, "error", err)
		r.MarkRateLimited(id, refreshFailureLockout)
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %q removed during refresh", id)
	}
	a.AccessToken = info.AccessToken
	a.ExpiresAt = r.now().Add(time.Duration(info.ExpiresIn) * time.Second).UnixMilli()
	if err := r.persistLocked(); err != nil {
		r.logger.Warn("failed to persist refreshed token", "account", id, "error", err)
	}
	return a.Clone(), nil
}

// EnsureProject returns the account's project scope, resolving and
// persisting it on first use.
func (r *Registry) EnsureProject(ctx context.Context, id string) (string, error) {
	r.mu.Lock()
	a, ok := r.accounts[id]
	if !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("unknown account %q", id)
	}
	if a.ProjectID != "" {
		project := a.ProjectID
		r.mu.Unlock()
		return project, nil
	}
	accessToken := a.AccessToken
	r.mu.Unlock()

	project, err := r.refresher.ResolveProjectScope(ctx, accessToken)
	if err != nil {
		return "", fmt.Errorf("failed to resolve project scope for %q: %w", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.accounts[id]; ok && project != "" {
		a.ProjectID = project
		if err := r.persistLocked(); err != nil {
			r.logger.Warn("failed to persist project scope", "account", id, "error", err)
		}
	}
	return project, nil
}

// MarkSuccess clears rate-limit state and resets the failure counter.
func (r *Registry) MarkSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.accounts[id]; ok {
		a.RateLimitedUntil = 0
		a.ConsecutiveFailures = 0
	}
}

// MarkRateLimited sets an explicit lockout, used for externally-computed
// delays and transient same-account retry holds.
func (r *Registry) MarkRateLimited(id string, d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.accounts[id]; ok {
		a.RateLimitedUntil = r.now().Add(d).UnixMilli()
	}
}

// LockoutRemaining reports how much longer an account stays rate limited,
// zero when it is available or unknown.
func (r *Registry) LockoutRemaining(id string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.accounts[id]; ok {
		return a.RemainingLockout(r.now())
	}
	return 0
}

// MarkRateLimitedFromError classifies a failed attempt and applies the
// resulting lockout. The quota tier uses the consecutive-failure count
// observed entering the failed call; the counter increments afterwards.
// Quota exhaustion additionally demotes the account to the queue tail.
func (r *Registry) MarkRateLimitedFromError(id string, status int, body, retryAfterHeader string) (Reason, time.Duration) {
	reason := Classify(status, body)
	delay, hasDelay := ParseRetryDelay(body, retryAfterHeader)

	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.accounts[id]
	if !ok {
		return reason, 0
	}

	d := LockoutDuration(reason, a.ConsecutiveFailures, delay, hasDelay)
	a.ConsecutiveFailures++
	a.RateLimitedUntil = r.now().Add(d).UnixMilli()

	if reason == ReasonQuotaExhausted {
		r.moveToEndLocked(id)
	}

	r.logger.Warn("account rate limited",
		"account", id,
		"status", status,
		"reason", string(reason),
		"lockout", d,
		"consecutive_failures", a.ConsecutiveFailures,
	)
	return reason, d
}

// MoveToEndOfQueue demotes an account to the rotation queue tail.
func (r *Registry) MoveToEndOfQueue(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.moveToEndLocked(id)
}

func (r *Registry) moveToEndLocked(id string) {
	idx := slices.Index(r.queue, id)
	if idx < 0 || idx == len(r.queue)-1 {
		return
	}
	r.queue = append(slices.Delete(r.queue, idx, idx+1), id)
}

// MarkAllHealthy clears every lockout and failure counter. Used by
// operator-triggered cleanup.
func (r *Registry) MarkAllHealthy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.accounts {
		a.RateLimitedUntil = 0
		a.ConsecutiveFailures = 0
	}
}

// ListAccounts returns account snapshots in rotation-queue order.
func (r *Registry) ListAccounts() []*Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Account, 0, len(r.queue))
	for _, id := range r.queue {
		if a, ok := r.accounts[id]; ok {
			out = append(out, a.Clone())
		}
	}
	return out
}

// Count returns the number of pooled accounts.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.accounts)
}

// Lock acquires the exclusive per-account dispatch lock. It blocks until
// the lock is free or the context is done. The returned release function is
// idempotent and must be called on every exit path.
func (r *Registry) Lock(ctx context.Context, id string) (func(), error) {
	r.mu.Lock()
	ch, ok := r.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		r.locks[id] = ch
	}
	r.mu.Unlock()

	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// persistLocked writes the current account set to the durable store.
// Caller holds r.mu.
func (r *Registry) persistLocked() error {
	out := make([]*Account, 0, len(r.queue))
	for _, id := range r.queue {
		if a, ok := r.accounts[id]; ok {
			out = append(out, a.Clone())
		}
	}
	return r.store.Save(out)
}
