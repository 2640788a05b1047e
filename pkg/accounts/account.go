package accounts

import (
	"time"
)

// Account is one pooled upstream identity: a long-lived refresh credential
// plus its rotation state. Rate-limit state is runtime-only and is never
// persisted; every process start begins with a clean slate.
type Account struct {
	// ID is the stable key for the account, typically the account email.
	ID string `json:"id"`

	// Email is the account's email address.
	Email string `json:"email"`

	// AccessToken is the current short-lived upstream token.
	AccessToken string `json:"accessToken"`

	// RefreshToken is the long-lived credential used to mint access tokens.
	RefreshToken string `json:"refreshToken"`

	// ExpiresAt is the access token expiry in epoch milliseconds.
	ExpiresAt int64 `json:"expiresAt"`

	// ProjectID is the upstream billing/project scope, resolved lazily.
	ProjectID string `json:"projectId,omitempty"`

	// RateLimitedUntil is the lockout expiry in epoch milliseconds,
	// 0 when the account is not rate limited.
	RateLimitedUntil int64 `json:"-"`

	// ConsecutiveFailures counts failures since the last success.
	ConsecutiveFailures int `json:"-"`
}

// Clone returns a copy safe to hand to callers while the registry keeps
// mutating its own record.
func (a *Account) Clone() *Account {
	c := *a
	return &c
}

// IsRateLimited reports whether the account is locked out at now.
func (a *Account) IsRateLimited(now time.Time) bool {
	return a.RateLimitedUntil > now.UnixMilli()
}

// RemainingLockout returns how long the account stays locked out from now,
// or zero when it is available.
func (a *Account) RemainingLockout(now time.Time) time.Duration {
	remaining := a.RateLimitedUntil - now.UnixMilli()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(remaining) * time.Millisecond
}

// TokenExpiresWithin reports whether the access token expires within the
// given buffer from now.
func (a *Account) TokenExpiresWithin(now time.Time, buffer time.Duration) bool {
	return a.ExpiresAt <= now.Add(buffer).UnixMilli()
}
