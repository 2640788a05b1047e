package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"meridian-hq/meridian/pkg/accounts"
	"meridian-hq/meridian/pkg/telemetry/metrics"
	"meridian-hq/meridian/pkg/translate"
)

// Options controls one logical chat call.
type Options struct {
	// AccountID pins the call to a specific account. A pinned call fails
	// with NoAccountError when the account is locked out and never
	// rotates to another credential.
	AccountID string

	// AllowRotation permits switching to another account after a
	// non-recoverable per-account failure. Ignored when AccountID is set.
	AllowRotation bool

	// Candidates is an ordered preference list of account ids tried ahead
	// of the registry's rotation queue. Unavailable entries are skipped;
	// when none can serve, selection falls back to the queue walk. Ignored
	// when AccountID is set.
	Candidates []string
}

// Config bounds the pipeline's retry behavior.
type Config struct {
	// MaxSameAccountRetries caps in-place retries of a non-quota 429.
	MaxSameAccountRetries int

	// MaxTransportAttempts caps whole-call attempts after timeout/5xx
	// failures across all endpoints.
	MaxTransportAttempts int

	// RetryDelayCap bounds the in-place 429 retry wait.
	RetryDelayCap time.Duration

	// RequestTimeout bounds one buffered attempt end to end.
	RequestTimeout time.Duration

	// IdleStreamTimeout aborts a stream when no data arrives for this
	// long, measured from the last received byte.
	IdleStreamTimeout time.Duration
}

// DefaultConfig returns the production retry bounds.
func DefaultConfig() Config {
	return Config{
		MaxSameAccountRetries: 2,
		MaxTransportAttempts:  3,
		RetryDelayCap:         2 * time.Second,
		RequestTimeout:        2 * time.Minute,
		IdleStreamTimeout:     3 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxSameAccountRetries <= 0 {
		c.MaxSameAccountRetries = d.MaxSameAccountRetries
	}
	if c.MaxTransportAttempts <= 0 {
		c.MaxTransportAttempts = d.MaxTransportAttempts
	}
	if c.RetryDelayCap <= 0 {
		c.RetryDelayCap = d.RetryDelayCap
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.IdleStreamTimeout <= 0 {
		c.IdleStreamTimeout = d.IdleStreamTimeout
	}
}

// UsageRecorder receives fire-and-forget token accounting. Failures are
// the recorder's problem, never the pipeline's.
type UsageRecorder interface {
	Record(model string, inputTokens, outputTokens int)
}

// Pipeline orchestrates one logical chat call: account selection, upstream
// delivery, failure classification, and retry/rotation.
type Pipeline struct {
	registry *accounts.Registry
	client   *Client
	cfg      Config
	usage    UsageRecorder
	metrics  *metrics.Metrics
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// PipelineOption configures optional collaborators.
type PipelineOption func(*Pipeline)

// WithUsageRecorder attaches a usage recorder.
func WithUsageRecorder(r UsageRecorder) PipelineOption {
	return func(p *Pipeline) { p.usage = r }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// WithSleep overrides the retry wait, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) PipelineOption {
	return func(p *Pipeline) { p.sleep = sleep }
}

// New creates a pipeline over the given registry and upstream client.
func New(registry *accounts.Registry, client *Client, cfg Config, opts ...PipelineOption) *Pipeline {
	cfg.applyDefaults()
	p := &Pipeline{
		registry: registry,
		client:   client,
		cfg:      cfg,
		logger:   slog.Default().With("component", "pipeline"),
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// attemptState threads the retry bookkeeping of one logical call through
// the retry loop: attempt counters, refresh history, and the last error to
// surface when every avenue is exhausted.
type attemptState struct {
	sameAccountRetries int
	transportAttempts  int
	rotations          int
	refreshed          map[string]bool
	lastErr            error
	backoff            *backoff.ExponentialBackOff
}

func newAttemptState() *attemptState {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	return &attemptState{
		refreshed: make(map[string]bool),
		backoff:   bo,
	}
}

// sendResult is a successfully delivered upstream call, ready for body
// consumption. The caller owns release, cancel, and the response body.
type sendResult struct {
	acct    *accounts.Account
	resp    *http.Response
	release func()
	cancel  context.CancelFunc
}

func (r *sendResult) closeAll() {
	drainAndClose(r.resp)
	r.cancel()
	r.release()
}

// Execute runs one buffered chat call. Retries and account rotation are
// invisible to the caller except as latency.
func (p *Pipeline) Execute(ctx context.Context, req *translate.ChatRequest, opts Options) (*translate.ChatResponse, error) {
	if err := translate.ValidateRequest(req); err != nil {
		return nil, err
	}

	start := time.Now()
	st := newAttemptState()
	for {
		res, err := p.send(ctx, req, opts, st, false)
		if err != nil {
			p.metrics.ObserveRequest(req.Model, "error", time.Since(start).Seconds())
			return nil, err
		}

		chunks, readErr := collectChunks(res.resp.Body)
		res.cancel()
		res.resp.Body.Close()

		if readErr == nil {
			p.registry.MarkSuccess(res.acct.ID)
			res.release()

			resp := translate.AssembleResponse(req.Model, chunks)
			p.recordUsage(req.Model, resp.Usage)
			p.metrics.ObserveRequest(req.Model, "success", time.Since(start).Seconds())
			return resp, nil
		}

		// The body died mid-read. Nothing reached the caller, so this is
		// an ordinary transport failure of the whole call.
		res.release()
		st.lastErr = fmt.Errorf("upstream response read failed: %w", readErr)
		if !p.retryTransport(ctx, st) {
			p.metrics.ObserveRequest(req.Model, "error", time.Since(start).Seconds())
			return nil, st.lastErr
		}
	}
}

// ExecuteStreaming runs one streaming chat call. The returned stream is
// single-pass and forward-only; Close aborts the upstream read and releases
// the account lock.
func (p *Pipeline) ExecuteStreaming(ctx context.Context, req *translate.ChatRequest, opts Options) (*Stream, error) {
	if err := translate.ValidateRequest(req); err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	st := newAttemptState()

	res, err := p.send(streamCtx, req, opts, st, true)
	if err != nil {
		cancel()
		return nil, err
	}

	s := newStream(cancel)
	p.metrics.StreamStarted()
	go p.pump(streamCtx, req, opts, st, res, s)
	return s, nil
}

// pump forwards upstream events into the stream. Before the first event is
// forwarded a dead connection may be retried like any transport failure;
// after that every failure is terminal.
func (p *Pipeline) pump(ctx context.Context, req *translate.ChatRequest, opts Options, st *attemptState, res *sendResult, s *Stream) {
	defer p.metrics.StreamFinished()
	defer s.closeEvents()

	for {
		usage, forwarded, err := p.pumpOnce(ctx, req, res, s)
		if err == nil {
			p.registry.MarkSuccess(res.acct.ID)
			res.release()
			p.recordUsage(req.Model, usage)
			p.metrics.ObserveRequest(req.Model, "success", 0)
			return
		}

		res.release()

		if forwarded || ctx.Err() != nil {
			// Client cancellation is not an account failure; a failure
			// after forwarded bytes is terminal because partial output
			// cannot be discarded.
			s.fail(err)
			p.metrics.ObserveRequest(req.Model, "stream_error", 0)
			return
		}

		st.lastErr = err
		if !p.retryTransport(ctx, st) {
			s.fail(err)
			p.metrics.ObserveRequest(req.Model, "stream_error", 0)
			return
		}

		next, sendErr := p.send(ctx, req, opts, st, true)
		if sendErr != nil {
			s.fail(sendErr)
			p.metrics.ObserveRequest(req.Model, "stream_error", 0)
			return
		}
		res = next
	}
}

// pumpOnce drains one upstream connection into the stream. It reports
// whether any event reached the caller and the final usage on success.
func (p *Pipeline) pumpOnce(ctx context.Context, req *translate.ChatRequest, res *sendResult, s *Stream) (translate.Usage, bool, error) {
	defer res.resp.Body.Close()

	dog := newWatchdog(p.cfg.IdleStreamTimeout, func() {
		res.resp.Body.Close()
	})
	defer dog.stop()

	tr := translate.NewStreamTranslator(req.Model)
	reader := newSSEReader(res.resp.Body)
	forwarded := false

	for {
		ev, err := reader.next()
		dog.reset()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return translate.Usage{}, forwarded, ctx.Err()
			}
			return translate.Usage{}, forwarded, &StreamAbortError{
				IdleTimeout: dog.fired(),
				Cause:       err,
			}
		}

		payload, derr := translate.DecodeChunk([]byte(ev.data))
		if derr != nil || payload == nil {
			continue
		}
		for _, out := range tr.Feed(payload) {
			if !s.emit(ctx, out) {
				return translate.Usage{}, forwarded, ctx.Err()
			}
			forwarded = true
		}
	}

	for _, out := range tr.Finish() {
		if !s.emit(ctx, out) {
			return translate.Usage{}, forwarded, ctx.Err()
		}
		forwarded = true
	}
	return tr.Usage(), forwarded, nil
}

// send acquires an account and delivers the request, looping through the
// in-place retry, refresh, and rotation policy until it has a 2xx response
// or a terminal error. On success the caller owns the returned result.
func (p *Pipeline) send(ctx context.Context, req *translate.ChatRequest, opts Options, st *attemptState, streaming bool) (*sendResult, error) {
	for {
		acct := p.selectAccount(ctx, opts, st)
		if acct == nil {
			if st.lastErr != nil {
				return nil, st.lastErr
			}
			nae := &NoAccountError{Pinned: opts.AccountID}
			if opts.AccountID != "" {
				nae.RetryAfter = p.registry.LockoutRemaining(opts.AccountID)
			}
			return nil, nae
		}

		release, err := p.registry.Lock(ctx, acct.ID)
		if err != nil {
			return nil, err
		}

		res, err := p.sendOnAccount(ctx, req, opts, st, acct, release, streaming)
		if err == errRotate {
			continue
		}
		return res, err
	}
}

// errRotate signals send to select the next account and retry.
var errRotate = fmt.Errorf("rotate to next account")

// authFailureLockout sidelines an account whose 401 survived a token
// refresh, so selection does not hand the same credential back.
const authFailureLockout = 60 * time.Second

// sendOnAccount drives attempts against a single locked account. The lock
// is released on every path except a successful send, where the caller
// inherits it.
func (p *Pipeline) sendOnAccount(ctx context.Context, req *translate.ChatRequest, opts Options, st *attemptState, acct *accounts.Account, release func(), streaming bool) (*sendResult, error) {
	success := false
	defer func() {
		if !success {
			release()
		}
	}()

	for {
		project, err := p.registry.EnsureProject(ctx, acct.ID)
		if err != nil {
			p.logger.Warn("project scope resolution failed, continuing without",
				"account", acct.ID,
				"error", err,
			)
		}

		payload, err := translate.BuildUpstreamRequest(req, translate.BuildOptions{
			Project:   project,
			UserAgent: p.client.UserAgent(),
		})
		if err != nil {
			return nil, err
		}

		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if !streaming {
			attemptCtx, cancel = context.WithTimeout(ctx, p.cfg.RequestTimeout)
		}

		resp, err := p.client.Do(attemptCtx, acct.AccessToken, payload)
		if err != nil {
			cancel()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			st.lastErr = fmt.Errorf("upstream delivery failed: %w", err)
			if !p.retryTransport(ctx, st) {
				return nil, st.lastErr
			}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			success = true
			return &sendResult{acct: acct, resp: resp, release: release, cancel: cancel}, nil
		}

		body := readErrorBody(resp)
		retryAfter := resp.Header.Get("Retry-After")
		cancel()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			next, err := p.handle429(ctx, opts, st, acct, body, retryAfter)
			if err != nil {
				return nil, err
			}
			if next == nil {
				return nil, errRotate
			}
			acct = next

		case resp.StatusCode == http.StatusUnauthorized:
			next, err := p.handle401(ctx, opts, st, acct, body)
			if err != nil {
				return nil, err
			}
			if next == nil {
				return nil, errRotate
			}
			acct = next

		case resp.StatusCode == http.StatusNotFound || resp.StatusCode >= 500:
			// Every endpoint already failed with this class inside the
			// client; back off and retry the whole call.
			st.lastErr = &UpstreamError{Provider: ProviderName, Status: resp.StatusCode, Body: body}
			if !p.retryTransport(ctx, st) {
				return nil, st.lastErr
			}

		default:
			// Remaining 4xx: the request itself is bad, surface as is.
			return nil, &UpstreamError{Provider: ProviderName, Status: resp.StatusCode, Body: body}
		}
	}
}

// handle429 applies the rate-limit policy. It returns the account to retry
// with (the same account, possibly after a bounded wait), nil to rotate, or
// an error to surface.
func (p *Pipeline) handle429(ctx context.Context, opts Options, st *attemptState, acct *accounts.Account, body, retryAfter string) (*accounts.Account, error) {
	reason := accounts.Classify(http.StatusTooManyRequests, body)

	if reason != accounts.ReasonQuotaExhausted && st.sameAccountRetries < p.cfg.MaxSameAccountRetries {
		delay, hasDelay := accounts.ParseRetryDelay(body, retryAfter)
		wait := accounts.LockoutDuration(reason, 0, delay, hasDelay)
		if wait > p.cfg.RetryDelayCap {
			wait = p.cfg.RetryDelayCap
		}

		// Hold the account while we wait so a concurrent caller cannot
		// pick the credential we are about to retry.
		p.registry.MarkRateLimited(acct.ID, wait)
		st.sameAccountRetries++
		p.metrics.RecordRetry("same_account")
		p.logger.Info("rate limited, retrying same account",
			"account", acct.ID,
			"reason", string(reason),
			"wait", wait,
		)

		if err := p.sleep(ctx, wait); err != nil {
			return nil, err
		}
		return acct, nil
	}

	markedReason, lockout := p.registry.MarkRateLimitedFromError(acct.ID, http.StatusTooManyRequests, body, retryAfter)
	p.metrics.RecordRateLimitMark(string(markedReason))

	st.lastErr = &UpstreamError{
		Provider:   ProviderName,
		Status:     http.StatusTooManyRequests,
		Body:       body,
		RetryAfter: lockout,
	}
	if p.canRotate(opts, st) {
		st.rotations++
		st.sameAccountRetries = 0
		p.metrics.RecordRotation()
		return nil, nil
	}
	return nil, st.lastErr
}

// handle401 refreshes the token once for this account, then retries; a
// failed or repeated 401 sidelines the account and rotates or surfaces an
// AuthError.
func (p *Pipeline) handle401(ctx context.Context, opts Options, st *attemptState, acct *accounts.Account, body string) (*accounts.Account, error) {
	if !st.refreshed[acct.ID] {
		st.refreshed[acct.ID] = true
		fresh, err := p.registry.RefreshAccount(ctx, acct.ID)
		if err == nil {
			p.logger.Info("token refreshed after upstream 401", "account", acct.ID)
			return fresh, nil
		}
		p.logger.Warn("token refresh after 401 failed", "account", acct.ID, "error", err)
	}

	// The credential is revoked or banned upstream. Without a lockout the
	// rotation walk would land on this same account again.
	p.registry.MarkRateLimited(acct.ID, authFailureLockout)

	st.lastErr = &AuthError{Provider: ProviderName, Message: body}
	if p.canRotate(opts, st) {
		st.rotations++
		st.sameAccountRetries = 0
		p.metrics.RecordRotation()
		return nil, nil
	}
	return nil, st.lastErr
}

// canRotate reports whether the policy permits switching accounts.
func (p *Pipeline) canRotate(opts Options, st *attemptState) bool {
	if opts.AccountID != "" || !opts.AllowRotation {
		return false
	}
	count := p.registry.Count()
	return count > 1 && st.rotations < count
}

// selectAccount resolves the account for the next attempt: the pin when one
// is set, then the caller's ranked candidates, then the rotation queue.
func (p *Pipeline) selectAccount(ctx context.Context, opts Options, st *attemptState) *accounts.Account {
	if opts.AccountID != "" {
		return p.registry.GetAccountByID(ctx, opts.AccountID)
	}
	for _, id := range opts.Candidates {
		if a := p.registry.GetAccountByID(ctx, id); a != nil {
			return a
		}
	}
	return p.registry.GetNextAvailableAccount(ctx, st.rotations > 0)
}

// retryTransport consumes one transport attempt, sleeping the exponential
// backoff. It reports false when the attempt ceiling is reached.
func (p *Pipeline) retryTransport(ctx context.Context, st *attemptState) bool {
	st.transportAttempts++
	if st.transportAttempts >= p.cfg.MaxTransportAttempts {
		return false
	}
	p.metrics.RecordRetry("backoff")
	if err := p.sleep(ctx, st.backoff.NextBackOff()); err != nil {
		return false
	}
	return true
}

// collectChunks drains a buffered upstream SSE body into decoded payloads.
func collectChunks(body io.Reader) ([]*translate.UpstreamResponse, error) {
	reader := newSSEReader(body)
	var chunks []*translate.UpstreamResponse
	for {
		ev, err := reader.next()
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return nil, err
		}
		payload, derr := translate.DecodeChunk([]byte(ev.data))
		if derr != nil || payload == nil {
			continue
		}
		chunks = append(chunks, payload)
	}
}

func (p *Pipeline) recordUsage(model string, usage translate.Usage) {
	p.metrics.ObserveTokens(model, usage.InputTokens, usage.OutputTokens)
	if p.usage != nil {
		p.usage.Record(model, usage.InputTokens, usage.OutputTokens)
	}
}
