package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// RetentionConfig controls scheduled pruning of old usage records.
type RetentionConfig struct {
	// Schedule is a standard cron expression, e.g. "0 3 * * *" for daily
	// at 3 AM. Empty disables scheduled pruning.
	Schedule string

	// KeepFor is how long records are retained.
	KeepFor time.Duration
}

// Scheduler prunes old usage records on a cron schedule.
type Scheduler struct {
	recorder *Recorder
	config   RetentionConfig
	cron     *cron.Cron
	mu       sync.Mutex
	running  bool
	logger   *slog.Logger
}

// NewScheduler creates a retention scheduler over a recorder.
func NewScheduler(recorder *Recorder, config RetentionConfig) *Scheduler {
	return &Scheduler{
		recorder: recorder,
		config:   config,
		cron:     cron.New(),
		logger:   slog.Default().With("component", "usage.retention"),
	}
}

// Start begins scheduled pruning. A missing schedule is a no-op; it stops
// automatically when the context is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.Schedule == "" {
		s.logger.Info("usage retention schedule not configured, skipping")
		return nil
	}
	if s.config.KeepFor <= 0 {
		return fmt.Errorf("usage retention requires a positive keep-for duration")
	}

	if _, err := cron.ParseStandard(s.config.Schedule); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", s.config.Schedule, err)
	}
	if _, err := s.cron.AddFunc(s.config.Schedule, func() { s.runPrune(ctx) }); err != nil {
		return fmt.Errorf("scheduling usage retention: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("usage retention started",
		"schedule", s.config.Schedule,
		"keep_for", s.config.KeepFor,
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) runPrune(ctx context.Context) {
	deleted, err := s.recorder.Prune(ctx, s.config.KeepFor)
	if err != nil {
		s.logger.Error("scheduled usage pruning failed", "error", err)
		return
	}
	if deleted > 0 {
		s.logger.Info("usage records pruned", "deleted", deleted)
	}
}

// Stop halts scheduled pruning and waits for a running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("usage retention stopped")
}
