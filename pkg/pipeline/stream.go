package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"meridian-hq/meridian/pkg/translate"
)

// Stream is a single-pass sequence of caller events for one streaming chat
// call. Events closes after the final event; Err reports why when the
// stream did not finish cleanly.
type Stream struct {
	events chan translate.StreamEvent
	cancel context.CancelFunc

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

func newStream(cancel context.CancelFunc) *Stream {
	return &Stream{
		events: make(chan translate.StreamEvent, 16),
		cancel: cancel,
	}
}

// Events returns the event channel. It is closed when the stream ends,
// cleanly or not; check Err afterwards.
func (s *Stream) Events() <-chan translate.StreamEvent {
	return s.events
}

// Err returns the terminal error, or nil for a clean finish. Valid once
// Events is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close aborts the stream. It cancels the upstream read, which releases
// the account lock without marking the account as failed. Safe to call
// multiple times and after the stream has finished.
func (s *Stream) Close() {
	s.cancel()
}

// emit delivers one event unless the stream context is gone.
func (s *Stream) emit(ctx context.Context, ev translate.StreamEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Stream) closeEvents() {
	s.closeOnce.Do(func() {
		close(s.events)
	})
}

// watchdog aborts a stalled stream read. Each reset rearms the idle
// window; when it expires, onFire runs once and fired reports true so the
// resulting read error can be attributed to the idle timeout rather than
// a clean close or network fault.
type watchdog struct {
	timer *time.Timer
	d     time.Duration
	shot  atomic.Bool
}

func newWatchdog(d time.Duration, onFire func()) *watchdog {
	w := &watchdog{d: d}
	w.timer = time.AfterFunc(d, func() {
		w.shot.Store(true)
		onFire()
	})
	return w
}

func (w *watchdog) reset() {
	if w.shot.Load() {
		return
	}
	w.timer.Reset(w.d)
}

func (w *watchdog) stop() {
	w.timer.Stop()
}

func (w *watchdog) fired() bool {
	return w.shot.Load()
}
