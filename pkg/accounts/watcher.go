package accounts

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StoreWatcher watches the account store file and reloads the registry when
// an external process (a login tool importing credentials) rewrites it.
// Events are debounced so an editor's write-and-rename burst triggers one
// reload.
type StoreWatcher struct {
	registry *Registry
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration
	path     string
}

// NewStoreWatcher creates a watcher over the registry's store file.
func NewStoreWatcher(registry *Registry, debounce time.Duration) (*StoreWatcher, error) {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	path := registry.store.Path()
	// Watch the directory: the store is replaced by rename, which drops
	// a watch held on the file itself.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch account store directory: %w", err)
	}

	return &StoreWatcher{
		registry: registry,
		logger:   slog.Default().With("component", "accounts.watcher"),
		watcher:  w,
		debounce: debounce,
		path:     path,
	}, nil
}

// Run blocks, reloading the registry on store changes, until the context is
// cancelled.
func (sw *StoreWatcher) Run(ctx context.Context) error {
	defer sw.watcher.Close()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(sw.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(sw.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(sw.debounce)
			}

		case <-timerC:
			sw.logger.Info("account store changed, reloading")
			sw.registry.Load()

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return nil
			}
			sw.logger.Warn("account store watch error", "error", err)
		}
	}
}
