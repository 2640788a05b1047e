package accounts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Store persists accounts as a JSON array at a fixed file path. Only the
// credential fields are persisted; rate-limit and failure counters reset to
// empty on every process start.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a store backed by the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the store's file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads all persisted accounts. A missing file is an empty store, not
// an error.
func (s *Store) Load() ([]*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read account store %q: %w", s.path, err)
	}

	var accounts []*Account
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("failed to parse account store %q: %w", s.path, err)
	}

	// Drop records without a usable key rather than failing the whole load.
	out := accounts[:0]
	for _, a := range accounts {
		if a == nil {
			continue
		}
		if a.ID == "" {
			a.ID = a.Email
		}
		if a.ID == "" {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Save writes the full account set atomically (temp file + rename).
func (s *Store) Save(accounts []*Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(accounts, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode account store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create account store directory %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".accounts-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp account store: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write account store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close account store: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set account store permissions: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace account store %q: %w", s.path, err)
	}
	return nil
}
