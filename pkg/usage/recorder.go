package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	recorded_at INTEGER NOT NULL,
	model TEXT NOT NULL,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_recorded_at ON usage_records(recorded_at);
CREATE INDEX IF NOT EXISTS idx_usage_model ON usage_records(model);
`

// Config contains configuration for the usage recorder.
type Config struct {
	// Path is the database file path.
	Path string

	// QueueSize bounds the in-flight write queue. When full, records are
	// dropped; usage accounting is advisory and never backpressures the
	// pipeline.
	QueueSize int

	// BusyTimeout is the duration to wait when the database is locked.
	BusyTimeout time.Duration
}

// DefaultConfig returns the default recorder configuration.
func DefaultConfig() *Config {
	return &Config{
		Path:        "data/usage.db",
		QueueSize:   256,
		BusyTimeout: 5 * time.Second,
	}
}

type record struct {
	at     time.Time
	model  string
	input  int
	output int
}

// Recorder persists per-call token usage to SQLite. Record is
// fire-and-forget: writes happen on a background goroutine and failures
// are logged, never surfaced.
type Recorder struct {
	db      *sql.DB
	queue   chan record
	done    chan struct{}
	closeMu sync.Once
	logger  *slog.Logger
	now     func() time.Time
}

// NewRecorder opens the usage database, creating the schema if needed,
// and starts the background writer.
func NewRecorder(config *Config) (*Recorder, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = DefaultConfig().BusyTimeout
	}

	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("opening usage database: %w", err)
	}
	// Single writer goroutine; no need for a pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", config.BusyTimeout.Milliseconds())); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating usage schema: %w", err)
	}

	r := &Recorder{
		db:     db,
		queue:  make(chan record, config.QueueSize),
		done:   make(chan struct{}),
		logger: slog.Default().With("component", "usage"),
		now:    time.Now,
	}
	go r.writeLoop()

	r.logger.Info("usage recorder started", "path", config.Path)
	return r, nil
}

// Record enqueues one usage sample. It never blocks; when the queue is
// full the sample is dropped.
func (r *Recorder) Record(model string, inputTokens, outputTokens int) {
	select {
	case r.queue <- record{at: r.now(), model: model, input: inputTokens, output: outputTokens}:
	default:
		r.logger.Debug("usage queue full, sample dropped", "model", model)
	}
}

func (r *Recorder) writeLoop() {
	defer close(r.done)
	for rec := range r.queue {
		_, err := r.db.Exec(
			"INSERT INTO usage_records (recorded_at, model, input_tokens, output_tokens) VALUES (?, ?, ?, ?)",
			rec.at.UnixMilli(), rec.model, rec.input, rec.output,
		)
		if err != nil {
			r.logger.Warn("usage write failed", "model", rec.model, "error", err)
		}
	}
}

// ModelTotals aggregates usage for one model.
type ModelTotals struct {
	Model        string `json:"model"`
	Requests     int64  `json:"requests"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
}

// Totals returns per-model aggregates for records at or after since.
func (r *Recorder) Totals(ctx context.Context, since time.Time) ([]ModelTotals, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT model, COUNT(*), SUM(input_tokens), SUM(output_tokens)
		 FROM usage_records WHERE recorded_at >= ?
		 GROUP BY model ORDER BY model`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage totals: %w", err)
	}
	defer rows.Close()

	var out []ModelTotals
	for rows.Next() {
		var t ModelTotals
		if err := rows.Scan(&t.Model, &t.Requests, &t.InputTokens, &t.OutputTokens); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Prune deletes records older than the cutoff, returning how many went.
func (r *Recorder) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := r.now().Add(-olderThan).UnixMilli()
	res, err := r.db.ExecContext(ctx, "DELETE FROM usage_records WHERE recorded_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning usage records: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the write queue and closes the database.
func (r *Recorder) Close() error {
	var err error
	r.closeMu.Do(func() {
		close(r.queue)
		<-r.done
		err = r.db.Close()
	})
	return err
}
