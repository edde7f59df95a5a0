// Package dlq persists dead-lettered jobs to a local SQLite database so
// operators can inspect and replay them after the fact. The queue layer
// only keeps dead letters in flight; this store is the durable record.
package dlq

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"dispatchd/internal/queue"
	logx "dispatchd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// DefaultRetention is how long dead letters are kept before Prune removes
// them, when the config does not say otherwise.
const DefaultRetention = 7 * 24 * time.Hour

var ErrClosed = errors.New("dlq store closed")

// Config configures the store. Path is required.
type Config struct {
	Path        string
	Retention   time.Duration // 0 means DefaultRetention
	BusyTimeout time.Duration // 0 means driver default
}

// Entry is one stored dead letter.
type Entry struct {
	ID           int64     `json:"id"`
	At           time.Time `json:"at"`
	Queue        string    `json:"queue"`
	JobID        string    `json:"job_id"`
	JobName      string    `json:"job_name"`
	Payload      string    `json:"payload,omitempty"`
	ErrorMessage string    `json:"error_message"`
	ErrorStack   string    `json:"error_stack,omitempty"`
	AttemptsMade int       `json:"attempts_made"`
	MaxAttempts  int       `json:"max_attempts"`
}

type Store struct {
	db        *sql.DB
	log       logx.Logger
	retention time.Duration

	// opCount drives opportunistic pruning every pruneEvery records.
	opCount    atomic.Uint64
	pruneEvery uint64
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("dlq path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &Store{db: db, log: log, retention: cfg.Retention, pruneEvery: 200}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record stores one dead letter. The payload is serialized to JSON; a
// payload that fails to serialize is stored empty rather than lost.
func (s *Store) Record(ctx context.Context, dl queue.DeadLetter) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	var payload string
	if len(dl.Payload) > 0 {
		if b, err := json.Marshal(dl.Payload); err == nil {
			payload = string(b)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters(at, queue, job_id, job_name, payload, error_message, error_stack, attempts_made, max_attempts)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		time.Now().Format(time.RFC3339Nano), dl.Queue, dl.JobID, dl.JobName,
		nullStr(payload), dl.ErrorMessage, nullStr(dl.ErrorStack), dl.AttemptsMade, dl.MaxAttempts,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		if _, perr := s.Prune(pctx); perr != nil {
			s.log.Debug("dlq prune skipped", logx.Err(perr))
		}
		cancel()
	}
	return err
}

// Recent returns the newest dead letters, optionally filtered by queue.
// A limit <= 0 defaults to 50.
func (s *Store) Recent(ctx context.Context, queueName string, limit int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT id, at, queue, job_id, job_name, COALESCE(payload,''), error_message, COALESCE(error_stack,''), attempts_made, max_attempts
	      FROM dead_letters`
	args := []any{}
	if queueName != "" {
		q += ` WHERE queue = ?`
		args = append(args, queueName)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var at string
		if err := rows.Scan(&e.ID, &at, &e.Queue, &e.JobID, &e.JobName, &e.Payload,
			&e.ErrorMessage, &e.ErrorStack, &e.AttemptsMade, &e.MaxAttempts); err != nil {
			return nil, err
		}
		if t, perr := time.Parse(time.RFC3339Nano, at); perr == nil {
			e.At = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune removes entries older than the configured retention and reports
// how many rows were deleted.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	cutoff := time.Now().Add(-s.retention).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count reports the number of stored dead letters, optionally per queue.
func (s *Store) Count(ctx context.Context, queueName string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	var n int64
	var err error
	if queueName == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters WHERE queue = ?`, queueName).Scan(&n)
	}
	return n, err
}

// Handler adapts the store to the queue manager's DLQ callback. Writes use
// their own short timeout so a slow disk cannot stall a worker.
func (s *Store) Handler() queue.DLQHandler {
	return func(dl queue.DeadLetter) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.Record(ctx, dl); err != nil {
			s.log.Error("dead letter not persisted",
				logx.String("queue", dl.Queue),
				logx.String("job_id", dl.JobID),
				logx.Err(err),
			)
		}
	}
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
