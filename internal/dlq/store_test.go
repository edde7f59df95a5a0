package dlq

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dispatchd/internal/queue"
	logx "dispatchd/pkg/logx"
)

func openTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "dlq.db")
	}
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sampleDeadLetter(jobID string) queue.DeadLetter {
	return queue.DeadLetter{
		Queue:        "reminders",
		JobID:        jobID,
		JobName:      "dispatch-due-reminders",
		Payload:      map[string]any{"correlationId": jobID},
		ErrorMessage: "downstream unavailable",
		ErrorStack:   "goroutine 1 [running]:",
		AttemptsMade: 3,
		MaxAttempts:  3,
	}
}

func TestRecordAndRecent(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, Config{})
	ctx := context.Background()

	for _, id := range []string{"reminder-1", "reminder-2", "reminder-3"} {
		if err := st.Record(ctx, sampleDeadLetter(id)); err != nil {
			t.Fatalf("Record(%s): %v", id, err)
		}
	}

	got, err := st.Recent(ctx, "", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent returned %d entries, want 2", len(got))
	}
	// Newest first.
	if got[0].JobID != "reminder-3" || got[1].JobID != "reminder-2" {
		t.Fatalf("order = %s, %s", got[0].JobID, got[1].JobID)
	}
	e := got[0]
	if e.Queue != "reminders" || e.JobName != "dispatch-due-reminders" {
		t.Fatalf("entry = %+v", e)
	}
	if e.AttemptsMade != 3 || e.MaxAttempts != 3 {
		t.Fatalf("attempts = %d/%d", e.AttemptsMade, e.MaxAttempts)
	}
	if !strings.Contains(e.Payload, "correlationId") {
		t.Fatalf("payload = %q", e.Payload)
	}
	if e.At.IsZero() || time.Since(e.At) > time.Minute {
		t.Fatalf("at = %v", e.At)
	}
}

func TestRecentFiltersByQueue(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, Config{})
	ctx := context.Background()

	dl := sampleDeadLetter("alarm-1")
	dl.Queue = "alarms"
	if err := st.Record(ctx, dl); err != nil {
		t.Fatal(err)
	}
	if err := st.Record(ctx, sampleDeadLetter("reminder-1")); err != nil {
		t.Fatal(err)
	}

	got, err := st.Recent(ctx, "alarms", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].JobID != "alarm-1" {
		t.Fatalf("filtered = %+v", got)
	}

	n, err := st.Count(ctx, "reminders")
	if err != nil || n != 1 {
		t.Fatalf("Count(reminders) = %d, %v", n, err)
	}
	n, err = st.Count(ctx, "")
	if err != nil || n != 2 {
		t.Fatalf("Count(all) = %d, %v", n, err)
	}
}

func TestPruneRemovesExpired(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, Config{Retention: time.Hour})
	ctx := context.Background()

	if err := st.Record(ctx, sampleDeadLetter("fresh")); err != nil {
		t.Fatal(err)
	}
	// Backdate one row past retention.
	old := time.Now().Add(-2 * time.Hour).Format(time.RFC3339Nano)
	if _, err := st.db.ExecContext(ctx,
		`INSERT INTO dead_letters(at, queue, job_id, job_name, error_message, attempts_made, max_attempts)
		 VALUES(?,?,?,?,?,?,?)`,
		old, "reminders", "stale", "dispatch-due-reminders", "x", 3, 3,
	); err != nil {
		t.Fatal(err)
	}

	n, err := st.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want 1", n)
	}
	left, err := st.Recent(ctx, "", 10)
	if err != nil || len(left) != 1 || left[0].JobID != "fresh" {
		t.Fatalf("remaining = %+v (%v)", left, err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{}, logx.Nop()); err == nil {
		t.Fatal("Open without path should fail")
	}
}

func TestClosedStoreErrors(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, Config{})
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	var nilStore *Store
	if err := nilStore.Record(context.Background(), sampleDeadLetter("x")); err != ErrClosed {
		t.Fatalf("nil store Record err = %v", err)
	}
	if err := nilStore.Close(); err != nil {
		t.Fatalf("nil store Close err = %v", err)
	}
}
