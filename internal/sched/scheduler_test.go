package sched

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	logx "dispatchd/pkg/logx"
)

func testConfig(name string) Config {
	return Config{
		Name:       name,
		Service:    "test",
		Spec:       "* * * * *",
		Enabled:    true,
		RetryDelay: 10 * time.Millisecond,
		Timeout:    time.Second,
	}
}

func TestRetryBound(t *testing.T) {
	t.Parallel()
	var calls int32
	run := func(ctx context.Context) (Result, error) {
		atomic.AddInt32(&calls, 1)
		return Result{}, errors.New("boom")
	}

	cfg := testConfig("retry-bound")
	cfg.MaxRetries = 2
	s := New(cfg, run, logx.Nop(), nil)

	res := s.TriggerNow(context.Background())
	if res.Success {
		t.Fatal("expected failed result")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("runner invoked %d times, want 3", got)
	}
	if !strings.Contains(res.Message, "boom") {
		t.Fatalf("unexpected message: %q", res.Message)
	}
	if info := s.Info(); info.ErrorCount == 0 {
		t.Fatal("expected error count to be recorded")
	}
}

func TestUnsuccessfulResultRetriesWithoutErrorCount(t *testing.T) {
	t.Parallel()
	var calls int32
	run := func(ctx context.Context) (Result, error) {
		atomic.AddInt32(&calls, 1)
		return Result{Success: false, Message: "nope"}, nil
	}

	cfg := testConfig("soft-fail")
	cfg.MaxRetries = 1
	s := New(cfg, run, logx.Nop(), nil)

	res := s.TriggerNow(context.Background())
	if res.Success {
		t.Fatal("expected failed result")
	}
	if res.Message != "nope" {
		t.Fatalf("Message = %q, want %q", res.Message, "nope")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("runner invoked %d times, want 2", got)
	}
	if info := s.Info(); info.ErrorCount != 0 {
		t.Fatalf("ErrorCount = %d, want 0 (no thrown error)", info.ErrorCount)
	}
}

func TestTimeoutEnforcement(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	// Runner never resolves: it ignores ctx entirely.
	run := func(ctx context.Context) (Result, error) {
		<-block
		return Result{Success: true}, nil
	}

	cfg := testConfig("timeout")
	cfg.Timeout = time.Second
	s := New(cfg, run, logx.Nop(), nil)

	start := time.Now()
	res := s.TriggerNow(context.Background())
	elapsed := time.Since(start)

	if res.Success {
		t.Fatal("expected failed result")
	}
	if !strings.Contains(res.Message, "timed out after 1000ms") {
		t.Fatalf("unexpected message: %q", res.Message)
	}
	if elapsed > 3*time.Second {
		t.Fatalf("run loop hung for %v", elapsed)
	}
	if info := s.Info(); info.ErrorCount != 1 {
		t.Fatalf("ErrorCount = %d, want 1", info.ErrorCount)
	}
}

func TestStartIdempotent(t *testing.T) {
	t.Parallel()
	run := func(ctx context.Context) (Result, error) { return Result{Success: true}, nil }
	s := New(testConfig("idempotent"), run, logx.Nop(), nil)

	s.Start()
	if s.Status() != StatusRunning {
		t.Fatalf("Status = %v, want running", s.Status())
	}
	s.mu.Lock()
	first := s.c
	s.mu.Unlock()

	s.Start()
	s.mu.Lock()
	second := s.c
	s.mu.Unlock()
	if first != second {
		t.Fatal("second Start replaced the trigger")
	}

	s.Stop()
	if s.Status() != StatusStopped {
		t.Fatalf("Status = %v, want stopped", s.Status())
	}
	s.Stop() // idempotent
}

func TestStartInvalidSpec(t *testing.T) {
	t.Parallel()
	run := func(ctx context.Context) (Result, error) { return Result{Success: true}, nil }
	cfg := testConfig("bad-spec")
	cfg.Spec = "not a cron"
	s := New(cfg, run, logx.Nop(), nil)

	s.Start()
	if s.Status() != StatusStopped {
		t.Fatalf("Status = %v, want stopped for invalid spec", s.Status())
	}
}

func TestStartDisabled(t *testing.T) {
	t.Parallel()
	run := func(ctx context.Context) (Result, error) { return Result{Success: true}, nil }
	cfg := testConfig("disabled")
	cfg.Enabled = false
	s := New(cfg, run, logx.Nop(), nil)

	s.Start()
	if s.Status() != StatusStopped {
		t.Fatalf("Status = %v, want stopped when disabled", s.Status())
	}
}

func TestHealthThreshold(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		runs    uint64
		errs    uint64
		status  Status
		healthy bool
	}{
		{name: "minority failing", runs: 10, errs: 4, status: StatusRunning, healthy: true},
		{name: "majority failing", runs: 10, errs: 6, status: StatusRunning, healthy: false},
		{name: "exactly half failing", runs: 10, errs: 5, status: StatusRunning, healthy: false},
		{name: "no runs yet", runs: 0, errs: 0, status: StatusRunning, healthy: true},
		{name: "stopped is always healthy", runs: 10, errs: 9, status: StatusStopped, healthy: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			run := func(ctx context.Context) (Result, error) { return Result{Success: true}, nil }
			s := New(testConfig("health"), run, logx.Nop(), nil)
			s.mu.Lock()
			s.status = tt.status
			s.mu.Unlock()
			s.stats.mu.Lock()
			s.stats.runCount = tt.runs
			s.stats.errorCount = tt.errs
			s.stats.mu.Unlock()

			if got := s.Healthy(); got != tt.healthy {
				t.Fatalf("Healthy() = %v, want %v", got, tt.healthy)
			}
		})
	}
}

func TestInitialDelaySuppressesTicks(t *testing.T) {
	t.Parallel()
	var calls int32
	run := func(ctx context.Context) (Result, error) {
		atomic.AddInt32(&calls, 1)
		return Result{Success: true}, nil
	}

	cfg := testConfig("initial-delay")
	cfg.InitialDelay = time.Hour
	s := New(cfg, run, logx.Nop(), nil)
	s.Start()
	defer s.Stop()

	s.onTick()
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Fatalf("runner invoked %d times during initial delay, want 0", got)
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	var calls int32
	run := func(ctx context.Context) (Result, error) {
		atomic.AddInt32(&calls, 1)
		return Result{Success: true}, nil
	}

	s := New(testConfig("pause"), run, logx.Nop(), nil)

	// Resume before Start is a no-op: paused is only reachable from running.
	s.Resume()
	if s.Status() != StatusStopped {
		t.Fatalf("Status = %v, want stopped", s.Status())
	}
	// Pause while stopped is a no-op too.
	s.Pause()
	if s.Status() != StatusStopped {
		t.Fatalf("Status = %v, want stopped", s.Status())
	}

	s.Start()
	defer s.Stop()
	s.Pause()
	if s.Status() != StatusPaused {
		t.Fatalf("Status = %v, want paused", s.Status())
	}

	// Ticks while paused are discarded.
	s.onTick()
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Fatalf("runner invoked %d times while paused, want 0", got)
	}

	s.Resume()
	if s.Status() != StatusRunning {
		t.Fatalf("Status = %v, want running", s.Status())
	}
}

func TestRunOnStart(t *testing.T) {
	t.Parallel()
	ran := make(chan struct{}, 1)
	run := func(ctx context.Context) (Result, error) {
		select {
		case ran <- struct{}{}:
		default:
		}
		return Result{Success: true}, nil
	}

	cfg := testConfig("run-on-start")
	cfg.RunOnStart = true
	s := New(cfg, run, logx.Nop(), nil)
	s.Start()
	defer s.Stop()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("RunOnStart did not trigger an immediate run")
	}
}

func TestInfoNextRun(t *testing.T) {
	t.Parallel()
	run := func(ctx context.Context) (Result, error) { return Result{Success: true}, nil }
	s := New(testConfig("info"), run, logx.Nop(), nil)

	if got := s.Info().NextRunAt; !got.IsZero() {
		t.Fatalf("NextRunAt = %v before Start, want zero", got)
	}

	s.Start()
	defer s.Stop()

	next := s.Info().NextRunAt
	if next.IsZero() {
		t.Fatal("NextRunAt is zero while running")
	}
	if until := time.Until(next); until <= 0 || until > time.Minute+time.Second {
		t.Fatalf("NextRunAt %v not within the next minute", next)
	}
}

func TestStatsP95(t *testing.T) {
	t.Parallel()
	var st stats
	st.init(10)
	for i := 1; i <= 20; i++ {
		st.record(time.Duration(i)*time.Millisecond, true)
	}
	// Window keeps the last 10 samples (11ms..20ms).
	got := st.summary("x").P95Duration
	if got < 11*time.Millisecond || got > 20*time.Millisecond {
		t.Fatalf("P95 = %v, want within rolling window", got)
	}
}
