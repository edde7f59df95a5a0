package sched

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dispatchd/internal/eventbus"
	logx "dispatchd/pkg/logx"
)

// runLoop is the retrying wrapper around the Runner: one call per tick (or
// TriggerNow), up to MaxRetries+1 attempts, each raced against Timeout.
//
// Failures are reported in the Result, never escalated; a failed run does
// not stop future ticks.
func (s *Scheduler) runLoop(ctx context.Context) Result {
	start := time.Now()
	runNo := s.stats.beginRun()

	maxAttempts := s.cfg.MaxRetries + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := s.executeWithTimeout(ctx)

		if err == nil && res.Success {
			res.Duration = time.Since(start)
			s.finishRun(runNo, res.Duration, true)
			return res
		}

		if err == nil {
			// Returned but unsuccessful: retryable, but not counted as a
			// thrown error.
			s.log.Warn("run reported failure",
				logx.Int("attempt", attempt),
				logx.Int("max_attempts", maxAttempts),
				logx.String("message", res.Message),
			)
			if attempt < maxAttempts {
				if !s.sleepRetry(ctx) {
					break
				}
				continue
			}
			res.Duration = time.Since(start)
			s.finishRun(runNo, res.Duration, false)
			return res
		}

		// Thrown error (including timeout).
		s.stats.noteError()
		s.log.Error("run failed",
			logx.Int("attempt", attempt),
			logx.Int("max_attempts", maxAttempts),
			logx.Duration("elapsed", time.Since(start)),
			logx.Err(err),
		)
		if attempt >= maxAttempts {
			dur := time.Since(start)
			s.finishRun(runNo, dur, false)
			return Result{Success: false, Message: err.Error(), Duration: dur}
		}
		if !s.sleepRetry(ctx) {
			break
		}
	}

	dur := time.Since(start)
	s.finishRun(runNo, dur, false)
	return Result{Success: false, Message: "max retries exceeded", Duration: dur}
}

// executeWithTimeout races the Runner against the configured timeout. A
// runner that loses the race is abandoned (its goroutine keeps running
// until it observes ctx cancellation), and the attempt counts as failed.
func (s *Scheduler) executeWithTimeout(ctx context.Context) (Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := s.run(runCtx)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%s timed out after %dms", s.cfg.Name, s.cfg.Timeout.Milliseconds())
		}
		return Result{}, runCtx.Err()
	}
}

// sleepRetry waits RetryDelay between attempts. Returns false when ctx is
// canceled during the wait.
func (s *Scheduler) sleepRetry(ctx context.Context) bool {
	tmr := time.NewTimer(s.cfg.RetryDelay)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-tmr.C:
		return true
	}
}

// finishRun records duration statistics and emits the per-run log line:
// warn for slow runs, a summary every SummaryEvery runs, debug otherwise.
func (s *Scheduler) finishRun(runNo uint64, dur time.Duration, success bool) {
	s.stats.record(dur, success)

	if !success {
		return
	}

	if dur >= s.cfg.SlowRunThreshold {
		s.log.Warn("slow run", logx.Duration("dur", dur), logx.Duration("threshold", s.cfg.SlowRunThreshold))
		return
	}

	if runNo%s.cfg.SummaryEvery == 0 {
		sum := s.stats.summary(s.cfg.Name)
		s.log.Info("run summary",
			logx.Uint64("runs", sum.RunCount),
			logx.Uint64("errors", sum.ErrorCount),
			logx.Duration("avg", sum.AvgDuration),
			logx.Duration("max", sum.MaxDuration),
			logx.Duration("p95", sum.P95Duration),
		)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeRunSummary, Data: sum})
		}
		return
	}

	s.log.Debug("run completed", logx.Duration("dur", dur))
}
