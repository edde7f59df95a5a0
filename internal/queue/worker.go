package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"dispatchd/internal/eventbus"
	logx "dispatchd/pkg/logx"
)

// runWorker is one worker goroutine's loop: blocking dequeue, process,
// retry-or-deadletter. Errors returned here make the supervisor restart
// the loop with backoff.
func (m *Manager) runWorker(ctx context.Context, e *queueEntry, idx int) error {
	log := m.log.With(logx.String("queue", e.name), logx.Int("worker", idx))
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.mu.Lock()
		b := m.broker
		m.mu.Unlock()
		if b == nil {
			return ctx.Err()
		}

		env, err := b.Dequeue(ctx, e.name, dequeueBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("dequeue: %w", err)
		}
		if env == nil {
			continue
		}
		// The job runs under e.jobCtx, not the loop ctx: canceling the
		// supervisor stops dequeueing but lets this job finish inside the
		// shutdown drain window.
		m.processJob(e.jobCtx, e, env, log)
	}
}

// runPromoter periodically moves due delayed jobs onto the pending list.
func (m *Manager) runPromoter(ctx context.Context, e *queueEntry) error {
	tick := time.NewTicker(promoteEvery)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}

		m.mu.Lock()
		b := m.broker
		m.mu.Unlock()
		if b == nil {
			return ctx.Err()
		}

		n, err := b.PromoteDue(ctx, e.name, promoteBatch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("promote: %w", err)
		}
		if n > 0 {
			m.log.Debug("delayed jobs promoted", logx.String("queue", e.name), logx.Int("count", n))
		}
	}
}

func (m *Manager) processJob(ctx context.Context, e *queueEntry, env *Envelope, log logx.Logger) {
	start := time.Now()
	attempt := env.Attempts + 1
	maxAttempts := env.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.opts.Attempts
	}

	err, stack := runProcessor(ctx, e.processor, env)
	dur := time.Since(start)

	if err == nil {
		log.Debug("job completed",
			logx.String("job", env.Name),
			logx.String("job_id", env.ID),
			logx.Duration("dur", dur),
			logx.Int("attempt", attempt),
		)
		m.publish(eventbus.TypeJobCompleted, JobEvent{
			Queue: e.name, ID: env.ID, Name: env.Name, Attempts: attempt, Duration: dur,
		})
		return
	}

	env.Attempts = attempt

	if attempt >= maxAttempts {
		log.Error("job exhausted attempts",
			logx.String("job", env.Name),
			logx.String("job_id", env.ID),
			logx.Int("attempts", attempt),
			logx.Int("max_attempts", maxAttempts),
			logx.Err(err),
		)
		dl := DeadLetter{
			Queue:        e.name,
			JobID:        env.ID,
			JobName:      env.Name,
			Payload:      env.Payload,
			ErrorMessage: err.Error(),
			ErrorStack:   stack,
			AttemptsMade: attempt,
			MaxAttempts:  maxAttempts,
		}
		m.invokeDLQ(dl)
		m.publish(eventbus.TypeJobDeadLetter, dl)
		return
	}

	delay := retryBackoff(m.cfg.BackoffBase, attempt)
	log.Warn("job failed; scheduling retry",
		logx.String("job", env.Name),
		logx.String("job_id", env.ID),
		logx.Int("attempt", attempt),
		logx.Int("max_attempts", maxAttempts),
		logx.Duration("delay", delay),
		logx.Err(err),
	)
	m.publish(eventbus.TypeJobFailed, JobEvent{
		Queue: e.name, ID: env.ID, Name: env.Name, Attempts: attempt, Duration: dur, Error: err.Error(),
	})

	m.mu.Lock()
	b := m.broker
	m.mu.Unlock()
	if b == nil {
		log.Warn("broker gone; retry dropped", logx.String("job_id", env.ID))
		return
	}
	if err := b.Enqueue(ctx, e.name, env, delay); err != nil {
		log.Error("retry enqueue failed", logx.String("job_id", env.ID), logx.Err(err))
	}
}

// runProcessor guards against processor panics: one bad job must not kill
// a worker.
func runProcessor(ctx context.Context, p Processor, env *Envelope) (err error, stack string) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			stack = string(debug.Stack())
		}
	}()
	return p(ctx, env), ""
}

// invokeDLQ calls the dead-letter handler at most once per exhausted job.
// Handler failures are swallowed: failure reporting must never loop on its
// own failures.
func (m *Manager) invokeDLQ(dl DeadLetter) {
	m.mu.Lock()
	h := m.dlqHandler
	m.mu.Unlock()
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("dead-letter handler panicked",
				logx.String("queue", dl.Queue),
				logx.String("job_id", dl.JobID),
				logx.Any("panic", r),
			)
		}
	}()
	h(dl)
}

func (m *Manager) publish(typ string, data any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// retryBackoff is a fixed exponential policy: base * 2^(attempt-1).
func retryBackoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > 5*time.Minute {
			return 5 * time.Minute
		}
	}
	return d
}
