// Package dispatch bridges periodic schedulers to the distributed queue.
//
// Each tick either enqueues a job envelope (distributed mode) or, when the
// queue manager is unavailable, runs the job processor directly in-process
// under its own timeout race (direct mode). Either way the tick handler
// returns quickly and never blocks unbounded.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"dispatchd/internal/queue"
	"dispatchd/internal/sched"
	logx "dispatchd/pkg/logx"
)

// DefaultDirectTimeout bounds direct-mode execution. Intentionally shorter
// than the outer scheduler timeout (55s) to leave headroom for the
// bridge's own bookkeeping.
const DefaultDirectTimeout = 25 * time.Second

// Job is the envelope handed to a ProcessFunc.
type Job struct {
	ID   string
	Data map[string]any
}

// ProcessFunc is the externally supplied job processor. Invoked by queue
// workers in distributed mode and synchronously (raced against a timeout)
// in direct mode; it must be safe to invoke twice for the same logical
// tick.
type ProcessFunc func(ctx context.Context, job Job) error

// Execution modes reported in Result.Data["mode"].
const (
	ModeDistributed = "distributed"
	ModeDirect      = "direct"
)

// Enqueuer is the slice of the queue manager the bridge needs.
type Enqueuer interface {
	Initialized() bool
	Enqueue(ctx context.Context, queue, jobName string, payload map[string]any, opts queue.EnqueueOptions) (string, error)
}

// Config identifies one bridged job type.
type Config struct {
	JobType       string // correlation id prefix, e.g. "reminder"
	QueueName     string
	JobName       string
	DirectTimeout time.Duration // default DefaultDirectTimeout
}

// Bridge implements the sched.Runner for one job type.
type Bridge struct {
	cfg     Config
	manager Enqueuer
	process ProcessFunc
	log     logx.Logger
}

func NewBridge(cfg Config, manager Enqueuer, process ProcessFunc, log logx.Logger) *Bridge {
	if cfg.DirectTimeout <= 0 {
		cfg.DirectTimeout = DefaultDirectTimeout
	}
	return &Bridge{
		cfg:     cfg,
		manager: manager,
		process: process,
		log:     log.With(logx.String("job_type", cfg.JobType)),
	}
}

// Execute is the tick body. Distributed mode returns as soon as the
// envelope is accepted by the broker; the work itself happens later in a
// queue worker. Direct mode runs the processor here, raced against
// DirectTimeout.
func (b *Bridge) Execute(ctx context.Context) (sched.Result, error) {
	corrID := b.correlationID()
	log := b.log.With(logx.String("correlation_id", corrID))

	payload := map[string]any{
		"correlationId": corrID,
		"scheduledAt":   time.Now().UTC().Format(time.RFC3339),
	}

	if b.manager != nil && b.manager.Initialized() {
		jobID, err := b.manager.Enqueue(ctx, b.cfg.QueueName, b.cfg.JobName, payload, queue.EnqueueOptions{
			JobID: corrID,
		})
		if err == nil && jobID != "" {
			log.Debug("tick enqueued", logx.String("queue", b.cfg.QueueName), logx.String("job_id", jobID))
			return sched.Result{
				Success: true,
				Message: fmt.Sprintf("enqueued on %s for distributed processing", b.cfg.QueueName),
				Data: map[string]any{
					"correlationId": corrID,
					"mode":          ModeDistributed,
					"jobId":         jobID,
				},
			}, nil
		}
		log.Warn("enqueue unavailable; falling back to direct execution", logx.Err(err))
	}

	return b.runDirect(ctx, corrID, payload, log), nil
}

// runDirect invokes the processor in-process, raced against DirectTimeout.
// A processor error is logged but reported as done: the processor owns its
// internal retry/error handling and the outer scheduler must not re-run a
// job that already ran.
func (b *Bridge) runDirect(ctx context.Context, corrID string, payload map[string]any, log logx.Logger) sched.Result {
	start := time.Now()
	dctx, cancel := context.WithTimeout(ctx, b.cfg.DirectTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- runProcess(dctx, b.process, Job{ID: corrID, Data: payload})
	}()

	select {
	case err := <-done:
		dur := time.Since(start)
		if err != nil {
			log.Error("direct execution failed", logx.Duration("dur", dur), logx.Err(err))
		} else {
			log.Debug("direct execution completed", logx.Duration("dur", dur))
		}
		return sched.Result{
			Success: true,
			Message: "direct execution completed",
			Data: map[string]any{
				"correlationId": corrID,
				"mode":          ModeDirect,
			},
		}
	case <-dctx.Done():
		// The straggling processor is abandoned, not killed; it keeps
		// running in the background until it observes ctx cancellation.
		log.Warn("direct execution timed out; abandoning",
			logx.Duration("timeout", b.cfg.DirectTimeout),
		)
		return sched.Result{
			Success: true,
			Message: fmt.Sprintf("direct execution timed out after %dms", b.cfg.DirectTimeout.Milliseconds()),
			Data: map[string]any{
				"correlationId": corrID,
				"mode":          ModeDirect,
				"timedOut":      true,
			},
		}
	}
}

func runProcess(ctx context.Context, p ProcessFunc, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p(ctx, job)
}

// correlationID is deterministic per tick: job type plus the tick's
// timestamp. The same tick firing twice maps to the same id, which the
// queue manager's duplicate suppression then collapses.
func (b *Bridge) correlationID() string {
	return fmt.Sprintf("%s-%d", b.cfg.JobType, time.Now().UnixMilli())
}
