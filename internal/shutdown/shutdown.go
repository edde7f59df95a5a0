// Package shutdown sequences process-wide graceful shutdown into named
// phases. Phases run in registration order; a failed or timed-out phase is
// logged and never aborts the remaining phases.
package shutdown

import (
	"context"
	"fmt"
	"sync"
	"time"

	logx "dispatchd/pkg/logx"
)

// DefaultPhaseTimeout bounds a phase that registered without its own.
const DefaultPhaseTimeout = 30 * time.Second

type PhaseFunc func(ctx context.Context) error

type phase struct {
	name    string
	fn      PhaseFunc
	timeout time.Duration
}

type Orchestrator struct {
	log logx.Logger

	mu     sync.Mutex
	phases []phase
	done   bool
}

func New(log logx.Logger) *Orchestrator {
	return &Orchestrator{log: log.With(logx.String("comp", "shutdown"))}
}

type PhaseOption func(*phase)

func WithTimeout(d time.Duration) PhaseOption {
	return func(p *phase) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// Register appends a named phase. Registration order is execution order.
func (o *Orchestrator) Register(name string, fn PhaseFunc, opts ...PhaseOption) {
	if fn == nil {
		return
	}
	p := phase{name: name, fn: fn, timeout: DefaultPhaseTimeout}
	for _, opt := range opts {
		opt(&p)
	}
	o.mu.Lock()
	o.phases = append(o.phases, p)
	o.mu.Unlock()
}

// Run executes all phases sequentially. Idempotent: a second call is a
// no-op. Always returns; never by panic and never early.
func (o *Orchestrator) Run(ctx context.Context) {
	o.mu.Lock()
	if o.done {
		o.mu.Unlock()
		return
	}
	o.done = true
	phases := make([]phase, len(o.phases))
	copy(phases, o.phases)
	o.mu.Unlock()

	for _, p := range phases {
		start := time.Now()
		err := o.runPhase(ctx, p)
		dur := time.Since(start)
		if err != nil {
			o.log.Warn("shutdown phase failed",
				logx.String("phase", p.name),
				logx.Duration("dur", dur),
				logx.Err(err),
			)
			continue
		}
		o.log.Debug("shutdown phase completed", logx.String("phase", p.name), logx.Duration("dur", dur))
	}
	o.log.Info("shutdown complete", logx.Int("phases", len(phases)))
}

func (o *Orchestrator) runPhase(ctx context.Context, p phase) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{name: p.name, val: r}
		}
	}()
	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.fn(pctx)
}

type panicError struct {
	name string
	val  any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic in phase %s: %v", e.name, e.val)
}
