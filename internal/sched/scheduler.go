package sched

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"dispatchd/internal/eventbus"
	logx "dispatchd/pkg/logx"
)

// Scheduler drives one Runner from a single cron trigger.
//
// Construct with New, then Start. All methods are safe for concurrent use.
type Scheduler struct {
	cfg Config
	run Runner
	log logx.Logger
	bus eventbus.Bus

	parser cron.Parser

	mu        sync.Mutex
	status    Status
	c         *cron.Cron
	sched     cron.Schedule
	startedAt time.Time

	stats stats
}

func New(cfg Config, run Runner, log logx.Logger, bus eventbus.Bus) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:    cfg,
		run:    run,
		log:    log.With(logx.String("scheduler", cfg.Name), logx.String("service", cfg.Service)),
		bus:    bus,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	s.stats.init(cfg.SampleWindow)
	return s
}

func (s *Scheduler) Name() string { return s.cfg.Name }

// Start validates the cron spec and registers the trigger. An invalid spec
// is logged and the scheduler stays stopped (non-fatal). Calling Start on a
// running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.Enabled {
		s.log.Debug("scheduler disabled; not starting")
		return
	}
	if s.status == StatusRunning {
		s.log.Debug("scheduler already running")
		return
	}
	if s.status == StatusPaused {
		s.log.Warn("scheduler is paused; use Resume")
		return
	}
	if s.run == nil {
		s.log.Error("scheduler has no runner; not starting")
		return
	}

	sched, err := s.parser.Parse(s.cfg.Spec)
	if err != nil {
		s.log.Error("invalid cron spec; scheduler not started", logx.String("spec", s.cfg.Spec), logx.Err(err))
		return
	}

	s.sched = sched
	s.startedAt = time.Now()
	s.c = cron.New(cron.WithParser(s.parser))
	s.c.Schedule(sched, cron.FuncJob(s.onTick))
	s.c.Start()
	s.status = StatusRunning

	s.log.Info("scheduler started",
		logx.String("spec", s.cfg.Spec),
		logx.Time("next", sched.Next(s.startedAt)),
		logx.Duration("initial_delay", s.cfg.InitialDelay),
		logx.Bool("run_on_start", s.cfg.RunOnStart),
	)

	if s.cfg.RunOnStart {
		go func() { _ = s.runLoop(context.Background()) }()
	}
}

// onTick is invoked by the cron trigger. It must return quickly: the actual
// run happens in its own goroutine so the trigger timer is never blocked.
func (s *Scheduler) onTick() {
	s.mu.Lock()
	status := s.status
	startedAt := s.startedAt
	initialDelay := s.cfg.InitialDelay
	s.mu.Unlock()

	if status != StatusRunning {
		return
	}
	if initialDelay > 0 && time.Since(startedAt) < initialDelay {
		s.log.Debug("tick suppressed during initial delay", logx.Duration("since_start", time.Since(startedAt)))
		return
	}

	go func() { _ = s.runLoop(context.Background()) }()
}

// Stop cancels the trigger. Idempotent. Accumulated statistics are kept.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusStopped {
		return
	}
	if s.c != nil {
		// Stop prevents future fires; in-flight runs finish on their own
		// timeout and are not waited for here.
		s.c.Stop()
		s.c = nil
	}
	s.sched = nil
	s.status = StatusStopped
	s.log.Info("scheduler stopped")
}

// Pause suspends tick dispatch without losing statistics. Only effective
// while running.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusRunning {
		return
	}
	// The cron entry keeps firing; onTick discards ticks while paused.
	s.status = StatusPaused
	s.log.Info("scheduler paused")
}

// Resume re-enables tick dispatch. Only effective while paused.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusPaused {
		return
	}
	s.status = StatusRunning
	s.log.Info("scheduler resumed")
}

// TriggerNow runs the execution loop immediately, bypassing the trigger.
func (s *Scheduler) TriggerNow(ctx context.Context) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.runLoop(ctx)
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Healthy reports false only once a majority of attempted runs are failing.
func (s *Scheduler) Healthy() bool {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	if status != StatusRunning {
		return true
	}

	runs, errs := s.stats.counts()
	if runs == 0 {
		return true
	}
	return float64(errs)/float64(runs) < 0.5
}

// Info returns a read-only snapshot. NextRunAt is computed from the parsed
// cron schedule and is zero when the scheduler is not running.
func (s *Scheduler) Info() Info {
	s.mu.Lock()
	status := s.status
	sched := s.sched
	s.mu.Unlock()

	info := Info{
		Name:    s.cfg.Name,
		Service: s.cfg.Service,
		Spec:    s.cfg.Spec,
		Status:  status.String(),
	}
	if status != StatusStopped && sched != nil {
		info.NextRunAt = sched.Next(time.Now())
	}
	s.stats.fill(&info)
	return info
}
