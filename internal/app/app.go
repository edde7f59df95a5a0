// Package app wires the dispatchd process: config, logging, the queue
// manager, the DLQ store, the alert channel, and the two dispatch
// schedulers, plus the phased shutdown that unwinds them in order.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"dispatchd/internal/alert"
	"dispatchd/internal/config"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/dlq"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/ops"
	"dispatchd/internal/queue"
	rtsup "dispatchd/internal/runtime/supervisor"
	"dispatchd/internal/sched"
	"dispatchd/internal/shutdown"
	logx "dispatchd/pkg/logx"
)

// Processors are the externally supplied job handlers, one per bridged
// job type. They run inside queue workers (distributed path) and inside
// the bridge itself (direct path), so they must tolerate being invoked
// twice for the same logical tick.
type Processors struct {
	Reminder dispatch.ProcessFunc
	Alarm    dispatch.ProcessFunc
}

type App struct {
	cfgPath string
	procs   Processors

	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus
	orch *shutdown.Orchestrator

	manager *queue.Manager
	store   *dlq.Store
	alerts  *alert.Service
	opsSrv  *ops.Service

	reminders *sched.Scheduler
	alarms    *sched.Scheduler

	// sup owns the config watcher/reload loop and the watchdog ticker.
	sup *rtsup.Supervisor
}

func New(cfgPath string, procs Processors) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()
	orch := shutdown.New(log)

	a := &App{
		cfgPath: cfgPath,
		procs:   procs,
		cfgm:    cfgm,
		logs:    logSvc,
		log:     log,
		bus:     bus,
		orch:    orch,
	}

	qcfg, err := mapQueueConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.manager = queue.New(qcfg, log.With(logx.String("comp", "queue")), bus, orch)

	if cfg.DLQ != nil && strings.TrimSpace(cfg.DLQ.Path) != "" {
		dcfg, err := mapDLQConfig(cfg.DLQ)
		if err != nil {
			return nil, err
		}
		store, err := dlq.Open(dcfg, log.With(logx.String("comp", "dlq")))
		if err != nil {
			return nil, fmt.Errorf("open dlq store: %w", err)
		}
		a.store = store
		a.manager.SetDLQHandler(store.Handler())
	}

	if ac := cfg.Alert; ac != nil && ac.Enabled {
		sender, err := alert.NewTelegramSender(alert.TelegramConfig{
			Token:    ac.Token,
			ChatID:   ac.ChatID,
			ThreadID: ac.ThreadID,
		})
		if err != nil {
			return nil, fmt.Errorf("alert sender: %w", err)
		}
		a.alerts = alert.New(alert.Config{
			Enabled:    true,
			RatePerSec: ac.RatePerSec,
			QueueSize:  ac.QueueSize,
		}, sender, log, bus)
	}

	remCfg, err := mapSchedulerConfig("schedulers.reminder", cfg.Schedulers.Reminder)
	if err != nil {
		return nil, err
	}
	alarmCfg, err := mapSchedulerConfig("schedulers.alarm", cfg.Schedulers.Alarm)
	if err != nil {
		return nil, err
	}
	schedLog := log.With(logx.String("comp", "sched"))
	a.reminders = dispatch.NewReminderScheduler(remCfg, a.manager, procs.Reminder, schedLog, bus)
	a.alarms = dispatch.NewAlarmScheduler(alarmCfg, a.manager, procs.Alarm, schedLog, bus)

	if oc, err := mapOpsConfig(cfg.Ops); err != nil {
		return nil, err
	} else if oc.Enabled {
		a.opsSrv = ops.New(oc, ops.Sources{
			Schedulers: []*sched.Scheduler{a.reminders, a.alarms},
			Manager:    a.manager,
			Store:      a.store,
		}, log)
	}

	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	// Shutdown phase order: stop ticking first, then drain queues (the
	// manager registers its own phase in Init), then the services the
	// drain may still feed.
	a.orch.Register("schedulers", func(c context.Context) error {
		a.reminders.Stop()
		a.alarms.Stop()
		return nil
	}, shutdown.WithTimeout(5*time.Second))

	a.manager.Init(ctx)
	if a.manager.Initialized() {
		if err := a.manager.RegisterQueue(dispatch.QueueReminders, envelopeProcessor(a.procs.Reminder), queue.QueueOptions{}); err != nil {
			return err
		}
		if err := a.manager.RegisterQueue(dispatch.QueueAlarms, envelopeProcessor(a.procs.Alarm), queue.QueueOptions{}); err != nil {
			return err
		}
	}

	if a.opsSrv != nil {
		a.opsSrv.Start(ctx)
		a.orch.Register("ops", a.opsSrv.Shutdown, shutdown.WithTimeout(3*time.Second))
	}
	if a.alerts != nil {
		a.alerts.Start(ctx)
		a.orch.Register("alert", a.alerts.Shutdown, shutdown.WithTimeout(5*time.Second))
	}
	if a.store != nil {
		a.orch.Register("dlq", func(context.Context) error {
			return a.store.Close()
		}, shutdown.WithTimeout(2*time.Second))
	}
	a.orch.Register("watchers", func(c context.Context) error {
		a.sup.Cancel()
		return a.sup.Wait(c)
	}, shutdown.WithTimeout(3*time.Second))

	a.reminders.Start()
	a.alarms.Start()

	a.sup.Go("config.watch", a.cfgm.Watch)
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	a.notifySystemd()

	a.log.Info("dispatchd started",
		logx.Bool("queue_initialized", a.manager.Initialized()),
		logx.Bool("dlq_enabled", a.store != nil),
		logx.Bool("alerts_enabled", a.alerts != nil),
	)
	if a.alerts != nil {
		a.alerts.Notify("dispatchd started")
	}
	return nil
}

// Stop runs the phased shutdown. Safe to call more than once; the
// orchestrator makes later calls no-ops.
func (a *App) Stop(ctx context.Context) {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")
	a.orch.Run(ctx)
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// Healthy reports whether both schedulers are below the error-rate threshold.
func (a *App) Healthy() bool {
	return a.reminders.Healthy() && a.alarms.Healthy()
}

// reloadLoop applies hot config changes. Only logging is applied live;
// broker, queue, and scheduler changes need a restart and are logged as
// such.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest revision.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}

			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})

			for _, s := range sections {
				if s != "logging" {
					a.log.Warn("config section changed; restart required to take effect",
						logx.String("section", s))
				}
			}

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

// notifySystemd reports readiness and starts the watchdog ticker when the
// process runs under systemd. Both calls no-op outside systemd.
func (a *App) notifySystemd() {
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				if a.Healthy() {
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				}
			}
		}
	})
}

// envelopeProcessor adapts a dispatch.ProcessFunc to the queue worker
// contract.
func envelopeProcessor(p dispatch.ProcessFunc) queue.Processor {
	return func(ctx context.Context, env *queue.Envelope) error {
		if p == nil {
			return nil
		}
		return p(ctx, dispatch.Job{ID: env.ID, Data: env.Payload})
	}
}
