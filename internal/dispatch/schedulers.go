package dispatch

import (
	"time"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/queue"
	"dispatchd/internal/sched"
	logx "dispatchd/pkg/logx"
)

// Queue names owned by the dispatch layer.
const (
	QueueReminders = "reminders"
	QueueAlarms    = "alarms"
)

// Outer scheduler tuning for the minute-cadence dispatchers. The 55s
// timeout leaves headroom over the bridge's 25s direct timeout, and the
// initial delay guards against ticks firing mid-deploy before dependent
// services are ready.
const (
	dispatchSpec         = "* * * * *"
	dispatchTimeout      = 55 * time.Second
	dispatchInitialDelay = time.Minute
)

// NewReminderScheduler builds the scheduler that dispatches due reminders
// once a minute, via the queue when available.
func NewReminderScheduler(cfg sched.Config, m *queue.Manager, process ProcessFunc, log logx.Logger, bus eventbus.Bus) *sched.Scheduler {
	bridge := NewBridge(Config{
		JobType:   "reminder",
		QueueName: QueueReminders,
		JobName:   "dispatch-due-reminders",
	}, enqueuer(m), process, log)
	return sched.New(dispatchDefaults(cfg, "reminder-dispatch"), bridge.Execute, log, bus)
}

// NewAlarmScheduler builds the scheduler that dispatches due alarms once a
// minute, via the queue when available.
func NewAlarmScheduler(cfg sched.Config, m *queue.Manager, process ProcessFunc, log logx.Logger, bus eventbus.Bus) *sched.Scheduler {
	bridge := NewBridge(Config{
		JobType:   "alarm",
		QueueName: QueueAlarms,
		JobName:   "dispatch-due-alarms",
	}, enqueuer(m), process, log)
	return sched.New(dispatchDefaults(cfg, "alarm-dispatch"), bridge.Execute, log, bus)
}

// enqueuer keeps a nil *queue.Manager from becoming a non-nil interface.
func enqueuer(m *queue.Manager) Enqueuer {
	if m == nil {
		return nil
	}
	return m
}

func dispatchDefaults(cfg sched.Config, name string) sched.Config {
	if cfg.Name == "" {
		cfg.Name = name
	}
	if cfg.Spec == "" {
		cfg.Spec = dispatchSpec
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = dispatchTimeout
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = dispatchInitialDelay
	}
	return cfg
}
