package sched

import (
	"context"
	"time"
)

// Operational thresholds. These encode tuning knowledge: keep them named
// and overridable via Config rather than inlined.
const (
	DefaultRetryDelay       = time.Second
	DefaultTimeout          = 5 * time.Minute
	DefaultSlowRunThreshold = 5 * time.Second
	DefaultSummaryEvery     = 300
	DefaultSampleWindow     = 300
)

// Runner is the unit of work a Scheduler executes on each tick.
//
// It either returns a Result (Success may still be false) or an error.
// A context deadline is always attached; runners that outlive it are
// abandoned, not killed, so they must not corrupt shared state.
type Runner func(ctx context.Context) (Result, error)

// Config controls one Scheduler. Immutable after New().
type Config struct {
	Name    string // stable job name, e.g. "reminder-dispatch"
	Service string // owning service in multi-service deployments
	Spec    string // cron expression

	Enabled    bool
	RunOnStart bool

	MaxRetries   int           // extra attempts after the first (default 0)
	RetryDelay   time.Duration // sleep between attempts (default 1s)
	Timeout      time.Duration // per-attempt hard limit (default 5m)
	InitialDelay time.Duration // suppress ticks fired earlier than this after Start

	SlowRunThreshold time.Duration // warn when a successful run exceeds this (default 5s)
	SummaryEvery     uint64        // emit a stats summary every N runs (default 300)
	SampleWindow     int           // rolling duration samples kept for p95 (default 300)
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.SlowRunThreshold <= 0 {
		c.SlowRunThreshold = DefaultSlowRunThreshold
	}
	if c.SummaryEvery == 0 {
		c.SummaryEvery = DefaultSummaryEvery
	}
	if c.SampleWindow <= 0 {
		c.SampleWindow = DefaultSampleWindow
	}
	return c
}

// Status is the lifecycle state of a Scheduler.
type Status int

const (
	StatusStopped Status = iota
	StatusRunning
	StatusPaused
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	default:
		return "stopped"
	}
}

// Result describes the outcome of one execution. Immutable once produced;
// consumed only for logging and statistics.
type Result struct {
	Success  bool
	Message  string
	Data     map[string]any
	Duration time.Duration
}

// Info is a read-only projection of a Scheduler's state and counters.
type Info struct {
	Name            string        `json:"name"`
	Service         string        `json:"service"`
	Spec            string        `json:"spec"`
	Status          string        `json:"status"`
	LastRunAt       time.Time     `json:"last_run_at"`
	LastRunDuration time.Duration `json:"last_run_duration"`
	LastRunSuccess  bool          `json:"last_run_success"`
	NextRunAt       time.Time     `json:"next_run_at"` // zero when not running
	RunCount        uint64        `json:"run_count"`
	ErrorCount      uint64        `json:"error_count"`
}

// Summary is published on the event bus every SummaryEvery runs.
type Summary struct {
	Name        string        `json:"name"`
	RunCount    uint64        `json:"run_count"`
	ErrorCount  uint64        `json:"error_count"`
	AvgDuration time.Duration `json:"avg_duration"`
	MaxDuration time.Duration `json:"max_duration"`
	P95Duration time.Duration `json:"p95_duration"`
}
