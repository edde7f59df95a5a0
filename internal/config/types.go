package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Broker configures the Redis connection backing the durable queues.
	// When the section is omitted (or has no URL and no cluster nodes) the
	// queue layer stays uninitialized and schedulers run jobs directly.
	Broker *BrokerConfig `json:"broker,omitempty"`

	// Queue controls worker execution for all registered queues.
	Queue QueueConfig `json:"queue"`

	// Schedulers holds the per-job-type scheduler blocks. Omitted fields
	// fall back to the dispatch defaults (minute cadence, 55s timeout).
	Schedulers SchedulersConfig `json:"schedulers"`

	DLQ   *DLQConfig   `json:"dlq,omitempty"`
	Alert *AlertConfig `json:"alert,omitempty"`
	Ops   *OpsConfig   `json:"ops,omitempty"`
}

// OpsConfig controls the operational HTTP server (status + pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - A non-loopback bind requires a token or explicit allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0
	// (disabled) so /debug/pprof/profile (30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// BrokerConfig selects between a single Redis node (URL) and a cluster
// (ClusterNodes). When both are set, ClusterNodes wins.
type BrokerConfig struct {
	URL          string   `json:"url,omitempty"`
	ClusterNodes []string `json:"cluster_nodes,omitempty"`
	Password     string   `json:"password,omitempty"`
	TLS          bool     `json:"tls,omitempty"`
}

// QueueConfig controls queue worker execution.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - concurrency: 1
//   - attempts: 3
//   - backoff_base: "2s"
//   - drain_timeout: "15s"
type QueueConfig struct {
	Concurrency int `json:"concurrency,omitempty"`
	Attempts    int `json:"attempts,omitempty"`

	// BackoffBase is the first retry delay; later retries double it.
	BackoffBase string `json:"backoff_base,omitempty"`

	// DrainTimeout bounds how long shutdown waits for in-flight jobs.
	DrainTimeout string `json:"drain_timeout,omitempty"`

	// Production promotes the missing-broker warning from debug to warn.
	Production bool `json:"production,omitempty"`
}

type SchedulersConfig struct {
	Reminder SchedulerConfig `json:"reminder"`
	Alarm    SchedulerConfig `json:"alarm"`
}

// SchedulerConfig is one scheduler block. Spec is a five-field cron
// expression or a descriptor like "@hourly".
type SchedulerConfig struct {
	Enabled    bool   `json:"enabled"`
	Spec       string `json:"spec,omitempty"`
	RunOnStart bool   `json:"run_on_start,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`

	// Go duration strings; zero values use the dispatch defaults.
	RetryDelay   string `json:"retry_delay,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
	InitialDelay string `json:"initial_delay,omitempty"`
}

// DLQConfig controls the sqlite dead-letter store.
//
// Example:
//
//	"dlq": { "path": "./dispatchd_dlq.db", "retention": "168h" }
type DLQConfig struct {
	Path        string `json:"path"`
	Retention   string `json:"retention,omitempty"`    // Go duration string
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// AlertConfig controls the operator alert channel (Telegram).
type AlertConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"` // do not log
	ChatID     int64  `json:"chat_id,omitempty"`
	ThreadID   int    `json:"thread_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
}
