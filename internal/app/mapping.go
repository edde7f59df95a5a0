package app

import (
	"fmt"
	"strings"

	"dispatchd/internal/config"
	"dispatchd/internal/dlq"
	"dispatchd/internal/ops"
	"dispatchd/internal/queue"
	"dispatchd/internal/sched"
)

func mapQueueConfig(cfg *config.Config) (queue.Config, error) {
	out := queue.Config{
		Concurrency: cfg.Queue.Concurrency,
		Attempts:    cfg.Queue.Attempts,
		Production:  cfg.Queue.Production,
	}
	if cfg.Broker != nil {
		out.Broker = queue.BrokerConfig{
			URL:          cfg.Broker.URL,
			ClusterNodes: cfg.Broker.ClusterNodes,
			Password:     cfg.Broker.Password,
			TLS:          cfg.Broker.TLS,
		}
	}

	var err error
	if out.BackoffBase, err = config.ParseDurationField("queue.backoff_base", cfg.Queue.BackoffBase); err != nil {
		return queue.Config{}, err
	}
	if out.DrainTimeout, err = config.ParseDurationField("queue.drain_timeout", cfg.Queue.DrainTimeout); err != nil {
		return queue.Config{}, err
	}
	return out, nil
}

func mapDLQConfig(dc *config.DLQConfig) (dlq.Config, error) {
	out := dlq.Config{Path: dc.Path}
	var err error
	if out.Retention, err = config.ParseDurationField("dlq.retention", dc.Retention); err != nil {
		return dlq.Config{}, err
	}
	if out.BusyTimeout, err = config.ParseDurationField("dlq.busy_timeout", dc.BusyTimeout); err != nil {
		return dlq.Config{}, err
	}
	return out, nil
}

// mapSchedulerConfig translates one scheduler block. Name/Spec/Timeout
// defaults are left zero so the dispatch layer fills its own.
func mapSchedulerConfig(key string, sc config.SchedulerConfig) (sched.Config, error) {
	out := sched.Config{
		Enabled:    sc.Enabled,
		Spec:       strings.TrimSpace(sc.Spec),
		RunOnStart: sc.RunOnStart,
		MaxRetries: sc.MaxRetries,
	}
	var err error
	if out.RetryDelay, err = config.ParseDurationField(key+".retry_delay", sc.RetryDelay); err != nil {
		return sched.Config{}, err
	}
	if out.Timeout, err = config.ParseDurationField(key+".timeout", sc.Timeout); err != nil {
		return sched.Config{}, err
	}
	if out.InitialDelay, err = config.ParseDurationField(key+".initial_delay", sc.InitialDelay); err != nil {
		return sched.Config{}, err
	}
	return out, nil
}

func mapOpsConfig(oc *config.OpsConfig) (ops.Config, error) {
	if oc == nil {
		return ops.Config{}, nil
	}
	out := ops.Config{
		Enabled:       oc.Enabled,
		Addr:          oc.Addr,
		Token:         oc.Token,
		AllowInsecure: oc.AllowInsecure,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("ops.read_timeout", oc.ReadTimeout); err != nil {
		return ops.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("ops.write_timeout", oc.WriteTimeout); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("ops.idle_timeout", oc.IdleTimeout); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}

// validate rejects a config revision before it is committed or published.
// Used both at startup (indirectly via the map functions) and on hot
// reload.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Queue.Concurrency < 0 {
		return fmt.Errorf("queue.concurrency must be >= 0")
	}
	if cfg.Queue.Attempts < 0 {
		return fmt.Errorf("queue.attempts must be >= 0")
	}
	if _, err := mapQueueConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig("schedulers.reminder", cfg.Schedulers.Reminder); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig("schedulers.alarm", cfg.Schedulers.Alarm); err != nil {
		return err
	}
	if cfg.DLQ != nil {
		if _, err := mapDLQConfig(cfg.DLQ); err != nil {
			return err
		}
	}
	if _, err := mapOpsConfig(cfg.Ops); err != nil {
		return err
	}
	if ac := cfg.Alert; ac != nil && ac.Enabled {
		if strings.TrimSpace(ac.Token) == "" {
			return fmt.Errorf("alert.token is required when alert.enabled is true")
		}
		if ac.ChatID == 0 {
			return fmt.Errorf("alert.chat_id is required when alert.enabled is true")
		}
	}
	return nil
}
