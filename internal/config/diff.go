package config

import (
	"reflect"
	"sort"
	"strings"

	logx "dispatchd/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (broker password, alert token) are
// reported as presence booleans only.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Broker (never log the password)
	oB := derefBroker(oldCfg.Broker)
	nB := derefBroker(newCfg.Broker)
	if oB.URL != nB.URL ||
		!reflect.DeepEqual(oB.ClusterNodes, nB.ClusterNodes) ||
		oB.TLS != nB.TLS ||
		(oB.Password != "") != (nB.Password != "") {
		changed = append(changed, "broker")
		attrs = append(attrs,
			logx.Bool("broker.url_set", strings.TrimSpace(nB.URL) != ""),
			logx.Int("broker.cluster_nodes", len(nB.ClusterNodes)),
			logx.Bool("broker.tls", nB.TLS),
			logx.Bool("broker.password_set", nB.Password != ""),
		)
	}

	// Queue
	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.concurrency", newCfg.Queue.Concurrency),
			logx.Int("queue.attempts", newCfg.Queue.Attempts),
			logx.String("queue.backoff_base", strings.TrimSpace(newCfg.Queue.BackoffBase)),
			logx.String("queue.drain_timeout", strings.TrimSpace(newCfg.Queue.DrainTimeout)),
			logx.Bool("queue.production", newCfg.Queue.Production),
		)
	}

	// Schedulers
	if !reflect.DeepEqual(oldCfg.Schedulers.Reminder, newCfg.Schedulers.Reminder) {
		changed = append(changed, "schedulers.reminder")
		attrs = append(attrs, schedulerAttrs("reminder", newCfg.Schedulers.Reminder)...)
	}
	if !reflect.DeepEqual(oldCfg.Schedulers.Alarm, newCfg.Schedulers.Alarm) {
		changed = append(changed, "schedulers.alarm")
		attrs = append(attrs, schedulerAttrs("alarm", newCfg.Schedulers.Alarm)...)
	}

	// DLQ (nil means disabled)
	oD := derefDLQ(oldCfg.DLQ)
	nD := derefDLQ(newCfg.DLQ)
	if !reflect.DeepEqual(oD, nD) {
		changed = append(changed, "dlq")
		attrs = append(attrs,
			logx.Bool("dlq.path_set", strings.TrimSpace(nD.Path) != ""),
			logx.String("dlq.retention", strings.TrimSpace(nD.Retention)),
		)
	}

	// Alert (never log the token)
	oA := derefAlert(oldCfg.Alert)
	nA := derefAlert(newCfg.Alert)
	if oA.Enabled != nA.Enabled ||
		oA.ChatID != nA.ChatID ||
		oA.ThreadID != nA.ThreadID ||
		oA.RatePerSec != nA.RatePerSec ||
		oA.QueueSize != nA.QueueSize ||
		(oA.Token != "") != (nA.Token != "") {
		changed = append(changed, "alert")
		attrs = append(attrs,
			logx.Bool("alert.enabled", nA.Enabled),
			logx.Bool("alert.token_set", nA.Token != ""),
			logx.Int("alert.rate_per_sec", nA.RatePerSec),
		)
	}

	// Ops (never log the token)
	oO := derefOps(oldCfg.Ops)
	nO := derefOps(newCfg.Ops)
	if oO.Enabled != nO.Enabled ||
		strings.TrimSpace(oO.Addr) != strings.TrimSpace(nO.Addr) ||
		oO.AllowInsecure != nO.AllowInsecure ||
		oO.ReadTimeout != nO.ReadTimeout ||
		oO.WriteTimeout != nO.WriteTimeout ||
		oO.IdleTimeout != nO.IdleTimeout ||
		(strings.TrimSpace(oO.Token) != "") != (strings.TrimSpace(nO.Token) != "") {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", nO.Enabled),
			logx.String("ops.addr", strings.TrimSpace(nO.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(nO.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func schedulerAttrs(name string, sc SchedulerConfig) []logx.Field {
	return []logx.Field{
		logx.Bool("sched."+name+".enabled", sc.Enabled),
		logx.String("sched."+name+".spec", strings.TrimSpace(sc.Spec)),
		logx.Bool("sched."+name+".run_on_start", sc.RunOnStart),
		logx.Int("sched."+name+".max_retries", sc.MaxRetries),
	}
}

func derefBroker(b *BrokerConfig) BrokerConfig {
	if b == nil {
		return BrokerConfig{}
	}
	return *b
}

func derefDLQ(d *DLQConfig) DLQConfig {
	if d == nil {
		return DLQConfig{}
	}
	return *d
}

func derefAlert(a *AlertConfig) AlertConfig {
	if a == nil {
		return AlertConfig{}
	}
	return *a
}

func derefOps(o *OpsConfig) OpsConfig {
	if o == nil {
		return OpsConfig{}
	}
	return *o
}
