package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides layers deployment-environment settings over the parsed
// file. File values lose to the environment so the same config file can be
// shipped across environments.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		if cfg.Broker == nil {
			cfg.Broker = &BrokerConfig{}
		}
		cfg.Broker.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_CLUSTER_NODES")); v != "" {
		if cfg.Broker == nil {
			cfg.Broker = &BrokerConfig{}
		}
		cfg.Broker.ClusterNodes = splitNodes(v)
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		if cfg.Broker == nil {
			cfg.Broker = &BrokerConfig{}
		}
		cfg.Broker.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("WORKER_CONCURRENCY")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Queue.Concurrency = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("QUEUE_DRAIN_TIMEOUT_MS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Queue.DrainTimeout = (time.Duration(n) * time.Millisecond).String()
		}
	}
}

// splitNodes parses a comma-separated host:port list, dropping empties.
func splitNodes(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
