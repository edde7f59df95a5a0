package app

import (
	"testing"
	"time"

	"dispatchd/internal/config"
)

func TestMapQueueConfig(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Broker: &config.BrokerConfig{URL: "redis://localhost:6379", TLS: true},
		Queue: config.QueueConfig{
			Concurrency:  4,
			Attempts:     5,
			BackoffBase:  "1s",
			DrainTimeout: "20s",
			Production:   true,
		},
	}
	qc, err := mapQueueConfig(cfg)
	if err != nil {
		t.Fatalf("mapQueueConfig: %v", err)
	}
	if qc.Broker.URL != "redis://localhost:6379" || !qc.Broker.TLS {
		t.Fatalf("broker = %+v", qc.Broker)
	}
	if qc.Concurrency != 4 || qc.Attempts != 5 || !qc.Production {
		t.Fatalf("queue = %+v", qc)
	}
	if qc.BackoffBase != time.Second || qc.DrainTimeout != 20*time.Second {
		t.Fatalf("durations = %v / %v", qc.BackoffBase, qc.DrainTimeout)
	}
}

func TestMapQueueConfigBadDuration(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Queue: config.QueueConfig{DrainTimeout: "soon"}}
	if _, err := mapQueueConfig(cfg); err == nil {
		t.Fatal("bad duration should fail")
	}
}

func TestMapSchedulerConfigLeavesDefaultsZero(t *testing.T) {
	t.Parallel()
	sc, err := mapSchedulerConfig("schedulers.reminder", config.SchedulerConfig{Enabled: true})
	if err != nil {
		t.Fatalf("mapSchedulerConfig: %v", err)
	}
	if !sc.Enabled || sc.Spec != "" || sc.Timeout != 0 || sc.InitialDelay != 0 {
		t.Fatalf("cfg = %+v", sc)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		cfg     *config.Config
		wantErr bool
	}{
		{"nil", nil, true},
		{"empty", &config.Config{}, false},
		{"negative concurrency", &config.Config{Queue: config.QueueConfig{Concurrency: -1}}, true},
		{"bad retry delay", &config.Config{Schedulers: config.SchedulersConfig{
			Reminder: config.SchedulerConfig{RetryDelay: "x"},
		}}, true},
		{"alert missing token", &config.Config{Alert: &config.AlertConfig{Enabled: true, ChatID: 1}}, true},
		{"alert missing chat", &config.Config{Alert: &config.AlertConfig{Enabled: true, Token: "t"}}, true},
		{"alert disabled incomplete ok", &config.Config{Alert: &config.AlertConfig{Enabled: false}}, false},
		{"dlq bad retention", &config.Config{DLQ: &config.DLQConfig{Path: "x.db", Retention: "forever"}}, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := validate(tc.cfg)
			if tc.wantErr && err == nil {
				t.Fatal("want error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
