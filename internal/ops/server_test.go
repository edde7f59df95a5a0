package ops

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"dispatchd/internal/dlq"
	"dispatchd/internal/queue"
	"dispatchd/internal/sched"
	logx "dispatchd/pkg/logx"
)

func startTestServer(t *testing.T, cfg Config, src Sources) string {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	cfg.Enabled = true
	svc := New(cfg, src, logx.Nop())
	svc.Start(context.Background())
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := svc.Addr(); addr != "" {
			return "http://" + addr
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server did not bind in time")
	return ""
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func TestHealthzOK(t *testing.T) {
	t.Parallel()
	s := sched.New(sched.Config{Name: "reminder-dispatch", Spec: "* * * * *"}, nil, logx.Nop(), nil)
	base := startTestServer(t, Config{}, Sources{Schedulers: []*sched.Scheduler{s}})

	resp, body := get(t, base+"/healthz")
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz = %d %q", resp.StatusCode, body)
	}
}

func TestStatusPayload(t *testing.T) {
	t.Parallel()
	s := sched.New(sched.Config{Name: "alarm-dispatch", Spec: "* * * * *"}, nil, logx.Nop(), nil)
	store, err := dlq.Open(dlq.Config{Path: filepath.Join(t.TempDir(), "dlq.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	base := startTestServer(t, Config{}, Sources{
		Schedulers: []*sched.Scheduler{s},
		Store:      store,
	})

	resp, body := get(t, base+"/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var payload struct {
		Schedulers []sched.Info `json:"schedulers"`
		DLQTotal   *int64       `json:"dlq_total"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode: %v\n%s", err, body)
	}
	if len(payload.Schedulers) != 1 || payload.Schedulers[0].Name != "alarm-dispatch" {
		t.Fatalf("schedulers = %+v", payload.Schedulers)
	}
	if payload.DLQTotal == nil || *payload.DLQTotal != 0 {
		t.Fatalf("dlq_total = %v", payload.DLQTotal)
	}
}

func TestDLQEndpoint(t *testing.T) {
	t.Parallel()
	store, err := dlq.Open(dlq.Config{Path: filepath.Join(t.TempDir(), "dlq.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Record(context.Background(), queue.DeadLetter{
		Queue: "reminders", JobID: "r-1", JobName: "dispatch-due-reminders",
		ErrorMessage: "boom", AttemptsMade: 3, MaxAttempts: 3,
	}); err != nil {
		t.Fatal(err)
	}

	base := startTestServer(t, Config{}, Sources{Store: store})

	resp, body := get(t, base+"/dlq?queue=reminders")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dlq = %d", resp.StatusCode)
	}
	var entries []dlq.Entry
	if err := json.Unmarshal(body, &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].JobID != "r-1" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestDLQEndpointWithoutStore(t *testing.T) {
	t.Parallel()
	base := startTestServer(t, Config{}, Sources{})
	resp, _ := get(t, base+"/dlq")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("dlq without store = %d, want 404", resp.StatusCode)
	}
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	base := startTestServer(t, Config{Token: "hunter2"}, Sources{})

	resp, _ := get(t, base+"/healthz")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated = %d, want 401", resp.StatusCode)
	}
	resp, _ = get(t, base+"/healthz?token=hunter2")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query token = %d, want 200", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, base+"/healthz", nil)
	req.Header.Set("Authorization", "Bearer hunter2")
	r2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = r2.Body.Close()
	if r2.StatusCode != http.StatusOK {
		t.Fatalf("bearer token = %d, want 200", r2.StatusCode)
	}
}

func TestRefusesInsecureNonLoopbackBind(t *testing.T) {
	t.Parallel()
	svc := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Sources{}, logx.Nop())
	err := svc.serveOnce(context.Background())
	if err == nil {
		t.Fatal("non-loopback bind without token must be refused")
	}
}
