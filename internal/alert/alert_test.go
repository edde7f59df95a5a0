package alert

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/queue"
	logx "dispatchd/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	fail  error
	calls int
}

func (f *fakeSender) Send(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestForwardsDeadLetterEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	sender := &fakeSender{}
	svc := New(Config{Enabled: true, RatePerSec: 100}, sender, logx.Nop(), bus)
	svc.Start(context.Background())
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	bus.Publish(eventbus.Event{Type: eventbus.TypeJobDeadLetter, Data: queue.DeadLetter{
		Queue:        "reminders",
		JobID:        "reminder-1",
		JobName:      "dispatch-due-reminders",
		ErrorMessage: "boom",
		AttemptsMade: 3,
		MaxAttempts:  3,
	}})

	waitFor(t, 2*time.Second, func() bool { return len(sender.snapshot()) == 1 })
	msgs := sender.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	for _, want := range []string{"reminders", "reminder-1", "dispatch-due-reminders", "3/3", "boom"} {
		if !strings.Contains(msgs[0], want) {
			t.Fatalf("alert %q missing %q", msgs[0], want)
		}
	}
}

func TestIgnoresOtherEventTypes(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	sender := &fakeSender{}
	svc := New(Config{Enabled: true, RatePerSec: 100}, sender, logx.Nop(), bus)
	svc.Start(context.Background())
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	bus.Publish(eventbus.Event{Type: eventbus.TypeJobCompleted, Data: queue.JobEvent{Queue: "reminders"}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeJobFailed, Data: queue.JobEvent{Queue: "reminders"}})

	time.Sleep(100 * time.Millisecond)
	if got := sender.snapshot(); len(got) != 0 {
		t.Fatalf("unexpected alerts: %v", got)
	}
}

func TestDisabledServiceIsInert(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	svc := New(Config{Enabled: false}, sender, logx.Nop(), eventbus.New())
	svc.Start(context.Background())
	svc.Notify("ignored")
	if err := svc.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if sender.calls != 0 {
		t.Fatal("disabled service must not send")
	}
}

func TestSendFailureDoesNotStopLoop(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{fail: errors.New("telegram 502")}
	svc := New(Config{Enabled: true, RatePerSec: 100}, sender, logx.Nop(), nil)
	svc.Start(context.Background())
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	svc.Notify("first")
	svc.Notify("second")

	waitFor(t, 2*time.Second, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return sender.calls >= 2
	})
}

func TestNotifyDropsWhenQueueFull(t *testing.T) {
	t.Parallel()
	// RatePerSec 1 with burst 1: after the first send the loop blocks in
	// the limiter, so a tiny queue overflows deterministically.
	svc := New(Config{Enabled: true, RatePerSec: 1, QueueSize: 1}, &fakeSender{}, logx.Nop(), nil)
	svc.Start(context.Background())
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	for i := 0; i < 20; i++ {
		svc.Notify("burst")
	}
	if svc.Dropped() == 0 {
		t.Fatal("expected drops with a full queue")
	}
}
