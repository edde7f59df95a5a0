package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "dispatchd/pkg/logx"
)

func TestPhasesRunInRegistrationOrder(t *testing.T) {
	t.Parallel()
	o := New(logx.Nop())
	var order []string
	for _, name := range []string{"schedulers", "queues", "alert"} {
		n := name
		o.Register(n, func(ctx context.Context) error {
			order = append(order, n)
			return nil
		})
	}
	o.Run(context.Background())
	if len(order) != 3 || order[0] != "schedulers" || order[1] != "queues" || order[2] != "alert" {
		t.Fatalf("order = %v", order)
	}
}

func TestFailedPhaseDoesNotAbort(t *testing.T) {
	t.Parallel()
	o := New(logx.Nop())
	var ran []string
	o.Register("boom", func(ctx context.Context) error {
		ran = append(ran, "boom")
		return errors.New("nope")
	})
	o.Register("panics", func(ctx context.Context) error {
		ran = append(ran, "panics")
		panic("bug")
	})
	o.Register("after", func(ctx context.Context) error {
		ran = append(ran, "after")
		return nil
	})
	o.Run(context.Background())
	if len(ran) != 3 || ran[2] != "after" {
		t.Fatalf("ran = %v", ran)
	}
}

func TestRunIdempotent(t *testing.T) {
	t.Parallel()
	o := New(logx.Nop())
	calls := 0
	o.Register("once", func(ctx context.Context) error {
		calls++
		return nil
	})
	o.Run(context.Background())
	o.Run(context.Background())
	if calls != 1 {
		t.Fatalf("phase ran %d times, want 1", calls)
	}
}

func TestPhaseTimeout(t *testing.T) {
	t.Parallel()
	o := New(logx.Nop())
	o.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithTimeout(50*time.Millisecond))

	start := time.Now()
	o.Run(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timed-out phase took %v", elapsed)
	}
}

func TestNilPhaseIgnored(t *testing.T) {
	t.Parallel()
	o := New(logx.Nop())
	o.Register("nil", nil)
	o.Run(context.Background()) // must not panic
}
