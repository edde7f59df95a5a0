// Package alert forwards dead-letter notifications to an operator channel
// (Telegram). Delivery is best-effort: a bounded queue, a token-bucket rate
// limit, and drop-on-full so the queue workers are never blocked by a slow
// or failing Telegram API.
package alert

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/queue"
	rtsup "dispatchd/internal/runtime/supervisor"
	logx "dispatchd/pkg/logx"
)

// Sender delivers one formatted alert. Implementations must be safe for
// use from a single goroutine (the Service serializes sends).
type Sender interface {
	Send(ctx context.Context, text string) error
}

type Config struct {
	Enabled    bool
	RatePerSec int // default 1
	QueueSize  int // default 64
}

// Service consumes dead-letter events from the bus and forwards them.
type Service struct {
	mu sync.Mutex

	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	sender  Sender
	limiter *rate.Limiter

	queue chan string
	sup   *rtsup.Supervisor
	unsub func()

	dropped atomic.Uint64
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "alert")),
		bus:     bus,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

// Start subscribes to the bus and launches the sender loop. Idempotent;
// a disabled service or a nil sender makes Start a no-op.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		return
	}

	s.queue = make(chan string, s.cfg.QueueSize)
	q := s.queue

	var events <-chan eventbus.Event
	if s.bus != nil {
		events, s.unsub = s.bus.Subscribe(s.cfg.QueueSize, eventbus.TypeJobDeadLetter)
	}

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// Alert failures must never take the process down.
		rtsup.WithCancelOnError(false),
	)

	if events != nil {
		ev := events
		s.sup.Go("events", func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case e, ok := <-ev:
					if !ok {
						return nil
					}
					if dl, ok := e.Data.(queue.DeadLetter); ok {
						s.enqueue(formatDeadLetter(dl))
					}
				}
			}
		})
	}

	s.sup.GoRestart("sender", func(c context.Context) error {
		return s.sendLoop(c, q)
	})
}

// Notify queues an arbitrary operator message (startup, shutdown, config
// rejections). Drops when the queue is full.
func (s *Service) Notify(text string) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return
	}
	select {
	case q <- text:
	default:
		s.dropped.Add(1)
	}
}

func (s *Service) enqueue(text string) {
	select {
	case s.queue <- text:
	default:
		if n := s.dropped.Add(1); n%10 == 1 {
			s.log.Warn("alerts dropped (queue full)", logx.Uint64("dropped_total", n))
		}
	}
}

func (s *Service) sendLoop(ctx context.Context, q <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case text, ok := <-q:
			if !ok {
				return nil
			}
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := s.sender.Send(sctx, text)
			cancel()
			if err != nil {
				// Drop the alert; the dead letter itself is already
				// persisted by the DLQ store.
				s.log.Warn("alert delivery failed", logx.Err(err))
			}
		}
	}
}

// Shutdown stops the event loop and waits for in-flight sends.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	unsub := s.unsub
	s.sup = nil
	s.unsub = nil
	s.queue = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if sup == nil {
		return nil
	}
	sup.Cancel()
	return sup.Wait(ctx)
}

// Dropped reports how many alerts were discarded because the queue was
// full.
func (s *Service) Dropped() uint64 { return s.dropped.Load() }

func formatDeadLetter(dl queue.DeadLetter) string {
	return fmt.Sprintf(
		"dead letter on %s\njob: %s (%s)\nattempts: %d/%d\nerror: %s",
		dl.Queue, dl.JobName, dl.JobID, dl.AttemptsMade, dl.MaxAttempts, dl.ErrorMessage,
	)
}
