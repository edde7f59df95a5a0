// Package eventbus carries job lifecycle signals from the queue workers
// and schedulers to their consumers (alerting, tests). Delivery is lossy
// on purpose: a slow consumer must never stall a worker mid-job.
package eventbus

import (
	"sync"
	"time"
)

// Event types published by the scheduler and queue layers. Data carries
// queue.JobEvent for completed/failed, queue.DeadLetter for deadletter,
// and sched.Summary for run summaries.
const (
	TypeJobCompleted  = "job.completed"
	TypeJobFailed     = "job.failed"
	TypeJobDeadLetter = "job.deadletter"
	TypeRunSummary    = "run.summary"
)

// Event is one in-memory signal. Data should stay small and
// JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	// Publish stamps e with the current time (when unset) and fans it
	// out. Never blocks; subscribers with full buffers lose the event.
	Publish(e Event)

	// Subscribe registers a buffered listener. With no types given the
	// listener sees every event, otherwise only the named types. The
	// returned func unsubscribes and closes the channel; calling it more
	// than once is safe.
	Subscribe(buffer int, types ...string) (<-chan Event, func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus { return &fanout{} }

type fanout struct {
	mu   sync.RWMutex
	subs []*subscriber
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
	want   map[string]struct{} // nil means all types
}

// offer delivers without blocking; a full or closed channel drops.
func (s *subscriber) offer(e Event) {
	if s.want != nil {
		if _, ok := s.want[e.Type]; !ok {
			return
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	f.mu.RLock()
	subs := make([]*subscriber, len(f.subs))
	copy(subs, f.subs)
	f.mu.RUnlock()

	for _, s := range subs {
		s.offer(e)
	}
}

func (f *fanout) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.want = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.want[t] = struct{}{}
		}
	}

	f.mu.Lock()
	f.subs = append(f.subs, s)
	f.mu.Unlock()

	unsub := func() {
		f.mu.Lock()
		for i, cur := range f.subs {
			if cur == s {
				f.subs[i] = f.subs[len(f.subs)-1]
				f.subs = f.subs[:len(f.subs)-1]
				break
			}
		}
		f.mu.Unlock()
		s.close()
	}
	return s.ch, unsub
}
