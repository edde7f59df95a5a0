package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/runtime/supervisor"
	"dispatchd/internal/shutdown"
	logx "dispatchd/pkg/logx"
)

// Operational defaults. DrainTimeout and Concurrency are commonly tuned per
// deployment (see internal/config env overrides).
const (
	DefaultAttempts     = 3
	DefaultBackoffBase  = 2 * time.Second
	DefaultDrainTimeout = 15 * time.Second

	dequeueBlock = 2 * time.Second
	promoteEvery = time.Second
	promoteBatch = 128
	claimTTL     = 6 * time.Hour
)

// Config controls the Manager.
type Config struct {
	Broker BrokerConfig

	Concurrency  int           // default workers per queue (default 1)
	Attempts     int           // default max attempts per job (default 3)
	BackoffBase  time.Duration // exponential backoff base between attempts (default 2s)
	DrainTimeout time.Duration // per-queue drain bound on shutdown (default 15s)

	Production bool // raises "no broker" log from debug to warn
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	return c
}

// Processor handles one dequeued job. It must be safe to invoke twice for
// the same logical job; idempotency is the processor's responsibility.
type Processor func(ctx context.Context, env *Envelope) error

// DLQHandler receives jobs that exhausted their attempts. Failures inside
// the handler are caught and logged, never propagated.
type DLQHandler func(dl DeadLetter)

// QueueOptions tune one registered queue.
type QueueOptions struct {
	Concurrency int // workers for this queue; default Config.Concurrency
	Attempts    int // max attempts for jobs on this queue; default Config.Attempts
}

// EnqueueOptions tune one enqueued job.
type EnqueueOptions struct {
	JobID    string        // optional; duplicate ids within claimTTL are suppressed
	Delay    time.Duration // optional initial delay
	Attempts int           // max attempts; default queue/manager setting
}

type queueEntry struct {
	name      string
	opts      QueueOptions
	processor Processor
	sup       *supervisor.Supervisor

	// jobCtx is what processors (and their retry enqueues) run under. It
	// outlives the dequeue loops: Shutdown cancels sup first and cancels
	// jobCtx only after the drain window, so in-flight jobs finish.
	jobCtx    context.Context
	jobCancel context.CancelFunc
}

// Manager is a long-lived instance constructed once at process startup and
// passed by reference to every producer and scheduler that needs it. One
// broker connection, many queues.
type Manager struct {
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
	orch *shutdown.Orchestrator

	// dial is the broker factory; tests substitute an in-memory broker.
	dial func(BrokerConfig) (Broker, error)

	mu          sync.Mutex
	broker      Broker
	queues      map[string]*queueEntry
	dlqHandler  DLQHandler
	initialized bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, orch *shutdown.Orchestrator) *Manager {
	return &Manager{
		cfg:    cfg.withDefaults(),
		log:    log.With(logx.String("comp", "queue")),
		bus:    bus,
		orch:   orch,
		dial:   NewRedisBroker,
		queues: map[string]*queueEntry{},
	}
}

// Init connects to the broker. Idempotent. A missing broker URL is the
// designed degraded mode, not an error: the manager stays uninitialized
// and producers fall back to direct execution.
func (m *Manager) Init(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return
	}

	cfg := m.cfg.Broker
	if strings.TrimSpace(cfg.URL) == "" && len(cfg.ClusterNodes) == 0 {
		msg := "no broker configured; queue manager disabled (direct mode)"
		if m.cfg.Production {
			m.log.Warn(msg)
		} else {
			m.log.Debug(msg)
		}
		return
	}

	b, err := m.dial(cfg)
	if err != nil {
		m.log.Error("broker connection failed; queue manager disabled", logx.Err(err))
		return
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = b.Ping(pingCtx)
	cancel()
	if err != nil {
		m.log.Error("broker ping failed; queue manager disabled", logx.Err(err))
		_ = b.Close()
		return
	}

	m.broker = b
	m.initialized = true

	mode := "single"
	if len(cfg.ClusterNodes) > 0 {
		mode = "cluster"
	}
	m.log.Info("queue manager initialized", logx.String("mode", mode))

	if m.orch != nil {
		m.orch.Register("queues", func(c context.Context) error {
			return m.Shutdown(c)
		})
	}
}

// SetDLQHandler registers the single dead-letter callback.
func (m *Manager) SetDLQHandler(h DLQHandler) {
	m.mu.Lock()
	m.dlqHandler = h
	m.mu.Unlock()
}

// RegisterQueue creates the queue's worker pool. Registering while
// uninitialized or re-registering a name leaves existing state untouched
// and returns a sentinel error the caller may ignore.
func (m *Manager) RegisterQueue(name string, processor Processor, opts QueueOptions) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("queue name required")
	}
	if processor == nil {
		return errors.New("processor required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		m.log.Warn("queue manager not initialized; queue not registered", logx.String("queue", name))
		return ErrNotInitialized
	}
	if _, ok := m.queues[name]; ok {
		m.log.Warn("queue already registered; ignoring", logx.String("queue", name))
		return ErrDuplicateQueue
	}

	if opts.Concurrency <= 0 {
		opts.Concurrency = m.cfg.Concurrency
	}
	if opts.Attempts <= 0 {
		opts.Attempts = m.cfg.Attempts
	}

	e := &queueEntry{
		name:      name,
		opts:      opts,
		processor: processor,
		sup: supervisor.New(context.Background(),
			supervisor.WithLogger(m.log.With(logx.String("queue", name))),
		),
	}
	e.jobCtx, e.jobCancel = context.WithCancel(context.Background())
	m.queues[name] = e

	for i := 0; i < opts.Concurrency; i++ {
		idx := i
		e.sup.GoRestart(nameWorker(name, idx), func(c context.Context) error {
			return m.runWorker(c, e, idx)
		})
	}
	e.sup.GoRestart("promote."+name, func(c context.Context) error {
		return m.runPromoter(c, e)
	})

	m.log.Info("queue registered",
		logx.String("queue", name),
		logx.Int("concurrency", opts.Concurrency),
		logx.Int("attempts", opts.Attempts),
	)
	return nil
}

func nameWorker(queue string, idx int) string {
	return fmt.Sprintf("worker.%s.%d", queue, idx)
}

// Enqueue submits a job. Unknown queue or uninitialized manager is a
// logged no-op returning an empty id; callers are expected to have a
// fallback path.
func (m *Manager) Enqueue(ctx context.Context, queue, jobName string, payload map[string]any, opts EnqueueOptions) (string, error) {
	m.mu.Lock()
	initialized := m.initialized
	b := m.broker
	entry, known := m.queues[queue]
	attempts := m.cfg.Attempts
	m.mu.Unlock()

	if !initialized || b == nil {
		m.log.Warn("queue manager not initialized; enqueue skipped", logx.String("queue", queue), logx.String("job", jobName))
		return "", nil
	}
	if !known {
		m.log.Warn("unknown queue; enqueue skipped", logx.String("queue", queue), logx.String("job", jobName))
		return "", nil
	}
	if entry.opts.Attempts > 0 {
		attempts = entry.opts.Attempts
	}
	if opts.Attempts > 0 {
		attempts = opts.Attempts
	}

	id := strings.TrimSpace(opts.JobID)
	if id == "" {
		id = uuid.NewString()
	} else {
		// Caller-supplied ids get duplicate suppression, so the same
		// logical tick enqueued twice yields one job.
		claimed, err := b.ClaimID(ctx, queue, id, claimTTL)
		if err != nil {
			m.log.Error("job id claim failed", logx.String("queue", queue), logx.String("job_id", id), logx.Err(err))
			return "", err
		}
		if !claimed {
			m.log.Debug("duplicate job suppressed", logx.String("queue", queue), logx.String("job_id", id))
			return id, nil
		}
	}

	env := &Envelope{
		ID:          id,
		Queue:       queue,
		Name:        jobName,
		Payload:     payload,
		Attempts:    0,
		MaxAttempts: attempts,
		EnqueuedAt:  time.Now(),
	}
	if err := b.Enqueue(ctx, queue, env, opts.Delay); err != nil {
		m.log.Error("enqueue failed", logx.String("queue", queue), logx.String("job", jobName), logx.Err(err))
		return "", err
	}

	m.log.Debug("job enqueued",
		logx.String("queue", queue),
		logx.String("job", jobName),
		logx.String("job_id", id),
		logx.Duration("delay", opts.Delay),
	)
	return id, nil
}

// QueueInfo describes one registered queue for introspection.
type QueueInfo struct {
	Name        string              `json:"name"`
	Concurrency int                 `json:"concurrency"`
	Attempts    int                 `json:"attempts"`
	Workers     supervisor.Counters `json:"workers"`
}

// Queue returns the registered queue's info, or false when unknown.
func (m *Manager) Queue(name string) (QueueInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.queues[name]
	if !ok {
		return QueueInfo{}, false
	}
	return QueueInfo{
		Name:        e.name,
		Concurrency: e.opts.Concurrency,
		Attempts:    e.opts.Attempts,
		Workers:     e.sup.Stats(),
	}, true
}

func (m *Manager) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

func (m *Manager) QueueNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.queues))
	for n := range m.queues {
		names = append(names, n)
	}
	return names
}

// Shutdown drains every queue concurrently. Canceling each queue's
// supervisor stops the dequeue and promote loops, while jobs already
// handed to a processor keep running under their own context for up to
// DrainTimeout; only then are stragglers abandoned and the broker closed.
// Best-effort: one queue's failure never prevents the rest from closing,
// and Shutdown never hangs.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	entries := make([]*queueEntry, 0, len(m.queues))
	for _, e := range m.queues {
		entries = append(entries, e)
	}
	m.queues = map[string]*queueEntry{}
	initialized := m.initialized
	// Refuse new producer enqueues from here on. The broker itself must
	// stay reachable until the drain finishes so in-flight jobs can still
	// re-enqueue their retries.
	m.initialized = false
	m.mu.Unlock()

	if !initialized {
		return nil
	}

	drainTimeout := m.cfg.DrainTimeout

	var wg sync.WaitGroup
	for _, e := range entries {
		e := e
		wg.Add(1)
		go func() {
			defer wg.Done()
			// A processor still running past the drain window is
			// abandoned, not killed; canceling jobCtx is what finally
			// unblocks it if it honors cancellation.
			defer e.jobCancel()

			e.sup.Cancel()
			dctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
			if err := e.sup.Wait(dctx); err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					m.log.Warn("worker drain timed out; proceeding",
						logx.String("queue", e.name),
						logx.Duration("timeout", drainTimeout),
					)
				} else {
					m.log.Warn("worker drain error", logx.String("queue", e.name), logx.Err(err))
				}
				return
			}
			m.log.Debug("queue drained", logx.String("queue", e.name))
		}()
	}
	wg.Wait()

	m.mu.Lock()
	b := m.broker
	m.broker = nil
	m.mu.Unlock()

	if b != nil {
		if err := b.Close(); err != nil {
			m.log.Warn("broker close failed", logx.Err(err))
		}
	}

	m.log.Info("queue manager shut down", logx.Int("queues", len(entries)))
	return nil
}
