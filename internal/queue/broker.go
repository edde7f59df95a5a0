package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotInitialized = errors.New("queue manager not initialized")
	ErrDuplicateQueue = errors.New("queue already registered")
)

// Envelope is the unit handed to the broker. Once enqueued its lifecycle
// belongs to the broker until a worker dequeues it again.
type Envelope struct {
	ID          string         `json:"id"`
	Queue       string         `json:"queue"`
	Name        string         `json:"name"`
	Payload     map[string]any `json:"payload,omitempty"`
	Attempts    int            `json:"attempts"` // attempts made so far
	MaxAttempts int            `json:"max_attempts"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
}

// DeadLetter is the context surfaced to the dead-letter handler when a job
// exhausts its configured attempts.
type DeadLetter struct {
	Queue        string         `json:"queue"`
	JobID        string         `json:"job_id"`
	JobName      string         `json:"job_name"`
	Payload      map[string]any `json:"payload,omitempty"`
	ErrorMessage string         `json:"error_message"`
	ErrorStack   string         `json:"error_stack,omitempty"`
	AttemptsMade int            `json:"attempts_made"`
	MaxAttempts  int            `json:"max_attempts"`
}

// JobEvent is the event-bus payload for job lifecycle events.
type JobEvent struct {
	Queue    string        `json:"queue"`
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Broker is the durable transport behind the Manager.
//
// Redis is the production implementation; tests substitute an in-memory
// fake (the same seam the storage layer would use).
type Broker interface {
	// Enqueue stores env on queue, delayed by delay when delay > 0.
	Enqueue(ctx context.Context, queue string, env *Envelope, delay time.Duration) error
	// Dequeue blocks up to block for the next pending envelope.
	// Returns (nil, nil) when nothing arrived in time.
	Dequeue(ctx context.Context, queue string, block time.Duration) (*Envelope, error)
	// PromoteDue moves delayed envelopes whose time has come onto the
	// pending list. Returns the number promoted.
	PromoteDue(ctx context.Context, queue string, limit int) (int, error)
	// ClaimID reserves a caller-supplied job id for ttl. A false return
	// means the id was already claimed (duplicate enqueue suppression).
	ClaimID(ctx context.Context, queue, id string, ttl time.Duration) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}
