// Package queue owns named durable queues backed by a Redis broker.
//
// A Manager registers one worker pool per queue name, retries failed jobs
// with exponential backoff inside the broker, routes exhausted jobs to a
// dead-letter handler, and drains all queues with a bounded timeout on
// shutdown. When no broker is configured the manager stays uninitialized;
// producers are expected to fall back to direct in-process execution.
package queue
