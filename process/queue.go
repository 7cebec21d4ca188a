/*
queue.go - Per-process-type job queue

PURPOSE:
  A bounded FIFO with durable-id deduplication. Each ProcessType owns
  one queue and one worker, so jobs of the same type execute strictly
  in submission order with concurrency one. Job ids derive from the run
  id, which makes enqueueing the same run twice a detectable duplicate
  rather than a double execution.
*/
package process

import (
	"sync"

	"github.com/warp/lending-engine/ledger"
)

// Job is one queued run execution.
type Job struct {
	ID    string
	RunID string
	Type  ledger.ProcessType
}

// Queue is a FIFO of jobs with duplicate-id rejection. Safe for
// concurrent use.
type Queue struct {
	mu     sync.Mutex
	jobs   chan Job
	seen   map[string]bool
	closed bool
}

func NewQueue(capacity int) *Queue {
	return &Queue{
		jobs: make(chan Job, capacity),
		seen: make(map[string]bool),
	}
}

// Enqueue adds a job. Returns ledger.ErrDuplicateJob when a job with
// the same id was already accepted, ledger.ErrQueueClosed after Close,
// and ledger.ErrQueueFull when the buffer is exhausted. The duplicate
// check is permanent for the queue's lifetime: run ids are never
// reused, so neither are job ids.
func (q *Queue) Enqueue(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ledger.ErrQueueClosed
	}
	if q.seen[job.ID] {
		return ledger.ErrDuplicateJob
	}
	select {
	case q.jobs <- job:
		q.seen[job.ID] = true
		return nil
	default:
		return ledger.ErrQueueFull
	}
}

// Jobs exposes the consumption side. The channel is closed by Close
// once no further jobs can arrive.
func (q *Queue) Jobs() <-chan Job {
	return q.jobs
}

// Close stops accepting jobs and lets the worker drain what remains.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.jobs)
}
