/*
orchestrator.go - Run submission and worker execution

PURPOSE:
  The orchestrator is the single entry point for starting accrual work.
  Submit persists a PENDING run (the duplicate-day check happens there,
  inside the store) and enqueues a job whose id derives from the run
  id. The per-type worker claims the run, executes it, and records the
  terminal status.

LIFECYCLE:
  PENDING -> RUNNING -> COMPLETED | FAILED

  The claim is conditional (PENDING only), so a job delivered twice
  cannot execute twice. Execution errors never propagate out of the
  worker: they are persisted as the FAILED run's note, out of band of
  any transaction the executor left open.
*/
package process

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/lending-engine/ledger"
	"github.com/warp/lending-engine/metrics"
)

// Actor identifies who requested a run, for the audit trail.
type Actor struct {
	ID   string
	Name string
}

// SystemActor stamps scheduler-triggered runs.
var SystemActor = Actor{ID: "system", Name: "System scheduler"}

// SubmitRequest describes one run to create and enqueue.
type SubmitRequest struct {
	Type               ledger.ProcessType
	ScopeType          ledger.ScopeType
	ScopeID            string
	AccountingPeriodID string
	ProcessDate        time.Time
	TransactionDate    time.Time
	Trigger            ledger.TriggerSource
	Actor              Actor
}

// Orchestrator creates runs and routes them to the per-type queues.
type Orchestrator struct {
	store   ledger.TxStore
	queues  map[ledger.ProcessType]*Queue
	log     zerolog.Logger
	newID   func() string
	clock   func() time.Time
	metrics *metrics.Metrics
}

func NewOrchestrator(store ledger.TxStore, queues map[ledger.ProcessType]*Queue, m *metrics.Metrics, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:   store,
		queues:  queues,
		log:     log.With().Str("component", "orchestrator").Logger(),
		newID:   uuid.NewString,
		clock:   time.Now,
		metrics: m,
	}
}

// Submit persists a PENDING run and enqueues its job. Returns the run
// as created. ErrDuplicateRun means a non-failed run already covers
// (Type, ProcessDate); a duplicate job for an existing run is treated
// as a successful no-op. When the run cannot be enqueued (full or
// closed queue) it is marked FAILED so the day stays resubmittable.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*ledger.ProcessRun, error) {
	queue, ok := o.queues[req.Type]
	if !ok {
		return nil, fmt.Errorf("unknown process type %q", req.Type)
	}

	transactionDate := req.TransactionDate
	if transactionDate.IsZero() {
		transactionDate = req.ProcessDate
	}
	scope := req.ScopeType
	if scope == "" {
		scope = ledger.ScopeGeneral
	}

	run := ledger.ProcessRun{
		ID:                 o.newID(),
		Type:               req.Type,
		ScopeType:          scope,
		ScopeID:            req.ScopeID,
		AccountingPeriodID: req.AccountingPeriodID,
		ProcessDate:        req.ProcessDate,
		TransactionDate:    transactionDate,
		Trigger:            req.Trigger,
		ExecutedByID:       req.Actor.ID,
		ExecutedByName:     req.Actor.Name,
		Status:             ledger.RunPending,
		CreatedAt:          o.clock(),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	job := Job{ID: req.Type.JobID(run.ID), RunID: run.ID, Type: req.Type}
	if err := queue.Enqueue(job); err != nil {
		if errors.Is(err, ledger.ErrDuplicateJob) {
			o.log.Info().Str("job_id", job.ID).Msg("job already enqueued, skipping")
			return &run, nil
		}
		// A run without a job must not stay PENDING: the duplicate-day
		// check treats PENDING as live and would reject every retry.
		note := fmt.Sprintf("enqueue failed: %v", err)
		if finishErr := o.store.FinishRun(ctx, run.ID, ledger.RunFailed, o.clock(), note); finishErr != nil {
			o.log.Error().Err(finishErr).Str("run_id", run.ID).Msg("failed to record enqueue failure")
		}
		return nil, fmt.Errorf("enqueue %s: %w", job.ID, err)
	}

	o.log.Info().
		Str("run_id", run.ID).
		Str("process_type", string(run.Type)).
		Str("process_date", run.ProcessDate.Format("2006-01-02")).
		Str("trigger", string(run.Trigger)).
		Msg("run submitted")
	return &run, nil
}

// =============================================================================
// WORKER
// =============================================================================

// Worker drains one queue with concurrency one.
type Worker struct {
	store    ledger.TxStore
	queue    *Queue
	executor Executor
	log      zerolog.Logger
	clock    func() time.Time
	metrics  *metrics.Metrics

	wg sync.WaitGroup
}

func NewWorker(store ledger.TxStore, queue *Queue, executor Executor, m *metrics.Metrics, log zerolog.Logger) *Worker {
	return &Worker{
		store:    store,
		queue:    queue,
		executor: executor,
		log: log.With().
			Str("component", "worker").
			Str("process_type", string(executor.Type())).
			Logger(),
		clock:   time.Now,
		metrics: m,
	}
}

// Start launches the consumption loop. The worker exits when its queue
// is closed and drained; Wait blocks until then.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for job := range w.queue.Jobs() {
			w.handle(ctx, job)
		}
	}()
}

func (w *Worker) Wait() {
	w.wg.Wait()
}

// handle executes one job. Never returns an error: failures become the
// run's FAILED status and note.
func (w *Worker) handle(ctx context.Context, job Job) {
	log := w.log.With().Str("run_id", job.RunID).Str("job_id", job.ID).Logger()

	run, err := w.store.Run(ctx, job.RunID)
	if err != nil {
		log.Error().Err(err).Msg("failed to load run")
		return
	}

	claimed, err := w.store.ClaimRun(ctx, job.RunID, w.clock())
	if err != nil {
		log.Error().Err(err).Msg("failed to claim run")
		return
	}
	if !claimed {
		log.Info().Msg("run not pending, skipping")
		return
	}

	started := w.clock()
	summary, execErr := w.executor.Execute(ctx, *run)
	elapsed := w.clock().Sub(started)
	if w.metrics != nil {
		w.metrics.RunDuration.WithLabelValues(string(job.Type)).Observe(elapsed.Seconds())
	}

	if execErr != nil {
		// Recording the failure happens outside any executor transaction.
		if err := w.store.FinishRun(ctx, job.RunID, ledger.RunFailed, w.clock(), execErr.Error()); err != nil {
			log.Error().Err(err).Msg("failed to record run failure")
		}
		if w.metrics != nil {
			w.metrics.RunsFailed.WithLabelValues(string(job.Type)).Inc()
		}
		log.Error().Err(execErr).Dur("elapsed", elapsed).Msg("run failed")
		return
	}

	if err := w.store.FinishRun(ctx, job.RunID, ledger.RunCompleted, w.clock(), summary.Note()); err != nil {
		log.Error().Err(err).Msg("failed to record run completion")
		return
	}
	if w.metrics != nil {
		w.metrics.RunsCompleted.WithLabelValues(string(job.Type)).Inc()
		w.metrics.EntriesWritten.WithLabelValues(string(job.Type)).Add(float64(summary.EntriesWritten))
	}
	log.Info().
		Int("loans", summary.LoansProcessed).
		Int("entries", summary.EntriesWritten).
		Str("total", summary.TotalAmount.String()).
		Dur("elapsed", elapsed).
		Msg("run completed")
}
