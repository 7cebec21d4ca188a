/*
registry.go - Dependency registry for the processing pipeline

PURPOSE:
  Builds and owns every queue, worker, and executor, wired explicitly
  at construction time. Nothing here is lazily initialized or global:
  the registry is created once in main (or in a test) with its concrete
  dependencies and handed to whoever needs to submit runs.
*/
package process

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/lending-engine/ledger"
	"github.com/warp/lending-engine/metrics"
)

// queueCapacity bounds each per-type queue. Runs arrive at most a few
// per day per type, so backpressure here signals something badly wrong.
const queueCapacity = 64

// Registry wires one queue and one single-concurrency worker per
// process type around a shared orchestrator.
type Registry struct {
	Orchestrator *Orchestrator

	queues  map[ledger.ProcessType]*Queue
	workers []*Worker
}

// NewRegistry constructs the full pipeline. The executor set must cover
// every ledger.ProcessType.
func NewRegistry(store ledger.TxStore, executors []Executor, m *metrics.Metrics, log zerolog.Logger) (*Registry, error) {
	byType := make(map[ledger.ProcessType]Executor, len(executors))
	for _, e := range executors {
		if _, dup := byType[e.Type()]; dup {
			return nil, fmt.Errorf("duplicate executor for process type %q", e.Type())
		}
		byType[e.Type()] = e
	}

	r := &Registry{queues: make(map[ledger.ProcessType]*Queue)}
	for _, typ := range ledger.ProcessTypes() {
		executor, ok := byType[typ]
		if !ok {
			return nil, fmt.Errorf("no executor registered for process type %q", typ)
		}
		queue := NewQueue(queueCapacity)
		r.queues[typ] = queue
		r.workers = append(r.workers, NewWorker(store, queue, executor, m, log))
	}
	r.Orchestrator = NewOrchestrator(store, r.queues, m, log)
	return r, nil
}

// DefaultExecutors builds the standard executor set over one store.
func DefaultExecutors(store ledger.TxStore, accounts Accounts) []Executor {
	return []Executor{
		&CurrentInterestExecutor{Store: store, Accounts: accounts, NewID: uuid.NewString},
		&LateInterestExecutor{Store: store, Accounts: accounts, NewID: uuid.NewString},
		NewCurrentInsuranceExecutor(store, accounts, uuid.NewString),
		NewBillingConceptsExecutor(store, accounts, uuid.NewString),
	}
}

// Start launches every worker.
func (r *Registry) Start(ctx context.Context) {
	for _, w := range r.workers {
		w.Start(ctx)
	}
}

// Stop closes the queues and waits for the workers to drain them.
func (r *Registry) Stop() {
	for _, q := range r.queues {
		q.Close()
	}
	for _, w := range r.workers {
		w.Wait()
	}
}
