/*
Package scheduler triggers the daily interest accrual.

PURPOSE:
  A timer-driven loop that, once per calendar day, submits a
  CURRENT_INTEREST run for yesterday in the configured timezone. The
  run's duplicate-day constraint makes the trigger safe to fire more
  often than daily and safe to run on several instances at once: all
  but the first submission fail with a conflict, which is swallowed.

CONTROL:
  Start/Stop bound the loop's lifetime. SetEnabled pauses automatic
  submission without tearing the schedule down, for maintenance
  windows. RunNow forces a submission out of schedule.
*/
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/lending-engine/ledger"
	"github.com/warp/lending-engine/money"
	"github.com/warp/lending-engine/process"
)

// DefaultInterval is how often the scheduler checks whether a new day
// needs submitting. The duplicate-run constraint deduplicates the
// extra fires within one day.
const DefaultInterval = time.Hour

// Submitter is what the scheduler needs from the orchestrator.
type Submitter interface {
	Submit(ctx context.Context, req process.SubmitRequest) (*ledger.ProcessRun, error)
}

// Scheduler owns the daily trigger loop.
type Scheduler struct {
	submitter Submitter
	log       zerolog.Logger
	interval  time.Duration
	location  *time.Location
	clock     func() time.Time

	mu      sync.Mutex
	enabled bool
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval overrides the check interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithLocation sets the timezone "yesterday" is computed in.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) { s.location = loc }
}

// WithClock substitutes the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithEnabled sets the initial pause state.
func WithEnabled(enabled bool) Option {
	return func(s *Scheduler) { s.enabled = enabled }
}

func New(submitter Submitter, log zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		submitter: submitter,
		log:       log.With().Str("component", "scheduler").Logger(),
		interval:  DefaultInterval,
		location:  time.UTC,
		clock:     time.Now,
		enabled:   true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the trigger loop. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})

	s.wg.Add(1)
	go s.loop(ctx, s.stop)
	s.log.Info().Dur("interval", s.interval).Str("timezone", s.location.String()).Msg("scheduler started")
}

// Stop halts the loop and waits for any in-flight tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

// SetEnabled pauses or resumes automatic submission. The loop keeps
// ticking while paused.
func (s *Scheduler) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

func (s *Scheduler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire once immediately so a restart does not wait a full interval.
	s.tick(ctx)
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	if err := s.RunNow(ctx); err != nil {
		s.log.Error().Err(err).Msg("daily accrual submission failed")
	}
}

// RunNow submits the daily CURRENT_INTEREST run for yesterday. A
// duplicate-day conflict is the expected steady state after the first
// successful fire of the day and is not an error.
func (s *Scheduler) RunNow(ctx context.Context) error {
	yesterday := money.StartOfDayIn(s.clock().In(s.location).AddDate(0, 0, -1), s.location)

	run, err := s.submitter.Submit(ctx, process.SubmitRequest{
		Type:            ledger.CurrentInterest,
		ScopeType:       ledger.ScopeGeneral,
		ProcessDate:     yesterday,
		TransactionDate: yesterday,
		Trigger:         ledger.TriggerCron,
		Actor:           process.SystemActor,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateRun) {
			s.log.Debug().Time("process_date", yesterday).Msg("run already exists for yesterday")
			return nil
		}
		return err
	}

	s.log.Info().
		Str("run_id", run.ID).
		Time("process_date", yesterday).
		Msg("daily accrual submitted")
	return nil
}
