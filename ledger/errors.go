/*
errors.go - Centralized error taxonomy for the engine

PURPOSE:
  One place for every error the core can produce, so callers classify
  with errors.Is instead of string matching.

ERROR CATEGORIES:
  1. Validation errors - business rule violations, surfaced synchronously
  2. Conflict errors   - duplicate run/job submissions (idempotency)
  3. Not-found errors  - referenced loan/entry/run absent

  Run execution failures are not errors in this taxonomy: the worker
  converts them into a persisted FAILED status on the run record.

USAGE:
  The HTTP layer maps classes to statuses:

    case ledger.IsConflict(err):    409
    case ledger.IsClientError(err): 400
    case ledger.IsNotFound(err):    404

  The scheduler swallows exactly ErrDuplicateRun and nothing else.
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidDateRange is returned when a statement window has
	// from > to.
	ErrInvalidDateRange = errors.New("invalid date range: from after to")

	// ErrNoBalanceToReverse is returned when a reversal delta targets a
	// portfolio key with no existing entry.
	ErrNoBalanceToReverse = errors.New("no existing balance to reverse")

	// ErrReversalInvalidBalance is returned when applying a reversal
	// would drive charge, payment, or balance below zero.
	ErrReversalInvalidBalance = errors.New("reversal produces invalid balance")

	// ErrDuplicateRun is returned when a non-failed run already exists
	// for the same (process type, process date). The scheduler treats
	// this as expected; manual and API callers receive a conflict.
	ErrDuplicateRun = errors.New("process run already exists for this date")

	// ErrDuplicateJob is returned when a job with the same durable id is
	// already enqueued. Re-submitting a run is a no-op, not a duplicate
	// execution.
	ErrDuplicateJob = errors.New("job already enqueued")

	// ErrQueueClosed is returned when enqueueing after shutdown began.
	ErrQueueClosed = errors.New("queue is closed")

	// ErrQueueFull is returned when the queue's buffer is exhausted. The
	// run is marked FAILED so the same day can be resubmitted later.
	ErrQueueFull = errors.New("queue is full")

	ErrLoanNotFound    = errors.New("loan not found")
	ErrRunNotFound     = errors.New("process run not found")
	ErrEntryNotFound   = errors.New("accounting entry not found")
	ErrAccountNotFound = errors.New("gl account not found")
	ErrPaymentNotFound = errors.New("payment not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ReversalError reports which key and projected amounts made a reversal
// invalid. The whole batch is aborted when one of these is produced.
type ReversalError struct {
	Key         PortfolioKey
	NextCharge  decimal.Decimal
	NextPayment decimal.Decimal
	NextBalance decimal.Decimal
}

func (e *ReversalError) Error() string {
	return fmt.Sprintf("reversal on %s produces invalid balance (charge %s, payment %s, balance %s)",
		e.Key, e.NextCharge, e.NextPayment, e.NextBalance)
}

func (e *ReversalError) Unwrap() error { return ErrReversalInvalidBalance }

// MissingEntryError reports a reversal against an absent portfolio key.
type MissingEntryError struct {
	Key PortfolioKey
}

func (e *MissingEntryError) Error() string {
	return fmt.Sprintf("no existing balance to reverse for %s", e.Key)
}

func (e *MissingEntryError) Unwrap() error { return ErrNoBalanceToReverse }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError reports whether the error is a 400-class validation
// failure caused by the caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidDateRange) ||
		errors.Is(err, ErrNoBalanceToReverse) ||
		errors.Is(err, ErrReversalInvalidBalance)
}

// IsConflict reports whether the error is a 409-class duplicate
// submission.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateRun) ||
		errors.Is(err, ErrDuplicateJob)
}

// IsNotFound reports whether the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrLoanNotFound) ||
		errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrPaymentNotFound)
}
