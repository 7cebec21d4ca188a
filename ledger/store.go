/*
store.go - Persistence interfaces for the engine

PURPOSE:
  Defines the contract between the core and the relational layer. The
  schema and query machinery live outside this module; the engine only
  depends on these interfaces. store/sqlite provides the production
  implementation, store/memory the test/dev one.

KEY INTERFACES:
  JournalStore:   Append-only accounting entries (void via status flip)
  PortfolioStore: Balance cells with an atomic increment primitive
  RunStore:       Process run audit trail with conditional claim
  LoanReader:     Read-side query collaborator (loans, installments,
                  billing concepts)
  TxStore:        Callback-style transaction boundary

JOURNAL CONTRACT:
  Entries are immutable. No update or delete methods exist; VoidEntry
  performs the single permitted ACTIVE -> VOIDED status flip. All reads
  return entries ordered by (entry date, document code, sequence, id) -
  statement replay depends on reproducing this order exactly.

ATOMIC INCREMENT:
  UpsertPortfolioDelta must be a single atomic read-modify-write
  (INSERT ... ON CONFLICT DO UPDATE or equivalent) so that concurrent
  writers on the same key never lose updates. The ledger writer is the
  only caller permitted to mutate balances.

SEE ALSO:
  - store/sqlite/sqlite.go: production implementation
  - store/memory/memory.go: in-memory implementation
*/
package ledger

import (
	"context"
	"time"

	"github.com/warp/lending-engine/billing"
)

// =============================================================================
// JOURNAL STORE
// =============================================================================

type JournalStore interface {
	// AppendEntries persists journal lines atomically. Append-only.
	AppendEntries(ctx context.Context, entries []AccountingEntry) error

	// EntriesBefore returns the loan's entries with entry date strictly
	// before the given date, in replay order.
	EntriesBefore(ctx context.Context, loanID string, before time.Time) ([]AccountingEntry, error)

	// EntriesInRange returns the loan's entries with entry date in
	// [from, to], in replay order. Either bound may be nil (open).
	EntriesInRange(ctx context.Context, loanID string, from, to *time.Time) ([]AccountingEntry, error)

	// VoidEntry flips an ACTIVE entry to VOIDED. Returns
	// ErrEntryNotFound when the entry does not exist or is already
	// voided.
	VoidEntry(ctx context.Context, entryID string) error
}

// =============================================================================
// PORTFOLIO STORE
// =============================================================================

type PortfolioStore interface {
	// PortfolioEntry returns the cell for key, or nil when no delta has
	// ever been applied to it.
	PortfolioEntry(ctx context.Context, key PortfolioKey) (*PortfolioEntry, error)

	// UpdatePortfolioEntry rewrites an existing cell. Used only by the
	// writer's reversal branch, inside a transaction.
	UpdatePortfolioEntry(ctx context.Context, entry PortfolioEntry) error

	// UpsertPortfolioDelta inserts the cell if absent, otherwise
	// atomically increments its amounts and recomputes balance and
	// status. Must be a single conditional write.
	UpsertPortfolioDelta(ctx context.Context, delta PortfolioDelta, movedAt time.Time) error

	// PortfolioByLoan returns all cells for a loan.
	PortfolioByLoan(ctx context.Context, loanID string) ([]PortfolioEntry, error)
}

// =============================================================================
// PROCESS RUN STORE
// =============================================================================

type RunFilter struct {
	Type   *ProcessType
	Status *RunStatus
}

type RunStore interface {
	// CreateRun persists a new PENDING run. Returns ErrDuplicateRun when
	// a non-failed run already exists for (Type, ProcessDate).
	CreateRun(ctx context.Context, run ProcessRun) error

	// Run returns a run by id, or ErrRunNotFound.
	Run(ctx context.Context, id string) (*ProcessRun, error)

	// Runs lists runs matching the filter, newest first.
	Runs(ctx context.Context, filter RunFilter) ([]ProcessRun, error)

	// ClaimRun transitions PENDING -> RUNNING and stamps StartedAt.
	// Returns false when the run is not PENDING (already claimed or
	// finished), which the worker treats as "nothing to do".
	ClaimRun(ctx context.Context, id string, at time.Time) (bool, error)

	// FinishRun records the terminal status, FinishedAt, and note.
	FinishRun(ctx context.Context, id string, status RunStatus, at time.Time, note string) error
}

// =============================================================================
// READ-SIDE COLLABORATORS
// =============================================================================

type LoanReader interface {
	ActiveLoans(ctx context.Context) ([]Loan, error)

	// Loan returns one loan, or ErrLoanNotFound.
	Loan(ctx context.Context, id string) (*Loan, error)

	// OverdueInstallments returns unpaid installments due strictly
	// before asOf.
	OverdueInstallments(ctx context.Context, asOf time.Time) ([]Installment, error)

	// ConceptsFor returns the billing concepts of the given category
	// configured for a loan.
	ConceptsFor(ctx context.Context, loanID string, category billing.Category) ([]billing.Concept, error)
}

type PaymentReader interface {
	// Payment resolves a payment reference, or ErrPaymentNotFound.
	Payment(ctx context.Context, id string) (*PaymentRef, error)
}

type AccountReader interface {
	Accounts(ctx context.Context) ([]GLAccount, error)

	// Account returns one GL account, or ErrAccountNotFound.
	Account(ctx context.Context, id string) (*GLAccount, error)
}

// =============================================================================
// COMPOSITE / TRANSACTIONAL STORE
// =============================================================================

// Store bundles everything the engine needs from the storage layer.
type Store interface {
	JournalStore
	PortfolioStore
	RunStore
	LoanReader
	PaymentReader
	AccountReader
}

// TxStore adds the transaction boundary. Journal appends and portfolio
// mutations for one posting always share a single WithTx scope.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. If fn returns an error
	// the transaction is rolled back, otherwise committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
