/*
Package ledger is the core of the accrual and ledger processing engine.

PURPOSE:
  This package owns the domain types and the two hard invariant-bearing
  operations of the platform:
  - The portfolio ledger writer (portfolio.go): transactional, idempotent
    application of balance deltas with reversal safety.
  - The statement reconstructor (statement.go): deterministic replay of
    the immutable accounting journal into a running-balance timeline.

KEY CONCEPTS IN THIS FILE (types.go):
  - AccountingEntry: one immutable journal line (debit/credit)
  - GLAccount: general-ledger classification with a receivable flag
  - PortfolioEntry: the aggregated outstanding-balance cell for one
    (account, counterparty, loan, installment) key
  - ProcessRun: one scheduled/executed unit of accrual work
  - Loan/Installment/PaymentRef: typed rows from the query collaborator

DESIGN PRINCIPLES:
  1. Immutability: journal entries are never edited; a VOIDED status flag
     cancels their effect, and corrections post new entries.
  2. Precision: decimal.Decimal everywhere, rounded via money.Round
     before persistence.
  3. Composite keys are structs with structural equality, never
     delimiter-joined strings.

SEE ALSO:
  - store.go: persistence interfaces implemented by store/sqlite and
    store/memory
  - errors.go: the error taxonomy shared by all operations
*/
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/lending-engine/money"
)

// =============================================================================
// GENERAL LEDGER ACCOUNTS
// =============================================================================

// DetailType governs whether entries on an account affect the loan's
// outstanding-balance computation.
type DetailType string

const (
	DetailReceivable DetailType = "RECEIVABLE"
	DetailPayable    DetailType = "PAYABLE"
	DetailNone       DetailType = "NONE"
)

type GLAccount struct {
	ID         string
	Code       string
	Name       string
	DetailType DetailType
}

// =============================================================================
// ACCOUNTING ENTRIES (journal lines)
// =============================================================================

// Nature is the debit/credit polarity of a journal entry.
type Nature string

const (
	Debit  Nature = "DEBIT"
	Credit Nature = "CREDIT"
)

type EntryStatus string

const (
	EntryActive EntryStatus = "ACTIVE"
	EntryVoided EntryStatus = "VOIDED"
)

// SourceType identifies what business event produced an entry.
type SourceType string

const (
	SourceLoanApproval     SourceType = "LOAN_APPROVAL"
	SourceLoanPayment      SourceType = "LOAN_PAYMENT"
	SourceLoanPaymentVoid  SourceType = "LOAN_PAYMENT_VOID"
	SourceProcessRun       SourceType = "PROCESS_RUN"
	SourceRefinance        SourceType = "REFINANCE"
	SourceManualAdjustment SourceType = "MANUAL_ADJUSTMENT"
)

var sourceLabels = map[SourceType]string{
	SourceLoanApproval:     "Loan approval",
	SourceLoanPayment:      "Payment",
	SourceLoanPaymentVoid:  "Payment void",
	SourceProcessRun:       "Accrual process",
	SourceRefinance:        "Refinance",
	SourceManualAdjustment: "Manual adjustment",
}

// Label returns the human-readable name for statement rows.
func (s SourceType) Label() string {
	if l, ok := sourceLabels[s]; ok {
		return l
	}
	return string(s)
}

// AccountingEntry is one journal line. Immutable once written: the only
// permitted state change is the ACTIVE -> VOIDED status flip, which
// logically cancels its effect without deleting it.
type AccountingEntry struct {
	ID          string
	EntryDate   time.Time
	ProcessType ProcessType
	// DocumentCode groups the entries of one posting; Sequence breaks
	// ties within a document.
	DocumentCode      string
	Sequence          int
	SourceType        SourceType
	SourceID          string
	LoanID            string
	GLAccountID       string
	Nature            Nature
	Amount            decimal.Decimal // non-negative, money precision
	Description       string
	InstallmentNumber int
	DueDate           time.Time
	Status            EntryStatus
}

// ReceivableDelta is the signed effect of this entry on the loan's
// outstanding balance, given its account's detail type. VOIDED entries
// and entries on non-receivable accounts contribute zero.
func (e AccountingEntry) ReceivableDelta(detail DetailType) decimal.Decimal {
	if e.Status == EntryVoided || detail != DetailReceivable {
		return decimal.Zero
	}
	amount := money.Round(e.Amount)
	if e.Nature == Credit {
		return amount.Neg()
	}
	return amount
}

// =============================================================================
// PORTFOLIO (aggregated balance cells)
// =============================================================================

// PortfolioKey identifies one balance cell. Structural equality makes it
// usable directly as a map key during delta merging.
type PortfolioKey struct {
	GLAccountID       string
	ThirdPartyID      string
	LoanID            string
	InstallmentNumber int
}

func (k PortfolioKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%d", k.GLAccountID, k.ThirdPartyID, k.LoanID, k.InstallmentNumber)
}

type PortfolioStatus string

const (
	PortfolioOpen   PortfolioStatus = "OPEN"
	PortfolioClosed PortfolioStatus = "CLOSED"
)

// PortfolioEntry is the aggregated outstanding-balance record for one
// key. Created on first delta, accumulated in place afterwards, never
// deleted. Balance, charge, and payment amounts are never negative.
type PortfolioEntry struct {
	Key              PortfolioKey
	ChargeAmount     decimal.Decimal
	PaymentAmount    decimal.Decimal
	Balance          decimal.Decimal // charge - payment, money precision
	DueDate          time.Time
	LastMovementDate time.Time
	Status           PortfolioStatus
}

// PortfolioDelta is one requested movement on a cell. Negative deltas
// are reversals and require an existing cell with sufficient totals.
type PortfolioDelta struct {
	Key          PortfolioKey
	ChargeDelta  decimal.Decimal
	PaymentDelta decimal.Decimal
	DueDate      time.Time
}

// =============================================================================
// PROCESS RUNS
// =============================================================================

// ProcessType identifies one kind of accrual work. Each type has its own
// queue and single-concurrency worker.
type ProcessType string

const (
	CurrentInterest  ProcessType = "CURRENT_INTEREST"
	LateInterest     ProcessType = "LATE_INTEREST"
	CurrentInsurance ProcessType = "CURRENT_INSURANCE"
	BillingConcepts  ProcessType = "BILLING_CONCEPTS"
)

// ProcessTypes lists every known type, in queue construction order.
func ProcessTypes() []ProcessType {
	return []ProcessType{CurrentInterest, LateInterest, CurrentInsurance, BillingConcepts}
}

// JobID derives the durable queue job identifier for a run. Submitting
// the same run twice yields the same job id, which the queue rejects,
// making enqueue idempotent.
func (t ProcessType) JobID(runID string) string {
	return fmt.Sprintf("%s-run-%s", strings.ToLower(string(t)), runID)
}

type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

type TriggerSource string

const (
	TriggerCron   TriggerSource = "CRON"
	TriggerManual TriggerSource = "MANUAL"
	TriggerAPI    TriggerSource = "API"
)

// ScopeType narrows which loans a run covers.
type ScopeType string

const (
	ScopeGeneral ScopeType = "GENERAL" // all loans
	ScopeLoan    ScopeType = "LOAN"    // a single loan (ScopeID = loan id)
)

// ProcessRun is one unit of scheduled/executed accrual work. Runs are an
// append-only audit trail: they are never deleted, and a failed run
// stays FAILED until deliberately resubmitted as a new run.
//
// At most one non-failed run may exist per (Type, ProcessDate); the
// store surfaces violations as ErrDuplicateRun.
type ProcessRun struct {
	ID                 string
	Type               ProcessType
	ScopeType          ScopeType
	ScopeID            string
	AccountingPeriodID string // empty when no period is attached
	ProcessDate        time.Time
	TransactionDate    time.Time
	Trigger            TriggerSource
	ExecutedByID       string
	ExecutedByName     string
	StartedAt          *time.Time
	FinishedAt         *time.Time
	Status             RunStatus
	Note               string
	CreatedAt          time.Time
}

// =============================================================================
// QUERY COLLABORATOR ROWS
// =============================================================================

// Loan is the typed row the engine reads from the loan administration
// schema. Approval workflow and schema details live outside this module.
type Loan struct {
	ID                 string
	ThirdPartyID       string
	DisbursedAmount    decimal.Decimal
	Principal          decimal.Decimal
	OutstandingBalance decimal.Decimal
	InstallmentAmount  decimal.Decimal
	// AnnualRate and LateRate are percentages (18 means 18% per year).
	AnnualRate         decimal.Decimal
	LateRate           decimal.Decimal
	CurrentInstallment int
	NextDueDate        time.Time
	Status             string
}

// Installment is one scheduled repayment of a loan.
type Installment struct {
	LoanID       string
	ThirdPartyID string
	Number       int
	DueDate      time.Time
	Amount       decimal.Decimal
	Outstanding  decimal.Decimal
	Paid         bool
}

// PaymentRef is the resolved reference to a loan payment, attached to
// statement rows whose source is LOAN_PAYMENT or LOAN_PAYMENT_VOID.
type PaymentRef struct {
	ID            string
	ReceiptNumber string
	Amount        decimal.Decimal
	PaidAt        time.Time
}
