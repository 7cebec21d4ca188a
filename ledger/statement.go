/*
statement.go - Account statement reconstruction

PURPOSE:
  Replays the immutable accounting journal for one loan into a
  chronological statement: an opening balance folded from everything
  before the window, then one row per in-range entry carrying its
  receivable delta and the post-entry running balance.

DETERMINISM:
  Replay order is strictly (entry date, document code, sequence, id).
  The store contract reproduces this ordering, so reconstructing the
  same window twice yields identical output. Pure read, no locking: a
  snapshot read may not see in-flight ledger transactions, which is
  acceptable for reporting.

SEE ALSO:
  - types.go: AccountingEntry.ReceivableDelta
  - store.go: JournalStore ordering contract
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/lending-engine/money"
)

// StatementRow is one journal entry in context: its signed effect on
// the receivable balance and the balance after applying it.
type StatementRow struct {
	Entry           AccountingEntry
	SourceLabel     string
	RelatedPayment  *PaymentRef
	ReceivableDelta decimal.Decimal
	RunningBalance  decimal.Decimal
}

type Statement struct {
	LoanID         string
	From           *time.Time
	To             *time.Time
	OpeningBalance decimal.Decimal
	ClosingBalance decimal.Decimal
	Rows           []StatementRow
}

// StatementBuilder reconstructs statements from the journal. Read-only.
type StatementBuilder struct {
	Journal  JournalStore
	Accounts AccountReader
	Payments PaymentReader
	Loans    LoanReader
}

func NewStatementBuilder(s Store) *StatementBuilder {
	return &StatementBuilder{Journal: s, Accounts: s, Payments: s, Loans: s}
}

// Build reconstructs the loan's statement over [from, to]. Either bound
// may be nil (open). Fails with ErrInvalidDateRange when from > to and
// ErrLoanNotFound for an unknown loan.
func (b *StatementBuilder) Build(ctx context.Context, loanID string, from, to *time.Time) (*Statement, error) {
	if from != nil && to != nil && from.After(*to) {
		return nil, ErrInvalidDateRange
	}
	if _, err := b.Loans.Loan(ctx, loanID); err != nil {
		return nil, err
	}

	detailTypes, err := b.detailTypes(ctx)
	if err != nil {
		return nil, err
	}

	opening := decimal.Zero
	if from != nil {
		prior, err := b.Journal.EntriesBefore(ctx, loanID, *from)
		if err != nil {
			return nil, fmt.Errorf("load prior entries: %w", err)
		}
		for _, e := range prior {
			opening = opening.Add(e.ReceivableDelta(detailTypes[e.GLAccountID]))
		}
		opening = money.Round(opening)
	}

	entries, err := b.Journal.EntriesInRange(ctx, loanID, from, to)
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}

	statement := &Statement{
		LoanID:         loanID,
		From:           from,
		To:             to,
		OpeningBalance: opening,
		Rows:           make([]StatementRow, 0, len(entries)),
	}

	running := opening
	for _, e := range entries {
		delta := e.ReceivableDelta(detailTypes[e.GLAccountID])
		running = money.Round(running.Add(delta))

		row := StatementRow{
			Entry:           e,
			SourceLabel:     e.SourceType.Label(),
			ReceivableDelta: delta,
			RunningBalance:  running,
		}
		if e.SourceType == SourceLoanPayment || e.SourceType == SourceLoanPaymentVoid {
			row.RelatedPayment = b.resolvePayment(ctx, e.SourceID)
		}
		statement.Rows = append(statement.Rows, row)
	}

	statement.ClosingBalance = running
	return statement, nil
}

func (b *StatementBuilder) detailTypes(ctx context.Context) (map[string]DetailType, error) {
	accounts, err := b.Accounts.Accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load gl accounts: %w", err)
	}
	types := make(map[string]DetailType, len(accounts))
	for _, a := range accounts {
		types[a.ID] = a.DetailType
	}
	return types, nil
}

// resolvePayment is best-effort: a dangling payment reference leaves
// the row without one instead of failing the statement.
func (b *StatementBuilder) resolvePayment(ctx context.Context, paymentID string) *PaymentRef {
	ref, err := b.Payments.Payment(ctx, paymentID)
	if err != nil {
		return nil
	}
	return ref
}
