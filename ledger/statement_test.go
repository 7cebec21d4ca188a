package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lending-engine/ledger"
	"github.com/warp/lending-engine/store/memory"
)

func seedStatementStore() *memory.Store {
	store := memory.New()
	store.SeedLoan(ledger.Loan{ID: "loan-1", ThirdPartyID: "tp-1", Status: "active"})
	store.SeedAccount(ledger.GLAccount{ID: "acct-rcv", Code: "1305", DetailType: ledger.DetailReceivable})
	store.SeedAccount(ledger.GLAccount{ID: "acct-inc", Code: "4105", DetailType: ledger.DetailNone})
	return store
}

func entry(id, entryDate, doc string, seq int, account string, nature ledger.Nature, amount string) ledger.AccountingEntry {
	return ledger.AccountingEntry{
		ID:           id,
		EntryDate:    date(entryDate),
		DocumentCode: doc,
		Sequence:     seq,
		SourceType:   ledger.SourceProcessRun,
		LoanID:       "loan-1",
		GLAccountID:  account,
		Nature:       nature,
		Amount:       dec(amount),
		Status:       ledger.EntryActive,
	}
}

func TestStatementRunningBalance(t *testing.T) {
	store := seedStatementStore()
	builder := ledger.NewStatementBuilder(store)
	ctx := context.Background()

	require.NoError(t, store.AppendEntries(ctx, []ledger.AccountingEntry{
		// Before the window: establishes the opening balance
		entry("e0", "2026-01-05", "D0", 1, "acct-rcv", ledger.Debit, "100.00"),
		// In the window
		entry("e1", "2026-01-10", "D1", 1, "acct-rcv", ledger.Debit, "50.00"),
		entry("e2", "2026-01-12", "D2", 1, "acct-rcv", ledger.Credit, "30.00"),
		// Income-account leg: no receivable effect
		entry("e3", "2026-01-12", "D2", 2, "acct-inc", ledger.Credit, "50.00"),
	}))

	from, to := date("2026-01-08"), date("2026-01-31")
	statement, err := builder.Build(ctx, "loan-1", &from, &to)
	require.NoError(t, err)

	assert.True(t, statement.OpeningBalance.Equal(dec("100.00")))
	require.Len(t, statement.Rows, 3)
	assert.True(t, statement.Rows[0].RunningBalance.Equal(dec("150.00")))
	assert.True(t, statement.Rows[1].RunningBalance.Equal(dec("120.00")))
	// Non-receivable account contributes zero
	assert.True(t, statement.Rows[2].ReceivableDelta.IsZero())
	assert.True(t, statement.Rows[2].RunningBalance.Equal(dec("120.00")))
	assert.True(t, statement.ClosingBalance.Equal(dec("120.00")))
}

func TestStatementOpeningPlusDeltasEqualsClosing(t *testing.T) {
	store := seedStatementStore()
	builder := ledger.NewStatementBuilder(store)
	ctx := context.Background()

	require.NoError(t, store.AppendEntries(ctx, []ledger.AccountingEntry{
		entry("e1", "2026-01-02", "D1", 1, "acct-rcv", ledger.Debit, "10.50"),
		entry("e2", "2026-01-09", "D2", 1, "acct-rcv", ledger.Debit, "20.25"),
		entry("e3", "2026-01-16", "D3", 1, "acct-rcv", ledger.Credit, "5.75"),
	}))

	from, to := date("2026-01-05"), date("2026-01-31")
	statement, err := builder.Build(ctx, "loan-1", &from, &to)
	require.NoError(t, err)

	sum := statement.OpeningBalance
	for _, row := range statement.Rows {
		sum = sum.Add(row.ReceivableDelta)
	}
	assert.True(t, sum.Equal(statement.ClosingBalance))
}

func TestStatementIsDeterministic(t *testing.T) {
	store := seedStatementStore()
	builder := ledger.NewStatementBuilder(store)
	ctx := context.Background()

	// Entries appended out of order; tie on date and document broken by
	// sequence, then id
	require.NoError(t, store.AppendEntries(ctx, []ledger.AccountingEntry{
		entry("e-b", "2026-01-10", "D1", 2, "acct-rcv", ledger.Debit, "1.00"),
		entry("e-a", "2026-01-10", "D1", 1, "acct-rcv", ledger.Debit, "2.00"),
		entry("e-c", "2026-01-10", "D1", 2, "acct-rcv", ledger.Debit, "3.00"),
	}))

	first, err := builder.Build(ctx, "loan-1", nil, nil)
	require.NoError(t, err)
	second, err := builder.Build(ctx, "loan-1", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	require.Len(t, first.Rows, 3)
	assert.Equal(t, "e-a", first.Rows[0].Entry.ID)
	assert.Equal(t, "e-b", first.Rows[1].Entry.ID)
	assert.Equal(t, "e-c", first.Rows[2].Entry.ID)
}

func TestStatementVoidedEntriesContributeZero(t *testing.T) {
	store := seedStatementStore()
	builder := ledger.NewStatementBuilder(store)
	ctx := context.Background()

	require.NoError(t, store.AppendEntries(ctx, []ledger.AccountingEntry{
		entry("e1", "2026-01-10", "D1", 1, "acct-rcv", ledger.Debit, "100.00"),
		entry("e2", "2026-01-11", "D2", 1, "acct-rcv", ledger.Debit, "40.00"),
	}))
	require.NoError(t, store.VoidEntry(ctx, "e2"))

	statement, err := builder.Build(ctx, "loan-1", nil, nil)
	require.NoError(t, err)

	// The voided entry still appears, but with zero effect
	require.Len(t, statement.Rows, 2)
	assert.Equal(t, ledger.EntryVoided, statement.Rows[1].Entry.Status)
	assert.True(t, statement.Rows[1].ReceivableDelta.IsZero())
	assert.True(t, statement.ClosingBalance.Equal(dec("100.00")))
}

func TestStatementResolvesPayments(t *testing.T) {
	store := seedStatementStore()
	store.SeedPayment(ledger.PaymentRef{
		ID: "pay-1", ReceiptNumber: "R-0042", Amount: dec("30.00"),
		PaidAt: time.Date(2026, 1, 12, 15, 0, 0, 0, time.UTC),
	})
	builder := ledger.NewStatementBuilder(store)
	ctx := context.Background()

	paid := entry("e1", "2026-01-12", "D1", 1, "acct-rcv", ledger.Credit, "30.00")
	paid.SourceType = ledger.SourceLoanPayment
	paid.SourceID = "pay-1"
	dangling := entry("e2", "2026-01-13", "D2", 1, "acct-rcv", ledger.Credit, "10.00")
	dangling.SourceType = ledger.SourceLoanPayment
	dangling.SourceID = "pay-missing"
	require.NoError(t, store.AppendEntries(ctx, []ledger.AccountingEntry{paid, dangling}))

	statement, err := builder.Build(ctx, "loan-1", nil, nil)
	require.NoError(t, err)

	require.Len(t, statement.Rows, 2)
	require.NotNil(t, statement.Rows[0].RelatedPayment)
	assert.Equal(t, "R-0042", statement.Rows[0].RelatedPayment.ReceiptNumber)
	// A dangling reference leaves the row without a payment, not an error
	assert.Nil(t, statement.Rows[1].RelatedPayment)
}

func TestStatementInvalidRange(t *testing.T) {
	store := seedStatementStore()
	builder := ledger.NewStatementBuilder(store)

	from, to := date("2026-02-01"), date("2026-01-01")
	_, err := builder.Build(context.Background(), "loan-1", &from, &to)
	assert.ErrorIs(t, err, ledger.ErrInvalidDateRange)
}

func TestStatementUnknownLoan(t *testing.T) {
	store := seedStatementStore()
	builder := ledger.NewStatementBuilder(store)

	_, err := builder.Build(context.Background(), "missing", nil, nil)
	assert.ErrorIs(t, err, ledger.ErrLoanNotFound)
}
