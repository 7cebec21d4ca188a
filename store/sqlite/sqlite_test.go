package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lending-engine/ledger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestAppendAndReplayOrder(t *testing.T) {
	// GIVEN entries inserted out of replay order
	store := newTestStore(t)
	ctx := context.Background()

	entries := []ledger.AccountingEntry{
		{ID: "e3", EntryDate: date("2026-01-02"), DocumentCode: "DOC-1", Sequence: 1,
			SourceType: ledger.SourceProcessRun, LoanID: "loan-1", GLAccountID: "acct-rcv",
			Nature: ledger.Debit, Amount: dec("30.00")},
		{ID: "e1", EntryDate: date("2026-01-01"), DocumentCode: "DOC-1", Sequence: 2,
			SourceType: ledger.SourceProcessRun, LoanID: "loan-1", GLAccountID: "acct-rcv",
			Nature: ledger.Debit, Amount: dec("10.00")},
		{ID: "e2", EntryDate: date("2026-01-01"), DocumentCode: "DOC-1", Sequence: 1,
			SourceType: ledger.SourceProcessRun, LoanID: "loan-1", GLAccountID: "acct-rcv",
			Nature: ledger.Debit, Amount: dec("20.00")},
	}
	require.NoError(t, store.AppendEntries(ctx, entries))

	// WHEN reading them back
	got, err := store.EntriesInRange(ctx, "loan-1", nil, nil)
	require.NoError(t, err)

	// THEN replay order is (entry date, document code, sequence, id)
	require.Len(t, got, 3)
	assert.Equal(t, "e2", got[0].ID)
	assert.Equal(t, "e1", got[1].ID)
	assert.Equal(t, "e3", got[2].ID)
	assert.True(t, got[0].Amount.Equal(dec("20.00")))
}

func TestEntriesBeforeExcludesWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendEntries(ctx, []ledger.AccountingEntry{
		{ID: "prior", EntryDate: date("2025-12-31"), DocumentCode: "D", Sequence: 1,
			SourceType: ledger.SourceLoanApproval, LoanID: "loan-1", GLAccountID: "a",
			Nature: ledger.Debit, Amount: dec("100.00")},
		{ID: "inside", EntryDate: date("2026-01-01"), DocumentCode: "D", Sequence: 1,
			SourceType: ledger.SourceProcessRun, LoanID: "loan-1", GLAccountID: "a",
			Nature: ledger.Debit, Amount: dec("5.00")},
	}))

	got, err := store.EntriesBefore(ctx, "loan-1", date("2026-01-01"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "prior", got[0].ID)
}

func TestVoidEntry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendEntries(ctx, []ledger.AccountingEntry{
		{ID: "e1", EntryDate: date("2026-01-01"), DocumentCode: "D", Sequence: 1,
			SourceType: ledger.SourceLoanPayment, LoanID: "loan-1", GLAccountID: "a",
			Nature: ledger.Credit, Amount: dec("50.00")},
	}))

	require.NoError(t, store.VoidEntry(ctx, "e1"))

	got, err := store.EntriesInRange(ctx, "loan-1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ledger.EntryVoided, got[0].Status)

	// Voiding twice or voiding an unknown entry is not found
	assert.ErrorIs(t, store.VoidEntry(ctx, "e1"), ledger.ErrEntryNotFound)
	assert.ErrorIs(t, store.VoidEntry(ctx, "nope"), ledger.ErrEntryNotFound)
}

func TestUpsertPortfolioDeltaAccumulates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := ledger.PortfolioKey{GLAccountID: "a", ThirdPartyID: "tp", LoanID: "l", InstallmentNumber: 1}

	// First delta inserts the cell
	require.NoError(t, store.UpsertPortfolioDelta(ctx, ledger.PortfolioDelta{
		Key: key, ChargeDelta: dec("100.00"), DueDate: date("2026-02-01"),
	}, date("2026-01-01")))

	// Second delta increments in place
	require.NoError(t, store.UpsertPortfolioDelta(ctx, ledger.PortfolioDelta{
		Key: key, ChargeDelta: dec("50.00"), PaymentDelta: dec("30.00"),
	}, date("2026-01-02")))

	entry, err := store.PortfolioEntry(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.ChargeAmount.Equal(dec("150.00")), entry.ChargeAmount.String())
	assert.True(t, entry.PaymentAmount.Equal(dec("30.00")))
	assert.True(t, entry.Balance.Equal(dec("120.00")))
	assert.Equal(t, ledger.PortfolioOpen, entry.Status)
	// Earliest-seen due date survives later movements
	assert.Equal(t, date("2026-02-01"), entry.DueDate)
	assert.Equal(t, date("2026-01-02"), entry.LastMovementDate)
}

func TestUpsertClosesAtTolerance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := ledger.PortfolioKey{GLAccountID: "a", ThirdPartyID: "tp", LoanID: "l", InstallmentNumber: 1}

	require.NoError(t, store.UpsertPortfolioDelta(ctx, ledger.PortfolioDelta{
		Key: key, ChargeDelta: dec("100.00"),
	}, date("2026-01-01")))
	require.NoError(t, store.UpsertPortfolioDelta(ctx, ledger.PortfolioDelta{
		Key: key, PaymentDelta: dec("99.99"),
	}, date("2026-01-02")))

	entry, err := store.PortfolioEntry(ctx, key)
	require.NoError(t, err)
	// Residual balance of one cent is within the close tolerance
	assert.True(t, entry.Balance.Equal(dec("0.01")))
	assert.Equal(t, ledger.PortfolioClosed, entry.Status)
}

func TestPortfolioEntryAbsentIsNil(t *testing.T) {
	store := newTestStore(t)
	entry, err := store.PortfolioEntry(context.Background(), ledger.PortfolioKey{GLAccountID: "x"})
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestCreateRunDuplicateDetection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := ledger.ProcessRun{
		ID: "run-1", Type: ledger.CurrentInterest, ScopeType: ledger.ScopeGeneral,
		ProcessDate: date("2026-01-15"), TransactionDate: date("2026-01-16"),
		Trigger: ledger.TriggerCron, Status: ledger.RunPending, CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateRun(ctx, run))

	// Same type and date conflicts
	dup := run
	dup.ID = "run-2"
	assert.ErrorIs(t, store.CreateRun(ctx, dup), ledger.ErrDuplicateRun)

	// A FAILED run does not block a retry for the same date
	require.NoError(t, store.FinishRun(ctx, "run-1", ledger.RunFailed, time.Now(), "boom"))
	retry := run
	retry.ID = "run-3"
	require.NoError(t, store.CreateRun(ctx, retry))

	// Different date never conflicts
	other := run
	other.ID = "run-4"
	other.ProcessDate = date("2026-01-16")
	require.NoError(t, store.CreateRun(ctx, other))
}

func TestClaimRunIsConditional(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRun(ctx, ledger.ProcessRun{
		ID: "run-1", Type: ledger.LateInterest, ScopeType: ledger.ScopeGeneral,
		ProcessDate: date("2026-01-15"), TransactionDate: date("2026-01-15"),
		Trigger: ledger.TriggerManual, Status: ledger.RunPending, CreatedAt: time.Now(),
	}))

	claimed, err := store.ClaimRun(ctx, "run-1", time.Now())
	require.NoError(t, err)
	assert.True(t, claimed)

	// Second claim is a no-op, not an error
	claimed, err = store.ClaimRun(ctx, "run-1", time.Now())
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := store.Run(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.RunRunning, got.Status)
	assert.NotNil(t, got.StartedAt)
}

func TestRunsFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	for i, typ := range []ledger.ProcessType{ledger.CurrentInterest, ledger.LateInterest} {
		require.NoError(t, store.CreateRun(ctx, ledger.ProcessRun{
			ID: typ.JobID("x"), Type: typ, ScopeType: ledger.ScopeGeneral,
			ProcessDate: date("2026-01-15"), TransactionDate: date("2026-01-15"),
			Trigger: ledger.TriggerCron, Status: ledger.RunPending,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := store.Runs(ctx, ledger.RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	// Newest first
	assert.Equal(t, ledger.LateInterest, all[0].Type)

	typ := ledger.CurrentInterest
	filtered, err := store.Runs(ctx, ledger.RunFilter{Type: &typ})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, ledger.CurrentInterest, filtered[0].Type)

	_, err = store.Run(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrRunNotFound)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(s ledger.Store) error {
		if err := s.AppendEntries(ctx, []ledger.AccountingEntry{
			{ID: "e1", EntryDate: date("2026-01-01"), DocumentCode: "D", Sequence: 1,
				SourceType: ledger.SourceProcessRun, LoanID: "loan-1", GLAccountID: "a",
				Nature: ledger.Debit, Amount: dec("10.00")},
		}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	got, err := store.EntriesInRange(ctx, "loan-1", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWithTxNestedReusesTransaction(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(outer ledger.Store) error {
		tx, ok := outer.(ledger.TxStore)
		require.True(t, ok)
		return tx.WithTx(ctx, func(inner ledger.Store) error {
			return inner.AppendEntries(ctx, []ledger.AccountingEntry{
				{ID: "e1", EntryDate: date("2026-01-01"), DocumentCode: "D", Sequence: 1,
					SourceType: ledger.SourceProcessRun, LoanID: "loan-1", GLAccountID: "a",
					Nature: ledger.Debit, Amount: dec("10.00")},
			})
		})
	})
	require.NoError(t, err)

	got, err := store.EntriesInRange(ctx, "loan-1", nil, nil)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestLoanReadSide(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveLoan(ctx, ledger.Loan{
		ID: "loan-1", ThirdPartyID: "tp-1",
		DisbursedAmount: dec("1000000.00"), Principal: dec("1000000.00"),
		OutstandingBalance: dec("800000.00"), InstallmentAmount: dec("95000.00"),
		AnnualRate: dec("18"), LateRate: dec("24"),
		CurrentInstallment: 3, NextDueDate: date("2026-02-01"), Status: "active",
	}))
	require.NoError(t, store.SaveLoan(ctx, ledger.Loan{
		ID: "loan-2", ThirdPartyID: "tp-2", Status: "paid_off",
	}))

	active, err := store.ActiveLoans(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "loan-1", active[0].ID)
	assert.True(t, active[0].AnnualRate.Equal(dec("18")))
	assert.True(t, active[0].OutstandingBalance.Equal(dec("800000.00")))

	_, err = store.Loan(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrLoanNotFound)
}

func TestOverdueInstallments(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveInstallment(ctx, ledger.Installment{
		LoanID: "loan-1", ThirdPartyID: "tp-1", Number: 1,
		DueDate: date("2026-01-01"), Amount: dec("100.00"), Outstanding: dec("100.00"),
	}))
	require.NoError(t, store.SaveInstallment(ctx, ledger.Installment{
		LoanID: "loan-1", ThirdPartyID: "tp-1", Number: 2,
		DueDate: date("2026-02-01"), Amount: dec("100.00"), Outstanding: dec("100.00"),
	}))
	require.NoError(t, store.SaveInstallment(ctx, ledger.Installment{
		LoanID: "loan-1", ThirdPartyID: "tp-1", Number: 3,
		DueDate: date("2025-12-01"), Amount: dec("100.00"), Paid: true,
	}))

	overdue, err := store.OverdueInstallments(ctx, date("2026-01-15"))
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, 1, overdue[0].Number)
}
