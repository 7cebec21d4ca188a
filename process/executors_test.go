package process

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lending-engine/billing"
	"github.com/warp/lending-engine/ledger"
	"github.com/warp/lending-engine/store/memory"
)

var testAccounts = Accounts{
	InterestReceivable:     "acct-int-rcv",
	InterestIncome:         "acct-int-inc",
	LateInterestReceivable: "acct-late-rcv",
	LateInterestIncome:     "acct-late-inc",
	InsuranceReceivable:    "acct-ins-rcv",
	InsuranceIncome:        "acct-ins-inc",
	FeeReceivable:          "acct-fee-rcv",
	FeeIncome:              "acct-fee-inc",
}

func sequentialIDs() IDFunc {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("entry-%03d", n)
	}
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

func generalRun(typ ledger.ProcessType, processDate string) ledger.ProcessRun {
	return ledger.ProcessRun{
		ID:              "run-1",
		Type:            typ,
		ScopeType:       ledger.ScopeGeneral,
		ProcessDate:     date(processDate),
		TransactionDate: date(processDate),
		Trigger:         ledger.TriggerManual,
		Status:          ledger.RunRunning,
	}
}

func TestCurrentInterestAccruesDaily(t *testing.T) {
	// GIVEN a loan with 100,000 outstanding at 18.25% annual
	store := memory.New()
	store.SeedLoan(ledger.Loan{
		ID: "loan-1", ThirdPartyID: "tp-1",
		OutstandingBalance: dec("100000.00"), AnnualRate: dec("18.25"),
		CurrentInstallment: 2, NextDueDate: date("2026-02-01"), Status: "active",
	})
	exec := &CurrentInterestExecutor{Store: store, Accounts: testAccounts, NewID: sequentialIDs()}

	// WHEN one daily accrual runs
	summary, err := exec.Execute(context.Background(), generalRun(ledger.CurrentInterest, "2026-01-15"))
	require.NoError(t, err)

	// THEN one day of interest posts: 100000 * 18.25 / 100 / 365 = 50.00
	assert.Equal(t, 1, summary.LoansProcessed)
	assert.Equal(t, 2, summary.EntriesWritten)
	assert.True(t, summary.TotalAmount.Equal(dec("50.00")), summary.TotalAmount.String())

	entries, err := store.EntriesInRange(context.Background(), "loan-1", nil, nil)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.Debit, entries[0].Nature)
	assert.Equal(t, "acct-int-rcv", entries[0].GLAccountID)
	assert.Equal(t, ledger.Credit, entries[1].Nature)
	assert.Equal(t, "acct-int-inc", entries[1].GLAccountID)
	assert.Equal(t, entries[0].DocumentCode, entries[1].DocumentCode)

	cell, err := store.PortfolioEntry(context.Background(), ledger.PortfolioKey{
		GLAccountID: "acct-int-rcv", ThirdPartyID: "tp-1", LoanID: "loan-1", InstallmentNumber: 2,
	})
	require.NoError(t, err)
	require.NotNil(t, cell)
	assert.True(t, cell.Balance.Equal(dec("50.00")))
	assert.Equal(t, ledger.PortfolioOpen, cell.Status)
}

func TestCurrentInterestSkipsZeroAccrual(t *testing.T) {
	store := memory.New()
	store.SeedLoan(ledger.Loan{
		ID: "loan-1", ThirdPartyID: "tp-1",
		OutstandingBalance: decimal.Zero, AnnualRate: dec("18"), Status: "active",
	})
	exec := &CurrentInterestExecutor{Store: store, Accounts: testAccounts, NewID: sequentialIDs()}

	summary, err := exec.Execute(context.Background(), generalRun(ledger.CurrentInterest, "2026-01-15"))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.LoansProcessed)
	assert.Equal(t, 0, summary.EntriesWritten)
}

func TestCurrentInterestLoanScope(t *testing.T) {
	store := memory.New()
	for _, id := range []string{"loan-1", "loan-2"} {
		store.SeedLoan(ledger.Loan{
			ID: id, ThirdPartyID: "tp-" + id,
			OutstandingBalance: dec("36500.00"), AnnualRate: dec("10"),
			CurrentInstallment: 1, Status: "active",
		})
	}
	exec := &CurrentInterestExecutor{Store: store, Accounts: testAccounts, NewID: sequentialIDs()}

	run := generalRun(ledger.CurrentInterest, "2026-01-15")
	run.ScopeType = ledger.ScopeLoan
	run.ScopeID = "loan-2"

	summary, err := exec.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.LoansProcessed)

	other, err := store.EntriesInRange(context.Background(), "loan-1", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, other)
}

// brokenCommitStore forces the commit transaction to roll back while
// armed, simulating a write failure at the end of a run.
type brokenCommitStore struct {
	*memory.Store
	fail bool
}

func (s *brokenCommitStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	if !s.fail {
		return s.Store.WithTx(ctx, fn)
	}
	return s.Store.WithTx(ctx, func(st ledger.Store) error {
		if err := fn(st); err != nil {
			return err
		}
		return errors.New("disk full")
	})
}

func TestFailedRunLeavesNoStateAndRetriesOnce(t *testing.T) {
	// GIVEN two loans each accruing 50.00 a day
	inner := memory.New()
	for _, id := range []string{"loan-a", "loan-b"} {
		inner.SeedLoan(ledger.Loan{
			ID: id, ThirdPartyID: "tp-" + id,
			OutstandingBalance: dec("100000.00"), AnnualRate: dec("18.25"),
			CurrentInstallment: 1, NextDueDate: date("2026-02-01"), Status: "active",
		})
	}
	store := &brokenCommitStore{Store: inner, fail: true}
	exec := &CurrentInterestExecutor{Store: store, Accounts: testAccounts, NewID: sequentialIDs()}

	// WHEN the run fails at commit
	_, err := exec.Execute(context.Background(), generalRun(ledger.CurrentInterest, "2026-01-15"))
	require.Error(t, err)

	// THEN nothing was committed for either loan
	for _, id := range []string{"loan-a", "loan-b"} {
		entries, err := inner.EntriesInRange(context.Background(), id, nil, nil)
		require.NoError(t, err)
		assert.Empty(t, entries, id)
	}

	// AND a resubmitted run for the same date charges each loan exactly once
	store.fail = false
	summary, err := exec.Execute(context.Background(), generalRun(ledger.CurrentInterest, "2026-01-15"))
	require.NoError(t, err)
	assert.Equal(t, 2, summary.LoansProcessed)

	cell, err := inner.PortfolioEntry(context.Background(), ledger.PortfolioKey{
		GLAccountID: "acct-int-rcv", ThirdPartyID: "tp-loan-a", LoanID: "loan-a", InstallmentNumber: 1,
	})
	require.NoError(t, err)
	require.NotNil(t, cell)
	assert.True(t, cell.ChargeAmount.Equal(dec("50.00")), cell.ChargeAmount.String())
}

func TestLateInterestOnOverdueInstallments(t *testing.T) {
	// GIVEN a loan with one overdue and one future installment
	store := memory.New()
	store.SeedLoan(ledger.Loan{
		ID: "loan-1", ThirdPartyID: "tp-1", LateRate: dec("36.5"), Status: "active",
	})
	store.SeedInstallment(ledger.Installment{
		LoanID: "loan-1", ThirdPartyID: "tp-1", Number: 1,
		DueDate: date("2026-01-01"), Outstanding: dec("10000.00"),
	})
	store.SeedInstallment(ledger.Installment{
		LoanID: "loan-1", ThirdPartyID: "tp-1", Number: 2,
		DueDate: date("2026-03-01"), Outstanding: dec("10000.00"),
	})
	exec := &LateInterestExecutor{Store: store, Accounts: testAccounts, NewID: sequentialIDs()}

	summary, err := exec.Execute(context.Background(), generalRun(ledger.LateInterest, "2026-01-15"))
	require.NoError(t, err)

	// THEN only the overdue installment accrues: 10000 * 36.5 / 100 / 365 = 10.00
	assert.Equal(t, 1, summary.LoansProcessed)
	assert.Equal(t, 2, summary.EntriesWritten)
	assert.True(t, summary.TotalAmount.Equal(dec("10.00")), summary.TotalAmount.String())

	cell, err := store.PortfolioEntry(context.Background(), ledger.PortfolioKey{
		GLAccountID: "acct-late-rcv", ThirdPartyID: "tp-1", LoanID: "loan-1", InstallmentNumber: 1,
	})
	require.NoError(t, err)
	require.NotNil(t, cell)
	assert.True(t, cell.ChargeAmount.Equal(dec("10.00")))
}

func TestInsuranceChargesConfiguredConcepts(t *testing.T) {
	// GIVEN a loan with a 2.5% insurance concept over 1,000,000 disbursed
	store := memory.New()
	store.SeedLoan(ledger.Loan{
		ID: "loan-1", ThirdPartyID: "tp-1",
		DisbursedAmount: dec("1000000.00"), OutstandingBalance: dec("800000.00"),
		CurrentInstallment: 3, NextDueDate: date("2026-02-01"), Status: "active",
	})
	store.SeedConcept("loan-1", billing.Concept{
		ID: "c-1", Name: "Life insurance", Category: billing.CategoryInsurance,
		Method: billing.MethodPercentage, Base: billing.BaseDisbursedAmount,
		Rate: dec("2.5"), ChargeAccountID: "acct-life-rcv", IncomeAccountID: "acct-life-inc",
	})
	exec := NewCurrentInsuranceExecutor(store, testAccounts, sequentialIDs())

	summary, err := exec.Execute(context.Background(), generalRun(ledger.CurrentInsurance, "2026-01-15"))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.LoansProcessed)
	assert.True(t, summary.TotalAmount.Equal(dec("25000.00")), summary.TotalAmount.String())

	// Concept-level accounts win over the fallbacks
	entries, err := store.EntriesInRange(context.Background(), "loan-1", nil, nil)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "acct-life-rcv", entries[0].GLAccountID)
	assert.Equal(t, "acct-life-inc", entries[1].GLAccountID)
}

func TestBillingConceptsFallbackAccounts(t *testing.T) {
	store := memory.New()
	store.SeedLoan(ledger.Loan{
		ID: "loan-1", ThirdPartyID: "tp-1", CurrentInstallment: 1, Status: "active",
	})
	store.SeedConcept("loan-1", billing.Concept{
		ID: "c-1", Name: "Admin fee", Category: billing.CategoryFee,
		Method: billing.MethodFixedAmount, Amount: dec("1500.00"),
	})
	exec := NewBillingConceptsExecutor(store, testAccounts, sequentialIDs())

	summary, err := exec.Execute(context.Background(), generalRun(ledger.BillingConcepts, "2026-01-15"))
	require.NoError(t, err)
	assert.True(t, summary.TotalAmount.Equal(dec("1500.00")))

	entries, err := store.EntriesInRange(context.Background(), "loan-1", nil, nil)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "acct-fee-rcv", entries[0].GLAccountID)
	assert.Equal(t, "acct-fee-inc", entries[1].GLAccountID)
}

func TestBillingConceptsIgnoresInsurance(t *testing.T) {
	store := memory.New()
	store.SeedLoan(ledger.Loan{ID: "loan-1", ThirdPartyID: "tp-1", Status: "active"})
	store.SeedConcept("loan-1", billing.Concept{
		ID: "c-1", Category: billing.CategoryInsurance,
		Method: billing.MethodFixedAmount, Amount: dec("100.00"),
	})
	exec := NewBillingConceptsExecutor(store, testAccounts, sequentialIDs())

	summary, err := exec.Execute(context.Background(), generalRun(ledger.BillingConcepts, "2026-01-15"))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.LoansProcessed)
	assert.Equal(t, 0, summary.EntriesWritten)
}
