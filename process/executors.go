/*
executors.go - Per-process-type run execution

PURPOSE:
  One executor per ProcessType. An executor walks the loans a run
  covers, computes the day's accrual per loan, and posts the whole run
  at once: balanced pairs of journal entries plus portfolio charge
  deltas, committed in a single transaction.

POSTING SHAPE:
  Every accrual posts two legs sharing a document code:
    seq 1  DEBIT  receivable account   (raises the outstanding balance)
    seq 2  CREDIT income account       (recognizes the revenue)
  and one portfolio delta on the receivable account's cell.

FAILURE SEMANTICS:
  All of a run's postings commit together. A failure anywhere rolls the
  entire run back, so a FAILED run leaves no ledger state behind and a
  resubmitted run for the same date starts clean. No loan can be
  charged twice for one (process type, date).
*/
package process

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/lending-engine/billing"
	"github.com/warp/lending-engine/ledger"
	"github.com/warp/lending-engine/money"
)

// Summary describes what a completed run execution did. Its rendering
// becomes the run's note.
type Summary struct {
	LoansProcessed int
	EntriesWritten int
	TotalAmount    decimal.Decimal
}

func (s Summary) Note() string {
	return fmt.Sprintf("processed %d loans, wrote %d entries, total %s",
		s.LoansProcessed, s.EntriesWritten, money.Format(s.TotalAmount))
}

// Executor runs one process type against the ledger.
type Executor interface {
	Type() ledger.ProcessType
	Execute(ctx context.Context, run ledger.ProcessRun) (Summary, error)
}

// Accounts names the GL accounts the built-in executors post to.
// Billing concepts carry their own account pair per concept; these are
// the fallbacks when a concept leaves them blank.
type Accounts struct {
	InterestReceivable     string
	InterestIncome         string
	LateInterestReceivable string
	LateInterestIncome     string
	InsuranceReceivable    string
	InsuranceIncome        string
	FeeReceivable          string
	FeeIncome              string
}

// IDFunc produces journal entry ids. Production wires uuid.NewString.
type IDFunc func() string

var daysPerYear = decimal.NewFromInt(365)
var oneHundred = decimal.NewFromInt(100)

// dailyAccrual is one day of interest on a balance at an annual
// percentage rate: balance * rate / 100 / 365.
func dailyAccrual(balance, annualRate decimal.Decimal) decimal.Decimal {
	return money.Round(balance.Mul(annualRate).Div(oneHundred).Div(daysPerYear))
}

// scopedLoans resolves which loans a run covers.
func scopedLoans(ctx context.Context, store ledger.LoanReader, run ledger.ProcessRun) ([]ledger.Loan, error) {
	if run.ScopeType == ledger.ScopeLoan {
		loan, err := store.Loan(ctx, run.ScopeID)
		if err != nil {
			return nil, err
		}
		return []ledger.Loan{*loan}, nil
	}
	return store.ActiveLoans(ctx)
}

// posting is one accrual to commit for a loan. documentCode must be
// unique per posting within the run.
type posting struct {
	loan              ledger.Loan
	amount            decimal.Decimal
	installmentNumber int
	dueDate           time.Time
	receivableAccount string
	incomeAccount     string
	description       string
	sourceID          string
	documentCode      string
}

// commitRun writes every posting's journal pair and portfolio delta in
// one transaction. A failure leaves nothing committed.
func commitRun(ctx context.Context, store ledger.TxStore, run ledger.ProcessRun, postings []posting, newID IDFunc) error {
	if len(postings) == 0 {
		return nil
	}
	entries := make([]ledger.AccountingEntry, 0, 2*len(postings))
	deltas := make([]ledger.PortfolioDelta, 0, len(postings))
	for _, p := range postings {
		entries = append(entries,
			ledger.AccountingEntry{
				ID:                newID(),
				EntryDate:         run.TransactionDate,
				ProcessType:       run.Type,
				DocumentCode:      p.documentCode,
				Sequence:          1,
				SourceType:        ledger.SourceProcessRun,
				SourceID:          p.sourceID,
				LoanID:            p.loan.ID,
				GLAccountID:       p.receivableAccount,
				Nature:            ledger.Debit,
				Amount:            p.amount,
				Description:       p.description,
				InstallmentNumber: p.installmentNumber,
				DueDate:           p.dueDate,
				Status:            ledger.EntryActive,
			},
			ledger.AccountingEntry{
				ID:                newID(),
				EntryDate:         run.TransactionDate,
				ProcessType:       run.Type,
				DocumentCode:      p.documentCode,
				Sequence:          2,
				SourceType:        ledger.SourceProcessRun,
				SourceID:          p.sourceID,
				LoanID:            p.loan.ID,
				GLAccountID:       p.incomeAccount,
				Nature:            ledger.Credit,
				Amount:            p.amount,
				Description:       p.description,
				InstallmentNumber: p.installmentNumber,
				DueDate:           p.dueDate,
				Status:            ledger.EntryActive,
			},
		)
		deltas = append(deltas, ledger.PortfolioDelta{
			Key: ledger.PortfolioKey{
				GLAccountID:       p.receivableAccount,
				ThirdPartyID:      p.loan.ThirdPartyID,
				LoanID:            p.loan.ID,
				InstallmentNumber: p.installmentNumber,
			},
			ChargeDelta: p.amount,
			DueDate:     p.dueDate,
		})
	}

	return store.WithTx(ctx, func(s ledger.Store) error {
		if err := s.AppendEntries(ctx, entries); err != nil {
			return err
		}
		return ledger.ApplyMergedDeltas(ctx, s, run.TransactionDate, ledger.MergeDeltas(deltas))
	})
}

// =============================================================================
// CURRENT INTEREST
// =============================================================================

// CurrentInterestExecutor accrues one day of contract interest on every
// covered loan's outstanding balance.
type CurrentInterestExecutor struct {
	Store    ledger.TxStore
	Accounts Accounts
	NewID    IDFunc
}

func (e *CurrentInterestExecutor) Type() ledger.ProcessType { return ledger.CurrentInterest }

func (e *CurrentInterestExecutor) Execute(ctx context.Context, run ledger.ProcessRun) (Summary, error) {
	loans, err := scopedLoans(ctx, e.Store, run)
	if err != nil {
		return Summary{}, err
	}

	var summary Summary
	var postings []posting
	for _, loan := range loans {
		amount := dailyAccrual(loan.OutstandingBalance, loan.AnnualRate)
		if !amount.IsPositive() {
			continue
		}
		postings = append(postings, posting{
			loan:              loan,
			amount:            amount,
			installmentNumber: loan.CurrentInstallment,
			dueDate:           loan.NextDueDate,
			receivableAccount: e.Accounts.InterestReceivable,
			incomeAccount:     e.Accounts.InterestIncome,
			description:       fmt.Sprintf("Interest accrual %s", money.FormatDate(run.ProcessDate)),
			sourceID:          run.ID,
			documentCode:      fmt.Sprintf("%s-%s", run.ID, loan.ID),
		})
		summary.LoansProcessed++
		summary.EntriesWritten += 2
		summary.TotalAmount = summary.TotalAmount.Add(amount)
	}
	if err := commitRun(ctx, e.Store, run, postings, e.NewID); err != nil {
		return Summary{}, err
	}
	return summary, nil
}

// =============================================================================
// LATE INTEREST
// =============================================================================

// LateInterestExecutor accrues one day of penalty interest on every
// overdue installment, at the loan's late rate over the installment's
// outstanding amount.
type LateInterestExecutor struct {
	Store    ledger.TxStore
	Accounts Accounts
	NewID    IDFunc
}

func (e *LateInterestExecutor) Type() ledger.ProcessType { return ledger.LateInterest }

func (e *LateInterestExecutor) Execute(ctx context.Context, run ledger.ProcessRun) (Summary, error) {
	overdue, err := e.Store.OverdueInstallments(ctx, run.ProcessDate)
	if err != nil {
		return Summary{}, err
	}

	loans := make(map[string]*ledger.Loan)
	touched := make(map[string]bool)
	var summary Summary
	var postings []posting
	for _, inst := range overdue {
		if run.ScopeType == ledger.ScopeLoan && inst.LoanID != run.ScopeID {
			continue
		}
		loan, ok := loans[inst.LoanID]
		if !ok {
			loan, err = e.Store.Loan(ctx, inst.LoanID)
			if err != nil {
				return Summary{}, fmt.Errorf("installment %s/%d: %w", inst.LoanID, inst.Number, err)
			}
			loans[inst.LoanID] = loan
		}

		amount := dailyAccrual(inst.Outstanding, loan.LateRate)
		if !amount.IsPositive() {
			continue
		}
		postings = append(postings, posting{
			loan:              *loan,
			amount:            amount,
			installmentNumber: inst.Number,
			dueDate:           inst.DueDate,
			receivableAccount: e.Accounts.LateInterestReceivable,
			incomeAccount:     e.Accounts.LateInterestIncome,
			description:       fmt.Sprintf("Late interest %s installment %d", money.FormatDate(run.ProcessDate), inst.Number),
			sourceID:          run.ID,
			documentCode:      fmt.Sprintf("%s-%s-%d", run.ID, inst.LoanID, inst.Number),
		})
		if !touched[inst.LoanID] {
			touched[inst.LoanID] = true
			summary.LoansProcessed++
		}
		summary.EntriesWritten += 2
		summary.TotalAmount = summary.TotalAmount.Add(amount)
	}
	if err := commitRun(ctx, e.Store, run, postings, e.NewID); err != nil {
		return Summary{}, err
	}
	return summary, nil
}

// =============================================================================
// CONCEPT-DRIVEN EXECUTORS (insurance premiums and fees)
// =============================================================================

// conceptExecutor charges every configured concept of one category. The
// insurance and billing-concept processes differ only in category and
// fallback accounts.
type conceptExecutor struct {
	store             ledger.TxStore
	processType       ledger.ProcessType
	category          billing.Category
	fallbackCharge    string
	fallbackIncome    string
	newID             IDFunc
	descriptionPrefix string
}

// NewCurrentInsuranceExecutor charges each loan's configured insurance
// premium concepts.
func NewCurrentInsuranceExecutor(store ledger.TxStore, accounts Accounts, newID IDFunc) Executor {
	return &conceptExecutor{
		store:             store,
		processType:       ledger.CurrentInsurance,
		category:          billing.CategoryInsurance,
		fallbackCharge:    accounts.InsuranceReceivable,
		fallbackIncome:    accounts.InsuranceIncome,
		newID:             newID,
		descriptionPrefix: "Insurance premium",
	}
}

// NewBillingConceptsExecutor charges each loan's configured fee
// concepts.
func NewBillingConceptsExecutor(store ledger.TxStore, accounts Accounts, newID IDFunc) Executor {
	return &conceptExecutor{
		store:             store,
		processType:       ledger.BillingConcepts,
		category:          billing.CategoryFee,
		fallbackCharge:    accounts.FeeReceivable,
		fallbackIncome:    accounts.FeeIncome,
		newID:             newID,
		descriptionPrefix: "Billing concept",
	}
}

func (e *conceptExecutor) Type() ledger.ProcessType { return e.processType }

func (e *conceptExecutor) Execute(ctx context.Context, run ledger.ProcessRun) (Summary, error) {
	loans, err := scopedLoans(ctx, e.store, run)
	if err != nil {
		return Summary{}, err
	}

	var summary Summary
	var postings []posting
	for _, loan := range loans {
		concepts, err := e.store.ConceptsFor(ctx, loan.ID, e.category)
		if err != nil {
			return Summary{}, fmt.Errorf("loan %s: %w", loan.ID, err)
		}
		if len(concepts) == 0 {
			continue
		}

		bases := billing.BaseValues{
			billing.BaseDisbursedAmount:    loan.DisbursedAmount,
			billing.BasePrincipal:          loan.Principal,
			billing.BaseOutstandingBalance: loan.OutstandingBalance,
			billing.BaseInstallmentAmount:  loan.InstallmentAmount,
		}

		charged := false
		for _, concept := range concepts {
			amount := concept.Calculate(bases)
			if !amount.IsPositive() {
				continue
			}
			chargeAccount := concept.ChargeAccountID
			if chargeAccount == "" {
				chargeAccount = e.fallbackCharge
			}
			incomeAccount := concept.IncomeAccountID
			if incomeAccount == "" {
				incomeAccount = e.fallbackIncome
			}
			postings = append(postings, posting{
				loan:              loan,
				amount:            amount,
				installmentNumber: loan.CurrentInstallment,
				dueDate:           loan.NextDueDate,
				receivableAccount: chargeAccount,
				incomeAccount:     incomeAccount,
				description:       fmt.Sprintf("%s: %s", e.descriptionPrefix, concept.Name),
				sourceID:          run.ID,
				documentCode:      fmt.Sprintf("%s-%s-%s", run.ID, loan.ID, concept.ID),
			})
			charged = true
			summary.EntriesWritten += 2
			summary.TotalAmount = summary.TotalAmount.Add(amount)
		}
		if charged {
			summary.LoansProcessed++
		}
	}
	if err := commitRun(ctx, e.store, run, postings, e.newID); err != nil {
		return Summary{}, err
	}
	return summary, nil
}
