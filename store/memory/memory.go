// Package memory provides an in-memory TxStore implementation for tests
// and dev mode. WithTx is simulated with a snapshot that is restored on
// error, mirroring rollback semantics.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/lending-engine/billing"
	"github.com/warp/lending-engine/ledger"
	"github.com/warp/lending-engine/money"
)

type Store struct {
	mu sync.RWMutex

	entries   []ledger.AccountingEntry
	portfolio map[ledger.PortfolioKey]ledger.PortfolioEntry
	runs      map[string]ledger.ProcessRun
	runOrder  []string

	loans        map[string]ledger.Loan
	installments []ledger.Installment
	concepts     map[string][]billing.Concept
	payments     map[string]ledger.PaymentRef
	accounts     map[string]ledger.GLAccount
	accountIDs   []string
}

func New() *Store {
	return &Store{
		portfolio: make(map[ledger.PortfolioKey]ledger.PortfolioEntry),
		runs:      make(map[string]ledger.ProcessRun),
		loans:     make(map[string]ledger.Loan),
		concepts:  make(map[string][]billing.Concept),
		payments:  make(map[string]ledger.PaymentRef),
		accounts:  make(map[string]ledger.GLAccount),
	}
}

// =============================================================================
// FIXTURES (read-side collaborator data)
// =============================================================================

func (m *Store) SeedLoan(l ledger.Loan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loans[l.ID] = l
}

func (m *Store) SeedInstallment(i ledger.Installment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.installments = append(m.installments, i)
}

func (m *Store) SeedConcept(loanID string, c billing.Concept) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.concepts[loanID] = append(m.concepts[loanID], c)
}

func (m *Store) SeedPayment(p ledger.PaymentRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = p
}

func (m *Store) SeedAccount(a ledger.GLAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[a.ID]; !ok {
		m.accountIDs = append(m.accountIDs, a.ID)
	}
	m.accounts[a.ID] = a
}

// =============================================================================
// JOURNAL STORE
// =============================================================================

func (m *Store) AppendEntries(_ context.Context, entries []ledger.AccountingEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendEntriesLocked(entries)
}

func (m *Store) appendEntriesLocked(entries []ledger.AccountingEntry) error {
	for _, e := range entries {
		e.Amount = money.Round(e.Amount)
		if e.Status == "" {
			e.Status = ledger.EntryActive
		}
		m.entries = append(m.entries, e)
	}
	return nil
}

func (m *Store) EntriesBefore(_ context.Context, loanID string, before time.Time) ([]ledger.AccountingEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesLocked(loanID, func(e ledger.AccountingEntry) bool {
		return e.EntryDate.Before(before)
	}), nil
}

func (m *Store) EntriesInRange(_ context.Context, loanID string, from, to *time.Time) ([]ledger.AccountingEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesLocked(loanID, func(e ledger.AccountingEntry) bool {
		if from != nil && e.EntryDate.Before(*from) {
			return false
		}
		if to != nil && e.EntryDate.After(*to) {
			return false
		}
		return true
	}), nil
}

// entriesLocked filters and returns entries in replay order:
// (entry date, document code, sequence, id).
func (m *Store) entriesLocked(loanID string, keep func(ledger.AccountingEntry) bool) []ledger.AccountingEntry {
	var result []ledger.AccountingEntry
	for _, e := range m.entries {
		if e.LoanID == loanID && keep(e) {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.EntryDate.Equal(b.EntryDate) {
			return a.EntryDate.Before(b.EntryDate)
		}
		if a.DocumentCode != b.DocumentCode {
			return a.DocumentCode < b.DocumentCode
		}
		if a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		return a.ID < b.ID
	})
	return result
}

func (m *Store) VoidEntry(_ context.Context, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.voidEntryLocked(entryID)
}

func (m *Store) voidEntryLocked(entryID string) error {
	for i := range m.entries {
		if m.entries[i].ID == entryID && m.entries[i].Status == ledger.EntryActive {
			m.entries[i].Status = ledger.EntryVoided
			return nil
		}
	}
	return ledger.ErrEntryNotFound
}

// =============================================================================
// PORTFOLIO STORE
// =============================================================================

func (m *Store) PortfolioEntry(_ context.Context, key ledger.PortfolioKey) (*ledger.PortfolioEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.portfolio[key]; ok {
		copy := e
		return &copy, nil
	}
	return nil, nil
}

func (m *Store) UpdatePortfolioEntry(_ context.Context, entry ledger.PortfolioEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updatePortfolioLocked(entry)
}

func (m *Store) updatePortfolioLocked(entry ledger.PortfolioEntry) error {
	if _, ok := m.portfolio[entry.Key]; !ok {
		return ledger.ErrNoBalanceToReverse
	}
	m.portfolio[entry.Key] = entry
	return nil
}

func (m *Store) UpsertPortfolioDelta(_ context.Context, delta ledger.PortfolioDelta, movedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertPortfolioLocked(delta, movedAt)
}

// upsertPortfolioLocked mirrors the SQL ON CONFLICT upsert: a single
// read-modify-write under the store lock.
func (m *Store) upsertPortfolioLocked(delta ledger.PortfolioDelta, movedAt time.Time) error {
	current, ok := m.portfolio[delta.Key]
	if !ok {
		current = ledger.PortfolioEntry{
			Key:           delta.Key,
			ChargeAmount:  decimal.Zero,
			PaymentAmount: decimal.Zero,
			Balance:       decimal.Zero,
			DueDate:       delta.DueDate,
		}
	}
	current.ChargeAmount = money.Round(current.ChargeAmount.Add(delta.ChargeDelta))
	current.PaymentAmount = money.Round(current.PaymentAmount.Add(delta.PaymentDelta))
	current.Balance = money.Round(current.ChargeAmount.Sub(current.PaymentAmount))
	current.LastMovementDate = movedAt
	current.Status = ledger.StatusForBalance(current.Balance)
	if current.DueDate.IsZero() {
		current.DueDate = delta.DueDate
	}
	m.portfolio[delta.Key] = current
	return nil
}

func (m *Store) PortfolioByLoan(_ context.Context, loanID string) ([]ledger.PortfolioEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []ledger.PortfolioEntry
	for _, e := range m.portfolio {
		if e.Key.LoanID == loanID {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].Key, result[j].Key
		if a.GLAccountID != b.GLAccountID {
			return a.GLAccountID < b.GLAccountID
		}
		return a.InstallmentNumber < b.InstallmentNumber
	})
	return result, nil
}

// =============================================================================
// RUN STORE
// =============================================================================

func (m *Store) CreateRun(_ context.Context, run ledger.ProcessRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createRunLocked(run)
}

func (m *Store) createRunLocked(run ledger.ProcessRun) error {
	day := money.DateOnly(run.ProcessDate)
	for _, id := range m.runOrder {
		existing := m.runs[id]
		if existing.Type == run.Type && money.DateOnly(existing.ProcessDate).Equal(day) && existing.Status != ledger.RunFailed {
			return ledger.ErrDuplicateRun
		}
	}
	m.runs[run.ID] = run
	m.runOrder = append(m.runOrder, run.ID)
	return nil
}

func (m *Store) Run(_ context.Context, id string) (*ledger.ProcessRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.runs[id]; ok {
		copy := r
		return &copy, nil
	}
	return nil, ledger.ErrRunNotFound
}

func (m *Store) Runs(_ context.Context, filter ledger.RunFilter) ([]ledger.ProcessRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runsLocked(filter), nil
}

// runsLocked returns filtered runs, newest first.
func (m *Store) runsLocked(filter ledger.RunFilter) []ledger.ProcessRun {
	var result []ledger.ProcessRun
	for i := len(m.runOrder) - 1; i >= 0; i-- {
		r := m.runs[m.runOrder[i]]
		if filter.Type != nil && r.Type != *filter.Type {
			continue
		}
		if filter.Status != nil && r.Status != *filter.Status {
			continue
		}
		result = append(result, r)
	}
	return result
}

func (m *Store) ClaimRun(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return false, ledger.ErrRunNotFound
	}
	if r.Status != ledger.RunPending {
		return false, nil
	}
	r.Status = ledger.RunRunning
	r.StartedAt = &at
	m.runs[id] = r
	return true, nil
}

func (m *Store) FinishRun(_ context.Context, id string, status ledger.RunStatus, at time.Time, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return ledger.ErrRunNotFound
	}
	r.Status = status
	r.FinishedAt = &at
	r.Note = note
	m.runs[id] = r
	return nil
}

// =============================================================================
// READ-SIDE COLLABORATORS
// =============================================================================

func (m *Store) ActiveLoans(_ context.Context) ([]ledger.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []ledger.Loan
	for _, l := range m.loans {
		if l.Status == "active" {
			result = append(result, l)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Store) Loan(_ context.Context, id string) (*ledger.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if l, ok := m.loans[id]; ok {
		copy := l
		return &copy, nil
	}
	return nil, ledger.ErrLoanNotFound
}

func (m *Store) OverdueInstallments(_ context.Context, asOf time.Time) ([]ledger.Installment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []ledger.Installment
	for _, i := range m.installments {
		if !i.Paid && i.DueDate.Before(asOf) {
			result = append(result, i)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].LoanID != result[j].LoanID {
			return result[i].LoanID < result[j].LoanID
		}
		return result[i].Number < result[j].Number
	})
	return result, nil
}

func (m *Store) ConceptsFor(_ context.Context, loanID string, category billing.Category) ([]billing.Concept, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []billing.Concept
	for _, c := range m.concepts[loanID] {
		if c.Category == category {
			result = append(result, c)
		}
	}
	return result, nil
}

func (m *Store) Payment(_ context.Context, id string) (*ledger.PaymentRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.payments[id]; ok {
		copy := p
		return &copy, nil
	}
	return nil, ledger.ErrPaymentNotFound
}

func (m *Store) Accounts(_ context.Context) ([]ledger.GLAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ledger.GLAccount, 0, len(m.accountIDs))
	for _, id := range m.accountIDs {
		result = append(result, m.accounts[id])
	}
	return result, nil
}

func (m *Store) Account(_ context.Context, id string) (*ledger.GLAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.accounts[id]; ok {
		copy := a
		return &copy, nil
	}
	return nil, ledger.ErrAccountNotFound
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn against a view that writes through to this store
// while holding its lock. On error the pre-transaction state is
// restored.
func (m *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshotLocked()
	if err := fn(&txView{parent: m}); err != nil {
		m.restoreLocked(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	entries   []ledger.AccountingEntry
	portfolio map[ledger.PortfolioKey]ledger.PortfolioEntry
	runs      map[string]ledger.ProcessRun
	runOrder  []string
}

func (m *Store) snapshotLocked() memorySnapshot {
	entries := append([]ledger.AccountingEntry(nil), m.entries...)
	portfolio := make(map[ledger.PortfolioKey]ledger.PortfolioEntry, len(m.portfolio))
	for k, v := range m.portfolio {
		portfolio[k] = v
	}
	runs := make(map[string]ledger.ProcessRun, len(m.runs))
	for k, v := range m.runs {
		runs[k] = v
	}
	return memorySnapshot{
		entries:   entries,
		portfolio: portfolio,
		runs:      runs,
		runOrder:  append([]string(nil), m.runOrder...),
	}
}

func (m *Store) restoreLocked(s memorySnapshot) {
	m.entries = s.entries
	m.portfolio = s.portfolio
	m.runs = s.runs
	m.runOrder = s.runOrder
}

// txView exposes the full Store interface over the already-locked
// parent. Only the methods the writer path uses inside transactions do
// real work against the locked internals; reads reuse the same filters.
type txView struct {
	parent *Store
}

func (v *txView) AppendEntries(_ context.Context, entries []ledger.AccountingEntry) error {
	return v.parent.appendEntriesLocked(entries)
}

func (v *txView) EntriesBefore(_ context.Context, loanID string, before time.Time) ([]ledger.AccountingEntry, error) {
	return v.parent.entriesLocked(loanID, func(e ledger.AccountingEntry) bool {
		return e.EntryDate.Before(before)
	}), nil
}

func (v *txView) EntriesInRange(_ context.Context, loanID string, from, to *time.Time) ([]ledger.AccountingEntry, error) {
	return v.parent.entriesLocked(loanID, func(e ledger.AccountingEntry) bool {
		if from != nil && e.EntryDate.Before(*from) {
			return false
		}
		if to != nil && e.EntryDate.After(*to) {
			return false
		}
		return true
	}), nil
}

func (v *txView) VoidEntry(_ context.Context, entryID string) error {
	return v.parent.voidEntryLocked(entryID)
}

func (v *txView) PortfolioEntry(_ context.Context, key ledger.PortfolioKey) (*ledger.PortfolioEntry, error) {
	if e, ok := v.parent.portfolio[key]; ok {
		copy := e
		return &copy, nil
	}
	return nil, nil
}

func (v *txView) UpdatePortfolioEntry(_ context.Context, entry ledger.PortfolioEntry) error {
	return v.parent.updatePortfolioLocked(entry)
}

func (v *txView) UpsertPortfolioDelta(_ context.Context, delta ledger.PortfolioDelta, movedAt time.Time) error {
	return v.parent.upsertPortfolioLocked(delta, movedAt)
}

func (v *txView) PortfolioByLoan(ctx context.Context, loanID string) ([]ledger.PortfolioEntry, error) {
	var result []ledger.PortfolioEntry
	for _, e := range v.parent.portfolio {
		if e.Key.LoanID == loanID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (v *txView) CreateRun(_ context.Context, run ledger.ProcessRun) error {
	return v.parent.createRunLocked(run)
}

func (v *txView) Run(_ context.Context, id string) (*ledger.ProcessRun, error) {
	if r, ok := v.parent.runs[id]; ok {
		copy := r
		return &copy, nil
	}
	return nil, ledger.ErrRunNotFound
}

func (v *txView) Runs(_ context.Context, filter ledger.RunFilter) ([]ledger.ProcessRun, error) {
	return v.parent.runsLocked(filter), nil
}

func (v *txView) ClaimRun(_ context.Context, id string, at time.Time) (bool, error) {
	r, ok := v.parent.runs[id]
	if !ok {
		return false, ledger.ErrRunNotFound
	}
	if r.Status != ledger.RunPending {
		return false, nil
	}
	r.Status = ledger.RunRunning
	r.StartedAt = &at
	v.parent.runs[id] = r
	return true, nil
}

func (v *txView) FinishRun(_ context.Context, id string, status ledger.RunStatus, at time.Time, note string) error {
	r, ok := v.parent.runs[id]
	if !ok {
		return ledger.ErrRunNotFound
	}
	r.Status = status
	r.FinishedAt = &at
	r.Note = note
	v.parent.runs[id] = r
	return nil
}

func (v *txView) ActiveLoans(_ context.Context) ([]ledger.Loan, error) {
	var result []ledger.Loan
	for _, l := range v.parent.loans {
		if l.Status == "active" {
			result = append(result, l)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (v *txView) Loan(_ context.Context, id string) (*ledger.Loan, error) {
	if l, ok := v.parent.loans[id]; ok {
		copy := l
		return &copy, nil
	}
	return nil, ledger.ErrLoanNotFound
}

func (v *txView) OverdueInstallments(_ context.Context, asOf time.Time) ([]ledger.Installment, error) {
	var result []ledger.Installment
	for _, i := range v.parent.installments {
		if !i.Paid && i.DueDate.Before(asOf) {
			result = append(result, i)
		}
	}
	return result, nil
}

func (v *txView) ConceptsFor(_ context.Context, loanID string, category billing.Category) ([]billing.Concept, error) {
	var result []billing.Concept
	for _, c := range v.parent.concepts[loanID] {
		if c.Category == category {
			result = append(result, c)
		}
	}
	return result, nil
}

func (v *txView) Payment(_ context.Context, id string) (*ledger.PaymentRef, error) {
	if p, ok := v.parent.payments[id]; ok {
		copy := p
		return &copy, nil
	}
	return nil, ledger.ErrPaymentNotFound
}

func (v *txView) Accounts(_ context.Context) ([]ledger.GLAccount, error) {
	result := make([]ledger.GLAccount, 0, len(v.parent.accountIDs))
	for _, id := range v.parent.accountIDs {
		result = append(result, v.parent.accounts[id])
	}
	return result, nil
}

func (v *txView) Account(_ context.Context, id string) (*ledger.GLAccount, error) {
	if a, ok := v.parent.accounts[id]; ok {
		copy := a
		return &copy, nil
	}
	return nil, ledger.ErrAccountNotFound
}
