/*
portfolio.go - Portfolio ledger writer

PURPOSE:
  The single writer path for outstanding-balance cells. Merges raw
  deltas per composite key, then applies them inside one transaction:
  non-negative deltas go through the store's atomic upsert, reversals
  are validated against the existing cell and rewritten.

CRITICAL INVARIANTS:
  1. Balance, charge, and payment amounts never go negative. A reversal
     that would breach this fails the WHOLE batch.
  2. A reversal requires an existing cell; reversing nothing is a
     validation error, not an insert.
  3. All per-key writes of one call commit or roll back together.
  4. Concurrent non-negative writers on the same key are serialized by
     the store's atomic increment, not by ledger logic.

MERGE SEMANTICS:
  Deltas are summed per key (each rounded to money precision first), the
  earliest due date wins, and merged deltas below the no-op epsilon are
  dropped. Summation makes the merge order-independent.

SEE ALSO:
  - store.go: UpsertPortfolioDelta atomicity contract
  - statement.go: the read-side counterpart over the journal
*/
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/lending-engine/money"
)

var (
	// noopEpsilon drops merged deltas whose charge and payment are both
	// effectively zero.
	noopEpsilon = decimal.NewFromFloat(0.001)

	// closeTolerance: a cell is CLOSED when its balance is at or below
	// one cent, and a reversal result is invalid below minus one cent.
	closeTolerance = decimal.NewFromFloat(0.01)

	negativeFloor = decimal.NewFromFloat(-0.01)
)

// Writer applies portfolio deltas. It is the sole component permitted
// to mutate balances.
type Writer struct {
	Store TxStore
}

func NewWriter(store TxStore) *Writer {
	return &Writer{Store: store}
}

// ApplyDeltas merges and applies a batch of deltas as one atomic
// transaction. movementDate stamps LastMovementDate on every touched
// cell.
func (w *Writer) ApplyDeltas(ctx context.Context, movementDate time.Time, deltas []PortfolioDelta) error {
	merged := MergeDeltas(deltas)
	if len(merged) == 0 {
		return nil
	}
	return w.Store.WithTx(ctx, func(s Store) error {
		return ApplyMergedDeltas(ctx, s, movementDate, merged)
	})
}

// MergeDeltas groups deltas by key, sums charge and payment deltas
// (each individually rounded to money precision), keeps the earliest
// due date seen per key, and drops no-op results. The output is sorted
// by key so repeated calls produce identical write order.
func MergeDeltas(deltas []PortfolioDelta) []PortfolioDelta {
	byKey := make(map[PortfolioKey]*PortfolioDelta, len(deltas))
	for _, d := range deltas {
		m, ok := byKey[d.Key]
		if !ok {
			byKey[d.Key] = &PortfolioDelta{
				Key:          d.Key,
				ChargeDelta:  money.Round(d.ChargeDelta),
				PaymentDelta: money.Round(d.PaymentDelta),
				DueDate:      d.DueDate,
			}
			continue
		}
		m.ChargeDelta = m.ChargeDelta.Add(money.Round(d.ChargeDelta))
		m.PaymentDelta = m.PaymentDelta.Add(money.Round(d.PaymentDelta))
		if !d.DueDate.IsZero() && (m.DueDate.IsZero() || d.DueDate.Before(m.DueDate)) {
			m.DueDate = d.DueDate
		}
	}

	merged := make([]PortfolioDelta, 0, len(byKey))
	for _, m := range byKey {
		if m.ChargeDelta.Abs().LessThan(noopEpsilon) && m.PaymentDelta.Abs().LessThan(noopEpsilon) {
			continue
		}
		merged = append(merged, *m)
	}

	sort.Slice(merged, func(i, j int) bool {
		a, b := merged[i].Key, merged[j].Key
		if a.GLAccountID != b.GLAccountID {
			return a.GLAccountID < b.GLAccountID
		}
		if a.ThirdPartyID != b.ThirdPartyID {
			return a.ThirdPartyID < b.ThirdPartyID
		}
		if a.LoanID != b.LoanID {
			return a.LoanID < b.LoanID
		}
		return a.InstallmentNumber < b.InstallmentNumber
	})
	return merged
}

// ApplyMergedDeltas writes already-merged deltas using the given store,
// which is expected to be a transaction scope. Exposed so run executors
// can combine portfolio writes with journal appends in one WithTx.
func ApplyMergedDeltas(ctx context.Context, s Store, movementDate time.Time, merged []PortfolioDelta) error {
	for _, d := range merged {
		if d.ChargeDelta.IsNegative() || d.PaymentDelta.IsNegative() {
			if err := applyReversal(ctx, s, movementDate, d); err != nil {
				return err
			}
			continue
		}
		if err := s.UpsertPortfolioDelta(ctx, d, movementDate); err != nil {
			return fmt.Errorf("upsert portfolio %s: %w", d.Key, err)
		}
	}
	return nil
}

// applyReversal validates and rewrites an existing cell. Any projected
// amount below -0.01 aborts the batch.
func applyReversal(ctx context.Context, s Store, movementDate time.Time, d PortfolioDelta) error {
	current, err := s.PortfolioEntry(ctx, d.Key)
	if err != nil {
		return fmt.Errorf("load portfolio %s: %w", d.Key, err)
	}
	if current == nil {
		return &MissingEntryError{Key: d.Key}
	}

	nextCharge := money.Round(current.ChargeAmount.Add(d.ChargeDelta))
	nextPayment := money.Round(current.PaymentAmount.Add(d.PaymentDelta))
	nextBalance := money.Round(nextCharge.Sub(nextPayment))

	if nextCharge.LessThan(negativeFloor) || nextPayment.LessThan(negativeFloor) || nextBalance.LessThan(negativeFloor) {
		return &ReversalError{
			Key:         d.Key,
			NextCharge:  nextCharge,
			NextPayment: nextPayment,
			NextBalance: nextBalance,
		}
	}

	updated := *current
	updated.ChargeAmount = nextCharge
	updated.PaymentAmount = nextPayment
	updated.Balance = nextBalance
	updated.LastMovementDate = movementDate
	updated.Status = StatusForBalance(nextBalance)
	if !d.DueDate.IsZero() {
		updated.DueDate = d.DueDate
	}

	if err := s.UpdatePortfolioEntry(ctx, updated); err != nil {
		return fmt.Errorf("update portfolio %s: %w", d.Key, err)
	}
	return nil
}

// StatusForBalance returns OPEN when the balance exceeds one cent,
// CLOSED otherwise.
func StatusForBalance(balance decimal.Decimal) PortfolioStatus {
	if balance.GreaterThan(closeTolerance) {
		return PortfolioOpen
	}
	return PortfolioClosed
}
