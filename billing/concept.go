/*
Package billing computes monetary amounts for billing concepts: interest
surcharges, insurance premiums, disbursement fees, and any other charge
configured against a loan.

PURPOSE:
  A Concept describes HOW to compute a charge (method, base selector,
  rate, bounds, rounding policy). Calculate resolves the concept against
  the loan's current base values and returns a money amount. The function
  is pure and deterministic: the same concept and bases always produce
  the same amount, so it is safe for both one-time charges at
  disbursement and recurring accrual charges.

ALGORITHM:
  1. Resolve base = bases[concept.Base] (zero when the concept has no
     base selector, i.e. a pure fixed amount).
  2. Dispatch on method: fixed methods take concept.Amount, percentage
     methods take base * rate / 100.
  3. Clamp into [MinAmount, MaxAmount] where those bounds are set and
     positive.
  4. Round by the concept's rounding policy, then re-round to money
     precision.

SEE ALSO:
  - money/money.go: rounding-mode dispatch
  - process/executors.go: accrual executors driving this calculator
*/
package billing

import (
	"github.com/shopspring/decimal"

	"github.com/warp/lending-engine/money"
)

// CalcMethod selects the charge formula.
//
// The TIERED_* methods intentionally share the flat formula with their
// non-tiered counterparts: tier selection happens upstream, where the
// configuration layer resolves the applicable tier into Rate/Amount
// before the concept reaches this calculator.
type CalcMethod string

const (
	MethodFixedAmount       CalcMethod = "FIXED_AMOUNT"
	MethodPercentage        CalcMethod = "PERCENTAGE"
	MethodTieredFixedAmount CalcMethod = "TIERED_FIXED_AMOUNT"
	MethodTieredPercentage  CalcMethod = "TIERED_PERCENTAGE"
)

// BaseKind selects which of the loan's amounts a percentage applies to.
type BaseKind string

const (
	BaseNone               BaseKind = ""
	BaseDisbursedAmount    BaseKind = "DISBURSED_AMOUNT"
	BasePrincipal          BaseKind = "PRINCIPAL"
	BaseOutstandingBalance BaseKind = "OUTSTANDING_BALANCE"
	BaseInstallmentAmount  BaseKind = "INSTALLMENT_AMOUNT"
)

// Category classifies what a concept charges for. Executors use it to
// pick which concepts a given accrual run processes.
type Category string

const (
	CategoryFee       Category = "FEE"
	CategoryInsurance Category = "INSURANCE"
)

// Concept is a billing concept definition, configured externally and
// consumed here.
type Concept struct {
	ID       string
	Name     string
	Category Category
	Method   CalcMethod
	Base     BaseKind

	// Rate is a percentage (2.5 means 2.5%), used by percentage methods.
	Rate decimal.Decimal
	// Amount is the flat charge, used by fixed-amount methods.
	Amount decimal.Decimal

	// MinAmount/MaxAmount clamp the calculated value when set to a
	// positive value. Nil means unbounded.
	MinAmount *decimal.Decimal
	MaxAmount *decimal.Decimal

	Rounding         money.RoundingMode
	RoundingDecimals int32

	// ChargeAccountID is the receivable GL account the charge posts to.
	// IncomeAccountID receives the credit leg.
	ChargeAccountID string
	IncomeAccountID string
}

// BaseValues maps base selectors to their current numeric value for one
// loan.
type BaseValues map[BaseKind]decimal.Decimal

var oneHundred = decimal.NewFromInt(100)

// Calculate resolves the concept's monetary amount against the given
// base values. The result is a non-negative amount at money precision.
func (c Concept) Calculate(bases BaseValues) decimal.Decimal {
	base := decimal.Zero
	if c.Base != BaseNone {
		base = bases[c.Base]
	}

	var calculated decimal.Decimal
	switch c.Method {
	case MethodFixedAmount, MethodTieredFixedAmount:
		calculated = c.Amount
	case MethodPercentage, MethodTieredPercentage:
		calculated = base.Mul(c.Rate).Div(oneHundred)
	default:
		calculated = decimal.Zero
	}

	if c.MinAmount != nil && c.MinAmount.IsPositive() && calculated.LessThan(*c.MinAmount) {
		calculated = *c.MinAmount
	}
	if c.MaxAmount != nil && c.MaxAmount.IsPositive() && calculated.GreaterThan(*c.MaxAmount) {
		calculated = *c.MaxAmount
	}

	calculated = money.Round(money.RoundBy(calculated, c.Rounding, c.RoundingDecimals))
	if calculated.IsNegative() {
		return decimal.Zero
	}
	return calculated
}
