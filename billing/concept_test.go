package billing_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/warp/lending-engine/billing"
	"github.com/warp/lending-engine/money"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func TestCalculate_PercentageOfPrincipal(t *testing.T) {
	// GIVEN: 2.5% of principal, no bounds, nearest/2
	// WHEN: principal is 1,000,000
	// THEN: calculated amount is 25000.00
	c := billing.Concept{
		Method:           billing.MethodPercentage,
		Base:             billing.BasePrincipal,
		Rate:             dec("2.5"),
		Rounding:         money.RoundNearest,
		RoundingDecimals: 2,
	}

	got := c.Calculate(billing.BaseValues{billing.BasePrincipal: dec("1000000")})
	assert.Equal(t, "25000.00", money.Format(got))
}

func TestCalculate_FixedAmountIgnoresBase(t *testing.T) {
	c := billing.Concept{
		Method:           billing.MethodFixedAmount,
		Amount:           dec("150.756"),
		Rounding:         money.RoundNearest,
		RoundingDecimals: 2,
	}

	got := c.Calculate(billing.BaseValues{billing.BasePrincipal: dec("999999")})
	assert.Equal(t, "150.76", money.Format(got))
}

func TestCalculate_MissingBaseSelectorYieldsZero(t *testing.T) {
	c := billing.Concept{
		Method:           billing.MethodPercentage,
		Base:             billing.BaseOutstandingBalance,
		Rate:             dec("10"),
		Rounding:         money.RoundNearest,
		RoundingDecimals: 2,
	}

	// No OUTSTANDING_BALANCE entry in the map: base resolves to zero.
	got := c.Calculate(billing.BaseValues{billing.BasePrincipal: dec("500")})
	assert.True(t, got.IsZero())
}

func TestCalculate_MinMaxClamp(t *testing.T) {
	c := billing.Concept{
		Method:           billing.MethodPercentage,
		Base:             billing.BasePrincipal,
		Rate:             dec("1"),
		MinAmount:        decPtr("50"),
		MaxAmount:        decPtr("200"),
		Rounding:         money.RoundNearest,
		RoundingDecimals: 2,
	}

	// 1% of 1000 = 10, clamped up to the minimum.
	low := c.Calculate(billing.BaseValues{billing.BasePrincipal: dec("1000")})
	assert.Equal(t, "50.00", money.Format(low))

	// 1% of 100000 = 1000, clamped down to the maximum.
	high := c.Calculate(billing.BaseValues{billing.BasePrincipal: dec("100000")})
	assert.Equal(t, "200.00", money.Format(high))

	// 1% of 12000 = 120, inside the bounds.
	mid := c.Calculate(billing.BaseValues{billing.BasePrincipal: dec("12000")})
	assert.Equal(t, "120.00", money.Format(mid))
}

func TestCalculate_ZeroBoundsDoNotClamp(t *testing.T) {
	zero := decimal.Zero
	c := billing.Concept{
		Method:           billing.MethodPercentage,
		Base:             billing.BasePrincipal,
		Rate:             dec("1"),
		MinAmount:        &zero,
		MaxAmount:        &zero,
		Rounding:         money.RoundNearest,
		RoundingDecimals: 2,
	}

	got := c.Calculate(billing.BaseValues{billing.BasePrincipal: dec("1000")})
	assert.Equal(t, "10.00", money.Format(got))
}

// Tier selection is resolved upstream into Rate/Amount, so the tiered
// methods must behave exactly like their flat counterparts.
func TestCalculate_TieredMethodsUseFlatFormula(t *testing.T) {
	bases := billing.BaseValues{billing.BaseDisbursedAmount: dec("80000")}

	flat := billing.Concept{
		Method: billing.MethodPercentage, Base: billing.BaseDisbursedAmount,
		Rate: dec("0.75"), Rounding: money.RoundNearest, RoundingDecimals: 2,
	}
	tiered := flat
	tiered.Method = billing.MethodTieredPercentage
	assert.True(t, flat.Calculate(bases).Equal(tiered.Calculate(bases)))

	flatFixed := billing.Concept{
		Method: billing.MethodFixedAmount, Amount: dec("35"),
		Rounding: money.RoundNearest, RoundingDecimals: 2,
	}
	tieredFixed := flatFixed
	tieredFixed.Method = billing.MethodTieredFixedAmount
	assert.True(t, flatFixed.Calculate(bases).Equal(tieredFixed.Calculate(bases)))
}

func TestCalculate_RoundingModes(t *testing.T) {
	base := billing.BaseValues{billing.BasePrincipal: dec("1000")}

	// 3.333% of 1000 = 33.33
	up := billing.Concept{
		Method: billing.MethodPercentage, Base: billing.BasePrincipal,
		Rate: dec("3.333"), Rounding: money.RoundUp, RoundingDecimals: 0,
	}
	assert.Equal(t, "34.00", money.Format(up.Calculate(base)))

	down := up
	down.Rounding = money.RoundDown
	assert.Equal(t, "33.00", money.Format(down.Calculate(base)))

	nearest := up
	nearest.Rounding = money.RoundNearest
	assert.Equal(t, "33.00", money.Format(nearest.Calculate(base)))
}

func TestCalculate_UnknownMethodIsZero(t *testing.T) {
	c := billing.Concept{Method: "BOGUS", Rounding: money.RoundNearest, RoundingDecimals: 2}
	assert.True(t, c.Calculate(nil).IsZero())
}
