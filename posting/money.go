/*
Package posting provides the payment posting and reconciliation engine.

PURPOSE:
  Applies money received from a payer or a patient against claim service
  lines, records adjustments, keeps the denormalized balance caches on lines
  and claims in step, enforces the accounting equation, reverses postings and
  decides when a settled claim should be forwarded to a secondary payer.

KEY CONCEPTS IN THIS FILE (money.go):
  - All currency is decimal.Decimal. Never float64.
  - Tolerance: two amounts within one cent are considered equal.
  - Zero checks for "settled" use a tighter threshold (SettledThreshold).

THE ACCOUNTING EQUATION:
  For every service line and every claim:

    charge = (insurance paid + patient paid) + (CO + CR + OA + PI + PR) + balance

  and balance >= -Tolerance unless the posting explicitly allowed over-apply.

SEE ALSO:
  - types.go:  Lines, payments, adjustments, disbursements, claims
  - verify.go: The reconciliation verifier
  - engine.go: The payment application engine
*/
package posting

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// TOLERANCES
// =============================================================================

var (
	// Tolerance is the allowed drift for equation and balance checks.
	Tolerance = decimal.RequireFromString("0.01")

	// SettledThreshold is the balance above which a claim still has an open
	// primary balance.
	SettledThreshold = decimal.RequireFromString("0.001")
)

// =============================================================================
// HELPERS
// =============================================================================

// Cents builds an amount from a float literal. Intended for tests and fixtures.
func Cents(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
}

// WithinTolerance reports whether a and b differ by at most Tolerance.
func WithinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}

// BelowNegativeTolerance reports whether v < -Tolerance.
func BelowNegativeTolerance(v decimal.Decimal) bool {
	return v.LessThan(Tolerance.Neg())
}

func minDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

func maxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

func sumDecimals(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}
