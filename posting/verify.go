/*
verify.go - Reconciliation verifier

PURPOSE:
  Confirms that a claim's numbers add up. Used by the engine as a blocking
  gate before commit, and read-only by the reconciliation report endpoint.

CHECKS (per line, then on the claim aggregate):
  1. charge == (insurance paid + patient paid) + sum(adjustment groups) + balance
     within Tolerance
  2. balance >= -Tolerance, unless negatives were explicitly allowed
  3. (claim only, when the cached claim row is supplied) every cached column
     matches the sum of its lines within Tolerance

OUTPUT:
  A Report listing every violation with the offending numbers. The verifier
  never stops at the first problem; operators get the whole picture.
*/
package posting

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// VIOLATIONS
// =============================================================================

// ViolationKind names the check a Violation failed.
type ViolationKind string

const (
	ViolationEquation        ViolationKind = "equation"
	ViolationNegativeBalance ViolationKind = "negative_balance"
	ViolationCacheDrift      ViolationKind = "cache_drift"
)

// Violation is one failed check. LineID is empty for claim-level checks.
type Violation struct {
	Kind        ViolationKind
	ClaimID     ClaimID
	LineID      LineID
	Charge      decimal.Decimal
	Paid        decimal.Decimal
	Adjustments decimal.Decimal
	Balance     decimal.Decimal
	Detail      string
}

func (v Violation) String() string {
	scope := fmt.Sprintf("claim %s", v.ClaimID)
	if v.LineID != "" {
		scope = fmt.Sprintf("line %s", v.LineID)
	}
	if v.Detail != "" {
		return fmt.Sprintf("%s %s: %s", scope, v.Kind, v.Detail)
	}
	return fmt.Sprintf("%s %s: charge=%s paid=%s adjustments=%s balance=%s",
		scope, v.Kind, v.Charge, v.Paid, v.Adjustments, v.Balance)
}

// =============================================================================
// REPORT
// =============================================================================

// Report is the outcome of verifying one claim.
type Report struct {
	ClaimID    ClaimID
	Totals     ClaimTotals
	Violations []Violation
}

// OK reports whether no check failed.
func (r Report) OK() bool { return len(r.Violations) == 0 }

// Err returns a *ReconciliationError when the report has violations.
func (r Report) Err() error {
	if r.OK() {
		return nil
	}
	return &ReconciliationError{ClaimID: r.ClaimID, Violations: r.Violations}
}

// =============================================================================
// VERIFIER
// =============================================================================

// Verifier checks the accounting equation and balance floor.
type Verifier struct {
	// AllowNegative relaxes the balance floor (over-apply postings).
	AllowNegative bool
}

// Verify checks every line of one claim and the aggregate of those lines.
func (v Verifier) Verify(claimID ClaimID, lines []LineTotals) Report {
	report := Report{ClaimID: claimID, Totals: AggregateClaim(lines)}

	for _, l := range lines {
		report.Violations = append(report.Violations,
			v.check(claimID, l.ID, l.Charge, l.Paid(), l.Adjustments.Sum(), l.Balance)...)
	}

	t := report.Totals
	report.Violations = append(report.Violations,
		v.check(claimID, "", t.Charge, t.Paid(), t.Adjustments.Sum(), t.Balance)...)
	return report
}

// VerifyClaim additionally compares the cached claim totals with its lines.
func (v Verifier) VerifyClaim(claim Claim, lines []LineTotals) Report {
	report := v.Verify(claim.ID, lines)
	report.Violations = append(report.Violations, cacheDrift(claim, report.Totals)...)
	return report
}

func (v Verifier) check(claimID ClaimID, lineID LineID, charge, paid, adjustments, balance decimal.Decimal) []Violation {
	var out []Violation
	if !WithinTolerance(charge, sumDecimals(paid, adjustments, balance)) {
		out = append(out, Violation{
			Kind: ViolationEquation, ClaimID: claimID, LineID: lineID,
			Charge: charge, Paid: paid, Adjustments: adjustments, Balance: balance,
		})
	}
	if !v.AllowNegative && BelowNegativeTolerance(balance) {
		out = append(out, Violation{
			Kind: ViolationNegativeBalance, ClaimID: claimID, LineID: lineID,
			Charge: charge, Paid: paid, Adjustments: adjustments, Balance: balance,
		})
	}
	return out
}

func cacheDrift(claim Claim, actual ClaimTotals) []Violation {
	cached := claim.Totals
	columns := []struct {
		name           string
		cached, actual decimal.Decimal
	}{
		{"charge", cached.Charge, actual.Charge},
		{"insurance_paid", cached.InsurancePaid, actual.InsurancePaid},
		{"patient_paid", cached.PatientPaid, actual.PatientPaid},
		{"balance", cached.Balance, actual.Balance},
	}
	for _, g := range GroupCodes {
		columns = append(columns, struct {
			name           string
			cached, actual decimal.Decimal
		}{"adj_" + string(g), cached.Adjustments.Get(g), actual.Adjustments.Get(g)})
	}

	var out []Violation
	for _, c := range columns {
		if !WithinTolerance(c.cached, c.actual) {
			out = append(out, Violation{
				Kind:    ViolationCacheDrift,
				ClaimID: claim.ID,
				Detail:  fmt.Sprintf("%s cached %s, lines sum to %s", c.name, c.cached, c.actual),
			})
		}
	}
	return out
}
