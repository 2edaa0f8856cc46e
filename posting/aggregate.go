package posting

import "github.com/shopspring/decimal"

// AggregateClaim sums line totals into claim-level totals. Pure: callers
// persist the result with ClaimStore.UpdateClaimTotals.
func AggregateClaim(lines []LineTotals) ClaimTotals {
	totals := ClaimTotals{
		Charge:        decimal.Zero,
		InsurancePaid: decimal.Zero,
		PatientPaid:   decimal.Zero,
		Balance:       decimal.Zero,
	}
	for _, l := range lines {
		totals.Charge = totals.Charge.Add(l.Charge)
		totals.InsurancePaid = totals.InsurancePaid.Add(l.InsurancePaid)
		totals.PatientPaid = totals.PatientPaid.Add(l.PatientPaid)
		totals.Adjustments = totals.Adjustments.Add(l.Adjustments)
		totals.Balance = totals.Balance.Add(l.Balance)
	}
	return totals
}
