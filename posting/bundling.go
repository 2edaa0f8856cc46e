package posting

import "github.com/shopspring/decimal"

// PlanAdjustments returns the amount each adjustment entry of one line
// application actually posts.
//
// Payers that bundle patient responsibility send several PR entries per line
// whose stated reason amounts do not always add up. When the payer tracks
// reason amounts and a line carries more than one PR entry, the reason
// amounts are summed and compared to the line's balance before this posting:
//
//   - within Tolerance: every entry posts its own amount
//   - otherwise: the first PR entry posts the whole sum, the rest post zero
//
// Non-PR entries always post their own amount.
func PlanAdjustments(entries []AdjustmentEntry, preBalance decimal.Decimal, trackReasonAmounts bool) []decimal.Decimal {
	planned := make([]decimal.Decimal, len(entries))
	for i, e := range entries {
		planned[i] = e.Amount
	}
	if !trackReasonAmounts {
		return planned
	}

	var prIdx []int
	reasonSum := decimal.Zero
	for i, e := range entries {
		if e.Group == GroupPatientResponsible {
			prIdx = append(prIdx, i)
			reasonSum = reasonSum.Add(e.ReasonAmount)
		}
	}
	if len(prIdx) < 2 || WithinTolerance(reasonSum, preBalance) {
		return planned
	}

	planned[prIdx[0]] = reasonSum
	for _, i := range prIdx[1:] {
		planned[i] = decimal.Zero
	}
	return planned
}
