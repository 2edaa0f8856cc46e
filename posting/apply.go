package posting

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// ApplyResult reports what AutoApply or DisburseRemaining routed.
type ApplyResult struct {
	PaymentID     PaymentID
	Disbursements []Disbursement
	Applied       decimal.Decimal
	Remaining     decimal.Decimal
}

// AutoApply spends a payment's undisbursed remainder on the patient's open
// lines, oldest claim first. Payer-sourced payments only reach lines that
// payer is responsible for. A payment that names no patient is left alone.
func (e *Engine) AutoApply(ctx context.Context, id PaymentID) (ApplyResult, error) {
	var (
		payment Payment
		claims  []ClaimID
	)
	err := e.store.WithTx(ctx, func(s Stores) error {
		var err error
		payment, err = s.Payment(ctx, id)
		if err != nil {
			return fmt.Errorf("payment %s: %w", id, err)
		}
		if payment.PatientID == "" {
			return nil
		}
		lines, err := s.OpenLines(ctx, openLineFilter(payment))
		if err != nil {
			return fmt.Errorf("open lines: %w", err)
		}
		for _, l := range lines {
			claims = append(claims, l.ClaimID)
		}
		return nil
	})
	if err != nil {
		return ApplyResult{}, err
	}
	if !payment.Remaining().IsPositive() || len(claims) == 0 {
		return ApplyResult{PaymentID: id, Applied: decimal.Zero, Remaining: payment.Remaining()}, nil
	}

	locked := SortedClaimIDs(claims)
	unlock, err := e.locker.Lock(ctx, locked)
	if err != nil {
		return ApplyResult{}, err
	}
	defer unlock()

	allowed := make(map[ClaimID]bool, len(locked))
	for _, c := range locked {
		allowed[c] = true
	}

	var result ApplyResult
	var touched postingResult
	err = e.store.WithTx(ctx, func(s Stores) error {
		// Re-read under lock: another posting may have moved the balances.
		payment, err := s.Payment(ctx, id)
		if err != nil {
			return fmt.Errorf("payment %s: %w", id, err)
		}
		lines, err := s.OpenLines(ctx, openLineFilter(payment))
		if err != nil {
			return fmt.Errorf("open lines: %w", err)
		}
		sortOpenLines(lines)

		targets := make([]Disbursal, 0, len(lines))
		for _, l := range lines {
			if allowed[l.ClaimID] {
				targets = append(targets, Disbursal{LineID: l.ID, Amount: l.Balance})
			}
		}
		result, touched, err = e.disburse(ctx, s, payment, targets)
		return err
	})
	if err != nil {
		e.logRejected("auto apply", err)
		return ApplyResult{}, err
	}

	e.log.Info().
		Str("payment_id", string(id)).
		Str("applied", result.Applied.String()).
		Str("remaining", result.Remaining.String()).
		Msg("payment auto-applied")
	e.record(ctx, touched.activities(ActivityPaymentAutoApplied, e.now()))
	return result, nil
}

// DisburseRemaining routes a payment's remainder to explicit lines. Each
// request is clamped to the smallest of the requested amount, the line's
// balance and what is left of the payment; non-positive results are skipped.
func (e *Engine) DisburseRemaining(ctx context.Context, id PaymentID, requests []Disbursal) (ApplyResult, error) {
	for i, r := range requests {
		if err := validate.Struct(r); err != nil {
			return ApplyResult{}, fromValidator(fmt.Errorf("request %d: %w", i, err))
		}
	}

	lineIDs := make([]LineID, 0, len(requests))
	for _, r := range requests {
		lineIDs = append(lineIDs, r.LineID)
	}
	claims, err := e.claimsForLines(ctx, lineIDs)
	if err != nil {
		return ApplyResult{}, err
	}
	unlock, err := e.locker.Lock(ctx, claims)
	if err != nil {
		return ApplyResult{}, err
	}
	defer unlock()

	var result ApplyResult
	var touched postingResult
	err = e.store.WithTx(ctx, func(s Stores) error {
		payment, err := s.Payment(ctx, id)
		if err != nil {
			return fmt.Errorf("payment %s: %w", id, err)
		}
		result, touched, err = e.disburse(ctx, s, payment, requests)
		return err
	})
	if err != nil {
		e.logRejected("disburse remaining", err)
		return ApplyResult{}, err
	}

	e.log.Info().
		Str("payment_id", string(id)).
		Str("applied", result.Applied.String()).
		Str("remaining", result.Remaining.String()).
		Msg("payment disbursed")
	e.record(ctx, touched.activities(ActivityPaymentDisbursed, e.now()))
	return result, nil
}

// disburse applies clamped amounts line by line until the payment runs out,
// then recomputes, sets the disbursed total and verifies strictly.
func (e *Engine) disburse(ctx context.Context, s Stores, payment Payment, targets []Disbursal) (ApplyResult, postingResult, error) {
	result := ApplyResult{PaymentID: payment.ID, Applied: decimal.Zero}
	touched := newPostingResult(payment.ID)
	remaining := payment.Remaining()
	now := e.now()

	for _, t := range targets {
		if !remaining.IsPositive() {
			break
		}
		line, err := s.Line(ctx, t.LineID)
		if err != nil {
			return result, touched, fmt.Errorf("line %s: %w", t.LineID, err)
		}
		amount := minDecimal(t.Amount, minDecimal(line.Balance, remaining))
		if !amount.IsPositive() {
			continue
		}

		claimID, err := addPaid(ctx, s, payment.Source, line.ID, amount)
		if err != nil {
			return result, touched, err
		}
		d := Disbursement{
			ID:        DisbursementID(e.newID()),
			PaymentID: payment.ID,
			LineID:    line.ID,
			ClaimID:   claimID,
			Amount:    amount,
			CreatedAt: now,
		}
		if err := s.CreateDisbursement(ctx, d); err != nil {
			return result, touched, fmt.Errorf("create disbursement: %w", err)
		}
		result.Disbursements = append(result.Disbursements, d)
		result.Applied = result.Applied.Add(amount)
		touched.touch(claimID, amount)
		remaining = remaining.Sub(amount)
	}
	result.Remaining = remaining

	if len(result.Disbursements) == 0 {
		return result, touched, nil
	}
	if err := e.recompute(ctx, s, touched.claimOrder, false); err != nil {
		return result, touched, err
	}
	if err := s.SetDisbursed(ctx, payment.ID, payment.Disbursed.Add(result.Applied)); err != nil {
		return result, touched, fmt.Errorf("set disbursed: %w", err)
	}
	if err := e.verify(ctx, s, touched.claimOrder, false); err != nil {
		return result, touched, err
	}
	return result, touched, nil
}

func openLineFilter(p Payment) OpenLineFilter {
	f := OpenLineFilter{PatientID: p.PatientID}
	if p.Source == SourcePayer {
		f.PayerID = p.PayerID
	}
	return f
}

// sortOpenLines orders lines oldest claim bill date first, then by line id.
func sortOpenLines(lines []LineTotals) {
	sort.SliceStable(lines, func(i, j int) bool {
		if !lines[i].ClaimBillDate.Equal(lines[j].ClaimBillDate) {
			return lines[i].ClaimBillDate.Before(lines[j].ClaimBillDate)
		}
		return lines[i].ID < lines[j].ID
	})
}
