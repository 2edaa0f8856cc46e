/*
secondary.go - Secondary claim trigger

PURPOSE:
  Once the primary payer has settled a claim, decides whether the adjustments
  it left behind should be billed to the patient's secondary insurer, and if
  so spins off the secondary claim.

DECISION ORDER (first match wins):
  1. ClaimNotFound
  2. ClaimAlreadyClosed        status is terminal
  3. NoSecondaryInsurance      no secondary payer on the claim
  4. OpenPrimaryBalance        balance > SettledThreshold, forward amount 0
  5. forward amount = sum |amount| of adjustments the rule table marks forwardable
  6. NoForwardableBalance      forward amount ~ 0; the claim is closed
  7. SecondaryAlreadyExists    a secondary already points at this claim
  8. SecondaryClaimCreated     new claim + one synthetic line for the forward
                               amount; primary becomes ForwardedToSecondary

FAILURES:
  Evaluate never returns an error. Store failures come back as LookupFailed
  or CreationFailed with the message in Detail, and nothing is written.
*/
package posting

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

type TriggerReason string

const (
	ReasonClaimNotFound          TriggerReason = "ClaimNotFound"
	ReasonClaimAlreadyClosed     TriggerReason = "ClaimAlreadyClosed"
	ReasonNoSecondaryInsurance   TriggerReason = "NoSecondaryInsurance"
	ReasonOpenPrimaryBalance     TriggerReason = "OpenPrimaryBalance"
	ReasonNoForwardableBalance   TriggerReason = "NoForwardableBalance"
	ReasonSecondaryAlreadyExists TriggerReason = "SecondaryAlreadyExists"
	ReasonSecondaryClaimCreated  TriggerReason = "SecondaryClaimCreated"
	ReasonLookupFailed           TriggerReason = "LookupFailed"
	ReasonCreationFailed         TriggerReason = "CreationFailed"
	ReasonLockFailed             TriggerReason = "LockFailed"
)

type TriggerResult struct {
	ClaimID       ClaimID
	Triggered     bool
	Reason        TriggerReason
	ForwardAmount decimal.Decimal
	NewClaimID    ClaimID
	Detail        string
}

// triggerFailure aborts the evaluation transaction with a named reason.
type triggerFailure struct {
	reason TriggerReason
	err    error
}

func (f *triggerFailure) Error() string { return fmt.Sprintf("%s: %v", f.reason, f.err) }

func (f *triggerFailure) Unwrap() error { return f.err }

// Evaluate runs the secondary trigger for one claim.
func (e *Engine) Evaluate(ctx context.Context, claimID ClaimID) (res TriggerResult) {
	res = TriggerResult{ClaimID: claimID, ForwardAmount: decimal.Zero}
	defer func() {
		if r := recover(); r != nil {
			res = TriggerResult{ClaimID: claimID, Reason: ReasonCreationFailed, ForwardAmount: decimal.Zero, Detail: fmt.Sprint(r)}
			e.log.Error().Str("claim_id", string(claimID)).Interface("panic", r).Msg("secondary trigger panicked")
		}
	}()

	unlock, err := e.locker.Lock(ctx, []ClaimID{claimID})
	if err != nil {
		res.Reason = ReasonLockFailed
		res.Detail = err.Error()
		return res
	}
	defer unlock()

	var acts []ClaimActivity
	err = e.store.WithTx(ctx, func(s Stores) error {
		var err error
		res, acts, err = e.evaluate(ctx, s, claimID)
		return err
	})
	if err != nil {
		res.Triggered = false
		res.NewClaimID = ""
		res.Reason = ReasonCreationFailed
		var f *triggerFailure
		if errors.As(err, &f) {
			res.Reason = f.reason
		}
		res.Detail = err.Error()
		e.log.Error().Err(err).Str("claim_id", string(claimID)).Msg("secondary trigger failed")
		return res
	}

	e.log.Info().
		Str("claim_id", string(claimID)).
		Str("reason", string(res.Reason)).
		Str("forward_amount", res.ForwardAmount.String()).
		Str("new_claim_id", string(res.NewClaimID)).
		Msg("secondary trigger evaluated")
	e.record(ctx, acts)
	return res
}

func (e *Engine) evaluate(ctx context.Context, s Stores, claimID ClaimID) (TriggerResult, []ClaimActivity, error) {
	res := TriggerResult{ClaimID: claimID, ForwardAmount: decimal.Zero}
	lookupFailed := func(err error) (TriggerResult, []ClaimActivity, error) {
		res.Reason = ReasonLookupFailed
		return res, nil, &triggerFailure{reason: ReasonLookupFailed, err: err}
	}
	creationFailed := func(err error) (TriggerResult, []ClaimActivity, error) {
		res.Reason = ReasonCreationFailed
		return res, nil, &triggerFailure{reason: ReasonCreationFailed, err: err}
	}

	claim, err := s.Claim(ctx, claimID)
	if IsNotFound(err) {
		res.Reason = ReasonClaimNotFound
		return res, nil, nil
	}
	if err != nil {
		return lookupFailed(err)
	}
	if claim.Status.IsTerminal() {
		res.Reason = ReasonClaimAlreadyClosed
		return res, nil, nil
	}
	if claim.SecondaryPayerID == "" {
		res.Reason = ReasonNoSecondaryInsurance
		return res, nil, nil
	}

	lines, err := s.LinesByClaim(ctx, claimID)
	if err != nil {
		return lookupFailed(err)
	}
	if AggregateClaim(lines).Balance.GreaterThan(SettledThreshold) {
		res.Reason = ReasonOpenPrimaryBalance
		return res, nil, nil
	}

	adjustments, err := s.AdjustmentsByClaim(ctx, claimID)
	if err != nil {
		return lookupFailed(err)
	}
	forward := decimal.Zero
	for _, a := range adjustments {
		if e.rules.IsForwardable(a.Group, a.ReasonCode) {
			forward = forward.Add(a.Amount.Abs())
		}
	}
	res.ForwardAmount = forward

	now := e.now()
	if forward.LessThanOrEqual(SettledThreshold) {
		if err := s.UpdateClaimStatus(ctx, claimID, ClaimClosed); err != nil {
			return creationFailed(err)
		}
		res.Reason = ReasonNoForwardableBalance
		return res, []ClaimActivity{{ClaimID: claimID, Activity: ActivityClaimClosed, Amount: decimal.Zero, At: now}}, nil
	}

	existing, err := s.SecondaryClaim(ctx, claimID)
	if err != nil {
		return lookupFailed(err)
	}
	if existing != nil {
		res.Reason = ReasonSecondaryAlreadyExists
		res.NewClaimID = existing.ID
		return res, nil, nil
	}

	secondary := e.secondaryFrom(claim, forward)
	if err := s.CreateClaim(ctx, secondary.claim); err != nil {
		return creationFailed(err)
	}
	if err := s.CreateLine(ctx, secondary.line); err != nil {
		return creationFailed(err)
	}
	if err := s.UpdateClaimStatus(ctx, claimID, ClaimForwardedToSecondary); err != nil {
		return creationFailed(err)
	}

	res.Triggered = true
	res.Reason = ReasonSecondaryClaimCreated
	res.NewClaimID = secondary.claim.ID
	detail := fmt.Sprintf("forwarded from %s", claimID)
	return res, []ClaimActivity{
		{ClaimID: claimID, Activity: ActivitySecondaryCreated, Amount: forward, Detail: "secondary " + string(secondary.claim.ID), At: now},
		{ClaimID: secondary.claim.ID, Activity: ActivitySecondaryCreated, Amount: forward, Detail: detail, At: now},
	}, nil
}

type secondaryClaim struct {
	claim Claim
	line  LineTotals
}

// secondaryFrom clones the primary's identifying and provider fields into a
// new claim billed to the secondary payer, with one line for the forward
// amount.
func (e *Engine) secondaryFrom(primary Claim, forward decimal.Decimal) secondaryClaim {
	claimID := ClaimID(e.newID())
	line := LineTotals{
		ID:                 LineID(e.newID()),
		ClaimID:            claimID,
		PatientID:          primary.PatientID,
		ResponsiblePayerID: primary.SecondaryPayerID,
		ClaimBillDate:      primary.BillDate,
		Description:        fmt.Sprintf("Balance forwarded from claim %s", primary.ID),
		Charge:             forward,
		InsurancePaid:      decimal.Zero,
		PatientPaid:        decimal.Zero,
		Balance:            forward,
	}

	claim := Claim{
		ID:                   claimID,
		PatientID:            primary.PatientID,
		Status:               ClaimReadyToSubmit,
		PrimaryClaimID:       primary.ID,
		PayerID:              primary.SecondaryPayerID,
		BillingPhysicianID:   primary.BillingPhysicianID,
		RenderingPhysicianID: primary.RenderingPhysicianID,
		FacilityID:           primary.FacilityID,
		BillDate:             primary.BillDate,
		Totals:               AggregateClaim([]LineTotals{line}),
	}

	// Prefer the secondary subscriber on file; fall back to the primary's.
	src := primary.Insured(2)
	if src == nil {
		src = primary.Insured(1)
	}
	if src != nil {
		ins := *src
		ins.Sequence = 2
		ins.PayerID = primary.SecondaryPayerID
		claim.Insureds = []Insured{ins}
	}

	return secondaryClaim{claim: claim, line: line}
}

// SweepForward evaluates up to limit claims that look ready to forward.
func (e *Engine) SweepForward(ctx context.Context, limit int) ([]TriggerResult, error) {
	var candidates []ClaimID
	err := e.store.WithTx(ctx, func(s Stores) error {
		var err error
		candidates, err = s.ForwardCandidates(ctx, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("forward candidates: %w", err)
	}

	results := make([]TriggerResult, 0, len(candidates))
	for _, id := range candidates {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		results = append(results, e.Evaluate(ctx, id))
	}
	return results, nil
}
