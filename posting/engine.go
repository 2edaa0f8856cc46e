/*
engine.go - Payment application engine

PURPOSE:
  Orchestrates every mutation of payment state: posting a payment against
  service lines, reversing it, and replacing it. Each operation runs as one
  unit of work; the verifier is the last gate before commit.

POSTING FLOW:
  ┌──────────────────────────────────────────────────────────────────────┐
  │                                                                      │
  │  Normalize   Resolve     Lock      ┌─────────── one transaction ────┐ │
  │  command ──▶ claims ──▶ claims ──▶ │ plan ─▶ write ─▶ recompute ─▶  │ │
  │                                    │ verify ─▶ set disbursed ─▶     │ │
  │                                    │ verify ─▶ commit               │ │
  │                                    └────────────────────────────────┘ │
  │                                                  │                   │
  │                                                  ▼                   │
  │                                           audit (best effort)        │
  └──────────────────────────────────────────────────────────────────────┘

  Rejections (duplicate, overpayment, negative net, over-disbursed) happen
  inside the transaction before the first write. Integrity failures happen
  after writes and roll the whole transaction back.

LOCKING:
  Claims touched by an operation are resolved with a read-only pass, then
  locked (sorted, all-or-nothing) for the duration of the transaction.

REVERSAL:
  RemovePosting subtracts every adjustment and disbursement of the payment
  from its lines, deletes them, recomputes claims and deletes the payment.
  ModifyPosting is RemovePosting + CreatePosting in the same transaction.

SEE ALSO:
  - apply.go:     AutoApply and DisburseRemaining
  - secondary.go: Secondary claim trigger
  - verify.go:    The reconciliation verifier
*/
package posting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ENGINE
// =============================================================================

// Engine posts, reverses and routes payments against a TxStore.
type Engine struct {
	store  TxStore
	locker ClaimLocker
	rules  RuleLookup
	audit  AuditRecorder
	log    zerolog.Logger
	newID  func() string
	now    Clock
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocker sets the claim locker used around every mutation.
func WithLocker(l ClaimLocker) Option { return func(e *Engine) { e.locker = l } }

// WithRules sets the forwardable-adjustment lookup for the secondary trigger.
func WithRules(r RuleLookup) Option { return func(e *Engine) { e.rules = r } }

// WithAudit sets where committed claim activity is recorded.
func WithAudit(a AuditRecorder) Option { return func(e *Engine) { e.audit = a } }

// WithLogger sets the engine's logger.
func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithIDGenerator replaces uuid.NewString for new record ids.
func WithIDGenerator(f func() string) Option { return func(e *Engine) { e.newID = f } }

// WithClock replaces time.Now.
func WithClock(c Clock) Option { return func(e *Engine) { e.now = c } }

// NewEngine builds an engine over store. Without options it uses in-process
// claim locks, treats no adjustment as forwardable, discards audit entries
// and logs nothing.
func NewEngine(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		locker: NewLocalLocker(DefaultLockWait),
		rules:  RuleFunc(func(GroupCode, string) bool { return false }),
		audit:  nopAudit{},
		log:    zerolog.Nop(),
		newID:  uuid.NewString,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// =============================================================================
// CREATE
// =============================================================================

// CreatePosting posts a payment and its line applications atomically and
// returns the new payment id.
func (e *Engine) CreatePosting(ctx context.Context, cmd PostingCommand) (PaymentID, error) {
	cmd, err := cmd.Normalize()
	if err != nil {
		return "", err
	}

	claims, err := e.claimsForLines(ctx, cmd.ClaimLines())
	if err != nil {
		return "", err
	}

	unlock, err := e.locker.Lock(ctx, claims)
	if err != nil {
		return "", err
	}
	defer unlock()

	var (
		result postingResult
		acts   []ClaimActivity
	)
	err = e.store.WithTx(ctx, func(s Stores) error {
		var err error
		result, err = e.createPosting(ctx, s, cmd)
		if err != nil {
			return err
		}
		acts = result.activities(ActivityPaymentPosted, e.now())
		return nil
	})
	if err != nil {
		e.logRejected("create posting", err)
		return "", err
	}

	e.log.Info().
		Str("payment_id", string(result.paymentID)).
		Strs("claims", claimStrings(result.claimOrder)).
		Str("applied", result.applied.String()).
		Msg("payment posted")
	e.record(ctx, acts)
	return result.paymentID, nil
}

// postingResult is what a committed create/remove touched.
type postingResult struct {
	paymentID  PaymentID
	applied    decimal.Decimal
	perClaim   map[ClaimID]decimal.Decimal
	claimOrder []ClaimID
}

func newPostingResult(id PaymentID) postingResult {
	return postingResult{paymentID: id, applied: decimal.Zero, perClaim: map[ClaimID]decimal.Decimal{}}
}

func (r *postingResult) touch(claim ClaimID, amount decimal.Decimal) {
	if _, ok := r.perClaim[claim]; !ok {
		r.claimOrder = append(r.claimOrder, claim)
		r.perClaim[claim] = decimal.Zero
	}
	r.perClaim[claim] = r.perClaim[claim].Add(amount)
}

func (r postingResult) activities(kind Activity, at time.Time) []ClaimActivity {
	acts := make([]ClaimActivity, 0, len(r.claimOrder))
	for _, c := range r.claimOrder {
		acts = append(acts, ClaimActivity{
			ClaimID:   c,
			PaymentID: r.paymentID,
			Activity:  kind,
			Amount:    r.perClaim[c],
			At:        at,
		})
	}
	return acts
}

// lineWork is one line application with its pre-posting totals, what is
// still open on the line once earlier applications in the same command are
// taken out, and the adjustment amounts it will actually post.
type lineWork struct {
	app       LineApplication
	line      LineTotals
	remaining decimal.Decimal
	planned   []decimal.Decimal
}

func (w lineWork) net() decimal.Decimal {
	return sumDecimals(append([]decimal.Decimal{w.app.Amount}, w.planned...)...)
}

func (e *Engine) createPosting(ctx context.Context, s Stores, cmd PostingCommand) (postingResult, error) {
	// Duplicate signal: same amount and same primary reference.
	if cmd.Reference != "" {
		existing, err := s.FindPayment(ctx, cmd.Amount, cmd.Reference)
		if err != nil {
			return postingResult{}, fmt.Errorf("duplicate lookup: %w", err)
		}
		if existing != nil {
			return postingResult{}, &DuplicatePaymentError{ExistingID: existing.ID, Amount: cmd.Amount, Reference: cmd.Reference}
		}
	}

	track := false
	if cmd.Source == SourcePayer {
		payer, err := s.Payer(ctx, cmd.PayerID)
		if err != nil {
			return postingResult{}, fmt.Errorf("load payer %s: %w", cmd.PayerID, err)
		}
		track = payer.TrackReasonAmounts
	}

	// Plan and check every line before the first write.
	// A line named twice is checked against what the first entry left.
	work := make([]lineWork, 0, len(cmd.Lines))
	left := make(map[LineID]decimal.Decimal, len(cmd.Lines))
	requested := decimal.Zero
	for _, app := range cmd.Lines {
		line, err := s.Line(ctx, app.LineID)
		if err != nil {
			return postingResult{}, fmt.Errorf("line %s: %w", app.LineID, err)
		}
		remaining, seen := left[app.LineID]
		if !seen {
			remaining = line.RemainingFor(cmd.Source)
		}
		w := lineWork{
			app:       app,
			line:      line,
			remaining: remaining,
			planned:   PlanAdjustments(app.Adjustments, remaining, track),
		}
		net := w.net()
		if net.IsNegative() {
			return postingResult{}, &NegativeApplicationError{LineID: app.LineID, Net: net}
		}
		if !cmd.AllowOverApply && net.Sub(remaining).GreaterThan(Tolerance) {
			return postingResult{}, &OverpaymentError{LineID: app.LineID, Requested: net, Remaining: remaining}
		}
		left[app.LineID] = remaining.Sub(net)
		requested = requested.Add(app.Amount)
		work = append(work, w)
	}
	if requested.Sub(cmd.Amount).GreaterThan(Tolerance) {
		return postingResult{}, &OverDisbursedError{PaymentAmount: cmd.Amount, Applied: requested}
	}

	physician := cmd.BillingPhysicianID
	if physician == "" && len(work) > 0 {
		var err error
		physician, err = s.BillingPhysician(ctx, work[0].line.ClaimID)
		if err != nil {
			return postingResult{}, fmt.Errorf("resolve billing physician: %w", err)
		}
	}

	now := e.now()
	payment := Payment{
		ID:                 PaymentID(e.newID()),
		Source:             cmd.Source,
		PayerID:            cmd.PayerID,
		PatientID:          cmd.PatientID,
		Amount:             cmd.Amount,
		Disbursed:          decimal.Zero,
		Date:               cmd.Date,
		Method:             cmd.Method,
		Reference:          cmd.Reference,
		BillingPhysicianID: physician,
		CreatedAt:          now,
	}
	if err := s.CreatePayment(ctx, payment); err != nil {
		return postingResult{}, fmt.Errorf("create payment: %w", err)
	}

	result := newPostingResult(payment.ID)
	for _, w := range work {
		amount := w.app.Amount
		if !cmd.AllowOverApply {
			amount = minDecimal(amount, maxDecimal(w.remaining, decimal.Zero))
		}

		claimID, err := e.applyToLine(ctx, s, payment, w.line, amount, now)
		if err != nil {
			return postingResult{}, err
		}
		result.applied = result.applied.Add(amount)
		result.touch(claimID, amount)

		for i, entry := range w.app.Adjustments {
			adj := Adjustment{
				ID:           AdjustmentID(e.newID()),
				PaymentID:    payment.ID,
				LineID:       w.line.ID,
				ClaimID:      claimID,
				PayerID:      cmd.PayerID,
				Group:        entry.Group,
				ReasonCode:   entry.ReasonCode,
				RemarkCode:   entry.RemarkCode,
				Amount:       w.planned[i],
				ReasonAmount: entry.ReasonAmount,
				CreatedAt:    now,
			}
			if _, err := s.AddAdjustment(ctx, adj.LineID, adj.Group, adj.Amount); err != nil {
				return postingResult{}, fmt.Errorf("line %s adjust %s: %w", adj.LineID, adj.Group, err)
			}
			if err := s.CreateAdjustment(ctx, adj); err != nil {
				return postingResult{}, fmt.Errorf("create adjustment: %w", err)
			}
		}
	}

	if err := e.recompute(ctx, s, result.claimOrder, cmd.AllowOverApply); err != nil {
		return postingResult{}, err
	}
	if err := s.SetDisbursed(ctx, payment.ID, result.applied); err != nil {
		return postingResult{}, fmt.Errorf("set disbursed: %w", err)
	}
	if err := e.verify(ctx, s, result.claimOrder, cmd.AllowOverApply); err != nil {
		return postingResult{}, err
	}
	return result, nil
}

// applyToLine moves amount into the paid column for the payment's source and
// records the disbursement. Zero amounts write nothing.
func (e *Engine) applyToLine(ctx context.Context, s Stores, p Payment, line LineTotals, amount decimal.Decimal, at time.Time) (ClaimID, error) {
	if amount.IsZero() {
		return line.ClaimID, nil
	}

	claimID, err := addPaid(ctx, s, p.Source, line.ID, amount)
	if err != nil {
		return "", err
	}
	d := Disbursement{
		ID:        DisbursementID(e.newID()),
		PaymentID: p.ID,
		LineID:    line.ID,
		ClaimID:   claimID,
		Amount:    amount,
		CreatedAt: at,
	}
	if err := s.CreateDisbursement(ctx, d); err != nil {
		return "", fmt.Errorf("create disbursement: %w", err)
	}
	return claimID, nil
}

func addPaid(ctx context.Context, s Stores, source SourceKind, lineID LineID, amount decimal.Decimal) (ClaimID, error) {
	var (
		claimID ClaimID
		err     error
	)
	if source == SourcePayer {
		claimID, err = s.AddInsurancePaid(ctx, lineID, amount)
	} else {
		claimID, err = s.AddPatientPaid(ctx, lineID, amount)
	}
	if err != nil {
		return "", fmt.Errorf("line %s add %s paid: %w", lineID, source, err)
	}
	return claimID, nil
}

// =============================================================================
// REMOVE / MODIFY
// =============================================================================

// RemovePosting reverses every effect of a payment and deletes it.
func (e *Engine) RemovePosting(ctx context.Context, id PaymentID) error {
	claims, err := e.claimsForPayment(ctx, id)
	if err != nil {
		return err
	}
	unlock, err := e.locker.Lock(ctx, claims)
	if err != nil {
		return err
	}
	defer unlock()

	var result postingResult
	err = e.store.WithTx(ctx, func(s Stores) error {
		var err error
		result, err = e.removePosting(ctx, s, id)
		return err
	})
	if err != nil {
		e.logRejected("remove posting", err)
		return err
	}

	e.log.Info().
		Str("payment_id", string(id)).
		Strs("claims", claimStrings(result.claimOrder)).
		Msg("payment removed")
	e.record(ctx, result.activities(ActivityPaymentRemoved, e.now()))
	return nil
}

func (e *Engine) removePosting(ctx context.Context, s Stores, id PaymentID) (postingResult, error) {
	payment, err := s.Payment(ctx, id)
	if err != nil {
		return postingResult{}, fmt.Errorf("payment %s: %w", id, err)
	}
	adjustments, err := s.AdjustmentsByPayment(ctx, id)
	if err != nil {
		return postingResult{}, fmt.Errorf("load adjustments: %w", err)
	}
	disbursements, err := s.DisbursementsByPayment(ctx, id)
	if err != nil {
		return postingResult{}, fmt.Errorf("load disbursements: %w", err)
	}

	result := newPostingResult(id)
	for _, a := range adjustments {
		claimID, err := s.AddAdjustment(ctx, a.LineID, a.Group, a.Amount.Neg())
		if err != nil {
			return postingResult{}, fmt.Errorf("line %s reverse %s: %w", a.LineID, a.Group, err)
		}
		result.touch(claimID, decimal.Zero)
	}
	for _, d := range disbursements {
		claimID, err := addPaid(ctx, s, payment.Source, d.LineID, d.Amount.Neg())
		if err != nil {
			return postingResult{}, err
		}
		result.applied = result.applied.Add(d.Amount)
		result.touch(claimID, d.Amount)
	}

	if err := s.DeleteAdjustmentsByPayment(ctx, id); err != nil {
		return postingResult{}, fmt.Errorf("delete adjustments: %w", err)
	}
	if err := s.DeleteDisbursementsByPayment(ctx, id); err != nil {
		return postingResult{}, fmt.Errorf("delete disbursements: %w", err)
	}
	// Reversal may legitimately reopen balances; only the equation is checked.
	if err := e.recompute(ctx, s, result.claimOrder, true); err != nil {
		return postingResult{}, err
	}
	if err := s.DeletePayment(ctx, id); err != nil {
		return postingResult{}, fmt.Errorf("delete payment: %w", err)
	}
	return result, nil
}

// ModifyPosting replaces a payment with a new posting. The old payment id
// disappears and the new one is returned. If the new posting is rejected the
// old one is left untouched.
func (e *Engine) ModifyPosting(ctx context.Context, id PaymentID, cmd PostingCommand) (PaymentID, error) {
	cmd, err := cmd.Normalize()
	if err != nil {
		return "", err
	}

	oldClaims, err := e.claimsForPayment(ctx, id)
	if err != nil {
		return "", err
	}
	newClaims, err := e.claimsForLines(ctx, cmd.ClaimLines())
	if err != nil {
		return "", err
	}
	unlock, err := e.locker.Lock(ctx, append(oldClaims, newClaims...))
	if err != nil {
		return "", err
	}
	defer unlock()

	var acts []ClaimActivity
	var created postingResult
	err = e.store.WithTx(ctx, func(s Stores) error {
		removed, err := e.removePosting(ctx, s, id)
		if err != nil {
			return err
		}
		created, err = e.createPosting(ctx, s, cmd)
		if err != nil {
			return err
		}
		now := e.now()
		acts = append(removed.activities(ActivityPaymentRemoved, now), created.activities(ActivityPaymentPosted, now)...)
		return nil
	})
	if err != nil {
		e.logRejected("modify posting", err)
		return "", err
	}

	e.log.Info().
		Str("old_payment_id", string(id)).
		Str("payment_id", string(created.paymentID)).
		Msg("payment modified")
	e.record(ctx, acts)
	return created.paymentID, nil
}

// =============================================================================
// RECONCILE
// =============================================================================

// Reconcile verifies a claim's stored lines and cached totals without
// changing anything. Violations are reported, not returned as an error.
func (e *Engine) Reconcile(ctx context.Context, claimID ClaimID) (Report, error) {
	var report Report
	err := e.store.WithTx(ctx, func(s Stores) error {
		claim, err := s.Claim(ctx, claimID)
		if err != nil {
			return fmt.Errorf("claim %s: %w", claimID, err)
		}
		lines, err := s.LinesByClaim(ctx, claimID)
		if err != nil {
			return fmt.Errorf("load lines: %w", err)
		}
		// Negative balances left by over-apply postings are reported too.
		report = Verifier{}.VerifyClaim(claim, lines)
		return nil
	})
	return report, err
}

// =============================================================================
// SHARED STEPS
// =============================================================================

// recompute refreshes the cached totals of every claim and verifies each.
func (e *Engine) recompute(ctx context.Context, s Stores, claims []ClaimID, allowNegative bool) error {
	for _, id := range claims {
		lines, err := s.LinesByClaim(ctx, id)
		if err != nil {
			return fmt.Errorf("claim %s lines: %w", id, err)
		}
		if err := s.UpdateClaimTotals(ctx, id, AggregateClaim(lines)); err != nil {
			return fmt.Errorf("claim %s totals: %w", id, err)
		}
		if err := (Verifier{AllowNegative: allowNegative}).Verify(id, lines).Err(); err != nil {
			return err
		}
	}
	return nil
}

// verify re-reads every claim and runs the verifier against cached totals.
func (e *Engine) verify(ctx context.Context, s Stores, claims []ClaimID, allowNegative bool) error {
	for _, id := range claims {
		claim, err := s.Claim(ctx, id)
		if err != nil {
			return fmt.Errorf("claim %s: %w", id, err)
		}
		lines, err := s.LinesByClaim(ctx, id)
		if err != nil {
			return fmt.Errorf("claim %s lines: %w", id, err)
		}
		if err := (Verifier{AllowNegative: allowNegative}).VerifyClaim(claim, lines).Err(); err != nil {
			return err
		}
	}
	return nil
}

// claimsForLines resolves the owning claims of lines in a read-only pass.
func (e *Engine) claimsForLines(ctx context.Context, lineIDs []LineID) ([]ClaimID, error) {
	if len(lineIDs) == 0 {
		return nil, nil
	}
	var claims []ClaimID
	err := e.store.WithTx(ctx, func(s Stores) error {
		for _, id := range lineIDs {
			line, err := s.Line(ctx, id)
			if err != nil {
				return fmt.Errorf("line %s: %w", id, err)
			}
			claims = append(claims, line.ClaimID)
		}
		return nil
	})
	return claims, err
}

// claimsForPayment resolves the claims a payment currently touches.
func (e *Engine) claimsForPayment(ctx context.Context, id PaymentID) ([]ClaimID, error) {
	var claims []ClaimID
	err := e.store.WithTx(ctx, func(s Stores) error {
		if _, err := s.Payment(ctx, id); err != nil {
			return fmt.Errorf("payment %s: %w", id, err)
		}
		adjustments, err := s.AdjustmentsByPayment(ctx, id)
		if err != nil {
			return fmt.Errorf("load adjustments: %w", err)
		}
		for _, a := range adjustments {
			claims = append(claims, a.ClaimID)
		}
		disbursements, err := s.DisbursementsByPayment(ctx, id)
		if err != nil {
			return fmt.Errorf("load disbursements: %w", err)
		}
		for _, d := range disbursements {
			claims = append(claims, d.ClaimID)
		}
		return nil
	})
	return claims, err
}

func (e *Engine) logRejected(op string, err error) {
	ev := e.log.Warn()
	if !IsValidation(err) && !IsBusinessRule(err) && !IsIntegrity(err) && !IsNotFound(err) && !errors.Is(err, ErrConcurrentModification) {
		ev = e.log.Error()
	}
	ev.Err(err).Str("op", op).Msg("rolled back")
}

func claimStrings(ids []ClaimID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
