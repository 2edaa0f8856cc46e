package posting_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/posting-engine/posting"
	"github.com/warp/posting-engine/posting/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) bool {
	t.Helper()
	if money(want).Equal(got) {
		return true
	}
	return assert.Fail(t, fmt.Sprintf("amount mismatch: want %s, got %s", want, got), msgAndArgs...)
}

func jan(day int) time.Time { return time.Date(2025, time.January, day, 0, 0, 0, 0, time.UTC) }

type fixture struct {
	mem    *store.Memory
	engine *posting.Engine
	audit  *recordingAudit
}

func sequentialIDs() func() string {
	var n int64
	return func() string { return fmt.Sprintf("id-%d", atomic.AddInt64(&n, 1)) }
}

func newFixture(t *testing.T, opts ...posting.Option) *fixture {
	t.Helper()
	mem := store.NewMemory()
	audit := &recordingAudit{}
	base := []posting.Option{
		posting.WithIDGenerator(sequentialIDs()),
		posting.WithClock(func() time.Time { return jan(31) }),
		posting.WithAudit(audit),
	}
	return &fixture{
		mem:    mem,
		engine: posting.NewEngine(mem, append(base, opts...)...),
		audit:  audit,
	}
}

// seedOneLine creates claim C1 for patient P1 billed to PAY1 with one line.
func (f *fixture) seedOneLine(charge string) {
	f.mem.SeedClaim(posting.Claim{
		ID:                 "C1",
		PatientID:          "P1",
		Status:             posting.ClaimSubmitted,
		PayerID:            "PAY1",
		BillingPhysicianID: "DOC1",
		BillDate:           jan(10),
	}, posting.LineTotals{ID: "L1", Charge: money(charge)})
}

func (f *fixture) line(t *testing.T, id posting.LineID) posting.LineTotals {
	t.Helper()
	var l posting.LineTotals
	require.NoError(t, f.mem.WithTx(context.Background(), func(s posting.Stores) error {
		var err error
		l, err = s.Line(context.Background(), id)
		return err
	}))
	return l
}

func (f *fixture) claim(t *testing.T, id posting.ClaimID) posting.Claim {
	t.Helper()
	var c posting.Claim
	require.NoError(t, f.mem.WithTx(context.Background(), func(s posting.Stores) error {
		var err error
		c, err = s.Claim(context.Background(), id)
		return err
	}))
	return c
}

func (f *fixture) payment(t *testing.T, id posting.PaymentID) (posting.Payment, error) {
	t.Helper()
	var p posting.Payment
	err := f.mem.WithTx(context.Background(), func(s posting.Stores) error {
		var err error
		p, err = s.Payment(context.Background(), id)
		return err
	})
	return p, err
}

func (f *fixture) adjustments(t *testing.T, id posting.PaymentID) []posting.Adjustment {
	t.Helper()
	var out []posting.Adjustment
	require.NoError(t, f.mem.WithTx(context.Background(), func(s posting.Stores) error {
		var err error
		out, err = s.AdjustmentsByPayment(context.Background(), id)
		return err
	}))
	return out
}

func assertSameLine(t *testing.T, want, got posting.LineTotals) {
	t.Helper()
	assertMoney(t, want.Charge.String(), got.Charge)
	assertMoney(t, want.InsurancePaid.String(), got.InsurancePaid)
	assertMoney(t, want.PatientPaid.String(), got.PatientPaid)
	for _, g := range posting.GroupCodes {
		assertMoney(t, want.Adjustments.Get(g).String(), got.Adjustments.Get(g))
	}
	assertMoney(t, want.Balance.String(), got.Balance)
}

type recordingAudit struct {
	mu   sync.Mutex
	acts []posting.ClaimActivity
	fail error
}

func (r *recordingAudit) RecordClaimActivity(_ context.Context, a posting.ClaimActivity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.acts = append(r.acts, a)
	return nil
}

func (r *recordingAudit) activities() []posting.Activity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]posting.Activity, 0, len(r.acts))
	for _, a := range r.acts {
		out = append(out, a.Activity)
	}
	return out
}

func patientPayment(amount string, lines ...posting.LineApplication) posting.PostingCommand {
	return posting.PostingCommand{
		Source:    posting.SourcePatient,
		PatientID: "P1",
		Amount:    money(amount),
		Date:      jan(20),
		Method:    "card",
		Lines:     lines,
	}
}

func payerPayment(amount, reference string, lines ...posting.LineApplication) posting.PostingCommand {
	return posting.PostingCommand{
		Source:    posting.SourcePayer,
		PayerID:   "PAY1",
		PatientID: "P1",
		Amount:    money(amount),
		Date:      jan(20),
		Method:    "check",
		Reference: reference,
		Lines:     lines,
	}
}

func apply(line posting.LineID, amount string, adjs ...posting.AdjustmentEntry) posting.LineApplication {
	return posting.LineApplication{LineID: line, Amount: money(amount), Adjustments: adjs}
}

func adj(group, reason, amount string) posting.AdjustmentEntry {
	return posting.AdjustmentEntry{Group: posting.GroupCode(group), ReasonCode: reason, Amount: money(amount)}
}

// =============================================================================
// CREATE POSTING
// =============================================================================

func TestCreatePosting_SimpleWriteOff(t *testing.T) {
	// GIVEN: A 100.00 line
	// WHEN: The patient pays 80.00 and 20.00 is written off contractually
	// THEN: paid=80, CO=20, balance=0 on the line and the claim

	f := newFixture(t)
	f.seedOneLine("100.00")
	ctx := context.Background()

	id, err := f.engine.CreatePosting(ctx, patientPayment("80.00", apply("L1", "80.00", adj("CO", "45", "20.00"))))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	l := f.line(t, "L1")
	assertMoney(t, "80.00", l.PatientPaid)
	assertMoney(t, "0", l.InsurancePaid)
	assertMoney(t, "20.00", l.Adjustments.CO)
	assertMoney(t, "0", l.Balance)

	c := f.claim(t, "C1")
	assertMoney(t, "80.00", c.Totals.PatientPaid)
	assertMoney(t, "20.00", c.Totals.Adjustments.CO)
	assertMoney(t, "0", c.Totals.Balance)

	p, err := f.payment(t, id)
	require.NoError(t, err)
	assertMoney(t, "80.00", p.Disbursed)
	assert.Equal(t, posting.PhysicianID("DOC1"), p.BillingPhysicianID, "billing physician falls back to the claim")
	assert.Equal(t, []posting.Activity{posting.ActivityPaymentPosted}, f.audit.activities())
}

func TestCreatePosting_PayerMovesInsurancePaid(t *testing.T) {
	// GIVEN: A 100.00 line
	// WHEN: A payer pays 60.00
	// THEN: Only the insurance-paid column moves

	f := newFixture(t)
	f.seedOneLine("100.00")

	_, err := f.engine.CreatePosting(context.Background(), payerPayment("60.00", "CHK-9", apply("L1", "60.00")))
	require.NoError(t, err)

	l := f.line(t, "L1")
	assertMoney(t, "60.00", l.InsurancePaid)
	assertMoney(t, "0", l.PatientPaid)
	assertMoney(t, "40.00", l.Balance)
}

func TestCreatePosting_DuplicateRejected(t *testing.T) {
	// GIVEN: A payment of 50.00 with reference CHK-1 already posted
	// WHEN: The same amount and reference is posted again
	// THEN: DuplicatePaymentError, nothing changes

	f := newFixture(t)
	f.seedOneLine("100.00")
	ctx := context.Background()

	first, err := f.engine.CreatePosting(ctx, payerPayment("50.00", "CHK-1", apply("L1", "50.00")))
	require.NoError(t, err)

	_, err = f.engine.CreatePosting(ctx, payerPayment("50.00", "CHK-1", apply("L1", "20.00")))
	require.Error(t, err)
	var dup *posting.DuplicatePaymentError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first, dup.ExistingID)
	assert.True(t, posting.IsBusinessRule(err))

	l := f.line(t, "L1")
	assertMoney(t, "50.00", l.InsurancePaid)
	assertMoney(t, "50.00", l.Balance)
}

func TestCreatePosting_SameReferenceDifferentAmountAllowed(t *testing.T) {
	f := newFixture(t)
	f.seedOneLine("100.00")
	ctx := context.Background()

	_, err := f.engine.CreatePosting(ctx, payerPayment("50.00", "CHK-1", apply("L1", "50.00")))
	require.NoError(t, err)
	_, err = f.engine.CreatePosting(ctx, payerPayment("20.00", "CHK-1", apply("L1", "20.00")))
	require.NoError(t, err)
}

func TestCreatePosting_OverpaymentRejected(t *testing.T) {
	// GIVEN: A 100.00 line
	// WHEN: Applying 90.00 plus a 20.00 write-off without over-apply
	// THEN: OverpaymentError, the line is unchanged and no payment exists

	f := newFixture(t)
	f.seedOneLine("100.00")

	_, err := f.engine.CreatePosting(context.Background(),
		payerPayment("90.00", "CHK-2", apply("L1", "90.00", adj("CO", "45", "20.00"))))
	require.Error(t, err)

	var over *posting.OverpaymentError
	require.ErrorAs(t, err, &over)
	assert.Equal(t, posting.LineID("L1"), over.LineID)
	assertMoney(t, "110.00", over.Requested)
	assertMoney(t, "100.00", over.Remaining)

	assertSameLine(t, posting.LineTotals{Charge: money("100.00"), Balance: money("100.00")}, f.line(t, "L1"))

	require.NoError(t, f.mem.WithTx(context.Background(), func(s posting.Stores) error {
		p, err := s.FindPayment(context.Background(), money("90.00"), "CHK-2")
		assert.Nil(t, p)
		return err
	}))
	assert.Empty(t, f.audit.activities())
}

func TestCreatePosting_SameLineTwiceCountsEarlierEntries(t *testing.T) {
	// GIVEN: A 100.00 line
	// WHEN: One command applies 60.00 to it twice
	// THEN: The second entry is checked against the 40.00 the first left,
	//       so the command is an overpayment and nothing is written

	f := newFixture(t)
	f.seedOneLine("100.00")

	_, err := f.engine.CreatePosting(context.Background(),
		patientPayment("120.00", apply("L1", "60.00"), apply("L1", "60.00")))
	require.Error(t, err)

	var over *posting.OverpaymentError
	require.ErrorAs(t, err, &over)
	assert.True(t, posting.IsBusinessRule(err))
	assert.False(t, posting.IsIntegrity(err))
	assertMoney(t, "60.00", over.Requested)
	assertMoney(t, "40.00", over.Remaining)

	assertSameLine(t, posting.LineTotals{Charge: money("100.00"), Balance: money("100.00")}, f.line(t, "L1"))
	assert.Empty(t, f.audit.activities())
}

func TestCreatePosting_SameLineTwiceWithinBalance(t *testing.T) {
	f := newFixture(t)
	f.seedOneLine("100.00")

	_, err := f.engine.CreatePosting(context.Background(),
		patientPayment("100.00", apply("L1", "60.00"), apply("L1", "40.00")))
	require.NoError(t, err)

	l := f.line(t, "L1")
	assertMoney(t, "100.00", l.PatientPaid)
	assertMoney(t, "0", l.Balance)
}

func TestCreatePosting_OverApplyAllowsNegativeBalance(t *testing.T) {
	// GIVEN: A 100.00 line
	// WHEN: 120.00 is applied with over-apply enabled
	// THEN: The posting commits with balance -20.00

	f := newFixture(t)
	f.seedOneLine("100.00")
	ctx := context.Background()

	cmd := patientPayment("120.00", apply("L1", "120.00"))
	cmd.AllowOverApply = true
	_, err := f.engine.CreatePosting(ctx, cmd)
	require.NoError(t, err)

	assertMoney(t, "-20.00", f.line(t, "L1").Balance)

	report, err := f.engine.Reconcile(ctx, "C1")
	require.NoError(t, err)
	require.False(t, report.OK(), "reconciliation still reports the negative balance")
	for _, v := range report.Violations {
		assert.Equal(t, posting.ViolationNegativeBalance, v.Kind)
	}
}

func TestCreatePosting_NegativeNetApplicationRejected(t *testing.T) {
	f := newFixture(t)
	f.seedOneLine("100.00")

	_, err := f.engine.CreatePosting(context.Background(),
		patientPayment("0", apply("L1", "0", adj("CR", "", "-10.00"))))

	var neg *posting.NegativeApplicationError
	require.ErrorAs(t, err, &neg)
	assertMoney(t, "-10.00", neg.Net)
	assert.True(t, posting.IsValidation(err))
}

func TestCreatePosting_OverDisbursedRejected(t *testing.T) {
	// GIVEN: A 50.00 payment
	// WHEN: Its line applications add up to 60.00
	// THEN: OverDisbursedError

	f := newFixture(t)
	f.seedOneLine("100.00")

	_, err := f.engine.CreatePosting(context.Background(), patientPayment("50.00", apply("L1", "60.00")))
	assert.ErrorIs(t, err, posting.ErrOverDisbursed)
	assertMoney(t, "100.00", f.line(t, "L1").Balance)
}

func TestCreatePosting_ValidationErrors(t *testing.T) {
	f := newFixture(t)
	f.seedOneLine("100.00")
	ctx := context.Background()

	tests := []struct {
		name string
		cmd  posting.PostingCommand
		want error
	}{
		{
			name: "payer source without payer",
			cmd:  posting.PostingCommand{Source: posting.SourcePayer, PatientID: "P1", Amount: money("1")},
			want: posting.ErrMissingSource,
		},
		{
			name: "patient source without patient",
			cmd:  posting.PostingCommand{Source: posting.SourcePatient, Amount: money("1")},
			want: posting.ErrMissingSource,
		},
		{
			name: "patient source naming a payer",
			cmd:  posting.PostingCommand{Source: posting.SourcePatient, PatientID: "P1", PayerID: "PAY1", Amount: money("1")},
			want: posting.ErrSourceMismatch,
		},
		{
			name: "missing source",
			cmd:  posting.PostingCommand{PatientID: "P1", Amount: money("1")},
			want: posting.ErrMissingSource,
		},
		{
			name: "unknown group code",
			cmd:  patientPayment("10", apply("L1", "10", adj("ZZ", "1", "5"))),
			want: posting.ErrInvalidGroupCode,
		},
		{
			name: "negative amount",
			cmd:  patientPayment("-5"),
			want: posting.ErrInvalidCommand,
		},
		{
			name: "line without id",
			cmd:  patientPayment("10", apply("", "10")),
			want: posting.ErrInvalidCommand,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.CreatePosting(ctx, tt.cmd)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, posting.IsValidation(err))
		})
	}
	assertMoney(t, "100.00", f.line(t, "L1").Balance)
}

func TestCreatePosting_UnknownLine(t *testing.T) {
	f := newFixture(t)
	f.seedOneLine("100.00")

	_, err := f.engine.CreatePosting(context.Background(), patientPayment("10", apply("NOPE", "10")))
	assert.ErrorIs(t, err, posting.ErrLineNotFound)
	assert.True(t, posting.IsNotFound(err))
}

func TestCreatePosting_LongGroupCodeTruncated(t *testing.T) {
	f := newFixture(t)
	f.seedOneLine("100.00")

	id, err := f.engine.CreatePosting(context.Background(),
		patientPayment("0", apply("L1", "0", adj("co-45", "45", "30.00"))))
	require.NoError(t, err)

	adjs := f.adjustments(t, id)
	require.Len(t, adjs, 1)
	assert.Equal(t, posting.GroupContractual, adjs[0].Group)
	assertMoney(t, "30.00", f.line(t, "L1").Adjustments.CO)
}

func TestCreatePosting_StoreFailureRollsBack(t *testing.T) {
	// GIVEN: The store fails when setting the disbursed total
	// WHEN: Posting a payment
	// THEN: The line writes made before the failure are rolled back

	f := newFixture(t)
	f.seedOneLine("100.00")
	boom := errors.New("disk full")
	f.mem.InjectFault("SetDisbursed", boom)

	_, err := f.engine.CreatePosting(context.Background(), patientPayment("40.00", apply("L1", "40.00", adj("CO", "45", "10.00"))))
	require.ErrorIs(t, err, boom)

	assertSameLine(t, posting.LineTotals{Charge: money("100.00"), Balance: money("100.00")}, f.line(t, "L1"))
	assertMoney(t, "100.00", f.claim(t, "C1").Totals.Balance)
}

func TestCreatePosting_UnappliedPaymentHasNoLines(t *testing.T) {
	f := newFixture(t)
	f.seedOneLine("100.00")

	id, err := f.engine.CreatePosting(context.Background(), patientPayment("25.00"))
	require.NoError(t, err)

	p, err := f.payment(t, id)
	require.NoError(t, err)
	assertMoney(t, "25.00", p.Remaining())
}

// =============================================================================
// PR BUNDLING
// =============================================================================

func TestCreatePosting_PRBundlingCollapse(t *testing.T) {
	// GIVEN: A line with 20.00 open and a payer that tracks reason amounts
	// WHEN: Two PR adjustments state 10.00 and 15.00 (sum 25.00 != 20.00)
	// THEN: The first posts 25.00, the second 0.00, PR rises by exactly 25.00

	f := newFixture(t)
	f.mem.SeedPayer(posting.Payer{ID: "PAY1", TrackReasonAmounts: true})
	f.mem.SeedClaim(posting.Claim{ID: "C1", PatientID: "P1", PayerID: "PAY1", Status: posting.ClaimSubmitted, BillDate: jan(10)},
		posting.LineTotals{ID: "L1", Charge: money("100.00"), InsurancePaid: money("80.00")})

	pr1 := posting.AdjustmentEntry{Group: posting.GroupPatientResponsible, ReasonCode: "1", Amount: money("10.00"), ReasonAmount: money("10.00")}
	pr2 := posting.AdjustmentEntry{Group: posting.GroupPatientResponsible, ReasonCode: "2", Amount: money("15.00"), ReasonAmount: money("15.00")}
	cmd := payerPayment("0", "ERA-1", apply("L1", "0", pr1, pr2))
	cmd.AllowOverApply = true

	id, err := f.engine.CreatePosting(context.Background(), cmd)
	require.NoError(t, err)

	adjs := f.adjustments(t, id)
	require.Len(t, adjs, 2)
	assertMoney(t, "25.00", adjs[0].Amount)
	assertMoney(t, "0", adjs[1].Amount)
	assertMoney(t, "15.00", adjs[1].ReasonAmount, "stated amount is kept")

	l := f.line(t, "L1")
	assertMoney(t, "25.00", l.Adjustments.PR)
	assertMoney(t, "-5.00", l.Balance)
}

func TestCreatePosting_PRBundlingTrustedSplit(t *testing.T) {
	// GIVEN: A line with 20.00 open and a payer that tracks reason amounts
	// WHEN: Two PR adjustments state 12.00 and 8.00 (sum matches the balance)
	// THEN: Each adjustment posts its own amount

	f := newFixture(t)
	f.mem.SeedPayer(posting.Payer{ID: "PAY1", TrackReasonAmounts: true})
	f.mem.SeedClaim(posting.Claim{ID: "C1", PatientID: "P1", PayerID: "PAY1", Status: posting.ClaimSubmitted, BillDate: jan(10)},
		posting.LineTotals{ID: "L1", Charge: money("100.00"), InsurancePaid: money("80.00")})

	id, err := f.engine.CreatePosting(context.Background(),
		payerPayment("0", "ERA-2", apply("L1", "0", adj("PR", "1", "12.00"), adj("PR", "2", "8.00"))))
	require.NoError(t, err)

	adjs := f.adjustments(t, id)
	require.Len(t, adjs, 2)
	assertMoney(t, "12.00", adjs[0].Amount)
	assertMoney(t, "8.00", adjs[1].Amount)
	assertMoney(t, "0", f.line(t, "L1").Balance)
}

// =============================================================================
// REMOVE / MODIFY
// =============================================================================

func TestRemovePosting_RoundTrip(t *testing.T) {
	// GIVEN: A claim with two lines
	// WHEN: A posting touching both lines is created and then removed
	// THEN: Every line and the claim are back to their exact pre-posting totals

	f := newFixture(t)
	f.mem.SeedClaim(posting.Claim{ID: "C1", PatientID: "P1", PayerID: "PAY1", Status: posting.ClaimSubmitted, BillDate: jan(10)},
		posting.LineTotals{ID: "L1", Charge: money("100.00"), PatientPaid: money("5.00")},
		posting.LineTotals{ID: "L2", Charge: money("50.00")})
	ctx := context.Background()

	beforeL1, beforeL2 := f.line(t, "L1"), f.line(t, "L2")
	beforeClaim := f.claim(t, "C1").Totals

	id, err := f.engine.CreatePosting(ctx, payerPayment("110.00", "CHK-7",
		apply("L1", "60.00", adj("CO", "45", "25.00"), adj("PR", "1", "10.00")),
		apply("L2", "50.00")))
	require.NoError(t, err)
	assertMoney(t, "0", f.claim(t, "C1").Totals.Balance)

	require.NoError(t, f.engine.RemovePosting(ctx, id))

	assertSameLine(t, beforeL1, f.line(t, "L1"))
	assertSameLine(t, beforeL2, f.line(t, "L2"))
	after := f.claim(t, "C1").Totals
	assertMoney(t, beforeClaim.Balance.String(), after.Balance)
	assertMoney(t, beforeClaim.PatientPaid.String(), after.PatientPaid)
	assertMoney(t, beforeClaim.InsurancePaid.String(), after.InsurancePaid)
	assertMoney(t, beforeClaim.Adjustments.Sum().String(), after.Adjustments.Sum())

	_, err = f.payment(t, id)
	assert.ErrorIs(t, err, posting.ErrPaymentNotFound)
	assert.Empty(t, f.adjustments(t, id))
	assert.Equal(t, []posting.Activity{posting.ActivityPaymentPosted, posting.ActivityPaymentRemoved}, f.audit.activities())
}

func TestRemovePosting_NotFound(t *testing.T) {
	f := newFixture(t)
	err := f.engine.RemovePosting(context.Background(), "missing")
	assert.ErrorIs(t, err, posting.ErrPaymentNotFound)
}

func TestModifyPosting_ReplacesPayment(t *testing.T) {
	// GIVEN: A 50.00 patient posting
	// WHEN: It is modified to 30.00
	// THEN: The old id is gone, a new id exists and the line shows 30.00 paid

	f := newFixture(t)
	f.seedOneLine("100.00")
	ctx := context.Background()

	oldID, err := f.engine.CreatePosting(ctx, patientPayment("50.00", apply("L1", "50.00")))
	require.NoError(t, err)

	newID, err := f.engine.ModifyPosting(ctx, oldID, patientPayment("30.00", apply("L1", "30.00")))
	require.NoError(t, err)
	assert.NotEqual(t, oldID, newID)

	_, err = f.payment(t, oldID)
	assert.ErrorIs(t, err, posting.ErrPaymentNotFound)
	_, err = f.payment(t, newID)
	assert.NoError(t, err)
	assertMoney(t, "30.00", f.line(t, "L1").PatientPaid)
	assertMoney(t, "70.00", f.claim(t, "C1").Totals.Balance)
}

func TestModifyPosting_RejectedReplacementKeepsOriginal(t *testing.T) {
	// GIVEN: A 50.00 patient posting
	// WHEN: It is modified into an overpayment
	// THEN: The modification fails and the original posting is untouched

	f := newFixture(t)
	f.seedOneLine("100.00")
	ctx := context.Background()

	oldID, err := f.engine.CreatePosting(ctx, patientPayment("50.00", apply("L1", "50.00")))
	require.NoError(t, err)

	_, err = f.engine.ModifyPosting(ctx, oldID, patientPayment("150.00", apply("L1", "150.00")))
	require.ErrorIs(t, err, posting.ErrOverpayment)

	_, err = f.payment(t, oldID)
	assert.NoError(t, err)
	assertMoney(t, "50.00", f.line(t, "L1").PatientPaid)
}

func TestModifyPosting_SameReferenceIsNotADuplicate(t *testing.T) {
	f := newFixture(t)
	f.seedOneLine("100.00")
	ctx := context.Background()

	oldID, err := f.engine.CreatePosting(ctx, payerPayment("40.00", "CHK-3", apply("L1", "40.00")))
	require.NoError(t, err)

	_, err = f.engine.ModifyPosting(ctx, oldID, payerPayment("40.00", "CHK-3", apply("L1", "35.00")))
	require.NoError(t, err)
	assertMoney(t, "35.00", f.line(t, "L1").InsurancePaid)
}

// =============================================================================
// CONCURRENCY / AUDIT
// =============================================================================

func TestCreatePosting_ConcurrentPostingsNeverOverdraw(t *testing.T) {
	// GIVEN: A 100.00 line
	// WHEN: Ten 10.00 postings race, then an eleventh arrives
	// THEN: All ten commit, the eleventh is an overpayment, balance is exactly 0

	f := newFixture(t)
	f.seedOneLine("100.00")
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.CreatePosting(ctx, patientPayment("10.00", apply("L1", "10.00")))
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	_, err := f.engine.CreatePosting(ctx, patientPayment("10.00", apply("L1", "10.00")))
	assert.ErrorIs(t, err, posting.ErrOverpayment)
	assertMoney(t, "0", f.line(t, "L1").Balance)
}

func TestCreatePosting_BusyClaimIsRetryable(t *testing.T) {
	locker := posting.NewLocalLocker(20 * time.Millisecond)
	f := newFixture(t, posting.WithLocker(locker))
	f.seedOneLine("100.00")
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, []posting.ClaimID{"C1"})
	require.NoError(t, err)

	_, err = f.engine.CreatePosting(ctx, patientPayment("10.00", apply("L1", "10.00")))
	assert.ErrorIs(t, err, posting.ErrConcurrentModification)
	assert.True(t, posting.IsRetryable(err))

	unlock()
	_, err = f.engine.CreatePosting(ctx, patientPayment("10.00", apply("L1", "10.00")))
	assert.NoError(t, err)
}

func TestCreatePosting_AuditFailureDoesNotFailPosting(t *testing.T) {
	f := newFixture(t)
	f.audit.fail = errors.New("audit sink down")
	f.seedOneLine("100.00")

	_, err := f.engine.CreatePosting(context.Background(), patientPayment("10.00", apply("L1", "10.00")))
	require.NoError(t, err)
	assertMoney(t, "90.00", f.line(t, "L1").Balance)
}

// =============================================================================
// RECONCILE
// =============================================================================

func TestReconcile_CleanClaim(t *testing.T) {
	f := newFixture(t)
	f.seedOneLine("100.00")
	ctx := context.Background()

	_, err := f.engine.CreatePosting(ctx, patientPayment("30.00", apply("L1", "30.00")))
	require.NoError(t, err)

	report, err := f.engine.Reconcile(ctx, "C1")
	require.NoError(t, err)
	assert.True(t, report.OK(), "%v", report.Violations)
	assertMoney(t, "70.00", report.Totals.Balance)
}

func TestReconcile_UnknownClaim(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Reconcile(context.Background(), "nope")
	assert.ErrorIs(t, err, posting.ErrClaimNotFound)
}
