/*
handlers_test.go - HTTP tests for the posting API

Tests for:
- Payment lifecycle (create, modify, delete) and status mapping
- Auto-apply and explicit disbursements
- Secondary trigger, reconciliation and activity endpoints
- Health check
*/
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/posting-engine/posting"
	"github.com/warp/posting-engine/posting/store"
	"github.com/warp/posting-engine/rules"
	"github.com/warp/posting-engine/store/sqlite"
)

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func march(day int) time.Time { return time.Date(2025, time.March, day, 0, 0, 0, 0, time.UTC) }

func sequentialIDs() func() string {
	var n int64
	return func() string { return fmt.Sprintf("id-%d", atomic.AddInt64(&n, 1)) }
}

type testServer struct {
	mem     *store.Memory
	handler *Handler
	router  *chi.Mux
}

// newTestServer seeds claim C1 (patient P1, payer PAY1, secondary SEC1) with
// line L1 charged 100.00.
func newTestServer(t *testing.T, opts ...posting.Option) *testServer {
	t.Helper()
	mem := store.NewMemory()
	mem.SeedClaim(posting.Claim{
		ID:                 "C1",
		PatientID:          "P1",
		Status:             posting.ClaimSubmitted,
		PayerID:            "PAY1",
		SecondaryPayerID:   "SEC1",
		BillingPhysicianID: "DOC1",
		BillDate:           march(3),
		Insureds:           []posting.Insured{{Sequence: 1, PayerID: "PAY1", SubscriberID: "SUB-1"}},
	}, posting.LineTotals{ID: "L1", Charge: money("100.00")})

	base := []posting.Option{
		posting.WithIDGenerator(sequentialIDs()),
		posting.WithClock(func() time.Time { return march(20) }),
		posting.WithRules(rules.Default()),
	}
	engine := posting.NewEngine(mem, append(base, opts...)...)

	h := NewHandler(engine, zerolog.Nop())
	h.now = func() time.Time { return march(20) }
	return &testServer{mem: mem, handler: h, router: NewRouter(h, []string{"http://localhost:3000"})}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (ts *testServer) line(t *testing.T, id posting.LineID) posting.LineTotals {
	t.Helper()
	var l posting.LineTotals
	require.NoError(t, ts.mem.WithTx(context.Background(), func(s posting.Stores) error {
		var err error
		l, err = s.Line(context.Background(), id)
		return err
	}))
	return l
}

func payerRequest(amount, reference string, lines ...LineApplicationDTO) PostingRequest {
	return PostingRequest{
		Source:    "payer",
		PayerID:   "PAY1",
		Amount:    money(amount),
		Date:      "2025-03-18",
		Method:    "EFT",
		Reference: reference,
		Lines:     lines,
	}
}

func (ts *testServer) createPayment(t *testing.T, req PostingRequest) string {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/payments", req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[PaymentCreatedDTO](t, rec).PaymentID
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestCreatePayment_PostsAndReconciles(t *testing.T) {
	// GIVEN: Line L1 charged 100.00
	// WHEN: PAY1 pays 70.00 with a 30.00 contractual write-off
	// THEN: 201 with a payment id, and the claim reconciles to a zero balance

	ts := newTestServer(t)

	id := ts.createPayment(t, payerRequest("70.00", "ERA-1", LineApplicationDTO{
		LineID: "L1",
		Amount: money("70.00"),
		Adjustments: []AdjustmentDTO{
			{Group: "co", ReasonCode: "45", Amount: money("30.00")},
		},
	}))
	assert.NotEmpty(t, id)

	l := ts.line(t, "L1")
	assert.True(t, l.InsurancePaid.Equal(money("70")))
	assert.True(t, l.Adjustments.CO.Equal(money("30")))
	assert.True(t, l.Balance.IsZero())

	rec := ts.do(t, http.MethodGet, "/api/claims/C1/reconciliation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeBody[ReconciliationDTO](t, rec)
	assert.True(t, report.OK)
	assert.Equal(t, "0.00", report.Totals.Balance)
	assert.Equal(t, "70.00", report.Totals.InsurancePaid)
	assert.Equal(t, "30.00", report.Totals.Adjustments.CO)
	assert.Empty(t, report.Violations)
}

func TestCreatePayment_RequestIDHeader(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestCreatePayment_BadRequests(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"malformed json", `{"source":`},
		{"missing source", PostingRequest{PayerID: "PAY1", Amount: money("10")}},
		{"unknown source", PostingRequest{Source: "clearinghouse", PayerID: "PAY1", Amount: money("10")}},
		{"bad date", PostingRequest{Source: "payer", PayerID: "PAY1", Amount: money("10"), Date: "03/18/2025"}},
		{"line without id", payerRequest("10", "R", LineApplicationDTO{Amount: money("10")})},
		{"payer source without payer", PostingRequest{Source: "payer", Amount: money("10")}},
		{"patient source naming a payer", PostingRequest{Source: "patient", PatientID: "P1", PayerID: "PAY1", Amount: money("10")}},
		{"unknown group code", payerRequest("10", "R", LineApplicationDTO{
			LineID: "L1", Amount: money("5"),
			Adjustments: []AdjustmentDTO{{Group: "ZZ", ReasonCode: "1", Amount: money("5")}},
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/payments", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			resp := decodeBody[ErrorResponse](t, rec)
			assert.NotEmpty(t, resp.Error)
		})
	}

	l := ts.line(t, "L1")
	assert.True(t, l.Balance.Equal(money("100")), "rejected requests never touch the ledger")
}

func TestCreatePayment_DuplicateIsConflict(t *testing.T) {
	ts := newTestServer(t)
	ts.createPayment(t, payerRequest("40.00", "ERA-2", LineApplicationDTO{LineID: "L1", Amount: money("40")}))

	// Same reference, same amount written differently
	rec := ts.do(t, http.MethodPost, "/api/payments", payerRequest("40", "ERA-2"))
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestCreatePayment_OverpaymentIsUnprocessable(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/payments", payerRequest("500", "ERA-3",
		LineApplicationDTO{LineID: "L1", Amount: money("150")}))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	assert.Contains(t, decodeBody[ErrorResponse](t, rec).Details, "L1")
}

func TestCreatePayment_UnknownLineIsNotFound(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/payments", payerRequest("10", "ERA-4",
		LineApplicationDTO{LineID: "NOPE", Amount: money("10")}))
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
}

type busyLocker struct{}

func (busyLocker) Lock(context.Context, []posting.ClaimID) (func(), error) {
	return nil, fmt.Errorf("claim C1: %w", posting.ErrConcurrentModification)
}

func TestCreatePayment_BusyClaimIsLocked(t *testing.T) {
	ts := newTestServer(t, posting.WithLocker(busyLocker{}))

	rec := ts.do(t, http.MethodPost, "/api/payments", payerRequest("10", "ERA-5",
		LineApplicationDTO{LineID: "L1", Amount: money("10")}))
	assert.Equal(t, http.StatusLocked, rec.Code, rec.Body.String())
}

func TestModifyPayment_ReturnsNewID(t *testing.T) {
	// GIVEN: A 40.00 posting on L1
	// WHEN: It is replaced with a 60.00 posting
	// THEN: A new id is returned, the old id is gone and L1 reflects only 60.00

	ts := newTestServer(t)
	oldID := ts.createPayment(t, payerRequest("40", "ERA-6", LineApplicationDTO{LineID: "L1", Amount: money("40")}))

	rec := ts.do(t, http.MethodPut, "/api/payments/"+oldID,
		payerRequest("60", "ERA-6", LineApplicationDTO{LineID: "L1", Amount: money("60")}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	newID := decodeBody[PaymentCreatedDTO](t, rec).PaymentID
	assert.NotEqual(t, oldID, newID)

	l := ts.line(t, "L1")
	assert.True(t, l.InsurancePaid.Equal(money("60")))
	assert.True(t, l.Balance.Equal(money("40")))

	rec = ts.do(t, http.MethodDelete, "/api/payments/"+oldID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestModifyPayment_RejectedReplacementKeepsOriginal(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createPayment(t, payerRequest("40", "ERA-7", LineApplicationDTO{LineID: "L1", Amount: money("40")}))

	rec := ts.do(t, http.MethodPut, "/api/payments/"+id,
		payerRequest("300", "ERA-7", LineApplicationDTO{LineID: "L1", Amount: money("300")}))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	l := ts.line(t, "L1")
	assert.True(t, l.InsurancePaid.Equal(money("40")))
}

func TestDeletePayment_RestoresLine(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createPayment(t, payerRequest("55", "ERA-8", LineApplicationDTO{
		LineID:      "L1",
		Amount:      money("55"),
		Adjustments: []AdjustmentDTO{{Group: "PR", ReasonCode: "2", Amount: money("10")}},
	}))

	rec := ts.do(t, http.MethodDelete, "/api/payments/"+id, nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	l := ts.line(t, "L1")
	assert.True(t, l.Balance.Equal(money("100")))
	assert.True(t, l.InsurancePaid.IsZero())
	assert.True(t, l.Adjustments.PR.IsZero())

	rec = ts.do(t, http.MethodDelete, "/api/payments/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// REMAINDER ROUTING
// =============================================================================

func patientRequest(amount string) PostingRequest {
	return PostingRequest{Source: "patient", PatientID: "P1", Amount: money(amount), Method: "card"}
}

func TestAutoApply_SpendsRemainder(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createPayment(t, patientRequest("30.00"))

	rec := ts.do(t, http.MethodPost, "/api/payments/"+id+"/auto-apply", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decodeBody[ApplyResultDTO](t, rec)
	assert.Equal(t, id, res.PaymentID)
	assert.Equal(t, "30.00", res.Applied)
	assert.Equal(t, "0.00", res.Remaining)
	require.Len(t, res.Disbursements, 1)
	assert.Equal(t, "L1", res.Disbursements[0].LineID)
	assert.Equal(t, "C1", res.Disbursements[0].ClaimID)

	l := ts.line(t, "L1")
	assert.True(t, l.PatientPaid.Equal(money("30")))
	assert.True(t, l.Balance.Equal(money("70")))
}

func TestAutoApply_UnknownPayment(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/payments/missing/auto-apply", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDisburse_ExplicitTargets(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createPayment(t, patientRequest("25.00"))

	rec := ts.do(t, http.MethodPost, "/api/payments/"+id+"/disbursements", DisburseRequest{
		Targets: []DisbursalDTO{{LineID: "L1", Amount: money("10")}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decodeBody[ApplyResultDTO](t, rec)
	assert.Equal(t, "10.00", res.Applied)
	assert.Equal(t, "15.00", res.Remaining)
	assert.True(t, ts.line(t, "L1").PatientPaid.Equal(money("10")))
}

func TestDisburse_RequiresTargets(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createPayment(t, patientRequest("25.00"))

	rec := ts.do(t, http.MethodPost, "/api/payments/"+id+"/disbursements", DisburseRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

// =============================================================================
// CLAIMS
// =============================================================================

func TestEvaluateSecondary_ForwardsPatientResponsibility(t *testing.T) {
	// GIVEN: C1 settled by PAY1 with 15.00 coinsurance (PR-2) left to the patient
	// WHEN: The secondary trigger runs
	// THEN: A secondary claim for 15.00 is created; a second run reports it exists

	ts := newTestServer(t)
	ts.createPayment(t, payerRequest("85.00", "ERA-9", LineApplicationDTO{
		LineID:      "L1",
		Amount:      money("85.00"),
		Adjustments: []AdjustmentDTO{{Group: "PR", ReasonCode: "2", Amount: money("15.00")}},
	}))

	rec := ts.do(t, http.MethodPost, "/api/claims/C1/secondary", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[TriggerResultDTO](t, rec)
	assert.True(t, res.Triggered, res.Detail)
	assert.Equal(t, string(posting.ReasonSecondaryClaimCreated), res.Reason)
	assert.Equal(t, "15.00", res.ForwardAmount)
	assert.NotEmpty(t, res.NewClaimID)

	rec = ts.do(t, http.MethodGet, "/api/claims/"+res.NewClaimID+"/reconciliation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeBody[ReconciliationDTO](t, rec)
	assert.Equal(t, "15.00", report.Totals.Charge)
	assert.True(t, report.OK)

	rec = ts.do(t, http.MethodPost, "/api/claims/C1/secondary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[TriggerResultDTO](t, rec).Triggered)
}

func TestEvaluateSecondary_UnknownClaimIsReported(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/claims/NOPE/secondary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[TriggerResultDTO](t, rec)
	assert.False(t, res.Triggered)
	assert.Equal(t, string(posting.ReasonClaimNotFound), res.Reason)
}

func TestGetReconciliation_UnknownClaim(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/claims/NOPE/reconciliation", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetActivity_NotRecorded(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/claims/C1/activity", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestGetActivity_FromSQLiteTrail(t *testing.T) {
	// GIVEN: A sqlite store recording claim activity
	// WHEN: A payment is posted and then removed through the API
	// THEN: The activity endpoint lists both events in order

	ctx := context.Background()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.SeedClaim(ctx, posting.Claim{
		ID: "C1", PatientID: "P1", Status: posting.ClaimSubmitted, PayerID: "PAY1", BillDate: march(3),
	}, posting.LineTotals{ID: "L1", Charge: money("100.00")}))

	engine := posting.NewEngine(s, posting.WithAudit(s), posting.WithIDGenerator(sequentialIDs()))
	h := NewHandler(engine, zerolog.Nop())
	h.Activity = s
	h.Health = s
	ts := &testServer{handler: h, router: NewRouter(h, nil)}

	id := ts.createPayment(t, payerRequest("20", "ERA-10", LineApplicationDTO{LineID: "L1", Amount: money("20")}))
	require.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/api/payments/"+id, nil).Code)

	rec := ts.do(t, http.MethodGet, "/api/claims/C1/activity", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	acts := decodeBody[[]ActivityDTO](t, rec)
	require.Len(t, acts, 2)
	assert.Equal(t, string(posting.ActivityPaymentPosted), acts[0].Activity)
	assert.Equal(t, string(posting.ActivityPaymentRemoved), acts[1].Activity)
	assert.Equal(t, "20.00", acts[0].Amount)
	assert.Equal(t, id, acts[0].PaymentID)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/health", nil).Code)
}

// =============================================================================
// HEALTH & ERROR MAPPING
// =============================================================================

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthCheck_StoreDown(t *testing.T) {
	ts := newTestServer(t)
	ts.handler.Health = downPinger{}

	rec := ts.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, decodeBody[ErrorResponse](t, rec).Details, "connection refused")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&posting.ValidationError{Field: "amount", Reason: "must not be negative"}, http.StatusBadRequest},
		{fmt.Errorf("payment x: %w", posting.ErrPaymentNotFound), http.StatusNotFound},
		{&posting.DuplicatePaymentError{ExistingID: "p1", Amount: money("1"), Reference: "r"}, http.StatusConflict},
		{&posting.OverpaymentError{LineID: "L1", Requested: money("2"), Remaining: money("1")}, http.StatusUnprocessableEntity},
		{posting.ErrOverDisbursed, http.StatusUnprocessableEntity},
		{&posting.ReconciliationError{ClaimID: "C1", Violations: []posting.Violation{{Kind: posting.ViolationEquation}}}, http.StatusConflict},
		{fmt.Errorf("claim C1: %w", posting.ErrConcurrentModification), http.StatusLocked},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
