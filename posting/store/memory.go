// Package store provides an in-memory posting store.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/posting-engine/posting"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements posting.TxStore. Units of work are serialized; a failed
// unit is rolled back by restoring a snapshot taken when it began.
type Memory struct {
	mu    sync.Mutex
	state memoryState

	// faults makes the named write fail, for rollback tests.
	faults map[string]error
}

type memoryState struct {
	lines         map[posting.LineID]posting.LineTotals
	claims        map[posting.ClaimID]posting.Claim
	payers        map[posting.PayerID]posting.Payer
	payments      map[posting.PaymentID]posting.Payment
	paymentOrder  []posting.PaymentID
	adjustments   []posting.Adjustment
	disbursements []posting.Disbursement
}

func NewMemory() *Memory {
	return &Memory{
		state: memoryState{
			lines:    make(map[posting.LineID]posting.LineTotals),
			claims:   make(map[posting.ClaimID]posting.Claim),
			payers:   make(map[posting.PayerID]posting.Payer),
			payments: make(map[posting.PaymentID]posting.Payment),
		},
		faults: make(map[string]error),
	}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(posting.Stores) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := m.state.clone()
	if err := fn(&memoryView{m: m}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// InjectFault makes every later call of the named write method fail with err.
// A nil err clears the fault.
func (m *Memory) InjectFault(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.faults, method)
		return
	}
	m.faults[method] = err
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		lines:         make(map[posting.LineID]posting.LineTotals, len(s.lines)),
		claims:        make(map[posting.ClaimID]posting.Claim, len(s.claims)),
		payers:        make(map[posting.PayerID]posting.Payer, len(s.payers)),
		payments:      make(map[posting.PaymentID]posting.Payment, len(s.payments)),
		paymentOrder:  append([]posting.PaymentID(nil), s.paymentOrder...),
		adjustments:   append([]posting.Adjustment(nil), s.adjustments...),
		disbursements: append([]posting.Disbursement(nil), s.disbursements...),
	}
	for k, v := range s.lines {
		out.lines[k] = v
	}
	for k, v := range s.claims {
		out.claims[k] = v
	}
	for k, v := range s.payers {
		out.payers[k] = v
	}
	for k, v := range s.payments {
		out.payments[k] = v
	}
	return out
}

// =============================================================================
// SEEDING - Fixture helpers outside any unit of work
// =============================================================================

// SeedClaim stores a claim and its lines, deriving every balance and the
// claim totals from the line columns.
func (m *Memory) SeedClaim(c posting.Claim, lines ...posting.LineTotals) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range lines {
		lines[i].ClaimID = c.ID
		if lines[i].PatientID == "" {
			lines[i].PatientID = c.PatientID
		}
		if lines[i].ResponsiblePayerID == "" {
			lines[i].ResponsiblePayerID = c.PayerID
		}
		lines[i].Balance = lines[i].ComputedBalance()
		m.state.lines[lines[i].ID] = lines[i]
	}
	c.Insureds = append([]posting.Insured(nil), c.Insureds...)
	c.Totals = posting.AggregateClaim(lines)
	m.state.claims[c.ID] = c
}

func (m *Memory) SeedPayer(p posting.Payer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.payers[p.ID] = p
}

// SavePayer inserts or replaces a payer profile.
func (m *Memory) SavePayer(_ context.Context, p posting.Payer) error {
	m.SeedPayer(p)
	return nil
}

// =============================================================================
// TRANSACTIONAL VIEW - Valid only inside WithTx (lock already held)
// =============================================================================

type memoryView struct {
	m *Memory
}

func (v *memoryView) st() *memoryState { return &v.m.state }

func (v *memoryView) fault(method string) error { return v.m.faults[method] }

// withClaimFields fills the claim-derived columns of a line.
func (v *memoryView) withClaimFields(l posting.LineTotals) posting.LineTotals {
	if c, ok := v.st().claims[l.ClaimID]; ok {
		l.ClaimBillDate = c.BillDate
		if l.PatientID == "" {
			l.PatientID = c.PatientID
		}
	}
	return l
}

// --- lines ---

func (v *memoryView) Line(_ context.Context, id posting.LineID) (posting.LineTotals, error) {
	l, ok := v.st().lines[id]
	if !ok {
		return posting.LineTotals{}, posting.ErrLineNotFound
	}
	return v.withClaimFields(l), nil
}

func (v *memoryView) LinesByClaim(_ context.Context, claimID posting.ClaimID) ([]posting.LineTotals, error) {
	var out []posting.LineTotals
	for _, l := range v.st().lines {
		if l.ClaimID == claimID {
			out = append(out, v.withClaimFields(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *memoryView) OpenLines(_ context.Context, f posting.OpenLineFilter) ([]posting.LineTotals, error) {
	var out []posting.LineTotals
	for _, l := range v.st().lines {
		l = v.withClaimFields(l)
		if !l.Balance.IsPositive() {
			continue
		}
		if f.PatientID != "" && l.PatientID != f.PatientID {
			continue
		}
		if f.PayerID != "" && l.ResponsiblePayerID != f.PayerID {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ClaimBillDate.Equal(out[j].ClaimBillDate) {
			return out[i].ClaimBillDate.Before(out[j].ClaimBillDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *memoryView) move(method string, id posting.LineID, apply func(*posting.LineTotals)) (posting.ClaimID, error) {
	if err := v.fault(method); err != nil {
		return "", err
	}
	l, ok := v.st().lines[id]
	if !ok {
		return "", posting.ErrLineNotFound
	}
	apply(&l)
	v.st().lines[id] = l
	return l.ClaimID, nil
}

func (v *memoryView) AddInsurancePaid(_ context.Context, id posting.LineID, amount decimal.Decimal) (posting.ClaimID, error) {
	return v.move("AddInsurancePaid", id, func(l *posting.LineTotals) {
		l.InsurancePaid = l.InsurancePaid.Add(amount)
		l.Balance = l.Balance.Sub(amount)
	})
}

func (v *memoryView) AddPatientPaid(_ context.Context, id posting.LineID, amount decimal.Decimal) (posting.ClaimID, error) {
	return v.move("AddPatientPaid", id, func(l *posting.LineTotals) {
		l.PatientPaid = l.PatientPaid.Add(amount)
		l.Balance = l.Balance.Sub(amount)
	})
}

func (v *memoryView) AddAdjustment(_ context.Context, id posting.LineID, group posting.GroupCode, amount decimal.Decimal) (posting.ClaimID, error) {
	return v.move("AddAdjustment", id, func(l *posting.LineTotals) {
		l.Adjustments = l.Adjustments.With(group, amount)
		l.Balance = l.Balance.Sub(amount)
	})
}

func (v *memoryView) CreateLine(_ context.Context, line posting.LineTotals) error {
	if err := v.fault("CreateLine"); err != nil {
		return err
	}
	v.st().lines[line.ID] = line
	return nil
}

// --- payments ---

func (v *memoryView) CreatePayment(_ context.Context, p posting.Payment) error {
	if err := v.fault("CreatePayment"); err != nil {
		return err
	}
	v.st().payments[p.ID] = p
	v.st().paymentOrder = append(v.st().paymentOrder, p.ID)
	return nil
}

func (v *memoryView) Payment(_ context.Context, id posting.PaymentID) (posting.Payment, error) {
	p, ok := v.st().payments[id]
	if !ok {
		return posting.Payment{}, posting.ErrPaymentNotFound
	}
	return p, nil
}

func (v *memoryView) FindPayment(_ context.Context, amount decimal.Decimal, reference string) (*posting.Payment, error) {
	for _, id := range v.st().paymentOrder {
		p := v.st().payments[id]
		if p.Reference == reference && p.Amount.Equal(amount) {
			return &p, nil
		}
	}
	return nil, nil
}

func (v *memoryView) SetDisbursed(_ context.Context, id posting.PaymentID, total decimal.Decimal) error {
	if err := v.fault("SetDisbursed"); err != nil {
		return err
	}
	p, ok := v.st().payments[id]
	if !ok {
		return posting.ErrPaymentNotFound
	}
	p.Disbursed = total
	v.st().payments[id] = p
	return nil
}

func (v *memoryView) DeletePayment(_ context.Context, id posting.PaymentID) error {
	if err := v.fault("DeletePayment"); err != nil {
		return err
	}
	delete(v.st().payments, id)
	order := v.st().paymentOrder[:0]
	for _, pid := range v.st().paymentOrder {
		if pid != id {
			order = append(order, pid)
		}
	}
	v.st().paymentOrder = order
	return nil
}

// --- adjustments ---

func (v *memoryView) CreateAdjustment(_ context.Context, a posting.Adjustment) error {
	if err := v.fault("CreateAdjustment"); err != nil {
		return err
	}
	v.st().adjustments = append(v.st().adjustments, a)
	return nil
}

func (v *memoryView) AdjustmentsByPayment(_ context.Context, paymentID posting.PaymentID) ([]posting.Adjustment, error) {
	var out []posting.Adjustment
	for _, a := range v.st().adjustments {
		if a.PaymentID == paymentID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (v *memoryView) AdjustmentsByClaim(_ context.Context, claimID posting.ClaimID) ([]posting.Adjustment, error) {
	var out []posting.Adjustment
	for _, a := range v.st().adjustments {
		if a.ClaimID == claimID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (v *memoryView) DeleteAdjustmentsByPayment(_ context.Context, paymentID posting.PaymentID) error {
	kept := v.st().adjustments[:0]
	for _, a := range v.st().adjustments {
		if a.PaymentID != paymentID {
			kept = append(kept, a)
		}
	}
	v.st().adjustments = kept
	return nil
}

// --- disbursements ---

func (v *memoryView) CreateDisbursement(_ context.Context, d posting.Disbursement) error {
	if err := v.fault("CreateDisbursement"); err != nil {
		return err
	}
	v.st().disbursements = append(v.st().disbursements, d)
	return nil
}

func (v *memoryView) DisbursementsByPayment(_ context.Context, paymentID posting.PaymentID) ([]posting.Disbursement, error) {
	var out []posting.Disbursement
	for _, d := range v.st().disbursements {
		if d.PaymentID == paymentID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (v *memoryView) DeleteDisbursementsByPayment(_ context.Context, paymentID posting.PaymentID) error {
	kept := v.st().disbursements[:0]
	for _, d := range v.st().disbursements {
		if d.PaymentID != paymentID {
			kept = append(kept, d)
		}
	}
	v.st().disbursements = kept
	return nil
}

// --- claims ---

func (v *memoryView) Claim(_ context.Context, id posting.ClaimID) (posting.Claim, error) {
	c, ok := v.st().claims[id]
	if !ok {
		return posting.Claim{}, posting.ErrClaimNotFound
	}
	return c, nil
}

func (v *memoryView) BillingPhysician(ctx context.Context, id posting.ClaimID) (posting.PhysicianID, error) {
	c, err := v.Claim(ctx, id)
	if err != nil {
		return "", err
	}
	return c.BillingPhysicianID, nil
}

func (v *memoryView) UpdateClaimTotals(_ context.Context, id posting.ClaimID, totals posting.ClaimTotals) error {
	if err := v.fault("UpdateClaimTotals"); err != nil {
		return err
	}
	c, ok := v.st().claims[id]
	if !ok {
		return posting.ErrClaimNotFound
	}
	c.Totals = totals
	v.st().claims[id] = c
	return nil
}

func (v *memoryView) UpdateClaimStatus(_ context.Context, id posting.ClaimID, status posting.ClaimStatus) error {
	if err := v.fault("UpdateClaimStatus"); err != nil {
		return err
	}
	c, ok := v.st().claims[id]
	if !ok {
		return posting.ErrClaimNotFound
	}
	c.Status = status
	v.st().claims[id] = c
	return nil
}

func (v *memoryView) SecondaryClaim(_ context.Context, primaryID posting.ClaimID) (*posting.Claim, error) {
	for _, c := range v.st().claims {
		if c.PrimaryClaimID == primaryID {
			return &c, nil
		}
	}
	return nil, nil
}

func (v *memoryView) CreateClaim(_ context.Context, c posting.Claim) error {
	if err := v.fault("CreateClaim"); err != nil {
		return err
	}
	c.Insureds = append([]posting.Insured(nil), c.Insureds...)
	v.st().claims[c.ID] = c
	return nil
}

func (v *memoryView) ForwardCandidates(ctx context.Context, limit int) ([]posting.ClaimID, error) {
	var out []posting.ClaimID
	for id, c := range v.st().claims {
		if c.Status.IsTerminal() || c.Status == posting.ClaimForwardedToSecondary {
			continue
		}
		if c.SecondaryPayerID == "" || c.PrimaryClaimID != "" {
			continue
		}
		if c.Totals.Balance.GreaterThan(posting.SettledThreshold) {
			continue
		}
		if sec, _ := v.SecondaryClaim(ctx, id); sec != nil {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- payers ---

func (v *memoryView) Payer(_ context.Context, id posting.PayerID) (posting.Payer, error) {
	p, ok := v.st().payers[id]
	if !ok {
		return posting.Payer{ID: id}, nil
	}
	return p, nil
}
