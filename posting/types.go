package posting

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type LineID string
type ClaimID string
type PaymentID string
type AdjustmentID string
type DisbursementID string
type PayerID string
type PatientID string
type PhysicianID string

// =============================================================================
// SOURCE KIND - Who the money came from
// =============================================================================

type SourceKind string

const (
	SourcePayer   SourceKind = "payer"
	SourcePatient SourceKind = "patient"
)

func (k SourceKind) Valid() bool {
	return k == SourcePayer || k == SourcePatient
}

// =============================================================================
// GROUP CODE - Closed enumeration of adjustment categories
// =============================================================================

// GroupCode is the X12 claim adjustment group.
type GroupCode string

const (
	GroupContractual        GroupCode = "CO"
	GroupCorrection         GroupCode = "CR"
	GroupOther              GroupCode = "OA"
	GroupPayerInitiated     GroupCode = "PI"
	GroupPatientResponsible GroupCode = "PR"
)

// GroupCodes lists every valid group code in column order.
var GroupCodes = []GroupCode{
	GroupContractual,
	GroupCorrection,
	GroupOther,
	GroupPayerInitiated,
	GroupPatientResponsible,
}

func (g GroupCode) Valid() bool {
	switch g {
	case GroupContractual, GroupCorrection, GroupOther, GroupPayerInitiated, GroupPatientResponsible:
		return true
	}
	return false
}

// ParseGroupCode normalizes a raw group code. Remittance files sometimes
// carry the group glued to the reason ("PR1", "CO-45"); only the two-letter
// prefix is significant.
func ParseGroupCode(raw string) (GroupCode, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if len(s) > 2 {
		s = s[:2]
	}
	g := GroupCode(s)
	if !g.Valid() {
		return "", &InvalidGroupCodeError{Raw: raw}
	}
	return g, nil
}

// =============================================================================
// ADJUSTMENT TOTALS - Five running group sums
// =============================================================================

type AdjustmentTotals struct {
	CO decimal.Decimal
	CR decimal.Decimal
	OA decimal.Decimal
	PI decimal.Decimal
	PR decimal.Decimal
}

func (t AdjustmentTotals) Get(g GroupCode) decimal.Decimal {
	switch g {
	case GroupContractual:
		return t.CO
	case GroupCorrection:
		return t.CR
	case GroupOther:
		return t.OA
	case GroupPayerInitiated:
		return t.PI
	case GroupPatientResponsible:
		return t.PR
	}
	return decimal.Zero
}

// With returns a copy with delta added to group g.
func (t AdjustmentTotals) With(g GroupCode, delta decimal.Decimal) AdjustmentTotals {
	switch g {
	case GroupContractual:
		t.CO = t.CO.Add(delta)
	case GroupCorrection:
		t.CR = t.CR.Add(delta)
	case GroupOther:
		t.OA = t.OA.Add(delta)
	case GroupPayerInitiated:
		t.PI = t.PI.Add(delta)
	case GroupPatientResponsible:
		t.PR = t.PR.Add(delta)
	}
	return t
}

func (t AdjustmentTotals) Add(o AdjustmentTotals) AdjustmentTotals {
	return AdjustmentTotals{
		CO: t.CO.Add(o.CO),
		CR: t.CR.Add(o.CR),
		OA: t.OA.Add(o.OA),
		PI: t.PI.Add(o.PI),
		PR: t.PR.Add(o.PR),
	}
}

func (t AdjustmentTotals) Sum() decimal.Decimal {
	return sumDecimals(t.CO, t.CR, t.OA, t.PI, t.PR)
}

// =============================================================================
// SERVICE LINE
// =============================================================================

// LineTotals is the ledger view of one service line.
//
// Balance is the cached balance column. Stores move it together with every
// paid/adjustment write so the verifier can compare it against the other
// columns.
type LineTotals struct {
	ID                 LineID
	ClaimID            ClaimID
	PatientID          PatientID
	ResponsiblePayerID PayerID
	ClaimBillDate      time.Time
	Description        string

	Charge        decimal.Decimal
	InsurancePaid decimal.Decimal
	PatientPaid   decimal.Decimal
	Adjustments   AdjustmentTotals
	Balance       decimal.Decimal
}

func (l LineTotals) Paid() decimal.Decimal {
	return l.InsurancePaid.Add(l.PatientPaid)
}

// ComputedBalance derives the balance from the other columns.
func (l LineTotals) ComputedBalance() decimal.Decimal {
	return l.Charge.Sub(l.Paid()).Sub(l.Adjustments.Sum())
}

// RemainingFor is the amount still open on the line for a posting from the
// given source. Both sources draw down the same balance; the source only
// decides which paid column receives the money.
func (l LineTotals) RemainingFor(_ SourceKind) decimal.Decimal {
	return l.ComputedBalance()
}

// =============================================================================
// PAYMENT / ADJUSTMENT / DISBURSEMENT
// =============================================================================

type Payment struct {
	ID                 PaymentID
	Source             SourceKind
	PayerID            PayerID
	PatientID          PatientID
	Amount             decimal.Decimal
	Disbursed          decimal.Decimal
	Date               time.Time
	Method             string
	Reference          string
	BillingPhysicianID PhysicianID
	CreatedAt          time.Time
}

// Remaining is the part of the payment not yet routed to a line.
func (p Payment) Remaining() decimal.Decimal {
	return p.Amount.Sub(p.Disbursed)
}

type Adjustment struct {
	ID           AdjustmentID
	PaymentID    PaymentID
	LineID       LineID
	ClaimID      ClaimID
	PayerID      PayerID
	Group        GroupCode
	ReasonCode   string
	RemarkCode   string
	Amount       decimal.Decimal // applied to the line
	ReasonAmount decimal.Decimal // as stated by the payer
	CreatedAt    time.Time
}

type Disbursement struct {
	ID        DisbursementID
	PaymentID PaymentID
	LineID    LineID
	ClaimID   ClaimID
	Amount    decimal.Decimal
	CreatedAt time.Time
}

// =============================================================================
// CLAIM
// =============================================================================

type ClaimStatus string

const (
	ClaimImported             ClaimStatus = "Imported"
	ClaimReadyToSubmit        ClaimStatus = "ReadyToSubmit"
	ClaimSubmitted            ClaimStatus = "Submitted"
	ClaimForwardedToSecondary ClaimStatus = "ForwardedToSecondary"
	ClaimClosed               ClaimStatus = "Closed"
)

func (s ClaimStatus) IsTerminal() bool {
	return s == ClaimClosed
}

// ClaimTotals is the denormalized cache stored on the claim row.
type ClaimTotals struct {
	Charge        decimal.Decimal
	InsurancePaid decimal.Decimal
	PatientPaid   decimal.Decimal
	Adjustments   AdjustmentTotals
	Balance       decimal.Decimal
}

func (t ClaimTotals) Paid() decimal.Decimal {
	return t.InsurancePaid.Add(t.PatientPaid)
}

func (t ClaimTotals) ComputedBalance() decimal.Decimal {
	return t.Charge.Sub(t.Paid()).Sub(t.Adjustments.Sum())
}

// Insured is a subscriber record attached to a claim. Sequence 1 is the
// primary insured, 2 the secondary.
type Insured struct {
	Sequence     int
	PayerID      PayerID
	SubscriberID string
	FirstName    string
	LastName     string
	Relationship string
	GroupNumber  string
}

type Claim struct {
	ID                   ClaimID
	PatientID            PatientID
	Status               ClaimStatus
	PrimaryClaimID       ClaimID // set on secondary spin-offs
	PayerID              PayerID
	SecondaryPayerID     PayerID
	BillingPhysicianID   PhysicianID
	RenderingPhysicianID PhysicianID
	FacilityID           string
	BillDate             time.Time
	Insureds             []Insured
	Totals               ClaimTotals
}

// Insured returns the insured record with the given sequence, or nil.
func (c Claim) Insured(seq int) *Insured {
	for i := range c.Insureds {
		if c.Insureds[i].Sequence == seq {
			return &c.Insureds[i]
		}
	}
	return nil
}

func (c Claim) String() string {
	return fmt.Sprintf("claim %s (%s)", c.ID, c.Status)
}

// Payer carries the per-payer posting switches.
type Payer struct {
	ID                 PayerID
	Name               string
	TrackReasonAmounts bool
}
