/*
store.go - Storage contracts consumed by the engine

PURPOSE:
  Defines the narrow read/write surface the engine needs from the relational
  store. The engine never sees SQL; implementations live in posting/store
  (memory), store/sqlite and store/postgres.

KEY INTERFACES:
  LineStore:         service-line totals, paid/adjustment writes
  PaymentStore:      create, fetch, duplicate lookup, disbursed total, delete
  AdjustmentStore:   append, list by payment / claim, bulk delete by payment
  DisbursementStore: append, list by payment, bulk delete by payment
  ClaimStore:        claim cache, status, secondary linkage
  PayerStore:        per-payer posting switches
  TxStore:           runs a unit of work against all of the above atomically

WRITE SEMANTICS:
  Every Add* write on a line moves the named column AND the cached balance
  column by the same delta, and returns the owning claim id so the engine can
  recompute claim totals afterwards.

TRANSACTIONS:
  WithTx(fn) commits when fn returns nil and rolls back on any error. Every
  read and write of a posting operation goes through the Stores handed to fn.

SEE ALSO:
  - posting/store/memory.go: In-memory implementation for testing
  - store/sqlite/sqlite.go:  SQLite implementation
*/
package posting

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SERVICE LINES
// =============================================================================

// OpenLineFilter selects lines for auto-apply sweeps.
type OpenLineFilter struct {
	PatientID PatientID
	PayerID   PayerID // empty = any responsible party
}

type LineStore interface {
	// Line returns ErrLineNotFound when the line does not exist.
	Line(ctx context.Context, id LineID) (LineTotals, error)
	LinesByClaim(ctx context.Context, claimID ClaimID) ([]LineTotals, error)

	// OpenLines returns lines with a positive balance matching the filter,
	// oldest claim bill date first, then by line id.
	OpenLines(ctx context.Context, filter OpenLineFilter) ([]LineTotals, error)

	AddInsurancePaid(ctx context.Context, id LineID, amount decimal.Decimal) (ClaimID, error)
	AddPatientPaid(ctx context.Context, id LineID, amount decimal.Decimal) (ClaimID, error)
	AddAdjustment(ctx context.Context, id LineID, group GroupCode, amount decimal.Decimal) (ClaimID, error)

	CreateLine(ctx context.Context, line LineTotals) error
}

// =============================================================================
// PAYMENTS / ADJUSTMENTS / DISBURSEMENTS
// =============================================================================

type PaymentStore interface {
	CreatePayment(ctx context.Context, p Payment) error

	// Payment returns ErrPaymentNotFound when the payment does not exist.
	Payment(ctx context.Context, id PaymentID) (Payment, error)

	// FindPayment returns the first payment with this amount and reference.
	FindPayment(ctx context.Context, amount decimal.Decimal, reference string) (*Payment, error)

	SetDisbursed(ctx context.Context, id PaymentID, total decimal.Decimal) error
	DeletePayment(ctx context.Context, id PaymentID) error
}

type AdjustmentStore interface {
	CreateAdjustment(ctx context.Context, a Adjustment) error
	AdjustmentsByPayment(ctx context.Context, paymentID PaymentID) ([]Adjustment, error)
	AdjustmentsByClaim(ctx context.Context, claimID ClaimID) ([]Adjustment, error)
	DeleteAdjustmentsByPayment(ctx context.Context, paymentID PaymentID) error
}

type DisbursementStore interface {
	CreateDisbursement(ctx context.Context, d Disbursement) error
	DisbursementsByPayment(ctx context.Context, paymentID PaymentID) ([]Disbursement, error)
	DeleteDisbursementsByPayment(ctx context.Context, paymentID PaymentID) error
}

// =============================================================================
// CLAIMS / PAYERS
// =============================================================================

type ClaimStore interface {
	// Claim returns ErrClaimNotFound when the claim does not exist.
	Claim(ctx context.Context, id ClaimID) (Claim, error)
	BillingPhysician(ctx context.Context, id ClaimID) (PhysicianID, error)
	UpdateClaimTotals(ctx context.Context, id ClaimID, totals ClaimTotals) error
	UpdateClaimStatus(ctx context.Context, id ClaimID, status ClaimStatus) error

	// SecondaryClaim returns the secondary spun off from primaryID, or nil.
	SecondaryClaim(ctx context.Context, primaryID ClaimID) (*Claim, error)
	CreateClaim(ctx context.Context, c Claim) error

	// ForwardCandidates lists settled, non-terminal claims that have a
	// secondary payer and no secondary claim yet.
	ForwardCandidates(ctx context.Context, limit int) ([]ClaimID, error)
}

type PayerStore interface {
	// Payer returns a zero Payer (all switches off) for unknown payers.
	Payer(ctx context.Context, id PayerID) (Payer, error)
}

// Stores is the full surface available inside a unit of work.
type Stores interface {
	LineStore
	PaymentStore
	AdjustmentStore
	DisbursementStore
	ClaimStore
	PayerStore
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore runs fn within one transaction.
// If fn returns error, the transaction is rolled back.
// If fn returns nil, the transaction is committed.
type TxStore interface {
	WithTx(ctx context.Context, fn func(Stores) error) error
}

// =============================================================================
// READ-ONLY LOOKUPS
// =============================================================================

// RuleLookup answers whether an adjustment type may be forwarded to a
// secondary payer. Never mutated by the engine.
type RuleLookup interface {
	IsForwardable(group GroupCode, reason string) bool
}

// RuleFunc adapts a function to RuleLookup.
type RuleFunc func(group GroupCode, reason string) bool

func (f RuleFunc) IsForwardable(group GroupCode, reason string) bool { return f(group, reason) }

// Clock returns the current time. Replaced in tests.
type Clock func() time.Time
