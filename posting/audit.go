package posting

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CLAIM ACTIVITY
// =============================================================================

type Activity string

const (
	ActivityPaymentPosted      Activity = "payment_posted"
	ActivityPaymentRemoved     Activity = "payment_removed"
	ActivityPaymentAutoApplied Activity = "payment_auto_applied"
	ActivityPaymentDisbursed   Activity = "payment_disbursed"
	ActivitySecondaryCreated   Activity = "secondary_created"
	ActivityClaimClosed        Activity = "claim_closed"
)

// ClaimActivity is one entry in a claim's audit trail.
type ClaimActivity struct {
	ClaimID   ClaimID
	PaymentID PaymentID
	Activity  Activity
	Amount    decimal.Decimal
	Detail    string
	At        time.Time
}

// AuditRecorder appends claim activity. Recording happens after commit and
// is best effort: a failing recorder never fails the posting.
type AuditRecorder interface {
	RecordClaimActivity(ctx context.Context, a ClaimActivity) error
}

type nopAudit struct{}

func (nopAudit) RecordClaimActivity(context.Context, ClaimActivity) error { return nil }

// record flushes activities collected during a committed transaction.
func (e *Engine) record(ctx context.Context, acts []ClaimActivity) {
	for _, a := range acts {
		if err := e.audit.RecordClaimActivity(ctx, a); err != nil {
			e.log.Error().Err(err).
				Str("claim_id", string(a.ClaimID)).
				Str("activity", string(a.Activity)).
				Msg("claim activity not recorded")
		}
	}
}
