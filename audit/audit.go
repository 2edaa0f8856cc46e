/*
audit.go - Claim activity recorders

PURPOSE:
  Implementations of posting.AuditRecorder. The engine records activity after
  each committed posting; the recorders here fan that out to logs, to a
  message broker and to the store's claim_activity table.

RECORDERS:
  LogRecorder:   one structured log line per activity (zerolog)
  AMQPPublisher: one persistent JSON message per activity (RabbitMQ)
  Fanout:        calls every recorder, joins their errors

SEE ALSO:
  - posting/audit.go:     the contract and activity kinds
  - store/sqlite/sqlite.go: RecordClaimActivity on the claim_activity table
*/
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/posting-engine/posting"
)

// Event is the wire form of a claim activity.
type Event struct {
	ClaimID   string    `json:"claim_id"`
	PaymentID string    `json:"payment_id,omitempty"`
	Activity  string    `json:"activity"`
	Amount    string    `json:"amount"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

func NewEvent(a posting.ClaimActivity) Event {
	return Event{
		ClaimID:   string(a.ClaimID),
		PaymentID: string(a.PaymentID),
		Activity:  string(a.Activity),
		Amount:    a.Amount.StringFixed(2),
		Detail:    a.Detail,
		At:        a.At.UTC(),
	}
}

// =============================================================================
// LOG RECORDER
// =============================================================================

type LogRecorder struct {
	log zerolog.Logger
}

func NewLogRecorder(log zerolog.Logger) *LogRecorder {
	return &LogRecorder{log: log.With().Str("component", "claim_activity").Logger()}
}

func (r *LogRecorder) RecordClaimActivity(_ context.Context, a posting.ClaimActivity) error {
	ev := r.log.Info().
		Str("claim_id", string(a.ClaimID)).
		Str("activity", string(a.Activity)).
		Str("amount", a.Amount.StringFixed(2))
	if a.PaymentID != "" {
		ev = ev.Str("payment_id", string(a.PaymentID))
	}
	if a.Detail != "" {
		ev = ev.Str("detail", a.Detail)
	}
	ev.Time("at", a.At).Msg("claim activity")
	return nil
}

// =============================================================================
// FANOUT
// =============================================================================

// Fanout records to every recorder even when an earlier one fails.
type Fanout []posting.AuditRecorder

func (f Fanout) RecordClaimActivity(ctx context.Context, a posting.ClaimActivity) error {
	var errs []error
	for _, r := range f {
		if r == nil {
			continue
		}
		if err := r.RecordClaimActivity(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
