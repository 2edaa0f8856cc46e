/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the posting engine's model from the external API contract.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *DTO:     Response types returned to clients

MONEY:
  Requests accept amounts as JSON strings or numbers ("12.50" or 12.5).
  Responses always render two-decimal strings so clients never parse floats.

VALIDATION:
  Shape checks live in struct tags (go-playground/validator). Accounting
  rules (source consistency, group codes, overpayment) stay in the engine.

SEE ALSO:
  - handlers.go: Uses these types
  - posting/command.go: PostingCommand
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/posting-engine/posting"
)

const dateLayout = "2006-01-02"

// =============================================================================
// REQUESTS
// =============================================================================

// PostingRequest is the body of POST /api/payments and PUT /api/payments/{id}.
type PostingRequest struct {
	Source             string               `json:"source" validate:"required,oneof=payer patient"`
	PayerID            string               `json:"payer_id,omitempty" validate:"max=64"`
	PatientID          string               `json:"patient_id,omitempty" validate:"max=64"`
	Amount             decimal.Decimal      `json:"amount"`
	Date               string               `json:"date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Method             string               `json:"method,omitempty" validate:"max=32"`
	Reference          string               `json:"reference,omitempty" validate:"max=64"`
	BillingPhysicianID string               `json:"billing_physician_id,omitempty"`
	AllowOverApply     bool                 `json:"allow_over_apply,omitempty"`
	Lines              []LineApplicationDTO `json:"lines,omitempty" validate:"dive"`
}

type LineApplicationDTO struct {
	LineID      string          `json:"line_id" validate:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Adjustments []AdjustmentDTO `json:"adjustments,omitempty" validate:"dive"`
}

type AdjustmentDTO struct {
	Group        string          `json:"group" validate:"required,max=8"`
	ReasonCode   string          `json:"reason_code,omitempty" validate:"max=8"`
	RemarkCode   string          `json:"remark_code,omitempty" validate:"max=8"`
	Amount       decimal.Decimal `json:"amount"`
	ReasonAmount decimal.Decimal `json:"reason_amount"`
}

// DisburseRequest is the body of POST /api/payments/{id}/disbursements.
type DisburseRequest struct {
	Targets []DisbursalDTO `json:"targets" validate:"required,min=1,dive"`
}

type DisbursalDTO struct {
	LineID string          `json:"line_id" validate:"required"`
	Amount decimal.Decimal `json:"amount"`
}

// Command converts the request into an engine command. A missing date
// becomes today.
func (r PostingRequest) Command(today time.Time) (posting.PostingCommand, error) {
	date := today
	if r.Date != "" {
		d, err := time.Parse(dateLayout, r.Date)
		if err != nil {
			return posting.PostingCommand{}, err
		}
		date = d
	}

	cmd := posting.PostingCommand{
		Source:             posting.SourceKind(r.Source),
		PayerID:            posting.PayerID(r.PayerID),
		PatientID:          posting.PatientID(r.PatientID),
		Amount:             r.Amount,
		Date:               date,
		Method:             r.Method,
		Reference:          r.Reference,
		BillingPhysicianID: posting.PhysicianID(r.BillingPhysicianID),
		AllowOverApply:     r.AllowOverApply,
	}
	for _, l := range r.Lines {
		app := posting.LineApplication{LineID: posting.LineID(l.LineID), Amount: l.Amount}
		for _, a := range l.Adjustments {
			app.Adjustments = append(app.Adjustments, posting.AdjustmentEntry{
				Group:        posting.GroupCode(a.Group),
				ReasonCode:   a.ReasonCode,
				RemarkCode:   a.RemarkCode,
				Amount:       a.Amount,
				ReasonAmount: a.ReasonAmount,
			})
		}
		cmd.Lines = append(cmd.Lines, app)
	}
	return cmd, nil
}

func (r DisburseRequest) Disbursals() []posting.Disbursal {
	out := make([]posting.Disbursal, 0, len(r.Targets))
	for _, t := range r.Targets {
		out = append(out, posting.Disbursal{LineID: posting.LineID(t.LineID), Amount: t.Amount})
	}
	return out
}

// =============================================================================
// RESPONSES
// =============================================================================

type PaymentCreatedDTO struct {
	PaymentID string `json:"payment_id"`
}

type DisbursementDTO struct {
	ID      string `json:"id"`
	LineID  string `json:"line_id"`
	ClaimID string `json:"claim_id"`
	Amount  string `json:"amount"`
}

type ApplyResultDTO struct {
	PaymentID     string            `json:"payment_id"`
	Applied       string            `json:"applied"`
	Remaining     string            `json:"remaining"`
	Disbursements []DisbursementDTO `json:"disbursements"`
}

func toApplyResultDTO(r posting.ApplyResult) ApplyResultDTO {
	out := ApplyResultDTO{
		PaymentID:     string(r.PaymentID),
		Applied:       moneyString(r.Applied),
		Remaining:     moneyString(r.Remaining),
		Disbursements: make([]DisbursementDTO, 0, len(r.Disbursements)),
	}
	for _, d := range r.Disbursements {
		out.Disbursements = append(out.Disbursements, DisbursementDTO{
			ID:      string(d.ID),
			LineID:  string(d.LineID),
			ClaimID: string(d.ClaimID),
			Amount:  moneyString(d.Amount),
		})
	}
	return out
}

type TriggerResultDTO struct {
	ClaimID       string `json:"claim_id"`
	Triggered     bool   `json:"triggered"`
	Reason        string `json:"reason"`
	ForwardAmount string `json:"forward_amount"`
	NewClaimID    string `json:"new_claim_id,omitempty"`
	Detail        string `json:"detail,omitempty"`
}

func toTriggerResultDTO(r posting.TriggerResult) TriggerResultDTO {
	return TriggerResultDTO{
		ClaimID:       string(r.ClaimID),
		Triggered:     r.Triggered,
		Reason:        string(r.Reason),
		ForwardAmount: moneyString(r.ForwardAmount),
		NewClaimID:    string(r.NewClaimID),
		Detail:        r.Detail,
	}
}

type AdjustmentTotalsDTO struct {
	CO string `json:"co"`
	CR string `json:"cr"`
	OA string `json:"oa"`
	PI string `json:"pi"`
	PR string `json:"pr"`
}

type ClaimTotalsDTO struct {
	Charge        string              `json:"charge"`
	InsurancePaid string              `json:"insurance_paid"`
	PatientPaid   string              `json:"patient_paid"`
	Adjustments   AdjustmentTotalsDTO `json:"adjustments"`
	Balance       string              `json:"balance"`
}

type ViolationDTO struct {
	Kind    string `json:"kind"`
	LineID  string `json:"line_id,omitempty"`
	Message string `json:"message"`
}

type ReconciliationDTO struct {
	ClaimID    string         `json:"claim_id"`
	OK         bool           `json:"ok"`
	Totals     ClaimTotalsDTO `json:"totals"`
	Violations []ViolationDTO `json:"violations"`
}

func toReconciliationDTO(r posting.Report) ReconciliationDTO {
	t := r.Totals
	out := ReconciliationDTO{
		ClaimID: string(r.ClaimID),
		OK:      r.OK(),
		Totals: ClaimTotalsDTO{
			Charge:        moneyString(t.Charge),
			InsurancePaid: moneyString(t.InsurancePaid),
			PatientPaid:   moneyString(t.PatientPaid),
			Adjustments: AdjustmentTotalsDTO{
				CO: moneyString(t.Adjustments.CO),
				CR: moneyString(t.Adjustments.CR),
				OA: moneyString(t.Adjustments.OA),
				PI: moneyString(t.Adjustments.PI),
				PR: moneyString(t.Adjustments.PR),
			},
			Balance: moneyString(t.Balance),
		},
		Violations: make([]ViolationDTO, 0, len(r.Violations)),
	}
	for _, v := range r.Violations {
		out.Violations = append(out.Violations, ViolationDTO{
			Kind:    string(v.Kind),
			LineID:  string(v.LineID),
			Message: v.String(),
		})
	}
	return out
}

type ActivityDTO struct {
	PaymentID string    `json:"payment_id,omitempty"`
	Activity  string    `json:"activity"`
	Amount    string    `json:"amount"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

func toActivityDTOs(acts []posting.ClaimActivity) []ActivityDTO {
	out := make([]ActivityDTO, 0, len(acts))
	for _, a := range acts {
		out = append(out, ActivityDTO{
			PaymentID: string(a.PaymentID),
			Activity:  string(a.Activity),
			Amount:    moneyString(a.Amount),
			Detail:    a.Detail,
			At:        a.At,
		})
	}
	return out
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func moneyString(d decimal.Decimal) string {
	return d.StringFixed(2)
}
