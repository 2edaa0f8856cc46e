/*
command.go - Posting commands and their static validation

PURPOSE:
  A PostingCommand is everything needed to post one payment: who paid, how
  much, and how the money (plus any adjustments) lands on each service line.
  Commands are validated before the engine reads or writes anything.

STATIC CHECKS:
  - Source kind is payer or patient, and the matching identifier is present
  - Payment amount is not negative
  - Every line application names a line
  - Every adjustment group code parses to one of CO, CR, OA, PI, PR
    (longer codes are truncated to their two-letter prefix)

  Balance-dependent checks (overpayment, negative net application) need the
  current line totals and run inside the engine's transaction.

SEE ALSO:
  - engine.go:   Consumes validated commands
  - bundling.go: Decides the amount each adjustment actually posts
*/
package posting

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// =============================================================================
// COMMANDS
// =============================================================================

type PostingCommand struct {
	Source             SourceKind `validate:"required,source_kind"`
	PayerID            PayerID
	PatientID          PatientID
	Amount             decimal.Decimal
	Date               time.Time
	Method             string
	Reference          string
	BillingPhysicianID PhysicianID

	Lines []LineApplication `validate:"dive"`

	// AllowOverApply lets applications exceed the line's open balance.
	AllowOverApply bool
}

// LineApplication is the money and adjustments landing on one line.
type LineApplication struct {
	LineID      LineID `validate:"required"`
	Amount      decimal.Decimal
	Adjustments []AdjustmentEntry `validate:"dive"`
}

// Net is the amount plus every adjustment as stated in the command.
func (a LineApplication) Net() decimal.Decimal {
	net := a.Amount
	for _, adj := range a.Adjustments {
		net = net.Add(adj.Amount)
	}
	return net
}

type AdjustmentEntry struct {
	Group        GroupCode `validate:"required"`
	ReasonCode   string
	RemarkCode   string
	Amount       decimal.Decimal
	ReasonAmount decimal.Decimal
}

// Disbursal is one explicit target for DisburseRemaining.
type Disbursal struct {
	LineID LineID `validate:"required"`
	Amount decimal.Decimal
}

// =============================================================================
// VALIDATION
// =============================================================================

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterValidation("source_kind", func(fl validator.FieldLevel) bool {
		return SourceKind(fl.Field().String()).Valid()
	})
}

// Normalize validates the command and returns a copy with group codes
// canonicalized and missing reason amounts filled from the applied amount.
func (c PostingCommand) Normalize() (PostingCommand, error) {
	if c.Source == "" {
		return c, &ValidationError{Field: "source", Reason: "is required", Err: ErrMissingSource}
	}
	if err := c.checkSource(); err != nil {
		return c, err
	}
	if c.Amount.IsNegative() {
		return c, &ValidationError{Field: "amount", Reason: "must not be negative"}
	}

	out := c
	out.Lines = make([]LineApplication, len(c.Lines))
	for i, line := range c.Lines {
		line.Adjustments = append([]AdjustmentEntry(nil), line.Adjustments...)
		for j := range line.Adjustments {
			adj := &line.Adjustments[j]
			g, err := ParseGroupCode(string(adj.Group))
			if err != nil {
				return c, err
			}
			adj.Group = g
			if adj.ReasonAmount.IsZero() {
				adj.ReasonAmount = adj.Amount
			}
		}
		out.Lines[i] = line
	}

	if err := validate.Struct(out); err != nil {
		return c, fromValidator(err)
	}
	return out, nil
}

func (c PostingCommand) checkSource() error {
	switch c.Source {
	case SourcePayer:
		if c.PayerID == "" {
			return &ValidationError{Field: "payer_id", Reason: "payer-sourced payment needs a payer", Err: ErrMissingSource}
		}
	case SourcePatient:
		if c.PatientID == "" {
			return &ValidationError{Field: "patient_id", Reason: "patient-sourced payment needs a patient", Err: ErrMissingSource}
		}
		if c.PayerID != "" {
			return &ValidationError{Field: "payer_id", Reason: "patient-sourced payment cannot name a payer", Err: ErrSourceMismatch}
		}
	default:
		return &ValidationError{Field: "source", Reason: fmt.Sprintf("unknown source kind %q", c.Source), Err: ErrSourceMismatch}
	}
	return nil
}

// ClaimLines returns the line ids referenced by the command, in order.
func (c PostingCommand) ClaimLines() []LineID {
	ids := make([]LineID, 0, len(c.Lines))
	for _, l := range c.Lines {
		ids = append(ids, l.LineID)
	}
	return ids
}

// fromValidator turns the first validator failure into a ValidationError.
func fromValidator(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		reason := fmt.Sprintf("failed %q check", fe.Tag())
		if fe.Tag() == "required" {
			reason = "is required"
		}
		return &ValidationError{Field: fe.Namespace(), Reason: reason}
	}
	return &ValidationError{Field: "command", Reason: err.Error()}
}
