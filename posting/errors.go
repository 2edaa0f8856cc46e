/*
errors.go - Centralized error types for the posting engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers branch on categories with the Is* helpers at the bottom.

ERROR CATEGORIES:
  1. Validation     - malformed command, rejected before any read or write
  2. Business rule  - overpayment, duplicate payment, over-disbursement
  3. Integrity      - accounting equation or balance broken mid-transaction;
                      the whole transaction is rolled back
  4. Not found      - payment / line / claim missing
  5. Concurrency    - claim lock not acquired in time (retryable)

USAGE:
  _, err := engine.CreatePosting(ctx, cmd)
  var over *posting.OverpaymentError
  if errors.As(err, &over) {
      fmt.Printf("line %s only has %s open\n", over.LineID, over.Remaining)
  }

SEE ALSO:
  - engine.go: Raises these errors
  - api/handlers.go: Maps categories to HTTP status codes
*/
package posting

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// Validation
	ErrInvalidCommand      = errors.New("invalid posting command")
	ErrMissingSource       = errors.New("payment source identifier is required")
	ErrSourceMismatch      = errors.New("payment source identifier does not match source kind")
	ErrInvalidGroupCode    = errors.New("invalid adjustment group code")
	ErrNegativeApplication = errors.New("net application is negative")

	// Business rule
	ErrOverpayment      = errors.New("application exceeds remaining line balance")
	ErrDuplicatePayment = errors.New("duplicate payment")
	ErrOverDisbursed    = errors.New("disbursements exceed payment amount")

	// Integrity
	ErrReconciliationFailed = errors.New("reconciliation failed")
	ErrEquationViolated     = errors.New("accounting equation violated")
	ErrNegativeBalance      = errors.New("negative balance")

	// Not found
	ErrPaymentNotFound = errors.New("payment not found")
	ErrLineNotFound    = errors.New("service line not found")
	ErrClaimNotFound   = errors.New("claim not found")

	// ErrConcurrentModification is returned when a claim lock cannot be taken.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidGroupCodeError names the rejected raw code.
type InvalidGroupCodeError struct {
	Raw string
}

func (e *InvalidGroupCodeError) Error() string {
	return fmt.Sprintf("invalid adjustment group code %q", e.Raw)
}

func (e *InvalidGroupCodeError) Unwrap() error { return ErrInvalidGroupCode }

// ValidationError describes a malformed command field.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidCommand
}

// NegativeApplicationError is raised when amount + adjustments < 0 on a line.
type NegativeApplicationError struct {
	LineID LineID
	Net    decimal.Decimal
}

func (e *NegativeApplicationError) Error() string {
	return fmt.Sprintf("line %s: net application %s is negative", e.LineID, e.Net)
}

func (e *NegativeApplicationError) Unwrap() error { return ErrNegativeApplication }

// OverpaymentError provides details about an application over the open balance.
type OverpaymentError struct {
	LineID    LineID
	Requested decimal.Decimal
	Remaining decimal.Decimal
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("line %s: requested %s exceeds remaining balance %s",
		e.LineID, e.Requested, e.Remaining)
}

func (e *OverpaymentError) Unwrap() error { return ErrOverpayment }

// DuplicatePaymentError points at the payment that already carries the same
// amount and reference.
type DuplicatePaymentError struct {
	ExistingID PaymentID
	Amount     decimal.Decimal
	Reference  string
}

func (e *DuplicatePaymentError) Error() string {
	return fmt.Sprintf("payment %s already posted with amount %s and reference %q",
		e.ExistingID, e.Amount, e.Reference)
}

func (e *DuplicatePaymentError) Unwrap() error { return ErrDuplicatePayment }

// OverDisbursedError is raised when line applications exceed the payment.
type OverDisbursedError struct {
	PaymentAmount decimal.Decimal
	Applied       decimal.Decimal
}

func (e *OverDisbursedError) Error() string {
	return fmt.Sprintf("applied %s exceeds payment amount %s", e.Applied, e.PaymentAmount)
}

func (e *OverDisbursedError) Unwrap() error { return ErrOverDisbursed }

// ReconciliationError lists every violation found by the verifier.
type ReconciliationError struct {
	ClaimID    ClaimID
	Violations []Violation
}

func (e *ReconciliationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("claim %s failed reconciliation: %s", e.ClaimID, strings.Join(parts, "; "))
}

// Unwrap exposes the generic failure plus the specific kinds that occurred.
func (e *ReconciliationError) Unwrap() []error {
	errs := []error{ErrReconciliationFailed}
	var sawEquation, sawNegative bool
	for _, v := range e.Violations {
		switch v.Kind {
		case ViolationNegativeBalance:
			sawNegative = true
		default:
			sawEquation = true
		}
	}
	if sawEquation {
		errs = append(errs, ErrEquationViolated)
	}
	if sawNegative {
		errs = append(errs, ErrNegativeBalance)
	}
	return errs
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidation returns true for malformed-command errors.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidCommand) ||
		errors.Is(err, ErrMissingSource) ||
		errors.Is(err, ErrSourceMismatch) ||
		errors.Is(err, ErrInvalidGroupCode) ||
		errors.Is(err, ErrNegativeApplication)
}

// IsBusinessRule returns true for rule rejections raised before any write.
func IsBusinessRule(err error) bool {
	return errors.Is(err, ErrOverpayment) ||
		errors.Is(err, ErrDuplicatePayment) ||
		errors.Is(err, ErrOverDisbursed)
}

// IsIntegrity returns true when the accounting checks rolled a transaction back.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrReconciliationFailed) ||
		errors.Is(err, ErrEquationViolated) ||
		errors.Is(err, ErrNegativeBalance)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrLineNotFound) ||
		errors.Is(err, ErrClaimNotFound)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
