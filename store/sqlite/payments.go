package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/posting-engine/posting"
)

// =============================================================================
// PAYMENTS (posting.PaymentStore interface)
// =============================================================================

const paymentColumns = `
	id, source, payer_id, patient_id, amount, disbursed, payment_date,
	method, reference, billing_physician_id, created_at`

func scanPayment(row rowScanner) (posting.Payment, error) {
	var (
		p         posting.Payment
		date      string
		createdAt string
	)
	err := row.Scan(&p.ID, &p.Source, &p.PayerID, &p.PatientID, &p.Amount, &p.Disbursed, &date,
		&p.Method, &p.Reference, &p.BillingPhysicianID, &createdAt)
	if err != nil {
		return p, err
	}
	p.Date = parseTime(date)
	p.CreatedAt = parseTime(createdAt)
	return p, nil
}

func (t *txStore) CreatePayment(ctx context.Context, p posting.Payment) error {
	_, err := t.q.ExecContext(ctx, `INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Source, p.PayerID, p.PatientID, p.Amount, p.Disbursed, formatTime(p.Date),
		p.Method, p.Reference, p.BillingPhysicianID, formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

func (t *txStore) Payment(ctx context.Context, id posting.PaymentID) (posting.Payment, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return posting.Payment{}, posting.ErrPaymentNotFound
	}
	if err != nil {
		return posting.Payment{}, fmt.Errorf("failed to load payment %s: %w", id, err)
	}
	return p, nil
}

// FindPayment relies on the canonical text form of amounts: "50" and "50.00"
// are both stored as "50".
func (t *txStore) FindPayment(ctx context.Context, amount decimal.Decimal, reference string) (*posting.Payment, error) {
	row := t.q.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE reference = ? AND amount = ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1
	`, reference, amount)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find payment: %w", err)
	}
	return &p, nil
}

func (t *txStore) SetDisbursed(ctx context.Context, id posting.PaymentID, total decimal.Decimal) error {
	res, err := t.q.ExecContext(ctx, `UPDATE payments SET disbursed = ? WHERE id = ?`, total, id)
	if err != nil {
		return fmt.Errorf("failed to update payment %s: %w", id, err)
	}
	return mustAffect(res, posting.ErrPaymentNotFound)
}

func (t *txStore) DeletePayment(ctx context.Context, id posting.PaymentID) error {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM payments WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete payment %s: %w", id, err)
	}
	return nil
}

// =============================================================================
// ADJUSTMENTS (posting.AdjustmentStore interface)
// =============================================================================

const adjustmentColumns = `
	id, payment_id, line_id, claim_id, payer_id, group_code,
	reason_code, remark_code, amount, reason_amount, created_at`

func (t *txStore) CreateAdjustment(ctx context.Context, a posting.Adjustment) error {
	_, err := t.q.ExecContext(ctx, `INSERT INTO adjustments (`+adjustmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.PaymentID, a.LineID, a.ClaimID, a.PayerID, a.Group,
		a.ReasonCode, a.RemarkCode, a.Amount, a.ReasonAmount, formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create adjustment: %w", err)
	}
	return nil
}

func (t *txStore) queryAdjustments(ctx context.Context, where string, arg any) ([]posting.Adjustment, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT `+adjustmentColumns+` FROM adjustments WHERE `+where+` ORDER BY rowid ASC`, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query adjustments: %w", err)
	}
	defer rows.Close()

	var out []posting.Adjustment
	for rows.Next() {
		var (
			a         posting.Adjustment
			createdAt string
		)
		err := rows.Scan(&a.ID, &a.PaymentID, &a.LineID, &a.ClaimID, &a.PayerID, &a.Group,
			&a.ReasonCode, &a.RemarkCode, &a.Amount, &a.ReasonAmount, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan adjustment: %w", err)
		}
		a.CreatedAt = parseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *txStore) AdjustmentsByPayment(ctx context.Context, paymentID posting.PaymentID) ([]posting.Adjustment, error) {
	return t.queryAdjustments(ctx, "payment_id = ?", paymentID)
}

func (t *txStore) AdjustmentsByClaim(ctx context.Context, claimID posting.ClaimID) ([]posting.Adjustment, error) {
	return t.queryAdjustments(ctx, "claim_id = ?", claimID)
}

func (t *txStore) DeleteAdjustmentsByPayment(ctx context.Context, paymentID posting.PaymentID) error {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM adjustments WHERE payment_id = ?`, paymentID); err != nil {
		return fmt.Errorf("failed to delete adjustments: %w", err)
	}
	return nil
}

// =============================================================================
// DISBURSEMENTS (posting.DisbursementStore interface)
// =============================================================================

func (t *txStore) CreateDisbursement(ctx context.Context, d posting.Disbursement) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO disbursements (id, payment_id, line_id, claim_id, amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, d.ID, d.PaymentID, d.LineID, d.ClaimID, d.Amount, formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create disbursement: %w", err)
	}
	return nil
}

func (t *txStore) DisbursementsByPayment(ctx context.Context, paymentID posting.PaymentID) ([]posting.Disbursement, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT id, payment_id, line_id, claim_id, amount, created_at
		FROM disbursements WHERE payment_id = ? ORDER BY rowid ASC
	`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query disbursements: %w", err)
	}
	defer rows.Close()

	var out []posting.Disbursement
	for rows.Next() {
		var (
			d         posting.Disbursement
			createdAt string
		)
		if err := rows.Scan(&d.ID, &d.PaymentID, &d.LineID, &d.ClaimID, &d.Amount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan disbursement: %w", err)
		}
		d.CreatedAt = parseTime(createdAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (t *txStore) DeleteDisbursementsByPayment(ctx context.Context, paymentID posting.PaymentID) error {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM disbursements WHERE payment_id = ?`, paymentID); err != nil {
		return fmt.Errorf("failed to delete disbursements: %w", err)
	}
	return nil
}
