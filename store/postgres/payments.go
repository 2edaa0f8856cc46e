package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/posting-engine/posting"
)

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentCols = `
	id, source, payer_id, patient_id, amount::text, disbursed::text, payment_date,
	method, reference, billing_physician_id, created_at`

func scanPayment(row pgx.Row) (posting.Payment, error) {
	var p posting.Payment
	err := row.Scan(&p.ID, &p.Source, &p.PayerID, &p.PatientID, &p.Amount, &p.Disbursed, &p.Date,
		&p.Method, &p.Reference, &p.BillingPhysicianID, &p.CreatedAt)
	return p, err
}

func (t *txStore) CreatePayment(ctx context.Context, p posting.Payment) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO payments
			(id, source, payer_id, patient_id, amount, disbursed, payment_date,
			 method, reference, billing_physician_id, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9, $10, COALESCE($11::timestamptz, NOW()))`,
		p.ID, p.Source, p.PayerID, p.PatientID, num(p.Amount), num(p.Disbursed), p.Date,
		p.Method, p.Reference, p.BillingPhysicianID, optionalTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

func (t *txStore) Payment(ctx context.Context, id posting.PaymentID) (posting.Payment, error) {
	p, err := scanPayment(t.q.QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return posting.Payment{}, posting.ErrPaymentNotFound
	}
	if err != nil {
		return posting.Payment{}, fmt.Errorf("load payment %s: %w", id, err)
	}
	return p, nil
}

func (t *txStore) FindPayment(ctx context.Context, amount decimal.Decimal, reference string) (*posting.Payment, error) {
	p, err := scanPayment(t.q.QueryRow(ctx, `
		SELECT `+paymentCols+` FROM payments
		WHERE reference = $1 AND amount = $2::numeric
		ORDER BY seq LIMIT 1`, reference, num(amount)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find payment: %w", err)
	}
	return &p, nil
}

func (t *txStore) SetDisbursed(ctx context.Context, id posting.PaymentID, total decimal.Decimal) error {
	tag, err := t.q.Exec(ctx, `UPDATE payments SET disbursed = $2::numeric WHERE id = $1`, id, num(total))
	if err != nil {
		return fmt.Errorf("update payment %s: %w", id, err)
	}
	return mustAffect(tag, posting.ErrPaymentNotFound)
}

func (t *txStore) DeletePayment(ctx context.Context, id posting.PaymentID) error {
	if _, err := t.q.Exec(ctx, `DELETE FROM payments WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete payment %s: %w", id, err)
	}
	return nil
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

const adjustmentCols = `
	id, payment_id, line_id, claim_id, payer_id, group_code,
	reason_code, remark_code, amount::text, reason_amount::text, created_at`

func (t *txStore) CreateAdjustment(ctx context.Context, a posting.Adjustment) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO adjustments
			(id, payment_id, line_id, claim_id, payer_id, group_code,
			 reason_code, remark_code, amount, reason_amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10::numeric, COALESCE($11::timestamptz, NOW()))`,
		a.ID, a.PaymentID, a.LineID, a.ClaimID, a.PayerID, a.Group,
		a.ReasonCode, a.RemarkCode, num(a.Amount), num(a.ReasonAmount), optionalTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("create adjustment: %w", err)
	}
	return nil
}

func (t *txStore) queryAdjustments(ctx context.Context, column string, arg any) ([]posting.Adjustment, error) {
	rows, err := t.q.Query(ctx, `SELECT `+adjustmentCols+` FROM adjustments WHERE `+column+` = $1 ORDER BY seq`, arg)
	if err != nil {
		return nil, fmt.Errorf("query adjustments: %w", err)
	}
	defer rows.Close()

	var out []posting.Adjustment
	for rows.Next() {
		var a posting.Adjustment
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.LineID, &a.ClaimID, &a.PayerID, &a.Group,
			&a.ReasonCode, &a.RemarkCode, &a.Amount, &a.ReasonAmount, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan adjustment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *txStore) AdjustmentsByPayment(ctx context.Context, paymentID posting.PaymentID) ([]posting.Adjustment, error) {
	return t.queryAdjustments(ctx, "payment_id", paymentID)
}

func (t *txStore) AdjustmentsByClaim(ctx context.Context, claimID posting.ClaimID) ([]posting.Adjustment, error) {
	return t.queryAdjustments(ctx, "claim_id", claimID)
}

func (t *txStore) DeleteAdjustmentsByPayment(ctx context.Context, paymentID posting.PaymentID) error {
	if _, err := t.q.Exec(ctx, `DELETE FROM adjustments WHERE payment_id = $1`, paymentID); err != nil {
		return fmt.Errorf("delete adjustments: %w", err)
	}
	return nil
}

// =============================================================================
// DISBURSEMENTS
// =============================================================================

func (t *txStore) CreateDisbursement(ctx context.Context, d posting.Disbursement) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO disbursements (id, payment_id, line_id, claim_id, amount, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, COALESCE($6::timestamptz, NOW()))`,
		d.ID, d.PaymentID, d.LineID, d.ClaimID, num(d.Amount), optionalTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("create disbursement: %w", err)
	}
	return nil
}

func (t *txStore) DisbursementsByPayment(ctx context.Context, paymentID posting.PaymentID) ([]posting.Disbursement, error) {
	rows, err := t.q.Query(ctx, `
		SELECT id, payment_id, line_id, claim_id, amount::text, created_at
		FROM disbursements WHERE payment_id = $1 ORDER BY seq`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("query disbursements: %w", err)
	}
	defer rows.Close()

	var out []posting.Disbursement
	for rows.Next() {
		var d posting.Disbursement
		if err := rows.Scan(&d.ID, &d.PaymentID, &d.LineID, &d.ClaimID, &d.Amount, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan disbursement: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (t *txStore) DeleteDisbursementsByPayment(ctx context.Context, paymentID posting.PaymentID) error {
	if _, err := t.q.Exec(ctx, `DELETE FROM disbursements WHERE payment_id = $1`, paymentID); err != nil {
		return fmt.Errorf("delete disbursements: %w", err)
	}
	return nil
}
