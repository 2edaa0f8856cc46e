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
// SERVICE LINES (posting.LineStore interface)
// =============================================================================

const lineColumns = `
	l.id, l.claim_id, l.patient_id, l.responsible_payer_id, c.bill_date, l.description,
	l.charge, l.insurance_paid, l.patient_paid,
	l.adj_co, l.adj_cr, l.adj_oa, l.adj_pi, l.adj_pr, l.balance`

const lineFrom = `FROM service_lines l JOIN claims c ON c.id = l.claim_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLine(row rowScanner) (posting.LineTotals, error) {
	var (
		l        posting.LineTotals
		billDate string
	)
	err := row.Scan(
		&l.ID, &l.ClaimID, &l.PatientID, &l.ResponsiblePayerID, &billDate, &l.Description,
		&l.Charge, &l.InsurancePaid, &l.PatientPaid,
		&l.Adjustments.CO, &l.Adjustments.CR, &l.Adjustments.OA, &l.Adjustments.PI, &l.Adjustments.PR,
		&l.Balance,
	)
	if err != nil {
		return l, err
	}
	l.ClaimBillDate = parseTime(billDate)
	return l, nil
}

func (t *txStore) queryLines(ctx context.Context, query string, args ...any) ([]posting.LineTotals, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lines: %w", err)
	}
	defer rows.Close()

	var lines []posting.LineTotals
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (t *txStore) Line(ctx context.Context, id posting.LineID) (posting.LineTotals, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+lineColumns+` `+lineFrom+` WHERE l.id = ?`, id)
	l, err := scanLine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return posting.LineTotals{}, posting.ErrLineNotFound
	}
	if err != nil {
		return posting.LineTotals{}, fmt.Errorf("failed to load line %s: %w", id, err)
	}
	return l, nil
}

func (t *txStore) LinesByClaim(ctx context.Context, claimID posting.ClaimID) ([]posting.LineTotals, error) {
	return t.queryLines(ctx, `SELECT `+lineColumns+` `+lineFrom+` WHERE l.claim_id = ? ORDER BY l.id`, claimID)
}

func (t *txStore) OpenLines(ctx context.Context, f posting.OpenLineFilter) ([]posting.LineTotals, error) {
	query := `SELECT ` + lineColumns + ` ` + lineFrom + ` WHERE CAST(l.balance AS REAL) > 0`
	var args []any
	if f.PatientID != "" {
		query += ` AND l.patient_id = ?`
		args = append(args, f.PatientID)
	}
	if f.PayerID != "" {
		query += ` AND l.responsible_payer_id = ?`
		args = append(args, f.PayerID)
	}
	query += ` ORDER BY c.bill_date ASC, l.id ASC`

	lines, err := t.queryLines(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	open := lines[:0]
	for _, l := range lines {
		if l.Balance.IsPositive() {
			open = append(open, l)
		}
	}
	return open, nil
}

// move applies fn to the line and writes every money column back.
func (t *txStore) move(ctx context.Context, id posting.LineID, fn func(*posting.LineTotals)) (posting.ClaimID, error) {
	l, err := t.Line(ctx, id)
	if err != nil {
		return "", err
	}
	fn(&l)

	_, err = t.q.ExecContext(ctx, `
		UPDATE service_lines SET
			insurance_paid = ?, patient_paid = ?,
			adj_co = ?, adj_cr = ?, adj_oa = ?, adj_pi = ?, adj_pr = ?,
			balance = ?
		WHERE id = ?
	`, l.InsurancePaid, l.PatientPaid,
		l.Adjustments.CO, l.Adjustments.CR, l.Adjustments.OA, l.Adjustments.PI, l.Adjustments.PR,
		l.Balance, id)
	if err != nil {
		return "", fmt.Errorf("failed to update line %s: %w", id, err)
	}
	return l.ClaimID, nil
}

func (t *txStore) AddInsurancePaid(ctx context.Context, id posting.LineID, amount decimal.Decimal) (posting.ClaimID, error) {
	return t.move(ctx, id, func(l *posting.LineTotals) {
		l.InsurancePaid = l.InsurancePaid.Add(amount)
		l.Balance = l.Balance.Sub(amount)
	})
}

func (t *txStore) AddPatientPaid(ctx context.Context, id posting.LineID, amount decimal.Decimal) (posting.ClaimID, error) {
	return t.move(ctx, id, func(l *posting.LineTotals) {
		l.PatientPaid = l.PatientPaid.Add(amount)
		l.Balance = l.Balance.Sub(amount)
	})
}

func (t *txStore) AddAdjustment(ctx context.Context, id posting.LineID, group posting.GroupCode, amount decimal.Decimal) (posting.ClaimID, error) {
	return t.move(ctx, id, func(l *posting.LineTotals) {
		l.Adjustments = l.Adjustments.With(group, amount)
		l.Balance = l.Balance.Sub(amount)
	})
}

func (t *txStore) CreateLine(ctx context.Context, l posting.LineTotals) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO service_lines
		(id, claim_id, patient_id, responsible_payer_id, description,
		 charge, insurance_paid, patient_paid,
		 adj_co, adj_cr, adj_oa, adj_pi, adj_pr, balance)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.ClaimID, l.PatientID, l.ResponsiblePayerID, l.Description,
		l.Charge, l.InsurancePaid, l.PatientPaid,
		l.Adjustments.CO, l.Adjustments.CR, l.Adjustments.OA, l.Adjustments.PI, l.Adjustments.PR,
		l.Balance)
	if err != nil {
		return fmt.Errorf("failed to create line %s: %w", l.ID, err)
	}
	return nil
}
