package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/posting-engine/posting"
)

const lineCols = `
	l.id, l.claim_id, l.patient_id, l.responsible_payer_id, c.bill_date, l.description,
	l.charge::text, l.insurance_paid::text, l.patient_paid::text,
	l.adj_co::text, l.adj_cr::text, l.adj_oa::text, l.adj_pi::text, l.adj_pr::text, l.balance::text`

const lineFrom = `FROM service_lines l JOIN claims c ON c.id = l.claim_id`

func scanLine(row pgx.Row) (posting.LineTotals, error) {
	var l posting.LineTotals
	err := row.Scan(
		&l.ID, &l.ClaimID, &l.PatientID, &l.ResponsiblePayerID, &l.ClaimBillDate, &l.Description,
		&l.Charge, &l.InsurancePaid, &l.PatientPaid,
		&l.Adjustments.CO, &l.Adjustments.CR, &l.Adjustments.OA, &l.Adjustments.PI, &l.Adjustments.PR,
		&l.Balance,
	)
	return l, err
}

func (t *txStore) queryLines(ctx context.Context, query string, args ...any) ([]posting.LineTotals, error) {
	rows, err := t.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query lines: %w", err)
	}
	defer rows.Close()

	var lines []posting.LineTotals
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (t *txStore) Line(ctx context.Context, id posting.LineID) (posting.LineTotals, error) {
	return t.line(ctx, id, "")
}

func (t *txStore) line(ctx context.Context, id posting.LineID, suffix string) (posting.LineTotals, error) {
	l, err := scanLine(t.q.QueryRow(ctx, `SELECT `+lineCols+` `+lineFrom+` WHERE l.id = $1`+suffix, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return posting.LineTotals{}, posting.ErrLineNotFound
	}
	if err != nil {
		return posting.LineTotals{}, fmt.Errorf("load line %s: %w", id, err)
	}
	return l, nil
}

func (t *txStore) LinesByClaim(ctx context.Context, claimID posting.ClaimID) ([]posting.LineTotals, error) {
	return t.queryLines(ctx, `SELECT `+lineCols+` `+lineFrom+` WHERE l.claim_id = $1 ORDER BY l.id`, claimID)
}

func (t *txStore) OpenLines(ctx context.Context, f posting.OpenLineFilter) ([]posting.LineTotals, error) {
	return t.queryLines(ctx, `SELECT `+lineCols+` `+lineFrom+`
		WHERE l.balance > 0
		  AND ($1 = '' OR l.patient_id = $1)
		  AND ($2 = '' OR l.responsible_payer_id = $2)
		ORDER BY c.bill_date, l.id`, string(f.PatientID), string(f.PayerID))
}

// move locks the line row, applies fn and writes every money column back.
func (t *txStore) move(ctx context.Context, id posting.LineID, fn func(*posting.LineTotals)) (posting.ClaimID, error) {
	l, err := t.line(ctx, id, " FOR UPDATE OF l")
	if err != nil {
		return "", err
	}
	fn(&l)

	_, err = t.q.Exec(ctx, `
		UPDATE service_lines SET
			insurance_paid = $2::numeric, patient_paid = $3::numeric,
			adj_co = $4::numeric, adj_cr = $5::numeric, adj_oa = $6::numeric,
			adj_pi = $7::numeric, adj_pr = $8::numeric,
			balance = $9::numeric
		WHERE id = $1`,
		id, num(l.InsurancePaid), num(l.PatientPaid),
		num(l.Adjustments.CO), num(l.Adjustments.CR), num(l.Adjustments.OA),
		num(l.Adjustments.PI), num(l.Adjustments.PR),
		num(l.Balance))
	if err != nil {
		return "", fmt.Errorf("update line %s: %w", id, err)
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
	_, err := t.q.Exec(ctx, `
		INSERT INTO service_lines
			(id, claim_id, patient_id, responsible_payer_id, description,
			 charge, insurance_paid, patient_paid,
			 adj_co, adj_cr, adj_oa, adj_pi, adj_pr, balance)
		VALUES ($1, $2, $3, $4, $5,
			$6::numeric, $7::numeric, $8::numeric,
			$9::numeric, $10::numeric, $11::numeric, $12::numeric, $13::numeric, $14::numeric)`,
		l.ID, l.ClaimID, l.PatientID, l.ResponsiblePayerID, l.Description,
		num(l.Charge), num(l.InsurancePaid), num(l.PatientPaid),
		num(l.Adjustments.CO), num(l.Adjustments.CR), num(l.Adjustments.OA),
		num(l.Adjustments.PI), num(l.Adjustments.PR), num(l.Balance))
	if err != nil {
		return fmt.Errorf("create line %s: %w", l.ID, err)
	}
	return nil
}
