package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/posting-engine/posting"
)

// =============================================================================
// CLAIMS (posting.ClaimStore interface)
// =============================================================================

const claimColumns = `
	id, patient_id, status, primary_claim_id, payer_id, secondary_payer_id,
	billing_physician_id, rendering_physician_id, facility_id, bill_date,
	total_charge, total_insurance_paid, total_patient_paid,
	total_adj_co, total_adj_cr, total_adj_oa, total_adj_pi, total_adj_pr, total_balance`

func (t *txStore) loadClaim(ctx context.Context, where string, arg any) (posting.Claim, error) {
	var (
		c        posting.Claim
		billDate string
	)
	err := t.q.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE `+where, arg).Scan(
		&c.ID, &c.PatientID, &c.Status, &c.PrimaryClaimID, &c.PayerID, &c.SecondaryPayerID,
		&c.BillingPhysicianID, &c.RenderingPhysicianID, &c.FacilityID, &billDate,
		&c.Totals.Charge, &c.Totals.InsurancePaid, &c.Totals.PatientPaid,
		&c.Totals.Adjustments.CO, &c.Totals.Adjustments.CR, &c.Totals.Adjustments.OA,
		&c.Totals.Adjustments.PI, &c.Totals.Adjustments.PR, &c.Totals.Balance,
	)
	if err != nil {
		return c, err
	}
	c.BillDate = parseTime(billDate)

	c.Insureds, err = t.insureds(ctx, c.ID)
	return c, err
}

func (t *txStore) insureds(ctx context.Context, claimID posting.ClaimID) ([]posting.Insured, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT sequence, payer_id, subscriber_id, first_name, last_name, relationship, group_number
		FROM claim_insureds WHERE claim_id = ? ORDER BY sequence
	`, claimID)
	if err != nil {
		return nil, fmt.Errorf("failed to query insureds: %w", err)
	}
	defer rows.Close()

	var out []posting.Insured
	for rows.Next() {
		var in posting.Insured
		if err := rows.Scan(&in.Sequence, &in.PayerID, &in.SubscriberID, &in.FirstName,
			&in.LastName, &in.Relationship, &in.GroupNumber); err != nil {
			return nil, fmt.Errorf("failed to scan insured: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (t *txStore) Claim(ctx context.Context, id posting.ClaimID) (posting.Claim, error) {
	c, err := t.loadClaim(ctx, "id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return posting.Claim{}, posting.ErrClaimNotFound
	}
	if err != nil {
		return posting.Claim{}, fmt.Errorf("failed to load claim %s: %w", id, err)
	}
	return c, nil
}

func (t *txStore) BillingPhysician(ctx context.Context, id posting.ClaimID) (posting.PhysicianID, error) {
	var doc posting.PhysicianID
	err := t.q.QueryRowContext(ctx, `SELECT billing_physician_id FROM claims WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return "", posting.ErrClaimNotFound
	}
	return doc, err
}

func (t *txStore) UpdateClaimTotals(ctx context.Context, id posting.ClaimID, tot posting.ClaimTotals) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE claims SET
			total_charge = ?, total_insurance_paid = ?, total_patient_paid = ?,
			total_adj_co = ?, total_adj_cr = ?, total_adj_oa = ?, total_adj_pi = ?, total_adj_pr = ?,
			total_balance = ?
		WHERE id = ?
	`, tot.Charge, tot.InsurancePaid, tot.PatientPaid,
		tot.Adjustments.CO, tot.Adjustments.CR, tot.Adjustments.OA, tot.Adjustments.PI, tot.Adjustments.PR,
		tot.Balance, id)
	if err != nil {
		return fmt.Errorf("failed to update claim totals %s: %w", id, err)
	}
	return mustAffect(res, posting.ErrClaimNotFound)
}

func (t *txStore) UpdateClaimStatus(ctx context.Context, id posting.ClaimID, status posting.ClaimStatus) error {
	res, err := t.q.ExecContext(ctx, `UPDATE claims SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update claim status %s: %w", id, err)
	}
	return mustAffect(res, posting.ErrClaimNotFound)
}

func (t *txStore) SecondaryClaim(ctx context.Context, primaryID posting.ClaimID) (*posting.Claim, error) {
	c, err := t.loadClaim(ctx, "primary_claim_id = ?", primaryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load secondary of %s: %w", primaryID, err)
	}
	return &c, nil
}

func (t *txStore) CreateClaim(ctx context.Context, c posting.Claim) error {
	status := c.Status
	if status == "" {
		status = posting.ClaimImported
	}
	tot := c.Totals
	_, err := t.q.ExecContext(ctx, `INSERT INTO claims (`+claimColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.PatientID, status, c.PrimaryClaimID, c.PayerID, c.SecondaryPayerID,
		c.BillingPhysicianID, c.RenderingPhysicianID, c.FacilityID, formatTime(c.BillDate),
		tot.Charge, tot.InsurancePaid, tot.PatientPaid,
		tot.Adjustments.CO, tot.Adjustments.CR, tot.Adjustments.OA, tot.Adjustments.PI, tot.Adjustments.PR,
		tot.Balance)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("claim %s already exists or duplicates a secondary: %w", c.ID, err)
		}
		return fmt.Errorf("failed to create claim: %w", err)
	}

	for _, in := range c.Insureds {
		_, err := t.q.ExecContext(ctx, `
			INSERT INTO claim_insureds
			(claim_id, sequence, payer_id, subscriber_id, first_name, last_name, relationship, group_number)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID, in.Sequence, in.PayerID, in.SubscriberID, in.FirstName, in.LastName, in.Relationship, in.GroupNumber)
		if err != nil {
			return fmt.Errorf("failed to create insured %d of claim %s: %w", in.Sequence, c.ID, err)
		}
	}
	return nil
}

func (t *txStore) ForwardCandidates(ctx context.Context, limit int) ([]posting.ClaimID, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := t.q.QueryContext(ctx, `
		SELECT c.id FROM claims c
		WHERE c.status NOT IN (?, ?)
		  AND c.secondary_payer_id <> ''
		  AND c.primary_claim_id = ''
		  AND CAST(c.total_balance AS REAL) <= ?
		  AND NOT EXISTS (SELECT 1 FROM claims s WHERE s.primary_claim_id = c.id)
		ORDER BY c.id
		LIMIT ?
	`, posting.ClaimClosed, posting.ClaimForwardedToSecondary, posting.SettledThreshold.InexactFloat64(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query forward candidates: %w", err)
	}
	defer rows.Close()

	var ids []posting.ClaimID
	for rows.Next() {
		var id posting.ClaimID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =============================================================================
// PAYERS (posting.PayerStore interface)
// =============================================================================

func (t *txStore) Payer(ctx context.Context, id posting.PayerID) (posting.Payer, error) {
	p := posting.Payer{ID: id}
	err := t.q.QueryRowContext(ctx,
		`SELECT name, track_reason_amounts FROM payers WHERE id = ?`, id,
	).Scan(&p.Name, &p.TrackReasonAmounts)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("failed to load payer %s: %w", id, err)
	}
	return p, nil
}
