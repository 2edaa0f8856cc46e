package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/warp/posting-engine/posting"
)

// =============================================================================
// CLAIMS
// =============================================================================

const claimCols = `
	id, patient_id, status, primary_claim_id, payer_id, secondary_payer_id,
	billing_physician_id, rendering_physician_id, facility_id, bill_date,
	total_charge::text, total_insurance_paid::text, total_patient_paid::text,
	total_adj_co::text, total_adj_cr::text, total_adj_oa::text, total_adj_pi::text, total_adj_pr::text,
	total_balance::text`

func (t *txStore) loadClaim(ctx context.Context, column string, arg any) (posting.Claim, error) {
	var c posting.Claim
	err := t.q.QueryRow(ctx, `SELECT `+claimCols+` FROM claims WHERE `+column+` = $1`, arg).Scan(
		&c.ID, &c.PatientID, &c.Status, &c.PrimaryClaimID, &c.PayerID, &c.SecondaryPayerID,
		&c.BillingPhysicianID, &c.RenderingPhysicianID, &c.FacilityID, &c.BillDate,
		&c.Totals.Charge, &c.Totals.InsurancePaid, &c.Totals.PatientPaid,
		&c.Totals.Adjustments.CO, &c.Totals.Adjustments.CR, &c.Totals.Adjustments.OA,
		&c.Totals.Adjustments.PI, &c.Totals.Adjustments.PR, &c.Totals.Balance,
	)
	if err != nil {
		return c, err
	}

	rows, err := t.q.Query(ctx, `
		SELECT sequence, payer_id, subscriber_id, first_name, last_name, relationship, group_number
		FROM claim_insureds WHERE claim_id = $1 ORDER BY sequence`, c.ID)
	if err != nil {
		return c, fmt.Errorf("query insureds: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var in posting.Insured
		if err := rows.Scan(&in.Sequence, &in.PayerID, &in.SubscriberID, &in.FirstName,
			&in.LastName, &in.Relationship, &in.GroupNumber); err != nil {
			return c, fmt.Errorf("scan insured: %w", err)
		}
		c.Insureds = append(c.Insureds, in)
	}
	return c, rows.Err()
}

func (t *txStore) Claim(ctx context.Context, id posting.ClaimID) (posting.Claim, error) {
	c, err := t.loadClaim(ctx, "id", id)
	if errors.Is(err, pgx.ErrNoRows) {
		return posting.Claim{}, posting.ErrClaimNotFound
	}
	if err != nil {
		return posting.Claim{}, fmt.Errorf("load claim %s: %w", id, err)
	}
	return c, nil
}

func (t *txStore) BillingPhysician(ctx context.Context, id posting.ClaimID) (posting.PhysicianID, error) {
	var doc posting.PhysicianID
	err := t.q.QueryRow(ctx, `SELECT billing_physician_id FROM claims WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", posting.ErrClaimNotFound
	}
	return doc, err
}

func (t *txStore) UpdateClaimTotals(ctx context.Context, id posting.ClaimID, tot posting.ClaimTotals) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE claims SET
			total_charge = $2::numeric, total_insurance_paid = $3::numeric, total_patient_paid = $4::numeric,
			total_adj_co = $5::numeric, total_adj_cr = $6::numeric, total_adj_oa = $7::numeric,
			total_adj_pi = $8::numeric, total_adj_pr = $9::numeric,
			total_balance = $10::numeric
		WHERE id = $1`,
		id, num(tot.Charge), num(tot.InsurancePaid), num(tot.PatientPaid),
		num(tot.Adjustments.CO), num(tot.Adjustments.CR), num(tot.Adjustments.OA),
		num(tot.Adjustments.PI), num(tot.Adjustments.PR),
		num(tot.Balance))
	if err != nil {
		return fmt.Errorf("update claim totals %s: %w", id, err)
	}
	return mustAffect(tag, posting.ErrClaimNotFound)
}

func (t *txStore) UpdateClaimStatus(ctx context.Context, id posting.ClaimID, status posting.ClaimStatus) error {
	tag, err := t.q.Exec(ctx, `UPDATE claims SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update claim status %s: %w", id, err)
	}
	return mustAffect(tag, posting.ErrClaimNotFound)
}

func (t *txStore) SecondaryClaim(ctx context.Context, primaryID posting.ClaimID) (*posting.Claim, error) {
	c, err := t.loadClaim(ctx, "primary_claim_id", primaryID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load secondary of %s: %w", primaryID, err)
	}
	return &c, nil
}

func (t *txStore) CreateClaim(ctx context.Context, c posting.Claim) error {
	status := c.Status
	if status == "" {
		status = posting.ClaimImported
	}
	tot := c.Totals
	_, err := t.q.Exec(ctx, `
		INSERT INTO claims
			(id, patient_id, status, primary_claim_id, payer_id, secondary_payer_id,
			 billing_physician_id, rendering_physician_id, facility_id, bill_date,
			 total_charge, total_insurance_paid, total_patient_paid,
			 total_adj_co, total_adj_cr, total_adj_oa, total_adj_pi, total_adj_pr, total_balance)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11::numeric, $12::numeric, $13::numeric,
			$14::numeric, $15::numeric, $16::numeric, $17::numeric, $18::numeric, $19::numeric)`,
		c.ID, c.PatientID, status, c.PrimaryClaimID, c.PayerID, c.SecondaryPayerID,
		c.BillingPhysicianID, c.RenderingPhysicianID, c.FacilityID, c.BillDate,
		num(tot.Charge), num(tot.InsurancePaid), num(tot.PatientPaid),
		num(tot.Adjustments.CO), num(tot.Adjustments.CR), num(tot.Adjustments.OA),
		num(tot.Adjustments.PI), num(tot.Adjustments.PR), num(tot.Balance))
	if err != nil {
		return fmt.Errorf("create claim %s: %w", c.ID, err)
	}

	for _, in := range c.Insureds {
		_, err := t.q.Exec(ctx, `
			INSERT INTO claim_insureds
				(claim_id, sequence, payer_id, subscriber_id, first_name, last_name, relationship, group_number)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			c.ID, in.Sequence, in.PayerID, in.SubscriberID, in.FirstName, in.LastName, in.Relationship, in.GroupNumber)
		if err != nil {
			return fmt.Errorf("create insured %d of claim %s: %w", in.Sequence, c.ID, err)
		}
	}
	return nil
}

func (t *txStore) ForwardCandidates(ctx context.Context, limit int) ([]posting.ClaimID, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := t.q.Query(ctx, `
		SELECT c.id FROM claims c
		WHERE c.status NOT IN ($1, $2)
		  AND c.secondary_payer_id <> ''
		  AND c.primary_claim_id = ''
		  AND c.total_balance <= $3::numeric
		  AND NOT EXISTS (SELECT 1 FROM claims s WHERE s.primary_claim_id = c.id)
		ORDER BY c.id
		LIMIT $4`,
		posting.ClaimClosed, posting.ClaimForwardedToSecondary, num(posting.SettledThreshold), lim)
	if err != nil {
		return nil, fmt.Errorf("query forward candidates: %w", err)
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
// PAYERS
// =============================================================================

func (t *txStore) Payer(ctx context.Context, id posting.PayerID) (posting.Payer, error) {
	p := posting.Payer{ID: id}
	err := t.q.QueryRow(ctx, `SELECT name, track_reason_amounts FROM payers WHERE id = $1`, id).
		Scan(&p.Name, &p.TrackReasonAmounts)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("load payer %s: %w", id, err)
	}
	return p, nil
}
