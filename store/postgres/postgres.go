/*
postgres.go - PostgreSQL persistence for the posting engine

PURPOSE:
  Implements posting.TxStore on PostgreSQL through a pgx connection pool. Same
  contract and table layout as store/sqlite, with NUMERIC money columns.

MONEY:
  Amounts are bound as decimal strings cast to ::numeric and read back with
  ::text, so values round-trip through shopspring/decimal without floats.

CONCURRENCY:
  Line writes take a row lock (SELECT ... FOR UPDATE) inside the transaction.
  Per-claim locks are taken above the store by the engine's ClaimLocker.

SEE ALSO:
  - migrate.go:      embedded schema migrations
  - store/sqlite:    the default single-node store
*/
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/posting-engine/posting"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store implements posting.TxStore using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewPool opens and pings a connection pool.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(posting.Stores) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// txStore is the posting.Stores view over one open transaction.
type txStore struct {
	q queryable
}

// =============================================================================
// SEEDING / PAYER PROFILES
// =============================================================================

// SeedClaim stores a claim and its lines, deriving every line balance and the
// claim totals from the line columns.
func (s *Store) SeedClaim(ctx context.Context, c posting.Claim, lines ...posting.LineTotals) error {
	return s.WithTx(ctx, func(st posting.Stores) error {
		for i := range lines {
			lines[i].ClaimID = c.ID
			if lines[i].PatientID == "" {
				lines[i].PatientID = c.PatientID
			}
			if lines[i].ResponsiblePayerID == "" {
				lines[i].ResponsiblePayerID = c.PayerID
			}
			lines[i].Balance = lines[i].ComputedBalance()
		}
		c.Totals = posting.AggregateClaim(lines)
		if err := st.CreateClaim(ctx, c); err != nil {
			return err
		}
		for _, l := range lines {
			if err := st.CreateLine(ctx, l); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) SavePayer(ctx context.Context, p posting.Payer) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payers (id, name, track_reason_amounts) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			track_reason_amounts = EXCLUDED.track_reason_amounts`,
		p.ID, p.Name, p.TrackReasonAmounts)
	if err != nil {
		return fmt.Errorf("save payer %s: %w", p.ID, err)
	}
	return nil
}

// =============================================================================
// CLAIM ACTIVITY (posting.AuditRecorder interface)
// =============================================================================

func (s *Store) RecordClaimActivity(ctx context.Context, a posting.ClaimActivity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO claim_activity (claim_id, payment_id, activity, amount, detail, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, COALESCE($6::timestamptz, NOW()))`,
		a.ClaimID, a.PaymentID, a.Activity, num(a.Amount), a.Detail, optionalTime(a.At))
	if err != nil {
		return fmt.Errorf("record claim activity: %w", err)
	}
	return nil
}

func (s *Store) ClaimActivity(ctx context.Context, claimID posting.ClaimID) ([]posting.ClaimActivity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT claim_id, payment_id, activity, amount::text, detail, created_at
		FROM claim_activity WHERE claim_id = $1 ORDER BY id`, claimID)
	if err != nil {
		return nil, fmt.Errorf("query claim activity: %w", err)
	}
	defer rows.Close()

	var out []posting.ClaimActivity
	for rows.Next() {
		var a posting.ClaimActivity
		if err := rows.Scan(&a.ClaimID, &a.PaymentID, &a.Activity, &a.Amount, &a.Detail, &a.At); err != nil {
			return nil, fmt.Errorf("scan claim activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// num renders an amount for a ::numeric parameter.
func num(d decimal.Decimal) string {
	return d.String()
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func mustAffect(tag pgconn.CommandTag, notFound error) error {
	if tag.RowsAffected() == 0 {
		return notFound
	}
	return nil
}
