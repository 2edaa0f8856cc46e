/*
sqlite.go - SQLite persistence for the posting engine

PURPOSE:
  Implements posting.TxStore on SQLite. Every posting operation runs inside one
  database transaction handed to the engine as a posting.Stores view.

TABLES:
  payers          per-payer posting switches
  claims          claim header + cached totals (denormalized from lines)
  claim_insureds  subscriber records, sequence 1 = primary, 2 = secondary
  service_lines   charge, paid columns, five adjustment groups, cached balance
  payments        money received, with the running disbursed total
  adjustments     adjustment rows per payment and line
  disbursements   payment-to-line routing rows
  claim_activity  audit trail written after commit

MONEY:
  Amounts are stored as TEXT in decimal.Decimal canonical form (trailing zeros
  trimmed) so that equality in SQL is numeric equality. Range filters cast to
  REAL and are confirmed in Go.

CONCURRENCY:
  Store.mu serializes units of work; per-claim locking happens above the store.

SEE ALSO:
  - posting/store.go: contracts implemented here
  - lines.go, payments.go, claims.go: the transactional view
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/posting-engine/posting"
)

// Store implements posting.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store. Use ":memory:" for a private in-memory
// database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL"
	if dbPath == ":memory:" {
		dsn = "file::memory:?_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: in-memory databases are per connection, and SQLite
	// allows a single writer anyway.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection for health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS payers (
		id                   TEXT PRIMARY KEY,
		name                 TEXT NOT NULL DEFAULT '',
		track_reason_amounts INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS claims (
		id                     TEXT PRIMARY KEY,
		patient_id             TEXT NOT NULL DEFAULT '',
		status                 TEXT NOT NULL,
		primary_claim_id       TEXT NOT NULL DEFAULT '',
		payer_id               TEXT NOT NULL DEFAULT '',
		secondary_payer_id     TEXT NOT NULL DEFAULT '',
		billing_physician_id   TEXT NOT NULL DEFAULT '',
		rendering_physician_id TEXT NOT NULL DEFAULT '',
		facility_id            TEXT NOT NULL DEFAULT '',
		bill_date              TEXT NOT NULL,
		total_charge           TEXT NOT NULL DEFAULT '0',
		total_insurance_paid   TEXT NOT NULL DEFAULT '0',
		total_patient_paid     TEXT NOT NULL DEFAULT '0',
		total_adj_co           TEXT NOT NULL DEFAULT '0',
		total_adj_cr           TEXT NOT NULL DEFAULT '0',
		total_adj_oa           TEXT NOT NULL DEFAULT '0',
		total_adj_pi           TEXT NOT NULL DEFAULT '0',
		total_adj_pr           TEXT NOT NULL DEFAULT '0',
		total_balance          TEXT NOT NULL DEFAULT '0'
	);

	-- At most one secondary claim per primary
	CREATE UNIQUE INDEX IF NOT EXISTS idx_claims_primary
		ON claims(primary_claim_id) WHERE primary_claim_id <> '';

	CREATE TABLE IF NOT EXISTS claim_insureds (
		claim_id      TEXT NOT NULL REFERENCES claims(id),
		sequence      INTEGER NOT NULL,
		payer_id      TEXT NOT NULL DEFAULT '',
		subscriber_id TEXT NOT NULL DEFAULT '',
		first_name    TEXT NOT NULL DEFAULT '',
		last_name     TEXT NOT NULL DEFAULT '',
		relationship  TEXT NOT NULL DEFAULT '',
		group_number  TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (claim_id, sequence)
	);

	CREATE TABLE IF NOT EXISTS service_lines (
		id                   TEXT PRIMARY KEY,
		claim_id             TEXT NOT NULL REFERENCES claims(id),
		patient_id           TEXT NOT NULL DEFAULT '',
		responsible_payer_id TEXT NOT NULL DEFAULT '',
		description          TEXT NOT NULL DEFAULT '',
		charge               TEXT NOT NULL DEFAULT '0',
		insurance_paid       TEXT NOT NULL DEFAULT '0',
		patient_paid         TEXT NOT NULL DEFAULT '0',
		adj_co               TEXT NOT NULL DEFAULT '0',
		adj_cr               TEXT NOT NULL DEFAULT '0',
		adj_oa               TEXT NOT NULL DEFAULT '0',
		adj_pi               TEXT NOT NULL DEFAULT '0',
		adj_pr               TEXT NOT NULL DEFAULT '0',
		balance              TEXT NOT NULL DEFAULT '0'
	);

	CREATE INDEX IF NOT EXISTS idx_lines_claim ON service_lines(claim_id);
	CREATE INDEX IF NOT EXISTS idx_lines_patient ON service_lines(patient_id);

	CREATE TABLE IF NOT EXISTS payments (
		id                   TEXT PRIMARY KEY,
		source               TEXT NOT NULL CHECK (source IN ('payer', 'patient')),
		payer_id             TEXT NOT NULL DEFAULT '',
		patient_id           TEXT NOT NULL DEFAULT '',
		amount               TEXT NOT NULL,
		disbursed            TEXT NOT NULL DEFAULT '0',
		payment_date         TEXT NOT NULL,
		method               TEXT NOT NULL DEFAULT '',
		reference            TEXT NOT NULL DEFAULT '',
		billing_physician_id TEXT NOT NULL DEFAULT '',
		created_at           TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_reference ON payments(reference, amount);

	CREATE TABLE IF NOT EXISTS adjustments (
		id            TEXT PRIMARY KEY,
		payment_id    TEXT NOT NULL REFERENCES payments(id),
		line_id       TEXT NOT NULL REFERENCES service_lines(id),
		claim_id      TEXT NOT NULL,
		payer_id      TEXT NOT NULL DEFAULT '',
		group_code    TEXT NOT NULL CHECK (group_code IN ('CO', 'CR', 'OA', 'PI', 'PR')),
		reason_code   TEXT NOT NULL DEFAULT '',
		remark_code   TEXT NOT NULL DEFAULT '',
		amount        TEXT NOT NULL,
		reason_amount TEXT NOT NULL,
		created_at    TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_adjustments_payment ON adjustments(payment_id);
	CREATE INDEX IF NOT EXISTS idx_adjustments_claim ON adjustments(claim_id);

	CREATE TABLE IF NOT EXISTS disbursements (
		id         TEXT PRIMARY KEY,
		payment_id TEXT NOT NULL REFERENCES payments(id),
		line_id    TEXT NOT NULL REFERENCES service_lines(id),
		claim_id   TEXT NOT NULL,
		amount     TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_disbursements_payment ON disbursements(payment_id);

	CREATE TABLE IF NOT EXISTS claim_activity (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		claim_id   TEXT NOT NULL,
		payment_id TEXT NOT NULL DEFAULT '',
		activity   TEXT NOT NULL,
		amount     TEXT NOT NULL DEFAULT '0',
		detail     TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_claim_activity_claim ON claim_activity(claim_id, id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (posting.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(posting.Stores) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore is the posting.Stores view over one open transaction.
type txStore struct {
	q querier
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

// SavePayer inserts or replaces a payer profile.
func (s *Store) SavePayer(ctx context.Context, p posting.Payer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payers (id, name, track_reason_amounts) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			track_reason_amounts = excluded.track_reason_amounts
	`, p.ID, p.Name, p.TrackReasonAmounts)
	if err != nil {
		return fmt.Errorf("failed to save payer %s: %w", p.ID, err)
	}
	return nil
}

// =============================================================================
// CLAIM ACTIVITY (posting.AuditRecorder interface)
// =============================================================================

func (s *Store) RecordClaimActivity(ctx context.Context, a posting.ClaimActivity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := a.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO claim_activity (claim_id, payment_id, activity, amount, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.ClaimID, a.PaymentID, a.Activity, a.Amount, a.Detail, formatTime(at))
	if err != nil {
		return fmt.Errorf("failed to record claim activity: %w", err)
	}
	return nil
}

// ClaimActivity returns a claim's audit trail in recording order.
func (s *Store) ClaimActivity(ctx context.Context, claimID posting.ClaimID) ([]posting.ClaimActivity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT claim_id, payment_id, activity, amount, detail, created_at
		FROM claim_activity
		WHERE claim_id = ?
		ORDER BY id ASC
	`, claimID)
	if err != nil {
		return nil, fmt.Errorf("failed to query claim activity: %w", err)
	}
	defer rows.Close()

	var out []posting.ClaimActivity
	for rows.Next() {
		var (
			a  posting.ClaimActivity
			at string
		)
		if err := rows.Scan(&a.ClaimID, &a.PaymentID, &a.Activity, &a.Amount, &a.Detail, &at); err != nil {
			return nil, fmt.Errorf("failed to scan claim activity: %w", err)
		}
		a.At = parseTime(at)
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed width so that TEXT ordering is chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func mustAffect(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
