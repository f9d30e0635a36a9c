package withdrawal

import (
	"context"
	"database/sql"
	"time"

	"github.com/gavelworks/gavel/internal/fault"
	"github.com/gavelworks/gavel/internal/money"
)

// PostgresStore persists withdrawal credits in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed credit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const creditColumns = `id, beneficiary, source_ref, escrow_account, amount_units, currency,
		claimed, claim_ref, created_at, claimed_at`

func (p *PostgresStore) Create(ctx context.Context, c *Credit) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO withdrawal_credits (
			id, beneficiary, source_ref, escrow_account, amount_units, currency,
			claimed, claim_ref, created_at, claimed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.Beneficiary, c.SourceRef, c.EscrowAccount,
		c.Amount.Units, c.Amount.Currency,
		c.Claimed, nullString(c.ClaimRef), c.CreatedAt, nullTime(c.ClaimedAt),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Credit, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+creditColumns+` FROM withdrawal_credits WHERE id = $1`, id)
	c, err := scanCredit(row)
	if err == sql.ErrNoRows {
		return nil, fault.Conflictf("withdrawal.Get", "credit %s not found", id)
	}
	return c, err
}

// Claim flips the claimed flag conditionally. Zero rows affected means
// the credit was already claimed (or never existed); either way this
// statement reserves the payout for at most one caller.
func (p *PostgresStore) Claim(ctx context.Context, id string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE withdrawal_credits
		SET claimed = TRUE, claimed_at = $2
		WHERE id = $1 AND claimed = FALSE`,
		id, at,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fault.Conflictf("withdrawal.Claim", "credit %s already claimed or not found", id)
	}
	return nil
}

func (p *PostgresStore) RecordClaimRef(ctx context.Context, id, claimRef string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE withdrawal_credits
		SET claim_ref = $2
		WHERE id = $1 AND claimed = TRUE`,
		id, claimRef,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fault.Conflictf("withdrawal.RecordClaimRef", "credit %s is not claimed", id)
	}
	return nil
}

// Release reopens a reserved credit after a failed payout. The claim_ref
// guard keeps a paid credit from ever being reopened.
func (p *PostgresStore) Release(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE withdrawal_credits
		SET claimed = FALSE, claimed_at = NULL
		WHERE id = $1 AND claimed = TRUE AND claim_ref IS NULL`,
		id,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fault.Conflictf("withdrawal.Release", "credit %s is not releasable", id)
	}
	return nil
}

func (p *PostgresStore) ListByBeneficiary(ctx context.Context, beneficiary string, limit int) ([]*Credit, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+creditColumns+`
		FROM withdrawal_credits
		WHERE beneficiary = $1
		ORDER BY created_at DESC
		LIMIT $2`, beneficiary, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Credit
	for rows.Next() {
		c, err := scanCredit(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCredit(s scanner) (*Credit, error) {
	c := &Credit{}
	var (
		units     int64
		currency  string
		claimRef  sql.NullString
		claimedAt sql.NullTime
	)
	err := s.Scan(
		&c.ID, &c.Beneficiary, &c.SourceRef, &c.EscrowAccount, &units, &currency,
		&c.Claimed, &claimRef, &c.CreatedAt, &claimedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Amount = money.FromUnits(units, currency)
	c.ClaimRef = claimRef.String
	if claimedAt.Valid {
		c.ClaimedAt = &claimedAt.Time
	}
	return c, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
