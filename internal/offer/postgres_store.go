package offer

import (
	"context"
	"database/sql"
	"time"

	"github.com/gavelworks/gavel/internal/fault"
	"github.com/gavelworks/gavel/internal/money"
)

// PostgresStore persists offers in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed offer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const offerColumns = `id, listing_id, offerer, amount_units, currency, deadline, status,
		escrow_account, funding_ref, version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Offer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO offers (
			id, listing_id, offerer, amount_units, currency, deadline, status,
			escrow_account, funding_ref, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		o.ID, o.ListingID, o.Offerer, o.Amount.Units, o.Amount.Currency, o.Deadline, string(o.Status),
		o.EscrowAccount, nullString(o.FundingRef), o.Version, o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id)
	o, err := scanOffer(row)
	if err == sql.ErrNoRows {
		return nil, ErrOfferNotFound
	}
	return o, err
}

func (p *PostgresStore) Update(ctx context.Context, o *Offer) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE offers
		SET status = $3, funding_ref = $4, version = version + 1, updated_at = $5
		WHERE id = $1 AND version = $2`,
		o.ID, o.Version, string(o.Status), nullString(o.FundingRef), o.UpdatedAt)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fault.Conflictf("offer.Update", "offer %s version %d is stale", o.ID, o.Version)
	}
	o.Version++
	return nil
}

func (p *PostgresStore) ListByListing(ctx context.Context, listingID string, limit int) ([]*Offer, error) {
	return p.list(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE listing_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, listingID, limit)
}

func (p *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Offer, error) {
	return p.list(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE status = 'active' AND deadline < $1
		ORDER BY deadline ASC
		LIMIT $2`, now, limit)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOffer(s scanner) (*Offer, error) {
	o := &Offer{}
	var (
		units      int64
		currency   string
		status     string
		fundingRef sql.NullString
	)
	err := s.Scan(&o.ID, &o.ListingID, &o.Offerer, &units, &currency, &o.Deadline, &status,
		&o.EscrowAccount, &fundingRef, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Amount = money.FromUnits(units, currency)
	o.Status = Status(status)
	o.FundingRef = fundingRef.String
	return o, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
