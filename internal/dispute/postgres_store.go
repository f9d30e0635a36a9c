package dispute

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/gavelworks/gavel/internal/fault"
	"github.com/gavelworks/gavel/internal/money"
)

// PostgresStore persists disputes in PostgreSQL.
//
// A partial unique index on (transaction_id) WHERE status = 'open'
// backs the one-open-dispute-per-transaction rule.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const disputeColumns = `id, transaction_id, initiator, reason, fee_units, currency, fee_ref, status,
		buyer_amount_units, seller_amount_units, resolution_notes, resolved_by, resolved_at,
		fee_disburse_ref, version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, transaction_id, initiator, reason, fee_units, currency, fee_ref, status,
			buyer_amount_units, seller_amount_units, resolution_notes, resolved_by, resolved_at,
			fee_disburse_ref, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		d.ID, d.TransactionID, d.Initiator, d.Reason, d.FeeHeld.Units, d.FeeHeld.Currency, d.FeeRef, string(d.Status),
		d.BuyerAmount.Units, d.SellerAmount.Units, nullString(d.ResolutionNotes), nullString(d.ResolvedBy), nullTimePtr(d.ResolvedAt),
		nullString(d.FeeDisburseRef), d.Version, d.CreatedAt, d.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return fault.Conflictf("dispute.Create", "transaction %s already has an open dispute", d.TransactionID)
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) GetOpenByTransaction(ctx context.Context, txnID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE transaction_id = $1 AND status = 'open'`, txnID)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes
		SET status = $3, buyer_amount_units = $4, seller_amount_units = $5,
		    resolution_notes = $6, resolved_by = $7, resolved_at = $8, fee_disburse_ref = $9,
		    version = version + 1, updated_at = $10
		WHERE id = $1 AND version = $2`,
		d.ID, d.Version, string(d.Status), d.BuyerAmount.Units, d.SellerAmount.Units,
		nullString(d.ResolutionNotes), nullString(d.ResolvedBy), nullTimePtr(d.ResolvedAt), nullString(d.FeeDisburseRef),
		d.UpdatedAt)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fault.Conflictf("dispute.Update", "dispute %s version %d is stale", d.ID, d.Version)
	}
	d.Version++
	return nil
}

func (p *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status = 'open'
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		feeUnits    int64
		currency    string
		status      string
		buyerUnits  int64
		sellerUnits int64
		notes       sql.NullString
		resolvedBy  sql.NullString
		resolvedAt  sql.NullTime
		disburseRef sql.NullString
	)
	err := s.Scan(&d.ID, &d.TransactionID, &d.Initiator, &d.Reason, &feeUnits, &currency, &d.FeeRef, &status,
		&buyerUnits, &sellerUnits, &notes, &resolvedBy, &resolvedAt,
		&disburseRef, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.FeeHeld = money.FromUnits(feeUnits, currency)
	d.Status = Status(status)
	d.BuyerAmount = money.FromUnits(buyerUnits, currency)
	d.SellerAmount = money.FromUnits(sellerUnits, currency)
	d.ResolutionNotes = notes.String
	d.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	d.FeeDisburseRef = disburseRef.String
	return d, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
