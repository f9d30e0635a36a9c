package stats

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists aggregates in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed statistics store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Apply(ctx context.Context, at time.Time, deltas []Delta) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, d := range deltas {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO principal_stats (
				principal, sales, sale_volume_units, purchases, purchase_volume_units,
				referrals, referral_volume_units, collabs, collab_volume_units, refunds, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (principal) DO UPDATE SET
				sales = principal_stats.sales + EXCLUDED.sales,
				sale_volume_units = principal_stats.sale_volume_units + EXCLUDED.sale_volume_units,
				purchases = principal_stats.purchases + EXCLUDED.purchases,
				purchase_volume_units = principal_stats.purchase_volume_units + EXCLUDED.purchase_volume_units,
				referrals = principal_stats.referrals + EXCLUDED.referrals,
				referral_volume_units = principal_stats.referral_volume_units + EXCLUDED.referral_volume_units,
				collabs = principal_stats.collabs + EXCLUDED.collabs,
				collab_volume_units = principal_stats.collab_volume_units + EXCLUDED.collab_volume_units,
				refunds = principal_stats.refunds + EXCLUDED.refunds,
				updated_at = EXCLUDED.updated_at`,
			d.Principal, d.Sales, d.SaleVolume, d.Purchases, d.PurchaseVolume,
			d.Referrals, d.ReferralVolume, d.Collabs, d.CollabVolume, d.Refunds, at,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, principal string) (*Totals, error) {
	t := &Totals{}
	err := p.db.QueryRowContext(ctx, `
		SELECT principal, sales, sale_volume_units, purchases, purchase_volume_units,
		       referrals, referral_volume_units, collabs, collab_volume_units, refunds, updated_at
		FROM principal_stats
		WHERE principal = $1`, principal).Scan(
		&t.Principal, &t.Sales, &t.SaleVolume, &t.Purchases, &t.PurchaseVolume,
		&t.Referrals, &t.ReferralVolume, &t.Collabs, &t.CollabVolume, &t.Refunds, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return &Totals{Principal: principal}, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}
