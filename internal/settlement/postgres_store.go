package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/gavelworks/gavel/internal/fault"
	"github.com/gavelworks/gavel/internal/money"
)

// PostgresStore persists transactions in PostgreSQL.
//
// A partial unique index on (listing_id) WHERE status <> 'refunded'
// backs the one-live-transaction-per-listing rule at the database
// level, independent of application checks.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const txnColumns = `id, listing_id, seller, buyers, referrer, collaborators,
		sale_price_units, currency, escrow_account, status,
		fee_units, seller_proceeds_units, buyer_refund_units,
		pending_release_at, completed_at, payouts_settled, stats_recorded,
		version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	buyersJSON, _ := json.Marshal(t.Buyers)
	collabJSON, _ := json.Marshal(t.Collaborators)
	if t.Collaborators == nil {
		collabJSON = []byte("[]")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, listing_id, seller, buyers, referrer, collaborators,
			sale_price_units, currency, escrow_account, status,
			fee_units, seller_proceeds_units, buyer_refund_units,
			pending_release_at, completed_at, payouts_settled, stats_recorded,
			version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13,
			$14, $15, $16, $17,
			$18, $19, $20
		)`,
		t.ID, t.ListingID, t.Seller, buyersJSON, nullString(t.Referrer), collabJSON,
		t.SalePrice.Units, t.SalePrice.Currency, t.EscrowAccount, string(t.Status),
		t.Fee.Units, t.SellerProceeds.Units, t.BuyerRefund.Units,
		nullTime(t.PendingReleaseAt), nullTime(t.CompletedAt), t.PayoutsSettled, t.StatsRecorded,
		t.Version, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id)
	t, err := scanTxn(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Payouts, err = p.loadPayouts(ctx, p.db, id)
	return t, err
}

func (p *PostgresStore) GetByListing(ctx context.Context, listingID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+txnColumns+` FROM transactions
		WHERE listing_id = $1 AND status <> 'refunded'`, listingID)
	t, err := scanTxn(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Payouts, err = p.loadPayouts(ctx, p.db, t.ID)
	return t, err
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from []Status, to Status, at time.Time) (*Transaction, error) {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id)
	t, err := scanTxn(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, s := range from {
		if t.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fault.Conflictf("settlement.UpdateStatus", "transaction %s is %s", id, t.Status)
	}

	var pendingAt sql.NullTime
	if t.PendingReleaseAt != nil {
		pendingAt = sql.NullTime{Time: *t.PendingReleaseAt, Valid: true}
	}
	if to == StatusPendingRelease {
		pendingAt = sql.NullTime{Time: at, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2, pending_release_at = $3, version = version + 1, updated_at = $4
		WHERE id = $1`,
		id, string(to), pendingAt, at)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	t.Status = to
	if pendingAt.Valid {
		t.PendingReleaseAt = &pendingAt.Time
	}
	t.Version++
	t.UpdatedAt = at
	return t, nil
}

// Finalize implements the re-read-inside-transaction pattern: the row
// is locked and re-read inside a serializable transaction, never
// trusted from a prior read. Two racing callers serialize on the row
// lock; the loser sees the committed terminal row and returns it.
func (p *PostgresStore) Finalize(ctx context.Context, id string, decide DecideFunc) (*Transaction, bool, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id)
	t, err := scanTxn(row)
	if err == sql.ErrNoRows {
		return nil, false, ErrTransactionNotFound
	}
	if err != nil {
		return nil, false, err
	}

	if t.Status.IsTerminal() {
		payouts, perr := p.loadPayouts(ctx, tx, id)
		if perr != nil {
			return nil, false, perr
		}
		t.Payouts = payouts
		if cerr := tx.Commit(); cerr != nil {
			return nil, false, cerr
		}
		return t, true, nil
	}

	outcome, err := decide(t)
	if err != nil {
		return nil, false, err
	}

	// Status, amounts, and payout rows all commit together — never as
	// a follow-up write after commit.
	_, err = tx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2, fee_units = $3, seller_proceeds_units = $4, buyer_refund_units = $5,
		    completed_at = $6, version = version + 1, updated_at = $6
		WHERE id = $1`,
		id, string(outcome.Status), outcome.Fee.Units, outcome.SellerProceeds.Units,
		outcome.BuyerRefund.Units, outcome.At)
	if err != nil {
		return nil, false, err
	}

	for _, po := range outcome.Payouts {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO transaction_payouts (txn_id, kind, principal, amount_units, currency, transfer_ref)
			VALUES ($1, $2, $3, $4, $5, NULL)`,
			id, string(po.Kind), po.Principal, po.Amount.Units, po.Amount.Currency)
		if err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	t.Status = outcome.Status
	t.Fee = outcome.Fee
	t.SellerProceeds = outcome.SellerProceeds
	t.BuyerRefund = outcome.BuyerRefund
	t.Payouts = append([]Payout(nil), outcome.Payouts...)
	at := outcome.At
	t.CompletedAt = &at
	t.Version++
	t.UpdatedAt = at
	return t, false, nil
}

func (p *PostgresStore) RecordPayoutRef(ctx context.Context, id string, kind PayoutKind, principal, transferRef string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transaction_payouts
		SET transfer_ref = $4
		WHERE txn_id = $1 AND kind = $2 AND principal = $3 AND transfer_ref IS NULL`,
		id, string(kind), principal, transferRef)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fault.Conflictf("settlement.RecordPayoutRef", "no pending payout %s/%s on %s", kind, principal, id)
	}
	return nil
}

func (p *PostgresStore) MarkPayoutsSettled(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE transactions SET payouts_settled = TRUE WHERE id = $1`, id)
	return err
}

func (p *PostgresStore) MarkStatsRecorded(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE transactions SET stats_recorded = TRUE WHERE id = $1`, id)
	return err
}

func (p *PostgresStore) ListPendingRelease(ctx context.Context, cutoff time.Time, limit int) ([]*Transaction, error) {
	return p.list(ctx, `
		SELECT `+txnColumns+` FROM transactions
		WHERE status = 'pending_release' AND pending_release_at < $1
		ORDER BY pending_release_at ASC
		LIMIT $2`, cutoff, limit)
}

func (p *PostgresStore) ListUnsettled(ctx context.Context, limit int) ([]*Transaction, error) {
	return p.list(ctx, `
		SELECT `+txnColumns+` FROM transactions
		WHERE status IN ('completed', 'refunded')
		  AND (payouts_settled = FALSE OR stats_recorded = FALSE)
		ORDER BY completed_at ASC
		LIMIT $1`, limit)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, t := range result {
		t.Payouts, err = p.loadPayouts(ctx, p.db, t.ID)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (p *PostgresStore) loadPayouts(ctx context.Context, q querier, id string) ([]Payout, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT kind, principal, amount_units, currency, transfer_ref
		FROM transaction_payouts
		WHERE txn_id = $1
		ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var payouts []Payout
	for rows.Next() {
		var (
			kind      string
			principal string
			units     int64
			currency  string
			ref       sql.NullString
		)
		if err := rows.Scan(&kind, &principal, &units, &currency, &ref); err != nil {
			return nil, err
		}
		payouts = append(payouts, Payout{
			Kind:        PayoutKind(kind),
			Principal:   principal,
			Amount:      money.FromUnits(units, currency),
			TransferRef: ref.String,
		})
	}
	return payouts, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTxn(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		buyersJSON      []byte
		referrer        sql.NullString
		collabJSON      []byte
		priceUnits      int64
		currency        string
		status          string
		feeUnits        int64
		proceedsUnits   int64
		refundUnits     int64
		pendingAt       sql.NullTime
		completedAt     sql.NullTime
	)
	err := s.Scan(
		&t.ID, &t.ListingID, &t.Seller, &buyersJSON, &referrer, &collabJSON,
		&priceUnits, &currency, &t.EscrowAccount, &status,
		&feeUnits, &proceedsUnits, &refundUnits,
		&pendingAt, &completedAt, &t.PayoutsSettled, &t.StatsRecorded,
		&t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.Referrer = referrer.String
	t.SalePrice = money.FromUnits(priceUnits, currency)
	t.Fee = money.FromUnits(feeUnits, currency)
	t.SellerProceeds = money.FromUnits(proceedsUnits, currency)
	t.BuyerRefund = money.FromUnits(refundUnits, currency)
	if pendingAt.Valid {
		t.PendingReleaseAt = &pendingAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	_ = json.Unmarshal(buyersJSON, &t.Buyers)
	if len(collabJSON) > 0 {
		_ = json.Unmarshal(collabJSON, &t.Collaborators)
	}
	if len(t.Collaborators) == 0 {
		t.Collaborators = nil
	}
	return t, nil
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
