package listing

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"github.com/gavelworks/gavel/internal/fault"
	"github.com/gavelworks/gavel/internal/money"
)

// PostgresStore persists listings and bids in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed listing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const listingColumns = `id, seller, mode, start_price_units, reserve_price_units, buy_now_price_units,
		currency, referrer, collaborators, duration_seconds, status,
		auction_started, auction_start_at, end_at, escrow_account,
		pending_buyers, partner_deposits, version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, l *Listing) error {
	collabJSON := sharesJSON(l.Collaborators)
	buyersJSON := sharesJSON(l.PendingBuyers)
	depositsJSON, _ := json.Marshal(l.PartnerDeposits)
	if l.PartnerDeposits == nil {
		depositsJSON = []byte("[]")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO listings (
			id, seller, mode, start_price_units, reserve_price_units, buy_now_price_units,
			currency, referrer, collaborators, duration_seconds, status,
			auction_started, auction_start_at, end_at, escrow_account,
			pending_buyers, partner_deposits, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18, $19, $20
		)`,
		l.ID, l.Seller, string(l.Mode), l.StartPrice.Units, l.ReservePrice.Units, l.BuyNowPrice.Units,
		l.Currency, nullString(l.Referrer), collabJSON, int64(l.Duration/time.Second), string(l.Status),
		l.AuctionStarted, nullTime(l.AuctionStartAt), nullTime(l.EndAt), nullString(l.EscrowAccount),
		buyersJSON, depositsJSON, l.Version, l.CreatedAt, l.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Listing, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if err == sql.ErrNoRows {
		return nil, ErrListingNotFound
	}
	return l, err
}

func (p *PostgresStore) Update(ctx context.Context, l *Listing) error {
	result, err := p.db.ExecContext(ctx, updateListingSQL, updateListingArgs(l)...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fault.Conflictf("listing.Update", "listing %s version %d is stale", l.ID, l.Version)
	}
	l.Version++
	return nil
}

const updateListingSQL = `
	UPDATE listings
	SET status = $3, auction_started = $4, auction_start_at = $5, end_at = $6,
	    escrow_account = $7, pending_buyers = $8, partner_deposits = $9,
	    version = version + 1, updated_at = $10
	WHERE id = $1 AND version = $2`

func updateListingArgs(l *Listing) []any {
	depositsJSON, _ := json.Marshal(l.PartnerDeposits)
	if l.PartnerDeposits == nil {
		depositsJSON = []byte("[]")
	}
	return []any{
		l.ID, l.Version,
		string(l.Status), l.AuctionStarted, nullTime(l.AuctionStartAt), nullTime(l.EndAt),
		nullString(l.EscrowAccount), sharesJSON(l.PendingBuyers), depositsJSON,
		l.UpdatedAt,
	}
}

// AppendBid writes the bid row and the listing mutation in one
// serializable transaction; the version predicate on the listing update
// rejects a ladder that moved underneath the caller.
func (p *PostgresStore) AppendBid(ctx context.Context, l *Listing, bid *Bid) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bids (id, listing_id, bidder, amount_units, currency, transfer_ref, placed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		bid.ID, bid.ListingID, bid.Bidder, bid.Amount.Units, bid.Amount.Currency, bid.TransferRef, bid.PlacedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fault.Conflictf("listing.AppendBid", "transfer reference %s already used", bid.TransferRef)
		}
		return err
	}

	result, err := tx.ExecContext(ctx, updateListingSQL, updateListingArgs(l)...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fault.Conflictf("listing.AppendBid", "listing %s version %d is stale", l.ID, l.Version)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	l.Version++
	return nil
}

func (p *PostgresStore) Leader(ctx context.Context, listingID string) (*Bid, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, listing_id, bidder, amount_units, currency, transfer_ref, placed_at
		FROM bids
		WHERE listing_id = $1
		ORDER BY amount_units DESC
		LIMIT 1`, listingID)
	b, err := scanBid(row)
	if err == sql.ErrNoRows {
		return nil, ErrNoBids
	}
	return b, err
}

func (p *PostgresStore) Bids(ctx context.Context, listingID string, limit int) ([]*Bid, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, listing_id, bidder, amount_units, currency, transfer_ref, placed_at
		FROM bids
		WHERE listing_id = $1
		ORDER BY amount_units DESC
		LIMIT $2`, listingID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) BidCount(ctx context.Context, listingID string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bids WHERE listing_id = $1`, listingID).Scan(&count)
	return count, err
}

func (p *PostgresStore) ListEndedAuctions(ctx context.Context, now time.Time, limit int) ([]*Listing, error) {
	return p.list(ctx, `
		SELECT `+listingColumns+` FROM listings
		WHERE status = 'active' AND auction_started = TRUE AND end_at < $1
		ORDER BY end_at ASC
		LIMIT $2`, now, limit)
}

func (p *PostgresStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*Listing, error) {
	return p.list(ctx, `
		SELECT `+listingColumns+` FROM listings
		WHERE status = 'active' AND auction_started = FALSE
		  AND mode IN ('buy_now', 'both') AND end_at < $1
		ORDER BY end_at ASC
		LIMIT $2`, now, limit)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Listing, error) {
	return p.list(ctx, `
		SELECT `+listingColumns+` FROM listings
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(status), limit)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Listing, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanListing(s scanner) (*Listing, error) {
	l := &Listing{}
	var (
		mode          string
		startUnits    int64
		reserveUnits  int64
		buyNowUnits   int64
		referrer      sql.NullString
		collabJSON    []byte
		durationSecs  int64
		status        string
		startAt       sql.NullTime
		endAt         sql.NullTime
		escrowAccount sql.NullString
		buyersJSON    []byte
		depositsJSON  []byte
	)
	err := s.Scan(
		&l.ID, &l.Seller, &mode, &startUnits, &reserveUnits, &buyNowUnits,
		&l.Currency, &referrer, &collabJSON, &durationSecs, &status,
		&l.AuctionStarted, &startAt, &endAt, &escrowAccount,
		&buyersJSON, &depositsJSON, &l.Version, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	l.Mode = PricingMode(mode)
	l.Status = Status(status)
	l.StartPrice = money.FromUnits(startUnits, l.Currency)
	l.ReservePrice = money.FromUnits(reserveUnits, l.Currency)
	l.BuyNowPrice = money.FromUnits(buyNowUnits, l.Currency)
	l.Referrer = referrer.String
	l.Duration = time.Duration(durationSecs) * time.Second
	l.EscrowAccount = escrowAccount.String
	if startAt.Valid {
		l.AuctionStartAt = &startAt.Time
	}
	if endAt.Valid {
		l.EndAt = &endAt.Time
	}
	_ = json.Unmarshal(collabJSON, &l.Collaborators)
	_ = json.Unmarshal(buyersJSON, &l.PendingBuyers)
	_ = json.Unmarshal(depositsJSON, &l.PartnerDeposits)
	if len(l.Collaborators) == 0 {
		l.Collaborators = nil
	}
	if len(l.PendingBuyers) == 0 {
		l.PendingBuyers = nil
	}
	if len(l.PartnerDeposits) == 0 {
		l.PartnerDeposits = nil
	}
	return l, nil
}

func scanBid(s scanner) (*Bid, error) {
	b := &Bid{}
	var (
		units    int64
		currency string
	)
	if err := s.Scan(&b.ID, &b.ListingID, &b.Bidder, &units, &currency, &b.TransferRef, &b.PlacedAt); err != nil {
		return nil, err
	}
	b.Amount = money.FromUnits(units, currency)
	return b, nil
}

func sharesJSON(shares []money.Share) []byte {
	if shares == nil {
		return []byte("[]")
	}
	b, _ := json.Marshal(shares)
	return b
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
