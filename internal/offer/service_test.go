package offer

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gavelworks/gavel/internal/chain"
	"github.com/gavelworks/gavel/internal/fault"
	"github.com/gavelworks/gavel/internal/listing"
	"github.com/gavelworks/gavel/internal/money"
	"github.com/gavelworks/gavel/internal/settlement"
	"github.com/gavelworks/gavel/internal/withdrawal"
)

type fixture struct {
	offers   *Service
	listings *listing.Service
	engine   *settlement.Engine
	credits  *withdrawal.Service
	ledger   *chain.MemLedger
	store    *MemoryStore
	lst      *listing.Listing
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func usd(s string) money.Amount { return money.MustParse(s, "USD") }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
	ledger := chain.NewMemLedger("USD")
	pool, err := ledger.CreateAccount(ctx, "refund-pool")
	require.NoError(t, err)

	engine := settlement.NewEngine(settlement.NewMemoryStore(), ledger, settlement.Params{
		FeeBps:   250,
		Treasury: "treasury",
	}, 72*time.Hour, logger)
	credits := withdrawal.NewService(withdrawal.NewMemoryStore(), ledger, logger)
	listings := listing.NewService(listing.NewMemoryStore(), ledger, engine, credits, listing.Config{
		MinIncrementBps: 500,
		AntiSnipeWindow: 15 * time.Minute,
		RefundPool:      pool,
	}, logger)
	store := NewMemoryStore()
	offers := NewService(store, ledger, listings, credits, Config{
		RefundPool:  pool,
		MaxDeadline: 30 * 24 * time.Hour,
	}, logger)

	l, err := listings.Create(ctx, listing.CreateRequest{
		Seller:     "alice",
		Mode:       listing.ModeAuction,
		StartPrice: usd("10"),
		Duration:   time.Hour,
	})
	require.NoError(t, err)
	l, err = listings.Open(ctx, l.ID, "alice")
	require.NoError(t, err)

	return &fixture{
		offers: offers, listings: listings, engine: engine,
		credits: credits, ledger: ledger, store: store, lst: l,
	}
}

func (f *fixture) fundedOffer(t *testing.T, offerer, amount string, deadline time.Time) *Offer {
	t.Helper()
	ctx := context.Background()
	o, err := f.offers.Make(ctx, MakeRequest{
		ListingID: f.lst.ID,
		Offerer:   offerer,
		Amount:    usd(amount),
		Deadline:  deadline,
	})
	require.NoError(t, err)
	ref := f.ledger.RecordDeposit(offerer, o.EscrowAccount, usd(amount))
	o, err = f.offers.Fund(ctx, o.ID, offerer, ref)
	require.NoError(t, err)
	require.True(t, o.Funded())
	return o
}

func TestMakeValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	future := time.Now().Add(24 * time.Hour)

	cases := []struct {
		name string
		req  MakeRequest
	}{
		{"no offerer", MakeRequest{ListingID: f.lst.ID, Amount: usd("5"), Deadline: future}},
		{"zero amount", MakeRequest{ListingID: f.lst.ID, Offerer: "bob", Deadline: future}},
		{"past deadline", MakeRequest{
			ListingID: f.lst.ID, Offerer: "bob", Amount: usd("5"),
			Deadline: time.Now().Add(-time.Hour),
		}},
		{"seller offering", MakeRequest{
			ListingID: f.lst.ID, Offerer: "alice", Amount: usd("5"), Deadline: future,
		}},
		{"wrong currency", MakeRequest{
			ListingID: f.lst.ID, Offerer: "bob",
			Amount: money.MustParse("5", "EUR"), Deadline: future,
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.offers.Make(ctx, tc.req)
			require.Error(t, err)
			assert.Equal(t, fault.KindValidation, fault.KindOf(err))
		})
	}
}

func TestAcceptRequiresFunding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, err := f.offers.Make(ctx, MakeRequest{
		ListingID: f.lst.ID,
		Offerer:   "bob",
		Amount:    usd("20"),
		Deadline:  time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)

	_, err = f.offers.Accept(ctx, o.ID, "alice")
	require.Error(t, err)
	assert.Equal(t, fault.KindLedgerUnconfirmed, fault.KindOf(err))
}

func TestFundRejectsUnverifiedDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, err := f.offers.Make(ctx, MakeRequest{
		ListingID: f.lst.ID,
		Offerer:   "bob",
		Amount:    usd("20"),
		Deadline:  time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)

	_, err = f.offers.Fund(ctx, o.ID, "bob", "dep_bogus")
	require.Error(t, err)
	assert.Equal(t, fault.KindLedgerUnconfirmed, fault.KindOf(err))
}

func TestAcceptSellsListing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.fundedOffer(t, "bob", "20", time.Now().Add(24*time.Hour))

	// Only the seller may accept.
	_, err := f.offers.Accept(ctx, o.ID, "bob")
	require.Error(t, err)
	assert.Equal(t, fault.KindStateConflict, fault.KindOf(err))

	tx, err := f.offers.Accept(ctx, o.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, usd("20"), tx.SalePrice)

	accepted, err := f.offers.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, accepted.Status)

	l, err := f.listings.Get(ctx, f.lst.ID)
	require.NoError(t, err)
	assert.Equal(t, listing.StatusSold, l.Status)

	done, err := f.engine.Complete(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusCompleted, done.Status)
	assert.Equal(t, usd("19.50"), done.SellerProceeds)
}

func TestAcceptDisplacesLeader(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A standing bid on the ladder.
	amt := usd("10")
	ref := f.ledger.RecordDeposit("carol", f.lst.EscrowAccount, amt)
	_, err := f.listings.PlaceBid(ctx, f.lst.ID, "carol", ref, amt)
	require.NoError(t, err)

	o := f.fundedOffer(t, "bob", "30", time.Now().Add(24*time.Hour))
	_, err = f.offers.Accept(ctx, o.ID, "alice")
	require.NoError(t, err)

	cs, err := f.credits.ListByBeneficiary(ctx, "carol", 10)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, amt, cs[0].Amount)
	assert.False(t, cs[0].Claimed)
}

func TestCancelCreditsEscrowBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.fundedOffer(t, "bob", "20", time.Now().Add(24*time.Hour))

	_, err := f.offers.Cancel(ctx, o.ID, "mallory")
	require.Error(t, err)

	cancelled, err := f.offers.Cancel(ctx, o.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	cs, err := f.credits.ListByBeneficiary(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, usd("20"), cs[0].Amount)

	// Terminal twice is a conflict.
	_, err = f.offers.Cancel(ctx, o.ID, "bob")
	require.Error(t, err)
	assert.Equal(t, fault.KindStateConflict, fault.KindOf(err))
}

func TestExpireSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.fundedOffer(t, "bob", "20", time.Now().Add(time.Minute))

	// Not due yet.
	_, err := f.offers.Expire(ctx, o.ID)
	require.Error(t, err)
	assert.Equal(t, fault.KindStateConflict, fault.KindOf(err))

	due, err := f.offers.ExpiredDue(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, o.ID, due[0].ID)

	// Force the deadline into the past.
	stored, err := f.store.Get(ctx, o.ID)
	require.NoError(t, err)
	stored.Deadline = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, f.store.Update(ctx, stored))

	expired, err := f.offers.Expire(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, expired.Status)

	cs, err := f.credits.ListByBeneficiary(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, usd("20"), cs[0].Amount)
}

func TestAcceptAfterDeadlineRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.fundedOffer(t, "bob", "20", time.Now().Add(time.Minute))

	stored, err := f.store.Get(ctx, o.ID)
	require.NoError(t, err)
	stored.Deadline = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, f.store.Update(ctx, stored))

	_, err = f.offers.Accept(ctx, o.ID, "alice")
	require.Error(t, err)
	assert.Equal(t, fault.KindStateConflict, fault.KindOf(err))
}
