package listing

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gavelworks/gavel/internal/chain"
	"github.com/gavelworks/gavel/internal/fault"
	"github.com/gavelworks/gavel/internal/money"
	"github.com/gavelworks/gavel/internal/settlement"
	"github.com/gavelworks/gavel/internal/withdrawal"
)

type fixture struct {
	svc     *Service
	engine  *settlement.Engine
	credits *withdrawal.Service
	ledger  *chain.MemLedger
	store   *MemoryStore
	pool    string
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func usd(s string) money.Amount { return money.MustParse(s, "USD") }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testLogger()
	ledger := chain.NewMemLedger("USD")
	pool, err := ledger.CreateAccount(context.Background(), "refund-pool")
	require.NoError(t, err)

	engine := settlement.NewEngine(settlement.NewMemoryStore(), ledger, settlement.Params{
		FeeBps:   250,
		Treasury: "treasury",
	}, 72*time.Hour, logger)
	credits := withdrawal.NewService(withdrawal.NewMemoryStore(), ledger, logger)
	store := NewMemoryStore()
	svc := NewService(store, ledger, engine, credits, Config{
		MinIncrementBps:    500,
		IncrementFloor:     usd("0.01"),
		AntiSnipeWindow:    15 * time.Minute,
		RefundPool:         pool,
		SchedulerPrincipal: "scheduler",
	}, logger)

	return &fixture{svc: svc, engine: engine, credits: credits, ledger: ledger, store: store, pool: pool}
}

func (f *fixture) openAuction(t *testing.T, start string) *Listing {
	t.Helper()
	ctx := context.Background()
	l, err := f.svc.Create(ctx, CreateRequest{
		Seller:     "alice",
		Mode:       ModeAuction,
		StartPrice: usd(start),
		Duration:   time.Hour,
	})
	require.NoError(t, err)
	l, err = f.svc.Open(ctx, l.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, StatusActive, l.Status)
	require.NotEmpty(t, l.EscrowAccount)
	return l
}

// deposit funds the listing escrow on the ledger and returns the
// transfer reference the bid must carry.
func (f *fixture) deposit(l *Listing, payer string, amount money.Amount) string {
	return f.ledger.RecordDeposit(payer, l.EscrowAccount, amount)
}

func (f *fixture) bid(t *testing.T, l *Listing, bidder, amount string) *Bid {
	t.Helper()
	a := usd(amount)
	bid, err := f.svc.PlaceBid(context.Background(), l.ID, bidder, f.deposit(l, bidder, a), a)
	require.NoError(t, err)
	return bid
}

func TestFirstQualifyingBidStartsClock(t *testing.T) {
	f := newFixture(t)
	l := f.openAuction(t, "10")
	assert.Nil(t, l.EndAt)

	f.bid(t, l, "bob", "10")

	fresh, err := f.svc.Get(context.Background(), l.ID)
	require.NoError(t, err)
	assert.True(t, fresh.AuctionStarted)
	require.NotNil(t, fresh.AuctionStartAt)
	require.NotNil(t, fresh.EndAt)
	assert.Equal(t, fresh.AuctionStartAt.Add(time.Hour), *fresh.EndAt)
}

func TestBidBelowReserveRejectedAndRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l, err := f.svc.Create(ctx, CreateRequest{
		Seller:       "alice",
		Mode:         ModeAuction,
		StartPrice:   usd("10"),
		ReservePrice: usd("50"),
		Duration:     time.Hour,
	})
	require.NoError(t, err)
	l, err = f.svc.Open(ctx, l.ID, "alice")
	require.NoError(t, err)

	a := usd("20")
	_, err = f.svc.PlaceBid(ctx, l.ID, "bob", f.deposit(l, "bob", a), a)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	// The clock never started; the verified deposit came back as a
	// credit.
	fresh, err := f.svc.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.False(t, fresh.AuctionStarted)
	assert.Nil(t, fresh.EndAt)

	cs, err := f.credits.ListByBeneficiary(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, a, cs[0].Amount)
	assert.False(t, cs[0].Claimed)
}

func TestBidLadder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.openAuction(t, "10")

	// A=10 accepted and starts the clock.
	f.bid(t, l, "anna", "10")

	// B=9.4 is below the 5% increment over 10.
	low := usd("9.40")
	_, err := f.svc.PlaceBid(ctx, l.ID, "ben", f.deposit(l, "ben", low), low)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
	assert.Contains(t, err.Error(), "minimum bid is 10.50")

	// B=11 accepted, displacing A.
	f.bid(t, l, "ben", "11")

	bids, err := f.svc.Bids(ctx, l.ID, 10)
	require.NoError(t, err)
	require.Len(t, bids, 2)
	assert.Equal(t, "ben", bids[0].Bidder)
	assert.Equal(t, usd("11"), bids[0].Amount)

	// A holds exactly one unclaimed credit for the displaced 10; ben's
	// rejected 9.40 also came back as a credit.
	cs, err := f.credits.ListByBeneficiary(ctx, "anna", 10)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, usd("10"), cs[0].Amount)
	assert.False(t, cs[0].Claimed)
}

func TestBidCurrencyMismatchRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.openAuction(t, "10")

	eur := money.MustParse("20", "EUR")
	_, err := f.svc.PlaceBid(ctx, l.ID, "bob", "dep_x", eur)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestUnconfirmedDepositRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.openAuction(t, "10")

	_, err := f.svc.PlaceBid(ctx, l.ID, "bob", "dep_unknown", usd("10"))
	require.Error(t, err)
	assert.Equal(t, fault.KindLedgerUnconfirmed, fault.KindOf(err))
}

func TestDepositIntoOtherAccountRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.openAuction(t, "10")

	// A real deposit, but into an account that is not this listing's
	// escrow. The reference must not vouch for the bid.
	stray, err := f.ledger.CreateAccount(ctx, "elsewhere")
	require.NoError(t, err)
	ref := f.ledger.RecordDeposit("bob", stray, usd("10"))

	_, err = f.svc.PlaceBid(ctx, l.ID, "bob", ref, usd("10"))
	require.Error(t, err)
	assert.Equal(t, fault.KindLedgerUnconfirmed, fault.KindOf(err))

	// The escrow holds nothing and no bid leads.
	bal, err := f.ledger.Balance(ctx, l.EscrowAccount)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
	bids, err := f.svc.Bids(ctx, l.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, bids)
}

func TestAntiSnipeExtendsEndTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.openAuction(t, "10")

	f.bid(t, l, "bob", "10")

	// Move the deadline into the anti-snipe window.
	fresh, err := f.store.Get(ctx, l.ID)
	require.NoError(t, err)
	closing := time.Now().UTC().Add(5 * time.Minute)
	fresh.EndAt = &closing
	require.NoError(t, f.store.Update(ctx, fresh))

	f.bid(t, l, "carol", "11")

	second, err := f.svc.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, closing.Add(15*time.Minute), *second.EndAt)

	// A bid well outside the window leaves the deadline alone.
	before := *second.EndAt
	f.bid(t, l, "bob", "12")
	third, err := f.svc.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, before, *third.EndAt)
}

func TestSettleLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.openAuction(t, "10")

	f.bid(t, l, "anna", "10")
	f.bid(t, l, "ben", "11")

	// Still running.
	_, err := f.svc.Settle(ctx, l.ID, "ben")
	require.Error(t, err)
	assert.Equal(t, fault.KindStateConflict, fault.KindOf(err))

	// Force the clock past the end.
	fresh, err := f.store.Get(ctx, l.ID)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Minute)
	fresh.EndAt = &past
	require.NoError(t, f.store.Update(ctx, fresh))

	// A stranger may not settle.
	_, err = f.svc.Settle(ctx, l.ID, "mallory")
	require.Error(t, err)
	assert.Equal(t, fault.KindStateConflict, fault.KindOf(err))

	// The leading bidder may.
	tx, err := f.svc.Settle(ctx, l.ID, "ben")
	require.NoError(t, err)
	assert.Equal(t, usd("11"), tx.SalePrice)
	assert.Equal(t, settlement.StatusEscrowFunded, tx.Status)

	sold, err := f.svc.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSold, sold.Status)

	// Double completion settles once: proceeds = 11 * (1 - 2.5%).
	done1, err := f.engine.Complete(ctx, tx.ID)
	require.NoError(t, err)
	done2, err := f.engine.Complete(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, usd("10.725"), done1.SellerProceeds)
	assert.Equal(t, done1.SellerProceeds, done2.SellerProceeds)
	assert.Equal(t, done1.CompletedAt.Unix(), done2.CompletedAt.Unix())

	bal, err := f.ledger.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, usd("10.725"), bal)

	// Anna's displaced 10 is claimable from the pool.
	cs, err := f.credits.ListByBeneficiary(ctx, "anna", 10)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	claimed, err := f.credits.Claim(ctx, cs[0].ID, "anna", "anna")
	require.NoError(t, err)
	assert.True(t, claimed.Claimed)
	bal, err = f.ledger.Balance(ctx, "anna")
	require.NoError(t, err)
	assert.Equal(t, usd("10"), bal)
}

func TestCancelForbiddenAfterBid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.openAuction(t, "10")
	f.bid(t, l, "bob", "10")

	_, err := f.svc.Cancel(ctx, l.ID, "alice")
	require.Error(t, err)
	assert.Equal(t, fault.KindStateConflict, fault.KindOf(err))
}

func TestCancelWithZeroBids(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.openAuction(t, "10")

	cancelled, err := f.svc.Cancel(ctx, l.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	// Escrow account is gone.
	_, err = f.ledger.Balance(ctx, l.EscrowAccount)
	assert.ErrorIs(t, err, chain.ErrAccountNotFound)
}

func TestBuyNow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l, err := f.svc.Create(ctx, CreateRequest{
		Seller:      "alice",
		Mode:        ModeBuyNow,
		BuyNowPrice: usd("25"),
		Duration:    24 * time.Hour,
	})
	require.NoError(t, err)
	l, err = f.svc.Open(ctx, l.ID, "alice")
	require.NoError(t, err)
	require.NotNil(t, l.EndAt)

	ref := f.deposit(l, "bob", usd("25"))
	tx, err := f.svc.BuyNow(ctx, l.ID, "bob", ref)
	require.NoError(t, err)
	assert.Equal(t, usd("25"), tx.SalePrice)

	sold, err := f.svc.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSold, sold.Status)

	// A second purchase is a state conflict.
	ref2 := f.deposit(l, "carol", usd("25"))
	_, err = f.svc.BuyNow(ctx, l.ID, "carol", ref2)
	require.Error(t, err)
	assert.Equal(t, fault.KindStateConflict, fault.KindOf(err))
}

func TestPartnerPurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l, err := f.svc.Create(ctx, CreateRequest{
		Seller:      "alice",
		Mode:        ModeBuyNow,
		BuyNowPrice: usd("100"),
		Duration:    24 * time.Hour,
	})
	require.NoError(t, err)
	l, err = f.svc.Open(ctx, l.ID, "alice")
	require.NoError(t, err)

	partners := []money.Share{
		{Principal: "bob", Bps: 6000},
		{Principal: "carol", Bps: 4000},
	}
	l, err = f.svc.ReserveForPartners(ctx, l.ID, "bob", partners)
	require.NoError(t, err)
	assert.Equal(t, StatusReserved, l.Status)

	// The reservation blocks independent purchase attempts before any
	// external transfer.
	_, err = f.svc.BuyNow(ctx, l.ID, "mallory", "dep_none")
	require.Error(t, err)
	assert.Equal(t, fault.KindStateConflict, fault.KindOf(err))

	ref := f.deposit(l, "bob", usd("60"))
	l, err = f.svc.PartnerDeposit(ctx, l.ID, "bob", ref, usd("60"))
	require.NoError(t, err)
	assert.Equal(t, StatusReserved, l.Status)

	// Replayed deposit is absorbed, not double counted.
	l, err = f.svc.PartnerDeposit(ctx, l.ID, "bob", ref, usd("60"))
	require.NoError(t, err)
	assert.Equal(t, usd("60"), l.DepositedTotal())

	// With deposits recorded the reservation can no longer be released.
	_, err = f.svc.ReleaseReservation(ctx, l.ID, "bob")
	require.Error(t, err)
	assert.Equal(t, fault.KindStateConflict, fault.KindOf(err))

	ref2 := f.deposit(l, "carol", usd("40"))
	l, err = f.svc.PartnerDeposit(ctx, l.ID, "carol", ref2, usd("40"))
	require.NoError(t, err)
	assert.Equal(t, StatusSold, l.Status)

	tx, err := f.engine.Get(ctx, mustSaleID(t, f.engine, l.ID))
	require.NoError(t, err)
	require.Len(t, tx.Buyers, 2)

	done, err := f.engine.Complete(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusCompleted, done.Status)
}

func mustSaleID(t *testing.T, eng *settlement.Engine, listingID string) string {
	t.Helper()
	tx, err := eng.GetByListing(context.Background(), listingID)
	require.NoError(t, err)
	return tx.ID
}

func TestReleaseReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l, err := f.svc.Create(ctx, CreateRequest{
		Seller:      "alice",
		Mode:        ModeBuyNow,
		BuyNowPrice: usd("100"),
		Duration:    24 * time.Hour,
	})
	require.NoError(t, err)
	l, err = f.svc.Open(ctx, l.ID, "alice")
	require.NoError(t, err)

	partners := []money.Share{{Principal: "bob", Bps: 10000}}
	_, err = f.svc.ReserveForPartners(ctx, l.ID, "bob", partners)
	require.NoError(t, err)

	released, err := f.svc.ReleaseReservation(ctx, l.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, released.Status)
	assert.Nil(t, released.PendingBuyers)
}

func TestExpireBuyNow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l, err := f.svc.Create(ctx, CreateRequest{
		Seller:      "alice",
		Mode:        ModeBuyNow,
		BuyNowPrice: usd("25"),
		Duration:    24 * time.Hour,
	})
	require.NoError(t, err)
	l, err = f.svc.Open(ctx, l.ID, "alice")
	require.NoError(t, err)

	// Not ended yet.
	_, err = f.svc.Expire(ctx, l.ID)
	require.Error(t, err)
	assert.Equal(t, fault.KindStateConflict, fault.KindOf(err))

	fresh, err := f.store.Get(ctx, l.ID)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Minute)
	fresh.EndAt = &past
	require.NoError(t, f.store.Update(ctx, fresh))

	expired, err := f.svc.Expire(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, expired.Status)

	due, err := f.svc.Expirable(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"no seller", CreateRequest{Mode: ModeAuction, StartPrice: usd("1"), Duration: time.Hour}},
		{"bad mode", CreateRequest{Seller: "a", Mode: "raffle", StartPrice: usd("1"), Duration: time.Hour}},
		{"no duration", CreateRequest{Seller: "a", Mode: ModeAuction, StartPrice: usd("1")}},
		{"no start price", CreateRequest{Seller: "a", Mode: ModeAuction, Duration: time.Hour}},
		{"no buy-now price", CreateRequest{Seller: "a", Mode: ModeBuyNow, Duration: time.Hour}},
		{"reserve below start", CreateRequest{
			Seller: "a", Mode: ModeAuction, StartPrice: usd("10"), ReservePrice: usd("5"), Duration: time.Hour,
		}},
		{"collaborators without seller", CreateRequest{
			Seller: "a", Mode: ModeAuction, StartPrice: usd("10"), Duration: time.Hour,
			Collaborators: []money.Share{{Principal: "b", Bps: 10000}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tc.req)
			require.Error(t, err)
			assert.Equal(t, fault.KindValidation, fault.KindOf(err))
		})
	}
}
