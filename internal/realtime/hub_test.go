package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: "bid.placed", Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []string{"bid.placed", "transaction.completed"},
	}}

	bidEvent := &Event{Type: "bid.placed"}
	txEvent := &Event{Type: "transaction.completed"}
	disputeEvent := &Event{Type: "dispute.opened"}

	if !h.shouldSend(client, bidEvent) {
		t.Error("Should receive bid events")
	}
	if !h.shouldSend(client, txEvent) {
		t.Error("Should receive transaction events")
	}
	if h.shouldSend(client, disputeEvent) {
		t.Error("Should NOT receive dispute events")
	}
}

func TestShouldSend_ListingFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		ListingIDs: []string{"lst_1"},
	}}

	matching := &Event{
		Type: "bid.placed",
		Data: map[string]interface{}{"listingId": "lst_1", "bidder": "bob"},
	}
	notMatching := &Event{
		Type: "bid.placed",
		Data: map[string]interface{}{"listingId": "lst_2", "bidder": "bob"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on listing id")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match other listings")
	}
}

func TestShouldSend_PrincipalFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Principals: []string{"alice"},
	}}

	matchingSeller := &Event{
		Type: "transaction.completed",
		Data: map[string]interface{}{"seller": "alice"},
	}
	matchingBidder := &Event{
		Type: "bid.placed",
		Data: map[string]interface{}{"bidder": "alice"},
	}
	matchingBeneficiary := &Event{
		Type: "withdrawal.created",
		Data: map[string]interface{}{"beneficiary": "alice"},
	}
	notMatching := &Event{
		Type: "bid.placed",
		Data: map[string]interface{}{"bidder": "bob", "seller": "carol"},
	}

	if !h.shouldSend(client, matchingSeller) {
		t.Error("Should match on seller")
	}
	if !h.shouldSend(client, matchingBidder) {
		t.Error("Should match on bidder")
	}
	if !h.shouldSend(client, matchingBeneficiary) {
		t.Error("Should match on beneficiary")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated principals")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: "bid.placed"}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Principals: []string{"alice"},
	}}

	// Event with non-map data should not crash
	event := &Event{
		Type: "bid.placed",
		Data: "string data not a map",
	}

	// Principal filter skips non-map data, so event passes through
	if !h.shouldSend(client, event) {
		t.Error("Non-map data should pass through when principal filter can't extract names")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{Type: "bid.placed", Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.BroadcastMarket("bid.placed", map[string]interface{}{
		"listingId": "lst_1", "bidder": "bob", "amount": "5.000000",
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants disputes
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []string{"dispute.opened"}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send a bid event (should be filtered out)
	h.Broadcast(&Event{Type: "bid.placed", Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive bid event")
	default:
		// Good - filtered out
	}

	// Send a dispute event (should be received)
	h.Broadcast(&Event{Type: "dispute.opened", Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive dispute event")
	}
}
