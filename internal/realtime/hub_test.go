package realtime

import (
	"log/slog"
	"testing"
	"time"

	"github.com/mezatlabs/settlement/internal/escrow"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func testEvent(eventType string, e *escrow.Escrow) *Event {
	return &Event{Type: eventType, Timestamp: time.Now(), Data: e}
}

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := testEvent(EventEscrowHeld, &escrow.Escrow{})
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []string{EventEscrowReleased, EventEscrowRefunded},
	}}

	released := testEvent(EventEscrowReleased, &escrow.Escrow{})
	refunded := testEvent(EventEscrowRefunded, &escrow.Escrow{})
	held := testEvent(EventEscrowHeld, &escrow.Escrow{})

	if !h.shouldSend(client, released) {
		t.Error("Should receive escrow.released events")
	}
	if !h.shouldSend(client, refunded) {
		t.Error("Should receive escrow.refunded events")
	}
	if h.shouldSend(client, held) {
		t.Error("Should NOT receive escrow.held events")
	}
}

func TestShouldSend_UserFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		UserIDs: []string{"alice"},
	}}

	asBuyer := testEvent(EventEscrowHeld, &escrow.Escrow{BuyerUserID: "alice", SellerUserID: "bob"})
	asSeller := testEvent(EventEscrowReleased, &escrow.Escrow{BuyerUserID: "carol", SellerUserID: "alice"})
	unrelated := testEvent(EventEscrowHeld, &escrow.Escrow{BuyerUserID: "carol", SellerUserID: "bob"})

	if !h.shouldSend(client, asBuyer) {
		t.Error("Should match when the user is the buyer")
	}
	if !h.shouldSend(client, asSeller) {
		t.Error("Should match when the user is the seller")
	}
	if h.shouldSend(client, unrelated) {
		t.Error("Should NOT match unrelated escrows")
	}
}

func TestShouldSend_AuctionFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		AuctionIDs: []string{"auc_watched"},
	}}

	watched := testEvent(EventEscrowHeld, &escrow.Escrow{AuctionID: "auc_watched"})
	other := testEvent(EventEscrowHeld, &escrow.Escrow{AuctionID: "auc_other"})

	if !h.shouldSend(client, watched) {
		t.Error("Should match the watched auction")
	}
	if h.shouldSend(client, other) {
		t.Error("Should NOT match other auctions")
	}
}

func TestShouldSend_MinAmountFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		MinAmount: "100.00",
	}}

	large := testEvent(EventEscrowHeld, &escrow.Escrow{Amount: "150.00"})
	exact := testEvent(EventEscrowHeld, &escrow.Escrow{Amount: "100.00"})
	small := testEvent(EventEscrowHeld, &escrow.Escrow{Amount: "99.99"})

	if !h.shouldSend(client, large) {
		t.Error("Should receive escrows above the minimum")
	}
	if !h.shouldSend(client, exact) {
		t.Error("Should receive escrows at the minimum")
	}
	if h.shouldSend(client, small) {
		t.Error("Should NOT receive escrows below the minimum")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{}}

	// No filters set means everything passes.
	event := testEvent(EventEscrowHeld, &escrow.Escrow{Amount: "5.00"})
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription should receive all events")
	}
}

func TestPublish_BroadcastsToSubscribers(t *testing.T) {
	h := testHub()

	h.Publish(EventEscrowReleased, &escrow.Escrow{ID: "esc_1", Amount: "50.00"})

	select {
	case event := <-h.broadcast:
		if event.Type != EventEscrowReleased {
			t.Errorf("expected %s, got %s", EventEscrowReleased, event.Type)
		}
		e, ok := event.Data.(*escrow.Escrow)
		if !ok || e.ID != "esc_1" {
			t.Error("expected escrow payload to pass through")
		}
	default:
		t.Fatal("expected event on broadcast channel")
	}
}

func TestBroadcast_DropsWhenFull(t *testing.T) {
	h := testHub()

	// Fill the buffered channel; the overflow event must not block.
	for i := 0; i < cap(h.broadcast)+10; i++ {
		h.Broadcast(testEvent(EventEscrowHeld, &escrow.Escrow{}))
	}
	if len(h.broadcast) != cap(h.broadcast) {
		t.Errorf("expected full channel, got %d/%d", len(h.broadcast), cap(h.broadcast))
	}
}
