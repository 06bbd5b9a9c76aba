package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/driftlab/marketpulse/internal/bus"
	"github.com/driftlab/marketpulse/internal/model"
)

func startBroadcaster(t *testing.T) (*Broadcaster, *bus.MemBroker) {
	t.Helper()
	broker := bus.NewMemBroker()
	b := New(broker, []string{model.TopicListingsProcessed, model.TopicAlertsTriggered})
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-b.done
	})
	return b, broker
}

func testConn(b *Broadcaster, id, category string) *Conn {
	return &Conn{id: id, category: category, send: make(chan []byte, 8), done: make(chan struct{}), b: b}
}

func publishListing(t *testing.T, broker *bus.MemBroker, category string) {
	t.Helper()
	ev := model.NewListingEvent(model.Listing{ListingID: "ext-1", Title: "Oak table", Category: category})
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	err = broker.Write(context.Background(), bus.Message{Topic: model.TopicListingsProcessed, Value: raw})
	if err != nil {
		t.Fatal(err)
	}
}

func expectFrame(t *testing.T, c *Conn) []byte {
	t.Helper()
	select {
	case data := <-c.send:
		return data
	case <-time.After(2 * time.Second):
		t.Fatalf("connection %s received nothing", c.id)
		return nil
	}
}

func expectSilence(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("connection %s unexpectedly received %s", c.id, data)
	case <-time.After(200 * time.Millisecond):
	}
}

func waitForStatus(t *testing.T, b *Broadcaster, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if st := b.Status(); st.Status == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("broadcaster never became %s", want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBroadcaster_CategoryIsolation(t *testing.T) {
	b, broker := startBroadcaster(t)

	furniture := testConn(b, "c1", "furniture")
	electronics := testConn(b, "c2", "electronics")
	everything := testConn(b, "c3", CategoryAll)
	b.Register(furniture)
	b.Register(electronics)
	b.Register(everything)
	waitForStatus(t, b, "active")

	publishListing(t, broker, "furniture")

	var ev model.ListingEvent
	if err := json.Unmarshal(expectFrame(t, furniture), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Listing.Category != "furniture" {
		t.Fatalf("wrong event delivered: %+v", ev)
	}
	expectFrame(t, everything)
	expectSilence(t, electronics)
	// Exactly one copy for the "all" subscriber.
	expectSilence(t, everything)
}

func TestBroadcaster_UncategorizedGoesToAllOnce(t *testing.T) {
	b, broker := startBroadcaster(t)

	everything := testConn(b, "c1", CategoryAll)
	b.Register(everything)
	waitForStatus(t, b, "active")

	publishListing(t, broker, "")

	expectFrame(t, everything)
	expectSilence(t, everything)
}

func TestBroadcaster_AlertEventsReachOnlyTheirOwner(t *testing.T) {
	b, broker := startBroadcaster(t)

	mine := testConn(b, "c1", "alerts:u1")
	theirs := testConn(b, "c2", "alerts:u2")
	b.Register(mine)
	b.Register(theirs)
	waitForStatus(t, b, "active")

	raw, _ := json.Marshal(model.AlertEvent{Kind: model.KindAlert, AlertID: 1, UserID: "u1"})
	err := broker.Write(context.Background(), bus.Message{Topic: model.TopicAlertsTriggered, Value: raw})
	if err != nil {
		t.Fatal(err)
	}

	expectFrame(t, mine)
	expectSilence(t, theirs)
}

func TestBroadcaster_LazyStartStop(t *testing.T) {
	b, _ := startBroadcaster(t)

	st := b.Status()
	if st.Status != "inactive" || st.Connections != 0 {
		t.Fatalf("expected idle broadcaster, got %+v", st)
	}
	if st.Categories == nil {
		t.Fatal("categories should be an empty list, not nil")
	}

	c := testConn(b, "c1", "furniture")
	b.Register(c)
	waitForStatus(t, b, "active")

	b.Unregister(c)
	waitForStatus(t, b, "inactive")
	if st := b.Status(); st.Connections != 0 {
		t.Fatalf("connections = %d after last unregister", st.Connections)
	}
}

func TestBroadcaster_FilterMovesConnection(t *testing.T) {
	b, broker := startBroadcaster(t)

	c := testConn(b, "c1", "furniture")
	b.Register(c)
	waitForStatus(t, b, "active")

	b.move <- moveReq{conn: c, to: "electronics"}

	deadline := time.Now().Add(2 * time.Second)
	for {
		st := b.Status()
		if len(st.Categories) == 1 && st.Categories[0] == "electronics" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("connection never moved, categories %v", st.Categories)
		}
		time.Sleep(10 * time.Millisecond)
	}

	publishListing(t, broker, "electronics")
	expectFrame(t, c)
	publishListing(t, broker, "furniture")
	expectSilence(t, c)
}

func TestBroadcaster_SlowConnectionDropped(t *testing.T) {
	b, broker := startBroadcaster(t)

	slow := &Conn{id: "slow", category: "furniture", send: make(chan []byte), done: make(chan struct{}), b: b}
	b.Register(slow)
	waitForStatus(t, b, "active")

	publishListing(t, broker, "furniture")

	deadline := time.Now().Add(2 * time.Second)
	for b.Status().Connections != 0 {
		if time.Now().After(deadline) {
			t.Fatal("slow connection was never dropped")
		}
		time.Sleep(10 * time.Millisecond)
	}
	// The broadcaster also went idle again.
	waitForStatus(t, b, "inactive")
}

func TestBroadcaster_CloseAll(t *testing.T) {
	b, _ := startBroadcaster(t)

	c1 := testConn(b, "c1", "furniture")
	c2 := testConn(b, "c2", CategoryAll)
	b.Register(c1)
	b.Register(c2)
	waitForStatus(t, b, "active")

	b.CloseAll()

	st := b.Status()
	if st.Connections != 0 || len(st.Categories) != 0 || st.Status != "inactive" {
		t.Fatalf("expected empty broadcaster, got %+v", st)
	}
	select {
	case <-c1.done:
	default:
		t.Fatal("connection should have been signalled done")
	}
}

func TestBroadcaster_ReplyAfterTeardownDoesNotPanic(t *testing.T) {
	b, _ := startBroadcaster(t)

	c := testConn(b, "c1", "furniture")
	b.Register(c)
	waitForStatus(t, b, "active")

	b.CloseAll()

	// The read pump may still be handling a client command when the
	// broadcaster tears the connection down; enqueuing the reply must be
	// safe, not a send on a closed channel.
	c.reply(map[string]string{"type": "pong"})
	c.reply(map[string]string{"type": "info"})

	if st := b.Status(); st.Connections != 0 {
		t.Fatalf("connections = %d after teardown", st.Connections)
	}
}

func TestRouteEvent_ReceiptsAreNotBroadcast(t *testing.T) {
	raw, _ := json.Marshal(model.ReceiptEvent{Kind: model.KindReceipt})
	if _, _, ok := routeEvent(raw); ok {
		t.Fatal("receipt events must not be broadcast")
	}
	if _, _, ok := routeEvent([]byte("not json")); ok {
		t.Fatal("undecodable payloads must be dropped")
	}
}
