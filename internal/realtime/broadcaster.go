package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftlab/marketpulse/internal/bus"
	"github.com/driftlab/marketpulse/internal/model"
)

// CategoryAll is the reserved category receiving every broadcast.
const CategoryAll = "all"

const broadcastPollTimeout = time.Second

// Status is a snapshot of the broadcaster for the status endpoint.
type Status struct {
	Connections int      `json:"connections"`
	Categories  []string `json:"categories"`
	Status      string   `json:"status"` // "active" while consuming, else "inactive"
}

type broadcastMsg struct {
	category string
	data     []byte
}

type moveReq struct {
	conn *Conn
	to   string
}

// Broadcaster fans out pipeline events to WebSocket connections grouped by
// category. A single event loop owns the category registry and the lifecycle
// of the broker subscription: consumption starts when the first connection
// registers and stops when the last one leaves, so an idle process holds no
// consumer.
type Broadcaster struct {
	broker bus.Broker
	topics []string

	register   chan *Conn
	unregister chan *Conn
	move       chan moveReq
	broadcast  chan broadcastMsg
	statusReq  chan chan Status
	closeAll   chan chan struct{}
	done       chan struct{}

	// Owned by the event loop.
	registry map[string]map[*Conn]bool
	total    int

	consumeCancel context.CancelFunc
	consumeDone   chan struct{}
}

// New creates a Broadcaster consuming the given topics once connections
// exist. Call Run in a goroutine.
func New(broker bus.Broker, topics []string) *Broadcaster {
	return &Broadcaster{
		broker:     broker,
		topics:     topics,
		register:   make(chan *Conn, 16),
		unregister: make(chan *Conn, 16),
		move:       make(chan moveReq, 16),
		broadcast:  make(chan broadcastMsg, 256),
		statusReq:  make(chan chan Status),
		closeAll:   make(chan chan struct{}),
		done:       make(chan struct{}),
		registry:   make(map[string]map[*Conn]bool),
	}
}

// Run is the broadcaster's event loop. All registry mutations and all
// start/stop decisions for the broker subscription happen here, so there is
// no race between a first connection arriving and a last one leaving.
func (b *Broadcaster) Run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case c := <-b.register:
			b.add(ctx, c)

		case c := <-b.unregister:
			b.remove(c)

		case req := <-b.move:
			b.moveConn(req.conn, req.to)

		case msg := <-b.broadcast:
			b.deliver(msg)

		case reply := <-b.statusReq:
			reply <- b.snapshot()

		case reply := <-b.closeAll:
			b.shutdown()
			reply <- struct{}{}

		case <-ctx.Done():
			b.shutdown()
			return
		}
	}
}

// Register hands a new connection to the event loop.
func (b *Broadcaster) Register(c *Conn) {
	select {
	case b.register <- c:
	case <-b.done:
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

// Unregister removes a connection. Safe to call more than once.
func (b *Broadcaster) Unregister(c *Conn) {
	select {
	case b.unregister <- c:
	case <-b.done:
	}
}

// Status returns a snapshot of the broadcaster.
func (b *Broadcaster) Status() Status {
	reply := make(chan Status, 1)
	select {
	case b.statusReq <- reply:
		return <-reply
	case <-b.done:
		return Status{Status: "inactive"}
	}
}

// CloseAll closes every connection with a normal closure, clears the registry
// and stops the broker subscription. The broadcaster keeps running and will
// resume consuming when a new connection arrives.
func (b *Broadcaster) CloseAll() {
	reply := make(chan struct{}, 1)
	select {
	case b.closeAll <- reply:
		<-reply
	case <-b.done:
	}
}

func (b *Broadcaster) add(ctx context.Context, c *Conn) {
	conns, ok := b.registry[c.category]
	if !ok {
		conns = make(map[*Conn]bool)
		b.registry[c.category] = conns
	}
	conns[c] = true
	b.total++
	log.Printf("ws: connection %s joined %q (%d total)", c.id, c.category, b.total)

	if b.total == 1 && b.consumeCancel == nil {
		b.startConsuming(ctx)
	}
}

func (b *Broadcaster) remove(c *Conn) {
	conns, ok := b.registry[c.category]
	if !ok || !conns[c] {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(b.registry, c.category)
	}
	close(c.done)
	b.total--
	log.Printf("ws: connection %s left %q (%d total)", c.id, c.category, b.total)

	if b.total == 0 {
		b.stopConsuming()
	}
}

func (b *Broadcaster) moveConn(c *Conn, to string) {
	conns, ok := b.registry[c.category]
	if !ok || !conns[c] {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(b.registry, c.category)
	}
	c.category = to
	dst, ok := b.registry[to]
	if !ok {
		dst = make(map[*Conn]bool)
		b.registry[to] = dst
	}
	dst[c] = true
}

// deliver sends to the message's category, then once to "all" when the
// category differs. Connections whose buffers are full are swept afterwards.
func (b *Broadcaster) deliver(msg broadcastMsg) {
	var failed []*Conn
	send := func(conns map[*Conn]bool) {
		for c := range conns {
			select {
			case c.send <- msg.data:
			default:
				failed = append(failed, c)
			}
		}
	}
	send(b.registry[msg.category])
	if msg.category != CategoryAll {
		send(b.registry[CategoryAll])
	}
	for _, c := range failed {
		log.Printf("ws: connection %s too slow, dropping", c.id)
		b.remove(c)
	}
}

func (b *Broadcaster) snapshot() Status {
	st := Status{Connections: b.total, Categories: []string{}, Status: "inactive"}
	if b.consumeCancel != nil {
		st.Status = "active"
	}
	for cat := range b.registry {
		st.Categories = append(st.Categories, cat)
	}
	return st
}

func (b *Broadcaster) shutdown() {
	b.stopConsuming()
	for _, conns := range b.registry {
		for c := range conns {
			if c.conn != nil {
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server closing"),
					time.Now().Add(time.Second)) //nolint:errcheck
			}
			close(c.done)
			if c.conn != nil {
				c.conn.Close()
			}
			b.total--
		}
	}
	b.registry = make(map[string]map[*Conn]bool)
}

// startConsuming launches one consume goroutine per topic. Called only from
// the event loop.
func (b *Broadcaster) startConsuming(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	b.consumeCancel = cancel
	done := make(chan struct{})
	b.consumeDone = done

	go func() {
		defer close(done)
		var topicDone []chan struct{}
		for _, topic := range b.topics {
			td := make(chan struct{})
			topicDone = append(topicDone, td)
			go b.consumeTopic(ctx, topic, td)
		}
		for _, td := range topicDone {
			<-td
		}
	}()
	log.Printf("ws: broadcast consumption started")
}

// stopConsuming cancels the consume goroutines and waits for them. Called
// only from the event loop.
func (b *Broadcaster) stopConsuming() {
	if b.consumeCancel == nil {
		return
	}
	b.consumeCancel()
	<-b.consumeDone
	b.consumeCancel = nil
	b.consumeDone = nil
	log.Printf("ws: broadcast consumption stopped")
}

func (b *Broadcaster) consumeTopic(ctx context.Context, topic string, done chan struct{}) {
	defer close(done)

	consumer, err := b.broker.Consumer(topic)
	if err != nil {
		log.Printf("ws: consumer for %s failed: %v", topic, err)
		return
	}
	defer consumer.Close() //nolint:errcheck

	for {
		pollCtx, cancel := context.WithTimeout(ctx, broadcastPollTimeout)
		msg, err := consumer.Fetch(pollCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			log.Printf("ws: fetch on %s failed: %v", topic, err)
			time.Sleep(time.Second)
			continue
		}
		if err := consumer.Commit(ctx, msg); err != nil && ctx.Err() == nil {
			log.Printf("ws: commit on %s failed: %v", topic, err)
		}

		category, data, ok := routeEvent(msg.Value)
		if !ok {
			continue
		}
		select {
		case b.broadcast <- broadcastMsg{category: category, data: data}:
		case <-ctx.Done():
			return
		}
	}
}

// routeEvent picks the target category from the event's kind tag: listing
// events go to their category (or "all" when it is empty), alert events go to
// the owner's private alerts channel. Receipts are not broadcast.
func routeEvent(value []byte) (string, []byte, bool) {
	var env model.Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		log.Printf("ws: dropping undecodable event: %v", err)
		return "", nil, false
	}
	switch env.Kind {
	case model.KindListing:
		var ev model.ListingEvent
		if err := json.Unmarshal(value, &ev); err != nil {
			return "", nil, false
		}
		category := ev.Listing.Category
		if category == "" {
			category = CategoryAll
		}
		return category, value, true
	case model.KindAlert:
		var ev model.AlertEvent
		if err := json.Unmarshal(value, &ev); err != nil {
			return "", nil, false
		}
		return "alerts:" + ev.UserID, value, true
	default:
		return "", nil, false
	}
}
