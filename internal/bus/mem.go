package bus

import (
	"context"
	"fmt"
	"sync"
)

const memBufferSize = 1024

// MemBroker is a simple, single-process Broker backed by Go channels. It is
// suitable for development, single-node deployments and tests.
//
// Every consumer of a topic acts as its own consumer group and receives a
// copy of each message. Messages written while a topic has no consumers are
// kept as a backlog and handed to the first consumer that appears.
type MemBroker struct {
	mu     sync.Mutex
	topics map[string]*memTopic
	closed bool
}

type memTopic struct {
	backlog []Message
	subs    map[*memConsumer]chan Message
}

// NewMemBroker creates a MemBroker.
func NewMemBroker() *MemBroker {
	return &MemBroker{topics: make(map[string]*memTopic)}
}

func (b *MemBroker) topic(name string) *memTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memTopic{subs: make(map[*memConsumer]chan Message)}
		b.topics[name] = t
	}
	return t
}

// Write delivers messages to every consumer of their topic, or parks them on
// the backlog when nobody is consuming yet.
func (b *MemBroker) Write(ctx context.Context, msgs ...Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("broker is closed")
	}
	var pending []chan Message
	for _, m := range msgs {
		t := b.topic(m.Topic)
		if len(t.subs) == 0 {
			t.backlog = append(t.backlog, m)
			continue
		}
		for _, ch := range t.subs {
			pending = append(pending, ch)
		}
		b.mu.Unlock()
		for _, ch := range pending {
			select {
			case ch <- m:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		pending = pending[:0]
		b.mu.Lock()
	}
	b.mu.Unlock()
	return nil
}

// Consumer returns a new consumer receiving its own copy of every message on
// the topic, starting with any backlog.
func (b *MemBroker) Consumer(topic string) (Consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("broker is closed")
	}
	t := b.topic(topic)
	// Sized to take the whole backlog without blocking; the handover happens
	// under the broker lock.
	ch := make(chan Message, len(t.backlog)+memBufferSize)
	for _, m := range t.backlog {
		ch <- m
	}
	t.backlog = nil
	c := &memConsumer{broker: b, topic: t, ch: ch}
	t.subs[c] = ch
	return c, nil
}

// Close marks the broker closed. Consumer channels are left to drain
// naturally.
func (b *MemBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type memConsumer struct {
	broker *MemBroker
	topic  *memTopic
	ch     chan Message
}

func (c *memConsumer) Fetch(ctx context.Context) (Message, error) {
	select {
	case msg := <-c.ch:
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *memConsumer) Commit(ctx context.Context, msg Message) error { return nil }

func (c *memConsumer) Close() error {
	c.broker.mu.Lock()
	delete(c.topic.subs, c)
	c.broker.mu.Unlock()
	return nil
}
