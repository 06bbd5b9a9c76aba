package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultWorkers     = 10
	defaultQueueSize   = 256
	defaultPollTimeout = 1 * time.Second
	stopTimeout        = 10 * time.Second
)

// StatusFunc is called on meaningful health transitions (loop started,
// broker error, loop stopped) so an external health endpoint can reflect bus
// status without polling internals.
type StatusFunc func(component string, healthy bool, detail string)

// Handler processes one message. Key and value are the raw bytes; value is
// guaranteed to be valid JSON. Handlers run concurrently on the shared worker
// pool and must not assume ordering relative to other messages on the same
// topic: ordering is preserved only up to submission to the pool.
type Handler func(ctx context.Context, key, value []byte) error

// Options configures a Bus. Zero values get sensible defaults.
type Options struct {
	Workers     int           // dispatch pool size
	QueueSize   int           // dispatch queue bound; the single backpressure point
	PollTimeout time.Duration // per-poll timeout so shutdown stays responsive
	Status      StatusFunc    // optional health callback
}

type task struct {
	msg      Message
	handlers []Handler
}

// Bus is a topic-based publish/subscribe layer over a Broker. Each subscribed
// topic gets one consumption loop; handler execution is offloaded to a shared
// bounded worker pool so slow handlers never stall message receipt.
//
// Delivery is at-least-once: offsets are committed explicitly after a message
// has been handed to the dispatch pool, uniformly for every topic. Payloads
// that are not valid JSON are counted, parked on "<topic>.dlq" and skipped.
type Bus struct {
	broker      Broker
	status      StatusFunc
	workers     int
	pollTimeout time.Duration

	mu       sync.Mutex
	handlers map[string][]Handler
	loops    map[string]bool
	started  bool
	stopped  bool

	queue    chan task
	loopWG   sync.WaitGroup
	workerWG sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc

	decodeErrors  atomic.Uint64
	handlerErrors atomic.Uint64
	deadLettered  atomic.Uint64
}

// Stats are the bus error counters.
type Stats struct {
	DecodeErrors  uint64 `json:"decode_errors"`
	HandlerErrors uint64 `json:"handler_errors"`
	DeadLettered  uint64 `json:"dead_lettered"`
}

// New creates a Bus on top of broker. Call Start to begin consuming.
func New(broker Broker, opts Options) *Bus {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = defaultPollTimeout
	}
	return &Bus{
		broker:      broker,
		status:      opts.Status,
		workers:     opts.Workers,
		pollTimeout: opts.PollTimeout,
		handlers:    make(map[string][]Handler),
		loops:       make(map[string]bool),
		queue:       make(chan task, opts.QueueSize),
	}
}

// Publish serializes v to JSON and sends it to topic with key for partition
// affinity. The underlying writer is asynchronous, so this does not block on
// subscriber processing or broker acknowledgement.
func (b *Bus) Publish(ctx context.Context, topic, key string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}
	if err := b.broker.Write(ctx, Message{Topic: topic, Key: []byte(key), Value: value}); err != nil {
		b.report("bus:producer", false, err.Error())
		return err
	}
	return nil
}

// Subscribe registers a handler for topic. Multiple handlers may share one
// topic and its single consumption loop. If the bus is already running and no
// loop exists for the topic, one is started.
func (b *Bus) Subscribe(topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return fmt.Errorf("bus is stopped")
	}
	b.handlers[topic] = append(b.handlers[topic], handler)
	if b.started && !b.loops[topic] {
		return b.startLoopLocked(topic)
	}
	return nil
}

// Start spins up the worker pool and one consumption loop per subscribed
// topic. The provided context bounds the lifetime of all loops.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return fmt.Errorf("bus already started")
	}
	if b.stopped {
		return fmt.Errorf("bus is stopped")
	}
	b.started = true
	b.ctx, b.cancel = context.WithCancel(ctx)

	for i := 0; i < b.workers; i++ {
		b.workerWG.Add(1)
		go b.worker()
	}

	for topic := range b.handlers {
		if err := b.startLoopLocked(topic); err != nil {
			return err
		}
	}
	return nil
}

// startLoopLocked starts the consumption loop for topic. Caller holds b.mu.
func (b *Bus) startLoopLocked(topic string) error {
	consumer, err := b.broker.Consumer(topic)
	if err != nil {
		b.report("bus:"+topic, false, "consumer setup failed: "+err.Error())
		return fmt.Errorf("create consumer for %s: %w", topic, err)
	}
	b.loops[topic] = true
	b.loopWG.Add(1)
	go b.consumeLoop(topic, consumer)
	log.Printf("bus: started consumer loop for %s", topic)
	return nil
}

// Stop signals all loops to exit, joins them within a bounded timeout, drains
// the dispatch pool and closes the broker.
func (b *Bus) Stop() error {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.stopped = true
		b.mu.Unlock()
		return b.broker.Close()
	}
	b.stopped = true
	b.mu.Unlock()

	b.cancel()

	done := make(chan struct{})
	go func() {
		b.loopWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		log.Printf("bus: timed out waiting for consumer loops to stop")
	}

	b.workerWG.Wait()
	return b.broker.Close()
}

// Stats returns the current error counters.
func (b *Bus) Stats() Stats {
	return Stats{
		DecodeErrors:  b.decodeErrors.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		DeadLettered:  b.deadLettered.Load(),
	}
}

func (b *Bus) handlersFor(topic string) []Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	hs := b.handlers[topic]
	out := make([]Handler, len(hs))
	copy(out, hs)
	return out
}

func (b *Bus) report(component string, healthy bool, detail string) {
	if b.status != nil {
		b.status(component, healthy, detail)
	}
}

// consumeLoop polls one topic. A short poll timeout keeps shutdown
// responsive; decode failures and broker errors never terminate the loop.
func (b *Bus) consumeLoop(topic string, consumer Consumer) {
	defer b.loopWG.Done()
	defer consumer.Close() //nolint:errcheck

	component := "bus:" + topic
	b.report(component, true, "consuming")
	healthy := true

	for {
		pollCtx, cancel := context.WithTimeout(b.ctx, b.pollTimeout)
		msg, err := consumer.Fetch(pollCtx)
		cancel()

		if err != nil {
			if b.ctx.Err() != nil {
				b.report(component, false, "stopped")
				log.Printf("bus: consumer loop for %s exiting", topic)
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				// Empty poll.
				continue
			}
			if healthy {
				healthy = false
				b.report(component, false, "broker error: "+err.Error())
			}
			log.Printf("bus: consumer error on %s: %v", topic, err)
			time.Sleep(time.Second)
			continue
		}
		if !healthy {
			healthy = true
			b.report(component, true, "recovered")
		}

		if !json.Valid(msg.Value) {
			b.decodeErrors.Add(1)
			log.Printf("bus: dropping malformed payload on %s", topic)
			b.deadLetter(msg)
			// Park the poison message and move on; redelivering it would
			// just fail again.
			if err := consumer.Commit(b.ctx, msg); err != nil && b.ctx.Err() == nil {
				log.Printf("bus: commit on %s failed: %v", topic, err)
			}
			continue
		}

		t := task{msg: msg, handlers: b.handlersFor(topic)}
		select {
		case b.queue <- t:
		case <-b.ctx.Done():
			b.report(component, false, "stopped")
			return
		}

		// At-least-once: commit only after the message is in the dispatch
		// queue.
		if err := consumer.Commit(b.ctx, msg); err != nil && b.ctx.Err() == nil {
			log.Printf("bus: commit on %s failed: %v", topic, err)
		}
	}
}

// deadLetter forwards an undecodable payload to the topic's dead-letter
// topic so it can be inspected instead of silently dropped.
func (b *Bus) deadLetter(msg Message) {
	dlq := msg.Topic + ".dlq"
	if err := b.broker.Write(b.ctx, Message{Topic: dlq, Key: msg.Key, Value: msg.Value}); err != nil {
		log.Printf("bus: dead-letter write to %s failed: %v", dlq, err)
		return
	}
	b.deadLettered.Add(1)
}

// worker executes handler dispatch. A handler error or panic is logged and
// counted, never propagated to the consumption loops.
func (b *Bus) worker() {
	defer b.workerWG.Done()
	for {
		select {
		case t := <-b.queue:
			b.run(t)
		case <-b.ctx.Done():
			// Drain whatever is already queued before exiting.
			for {
				select {
				case t := <-b.queue:
					b.run(t)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) run(t task) {
	for _, h := range t.handlers {
		b.invoke(t.msg, h)
	}
}

func (b *Bus) invoke(msg Message, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerErrors.Add(1)
			log.Printf("bus: handler panic on %s: %v", msg.Topic, r)
		}
	}()
	if err := h(b.ctx, msg.Key, msg.Value); err != nil {
		b.handlerErrors.Add(1)
		log.Printf("bus: handler error on %s: %v", msg.Topic, err)
	}
}
