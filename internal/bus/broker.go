package bus

import "context"

// Message is a raw broker message. Key carries an entity id for partition
// affinity; Value is the UTF-8 JSON payload.
type Message struct {
	Topic string
	Key   []byte
	Value []byte

	// raw holds the transport's native message so the consumer can commit
	// the right offset. Opaque outside this package.
	raw any
}

// Broker is the transport under the event bus. Implementations include
// MemBroker (single-node, tests) and KafkaBroker (distributed setups).
type Broker interface {
	// Write appends messages to their topics with at-least-once semantics.
	// Implementations retry transient failures with backoff.
	Write(ctx context.Context, msgs ...Message) error

	// Consumer creates a group consumer for the given topic. Each bus topic
	// loop owns exactly one consumer.
	Consumer(topic string) (Consumer, error)

	// Close releases connections and goroutines. After Close returns, Write
	// and Consumer must not be called.
	Close() error
}

// Consumer reads one topic. Offsets are committed explicitly so the bus
// controls the at-least-once window.
type Consumer interface {
	// Fetch blocks until a message is available or ctx is done.
	Fetch(ctx context.Context) (Message, error)

	// Commit marks msg consumed.
	Commit(ctx context.Context, msg Message) error

	Close() error
}
