package bus

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig holds configuration for the Kafka broker.
type KafkaConfig struct {
	Brokers       []string // list of broker addresses
	ConsumerGroup string   // consumer group ID
}

// KafkaBroker implements Broker using Apache Kafka via segmentio/kafka-go.
// One shared async producer handles all topics; consumers are created per
// topic loop.
type KafkaBroker struct {
	config KafkaConfig
	writer *kafka.Writer
}

// NewKafkaBroker creates a KafkaBroker. The shared writer is asynchronous:
// Write enqueues and returns, batches flush on a short timer, and delivery
// failures are reported through the completion callback. Call Close() to
// flush and stop the producer.
func NewKafkaBroker(config KafkaConfig) (*KafkaBroker, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker address is required")
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = "marketpulse"
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Balancer:     &kafka.Hash{}, // same key -> same partition
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  5,
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Printf("bus: async write of %d message(s) failed: %v", len(messages), err)
			}
		},
	}

	return &KafkaBroker{config: config, writer: writer}, nil
}

// Write enqueues messages on the shared async producer. It does not wait for
// broker acknowledgement; the writer retries internally with backoff.
func (b *KafkaBroker) Write(ctx context.Context, msgs ...Message) error {
	kmsgs := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		kmsgs[i] = kafka.Message{Topic: m.Topic, Key: m.Key, Value: m.Value}
	}
	if err := b.writer.WriteMessages(ctx, kmsgs...); err != nil {
		return fmt.Errorf("write to kafka: %w", err)
	}
	return nil
}

// Consumer creates a group reader for the given topic.
func (b *KafkaBroker) Consumer(topic string) (Consumer, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.config.Brokers,
		Topic:    topic,
		GroupID:  b.config.ConsumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  500 * time.Millisecond,
	})
	return &kafkaConsumer{topic: topic, reader: reader}, nil
}

// Close flushes and stops the shared producer. Consumers are closed by their
// owning topic loops.
func (b *KafkaBroker) Close() error {
	return b.writer.Close()
}

type kafkaConsumer struct {
	topic  string
	reader *kafka.Reader
}

func (c *kafkaConsumer) Fetch(ctx context.Context) (Message, error) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Topic: c.topic, Key: msg.Key, Value: msg.Value, raw: msg}, nil
}

func (c *kafkaConsumer) Commit(ctx context.Context, msg Message) error {
	kmsg, ok := msg.raw.(kafka.Message)
	if !ok {
		return fmt.Errorf("commit: message did not come from this consumer")
	}
	return c.reader.CommitMessages(ctx, kmsg)
}

func (c *kafkaConsumer) Close() error {
	return c.reader.Close()
}
