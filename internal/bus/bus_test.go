package bus

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"testing"
	"time"
)

type testEvent struct {
	ID    string  `json:"id"`
	Price float64 `json:"price"`
	Tags  []string `json:"tags"`
}

func startTestBus(t *testing.T, opts Options) (*Bus, *MemBroker) {
	t.Helper()
	broker := NewMemBroker()
	opts.PollTimeout = 50 * time.Millisecond
	b := New(broker, opts)
	t.Cleanup(func() { b.Stop() }) //nolint:errcheck
	return b, broker
}

func TestBus_RoundTrip(t *testing.T) {
	b, _ := startTestBus(t, Options{})

	received := make(chan testEvent, 1)
	err := b.Subscribe("listings.test", func(ctx context.Context, key, value []byte) error {
		var ev testEvent
		if err := json.Unmarshal(value, &ev); err != nil {
			return err
		}
		received <- ev
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := testEvent{ID: "L1", Price: 99.5, Tags: []string{"sofa", "leather"}}
	if err := b.Publish(context.Background(), "listings.test", "L1", want); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-received:
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler to observe the event")
	}
}

func TestBus_MultipleHandlersShareOneLoop(t *testing.T) {
	b, _ := startTestBus(t, Options{})

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		err := b.Subscribe("t", func(ctx context.Context, key, value []byte) error {
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := len(b.loops); got != 1 {
		t.Fatalf("expected one consumption loop, got %d", got)
	}

	if err := b.Publish(context.Background(), "t", "k", map[string]string{"a": "b"}); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("both handlers should have seen the message")
	}
}

func TestBus_MalformedPayloadCountedAndSkipped(t *testing.T) {
	b, broker := startTestBus(t, Options{})

	received := make(chan []byte, 1)
	err := b.Subscribe("t", func(ctx context.Context, key, value []byte) error {
		received <- value
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Inject a non-JSON payload directly through the broker.
	err = broker.Write(context.Background(), Message{Topic: "t", Key: []byte("k"), Value: []byte("not json{{")})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.Stats().DecodeErrors == 0 {
		if time.Now().After(deadline) {
			t.Fatal("decode error counter never incremented")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := b.Stats().DecodeErrors; got != 1 {
		t.Fatalf("expected exactly one decode error, got %d", got)
	}

	// The poison payload is parked on the dead-letter topic.
	dlq, err := broker.Consumer("t.dlq")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := dlq.Fetch(ctx)
	if err != nil {
		t.Fatalf("expected dead-lettered message: %v", err)
	}
	if string(msg.Value) != "not json{{" {
		t.Fatalf("unexpected DLQ payload: %q", msg.Value)
	}

	// A subsequent valid message is still delivered.
	if err := b.Publish(context.Background(), "t", "k", map[string]int{"n": 1}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("valid message after a poison one was not delivered")
	}
}

func TestBus_HandlerPanicDoesNotKillLoop(t *testing.T) {
	b, _ := startTestBus(t, Options{})

	received := make(chan struct{}, 2)
	err := b.Subscribe("t", func(ctx context.Context, key, value []byte) error {
		received <- struct{}{}
		if string(key) == "boom" {
			panic("handler blew up")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := b.Publish(context.Background(), "t", "boom", map[string]int{"n": 1}); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(context.Background(), "t", "ok", map[string]int{"n": 2}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d was not delivered", i+1)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.Stats().HandlerErrors == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler error counter never incremented")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBus_HealthTransitions(t *testing.T) {
	type transition struct {
		component string
		healthy   bool
	}
	transitions := make(chan transition, 8)

	broker := NewMemBroker()
	b := New(broker, Options{
		PollTimeout: 50 * time.Millisecond,
		Status: func(component string, healthy bool, detail string) {
			transitions <- transition{component, healthy}
		},
	})

	if err := b.Subscribe("t", func(ctx context.Context, key, value []byte) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case tr := <-transitions:
		if tr.component != "bus:t" || !tr.healthy {
			t.Fatalf("expected healthy bus:t on start, got %+v", tr)
		}
	case <-time.After(time.Second):
		t.Fatal("no health transition on loop start")
	}

	if err := b.Stop(); err != nil {
		t.Fatal(err)
	}

	select {
	case tr := <-transitions:
		if tr.component != "bus:t" || tr.healthy {
			t.Fatalf("expected unhealthy bus:t on stop, got %+v", tr)
		}
	case <-time.After(time.Second):
		t.Fatal("no health transition on loop stop")
	}
}

func TestBus_StopIsBounded(t *testing.T) {
	b, _ := startTestBus(t, Options{})
	if err := b.Subscribe("t", func(ctx context.Context, key, value []byte) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := b.Stop(); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("stop took too long: %v", elapsed)
	}
}
