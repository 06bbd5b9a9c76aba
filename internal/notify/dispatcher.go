package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/driftlab/marketpulse/internal/bus"
	"github.com/driftlab/marketpulse/internal/model"
)

const (
	defaultAttempts   = 3
	defaultRetryDelay = 2 * time.Second
)

// Store is the persistence the dispatcher needs.
type Store interface {
	MarkNotified(ctx context.Context, alertID, listingID int64) error
}

// Publisher publishes pipeline events. Satisfied by *bus.Bus.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, v any) error
}

// Dispatcher consumes triggered alerts and delivers them through the sender
// registered for the alert's notification method. Every delivery attempt,
// successful or not, produces a receipt event.
type Dispatcher struct {
	senders    map[model.NotificationMethod]Sender
	store      Store
	pub        Publisher
	attempts   int
	retryDelay time.Duration
}

// NewDispatcher creates a Dispatcher with the given per-method senders.
func NewDispatcher(senders map[model.NotificationMethod]Sender, store Store, pub Publisher) *Dispatcher {
	return &Dispatcher{
		senders:    senders,
		store:      store,
		pub:        pub,
		attempts:   defaultAttempts,
		retryDelay: defaultRetryDelay,
	}
}

// Register subscribes the dispatcher to triggered alerts.
func (d *Dispatcher) Register(b *bus.Bus) error {
	return b.Subscribe(model.TopicAlertsTriggered, d.HandleAlert)
}

// HandleAlert is the bus handler for one triggered alert event.
func (d *Dispatcher) HandleAlert(ctx context.Context, key, value []byte) error {
	var ev model.AlertEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return fmt.Errorf("decode alert event: %w", err)
	}
	if ev.Kind != model.KindAlert {
		return fmt.Errorf("unexpected event kind %q on %s", ev.Kind, model.TopicAlertsTriggered)
	}
	return d.Dispatch(ctx, &ev)
}

// Dispatch delivers one alert with bounded retries and publishes the receipt.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *model.AlertEvent) error {
	sender, ok := d.senders[ev.Method]
	if !ok {
		log.Printf("notify: no sender for method %q, alert %d", ev.Method, ev.AlertID)
		return d.receipt(ctx, ev, fmt.Errorf("no sender for method %q", ev.Method))
	}

	var err error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		if err = sender.Send(ctx, ev); err == nil {
			break
		}
		log.Printf("notify: %s to %s failed (attempt %d/%d): %v", ev.Method, ev.Target, attempt, d.attempts, err)
		if attempt < d.attempts {
			select {
			case <-time.After(d.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if err == nil {
		if merr := d.store.MarkNotified(ctx, ev.AlertID, ev.ListingID); merr != nil {
			log.Printf("notify: mark notified alert=%d listing=%d failed: %v", ev.AlertID, ev.ListingID, merr)
		}
	}
	return d.receipt(ctx, ev, err)
}

// receipt publishes the delivery outcome on notifications.sent.
func (d *Dispatcher) receipt(ctx context.Context, ev *model.AlertEvent, sendErr error) error {
	rc := model.ReceiptEvent{
		Kind:      model.KindReceipt,
		AlertID:   ev.AlertID,
		ListingID: ev.ListingID,
		Method:    ev.Method,
		Target:    ev.Target,
		Delivered: sendErr == nil,
		SentAt:    time.Now().UTC(),
	}
	if sendErr != nil {
		rc.Error = sendErr.Error()
	}
	key := strconv.FormatInt(ev.AlertID, 10)
	if err := d.pub.Publish(ctx, model.TopicNotificationsSent, key, rc); err != nil {
		return fmt.Errorf("publish receipt: %w", err)
	}
	return nil
}
