package match

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

// Store is the persistence the matching service needs.
type Store interface {
	// GetActiveAlerts returns all alerts with is_active = true.
	GetActiveAlerts(ctx context.Context) ([]*model.Alert, error)
	// UpsertMatch records a match. Returns true when a new row was created,
	// false when the (alert, listing) pair was already recorded.
	UpsertMatch(ctx context.Context, m *model.MatchResult) (bool, error)
	// SetListingStatus advances a listing's status.
	SetListingStatus(ctx context.Context, listingID int64, status model.ListingStatus) error
	// TouchAlertMatched updates the alert's last matched timestamp.
	TouchAlertMatched(ctx context.Context, alertID int64, at time.Time) error
}

// Publisher publishes pipeline events. Satisfied by *bus.Bus.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, v any) error
}

// Service consumes processed listings, evaluates them against every active
// alert and publishes an alert event per fresh match. Re-delivered listings
// are harmless: the match upsert deduplicates, and already-recorded matches
// do not trigger another event.
type Service struct {
	store Store
	pub   Publisher
}

// NewService creates a matching service.
func NewService(store Store, pub Publisher) *Service {
	return &Service{store: store, pub: pub}
}

// Register subscribes the service to processed listings.
func (s *Service) Register(b *bus.Bus) error {
	return b.Subscribe(model.TopicListingsProcessed, s.HandleListing)
}

// HandleListing is the bus handler for one processed listing event.
func (s *Service) HandleListing(ctx context.Context, key, value []byte) error {
	var ev model.ListingEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return fmt.Errorf("decode listing event: %w", err)
	}
	if ev.Kind != model.KindListing {
		return fmt.Errorf("unexpected event kind %q on %s", ev.Kind, model.TopicListingsProcessed)
	}
	return s.Match(ctx, &ev.Listing)
}

// Match evaluates one listing against all active alerts.
func (s *Service) Match(ctx context.Context, l *model.Listing) error {
	alerts, err := s.store.GetActiveAlerts(ctx)
	if err != nil {
		return fmt.Errorf("load active alerts: %w", err)
	}

	matched := 0
	for _, d := range Evaluate(l, alerts) {
		if !d.Match {
			continue
		}
		fresh, err := s.record(ctx, l, d)
		if err != nil {
			return err
		}
		if fresh {
			matched++
		}
	}

	if matched > 0 {
		if err := s.store.SetListingStatus(ctx, l.ID, model.StatusMatched); err != nil {
			return fmt.Errorf("mark listing %d matched: %w", l.ID, err)
		}
		log.Printf("match: listing %s matched %d alert(s)", l.ListingID, matched)
	}
	return nil
}

// record persists the match and, if it is new, publishes the alert event.
// Returns whether the match was newly created.
func (s *Service) record(ctx context.Context, l *model.Listing, d Decision) (bool, error) {
	now := time.Now().UTC()
	created, err := s.store.UpsertMatch(ctx, &model.MatchResult{
		AlertID:   d.Alert.ID,
		ListingID: l.ID,
		MatchedAt: now,
		Criteria:  d.Matched,
	})
	if err != nil {
		return false, fmt.Errorf("record match alert=%d listing=%d: %w", d.Alert.ID, l.ID, err)
	}
	if !created {
		return false, nil
	}

	if err := s.store.TouchAlertMatched(ctx, d.Alert.ID, now); err != nil {
		log.Printf("match: touch alert %d failed: %v", d.Alert.ID, err)
	}

	ev := model.AlertEvent{
		Kind:      model.KindAlert,
		AlertID:   d.Alert.ID,
		ListingID: l.ID,
		UserID:    d.Alert.UserID,
		Criteria:  d.Matched,
		Method:    d.Alert.Method,
		Target:    d.Alert.Target,
		Listing: model.ListingSummary{
			ListingID: l.ListingID,
			Title:     l.Title,
			Price:     l.Price,
			Location:  l.Location,
			Category:  l.Category,
			URL:       l.URL,
		},
		MatchedAt: now,
	}
	key := strconv.FormatInt(d.Alert.ID, 10)
	if err := s.pub.Publish(ctx, model.TopicAlertsTriggered, key, ev); err != nil {
		return true, fmt.Errorf("publish alert event: %w", err)
	}
	return true, nil
}
