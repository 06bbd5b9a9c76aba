package match

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/driftlab/marketpulse/internal/model"
)

type fakeStore struct {
	alerts   []*model.Alert
	matches  map[[2]int64]*model.MatchResult
	statuses map[int64]model.ListingStatus
	touched  map[int64]time.Time
}

func newFakeStore(alerts ...*model.Alert) *fakeStore {
	return &fakeStore{
		alerts:   alerts,
		matches:  make(map[[2]int64]*model.MatchResult),
		statuses: make(map[int64]model.ListingStatus),
		touched:  make(map[int64]time.Time),
	}
}

func (s *fakeStore) GetActiveAlerts(ctx context.Context) ([]*model.Alert, error) {
	return s.alerts, nil
}

func (s *fakeStore) UpsertMatch(ctx context.Context, m *model.MatchResult) (bool, error) {
	k := [2]int64{m.AlertID, m.ListingID}
	if _, ok := s.matches[k]; ok {
		return false, nil
	}
	s.matches[k] = m
	return true, nil
}

func (s *fakeStore) SetListingStatus(ctx context.Context, listingID int64, status model.ListingStatus) error {
	s.statuses[listingID] = status
	return nil
}

func (s *fakeStore) TouchAlertMatched(ctx context.Context, alertID int64, at time.Time) error {
	s.touched[alertID] = at
	return nil
}

type fakePublisher struct {
	events []model.AlertEvent
}

func (p *fakePublisher) Publish(ctx context.Context, topic, key string, v any) error {
	if topic != model.TopicAlertsTriggered {
		return nil
	}
	// Round-trip through JSON the way the bus would.
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var ev model.AlertEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return err
	}
	p.events = append(p.events, ev)
	return nil
}

func TestService_MatchPublishesAlertEvent(t *testing.T) {
	alert := &model.Alert{
		ID:       7,
		UserID:   "u1",
		Category: "furniture",
		Method:   model.NotifyEmail,
		Target:   "u1@example.com",
		IsActive: true,
	}
	store := newFakeStore(alert)
	pub := &fakePublisher{}
	svc := NewService(store, pub)

	listing := &model.Listing{
		ID:        42,
		ListingID: "ext-42",
		Title:     "Oak table",
		Price:     floatPtr(300),
		Category:  "Furniture",
		Status:    model.StatusProcessed,
	}
	if err := svc.Match(context.Background(), listing); err != nil {
		t.Fatal(err)
	}

	if len(pub.events) != 1 {
		t.Fatalf("expected 1 alert event, got %d", len(pub.events))
	}
	ev := pub.events[0]
	if ev.Kind != model.KindAlert {
		t.Fatalf("event kind = %q, want %q", ev.Kind, model.KindAlert)
	}
	if ev.AlertID != 7 || ev.ListingID != 42 || ev.UserID != "u1" {
		t.Fatalf("event ids wrong: %+v", ev)
	}
	if ev.Listing.ListingID != "ext-42" || ev.Listing.Title != "Oak table" {
		t.Fatalf("listing summary wrong: %+v", ev.Listing)
	}
	if store.statuses[42] != model.StatusMatched {
		t.Fatalf("listing status = %q, want matched", store.statuses[42])
	}
	if _, ok := store.touched[7]; !ok {
		t.Fatal("alert last matched timestamp was not touched")
	}
}

func TestService_RedeliveryDoesNotDuplicate(t *testing.T) {
	alert := &model.Alert{ID: 1, UserID: "u1", Category: "furniture", IsActive: true}
	store := newFakeStore(alert)
	pub := &fakePublisher{}
	svc := NewService(store, pub)

	listing := &model.Listing{ID: 5, ListingID: "ext-5", Title: "Sofa", Category: "furniture"}
	for i := 0; i < 3; i++ {
		if err := svc.Match(context.Background(), listing); err != nil {
			t.Fatal(err)
		}
	}

	if len(store.matches) != 1 {
		t.Fatalf("expected 1 stored match, got %d", len(store.matches))
	}
	if len(pub.events) != 1 {
		t.Fatalf("redelivery published %d events, want 1", len(pub.events))
	}
}

func TestService_NoMatchLeavesStatusAlone(t *testing.T) {
	alert := &model.Alert{ID: 1, Category: "vehicles", IsActive: true}
	store := newFakeStore(alert)
	svc := NewService(store, &fakePublisher{})

	listing := &model.Listing{ID: 9, ListingID: "ext-9", Title: "Sofa", Category: "furniture"}
	if err := svc.Match(context.Background(), listing); err != nil {
		t.Fatal(err)
	}

	if _, ok := store.statuses[9]; ok {
		t.Fatal("status should not change when nothing matched")
	}
}

func TestService_HandleListingRejectsWrongKind(t *testing.T) {
	svc := NewService(newFakeStore(), &fakePublisher{})

	raw, _ := json.Marshal(model.ReceiptEvent{Kind: model.KindReceipt})
	if err := svc.HandleListing(context.Background(), nil, raw); err == nil {
		t.Fatal("expected an error for a non-listing event kind")
	}
}
