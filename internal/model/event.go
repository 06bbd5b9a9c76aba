package model

import "time"

// Topic constants for pipeline events. Message keys carry the entity id so
// messages for the same entity land on the same partition.
const (
	TopicListingsNew       = "listings.new"
	TopicListingsProcessed = "listings.processed"
	TopicAlertsTriggered   = "alerts.triggered"
	TopicNotificationsSent = "notifications.sent"
)

// EventKind tags the payload type of a bus message so consumers can decode
// without inspecting topic names.
type EventKind string

const (
	KindListing EventKind = "listing"
	KindAlert   EventKind = "alert"
	KindReceipt EventKind = "receipt"
)

// Envelope carries just the kind tag; consumers decode it first and then
// unmarshal the full payload for the matching event type.
type Envelope struct {
	Kind EventKind `json:"kind"`
}

// ListingEvent is published on listings.new and listings.processed.
type ListingEvent struct {
	Kind    EventKind `json:"kind"`
	Listing Listing   `json:"listing"`
}

// NewListingEvent wraps a listing for publication.
func NewListingEvent(l Listing) ListingEvent {
	return ListingEvent{Kind: KindListing, Listing: l}
}

// ListingSummary is the subset of listing fields carried inside alert events
// so the notification service can format a message without a DB read.
type ListingSummary struct {
	ListingID string   `json:"listing_id"`
	Title     string   `json:"title"`
	Price     *float64 `json:"price,omitempty"`
	Location  string   `json:"location,omitempty"`
	Category  string   `json:"category,omitempty"`
	URL       string   `json:"url,omitempty"`
}

// AlertEvent is published on alerts.triggered when an alert matches a listing.
type AlertEvent struct {
	Kind      EventKind          `json:"kind"`
	AlertID   int64              `json:"alert_id"`
	ListingID int64              `json:"listing_id"`
	UserID    string             `json:"user_id"`
	Criteria  []string           `json:"criteria"`
	Method    NotificationMethod `json:"method"`
	Target    string             `json:"target"`
	Listing   ListingSummary     `json:"listing_summary"`
	MatchedAt time.Time          `json:"matched_at"`
}

// ReceiptEvent is published on notifications.sent after a delivery attempt.
type ReceiptEvent struct {
	Kind      EventKind          `json:"kind"`
	AlertID   int64              `json:"alert_id"`
	ListingID int64              `json:"listing_id"`
	Method    NotificationMethod `json:"method"`
	Target    string             `json:"target"`
	Delivered bool               `json:"delivered"`
	Error     string             `json:"error,omitempty"`
	SentAt    time.Time          `json:"sent_at"`
}
