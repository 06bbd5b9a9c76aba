package model

import (
	"time"
)

// ListingStatus tracks a listing through the processing pipeline.
type ListingStatus string

const (
	StatusNew       ListingStatus = "new"       // scraped, not yet processed
	StatusProcessed ListingStatus = "processed" // enriched, not yet matched
	StatusMatched   ListingStatus = "matched"   // matched at least one alert
	StatusArchived  ListingStatus = "archived"  // no longer live on the marketplace
	StatusError     ListingStatus = "error"     // processing failed
)

// CanTransition reports whether moving from s to next is a legal status
// transition. Transitions are monotonic: new -> processed -> matched, with
// archived and error as absorbing states reachable from anywhere.
func (s ListingStatus) CanTransition(next ListingStatus) bool {
	if s == StatusArchived || s == StatusError {
		return false
	}
	switch next {
	case StatusArchived, StatusError:
		return true
	case StatusProcessed:
		return s == StatusNew
	case StatusMatched:
		return s == StatusNew || s == StatusProcessed
	}
	return false
}

// Analysis holds the enrichment derived from a listing's text by the
// processor stage.
type Analysis struct {
	QualityScore       float64   `json:"quality_score"`
	Keywords           []string  `json:"keywords"`
	SuggestedCategory  string    `json:"suggested_category,omitempty"`
	CategoryConfidence float64   `json:"category_confidence"`
	SpamScore          float64   `json:"spam_score"`
	IsSpam             bool      `json:"is_spam"`
	AnalyzedAt         time.Time `json:"analyzed_at"`
}

// Listing is a marketplace listing. Created by ingestion; mutated only by the
// processor stage, never by two processors concurrently for the same id.
type Listing struct {
	ID          int64         `json:"id"`
	ListingID   string        `json:"listing_id"` // external marketplace id
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Price       *float64      `json:"price,omitempty"`
	PriceText   string        `json:"price_text,omitempty"`
	Location    string        `json:"location,omitempty"`
	Category    string        `json:"category,omitempty"`
	URL         string        `json:"url,omitempty"`
	SearchTerm  string        `json:"search_term,omitempty"`
	Status      ListingStatus `json:"status"`
	ScrapedAt   time.Time     `json:"scraped_at"`
	ProcessedAt *time.Time    `json:"processed_at,omitempty"`
	Analysis    *Analysis     `json:"analysis,omitempty"`
}

// NotificationMethod is how an alert owner wants to be notified.
type NotificationMethod string

const (
	NotifyEmail NotificationMethod = "email"
	NotifySMS   NotificationMethod = "sms"
	NotifyPush  NotificationMethod = "push"
)

// Alert is a user-defined search the matcher evaluates listings against.
// All criteria are optional; an empty string or nil price bound means the
// criterion is unspecified. Read-only to the matching engine.
type Alert struct {
	ID            int64              `json:"id"`
	UserID        string             `json:"user_id"`
	SearchTerm    string             `json:"search_term,omitempty"`
	Category      string             `json:"category,omitempty"`
	MinPrice      *float64           `json:"min_price,omitempty"`
	MaxPrice      *float64           `json:"max_price,omitempty"`
	Location      string             `json:"location,omitempty"`
	Method        NotificationMethod `json:"notification_method"`
	Target        string             `json:"notification_target"`
	IsActive      bool               `json:"is_active"`
	CreatedAt     time.Time          `json:"created_at"`
	LastMatchedAt *time.Time         `json:"last_matched_at,omitempty"`
}

// HasCriteria reports whether the alert specifies at least one criterion.
// An alert with no criteria never matches anything.
func (a *Alert) HasCriteria() bool {
	return a.SearchTerm != "" || a.Category != "" || a.Location != "" ||
		a.MinPrice != nil || a.MaxPrice != nil
}

// MatchResult records that an alert matched a listing. At most one row exists
// per (alert, listing) pair; re-evaluating the pair must not create another.
type MatchResult struct {
	AlertID   int64     `json:"alert_id"`
	ListingID int64     `json:"listing_id"`
	MatchedAt time.Time `json:"matched_at"`
	Criteria  []string  `json:"criteria"`
	Notified  bool      `json:"notified"`
}
