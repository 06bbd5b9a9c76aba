package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/driftlab/marketpulse/internal/db"
	"github.com/driftlab/marketpulse/internal/model"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the Postgres persistence layer for listings, alerts and match
// results.
type Store struct {
	db *db.DB
}

// New creates a Store on top of the connection pool.
func New(database *db.DB) *Store {
	return &Store{db: database}
}

// InsertListing stores a freshly scraped listing. Listings are deduplicated on
// the external listing id; returns the internal id and whether a new row was
// created.
func (s *Store) InsertListing(ctx context.Context, l *model.Listing) (int64, bool, error) {
	var id int64
	err := s.db.Pool.QueryRow(ctx, `
		INSERT INTO listings (listing_id, title, description, price, price_text, location, category, url, search_term, status, scraped_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (listing_id) DO NOTHING
		RETURNING id`,
		l.ListingID, l.Title, l.Description, l.Price, l.PriceText, l.Location,
		l.Category, l.URL, l.SearchTerm, l.Status, l.ScrapedAt,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("insert listing %s: %w", l.ListingID, err)
	}

	// Conflict: the listing already exists.
	err = s.db.Pool.QueryRow(ctx, `SELECT id FROM listings WHERE listing_id = $1`, l.ListingID).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("lookup listing %s: %w", l.ListingID, err)
	}
	return id, false, nil
}

// GetListing fetches one listing by internal id.
func (s *Store) GetListing(ctx context.Context, id int64) (*model.Listing, error) {
	l := &model.Listing{}
	err := s.db.Pool.QueryRow(ctx, `
		SELECT id, listing_id, title, description, price, price_text, location, category, url, search_term, status, scraped_at, processed_at, analysis
		FROM listings WHERE id = $1`, id,
	).Scan(&l.ID, &l.ListingID, &l.Title, &l.Description, &l.Price, &l.PriceText,
		&l.Location, &l.Category, &l.URL, &l.SearchTerm, &l.Status, &l.ScrapedAt,
		&l.ProcessedAt, &l.Analysis)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get listing %d: %w", id, err)
	}
	return l, nil
}

// SaveAnalysis persists the processor's enrichment and advances the listing to
// processed. The status predicate keeps the transition monotonic even if the
// event is redelivered after a later stage already ran.
func (s *Store) SaveAnalysis(ctx context.Context, listingID int64, a *model.Analysis, processedAt time.Time) error {
	_, err := s.db.Pool.Exec(ctx, `
		UPDATE listings
		SET analysis = $2, processed_at = $3,
		    status = CASE WHEN status = 'new' THEN 'processed' ELSE status END
		WHERE id = $1`,
		listingID, a, processedAt)
	if err != nil {
		return fmt.Errorf("save analysis for listing %d: %w", listingID, err)
	}
	return nil
}

// SetListingStatus advances a listing's status. Illegal transitions are
// silently skipped by the predicate so redeliveries cannot move a listing
// backwards.
func (s *Store) SetListingStatus(ctx context.Context, listingID int64, status model.ListingStatus) error {
	predicate := `status NOT IN ('archived', 'error')`
	if status == model.StatusMatched {
		predicate = `status IN ('new', 'processed')`
	} else if status == model.StatusProcessed {
		predicate = `status = 'new'`
	}
	_, err := s.db.Pool.Exec(ctx,
		`UPDATE listings SET status = $2 WHERE id = $1 AND `+predicate,
		listingID, status)
	if err != nil {
		return fmt.Errorf("set listing %d status %s: %w", listingID, status, err)
	}
	return nil
}

// ArchiveStaleListings moves listings scraped before cutoff that never matched
// to archived. Returns the number of rows archived.
func (s *Store) ArchiveStaleListings(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE listings SET status = 'archived'
		WHERE status IN ('new', 'processed') AND scraped_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive stale listings: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CreateAlert stores a new alert and returns its id.
func (s *Store) CreateAlert(ctx context.Context, a *model.Alert) (int64, error) {
	var id int64
	err := s.db.Pool.QueryRow(ctx, `
		INSERT INTO alerts (user_id, search_term, category, min_price, max_price, location, notification_method, notification_target, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		a.UserID, a.SearchTerm, a.Category, a.MinPrice, a.MaxPrice, a.Location,
		a.Method, a.Target, a.IsActive, a.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create alert for user %s: %w", a.UserID, err)
	}
	return id, nil
}

// GetActiveAlerts returns every alert with is_active = true.
func (s *Store) GetActiveAlerts(ctx context.Context) ([]*model.Alert, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, user_id, search_term, category, min_price, max_price, location, notification_method, notification_target, is_active, created_at, last_matched_at
		FROM alerts WHERE is_active = true ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load active alerts: %w", err)
	}
	defer rows.Close()
	return scanAlerts(rows)
}

// GetAlertsByUser returns all alerts belonging to a user, active or not.
func (s *Store) GetAlertsByUser(ctx context.Context, userID string) ([]*model.Alert, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, user_id, search_term, category, min_price, max_price, location, notification_method, notification_target, is_active, created_at, last_matched_at
		FROM alerts WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("load alerts for user %s: %w", userID, err)
	}
	defer rows.Close()
	return scanAlerts(rows)
}

func scanAlerts(rows pgx.Rows) ([]*model.Alert, error) {
	var alerts []*model.Alert
	for rows.Next() {
		a := &model.Alert{}
		if err := rows.Scan(&a.ID, &a.UserID, &a.SearchTerm, &a.Category,
			&a.MinPrice, &a.MaxPrice, &a.Location, &a.Method, &a.Target,
			&a.IsActive, &a.CreatedAt, &a.LastMatchedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// SetAlertActive toggles an alert. Deactivated alerts are kept for history.
func (s *Store) SetAlertActive(ctx context.Context, alertID int64, userID string, active bool) error {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE alerts SET is_active = $3 WHERE id = $1 AND user_id = $2`,
		alertID, userID, active)
	if err != nil {
		return fmt.Errorf("set alert %d active=%v: %w", alertID, active, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchAlertMatched updates last_matched_at.
func (s *Store) TouchAlertMatched(ctx context.Context, alertID int64, at time.Time) error {
	_, err := s.db.Pool.Exec(ctx,
		`UPDATE alerts SET last_matched_at = $2 WHERE id = $1`, alertID, at)
	if err != nil {
		return fmt.Errorf("touch alert %d: %w", alertID, err)
	}
	return nil
}

// UpsertMatch records that an alert matched a listing. The unique constraint
// on (alert_id, listing_id) makes re-evaluation idempotent; returns whether a
// new row was created.
func (s *Store) UpsertMatch(ctx context.Context, m *model.MatchResult) (bool, error) {
	tag, err := s.db.Pool.Exec(ctx, `
		INSERT INTO match_results (alert_id, listing_id, matched_at, criteria, notified)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (alert_id, listing_id) DO NOTHING`,
		m.AlertID, m.ListingID, m.MatchedAt, m.Criteria, m.Notified)
	if err != nil {
		return false, fmt.Errorf("upsert match alert=%d listing=%d: %w", m.AlertID, m.ListingID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkNotified flips the notified flag after a delivery attempt succeeded.
func (s *Store) MarkNotified(ctx context.Context, alertID, listingID int64) error {
	_, err := s.db.Pool.Exec(ctx, `
		UPDATE match_results SET notified = true
		WHERE alert_id = $1 AND listing_id = $2`, alertID, listingID)
	if err != nil {
		return fmt.Errorf("mark notified alert=%d listing=%d: %w", alertID, listingID, err)
	}
	return nil
}
