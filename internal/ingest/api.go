package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/driftlab/marketpulse/internal/bus"
	"github.com/driftlab/marketpulse/internal/httputil"
	"github.com/driftlab/marketpulse/internal/model"
	"github.com/driftlab/marketpulse/internal/store"
)

// Store is the persistence the API needs.
type Store interface {
	InsertListing(ctx context.Context, l *model.Listing) (int64, bool, error)
	CreateAlert(ctx context.Context, a *model.Alert) (int64, error)
	GetAlertsByUser(ctx context.Context, userID string) ([]*model.Alert, error)
	SetAlertActive(ctx context.Context, alertID int64, userID string, active bool) error
}

// Publisher publishes pipeline events. Satisfied by *bus.Bus.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, v any) error
}

// Handler is the HTTP entry point of the pipeline: scrapers push raw listings
// in, users manage their alerts. Accepted listings enter the pipeline through
// the new-listings topic.
type Handler struct {
	store Store
	pub   Publisher
}

// NewHandler creates a Handler.
func NewHandler(store Store, pub Publisher) *Handler {
	return &Handler{store: store, pub: pub}
}

// RegisterRoutes wires the API endpoints. Paths are relative to the router,
// which main mounts under /api behind the rate-limit middleware.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/listings", h.CreateListing).Methods(http.MethodPost)
	r.HandleFunc("/alerts", h.CreateAlert).Methods(http.MethodPost)
	r.HandleFunc("/alerts", h.ListAlerts).Methods(http.MethodGet)
	r.HandleFunc("/alerts/{id}", h.DeactivateAlert).Methods(http.MethodDelete)
}

// listingRequest is the payload scrapers submit.
type listingRequest struct {
	ListingID   string   `json:"listing_id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Price       *float64 `json:"price"`
	PriceText   string   `json:"price_text"`
	Location    string   `json:"location"`
	Category    string   `json:"category"`
	URL         string   `json:"url"`
	SearchTerm  string   `json:"search_term"`
}

// CreateListing accepts one scraped listing, stores it and publishes it on
// the new-listings topic. Resubmitting a known listing id is a no-op.
func (h *Handler) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req listingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ListingID == "" || req.Title == "" {
		httputil.WriteError(w, http.StatusBadRequest, "listing_id and title are required")
		return
	}
	if req.Price != nil && *req.Price < 0 {
		httputil.WriteError(w, http.StatusBadRequest, "price must not be negative")
		return
	}

	listing := model.Listing{
		ListingID:   req.ListingID,
		Title:       req.Title,
		Description: req.Description,
		Price:       req.Price,
		PriceText:   req.PriceText,
		Location:    req.Location,
		Category:    req.Category,
		URL:         req.URL,
		SearchTerm:  req.SearchTerm,
		Status:      model.StatusNew,
		ScrapedAt:   time.Now().UTC(),
	}

	id, created, err := h.store.InsertListing(r.Context(), &listing)
	if err != nil {
		log.Printf("ingest: insert listing %s failed: %v", req.ListingID, err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to store listing")
		return
	}
	listing.ID = id
	if !created {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"id": id, "status": "duplicate"})
		return
	}

	key := strconv.FormatInt(id, 10)
	if err := h.pub.Publish(r.Context(), model.TopicListingsNew, key, model.NewListingEvent(listing)); err != nil {
		log.Printf("ingest: publish listing %d failed: %v", id, err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to enqueue listing")
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{"id": id, "status": "accepted"})
}

// alertRequest is the payload for creating an alert.
type alertRequest struct {
	UserID     string   `json:"user_id"`
	SearchTerm string   `json:"search_term"`
	Category   string   `json:"category"`
	MinPrice   *float64 `json:"min_price"`
	MaxPrice   *float64 `json:"max_price"`
	Location   string   `json:"location"`
	Method     string   `json:"notification_method"`
	Target     string   `json:"notification_target"`
}

// CreateAlert stores a new alert. Alerts without any criterion are rejected:
// they would never match anything.
func (h *Handler) CreateAlert(w http.ResponseWriter, r *http.Request) {
	var req alertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	method := model.NotificationMethod(req.Method)
	switch method {
	case model.NotifyEmail, model.NotifySMS, model.NotifyPush:
	case "":
		method = model.NotifyEmail
	default:
		httputil.WriteError(w, http.StatusBadRequest, "unknown notification method")
		return
	}
	if req.MinPrice != nil && req.MaxPrice != nil && *req.MinPrice > *req.MaxPrice {
		httputil.WriteError(w, http.StatusBadRequest, "min_price exceeds max_price")
		return
	}

	alert := model.Alert{
		UserID:     req.UserID,
		SearchTerm: req.SearchTerm,
		Category:   req.Category,
		MinPrice:   req.MinPrice,
		MaxPrice:   req.MaxPrice,
		Location:   req.Location,
		Method:     method,
		Target:     req.Target,
		IsActive:   true,
		CreatedAt:  time.Now().UTC(),
	}
	if !alert.HasCriteria() {
		httputil.WriteError(w, http.StatusBadRequest, "at least one criterion is required")
		return
	}

	id, err := h.store.CreateAlert(r.Context(), &alert)
	if err != nil {
		log.Printf("ingest: create alert failed: %v", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to store alert")
		return
	}
	alert.ID = id
	httputil.WriteJSON(w, http.StatusCreated, alert)
}

// ListAlerts returns all alerts of the user given in the user_id query
// parameter.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	alerts, err := h.store.GetAlertsByUser(r.Context(), userID)
	if err != nil {
		log.Printf("ingest: list alerts for %s failed: %v", userID, err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load alerts")
		return
	}
	if alerts == nil {
		alerts = []*model.Alert{}
	}
	httputil.WriteJSON(w, http.StatusOK, alerts)
}

// DeactivateAlert turns an alert off. The row is kept for match history.
func (h *Handler) DeactivateAlert(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid alert id")
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if err := h.store.SetAlertActive(r.Context(), id, userID, false); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "alert not found")
			return
		}
		log.Printf("ingest: deactivate alert %d failed: %v", id, err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to update alert")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

var _ Publisher = (*bus.Bus)(nil)
