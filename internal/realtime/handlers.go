package realtime

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/driftlab/marketpulse/internal/httputil"
)

// TokenValidator authenticates the token presented on secure endpoints and
// returns the owning user id.
type TokenValidator interface {
	Validate(token string) (userID string, err error)
}

// Handler upgrades HTTP connections to WebSocket and spawns the read/write
// pumps for the new connection.
type Handler struct {
	b         *Broadcaster
	validator TokenValidator
	upgrader  websocket.Upgrader
}

// NewHandler creates a Handler. allowedOrigins is the list of browser origins
// accepted on upgrade; requests without an Origin header always pass.
func NewHandler(b *Broadcaster, validator TokenValidator, allowedOrigins []string) *Handler {
	return &Handler{
		b:         b,
		validator: validator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// RegisterRoutes wires the WebSocket endpoints.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws/listings/{category}", h.ServeListings).Methods(http.MethodGet)
	r.HandleFunc("/ws/secure/listings/{category}", h.ServeSecureListings).Methods(http.MethodGet)
	r.HandleFunc("/ws/alerts", h.ServeAlerts).Methods(http.MethodGet)
	r.HandleFunc("/ws/status", h.ServeStatus).Methods(http.MethodGet)
}

// ServeListings serves the anonymous per-category stream.
func (h *Handler) ServeListings(w http.ResponseWriter, r *http.Request) {
	category := mux.Vars(r)["category"]
	h.serve(w, r, category, "")
}

// ServeSecureListings is the same stream behind token validation.
func (h *Handler) ServeSecureListings(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	h.serve(w, r, mux.Vars(r)["category"], userID)
}

// ServeAlerts streams the caller's own alert matches.
func (h *Handler) ServeAlerts(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	h.serve(w, r, "alerts:"+userID, userID)
}

// ServeStatus reports connection counts and whether consumption is running.
func (h *Handler) ServeStatus(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.b.Status())
}

// authenticate reads the token from the `token` query parameter or the
// `Authorization: Bearer` header and validates it.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.validator == nil {
		httputil.WriteError(w, http.StatusUnauthorized, "authentication not configured")
		return "", false
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			token = parts[1]
		}
	}
	if token == "" {
		httputil.WriteError(w, http.StatusUnauthorized, "missing token")
		return "", false
	}
	userID, err := h.validator.Validate(token)
	if err != nil {
		httputil.WriteError(w, http.StatusUnauthorized, "invalid token")
		return "", false
	}
	return userID, true
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, category, userID string) {
	if category == "" {
		httputil.WriteError(w, http.StatusBadRequest, "category is required")
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader already wrote the error response.
		return
	}

	c := NewConn(h.b, ws, category, userID)

	// Enqueued before registration and before the write pump starts, so it is
	// the first frame the client sees.
	c.reply(map[string]any{
		"type":      "welcome",
		"category":  category,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	h.b.Register(c)

	go c.WritePump()
	go c.ReadPump()
}
