package health

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/driftlab/marketpulse/internal/httputil"
)

// ComponentStatus is the last reported state of one component.
type ComponentStatus struct {
	Healthy   bool      `json:"healthy"`
	Critical  bool      `json:"critical"`
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Registry tracks component health. Components report transitions through
// SetComponentStatus; readiness requires every critical component to be
// healthy.
type Registry struct {
	mu         sync.RWMutex
	components map[string]*ComponentStatus
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{components: make(map[string]*ComponentStatus)}
}

// Register declares a component before it reports. Critical components gate
// readiness; they start unhealthy until their first report.
func (r *Registry) Register(component string, critical bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[component] = &ComponentStatus{
		Critical:  critical,
		UpdatedAt: time.Now().UTC(),
	}
}

// SetComponentStatus records a component's state. Components that never
// registered are tracked as non-critical. The signature matches the bus
// health callback so a Registry can be wired in directly.
func (r *Registry) SetComponentStatus(component string, healthy bool, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.components[component]
	if !ok {
		st = &ComponentStatus{}
		r.components[component] = st
	}
	st.Healthy = healthy
	st.Detail = detail
	st.UpdatedAt = time.Now().UTC()
}

// Ready reports whether every critical component is healthy.
func (r *Registry) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, st := range r.components {
		if st.Critical && !st.Healthy {
			return false
		}
	}
	return true
}

// Snapshot returns a copy of all component states.
func (r *Registry) Snapshot() map[string]ComponentStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ComponentStatus, len(r.components))
	for name, st := range r.components {
		out[name] = *st
	}
	return out
}

// Routes registers the health endpoints on the router.
func (r *Registry) Routes(router *mux.Router) {
	router.HandleFunc("/health", r.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", r.handleReady).Methods(http.MethodGet)
	router.HandleFunc("/live", r.handleLive).Methods(http.MethodGet)
}

// handleHealth reports every component; 503 when any critical one is down.
func (r *Registry) handleHealth(w http.ResponseWriter, req *http.Request) {
	status := http.StatusOK
	overall := "healthy"
	if !r.Ready() {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}
	httputil.WriteJSON(w, status, map[string]any{
		"status":     overall,
		"components": r.Snapshot(),
	})
}

func (r *Registry) handleReady(w http.ResponseWriter, req *http.Request) {
	if !r.Ready() {
		httputil.WriteError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleLive only proves the process is serving requests.
func (r *Registry) handleLive(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}
