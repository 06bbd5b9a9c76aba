package realtime

import (
	"net/http"
	"strings"
)

// originChecker builds a CheckOrigin function for the upgrader from an
// explicit allow list. An empty Origin header passes: that is a same-origin
// request or a non-browser client.
func originChecker(allowed []string) func(*http.Request) bool {
	origins := make([]string, 0, len(allowed))
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range origins {
			if strings.EqualFold(origin, o) {
				return true
			}
		}
		return false
	}
}
