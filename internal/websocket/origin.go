package websocket

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/zerolog/log"
)

// NewOriginChecker returns a CheckOrigin func for the upgrader. Requests
// without an Origin header and same-origin requests are always allowed;
// other origins must match one of the wildcard patterns.
func NewOriginChecker(patterns []string) func(*http.Request) bool {
	allowed := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			allowed = append(allowed, p)
		}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}

		u, err := url.Parse(origin)
		if err == nil && strings.EqualFold(u.Host, r.Host) {
			return true
		}

		origin = strings.ToLower(origin)
		for _, pattern := range allowed {
			if wildcard.Match(pattern, origin) {
				return true
			}
		}

		log.Warn().
			Str("origin", origin).
			Str("host", r.Host).
			Msg("Rejected WebSocket upgrade from disallowed origin")
		return false
	}
}
