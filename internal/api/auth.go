package api

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/hostdeck/hostdeck/internal/auth"
	internalerrors "github.com/hostdeck/hostdeck/internal/errors"
)

// Response header carrying a refreshed token.
const refreshedTokenHeader = "X-Auth-Token"

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token        string `json:"token,omitempty"`
	ExpiresInSec int64  `json:"expiresInSec"`
}

// extractToken reads the bearer token, falling back to the token query
// parameter which browsers must use for WebSocket upgrades.
func extractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// requireAuth rejects requests without a valid token. With slide set, a token
// past half its lifetime is replaced and the new one returned in a header.
func (r *Router) requireAuth(next http.HandlerFunc, slide bool) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token := extractToken(req)
		if token == "" {
			writeErrorResponse(w, req, http.StatusUnauthorized, string(internalerrors.ErrorTypeAuth),
				"Authentication required", nil)
			return
		}

		claims, err := r.tokens.Verify(token)
		if err != nil {
			log.Debug().Err(err).Str("path", req.URL.Path).Msg("Rejected token")
			writeErrorResponse(w, req, http.StatusUnauthorized, string(internalerrors.ErrorTypeAuth),
				"Invalid or expired token", nil)
			return
		}

		if slide {
			if fresh, refreshed, err := r.tokens.Refresh(token); err == nil && refreshed {
				w.Header().Set(refreshedTokenHeader, fresh)
			}
		}

		next(w, req.WithContext(auth.WithUser(req.Context(), claims.Subject)))
	}
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	var body loginRequest
	if err := decodeJSONBody(w, req, &body); err != nil {
		writeError(w, req, err)
		return
	}

	ip := clientIP(req)
	if err := r.verifier.Verify(req.Context(), body.Username, body.Password); err != nil {
		log.Warn().
			Str("component", "api").
			Str("action", "login").
			Str("user", body.Username).
			Str("client_ip", ip).
			Msg("Login failed")
		writeErrorResponse(w, req, http.StatusUnauthorized, string(internalerrors.ErrorTypeAuth),
			"Invalid username or password", nil)
		return
	}

	token, expiresAt, err := r.tokens.Issue(body.Username)
	if err != nil {
		writeError(w, req, err)
		return
	}

	log.Info().
		Str("component", "api").
		Str("action", "login").
		Str("user", body.Username).
		Str("client_ip", ip).
		Msg("Login succeeded")

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:        token,
		ExpiresInSec: int64(expiresAt.Sub(r.now()).Seconds()),
	})
}

// handleRefresh returns a new token only once the current one is past half
// its lifetime; otherwise it reports the remaining validity.
func (r *Router) handleRefresh(w http.ResponseWriter, req *http.Request) {
	token := extractToken(req)
	fresh, refreshed, err := r.tokens.Refresh(token)
	if err != nil {
		writeErrorResponse(w, req, http.StatusUnauthorized, string(internalerrors.ErrorTypeAuth),
			"Invalid or expired token", nil)
		return
	}
	if refreshed {
		writeJSON(w, http.StatusOK, tokenResponse{Token: fresh, ExpiresInSec: int64(r.tokens.TTL().Seconds())})
		return
	}

	claims, err := r.tokens.Verify(token)
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{ExpiresInSec: int64(claims.ExpiresAt.Sub(r.now()).Seconds())})
}
