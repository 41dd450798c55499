package http

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/ghldash/internal/oauth"
	"github.com/sawpanic/ghldash/internal/refresh"
)

// handleAuthorize sends the browser to the CRM consent page
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	authURL, _, err := s.deps.OAuth.AuthorizationURL(r.Context())
	if errors.Is(err, oauth.ErrMissingCredentials) {
		http.Error(w, "Error: Missing OAuth credentials", http.StatusInternalServerError)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("request_id", requestID(r)).Msg("Failed to start authorization")
		http.Error(w, "Error: Failed to start authorization", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleCallback exchanges the authorization code, then refreshes the data
// in the background and returns to the dashboard
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	_, err := s.deps.OAuth.ExchangeCallback(r.Context(), r.URL.String())
	switch {
	case err == nil:
	case errors.Is(err, oauth.ErrInvalidState):
		http.Error(w, "Error: Invalid or expired authorization state", http.StatusBadRequest)
		return
	case errors.Is(err, oauth.ErrAuthorizationDenied):
		log.Warn().Err(err).Msg("Authorization denied")
		http.Error(w, "Error: Authorization denied", http.StatusBadRequest)
		return
	case errors.Is(err, oauth.ErrMissingCredentials):
		http.Error(w, "Error: Missing OAuth credentials", http.StatusInternalServerError)
		return
	default:
		log.Error().Err(err).Str("request_id", requestID(r)).Msg("OAuth callback failed")
		http.Error(w, "Error: Failed to fetch token", http.StatusInternalServerError)
		return
	}

	if s.deps.Refresh != nil {
		s.refreshAsync(refresh.TriggerCallback)
	}
	http.Redirect(w, r, "/", http.StatusFound)
}
