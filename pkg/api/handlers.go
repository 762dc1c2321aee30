package api

import (
	"encoding/json"
	"net/http"

	"github.com/inkhaven/inkhaven/pkg/auth"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// --- Public handlers ---

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Session handlers ---

// handleMe returns the resolved identity of the caller.
func (s *server) handleMe(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	if identity == nil {
		writeJSON(w, http.StatusUnauthorized,
			errorResponse{"authentication required"})

		return
	}

	writeJSON(w, http.StatusOK, identity)
}

// handleLogout revokes the presented token and clears the session
// cookie. Logout always succeeds: an absent, malformed, or already
// revoked token still yields 200 so clients can treat it as
// fire-and-forget.
func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := s.authGate.TokenFromRequest(r)
	if token != "" {
		if claims, err := auth.VerifyToken(s.cfg.Auth.JWTSecret, token); err == nil {
			s.revocations.Revoke(r.Context(), token,
				claims.Subject, claims.ExpiresAt.Time)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.Auth.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}
