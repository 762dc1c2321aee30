package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const lookupTimeout = 3 * time.Second

// Errors returned by Authenticate. The distinction between an invalid
// token and a revoked session is kept visible to clients: "your session
// was terminated" reads very differently from "your token never worked".
var (
	ErrNoToken        = errors.New("no token presented")
	ErrSessionRevoked = errors.New("session terminated")
	ErrUnauthorized   = errors.New("unauthorized")
)

// Identity is the request-scoped resolved caller. It is never cached
// across requests.
type Identity struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	Email string `json:"email"`
}

// ErrUserNotFound is returned by UserLookup when no active user exists.
var ErrUserNotFound = errors.New("user not found")

// UserLookup resolves an active user by id. Implemented by the external
// identity collaborator.
type UserLookup interface {
	FindActiveUserByID(ctx context.Context, id string) (*Identity, error)
}

// GateConfig configures the auth gate.
type GateConfig struct {
	Secret     string
	CookieName string
}

// Gate verifies tokens, consults the revocation denylist, and resolves
// identity. Revocation is checked before identity resolution so a
// revoked token never costs a user lookup.
type Gate struct {
	log         logrus.FieldLogger
	cfg         GateConfig
	revocations *RevocationList
	users       UserLookup
}

// NewGate wires the auth gate.
func NewGate(
	log logrus.FieldLogger,
	cfg GateConfig,
	revocations *RevocationList,
	users UserLookup,
) *Gate {
	return &Gate{
		log:         log.WithField("component", "auth"),
		cfg:         cfg,
		revocations: revocations,
		users:       users,
	}
}

// TokenFromRequest extracts the session token, preferring the
// Authorization header over the session cookie.
func (g *Gate) TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(header[len("Bearer "):])
	}

	if g.cfg.CookieName != "" {
		if cookie, err := r.Cookie(g.cfg.CookieName); err == nil {
			return cookie.Value
		}
	}

	return ""
}

// Authenticate runs the token pipeline: verify signature and claims,
// check revocation, resolve identity fresh from the user lookup.
func (g *Gate) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrNoToken
	}

	claims, err := VerifyToken(g.cfg.Secret, token)
	if err != nil {
		return nil, ErrTokenInvalid
	}

	if g.revocations.IsRevoked(ctx, token) {
		return nil, ErrSessionRevoked
	}

	lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	identity, err := g.users.FindActiveUserByID(lookupCtx, claims.Subject)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			g.log.WithError(err).Warn("Identity resolution failed")
		}

		return nil, ErrUnauthorized
	}

	return identity, nil
}

// RequireAuth rejects requests that do not resolve to an active
// identity.
func (g *Gate) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := g.Authenticate(r.Context(), g.TokenFromRequest(r))
		if err != nil {
			g.writeAuthError(w, err)

			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// OptionalAuth runs the same pipeline but swallows every rejection:
// the request proceeds unauthenticated instead of halting. Used for
// endpoints that vary behavior by caller role without mandating a
// login.
func (g *Gate) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := g.Authenticate(r.Context(), g.TokenFromRequest(r))
		if err != nil {
			next.ServeHTTP(w, r)

			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// RequireRole checks that the resolved identity has the given role.
func (g *Gate) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := IdentityFromContext(r.Context())
			if identity == nil || identity.Role != role {
				writeJSONError(w, http.StatusForbidden,
					"FORBIDDEN", "insufficient permissions")

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (g *Gate) writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNoToken):
		writeJSONError(w, http.StatusUnauthorized,
			"UNAUTHORIZED", "authentication required")
	case errors.Is(err, ErrSessionRevoked):
		writeJSONError(w, http.StatusUnauthorized,
			"SESSION_REVOKED", "session terminated")
	case errors.Is(err, ErrTokenInvalid):
		writeJSONError(w, http.StatusUnauthorized,
			"TOKEN_INVALID", "token failed verification")
	default:
		writeJSONError(w, http.StatusUnauthorized,
			"UNAUTHORIZED", "unauthorized")
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  code,
	})
}

type contextKey string

const identityContextKey contextKey = "identity"

// WithIdentity stores the resolved identity in the context.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext extracts the resolved identity, or nil when the
// request is unauthenticated.
func IdentityFromContext(ctx context.Context) *Identity {
	identity, _ := ctx.Value(identityContextKey).(*Identity)

	return identity
}
