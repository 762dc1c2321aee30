package auth_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkhaven/inkhaven/pkg/api/store"
	"github.com/inkhaven/inkhaven/pkg/auth"
	"github.com/inkhaven/inkhaven/pkg/config"
)

const cookieName = "inkhaven_session"

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func setupStore(t *testing.T) store.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	}

	s := store.NewStore(testLogger(), cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

// staticLookup resolves identities from a fixed map.
type staticLookup map[string]*auth.Identity

func (l staticLookup) FindActiveUserByID(
	_ context.Context, id string,
) (*auth.Identity, error) {
	identity, ok := l[id]
	if !ok {
		return nil, auth.ErrUserNotFound
	}

	return identity, nil
}

func setupAuthGate(t *testing.T, users staticLookup) (*auth.Gate, *auth.RevocationList) {
	t.Helper()

	log := testLogger()
	revocations := auth.NewRevocationList(log, setupStore(t))

	gate := auth.NewGate(log, auth.GateConfig{
		Secret:     testSecret,
		CookieName: cookieName,
	}, revocations, users)

	return gate, revocations
}

func TestRevocationList_RoundTrip(t *testing.T) {
	revocations := auth.NewRevocationList(testLogger(), setupStore(t))
	ctx := context.Background()

	token, err := auth.IssueToken(testSecret, "user-1", time.Hour)
	require.NoError(t, err)

	assert.False(t, revocations.IsRevoked(ctx, token))

	revocations.Revoke(ctx, token, "user-1", time.Now().Add(time.Hour))
	assert.True(t, revocations.IsRevoked(ctx, token))

	// Revocation is idempotent.
	revocations.Revoke(ctx, token, "user-1", time.Now().Add(time.Hour))
	assert.True(t, revocations.IsRevoked(ctx, token))
}

func TestRevocationList_PurgeExpired(t *testing.T) {
	revocations := auth.NewRevocationList(testLogger(), setupStore(t))
	ctx := context.Background()

	revocations.Revoke(ctx, "stale-token", "user-1", time.Now().Add(-time.Minute))
	revocations.Revoke(ctx, "live-token", "user-2", time.Now().Add(time.Hour))

	purged, err := revocations.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	assert.False(t, revocations.IsRevoked(ctx, "stale-token"))
	assert.True(t, revocations.IsRevoked(ctx, "live-token"))
}

// failingRevocationStore fails every operation.
type failingRevocationStore struct{}

var errRevocationDown = errors.New("revocation store down")

func (failingRevocationStore) InsertRevokedToken(context.Context, *store.RevokedToken) error {
	return errRevocationDown
}

func (failingRevocationStore) RevokedTokenExists(context.Context, string) (bool, error) {
	return false, errRevocationDown
}

func (failingRevocationStore) DeleteExpiredRevokedTokens(context.Context, time.Time) (int64, error) {
	return 0, errRevocationDown
}

func TestRevocationList_FailurePolicies(t *testing.T) {
	revocations := auth.NewRevocationList(testLogger(), failingRevocationStore{})
	ctx := context.Background()

	// Writes are best-effort: a broken store must not panic or block.
	revocations.Revoke(ctx, "some-token", "user-1", time.Now().Add(time.Hour))

	// Reads fail open: unreachable storage treats tokens as live.
	assert.False(t, revocations.IsRevoked(ctx, "some-token"))
}

func TestGate_Authenticate(t *testing.T) {
	gate, _ := setupAuthGate(t, staticLookup{
		"user-1": {ID: "user-1", Role: "admin", Email: "one@example.com"},
	})
	ctx := context.Background()

	token, err := auth.IssueToken(testSecret, "user-1", time.Hour)
	require.NoError(t, err)

	identity, err := gate.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity.ID)
	assert.Equal(t, "admin", identity.Role)
}

func TestGate_AuthenticateRejections(t *testing.T) {
	gate, revocations := setupAuthGate(t, staticLookup{
		"user-1": {ID: "user-1", Role: "admin"},
	})
	ctx := context.Background()

	// Empty token.
	_, err := gate.Authenticate(ctx, "")
	assert.ErrorIs(t, err, auth.ErrNoToken)

	// Forged token.
	_, err = gate.Authenticate(ctx, "forged.token.value")
	assert.ErrorIs(t, err, auth.ErrTokenInvalid)

	// Token for an unknown user.
	unknown, err := auth.IssueToken(testSecret, "ghost", time.Hour)
	require.NoError(t, err)

	_, err = gate.Authenticate(ctx, unknown)
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	// Revoked token: distinct from invalid.
	token, err := auth.IssueToken(testSecret, "user-1", time.Hour)
	require.NoError(t, err)

	revocations.Revoke(ctx, token, "user-1", time.Now().Add(time.Hour))

	_, err = gate.Authenticate(ctx, token)
	assert.ErrorIs(t, err, auth.ErrSessionRevoked)
}

func TestGate_TokenFromRequest(t *testing.T) {
	gate, _ := setupAuthGate(t, staticLookup{})

	// Bearer header wins over the cookie.
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer header-token")
	r.AddCookie(&http.Cookie{Name: cookieName, Value: "cookie-token"})
	assert.Equal(t, "header-token", gate.TokenFromRequest(r))

	// Cookie alone works.
	r = httptest.NewRequest("GET", "/", nil)
	r.AddCookie(&http.Cookie{Name: cookieName, Value: "cookie-token"})
	assert.Equal(t, "cookie-token", gate.TokenFromRequest(r))

	// Neither.
	r = httptest.NewRequest("GET", "/", nil)
	assert.Empty(t, gate.TokenFromRequest(r))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := auth.IdentityFromContext(r.Context())
		if identity == nil {
			w.WriteHeader(http.StatusOK)

			return
		}

		_ = json.NewEncoder(w).Encode(identity)
	})
}

func TestRequireAuth_RevokedSessionMessage(t *testing.T) {
	gate, revocations := setupAuthGate(t, staticLookup{
		"user-1": {ID: "user-1", Role: "author"},
	})

	token, err := auth.IssueToken(testSecret, "user-1", time.Hour)
	require.NoError(t, err)

	handler := gate.RequireAuth(okHandler())

	// Works before revocation.
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	require.Equal(t, http.StatusOK, rec.Code)

	revocations.Revoke(context.Background(), token,
		"user-1", time.Now().Add(time.Hour))

	// The revoked session reads differently from a bad token.
	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "SESSION_REVOKED", body["code"])
	assert.Equal(t, "session terminated", body["error"])
}

func TestRequireAuth_MissingAndInvalidTokens(t *testing.T) {
	gate, _ := setupAuthGate(t, staticLookup{})
	handler := gate.RequireAuth(okHandler())

	// No token at all.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "UNAUTHORIZED", body["code"])

	// Garbage token.
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer garbage")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "TOKEN_INVALID", body["code"])
}

func TestOptionalAuth(t *testing.T) {
	gate, _ := setupAuthGate(t, staticLookup{
		"user-1": {ID: "user-1", Role: "author"},
	})

	var got *auth.Identity

	handler := gate.OptionalAuth(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			got = auth.IdentityFromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

	// Anonymous requests pass with no identity.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, got)

	// Invalid tokens degrade to anonymous instead of rejecting.
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer garbage")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, got)

	// Valid tokens attach the identity.
	token, err := auth.IssueToken(testSecret, "user-1", time.Hour)
	require.NoError(t, err)

	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "user-1", got.ID)
}

func TestRequireRole(t *testing.T) {
	gate, _ := setupAuthGate(t, staticLookup{
		"admin-1":  {ID: "admin-1", Role: "admin"},
		"author-1": {ID: "author-1", Role: "author"},
	})

	handler := gate.RequireAuth(gate.RequireRole("admin")(okHandler()))

	adminToken, err := auth.IssueToken(testSecret, "admin-1", time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+adminToken)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)

	authorToken, err := auth.IssueToken(testSecret, "author-1", time.Hour)
	require.NoError(t, err)

	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+authorToken)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
