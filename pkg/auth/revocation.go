package auth

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inkhaven/inkhaven/pkg/api/store"
)

const revocationTimeout = 3 * time.Second

// RevocationStore is the durable denylist backing.
type RevocationStore interface {
	InsertRevokedToken(ctx context.Context, token *store.RevokedToken) error
	RevokedTokenExists(ctx context.Context, tokenHash string) (bool, error)
	DeleteExpiredRevokedTokens(ctx context.Context, now time.Time) (int64, error)
}

// RevocationList fronts the token denylist with the layer's failure
// policies: revocation writes are best-effort, revocation reads fail
// open. Entries expire exactly when the token itself would, so the
// store is self-cleaning via the periodic purge.
type RevocationList struct {
	log   logrus.FieldLogger
	store RevocationStore
}

// NewRevocationList creates a RevocationList over the given store.
func NewRevocationList(log logrus.FieldLogger, s RevocationStore) *RevocationList {
	return &RevocationList{
		log:   log.WithField("component", "revocation"),
		store: s,
	}
}

// Revoke adds the token to the denylist. Persistence failures are
// logged and swallowed: a broken denylist must not break logout.
// Revocation is idempotent and safe to retry.
func (rl *RevocationList) Revoke(
	ctx context.Context,
	token, userID string,
	expiresAt time.Time,
) {
	ctx, cancel := context.WithTimeout(ctx, revocationTimeout)
	defer cancel()

	record := &store.RevokedToken{
		TokenHash: HashToken(token),
		UserID:    userID,
		ExpiresAt: expiresAt,
	}

	if err := rl.store.InsertRevokedToken(ctx, record); err != nil {
		rl.log.WithError(err).
			WithField("user_id", userID).
			Warn("Failed to persist token revocation")
	}
}

// IsRevoked reports whether the token is on the denylist. Storage
// errors fail open: an unreachable denylist keeps sessions alive
// rather than locking everyone out.
func (rl *RevocationList) IsRevoked(ctx context.Context, token string) bool {
	ctx, cancel := context.WithTimeout(ctx, revocationTimeout)
	defer cancel()

	revoked, err := rl.store.RevokedTokenExists(ctx, HashToken(token))
	if err != nil {
		rl.log.WithError(err).
			Warn("Revocation store unavailable, treating token as not revoked")

		return false
	}

	return revoked
}

// PurgeExpired removes denylist rows whose tokens have expired anyway.
func (rl *RevocationList) PurgeExpired(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, revocationTimeout)
	defer cancel()

	return rl.store.DeleteExpiredRevokedTokens(ctx, time.Now().UTC())
}
