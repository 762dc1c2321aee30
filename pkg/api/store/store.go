package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/inkhaven/inkhaven/pkg/config"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides persistence for security state: the origin allow-list,
// the revoked-token denylist, and user records.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Origin allow-list.
	ListOrigins(ctx context.Context) ([]AllowedOrigin, error)
	CreateOrigin(ctx context.Context, origin *AllowedOrigin) error
	UpdateOrigin(ctx context.Context, origin *AllowedOrigin) error
	DeleteOrigin(ctx context.Context, uuid string) (bool, error)
	RecordOriginUsage(ctx context.Context, uuid string, count int64, lastUsed time.Time) error

	// Revoked-token denylist.
	InsertRevokedToken(ctx context.Context, token *RevokedToken) error
	RevokedTokenExists(ctx context.Context, tokenHash string) (bool, error)
	DeleteExpiredRevokedTokens(ctx context.Context, now time.Time) (int64, error)

	// User lookup.
	GetActiveUserByID(ctx context.Context, id string) (*User, error)
	SeedUsers(ctx context.Context, users []config.SeedUser) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&AllowedOrigin{},
		&RevokedToken{},
		&User{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// --- Origin allow-list ---

func (s *store) ListOrigins(ctx context.Context) ([]AllowedOrigin, error) {
	var origins []AllowedOrigin
	if err := s.db.WithContext(ctx).
		Order("id ASC").
		Find(&origins).Error; err != nil {
		return nil, fmt.Errorf("listing origins: %w", err)
	}

	return origins, nil
}

func (s *store) CreateOrigin(
	ctx context.Context, origin *AllowedOrigin,
) error {
	if err := s.db.WithContext(ctx).Create(origin).Error; err != nil {
		return fmt.Errorf("creating origin: %w", err)
	}

	return nil
}

func (s *store) UpdateOrigin(
	ctx context.Context, origin *AllowedOrigin,
) error {
	// Rows are addressed by public uuid; a map update keeps zero values
	// like is_active=false applied.
	if err := s.db.WithContext(ctx).
		Model(&AllowedOrigin{}).
		Where("uuid = ?", origin.UUID).
		Updates(map[string]any{
			"url":          origin.URL,
			"environment":  origin.Environment,
			"description":  origin.Description,
			"is_active":    origin.IsActive,
			"tags":         origin.Tags,
			"usage_count":  origin.UsageCount,
			"last_used_at": origin.LastUsedAt,
		}).Error; err != nil {
		return fmt.Errorf("updating origin: %w", err)
	}

	return nil
}

func (s *store) DeleteOrigin(
	ctx context.Context, uuid string,
) (bool, error) {
	result := s.db.WithContext(ctx).
		Where("uuid = ?", uuid).
		Delete(&AllowedOrigin{})
	if result.Error != nil {
		return false, fmt.Errorf("deleting origin: %w", result.Error)
	}

	return result.RowsAffected > 0, nil
}

func (s *store) RecordOriginUsage(
	ctx context.Context, uuid string, count int64, lastUsed time.Time,
) error {
	if err := s.db.WithContext(ctx).
		Model(&AllowedOrigin{}).
		Where("uuid = ?", uuid).
		Updates(map[string]any{
			"usage_count":  count,
			"last_used_at": lastUsed,
		}).Error; err != nil {
		return fmt.Errorf("recording origin usage: %w", err)
	}

	return nil
}

// --- Revoked-token denylist ---

func (s *store) InsertRevokedToken(
	ctx context.Context, token *RevokedToken,
) error {
	// Revocation is idempotent: re-revoking the same token is a no-op.
	if err := s.db.WithContext(ctx).
		Where("token_hash = ?", token.TokenHash).
		FirstOrCreate(token).Error; err != nil {
		return fmt.Errorf("inserting revoked token: %w", err)
	}

	return nil
}

func (s *store) RevokedTokenExists(
	ctx context.Context, tokenHash string,
) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&RevokedToken{}).
		Where("token_hash = ?", tokenHash).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("checking revoked token: %w", err)
	}

	return count > 0, nil
}

func (s *store) DeleteExpiredRevokedTokens(
	ctx context.Context, now time.Time,
) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", now).
		Delete(&RevokedToken{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting expired revoked tokens: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		s.log.WithField("count", result.RowsAffected).
			Debug("Cleaned up expired revoked tokens")
	}

	return result.RowsAffected, nil
}

// --- User lookup ---

func (s *store) GetActiveUserByID(
	ctx context.Context, id string,
) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).
		Where("id = ? AND is_active = ?", id, true).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("getting user by id: %w", err)
	}

	return &user, nil
}

// SeedUsers upserts config-sourced user records; existing rows keep
// their active flag.
func (s *store) SeedUsers(
	ctx context.Context, users []config.SeedUser,
) error {
	for _, u := range users {
		record := User{
			ID:       u.ID,
			Email:    u.Email,
			Role:     u.Role,
			IsActive: true,
		}

		if err := s.db.WithContext(ctx).
			Where("id = ?", u.ID).
			Assign(User{Email: u.Email, Role: u.Role}).
			FirstOrCreate(&record).Error; err != nil {
			return fmt.Errorf("seeding user %q: %w", u.ID, err)
		}
	}

	if len(users) > 0 {
		s.log.WithField("count", len(users)).
			Info("Seeded users from config")
	}

	return nil
}
