package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/inkhaven/inkhaven/pkg/admission"
	"github.com/inkhaven/inkhaven/pkg/alerts"
	"github.com/inkhaven/inkhaven/pkg/api/store"
	"github.com/inkhaven/inkhaven/pkg/auth"
	"github.com/inkhaven/inkhaven/pkg/config"
	"github.com/inkhaven/inkhaven/pkg/origins"
	"github.com/inkhaven/inkhaven/pkg/ratelimit"
)

const (
	shutdownTimeout     = 10 * time.Second
	revocationPurgeTick = 15 * time.Minute
	usageFlushTick      = 30 * time.Second
)

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

// Option customizes the server before Start.
type Option func(*server)

// WithDomainRoutes mounts blog-domain handlers behind the full
// admission and optional-auth pipeline. The domain handlers themselves
// live outside this layer.
func WithDomainRoutes(mount func(chi.Router)) Option {
	return func(s *server) {
		s.domainRoutes = mount
	}
}

type server struct {
	log          logrus.FieldLogger
	cfg          *config.Config
	store        store.Store
	registry     *origins.Registry
	validator    *origins.Validator
	alerts       *alerts.System
	limiter      *ratelimit.AdaptiveLimiter
	gate         *admission.Gate
	authGate     *auth.Gate
	revocations  *auth.RevocationList
	domainRoutes func(chi.Router)
	httpServer   *http.Server
	wg           sync.WaitGroup
	done         chan struct{}
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
	opts ...Option,
) Server {
	s := &server{
		log:  log.WithField("component", "api"),
		cfg:  cfg,
		done: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start initializes security state, builds the router, and starts the
// HTTP server.
func (s *server) Start(ctx context.Context) error {
	// Create and start the database store.
	s.store = store.NewStore(s.log, &s.cfg.Database)
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	// Seed users from config.
	if len(s.cfg.Auth.SeedUsers) > 0 {
		if err := s.store.SeedUsers(ctx, s.cfg.Auth.SeedUsers); err != nil {
			return fmt.Errorf("seeding users: %w", err)
		}
	}

	// Load the origin allow-list; a fresh or unreadable store starts
	// empty, then config seeds fill it in.
	s.registry = origins.NewRegistry(s.log, s.store)
	if err := s.registry.Load(ctx); err != nil {
		return fmt.Errorf("loading origin registry: %w", err)
	}

	if err := s.registry.Seed(ctx, s.cfg.Security.SeedOrigins); err != nil {
		return fmt.Errorf("seeding origins: %w", err)
	}

	s.alerts = alerts.NewSystem(
		s.log,
		s.cfg.Security.AlertBufferSize,
		s.cfg.Security.ViolationResetInterval,
	)

	s.limiter = ratelimit.NewAdaptiveLimiter(s.cfg.RateLimit)
	s.validator = origins.NewValidator(s.registry)

	s.gate = admission.NewGate(
		s.log,
		admission.Config{
			SuspicionThreshold: s.cfg.Security.SuspicionThreshold,
			WarmingSources:     s.cfg.Security.WarmingSources,
			ExposeDetails:      !s.cfg.IsProduction(),
		},
		s.validator,
		s.alerts,
		s.limiter,
		s.registry,
	)

	s.revocations = auth.NewRevocationList(s.log, s.store)

	s.authGate = auth.NewGate(
		s.log,
		auth.GateConfig{
			Secret:     s.cfg.Auth.JWTSecret,
			CookieName: s.cfg.Auth.CookieName,
		},
		s.revocations,
		&storeUserLookup{store: s.store},
	)

	// Build router and start HTTP server.
	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.startMaintenance(ctx)

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// startMaintenance runs the background reapers: expired denylist rows
// and queued origin usage stats.
func (s *server) startMaintenance(ctx context.Context) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		purge := time.NewTicker(revocationPurgeTick)
		defer purge.Stop()

		flush := time.NewTicker(usageFlushTick)
		defer flush.Stop()

		for {
			select {
			case <-purge.C:
				if _, err := s.revocations.PurgeExpired(ctx); err != nil {
					s.log.WithError(err).
						Warn("Failed to purge expired revoked tokens")
				}
			case <-flush.C:
				if err := s.registry.FlushUsage(ctx); err != nil {
					s.log.WithError(err).
						Warn("Failed to flush origin usage stats")
				}
			case <-s.done:
				return
			}
		}
	}()
}

// Stop gracefully shuts down the HTTP server, flushes pending state,
// and closes the store.
func (s *server) Stop() error {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if s.registry != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.registry.FlushUsage(ctx); err != nil {
			s.log.WithError(err).Warn("Final usage flush failed")
		}
	}

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping store: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}

// storeUserLookup adapts the store to the auth gate's user-lookup
// collaborator interface.
type storeUserLookup struct {
	store store.Store
}

func (l *storeUserLookup) FindActiveUserByID(
	ctx context.Context, id string,
) (*auth.Identity, error) {
	user, err := l.store.GetActiveUserByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, auth.ErrUserNotFound
	}

	if err != nil {
		return nil, err
	}

	return &auth.Identity{
		ID:    user.ID,
		Role:  user.Role,
		Email: user.Email,
	}, nil
}
