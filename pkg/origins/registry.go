package origins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/inkhaven/inkhaven/pkg/api/store"
	"github.com/inkhaven/inkhaven/pkg/config"
)

const (
	storeTimeout     = 5 * time.Second
	flushConcurrency = 4
)

var (
	// ErrInvalidURL is returned for origins that do not parse as
	// absolute URLs or violate the prod-https rule.
	ErrInvalidURL = errors.New("invalid origin url")

	// ErrDuplicate is returned when an origin URL is already registered.
	ErrDuplicate = errors.New("origin already registered")

	// ErrNotFound is returned when no origin has the given id.
	ErrNotFound = errors.New("origin not found")
)

// Origin is the registry's view of an allow-list entry.
type Origin struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	Environment string     `json:"environment"`
	Description string     `json:"description"`
	AddedBy     string     `json:"added_by"`
	AddedAt     time.Time  `json:"added_at"`
	LastUsedAt  *time.Time `json:"last_used_at"`
	UsageCount  int64      `json:"usage_count"`
	IsActive    bool       `json:"is_active"`
	Tags        []string   `json:"tags"`
}

// AddParams are the caller-supplied fields of a new origin.
type AddParams struct {
	URL         string
	Environment string
	Description string
	AddedBy     string
	Tags        []string
}

// Patch selects origin fields to update; nil fields are left untouched.
type Patch struct {
	URL         *string
	Environment *string
	Description *string
	IsActive    *bool
	Tags        *[]string
}

// Stats summarizes the registry contents.
type Stats struct {
	Total         int            `json:"total"`
	Active        int            `json:"active"`
	ByEnvironment map[string]int `json:"by_environment"`
	TopByUsage    []Origin       `json:"top_by_usage"`
}

// Store is the durable backing the registry persists to.
type Store interface {
	ListOrigins(ctx context.Context) ([]store.AllowedOrigin, error)
	CreateOrigin(ctx context.Context, origin *store.AllowedOrigin) error
	UpdateOrigin(ctx context.Context, origin *store.AllowedOrigin) error
	DeleteOrigin(ctx context.Context, uuid string) (bool, error)
	RecordOriginUsage(ctx context.Context, uuid string, count int64, lastUsed time.Time) error
}

// Registry is the in-memory allow-list, persisted through Store. Admin
// mutations persist before the in-memory commit so a crash cannot leave
// memory ahead of disk. Usage stats take the opposite path: they commit
// in memory on the hot path and flush asynchronously.
type Registry struct {
	log   logrus.FieldLogger
	store Store

	mu      sync.RWMutex
	byID    map[string]*Origin
	idByURL map[string]string
	dirty   map[string]struct{}
	stale   bool
}

// NewRegistry creates an empty registry backed by the given store.
func NewRegistry(log logrus.FieldLogger, s Store) *Registry {
	return &Registry{
		log:     log.WithField("component", "origins"),
		store:   s,
		byID:    make(map[string]*Origin),
		idByURL: make(map[string]string),
		dirty:   make(map[string]struct{}),
	}
}

// Load populates the registry from the store. A missing or unreadable
// store starts the registry empty rather than failing startup.
func (r *Registry) Load(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	records, err := r.store.ListOrigins(ctx)
	if err != nil {
		r.log.WithError(err).
			Warn("Could not load origin allow-list, starting empty")

		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range records {
		o := fromRecord(&records[i])
		r.byID[o.ID] = o
		r.idByURL[normalizeOrigin(o.URL)] = o.ID
	}

	r.log.WithField("count", len(records)).Info("Origin allow-list loaded")

	return nil
}

// Seed registers config-supplied origins that are not present yet.
func (r *Registry) Seed(ctx context.Context, seeds map[string][]string) error {
	for env, urls := range seeds {
		for _, raw := range urls {
			_, err := r.Add(ctx, AddParams{
				URL:         raw,
				Environment: env,
				Description: "seeded from config",
				AddedBy:     "config",
			})
			if errors.Is(err, ErrDuplicate) {
				continue
			}

			if err != nil {
				return fmt.Errorf("seeding origin %q: %w", raw, err)
			}
		}
	}

	return nil
}

// Add validates and registers a new origin, persisting it before the
// in-memory commit.
func (r *Registry) Add(ctx context.Context, params AddParams) (*Origin, error) {
	normalized, err := validateOriginURL(params.URL, params.Environment)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	_, exists := r.idByURL[normalized]
	r.mu.RUnlock()

	if exists {
		return nil, ErrDuplicate
	}

	o := &Origin{
		ID:          uuid.NewString(),
		URL:         normalized,
		Environment: params.Environment,
		Description: params.Description,
		AddedBy:     params.AddedBy,
		AddedAt:     time.Now().UTC(),
		IsActive:    true,
		Tags:        params.Tags,
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	if err := r.store.CreateOrigin(ctx, toRecord(o)); err != nil {
		r.markStale(err)

		return nil, fmt.Errorf("persisting origin: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check under the write lock: a concurrent Add may have won.
	if _, exists := r.idByURL[normalized]; exists {
		return nil, ErrDuplicate
	}

	r.byID[o.ID] = o
	r.idByURL[normalized] = o.ID

	return cloneOrigin(o), nil
}

// Update applies a patch to an origin, persisting before commit.
func (r *Registry) Update(ctx context.Context, id string, patch Patch) (*Origin, error) {
	r.mu.RLock()
	current, ok := r.byID[id]
	if !ok {
		r.mu.RUnlock()

		return nil, ErrNotFound
	}

	updated := *cloneOrigin(current)
	r.mu.RUnlock()

	if patch.Environment != nil {
		updated.Environment = *patch.Environment
	}

	if patch.URL != nil {
		normalized, err := validateOriginURL(*patch.URL, updated.Environment)
		if err != nil {
			return nil, err
		}

		updated.URL = normalized
	} else if patch.Environment != nil {
		// Environment changes re-apply the prod-https rule to the
		// existing URL.
		if _, err := validateOriginURL(updated.URL, updated.Environment); err != nil {
			return nil, err
		}
	}

	if patch.Description != nil {
		updated.Description = *patch.Description
	}

	if patch.IsActive != nil {
		updated.IsActive = *patch.IsActive
	}

	if patch.Tags != nil {
		updated.Tags = *patch.Tags
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	if err := r.store.UpdateOrigin(ctx, toRecord(&updated)); err != nil {
		r.markStale(err)

		return nil, fmt.Errorf("persisting origin update: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}

	delete(r.idByURL, normalizeOrigin(prev.URL))
	committed := updated
	r.byID[id] = &committed
	r.idByURL[normalizeOrigin(committed.URL)] = id

	return cloneOrigin(&committed), nil
}

// Remove deletes an origin, persisting the removal before the
// in-memory commit. It reports whether an entry was removed.
func (r *Registry) Remove(ctx context.Context, id string) (bool, error) {
	r.mu.RLock()
	current, ok := r.byID[id]
	r.mu.RUnlock()

	if !ok {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	if _, err := r.store.DeleteOrigin(ctx, id); err != nil {
		r.markStale(err)

		return false, fmt.Errorf("persisting origin removal: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byID, id)
	delete(r.idByURL, normalizeOrigin(current.URL))
	delete(r.dirty, id)

	return true, nil
}

// Get returns the origin with the given id.
func (r *Registry) Get(id string) (*Origin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.byID[id]
	if !ok {
		return nil, false
	}

	return cloneOrigin(o), true
}

// List returns all origins ordered by creation time.
func (r *Registry) List() []Origin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Origin, 0, len(r.byID))
	for _, o := range r.byID {
		out = append(out, *cloneOrigin(o))
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].AddedAt.Before(out[j].AddedAt)
	})

	return out
}

// ActiveOrigins returns the URLs of active origins, optionally filtered
// by environment. Pass an empty environment for all.
func (r *Registry) ActiveOrigins(env string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var urls []string

	for _, o := range r.byID {
		if !o.IsActive {
			continue
		}

		if env != "" && o.Environment != env {
			continue
		}

		urls = append(urls, o.URL)
	}

	sort.Strings(urls)

	return urls
}

// Contains reports whether the given origin exactly matches an active
// allow-list entry. It is a pure read with no side effects.
func (r *Registry) Contains(origin string) bool {
	normalized := normalizeOrigin(origin)

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.idByURL[normalized]
	if !ok {
		return false
	}

	return r.byID[id].IsActive
}

// MarkUsed bumps the usage stats of a matched origin in memory and
// queues the row for the next asynchronous flush.
func (r *Registry) MarkUsed(origin string) {
	normalized := normalizeOrigin(origin)
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.idByURL[normalized]
	if !ok {
		return
	}

	o := r.byID[id]
	o.UsageCount++
	o.LastUsedAt = &now
	r.dirty[id] = struct{}{}
}

// FlushUsage persists queued usage updates with bounded concurrency.
func (r *Registry) FlushUsage(ctx context.Context) error {
	type usage struct {
		id       string
		count    int64
		lastUsed time.Time
	}

	r.mu.Lock()
	pending := make([]usage, 0, len(r.dirty))

	for id := range r.dirty {
		o, ok := r.byID[id]
		if !ok || o.LastUsedAt == nil {
			continue
		}

		pending = append(pending, usage{id: id, count: o.UsageCount, lastUsed: *o.LastUsedAt})
	}

	r.dirty = make(map[string]struct{})
	r.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(flushConcurrency)

	for _, u := range pending {
		u := u
		g.Go(func() error {
			flushCtx, cancel := context.WithTimeout(ctx, storeTimeout)
			defer cancel()

			return r.store.RecordOriginUsage(flushCtx, u.id, u.count, u.lastUsed)
		})
	}

	if err := g.Wait(); err != nil {
		r.markStale(err)

		return fmt.Errorf("flushing origin usage: %w", err)
	}

	return nil
}

// Stats summarizes the registry.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Total:         len(r.byID),
		ByEnvironment: make(map[string]int),
	}

	byUsage := make([]*Origin, 0, len(r.byID))

	for _, o := range r.byID {
		if o.IsActive {
			stats.Active++
		}

		stats.ByEnvironment[o.Environment]++
		byUsage = append(byUsage, o)
	}

	sort.Slice(byUsage, func(i, j int) bool {
		if byUsage[i].UsageCount != byUsage[j].UsageCount {
			return byUsage[i].UsageCount > byUsage[j].UsageCount
		}

		return byUsage[i].URL < byUsage[j].URL
	})

	top := 5
	if len(byUsage) < top {
		top = len(byUsage)
	}

	stats.TopByUsage = make([]Origin, 0, top)
	for _, o := range byUsage[:top] {
		stats.TopByUsage = append(stats.TopByUsage, *cloneOrigin(o))
	}

	return stats
}

// Stale reports whether a persistence failure left durable state behind
// the in-memory view. Reads are still served.
func (r *Registry) Stale() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.stale
}

func (r *Registry) markStale(err error) {
	r.mu.Lock()
	r.stale = true
	r.mu.Unlock()

	r.log.WithError(err).Warn("Origin registry persistence failure, in-memory state flagged stale")
}

// validateOriginURL checks that raw is an absolute URL and that prod
// origins use https, returning the normalized form.
func validateOriginURL(raw, environment string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return "", ErrInvalidURL
	}

	if environment == config.EnvProd && parsed.Scheme != "https" {
		return "", fmt.Errorf("%w: prod origins must use https", ErrInvalidURL)
	}

	return normalizeOrigin(raw), nil
}

// normalizeOrigin reduces a URL to its lowercase scheme://host[:port]
// form so allow-list matching is exact on the origin tuple.
func normalizeOrigin(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Host == "" {
		return strings.ToLower(strings.TrimRight(strings.TrimSpace(raw), "/"))
	}

	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host)
}

func cloneOrigin(o *Origin) *Origin {
	clone := *o

	if o.LastUsedAt != nil {
		t := *o.LastUsedAt
		clone.LastUsedAt = &t
	}

	if o.Tags != nil {
		clone.Tags = append([]string(nil), o.Tags...)
	}

	return &clone
}

func toRecord(o *Origin) *store.AllowedOrigin {
	tags := ""

	if len(o.Tags) > 0 {
		raw, err := json.Marshal(o.Tags)
		if err == nil {
			tags = string(raw)
		}
	}

	return &store.AllowedOrigin{
		UUID:        o.ID,
		URL:         o.URL,
		Environment: o.Environment,
		Description: o.Description,
		AddedBy:     o.AddedBy,
		IsActive:    o.IsActive,
		UsageCount:  o.UsageCount,
		LastUsedAt:  o.LastUsedAt,
		Tags:        tags,
		CreatedAt:   o.AddedAt,
	}
}

func fromRecord(rec *store.AllowedOrigin) *Origin {
	var tags []string

	if rec.Tags != "" {
		// Corrupt tag payloads degrade to no tags rather than failing
		// the whole load.
		_ = json.Unmarshal([]byte(rec.Tags), &tags)
	}

	return &Origin{
		ID:          rec.UUID,
		URL:         rec.URL,
		Environment: rec.Environment,
		Description: rec.Description,
		AddedBy:     rec.AddedBy,
		AddedAt:     rec.CreatedAt,
		LastUsedAt:  rec.LastUsedAt,
		UsageCount:  rec.UsageCount,
		IsActive:    rec.IsActive,
		Tags:        tags,
	}
}
