// Package alerts keeps the in-process security alert trail: a
// time-windowed violation counter keyed by (origin, client address) and
// a bounded, newest-first buffer of alerts.
//
// All state is local to one process instance. Horizontally scaled
// deployments under-count per-pair violations because each instance
// escalates independently; a shared counter store would change
// observable escalation timing and is deliberately not introduced here.
package alerts

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Alert kinds.
const (
	KindViolation  = "VIOLATION"
	KindSuspicious = "SUSPICIOUS"
	KindBlocked    = "BLOCKED"
)

// Severity levels, in escalation order.
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// Violation-count thresholds for severity escalation. Counts only ever
// grow within a window, so severity never de-escalates before the
// wholesale reset.
const (
	mediumThreshold   = 5
	highThreshold     = 10
	criticalThreshold = 50
)

const maxUserAgentLen = 200

// Alert is an immutable record of a security signal.
type Alert struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Kind       string         `json:"kind"`
	Severity   string         `json:"severity"`
	Origin     string         `json:"origin"`
	ClientAddr string         `json:"client_addr"`
	UserAgent  string         `json:"user_agent"`
	Details    map[string]any `json:"details,omitempty"`
}

// Stats aggregates the retained alerts.
type Stats struct {
	Total      int            `json:"total"`
	LastHour   int            `json:"last_hour"`
	BySeverity map[string]int `json:"by_severity"`
	TopOrigins []OriginCount  `json:"top_origins"`
}

// OriginCount pairs an origin with its alert count.
type OriginCount struct {
	Origin string `json:"origin"`
	Count  int    `json:"count"`
}

// System records alerts and escalates severity from violation counts.
// Safe for concurrent use.
type System struct {
	log           logrus.FieldLogger
	capacity      int
	resetInterval time.Duration
	now           func() time.Time

	mu            sync.Mutex
	alerts        []Alert
	violations    map[string]int
	windowStarted time.Time
}

// Option configures a System.
type Option func(*System)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *System) {
		s.now = now
	}
}

// NewSystem creates an alert system with the given ring-buffer capacity
// and violation reset interval.
func NewSystem(
	log logrus.FieldLogger,
	capacity int,
	resetInterval time.Duration,
	opts ...Option,
) *System {
	if capacity <= 0 {
		capacity = 1000
	}

	if resetInterval <= 0 {
		resetInterval = time.Hour
	}

	s := &System{
		log:           log.WithField("component", "alerts"),
		capacity:      capacity,
		resetInterval: resetInterval,
		now:           func() time.Time { return time.Now().UTC() },
		violations:    make(map[string]int),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.windowStarted = s.now()

	return s
}

// Record creates an alert for the given signal, escalating severity
// from the cumulative violation count of the (origin, clientAddr) pair
// within the current window.
func (s *System) Record(
	kind, origin, clientAddr, userAgent string,
	details map[string]any,
) Alert {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Coarse reset: the whole counter map is cleared once the window
	// has elapsed. Not a sliding window; escalation timing depends on it.
	if now.Sub(s.windowStarted) >= s.resetInterval {
		s.violations = make(map[string]int)
		s.windowStarted = now
	}

	key := origin + "|" + clientAddr
	s.violations[key]++
	count := s.violations[key]

	alert := Alert{
		ID:         uuid.NewString(),
		Timestamp:  now,
		Kind:       kind,
		Severity:   severityFor(count),
		Origin:     origin,
		ClientAddr: clientAddr,
		UserAgent:  truncate(userAgent, maxUserAgentLen),
		Details:    details,
	}

	// Newest first: prepend, then truncate from the back at capacity.
	s.alerts = append(s.alerts, Alert{})
	copy(s.alerts[1:], s.alerts)
	s.alerts[0] = alert

	if len(s.alerts) > s.capacity {
		s.alerts = s.alerts[:s.capacity]
	}

	s.log.WithFields(logrus.Fields{
		"kind":     kind,
		"severity": alert.Severity,
		"origin":   origin,
		"client":   clientAddr,
	}).Debug("Security alert recorded")

	return alert
}

// Recent returns up to limit alerts, newest first. A non-positive limit
// returns everything retained.
func (s *System) Recent(limit int) []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.alerts)
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]Alert, n)
	copy(out, s.alerts[:n])

	return out
}

// Stats aggregates the retained alerts.
func (s *System) Stats() Stats {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		Total:      len(s.alerts),
		BySeverity: make(map[string]int),
	}

	originCounts := make(map[string]int)

	for i := range s.alerts {
		a := &s.alerts[i]
		stats.BySeverity[a.Severity]++

		if now.Sub(a.Timestamp) <= time.Hour {
			stats.LastHour++
		}

		if a.Origin != "" {
			originCounts[a.Origin]++
		}
	}

	stats.TopOrigins = topOrigins(originCounts, 5)

	return stats
}

// ViolationCount returns the current in-window count for a pair.
func (s *System) ViolationCount(origin, clientAddr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.violations[origin+"|"+clientAddr]
}

// severityFor maps a cumulative violation count to a severity level.
// Counts between the high and critical thresholds stay HIGH.
func severityFor(count int) string {
	switch {
	case count >= criticalThreshold:
		return SeverityCritical
	case count >= highThreshold:
		return SeverityHigh
	case count >= mediumThreshold:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func topOrigins(counts map[string]int, n int) []OriginCount {
	out := make([]OriginCount, 0, len(counts))
	for origin, count := range counts {
		out = append(out, OriginCount{Origin: origin, Count: count})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}

		return out[i].Origin < out[j].Origin
	})

	if len(out) > n {
		out = out[:n]
	}

	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n]
}
