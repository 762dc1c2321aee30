// Package admission decides, before any domain handler runs, whether a
// request is accepted, throttled, or rejected. It composes the origin
// validator's pure decision with the alert system and the adaptive rate
// limiter; all side effects (alerting, usage accounting) happen here,
// never inside the validator.
package admission

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inkhaven/inkhaven/pkg/alerts"
	"github.com/inkhaven/inkhaven/pkg/origins"
	"github.com/inkhaven/inkhaven/pkg/ratelimit"
)

// Warming bypass headers: self-health-check traffic skips the gate.
const (
	HeaderWarmingRequest = "X-Warming-Request"
	HeaderWarmingSource  = "X-Warming-Source"
)

// Action is the terminal outcome of admission.
type Action int

// Admission outcomes.
const (
	Accept Action = iota
	Throttle
	Reject
)

// Machine-readable rejection reasons.
const (
	ReasonCORSPolicyViolation = "CORS_POLICY_VIOLATION"
	ReasonSuspiciousOrigin    = "SUSPICIOUS_ORIGIN"
	ReasonRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
)

// Decision is the gate's verdict for one request. Callers only ever see
// this value; validator and limiter errors are resolved here.
type Decision struct {
	Action     Action
	Reason     string
	RetryAfter time.Duration
	Warnings   []string
	Origin     string
}

// UsageRecorder marks allow-listed origins as used.
type UsageRecorder interface {
	MarkUsed(origin string)
}

// Config tunes the gate.
type Config struct {
	// SuspicionThreshold is the warning count at which a request is
	// rejected even when its origin is allow-listed.
	SuspicionThreshold int

	// WarmingSources optionally restricts which X-Warming-Source values
	// may bypass the gate. Empty means any non-empty source.
	WarmingSources []string

	// ExposeDetails includes diagnostic detail (warnings, offending
	// values) in rejection responses. Off in production.
	ExposeDetails bool
}

// Gate is the admission gate.
type Gate struct {
	log       logrus.FieldLogger
	cfg       Config
	validator *origins.Validator
	alerts    *alerts.System
	limiter   *ratelimit.AdaptiveLimiter
	usage     UsageRecorder
}

// NewGate wires the admission gate.
func NewGate(
	log logrus.FieldLogger,
	cfg Config,
	validator *origins.Validator,
	alertSystem *alerts.System,
	limiter *ratelimit.AdaptiveLimiter,
	usage UsageRecorder,
) *Gate {
	if cfg.SuspicionThreshold <= 0 {
		cfg.SuspicionThreshold = 2
	}

	return &Gate{
		log:       log.WithField("component", "admission"),
		cfg:       cfg,
		validator: validator,
		alerts:    alertSystem,
		limiter:   limiter,
		usage:     usage,
	}
}

// Admit runs the full admission pipeline for a request.
func (g *Gate) Admit(r *http.Request) Decision {
	origin := r.Header.Get("Origin")
	referer := r.Header.Get("Referer")
	clientAddr := ClientAddr(r)
	userAgent := r.UserAgent()

	result := g.validator.Validate(origin, referer)

	if len(result.Warnings) > 0 {
		g.alerts.Record(alerts.KindSuspicious, origin, clientAddr, userAgent,
			map[string]any{"warnings": result.Warnings})
	}

	if !result.Allowed {
		g.alerts.Record(alerts.KindViolation, origin, clientAddr, userAgent,
			map[string]any{"reason": ReasonCORSPolicyViolation})

		return Decision{
			Action:   Reject,
			Reason:   ReasonCORSPolicyViolation,
			Warnings: result.Warnings,
			Origin:   origin,
		}
	}

	// Allow-listed origins can still be rejected on shape: an anomalous
	// request from a trusted origin is worth stopping.
	if len(result.Warnings) >= g.cfg.SuspicionThreshold {
		g.alerts.Record(alerts.KindBlocked, origin, clientAddr, userAgent,
			map[string]any{
				"reason":   ReasonSuspiciousOrigin,
				"warnings": result.Warnings,
			})

		return Decision{
			Action:   Reject,
			Reason:   ReasonSuspiciousOrigin,
			Warnings: result.Warnings,
			Origin:   origin,
		}
	}

	tier := ratelimit.Classify(r, result.Warnings)

	limit := g.limiter.Allow(tier, clientAddr)
	if !limit.Allowed {
		return Decision{
			Action:     Throttle,
			Reason:     ReasonRateLimitExceeded,
			RetryAfter: limit.RetryAfter,
			Warnings:   result.Warnings,
			Origin:     origin,
		}
	}

	if origin != "" {
		g.usage.MarkUsed(origin)
	}

	return Decision{Action: Accept, Warnings: result.Warnings, Origin: origin}
}

// Middleware enforces admission decisions. Warming traffic bypasses the
// gate entirely.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.isWarmingRequest(r) {
			g.log.WithField("source", r.Header.Get(HeaderWarmingSource)).
				Debug("Warming request bypassing admission")

			next.ServeHTTP(w, r)

			return
		}

		decision := g.Admit(r)

		switch decision.Action {
		case Accept:
			next.ServeHTTP(w, r)
		case Throttle:
			retryAfter := int(decision.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}

			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			g.writeRejection(w, http.StatusTooManyRequests,
				decision, "rate limit exceeded")
		case Reject:
			g.writeRejection(w, http.StatusForbidden,
				decision, "request blocked by origin policy")
		}
	})
}

func (g *Gate) isWarmingRequest(r *http.Request) bool {
	if r.Header.Get(HeaderWarmingRequest) != "true" {
		return false
	}

	source := strings.TrimSpace(r.Header.Get(HeaderWarmingSource))
	if source == "" {
		return false
	}

	if len(g.cfg.WarmingSources) == 0 {
		return true
	}

	for _, allowed := range g.cfg.WarmingSources {
		if source == allowed {
			return true
		}
	}

	return false
}

func (g *Gate) writeRejection(
	w http.ResponseWriter,
	status int,
	decision Decision,
	message string,
) {
	body := map[string]any{
		"error": message,
		"code":  decision.Reason,
	}

	if g.cfg.ExposeDetails {
		details := map[string]any{}

		if decision.Origin != "" {
			details["origin"] = decision.Origin
		}

		if len(decision.Warnings) > 0 {
			details["warnings"] = decision.Warnings
		}

		if decision.RetryAfter > 0 {
			details["retry_after_seconds"] = int(decision.RetryAfter.Seconds())
		}

		if len(details) > 0 {
			body["details"] = details
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.log.WithError(err).Debug("Failed to encode rejection body")
	}
}

// ClientAddr returns the client's address from the request, preferring
// the first hop of X-Forwarded-For behind a reverse proxy.
func ClientAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}

		return strings.TrimSpace(xff)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}
