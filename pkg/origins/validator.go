package origins

import (
	"net"
	"net/url"
	"strings"
)

// Validator warnings; the gate forwards non-empty sets to the alert
// system and applies the suspicion threshold.
const (
	WarnInvalidOriginFormat   = "invalid origin format"
	WarnInvalidRefererFormat  = "invalid referer format"
	WarnBareIPv4Host          = "origin host is a bare IPv4 address"
	WarnLocalhostPort         = "non-standard localhost port"
	WarnUnexpectedHostChars   = "origin host contains unexpected characters"
	WarnRefererHostMismatch   = "referer host does not match origin"
	WarnRefererSchemeMismatch = "referer scheme does not match origin"
)

// standardDevPorts are the localhost ports common dev servers bind to;
// anything else on localhost draws a warning.
var standardDevPorts = map[string]struct{}{
	"3000": {},
	"4200": {},
	"5173": {},
	"8080": {},
}

// AllowList answers exact-match membership for active origins.
type AllowList interface {
	Contains(origin string) bool
}

// Result is the validator's decision for one request.
type Result struct {
	Allowed  bool     `json:"allowed"`
	Warnings []string `json:"warnings"`
}

// Validator scores Origin/Referer header pairs. It is a pure decision
// maker: allow-list membership is the only thing that decides admission,
// warnings are signals for the gate, and no side effects happen here.
type Validator struct {
	allowList AllowList
}

// NewValidator creates a validator against the given allow-list.
func NewValidator(list AllowList) *Validator {
	return &Validator{allowList: list}
}

// Validate checks an Origin/Referer pair. Requests without an Origin
// header are allowed: browser CORS traffic is the only channel this
// check exists for, and same-service or non-browser clients never send
// one.
func (v *Validator) Validate(origin, referer string) Result {
	if strings.TrimSpace(origin) == "" {
		return Result{Allowed: true}
	}

	parsed, err := url.Parse(origin)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return Result{Allowed: false, Warnings: []string{WarnInvalidOriginFormat}}
	}

	var warnings []string

	host := strings.ToLower(parsed.Hostname())

	if ip := net.ParseIP(host); ip != nil && ip.To4() != nil {
		warnings = append(warnings, WarnBareIPv4Host)
	}

	if host == "localhost" || host == "127.0.0.1" {
		if port := parsed.Port(); port != "" {
			if _, ok := standardDevPorts[port]; !ok {
				warnings = append(warnings, WarnLocalhostPort)
			}
		}
	}

	if hasUnexpectedHostChars(host) {
		warnings = append(warnings, WarnUnexpectedHostChars)
	}

	warnings = append(warnings, crossCheckReferer(parsed, referer)...)

	// Membership in the allow-list is the admission decision; warnings
	// alone never flip it.
	return Result{
		Allowed:  v.allowList.Contains(origin),
		Warnings: warnings,
	}
}

// crossCheckReferer compares the Referer against the parsed Origin.
// Mismatches are policy signals, not rejections.
func crossCheckReferer(origin *url.URL, referer string) []string {
	if strings.TrimSpace(referer) == "" {
		return nil
	}

	parsed, err := url.Parse(referer)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return []string{WarnInvalidRefererFormat}
	}

	var warnings []string

	if !strings.EqualFold(parsed.Hostname(), origin.Hostname()) {
		warnings = append(warnings, WarnRefererHostMismatch)
	}

	if !strings.EqualFold(parsed.Scheme, origin.Scheme) {
		warnings = append(warnings, WarnRefererSchemeMismatch)
	}

	return warnings
}

func hasUnexpectedHostChars(host string) bool {
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '-':
		default:
			return true
		}
	}

	return false
}
