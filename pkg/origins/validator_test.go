package origins_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkhaven/inkhaven/pkg/origins"
)

// staticAllowList answers membership from a fixed set without
// normalization; validator tests pass exact origins.
type staticAllowList map[string]bool

func (l staticAllowList) Contains(origin string) bool {
	return l[origin]
}

func TestValidator_EmptyOriginAllowed(t *testing.T) {
	v := origins.NewValidator(staticAllowList{})

	// Non-browser clients never send an Origin header; they pass.
	result := v.Validate("", "")
	assert.True(t, result.Allowed)
	assert.Empty(t, result.Warnings)
}

func TestValidator_AllowedOriginNoWarnings(t *testing.T) {
	v := origins.NewValidator(staticAllowList{
		"https://blog.example.com": true,
	})

	result := v.Validate("https://blog.example.com", "")
	assert.True(t, result.Allowed)
	assert.Empty(t, result.Warnings)
}

func TestValidator_UnknownOriginRejected(t *testing.T) {
	v := origins.NewValidator(staticAllowList{})

	result := v.Validate("https://evil.example.com", "")
	assert.False(t, result.Allowed)
	assert.Empty(t, result.Warnings)
}

func TestValidator_MalformedOrigin(t *testing.T) {
	v := origins.NewValidator(staticAllowList{})

	for _, origin := range []string{
		"not a url",
		"/relative/path",
		"example.com",
	} {
		result := v.Validate(origin, "")
		assert.False(t, result.Allowed, origin)
		assert.Equal(t,
			[]string{origins.WarnInvalidOriginFormat},
			result.Warnings, origin)
	}
}

func TestValidator_BareIPv4Warning(t *testing.T) {
	v := origins.NewValidator(staticAllowList{
		"http://192.168.1.50:3000": true,
	})

	result := v.Validate("http://192.168.1.50:3000", "")

	// Warnings never flip an allow-list match.
	assert.True(t, result.Allowed)
	assert.Contains(t, result.Warnings, origins.WarnBareIPv4Host)
}

func TestValidator_LocalhostPorts(t *testing.T) {
	v := origins.NewValidator(staticAllowList{})

	// Standard dev ports pass without the port warning.
	for _, origin := range []string{
		"http://localhost:3000",
		"http://localhost:4200",
		"http://localhost:5173",
		"http://localhost:8080",
	} {
		result := v.Validate(origin, "")
		assert.NotContains(t, result.Warnings,
			origins.WarnLocalhostPort, origin)
	}

	result := v.Validate("http://localhost:9999", "")
	assert.Contains(t, result.Warnings, origins.WarnLocalhostPort)
}

func TestValidator_UnexpectedHostChars(t *testing.T) {
	v := origins.NewValidator(staticAllowList{})

	result := v.Validate("https://bl%6Fg.example.com", "")
	assert.Contains(t, result.Warnings, origins.WarnUnexpectedHostChars)
}

func TestValidator_RefererCrossCheck(t *testing.T) {
	v := origins.NewValidator(staticAllowList{
		"https://blog.example.com": true,
	})

	tests := []struct {
		name     string
		referer  string
		warnings []string
	}{
		{
			name:    "matching referer",
			referer: "https://blog.example.com/posts/42",
		},
		{
			name:     "host mismatch",
			referer:  "https://other.example.com/page",
			warnings: []string{origins.WarnRefererHostMismatch},
		},
		{
			name:     "scheme mismatch",
			referer:  "http://blog.example.com/page",
			warnings: []string{origins.WarnRefererSchemeMismatch},
		},
		{
			name:     "malformed referer",
			referer:  "::not-a-url::",
			warnings: []string{origins.WarnInvalidRefererFormat},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.Validate("https://blog.example.com", tt.referer)
			assert.True(t, result.Allowed)
			assert.Equal(t, tt.warnings, result.Warnings)
		})
	}
}

func TestValidator_AcceptsEveryRegisteredActiveOrigin(t *testing.T) {
	r, _ := setupRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Seed(ctx, map[string][]string{
		"prod": {"https://blog.example.com", "https://app.example.com"},
		"dev":  {"http://localhost:3000"},
	}))

	v := origins.NewValidator(r)

	for _, origin := range r.ActiveOrigins("") {
		assert.True(t, v.Validate(origin, "").Allowed, origin)
	}
}

func TestValidator_MultipleWarningsAccumulate(t *testing.T) {
	v := origins.NewValidator(staticAllowList{})

	result := v.Validate(
		"http://localhost:9999",
		"https://other.example.com/page",
	)
	assert.False(t, result.Allowed)
	assert.Contains(t, result.Warnings, origins.WarnLocalhostPort)
	assert.Contains(t, result.Warnings, origins.WarnRefererHostMismatch)
	assert.Contains(t, result.Warnings, origins.WarnRefererSchemeMismatch)
}
