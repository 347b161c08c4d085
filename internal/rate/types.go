package rate

import "time"

// Declaration describes the request budget a provider is allowed to spend.
type Declaration struct {
	provider   string
	perMinute  int
	retryAfter string
	minCool    time.Duration
	advisory   bool
}

// Provider starts a declaration for the named provider.
func Provider(name string) Declaration {
	return Declaration{provider: name, retryAfter: "Retry-After"}
}

func (d Declaration) ProviderName() string {
	return d.provider
}

// MaxRequestsPerMinute caps outgoing calls. Zero or less disables the bucket.
func (d Declaration) MaxRequestsPerMinute(limit int) Declaration {
	d.perMinute = limit
	return d
}

// RetryAfterHeader names the header read on 429 responses.
func (d Declaration) RetryAfterHeader(name string) Declaration {
	d.retryAfter = name
	return d
}

// MinCooldown is applied on 429 when the provider sends no usable Retry-After.
func (d Declaration) MinCooldown(wait time.Duration) Declaration {
	d.minCool = wait
	return d
}

// AdvisoryRetryAfter records Retry-After in metrics without refusing calls.
// Used by clients that run their own backoff on 429.
func (d Declaration) AdvisoryRetryAfter() Declaration {
	d.advisory = true
	return d
}

func (d Declaration) PerMinute() int {
	return d.perMinute
}

func (d Declaration) HasLimits() bool {
	return d.perMinute > 0
}

// RateLimited is implemented by clients that declare limits.
type RateLimited interface {
	RateLimits() Declaration
}
