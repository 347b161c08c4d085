package rate

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimitError is returned when a call is refused before it leaves the process.
type RateLimitError struct {
	Provider string
	Reason   string
	RetryAt  time.Time
}

func (e RateLimitError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("%s rate limited: %s", e.Provider, e.Reason)
	}
	return fmt.Sprintf("%s rate limited: %s (retry at %s)", e.Provider, e.Reason, e.RetryAt.UTC().Format(time.RFC3339))
}

type Decision struct {
	Allowed bool
	Reason  string
	RetryAt time.Time
}

// Guard enforces a per-minute token bucket and a provider-requested cooldown.
type Guard struct {
	decl Declaration
	now  func() time.Time

	mu         sync.Mutex
	tokens     float64
	last       time.Time
	cooldown   time.Time
	lastStatus int
}

// NewGuard builds a guard with a full bucket.
func NewGuard(decl Declaration) *Guard {
	return newGuardWithClock(decl, time.Now)
}

func newGuardWithClock(decl Declaration, now func() time.Time) *Guard {
	return &Guard{
		decl:   decl,
		now:    now,
		tokens: float64(decl.PerMinute()),
		last:   now(),
	}
}

// WrapHTTP wraps an http.Client with rate-limit enforcement.
func WrapHTTP(decl Declaration, base *http.Client) *http.Client {
	return NewGuard(decl).Wrap(base)
}

// Wrap returns a copy of base whose transport consults the guard.
func (g *Guard) Wrap(base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	client := *base
	transport := client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	client.Transport = &roundTripper{base: transport, guard: g}
	return &client
}

type roundTripper struct {
	base  http.RoundTripper
	guard *Guard
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	decision := rt.guard.ShouldCall()
	if !decision.Allowed {
		if req.Body != nil {
			req.Body.Close()
		}
		blockedTotal.WithLabelValues(rt.guard.decl.ProviderName(), decision.Reason).Inc()
		return nil, RateLimitError{
			Provider: rt.guard.decl.ProviderName(),
			Reason:   decision.Reason,
			RetryAt:  decision.RetryAt,
		}
	}

	resp, err := rt.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	rt.guard.RecordResponse(resp.StatusCode, resp.Header)
	return resp, nil
}

// ShouldCall consumes a token when the call is allowed.
func (g *Guard) ShouldCall() Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if !g.cooldown.IsZero() && now.Before(g.cooldown) {
		return Decision{Allowed: false, Reason: "cooldown", RetryAt: g.cooldown}
	}
	if !g.decl.HasLimits() {
		return Decision{Allowed: true}
	}

	limit := float64(g.decl.PerMinute())
	elapsed := now.Sub(g.last).Seconds()
	if elapsed > 0 {
		g.tokens = min(limit, g.tokens+elapsed*limit/time.Minute.Seconds())
	}
	g.last = now
	if g.tokens < 1 {
		wait := time.Duration((1 - g.tokens) / limit * float64(time.Minute))
		return Decision{Allowed: false, Reason: "budget", RetryAt: now.Add(wait)}
	}
	g.tokens--
	remainingGauge.WithLabelValues(g.decl.ProviderName()).Set(g.tokens)
	return Decision{Allowed: true}
}

// RecordResponse tracks the last status and honours Retry-After on 429.
func (g *Guard) RecordResponse(status int, headers http.Header) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastStatus = status
	lastStatusGauge.WithLabelValues(g.decl.ProviderName()).Set(float64(status))
	if status != http.StatusTooManyRequests {
		return
	}

	wait := g.decl.minCool
	if secs, err := strconv.Atoi(headers.Get(g.decl.retryAfter)); err == nil && secs > 0 {
		wait = time.Duration(secs) * time.Second
	}
	if wait <= 0 {
		return
	}
	retryAfterGauge.WithLabelValues(g.decl.ProviderName()).Set(wait.Seconds())
	if g.decl.advisory {
		return
	}
	g.cooldown = g.now().Add(wait)
}

// LastStatus reports the most recent HTTP status seen, or zero.
func (g *Guard) LastStatus() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastStatus
}
