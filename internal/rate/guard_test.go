package rate

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func TestGuardBucketRefills(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	g := newGuardWithClock(Provider("test").MaxRequestsPerMinute(2), clock.Now)

	assert.True(t, g.ShouldCall().Allowed)
	assert.True(t, g.ShouldCall().Allowed)

	d := g.ShouldCall()
	assert.False(t, d.Allowed)
	assert.Equal(t, "budget", d.Reason)
	assert.True(t, d.RetryAt.After(clock.now))

	clock.now = clock.now.Add(30 * time.Second)
	assert.True(t, g.ShouldCall().Allowed)
}

func TestGuardUnlimitedDeclaration(t *testing.T) {
	g := NewGuard(Provider("test"))
	for i := 0; i < 100; i++ {
		require.True(t, g.ShouldCall().Allowed)
	}
}

func TestGuardCooldownFromRetryAfter(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	g := newGuardWithClock(Provider("test"), clock.Now)

	headers := http.Header{}
	headers.Set("Retry-After", "5")
	g.RecordResponse(http.StatusTooManyRequests, headers)
	assert.Equal(t, http.StatusTooManyRequests, g.LastStatus())

	d := g.ShouldCall()
	assert.False(t, d.Allowed)
	assert.Equal(t, "cooldown", d.Reason)

	clock.now = clock.now.Add(6 * time.Second)
	assert.True(t, g.ShouldCall().Allowed)
}

func TestGuardAdvisoryRetryAfterNeverRefuses(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	g := newGuardWithClock(Provider("test").MinCooldown(time.Minute).AdvisoryRetryAfter(), clock.Now)

	headers := http.Header{}
	headers.Set("Retry-After", "60")
	g.RecordResponse(http.StatusTooManyRequests, headers)
	assert.Equal(t, http.StatusTooManyRequests, g.LastStatus())
	assert.True(t, g.ShouldCall().Allowed)
}

func TestWrapHTTPRefusesWithRateLimitError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := WrapHTTP(Provider("test").MaxRequestsPerMinute(1), srv.Client())

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	_, err = client.Get(srv.URL)
	require.Error(t, err)
	var limited RateLimitError
	require.True(t, errors.As(err, &limited))
	assert.Equal(t, "test", limited.Provider)
	assert.Equal(t, 1, calls)
}
