package ebeco

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/joshp123/gohome-ebeco/internal/rate"
)

const deviceJSON = `{"result":{"id":42,"displayName":"Bathroom","powerOn":true,"temperatureSet":22,"temperatureFloor":23,"temperatureFloorDecimals":23.4,"temperatureRoom":21,"selectedProgram":"Manual","relayOn":false,"installedEffect":600,"todaysOnMinutes":90,"hasError":false,"building":{"name":"Home"},"programState":1,"unknownField":"ignored"}}`

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func (r *sleepRecorder) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *sleepRecorder) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{
		Email:    "me@example.com",
		Password: "secret",
		BaseURL:  server.URL,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	recorder := &sleepRecorder{}
	client.sleep = recorder.sleep
	return client, recorder
}

func writeToken(w http.ResponseWriter, n int32) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"result":{"accessToken":"tok-%d"}}`, n)
}

func TestAuthenticateBacksOffOn429(t *testing.T) {
	var attempts atomic.Int32
	client, sleeps := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != authPath {
			t.Errorf("unexpected path: %s", r.URL.Path)
			return
		}
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "1", r.Header.Get("Abp.TenantId"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"userNameOrEmailAddress":"me@example.com","password":"secret"}`, string(body))

		if attempts.Add(1) <= 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeToken(w, 1)
	})

	require.NoError(t, client.Authenticate(context.Background()))
	assert.True(t, client.HasToken())
	assert.Equal(t, int32(4), attempts.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sleeps.Delays())
}

func TestAuthenticateBacksOffOn429WithRetryAfter(t *testing.T) {
	var attempts atomic.Int32
	client, sleeps := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 3 {
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeToken(w, 1)
	})

	require.NoError(t, client.Authenticate(context.Background()))
	assert.True(t, client.HasToken())
	assert.Equal(t, int32(4), attempts.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sleeps.Delays())
}

func TestAuthenticateSurfacesVendor429WithRetryAfter(t *testing.T) {
	var attempts atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.Header().Set("Retry-After", "60")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})

	err := client.Authenticate(context.Background())
	require.Error(t, err)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusTooManyRequests, statusErr.Status)
	assert.Equal(t, int32(authAttempts), attempts.Load())
}

func TestUntilAllowedWaitsForGuard(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	now := time.Unix(1_700_000_000, 0)
	client.now = func() time.Time { return now }

	assert.Equal(t, time.Second, client.untilAllowed(rate.RateLimitError{}, time.Second))
	assert.Equal(t, 30*time.Second, client.untilAllowed(rate.RateLimitError{RetryAt: now.Add(30 * time.Second)}, time.Second))
	assert.Equal(t, 4*time.Second, client.untilAllowed(rate.RateLimitError{RetryAt: now.Add(time.Second)}, 4*time.Second))
}

func TestAuthenticateGivesUpAfterAttemptCap(t *testing.T) {
	var attempts atomic.Int32
	client, sleeps := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	err := client.Authenticate(context.Background())
	require.Error(t, err)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusTooManyRequests, statusErr.Status)
	assert.Equal(t, int32(authAttempts), attempts.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, sleeps.Delays())
	assert.False(t, client.HasToken())
}

func TestAuthenticateFailsFastOnOtherStatus(t *testing.T) {
	var attempts atomic.Int32
	client, sleeps := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	})

	err := client.Authenticate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ebeco api error 401")
	assert.Equal(t, int32(1), attempts.Load())
	assert.Empty(t, sleeps.Delays())
}

func TestAuthenticateRejectsMissingToken(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"result":{}}`)
	})

	assert.ErrorIs(t, client.Authenticate(context.Background()), ErrNoAccessToken)
}

func TestDeviceSendsBearerAndDecodes(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case authPath:
			writeToken(w, 1)
		case devicePath:
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
			assert.Equal(t, "42", r.URL.Query().Get("id"))
			_, _ = io.WriteString(w, deviceJSON)
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	})

	device, err := client.Device(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, device)
	assert.Equal(t, int64(42), device.ID)
	assert.Equal(t, "Bathroom", device.DisplayName)
	assert.Equal(t, 23.4, *device.TemperatureFloorDecimals)
	assert.Equal(t, "Home", device.Building.Name)
	assert.Equal(t, Text("1"), device.ProgramState)
	assert.Nil(t, device.MinutesToTarget)
}

func TestDeviceToleratesOddStatusShapes(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case authPath:
			writeToken(w, 1)
		case devicePath:
			_, _ = io.WriteString(w, `{"result":{"id":42,"displayName":"Bathroom","programState":{"a":1},"remoteInput":[1,2]}}`)
		}
	})

	device, err := client.Device(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, device)
	assert.Equal(t, int64(42), device.ID)
	assert.Equal(t, Text(`{"a":1}`), device.ProgramState)
	assert.Equal(t, Text(`[1,2]`), device.RemoteInput)
}

func TestDevicesListsAccount(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case authPath:
			writeToken(w, 1)
		case devicesPath:
			_, _ = io.WriteString(w, `{"result":[{"id":1,"displayName":"Hall"},{"id":2,"displayName":"Bath"}]}`)
		}
	})

	devices, err := client.Devices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "Bath", devices[1].DisplayName)
}

func TestStatusFailureInvalidatesTokenAndReauthenticates(t *testing.T) {
	var mints, fetches atomic.Int32
	client, sleeps := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case authPath:
			writeToken(w, mints.Add(1))
		case devicePath:
			if fetches.Add(1) == 1 {
				assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			assert.Equal(t, "Bearer tok-2", r.Header.Get("Authorization"))
			_, _ = io.WriteString(w, deviceJSON)
		}
	})

	device, err := client.Device(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, device)
	assert.Equal(t, int32(2), mints.Load())
	assert.Equal(t, []time.Duration{time.Second}, sleeps.Delays())
	assert.Nil(t, client.LastStatus())
}

func TestRateLimitedStatusKeepsToken(t *testing.T) {
	var mints, fetches atomic.Int32
	client, sleeps := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case authPath:
			writeToken(w, mints.Add(1))
		case devicePath:
			if fetches.Add(1) == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			_, _ = io.WriteString(w, deviceJSON)
		}
	})

	device, err := client.Device(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, device)
	assert.Equal(t, int32(1), mints.Load())
	assert.Equal(t, []time.Duration{time.Second}, sleeps.Delays())
}

func TestRateLimitedStatusWithRetryAfterIsResent(t *testing.T) {
	var mints, fetches atomic.Int32
	client, sleeps := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case authPath:
			writeToken(w, mints.Add(1))
		case devicePath:
			if fetches.Add(1) <= requestRetries {
				w.Header().Set("Retry-After", "60")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			_, _ = io.WriteString(w, deviceJSON)
		}
	})

	device, err := client.Device(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, device)
	assert.Equal(t, int32(1+requestRetries), fetches.Load())
	assert.Equal(t, int32(1), mints.Load())
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, sleeps.Delays())
	assert.Nil(t, client.LastStatus())
}

func TestExhaustedStatusFailureIsAbsent(t *testing.T) {
	var mints, fetches atomic.Int32
	client, sleeps := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case authPath:
			writeToken(w, mints.Add(1))
		case devicePath:
			fetches.Add(1)
			http.Error(w, "boom", http.StatusBadGateway)
		}
	})

	device, err := client.Device(context.Background(), 42)
	require.NoError(t, err)
	assert.Nil(t, device)
	assert.Equal(t, int32(1+requestRetries), fetches.Load())
	assert.Equal(t, int32(1+requestRetries), mints.Load())
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, sleeps.Delays())
	require.NotNil(t, client.LastStatus())
	assert.Equal(t, http.StatusBadGateway, client.LastStatus().Status)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestTransportErrorRetriesWithoutSleep(t *testing.T) {
	var mints atomic.Int32
	client, sleeps := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case authPath:
			writeToken(w, mints.Add(1))
		case devicePath:
			_, _ = io.WriteString(w, deviceJSON)
		}
	})

	var failures atomic.Int32
	base := client.httpClient.Transport
	client.httpClient.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if r.URL.Path == devicePath && failures.Add(1) <= 2 {
			return nil, errors.New("connection reset")
		}
		return base.RoundTrip(r)
	})

	device, err := client.Device(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, device)
	assert.Empty(t, sleeps.Delays())
	assert.Equal(t, int32(3), mints.Load())
}

func TestLocalRefusalsDoNotUseAttempts(t *testing.T) {
	var mints, fetches atomic.Int32
	client, sleeps := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case authPath:
			writeToken(w, mints.Add(1))
		case devicePath:
			fetches.Add(1)
			_, _ = io.WriteString(w, deviceJSON)
		}
	})
	now := time.Unix(1_700_000_000, 0)
	client.now = func() time.Time { return now }

	var refusals atomic.Int32
	base := client.httpClient.Transport
	client.httpClient.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if r.URL.Path == devicePath && refusals.Add(1) <= requestRetries+2 {
			return nil, rate.RateLimitError{Provider: "ebeco", Reason: "budget", RetryAt: now.Add(5 * time.Second)}
		}
		return base.RoundTrip(r)
	})

	device, err := client.Device(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, device)
	assert.Equal(t, int32(1), fetches.Load())
	assert.Equal(t, int32(1), mints.Load())
	delays := sleeps.Delays()
	require.Len(t, delays, requestRetries+2)
	for _, d := range delays {
		assert.Equal(t, 5*time.Second, d)
	}
}

func TestTransportErrorSurfacesWhenExhausted(t *testing.T) {
	client, sleeps := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, 1)
	})

	base := client.httpClient.Transport
	client.httpClient.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if r.URL.Path == devicePath {
			return nil, errors.New("connection reset")
		}
		return base.RoundTrip(r)
	})

	device, err := client.Device(context.Background(), 42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Nil(t, device)
	assert.Empty(t, sleeps.Delays())
}

func TestAuthFailureSurfacesFromRequest(t *testing.T) {
	var fetches atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case authPath:
			w.WriteHeader(http.StatusUnauthorized)
		case devicePath:
			fetches.Add(1)
		}
	})

	_, err := client.Device(context.Background(), 42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authenticate")
	assert.Zero(t, fetches.Load())
}

func TestUnusableBodiesAreAbsent(t *testing.T) {
	for name, body := range map[string]string{
		"empty":   "",
		"garbage": "<html>",
		"null":    `{"result":null}`,
	} {
		t.Run(name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == authPath {
					writeToken(w, 1)
					return
				}
				_, _ = io.WriteString(w, body)
			})

			device, err := client.Device(context.Background(), 42)
			assert.NoError(t, err)
			assert.Nil(t, device)
		})
	}
}

func TestUpdatesSendOnlyChangedFields(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case authPath:
			writeToken(w, 1)
		case updatePath:
			assert.Equal(t, http.MethodPut, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			bodies = append(bodies, string(body))
			mu.Unlock()
			_, _ = io.WriteString(w, `{"success":true}`)
		}
	})

	ctx := context.Background()
	require.NoError(t, client.SetPower(ctx, 7, true))
	require.NoError(t, client.SetTemperature(ctx, 7, 22, true))
	require.NoError(t, client.SetPreset(ctx, 7, PresetTimer))

	require.Len(t, bodies, 3)
	assert.JSONEq(t, `{"id":7,"powerOn":true}`, bodies[0])
	assert.JSONEq(t, `{"id":7,"powerOn":true,"temperatureSet":22}`, bodies[1])
	assert.JSONEq(t, `{"id":7,"selectedProgram":"Timer"}`, bodies[2])
}

func TestUpdateAbsentResultIsErrNoResult(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == authPath {
			writeToken(w, 1)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := client.SetPower(context.Background(), 7, false)
	require.ErrorIs(t, err, ErrNoResult)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusInternalServerError, statusErr.Status)
}
