package ebeco

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joshp123/gohome-ebeco/internal/oauth"
	"github.com/joshp123/gohome-ebeco/internal/rate"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	defaultBaseURL = "https://ebecoconnect.com/api"
	tenantID       = "1"

	authPath    = "/TokenAuth"
	devicesPath = "/services/app/Devices/GetUserDevices/"
	devicePath  = "/services/app/Devices/GetUserDeviceById/"
	updatePath  = "/services/app/Devices/UpdateUserDevice"

	requestTimeout   = 10 * time.Second
	requestRetries   = 3
	statusRetryDelay = time.Second
	authAttempts     = 6
	authBaseDelay    = time.Second
)

var (
	ErrNoAccessToken = errors.New("ebeco: token response has no access token")
	ErrNoResult      = errors.New("ebeco: no result after retries")
)

// StatusError is a non-success HTTP response from the vendor.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ebeco api error %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// Client talks to the Ebeco Connect REST API.
type Client struct {
	baseURL  string
	username string
	password string

	httpClient *http.Client
	tokens     *oauth.Manager
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time

	mu         sync.Mutex
	lastStatus *StatusError
}

func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Email == "" || cfg.Password == "" {
		return nil, fmt.Errorf("email and password are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	c := &Client{
		baseURL:    baseURL,
		username:   cfg.Email,
		password:   cfg.Password,
		httpClient: rate.WrapHTTP(RateLimits(cfg), &http.Client{}),
		logger:     logger,
		sleep:      sleepContext,
		now:        time.Now,
	}
	manager, err := oauth.NewManager(oauth.Declaration{
		Provider: "ebeco",
		Flow:     oauth.FlowPassword,
		TokenURL: baseURL + authPath,
	}, c.mintToken)
	if err != nil {
		return nil, err
	}
	c.tokens = manager
	return c, nil
}

// RateLimits is the client-side budget for one account. Retry-After is
// advisory: 429s are handled by the client's own backoff schedule.
func RateLimits(cfg Config) rate.Declaration {
	return rate.Provider("ebeco").MaxRequestsPerMinute(cfg.RateLimitPerMinute).AdvisoryRetryAfter()
}

// Authenticate fetches a fresh bearer token and stores it.
func (c *Client) Authenticate(ctx context.Context) error {
	_, err := c.tokens.Refresh(ctx)
	return err
}

// HasToken reports whether a bearer token is held.
func (c *Client) HasToken() bool {
	return c.tokens.Valid()
}

// LastStatus returns the status failure behind the most recent absent result.
func (c *Client) LastStatus() *StatusError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStatus
}

// mintToken posts the credentials, backing off on 429. Only requests that
// reached the vendor count against the attempt cap; a local budget refusal
// waits for the guard and tries again.
func (c *Client) mintToken(ctx context.Context) (*oauth2.Token, error) {
	delay := authBaseDelay
	var lastErr error
	for sent := 0; sent < authAttempts; {
		token, err := c.requestToken(ctx)
		if err == nil {
			return token, nil
		}
		var limited rate.RateLimitError
		if errors.As(err, &limited) {
			if err := c.sleep(ctx, c.untilAllowed(limited, delay)); err != nil {
				return nil, err
			}
			continue
		}
		if !isRateLimited(err) {
			return nil, err
		}
		sent++
		lastErr = err
		if sent == authAttempts {
			break
		}
		c.logger.Warn("authentication rate limited, backing off",
			zap.Int("attempt", sent),
			zap.Duration("delay", delay),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay *= 2
	}
	return nil, fmt.Errorf("authenticate: %w", lastErr)
}

// untilAllowed is the wait before retrying a locally refused call: at least
// delay, longer if the guard asked for it.
func (c *Client) untilAllowed(limited rate.RateLimitError, delay time.Duration) time.Duration {
	if limited.RetryAt.IsZero() {
		return delay
	}
	return max(delay, limited.RetryAt.Sub(c.now()))
}

func (c *Client) requestToken(ctx context.Context) (*oauth2.Token, error) {
	payload, err := json.Marshal(map[string]string{
		"userNameOrEmailAddress": c.username,
		"password":               c.password,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+authPath, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Abp.TenantId", tenantID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Status: resp.StatusCode, Body: string(body)}
	}

	var decoded struct {
		Result struct {
			AccessToken string `json:"accessToken"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if decoded.Result.AccessToken == "" {
		return nil, ErrNoAccessToken
	}
	return &oauth2.Token{AccessToken: decoded.Result.AccessToken, TokenType: "Bearer"}, nil
}

// Devices lists all devices on the account. Nil without error means the
// API gave no usable answer.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	body, err := c.do(ctx, http.MethodGet, devicesPath, nil)
	if err != nil || body == nil {
		return nil, err
	}
	var decoded struct {
		Result []Device `json:"result"`
	}
	if !c.decodeResult(body, &decoded) {
		return nil, nil
	}
	return decoded.Result, nil
}

// Device fetches one record. Nil without error means no update is available.
func (c *Client) Device(ctx context.Context, id int64) (*Device, error) {
	body, err := c.do(ctx, http.MethodGet, devicePath+"?id="+strconv.FormatInt(id, 10), nil)
	if err != nil || body == nil {
		return nil, err
	}
	var decoded struct {
		Result *Device `json:"result"`
	}
	if !c.decodeResult(body, &decoded) {
		return nil, nil
	}
	return decoded.Result, nil
}

type updateRequest struct {
	ID              int64    `json:"id"`
	PowerOn         *bool    `json:"powerOn,omitempty"`
	TemperatureSet  *float64 `json:"temperatureSet,omitempty"`
	SelectedProgram Preset   `json:"selectedProgram,omitempty"`
}

func (c *Client) SetPower(ctx context.Context, id int64, on bool) error {
	return c.update(ctx, updateRequest{ID: id, PowerOn: boolPtr(on)})
}

// SetTemperature also sends the power state; the vendor ignores a setpoint
// on a device that is switched off.
func (c *Client) SetTemperature(ctx context.Context, id int64, value float64, heatingEnabled bool) error {
	return c.update(ctx, updateRequest{ID: id, PowerOn: boolPtr(heatingEnabled), TemperatureSet: floatPtr(value)})
}

func (c *Client) SetPreset(ctx context.Context, id int64, preset Preset) error {
	return c.update(ctx, updateRequest{ID: id, SelectedProgram: preset})
}

func (c *Client) update(ctx context.Context, req updateRequest) error {
	body, err := c.do(ctx, http.MethodPut, updatePath, req)
	if err != nil {
		return err
	}
	if body == nil {
		if last := c.LastStatus(); last != nil {
			return fmt.Errorf("%w: %w", ErrNoResult, last)
		}
		return ErrNoResult
	}
	return nil
}

func (c *Client) decodeResult(body []byte, out any) bool {
	if len(bytes.TrimSpace(body)) == 0 {
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		c.logger.Debug("unparseable response body", zap.Error(err))
		return false
	}
	return true
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetry
	outcomeFatal
)

type attemptResult struct {
	outcome outcome
	body    []byte
	err     error
	delay   time.Duration
	// sent is false when the guard refused the call before it left the process.
	sent bool
}

// do runs one logical request. A nil body with a nil error is an absent
// result: every attempt ended in a non-200 status. Locally refused calls do
// not use up attempts.
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = encoded
	}

	var last attemptResult
	for sent := 0; sent <= requestRetries; {
		if last.delay > 0 {
			if err := c.sleep(ctx, last.delay); err != nil {
				return nil, err
			}
		}
		last = c.attempt(ctx, method, path, body)
		switch last.outcome {
		case outcomeSuccess:
			c.setLastStatus(nil)
			return last.body, nil
		case outcomeFatal:
			return nil, last.err
		}
		if last.sent {
			sent++
		}
		c.logger.Debug("request failed, retrying",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", sent),
			zap.Bool("sent", last.sent),
			zap.Error(last.err),
		)
	}

	var statusErr *StatusError
	if errors.As(last.err, &statusErr) {
		c.setLastStatus(statusErr)
		c.logger.Warn("request gave up", zap.String("path", path), zap.Int("status", statusErr.Status))
		return nil, nil
	}
	return nil, last.err
}

func (c *Client) attempt(ctx context.Context, method, path string, body []byte) attemptResult {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return attemptResult{outcome: outcomeFatal, err: fmt.Errorf("authenticate: %w", err)}
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
	if err != nil {
		return attemptResult{outcome: outcomeFatal, err: err}
	}
	token.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportFailure(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.transportFailure(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode != http.StatusTooManyRequests {
			c.tokens.Invalidate()
		}
		return attemptResult{
			outcome: outcomeRetry,
			err:     &StatusError{Status: resp.StatusCode, Body: string(data)},
			delay:   statusRetryDelay,
			sent:    true,
		}
	}
	return attemptResult{outcome: outcomeSuccess, body: data, sent: true}
}

func (c *Client) transportFailure(ctx context.Context, err error) attemptResult {
	if ctx.Err() != nil {
		return attemptResult{outcome: outcomeFatal, err: ctx.Err()}
	}
	var limited rate.RateLimitError
	if errors.As(err, &limited) {
		return attemptResult{
			outcome: outcomeRetry,
			err:     &StatusError{Status: http.StatusTooManyRequests, Body: limited.Error()},
			delay:   c.untilAllowed(limited, statusRetryDelay),
		}
	}
	c.tokens.Invalidate()
	return attemptResult{outcome: outcomeRetry, err: err, sent: true}
}

func (c *Client) setLastStatus(err *StatusError) {
	c.mu.Lock()
	c.lastStatus = err
	c.mu.Unlock()
}

func isRateLimited(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Status == http.StatusTooManyRequests
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
