// Package httpcore composes the token store, connection pool, retry policy,
// and circuit breaker into the single resilient client the panel API client
// issues requests through.
package httpcore

import (
	"bytes"
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nodeplane/fleetcore/connpool"
	"github.com/nodeplane/fleetcore/infrastructure/errors"
	"github.com/nodeplane/fleetcore/infrastructure/logging"
	"github.com/nodeplane/fleetcore/infrastructure/resilience"
	"github.com/nodeplane/fleetcore/tokenstore"
)

// LoginFunc performs the credential exchange with the panel and returns a
// fresh bearer token. It doubles as the token store's refresh function.
type LoginFunc func(ctx context.Context) (token string, refreshThreshold time.Duration, err error)

// Config configures a Core.
type Config struct {
	Service string
	BaseURL string
	Pool    connpool.Config
	Breaker resilience.ServiceCircuitBreakerConfig
	Retry   resilience.RetryConfig
	Logger  *logging.Logger
}

// DefaultRetryConfig matches spec defaults: base delay 100ms, doubling, capped
// at 10s, +/-25% jitter.
func DefaultRetryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.25,
	}
}

// DefaultBreakerConfig matches spec defaults: 5 consecutive failures trips
// the breaker, 60s recovery timeout, 3 successes to close again.
func DefaultBreakerConfig(logger *logging.Logger) resilience.ServiceCircuitBreakerConfig {
	return resilience.ServiceCircuitBreakerConfig{
		MaxFailures:    5,
		TimeoutSeconds: 60,
		HalfOpenMax:    3,
		Logger:         logger,
	}
}

// Core is the resilient HTTP client the panel API client builds on.
type Core struct {
	service string
	baseURL string
	pool    *connpool.Pool
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
	tokens  *tokenstore.Store
	login   LoginFunc
	logger  *logging.Logger
}

// New builds a Core. tokens may be shared across multiple Cores talking to
// different services; login is nil-able for a Core that never needs to
// authenticate (e.g. a pure health-check probe).
func New(cfg Config, tokens *tokenstore.Store, login LoginFunc) *Core {
	if cfg.Retry == (resilience.RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	breakerCfg := cfg.Breaker
	if breakerCfg.MaxFailures == 0 {
		breakerCfg = DefaultBreakerConfig(cfg.Logger)
	}

	return &Core{
		service: cfg.Service,
		baseURL: cfg.BaseURL,
		pool:    connpool.New(cfg.Pool),
		breaker: resilience.New(resilience.ServiceCBConfig(breakerCfg)),
		retry:   cfg.Retry,
		tokens:  tokens,
		login:   login,
		logger:  cfg.Logger,
	}
}

// BreakerState exposes the underlying circuit breaker's state, mostly for
// health endpoints and tests.
func (c *Core) BreakerState() resilience.State {
	return c.breaker.State()
}

// Close idles out the underlying connection pool.
func (c *Core) Close() {
	c.pool.Close()
}

// Do issues an authenticated request against path (joined with the core's
// base URL), retrying transport failures and 5xx responses behind the
// circuit breaker, and performing exactly one unretried refresh-and-retry on
// a 401. It returns the decoded response body on 2xx and one of the
// taxonomy errors in infrastructure/errors otherwise.
func (c *Core) Do(ctx context.Context, method, path string, headers http.Header, params url.Values, body []byte) ([]byte, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	status, respBody, reqErr := c.doResilient(ctx, method, path, headers, params, body, token)

	if reqErr == nil && status == http.StatusUnauthorized && c.login != nil {
		if refreshed, rerr := c.forceRefresh(ctx); rerr == nil {
			status, respBody, reqErr = c.rawRequest(ctx, method, path, headers, params, body, refreshed)
		}
	}

	if reqErr != nil {
		return nil, errors.ConnectionError(fmt.Sprintf("panel request failed: %s %s", method, path), reqErr)
	}
	return c.decode(status, respBody)
}

func (c *Core) doResilient(ctx context.Context, method, path string, headers http.Header, params url.Values, body []byte, token string) (int, []byte, error) {
	var status int
	var respBody []byte
	var reqErr error

	breakerErr := c.breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, c.retry, func() error {
			status, respBody, reqErr = c.rawRequest(ctx, method, path, headers, params, body, token)
			if reqErr != nil {
				return reqErr
			}
			if status >= 500 {
				return fmt.Errorf("panel returned %d", status)
			}
			return nil
		})
	})

	if goerrors.Is(breakerErr, resilience.ErrCircuitOpen) || goerrors.Is(breakerErr, resilience.ErrTooManyRequests) {
		return 0, nil, breakerErr
	}
	return status, respBody, reqErr
}

func (c *Core) rawRequest(ctx context.Context, method, path string, headers http.Header, params url.Values, body []byte, token string) (int, []byte, error) {
	hdr := headers.Clone()
	if hdr == nil {
		hdr = http.Header{}
	}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}
	if body != nil && hdr.Get("Content-Type") == "" {
		hdr.Set("Content-Type", "application/json")
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	resp, err := c.pool.Request(ctx, method, c.baseURL+path, hdr, params, reader)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

// RawRequest issues an unauthenticated request — used for the panel login
// endpoint itself, which by definition happens before a token exists.
func (c *Core) RawRequest(ctx context.Context, method, path string, headers http.Header, params url.Values, body []byte) (int, []byte, error) {
	return c.rawRequest(ctx, method, path, headers, params, body, "")
}

func (c *Core) ensureToken(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", errors.ConfigurationError("no token store configured", nil)
	}

	token, err := c.tokens.Get(ctx, c.service, true)
	if err == nil {
		return token, nil
	}
	if c.login == nil {
		return "", err
	}

	raw, threshold, lerr := c.login(ctx)
	if lerr != nil {
		return "", errors.ConnectionError("panel authentication failed", lerr)
	}
	if serr := c.tokens.StoreWithThreshold(c.service, raw, threshold, c.refresh()); serr != nil {
		return "", serr
	}
	return raw, nil
}

func (c *Core) forceRefresh(ctx context.Context) (string, error) {
	raw, threshold, err := c.login(ctx)
	if err != nil {
		return "", err
	}
	if err := c.tokens.StoreWithThreshold(c.service, raw, threshold, c.refresh()); err != nil {
		return "", err
	}
	return raw, nil
}

func (c *Core) refresh() tokenstore.RefreshFunc {
	return func(ctx context.Context) (string, time.Duration, error) {
		return c.login(ctx)
	}
}

func (c *Core) decode(status int, body []byte) ([]byte, error) {
	switch {
	case status >= 200 && status < 300:
		return body, nil
	case status == http.StatusUnauthorized:
		return nil, errors.AuthenticationError("panel rejected the bearer token")
	case status == http.StatusForbidden:
		return nil, errors.AuthorizationError("panel denied the request")
	case status == http.StatusNotFound:
		return nil, errors.NotFoundError("resource", extractResourceID(body))
	case status == http.StatusConflict:
		return nil, errors.ValidationError(extractField(body), extractMessage(body, "already exists"))
	case status == http.StatusUnprocessableEntity:
		return nil, errors.ValidationError(extractField(body), extractMessage(body, "validation failed"))
	default:
		return nil, errors.APIError(status, string(body))
	}
}

func extractMessage(body []byte, fallback string) string {
	if msg := gjson.GetBytes(body, "detail").String(); msg != "" {
		return msg
	}
	if msg := gjson.GetBytes(body, "message").String(); msg != "" {
		return msg
	}
	return fallback
}

func extractField(body []byte) string {
	if field := gjson.GetBytes(body, "field").String(); field != "" {
		return field
	}
	// FastAPI-style 422 payloads: {"detail":[{"loc":["body","address"],"msg":"..."}]}
	if loc := gjson.GetBytes(body, "detail.0.loc").Array(); len(loc) > 0 {
		segments := make([]string, len(loc))
		for i, seg := range loc {
			segments[i] = seg.String()
		}
		return strings.Join(segments, " -> ")
	}
	return ""
}

func extractResourceID(body []byte) string {
	if id := gjson.GetBytes(body, "id").String(); id != "" {
		return id
	}
	return ""
}
