// Package connpool provides a bounded, per-service HTTP connection pool with
// request statistics. It performs no retries and has no circuit breaker —
// those live one layer up in infrastructure/resilience and httpcore.
package connpool

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// Config controls the pool's transport and timeout behavior.
type Config struct {
	// MaxConnections caps total idle connections across all hosts.
	MaxConnections int
	// MaxKeepaliveConnections caps idle connections per host.
	MaxKeepaliveConnections int
	// KeepaliveExpiry is how long an idle connection is kept open.
	KeepaliveExpiry time.Duration
	// ConnectTimeout bounds the TCP+TLS handshake.
	ConnectTimeout time.Duration
	// RequestTimeout bounds an entire round trip, including redirects.
	RequestTimeout time.Duration
	// VerifyTLS disables certificate verification when false. DefaultConfig
	// sets it to true; New does not fill it in, so a Config built without it
	// disables verification. Only ever set false in local development
	// against a self-signed panel.
	VerifyTLS bool
}

// DefaultConfig mirrors the panel client's defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections:          100,
		MaxKeepaliveConnections: 20,
		KeepaliveExpiry:         90 * time.Second,
		ConnectTimeout:          10 * time.Second,
		RequestTimeout:          30 * time.Second,
		VerifyTLS:               true,
	}
}

// Stats is a point-in-time snapshot of pool usage.
type Stats struct {
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	TotalResponseTime  time.Duration
	LastRequestTime    time.Time
}

// AverageResponseTime returns the mean response time across all completed
// requests, or zero if none have completed.
func (s Stats) AverageResponseTime() time.Duration {
	if s.TotalRequests == 0 {
		return 0
	}
	return s.TotalResponseTime / time.Duration(s.TotalRequests)
}

// Pool is a single service's bounded HTTP client plus its usage counters.
type Pool struct {
	client *http.Client

	totalRequests      int64
	successfulRequests int64
	failedRequests     int64
	totalResponseNanos int64
	lastRequestMu      sync.RWMutex
	lastRequestTime    time.Time
}

// New builds a Pool from cfg, falling back to DefaultConfig for zero fields.
func New(cfg Config) *Pool {
	defaults := DefaultConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaults.MaxConnections
	}
	if cfg.MaxKeepaliveConnections <= 0 {
		cfg.MaxKeepaliveConnections = defaults.MaxKeepaliveConnections
	}
	if cfg.KeepaliveExpiry <= 0 {
		cfg.KeepaliveExpiry = defaults.KeepaliveExpiry
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}

	base, ok := http.DefaultTransport.(*http.Transport)
	var transport *http.Transport
	if ok {
		transport = base.Clone()
	} else {
		transport = &http.Transport{}
	}
	transport.MaxIdleConns = cfg.MaxConnections
	transport.MaxIdleConnsPerHost = cfg.MaxKeepaliveConnections
	transport.IdleConnTimeout = cfg.KeepaliveExpiry
	transport.DialContext = (&net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext
	transport.TLSHandshakeTimeout = cfg.ConnectTimeout

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if transport.TLSClientConfig != nil {
		tlsConfig = transport.TLSClientConfig.Clone()
		if tlsConfig.MinVersion < tls.VersionTLS12 {
			tlsConfig.MinVersion = tls.VersionTLS12
		}
	}
	tlsConfig.InsecureSkipVerify = !cfg.VerifyTLS
	transport.TLSClientConfig = tlsConfig

	return &Pool{
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
	}
}

// Request issues an HTTP request against rawURL with the given method,
// headers, query params, and body, and records its outcome in the pool's
// stats. The caller owns closing resp.Body.
func (p *Pool) Request(ctx context.Context, method, rawURL string, headers http.Header, params url.Values, body io.Reader) (*http.Response, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		q := parsed.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		parsed.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, parsed.String(), body)
	if err != nil {
		return nil, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	elapsed := time.Since(start)

	atomic.AddInt64(&p.totalRequests, 1)
	atomic.AddInt64(&p.totalResponseNanos, int64(elapsed))
	p.lastRequestMu.Lock()
	p.lastRequestTime = start
	p.lastRequestMu.Unlock()

	if err != nil || (resp != nil && resp.StatusCode >= 500) {
		atomic.AddInt64(&p.failedRequests, 1)
	} else {
		atomic.AddInt64(&p.successfulRequests, 1)
	}

	return resp, err
}

// Stats returns a snapshot of the pool's cumulative usage.
func (p *Pool) Stats() Stats {
	p.lastRequestMu.RLock()
	last := p.lastRequestTime
	p.lastRequestMu.RUnlock()

	return Stats{
		TotalRequests:      atomic.LoadInt64(&p.totalRequests),
		SuccessfulRequests: atomic.LoadInt64(&p.successfulRequests),
		FailedRequests:     atomic.LoadInt64(&p.failedRequests),
		TotalResponseTime:  time.Duration(atomic.LoadInt64(&p.totalResponseNanos)),
		LastRequestTime:    last,
	}
}

// Close idles out all pooled connections.
func (p *Pool) Close() {
	if transport, ok := p.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}
