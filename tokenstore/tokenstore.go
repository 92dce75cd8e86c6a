// Package tokenstore holds the bearer tokens used to talk to the admin
// panel and refreshes them in the background before they expire.
package tokenstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/nodeplane/fleetcore/domain"
	"github.com/nodeplane/fleetcore/infrastructure/errors"
	"github.com/nodeplane/fleetcore/infrastructure/logging"
)

// DefaultRefreshThreshold mirrors the panel client default: start trying to
// refresh this long before the token actually expires.
const DefaultRefreshThreshold = 60 * time.Second

// minRefreshSleep is the floor on the background refresh loop's sleep
// interval, so a token with a very short TTL doesn't spin.
const minRefreshSleep = 60 * time.Second

// RefreshFunc obtains a fresh token for service, returning the raw JWT and
// its refresh threshold. The store decodes the expiry itself.
type RefreshFunc func(ctx context.Context) (token string, refreshThreshold time.Duration, err error)

type entry struct {
	info    domain.TokenInfo
	refresh RefreshFunc
	stop    chan struct{}
}

// Store holds one token per named service (panel base URL or logical
// service name) and keeps each fresh via an owned background goroutine.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *logging.Logger
	wg      sync.WaitGroup
}

// New creates an empty token store.
func New(logger *logging.Logger) *Store {
	return &Store{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// Store records a token for service and, if refresh is non-nil, starts a
// background goroutine that keeps it fresh. Any previous entry for the same
// service (and its goroutine) is replaced.
func (s *Store) Store(service, token string, refresh RefreshFunc) error {
	return s.store(service, token, DefaultRefreshThreshold, refresh)
}

// StoreWithThreshold is like Store but lets the caller override the default
// refresh threshold.
func (s *Store) StoreWithThreshold(service, token string, refreshThreshold time.Duration, refresh RefreshFunc) error {
	return s.store(service, token, refreshThreshold, refresh)
}

func (s *Store) store(service, token string, refreshThreshold time.Duration, refresh RefreshFunc) error {
	expiry, err := decodeExpiry(token)
	if err != nil {
		return errors.AuthenticationError(fmt.Sprintf("cannot decode token for %s: %v", service, err))
	}

	info := domain.TokenInfo{
		Token: &oauth2.Token{
			AccessToken: token,
			TokenType:   "Bearer",
			Expiry:      expiry,
		},
		IssuedAt:         time.Now(),
		RefreshThreshold: refreshThreshold,
	}

	s.mu.Lock()
	if existing, ok := s.entries[service]; ok {
		close(existing.stop)
	}
	e := &entry{info: info, refresh: refresh, stop: make(chan struct{})}
	s.entries[service] = e
	s.mu.Unlock()

	if refresh != nil {
		s.wg.Add(1)
		go s.refreshLoop(service, e)
	}
	return nil
}

// Get returns the current token for service. When autoRefresh is true and
// the token needs refreshing (or is already expired), it attempts a
// synchronous refresh before returning.
func (s *Store) Get(ctx context.Context, service string, autoRefresh bool) (string, error) {
	s.mu.RLock()
	e, ok := s.entries[service]
	s.mu.RUnlock()
	if !ok {
		return "", errors.AuthenticationError(fmt.Sprintf("no token stored for %s", service))
	}

	now := time.Now()
	if autoRefresh && e.refresh != nil && (e.info.NeedsRefresh(now) || !e.info.Valid(now)) {
		if err := s.doRefresh(ctx, service, e); err != nil {
			if !e.info.Valid(now) {
				return "", err
			}
			if s.logger != nil {
				s.logger.Warn(ctx, "token refresh failed, serving stale token", map[string]interface{}{
					"service": service,
					"error":   err.Error(),
				})
			}
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok = s.entries[service]
	if !ok {
		return "", errors.AuthenticationError(fmt.Sprintf("no token stored for %s", service))
	}
	if !e.info.Valid(time.Now()) {
		return "", errors.AuthenticationError(fmt.Sprintf("token expired for %s", service))
	}
	return e.info.AccessToken, nil
}

// Remove deletes the stored token for service and stops its refresh loop.
func (s *Store) Remove(service string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[service]; ok {
		close(e.stop)
		delete(s.entries, service)
	}
}

// Info returns a copy of the TokenInfo for service.
func (s *Store) Info(service string) (domain.TokenInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[service]
	if !ok {
		return domain.TokenInfo{}, false
	}
	return e.info, true
}

// Stop tears down every background refresh goroutine and waits for them to
// exit.
func (s *Store) Stop() {
	s.mu.Lock()
	for _, e := range s.entries {
		close(e.stop)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Store) refreshLoop(service string, e *entry) {
	defer s.wg.Done()
	for {
		s.mu.RLock()
		expiry := e.info.Expiry
		threshold := e.info.RefreshThreshold
		s.mu.RUnlock()

		sleep := time.Until(expiry) - threshold
		if sleep < minRefreshSleep {
			sleep = minRefreshSleep
		}

		timer := time.NewTimer(sleep)
		select {
		case <-e.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := s.doRefresh(ctx, service, e)
		cancel()
		if err != nil && s.logger != nil {
			s.logger.Error(context.Background(), "background token refresh failed", err, map[string]interface{}{
				"service": service,
			})
		}
	}
}

func (s *Store) doRefresh(ctx context.Context, service string, e *entry) error {
	if e.refresh == nil {
		return errors.ConfigurationError(fmt.Sprintf("no refresh function configured for %s", service), nil)
	}

	start := time.Now()
	token, threshold, err := e.refresh(ctx)
	if s.logger != nil {
		s.logger.LogServiceCall(ctx, service, "token_refresh", time.Since(start), err)
	}
	if err != nil {
		return errors.ConnectionError(fmt.Sprintf("token refresh failed for %s", service), err)
	}
	if threshold <= 0 {
		threshold = DefaultRefreshThreshold
	}

	expiry, err := decodeExpiry(token)
	if err != nil {
		return errors.AuthenticationError(fmt.Sprintf("cannot decode refreshed token for %s: %v", service, err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.entries[service]
	if !ok || current != e {
		return nil
	}
	current.info = domain.TokenInfo{
		Token: &oauth2.Token{
			AccessToken: token,
			TokenType:   "Bearer",
			Expiry:      expiry,
		},
		IssuedAt:         time.Now(),
		RefreshThreshold: threshold,
	}
	return nil
}

// decodeExpiry reads the "exp" claim out of a JWT without verifying its
// signature — the panel is the authority on validity, this store only
// needs to know when to ask for a new one.
func decodeExpiry(token string) (time.Time, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return time.Time{}, fmt.Errorf("empty token")
	}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, err
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Now().Add(24 * time.Hour), nil
	}
	return exp.Time, nil
}
