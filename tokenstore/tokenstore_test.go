package tokenstore

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func makeToken(t *testing.T, expiry time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": "fleetcore",
		"exp": expiry.Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte("irrelevant-signing-key"))
	if err != nil {
		t.Fatalf("failed to build test token: %v", err)
	}
	return signed
}

func TestStore_GetWithoutRefresh(t *testing.T) {
	s := New(nil)
	token := makeToken(t, time.Now().Add(time.Hour))

	if err := s.Store("panel", token, nil); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	got, err := s.Get(context.Background(), "panel", true)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != token {
		t.Errorf("Get() = %q, want %q", got, token)
	}
}

func TestStore_Get_UnknownService(t *testing.T) {
	s := New(nil)
	if _, err := s.Get(context.Background(), "missing", false); err == nil {
		t.Fatal("expected an error for an unknown service")
	}
}

func TestStore_Get_ExpiredWithoutRefreshFn(t *testing.T) {
	s := New(nil)
	token := makeToken(t, time.Now().Add(-time.Minute))
	if err := s.Store("panel", token, nil); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if _, err := s.Get(context.Background(), "panel", true); err == nil {
		t.Fatal("expected an error for an expired token with no refresh function")
	}
}

func TestStore_Get_RefreshesWhenNeeded(t *testing.T) {
	s := New(nil)
	stale := makeToken(t, time.Now().Add(-time.Minute))
	fresh := makeToken(t, time.Now().Add(time.Hour))

	calls := 0
	refresh := func(ctx context.Context) (string, time.Duration, error) {
		calls++
		return fresh, DefaultRefreshThreshold, nil
	}

	if err := s.Store("panel", stale, refresh); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	// stop the background loop so only the synchronous refresh below counts.
	s.mu.RLock()
	e := s.entries["panel"]
	s.mu.RUnlock()
	close(e.stop)
	s.wg.Wait()

	got, err := s.Get(context.Background(), "panel", true)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != fresh {
		t.Errorf("Get() = %q, want refreshed token %q", got, fresh)
	}
	if calls != 1 {
		t.Errorf("refresh called %d times, want 1", calls)
	}
}

func TestStore_Remove(t *testing.T) {
	s := New(nil)
	token := makeToken(t, time.Now().Add(time.Hour))
	if err := s.Store("panel", token, nil); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	s.Remove("panel")
	if _, err := s.Get(context.Background(), "panel", false); err == nil {
		t.Fatal("expected an error after Remove()")
	}
}

func TestStore_Info(t *testing.T) {
	s := New(nil)
	expiry := time.Now().Add(time.Hour)
	token := makeToken(t, expiry)
	if err := s.Store("panel", token, nil); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	info, ok := s.Info("panel")
	if !ok {
		t.Fatal("Info() ok = false, want true")
	}
	if info.Expiry.Unix() != expiry.Unix() {
		t.Errorf("Info().Expiry = %v, want %v", info.Expiry, expiry)
	}
}

func TestStore_BackgroundRefreshLoop_StopsCleanly(t *testing.T) {
	s := New(nil)
	// A refresh loop never sleeps less than minRefreshSleep (60s), so this
	// test only exercises that Stop() tears the goroutine down promptly
	// rather than waiting out the floor.
	token := makeToken(t, time.Now().Add(time.Hour))
	refresh := func(ctx context.Context) (string, time.Duration, error) {
		return token, DefaultRefreshThreshold, nil
	}

	if err := s.Store("panel", token, refresh); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() did not return promptly")
	}
}

func TestDecodeExpiry(t *testing.T) {
	expiry := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	token := makeToken(t, expiry)

	got, err := decodeExpiry(token)
	if err != nil {
		t.Fatalf("decodeExpiry() error = %v", err)
	}
	if !got.Equal(expiry) {
		t.Errorf("decodeExpiry() = %v, want %v", got, expiry)
	}
}

func TestDecodeExpiry_Malformed(t *testing.T) {
	if _, err := decodeExpiry("not-a-jwt"); err == nil {
		t.Fatal("expected an error for a malformed token")
	}
}

func TestDecodeExpiry_NoExpClaim(t *testing.T) {
	claims := jwt.MapClaims{"sub": "fleetcore"}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte("irrelevant-signing-key"))
	if err != nil {
		t.Fatalf("failed to build test token: %v", err)
	}

	before := time.Now().Add(24 * time.Hour)
	got, err := decodeExpiry(signed)
	after := time.Now().Add(24 * time.Hour)
	if err != nil {
		t.Fatalf("decodeExpiry() error = %v, want nil for a missing exp claim", err)
	}
	if got.Before(before) || got.After(after) {
		t.Errorf("decodeExpiry() = %v, want ~24h from now (between %v and %v)", got, before, after)
	}
}
