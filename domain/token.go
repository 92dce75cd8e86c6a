package domain

import (
	"time"

	"golang.org/x/oauth2"
)

// TokenInfo wraps an oauth2.Token (AccessToken, TokenType, Expiry) with the
// fields the token store's proactive-refresh contract needs. The refresh
// mechanism itself is not OAuth2 — it's a registered callback that re-runs
// the panel's username/password exchange — but the token's shape and expiry
// bookkeeping reuse the standard library's own representation.
type TokenInfo struct {
	Token            *oauth2.Token
	IssuedAt         time.Time
	RefreshThreshold time.Duration
}

// Valid reports issuedAt <= now < expiresAt.
func (t TokenInfo) Valid(now time.Time) bool {
	if t.Token == nil {
		return false
	}
	return !t.IssuedAt.After(now) && now.Before(t.Token.Expiry)
}

// NeedsRefresh reports whether now >= expiresAt - refreshThreshold.
func (t TokenInfo) NeedsRefresh(now time.Time) bool {
	if t.Token == nil {
		return true
	}
	return !now.Before(t.Token.Expiry.Add(-t.RefreshThreshold))
}
