package cache

import (
	"time"
)

// TokenEntry represents a cached access token.
type TokenEntry struct {
	// AccessToken is the bearer token value.
	AccessToken string `json:"access_token"`

	// IssuedAt is when the identity provider issued the token.
	IssuedAt time.Time `json:"issued_at"`

	// ExpiresAt is when the identity provider stops accepting the token.
	ExpiresAt time.Time `json:"expires_at"`

	// CachedAt is when the entry was written to the store.
	CachedAt time.Time `json:"cached_at"`
}

// IsExpired returns true if the token has expired.
func (e *TokenEntry) IsExpired() bool {
	return !time.Now().Before(e.ExpiresAt)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *TokenEntry) TTL() time.Duration {
	ttl := time.Until(e.ExpiresAt)
	if ttl < 0 {
		return 0
	}
	return ttl
}
