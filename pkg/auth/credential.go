package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// SafetyBuffer is the margin before expiry at which a credential stops being
// handed out, so a request never leaves with a token that expires in flight.
const SafetyBuffer = 300 * time.Second

// Credential is an access token issued by the identity provider.
// Values are never mutated after construction; a refresh replaces the whole
// credential.
type Credential struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Usable reports whether the credential may still be attached to a request
// at now, taking SafetyBuffer into account.
func (c *Credential) Usable(now time.Time) bool {
	if c == nil || c.Token == "" {
		return false
	}
	return now.Add(SafetyBuffer).Before(c.ExpiresAt)
}

// Fingerprint returns a short, non-reversible identifier of the token that is
// safe to log.
func (c *Credential) Fingerprint() string {
	if c == nil || c.Token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(c.Token))
	return hex.EncodeToString(sum[:4])
}

// String implements fmt.Stringer without exposing the token.
func (c *Credential) String() string {
	if c == nil {
		return "Credential(<nil>)"
	}
	return fmt.Sprintf("Credential(fingerprint=%s, expires_at=%s)",
		c.Fingerprint(), c.ExpiresAt.Format(time.RFC3339))
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (c *Credential) MarshalZerologObject(e *zerolog.Event) {
	if c == nil {
		return
	}
	e.Str("fingerprint", c.Fingerprint()).
		Time("issued_at", c.IssuedAt).
		Time("expires_at", c.ExpiresAt)
}
