package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// keyPrefix namespaces all token keys in Redis.
const keyPrefix = "fhir-sink:token"

// TokenKey identifies a token by the identity it was issued for.
// Secrets never take part in the key.
type TokenKey struct {
	TenantID string
	ClientID string
	Scope    string
	Resource string
}

// String generates a deterministic cache key string.
// Format: fhir-sink:token:<first 16 bytes of sha256, hex>
//
// The identity fields are hashed so that tenant and client identifiers
// do not show up in Redis key listings.
func (k TokenKey) String() string {
	parts := []string{
		strings.TrimSpace(k.TenantID),
		strings.TrimSpace(k.ClientID),
		strings.TrimSpace(k.Scope),
		strings.TrimSpace(k.Resource),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return keyPrefix + ":" + hex.EncodeToString(sum[:16])
}
