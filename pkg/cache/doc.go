// Package cache provides a shared access-token store with Redis backend.
//
// Several sink processes authenticating as the same client can share one
// access token instead of each fetching their own. The in-process token
// cache (package auth) stays the primary cache; this store is consulted only
// when the in-process credential is missing or inside its safety buffer.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	manager := cache.NewManager(redisClient)
//
//	key := cache.TokenKey{
//		TenantID: "tenant",
//		ClientID: "client",
//		Scope:    "https://azurehealthcareapis.com/.default",
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from the identity provider, then manager.Set
//	}
//
// # Expiry
//
// Entries are written with a Redis TTL equal to the remaining token lifetime.
// Get treats an expired entry as a miss and removes it.
//
// # Metrics
//
//   - fhir_sink_shared_token_hits_total - usable entries returned
//   - fhir_sink_shared_token_misses_total - absent or expired entries
//   - fhir_sink_shared_token_errors_total{operation} - store errors
package cache
