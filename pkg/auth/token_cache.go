// Package auth provides an OAuth2 client-credentials token cache that is
// safe for use by many concurrent submitters.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/fhir-secure-sink/pkg/cache"
	"github.com/Sternrassler/fhir-secure-sink/pkg/logging"
	"github.com/rs/zerolog"
)

const (
	// DefaultAuthorityURL is the Microsoft Entra ID login endpoint.
	DefaultAuthorityURL = "https://login.microsoftonline.com"

	// DefaultScope is the default scope for Azure Health Data Services.
	DefaultScope = "https://azurehealthcareapis.com/.default"

	// DefaultConnectTimeout bounds the TCP/TLS handshake with the token endpoint.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultRequestTimeout bounds one complete token request.
	DefaultRequestTimeout = 30 * time.Second

	// maxTokenResponseBytes caps how much of a token response is read.
	maxTokenResponseBytes = 1 << 20

	// storeTimeout bounds best-effort shared store calls made outside a
	// caller's context.
	storeTimeout = 2 * time.Second
)

// SharedStore is a token store shared between processes. *cache.Manager
// implements it.
type SharedStore interface {
	Get(ctx context.Context, key cache.TokenKey) (*cache.TokenEntry, error)
	Set(ctx context.Context, key cache.TokenKey, entry *cache.TokenEntry) error
	Delete(ctx context.Context, key cache.TokenKey) error
}

// Config holds the token cache configuration.
type Config struct {
	// AuthorityURL is the identity provider base URL; the token endpoint is
	// {AuthorityURL}/{TenantID}/oauth2/token.
	AuthorityURL string

	// TokenURL overrides the derived token endpoint when set.
	TokenURL string

	TenantID     string
	ClientID     string
	ClientSecret string
	Scope        string

	// Resource is sent as the "resource" form parameter when set.
	Resource string

	// HTTPClient is used for token requests. Defaults to NewHTTPClient().
	HTTPClient *http.Client

	// Store optionally shares tokens with other processes.
	Store SharedStore

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// NewHTTPClient returns the HTTP client used for token requests when none is
// configured.
func NewHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   DefaultConnectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = DefaultConnectTimeout

	return &http.Client{
		Transport: transport,
		Timeout:   DefaultRequestTimeout,
	}
}

// TokenCache holds a single access token and refreshes it on demand.
//
// Readers take the read lock only to look at the cached credential. Refreshes
// are serialized by refreshMu, and the cached credential is swapped under the
// write lock once the new one is available, so callers holding a still-valid
// token are never blocked by a token endpoint round-trip.
type TokenCache struct {
	httpClient *http.Client
	tokenURL   string
	form       url.Values
	store      SharedStore
	storeKey   cache.TokenKey
	now        func() time.Time
	logger     zerolog.Logger

	mu      sync.RWMutex
	cred    *Credential
	revoked string // last invalidated token, never re-adopted from the store

	refreshMu sync.Mutex
}

// New creates a new token cache.
func New(cfg Config) (*TokenCache, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		if cfg.TenantID == "" {
			return nil, fmt.Errorf("tenant id is required")
		}
		authority := cfg.AuthorityURL
		if authority == "" {
			authority = DefaultAuthorityURL
		}
		tokenURL = fmt.Sprintf("%s/%s/oauth2/token",
			strings.TrimRight(authority, "/"), url.PathEscape(cfg.TenantID))
	}
	if _, err := url.ParseRequestURI(tokenURL); err != nil {
		return nil, fmt.Errorf("invalid token url: %w", err)
	}

	scope := cfg.Scope
	if scope == "" {
		scope = DefaultScope
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", cfg.ClientID)
	form.Set("client_secret", cfg.ClientSecret)
	form.Set("scope", scope)
	if cfg.Resource != "" {
		form.Set("resource", cfg.Resource)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	logger := logging.NewLogger("token-cache")
	logger.Info().
		Str("tenant_id", cfg.TenantID).
		Str("endpoint", tokenURL).
		Bool("shared_store", cfg.Store != nil).
		Msg("Token cache initialized")

	return &TokenCache{
		httpClient: httpClient,
		tokenURL:   tokenURL,
		form:       form,
		store:      cfg.Store,
		storeKey: cache.TokenKey{
			TenantID: cfg.TenantID,
			ClientID: cfg.ClientID,
			Scope:    scope,
			Resource: cfg.Resource,
		},
		now:    now,
		logger: logger,
	}, nil
}

// Token returns a currently usable access token, fetching a new one when
// nothing usable is cached. Concurrent callers share a single fetch.
// Errors match ErrAuthentication.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	if cred := c.current(); cred != nil {
		tokenCacheHitsTotal.WithLabelValues("memory").Inc()
		return cred.Token, nil
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// A concurrent caller may have refreshed while we waited.
	if cred := c.current(); cred != nil {
		tokenCacheHitsTotal.WithLabelValues("memory").Inc()
		return cred.Token, nil
	}

	if cred := c.loadShared(ctx); cred != nil {
		c.swap(cred)
		tokenCacheHitsTotal.WithLabelValues("shared").Inc()
		c.logger.Debug().Object("credential", cred).Msg("Adopted access token from shared store")
		return cred.Token, nil
	}

	c.logger.Debug().Msg("Acquiring new access token")
	cred, err := c.fetch(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to acquire access token")
		return "", err
	}

	c.swap(cred)
	c.saveShared(ctx, cred)

	c.logger.Info().Object("credential", cred).Msg("Acquired new access token")
	return cred.Token, nil
}

// Invalidate drops the cached token so the next Token call fetches a new one.
// It is idempotent and safe to call concurrently with Token.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	prev := c.cred
	c.cred = nil
	if prev != nil {
		c.revoked = prev.Token
	}
	c.mu.Unlock()

	tokenInvalidationsTotal.Inc()
	c.logger.Debug().Object("credential", prev).Msg("Invalidated cached access token")

	if prev != nil {
		c.deleteShared(prev)
	}
}

// Close releases the cached token. The cache stays usable; the next Token
// call fetches again.
func (c *TokenCache) Close() error {
	c.mu.Lock()
	c.cred = nil
	c.mu.Unlock()

	c.logger.Info().Msg("Token cache closed")
	return nil
}

// current returns the cached credential if it is still usable.
func (c *TokenCache) current() *Credential {
	c.mu.RLock()
	cred := c.cred
	c.mu.RUnlock()

	if cred.Usable(c.now()) {
		return cred
	}
	return nil
}

func (c *TokenCache) swap(cred *Credential) {
	c.mu.Lock()
	c.cred = cred
	c.mu.Unlock()
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
	TokenType   string      `json:"token_type"`
}

// fetch performs one token endpoint round-trip. It never retries; retry
// policy belongs to the caller.
func (c *TokenCache) fetch(ctx context.Context) (*Credential, error) {
	start := time.Now()
	defer func() {
		tokenFetchDuration.Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL,
		strings.NewReader(c.form.Encode()))
	if err != nil {
		tokenFetchesTotal.WithLabelValues("error").Inc()
		return nil, &Error{Message: "create token request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	issuedAt := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		tokenFetchesTotal.WithLabelValues("network_error").Inc()
		return nil, &Error{Message: "token request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		tokenFetchesTotal.WithLabelValues("network_error").Inc()
		return nil, &Error{StatusCode: resp.StatusCode, Message: "read token response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		tokenFetchesTotal.WithLabelValues("rejected").Inc()
		truncated := logging.Truncate(string(body), logging.MaxBodyLogLength)
		c.logger.Error().
			Int("status", resp.StatusCode).
			Str("body", truncated).
			Msg("Token request rejected")
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Message:    "token request rejected",
			Body:       truncated,
		}
	}

	cred, err := parseTokenResponse(body, issuedAt)
	if err != nil {
		tokenFetchesTotal.WithLabelValues("malformed").Inc()
		return nil, &Error{StatusCode: resp.StatusCode, Message: "malformed token response", Err: err}
	}

	tokenFetchesTotal.WithLabelValues("success").Inc()
	return cred, nil
}

func parseTokenResponse(body []byte, issuedAt time.Time) (*Credential, error) {
	var payload tokenResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if payload.AccessToken == "" {
		return nil, errors.New("missing access_token")
	}
	if payload.ExpiresIn == "" {
		return nil, errors.New("missing expires_in")
	}
	expiresIn, err := payload.ExpiresIn.Int64()
	if err != nil || expiresIn <= 0 {
		return nil, fmt.Errorf("invalid expires_in %q", payload.ExpiresIn.String())
	}

	return &Credential{
		Token:     payload.AccessToken,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

// loadShared returns a usable credential from the shared store, or nil.
func (c *TokenCache) loadShared(ctx context.Context) *Credential {
	if c.store == nil {
		return nil
	}

	entry, err := c.store.Get(ctx, c.storeKey)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Msg("Shared token store lookup failed")
		}
		return nil
	}

	c.mu.RLock()
	revoked := c.revoked
	c.mu.RUnlock()
	if entry.AccessToken == revoked {
		return nil
	}

	cred := &Credential{
		Token:     entry.AccessToken,
		IssuedAt:  entry.IssuedAt,
		ExpiresAt: entry.ExpiresAt,
	}
	if !cred.Usable(c.now()) {
		return nil
	}
	return cred
}

func (c *TokenCache) saveShared(ctx context.Context, cred *Credential) {
	if c.store == nil {
		return
	}

	entry := &cache.TokenEntry{
		AccessToken: cred.Token,
		IssuedAt:    cred.IssuedAt,
		ExpiresAt:   cred.ExpiresAt,
	}
	if err := c.store.Set(ctx, c.storeKey, entry); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to share access token")
	}
}

// deleteShared removes prev from the shared store unless another process has
// already replaced it.
func (c *TokenCache) deleteShared(prev *Credential) {
	if c.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	entry, err := c.store.Get(ctx, c.storeKey)
	if err != nil || entry.AccessToken != prev.Token {
		return
	}
	if err := c.store.Delete(ctx, c.storeKey); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to remove invalidated token from shared store")
	}
}
