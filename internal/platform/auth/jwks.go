package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

var (
	// ErrJWKSKeyNotFound is returned when the requested key ID is absent from the JWKS document.
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed wraps transport or decoding errors while refreshing JWKS.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

// Logger captures the printf-style logging contract used by the token validators.
type Logger interface {
	Printf(format string, args ...any)
}

const (
	defaultJWKSLifetime     = 15 * time.Minute
	defaultJWKSFetchTimeout = 5 * time.Second
)

// JWKSCache holds the signing keys published at a JWKS URL. Keys are fetched on first use and
// refreshed when the cache lifetime from Cache-Control or Expires runs out; past the halfway
// point a hit triggers a background refresh.
type JWKSCache struct {
	url          string
	client       *http.Client
	logger       Logger
	now          func() time.Time
	lifetime     time.Duration
	fetchTimeout time.Duration
	background   bool

	mu           sync.RWMutex
	keys         map[string]jose.JSONWebKey
	expiresAt    time.Time
	refreshAfter time.Time

	fetchMu    sync.Mutex
	refreshing atomic.Bool
}

// JWKSOption customises JWKSCache behaviour.
type JWKSOption func(*JWKSCache)

// NewJWKSCache constructs a JWKS cache for the provided URL.
func NewJWKSCache(url string, opts ...JWKSOption) *JWKSCache {
	cache := &JWKSCache{
		url:          url,
		client:       &http.Client{Timeout: 10 * time.Second},
		logger:       log.Default(),
		now:          time.Now,
		lifetime:     defaultJWKSLifetime,
		fetchTimeout: defaultJWKSFetchTimeout,
		background:   true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cache)
		}
	}
	return cache
}

// WithJWKSHTTPClient overrides the HTTP client used to fetch JWKS documents.
func WithJWKSHTTPClient(client *http.Client) JWKSOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithJWKSLogger sets a custom logger for JWKS operations.
func WithJWKSLogger(logger Logger) JWKSOption {
	return func(c *JWKSCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithJWKSLifetime overrides the cache lifetime used when the response carries no caching headers.
func WithJWKSLifetime(d time.Duration) JWKSOption {
	return func(c *JWKSCache) {
		if d > 0 {
			c.lifetime = d
		}
	}
}

// WithJWKSClock injects a custom time source.
func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithoutJWKSBackgroundRefresh disables refresh-ahead.
func WithoutJWKSBackgroundRefresh() JWKSOption {
	return func(c *JWKSCache) {
		c.background = false
	}
}

// Keyfunc returns a jwt.Keyfunc resolving RS256 keys by kid.
func (c *JWKSCache) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if token.Method == nil || token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("auth: unexpected signing method %v", token.Method)
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token missing kid header")
		}
		return c.Key(ctx, kid)
	}
}

// Key resolves the public key for kid. An unknown kid forces one refetch in case keys rotated.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	now := c.now()
	if c.stale(now) {
		if err := c.fetch(ctx); err != nil {
			return nil, err
		}
	}
	if key, ok := c.lookup(kid); ok {
		if c.background && c.due(now) {
			c.refreshAsync()
		}
		return key, nil
	}
	if err := c.fetch(ctx); err != nil {
		return nil, err
	}
	if key, ok := c.lookup(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) lookup(kid string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	jwk, ok := c.keys[kid]
	if !ok {
		return nil, false
	}
	return jwk.Key, true
}

func (c *JWKSCache) stale(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys) == 0 || !now.Before(c.expiresAt)
}

func (c *JWKSCache) due(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !now.Before(c.refreshAfter) && now.Before(c.expiresAt)
}

func (c *JWKSCache) refreshAsync() {
	if !c.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.refreshing.Store(false)
		if err := c.fetch(context.Background()); err != nil {
			c.logger.Printf("auth: background jwks refresh failed: %v", err)
		}
	}()
}

func (c *JWKSCache) fetch(ctx context.Context) error {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	if c.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode jwks: %v", ErrJWKSFetchFailed, err)
	}
	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID != "" && jwk.Valid() {
			keys[jwk.KeyID] = jwk
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: empty key set", ErrJWKSFetchFailed)
	}

	now := c.now()
	lifetime := c.lifetimeFrom(resp.Header, now)
	c.mu.Lock()
	c.keys = keys
	c.expiresAt = now.Add(lifetime)
	c.refreshAfter = now.Add(lifetime / 2)
	c.mu.Unlock()

	c.logger.Printf("auth: refreshed jwks (%d keys, valid for %s)", len(keys), lifetime)
	return nil
}

func (c *JWKSCache) lifetimeFrom(header http.Header, now time.Time) time.Duration {
	if expires := header.Get("Expires"); expires != "" {
		if ts, err := http.ParseTime(expires); err == nil && ts.After(now) {
			return ts.Sub(now)
		}
	}
	for _, directive := range strings.Split(header.Get("Cache-Control"), ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		if seconds, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return c.lifetime
}
