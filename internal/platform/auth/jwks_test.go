package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

type noopLogger struct{}

func (noopLogger) Printf(string, ...any) {}

// keyServer publishes a rotating JWKS document and counts fetches.
type keyServer struct {
	*httptest.Server
	fetches atomic.Int32

	mu   sync.Mutex
	keys map[string]*rsa.PrivateKey
}

func newKeyServer(t *testing.T, kids ...string) *keyServer {
	t.Helper()
	ks := &keyServer{keys: map[string]*rsa.PrivateKey{}}
	for _, kid := range kids {
		ks.add(t, kid)
	}
	ks.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		ks.fetches.Add(1)
		ks.mu.Lock()
		set := jose.JSONWebKeySet{}
		for kid, key := range ks.keys {
			set.Keys = append(set.Keys, jose.JSONWebKey{Key: &key.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"})
		}
		ks.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=600")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(ks.Close)
	return ks
}

func (ks *keyServer) add(t *testing.T, kid string) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ks.mu.Lock()
	ks.keys[kid] = key
	ks.mu.Unlock()
	return key
}

func (ks *keyServer) sign(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	ks.mu.Lock()
	key := ks.keys[kid]
	ks.mu.Unlock()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestJWKSCacheServesFromCache(t *testing.T) {
	ks := newKeyServer(t, "scheduler-1")
	now := time.Unix(1_700_000_000, 0)
	cache := NewJWKSCache(ks.URL, WithJWKSLogger(noopLogger{}), WithJWKSClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		key, err := cache.Key(context.Background(), "scheduler-1")
		if err != nil {
			t.Fatalf("Key: %v", err)
		}
		if _, ok := key.(*rsa.PublicKey); !ok {
			t.Fatalf("expected *rsa.PublicKey, got %T", key)
		}
	}
	if got := ks.fetches.Load(); got != 1 {
		t.Fatalf("expected one fetch, got %d", got)
	}
}

func TestJWKSCacheRefetchesOnUnknownKid(t *testing.T) {
	ks := newKeyServer(t, "scheduler-1")
	cache := NewJWKSCache(ks.URL, WithJWKSLogger(noopLogger{}), WithoutJWKSBackgroundRefresh())

	if _, err := cache.Key(context.Background(), "scheduler-1"); err != nil {
		t.Fatalf("Key: %v", err)
	}
	ks.add(t, "scheduler-2")
	if _, err := cache.Key(context.Background(), "scheduler-2"); err != nil {
		t.Fatalf("rotated key: %v", err)
	}
	if got := ks.fetches.Load(); got != 2 {
		t.Fatalf("expected rotation refetch, got %d fetches", got)
	}

	_, err := cache.Key(context.Background(), "never-published")
	if !errors.Is(err, ErrJWKSKeyNotFound) {
		t.Fatalf("expected ErrJWKSKeyNotFound, got %v", err)
	}
}

func TestJWKSCacheFetchFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	cache := NewJWKSCache(server.URL, WithJWKSLogger(noopLogger{}))
	if _, err := cache.Key(context.Background(), "any"); !errors.Is(err, ErrJWKSFetchFailed) {
		t.Fatalf("expected ErrJWKSFetchFailed, got %v", err)
	}
}

func TestJWKSCacheLifetimeFromHeaders(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	cache := NewJWKSCache("http://unused", WithJWKSLifetime(time.Minute))

	cases := map[string]struct {
		header http.Header
		want   time.Duration
	}{
		"no caching headers": {header: http.Header{}, want: time.Minute},
		"max-age":            {header: http.Header{"Cache-Control": {"public, max-age=120, must-revalidate"}}, want: 2 * time.Minute},
		"expires wins": {
			header: http.Header{
				"Cache-Control": {"max-age=120"},
				"Expires":       {now.Add(10 * time.Minute).UTC().Format(http.TimeFormat)},
			},
			want: 10 * time.Minute,
		},
		"expired Expires falls through": {
			header: http.Header{"Expires": {now.Add(-time.Minute).UTC().Format(http.TimeFormat)}},
			want:   time.Minute,
		},
	}
	for name, tc := range cases {
		if got := cache.lifetimeFrom(tc.header, now); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", name, tc.want, got)
		}
	}
}
