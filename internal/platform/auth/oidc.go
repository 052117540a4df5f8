package auth

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

// CallerIdentity is the service account behind a verified OIDC token, typically Cloud Scheduler
// triggering the deadline sweep.
type CallerIdentity struct {
	Subject  string
	Email    string
	Issuer   string
	Audience string
}

type callerIdentityContextKey struct{}

// WithCallerIdentity attaches the verified caller to the request context.
func WithCallerIdentity(ctx context.Context, identity *CallerIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, callerIdentityContextKey{}, identity)
}

// CallerIdentityFromContext retrieves the caller stored by RequireOIDC.
func CallerIdentityFromContext(ctx context.Context) (*CallerIdentity, bool) {
	identity, ok := ctx.Value(callerIdentityContextKey{}).(*CallerIdentity)
	return identity, ok && identity != nil
}

// OIDCValidator verifies Google-signed OIDC tokens for internal endpoints.
type OIDCValidator struct {
	keys    *JWKSCache
	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time
}

// OIDCOption customises the validator.
type OIDCOption func(*OIDCValidator)

// WithOIDCLogger overrides the validator logger.
func WithOIDCLogger(logger Logger) OIDCOption {
	return func(v *OIDCValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithOIDCMetrics sets the metrics recorder.
func WithOIDCMetrics(recorder MetricsRecorder) OIDCOption {
	return func(v *OIDCValidator) {
		v.metrics = recorder
	}
}

// WithOIDCClock injects a custom clock.
func WithOIDCClock(now func() time.Time) OIDCOption {
	return func(v *OIDCValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// NewOIDCValidator constructs an OIDCValidator backed by keys.
func NewOIDCValidator(keys *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	v := &OIDCValidator{keys: keys, logger: log.Default(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// RequireOIDC admits requests bearing an RS256 token for audience from one of issuers.
// Verification infrastructure failures answer 503 so the scheduler retries.
func (v *OIDCValidator) RequireOIDC(audience string, issuers []string) func(http.Handler) http.Handler {
	audience = strings.TrimSpace(audience)
	allowedIssuers := make(map[string]struct{}, len(issuers))
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			allowedIssuers[issuer] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			started := v.now()
			reject := func(status int, reason, code, message string) {
				v.record(ctx, false, reason, started)
				respondAuthError(ctx, w, status, code, message)
			}

			if audience == "" {
				reject(http.StatusServiceUnavailable, "audience_not_configured", "verification_unavailable", "oidc audience not configured")
				return
			}
			raw := oidcToken(r)
			if raw == "" {
				reject(http.StatusUnauthorized, "token_missing", "unauthenticated", "oidc token missing")
				return
			}
			if v.keys == nil {
				reject(http.StatusServiceUnavailable, "keys_unavailable", "verification_unavailable", "oidc verification unavailable")
				return
			}

			claims := jwt.MapClaims{}
			parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
			if _, err := parser.ParseWithClaims(raw, claims, v.keys.Keyfunc(ctx)); err != nil {
				if errors.Is(err, ErrJWKSFetchFailed) {
					v.logger.Printf("auth: oidc keys unavailable: %v", err)
					reject(http.StatusServiceUnavailable, "jwks_unavailable", "invalid_token", "oidc token verification failed")
					return
				}
				v.logger.Printf("auth: oidc token rejected: %v", err)
				reject(http.StatusUnauthorized, "token_invalid", "invalid_token", "oidc token verification failed")
				return
			}

			issuer, _ := claims["iss"].(string)
			if _, ok := allowedIssuers[issuer]; len(allowedIssuers) > 0 && !ok {
				v.logger.Printf("auth: oidc issuer %q not allowed", issuer)
				reject(http.StatusUnauthorized, "issuer_mismatch", "invalid_token", "oidc issuer mismatch")
				return
			}
			if !claims.VerifyAudience(audience, true) {
				v.logger.Printf("auth: oidc audience mismatch, expected %q", audience)
				reject(http.StatusUnauthorized, "audience_mismatch", "invalid_token", "oidc audience mismatch")
				return
			}

			subject, _ := claims["sub"].(string)
			email, _ := claims["email"].(string)
			caller := &CallerIdentity{Subject: subject, Email: email, Issuer: issuer, Audience: audience}

			v.record(ctx, true, "ok", started)
			next.ServeHTTP(w, r.WithContext(WithCallerIdentity(ctx, caller)))
		})
	}
}

func (v *OIDCValidator) record(ctx context.Context, success bool, reason string, started time.Time) {
	if v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "oidc", success, reason, v.now().Sub(started))
}

// oidcToken reads the bearer token, falling back to the IAP assertion header.
func oidcToken(r *http.Request) string {
	if token, ok := extractBearerToken(r.Header.Get("Authorization")); ok {
		return token
	}
	return strings.TrimSpace(r.Header.Get("X-Goog-Iap-Jwt-Assertion"))
}
