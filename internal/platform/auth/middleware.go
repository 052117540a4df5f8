package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/solucity-dev/solucity-sub000/internal/platform/httpx"
)

const (
	defaultRoleClaim     = "role"
	defaultLocaleClaim   = "locale"
	defaultEmailClaim    = "email"
	defaultFallbackRole  = RoleCustomer
	defaultVerifyTimeout = 5 * time.Second
)

var (
	// ErrTokenExpired signals that the provided Firebase ID token has expired.
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	// ErrTokenInvalid signals that the provided Firebase ID token is invalid for other reasons.
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// MetricsRecorder records verification outcomes for observability.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a function to MetricsRecorder.
type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

// RecordVerification implements MetricsRecorder.
func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if f != nil {
		f(ctx, kind, success, reason, duration)
	}
}

// Authenticator turns Firebase ID tokens into request identities.
type Authenticator struct {
	verifier TokenVerifier
	metrics  MetricsRecorder
	now      func() time.Time

	roleClaim    string
	localeClaim  string
	fallbackRole string
	timeout      time.Duration
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithRoleClaim overrides the custom claim used for role extraction.
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithLocaleClaim overrides the claim used to populate Identity.Locale.
func WithLocaleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.localeClaim = claim
		}
	}
}

// WithFallbackRole sets the role assumed when the token carries none.
func WithFallbackRole(role string) Option {
	return func(a *Authenticator) {
		if role = normaliseRole(role); role != "" {
			a.fallbackRole = role
		}
	}
}

// WithVerificationTimeout bounds each token verification.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithMetrics records every verification outcome.
func WithMetrics(recorder MetricsRecorder) Option {
	return func(a *Authenticator) {
		a.metrics = recorder
	}
}

// NewAuthenticator constructs a Firebase Authenticator for middleware composition.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:     verifier,
		now:          time.Now,
		roleClaim:    defaultRoleClaim,
		localeClaim:  defaultLocaleClaim,
		fallbackRole: defaultFallbackRole,
		timeout:      defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireFirebaseAuth verifies the bearer token and, when roles are given, requires one of them.
// A missing or invalid token is 401; a valid token without an allowed role is 403.
func (a *Authenticator) RequireFirebaseAuth(allowedRoles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedRoles))
	for _, role := range allowedRoles {
		if role = normaliseRole(role); role != "" {
			allowed[role] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			started := time.Now()
			if a != nil {
				started = a.now()
			}

			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				a.record(ctx, false, "token_missing", started)
				respondAuthError(ctx, w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
				return
			}
			if a == nil || a.verifier == nil {
				respondAuthError(ctx, w, http.StatusUnauthorized, "unauthenticated", "authorization service unavailable")
				return
			}

			verifyCtx := ctx
			if a.timeout > 0 {
				var cancel context.CancelFunc
				verifyCtx, cancel = context.WithTimeout(ctx, a.timeout)
				defer cancel()
			}
			token, err := a.verifier.VerifyIDToken(verifyCtx, tokenStr)
			if err != nil {
				code, message := verificationFailure(err)
				a.record(ctx, false, code, started)
				respondAuthError(ctx, w, http.StatusUnauthorized, code, message)
				return
			}

			identity := a.identityFromToken(token)
			if len(allowed) > 0 && !hasAllowedRole(identity.Roles, allowed) {
				a.record(ctx, false, "insufficient_role", started)
				respondAuthError(ctx, w, http.StatusForbidden, "insufficient_role", "identity does not have required role")
				return
			}

			a.record(ctx, true, "ok", started)
			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

func (a *Authenticator) identityFromToken(token *firebaseauth.Token) *Identity {
	identity := &Identity{
		UID:    token.UID,
		Email:  claimAsString(token.Claims, defaultEmailClaim),
		Locale: NormaliseLocale(claimAsString(token.Claims, a.localeClaim)),
		Roles:  rolesFromClaims(token.Claims, a.roleClaim),
		token:  token,
	}
	if len(identity.Roles) == 0 && a.fallbackRole != "" {
		identity.Roles = []string{a.fallbackRole}
	}
	return identity
}

func (a *Authenticator) record(ctx context.Context, success bool, reason string, started time.Time) {
	if a == nil || a.metrics == nil {
		return
	}
	a.metrics.RecordVerification(ctx, "firebase", success, reason, a.now().Sub(started))
}

func hasAllowedRole(identityRoles []string, allowed map[string]struct{}) bool {
	for _, role := range identityRoles {
		if _, ok := allowed[role]; ok {
			return true
		}
	}
	return false
}

// rolesFromClaims accepts a single role string, a list of roles, or a {role: true} map.
func rolesFromClaims(claims map[string]any, key string) []string {
	var candidates []string
	switch v := claims[key].(type) {
	case string:
		candidates = strings.Split(v, ",")
	case []string:
		candidates = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				candidates = append(candidates, s)
			}
		}
	case map[string]any:
		for role, enabled := range v {
			if on, ok := enabled.(bool); ok && on {
				candidates = append(candidates, role)
			}
		}
	}

	out := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		role := normaliseRole(candidate)
		if role == "" {
			continue
		}
		if _, dup := seen[role]; dup {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}

func claimAsString(claims map[string]any, key string) string {
	if v, ok := claims[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func verificationFailure(err error) (code, message string) {
	switch {
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		return "token_expired", "firebase id token expired"
	case errors.Is(err, ErrTokenInvalid), firebaseauth.IsIDTokenInvalid(err):
		return "invalid_token", "firebase id token invalid"
	default:
		return "invalid_token", "firebase id token verification failed"
	}
}

func respondAuthError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}
