package auth

import (
	"context"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"
	"golang.org/x/text/language"
)

// Roles carried in the Firebase "role" custom claim. A single account may hold both party roles.
const (
	RoleCustomer   = "customer"
	RoleSpecialist = "specialist"
	RoleAdmin      = "admin"
)

// Identity is the authenticated end user extracted from a Firebase ID token.
type Identity struct {
	UID    string
	Email  string
	Roles  []string
	Locale string

	token *firebaseauth.Token
}

// Token exposes the decoded Firebase ID token associated with this identity.
func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.token
}

// HasRole reports whether the identity includes the requested role (case-insensitive).
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	if role == "" {
		return false
	}
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the identity includes any of the provided roles.
func (i *Identity) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if i.HasRole(role) {
			return true
		}
	}
	return false
}

type contextKey string

const identityContextKey contextKey = "github.com/solucity-dev/solucity-sub000/internal/platform/auth/identity"

// WithIdentity stores the identity within the context for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the identity previously stored in context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

// NormaliseLocale canonicalises a BCP 47 tag such as "es_ar" to "es-AR". Unparseable input yields "".
func NormaliseLocale(raw string) string {
	raw = strings.TrimSpace(strings.ReplaceAll(raw, "_", "-"))
	if raw == "" {
		return ""
	}
	tag, err := language.Parse(raw)
	if err != nil {
		return ""
	}
	return tag.String()
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
