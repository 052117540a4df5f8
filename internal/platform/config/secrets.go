package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// SecretResolver resolves references to external secrets (Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// IsSecretReference reports whether value names a secret instead of carrying it.
func IsSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

// NormalizeSecretReference rewrites sm:// references to the canonical secret:// scheme.
func NormalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !IsSecretReference(value) {
		return value, nil
	}
	ref := NormalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}
