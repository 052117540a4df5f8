package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/solucity-dev/solucity-sub000/internal/platform/config"
)

// tokenChecker is the slice of the Admin SDK client the verifier needs.
type tokenChecker interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
	VerifyIDTokenAndCheckRevoked(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// FirebaseVerifier checks customer and specialist ID tokens with the Firebase Admin SDK.
type FirebaseVerifier struct {
	client       tokenChecker
	timeout      time.Duration
	checkRevoked bool
}

// FirebaseOption customises FirebaseVerifier instances.
type FirebaseOption func(*FirebaseVerifier)

// WithFirebaseTimeout bounds each verification call.
func WithFirebaseTimeout(d time.Duration) FirebaseOption {
	return func(v *FirebaseVerifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// NewFirebaseVerifier builds the Admin SDK auth client for cfg.ProjectID. FIREBASE_AUTH_EMULATOR_HOST
// is honoured by the SDK itself.
func NewFirebaseVerifier(ctx context.Context, cfg config.FirebaseConfig, opts ...FirebaseOption) (*FirebaseVerifier, error) {
	projectID := strings.TrimSpace(cfg.ProjectID)
	if projectID == "" {
		return nil, errors.New("firebase project id is required")
	}
	var clientOpts []option.ClientOption
	if file := strings.TrimSpace(cfg.CredentialsFile); file != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(file))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase auth client: %w", err)
	}
	return newFirebaseVerifier(client, cfg.CheckRevoked, opts...), nil
}

func newFirebaseVerifier(client tokenChecker, checkRevoked bool, opts ...FirebaseOption) *FirebaseVerifier {
	v := &FirebaseVerifier{client: client, timeout: defaultVerifyTimeout, checkRevoked: checkRevoked}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// VerifyIDToken validates idToken, additionally rejecting revoked sessions when configured to.
func (v *FirebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	if v == nil || v.client == nil {
		return nil, errors.New("firebase verifier not initialised")
	}
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	if v.checkRevoked {
		return v.client.VerifyIDTokenAndCheckRevoked(ctx, idToken)
	}
	return v.client.VerifyIDToken(ctx, idToken)
}
