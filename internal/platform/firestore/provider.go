package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/solucity-dev/solucity-sub000/internal/platform/config"
)

const (
	defaultDialTimeout = 10 * time.Second
	envEmulatorHost    = "FIRESTORE_EMULATOR_HOST"
	envGoogleProjectID = "GOOGLE_CLOUD_PROJECT"
)

var ErrProviderClosed = errors.New("firestore: provider is closed")

// Provider hands out a single Firestore client shared by the order store and the idempotency
// store. The client is dialled on first use; a failed dial is retried by the next caller.
type Provider struct {
	projectID    string
	emulatorHost string
	dialTimeout  time.Duration
	clientOpts   []option.ClientOption

	mu     sync.Mutex
	client *firestore.Client
	closed bool
}

// ProviderOption customises a Provider.
type ProviderOption func(*Provider)

// WithDialTimeout bounds client creation.
func WithDialTimeout(timeout time.Duration) ProviderOption {
	return func(p *Provider) {
		if timeout > 0 {
			p.dialTimeout = timeout
		}
	}
}

// WithClientOptions passes extra options to firestore.NewClient.
func WithClientOptions(opts ...option.ClientOption) ProviderOption {
	return func(p *Provider) {
		p.clientOpts = append(p.clientOpts, opts...)
	}
}

// NewProvider resolves the project and emulator settings from cfg, falling back to
// GOOGLE_CLOUD_PROJECT and FIRESTORE_EMULATOR_HOST.
func NewProvider(cfg config.FirestoreConfig, opts ...ProviderOption) *Provider {
	p := &Provider{
		projectID:    firstSet(cfg.ProjectID, os.Getenv(envGoogleProjectID)),
		emulatorHost: firstSet(cfg.EmulatorHost, os.Getenv(envEmulatorHost)),
		dialTimeout:  defaultDialTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Client returns the shared client.
func (p *Provider) Client(ctx context.Context) (*firestore.Client, error) {
	if ctx == nil {
		return nil, errors.New("firestore: context is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return nil, ErrProviderClosed
	case p.client != nil:
		return p.client, nil
	}
	client, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	p.client = client
	return client, nil
}

func (p *Provider) dial(ctx context.Context) (*firestore.Client, error) {
	if p.projectID == "" {
		return nil, errors.New("firestore: project id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()

	opts := append([]option.ClientOption(nil), p.clientOpts...)
	if p.emulatorHost != "" {
		// the client library only honours the emulator through the environment
		if os.Getenv(envEmulatorHost) == "" {
			_ = os.Setenv(envEmulatorHost, p.emulatorHost)
		}
		opts = append(opts,
			option.WithEndpoint(p.emulatorHost),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	client, err := firestore.NewClient(ctx, p.projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore: create client: %w", err)
	}
	return client, nil
}

// RunTransaction runs fn in a transaction on the shared client.
func (p *Provider) RunTransaction(ctx context.Context, fn TxFunc, opts ...TxOption) error {
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	return RunTransaction(ctx, client, fn, opts...)
}

// Close releases the client and makes every later call fail with ErrProviderClosed. It gives up
// waiting when ctx ends.
func (p *Provider) Close(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	client, already := p.client, p.closed
	p.client, p.closed = nil, true
	p.mu.Unlock()
	if already || client == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan error, 1)
	go func() { done <- client.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func firstSet(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
