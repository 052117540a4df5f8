// Package secrets resolves secret:// references from Google Secret Manager, falling back to a
// local KEY=VALUE file during development.
package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultFallbackPath = ".secrets.local"
	defaultCacheTTL     = 10 * time.Minute
	meterName           = "github.com/solucity-dev/solucity-sub000/internal/platform/secrets"
)

// ErrNotFound is returned when neither Secret Manager nor the fallback file has the secret.
var ErrNotFound = errors.New("secrets: secret not found")

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (secretClient, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret references with a TTL cache. It satisfies config.SecretResolver.
type Fetcher struct {
	client     secretClient
	ownsClient bool
	logger     *zap.Logger
	project    string
	ttl        time.Duration
	now        func() time.Time

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string

	mu    sync.Mutex
	cache map[string]cached

	latency metric.Float64Histogram
	hits    metric.Int64Counter
}

type cached struct {
	value     string
	expiresAt time.Time
}

type settings struct {
	logger       *zap.Logger
	project      string
	fallbackPath string
	ttl          time.Duration
	client       secretClient
	clientOpts   []option.ClientOption
	meter        metric.Meter
	now          func() time.Time
}

// Option customises NewFetcher.
type Option func(*settings)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithDefaultProject sets the project used when a reference carries no ?project= override.
func WithDefaultProject(projectID string) Option {
	return func(s *settings) { s.project = strings.TrimSpace(projectID) }
}

// WithFallbackFile overrides the local fallback file. An empty path disables the fallback.
func WithFallbackFile(path string) Option {
	return func(s *settings) { s.fallbackPath = strings.TrimSpace(path) }
}

// WithCacheTTL sets how long resolved values are reused.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithMeter injects an OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(s *settings) { s.meter = m }
}

// WithClientOptions forwards options to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(s *settings) { s.clientOpts = append(s.clientOpts, opts...) }
}

func withClient(client secretClient) Option {
	return func(s *settings) { s.client = client }
}

func withClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// NewFetcher builds a Fetcher. A Secret Manager client that cannot be created leaves the fetcher
// in fallback-only mode instead of failing startup.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	s := settings{logger: zap.NewNop(), fallbackPath: defaultFallbackPath, ttl: defaultCacheTTL, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.meter == nil {
		s.meter = otel.GetMeterProvider().Meter(meterName)
	}

	f := &Fetcher{
		client:       s.client,
		logger:       s.logger,
		project:      s.project,
		ttl:          s.ttl,
		now:          s.now,
		fallbackPath: s.fallbackPath,
		cache:        make(map[string]cached),
	}

	var err error
	if f.latency, err = s.meter.Float64Histogram("secrets.resolve.latency", metric.WithUnit("ms"),
		metric.WithDescription("Secret resolution latency by source")); err != nil {
		s.logger.Warn("secrets: latency metric unavailable", zap.Error(err))
	}
	if f.hits, err = s.meter.Int64Counter("secrets.resolve.cache_hits",
		metric.WithDescription("Secret resolutions served from cache")); err != nil {
		s.logger.Warn("secrets: cache hit metric unavailable", zap.Error(err))
	}

	if f.client == nil && f.project != "" {
		client, err := newSecretManagerClient(ctx, s.clientOpts...)
		if err != nil {
			s.logger.Warn("secrets: secret manager unavailable, using fallback file only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// ResolveSecret returns the value behind ref, for example secret://kafka-password?version=3.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	started := f.now()
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	entry, ok := f.cache[parsed.key()]
	f.mu.Unlock()
	if ok && f.now().Before(entry.expiresAt) {
		if f.hits != nil {
			f.hits.Add(ctx, 1)
		}
		f.observe(ctx, started, "cache")
		return entry.value, nil
	}

	value, source, err := f.resolve(ctx, parsed)
	if err != nil {
		f.observe(ctx, started, "error")
		return "", err
	}
	f.mu.Lock()
	f.cache[parsed.key()] = cached{value: value, expiresAt: f.now().Add(f.ttl)}
	f.mu.Unlock()
	f.observe(ctx, started, source)
	return value, nil
}

func (f *Fetcher) resolve(ctx context.Context, ref reference) (string, string, error) {
	project := ref.project
	if project == "" {
		project = f.project
	}
	if f.client != nil && project != "" {
		name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, ref.name, ref.versionOrLatest())
		resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
		switch {
		case err == nil:
			return string(resp.GetPayload().GetData()), "secret_manager", nil
		case status.Code(err) == codes.NotFound:
			return "", "", fmt.Errorf("%w: %s", ErrNotFound, ref.canonical)
		case !fallbackEligible(err):
			return "", "", fmt.Errorf("secrets: access %s: %w", ref.canonical, err)
		}
		f.logger.Debug("secrets: secret manager failed, trying fallback file", zap.String("secret", ref.name), zap.Error(err))
	}

	f.fallbackOnce.Do(f.loadFallback)
	if value, ok := f.fallback[ref.key()]; ok {
		return value, "fallback", nil
	}
	if value, ok := f.fallback[ref.canonical]; ok && ref.version == "" {
		return value, "fallback", nil
	}
	return "", "", fmt.Errorf("%w: %s", ErrNotFound, ref.canonical)
}

func (f *Fetcher) loadFallback() {
	f.fallback = map[string]string{}
	if f.fallbackPath == "" {
		return
	}
	file, err := os.Open(f.fallbackPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.logger.Warn("secrets: fallback file unreadable", zap.String("path", f.fallbackPath), zap.Error(err))
		}
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rawRef, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		rawRef = strings.TrimSpace(rawRef)
		if rest, isShort := strings.CutPrefix(rawRef, "sm://"); isShort {
			rawRef = "secret://" + rest
		}
		parsed, err := parseReference(rawRef)
		if err != nil {
			continue
		}
		f.fallback[parsed.key()] = strings.TrimSpace(value)
		if parsed.version == "" {
			f.fallback[parsed.canonical] = strings.TrimSpace(value)
		}
	}
	if err := scanner.Err(); err != nil {
		f.logger.Warn("secrets: fallback file read failed", zap.Error(err))
	}
}

func (f *Fetcher) observe(ctx context.Context, started time.Time, source string) {
	if f.latency == nil {
		return
	}
	elapsed := float64(f.now().Sub(started)) / float64(time.Millisecond)
	f.latency.Record(ctx, elapsed, metric.WithAttributes(attribute.String("source", source)))
}

type reference struct {
	canonical string
	name      string
	version   string
	project   string
}

func (r reference) versionOrLatest() string {
	if r.version == "" {
		return "latest"
	}
	return r.version
}

func (r reference) key() string {
	return r.canonical + "#" + r.versionOrLatest()
}

func parseReference(raw string) (reference, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return reference{}, fmt.Errorf("secrets: reference %q names no secret", raw)
	}
	query := u.Query()
	return reference{
		canonical: "secret://" + name,
		name:      name,
		version:   strings.TrimSpace(query.Get("version")),
		project:   strings.TrimSpace(query.Get("project")),
	}, nil
}

func fallbackEligible(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}
