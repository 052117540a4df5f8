package config

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultStoreDriver          = StoreDriverMemory
	defaultPebbleDir            = "./data/orders"
	defaultEventsDriver         = EventsDriverLog
	defaultEventsTopic          = "order-events"
	defaultAcceptWindow         = 24 * time.Hour
	defaultUrgentAcceptWindow   = time.Hour
	defaultMaxAcceptWindow      = 7 * 24 * time.Hour
	defaultMaxCASAttempts       = 3
	defaultSweepInterval        = 30 * time.Second
	defaultSweepBatchSize       = 100
	defaultRateLimitAuth        = 240
	defaultSecurityEnvironment  = "local"
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer       = "https://accounts.google.com"
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
)

// Store drivers understood by the container.
const (
	StoreDriverMemory    = "memory"
	StoreDriverPebble    = "pebble"
	StoreDriverFirestore = "firestore"
)

// Event publisher drivers understood by the container.
const (
	EventsDriverLog    = "log"
	EventsDriverPubSub = "pubsub"
	EventsDriverKafka  = "kafka"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Store       StoreConfig
	Events      EventsConfig
	Orders      OrdersConfig
	Sweep       SweepConfig
	RateLimits  RateLimitConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
	Metrics     MetricsConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	// CheckRevoked also rejects tokens of disabled or signed-out accounts, at the cost of a
	// lookup per request.
	CheckRevoked bool
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StoreConfig selects the Order Store backend.
type StoreConfig struct {
	Driver    string
	PebbleDir string
}

// EventsConfig selects where committed order events are published.
type EventsConfig struct {
	Driver string
	PubSub PubSubConfig
	Kafka  KafkaConfig
}

// PubSubConfig addresses the Pub/Sub topic receiving order events.
type PubSubConfig struct {
	ProjectID string
	Topic     string
}

// KafkaConfig addresses the Kafka topic receiving order events.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	SASLUsername string
	SASLPassword string
}

// OrdersConfig tunes the lifecycle engine.
type OrdersConfig struct {
	AcceptWindow       time.Duration
	UrgentAcceptWindow time.Duration
	MaxAcceptWindow    time.Duration
	CloseOnRating      bool
	MaxCASAttempts     int
}

// SweepConfig controls the background expiry sweep.
type SweepConfig struct {
	Enabled   bool
	Interval  time.Duration
	BatchSize int
}

// RateLimitConfig controls request throttling.
type RateLimitConfig struct {
	AuthenticatedPerMinute int
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig controls Google-signed token verification.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects explicit values that take precedence over the system environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

func defaultLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// Load assembles the application configuration from defaults, .env overrides, the process
// environment, explicit values, and secret references, in increasing order of precedence
// (secrets replace the reference that named them).
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := defaultLoaderOptions(opts)
	src, err := newSource(options)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         src.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  src.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: src.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  src.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       src.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: src.str("API_FIREBASE_CREDENTIALS_FILE", ""),
			CheckRevoked:    src.boolean("API_FIREBASE_CHECK_REVOKED", false),
		},
		Firestore: FirestoreConfig{
			ProjectID:    src.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: src.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Store: StoreConfig{
			Driver:    strings.ToLower(src.str("API_STORE_DRIVER", defaultStoreDriver)),
			PebbleDir: src.str("API_PEBBLE_DIR", defaultPebbleDir),
		},
		Events: EventsConfig{
			Driver: strings.ToLower(src.str("API_EVENTS_DRIVER", defaultEventsDriver)),
			PubSub: PubSubConfig{
				ProjectID: src.str("API_PUBSUB_PROJECT_ID", ""),
				Topic:     src.str("API_PUBSUB_TOPIC", defaultEventsTopic),
			},
			Kafka: KafkaConfig{
				Brokers:      src.csv("API_KAFKA_BROKERS"),
				Topic:        src.str("API_KAFKA_TOPIC", defaultEventsTopic),
				SASLUsername: src.str("API_KAFKA_SASL_USERNAME", ""),
				SASLPassword: src.str("API_KAFKA_SASL_PASSWORD", ""),
			},
		},
		Orders: OrdersConfig{
			AcceptWindow:       src.duration("API_ORDERS_ACCEPT_WINDOW", defaultAcceptWindow),
			UrgentAcceptWindow: src.duration("API_ORDERS_URGENT_ACCEPT_WINDOW", defaultUrgentAcceptWindow),
			MaxAcceptWindow:    src.duration("API_ORDERS_MAX_ACCEPT_WINDOW", defaultMaxAcceptWindow),
			CloseOnRating:      src.boolean("API_ORDERS_CLOSE_ON_RATING", true),
			MaxCASAttempts:     src.integer("API_ORDERS_MAX_CAS_ATTEMPTS", defaultMaxCASAttempts),
		},
		Sweep: SweepConfig{
			Enabled:   src.boolean("API_SWEEP_ENABLED", true),
			Interval:  src.duration("API_SWEEP_INTERVAL", defaultSweepInterval),
			BatchSize: src.integer("API_SWEEP_BATCH_SIZE", defaultSweepBatchSize),
		},
		RateLimits: RateLimitConfig{
			AuthenticatedPerMinute: src.integer("API_RATELIMIT_AUTH_PER_MIN", defaultRateLimitAuth),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(src.str("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:   src.str("API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  src.str("API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: src.keyValues("API_SECURITY_OIDC_AUDIENCES"),
				Issuers:   src.csv("API_SECURITY_OIDC_ISSUERS"),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           src.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              src.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  src.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: src.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
		Metrics: MetricsConfig{
			Enabled: src.boolean("API_METRICS_ENABLED", true),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Events.PubSub.ProjectID == "" {
		cfg.Events.PubSub.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		cfg.Security.OIDC.Audience = cfg.Security.OIDC.Audiences[cfg.Security.Environment]
	}

	secretFields := []*string{
		&cfg.Events.Kafka.SASLPassword,
		&cfg.Events.Kafka.SASLUsername,
	}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}

	if err := validateConfig(cfg, src.invalid); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg Config, invalid []string) error {
	fields := append([]string(nil), invalid...)

	if cfg.Server.Port == "" {
		fields = append(fields, "Server.Port")
	}
	if cfg.Firebase.ProjectID == "" {
		fields = append(fields, "Firebase.ProjectID")
	}
	switch cfg.Store.Driver {
	case StoreDriverMemory:
	case StoreDriverPebble:
		if strings.TrimSpace(cfg.Store.PebbleDir) == "" {
			fields = append(fields, "Store.PebbleDir")
		}
	case StoreDriverFirestore:
		if cfg.Firestore.ProjectID == "" {
			fields = append(fields, "Firestore.ProjectID")
		}
	default:
		fields = append(fields, "Store.Driver")
	}
	switch cfg.Events.Driver {
	case EventsDriverLog:
	case EventsDriverPubSub:
		if cfg.Events.PubSub.ProjectID == "" {
			fields = append(fields, "Events.PubSub.ProjectID")
		}
		if cfg.Events.PubSub.Topic == "" {
			fields = append(fields, "Events.PubSub.Topic")
		}
	case EventsDriverKafka:
		if len(cfg.Events.Kafka.Brokers) == 0 {
			fields = append(fields, "Events.Kafka.Brokers")
		}
		if cfg.Events.Kafka.Topic == "" {
			fields = append(fields, "Events.Kafka.Topic")
		}
	default:
		fields = append(fields, "Events.Driver")
	}
	if cfg.Orders.AcceptWindow < 0 {
		fields = append(fields, "Orders.AcceptWindow")
	}
	if cfg.Orders.UrgentAcceptWindow < 0 {
		fields = append(fields, "Orders.UrgentAcceptWindow")
	}
	if cfg.Orders.MaxCASAttempts <= 0 {
		fields = append(fields, "Orders.MaxCASAttempts")
	}
	if cfg.Sweep.Enabled && cfg.Sweep.Interval <= 0 {
		fields = append(fields, "Sweep.Interval")
	}
	if cfg.Sweep.BatchSize <= 0 {
		fields = append(fields, "Sweep.BatchSize")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		fields = append(fields, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		fields = append(fields, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		fields = append(fields, "Idempotency.CleanupBatchSize")
	}

	if len(fields) > 0 {
		return &ValidationError{fields: fields}
	}
	return nil
}
