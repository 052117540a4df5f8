package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/solucity-dev/solucity-sub000/internal/domain"
	"github.com/solucity-dev/solucity-sub000/internal/platform/config"
	"github.com/solucity-dev/solucity-sub000/internal/platform/events"
	pfirestore "github.com/solucity-dev/solucity-sub000/internal/platform/firestore"
	"github.com/solucity-dev/solucity-sub000/internal/platform/idempotency"
	"github.com/solucity-dev/solucity-sub000/internal/platform/metrics"
	"github.com/solucity-dev/solucity-sub000/internal/platform/observability"
	"github.com/solucity-dev/solucity-sub000/internal/repositories"
	firestorerepo "github.com/solucity-dev/solucity-sub000/internal/repositories/firestore"
	"github.com/solucity-dev/solucity-sub000/internal/repositories/memory"
	pebblerepo "github.com/solucity-dev/solucity-sub000/internal/repositories/pebble"
	"github.com/solucity-dev/solucity-sub000/internal/services"
)

const healthProbeOrderID = "__healthcheck__"

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Orders  services.OrderService
	Sweeper services.OrderSweeper
	System  services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	Events       services.OrderEventPublisher
	Idempotency  idempotency.Store
	Metrics      *metrics.Registry
	Firestore    *pfirestore.Provider

	closers []func(context.Context) error
}

// Option customises container construction.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	clock     func() time.Time
	build     services.BuildInfo
	registry  repositories.Registry
	publisher services.OrderEventPublisher
	metrics   *metrics.Registry
}

// WithLogger sets the base logger handed to services and publishers.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the clock used by the engine and sweeper.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithBuildInfo sets the build metadata reported by the system service.
func WithBuildInfo(info services.BuildInfo) Option {
	return func(o *options) {
		o.build = info
	}
}

// WithRegistry replaces the store selected by configuration.
func WithRegistry(reg repositories.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithPublisher replaces the event publisher selected by configuration.
func WithPublisher(pub services.OrderEventPublisher) Option {
	return func(o *options) {
		o.publisher = pub
	}
}

// WithMetrics supplies the Prometheus registry shared with the HTTP layer.
func WithMetrics(reg *metrics.Registry) Option {
	return func(o *options) {
		o.metrics = reg
	}
}

// NewContainer constructs the runtime dependencies described by cfg. Partially built resources
// are released when a later step fails.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (c *Container, err error) {
	o := options{logger: zap.NewNop(), clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	c = &Container{Config: cfg, Metrics: o.metrics}
	if c.Metrics == nil {
		c.Metrics = metrics.NewRegistry()
	}
	defer func() {
		if err != nil {
			_ = c.Close(context.Background())
			c = nil
		}
	}()

	if cfg.Store.Driver == config.StoreDriverFirestore {
		c.Firestore = pfirestore.NewProvider(cfg.Firestore)
		c.closers = append(c.closers, c.Firestore.Close)
	}

	reg := o.registry
	if reg == nil {
		reg, err = buildRegistry(cfg, c.Firestore)
		if err != nil {
			return nil, err
		}
	}
	c.Repositories = reg
	c.closers = append(c.closers, reg.Close)

	pub := o.publisher
	if pub == nil {
		var closer func(context.Context) error
		pub, closer, err = buildPublisher(ctx, cfg.Events, o.logger)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, closer)
	}
	c.Events = pub

	if c.Firestore != nil {
		c.Idempotency = idempotency.NewFirestoreStore(c.Firestore)
	} else {
		c.Idempotency = idempotency.NewMemoryStore()
	}

	c.Services, err = buildServices(cfg, reg, pub, c.Metrics, o)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Close releases resources in reverse construction order.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func buildServices(cfg config.Config, reg repositories.Registry, pub services.OrderEventPublisher, m *metrics.Registry, o options) (Services, error) {
	var svc Services
	eventLogger := observability.EventLogger(o.logger.Named("orders"))

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:  reg.Orders(),
		Clock:   o.clock,
		Events:  pub,
		Metrics: m,
		AcceptWindow: domain.AcceptWindowPolicy{
			Standard: cfg.Orders.AcceptWindow,
			Urgent:   cfg.Orders.UrgentAcceptWindow,
			Max:      cfg.Orders.MaxAcceptWindow,
		},
		CloseOnRating:  cfg.Orders.CloseOnRating,
		MaxCASAttempts: cfg.Orders.MaxCASAttempts,
		Logger:         eventLogger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	sweeper, err := services.NewOrderSweeper(services.OrderSweeperDeps{
		Orders:    reg.Orders(),
		Engine:    orderSvc,
		Clock:     o.clock,
		BatchSize: cfg.Sweep.BatchSize,
		Metrics:   m,
		Logger:    observability.EventLogger(o.logger.Named("sweep")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order sweeper: %w", err)
	}
	svc.Sweeper = sweeper

	if healthRepo := reg.Health(); healthRepo != nil {
		build := o.build
		if build.Environment == "" {
			build.Environment = cfg.Security.Environment
		}
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Orders:           reg.Orders(),
			BacklogThreshold: cfg.Sweep.BatchSize,
			Clock:            o.clock,
			Build:            build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}
	return svc, nil
}

// storeRegistry is the Registry over a single Order Store backend.
type storeRegistry struct {
	orders repositories.OrderRepository
	health repositories.HealthRepository
	close  func() error
}

func (r *storeRegistry) Orders() repositories.OrderRepository  { return r.orders }
func (r *storeRegistry) Health() repositories.HealthRepository { return r.health }

func (r *storeRegistry) Close(context.Context) error {
	if r.close == nil {
		return nil
	}
	return r.close()
}

func buildRegistry(cfg config.Config, provider *pfirestore.Provider) (repositories.Registry, error) {
	reg := &storeRegistry{}
	var probe func(context.Context) error

	switch cfg.Store.Driver {
	case config.StoreDriverPebble:
		repo, err := pebblerepo.Open(cfg.Store.PebbleDir)
		if err != nil {
			return nil, fmt.Errorf("open pebble order store: %w", err)
		}
		reg.orders, reg.close, probe = repo, repo.Close, repo.Ping
	case config.StoreDriverFirestore:
		repo, err := firestorerepo.NewOrderRepository(provider)
		if err != nil {
			return nil, fmt.Errorf("build firestore order store: %w", err)
		}
		reg.orders, probe = repo, repo.Ping
	case config.StoreDriverMemory, "":
		repo := memory.NewOrderRepository()
		reg.orders, probe = repo, lookupProbe(repo)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}

	health, err := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
		{Name: "store", Check: probe},
	})
	if err != nil {
		if reg.close != nil {
			_ = reg.close()
		}
		return nil, err
	}
	reg.health = health
	return reg, nil
}

// lookupProbe checks the store answers a point read. Not found counts as healthy.
func lookupProbe(repo repositories.OrderRepository) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := repo.FindByID(ctx, healthProbeOrderID)
		if err == nil || repositories.IsNotFound(err) {
			return nil
		}
		return err
	}
}

func buildPublisher(ctx context.Context, cfg config.EventsConfig, logger *zap.Logger) (services.OrderEventPublisher, func(context.Context) error, error) {
	switch cfg.Driver {
	case config.EventsDriverPubSub:
		client, err := pubsub.NewClient(ctx, strings.TrimSpace(cfg.PubSub.ProjectID))
		if err != nil {
			return nil, nil, fmt.Errorf("build pubsub client: %w", err)
		}
		pub, err := events.NewPubSubPublisher(client.Topic(strings.TrimSpace(cfg.PubSub.Topic)))
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return pub, func(context.Context) error {
			return errors.Join(pub.Close(), client.Close())
		}, nil
	case config.EventsDriverKafka:
		pub, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			SASLUsername: cfg.Kafka.SASLUsername,
			SASLPassword: cfg.Kafka.SASLPassword,
		})
		if err != nil {
			return nil, nil, err
		}
		return pub, func(context.Context) error { return pub.Close() }, nil
	case config.EventsDriverLog, "":
		pub := events.NewLogPublisher(logger)
		return pub, func(context.Context) error { return pub.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported events driver %q", cfg.Driver)
	}
}
