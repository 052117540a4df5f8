package services

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"

	"github.com/solucity-dev/solucity-sub000/internal/domain"
	"github.com/solucity-dev/solucity-sub000/internal/repositories"
)

const (
	defaultSweepBatchSize = 100
	maxSweepBatches       = 10
)

// OrderSweeperDeps bundles collaborators required to construct the deadline sweeper.
type OrderSweeperDeps struct {
	Orders    repositories.OrderRepository
	Engine    OrderService
	Clock     func() time.Time
	BatchSize int
	Metrics   OrderMetrics
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type orderSweeper struct {
	orders    repositories.OrderRepository
	engine    OrderService
	clock     func() time.Time
	batchSize int
	metrics   OrderMetrics
	logger    func(context.Context, string, map[string]any)
}

var _ OrderSweeper = (*orderSweeper)(nil)

// NewOrderSweeper builds the sweeper that authoritatively expires overdue PENDING orders. Every
// expiry goes through the engine so it races accept through the same version CAS.
func NewOrderSweeper(deps OrderSweeperDeps) (OrderSweeper, error) {
	if deps.Orders == nil {
		return nil, errors.New("order sweeper: order repository is required")
	}
	if deps.Engine == nil {
		return nil, errors.New("order sweeper: order service is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	batch := deps.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatchSize
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopOrderMetrics{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &orderSweeper{
		orders: deps.Orders,
		engine: deps.Engine,
		clock: func() time.Time {
			return clock().UTC()
		},
		batchSize: batch,
		metrics:   metrics,
		logger:    logger,
	}, nil
}

// Sweep expires overdue orders in batches. It stops when a batch comes back short, when a batch
// makes no progress, or after a bounded number of batches; the next tick picks up the rest.
func (s *orderSweeper) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span := tracer.Start(ctx, "orders.sweep")
	defer span.End()

	var result SweepResult
	for batch := 0; batch < maxSweepBatches; batch++ {
		now := s.clock()
		overdue, err := s.orders.ListExpired(ctx, now, s.batchSize)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, "list expired")
			s.metrics.ObserveSweep(result.Expired, result.Failed)
			return result, err
		}
		progress := 0
		for _, order := range overdue {
			if err := ctx.Err(); err != nil {
				s.metrics.ObserveSweep(result.Expired, result.Failed)
				return result, err
			}
			result.Scanned++
			// Re-check with the same classification the engine uses before writing.
			if domain.ClassifyDeadline(order, now) != domain.DeadlineExpired {
				continue
			}
			_, err := s.engine.Expire(ctx, order.ID)
			switch {
			case err == nil:
				result.Expired++
				progress++
			case errors.Is(err, ErrOrderAlreadyResolved), errors.Is(err, ErrOrderInvalidTransition), errors.Is(err, ErrOrderNotFound):
				result.Resolved++
				progress++
			default:
				result.Failed++
				s.logger(ctx, "order.sweep.expire.failed", map[string]any{
					"orderId": order.ID,
					"error":   err.Error(),
				})
			}
		}
		if len(overdue) < s.batchSize || progress == 0 {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("sweep.scanned", result.Scanned),
		attribute.Int("sweep.expired", result.Expired),
		attribute.Int("sweep.failed", result.Failed),
	)
	s.metrics.ObserveSweep(result.Expired, result.Failed)
	if result.Expired > 0 || result.Failed > 0 {
		s.logger(ctx, "order.sweep.completed", map[string]any{
			"scanned":  result.Scanned,
			"expired":  result.Expired,
			"resolved": result.Resolved,
			"failed":   result.Failed,
		})
	}
	return result, nil
}
