package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/solucity-dev/solucity-sub000/internal/domain"
	"github.com/solucity-dev/solucity-sub000/internal/repositories"
)

// OrderRepository keeps orders and their events in process memory. It is safe for concurrent use.
type OrderRepository struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
	events map[string][]domain.OrderEvent
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs an empty in-memory store.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		orders: make(map[string]domain.Order),
		events: make(map[string][]domain.OrderEvent),
	}
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order, event domain.OrderEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orders[order.ID]; exists {
		return repositories.NewConflictError("orders.insert", "order %s already exists", order.ID)
	}
	stored := order.Clone()
	stored.Events = nil
	r.orders[order.ID] = stored
	r.events[order.ID] = []domain.OrderEvent{event.Clone()}
	return nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NewNotFoundError("orders.get", "order %s not found", orderID)
	}
	return order.Clone(), nil
}

func (r *OrderRepository) CompareAndSwap(ctx context.Context, order domain.Order, expectedVersion int64, event domain.OrderEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.orders[order.ID]
	if !ok {
		return repositories.NewNotFoundError("orders.cas", "order %s not found", order.ID)
	}
	if current.Version != expectedVersion {
		return repositories.NewConflictError("orders.cas", "order %s at version %d, expected %d", order.ID, current.Version, expectedVersion)
	}
	stored := order.Clone()
	stored.Events = nil
	r.orders[order.ID] = stored
	r.events[order.ID] = append(r.events[order.ID], event.Clone())
	return nil
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if err := ctx.Err(); err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	r.mu.RLock()
	matched := make([]domain.Order, 0)
	for _, order := range r.orders {
		if filter.MatchesOrder(order) {
			matched = append(matched, order.Clone())
		}
	}
	r.mu.RUnlock()

	repositories.SortNewestFirst(matched)
	return repositories.PageNewestFirst(matched, filter.Pagination)
}

func (r *OrderRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	expired := make([]domain.Order, 0)
	for _, order := range r.orders {
		if order.Status == domain.OrderStatusPending && domain.ClassifyDeadline(order, now) == domain.DeadlineExpired {
			expired = append(expired, order.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].AcceptDeadlineAt.Before(*expired[j].AcceptDeadlineAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (r *OrderRepository) ListEvents(ctx context.Context, orderID string) ([]domain.OrderEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.orders[orderID]; !ok {
		return nil, repositories.NewNotFoundError("orders.events", "order %s not found", orderID)
	}
	events := r.events[orderID]
	out := make([]domain.OrderEvent, len(events))
	for i, event := range events {
		out[i] = event.Clone()
	}
	return out, nil
}
