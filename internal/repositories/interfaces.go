package repositories

import (
	"context"
	"time"

	"github.com/solucity-dev/solucity-sub000/internal/domain"
)

// Registry exposes the backing store's repositories and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository is the Order Store. Every mutation writes the order and its audit event atomically.
type OrderRepository interface {
	// Insert persists a new order together with its creation event. A duplicate id is a conflict.
	Insert(ctx context.Context, order domain.Order, event domain.OrderEvent) error
	// FindByID loads the current order without its events.
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// CompareAndSwap replaces the stored order only when its version still equals expectedVersion,
	// appending event in the same write. A stale version yields a RepositoryError with IsConflict.
	CompareAndSwap(ctx context.Context, order domain.Order, expectedVersion int64, event domain.OrderEvent) error
	// List returns orders for one party filtered by status, newest first.
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	// ListExpired returns PENDING orders whose acceptance deadline is at or before now, oldest deadline first.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Order, error)
	// ListEvents returns the audit trail of an order in version order.
	ListEvents(ctx context.Context, orderID string) ([]domain.OrderEvent, error)
}

// HealthRepository reports dependency status for readiness checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// OrderListFilter narrows List. Exactly one of CustomerID or SpecialistID should be set.
type OrderListFilter struct {
	CustomerID   string
	SpecialistID string
	Statuses     []domain.OrderStatus
	Pagination   domain.Pagination
}

// MatchesOrder reports whether order satisfies the party and status constraints of the filter.
func (f OrderListFilter) MatchesOrder(order domain.Order) bool {
	if f.CustomerID != "" && order.CustomerID != f.CustomerID {
		return false
	}
	if f.SpecialistID != "" {
		assigned := order.AssignedTo(f.SpecialistID)
		requested := order.SpecialistID == nil && order.RequestedSpecialistID == f.SpecialistID
		if !assigned && !requested {
			return false
		}
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, status := range f.Statuses {
		if order.Status == status {
			return true
		}
	}
	return false
}
