package services

import (
	"context"
	"time"

	"github.com/solucity-dev/solucity-sub000/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Order              = domain.Order
	OrderEvent         = domain.OrderEvent
	OrderStatus        = domain.OrderStatus
	SystemHealthReport = domain.SystemHealthReport
)

// OrderService is the order lifecycle engine. It is the only component that mutates orders.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (OrderView, error)
	Get(ctx context.Context, orderID string, actor Actor) (OrderView, error)
	ListMine(ctx context.Context, query ListMyOrdersQuery) (domain.CursorPage[OrderView], error)
	ListEvents(ctx context.Context, orderID string, actor Actor) ([]OrderEvent, error)

	Accept(ctx context.Context, cmd AcceptOrderCommand) (OrderView, error)
	Start(ctx context.Context, cmd OrderActionCommand) (OrderView, error)
	Pause(ctx context.Context, cmd OrderActionCommand) (OrderView, error)
	Resume(ctx context.Context, cmd OrderActionCommand) (OrderView, error)
	Reschedule(ctx context.Context, cmd RescheduleOrderCommand) (OrderView, error)
	Finish(ctx context.Context, cmd FinishOrderCommand) (OrderView, error)
	Confirm(ctx context.Context, cmd OrderActionCommand) (OrderView, error)
	RejectFinish(ctx context.Context, cmd OrderReasonCommand) (OrderView, error)
	CancelByCustomer(ctx context.Context, cmd OrderReasonCommand) (OrderView, error)
	CancelBySpecialist(ctx context.Context, cmd OrderReasonCommand) (OrderView, error)
	Rate(ctx context.Context, cmd RateOrderCommand) (OrderView, error)
	Expire(ctx context.Context, orderID string) (OrderView, error)
}

// OrderSweeper expires PENDING orders whose acceptance window has elapsed.
type OrderSweeper interface {
	Sweep(ctx context.Context) (SweepResult, error)
}

// SystemService aggregates utility endpoints (health checks, build metadata).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// OrderEventPublisher delivers committed order events to downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, message OrderEventMessage) error
}

// OrderMetrics receives engine and sweep measurements.
type OrderMetrics interface {
	ObserveTransition(op domain.Operation, outcome string, elapsed time.Duration)
	ObserveCASConflict(op domain.Operation)
	ObserveSweep(expired, failed int)
	ObservePublishFailure()
}

// Command and DTO definitions ------------------------------------------------

// Actor identifies the caller of an engine operation. An identity may hold several roles; the
// engine picks the one the operation calls for.
type Actor struct {
	ID    string
	Roles []domain.ActorRole
	Admin bool
}

// SystemActor is the identity used by the deadline sweep.
func SystemActor() Actor {
	return Actor{ID: "system", Roles: []domain.ActorRole{domain.RoleSystem}}
}

// Has reports whether the actor holds role.
func (a Actor) Has(role domain.ActorRole) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// DeadlineMeta is the lazily computed view of an order's acceptance window.
type DeadlineMeta struct {
	State      domain.DeadlineState
	TimeLeft   *time.Duration
	DeadlineAt *time.Time
}

// OrderView is an order together with derived deadline metadata.
type OrderView struct {
	Order Order
	Meta  DeadlineMeta
}

type CreateOrderCommand struct {
	Actor                 Actor
	ServiceID             string
	CategorySlug          string
	Description           string
	IsUrgent              bool
	PreferredAt           *time.Time
	ScheduledAt           *time.Time
	RequestedSpecialistID string
	AcceptWithin          *time.Duration
}

type ListMyOrdersQuery struct {
	Actor      Actor
	Role       domain.ActorRole
	Partition  domain.ListPartition
	Pagination Pagination
}

type OrderActionCommand struct {
	OrderID string
	Actor   Actor
}

type AcceptOrderCommand struct {
	OrderID string
	Actor   Actor
	// SpecialistID, when given, must name the caller.
	SpecialistID string
}

type RescheduleOrderCommand struct {
	OrderID     string
	Actor       Actor
	ScheduledAt time.Time
	Reason      string
}

type FinishOrderCommand struct {
	OrderID     string
	Actor       Actor
	Attachments []string
	Note        string
}

type OrderReasonCommand struct {
	OrderID string
	Actor   Actor
	Reason  string
}

type RateOrderCommand struct {
	OrderID string
	Actor   Actor
	Score   int
	Comment string
}

// SweepResult summarises one sweep pass.
type SweepResult struct {
	Scanned  int
	Expired  int
	Resolved int
	Failed   int
}

// OrderEventMessage is the payload published for every committed order event.
type OrderEventMessage struct {
	EventID        string         `json:"eventId"`
	OrderID        string         `json:"orderId"`
	Type           string         `json:"type"`
	PreviousStatus string         `json:"previousStatus"`
	Operation      string         `json:"operation"`
	ActorID        string         `json:"actorId"`
	ActorRole      string         `json:"actorRole"`
	CustomerID     string         `json:"customerId"`
	SpecialistID   string         `json:"specialistId,omitempty"`
	Version        int64          `json:"version"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Payload        map[string]any `json:"payload,omitempty"`
}
