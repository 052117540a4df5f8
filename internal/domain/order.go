package domain

import (
	"strings"
	"time"
)

// OrderStatus enumerates the lifecycle states of a service order.
type OrderStatus string

const (
	OrderStatusPending               OrderStatus = "PENDING"
	OrderStatusAssigned              OrderStatus = "ASSIGNED"
	OrderStatusInProgress            OrderStatus = "IN_PROGRESS"
	OrderStatusPaused                OrderStatus = "PAUSED"
	OrderStatusFinishedBySpecialist  OrderStatus = "FINISHED_BY_SPECIALIST"
	OrderStatusInClientReview        OrderStatus = "IN_CLIENT_REVIEW"
	OrderStatusConfirmedByClient     OrderStatus = "CONFIRMED_BY_CLIENT"
	OrderStatusClosed                OrderStatus = "CLOSED"
	OrderStatusCancelledByCustomer   OrderStatus = "CANCELLED_BY_CUSTOMER"
	OrderStatusCancelledBySpecialist OrderStatus = "CANCELLED_BY_SPECIALIST"
	OrderStatusCancelledAuto         OrderStatus = "CANCELLED_AUTO"
)

var allOrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusAssigned,
	OrderStatusInProgress,
	OrderStatusPaused,
	OrderStatusFinishedBySpecialist,
	OrderStatusInClientReview,
	OrderStatusConfirmedByClient,
	OrderStatusClosed,
	OrderStatusCancelledByCustomer,
	OrderStatusCancelledBySpecialist,
	OrderStatusCancelledAuto,
}

// OpenOrderStatuses lists the statuses shown under the "open" listing partition.
var OpenOrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusAssigned,
	OrderStatusInProgress,
	OrderStatusPaused,
	OrderStatusFinishedBySpecialist,
	OrderStatusInClientReview,
}

// ClosedOrderStatuses lists the statuses shown under the "closed" listing partition.
// CONFIRMED_BY_CLIENT is listed as finished even though it still accepts a rating.
var ClosedOrderStatuses = []OrderStatus{
	OrderStatusConfirmedByClient,
	OrderStatusClosed,
	OrderStatusCancelledByCustomer,
	OrderStatusCancelledBySpecialist,
	OrderStatusCancelledAuto,
}

// ParseOrderStatus converts a raw value into a known status.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	candidate := OrderStatus(strings.ToUpper(strings.TrimSpace(raw)))
	for _, status := range allOrderStatuses {
		if status == candidate {
			return status, true
		}
	}
	return "", false
}

// IsTerminal reports whether no further transition may ever be applied.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusClosed, OrderStatusCancelledByCustomer, OrderStatusCancelledBySpecialist, OrderStatusCancelledAuto:
		return true
	default:
		return false
	}
}

// IsOpen reports whether the status belongs to the open listing partition.
func (s OrderStatus) IsOpen() bool {
	for _, status := range OpenOrderStatuses {
		if status == s {
			return true
		}
	}
	return false
}

// ActorRole identifies the party requesting a transition.
type ActorRole string

const (
	RoleCustomer   ActorRole = "customer"
	RoleSpecialist ActorRole = "specialist"
	RoleSystem     ActorRole = "system"
)

// ParseActorRole converts a raw role name into a party role. System is never accepted from input.
func ParseActorRole(raw string) (ActorRole, bool) {
	switch ActorRole(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleCustomer:
		return RoleCustomer, true
	case RoleSpecialist:
		return RoleSpecialist, true
	default:
		return "", false
	}
}

// Operation names a transition request understood by the lifecycle engine.
type Operation string

const (
	OperationCreate             Operation = "create"
	OperationAccept             Operation = "accept"
	OperationStart              Operation = "start"
	OperationPause              Operation = "pause"
	OperationResume             Operation = "resume"
	OperationReschedule         Operation = "reschedule"
	OperationFinish             Operation = "finish"
	OperationRejectFinish       Operation = "reject_finish"
	OperationConfirm            Operation = "confirm"
	OperationCancelByCustomer   Operation = "cancel_by_customer"
	OperationCancelBySpecialist Operation = "cancel_by_specialist"
	OperationRate               Operation = "rate"
	OperationExpire             Operation = "expire"
)

// Rating records the customer's single post-confirmation review.
type Rating struct {
	Score     int
	Comment   string
	CreatedAt time.Time
}

// OrderEvent is an immutable audit record appended for every accepted transition.
// Type always equals the order status after the transition.
type OrderEvent struct {
	ID        string
	OrderID   string
	Type      OrderStatus
	Operation Operation
	ActorID   string
	ActorRole ActorRole
	Version   int64
	CreatedAt time.Time
	Payload   map[string]any
}

// Order is a single customer-to-specialist service request.
type Order struct {
	ID                    string
	Status                OrderStatus
	CustomerID            string
	SpecialistID          *string
	RequestedSpecialistID string
	ServiceID             string
	CategorySlug          string
	Description           string
	IsUrgent              bool
	PreferredAt           *time.Time
	ScheduledAt           *time.Time
	AcceptDeadlineAt      *time.Time
	Version               int64
	Rating                *Rating
	RejectCount           int
	FinishNote            string
	Attachments           []string
	CancelReason          string
	LastOperation         Operation
	LastActorID           string
	CreatedAt             time.Time
	UpdatedAt             time.Time

	// Events is populated only by reads that request the audit trail.
	Events []OrderEvent
}

// Clone returns a deep copy so callers can mutate the result without aliasing stored state.
func (o Order) Clone() Order {
	out := o
	out.SpecialistID = cloneString(o.SpecialistID)
	out.PreferredAt = cloneTime(o.PreferredAt)
	out.ScheduledAt = cloneTime(o.ScheduledAt)
	out.AcceptDeadlineAt = cloneTime(o.AcceptDeadlineAt)
	if o.Rating != nil {
		rating := *o.Rating
		out.Rating = &rating
	}
	if o.Attachments != nil {
		out.Attachments = append([]string(nil), o.Attachments...)
	}
	if o.Events != nil {
		out.Events = make([]OrderEvent, len(o.Events))
		for i, event := range o.Events {
			out.Events[i] = event.Clone()
		}
	}
	return out
}

// Clone returns a copy of the event with its own payload map.
func (e OrderEvent) Clone() OrderEvent {
	out := e
	if e.Payload != nil {
		out.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			out.Payload[k] = v
		}
	}
	return out
}

// AssignedTo reports whether the order is assigned to the given specialist.
func (o Order) AssignedTo(specialistID string) bool {
	return o.SpecialistID != nil && *o.SpecialistID == specialistID && specialistID != ""
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	t := *v
	return &t
}
