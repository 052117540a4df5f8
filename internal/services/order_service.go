package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/solucity-dev/solucity-sub000/internal/domain"
	"github.com/solucity-dev/solucity-sub000/internal/platform/textutil"
	"github.com/solucity-dev/solucity-sub000/internal/repositories"
)

const (
	orderIDPrefix = "ord_"
	eventIDPrefix = "oev_"

	defaultMaxCASAttempts = 3
	defaultListPageSize   = 20
	maxListPageSize       = 100

	maxReasonLength      = 1000
	maxDescriptionLength = 4000
	maxAttachmentRefLen  = 512
	maxAttachments       = 20

	outcomeApplied  = "applied"
	outcomeReplayed = "replayed"
)

var tracer trace.Tracer = otel.Tracer("github.com/solucity-dev/solucity-sub000/internal/services")

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders         repositories.OrderRepository
	Clock          func() time.Time
	IDGenerator    func() string
	Events         OrderEventPublisher
	Metrics        OrderMetrics
	AcceptWindow   domain.AcceptWindowPolicy
	CloseOnRating  bool
	MaxCASAttempts int
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders        repositories.OrderRepository
	clock         func() time.Time
	newID         func() string
	events        OrderEventPublisher
	metrics       OrderMetrics
	window        domain.AcceptWindowPolicy
	closeOnRating bool
	maxAttempts   int
	logger        func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into the order lifecycle engine.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopOrderMetrics{}
	}

	attempts := deps.MaxCASAttempts
	if attempts <= 0 {
		attempts = defaultMaxCASAttempts
	}

	return &orderService{
		orders: deps.Orders,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:         idGen,
		events:        deps.Events,
		metrics:       metrics,
		window:        deps.AcceptWindow,
		closeOnRating: deps.CloseOnRating,
		maxAttempts:   attempts,
		logger:        logger,
	}, nil
}

func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (OrderView, error) {
	customerID := strings.TrimSpace(cmd.Actor.ID)
	if customerID == "" {
		return OrderView{}, fmt.Errorf("%w: customer id is required", ErrOrderInvalidInput)
	}
	if !cmd.Actor.Has(domain.RoleCustomer) {
		return OrderView{}, fmt.Errorf("%w: only customers create orders", ErrOrderWrongRole)
	}
	serviceID := strings.TrimSpace(cmd.ServiceID)
	if serviceID == "" {
		return OrderView{}, fmt.Errorf("%w: serviceId is required", ErrOrderInvalidInput)
	}
	category := strings.ToLower(strings.TrimSpace(cmd.CategorySlug))
	if category == "" {
		return OrderView{}, fmt.Errorf("%w: categorySlug is required", ErrOrderInvalidInput)
	}
	requested := strings.TrimSpace(cmd.RequestedSpecialistID)
	if requested == customerID {
		return OrderView{}, fmt.Errorf("%w: an order cannot be sent to its own customer", ErrOrderInvalidInput)
	}
	if cmd.AcceptWithin != nil && *cmd.AcceptWithin <= 0 {
		return OrderView{}, fmt.Errorf("%w: acceptance window must be positive", ErrOrderInvalidInput)
	}

	ctx, span := tracer.Start(ctx, "orders."+string(domain.OperationCreate))
	defer span.End()
	started := time.Now()

	now := s.clock()
	order := domain.Order{
		ID:                    orderIDPrefix + s.newID(),
		Status:                domain.OrderStatusPending,
		CustomerID:            customerID,
		RequestedSpecialistID: requested,
		ServiceID:             serviceID,
		CategorySlug:          category,
		Description:           textutil.SanitizeText(cmd.Description, maxDescriptionLength),
		IsUrgent:              cmd.IsUrgent,
		PreferredAt:           utcTime(cmd.PreferredAt),
		ScheduledAt:           utcTime(cmd.ScheduledAt),
		AcceptDeadlineAt:      s.window.Deadline(now, cmd.IsUrgent, cmd.AcceptWithin),
		Version:               0,
		LastOperation:         domain.OperationCreate,
		LastActorID:           customerID,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	payload := map[string]any{"isUrgent": order.IsUrgent}
	if order.AcceptDeadlineAt != nil {
		payload["acceptDeadlineAt"] = order.AcceptDeadlineAt.Format(time.RFC3339Nano)
	}
	if requested != "" {
		payload["requestedSpecialistId"] = requested
	}
	event := s.newEvent(order, domain.OperationCreate, customerID, domain.RoleCustomer, now, payload)

	if err := domain.CheckInvariants(order); err != nil {
		return OrderView{}, s.fail(span, domain.OperationCreate, started, err)
	}
	if err := s.orders.Insert(ctx, order, event); err != nil {
		return OrderView{}, s.fail(span, domain.OperationCreate, started, s.mapRepositoryError(err))
	}

	s.metrics.ObserveTransition(domain.OperationCreate, outcomeApplied, time.Since(started))
	s.logger(ctx, "order.created", map[string]any{
		"orderId":  order.ID,
		"customer": customerID,
		"urgent":   order.IsUrgent,
	})
	s.publishEvent(ctx, order, "", event)
	return s.view(order, now), nil
}

func (s *orderService) Get(ctx context.Context, orderID string, actor Actor) (OrderView, error) {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return OrderView{}, err
	}
	if !canView(order, actor) {
		return OrderView{}, fmt.Errorf("%w: order %s", ErrOrderNotFound, order.ID)
	}
	return s.view(order, s.clock()), nil
}

func (s *orderService) ListMine(ctx context.Context, query ListMyOrdersQuery) (domain.CursorPage[OrderView], error) {
	actorID := strings.TrimSpace(query.Actor.ID)
	if actorID == "" {
		return domain.CursorPage[OrderView]{}, fmt.Errorf("%w: actor id is required", ErrOrderInvalidInput)
	}
	if query.Role != domain.RoleCustomer && query.Role != domain.RoleSpecialist {
		return domain.CursorPage[OrderView]{}, fmt.Errorf("%w: role must be customer or specialist", ErrOrderInvalidInput)
	}
	if !query.Actor.Has(query.Role) {
		return domain.CursorPage[OrderView]{}, fmt.Errorf("%w: caller does not hold role %s", ErrOrderWrongRole, query.Role)
	}

	filter := repositories.OrderListFilter{Pagination: query.Pagination}
	if query.Role == domain.RoleCustomer {
		filter.CustomerID = actorID
	} else {
		filter.SpecialistID = actorID
	}
	if query.Partition != "" {
		statuses := query.Partition.Statuses()
		if len(statuses) == 0 {
			return domain.CursorPage[OrderView]{}, fmt.Errorf("%w: status must be open or closed", ErrOrderInvalidInput)
		}
		filter.Statuses = statuses
	}
	switch {
	case filter.Pagination.PageSize <= 0:
		filter.Pagination.PageSize = defaultListPageSize
	case filter.Pagination.PageSize > maxListPageSize:
		filter.Pagination.PageSize = maxListPageSize
	}

	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[OrderView]{}, s.mapRepositoryError(err)
	}
	now := s.clock()
	views := make([]OrderView, 0, len(page.Items))
	for _, order := range page.Items {
		views = append(views, s.view(order, now))
	}
	return domain.CursorPage[OrderView]{Items: views, NextPageToken: page.NextPageToken}, nil
}

func (s *orderService) ListEvents(ctx context.Context, orderID string, actor Actor) ([]OrderEvent, error) {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !canView(order, actor) {
		return nil, fmt.Errorf("%w: order %s", ErrOrderNotFound, order.ID)
	}
	events, err := s.orders.ListEvents(ctx, order.ID)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return events, nil
}

func (s *orderService) Accept(ctx context.Context, cmd AcceptOrderCommand) (OrderView, error) {
	if claimed := strings.TrimSpace(cmd.SpecialistID); claimed != "" && claimed != strings.TrimSpace(cmd.Actor.ID) {
		// unknown orders still report not found
		if _, err := s.load(ctx, cmd.OrderID); err != nil {
			return OrderView{}, err
		}
		return OrderView{}, fmt.Errorf("%w: specialistId must match the caller", ErrOrderWrongRole)
	}
	return s.mutate(ctx, cmd.OrderID, domain.OperationAccept, cmd.Actor, func(next *domain.Order, actorID string, _ time.Time) map[string]any {
		next.SpecialistID = &actorID
		return map[string]any{"specialistId": actorID}
	})
}

func (s *orderService) Start(ctx context.Context, cmd OrderActionCommand) (OrderView, error) {
	return s.mutate(ctx, cmd.OrderID, domain.OperationStart, cmd.Actor, nil)
}

func (s *orderService) Pause(ctx context.Context, cmd OrderActionCommand) (OrderView, error) {
	return s.mutate(ctx, cmd.OrderID, domain.OperationPause, cmd.Actor, nil)
}

func (s *orderService) Resume(ctx context.Context, cmd OrderActionCommand) (OrderView, error) {
	return s.mutate(ctx, cmd.OrderID, domain.OperationResume, cmd.Actor, nil)
}

func (s *orderService) Reschedule(ctx context.Context, cmd RescheduleOrderCommand) (OrderView, error) {
	if cmd.ScheduledAt.IsZero() {
		return OrderView{}, fmt.Errorf("%w: scheduledAt is required", ErrOrderInvalidInput)
	}
	scheduled := cmd.ScheduledAt.UTC()
	reason := textutil.SanitizeText(cmd.Reason, maxReasonLength)
	return s.mutate(ctx, cmd.OrderID, domain.OperationReschedule, cmd.Actor, func(next *domain.Order, _ string, _ time.Time) map[string]any {
		payload := map[string]any{"scheduledAt": scheduled.Format(time.RFC3339Nano)}
		if next.ScheduledAt != nil {
			payload["previousScheduledAt"] = next.ScheduledAt.Format(time.RFC3339Nano)
		}
		if reason != "" {
			payload["reason"] = reason
		}
		next.ScheduledAt = &scheduled
		return payload
	})
}

func (s *orderService) Finish(ctx context.Context, cmd FinishOrderCommand) (OrderView, error) {
	if len(cmd.Attachments) > maxAttachments {
		return OrderView{}, fmt.Errorf("%w: at most %d attachments", ErrOrderInvalidInput, maxAttachments)
	}
	attachments := textutil.SanitizeList(cmd.Attachments, maxAttachmentRefLen)
	note := textutil.SanitizeText(cmd.Note, maxReasonLength)
	return s.mutate(ctx, cmd.OrderID, domain.OperationFinish, cmd.Actor, func(next *domain.Order, _ string, _ time.Time) map[string]any {
		next.FinishNote = note
		next.Attachments = append(next.Attachments, attachments...)
		payload := map[string]any{}
		if note != "" {
			payload["note"] = note
		}
		if len(attachments) > 0 {
			payload["attachments"] = attachments
		}
		return payload
	})
}

func (s *orderService) Confirm(ctx context.Context, cmd OrderActionCommand) (OrderView, error) {
	return s.mutate(ctx, cmd.OrderID, domain.OperationConfirm, cmd.Actor, nil)
}

func (s *orderService) RejectFinish(ctx context.Context, cmd OrderReasonCommand) (OrderView, error) {
	reason, err := requireReason(cmd.Reason)
	if err != nil {
		return OrderView{}, err
	}
	return s.mutate(ctx, cmd.OrderID, domain.OperationRejectFinish, cmd.Actor, func(next *domain.Order, _ string, _ time.Time) map[string]any {
		next.RejectCount++
		next.FinishNote = ""
		return map[string]any{"reason": reason, "rejectCount": next.RejectCount}
	})
}

func (s *orderService) CancelByCustomer(ctx context.Context, cmd OrderReasonCommand) (OrderView, error) {
	reason, err := requireReason(cmd.Reason)
	if err != nil {
		return OrderView{}, err
	}
	return s.mutate(ctx, cmd.OrderID, domain.OperationCancelByCustomer, cmd.Actor, func(next *domain.Order, _ string, _ time.Time) map[string]any {
		next.CancelReason = reason
		return map[string]any{"reason": reason}
	})
}

func (s *orderService) CancelBySpecialist(ctx context.Context, cmd OrderReasonCommand) (OrderView, error) {
	reason, err := requireReason(cmd.Reason)
	if err != nil {
		return OrderView{}, err
	}
	return s.mutate(ctx, cmd.OrderID, domain.OperationCancelBySpecialist, cmd.Actor, func(next *domain.Order, actorID string, _ time.Time) map[string]any {
		next.CancelReason = reason
		// A requested specialist declining a PENDING order is recorded as its specialist.
		if next.SpecialistID == nil {
			next.SpecialistID = &actorID
		}
		return map[string]any{"reason": reason}
	})
}

func (s *orderService) Rate(ctx context.Context, cmd RateOrderCommand) (OrderView, error) {
	if cmd.Score < domain.MinRatingScore || cmd.Score > domain.MaxRatingScore {
		return OrderView{}, fmt.Errorf("%w: score must be between %d and %d", ErrOrderInvalidInput, domain.MinRatingScore, domain.MaxRatingScore)
	}
	comment := textutil.SanitizeText(cmd.Comment, maxReasonLength)
	return s.mutate(ctx, cmd.OrderID, domain.OperationRate, cmd.Actor, func(next *domain.Order, _ string, now time.Time) map[string]any {
		next.Rating = &domain.Rating{Score: cmd.Score, Comment: comment, CreatedAt: now}
		if s.closeOnRating {
			next.Status = domain.OrderStatusClosed
		}
		payload := map[string]any{"score": cmd.Score}
		if comment != "" {
			payload["comment"] = comment
		}
		return payload
	})
}

func (s *orderService) Expire(ctx context.Context, orderID string) (OrderView, error) {
	return s.mutate(ctx, orderID, domain.OperationExpire, SystemActor(), expireChange)
}

func expireChange(next *domain.Order, _ string, _ time.Time) map[string]any {
	payload := map[string]any{}
	if next.AcceptDeadlineAt != nil {
		payload["acceptDeadlineAt"] = next.AcceptDeadlineAt.Format(time.RFC3339Nano)
	}
	return payload
}

// orderChange applies operation specific fields to next and returns the event payload. Status,
// version and bookkeeping fields are handled by mutate.
type orderChange func(next *domain.Order, actorID string, now time.Time) map[string]any

// mutate runs the read, authorize, write loop shared by every transition. A CAS conflict re-reads
// the order and re-authorizes; once another writer has moved the order out of the operation's
// source states the caller observes ErrOrderAlreadyResolved.
func (s *orderService) mutate(ctx context.Context, orderID string, op domain.Operation, actor Actor, change orderChange) (OrderView, error) {
	actorID := strings.TrimSpace(actor.ID)
	if actorID == "" {
		return OrderView{}, fmt.Errorf("%w: actor id is required", ErrOrderInvalidInput)
	}

	ctx, span := tracer.Start(ctx, "orders."+string(op), trace.WithAttributes(
		attribute.String("order.id", strings.TrimSpace(orderID)),
		attribute.String("order.actor", actorID),
	))
	defer span.End()
	started := time.Now()

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		current, err := s.load(ctx, orderID)
		if err != nil {
			return OrderView{}, s.fail(span, op, started, err)
		}
		now := s.clock()
		role := resolveRole(op, actor, current)
		decision := domain.Authorize(current.Status, domain.ClassifyDeadline(current, now), op, role)

		if !decision.Allowed && decision.Reason == domain.DenyWrongRole {
			return OrderView{}, s.fail(span, op, started, fmt.Errorf("%w: %s cannot %s", ErrOrderWrongRole, role, op))
		}
		if op == domain.OperationRate && current.Rating != nil {
			if err := checkParty(op, role, actorID, current); err != nil {
				return OrderView{}, s.fail(span, op, started, err)
			}
			return OrderView{}, s.fail(span, op, started, fmt.Errorf("%w: order %s", ErrOrderAlreadyRated, current.ID))
		}
		if !decision.Allowed && decision.Reason == domain.DenyWrongState {
			if current.LastOperation == op && current.LastActorID == actorID {
				s.metrics.ObserveTransition(op, outcomeReplayed, time.Since(started))
				span.SetAttributes(attribute.Bool("order.replayed", true))
				return s.view(current, now), nil
			}
			if attempt > 0 {
				return OrderView{}, s.fail(span, op, started, fmt.Errorf("%w: order %s is %s", ErrOrderAlreadyResolved, current.ID, current.Status))
			}
			return OrderView{}, s.fail(span, op, started, fmt.Errorf("%w: cannot %s order in %s", ErrOrderInvalidTransition, op, current.Status))
		}
		if err := checkParty(op, role, actorID, current); err != nil {
			return OrderView{}, s.fail(span, op, started, err)
		}
		if !decision.Allowed {
			if decision.Reason == domain.DenyDeadlineExpired {
				s.expireAfterDenial(ctx, current.ID)
				return OrderView{}, s.fail(span, op, started, fmt.Errorf("%w: order %s", ErrOrderDeadlineExpired, current.ID))
			}
			return OrderView{}, s.fail(span, op, started, fmt.Errorf("%w: %s", ErrOrderInvalidTransition, decision.Reason))
		}

		next := current.Clone()
		next.Status = decision.Target
		var payload map[string]any
		if change != nil {
			payload = change(&next, actorID, now)
		}
		if next.Status != domain.OrderStatusPending {
			next.AcceptDeadlineAt = nil
		}
		next.Version = current.Version + 1
		next.LastOperation = op
		next.LastActorID = actorID
		next.UpdatedAt = now
		if err := domain.CheckInvariants(next); err != nil {
			return OrderView{}, s.fail(span, op, started, err)
		}

		event := s.newEvent(next, op, actorID, role, now, payload)
		err = s.orders.CompareAndSwap(ctx, next, current.Version, event)
		if repositories.IsConflict(err) {
			s.metrics.ObserveCASConflict(op)
			s.logger(ctx, "order.cas.conflict", map[string]any{
				"orderId": current.ID,
				"op":      string(op),
				"attempt": attempt + 1,
				"version": current.Version,
			})
			continue
		}
		if err != nil {
			return OrderView{}, s.fail(span, op, started, s.mapRepositoryError(err))
		}

		s.metrics.ObserveTransition(op, outcomeApplied, time.Since(started))
		span.SetAttributes(attribute.String("order.status", string(next.Status)), attribute.Int64("order.version", next.Version))
		s.logger(ctx, "order.transition", map[string]any{
			"orderId": next.ID,
			"op":      string(op),
			"from":    string(current.Status),
			"to":      string(next.Status),
			"version": next.Version,
			"actor":   actorID,
		})
		s.publishEvent(ctx, next, current.Status, event)
		return s.view(next, now), nil
	}

	return OrderView{}, s.fail(span, op, started, fmt.Errorf("%w: order %s changed %d times during %s", ErrOrderConflict, strings.TrimSpace(orderID), s.maxAttempts, op))
}

// expireAfterDenial converts an overdue order on behalf of the caller that found it. Losing the
// race to the sweep is fine; other failures are logged since the sweep will retry.
func (s *orderService) expireAfterDenial(ctx context.Context, orderID string) {
	if _, err := s.mutate(ctx, orderID, domain.OperationExpire, SystemActor(), expireChange); err != nil &&
		!errors.Is(err, ErrOrderAlreadyResolved) && !errors.Is(err, ErrOrderInvalidTransition) {
		s.logger(ctx, "order.expire.failed", map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
	}
}

func (s *orderService) load(ctx context.Context, orderID string) (domain.Order, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) fail(span trace.Span, op domain.Operation, started time.Time, err error) error {
	s.metrics.ObserveTransition(op, ErrorReason(err), time.Since(started))
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, ErrorReason(err))
	return err
}

func (s *orderService) newEvent(order domain.Order, op domain.Operation, actorID string, role domain.ActorRole, now time.Time, payload map[string]any) domain.OrderEvent {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["operation"] = string(op)
	return domain.OrderEvent{
		ID:        eventIDPrefix + s.newID(),
		OrderID:   order.ID,
		Type:      order.Status,
		Operation: op,
		ActorID:   actorID,
		ActorRole: role,
		Version:   order.Version,
		CreatedAt: now,
		Payload:   payload,
	}
}

func (s *orderService) view(order domain.Order, now time.Time) OrderView {
	return OrderView{
		Order: order,
		Meta: DeadlineMeta{
			State:      domain.ClassifyDeadline(order, now),
			TimeLeft:   domain.DeadlineTimeLeft(order, now),
			DeadlineAt: utcTime(order.AcceptDeadlineAt),
		},
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}
	return err
}

func (s *orderService) publishEvent(ctx context.Context, order domain.Order, previous domain.OrderStatus, event domain.OrderEvent) {
	if s.events == nil {
		return
	}
	message := OrderEventMessage{
		EventID:        event.ID,
		OrderID:        order.ID,
		Type:           string(event.Type),
		PreviousStatus: string(previous),
		Operation:      string(event.Operation),
		ActorID:        event.ActorID,
		ActorRole:      string(event.ActorRole),
		CustomerID:     order.CustomerID,
		Version:        event.Version,
		OccurredAt:     event.CreatedAt,
		Payload:        maps.Clone(event.Payload),
	}
	if order.SpecialistID != nil {
		message.SpecialistID = *order.SpecialistID
	}
	if err := s.events.PublishOrderEvent(ctx, message); err != nil {
		s.metrics.ObservePublishFailure()
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":    message.Type,
			"order":   message.OrderID,
			"version": message.Version,
			"error":   err.Error(),
		})
	}
}

// resolveRole picks which of the actor's roles the operation is evaluated under. Reschedule is
// open to both parties, so the relationship to the order decides.
func resolveRole(op domain.Operation, actor Actor, order domain.Order) domain.ActorRole {
	if op == domain.OperationReschedule {
		if actor.Has(domain.RoleCustomer) && order.CustomerID == actor.ID {
			return domain.RoleCustomer
		}
		if actor.Has(domain.RoleSpecialist) {
			return domain.RoleSpecialist
		}
	}
	for _, role := range domain.RequiredRoles(op) {
		if actor.Has(role) {
			return role
		}
	}
	if len(actor.Roles) > 0 {
		return actor.Roles[0]
	}
	return ""
}

// checkParty verifies the actor is the party of this particular order the role refers to.
func checkParty(op domain.Operation, role domain.ActorRole, actorID string, order domain.Order) error {
	switch role {
	case domain.RoleCustomer:
		if order.CustomerID != actorID {
			return fmt.Errorf("%w: order %s belongs to another customer", ErrOrderWrongRole, order.ID)
		}
	case domain.RoleSpecialist:
		if order.CustomerID == actorID {
			return fmt.Errorf("%w: order %s was placed by the caller", ErrOrderWrongRole, order.ID)
		}
		if order.SpecialistID != nil {
			if !order.AssignedTo(actorID) {
				return fmt.Errorf("%w: order %s is assigned to another specialist", ErrOrderWrongRole, order.ID)
			}
			return nil
		}
		requested := order.RequestedSpecialistID
		switch op {
		case domain.OperationAccept:
			if requested != "" && requested != actorID {
				return fmt.Errorf("%w: order %s was sent to another specialist", ErrOrderWrongRole, order.ID)
			}
		default:
			// Declining or rescheduling an unassigned order is reserved to the requested specialist.
			if requested == "" || requested != actorID {
				return fmt.Errorf("%w: order %s is not addressed to this specialist", ErrOrderWrongRole, order.ID)
			}
		}
	}
	return nil
}

// canView hides orders from callers who are not a party to them.
func canView(order domain.Order, actor Actor) bool {
	if actor.Admin {
		return true
	}
	id := strings.TrimSpace(actor.ID)
	if id == "" {
		return false
	}
	if actor.Has(domain.RoleCustomer) && order.CustomerID == id {
		return true
	}
	if !actor.Has(domain.RoleSpecialist) {
		return false
	}
	if order.AssignedTo(id) {
		return true
	}
	if order.SpecialistID == nil {
		return order.RequestedSpecialistID == id ||
			(order.RequestedSpecialistID == "" && order.Status == domain.OrderStatusPending)
	}
	return false
}

func requireReason(raw string) (string, error) {
	reason := textutil.SanitizeText(raw, maxReasonLength)
	if reason == "" {
		return "", fmt.Errorf("%w: reason is required", ErrOrderInvalidInput)
	}
	return reason, nil
}

func utcTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// ErrorReason maps engine errors to the stable reason codes used by metrics and the HTTP layer.
func ErrorReason(err error) string {
	switch {
	case err == nil:
		return outcomeApplied
	case errors.Is(err, ErrOrderNotFound):
		return "not_found"
	case errors.Is(err, ErrOrderWrongRole):
		return "wrong_role"
	case errors.Is(err, ErrOrderInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrOrderDeadlineExpired):
		return "deadline_expired"
	case errors.Is(err, ErrOrderAlreadyResolved):
		return "already_resolved"
	case errors.Is(err, ErrOrderAlreadyRated):
		return "already_rated"
	case errors.Is(err, ErrOrderConflict):
		return "conflict"
	case errors.Is(err, ErrOrderInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrOrderUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}

type noopOrderMetrics struct{}

func (noopOrderMetrics) ObserveTransition(domain.Operation, string, time.Duration) {}
func (noopOrderMetrics) ObserveCASConflict(domain.Operation)                      {}
func (noopOrderMetrics) ObserveSweep(int, int)                                    {}
func (noopOrderMetrics) ObservePublishFailure()                                   {}
