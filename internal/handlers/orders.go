package handlers

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/solucity-dev/solucity-sub000/internal/domain"
	"github.com/solucity-dev/solucity-sub000/internal/platform/auth"
	"github.com/solucity-dev/solucity-sub000/internal/platform/httpx"
	"github.com/solucity-dev/solucity-sub000/internal/platform/observability"
	"github.com/solucity-dev/solucity-sub000/internal/services"
)

const (
	maxOrderBodySize   = 16 * 1024
	defaultRateWindow  = time.Minute
	defaultOrderStatus = domain.ListPartitionOpen

	defaultMaxAcceptWithin = 7 * 24 * time.Hour
)

// OrderHandlers serves the order lifecycle endpoints for customers and specialists.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	limiter     rateLimiter
	idempotency func(http.Handler) http.Handler
	// largest acceptWithinMinutes a create request may carry
	maxAcceptMinutes int64
}

// OrderHandlerOption customises OrderHandlers.
type OrderHandlerOption func(*OrderHandlers)

// WithOrderRateLimit caps mutating requests per actor within window.
func WithOrderRateLimit(limit int, window time.Duration) OrderHandlerOption {
	return func(h *OrderHandlers) {
		if window <= 0 {
			window = defaultRateWindow
		}
		h.limiter = newSimpleRateLimiter(limit, window, time.Now)
	}
}

// WithOrderIdempotency wraps mutating routes with the idempotency middleware.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.idempotency = mw
	}
}

// WithMaxAcceptWindow bounds the acceptance window a customer may ask for. A non-positive window
// only keeps the value representable.
func WithMaxAcceptWindow(window time.Duration) OrderHandlerOption {
	return func(h *OrderHandlers) {
		if window <= 0 {
			h.maxAcceptMinutes = math.MaxInt64 / int64(time.Minute)
			return
		}
		h.maxAcceptMinutes = int64(window / time.Minute)
	}
}

// NewOrderHandlers constructs OrderHandlers.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlerOption) *OrderHandlers {
	h := &OrderHandlers{authn: authn, orders: orders, maxAcceptMinutes: int64(defaultMaxAcceptWithin / time.Minute)}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Use(observability.CaptureIdentity)

	r.Get("/mine", h.listMine)
	r.Get("/{orderID}", h.getOrder)
	r.Get("/{orderID}/events", h.listEvents)

	r.Group(func(m chi.Router) {
		m.Use(h.rateLimit)
		if h.idempotency != nil {
			m.Use(h.idempotency)
		}
		m.Post("/", h.createOrder)
		m.Post("/{orderID}/accept", h.accept)
		m.Post("/{orderID}/start", h.action(h.orders.Start))
		m.Post("/{orderID}/pause", h.action(h.orders.Pause))
		m.Post("/{orderID}/resume", h.action(h.orders.Resume))
		m.Post("/{orderID}/reschedule", h.reschedule)
		m.Post("/{orderID}/finish", h.finish)
		m.Post("/{orderID}/confirm", h.action(h.orders.Confirm))
		m.Post("/{orderID}/reject", h.reason(h.orders.RejectFinish))
		m.Post("/{orderID}/cancel", h.reason(h.orders.CancelByCustomer))
		m.Post("/{orderID}/cancel-by-specialist", h.reason(h.orders.CancelBySpecialist))
		m.Post("/{orderID}/rate", h.rate)
	})
}

type createOrderRequest struct {
	ServiceID             string     `json:"serviceId"`
	CategorySlug          string     `json:"categorySlug"`
	Description           string     `json:"description"`
	IsUrgent              bool       `json:"isUrgent"`
	PreferredAt           *time.Time `json:"preferredAt"`
	ScheduledAt           *time.Time `json:"scheduledAt"`
	RequestedSpecialistID string     `json:"requestedSpecialistId"`
	AcceptWithinMinutes   *int       `json:"acceptWithinMinutes"`
}

type acceptOrderRequest struct {
	SpecialistID string `json:"specialistId"`
}

type rescheduleOrderRequest struct {
	ScheduledAt *time.Time `json:"scheduledAt"`
	Reason      string     `json:"reason"`
}

type finishOrderRequest struct {
	Attachments []string `json:"attachments"`
	Note        string   `json:"note"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type rateOrderRequest struct {
	Score   int    `json:"score"`
	Comment string `json:"comment"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}
	var req createOrderRequest
	if !decodeBody(ctx, w, r, &req, true) {
		return
	}
	cmd := services.CreateOrderCommand{
		Actor:                 actor,
		ServiceID:             req.ServiceID,
		CategorySlug:          req.CategorySlug,
		Description:           req.Description,
		IsUrgent:              req.IsUrgent,
		PreferredAt:           req.PreferredAt,
		ScheduledAt:           req.ScheduledAt,
		RequestedSpecialistID: req.RequestedSpecialistID,
	}
	if req.AcceptWithinMinutes != nil {
		if int64(*req.AcceptWithinMinutes) > h.maxAcceptMinutes {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_input", "acceptWithinMinutes exceeds the maximum window", http.StatusBadRequest))
			return
		}
		within := time.Duration(*req.AcceptWithinMinutes) * time.Minute
		cmd.AcceptWithin = &within
	}
	view, err := h.orders.Create(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/orders/"+view.Order.ID)
	httpx.WriteJSON(w, http.StatusCreated, buildOrderResponse(view))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}
	view, err := h.orders.Get(ctx, chi.URLParam(r, "orderID"), actor)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderResponse(view))
}

func (h *OrderHandlers) listEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}
	events, err := h.orders.ListEvents(ctx, chi.URLParam(r, "orderID"), actor)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	items := make([]orderEventPayload, 0, len(events))
	for _, event := range events {
		items = append(items, buildOrderEventPayload(event))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *OrderHandlers) listMine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}
	query := r.URL.Query()

	role, ok := resolveListRole(actor, query.Get("role"))
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_input", "role must be customer or specialist", http.StatusBadRequest))
		return
	}
	partition := defaultOrderStatus
	if raw := strings.ToLower(strings.TrimSpace(query.Get("status"))); raw != "" {
		partition = domain.ListPartition(raw)
		if len(partition.Statuses()) == 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_input", "status must be open or closed", http.StatusBadRequest))
			return
		}
	}
	pageSize := 0
	if raw := strings.TrimSpace(query.Get("page_size")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_input", "page_size must be an integer", http.StatusBadRequest))
			return
		}
		pageSize = size
	}

	page, err := h.orders.ListMine(ctx, services.ListMyOrdersQuery{
		Actor:      actor,
		Role:       role,
		Partition:  partition,
		Pagination: services.Pagination{PageSize: pageSize, PageToken: strings.TrimSpace(query.Get("page_token"))},
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	items := make([]orderResponse, 0, len(page.Items))
	for _, view := range page.Items {
		items = append(items, buildOrderResponse(view))
	}
	httpx.WriteJSON(w, http.StatusOK, orderListResponse{Items: items, NextPageToken: page.NextPageToken})
}

func (h *OrderHandlers) accept(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}
	var req acceptOrderRequest
	if !decodeBody(ctx, w, r, &req, false) {
		return
	}
	view, err := h.orders.Accept(ctx, services.AcceptOrderCommand{
		OrderID:      chi.URLParam(r, "orderID"),
		Actor:        actor,
		SpecialistID: req.SpecialistID,
	})
	writeOrderResult(ctx, w, view, err)
}

func (h *OrderHandlers) reschedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}
	var req rescheduleOrderRequest
	if !decodeBody(ctx, w, r, &req, true) {
		return
	}
	if req.ScheduledAt == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_input", "scheduledAt is required", http.StatusBadRequest))
		return
	}
	view, err := h.orders.Reschedule(ctx, services.RescheduleOrderCommand{
		OrderID:     chi.URLParam(r, "orderID"),
		Actor:       actor,
		ScheduledAt: *req.ScheduledAt,
		Reason:      req.Reason,
	})
	writeOrderResult(ctx, w, view, err)
}

func (h *OrderHandlers) finish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}
	var req finishOrderRequest
	if !decodeBody(ctx, w, r, &req, false) {
		return
	}
	view, err := h.orders.Finish(ctx, services.FinishOrderCommand{
		OrderID:     chi.URLParam(r, "orderID"),
		Actor:       actor,
		Attachments: req.Attachments,
		Note:        req.Note,
	})
	writeOrderResult(ctx, w, view, err)
}

func (h *OrderHandlers) rate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}
	var req rateOrderRequest
	if !decodeBody(ctx, w, r, &req, true) {
		return
	}
	view, err := h.orders.Rate(ctx, services.RateOrderCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Actor:   actor,
		Score:   req.Score,
		Comment: req.Comment,
	})
	writeOrderResult(ctx, w, view, err)
}

// action adapts a body-less engine operation to a handler.
func (h *OrderHandlers) action(op func(context.Context, services.OrderActionCommand) (services.OrderView, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		actor, ok := requireActor(ctx, w)
		if !ok {
			return
		}
		view, err := op(ctx, services.OrderActionCommand{OrderID: chi.URLParam(r, "orderID"), Actor: actor})
		writeOrderResult(ctx, w, view, err)
	}
}

// reason adapts an engine operation that takes a free-text reason.
func (h *OrderHandlers) reason(op func(context.Context, services.OrderReasonCommand) (services.OrderView, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		actor, ok := requireActor(ctx, w)
		if !ok {
			return
		}
		var req reasonRequest
		if !decodeBody(ctx, w, r, &req, true) {
			return
		}
		view, err := op(ctx, services.OrderReasonCommand{
			OrderID: chi.URLParam(r, "orderID"),
			Actor:   actor,
			Reason:  req.Reason,
		})
		writeOrderResult(ctx, w, view, err)
	}
}

func (h *OrderHandlers) rateLimit(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "anonymous"
		if identity, ok := auth.IdentityFromContext(r.Context()); ok {
			key = identity.UID
		}
		if allowed, retryAfter := h.limiter.Allow(key); !allowed {
			seconds := int(retryAfter.Round(time.Second) / time.Second)
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireActor maps the authenticated identity onto an engine actor.
func requireActor(ctx context.Context, w http.ResponseWriter) (services.Actor, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return services.Actor{}, false
	}
	return actorFromIdentity(identity), true
}

func actorFromIdentity(identity *auth.Identity) services.Actor {
	actor := services.Actor{ID: strings.TrimSpace(identity.UID), Admin: identity.HasRole(auth.RoleAdmin)}
	for _, raw := range identity.Roles {
		if role, ok := domain.ParseActorRole(raw); ok {
			actor.Roles = append(actor.Roles, role)
		}
	}
	return actor
}

// resolveListRole picks the listing side. Without an explicit role a single-role caller
// lists as that role.
func resolveListRole(actor services.Actor, raw string) (domain.ActorRole, bool) {
	if strings.TrimSpace(raw) != "" {
		return domain.ParseActorRole(raw)
	}
	if len(actor.Roles) == 1 {
		return actor.Roles[0], true
	}
	return "", false
}

func writeOrderResult(ctx context.Context, w http.ResponseWriter, view services.OrderView, err error) {
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderResponse(view))
}

var orderErrorStatus = map[string]int{
	"not_found":          http.StatusNotFound,
	"wrong_role":         http.StatusForbidden,
	"invalid_transition": http.StatusConflict,
	"deadline_expired":   http.StatusConflict,
	"already_resolved":   http.StatusConflict,
	"already_rated":      http.StatusConflict,
	"conflict":           http.StatusConflict,
	"invalid_input":      http.StatusBadRequest,
	"unavailable":        http.StatusServiceUnavailable,
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	reason := services.ErrorReason(err)
	status, ok := orderErrorStatus[reason]
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("internal", "failed to process order request", http.StatusInternalServerError))
		return
	}
	message := err.Error()
	if errors.Is(err, services.ErrOrderNotFound) {
		message = "order not found"
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	httpx.WriteError(ctx, w, httpx.NewError(reason, message, status))
}

type orderResponse struct {
	Order orderPayload     `json:"order"`
	Meta  orderMetaPayload `json:"meta"`
}

type orderListResponse struct {
	Items         []orderResponse `json:"items"`
	NextPageToken string          `json:"nextPageToken,omitempty"`
}

type orderPayload struct {
	ID                    string         `json:"id"`
	Status                string         `json:"status"`
	CustomerID            string         `json:"customerId"`
	SpecialistID          *string        `json:"specialistId"`
	RequestedSpecialistID string         `json:"requestedSpecialistId,omitempty"`
	ServiceID             string         `json:"serviceId"`
	CategorySlug          string         `json:"categorySlug"`
	Description           string         `json:"description,omitempty"`
	IsUrgent              bool           `json:"isUrgent"`
	PreferredAt           *time.Time     `json:"preferredAt,omitempty"`
	ScheduledAt           *time.Time     `json:"scheduledAt,omitempty"`
	AcceptDeadlineAt      *time.Time     `json:"acceptDeadlineAt,omitempty"`
	Version               int64          `json:"version"`
	Rating                *ratingPayload `json:"rating"`
	RejectCount           int            `json:"rejectCount"`
	FinishNote            string         `json:"finishNote,omitempty"`
	Attachments           []string       `json:"attachments,omitempty"`
	CancelReason          string         `json:"cancelReason,omitempty"`
	CreatedAt             time.Time      `json:"createdAt"`
	UpdatedAt             time.Time      `json:"updatedAt"`
}

type ratingPayload struct {
	Score     int       `json:"score"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type orderMetaPayload struct {
	Deadline   string     `json:"deadline"`
	TimeLeftMs *int64     `json:"timeLeftMs"`
	DeadlineAt *time.Time `json:"deadlineAt"`
}

type orderEventPayload struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Operation string         `json:"operation"`
	ActorID   string         `json:"actorId"`
	ActorRole string         `json:"actorRole"`
	Version   int64          `json:"version"`
	CreatedAt time.Time      `json:"createdAt"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func buildOrderResponse(view services.OrderView) orderResponse {
	order := view.Order
	payload := orderPayload{
		ID:                    order.ID,
		Status:                string(order.Status),
		CustomerID:            order.CustomerID,
		SpecialistID:          order.SpecialistID,
		RequestedSpecialistID: order.RequestedSpecialistID,
		ServiceID:             order.ServiceID,
		CategorySlug:          order.CategorySlug,
		Description:           order.Description,
		IsUrgent:              order.IsUrgent,
		PreferredAt:           order.PreferredAt,
		ScheduledAt:           order.ScheduledAt,
		AcceptDeadlineAt:      order.AcceptDeadlineAt,
		Version:               order.Version,
		RejectCount:           order.RejectCount,
		FinishNote:            order.FinishNote,
		Attachments:           order.Attachments,
		CancelReason:          order.CancelReason,
		CreatedAt:             order.CreatedAt,
		UpdatedAt:             order.UpdatedAt,
	}
	if order.Rating != nil {
		payload.Rating = &ratingPayload{Score: order.Rating.Score, Comment: order.Rating.Comment, CreatedAt: order.Rating.CreatedAt}
	}

	meta := orderMetaPayload{Deadline: string(view.Meta.State), DeadlineAt: view.Meta.DeadlineAt}
	if view.Meta.TimeLeft != nil {
		ms := view.Meta.TimeLeft.Milliseconds()
		meta.TimeLeftMs = &ms
	}
	return orderResponse{Order: payload, Meta: meta}
}

func buildOrderEventPayload(event domain.OrderEvent) orderEventPayload {
	return orderEventPayload{
		ID:        event.ID,
		Type:      string(event.Type),
		Operation: string(event.Operation),
		ActorID:   event.ActorID,
		ActorRole: string(event.ActorRole),
		Version:   event.Version,
		CreatedAt: event.CreatedAt,
		Payload:   event.Payload,
	}
}
