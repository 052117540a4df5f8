package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/solucity-dev/solucity-sub000/internal/domain"
	"github.com/solucity-dev/solucity-sub000/internal/repositories"
	"github.com/solucity-dev/solucity-sub000/internal/repositories/memory"
)

var (
	customer     = Actor{ID: "cust-1", Roles: []domain.ActorRole{domain.RoleCustomer}}
	stranger     = Actor{ID: "cust-2", Roles: []domain.ActorRole{domain.RoleCustomer}}
	specialist   = Actor{ID: "spl-1", Roles: []domain.ActorRole{domain.RoleSpecialist}}
	specialistB  = Actor{ID: "spl-2", Roles: []domain.ActorRole{domain.RoleSpecialist}}
	testBaseTime = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type captureOrderEvents struct {
	mu       sync.Mutex
	messages []OrderEventMessage
	err      error
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, message OrderEventMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, message)
	return c.err
}

type recordingMetrics struct {
	mu              sync.Mutex
	outcomes        map[string]int
	conflicts       int
	publishFailures int
	sweeps          [][2]int
}

func (m *recordingMetrics) ObserveTransition(op domain.Operation, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = map[string]int{}
	}
	m.outcomes[string(op)+":"+outcome]++
}

func (m *recordingMetrics) ObserveCASConflict(domain.Operation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts++
}

func (m *recordingMetrics) ObserveSweep(expired, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps = append(m.sweeps, [2]int{expired, failed})
}

func (m *recordingMetrics) ObservePublishFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishFailures++
}

type engineFixture struct {
	svc     OrderService
	repo    repositories.OrderRepository
	clock   *testClock
	events  *captureOrderEvents
	metrics *recordingMetrics
}

func newEngineFixture(t *testing.T, configure func(*OrderServiceDeps)) *engineFixture {
	t.Helper()
	fx := &engineFixture{
		repo:    memory.NewOrderRepository(),
		clock:   &testClock{now: testBaseTime},
		events:  &captureOrderEvents{},
		metrics: &recordingMetrics{},
	}
	var seq atomic.Int64
	deps := OrderServiceDeps{
		Orders:      fx.repo,
		Clock:       fx.clock.Now,
		IDGenerator: func() string { return fmt.Sprintf("%06d", seq.Add(1)) },
		Events:      fx.events,
		Metrics:     fx.metrics,
		AcceptWindow: domain.AcceptWindowPolicy{
			Standard: 24 * time.Hour,
			Urgent:   time.Hour,
			Max:      7 * 24 * time.Hour,
		},
		CloseOnRating: true,
	}
	if configure != nil {
		configure(&deps)
	}
	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	fx.svc = svc
	return fx
}

func (fx *engineFixture) create(t *testing.T, cmd CreateOrderCommand) Order {
	t.Helper()
	if cmd.Actor.ID == "" {
		cmd.Actor = customer
	}
	if cmd.ServiceID == "" {
		cmd.ServiceID = "svc-plumbing"
	}
	if cmd.CategorySlug == "" {
		cmd.CategorySlug = "plumbing"
	}
	view, err := fx.svc.Create(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return view.Order
}

func (fx *engineFixture) stored(t *testing.T, id string) Order {
	t.Helper()
	order, err := fx.repo.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	return order
}

func (fx *engineFixture) eventTypes(t *testing.T, id string) []domain.OrderStatus {
	t.Helper()
	events, err := fx.repo.ListEvents(context.Background(), id)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	types := make([]domain.OrderStatus, 0, len(events))
	for i, event := range events {
		if event.Version != int64(i) {
			t.Fatalf("event %d carries version %d", i, event.Version)
		}
		types = append(types, event.Type)
	}
	return types
}

func assertTypes(t *testing.T, got []domain.OrderStatus, want ...domain.OrderStatus) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got)
		}
	}
}

func TestOrderServiceCreate(t *testing.T) {
	fx := newEngineFixture(t, nil)

	order := fx.create(t, CreateOrderCommand{Description: "<b>leaking</b> sink"})
	if order.ID != "ord_000001" {
		t.Fatalf("unexpected id %s", order.ID)
	}
	if order.Status != domain.OrderStatusPending || order.Version != 0 || order.SpecialistID != nil {
		t.Fatalf("unexpected order %+v", order)
	}
	if order.AcceptDeadlineAt == nil || !order.AcceptDeadlineAt.Equal(testBaseTime.Add(24*time.Hour)) {
		t.Fatalf("expected 24h deadline, got %v", order.AcceptDeadlineAt)
	}
	if order.Description != "leaking sink" {
		t.Fatalf("expected sanitised description, got %q", order.Description)
	}
	assertTypes(t, fx.eventTypes(t, order.ID), domain.OrderStatusPending)

	urgent := fx.create(t, CreateOrderCommand{IsUrgent: true})
	if !urgent.AcceptDeadlineAt.Equal(testBaseTime.Add(time.Hour)) {
		t.Fatalf("expected urgent 1h deadline, got %v", urgent.AcceptDeadlineAt)
	}

	override := 30 * time.Minute
	custom := fx.create(t, CreateOrderCommand{IsUrgent: true, AcceptWithin: &override})
	if !custom.AcceptDeadlineAt.Equal(testBaseTime.Add(override)) {
		t.Fatalf("expected override deadline, got %v", custom.AcceptDeadlineAt)
	}

	if len(fx.events.messages) != 3 || fx.events.messages[0].Type != string(domain.OrderStatusPending) {
		t.Fatalf("expected creation events to be published, got %+v", fx.events.messages)
	}
}

func TestOrderServiceCreateWithoutWindow(t *testing.T) {
	fx := newEngineFixture(t, func(deps *OrderServiceDeps) {
		deps.AcceptWindow = domain.AcceptWindowPolicy{}
	})
	order := fx.create(t, CreateOrderCommand{})
	if order.AcceptDeadlineAt != nil {
		t.Fatalf("expected untimed order, got deadline %v", order.AcceptDeadlineAt)
	}
	view, err := fx.svc.Get(context.Background(), order.ID, customer)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if view.Meta.State != domain.DeadlineNone || view.Meta.TimeLeft != nil {
		t.Fatalf("unexpected meta %+v", view.Meta)
	}
}

func TestOrderServiceCreateValidation(t *testing.T) {
	fx := newEngineFixture(t, nil)
	negative := -time.Minute
	tests := []struct {
		name string
		cmd  CreateOrderCommand
		want error
	}{
		{name: "missing service", cmd: CreateOrderCommand{Actor: customer, CategorySlug: "plumbing"}, want: ErrOrderInvalidInput},
		{name: "missing category", cmd: CreateOrderCommand{Actor: customer, ServiceID: "svc"}, want: ErrOrderInvalidInput},
		{name: "specialist cannot create", cmd: CreateOrderCommand{Actor: specialist, ServiceID: "svc", CategorySlug: "plumbing"}, want: ErrOrderWrongRole},
		{name: "self addressed", cmd: CreateOrderCommand{Actor: customer, ServiceID: "svc", CategorySlug: "plumbing", RequestedSpecialistID: customer.ID}, want: ErrOrderInvalidInput},
		{name: "negative window", cmd: CreateOrderCommand{Actor: customer, ServiceID: "svc", CategorySlug: "plumbing", AcceptWithin: &negative}, want: ErrOrderInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := fx.svc.Create(context.Background(), tt.cmd); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestScenarioAcceptWithinWindow(t *testing.T) {
	fx := newEngineFixture(t, nil)
	order := fx.create(t, CreateOrderCommand{})

	fx.clock.Advance(time.Hour)
	view, err := fx.svc.Accept(context.Background(), AcceptOrderCommand{OrderID: order.ID, Actor: specialist, SpecialistID: specialist.ID})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	got := view.Order
	if got.Status != domain.OrderStatusAssigned || !got.AssignedTo(specialist.ID) || got.Version != 1 {
		t.Fatalf("unexpected order after accept %+v", got)
	}
	if got.AcceptDeadlineAt != nil || view.Meta.State != domain.DeadlineNone {
		t.Fatalf("expected deadline cleared, got %+v", view.Meta)
	}
	assertTypes(t, fx.eventTypes(t, order.ID), domain.OrderStatusPending, domain.OrderStatusAssigned)

	last := fx.events.messages[len(fx.events.messages)-1]
	if last.PreviousStatus != string(domain.OrderStatusPending) || last.SpecialistID != specialist.ID || last.Version != 1 {
		t.Fatalf("unexpected published event %+v", last)
	}
}

func TestAcceptRejectsForeignSpecialistClaim(t *testing.T) {
	fx := newEngineFixture(t, nil)
	order := fx.create(t, CreateOrderCommand{})
	_, err := fx.svc.Accept(context.Background(), AcceptOrderCommand{OrderID: order.ID, Actor: specialist, SpecialistID: specialistB.ID})
	if !errors.Is(err, ErrOrderWrongRole) {
		t.Fatalf("expected wrong role, got %v", err)
	}

	_, err = fx.svc.Accept(context.Background(), AcceptOrderCommand{OrderID: "missing", Actor: specialist, SpecialistID: specialistB.ID})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found for an unknown order, got %v", err)
	}
}

func TestScenarioSweepExpiresOverdueOrder(t *testing.T) {
	fx := newEngineFixture(t, nil)
	order := fx.create(t, CreateOrderCommand{IsUrgent: true})

	sweeper, err := NewOrderSweeper(OrderSweeperDeps{Orders: fx.repo, Engine: fx.svc, Clock: fx.clock.Now, Metrics: fx.metrics})
	if err != nil {
		t.Fatalf("NewOrderSweeper: %v", err)
	}

	fx.clock.Advance(59 * time.Minute)
	result, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.Expired != 0 {
		t.Fatalf("expected nothing to expire before the deadline, got %+v", result)
	}

	fx.clock.Advance(61 * time.Minute)
	result, err = sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.Expired != 1 || result.Failed != 0 {
		t.Fatalf("unexpected sweep result %+v", result)
	}

	got := fx.stored(t, order.ID)
	if got.Status != domain.OrderStatusCancelledAuto || got.Version != 1 || got.AcceptDeadlineAt != nil {
		t.Fatalf("unexpected order after sweep %+v", got)
	}
	assertTypes(t, fx.eventTypes(t, order.ID), domain.OrderStatusPending, domain.OrderStatusCancelledAuto)

	result, err = sweeper.Sweep(context.Background())
	if err != nil || result.Scanned != 0 {
		t.Fatalf("expected second sweep to find nothing, got %+v, %v", result, err)
	}
	if len(fx.metrics.sweeps) != 3 || fx.metrics.sweeps[1] != [2]int{1, 0} {
		t.Fatalf("unexpected sweep metrics %v", fx.metrics.sweeps)
	}
}

func TestScenarioReviewLoop(t *testing.T) {
	fx := newEngineFixture(t, nil)
	ctx := context.Background()
	order := fx.create(t, CreateOrderCommand{})

	steps := []struct {
		name string
		run  func() (OrderView, error)
		want domain.OrderStatus
	}{
		{"accept", func() (OrderView, error) {
			return fx.svc.Accept(ctx, AcceptOrderCommand{OrderID: order.ID, Actor: specialist})
		}, domain.OrderStatusAssigned},
		{"finish", func() (OrderView, error) {
			return fx.svc.Finish(ctx, FinishOrderCommand{OrderID: order.ID, Actor: specialist, Note: "done", Attachments: []string{"photo-1"}})
		}, domain.OrderStatusInClientReview},
		{"reject", func() (OrderView, error) {
			return fx.svc.RejectFinish(ctx, OrderReasonCommand{OrderID: order.ID, Actor: customer, Reason: "still dripping"})
		}, domain.OrderStatusInProgress},
		{"finish again", func() (OrderView, error) {
			return fx.svc.Finish(ctx, FinishOrderCommand{OrderID: order.ID, Actor: specialist, Note: "fixed for real"})
		}, domain.OrderStatusInClientReview},
		{"confirm", func() (OrderView, error) {
			return fx.svc.Confirm(ctx, OrderActionCommand{OrderID: order.ID, Actor: customer})
		}, domain.OrderStatusConfirmedByClient},
		{"rate", func() (OrderView, error) {
			return fx.svc.Rate(ctx, RateOrderCommand{OrderID: order.ID, Actor: customer, Score: 5, Comment: "great"})
		}, domain.OrderStatusClosed},
	}

	for i, step := range steps {
		fx.clock.Advance(time.Minute)
		view, err := step.run()
		if err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if view.Order.Status != step.want {
			t.Fatalf("%s: expected %s, got %s", step.name, step.want, view.Order.Status)
		}
		if view.Order.Version != int64(i+1) {
			t.Fatalf("%s: expected version %d, got %d", step.name, i+1, view.Order.Version)
		}
	}

	got := fx.stored(t, order.ID)
	if got.RejectCount != 1 || got.Rating == nil || got.Rating.Score != 5 {
		t.Fatalf("unexpected final order %+v", got)
	}
	if len(got.Attachments) != 1 || got.FinishNote != "fixed for real" {
		t.Fatalf("unexpected finish details %+v", got)
	}
	assertTypes(t, fx.eventTypes(t, order.ID),
		domain.OrderStatusPending,
		domain.OrderStatusAssigned,
		domain.OrderStatusInClientReview,
		domain.OrderStatusInProgress,
		domain.OrderStatusInClientReview,
		domain.OrderStatusConfirmedByClient,
		domain.OrderStatusClosed,
	)
}

func TestStartPauseResume(t *testing.T) {
	fx := newEngineFixture(t, nil)
	ctx := context.Background()
	order := fx.create(t, CreateOrderCommand{})
	if _, err := fx.svc.Accept(ctx, AcceptOrderCommand{OrderID: order.ID, Actor: specialist}); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	cmd := OrderActionCommand{OrderID: order.ID, Actor: specialist}
	if view, err := fx.svc.Start(ctx, cmd); err != nil || view.Order.Status != domain.OrderStatusInProgress {
		t.Fatalf("Start: %v %+v", err, view.Order.Status)
	}
	if view, err := fx.svc.Pause(ctx, cmd); err != nil || view.Order.Status != domain.OrderStatusPaused {
		t.Fatalf("Pause: %v %+v", err, view.Order.Status)
	}
	if _, err := fx.svc.Pause(ctx, OrderActionCommand{OrderID: order.ID, Actor: specialistB}); !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected invalid transition for second pause by another specialist, got %v", err)
	}
	if view, err := fx.svc.Finish(ctx, FinishOrderCommand{OrderID: order.ID, Actor: specialist}); err != nil || view.Order.Status != domain.OrderStatusInClientReview {
		t.Fatalf("Finish from paused: %v", err)
	}
	if _, err := fx.svc.Resume(ctx, cmd); !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected invalid transition for resume in review, got %v", err)
	}
}

func TestScenarioConcurrentAccept(t *testing.T) {
	fx := newEngineFixture(t, nil)
	order := fx.create(t, CreateOrderCommand{})

	// Both engines read version 0 before either writes.
	gated := &barrierRepository{OrderRepository: fx.repo}
	gated.ready.Add(2)
	svc, err := NewOrderService(OrderServiceDeps{Orders: gated, Clock: fx.clock.Now})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}

	actors := []Actor{specialist, specialistB}
	errs := make([]error, len(actors))
	var wg sync.WaitGroup
	for i, actor := range actors {
		wg.Add(1)
		go func(i int, actor Actor) {
			defer wg.Done()
			_, errs[i] = svc.Accept(context.Background(), AcceptOrderCommand{OrderID: order.ID, Actor: actor})
		}(i, actor)
	}
	wg.Wait()

	wins, resolved := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrOrderAlreadyResolved):
			resolved++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if wins != 1 || resolved != 1 {
		t.Fatalf("expected one winner and one already_resolved, got %v", errs)
	}
	got := fx.stored(t, order.ID)
	if got.Version != 1 || got.Status != domain.OrderStatusAssigned {
		t.Fatalf("unexpected order %+v", got)
	}
}

func TestScenarioAcceptRacesExpiry(t *testing.T) {
	fx := newEngineFixture(t, nil)
	order := fx.create(t, CreateOrderCommand{})
	deadline := *order.AcceptDeadlineAt

	gated := &barrierRepository{OrderRepository: fx.repo}
	gated.ready.Add(2)
	acceptor, err := NewOrderService(OrderServiceDeps{Orders: gated, Clock: func() time.Time { return deadline.Add(-time.Second) }})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	expirer, err := NewOrderService(OrderServiceDeps{Orders: gated, Clock: func() time.Time { return deadline.Add(time.Second) }})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}

	var acceptErr, expireErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, acceptErr = acceptor.Accept(context.Background(), AcceptOrderCommand{OrderID: order.ID, Actor: specialist})
	}()
	go func() {
		defer wg.Done()
		_, expireErr = expirer.Expire(context.Background(), order.ID)
	}()
	wg.Wait()

	got := fx.stored(t, order.ID)
	if got.Version != 1 {
		t.Fatalf("expected exactly one transition, got version %d", got.Version)
	}
	switch {
	case acceptErr == nil && errors.Is(expireErr, ErrOrderAlreadyResolved):
		if got.Status != domain.OrderStatusAssigned || !got.AssignedTo(specialist.ID) {
			t.Fatalf("accept won but order is %+v", got)
		}
	case expireErr == nil && errors.Is(acceptErr, ErrOrderAlreadyResolved):
		if got.Status != domain.OrderStatusCancelledAuto || got.SpecialistID != nil {
			t.Fatalf("expiry won but order is %+v", got)
		}
	default:
		t.Fatalf("expected one winner and one already_resolved, got accept=%v expire=%v", acceptErr, expireErr)
	}
	assertTypes(t, fx.eventTypes(t, order.ID), domain.OrderStatusPending, got.Status)
}

type barrierRepository struct {
	repositories.OrderRepository
	reads atomic.Int32
	ready sync.WaitGroup
}

func (r *barrierRepository) FindByID(ctx context.Context, id string) (domain.Order, error) {
	order, err := r.OrderRepository.FindByID(ctx, id)
	if r.reads.Add(1) <= 2 {
		r.ready.Done()
		r.ready.Wait()
	}
	return order, err
}

type conflictingRepository struct {
	repositories.OrderRepository
	swaps atomic.Int32
}

func (r *conflictingRepository) CompareAndSwap(context.Context, domain.Order, int64, domain.OrderEvent) error {
	r.swaps.Add(1)
	return repositories.NewConflictError("orders.cas", "forced")
}

func TestCASConflictRetriesAreBounded(t *testing.T) {
	fx := newEngineFixture(t, nil)
	order := fx.create(t, CreateOrderCommand{})

	repo := &conflictingRepository{OrderRepository: fx.repo}
	metrics := &recordingMetrics{}
	svc, err := NewOrderService(OrderServiceDeps{Orders: repo, Clock: fx.clock.Now, MaxCASAttempts: 4, Metrics: metrics})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	_, err = svc.Accept(context.Background(), AcceptOrderCommand{OrderID: order.ID, Actor: specialist})
	if !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if repo.swaps.Load() != 4 || metrics.conflicts != 4 {
		t.Fatalf("expected 4 attempts, got swaps=%d conflicts=%d", repo.swaps.Load(), metrics.conflicts)
	}
	if metrics.outcomes["accept:conflict"] != 1 {
		t.Fatalf("expected conflict outcome metric, got %v", metrics.outcomes)
	}
}

func TestRatingIsAcceptedOnce(t *testing.T) {
	for _, closeOnRating := range []bool{true, false} {
		t.Run(fmt.Sprintf("close=%v", closeOnRating), func(t *testing.T) {
			fx := newEngineFixture(t, func(deps *OrderServiceDeps) { deps.CloseOnRating = closeOnRating })
			ctx := context.Background()
			order := confirmedOrder(t, fx)

			first, err := fx.svc.Rate(ctx, RateOrderCommand{OrderID: order.ID, Actor: customer, Score: 4})
			if err != nil {
				t.Fatalf("Rate: %v", err)
			}
			wantStatus := domain.OrderStatusConfirmedByClient
			if closeOnRating {
				wantStatus = domain.OrderStatusClosed
			}
			if first.Order.Status != wantStatus {
				t.Fatalf("expected %s, got %s", wantStatus, first.Order.Status)
			}

			_, err = fx.svc.Rate(ctx, RateOrderCommand{OrderID: order.ID, Actor: customer, Score: 1})
			if !errors.Is(err, ErrOrderAlreadyRated) {
				t.Fatalf("expected already rated, got %v", err)
			}
			// the rating state is not disclosed to other customers
			_, err = fx.svc.Rate(ctx, RateOrderCommand{OrderID: order.ID, Actor: stranger, Score: 1})
			if !errors.Is(err, ErrOrderWrongRole) {
				t.Fatalf("expected wrong role for another customer, got %v", err)
			}
			got := fx.stored(t, order.ID)
			if got.Rating.Score != 4 || got.Version != first.Order.Version {
				t.Fatalf("second rating must not change the order: %+v", got)
			}
			types := fx.eventTypes(t, order.ID)
			if types[len(types)-1] != wantStatus {
				t.Fatalf("expected last event %s, got %v", wantStatus, types)
			}
		})
	}
}

func TestRateValidation(t *testing.T) {
	fx := newEngineFixture(t, nil)
	order := confirmedOrder(t, fx)
	for _, score := range []int{0, 6} {
		if _, err := fx.svc.Rate(context.Background(), RateOrderCommand{OrderID: order.ID, Actor: customer, Score: score}); !errors.Is(err, ErrOrderInvalidInput) {
			t.Fatalf("score %d: expected invalid input, got %v", score, err)
		}
	}
	pending := fx.create(t, CreateOrderCommand{})
	if _, err := fx.svc.Rate(context.Background(), RateOrderCommand{OrderID: pending.ID, Actor: customer, Score: 5}); !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected invalid transition for rating a pending order, got %v", err)
	}
}

func confirmedOrder(t *testing.T, fx *engineFixture) Order {
	t.Helper()
	ctx := context.Background()
	order := fx.create(t, CreateOrderCommand{})
	if _, err := fx.svc.Accept(ctx, AcceptOrderCommand{OrderID: order.ID, Actor: specialist}); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if _, err := fx.svc.Finish(ctx, FinishOrderCommand{OrderID: order.ID, Actor: specialist}); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	view, err := fx.svc.Confirm(ctx, OrderActionCommand{OrderID: order.ID, Actor: customer})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	return view.Order
}

func TestTerminalOrdersAreNeverMutated(t *testing.T) {
	fx := newEngineFixture(t, nil)
	ctx := context.Background()

	cancelled := fx.create(t, CreateOrderCommand{})
	if _, err := fx.svc.CancelByCustomer(ctx, OrderReasonCommand{OrderID: cancelled.ID, Actor: customer, Reason: "changed my mind"}); err != nil {
		t.Fatalf("CancelByCustomer: %v", err)
	}
	closed := confirmedOrder(t, fx)
	if _, err := fx.svc.Rate(ctx, RateOrderCommand{OrderID: closed.ID, Actor: customer, Score: 5}); err != nil {
		t.Fatalf("Rate: %v", err)
	}

	for _, id := range []string{cancelled.ID, closed.ID} {
		before := fx.stored(t, id)
		fx.clock.Advance(48 * time.Hour)
		attempts := map[string]func() error{
			"accept": func() error {
				_, err := fx.svc.Accept(ctx, AcceptOrderCommand{OrderID: id, Actor: specialistB})
				return err
			},
			"finish": func() error {
				_, err := fx.svc.Finish(ctx, FinishOrderCommand{OrderID: id, Actor: specialist})
				return err
			},
			"confirm": func() error {
				_, err := fx.svc.Confirm(ctx, OrderActionCommand{OrderID: id, Actor: customer})
				return err
			},
			"reject": func() error {
				_, err := fx.svc.RejectFinish(ctx, OrderReasonCommand{OrderID: id, Actor: customer, Reason: "x"})
				return err
			},
			"cancel by specialist": func() error {
				_, err := fx.svc.CancelBySpecialist(ctx, OrderReasonCommand{OrderID: id, Actor: specialist, Reason: "x"})
				return err
			},
			"reschedule": func() error {
				_, err := fx.svc.Reschedule(ctx, RescheduleOrderCommand{OrderID: id, Actor: customer, ScheduledAt: testBaseTime})
				return err
			},
			"expire": func() error {
				_, err := fx.svc.Expire(ctx, id)
				return err
			},
		}
		for name, attempt := range attempts {
			if err := attempt(); err == nil {
				t.Fatalf("%s on %s order unexpectedly succeeded", name, before.Status)
			}
		}
		after := fx.stored(t, id)
		if after.Version != before.Version || after.Status != before.Status {
			t.Fatalf("terminal order %s was mutated: %+v", id, after)
		}
	}
}

func TestOperationOnOverdueOrderConvertsIt(t *testing.T) {
	fx := newEngineFixture(t, nil)
	order := fx.create(t, CreateOrderCommand{IsUrgent: true})

	fx.clock.Advance(61 * time.Minute)
	_, err := fx.svc.Accept(context.Background(), AcceptOrderCommand{OrderID: order.ID, Actor: specialist})
	if !errors.Is(err, ErrOrderDeadlineExpired) {
		t.Fatalf("expected deadline expired, got %v", err)
	}
	got := fx.stored(t, order.ID)
	if got.Status != domain.OrderStatusCancelledAuto || got.Version != 1 || got.SpecialistID != nil {
		t.Fatalf("expected order auto-cancelled, got %+v", got)
	}
	if got.LastActorID != SystemActor().ID {
		t.Fatalf("expected system actor on auto cancel, got %s", got.LastActorID)
	}

	_, err = fx.svc.CancelByCustomer(context.Background(), OrderReasonCommand{OrderID: order.ID, Actor: customer, Reason: "too slow"})
	if !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected invalid transition once cancelled, got %v", err)
	}
}

func TestExpireBeforeDeadlineIsRefused(t *testing.T) {
	fx := newEngineFixture(t, nil)
	order := fx.create(t, CreateOrderCommand{})
	if _, err := fx.svc.Expire(context.Background(), order.ID); !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if got := fx.stored(t, order.ID); got.Version != 0 {
		t.Fatalf("order must stay untouched, got version %d", got.Version)
	}
}

func TestPartyChecks(t *testing.T) {
	fx := newEngineFixture(t, nil)
	ctx := context.Background()

	dual := Actor{ID: customer.ID, Roles: []domain.ActorRole{domain.RoleCustomer, domain.RoleSpecialist}}

	open := fx.create(t, CreateOrderCommand{})
	addressed := fx.create(t, CreateOrderCommand{RequestedSpecialistID: specialist.ID})
	assigned := fx.create(t, CreateOrderCommand{})
	if _, err := fx.svc.Accept(ctx, AcceptOrderCommand{OrderID: assigned.ID, Actor: specialist}); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	tests := []struct {
		name string
		run  func() error
	}{
		{"customer cannot accept", func() error {
			_, err := fx.svc.Accept(ctx, AcceptOrderCommand{OrderID: open.ID, Actor: customer})
			return err
		}},
		{"customer holding the specialist role cannot accept own order", func() error {
			_, err := fx.svc.Accept(ctx, AcceptOrderCommand{OrderID: open.ID, Actor: dual})
			return err
		}},
		{"other customer cannot cancel", func() error {
			_, err := fx.svc.CancelByCustomer(ctx, OrderReasonCommand{OrderID: open.ID, Actor: stranger, Reason: "x"})
			return err
		}},
		{"specialist cannot decline open market order", func() error {
			_, err := fx.svc.CancelBySpecialist(ctx, OrderReasonCommand{OrderID: open.ID, Actor: specialist, Reason: "busy"})
			return err
		}},
		{"other specialist cannot accept addressed order", func() error {
			_, err := fx.svc.Accept(ctx, AcceptOrderCommand{OrderID: addressed.ID, Actor: specialistB})
			return err
		}},
		{"other specialist cannot finish", func() error {
			_, err := fx.svc.Finish(ctx, FinishOrderCommand{OrderID: assigned.ID, Actor: specialistB})
			return err
		}},
		{"other specialist cannot reschedule", func() error {
			_, err := fx.svc.Reschedule(ctx, RescheduleOrderCommand{OrderID: assigned.ID, Actor: specialistB, ScheduledAt: testBaseTime})
			return err
		}},
		{"specialist cannot confirm", func() error {
			_, err := fx.svc.Confirm(ctx, OrderActionCommand{OrderID: assigned.ID, Actor: specialist})
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, ErrOrderWrongRole) {
				t.Fatalf("expected wrong role, got %v", err)
			}
		})
	}

	view, err := fx.svc.CancelBySpecialist(ctx, OrderReasonCommand{OrderID: addressed.ID, Actor: specialist, Reason: "fully booked"})
	if err != nil {
		t.Fatalf("requested specialist decline: %v", err)
	}
	if view.Order.Status != domain.OrderStatusCancelledBySpecialist || !view.Order.AssignedTo(specialist.ID) {
		t.Fatalf("unexpected declined order %+v", view.Order)
	}
}

func TestReplayOfLastOperationReturnsCurrentOrder(t *testing.T) {
	fx := newEngineFixture(t, nil)
	ctx := context.Background()
	order := fx.create(t, CreateOrderCommand{})

	first, err := fx.svc.Accept(ctx, AcceptOrderCommand{OrderID: order.ID, Actor: specialist})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	again, err := fx.svc.Accept(ctx, AcceptOrderCommand{OrderID: order.ID, Actor: specialist})
	if err != nil {
		t.Fatalf("replayed Accept: %v", err)
	}
	if again.Order.Version != first.Order.Version {
		t.Fatalf("replay must not write, version %d vs %d", again.Order.Version, first.Order.Version)
	}
	assertTypes(t, fx.eventTypes(t, order.ID), domain.OrderStatusPending, domain.OrderStatusAssigned)
	if fx.metrics.outcomes["accept:replayed"] != 1 {
		t.Fatalf("expected replay metric, got %v", fx.metrics.outcomes)
	}

	if _, err := fx.svc.Accept(ctx, AcceptOrderCommand{OrderID: order.ID, Actor: specialistB}); !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected invalid transition for another specialist, got %v", err)
	}
}

func TestRescheduleKeepsStatus(t *testing.T) {
	fx := newEngineFixture(t, nil)
	ctx := context.Background()
	order := fx.create(t, CreateOrderCommand{})
	when := testBaseTime.Add(72 * time.Hour)

	view, err := fx.svc.Reschedule(ctx, RescheduleOrderCommand{OrderID: order.ID, Actor: customer, ScheduledAt: when, Reason: "travelling"})
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if view.Order.Status != domain.OrderStatusPending || view.Order.Version != 1 || !view.Order.ScheduledAt.Equal(when) {
		t.Fatalf("unexpected order %+v", view.Order)
	}
	if view.Order.AcceptDeadlineAt == nil {
		t.Fatalf("reschedule must keep the acceptance deadline")
	}

	if _, err := fx.svc.Accept(ctx, AcceptOrderCommand{OrderID: order.ID, Actor: specialist}); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	later := when.Add(24 * time.Hour)
	view, err = fx.svc.Reschedule(ctx, RescheduleOrderCommand{OrderID: order.ID, Actor: specialist, ScheduledAt: later})
	if err != nil {
		t.Fatalf("specialist Reschedule: %v", err)
	}
	if view.Order.Status != domain.OrderStatusAssigned || view.Order.Version != 3 {
		t.Fatalf("unexpected order %+v", view.Order)
	}

	events, err := fx.repo.ListEvents(ctx, order.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if events[1].Type != domain.OrderStatusPending || events[1].Operation != domain.OperationReschedule {
		t.Fatalf("unexpected reschedule event %+v", events[1])
	}
	if events[1].Payload["reason"] != "travelling" {
		t.Fatalf("expected reason in payload, got %v", events[1].Payload)
	}

	if _, err := fx.svc.Reschedule(ctx, RescheduleOrderCommand{OrderID: order.ID, Actor: customer}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input without scheduledAt, got %v", err)
	}
}

func TestReasonRequiredForCancellation(t *testing.T) {
	fx := newEngineFixture(t, nil)
	order := fx.create(t, CreateOrderCommand{})
	_, err := fx.svc.CancelByCustomer(context.Background(), OrderReasonCommand{OrderID: order.ID, Actor: customer, Reason: " <i></i> "})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestGetVisibilityAndMeta(t *testing.T) {
	fx := newEngineFixture(t, nil)
	ctx := context.Background()
	order := fx.create(t, CreateOrderCommand{IsUrgent: true})
	addressed := fx.create(t, CreateOrderCommand{RequestedSpecialistID: specialistB.ID})

	fx.clock.Advance(15 * time.Minute)
	view, err := fx.svc.Get(ctx, order.ID, customer)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if view.Meta.State != domain.DeadlineActive || view.Meta.TimeLeft == nil || *view.Meta.TimeLeft != 45*time.Minute {
		t.Fatalf("unexpected meta %+v", view.Meta)
	}

	if _, err := fx.svc.Get(ctx, order.ID, specialist); err != nil {
		t.Fatalf("open market order should be visible to specialists: %v", err)
	}
	if _, err := fx.svc.Get(ctx, order.ID, stranger); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found for stranger, got %v", err)
	}
	if _, err := fx.svc.Get(ctx, addressed.ID, specialist); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected addressed order hidden from other specialists, got %v", err)
	}
	if _, err := fx.svc.Get(ctx, addressed.ID, Actor{ID: "ops", Admin: true}); err != nil {
		t.Fatalf("admins see every order: %v", err)
	}
	if _, err := fx.svc.Get(ctx, "ord_missing", customer); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	fx.clock.Advance(time.Hour)
	view, err = fx.svc.Get(ctx, order.ID, customer)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if view.Meta.State != domain.DeadlineExpired || view.Meta.TimeLeft != nil || view.Order.Status != domain.OrderStatusPending {
		t.Fatalf("reads classify lazily without writing, got %+v %s", view.Meta, view.Order.Status)
	}

	events, err := fx.svc.ListEvents(ctx, order.ID, customer)
	if err != nil || len(events) != 1 {
		t.Fatalf("ListEvents: %v %d", err, len(events))
	}
}

func TestListMinePartitions(t *testing.T) {
	fx := newEngineFixture(t, nil)
	ctx := context.Background()

	open := fx.create(t, CreateOrderCommand{})
	fx.clock.Advance(time.Minute)
	cancelled := fx.create(t, CreateOrderCommand{})
	if _, err := fx.svc.CancelByCustomer(ctx, OrderReasonCommand{OrderID: cancelled.ID, Actor: customer, Reason: "duplicate"}); err != nil {
		t.Fatalf("CancelByCustomer: %v", err)
	}
	fx.clock.Advance(time.Minute)
	accepted := fx.create(t, CreateOrderCommand{})
	if _, err := fx.svc.Accept(ctx, AcceptOrderCommand{OrderID: accepted.ID, Actor: specialist}); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	page, err := fx.svc.ListMine(ctx, ListMyOrdersQuery{Actor: customer, Role: domain.RoleCustomer, Partition: domain.ListPartitionOpen})
	if err != nil {
		t.Fatalf("ListMine: %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].Order.ID != accepted.ID || page.Items[1].Order.ID != open.ID {
		t.Fatalf("unexpected open orders %+v", page.Items)
	}

	page, err = fx.svc.ListMine(ctx, ListMyOrdersQuery{Actor: customer, Role: domain.RoleCustomer, Partition: domain.ListPartitionClosed})
	if err != nil || len(page.Items) != 1 || page.Items[0].Order.ID != cancelled.ID {
		t.Fatalf("unexpected closed orders %+v %v", page.Items, err)
	}

	page, err = fx.svc.ListMine(ctx, ListMyOrdersQuery{Actor: specialist, Role: domain.RoleSpecialist})
	if err != nil || len(page.Items) != 1 || page.Items[0].Order.ID != accepted.ID {
		t.Fatalf("unexpected specialist orders %+v %v", page.Items, err)
	}

	if _, err := fx.svc.ListMine(ctx, ListMyOrdersQuery{Actor: customer, Role: domain.RoleSpecialist}); !errors.Is(err, ErrOrderWrongRole) {
		t.Fatalf("expected wrong role, got %v", err)
	}
	if _, err := fx.svc.ListMine(ctx, ListMyOrdersQuery{Actor: customer, Role: domain.RoleCustomer, Partition: "archived"}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestPublishFailureDoesNotFailTransition(t *testing.T) {
	fx := newEngineFixture(t, nil)
	var logged []string
	fx.events.err = errors.New("broker down")
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:  fx.repo,
		Clock:   fx.clock.Now,
		Events:  fx.events,
		Metrics: fx.metrics,
		Logger: func(_ context.Context, event string, _ map[string]any) {
			logged = append(logged, event)
		},
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	view, err := svc.Create(context.Background(), CreateOrderCommand{Actor: customer, ServiceID: "svc", CategorySlug: "plumbing"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if view.Order.Status != domain.OrderStatusPending {
		t.Fatalf("unexpected status %s", view.Order.Status)
	}
	if fx.metrics.publishFailures != 1 {
		t.Fatalf("expected publish failure metric, got %d", fx.metrics.publishFailures)
	}
	found := false
	for _, event := range logged {
		if event == "order.event.publish.failed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected publish failure log, got %v", logged)
	}
}

func TestVersionIncreasesByOnePerTransition(t *testing.T) {
	fx := newEngineFixture(t, nil)
	ctx := context.Background()
	order := fx.create(t, CreateOrderCommand{})
	if _, err := fx.svc.Accept(ctx, AcceptOrderCommand{OrderID: order.ID, Actor: specialist}); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := fx.svc.Finish(ctx, FinishOrderCommand{OrderID: order.ID, Actor: specialist}); err != nil {
			t.Fatalf("Finish %d: %v", i, err)
		}
		if _, err := fx.svc.RejectFinish(ctx, OrderReasonCommand{OrderID: order.ID, Actor: customer, Reason: "again"}); err != nil {
			t.Fatalf("Reject %d: %v", i, err)
		}
	}
	got := fx.stored(t, order.ID)
	if got.Version != 7 || got.RejectCount != 3 {
		t.Fatalf("expected version 7 and 3 rejects, got %d / %d", got.Version, got.RejectCount)
	}
	if err := domain.CheckInvariants(got); err != nil {
		t.Fatalf("invariants: %v", err)
	}
	if len(fx.eventTypes(t, order.ID)) != 8 {
		t.Fatalf("expected one event per version")
	}
}

func TestErrorReason(t *testing.T) {
	tests := map[error]string{
		ErrOrderNotFound:          "not_found",
		ErrOrderWrongRole:         "wrong_role",
		ErrOrderInvalidTransition: "invalid_transition",
		ErrOrderDeadlineExpired:   "deadline_expired",
		ErrOrderAlreadyResolved:   "already_resolved",
		ErrOrderAlreadyRated:      "already_rated",
		ErrOrderInvalidInput:      "invalid_input",
		errors.New("boom"):        "internal",
	}
	for err, want := range tests {
		if got := ErrorReason(fmt.Errorf("wrapped: %w", err)); got != want {
			t.Fatalf("ErrorReason(%v) = %s, want %s", err, got, want)
		}
	}
}
