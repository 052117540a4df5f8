// Package repositorytest holds a behavioural suite shared by every Order Store backend.
package repositorytest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/solucity-dev/solucity-sub000/internal/domain"
	"github.com/solucity-dev/solucity-sub000/internal/repositories"
)

// Factory returns a fresh, empty repository for one subtest.
type Factory func(t *testing.T) repositories.OrderRepository

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// RunOrderRepositorySuite exercises the OrderRepository contract.
func RunOrderRepositorySuite(t *testing.T, newRepo Factory) {
	t.Run("insert and find", func(t *testing.T) { testInsertAndFind(t, newRepo(t)) })
	t.Run("duplicate insert conflicts", func(t *testing.T) { testDuplicateInsert(t, newRepo(t)) })
	t.Run("missing order", func(t *testing.T) { testMissing(t, newRepo(t)) })
	t.Run("compare and swap", func(t *testing.T) { testCompareAndSwap(t, newRepo(t)) })
	t.Run("concurrent swaps", func(t *testing.T) { testConcurrentSwaps(t, newRepo(t)) })
	t.Run("list expired", func(t *testing.T) { testListExpired(t, newRepo(t)) })
	t.Run("list by party", func(t *testing.T) { testList(t, newRepo(t)) })
}

// PendingOrder builds a PENDING order created at base+offset with an optional deadline window.
func PendingOrder(id, customer string, offset, window time.Duration) (domain.Order, domain.OrderEvent) {
	created := base.Add(offset)
	order := domain.Order{
		ID:           id,
		Status:       domain.OrderStatusPending,
		CustomerID:   customer,
		ServiceID:    "svc-plumbing",
		CategorySlug: "plumbing",
		Description:  "leaking sink",
		Attachments:  []string{"att-1"},
		CreatedAt:    created,
		UpdatedAt:    created,
	}
	if window > 0 {
		deadline := created.Add(window)
		order.AcceptDeadlineAt = &deadline
	}
	return order, eventFor(order, domain.OperationCreate, customer, domain.RoleCustomer)
}

func eventFor(order domain.Order, op domain.Operation, actor string, role domain.ActorRole) domain.OrderEvent {
	return domain.OrderEvent{
		ID:        fmt.Sprintf("evt_%s_%d", order.ID, order.Version),
		OrderID:   order.ID,
		Type:      order.Status,
		Operation: op,
		ActorID:   actor,
		ActorRole: role,
		Version:   order.Version,
		CreatedAt: order.UpdatedAt,
		Payload:   map[string]any{"operation": string(op)},
	}
}

func assigned(order domain.Order, specialist string) domain.Order {
	next := order.Clone()
	next.Status = domain.OrderStatusAssigned
	next.SpecialistID = &specialist
	next.AcceptDeadlineAt = nil
	next.Version = order.Version + 1
	next.UpdatedAt = order.UpdatedAt.Add(time.Minute)
	return next
}

func testInsertAndFind(t *testing.T, repo repositories.OrderRepository) {
	ctx := context.Background()
	order, event := PendingOrder("ord_a", "cust-1", 0, time.Hour)
	if err := repo.Insert(ctx, order, event); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, err := repo.FindByID(ctx, "ord_a")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.Status != domain.OrderStatusPending || got.CustomerID != "cust-1" || got.Version != 0 {
		t.Fatalf("unexpected order %+v", got)
	}
	if got.AcceptDeadlineAt == nil || !got.AcceptDeadlineAt.Equal(*order.AcceptDeadlineAt) {
		t.Fatalf("expected deadline %v, got %v", order.AcceptDeadlineAt, got.AcceptDeadlineAt)
	}
	if !got.CreatedAt.Equal(order.CreatedAt) {
		t.Fatalf("expected createdAt %s, got %s", order.CreatedAt, got.CreatedAt)
	}
	if len(got.Attachments) != 1 || got.Attachments[0] != "att-1" {
		t.Fatalf("unexpected attachments %v", got.Attachments)
	}
	events, err := repo.ListEvents(ctx, "ord_a")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 || events[0].Type != domain.OrderStatusPending || events[0].Version != 0 {
		t.Fatalf("unexpected events %+v", events)
	}
}

func testDuplicateInsert(t *testing.T, repo repositories.OrderRepository) {
	ctx := context.Background()
	order, event := PendingOrder("ord_dup", "cust-1", 0, 0)
	if err := repo.Insert(ctx, order, event); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := repo.Insert(ctx, order, event); !repositories.IsConflict(err) {
		t.Fatalf("expected conflict on duplicate insert, got %v", err)
	}
}

func testMissing(t *testing.T, repo repositories.OrderRepository) {
	ctx := context.Background()
	if _, err := repo.FindByID(ctx, "ord_missing"); !repositories.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := repo.ListEvents(ctx, "ord_missing"); !repositories.IsNotFound(err) {
		t.Fatalf("expected not found for events, got %v", err)
	}
	order, _ := PendingOrder("ord_missing", "cust-1", 0, 0)
	next := assigned(order, "spl-1")
	if err := repo.CompareAndSwap(ctx, next, 0, eventFor(next, domain.OperationAccept, "spl-1", domain.RoleSpecialist)); !repositories.IsNotFound(err) {
		t.Fatalf("expected not found for swap, got %v", err)
	}
}

func testCompareAndSwap(t *testing.T, repo repositories.OrderRepository) {
	ctx := context.Background()
	order, event := PendingOrder("ord_cas", "cust-1", 0, time.Hour)
	if err := repo.Insert(ctx, order, event); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	next := assigned(order, "spl-1")
	if err := repo.CompareAndSwap(ctx, next, 0, eventFor(next, domain.OperationAccept, "spl-1", domain.RoleSpecialist)); err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	stale := assigned(order, "spl-2")
	if err := repo.CompareAndSwap(ctx, stale, 0, eventFor(stale, domain.OperationAccept, "spl-2", domain.RoleSpecialist)); !repositories.IsConflict(err) {
		t.Fatalf("expected conflict for stale version, got %v", err)
	}

	got, err := repo.FindByID(ctx, "ord_cas")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.Version != 1 || got.Status != domain.OrderStatusAssigned || !got.AssignedTo("spl-1") {
		t.Fatalf("unexpected order after swap %+v", got)
	}
	if got.AcceptDeadlineAt != nil {
		t.Fatalf("expected deadline cleared, got %v", got.AcceptDeadlineAt)
	}
	events, err := repo.ListEvents(ctx, "ord_cas")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Version != 0 || events[1].Version != 1 || events[1].Type != domain.OrderStatusAssigned {
		t.Fatalf("unexpected event order %+v", events)
	}
}

func testConcurrentSwaps(t *testing.T, repo repositories.OrderRepository) {
	ctx := context.Background()
	order, event := PendingOrder("ord_race", "cust-1", 0, time.Hour)
	if err := repo.Insert(ctx, order, event); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			defer wg.Done()
			next := assigned(order, fmt.Sprintf("spl-%d", i))
			err := repo.CompareAndSwap(ctx, next, 0, eventFor(next, domain.OperationAccept, *next.SpecialistID, domain.RoleSpecialist))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case repositories.IsConflict(err):
				conflicts++
			default:
				t.Errorf("writer %d: unexpected error %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 || conflicts != writers-1 {
		t.Fatalf("expected exactly one winner, got wins=%d conflicts=%d", wins, conflicts)
	}
	events, err := repo.ListEvents(ctx, "ord_race")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected creation plus one accept event, got %d", len(events))
	}
}

func testListExpired(t *testing.T, repo repositories.OrderRepository) {
	ctx := context.Background()
	fixtures := []struct {
		id     string
		offset time.Duration
		window time.Duration
	}{
		{"ord_late", 0, 2 * time.Hour},
		{"ord_early", 0, time.Hour},
		{"ord_future", 0, 48 * time.Hour},
		{"ord_untimed", 0, 0},
		{"ord_taken", 0, 30 * time.Minute},
	}
	for _, f := range fixtures {
		order, event := PendingOrder(f.id, "cust-1", f.offset, f.window)
		if err := repo.Insert(ctx, order, event); err != nil {
			t.Fatalf("Insert %s: %v", f.id, err)
		}
	}
	taken, err := repo.FindByID(ctx, "ord_taken")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	next := assigned(taken, "spl-1")
	if err := repo.CompareAndSwap(ctx, next, 0, eventFor(next, domain.OperationAccept, "spl-1", domain.RoleSpecialist)); err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}

	now := base.Add(3 * time.Hour)
	expired, err := repo.ListExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(expired) != 2 || expired[0].ID != "ord_early" || expired[1].ID != "ord_late" {
		t.Fatalf("expected [ord_early ord_late], got %v", ids(expired))
	}

	limited, err := repo.ListExpired(ctx, now, 1)
	if err != nil {
		t.Fatalf("ListExpired limited: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "ord_early" {
		t.Fatalf("expected only ord_early, got %v", ids(limited))
	}

	atDeadline, err := repo.ListExpired(ctx, base.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("ListExpired at deadline: %v", err)
	}
	if len(atDeadline) != 1 || atDeadline[0].ID != "ord_early" {
		t.Fatalf("expected deadline boundary to count as expired, got %v", ids(atDeadline))
	}
}

func testList(t *testing.T, repo repositories.OrderRepository) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		order, event := PendingOrder(fmt.Sprintf("ord_c%d", i), "cust-1", time.Duration(i)*time.Minute, 0)
		if err := repo.Insert(ctx, order, event); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	other, event := PendingOrder("ord_other", "cust-2", 0, 0)
	other.RequestedSpecialistID = "spl-9"
	if err := repo.Insert(ctx, other, event); err != nil {
		t.Fatalf("Insert other: %v", err)
	}
	first, err := repo.FindByID(ctx, "ord_c0")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	next := assigned(first, "spl-1")
	if err := repo.CompareAndSwap(ctx, next, 0, eventFor(next, domain.OperationAccept, "spl-1", domain.RoleSpecialist)); err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}

	filter := repositories.OrderListFilter{
		CustomerID: "cust-1",
		Statuses:   domain.ListPartitionOpen.Statuses(),
		Pagination: domain.Pagination{PageSize: 2},
	}
	var seen []string
	for page := 0; page < 5; page++ {
		result, err := repo.List(ctx, filter)
		if err != nil {
			t.Fatalf("List page %d: %v", page, err)
		}
		seen = append(seen, ids(result.Items)...)
		if result.NextPageToken == "" {
			break
		}
		filter.Pagination.PageToken = result.NextPageToken
	}
	want := []string{"ord_c4", "ord_c3", "ord_c2", "ord_c1", "ord_c0"}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}

	pendingOnly, err := repo.List(ctx, repositories.OrderListFilter{
		CustomerID: "cust-1",
		Statuses:   []domain.OrderStatus{domain.OrderStatusAssigned},
	})
	if err != nil {
		t.Fatalf("List assigned: %v", err)
	}
	if len(pendingOnly.Items) != 1 || pendingOnly.Items[0].ID != "ord_c0" {
		t.Fatalf("expected only ord_c0, got %v", ids(pendingOnly.Items))
	}

	specialist, err := repo.List(ctx, repositories.OrderListFilter{SpecialistID: "spl-9"})
	if err != nil {
		t.Fatalf("List specialist: %v", err)
	}
	if len(specialist.Items) != 1 || specialist.Items[0].ID != "ord_other" {
		t.Fatalf("expected requested order for spl-9, got %v", ids(specialist.Items))
	}
}

func ids(orders []domain.Order) []string {
	out := make([]string, len(orders))
	for i, order := range orders {
		out[i] = order.ID
	}
	return out
}
