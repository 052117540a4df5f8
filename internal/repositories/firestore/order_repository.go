package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/solucity-dev/solucity-sub000/internal/domain"
	pfirestore "github.com/solucity-dev/solucity-sub000/internal/platform/firestore"
	"github.com/solucity-dev/solucity-sub000/internal/platform/pagination"
	"github.com/solucity-dev/solucity-sub000/internal/repositories"
)

const (
	ordersCollection = "orders"
	eventsCollection = "events"
	// Firestore rejects "in" filters with more than 30 values.
	maxInFilterValues = 30
)

// OrderRepository implements repositories.OrderRepository on Firestore. Orders live in one
// collection; events live in an "events" subcollection keyed by zero-padded version.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// OrderRepositoryOption customises the repository.
type OrderRepositoryOption func(*orderRepositoryOptions)

type orderRepositoryOptions struct {
	collection string
}

// WithOrdersCollection stores orders under a different top-level collection.
func WithOrdersCollection(name string) OrderRepositoryOption {
	return func(o *orderRepositoryOptions) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			o.collection = trimmed
		}
	}
}

// NewOrderRepository constructs a Firestore-backed order store.
func NewOrderRepository(provider *pfirestore.Provider, opts ...OrderRepositoryOption) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	options := orderRepositoryOptions{collection: ordersCollection}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDocument](provider, options.collection),
	}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order, event domain.OrderEvent) error {
	ref, err := r.orders.Doc(ctx, order.ID)
	if err != nil {
		return err
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		_, err := tx.Get(ref)
		switch {
		case err == nil:
			return repositories.NewConflictError("orders.insert", "order %s already exists", order.ID)
		case status.Code(err) != codes.NotFound:
			return pfirestore.WrapError("orders.insert", err)
		}
		if err := tx.Create(ref, newOrderDocument(order)); err != nil {
			return err
		}
		return tx.Create(eventRef(ref, event.Version), newEventDocument(event))
	})
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *OrderRepository) CompareAndSwap(ctx context.Context, order domain.Order, expectedVersion int64, event domain.OrderEvent) error {
	ref, err := r.orders.Doc(ctx, order.ID)
	if err != nil {
		return err
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snapshot, err := tx.Get(ref)
		if err != nil {
			return pfirestore.WrapError("orders.cas", err)
		}
		var current orderDocument
		if err := snapshot.DataTo(&current); err != nil {
			return fmt.Errorf("orders.cas: decode %s: %w", order.ID, err)
		}
		if current.Version != expectedVersion {
			return repositories.NewConflictError("orders.cas", "order %s at version %d, expected %d", order.ID, current.Version, expectedVersion)
		}
		if err := tx.Set(ref, newOrderDocument(order)); err != nil {
			return err
		}
		return tx.Create(eventRef(ref, event.Version), newEventDocument(event))
	})
}

// List pushes the party filter, the status filter and the cursor into the query. Listing by
// specialist needs a composite index on (specialistId, requestedSpecialistId, createdAt).
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	after, hasCursor, err := pagination.DecodeTimeKey(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	if len(filter.Statuses) > maxInFilterValues {
		return domain.CursorPage[domain.Order]{}, fmt.Errorf("orders.list: at most %d statuses can be filtered", maxInFilterValues)
	}
	pageSize := filter.Pagination.PageSize

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.CustomerID != "" {
			q = q.Where("customerId", "==", filter.CustomerID)
		}
		if filter.SpecialistID != "" {
			q = q.WhereEntity(firestore.OrFilter{Filters: []firestore.EntityFilter{
				firestore.PropertyFilter{Path: "specialistId", Operator: "==", Value: filter.SpecialistID},
				firestore.AndFilter{Filters: []firestore.EntityFilter{
					firestore.PropertyFilter{Path: "specialistId", Operator: "==", Value: nil},
					firestore.PropertyFilter{Path: "requestedSpecialistId", Operator: "==", Value: filter.SpecialistID},
				}},
			}})
		}
		if len(filter.Statuses) > 0 {
			values := make([]string, 0, len(filter.Statuses))
			for _, s := range filter.Statuses {
				values = append(values, string(s))
			}
			q = q.Where("status", "in", values)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if hasCursor {
			q = q.StartAfter(after.At, after.ID)
		}
		if pageSize > 0 {
			q = q.Limit(pageSize + 1)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	items := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		items = append(items, doc.Data.toDomain(doc.ID))
	}
	if pageSize <= 0 || len(items) <= pageSize {
		return domain.CursorPage[domain.Order]{Items: items}, nil
	}
	items = items[:pageSize]
	next, err := pagination.EncodeTimeKey(repositories.OrderKey(items[len(items)-1]))
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	return domain.CursorPage[domain.Order]{Items: items, NextPageToken: next}, nil
}

func (r *OrderRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Order, error) {
	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("status", "==", string(domain.OrderStatusPending)).
			Where("acceptDeadlineAt", "<=", now.UTC()).
			OrderBy("acceptDeadlineAt", firestore.Asc)
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q
	})
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, doc.Data.toDomain(doc.ID))
	}
	return orders, nil
}

func (r *OrderRepository) ListEvents(ctx context.Context, orderID string) ([]domain.OrderEvent, error) {
	ref, err := r.orders.Doc(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if _, err := ref.Get(ctx); err != nil {
		return nil, pfirestore.WrapError("orders.events", err)
	}
	iter := ref.Collection(eventsCollection).OrderBy("version", firestore.Asc).Documents(ctx)
	docs, err := pfirestore.Collect[eventDocument](ctx, iter, "orders.events")
	if err != nil {
		return nil, err
	}
	events := make([]domain.OrderEvent, 0, len(docs))
	for _, doc := range docs {
		events = append(events, doc.Data.toDomain(orderID))
	}
	return events, nil
}

// Ping reads at most one order to prove the backend answers queries.
func (r *OrderRepository) Ping(ctx context.Context) error {
	coll, err := r.orders.Ref(ctx)
	if err != nil {
		return err
	}
	iter := coll.Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return pfirestore.WrapError("orders.ping", err)
	}
	return nil
}

func eventRef(order *firestore.DocumentRef, version int64) *firestore.DocumentRef {
	return order.Collection(eventsCollection).Doc(fmt.Sprintf("%020d", version))
}
