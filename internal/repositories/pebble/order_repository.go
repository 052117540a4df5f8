// Package pebble stores orders in an embedded Pebble database for single-node deployments.
//
// Key layout:
//
//	order/{id}                         order record
//	event/{id}/{version:020d}          audit events in version order
//	deadline/{unixNano:020d}/{id}      index of PENDING orders with an acceptance deadline
package pebble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/solucity-dev/solucity-sub000/internal/domain"
	"github.com/solucity-dev/solucity-sub000/internal/repositories"
)

const (
	orderPrefix    = "order/"
	eventPrefix    = "event/"
	deadlinePrefix = "deadline/"
)

// OrderRepository implements repositories.OrderRepository on Pebble. Writes are serialised by a
// mutex so the version check and the batch commit happen atomically.
type OrderRepository struct {
	db      *pebble.DB
	writeMu sync.Mutex
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// Open opens or creates the database under dir.
func Open(dir string) (*OrderRepository, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("pebble order repository: directory is required")
	}
	opts := &pebble.Options{
		MemTableSize:          64 << 20,
		L0CompactionThreshold: 4,
		L0StopWritesThreshold: 12,
	}
	db, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &OrderRepository{db: db}, nil
}

// Close flushes and closes the database.
func (r *OrderRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Ping checks the database answers reads.
func (r *OrderRepository) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, closer, err := r.db.Get([]byte(orderPrefix))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return closer.Close()
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order, event domain.OrderEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if _, found, err := r.load(order.ID); err != nil {
		return repositories.WrapStoreError("orders.insert", err)
	} else if found {
		return repositories.NewConflictError("orders.insert", "order %s already exists", order.ID)
	}

	batch := r.db.NewBatch()
	defer batch.Close()
	if err := writeOrder(batch, order, event); err != nil {
		return repositories.WrapStoreError("orders.insert", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return repositories.WrapStoreError("orders.insert", err)
	}
	return nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	order, found, err := r.load(orderID)
	if err != nil {
		return domain.Order{}, repositories.WrapStoreError("orders.get", err)
	}
	if !found {
		return domain.Order{}, repositories.NewNotFoundError("orders.get", "order %s not found", orderID)
	}
	return order, nil
}

func (r *OrderRepository) CompareAndSwap(ctx context.Context, order domain.Order, expectedVersion int64, event domain.OrderEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	current, found, err := r.load(order.ID)
	if err != nil {
		return repositories.WrapStoreError("orders.cas", err)
	}
	if !found {
		return repositories.NewNotFoundError("orders.cas", "order %s not found", order.ID)
	}
	if current.Version != expectedVersion {
		return repositories.NewConflictError("orders.cas", "order %s at version %d, expected %d", order.ID, current.Version, expectedVersion)
	}

	batch := r.db.NewBatch()
	defer batch.Close()
	if current.AcceptDeadlineAt != nil {
		if err := batch.Delete(deadlineKey(*current.AcceptDeadlineAt, current.ID), nil); err != nil {
			return repositories.WrapStoreError("orders.cas", err)
		}
	}
	if err := writeOrder(batch, order, event); err != nil {
		return repositories.WrapStoreError("orders.cas", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return repositories.WrapStoreError("orders.cas", err)
	}
	return nil
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	matched := make([]domain.Order, 0)
	err := r.scan(ctx, orderPrefix, func(_ []byte, value []byte) error {
		var rec orderRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		if order := rec.decode(); filter.MatchesOrder(order) {
			matched = append(matched, order)
		}
		return nil
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, repositories.WrapStoreError("orders.list", err)
	}
	repositories.SortNewestFirst(matched)
	return repositories.PageNewestFirst(matched, filter.Pagination)
}

func (r *OrderRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	iter, err := r.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(deadlinePrefix),
		UpperBound: deadlineKey(now.Add(time.Nanosecond), ""),
	})
	if err != nil {
		return nil, repositories.WrapStoreError("orders.list_expired", err)
	}
	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && len(ids) >= limit {
			break
		}
		key := string(iter.Key())
		ids = append(ids, key[strings.LastIndex(key, "/")+1:])
	}
	if err := errors.Join(iter.Error(), iter.Close()); err != nil {
		return nil, repositories.WrapStoreError("orders.list_expired", err)
	}

	orders := make([]domain.Order, 0, len(ids))
	for _, id := range ids {
		order, found, err := r.load(id)
		if err != nil {
			return nil, repositories.WrapStoreError("orders.list_expired", err)
		}
		if found && order.Status == domain.OrderStatusPending && domain.ClassifyDeadline(order, now) == domain.DeadlineExpired {
			orders = append(orders, order)
		}
	}
	return orders, nil
}

func (r *OrderRepository) ListEvents(ctx context.Context, orderID string) ([]domain.OrderEvent, error) {
	if _, found, err := r.load(orderID); err != nil {
		return nil, repositories.WrapStoreError("orders.events", err)
	} else if !found {
		return nil, repositories.NewNotFoundError("orders.events", "order %s not found", orderID)
	}
	var events []domain.OrderEvent
	err := r.scan(ctx, eventPrefix+orderID+"/", func(_ []byte, value []byte) error {
		var rec eventRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		events = append(events, rec.decode())
		return nil
	})
	if err != nil {
		return nil, repositories.WrapStoreError("orders.events", err)
	}
	return events, nil
}

func (r *OrderRepository) load(orderID string) (domain.Order, bool, error) {
	value, closer, err := r.db.Get(orderKey(orderID))
	if errors.Is(err, pebble.ErrNotFound) {
		return domain.Order{}, false, nil
	}
	if err != nil {
		return domain.Order{}, false, err
	}
	defer closer.Close()
	var rec orderRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return domain.Order{}, false, fmt.Errorf("decode order %s: %w", orderID, err)
	}
	return rec.decode(), true, nil
}

func (r *OrderRepository) scan(ctx context.Context, prefix string, fn func(key, value []byte) error) error {
	iter, err := r.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound([]byte(prefix)),
	})
	if err != nil {
		return err
	}
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			_ = iter.Close()
			return err
		}
		if err := fn(iter.Key(), iter.Value()); err != nil {
			_ = iter.Close()
			return err
		}
	}
	return errors.Join(iter.Error(), iter.Close())
}

func writeOrder(batch *pebble.Batch, order domain.Order, event domain.OrderEvent) error {
	orderBytes, err := json.Marshal(encodeOrder(order))
	if err != nil {
		return err
	}
	eventBytes, err := json.Marshal(encodeEvent(event))
	if err != nil {
		return err
	}
	if err := batch.Set(orderKey(order.ID), orderBytes, nil); err != nil {
		return err
	}
	if err := batch.Set(eventKey(order.ID, event.Version), eventBytes, nil); err != nil {
		return err
	}
	if order.Status == domain.OrderStatusPending && order.AcceptDeadlineAt != nil {
		return batch.Set(deadlineKey(*order.AcceptDeadlineAt, order.ID), nil, nil)
	}
	return nil
}

func orderKey(id string) []byte {
	return []byte(orderPrefix + id)
}

func eventKey(id string, version int64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", eventPrefix, id, version))
}

func deadlineKey(at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", deadlinePrefix, at.UnixNano(), id))
}

func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}
