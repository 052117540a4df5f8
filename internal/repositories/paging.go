package repositories

import (
	"sort"

	"github.com/solucity-dev/solucity-sub000/internal/domain"
	"github.com/solucity-dev/solucity-sub000/internal/platform/pagination"
)

// OrderKey returns the listing key of an order.
func OrderKey(order domain.Order) pagination.TimeKey {
	return pagination.TimeKey{At: order.CreatedAt, ID: order.ID}
}

// SortNewestFirst orders by creation time then id, both descending.
func SortNewestFirst(orders []domain.Order) {
	sort.Slice(orders, func(i, j int) bool {
		return OrderKey(orders[j]).Before(OrderKey(orders[i]))
	})
}

// PageNewestFirst cuts one page out of orders already sorted by SortNewestFirst. Backends that
// cannot push the cursor into a query filter in memory with it. Token errors wrap
// pagination.ErrInvalidPageToken.
func PageNewestFirst(orders []domain.Order, pager domain.Pagination) (domain.CursorPage[domain.Order], error) {
	after, ok, err := pagination.DecodeTimeKey(pager.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	start := 0
	if ok {
		start = sort.Search(len(orders), func(i int) bool {
			return OrderKey(orders[i]).Before(after)
		})
	}
	page := orders[start:]
	if pager.PageSize <= 0 || len(page) <= pager.PageSize {
		return domain.CursorPage[domain.Order]{Items: page}, nil
	}
	page = page[:pager.PageSize]
	next, err := pagination.EncodeTimeKey(OrderKey(page[len(page)-1]))
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	return domain.CursorPage[domain.Order]{Items: page, NextPageToken: next}, nil
}
