package domain

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// ListPartition selects the open or closed half of an actor's orders.
type ListPartition string

const (
	ListPartitionOpen   ListPartition = "open"
	ListPartitionClosed ListPartition = "closed"
)

// Statuses returns the statuses belonging to the partition.
func (p ListPartition) Statuses() []OrderStatus {
	switch p {
	case ListPartitionOpen:
		return append([]OrderStatus(nil), OpenOrderStatuses...)
	case ListPartitionClosed:
		return append([]OrderStatus(nil), ClosedOrderStatuses...)
	default:
		return nil
	}
}
