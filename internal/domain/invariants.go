package domain

import (
	"errors"
	"fmt"
)

// ErrInvariantViolated reports an order whose fields disagree with its status.
var ErrInvariantViolated = errors.New("order: invariant violated")

// CheckInvariants validates the structural rules every persisted order must satisfy.
// Orders cancelled straight out of PENDING keep a null specialist unless the requested
// specialist declined them.
func CheckInvariants(order Order) error {
	hasSpecialist := order.SpecialistID != nil && *order.SpecialistID != ""
	switch order.Status {
	case OrderStatusPending:
		if hasSpecialist {
			return fmt.Errorf("%w: pending order %s has specialist", ErrInvariantViolated, order.ID)
		}
	case OrderStatusCancelledByCustomer, OrderStatusCancelledBySpecialist, OrderStatusCancelledAuto:
	default:
		if !hasSpecialist {
			return fmt.Errorf("%w: %s order %s has no specialist", ErrInvariantViolated, order.Status, order.ID)
		}
	}
	if order.AcceptDeadlineAt != nil && order.Status != OrderStatusPending {
		return fmt.Errorf("%w: %s order %s keeps an acceptance deadline", ErrInvariantViolated, order.Status, order.ID)
	}
	if order.Rating != nil && order.Status != OrderStatusConfirmedByClient && order.Status != OrderStatusClosed {
		return fmt.Errorf("%w: rating on %s order %s", ErrInvariantViolated, order.Status, order.ID)
	}
	if order.Rating != nil && (order.Rating.Score < MinRatingScore || order.Rating.Score > MaxRatingScore) {
		return fmt.Errorf("%w: rating score %d out of range", ErrInvariantViolated, order.Rating.Score)
	}
	if order.Version < 0 {
		return fmt.Errorf("%w: negative version", ErrInvariantViolated)
	}
	return nil
}

const (
	MinRatingScore = 1
	MaxRatingScore = 5
)
