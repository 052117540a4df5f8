package services

import "errors"

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located or is not visible to the caller.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidTransition indicates the operation does not apply to the current status.
	ErrOrderInvalidTransition = errors.New("order: invalid transition")
	// ErrOrderWrongRole indicates the caller may not perform the operation on this order.
	ErrOrderWrongRole = errors.New("order: wrong role")
	// ErrOrderDeadlineExpired indicates the acceptance window elapsed; the order has been auto-cancelled.
	ErrOrderDeadlineExpired = errors.New("order: deadline expired")
	// ErrOrderAlreadyResolved indicates a concurrent writer moved the order first.
	ErrOrderAlreadyResolved = errors.New("order: already resolved")
	// ErrOrderAlreadyRated indicates the order carries a rating already.
	ErrOrderAlreadyRated = errors.New("order: already rated")
	// ErrOrderConflict indicates optimistic concurrency retries were exhausted.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates a transient storage failure.
	ErrOrderUnavailable = errors.New("order: store unavailable")
)
