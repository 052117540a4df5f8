package domain

import "time"

// DeadlineState classifies an order's acceptance window at a point in time.
type DeadlineState string

const (
	DeadlineNone    DeadlineState = "none"
	DeadlineActive  DeadlineState = "active"
	DeadlineExpired DeadlineState = "expired"
)

// ClassifyDeadline reports whether the acceptance window is absent, still open, or elapsed.
// The same function backs lazy reads and the background sweep so both views agree.
func ClassifyDeadline(order Order, now time.Time) DeadlineState {
	if order.AcceptDeadlineAt == nil {
		return DeadlineNone
	}
	if now.Before(*order.AcceptDeadlineAt) {
		return DeadlineActive
	}
	return DeadlineExpired
}

// DeadlineTimeLeft returns the remaining acceptance window, or nil when the deadline is not active.
func DeadlineTimeLeft(order Order, now time.Time) *time.Duration {
	if ClassifyDeadline(order, now) != DeadlineActive {
		return nil
	}
	left := order.AcceptDeadlineAt.Sub(now)
	return &left
}

// AcceptWindowPolicy computes the initial acceptance deadline of a new order.
type AcceptWindowPolicy struct {
	Standard time.Duration
	Urgent   time.Duration
	Max      time.Duration
}

// Deadline returns the deadline for an order created at now. An explicit override wins over the
// urgency-based defaults; a non-positive window means the order is not time-boxed.
func (p AcceptWindowPolicy) Deadline(now time.Time, urgent bool, override *time.Duration) *time.Time {
	window := p.Standard
	if urgent {
		window = p.Urgent
	}
	if override != nil {
		window = *override
	}
	if p.Max > 0 && window > p.Max {
		window = p.Max
	}
	if window <= 0 {
		return nil
	}
	deadline := now.Add(window)
	return &deadline
}
