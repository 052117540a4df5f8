package domain

// DenyReason explains why a transition request was refused.
type DenyReason string

const (
	DenyWrongRole        DenyReason = "wrong_role"
	DenyWrongState       DenyReason = "wrong_state"
	DenyDeadlineExpired  DenyReason = "deadline_expired"
	denyUnknownOperation DenyReason = DenyWrongState
)

// Decision is the outcome of Authorize. Target is set only when Allowed is true.
type Decision struct {
	Allowed bool
	Target  OrderStatus
	Reason  DenyReason
}

type transitionRule struct {
	roles []ActorRole
	from  []OrderStatus
	// to is empty for operations that keep the current status.
	to OrderStatus
}

var activeStatuses = []OrderStatus{OrderStatusAssigned, OrderStatusInProgress, OrderStatusPaused}

var reviewStatuses = []OrderStatus{OrderStatusInClientReview, OrderStatusFinishedBySpecialist}

var cancellableStatuses = []OrderStatus{OrderStatusPending, OrderStatusAssigned, OrderStatusInProgress, OrderStatusPaused}

var transitionRules = map[Operation]transitionRule{
	OperationAccept: {
		roles: []ActorRole{RoleSpecialist},
		from:  []OrderStatus{OrderStatusPending},
		to:    OrderStatusAssigned,
	},
	OperationStart: {
		roles: []ActorRole{RoleSpecialist},
		from:  []OrderStatus{OrderStatusAssigned},
		to:    OrderStatusInProgress,
	},
	OperationPause: {
		roles: []ActorRole{RoleSpecialist},
		from:  []OrderStatus{OrderStatusInProgress},
		to:    OrderStatusPaused,
	},
	OperationResume: {
		roles: []ActorRole{RoleSpecialist},
		from:  []OrderStatus{OrderStatusPaused},
		to:    OrderStatusInProgress,
	},
	OperationReschedule: {
		roles: []ActorRole{RoleCustomer, RoleSpecialist},
		from:  cancellableStatuses,
	},
	OperationFinish: {
		roles: []ActorRole{RoleSpecialist},
		from:  activeStatuses,
		to:    OrderStatusInClientReview,
	},
	OperationRejectFinish: {
		roles: []ActorRole{RoleCustomer},
		from:  reviewStatuses,
		to:    OrderStatusInProgress,
	},
	OperationConfirm: {
		roles: []ActorRole{RoleCustomer},
		from:  reviewStatuses,
		to:    OrderStatusConfirmedByClient,
	},
	OperationCancelByCustomer: {
		roles: []ActorRole{RoleCustomer},
		from:  cancellableStatuses,
		to:    OrderStatusCancelledByCustomer,
	},
	OperationCancelBySpecialist: {
		roles: []ActorRole{RoleSpecialist},
		from:  cancellableStatuses,
		to:    OrderStatusCancelledBySpecialist,
	},
	OperationRate: {
		roles: []ActorRole{RoleCustomer},
		from:  []OrderStatus{OrderStatusConfirmedByClient},
	},
	OperationExpire: {
		roles: []ActorRole{RoleSystem},
		from:  []OrderStatus{OrderStatusPending},
		to:    OrderStatusCancelledAuto,
	},
}

// Authorize decides whether role may apply op to an order in status with the given deadline
// classification. It is total over every (status, operation, role) triple and has no side effects.
// Checks run in order: role, state, deadline.
func Authorize(status OrderStatus, deadline DeadlineState, op Operation, role ActorRole) Decision {
	rule, ok := transitionRules[op]
	if !ok {
		return Decision{Reason: denyUnknownOperation}
	}
	if !containsRole(rule.roles, role) {
		return Decision{Reason: DenyWrongRole}
	}
	if !containsStatus(rule.from, status) {
		return Decision{Reason: DenyWrongState}
	}
	if status == OrderStatusPending {
		if op == OperationExpire {
			if deadline != DeadlineExpired {
				return Decision{Reason: DenyWrongState}
			}
		} else if deadline == DeadlineExpired {
			return Decision{Reason: DenyDeadlineExpired}
		}
	}

	target := rule.to
	if target == "" {
		target = status
	}
	return Decision{Allowed: true, Target: target}
}

// RequiredRoles lists the roles that may request op.
func RequiredRoles(op Operation) []ActorRole {
	rule, ok := transitionRules[op]
	if !ok {
		return nil
	}
	return append([]ActorRole(nil), rule.roles...)
}

func containsRole(roles []ActorRole, role ActorRole) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func containsStatus(statuses []OrderStatus, status OrderStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
