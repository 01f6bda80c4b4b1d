package lifecycle

// Status is the lifecycle state of a request. The set is closed on the
// server; unknown values received over the wire are carried verbatim and
// treated as having no outgoing transitions.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusReviewing  Status = "REVIEWING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusDelivered  Status = "DELIVERED"
	StatusClosed     Status = "CLOSED"
	StatusRejected   Status = "REJECTED"
	StatusCancelled  Status = "CANCELLED"
)

// Priority is the severity of a request, independent of status. Any
// priority may change to any other.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// transitions is the authoritative client-side lifecycle graph. It must stay
// in lockstep with the server's enforcement; the server remains the final
// authority and may still reject a transition this table allows.
var transitions = map[Status][]Status{
	StatusPending:    {StatusReviewing, StatusRejected, StatusCancelled},
	StatusReviewing:  {StatusInProgress, StatusRejected, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
	StatusCompleted:  {StatusDelivered},
	StatusDelivered:  {StatusClosed},
	StatusClosed:     {},
	StatusRejected:   {},
	StatusCancelled:  {},
}

// Statuses lists the closed status enumeration in lifecycle order.
func Statuses() []Status {
	return []Status{
		StatusPending, StatusReviewing, StatusInProgress, StatusCompleted,
		StatusDelivered, StatusClosed, StatusRejected, StatusCancelled,
	}
}

// Priorities lists the priority enumeration.
func Priorities() []Priority {
	return []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}
}

// AllowedNext returns the statuses reachable from s in one step. Unknown
// statuses have no outgoing transitions. The returned slice is a copy.
func AllowedNext(s Status) []Status {
	next := transitions[s]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// IsAllowed reports whether from may transition to to. A self-transition is
// always allowed (no-op).
func IsAllowed(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no outgoing transitions. Unknown statuses
// are terminal for UI purposes: nothing may be offered from them.
func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0
}

// Known reports whether s is a member of the closed enumeration.
func (s Status) Known() bool {
	_, ok := transitions[s]
	return ok
}

// Known reports whether p is a member of the priority enumeration.
func (p Priority) Known() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}
