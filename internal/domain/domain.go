package domain

import "helixctl/internal/lifecycle"

// Request is a service request submitted by an end user and moved through
// its lifecycle by administrators.
type Request struct {
	ID          string             `json:"id"`
	Title       string             `json:"title"`
	Description string             `json:"description,omitempty"`
	Status      lifecycle.Status   `json:"status"`
	Priority    lifecycle.Priority `json:"priority"`
	OwnerEmail  string             `json:"owner_email"`
	AssignedTo  *string            `json:"assigned_to,omitempty"`
	CreatedAt   string             `json:"created_at" format:"date-time"`
	UpdatedAt   string             `json:"updated_at" format:"date-time"`
}

// IsTerminal reports whether the request can no longer change status.
func (r Request) IsTerminal() bool {
	return lifecycle.IsTerminal(r.Status)
}

// Activity is an append-only audit entry recorded by the server whenever a
// request is mutated. Clients only read these.
type Activity struct {
	ID         string `json:"id"`
	RequestID  string `json:"request_id"`
	Action     string `json:"action"`
	Detail     string `json:"detail,omitempty"`
	ActorEmail string `json:"actor_email"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// Activity action kinds written by the server.
const (
	ActionCreated         = "created"
	ActionStatusChanged   = "status_changed"
	ActionPriorityChanged = "priority_changed"
	ActionAssigned        = "assigned"
	ActionUnassigned      = "unassigned"
)

// Profile describes the authenticated identity as reported by /auth/me/.
type Profile struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

// IsAdmin reports whether the profile may use the /admin endpoints.
func (p Profile) IsAdmin() bool { return p.Role == RoleAdmin }
