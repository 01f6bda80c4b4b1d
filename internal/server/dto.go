package server

import (
	"helixctl/internal/domain"
)

// Request payloads

type CreateRequestBody struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty" enum:"LOW,MEDIUM,HIGH,URGENT"`
}

type UpdateRequestBody struct {
	Status   *string `json:"status,omitempty" enum:"PENDING,REVIEWING,IN_PROGRESS,COMPLETED,DELIVERED,CLOSED,REJECTED,CANCELLED"`
	Priority *string `json:"priority,omitempty" enum:"LOW,MEDIUM,HIGH,URGENT"`
}

type AssignRequestBody struct {
	AssignedTo *string `json:"assigned_to,omitempty" nullable:"true"`
}

// DevLoginBody requests a development token. Role is optional; empty keeps
// the stored role. Validated in the handler rather than by schema so that
// clients sending an explicit "" are not rejected.
type DevLoginBody struct {
	Email string `json:"email" format:"email"`
	Role  string `json:"role,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type ProfileResponse struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
	Role  string `json:"role" enum:"USER,ADMIN"`
}

// paginatedRequests is the list envelope: count plus page links, with the
// page itself under results.
type paginatedRequests struct {
	Count    int              `json:"count"`
	Next     *string          `json:"next"`
	Previous *string          `json:"previous"`
	Results  []domain.Request `json:"results"`
}

type paginatedActivities struct {
	Count    int               `json:"count"`
	Next     *string           `json:"next"`
	Previous *string           `json:"previous"`
	Results  []domain.Activity `json:"results"`
}

func requestPage(items []domain.Request) paginatedRequests {
	if items == nil {
		items = []domain.Request{}
	}
	return paginatedRequests{Count: len(items), Results: items}
}

func activityPage(items []domain.Activity) paginatedActivities {
	if items == nil {
		items = []domain.Activity{}
	}
	return paginatedActivities{Count: len(items), Results: items}
}
