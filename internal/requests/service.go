package requests

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"helixctl/internal/api"
	"helixctl/internal/domain"
	"helixctl/internal/lifecycle"
)

// Caller issues classified API calls. Satisfied by *api.Gateway.
type Caller interface {
	Call(ctx context.Context, method, endpoint string, body any) (json.RawMessage, error)
}

// Service maps domain operations one-to-one onto backend endpoints. It holds
// no business rules beyond which endpoint and verb to use; authorization is
// enforced server-side.
type Service struct {
	Gateway Caller
}

func New(gw Caller) *Service {
	return &Service{Gateway: gw}
}

// Create submits a new request. Priority defaults to MEDIUM when empty.
func (s *Service) Create(ctx context.Context, title, description string, priority lifecycle.Priority) (domain.Request, error) {
	if priority == "" {
		priority = lifecycle.PriorityMedium
	}
	body := map[string]any{
		"title":       title,
		"description": description,
		"priority":    priority,
	}
	return s.one(ctx, http.MethodPost, "/requests/", body)
}

// ListMine returns the authenticated user's requests.
func (s *Service) ListMine(ctx context.Context) ([]domain.Request, error) {
	return s.list(ctx, "/requests/")
}

// ListAll returns every request. Administrator only.
func (s *Service) ListAll(ctx context.Context) ([]domain.Request, error) {
	return s.list(ctx, "/admin/requests/")
}

// Get fetches a single request by id.
func (s *Service) Get(ctx context.Context, id string) (domain.Request, error) {
	return s.one(ctx, http.MethodGet, fmt.Sprintf("/requests/%s/", url.PathEscape(id)), nil)
}

// UpdateStatusAndPriority changes status, priority, or both in a single
// call. At least one must be set. Administrator only.
func (s *Service) UpdateStatusAndPriority(ctx context.Context, id string, status *lifecycle.Status, priority *lifecycle.Priority) (domain.Request, error) {
	if status == nil && priority == nil {
		return domain.Request{}, errors.New("status or priority is required")
	}
	body := map[string]any{}
	if status != nil {
		body["status"] = *status
	}
	if priority != nil {
		body["priority"] = *priority
	}
	return s.one(ctx, http.MethodPatch, fmt.Sprintf("/admin/requests/%s/", url.PathEscape(id)), body)
}

// Assign sets or clears (nil) the request's assignee. Administrator only.
func (s *Service) Assign(ctx context.Context, id string, assignee *string) (domain.Request, error) {
	body := map[string]any{"assigned_to": assignee}
	return s.one(ctx, http.MethodPost, fmt.Sprintf("/admin/requests/%s/assign/", url.PathEscape(id)), body)
}

// Activities returns the audit trail for a request. The admin flag selects
// the endpoint; it reflects caller context, not a decision made here.
func (s *Service) Activities(ctx context.Context, id string, admin bool) ([]domain.Activity, error) {
	endpoint := fmt.Sprintf("/requests/%s/activities/", url.PathEscape(id))
	if admin {
		endpoint = fmt.Sprintf("/admin/requests/%s/activities/", url.PathEscape(id))
	}
	raw, err := s.Gateway.Call(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var items []domain.Activity
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &api.TransportError{Err: fmt.Errorf("decode activities: %w", err)}
	}
	return items, nil
}

// Me returns the current profile, including the role used to decide which
// affordances to show.
func (s *Service) Me(ctx context.Context) (domain.Profile, error) {
	raw, err := s.Gateway.Call(ctx, http.MethodGet, "/auth/me/", nil)
	if err != nil {
		return domain.Profile{}, err
	}
	var p domain.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.Profile{}, &api.TransportError{Err: fmt.Errorf("decode profile: %w", err)}
	}
	return p, nil
}

func (s *Service) one(ctx context.Context, method, endpoint string, body any) (domain.Request, error) {
	raw, err := s.Gateway.Call(ctx, method, endpoint, body)
	if err != nil {
		return domain.Request{}, err
	}
	var r domain.Request
	if err := json.Unmarshal(raw, &r); err != nil {
		return domain.Request{}, &api.TransportError{Err: fmt.Errorf("decode request: %w", err)}
	}
	return r, nil
}

func (s *Service) list(ctx context.Context, endpoint string) ([]domain.Request, error) {
	raw, err := s.Gateway.Call(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var items []domain.Request
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &api.TransportError{Err: fmt.Errorf("decode requests: %w", err)}
	}
	return items, nil
}
