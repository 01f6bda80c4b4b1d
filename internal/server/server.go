package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"helixctl/internal/domain"
	"helixctl/internal/lifecycle"
	"helixctl/internal/store"
	"helixctl/internal/tracker"
)

// Config for the HTTP API handler.
type Config struct {
	Tracker  tracker.Tracker
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid status transition CLOSED -> PENDING"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the request-tracking API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Tracker))
	hcfg := huma.DefaultConfig("Helix API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerDevAuth(group, cfg.Tracker, cfg.Auth)
	registerMe(group)
	registerRequests(group, cfg.Tracker)
	registerAdminRequests(group, cfg.Tracker)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var td tracker.TransitionDeniedError
	if errors.As(err, &td) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(),
			map[string]any{"from": string(td.From), "to": string(td.To)})
	}
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "request not found", nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown") || strings.Contains(lowered, "nothing to update") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusUnprocessableEntity:
		return "invalid_transition"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requireAdmin(ctx context.Context) (Principal, huma.StatusError) {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return p, authErr
	}
	if !p.IsAdmin() {
		return p, newAPIError(http.StatusForbidden, "forbidden", "you do not have permission to perform this action", nil)
	}
	return p, nil
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health/",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerDevAuth(api huma.API, trk tracker.Tracker, cfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login/",
		Summary:     "Mint a development token",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body DevLoginBody `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		email := strings.TrimSpace(input.Body.Email)
		if email == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "email is required", nil)
		}
		uid := uidForEmail(email)
		u, err := trk.EnsureUser(ctx, uid, email)
		if err != nil {
			return nil, handleError(err)
		}
		if role := input.Body.Role; role != "" && role != u.Role {
			if role != domain.RoleUser && role != domain.RoleAdmin {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown role "+role, nil)
			}
			if err := trk.Repo.SetRoleByEmail(ctx, email, role); err != nil {
				return nil, handleError(err)
			}
		}
		token, err := cfg.mintToken(uid, email, trk.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/auth/me/",
		Summary:     "Authenticated profile",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProfileResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body ProfileResponse `json:"body"`
		}{Body: ProfileResponse{UID: p.UID, Email: p.Email, Role: p.Role}}, nil
	})
}

func registerRequests(api huma.API, trk tracker.Tracker) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/requests/",
		Summary:       "Open a request",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateRequestBody `json:"body"`
	}) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := trk.CreateRequest(ctx, tracker.CreateRequestOptions{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Priority:    lifecycle.Priority(input.Body.Priority),
			OwnerEmail:  p.Email,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-my-requests",
		Method:      http.MethodGet,
		Path:        "/requests/",
		Summary:     "List own requests",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body paginatedRequests `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := trk.ListMine(ctx, p.Email)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedRequests `json:"body"`
		}{Body: requestPage(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{id}/",
		Summary:     "Get one request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := trk.GetRequest(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if r.OwnerEmail != p.Email && !p.IsAdmin() {
			return nil, newAPIError(http.StatusNotFound, "not_found", "request not found", nil)
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-request-activities",
		Method:      http.MethodGet,
		Path:        "/requests/{id}/activities/",
		Summary:     "List activity on an own request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body paginatedActivities `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := trk.GetRequest(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if r.OwnerEmail != p.Email && !p.IsAdmin() {
			return nil, newAPIError(http.StatusNotFound, "not_found", "request not found", nil)
		}
		items, err := trk.Activities(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedActivities `json:"body"`
		}{Body: activityPage(items)}, nil
	})
}

func registerAdminRequests(api huma.API, trk tracker.Tracker) {
	huma.Register(api, huma.Operation{
		OperationID: "admin-list-requests",
		Method:      http.MethodGet,
		Path:        "/admin/requests/",
		Summary:     "List every request",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body paginatedRequests `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := trk.ListAll(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedRequests `json:"body"`
		}{Body: requestPage(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-update-request",
		Method:      http.MethodPatch,
		Path:        "/admin/requests/{id}/",
		Summary:     "Update request status or priority",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateRequestBody `json:"body"`
	}) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := tracker.UpdateOptions{ID: input.ID, ActorEmail: p.Email}
		if input.Body.Status != nil {
			s := lifecycle.Status(*input.Body.Status)
			opts.Status = &s
		}
		if input.Body.Priority != nil {
			pr := lifecycle.Priority(*input.Body.Priority)
			opts.Priority = &pr
		}
		r, err := trk.UpdateRequest(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-assign-request",
		Method:      http.MethodPost,
		Path:        "/admin/requests/{id}/assign/",
		Summary:     "Assign or unassign a request",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body AssignRequestBody `json:"body"`
	}) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := trk.Assign(ctx, input.ID, input.Body.AssignedTo, p.Email)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-list-request-activities",
		Method:      http.MethodGet,
		Path:        "/admin/requests/{id}/activities/",
		Summary:     "List activity on any request",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body paginatedActivities `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := trk.Activities(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedActivities `json:"body"`
		}{Body: activityPage(items)}, nil
	})
}
