package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"helixctl/internal/activity"
	"helixctl/internal/domain"
	"helixctl/internal/lifecycle"
	"helixctl/internal/store"
)

// TransitionDeniedError reports a status move the lifecycle table forbids.
type TransitionDeniedError struct {
	From lifecycle.Status
	To   lifecycle.Status
}

func (e TransitionDeniedError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// Tracker owns request lifecycle rules on the service side. Every write
// goes through one transaction that also appends the audit entries.
type Tracker struct {
	DB     *sql.DB
	Repo   store.Repo
	Events activity.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Tracker {
	return Tracker{
		DB:     db,
		Repo:   store.Repo{DB: db},
		Events: activity.Writer{DB: db},
		Now:    time.Now,
	}
}

func (t Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// EnsureUser provisions the authenticated identity on first contact.
func (t Tracker) EnsureUser(ctx context.Context, uid, email string) (store.User, error) {
	now := t.now().UTC().Format(time.RFC3339)
	return t.Repo.EnsureUser(ctx, uid, email, now)
}

// CreateRequestOptions are parameters for opening a request.
type CreateRequestOptions struct {
	Title       string
	Description string
	Priority    lifecycle.Priority
	OwnerEmail  string
}

// CreateRequest opens a request in the initial status. Priority defaults
// to MEDIUM when omitted.
func (t Tracker) CreateRequest(ctx context.Context, opts CreateRequestOptions) (domain.Request, error) {
	if opts.Title == "" {
		return domain.Request{}, errors.New("title is required")
	}
	if opts.OwnerEmail == "" {
		return domain.Request{}, errors.New("owner is required")
	}
	if opts.Priority == "" {
		opts.Priority = lifecycle.PriorityMedium
	}
	if !opts.Priority.Known() {
		return domain.Request{}, fmt.Errorf("unknown priority %q", opts.Priority)
	}
	now := t.now().UTC().Format(time.RFC3339)
	r := domain.Request{
		ID:          uuid.New().String(),
		Title:       opts.Title,
		Description: opts.Description,
		Status:      lifecycle.StatusPending,
		Priority:    opts.Priority,
		OwnerEmail:  opts.OwnerEmail,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	if err := t.Repo.InsertRequest(ctx, tx, r); err != nil {
		return domain.Request{}, err
	}
	if err := t.Events.Append(ctx, tx, r.ID, domain.ActionCreated, "request opened", opts.OwnerEmail); err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	return r, nil
}

// UpdateOptions carries the mutable fields of a request. At least one of
// Status or Priority must be set.
type UpdateOptions struct {
	ID         string
	Status     *lifecycle.Status
	Priority   *lifecycle.Priority
	ActorEmail string
}

// UpdateRequest applies a status and/or priority change. Status moves must
// follow the lifecycle table; priority changes are unrestricted. Every
// effective change appends one audit entry, and updated_at strictly
// increases even when the clock has not advanced past the stored value.
func (t Tracker) UpdateRequest(ctx context.Context, opts UpdateOptions) (domain.Request, error) {
	if opts.Status == nil && opts.Priority == nil {
		return domain.Request{}, errors.New("nothing to update: provide status or priority")
	}
	r, err := t.Repo.GetRequest(ctx, opts.ID)
	if err != nil {
		return r, err
	}
	original := r
	if opts.Status != nil && *opts.Status != r.Status {
		if !opts.Status.Known() {
			return r, fmt.Errorf("unknown status %q", *opts.Status)
		}
		if !lifecycle.IsAllowed(r.Status, *opts.Status) {
			return r, TransitionDeniedError{From: r.Status, To: *opts.Status}
		}
		r.Status = *opts.Status
	}
	if opts.Priority != nil && *opts.Priority != r.Priority {
		if !opts.Priority.Known() {
			return r, fmt.Errorf("unknown priority %q", *opts.Priority)
		}
		r.Priority = *opts.Priority
	}
	r.UpdatedAt = t.nextUpdatedAt(original.UpdatedAt)

	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return r, err
	}
	defer tx.Rollback()

	if err := t.Repo.UpdateStatusPriority(ctx, tx, r.ID, r.Status, r.Priority, r.UpdatedAt); err != nil {
		return r, err
	}
	if r.Status != original.Status {
		detail := fmt.Sprintf("%s -> %s", original.Status, r.Status)
		if err := t.Events.Append(ctx, tx, r.ID, domain.ActionStatusChanged, detail, opts.ActorEmail); err != nil {
			return r, err
		}
	}
	if r.Priority != original.Priority {
		detail := fmt.Sprintf("%s -> %s", original.Priority, r.Priority)
		if err := t.Events.Append(ctx, tx, r.ID, domain.ActionPriorityChanged, detail, opts.ActorEmail); err != nil {
			return r, err
		}
	}
	if err := tx.Commit(); err != nil {
		return r, err
	}
	return r, nil
}

// Assign sets the request's assignee; nil or empty clears it.
func (t Tracker) Assign(ctx context.Context, id string, assignee *string, actorEmail string) (domain.Request, error) {
	r, err := t.Repo.GetRequest(ctx, id)
	if err != nil {
		return r, err
	}
	if assignee != nil && *assignee == "" {
		assignee = nil
	}
	original := r
	r.AssignedTo = assignee
	r.UpdatedAt = t.nextUpdatedAt(original.UpdatedAt)

	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return r, err
	}
	defer tx.Rollback()

	if err := t.Repo.UpdateAssignee(ctx, tx, r.ID, assignee, r.UpdatedAt); err != nil {
		return r, err
	}
	action := domain.ActionAssigned
	detail := ""
	if assignee == nil {
		action = domain.ActionUnassigned
		if original.AssignedTo != nil {
			detail = *original.AssignedTo
		}
	} else {
		detail = *assignee
	}
	if err := t.Events.Append(ctx, tx, r.ID, action, detail, actorEmail); err != nil {
		return r, err
	}
	if err := tx.Commit(); err != nil {
		return r, err
	}
	return r, nil
}

// GetRequest returns one request by id.
func (t Tracker) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	return t.Repo.GetRequest(ctx, id)
}

// ListMine returns the owner's requests.
func (t Tracker) ListMine(ctx context.Context, ownerEmail string) ([]domain.Request, error) {
	return t.Repo.ListByOwner(ctx, ownerEmail)
}

// ListAll returns every request.
func (t Tracker) ListAll(ctx context.Context) ([]domain.Request, error) {
	return t.Repo.ListAll(ctx)
}

// Activities returns the audit trail for a request, verifying it exists.
func (t Tracker) Activities(ctx context.Context, requestID string) ([]domain.Activity, error) {
	if _, err := t.Repo.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	return t.Repo.ListActivities(ctx, requestID)
}

// nextUpdatedAt picks a timestamp strictly after the stored one so that
// clients comparing updated_at always see a mutation as newer.
func (t Tracker) nextUpdatedAt(prev string) string {
	now := t.now().UTC().Truncate(time.Second)
	if p, err := time.Parse(time.RFC3339, prev); err == nil && !now.After(p) {
		now = p.Add(time.Second)
	}
	return now.Format(time.RFC3339)
}
