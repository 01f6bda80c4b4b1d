package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"helixctl/internal/domain"
	"helixctl/internal/lifecycle"
)

// TransitionError is a local rejection: the lifecycle table does not permit
// the requested move, so no network call was made. It is surfaced through
// the same failure path as a server rejection.
type TransitionError struct {
	From lifecycle.Status
	To   lifecycle.Status
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("transition %s -> %s is not allowed", e.From, e.To)
}

// ErrUnknownRequest means the id is not in the local set; refresh first.
var ErrUnknownRequest = errors.New("request not loaded")

// ErrUpdateInFlight means a mutation for the same request is still pending.
// The per-id lock is advisory: other requests stay mutable.
var ErrUpdateInFlight = errors.New("an update for this request is already in flight")

// Service is the slice of the request service the controller drives.
type Service interface {
	ListMine(ctx context.Context) ([]domain.Request, error)
	ListAll(ctx context.Context) ([]domain.Request, error)
	UpdateStatusAndPriority(ctx context.Context, id string, status *lifecycle.Status, priority *lifecycle.Priority) (domain.Request, error)
	Assign(ctx context.Context, id string, assignee *string) (domain.Request, error)
}

// Controller mediates UI-initiated changes against the lifecycle table and
// reconciles optimistic local state with the server's authoritative
// responses. One controller backs one list view.
type Controller struct {
	svc   Service
	admin bool

	mu       sync.Mutex
	requests map[string]domain.Request
	order    []string
	updating map[string]bool
	detached bool

	// OnChange, if set, runs after every visible state change so the
	// presentation layer can re-render. Called without the lock held.
	OnChange func()
}

// New builds a controller over svc. Admin controllers list every request;
// others list only the caller's own.
func New(svc Service, admin bool) *Controller {
	return &Controller{
		svc:      svc,
		admin:    admin,
		requests: map[string]domain.Request{},
		updating: map[string]bool{},
	}
}

// Refresh re-fetches the full list and reconciles it into local state.
// A polled record never overwrites a request that is mid-mutation, nor one
// whose local copy carries a strictly newer updated_at: the server echo from
// a recent mutation beats a concurrent poll's stale value.
func (c *Controller) Refresh(ctx context.Context) error {
	var (
		items []domain.Request
		err   error
	)
	if c.admin {
		items, err = c.svc.ListAll(ctx)
	} else {
		items, err = c.svc.ListMine(ctx)
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		return nil
	}
	next := make(map[string]domain.Request, len(items))
	order := make([]string, 0, len(items))
	for _, incoming := range items {
		keep := incoming
		if local, ok := c.requests[incoming.ID]; ok {
			if c.updating[incoming.ID] || newerThan(local.UpdatedAt, incoming.UpdatedAt) {
				keep = local
			}
		}
		next[keep.ID] = keep
		order = append(order, keep.ID)
	}
	// A request mid-mutation stays visible even if the poll missed it.
	for id := range c.updating {
		if _, ok := next[id]; !ok {
			if local, ok := c.requests[id]; ok {
				next[id] = local
				order = append(order, id)
			}
		}
	}
	c.requests = next
	c.order = order
	c.mu.Unlock()

	c.notify()
	return nil
}

// Watch polls Refresh at the given interval until ctx is done. Poll failures
// are reported through onErr and do not stop the loop.
func (c *Controller) Watch(ctx context.Context, interval time.Duration, onErr func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && onErr != nil {
				onErr(err)
			}
		}
	}
}

// ChangeStatus moves a request to target. Self-transitions succeed without
// a network call; illegal transitions fail locally; everything else follows
// the optimistic update and rollback discipline.
func (c *Controller) ChangeStatus(ctx context.Context, id string, target lifecycle.Status) (domain.Request, error) {
	snapshot, err := c.begin(id, func(r domain.Request) (domain.Request, error) {
		if target == r.Status {
			return r, errNoop
		}
		if !lifecycle.IsAllowed(r.Status, target) {
			return r, TransitionError{From: r.Status, To: target}
		}
		r.Status = target
		return r, nil
	})
	if err != nil {
		if errors.Is(err, errNoop) {
			return snapshot, nil
		}
		return snapshot, err
	}
	return c.finish(id, snapshot, func() (domain.Request, error) {
		return c.svc.UpdateStatusAndPriority(ctx, id, &target, nil)
	})
}

// ChangePriority follows the same optimistic shape as ChangeStatus but is
// never restricted by the lifecycle table.
func (c *Controller) ChangePriority(ctx context.Context, id string, target lifecycle.Priority) (domain.Request, error) {
	snapshot, err := c.begin(id, func(r domain.Request) (domain.Request, error) {
		if target == r.Priority {
			return r, errNoop
		}
		r.Priority = target
		return r, nil
	})
	if err != nil {
		if errors.Is(err, errNoop) {
			return snapshot, nil
		}
		return snapshot, err
	}
	return c.finish(id, snapshot, func() (domain.Request, error) {
		return c.svc.UpdateStatusAndPriority(ctx, id, nil, &target)
	})
}

// Assign sets or clears the request's assignee, optimistically.
func (c *Controller) Assign(ctx context.Context, id string, assignee *string) (domain.Request, error) {
	snapshot, err := c.begin(id, func(r domain.Request) (domain.Request, error) {
		r.AssignedTo = assignee
		return r, nil
	})
	if err != nil {
		return snapshot, err
	}
	return c.finish(id, snapshot, func() (domain.Request, error) {
		return c.svc.Assign(ctx, id, assignee)
	})
}

// errNoop signals a trivially successful mutation inside begin.
var errNoop = errors.New("no-op")

// begin validates, takes the per-id lock, applies the optimistic value, and
// returns the pre-change snapshot.
func (c *Controller) begin(id string, apply func(domain.Request) (domain.Request, error)) (domain.Request, error) {
	c.mu.Lock()
	r, ok := c.requests[id]
	if !ok {
		c.mu.Unlock()
		return domain.Request{}, ErrUnknownRequest
	}
	if c.updating[id] {
		c.mu.Unlock()
		return r, ErrUpdateInFlight
	}
	optimistic, err := apply(r)
	if err != nil {
		c.mu.Unlock()
		return r, err
	}
	c.updating[id] = true
	c.requests[id] = optimistic
	c.mu.Unlock()

	c.notify()
	return r, nil
}

// finish runs the server call and reconciles: adopt the server's record on
// success, revert the snapshot on failure. The updating marker is cleared
// either way. After Detach the outcome is discarded, not cancelled.
func (c *Controller) finish(id string, snapshot domain.Request, call func() (domain.Request, error)) (domain.Request, error) {
	updated, err := call()

	c.mu.Lock()
	delete(c.updating, id)
	if !c.detached {
		if err != nil {
			c.requests[id] = snapshot
		} else {
			c.requests[id] = updated
		}
	}
	c.mu.Unlock()

	c.notify()
	if err != nil {
		return snapshot, err
	}
	return updated, nil
}

// Get returns the local copy of a request.
func (c *Controller) Get(id string) (domain.Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.requests[id]
	return r, ok
}

// Snapshot returns the requests in server list order.
func (c *Controller) Snapshot() []domain.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Request, 0, len(c.order))
	for _, id := range c.order {
		if r, ok := c.requests[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Updating reports whether a mutation for id is in flight; the presentation
// layer disables that row's controls while true.
func (c *Controller) Updating(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updating[id]
}

// Detach stops applying results that complete from now on. In-flight calls
// are allowed to finish and be discarded.
func (c *Controller) Detach() {
	c.mu.Lock()
	c.detached = true
	c.mu.Unlock()
}

func (c *Controller) notify() {
	c.mu.Lock()
	detached := c.detached
	fn := c.OnChange
	c.mu.Unlock()
	if fn != nil && !detached {
		fn()
	}
}

// newerThan compares RFC3339 timestamps, treating unparsable values as old.
func newerThan(a, b string) bool {
	ta, errA := time.Parse(time.RFC3339, a)
	tb, errB := time.Parse(time.RFC3339, b)
	if errA != nil || errB != nil {
		return false
	}
	return ta.After(tb)
}
