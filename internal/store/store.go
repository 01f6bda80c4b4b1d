package store

import (
	"context"
	"database/sql"
	"errors"

	"helixctl/internal/domain"
	"helixctl/internal/lifecycle"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// User is a provisioned identity known to the tracking service.
type User struct {
	UID       string
	Email     string
	Role      string
	CreatedAt string
}

const requestColumns = `id,title,COALESCE(description,'') AS description,status,priority,owner_email,assigned_to,created_at,updated_at`

func scanRequest(row *sql.Row) (domain.Request, error) {
	var r domain.Request
	var assigned sql.NullString
	err := row.Scan(&r.ID, &r.Title, &r.Description, &r.Status, &r.Priority, &r.OwnerEmail, &assigned, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if assigned.Valid {
		r.AssignedTo = &assigned.String
	}
	return r, err
}

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO requests(id,title,description,status,priority,owner_email,assigned_to,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		req.ID, req.Title, nullable(req.Description), req.Status, req.Priority, req.OwnerEmail, nullableRef(req.AssignedTo), req.CreatedAt, req.UpdatedAt)
	return err
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	return scanRequest(r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id))
}

func (r Repo) listRequests(ctx context.Context, query string, args ...any) ([]domain.Request, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		var req domain.Request
		var assigned sql.NullString
		if err := rows.Scan(&req.ID, &req.Title, &req.Description, &req.Status, &req.Priority, &req.OwnerEmail, &assigned, &req.CreatedAt, &req.UpdatedAt); err != nil {
			return nil, err
		}
		if assigned.Valid {
			req.AssignedTo = &assigned.String
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// ListByOwner returns the owner's requests, newest first.
func (r Repo) ListByOwner(ctx context.Context, ownerEmail string) ([]domain.Request, error) {
	return r.listRequests(ctx, `SELECT `+requestColumns+` FROM requests WHERE owner_email=? ORDER BY created_at DESC, id`, ownerEmail)
}

// ListAll returns every request, newest first.
func (r Repo) ListAll(ctx context.Context) ([]domain.Request, error) {
	return r.listRequests(ctx, `SELECT `+requestColumns+` FROM requests ORDER BY created_at DESC, id`)
}

// UpdateStatusPriority writes status, priority, and updated_at.
func (r Repo) UpdateStatusPriority(ctx context.Context, tx *sql.Tx, id string, status lifecycle.Status, priority lifecycle.Priority, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE requests SET status=?, priority=?, updated_at=? WHERE id=?`,
		status, priority, updatedAt, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// UpdateAssignee writes assigned_to (nil clears it) and updated_at.
func (r Repo) UpdateAssignee(ctx context.Context, tx *sql.Tx, id string, assignee *string, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE requests SET assigned_to=?, updated_at=? WHERE id=?`,
		nullableRef(assignee), updatedAt, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// ListActivities returns a request's audit trail in append order. Ordering
// rides on the autoincrement seq, not created_at: timestamps have second
// precision and mutations can land inside the same second.
func (r Repo) ListActivities(ctx context.Context, requestID string) ([]domain.Activity, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,request_id,action,COALESCE(detail,'') AS detail,actor_email,created_at FROM activities WHERE request_id=? ORDER BY seq`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		var a domain.Activity
		if err := rows.Scan(&a.ID, &a.RequestID, &a.Action, &a.Detail, &a.ActorEmail, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// EnsureUser provisions the identity on first contact and refreshes the
// email if the identity provider reports a new one.
func (r Repo) EnsureUser(ctx context.Context, uid, email, now string) (User, error) {
	u, err := r.GetUser(ctx, uid)
	if err == nil {
		if email != "" && u.Email != email {
			if _, err := r.DB.ExecContext(ctx, `UPDATE users SET email=? WHERE uid=?`, email, uid); err != nil {
				return u, err
			}
			u.Email = email
		}
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return User{}, err
	}
	u = User{UID: uid, Email: email, Role: domain.RoleUser, CreatedAt: now}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO users(uid,email,role,created_at) VALUES (?,?,?,?)`,
		u.UID, u.Email, u.Role, u.CreatedAt)
	return u, err
}

func (r Repo) GetUser(ctx context.Context, uid string) (User, error) {
	var u User
	err := r.DB.QueryRowContext(ctx, `SELECT uid,email,role,created_at FROM users WHERE uid=?`, uid).
		Scan(&u.UID, &u.Email, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

// SetRoleByEmail promotes or demotes a user.
func (r Repo) SetRoleByEmail(ctx context.Context, email, role string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET role=? WHERE email=?`, role, email)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func checkAffected(res sql.Result) error {
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableRef(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
