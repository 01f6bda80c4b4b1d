package activity

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Writer appends audit entries inside the caller's transaction so the
// entry and the change it records commit together.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, requestID, action, detail, actorEmail string) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO activities(id,request_id,action,detail,actor_email,created_at) VALUES (?,?,?,?,?,?)`,
		uuid.New().String(), requestID, action, nullable(detail), actorEmail, ts)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
