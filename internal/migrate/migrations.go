package migrate

import (
	"database/sql"
	"fmt"
	"sort"
)

type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

var migrations = []Migration{
	{
		Version: 1,
		Name:    "001_initial",
		UpSQL: `
CREATE TABLE IF NOT EXISTS users(
    uid        TEXT PRIMARY KEY,
    email      TEXT NOT NULL UNIQUE,
    role       TEXT NOT NULL DEFAULT 'USER',
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS requests(
    id          TEXT PRIMARY KEY,
    title       TEXT NOT NULL,
    description TEXT,
    status      TEXT NOT NULL,
    priority    TEXT NOT NULL,
    owner_email TEXT NOT NULL,
    assigned_to TEXT,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_owner ON requests(owner_email, status);
CREATE INDEX IF NOT EXISTS idx_requests_created ON requests(created_at);
`,
	},
	{
		Version: 2,
		Name:    "002_activities",
		UpSQL: `
CREATE TABLE IF NOT EXISTS activities(
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    id          TEXT NOT NULL UNIQUE,
    request_id  TEXT NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
    action      TEXT NOT NULL,
    detail      TEXT,
    actor_email TEXT NOT NULL,
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activities_request ON activities(request_id, seq);
`,
	},
}

// Migrate applies migrations in order, tracking the applied version in
// schema_version.
func Migrate(db *sql.DB) error {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return err
	}
	var current int
	row := tx.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return err
	}
	for _, m := range sorted {
		if m.Version <= current {
			continue
		}
		if _, err := tx.Exec(m.UpSQL); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (?)`, m.Version); err != nil {
			return err
		}
	}
	return tx.Commit()
}
