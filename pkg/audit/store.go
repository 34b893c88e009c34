// Package audit persists the event stream to PostgreSQL so conversations
// can be replayed and inspected after the fact. The store is optional: a
// nil *Store accepts writes and drops them.
package audit

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// Entry is one persisted event.
type Entry struct {
	ID        int64
	SessionID string
	EventType string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Store writes audit entries to PostgreSQL.
type Store struct {
	db *stdsql.DB
}

// Open connects to databaseURL, applies pending migrations and returns the
// store. The URL is a pgx-compatible DSN or postgres:// URL.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := stdsql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying connection for health checks.
func (s *Store) DB() *stdsql.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// Record persists one event. A nil store drops the entry silently.
func (s *Store) Record(ctx context.Context, sessionID, eventType string, payload any) error {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (session_id, event_type, payload) VALUES ($1, $2, $3)`,
		sessionID, eventType, data)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// ListBySession returns the session's entries oldest first, capped at limit.
func (s *Store) ListBySession(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, payload, created_at
		 FROM audit_log WHERE session_id = $1 ORDER BY id ASC LIMIT $2`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeOlderThan deletes entries older than the given age, returning the
// count removed.
func (s *Store) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	if s == nil {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_log WHERE created_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int64(age.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("failed to purge old entries: %w", err)
	}
	return res.RowsAffected()
}

// PurgeSession deletes the session's entries, returning the count removed.
func (s *Store) PurgeSession(ctx context.Context, sessionID string) (int64, error) {
	if s == nil {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to purge session: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// runMigrations applies the embedded migrations. The migration source is
// closed separately: m.Close() would also close the shared *sql.DB.
func runMigrations(db *stdsql.DB) error {
	if ok, err := hasEmbeddedMigrations(); err != nil {
		return err
	} else if !ok {
		return errors.New("no embedded migration files found")
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "audit", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() && len(name) > 4 && name[len(name)-4:] == ".sql" {
			return true, nil
		}
	}
	return false, nil
}
