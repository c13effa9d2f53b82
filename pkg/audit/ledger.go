// Package audit persists the relay's session lifecycle events to SQLite.
//
// Only event metadata is stored (kind, acting user, unresolved recipient,
// time). Message bodies and file payloads never reach the ledger.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/chatrelay/pkg/event"
)

const dbTimeLayout = "2006-01-02 15:04:05.000000"

// Ledger is an event.Sink backed by a SQLite database.
type Ledger struct {
	db  *sql.DB
	log *slog.Logger
}

// Compile-time check: *Ledger is an event sink.
var _ event.Sink = (*Ledger)(nil)

// Open opens (or creates) the ledger database at path and runs migrations.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open DB: %w", err)
	}
	// Sessions emit concurrently; a single writer connection avoids
	// "database is locked" without a retry loop.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: set WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: set busy_timeout: %w", err)
	}

	l := &Ledger{db: db, log: slog.Default().With("component", "audit")}
	if err := l.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return l, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) migrate(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	var count int
	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := l.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("init schema_migrations: %w", err)
		}
	}
	var version int
	if err := l.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	migrations := []struct {
		version    int
		statements []string
	}{
		{
			version: 1,
			statements: []string{
				`CREATE TABLE IF NOT EXISTS events (
					id       INTEGER PRIMARY KEY AUTOINCREMENT,
					kind     TEXT NOT NULL,
					username TEXT NOT NULL DEFAULT '',
					target   TEXT NOT NULL DEFAULT '',
					at       TEXT NOT NULL
				)`,
				"CREATE INDEX IF NOT EXISTS idx_events_username ON events(username)",
			},
		},
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := l.db.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		if _, err := l.db.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", m.version); err != nil {
			return fmt.Errorf("update schema version: %w", err)
		}
	}
	return nil
}

// Emit records an event. Failures are logged and otherwise ignored so a
// broken ledger never affects routing.
func (l *Ledger) Emit(e event.Event) {
	if err := l.Record(context.Background(), e); err != nil {
		l.log.Error("record event failed", "event", e.String(), "err", err)
	}
}

// Record inserts one event.
func (l *Ledger) Record(ctx context.Context, e event.Event) error {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		"INSERT INTO events (kind, username, target, at) VALUES (?, ?, ?, ?)",
		e.Kind.String(), e.User, e.Target, at.UTC().Format(dbTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, oldest first, of the most recent ones
// recorded. A non-positive limit returns everything.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]event.Event, error) {
	query := "SELECT kind, username, target, at FROM (SELECT id, kind, username, target, at FROM events ORDER BY id DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	query += ") ORDER BY id ASC"

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []event.Event
	for rows.Next() {
		var kind, user, target, at string
		if err := rows.Scan(&kind, &user, &target, &at); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		k, ok := event.ParseKind(kind)
		if !ok {
			return nil, fmt.Errorf("audit: unknown event kind %q", kind)
		}
		ts, err := time.ParseInLocation(dbTimeLayout, at, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("audit: parse time: %w", err)
		}
		out = append(out, event.Event{Kind: k, User: user, Target: target, At: ts})
	}
	return out, rows.Err()
}

// CountByUser returns how many events of kind were recorded for username.
func (l *Ledger) CountByUser(ctx context.Context, kind event.Kind, username string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE kind = ? AND username = ?",
		kind.String(), username,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("audit: count events: %w", err)
	}
	return n, nil
}
