package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"argus/core"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// EventArchive is the durable append/query collaborator behind the event store.
// The engine never depends on a particular storage technology.
type EventArchive interface {
	Append(ctx context.Context, event core.Event) error
	Query(ctx context.Context, filter core.EventFilter) ([]core.Event, error)
	Recent(ctx context.Context, limit int) ([]core.Event, error)
	Close() error
}

// SQLiteArchive keeps an append-only copy of ingested events in SQLite
type SQLiteArchive struct {
	db     *sql.DB
	path   string
	logger *zap.SugaredLogger

	mu     sync.RWMutex
	closed bool
}

// configureSQLiteConnection sets up WAL mode and busy timeout
func configureSQLiteConnection(db *sql.DB, logger *zap.SugaredLogger, dbPath string) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set busy timeout to prevent immediate SQLITE_BUSY errors
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	// In-memory databases use "memory" journal mode, not "wal"
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	if dbPath != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got: %s, expected: wal)", journalMode)
	}
	logger.Infof("SQLite archive: journal mode verified: %s", journalMode)
	return nil
}

// NewSQLiteArchive opens (or creates) the archive database at dbPath
func NewSQLiteArchive(dbPath string, logger *zap.SugaredLogger) (*SQLiteArchive, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if err := validateDatabasePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	dir := filepath.Dir(dbPath)
	if dbPath != ":memory:" && dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// Single connection: WAL single writer, and keeps an in-memory database alive
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := configureSQLiteConnection(db, logger, dbPath); err != nil {
		_ = db.Close()
		return nil, err
	}

	a := &SQLiteArchive{db: db, path: dbPath, logger: logger}
	if err := a.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Infof("SQLite event archive initialized at %s", dbPath)
	return a, nil
}

func (a *SQLiteArchive) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		ts INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		ip_address TEXT,
		user_id TEXT,
		payload BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
	CREATE INDEX IF NOT EXISTS idx_events_ip ON events(ip_address);
	CREATE INDEX IF NOT EXISTS idx_events_user ON events(user_id);
	`
	_, err := a.db.Exec(schema)
	return err
}

// Append stores one event. Re-appending an id already archived is ignored.
func (a *SQLiteArchive) Append(ctx context.Context, event core.Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrArchiveClosed
	}

	payload, err := msgpack.Marshal(&event)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", event.ID, err)
	}

	_, err = a.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (id, ts, event_type, severity, ip_address, user_id, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Timestamp.UnixNano(), event.EventType, string(event.Severity),
		event.IPAddress, event.UserID, payload)
	if err != nil {
		return fmt.Errorf("failed to archive event %s: %w", event.ID, err)
	}
	return nil
}

// Query returns archived events matching the filter in append order
func (a *SQLiteArchive) Query(ctx context.Context, filter core.EventFilter) ([]core.Event, error) {
	var (
		where []string
		args  []interface{}
	)
	if !filter.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, filter.Since.UnixNano())
	}
	if !filter.Until.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, filter.Until.UnixNano())
	}
	if filter.EventType != "" {
		where = append(where, "LOWER(event_type) = LOWER(?)")
		args = append(args, filter.EventType)
	}
	switch {
	case filter.MatchAny && filter.IPAddress != "" && filter.UserID != "":
		where = append(where, "(ip_address = ? OR user_id = ?)")
		args = append(args, filter.IPAddress, filter.UserID)
	default:
		if filter.IPAddress != "" {
			where = append(where, "ip_address = ?")
			args = append(args, filter.IPAddress)
		}
		if filter.UserID != "" {
			where = append(where, "user_id = ?")
			args = append(args, filter.UserID)
		}
	}

	query := "SELECT payload FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if filter.Limit > 0 {
		query = fmt.Sprintf("SELECT payload FROM (%s ORDER BY seq DESC LIMIT %d) ORDER BY seq ASC",
			strings.Replace(query, "SELECT payload", "SELECT seq, payload", 1), filter.Limit)
	} else {
		query += " ORDER BY seq ASC"
	}

	return a.scan(ctx, query, args...)
}

// Recent returns the newest limit archived events in append order
func (a *SQLiteArchive) Recent(ctx context.Context, limit int) ([]core.Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	return a.Query(ctx, core.EventFilter{Limit: limit})
}

func (a *SQLiteArchive) scan(ctx context.Context, query string, args ...interface{}) ([]core.Event, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil, ErrArchiveClosed
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query archive: %w", err)
	}
	defer rows.Close()

	var events []core.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan archived event: %w", err)
		}
		var e core.Event
		if err := msgpack.Unmarshal(payload, &e); err != nil {
			a.logger.Warnw("Skipping undecodable archived event", "error", err)
			continue
		}
		e.Timestamp = e.Timestamp.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close closes the database. Further calls return ErrArchiveClosed.
func (a *SQLiteArchive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.db.Close()
}

// validateDatabasePath rejects traversal and oversized paths
func validateDatabasePath(dbPath string) error {
	if dbPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if dbPath == ":memory:" {
		return nil
	}
	if len(dbPath) > 512 {
		return fmt.Errorf("database path exceeds maximum length of 512 characters")
	}
	if strings.Contains(dbPath, "..") {
		return fmt.Errorf("path traversal not allowed (..): %s", dbPath)
	}
	if strings.Contains(dbPath, "\x00") {
		return fmt.Errorf("null bytes not allowed in path")
	}
	return nil
}

// archiveWarmStartTimeout bounds the startup read used to warm the event store
const archiveWarmStartTimeout = 10 * time.Second

// WarmStart loads up to limit of the newest archived events into the store
// without re-archiving them. A limit outside (0, capacity] uses the capacity.
func WarmStart(store *EventStore, archive EventArchive, limit int) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), archiveWarmStartTimeout)
	defer cancel()

	if limit <= 0 || limit > store.Capacity() {
		limit = store.Capacity()
	}
	events, err := archive.Recent(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to read archive: %w", err)
	}
	return store.Restore(events), nil
}
