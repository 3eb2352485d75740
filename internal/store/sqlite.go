package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/swiftshield-sync/internal/events"
)

//go:embed schema.sql
var schemaSQL string

// SQLite is the on-disk store: key-value state, the detection log and per-provider sync status.
type SQLite struct {
	DB *sql.DB
}

// StoredEvent is one row of the detection log.
type StoredEvent struct {
	ID        int64           `json:"id"`
	EventID   string          `json:"event_id"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// SyncStatus is the outcome of the last sync cycle for a provider.
type SyncStatus struct {
	Provider     string    `json:"provider"`
	Cursor       string    `json:"cursor"`
	LastSyncedAt time.Time `json:"last_synced_at"`
	Status       string    `json:"status"`
	LastError    string    `json:"last_error,omitempty"`
	RetryCount   int       `json:"retry_count"`
}

// OpenSQLite opens or creates the database at dbPath. driver is "sqlite" (pure Go)
// or "sqlite3" (cgo).
func OpenSQLite(driver, dbPath string) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	var dsn string
	switch driver {
	case "sqlite":
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	case "sqlite3":
		dsn = "file:" + dbPath + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLite{DB: db}, nil
}

// mattn's driver runs only the first statement of a multi-statement Exec.
func applySchema(db *sql.DB) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.DB.Close()
}

func (s *SQLite) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLite) Set(ctx context.Context, key, value string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, keys ...string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, k); err != nil {
			return fmt.Errorf("failed to delete %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// Record appends an emitted event to the detection log. Replays of the same event id are ignored.
func (s *SQLite) Record(evt events.Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	_, err = s.DB.Exec(`
		INSERT OR IGNORE INTO detection_events (event_id, name, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, evt.ID, evt.Name, string(payload), evt.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	return nil
}

// ListEvents returns the newest events first, optionally filtered by name.
func (s *SQLite) ListEvents(ctx context.Context, name string, limit int) ([]StoredEvent, error) {
	query := "SELECT id, event_id, name, payload, created_at FROM detection_events"
	args := []interface{}{}

	if name != "" {
		query += " WHERE name = ?"
		args = append(args, name)
	}

	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	out := []StoredEvent{}
	for rows.Next() {
		var (
			evt     StoredEvent
			payload string
			created int64
		)
		if err := rows.Scan(&evt.ID, &evt.EventID, &evt.Name, &payload, &created); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		evt.Payload = json.RawMessage(payload)
		evt.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, evt)
	}
	return out, rows.Err()
}

// SaveSyncStatus upserts the outcome of a sync cycle. A non-empty errorMsg bumps the retry count;
// a clean cycle resets it.
func (s *SQLite) SaveSyncStatus(ctx context.Context, provider, cursor, status, errorMsg string) error {
	now := time.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sync_state (provider, cursor, last_synced_at, status, last_error, retry_count, updated_at)
		VALUES (?, ?, ?, ?, ?, CASE WHEN ? != '' THEN 1 ELSE 0 END, ?)
		ON CONFLICT(provider) DO UPDATE SET
			cursor = excluded.cursor,
			last_synced_at = excluded.last_synced_at,
			status = excluded.status,
			last_error = excluded.last_error,
			retry_count = CASE WHEN excluded.last_error != '' THEN sync_state.retry_count + 1 ELSE 0 END,
			updated_at = excluded.updated_at
	`, provider, cursor, now, status, errorMsg, errorMsg, now)
	if err != nil {
		return fmt.Errorf("failed to save sync status: %w", err)
	}
	return nil
}

// LoadSyncStatus returns nil when no cycle has completed yet.
func (s *SQLite) LoadSyncStatus(ctx context.Context, provider string) (*SyncStatus, error) {
	var (
		st        SyncStatus
		cursor    sql.NullString
		lastError sql.NullString
		synced    sql.NullInt64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT provider, cursor, last_synced_at, status, last_error, retry_count
		FROM sync_state WHERE provider = ?
	`, provider).Scan(&st.Provider, &cursor, &synced, &st.Status, &lastError, &st.RetryCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load sync status: %w", err)
	}
	st.Cursor = cursor.String
	st.LastError = lastError.String
	if synced.Valid {
		st.LastSyncedAt = time.Unix(synced.Int64, 0).UTC()
	}
	return &st, nil
}
