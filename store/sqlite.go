package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	durable "github.com/goliatone/go-durable"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS instances (
	id         TEXT PRIMARY KEY,
	input      BLOB,
	status     TEXT NOT NULL,
	result     BLOB,
	failure    TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS history (
	instance_id TEXT    NOT NULL REFERENCES instances(id) ON DELETE CASCADE,
	sequence    INTEGER NOT NULL,
	type        TEXT    NOT NULL,
	task_id     INTEGER NOT NULL DEFAULT 0,
	name        TEXT    NOT NULL DEFAULT '',
	payload     BLOB,
	error       TEXT    NOT NULL DEFAULT '',
	fire_at     TEXT    NOT NULL DEFAULT '',
	timestamp   TEXT    NOT NULL,
	PRIMARY KEY (instance_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);

CREATE TABLE IF NOT EXISTS ledger (
	key        TEXT PRIMARY KEY,
	value      BLOB,
	created_at TEXT NOT NULL
);
`

// SQLiteConfig holds SQLite store configuration.
type SQLiteConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLiteStore is the durable ExecutionStore. One database holds every
// instance log, the status projection and the idempotency ledger; the
// schema is created on open and is versioned together with the replay
// logic, so there is no migration path across versions.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at cfg.Path, enables
// WAL mode and applies the schema.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// modernc.org/sqlite only understands _txlock and _pragma= query
	// params; the mattn-style _journal_mode form is silently ignored.
	dsn := fmt.Sprintf("%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *SQLiteStore) CreateInstance(ctx context.Context, id string, input json.RawMessage) (*durable.Instance, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin create instance: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanInstance(tx.QueryRowContext(ctx,
		`SELECT id, input, status, result, failure, created_at, updated_at FROM instances WHERE id = ?`, id))
	if err != nil && err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("load instance %s: %w", id, err)
	}
	if err == nil {
		if existing.Active() {
			return existing, false, nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id); err != nil {
			return nil, false, fmt.Errorf("discard terminal instance %s: %w", id, err)
		}
	}

	now := s.now()
	inst := &durable.Instance{
		ID:        id,
		Input:     append(json.RawMessage(nil), input...),
		Status:    durable.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO instances (id, input, status, failure, created_at, updated_at) VALUES (?, ?, ?, '', ?, ?)`,
		id, []byte(inst.Input), string(inst.Status), formatTime(now), formatTime(now)); err != nil {
		return nil, false, fmt.Errorf("insert instance %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit create instance: %w", err)
	}
	return inst, true, nil
}

func (s *SQLiteStore) AppendEvents(ctx context.Context, id string, events ...durable.Event) ([]durable.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM instances WHERE id = ?`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check instance %s: %w", id, err)
	}
	if exists == 0 {
		return nil, durable.ErrInstanceNotFound
	}

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM history WHERE instance_id = ?`, id).Scan(&next); err != nil {
		return nil, fmt.Errorf("next sequence for %s: %w", id, err)
	}

	now := s.now()
	stamped := make([]durable.Event, 0, len(events))
	for _, ev := range events {
		next++
		ev.Sequence = next
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO history (instance_id, sequence, type, task_id, name, payload, error, fire_at, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, ev.Sequence, string(ev.Type), ev.TaskID, ev.Name, []byte(ev.Payload), ev.Error,
			formatOptionalTime(ev.FireAt), formatTime(ev.Timestamp)); err != nil {
			return nil, fmt.Errorf("append event %s/%d: %w", id, ev.Sequence, err)
		}
		stamped = append(stamped, ev)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return stamped, nil
}

func (s *SQLiteStore) History(ctx context.Context, id string) ([]durable.Event, error) {
	if _, err := s.Instance(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, type, task_id, name, payload, error, fire_at, timestamp
		 FROM history WHERE instance_id = ? ORDER BY sequence ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", id, err)
	}
	defer rows.Close()

	var history []durable.Event
	for rows.Next() {
		var (
			ev      durable.Event
			evType  string
			payload []byte
			fireAt  string
			stamp   string
		)
		if err := rows.Scan(&ev.Sequence, &evType, &ev.TaskID, &ev.Name, &payload, &ev.Error, &fireAt, &stamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = durable.EventType(evType)
		ev.Payload = payload
		if ev.FireAt, err = parseOptionalTime(fireAt); err != nil {
			return nil, fmt.Errorf("parse fire_at: %w", err)
		}
		if ev.Timestamp, err = time.Parse(time.RFC3339Nano, stamp); err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		history = append(history, ev)
	}
	return history, rows.Err()
}

func (s *SQLiteStore) Instance(ctx context.Context, id string) (*durable.Instance, error) {
	inst, err := scanInstance(s.db.QueryRowContext(ctx,
		`SELECT id, input, status, result, failure, created_at, updated_at FROM instances WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, durable.ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load instance %s: %w", id, err)
	}
	return inst, nil
}

func (s *SQLiteStore) SetStatus(ctx context.Context, id string, status durable.Status, result json.RawMessage, failure string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET status = ?, result = ?, failure = ?, updated_at = ? WHERE id = ?`,
		string(status), []byte(result), failure, formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("update status %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return durable.ErrInstanceNotFound
	}
	return nil
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, status durable.Status) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM instances WHERE status = ?`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list by status: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) PurgeTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM instances WHERE status IN (?, ?, ?) AND updated_at < ?`,
		string(durable.StatusCompleted), string(durable.StatusFailed), string(durable.StatusTerminated),
		formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge terminal instances: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ledger exposes the idempotency ledger backed by the same database.
func (s *SQLiteStore) Ledger() Ledger {
	return &sqliteLedger{store: s}
}

type sqliteLedger struct {
	store *SQLiteStore
}

func (l *sqliteLedger) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	res, err := l.store.db.ExecContext(ctx,
		`INSERT INTO ledger (key, value, created_at) VALUES (?, ?, ?) ON CONFLICT(key) DO NOTHING`,
		key, value, formatTime(l.store.now()))
	if err != nil {
		return false, fmt.Errorf("ledger put %s: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (l *sqliteLedger) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := l.store.db.QueryRowContext(ctx, `SELECT value FROM ledger WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("ledger get %s: %w", key, err)
	}
	return value, true, nil
}

func (l *sqliteLedger) Delete(ctx context.Context, key string) error {
	if _, err := l.store.db.ExecContext(ctx, `DELETE FROM ledger WHERE key = ?`, key); err != nil {
		return fmt.Errorf("ledger delete %s: %w", key, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*durable.Instance, error) {
	var (
		inst    durable.Instance
		status  string
		input   []byte
		result  []byte
		created string
		updated string
	)
	if err := row.Scan(&inst.ID, &input, &status, &result, &inst.Failure, &created, &updated); err != nil {
		return nil, err
	}
	inst.Status = durable.Status(status)
	inst.Input = input
	inst.Result = result

	var err error
	if inst.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if inst.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &inst, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatOptionalTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return formatTime(t)
}

func parseOptionalTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
