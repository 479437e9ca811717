package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/posrelay/internal/model"
	"github.com/g960059/posrelay/internal/security"
)

// maxErrorText caps stored failure reasons.
const maxErrorText = 1024

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// AppendOperation persists op at the tail of its queue. The row is committed
// before the call returns.
func (s *Store) AppendOperation(ctx context.Context, op model.QueuedOperation) error {
	if strings.TrimSpace(op.ID) == "" {
		return fmt.Errorf("op_id is required")
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO queued_operations(op_id, queue_name, endpoint, method, body, enqueued_at, attempts, last_error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, op.ID, op.Queue, op.Endpoint, strings.ToUpper(op.Method), op.Body, ts(op.EnqueuedAt), op.Attempts, nullableString(op.LastError))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("append operation: %w", err)
	}
	return nil
}

// ListOperations returns the queue's operations in enqueue order.
func (s *Store) ListOperations(ctx context.Context, queue string, limit int) ([]model.QueuedOperation, error) {
	query := `
SELECT op_id, queue_name, endpoint, method, body, enqueued_at, attempts, last_error
FROM queued_operations
WHERE queue_name = ?
ORDER BY seq ASC`
	args := []any{queue}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	out := make([]model.QueuedOperation, 0)
	for rows.Next() {
		var (
			op         model.QueuedOperation
			enqueuedAt string
			lastError  sql.NullString
		)
		if err := rows.Scan(&op.ID, &op.Queue, &op.Endpoint, &op.Method, &op.Body, &enqueuedAt, &op.Attempts, &lastError); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		if op.EnqueuedAt, err = parseTS(enqueuedAt); err != nil {
			return nil, fmt.Errorf("parse enqueued_at: %w", err)
		}
		op.LastError = lastError.String
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter operations: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteOperation(ctx context.Context, opID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queued_operations WHERE op_id = ?`, opID)
	if err != nil {
		return fmt.Errorf("delete operation: %w", err)
	}
	return requireAffected(res, "delete operation")
}

func (s *Store) RecordOperationFailure(ctx context.Context, opID, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE queued_operations
SET attempts = attempts + 1, last_error = ?
WHERE op_id = ?
`, security.RedactForStorage(lastError, maxErrorText), opID)
	if err != nil {
		return fmt.Errorf("record operation failure: %w", err)
	}
	return requireAffected(res, "record operation failure")
}

// RejectOperation moves an operation the counterpart refused as invalid out
// of its queue so it no longer blocks delivery of later operations.
func (s *Store) RejectOperation(ctx context.Context, opID, reason string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reject tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
INSERT INTO rejected_operations(op_id, queue_name, endpoint, method, body, enqueued_at, attempts, reason, rejected_at)
SELECT op_id, queue_name, endpoint, method, body, enqueued_at, attempts + 1, ?, ?
FROM queued_operations
WHERE op_id = ?
`, security.RedactForStorage(reason, maxErrorText), ts(at), opID)
	if err != nil {
		return fmt.Errorf("copy rejected operation: %w", err)
	}
	if err := requireAffected(res, "copy rejected operation"); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queued_operations WHERE op_id = ?`, opID); err != nil {
		return fmt.Errorf("delete rejected operation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reject: %w", err)
	}
	return nil
}

func (s *Store) ListRejected(ctx context.Context, queue string) ([]model.QueuedOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT op_id, queue_name, endpoint, method, body, enqueued_at, attempts, reason
FROM rejected_operations
WHERE queue_name = ?
ORDER BY rejected_at ASC, op_id ASC
`, queue)
	if err != nil {
		return nil, fmt.Errorf("list rejected: %w", err)
	}
	defer rows.Close()

	out := make([]model.QueuedOperation, 0)
	for rows.Next() {
		var (
			op         model.QueuedOperation
			enqueuedAt string
		)
		if err := rows.Scan(&op.ID, &op.Queue, &op.Endpoint, &op.Method, &op.Body, &enqueuedAt, &op.Attempts, &op.LastError); err != nil {
			return nil, fmt.Errorf("scan rejected: %w", err)
		}
		if op.EnqueuedAt, err = parseTS(enqueuedAt); err != nil {
			return nil, fmt.Errorf("parse enqueued_at: %w", err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter rejected: %w", err)
	}
	return out, nil
}

func (s *Store) CountOperations(ctx context.Context, queue string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_operations WHERE queue_name = ?`, queue).Scan(&n); err != nil {
		return 0, fmt.Errorf("count operations: %w", err)
	}
	return n, nil
}

func (s *Store) UpsertSyncRecord(ctx context.Context, rec model.SyncRecord) error {
	if strings.TrimSpace(rec.Worker) == "" || strings.TrimSpace(rec.TargetID) == "" {
		return fmt.Errorf("worker and target_id are required")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sync_targets(worker, target_id, action, payload, state, attempts, last_delay_ms, cooldown_until, last_error, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(worker, target_id) DO UPDATE SET
	action=excluded.action,
	payload=excluded.payload,
	state=excluded.state,
	attempts=excluded.attempts,
	last_delay_ms=excluded.last_delay_ms,
	cooldown_until=excluded.cooldown_until,
	last_error=excluded.last_error,
	updated_at=excluded.updated_at
`, rec.Worker, rec.TargetID, rec.Action, rec.Payload, string(rec.State), rec.Attempts, rec.LastDelay.Milliseconds(), nullableTS(rec.CooldownUntil), nullableString(security.RedactForStorage(rec.LastError, maxErrorText)), ts(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert sync target: %w", err)
	}
	return nil
}

func (s *Store) GetSyncRecord(ctx context.Context, worker, targetID string) (model.SyncRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT worker, target_id, action, payload, state, attempts, last_delay_ms, cooldown_until, last_error, updated_at
FROM sync_targets
WHERE worker = ? AND target_id = ?
`, worker, targetID)
	return scanSyncRecord(row)
}

// ListSyncRecords returns the worker's records, optionally filtered by state,
// oldest update first.
func (s *Store) ListSyncRecords(ctx context.Context, worker string, states ...model.SyncState) ([]model.SyncRecord, error) {
	query := `
SELECT worker, target_id, action, payload, state, attempts, last_delay_ms, cooldown_until, last_error, updated_at
FROM sync_targets
WHERE worker = ?`
	args := []any{worker}
	if len(states) > 0 {
		placeholders := make([]string, 0, len(states))
		for _, st := range states {
			placeholders = append(placeholders, "?")
			args = append(args, string(st))
		}
		query += ` AND state IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY updated_at ASC, target_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sync targets: %w", err)
	}
	defer rows.Close()

	out := make([]model.SyncRecord, 0)
	for rows.Next() {
		rec, err := scanSyncRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter sync targets: %w", err)
	}
	return out, nil
}

// PruneCompleted keeps the newest keep completed records of a worker.
func (s *Store) PruneCompleted(ctx context.Context, worker string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM sync_targets
WHERE worker = ? AND state = 'completed' AND target_id NOT IN (
	SELECT target_id FROM sync_targets
	WHERE worker = ? AND state = 'completed'
	ORDER BY updated_at DESC, target_id DESC
	LIMIT ?
)
`, worker, worker, keep)
	if err != nil {
		return 0, fmt.Errorf("prune completed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune completed rows affected: %w", err)
	}
	return n, nil
}

func scanSyncRecord(scanner interface{ Scan(dest ...any) error }) (model.SyncRecord, error) {
	var (
		rec           model.SyncRecord
		state         string
		lastDelayMs   int64
		cooldownUntil sql.NullString
		lastError     sql.NullString
		updatedAt     string
	)
	if err := scanner.Scan(&rec.Worker, &rec.TargetID, &rec.Action, &rec.Payload, &state, &rec.Attempts, &lastDelayMs, &cooldownUntil, &lastError, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SyncRecord{}, ErrNotFound
		}
		return model.SyncRecord{}, fmt.Errorf("scan sync target: %w", err)
	}
	rec.State = model.SyncState(state)
	rec.LastDelay = time.Duration(lastDelayMs) * time.Millisecond
	rec.LastError = lastError.String
	if cooldownUntil.Valid {
		t, err := parseTS(cooldownUntil.String)
		if err != nil {
			return model.SyncRecord{}, fmt.Errorf("parse cooldown_until: %w", err)
		}
		rec.CooldownUntil = &t
	}
	var err error
	if rec.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.SyncRecord{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return rec, nil
}

func requireAffected(res sql.Result, scope string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", scope, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// tsLayout is fixed width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
