package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file Store implementation for development and
// single-process deployments. It uses WAL mode for concurrent reads and wraps
// every checkpoint append in a transaction so a failed save is never visible.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and runs the schema
// migration. Use ":memory:" for an ephemeral database in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// One writer at a time; keep the connection open.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to configure sqlite: %w", err)
		}
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id  TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			state      TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (thread_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS review_checkpoints (
			checkpoint_id   TEXT PRIMARY KEY,
			thread_id       TEXT NOT NULL,
			checkpoint_type TEXT NOT NULL,
			status          TEXT NOT NULL,
			recommendations TEXT NOT NULL,
			data            TEXT NOT NULL,
			feedback        TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL,
			timeout_at      TEXT,
			resolved_at     TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_review_thread ON review_checkpoints(thread_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_review_pending
			ON review_checkpoints(thread_id) WHERE status = 'pending'`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Save(ctx context.Context, threadID string, state json.RawMessage) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int
	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM checkpoints WHERE thread_id = ?`, threadID)
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, seq, state, created_at) VALUES (?, ?, ?, ?)`,
		threadID, seq, string(state), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return seq, nil
}

func (s *SQLiteStore) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT thread_id, seq, state, created_at FROM checkpoints
		 WHERE thread_id = ? ORDER BY seq DESC LIMIT 1`, threadID)
	return scanCheckpoint(row)
}

func (s *SQLiteStore) LoadAt(ctx context.Context, threadID string, seq int) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT thread_id, seq, state, created_at FROM checkpoints
		 WHERE thread_id = ? AND seq = ?`, threadID, seq)
	return scanCheckpoint(row)
}

func scanCheckpoint(row *sql.Row) (*Checkpoint, error) {
	var cp Checkpoint
	var state, createdAt string
	err := row.Scan(&cp.ThreadID, &cp.Seq, &state, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	cp.State = json.RawMessage(state)
	cp.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint timestamp: %w", err)
	}
	return &cp, nil
}

func (s *SQLiteStore) CreateReview(ctx context.Context, record *ReviewRecord) error {
	recommendations, err := json.Marshal(record.Recommendations)
	if err != nil {
		return fmt.Errorf("failed to marshal recommendations: %w", err)
	}
	data, err := json.Marshal(record.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint data: %w", err)
	}

	var timeoutAt any
	if !record.TimeoutAt.IsZero() {
		timeoutAt = record.TimeoutAt.UTC().Format(time.RFC3339Nano)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO review_checkpoints
		 (checkpoint_id, thread_id, checkpoint_type, status, recommendations, data, created_at, timeout_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.CheckpointID, record.ThreadID, record.CheckpointType, record.Status,
		string(recommendations), string(data),
		record.CreatedAt.UTC().Format(time.RFC3339Nano), timeoutAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicatePending
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) GetReview(ctx context.Context, checkpointID string) (*ReviewRecord, error) {
	rows, err := s.queryReviews(ctx, `WHERE checkpoint_id = ?`, checkpointID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

func (s *SQLiteStore) ResolveReview(ctx context.Context, checkpointID, status, feedback string, resolvedAt time.Time) (*ReviewRecord, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE review_checkpoints SET status = ?, feedback = ?, resolved_at = ?
		 WHERE checkpoint_id = ? AND status = 'pending'`,
		status, feedback, resolvedAt.UTC().Format(time.RFC3339Nano), checkpointID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if affected == 0 {
		// Distinguish an unknown ID from an already-resolved record.
		if _, err := s.GetReview(ctx, checkpointID); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyResolved
	}
	return s.GetReview(ctx, checkpointID)
}

func (s *SQLiteStore) PendingReview(ctx context.Context, threadID string) (*ReviewRecord, error) {
	rows, err := s.queryReviews(ctx, `WHERE thread_id = ? AND status = 'pending'`, threadID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

func (s *SQLiteStore) ExpiredReviews(ctx context.Context, now time.Time) ([]*ReviewRecord, error) {
	return s.queryReviews(ctx,
		`WHERE status = 'pending' AND timeout_at IS NOT NULL AND timeout_at < ?`,
		now.UTC().Format(time.RFC3339Nano))
}

func (s *SQLiteStore) queryReviews(ctx context.Context, where string, args ...any) ([]*ReviewRecord, error) {
	query := `SELECT checkpoint_id, thread_id, checkpoint_type, status, recommendations,
	          data, feedback, created_at, timeout_at, resolved_at
	          FROM review_checkpoints ` + where
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var records []*ReviewRecord
	for rows.Next() {
		var r ReviewRecord
		var recommendations, data, createdAt string
		var timeoutAt, resolvedAt sql.NullString
		if err := rows.Scan(&r.CheckpointID, &r.ThreadID, &r.CheckpointType, &r.Status,
			&recommendations, &data, &r.Feedback, &createdAt, &timeoutAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if err := json.Unmarshal([]byte(recommendations), &r.Recommendations); err != nil {
			return nil, fmt.Errorf("failed to unmarshal recommendations: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &r.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkpoint data: %w", err)
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse review timestamp: %w", err)
		}
		if timeoutAt.Valid {
			if r.TimeoutAt, err = time.Parse(time.RFC3339Nano, timeoutAt.String); err != nil {
				return nil, fmt.Errorf("failed to parse review timeout: %w", err)
			}
		}
		if resolvedAt.Valid {
			if r.ResolvedAt, err = time.Parse(time.RFC3339Nano, resolvedAt.String); err != nil {
				return nil, fmt.Errorf("failed to parse review resolution time: %w", err)
			}
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}
