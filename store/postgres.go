package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is the production Store implementation, backed by a
// PostgreSQL database shared across engine processes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to the database at databaseURL, verifies the
// connection, and runs the schema migration.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id  TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			state      JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (thread_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS review_checkpoints (
			checkpoint_id   TEXT PRIMARY KEY,
			thread_id       TEXT NOT NULL,
			checkpoint_type TEXT NOT NULL,
			status          TEXT NOT NULL,
			recommendations JSONB NOT NULL,
			data            JSONB NOT NULL,
			feedback        TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMPTZ NOT NULL,
			timeout_at      TIMESTAMPTZ,
			resolved_at     TIMESTAMPTZ
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

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Save(ctx context.Context, threadID string, state json.RawMessage) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int
	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM checkpoints WHERE thread_id = $1`, threadID)
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, seq, state, created_at) VALUES ($1, $2, $3, $4)`,
		threadID, seq, []byte(state), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return seq, nil
}

func (s *PostgresStore) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT thread_id, seq, state, created_at FROM checkpoints
		 WHERE thread_id = $1 ORDER BY seq DESC LIMIT 1`, threadID)
	return s.scanCheckpoint(row)
}

func (s *PostgresStore) LoadAt(ctx context.Context, threadID string, seq int) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT thread_id, seq, state, created_at FROM checkpoints
		 WHERE thread_id = $1 AND seq = $2`, threadID, seq)
	return s.scanCheckpoint(row)
}

func (s *PostgresStore) scanCheckpoint(row *sql.Row) (*Checkpoint, error) {
	var cp Checkpoint
	var state []byte
	err := row.Scan(&cp.ThreadID, &cp.Seq, &state, &cp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	cp.State = json.RawMessage(state)
	return &cp, nil
}

func (s *PostgresStore) CreateReview(ctx context.Context, record *ReviewRecord) error {
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
		timeoutAt = record.TimeoutAt.UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO review_checkpoints
		 (checkpoint_id, thread_id, checkpoint_type, status, recommendations, data, created_at, timeout_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.CheckpointID, record.ThreadID, record.CheckpointType, record.Status,
		recommendations, data, record.CreatedAt.UTC(), timeoutAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicatePending
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) GetReview(ctx context.Context, checkpointID string) (*ReviewRecord, error) {
	records, err := s.queryReviews(ctx, `WHERE checkpoint_id = $1`, checkpointID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records[0], nil
}

func (s *PostgresStore) ResolveReview(ctx context.Context, checkpointID, status, feedback string, resolvedAt time.Time) (*ReviewRecord, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE review_checkpoints SET status = $1, feedback = $2, resolved_at = $3
		 WHERE checkpoint_id = $4 AND status = 'pending'`,
		status, feedback, resolvedAt.UTC(), checkpointID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if affected == 0 {
		if _, err := s.GetReview(ctx, checkpointID); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyResolved
	}
	return s.GetReview(ctx, checkpointID)
}

func (s *PostgresStore) PendingReview(ctx context.Context, threadID string) (*ReviewRecord, error) {
	records, err := s.queryReviews(ctx, `WHERE thread_id = $1 AND status = 'pending'`, threadID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records[0], nil
}

func (s *PostgresStore) ExpiredReviews(ctx context.Context, now time.Time) ([]*ReviewRecord, error) {
	return s.queryReviews(ctx,
		`WHERE status = 'pending' AND timeout_at IS NOT NULL AND timeout_at < $1`, now.UTC())
}

func (s *PostgresStore) queryReviews(ctx context.Context, where string, args ...any) ([]*ReviewRecord, error) {
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
		var recommendations, data []byte
		var timeoutAt, resolvedAt sql.NullTime
		if err := rows.Scan(&r.CheckpointID, &r.ThreadID, &r.CheckpointType, &r.Status,
			&recommendations, &data, &r.Feedback, &r.CreatedAt, &timeoutAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if err := json.Unmarshal(recommendations, &r.Recommendations); err != nil {
			return nil, fmt.Errorf("failed to unmarshal recommendations: %w", err)
		}
		if err := json.Unmarshal(data, &r.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkpoint data: %w", err)
		}
		if timeoutAt.Valid {
			r.TimeoutAt = timeoutAt.Time
		}
		if resolvedAt.Valid {
			r.ResolvedAt = resolvedAt.Time
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}
