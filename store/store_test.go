package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// runStoreContract exercises the Store contract shared by all backends.
func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("load latest on unknown thread", func(t *testing.T) {
		_, err := s.LoadLatest(ctx, "thr_missing")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("sequence numbers are monotonic from zero", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			seq, err := s.Save(ctx, "thr_a", json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
			require.NoError(t, err)
			require.Equal(t, i, seq)
		}

		latest, err := s.LoadLatest(ctx, "thr_a")
		require.NoError(t, err)
		require.Equal(t, 4, latest.Seq)
		require.JSONEq(t, `{"n":4}`, string(latest.State))
	})

	t.Run("sequences are independent per thread", func(t *testing.T) {
		seq, err := s.Save(ctx, "thr_b", json.RawMessage(`{}`))
		require.NoError(t, err)
		require.Equal(t, 0, seq)
	})

	t.Run("load at sequence", func(t *testing.T) {
		cp, err := s.LoadAt(ctx, "thr_a", 2)
		require.NoError(t, err)
		require.JSONEq(t, `{"n":2}`, string(cp.State))

		_, err = s.LoadAt(ctx, "thr_a", 99)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("at most one pending review per thread", func(t *testing.T) {
		record := &ReviewRecord{
			CheckpointID:    "hitl_1",
			ThreadID:        "thr_a",
			CheckpointType:  "mesh_approval",
			Status:          ReviewPending,
			Recommendations: []string{"Consider mesh refinement for better quality"},
			Data:            map[string]any{"predicted_quality_score": 0.72},
			CreatedAt:       time.Now().UTC(),
		}
		require.NoError(t, s.CreateReview(ctx, record))

		dup := record.Copy()
		dup.CheckpointID = "hitl_2"
		require.ErrorIs(t, s.CreateReview(ctx, dup), ErrDuplicatePending)

		// A different thread is unaffected.
		other := record.Copy()
		other.CheckpointID = "hitl_3"
		other.ThreadID = "thr_b"
		require.NoError(t, s.CreateReview(ctx, other))
	})

	t.Run("pending lookup by thread", func(t *testing.T) {
		pending, err := s.PendingReview(ctx, "thr_a")
		require.NoError(t, err)
		require.Equal(t, "hitl_1", pending.CheckpointID)
		require.Equal(t, []string{"Consider mesh refinement for better quality"}, pending.Recommendations)

		_, err = s.PendingReview(ctx, "thr_missing")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("resolve review", func(t *testing.T) {
		resolved, err := s.ResolveReview(ctx, "hitl_1", ReviewApproved, "looks good", time.Now().UTC())
		require.NoError(t, err)
		require.Equal(t, ReviewApproved, resolved.Status)
		require.Equal(t, "looks good", resolved.Feedback)
		require.Equal(t, "thr_a", resolved.ThreadID)
		require.False(t, resolved.ResolvedAt.IsZero())

		_, err = s.ResolveReview(ctx, "hitl_1", ReviewRejected, "", time.Now().UTC())
		require.ErrorIs(t, err, ErrAlreadyResolved)

		_, err = s.ResolveReview(ctx, "hitl_missing", ReviewApproved, "", time.Now().UTC())
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("pending clears after resolution", func(t *testing.T) {
		_, err := s.PendingReview(ctx, "thr_a")
		require.ErrorIs(t, err, ErrNotFound)

		// A new pending review may now be created for the thread.
		require.NoError(t, s.CreateReview(ctx, &ReviewRecord{
			CheckpointID:   "hitl_4",
			ThreadID:       "thr_a",
			CheckpointType: "geometry_review",
			Status:         ReviewPending,
			Data:           map[string]any{},
			CreatedAt:      time.Now().UTC(),
		}))
	})

	t.Run("expired reviews", func(t *testing.T) {
		require.NoError(t, s.CreateReview(ctx, &ReviewRecord{
			CheckpointID:   "hitl_expired",
			ThreadID:       "thr_c",
			CheckpointType: "mesh_approval",
			Status:         ReviewPending,
			Data:           map[string]any{},
			CreatedAt:      time.Now().UTC().Add(-2 * time.Hour),
			TimeoutAt:      time.Now().UTC().Add(-time.Hour),
		}))

		expired, err := s.ExpiredReviews(ctx, time.Now().UTC())
		require.NoError(t, err)
		ids := make([]string, 0, len(expired))
		for _, r := range expired {
			ids = append(ids, r.CheckpointID)
		}
		require.Contains(t, ids, "hitl_expired")
		// Records without a timeout never expire.
		require.NotContains(t, ids, "hitl_4")
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()
	runStoreContract(t, s)
}

func TestSQLiteStoreFile(t *testing.T) {
	path := t.TempDir() + "/checkpoints.db"
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)

	ctx := context.Background()
	seq, err := s.Save(ctx, "thr_persist", json.RawMessage(`{"step":"geometry_processing"}`))
	require.NoError(t, err)
	require.Equal(t, 0, seq)
	require.NoError(t, s.Close())

	// Reopen and confirm the checkpoint survived.
	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	cp, err := s.LoadLatest(ctx, "thr_persist")
	require.NoError(t, err)
	require.JSONEq(t, `{"step":"geometry_processing"}`, string(cp.State))
}
