package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-process development.
// Data is lost when the process exits. Safe for concurrent use.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string][]*Checkpoint // threadID -> ordered by seq
	reviews     map[string]*ReviewRecord // checkpointID -> record
	pending     map[string]string        // threadID -> pending checkpointID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string][]*Checkpoint),
		reviews:     make(map[string]*ReviewRecord),
		pending:     make(map[string]string),
	}
}

func (s *MemoryStore) Save(ctx context.Context, threadID string, state json.RawMessage) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := len(s.checkpoints[threadID])
	snapshot := make(json.RawMessage, len(state))
	copy(snapshot, state)

	s.checkpoints[threadID] = append(s.checkpoints[threadID], &Checkpoint{
		ThreadID:  threadID,
		Seq:       seq,
		State:     snapshot,
		CreatedAt: time.Now().UTC(),
	})
	return seq, nil
}

func (s *MemoryStore) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.checkpoints[threadID]
	if len(history) == 0 {
		return nil, ErrNotFound
	}
	return history[len(history)-1], nil
}

func (s *MemoryStore) LoadAt(ctx context.Context, threadID string, seq int) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.checkpoints[threadID]
	if seq < 0 || seq >= len(history) {
		return nil, ErrNotFound
	}
	return history[seq], nil
}

func (s *MemoryStore) CreateReview(ctx context.Context, record *ReviewRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pending[record.ThreadID]; exists {
		return ErrDuplicatePending
	}
	s.reviews[record.CheckpointID] = record.Copy()
	s.pending[record.ThreadID] = record.CheckpointID
	return nil
}

func (s *MemoryStore) GetReview(ctx context.Context, checkpointID string) (*ReviewRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.reviews[checkpointID]
	if !ok {
		return nil, ErrNotFound
	}
	return record.Copy(), nil
}

func (s *MemoryStore) ResolveReview(ctx context.Context, checkpointID, status, feedback string, resolvedAt time.Time) (*ReviewRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.reviews[checkpointID]
	if !ok {
		return nil, ErrNotFound
	}
	if record.Status != ReviewPending {
		return nil, ErrAlreadyResolved
	}
	record.Status = status
	record.Feedback = feedback
	record.ResolvedAt = resolvedAt
	delete(s.pending, record.ThreadID)
	return record.Copy(), nil
}

func (s *MemoryStore) PendingReview(ctx context.Context, threadID string) (*ReviewRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	checkpointID, ok := s.pending[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.reviews[checkpointID].Copy(), nil
}

func (s *MemoryStore) ExpiredReviews(ctx context.Context, now time.Time) ([]*ReviewRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []*ReviewRecord
	for _, checkpointID := range s.pending {
		record := s.reviews[checkpointID]
		if !record.TimeoutAt.IsZero() && now.After(record.TimeoutAt) {
			expired = append(expired, record.Copy())
		}
	}
	return expired, nil
}
