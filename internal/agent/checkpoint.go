package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ibbo/rowan/internal/domain"
)

// CheckpointStore persists one history per thread. Load of an unknown
// thread returns an empty checkpoint with Version 0. Save replaces the
// stored history and returns the new checkpoint with Version one higher.
type CheckpointStore interface {
	Load(ctx context.Context, threadID string) (domain.Checkpoint, error)
	Save(ctx context.Context, threadID string, h domain.History) (domain.Checkpoint, error)
}

// ThreadStore adds the maintenance operations used by the CLI and gateway.
type ThreadStore interface {
	CheckpointStore
	Delete(ctx context.Context, threadID string) error
	List(ctx context.Context) ([]domain.ThreadSummary, error)
	Prune(ctx context.Context, before time.Time) (int, error)
}

// MemoryCheckpointStore keeps checkpoints in process memory.
type MemoryCheckpointStore struct {
	mu      sync.Mutex
	threads map[string]domain.Checkpoint
	now     func() time.Time
}

// NewMemoryCheckpointStore creates an empty in-memory store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{threads: make(map[string]domain.Checkpoint), now: time.Now}
}

func (s *MemoryCheckpointStore) Load(ctx context.Context, threadID string) (domain.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return domain.Checkpoint{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.threads[threadID]
	if !ok {
		return domain.Checkpoint{ThreadID: threadID, Messages: domain.History{}}, nil
	}
	cp.Messages = cp.Messages.Clone()
	return cp, nil
}

func (s *MemoryCheckpointStore) Save(ctx context.Context, threadID string, h domain.History) (domain.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return domain.Checkpoint{}, err
	}
	if err := domain.ValidateHistory(h); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("%w: %w", domain.ErrCheckpoint, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := domain.Checkpoint{
		ThreadID:  threadID,
		Version:   s.threads[threadID].Version + 1,
		Messages:  h.Clone(),
		UpdatedAt: s.now().UTC(),
	}
	s.threads[threadID] = cp
	cp.Messages = cp.Messages.Clone()
	return cp, nil
}

func (s *MemoryCheckpointStore) Delete(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}

func (s *MemoryCheckpointStore) List(ctx context.Context) ([]domain.ThreadSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ThreadSummary, 0, len(s.threads))
	for _, cp := range s.threads {
		out = append(out, domain.ThreadSummary{
			ThreadID:  cp.ThreadID,
			Version:   cp.Version,
			Messages:  len(cp.Messages),
			UpdatedAt: cp.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryCheckpointStore) Prune(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, cp := range s.threads {
		if cp.UpdatedAt.Before(before) {
			delete(s.threads, id)
			n++
		}
	}
	return n, nil
}
