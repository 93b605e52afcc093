package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ibbo/rowan/internal/domain"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// CheckpointStore keeps the latest committed history of every thread.
// Each Save replaces the previous history and bumps the version.
type CheckpointStore struct {
	db  *DB
	now func() time.Time
}

// NewCheckpointStore creates a checkpoint store using the given database.
func NewCheckpointStore(db *DB) *CheckpointStore {
	return &CheckpointStore{db: db, now: time.Now}
}

// Load returns the thread's checkpoint. A thread that was never saved
// yields an empty checkpoint with Version 0.
func (s *CheckpointStore) Load(ctx context.Context, threadID string) (domain.Checkpoint, error) {
	cp := domain.Checkpoint{ThreadID: threadID, Messages: domain.History{}}

	var raw, updatedAt string
	err := s.db.sql.QueryRowContext(ctx,
		`SELECT version, messages, updated_at FROM checkpoints WHERE thread_id = ?`, threadID,
	).Scan(&cp.Version, &raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, nil
	}
	if err != nil {
		return cp, fmt.Errorf("%w: loading %s: %w", domain.ErrCheckpoint, threadID, err)
	}

	if err := json.Unmarshal([]byte(raw), &cp.Messages); err != nil {
		return cp, fmt.Errorf("%w: decoding %s: %w", domain.ErrCheckpoint, threadID, err)
	}
	cp.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return cp, nil
}

// Save replaces the thread's history and returns the new checkpoint.
// Histories that break the tool-call pairing rule are refused.
func (s *CheckpointStore) Save(ctx context.Context, threadID string, h domain.History) (domain.Checkpoint, error) {
	if err := domain.ValidateHistory(h); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("%w: %s: %w", domain.ErrCheckpoint, threadID, err)
	}
	if h == nil {
		h = domain.History{}
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("%w: encoding %s: %w", domain.ErrCheckpoint, threadID, err)
	}

	now := s.now().UTC()
	var version int64
	err = s.db.sql.QueryRowContext(ctx, `
		INSERT INTO checkpoints (thread_id, version, messages, message_count, created_at, updated_at)
		VALUES (?, 1, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			version       = checkpoints.version + 1,
			messages      = excluded.messages,
			message_count = excluded.message_count,
			updated_at    = excluded.updated_at
		RETURNING version`,
		threadID, string(raw), len(h), now.Format(timeLayout), now.Format(timeLayout),
	).Scan(&version)
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("%w: saving %s: %w", domain.ErrCheckpoint, threadID, err)
	}

	s.db.log.Debug().Str("thread", threadID).Int64("version", version).Int("messages", len(h)).Msg("checkpoint saved")
	return domain.Checkpoint{ThreadID: threadID, Version: version, Messages: h.Clone(), UpdatedAt: now}, nil
}

// Delete removes a thread. Deleting an unknown thread is not an error.
func (s *CheckpointStore) Delete(ctx context.Context, threadID string) error {
	_, err := s.db.sql.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID)
	return err
}

// List returns every stored thread, most recently updated first.
func (s *CheckpointStore) List(ctx context.Context) ([]domain.ThreadSummary, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT thread_id, version, message_count, updated_at FROM checkpoints ORDER BY updated_at DESC, thread_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.ThreadSummary{}
	for rows.Next() {
		var t domain.ThreadSummary
		var updatedAt string
		if err := rows.Scan(&t.ThreadID, &t.Version, &t.Messages, &updatedAt); err != nil {
			return nil, err
		}
		t.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Prune deletes threads not updated since before and reports how many went.
func (s *CheckpointStore) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.sql.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE updated_at < ?`, before.UTC().Format(timeLayout))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.db.log.Info().Int64("threads", n).Time("before", before).Msg("pruned checkpoints")
	}
	return int(n), nil
}
