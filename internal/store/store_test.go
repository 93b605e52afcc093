package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/ibbo/rowan/internal/domain"
	"github.com/ibbo/rowan/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	log := logging.New(nil, "silent")
	db, err := Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// --- DB/Migration tests ---

func TestOpen_InMemory(t *testing.T) {
	db := testDB(t)
	assert.NotNil(t, db)
	assert.NotNil(t, db.SQL())
}

func TestMigrations_Applied(t *testing.T) {
	db := testDB(t)

	var count int
	err := db.sql.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), count)
}

func TestMigrations_Idempotent(t *testing.T) {
	db := testDB(t)

	err := db.migrate()
	require.NoError(t, err)

	var count int
	err = db.sql.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), count)
}

func TestSchema_TablesExist(t *testing.T) {
	db := testDB(t)

	var name string
	err := db.sql.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name='checkpoints'",
	).Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "checkpoints", name)
}

// --- Checkpoint tests ---

func sampleHistory() domain.History {
	return domain.History{
		domain.UserMessage{Content: "Find me a 32 bar jig"},
		domain.AssistantMessage{ToolCalls: []domain.ToolCall{
			{ID: "call_1", Name: "find_dances", Arguments: map[string]any{"kind": "Jig", "max_bars": float64(32)}},
		}},
		domain.ToolMessage{CallID: "call_1", Tool: "find_dances", Result: json.RawMessage(`[{"id":6,"name":"The Wild Geese"}]`)},
		domain.AssistantMessage{Content: "Try The Wild Geese."},
	}
}

func TestCheckpoint_LoadMissing(t *testing.T) {
	cs := NewCheckpointStore(testDB(t))

	cp, err := cs.Load(context.Background(), "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "thread-1", cp.ThreadID)
	assert.Equal(t, int64(0), cp.Version)
	assert.Empty(t, cp.Messages)
}

func TestCheckpoint_RoundTrip(t *testing.T) {
	cs := NewCheckpointStore(testDB(t))
	ctx := context.Background()
	h := sampleHistory()

	saved, err := cs.Save(ctx, "thread-1", h)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)

	loaded, err := cs.Load(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, h, loaded.Messages)
	assert.Equal(t, int64(1), loaded.Version)
	assert.WithinDuration(t, saved.UpdatedAt, loaded.UpdatedAt, time.Microsecond)
}

func TestCheckpoint_VersionsAreMonotonic(t *testing.T) {
	cs := NewCheckpointStore(testDB(t))
	ctx := context.Background()
	h := sampleHistory()

	for want := int64(1); want <= 3; want++ {
		cp, err := cs.Save(ctx, "thread-1", h[:1])
		require.NoError(t, err)
		assert.Equal(t, want, cp.Version)
	}

	// a later save fully supersedes the earlier one
	_, err := cs.Save(ctx, "thread-1", h)
	require.NoError(t, err)
	cp, err := cs.Load(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), cp.Version)
	assert.Len(t, cp.Messages, 4)

	other, err := cs.Save(ctx, "thread-2", h[:1])
	require.NoError(t, err)
	assert.Equal(t, int64(1), other.Version)
}

func TestCheckpoint_RefusesOrphanToolResult(t *testing.T) {
	cs := NewCheckpointStore(testDB(t))

	bad := domain.History{
		domain.UserMessage{Content: "hi"},
		domain.ToolMessage{CallID: "call_x", Tool: "find_dances", Result: json.RawMessage(`[]`)},
	}
	_, err := cs.Save(context.Background(), "thread-1", bad)
	assert.ErrorIs(t, err, domain.ErrCheckpoint)
	assert.ErrorIs(t, err, domain.ErrOrphanToolResult)
}

func TestCheckpoint_RefusesUnansweredCall(t *testing.T) {
	cs := NewCheckpointStore(testDB(t))

	h := sampleHistory()[:2]
	_, err := cs.Save(context.Background(), "thread-1", h)
	assert.ErrorIs(t, err, domain.ErrCheckpoint)

	cp, err := cs.Load(context.Background(), "thread-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), cp.Version)
}

func TestCheckpoint_ToolErrorSurvives(t *testing.T) {
	cs := NewCheckpointStore(testDB(t))
	ctx := context.Background()

	h := domain.History{
		domain.UserMessage{Content: "details for dance 0"},
		domain.AssistantMessage{ToolCalls: []domain.ToolCall{{ID: "c1", Name: "get_dance_detail"}}},
		domain.ToolMessage{CallID: "c1", Tool: "get_dance_detail", Error: &domain.ToolError{
			Code: domain.ToolErrArguments, Message: "dance_id is required", Field: "dance_id",
		}},
		domain.AssistantMessage{Content: "Which dance did you mean?"},
	}
	_, err := cs.Save(ctx, "t", h)
	require.NoError(t, err)

	cp, err := cs.Load(ctx, "t")
	require.NoError(t, err)
	tm, ok := cp.Messages[2].(domain.ToolMessage)
	require.True(t, ok)
	require.NotNil(t, tm.Error)
	assert.Equal(t, "dance_id", tm.Error.Field)
}

func TestCheckpoint_DeleteListPrune(t *testing.T) {
	db := testDB(t)
	cs := NewCheckpointStore(db)
	ctx := context.Background()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	cs.now = func() time.Time { return now }
	_, err := cs.Save(ctx, "old", sampleHistory()[:1])
	require.NoError(t, err)

	now = now.Add(48 * time.Hour)
	_, err = cs.Save(ctx, "new", sampleHistory())
	require.NoError(t, err)

	list, err := cs.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ThreadID)
	assert.Equal(t, 4, list[0].Messages)
	assert.Equal(t, "old", list[1].ThreadID)

	n, err := cs.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, cs.Delete(ctx, "new"))
	require.NoError(t, cs.Delete(ctx, "missing"))

	list, err = cs.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCheckpoint_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threads.sqlite")
	log := logging.New(nil, "silent")
	ctx := context.Background()

	db, err := Open(path, log)
	require.NoError(t, err)
	_, err = NewCheckpointStore(db).Save(ctx, "thread-1", sampleHistory())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path, log)
	require.NoError(t, err)
	defer db.Close()
	cp, err := NewCheckpointStore(db).Load(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, sampleHistory(), cp.Messages)
}
