package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/common/logger"
	v1 "github.com/loomhq/loom/pkg/api/v1"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	db, err := sqlx.Connect("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewWithDB(db, log)
	require.NoError(t, err)
	return store
}

func TestTaskRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	started := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.RecordRunStart(ctx, v1.TaskRun{
		ProjectID: "p1",
		TaskID:    "t1",
		Attempt:   1,
		Agent:     "writer",
		Status:    v1.TaskStatusRunning,
		StartedAt: started,
	}))

	finished := started.Add(3 * time.Second)
	require.NoError(t, store.RecordRunFinish(ctx, "p1", "t1", 1, v1.TaskStatusCompleted, finished, ""))

	runs, err := store.ListRuns(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "t1", runs[0].TaskID)
	assert.Equal(t, 1, runs[0].Attempt)
	assert.Equal(t, "writer", runs[0].Agent)
	assert.Equal(t, v1.TaskStatusCompleted, runs[0].Status)
	require.NotNil(t, runs[0].FinishedAt)
	assert.True(t, runs[0].FinishedAt.Equal(finished))
}

func TestMultipleAttemptsOrdered(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	base := time.Now().UTC().Truncate(time.Second)
	for attempt := 1; attempt <= 3; attempt++ {
		require.NoError(t, store.RecordRunStart(ctx, v1.TaskRun{
			ProjectID: "p1",
			TaskID:    "t1",
			Attempt:   attempt,
			Agent:     "writer",
			Status:    v1.TaskStatusRunning,
			StartedAt: base.Add(time.Duration(attempt) * time.Second),
		}))
	}
	require.NoError(t, store.RecordRunFinish(ctx, "p1", "t1", 3, v1.TaskStatusFailed,
		base.Add(10*time.Second), "model call failed"))

	runs, err := store.ListRuns(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, 1, runs[0].Attempt)
	assert.Equal(t, 3, runs[2].Attempt)
	assert.Equal(t, v1.TaskStatusFailed, runs[2].Status)
	assert.Equal(t, "model call failed", runs[2].Error)
}

func TestRunsScopedByProject(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	now := time.Now().UTC()
	require.NoError(t, store.RecordRunStart(ctx, v1.TaskRun{
		ProjectID: "p1", TaskID: "t1", Attempt: 1, Agent: "a", Status: v1.TaskStatusRunning, StartedAt: now,
	}))
	require.NoError(t, store.RecordRunStart(ctx, v1.TaskRun{
		ProjectID: "p2", TaskID: "t1", Attempt: 1, Agent: "a", Status: v1.TaskStatusRunning, StartedAt: now,
	}))

	runs, err := store.ListRuns(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "p1", runs[0].ProjectID)
}

func TestToolInvocations(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.RecordToolInvocation(ctx, v1.ToolInvocation{
		ProjectID:  "p1",
		TaskID:     "t1",
		ToolCallID: "tc1",
		Tool:       "write_artifact",
		DurationMS: 42,
		IsError:    false,
		CreatedAt:  now,
	}))
	require.NoError(t, store.RecordToolInvocation(ctx, v1.ToolInvocation{
		ProjectID:  "p1",
		TaskID:     "t1",
		ToolCallID: "tc2",
		Tool:       "read_artifact",
		DurationMS: 7,
		IsError:    true,
		CreatedAt:  now.Add(time.Second),
	}))

	invs, err := store.ListToolInvocations(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, invs, 2)
	assert.Equal(t, "write_artifact", invs[0].Tool)
	assert.Equal(t, int64(42), invs[0].DurationMS)
	assert.False(t, invs[0].IsError)
	assert.True(t, invs[1].IsError)
}

func TestListOnEmptyLedger(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	runs, err := store.ListRuns(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, runs)

	invs, err := store.ListToolInvocations(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, invs)
}
