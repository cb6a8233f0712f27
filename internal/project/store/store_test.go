package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/common/logger"
	v1 "github.com/loomhq/loom/pkg/api/v1"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	s, err := NewStore(t.TempDir(), log)
	require.NoError(t, err)
	return s
}

func testProject(id string) v1.Project {
	now := time.Now().UTC()
	return v1.Project{
		ProjectID: id,
		UserID:    "u1",
		Goal:      "write a haiku and review it",
		ConfigRef: "cfg_two_agents",
		Status:    v1.ProjectStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestStoreProjectLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("create then load round-trips the snapshot", func(t *testing.T) {
		proj := testProject("p1")
		require.NoError(t, s.CreateProject(ctx, proj))

		loaded, err := s.LoadProject(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, proj.ProjectID, loaded.ProjectID)
		assert.Equal(t, proj.UserID, loaded.UserID)
		assert.Equal(t, proj.Goal, loaded.Goal)
		assert.Nil(t, loaded.Plan)
	})

	t.Run("creating a duplicate id fails", func(t *testing.T) {
		err := s.CreateProject(ctx, testProject("p1"))
		assert.ErrorIs(t, err, ErrProjectExists)
	})

	t.Run("loading an unknown project fails", func(t *testing.T) {
		_, err := s.LoadProject(ctx, "nope")
		assert.ErrorIs(t, err, ErrProjectNotFound)
	})

	t.Run("saved plan is attached to the loaded project", func(t *testing.T) {
		plan := v1.Plan{
			Version: 1,
			Goal:    "write a haiku and review it",
			Tasks: []v1.Task{
				{ID: "t1", Name: "Write", Goal: "write", AssignedAgent: "writer", Status: v1.TaskStatusPending},
			},
		}
		require.NoError(t, s.SavePlan(ctx, "p1", plan))

		loaded, err := s.LoadProject(ctx, "p1")
		require.NoError(t, err)
		require.NotNil(t, loaded.Plan)
		assert.Equal(t, 1, loaded.Plan.Version)
		assert.Len(t, loaded.Plan.Tasks, 1)
	})

	t.Run("delete removes everything", func(t *testing.T) {
		require.NoError(t, s.DeleteProject(ctx, "p1"))
		_, err := s.LoadProject(ctx, "p1")
		assert.ErrorIs(t, err, ErrProjectNotFound)
	})
}

func TestStoreMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateProject(ctx, testProject("p1")))

	t.Run("messages come back in append order", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			msg := v1.Message{
				ID:        fmt.Sprintf("m%d", i),
				ProjectID: "p1",
				Role:      v1.RoleUser,
				Timestamp: time.Now().UTC(),
				Parts:     []v1.Part{v1.TextPart(fmt.Sprintf("message %d", i))},
				Content:   fmt.Sprintf("message %d", i),
			}
			require.NoError(t, s.AppendMessage(ctx, msg))
		}

		messages, err := s.LoadMessages(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, messages, 5)
		for i, msg := range messages {
			assert.Equal(t, fmt.Sprintf("m%d", i), msg.ID)
		}
	})

	t.Run("empty conversation loads as empty slice", func(t *testing.T) {
		require.NoError(t, s.CreateProject(ctx, testProject("p2")))
		messages, err := s.LoadMessages(ctx, "p2")
		require.NoError(t, err)
		assert.Empty(t, messages)
	})

	t.Run("concurrent appends all survive", func(t *testing.T) {
		require.NoError(t, s.CreateProject(ctx, testProject("p3")))
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				msg := v1.Message{
					ID:        fmt.Sprintf("c%d", n),
					ProjectID: "p3",
					Role:      v1.RoleAssistant,
					Timestamp: time.Now().UTC(),
				}
				assert.NoError(t, s.AppendMessage(ctx, msg))
			}(i)
		}
		wg.Wait()

		messages, err := s.LoadMessages(ctx, "p3")
		require.NoError(t, err)
		assert.Len(t, messages, 20)
	})
}

func TestWorkspaceArtifacts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateProject(ctx, testProject("p1")))
	ws := s.Workspace("p1")

	t.Run("first write creates version 1", func(t *testing.T) {
		version, created, err := ws.WriteArtifact(ctx, "report.md", []byte("# Draft"), "text/markdown", "t1")
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, 1, version.Version)
		assert.Equal(t, int64(7), version.Size)
	})

	t.Run("second write appends version 2 and keeps version 1 readable", func(t *testing.T) {
		version, created, err := ws.WriteArtifact(ctx, "report.md", []byte("# Final"), "text/markdown", "t2")
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, 2, version.Version)

		content, info, err := ws.ReadArtifact(ctx, "report.md", 1)
		require.NoError(t, err)
		assert.Equal(t, "# Draft", string(content))
		assert.Equal(t, "t1", info.CreatedBy)

		latest, info, err := ws.ReadArtifact(ctx, "report.md", 0)
		require.NoError(t, err)
		assert.Equal(t, "# Final", string(latest))
		assert.Equal(t, 2, info.Version)
	})

	t.Run("versioned files carry the artifact extension", func(t *testing.T) {
		path := filepath.Join(s.projectDir("p1"), artifactsDir, "report.md", "1.md")
		assert.FileExists(t, path)
	})

	t.Run("concurrent writers of one name get distinct consecutive versions", func(t *testing.T) {
		var wg sync.WaitGroup
		versions := make(chan int, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				v, _, err := ws.WriteArtifact(ctx, "shared.txt", []byte(fmt.Sprintf("writer %d", n)), "text/plain", "")
				assert.NoError(t, err)
				versions <- v.Version
			}(i)
		}
		wg.Wait()
		close(versions)

		seen := make(map[int]bool)
		for v := range versions {
			assert.False(t, seen[v], "version %d assigned twice", v)
			seen[v] = true
		}
		assert.Len(t, seen, 10)
	})

	t.Run("listing reports latest versions only", func(t *testing.T) {
		infos, err := ws.ListArtifacts(ctx)
		require.NoError(t, err)
		require.Len(t, infos, 2)
		assert.Equal(t, "report.md", infos[0].Name)
		assert.Equal(t, 2, infos[0].Version)
		assert.Equal(t, "shared.txt", infos[1].Name)
		assert.Equal(t, 10, infos[1].Version)
	})

	t.Run("reading an unknown artifact fails", func(t *testing.T) {
		_, _, err := ws.ReadArtifact(ctx, "missing.txt", 0)
		assert.ErrorIs(t, err, ErrArtifactNotFound)
	})

	t.Run("path-escaping names are rejected", func(t *testing.T) {
		for _, name := range []string{"", "../evil", "a/b", `a\b`, ".hidden"} {
			_, _, err := ws.WriteArtifact(ctx, name, []byte("x"), "", "")
			assert.ErrorIs(t, err, ErrInvalidName, "name %q", name)
		}
	})
}
