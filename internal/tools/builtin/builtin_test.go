package builtin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/events/bus"
	"github.com/loomhq/loom/internal/tools"
	v1 "github.com/loomhq/loom/pkg/api/v1"
)

// fakeWorkspace is an in-memory tools.Workspace.
type fakeWorkspace struct {
	mu       sync.Mutex
	versions map[string][][]byte
	mimes    map[string]string
}

func newFakeWorkspace() *fakeWorkspace {
	return &fakeWorkspace{versions: make(map[string][][]byte), mimes: make(map[string]string)}
}

func (w *fakeWorkspace) WriteArtifact(ctx context.Context, name string, content []byte, mimeType, createdBy string) (v1.ArtifactVersion, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	created := len(w.versions[name]) == 0
	w.versions[name] = append(w.versions[name], content)
	w.mimes[name] = mimeType
	return v1.ArtifactVersion{
		Version:   len(w.versions[name]),
		MimeType:  mimeType,
		Size:      int64(len(content)),
		CreatedAt: time.Now().UTC(),
		CreatedBy: createdBy,
	}, created, nil
}

func (w *fakeWorkspace) ReadArtifact(ctx context.Context, name string, version int) ([]byte, v1.ArtifactVersion, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	all, ok := w.versions[name]
	if !ok {
		return nil, v1.ArtifactVersion{}, fmt.Errorf("artifact %s not found", name)
	}
	if version == 0 {
		version = len(all)
	}
	if version < 1 || version > len(all) {
		return nil, v1.ArtifactVersion{}, fmt.Errorf("artifact %s has no version %d", name, version)
	}
	content := all[version-1]
	return content, v1.ArtifactVersion{
		Version:  version,
		MimeType: w.mimes[name],
		Size:     int64(len(content)),
	}, nil
}

func (w *fakeWorkspace) ListArtifacts(ctx context.Context) ([]v1.ArtifactInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	names := make([]string, 0, len(w.versions))
	for name := range w.versions {
		names = append(names, name)
	}
	sort.Strings(names)
	infos := make([]v1.ArtifactInfo, 0, len(names))
	for _, name := range names {
		latest := len(w.versions[name])
		infos = append(infos, v1.ArtifactInfo{
			Name:     name,
			Version:  latest,
			MimeType: w.mimes[name],
			Size:     int64(len(w.versions[name][latest-1])),
		})
	}
	return infos, nil
}

func setup(t *testing.T) (*tools.Registry, *bus.MemoryEventBus, *fakeWorkspace) {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	eventBus := bus.NewMemoryEventBus(32, log)
	t.Cleanup(eventBus.Shutdown)

	reg := tools.NewRegistry(log)
	require.NoError(t, Register(reg, eventBus, log))
	return reg, eventBus, newFakeWorkspace()
}

func TestWriteArtifact(t *testing.T) {
	t.Run("first write creates version one and announces it", func(t *testing.T) {
		reg, eventBus, ws := setup(t)
		ctx := context.Background()
		sub, err := eventBus.Subscribe(ctx, "p1")
		require.NoError(t, err)
		defer sub.Cancel()

		result, err := reg.Invoke(ctx, tools.Invocation{
			Tool:      "write_artifact",
			Args:      map[string]any{"name": "haiku.md", "content": "five seven five", "mimeType": "text/markdown"},
			ProjectID: "p1",
			TaskID:    "t1",
			Workspace: ws,
		})
		require.NoError(t, err)
		out := result.(map[string]any)
		assert.Equal(t, 1, out["version"])

		select {
		case env := <-sub.Events():
			assert.Equal(t, v1.EventArtifactCreated, env.Type)
			assert.Equal(t, "haiku.md", env.Data["name"])
			assert.Equal(t, "t1", env.Data["createdBy"])
		case <-time.After(2 * time.Second):
			t.Fatal("Timeout waiting for artifact event")
		}
	})

	t.Run("second write bumps the version and announces an update", func(t *testing.T) {
		reg, eventBus, ws := setup(t)
		ctx := context.Background()

		inv := tools.Invocation{
			Tool:      "write_artifact",
			Args:      map[string]any{"name": "haiku.md", "content": "v1"},
			ProjectID: "p1",
			TaskID:    "t1",
			Workspace: ws,
		}
		_, err := reg.Invoke(ctx, inv)
		require.NoError(t, err)

		sub, err := eventBus.Subscribe(ctx, "p1")
		require.NoError(t, err)
		defer sub.Cancel()

		inv.Args = map[string]any{"name": "haiku.md", "content": "v2 longer"}
		result, err := reg.Invoke(ctx, inv)
		require.NoError(t, err)
		assert.Equal(t, 2, result.(map[string]any)["version"])

		select {
		case env := <-sub.Events():
			assert.Equal(t, v1.EventArtifactUpdated, env.Type)
			assert.Equal(t, 2, env.Data["version"])
		case <-time.After(2 * time.Second):
			t.Fatal("Timeout waiting for artifact event")
		}
	})

	t.Run("missing content is rejected by schema", func(t *testing.T) {
		reg, _, ws := setup(t)
		_, err := reg.Invoke(context.Background(), tools.Invocation{
			Tool:      "write_artifact",
			Args:      map[string]any{"name": "haiku.md"},
			Workspace: ws,
		})
		assert.True(t, errors.Is(err, tools.ErrToolArgsInvalid))
	})

	t.Run("missing workspace fails the call", func(t *testing.T) {
		reg, _, _ := setup(t)
		_, err := reg.Invoke(context.Background(), tools.Invocation{
			Tool: "write_artifact",
			Args: map[string]any{"name": "a", "content": "b"},
		})
		assert.True(t, errors.Is(err, tools.ErrToolFailed))
	})
}

func TestReadAndListArtifacts(t *testing.T) {
	t.Run("reads latest and specific versions", func(t *testing.T) {
		reg, _, ws := setup(t)
		ctx := context.Background()
		for _, content := range []string{"one", "two"} {
			_, err := reg.Invoke(ctx, tools.Invocation{
				Tool:      "write_artifact",
				Args:      map[string]any{"name": "notes.txt", "content": content},
				ProjectID: "p1",
				Workspace: ws,
			})
			require.NoError(t, err)
		}

		result, err := reg.Invoke(ctx, tools.Invocation{
			Tool:      "read_artifact",
			Args:      map[string]any{"name": "notes.txt"},
			Workspace: ws,
		})
		require.NoError(t, err)
		out := result.(map[string]any)
		assert.Equal(t, "two", out["content"])
		assert.Equal(t, 2, out["version"])

		result, err = reg.Invoke(ctx, tools.Invocation{
			Tool:      "read_artifact",
			Args:      map[string]any{"name": "notes.txt", "version": 1},
			Workspace: ws,
		})
		require.NoError(t, err)
		assert.Equal(t, "one", result.(map[string]any)["content"])
	})

	t.Run("lists artifacts", func(t *testing.T) {
		reg, _, ws := setup(t)
		ctx := context.Background()
		for _, name := range []string{"b.txt", "a.txt"} {
			_, err := reg.Invoke(ctx, tools.Invocation{
				Tool:      "write_artifact",
				Args:      map[string]any{"name": name, "content": "x"},
				ProjectID: "p1",
				Workspace: ws,
			})
			require.NoError(t, err)
		}

		result, err := reg.Invoke(ctx, tools.Invocation{
			Tool:      "list_artifacts",
			Workspace: ws,
		})
		require.NoError(t, err)
		infos := result.([]v1.ArtifactInfo)
		require.Len(t, infos, 2)
		assert.Equal(t, "a.txt", infos[0].Name)
		assert.Equal(t, "b.txt", infos[1].Name)
	})
}

func TestWait(t *testing.T) {
	t.Run("waits the requested time", func(t *testing.T) {
		reg, _, _ := setup(t)
		start := time.Now()
		result, err := reg.Invoke(context.Background(), tools.Invocation{
			Tool: "wait",
			Args: map[string]any{"seconds": 0.05},
		})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
		assert.Contains(t, result.(string), "waited")
	})

	t.Run("cancellation interrupts the wait", func(t *testing.T) {
		reg, _, _ := setup(t)
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(30 * time.Millisecond)
			cancel()
		}()

		start := time.Now()
		_, err := reg.Invoke(ctx, tools.Invocation{
			Tool: "wait",
			Args: map[string]any{"seconds": 10},
		})
		assert.True(t, errors.Is(err, context.Canceled))
		assert.Less(t, time.Since(start), 3*time.Second)
	})

	t.Run("rejects out of range durations", func(t *testing.T) {
		reg, _, _ := setup(t)
		_, err := reg.Invoke(context.Background(), tools.Invocation{
			Tool: "wait",
			Args: map[string]any{"seconds": 10000},
		})
		assert.True(t, errors.Is(err, tools.ErrToolArgsInvalid))
	})
}
