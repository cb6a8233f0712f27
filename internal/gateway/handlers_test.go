package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/events/bus"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/orchestrator"
	"github.com/loomhq/loom/internal/orchestrator/runner"
	"github.com/loomhq/loom/internal/orchestrator/streaming"
	"github.com/loomhq/loom/internal/project/store"
	"github.com/loomhq/loom/internal/team"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/internal/tools/builtin"
	v1 "github.com/loomhq/loom/pkg/api/v1"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	server   *httptest.Server
	provider *llm.Scripted
	store    *store.Store
	bus      *bus.MemoryEventBus
}

func setup(t *testing.T) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	st, err := store.NewStore(t.TempDir(), log)
	require.NoError(t, err)
	eventBus := bus.NewMemoryEventBus(0, log)
	t.Cleanup(eventBus.Shutdown)

	registry := tools.NewRegistry(log)
	require.NoError(t, builtin.Register(registry, eventBus, log))

	provider := llm.NewScripted()
	teams, err := team.NewRegistry("", log)
	require.NoError(t, err)
	teams.Register("solo", &team.Team{
		Name: "solo",
		Agents: []team.Agent{
			{Name: "worker", Description: "does the work", PromptTemplate: "Work on {{goal}}. Task: {{task}}",
				Tools: []string{"write_artifact", "read_artifact"}},
		},
		Execution: team.Execution{MaxRounds: 4, MaxConcurrent: 2, CompletionSentinel: "TASK COMPLETE", OnFailure: "continue"},
	})

	r := runner.New(provider, registry, st, eventBus, nil, log)
	coord := orchestrator.New(st, eventBus, provider, teams, r, nil, log)
	hub := streaming.NewHub(eventBus, log)

	server := httptest.NewServer(NewRouter(coord, hub, log))
	t.Cleanup(server.Close)
	return &fixture{server: server, provider: provider, store: st, bus: eventBus}
}

func (f *fixture) scriptPlanner(doc map[string]any) {
	f.provider.AddRule(llm.Rule{
		Match:      llm.MatchContains("label one user message"),
		Structured: llm.StructuredValue(map[string]any{"label": "initialGoal"}),
	})
	f.provider.AddRule(llm.Rule{
		Match:      llm.MatchContains("you plan work for a team"),
		Structured: llm.StructuredValue(doc),
	})
	f.provider.AddRule(llm.Rule{Match: llm.MatchContains("your current task"), Respond: func(req llm.Request) []llm.Chunk {
		return llm.TextTurn("all done TASK COMPLETE")
	}})
}

func (f *fixture) do(t *testing.T, method, path, userID string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func createProject(t *testing.T, f *fixture, userID, goal string) v1.Project {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/v1/projects", userID,
		CreateProjectRequest{Goal: goal, ConfigRef: "solo"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[v1.Project](t, resp)
}

func TestHealth(t *testing.T) {
	f := setup(t)
	resp, err := f.server.Client().Get(f.server.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestUserHeaderRequired(t *testing.T) {
	f := setup(t)
	resp := f.do(t, http.MethodPost, "/api/v1/projects", "",
		CreateProjectRequest{ConfigRef: "solo"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, "BAD_REQUEST", body.Code)
	assert.Contains(t, body.Error, "X-User-ID")
}

func TestCreateProjectValidatesBody(t *testing.T) {
	f := setup(t)

	resp := f.do(t, http.MethodPost, "/api/v1/projects", "u1", map[string]any{"goal": "no team"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/api/v1/projects", "u1",
		CreateProjectRequest{ConfigRef: "nonexistent-team"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Contains(t, body.Error, "nonexistent-team")
}

func TestProjectLifecycle(t *testing.T) {
	f := setup(t)
	proj := createProject(t, f, "u1", "build something")
	assert.Equal(t, v1.ProjectStatusPending, proj.Status)
	assert.Equal(t, "u1", proj.UserID)

	t.Run("get", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/api/v1/projects/"+proj.ProjectID, "u1", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		got := decode[v1.Project](t, resp)
		assert.Equal(t, proj.ProjectID, got.ProjectID)
	})

	t.Run("list", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/api/v1/projects", "u1", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[map[string][]v1.Project](t, resp)
		require.Len(t, body["projects"], 1)
	})

	t.Run("list scoped to user", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/api/v1/projects", "u2", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[map[string][]v1.Project](t, resp)
		assert.Empty(t, body["projects"])
	})

	t.Run("delete", func(t *testing.T) {
		resp := f.do(t, http.MethodDelete, "/api/v1/projects/"+proj.ProjectID, "u1", nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
		_ = resp.Body.Close()

		resp = f.do(t, http.MethodGet, "/api/v1/projects/"+proj.ProjectID, "u1", nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		body := decode[ErrorResponse](t, resp)
		assert.Equal(t, "NOT_FOUND", body.Code)
	})
}

func TestOwnershipForbidden(t *testing.T) {
	f := setup(t)
	proj := createProject(t, f, "u1", "")

	resp := f.do(t, http.MethodGet, "/api/v1/projects/"+proj.ProjectID, "u2", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, "FORBIDDEN", body.Code)
}

func TestUnknownProjectNotFound(t *testing.T) {
	f := setup(t)
	resp := f.do(t, http.MethodGet, "/api/v1/projects/nope", "u1", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, "NOT_FOUND", body.Code)
}

func TestStepWithoutPlanConflicts(t *testing.T) {
	f := setup(t)
	proj := createProject(t, f, "u1", "")

	resp := f.do(t, http.MethodPost, "/api/v1/projects/"+proj.ProjectID+"/step", "u1", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, "CONFLICT", body.Code)
}

func TestChatPlansAndStepsToCompletion(t *testing.T) {
	f := setup(t)
	f.scriptPlanner(map[string]any{
		"goal": "write a short story",
		"tasks": []map[string]any{
			{"id": "t1", "name": "draft", "goal": "write the story", "assignedAgent": "worker"},
		},
	})
	proj := createProject(t, f, "u1", "")

	resp := f.do(t, http.MethodPost, "/api/v1/projects/"+proj.ProjectID+"/chat", "u1",
		ChatRequest{Text: "write a short story"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reply := decode[v1.Message](t, resp)
	assert.Equal(t, v1.RoleAssistant, reply.Role)
	assert.Contains(t, reply.Content, "Plan created")

	deadline := time.Now().Add(10 * time.Second)
	for {
		require.Less(t, time.Now().UnixNano(), deadline.UnixNano(), "plan did not finish")
		resp = f.do(t, http.MethodPost, "/api/v1/projects/"+proj.ProjectID+"/step", "u1", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		progress := decode[StepResponse](t, resp)
		if progress.Done {
			break
		}
	}

	resp = f.do(t, http.MethodGet, "/api/v1/projects/"+proj.ProjectID, "u1", nil)
	got := decode[v1.Project](t, resp)
	assert.Equal(t, v1.ProjectStatusCompleted, got.Status)

	resp = f.do(t, http.MethodGet, "/api/v1/projects/"+proj.ProjectID+"/messages", "u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string][]v1.Message](t, resp)
	assert.NotEmpty(t, body["messages"])

	resp = f.do(t, http.MethodGet, "/api/v1/projects/"+proj.ProjectID+"/runs", "u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestChatValidatesBody(t *testing.T) {
	f := setup(t)
	proj := createProject(t, f, "u1", "")

	resp := f.do(t, http.MethodPost, "/api/v1/projects/"+proj.ProjectID+"/chat", "u1", map[string]any{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, "BAD_REQUEST", body.Code)
}

func TestArtifactEndpoints(t *testing.T) {
	f := setup(t)
	proj := createProject(t, f, "u1", "")
	ctx := context.Background()

	ws := f.store.Workspace(proj.ProjectID)
	_, _, err := ws.WriteArtifact(ctx, "story.md", []byte("once upon a time"), "text/markdown", "t1")
	require.NoError(t, err)
	_, _, err = ws.WriteArtifact(ctx, "story.md", []byte("once upon a time, revised"), "text/markdown", "t1")
	require.NoError(t, err)

	t.Run("list", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/api/v1/projects/"+proj.ProjectID+"/artifacts", "u1", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[map[string][]v1.ArtifactInfo](t, resp)
		require.Len(t, body["artifacts"], 1)
		assert.Equal(t, 2, body["artifacts"][0].Version)
	})

	t.Run("latest content", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/api/v1/projects/"+proj.ProjectID+"/artifacts/story.md", "u1", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, "2", resp.Header.Get("X-Artifact-Version"))
		assert.Contains(t, resp.Header.Get("Content-Type"), "text/markdown")
		var buf bytes.Buffer
		_, err := buf.ReadFrom(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "once upon a time, revised", buf.String())
	})

	t.Run("pinned version", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/api/v1/projects/"+proj.ProjectID+"/artifacts/story.md?version=1", "u1", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		defer func() { _ = resp.Body.Close() }()
		var buf bytes.Buffer
		_, err := buf.ReadFrom(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "once upon a time", buf.String())
	})

	t.Run("bad version", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/api/v1/projects/"+proj.ProjectID+"/artifacts/story.md?version=latest", "u1", nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		_ = resp.Body.Close()
	})

	t.Run("missing artifact", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/api/v1/projects/"+proj.ProjectID+"/artifacts/nope.md", "u1", nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		body := decode[ErrorResponse](t, resp)
		assert.Equal(t, "NOT_FOUND", body.Code)
	})
}

func TestWebSocketStreamsEnvelopes(t *testing.T) {
	f := setup(t)
	proj := createProject(t, f, "u1", "")

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/projects/" + proj.ProjectID
	header := http.Header{"X-User-ID": []string{"u1"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_ = resp.Body.Close()

	// Let the server-side subscription attach before publishing.
	time.Sleep(200 * time.Millisecond)
	env := bus.NewEnvelope(proj.ProjectID, v1.EventLogEntry, v1.LogEntryData("info", "hello", ""))
	require.NoError(t, f.bus.Publish(context.Background(), env))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var got bus.Envelope
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, v1.EventLogEntry, got.Type)
	assert.Equal(t, proj.ProjectID, got.ProjectID)
}

func TestWebSocketRequiresOwnership(t *testing.T) {
	f := setup(t)
	proj := createProject(t, f, "u1", "")

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/projects/" + proj.ProjectID
	header := http.Header{"X-User-ID": []string{"intruder"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	if conn != nil {
		_ = conn.Close()
	}
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()
}
