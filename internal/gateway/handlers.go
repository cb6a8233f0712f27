package gateway

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/orchestrator"
	"github.com/loomhq/loom/internal/orchestrator/streaming"
)

// Handler contains the HTTP handlers for the project API.
type Handler struct {
	coordinator *orchestrator.Coordinator
	hub         *streaming.Hub
	upgrader    websocket.Upgrader
	logger      *logger.Logger
}

// NewHandler creates the gateway handler set.
func NewHandler(coord *orchestrator.Coordinator, hub *streaming.Hub, log *logger.Logger) *Handler {
	return &Handler{
		coordinator: coord,
		hub:         hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: log.WithFields(zap.String("component", "gateway")),
	}
}

// Health reports liveness for load balancers and monitoring.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "loom",
	})
}

// CreateProject opens a new project owned by the calling user.
// POST /api/v1/projects
func (h *Handler) CreateProject(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	proj, err := h.coordinator.CreateProject(c.Request.Context(), userID, req.Goal, req.ConfigRef)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, proj)
}

// ListProjects returns the calling user's projects.
// GET /api/v1/projects
func (h *Handler) ListProjects(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	projects, err := h.coordinator.ListProjects(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

// GetProject returns one project with its plan attached.
// GET /api/v1/projects/:id
func (h *Handler) GetProject(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	proj, err := h.coordinator.GetProject(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, proj)
}

// Chat routes one user message through the coordinator and returns the
// assistant's reply.
// POST /api/v1/projects/:id/chat
func (h *Handler) Chat(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	reply, err := h.coordinator.Chat(c.Request.Context(), c.Param("id"), userID, req.Text)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, reply)
}

// Step advances the project's plan by one scheduler increment.
// POST /api/v1/projects/:id/step
func (h *Handler) Step(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	progress, err := h.coordinator.Step(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, StepResponse{
		TaskID: progress.TaskID,
		Status: string(progress.Status),
		Done:   progress.Done,
	})
}

// CancelProject stops all running work and fails the project.
// POST /api/v1/projects/:id/cancel
func (h *Handler) CancelProject(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	if err := h.coordinator.CancelProject(c.Request.Context(), c.Param("id"), userID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "project cancelled"})
}

// DeleteProject removes the project and all its stored state.
// DELETE /api/v1/projects/:id
func (h *Handler) DeleteProject(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	if err := h.coordinator.DeleteProject(c.Request.Context(), c.Param("id"), userID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetMessages returns the project conversation in order.
// GET /api/v1/projects/:id/messages
func (h *Handler) GetMessages(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	messages, err := h.coordinator.GetMessages(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// ListArtifacts returns the latest version of every workspace artifact.
// GET /api/v1/projects/:id/artifacts
func (h *Handler) ListArtifacts(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	artifacts, err := h.coordinator.GetArtifacts(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": artifacts})
}

// GetArtifact returns one artifact's content. The optional version query
// parameter selects an older version; 0 or absent means latest.
// GET /api/v1/projects/:id/artifacts/:name
func (h *Handler) GetArtifact(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	version := 0
	if raw := c.Query("version"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondBadRequest(c, "version must be a non-negative integer")
			return
		}
		version = parsed
	}

	content, meta, err := h.coordinator.GetArtifactContent(c.Request.Context(), c.Param("id"), userID, c.Param("name"), version)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Header("X-Artifact-Version", strconv.Itoa(meta.Version))
	c.Data(http.StatusOK, meta.MimeType, content)
}

// GetRuns returns the task attempt ledger for the project.
// GET /api/v1/projects/:id/runs
func (h *Handler) GetRuns(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	runs, err := h.coordinator.GetRuns(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// StreamProject upgrades the connection and streams the project's bus
// envelopes as JSON until end-of-stream or disconnect.
// GET /ws/projects/:id
func (h *Handler) StreamProject(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	projectID := c.Param("id")

	// Ownership is checked before the upgrade so auth failures stay
	// plain HTTP.
	if _, err := h.coordinator.GetProject(c.Request.Context(), projectID, userID); err != nil {
		respondError(c, h.logger, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed", zap.String("project_id", projectID))
		return
	}

	if err := h.hub.ServeProject(c.Request.Context(), conn, projectID); err != nil {
		h.logger.WithError(err).Debug("websocket stream ended with error", zap.String("project_id", projectID))
	}
}

// userID extracts the caller identity from the X-User-ID header.
func (h *Handler) userID(c *gin.Context) (string, bool) {
	userID := c.GetHeader("X-User-ID")
	if userID == "" {
		respondBadRequest(c, "X-User-ID header is required")
		return "", false
	}
	return userID, true
}
