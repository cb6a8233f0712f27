package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/common/logger"
)

func registerTools(s *server.MCPServer, cfg Config, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("create_project",
			mcp.WithDescription("Create a new project for a team. Returns the project including its id."),
			mcp.WithString("config_ref",
				mcp.Required(),
				mcp.Description("The team configuration name to run the project with"),
			),
			mcp.WithString("goal",
				mcp.Description("Optional initial goal; can also be stated in the first chat message"),
			),
		),
		createProjectHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("chat",
			mcp.WithDescription("Send a chat message to a project. A goal creates the plan, a change request revises it, anything else is answered in conversation."),
			mcp.WithString("project_id",
				mcp.Required(),
				mcp.Description("The project ID to chat with"),
			),
			mcp.WithString("text",
				mcp.Required(),
				mcp.Description("The message text"),
			),
		),
		chatHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("step",
			mcp.WithDescription("Advance the project's plan by one scheduler increment. Call repeatedly until done is true."),
			mcp.WithString("project_id",
				mcp.Required(),
				mcp.Description("The project ID to step"),
			),
		),
		stepHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("get_project",
			mcp.WithDescription("Get one project with its current plan and task statuses."),
			mcp.WithString("project_id",
				mcp.Required(),
				mcp.Description("The project ID"),
			),
		),
		getProjectHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("list_projects",
			mcp.WithDescription("List all projects owned by this MCP identity."),
		),
		listProjectsHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("get_messages",
			mcp.WithDescription("Get the project conversation in order."),
			mcp.WithString("project_id",
				mcp.Required(),
				mcp.Description("The project ID"),
			),
		),
		getMessagesHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("list_artifacts",
			mcp.WithDescription("List the latest version of every artifact in the project workspace."),
			mcp.WithString("project_id",
				mcp.Required(),
				mcp.Description("The project ID"),
			),
		),
		listArtifactsHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("read_artifact",
			mcp.WithDescription("Read one artifact's content. Omit version for the latest."),
			mcp.WithString("project_id",
				mcp.Required(),
				mcp.Description("The project ID"),
			),
			mcp.WithString("name",
				mcp.Required(),
				mcp.Description("The artifact name"),
			),
			mcp.WithNumber("version",
				mcp.Description("Artifact version to read; 0 or absent means latest"),
			),
		),
		readArtifactHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("cancel_project",
			mcp.WithDescription("Cancel all running work and fail the project."),
			mcp.WithString("project_id",
				mcp.Required(),
				mcp.Description("The project ID to cancel"),
			),
		),
		cancelProjectHandler(cfg, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 9))
}

func createProjectHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		configRef, err := req.RequireString("config_ref")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		payload := map[string]any{
			"configRef": configRef,
			"goal":      req.GetString("goal", ""),
		}
		return proxyJSON(ctx, cfg, log, http.MethodPost, "/api/v1/projects", payload)
	}
}

func chatHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		path := "/api/v1/projects/" + url.PathEscape(projectID) + "/chat"
		return proxyJSON(ctx, cfg, log, http.MethodPost, path, map[string]any{"text": text})
	}
}

func stepHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		path := "/api/v1/projects/" + url.PathEscape(projectID) + "/step"
		return proxyJSON(ctx, cfg, log, http.MethodPost, path, map[string]any{})
	}
}

func getProjectHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		path := "/api/v1/projects/" + url.PathEscape(projectID)
		return proxyJSON(ctx, cfg, log, http.MethodGet, path, nil)
	}
}

func listProjectsHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return proxyJSON(ctx, cfg, log, http.MethodGet, "/api/v1/projects", nil)
	}
}

func getMessagesHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		path := "/api/v1/projects/" + url.PathEscape(projectID) + "/messages"
		return proxyJSON(ctx, cfg, log, http.MethodGet, path, nil)
	}
}

func listArtifactsHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		path := "/api/v1/projects/" + url.PathEscape(projectID) + "/artifacts"
		return proxyJSON(ctx, cfg, log, http.MethodGet, path, nil)
	}
}

func readArtifactHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		name, err := req.RequireString("name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		path := "/api/v1/projects/" + url.PathEscape(projectID) + "/artifacts/" + url.PathEscape(name)
		if version := req.GetInt("version", 0); version > 0 {
			path = fmt.Sprintf("%s?version=%d", path, version)
		}

		// Artifact content is returned verbatim, not JSON.
		body, status, err := call(ctx, cfg, http.MethodGet, path, nil)
		if err != nil {
			log.Error("artifact read failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Request failed: %v", err)), nil
		}
		if status >= 400 {
			return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", status, string(body))), nil
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}

func cancelProjectHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		path := "/api/v1/projects/" + url.PathEscape(projectID) + "/cancel"
		return proxyJSON(ctx, cfg, log, http.MethodPost, path, map[string]any{})
	}
}

// proxyJSON forwards one call to the gateway and relays the JSON body,
// pretty-printed for the agent.
func proxyJSON(ctx context.Context, cfg Config, log *logger.Logger, method, path string, payload any) (*mcp.CallToolResult, error) {
	body, status, err := call(ctx, cfg, method, path, payload)
	if err != nil {
		log.Error("gateway request failed", zap.String("path", path), zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Request failed: %v", err)), nil
	}
	if status >= 400 {
		return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", status, string(body))), nil
	}

	var raw json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	formatted, _ := json.MarshalIndent(raw, "", "  ")
	return mcp.NewToolResultText(string(formatted)), nil
}

// call performs one authenticated HTTP request against the gateway.
func call(ctx context.Context, cfg Config, method, path string, payload any) ([]byte, int, error) {
	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		reqBody = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, cfg.GatewayURL+path, reqBody)
	if err != nil {
		return nil, 0, err
	}
	httpReq.Header.Set("X-User-ID", cfg.UserID)
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}
