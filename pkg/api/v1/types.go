// Package v1 defines the wire types shared by the engine, the HTTP
// gateway, and external clients. The same shapes are persisted under
// projects/<id>/ so stored state and streamed state never diverge.
// All field names are camelCase.
package v1

import "time"

// ProjectStatus represents the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectStatusPending   ProjectStatus = "pending"
	ProjectStatusRunning   ProjectStatus = "running"
	ProjectStatusCompleted ProjectStatus = "completed"
	ProjectStatusFailed    ProjectStatus = "failed"

	// ProjectStatusClosed is only ever carried by the terminal
	// projectStatusChanged event published when a topic closes.
	ProjectStatusClosed ProjectStatus = "closed"
)

// Terminal reports whether the status is a resting state.
func (s ProjectStatus) Terminal() bool {
	return s == ProjectStatusCompleted || s == ProjectStatusFailed
}

// TaskStatus represents the state of a plan task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether the status is a resting state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// OnFailure selects how a task failure propagates.
type OnFailure string

const (
	OnFailureAbort    OnFailure = "abort"
	OnFailureContinue OnFailure = "continue"
	OnFailureRetry    OnFailure = "retry"
)

// Task is one node of a plan.
type Task struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Goal          string     `json:"goal"`
	AssignedAgent string     `json:"assignedAgent"`
	Dependencies  []string   `json:"dependencies"`
	Status        TaskStatus `json:"status"`
	OnFailure     OnFailure  `json:"onFailure"`
	Result        string     `json:"result,omitempty"`
	Attempts      int        `json:"attempts"`
}

// Plan is the persisted and streamed form of a project's task graph.
type Plan struct {
	Version int    `json:"version"`
	Goal    string `json:"goal"`
	Tasks   []Task `json:"tasks"`
}

// Project is the root aggregate snapshot.
type Project struct {
	ProjectID string        `json:"projectID"`
	UserID    string        `json:"userID"`
	Goal      string        `json:"goal"`
	ConfigRef string        `json:"configRef"`
	Status    ProjectStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
	Plan      *Plan         `json:"plan,omitempty"`
}

// MessageRole identifies the author of a conversation message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// PartType discriminates the Part union.
type PartType string

const (
	PartTypeText         PartType = "text"
	PartTypeToolCall     PartType = "toolCall"
	PartTypeToolResult   PartType = "toolResult"
	PartTypeReasoning    PartType = "reasoning"
	PartTypeError        PartType = "error"
	PartTypeImage        PartType = "image"
	PartTypeStepBoundary PartType = "stepBoundary"
)

// ToolCallStatus tracks a toolCall part through its lifecycle.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallRunning   ToolCallStatus = "running"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallFailed    ToolCallStatus = "failed"
)

// Part is a tagged element of a structured message. Exactly the fields
// belonging to the variant named by Type are set.
type Part struct {
	Type PartType `json:"type"`

	// text, reasoning
	Text string `json:"text,omitempty"`

	// toolCall, toolResult
	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	Status     ToolCallStatus `json:"status,omitempty"`
	Result     any            `json:"result,omitempty"`
	IsError    bool           `json:"isError,omitempty"`

	// error
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`

	// image
	BytesOrURL string `json:"bytesOrURL,omitempty"`
	MimeType   string `json:"mimeType,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

// ReasoningPart builds a reasoning part.
func ReasoningPart(text string) Part {
	return Part{Type: PartTypeReasoning, Text: text}
}

// ToolCallPart builds a toolCall part in the given status.
func ToolCallPart(toolCallID, toolName string, args map[string]any, status ToolCallStatus) Part {
	return Part{Type: PartTypeToolCall, ToolCallID: toolCallID, ToolName: toolName, Args: args, Status: status}
}

// ToolResultPart builds a toolResult part bound to an earlier toolCall.
func ToolResultPart(toolCallID, toolName string, result any, isError bool) Part {
	return Part{Type: PartTypeToolResult, ToolCallID: toolCallID, ToolName: toolName, Result: result, IsError: isError}
}

// ErrorPart builds an error part with a stable code.
func ErrorPart(message, code string) Part {
	return Part{Type: PartTypeError, Message: message, Code: code}
}

// StepBoundaryPart builds a marker separating sub-steps of one message.
func StepBoundaryPart() Part {
	return Part{Type: PartTypeStepBoundary}
}

// Message is an element of a project conversation. Content is the
// flattened readable form retained for model APIs that accept strings.
type Message struct {
	ID        string      `json:"id"`
	ProjectID string      `json:"projectID"`
	TaskID    string      `json:"taskID,omitempty"`
	Role      MessageRole `json:"role"`
	Timestamp time.Time   `json:"timestamp"`
	Parts     []Part      `json:"parts"`
	Content   string      `json:"content"`
}

// ArtifactVersion describes one immutable version of a named artifact.
type ArtifactVersion struct {
	Version   int       `json:"version"`
	MimeType  string    `json:"mimeType"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
	CreatedBy string    `json:"createdBy,omitempty"` // task id
}

// ArtifactMeta is the persisted artifacts/<name>/meta.json document.
type ArtifactMeta struct {
	Name     string            `json:"name"`
	Latest   int               `json:"latest"`
	Versions []ArtifactVersion `json:"versions"`
}

// ArtifactInfo is one row of a project artifact listing.
type ArtifactInfo struct {
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	MimeType  string    `json:"mimeType"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// TaskRun is one ledger record of a task attempt.
type TaskRun struct {
	ProjectID  string     `json:"projectID"`
	TaskID     string     `json:"taskID"`
	Attempt    int        `json:"attempt"`
	Agent      string     `json:"agent"`
	Status     TaskStatus `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// ToolInvocation is one ledger record of a tool call.
type ToolInvocation struct {
	ProjectID  string    `json:"projectID"`
	TaskID     string    `json:"taskID"`
	ToolCallID string    `json:"toolCallId"`
	Tool       string    `json:"tool"`
	DurationMS int64     `json:"durationMs"`
	IsError    bool      `json:"isError"`
	CreatedAt  time.Time `json:"createdAt"`
}
