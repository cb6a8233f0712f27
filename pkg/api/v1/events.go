package v1

// EventType discriminates envelopes on the project event stream.
type EventType string

const (
	EventMessageStart         EventType = "messageStart"
	EventPartDelta            EventType = "partDelta"
	EventPartComplete         EventType = "partComplete"
	EventMessageComplete      EventType = "messageComplete"
	EventToolCallStart        EventType = "toolCallStart"
	EventToolCallResult       EventType = "toolCallResult"
	EventTaskStatusChanged    EventType = "taskStatusChanged"
	EventPlanUpdated          EventType = "planUpdated"
	EventProjectStatusChanged EventType = "projectStatusChanged"
	EventAgentStatus          EventType = "agentStatus"
	EventLogEntry             EventType = "logEntry"
	EventArtifactCreated      EventType = "artifactCreated"
	EventArtifactUpdated      EventType = "artifactUpdated"
)

// AgentState is the coarse activity phase carried by agentStatus events.
type AgentState string

const (
	AgentStateThinking AgentState = "thinking"
	AgentStateActing   AgentState = "acting"
	AgentStateWaiting  AgentState = "waiting"
)

// The Data builders below centralize the camelCase payload keys so
// publishers and tests never drift on spelling.

// MessageStartData is the payload of a messageStart event.
func MessageStartData(messageID string, role MessageRole, taskID, agent string) map[string]any {
	data := map[string]any{
		"messageId": messageID,
		"role":      string(role),
	}
	if taskID != "" {
		data["taskId"] = taskID
	}
	if agent != "" {
		data["agent"] = agent
	}
	return data
}

// PartDeltaData is the payload of a partDelta event.
func PartDeltaData(messageID string, index int, text string) map[string]any {
	return map[string]any{
		"messageId": messageID,
		"index":     index,
		"text":      text,
	}
}

// PartCompleteData is the payload of a partComplete event.
func PartCompleteData(messageID string, index int, part Part) map[string]any {
	return map[string]any{
		"messageId": messageID,
		"index":     index,
		"part":      part,
	}
}

// MessageCompleteData is the payload of a messageComplete event.
func MessageCompleteData(message Message) map[string]any {
	return map[string]any{
		"message": message,
	}
}

// ToolCallStartData is the payload of a toolCallStart event.
func ToolCallStartData(taskID, toolCallID, toolName string, args map[string]any) map[string]any {
	return map[string]any{
		"taskId":     taskID,
		"toolCallId": toolCallID,
		"toolName":   toolName,
		"args":       args,
	}
}

// ToolCallResultData is the payload of a toolCallResult event.
func ToolCallResultData(taskID, toolCallID, toolName string, result any, isError bool) map[string]any {
	return map[string]any{
		"taskId":     taskID,
		"toolCallId": toolCallID,
		"toolName":   toolName,
		"result":     result,
		"isError":    isError,
	}
}

// TaskStatusChangedData is the payload of a taskStatusChanged event.
// reason and result are optional.
func TaskStatusChangedData(taskID string, status TaskStatus, reason, result string) map[string]any {
	data := map[string]any{
		"taskId": taskID,
		"status": string(status),
	}
	if reason != "" {
		data["reason"] = reason
	}
	if result != "" {
		data["result"] = result
	}
	return data
}

// PlanUpdatedData is the payload of a planUpdated event. The preserved
// and regenerated lists are only present on revisions.
func PlanUpdatedData(plan Plan, preservedTaskIDs, regeneratedTaskIDs []string) map[string]any {
	data := map[string]any{
		"version": plan.Version,
		"goal":    plan.Goal,
		"tasks":   plan.Tasks,
	}
	if preservedTaskIDs != nil {
		data["preservedTaskIDs"] = preservedTaskIDs
	}
	if regeneratedTaskIDs != nil {
		data["regeneratedTaskIDs"] = regeneratedTaskIDs
	}
	return data
}

// ProjectStatusChangedData is the payload of a projectStatusChanged event.
func ProjectStatusChangedData(status ProjectStatus, reason string) map[string]any {
	data := map[string]any{
		"status": string(status),
	}
	if reason != "" {
		data["reason"] = reason
	}
	return data
}

// AgentStatusData is the payload of an agentStatus event.
func AgentStatusData(taskID, agent string, state AgentState) map[string]any {
	return map[string]any{
		"taskId": taskID,
		"agent":  agent,
		"state":  string(state),
	}
}

// LogEntryData is the payload of a logEntry event. code is optional.
func LogEntryData(level, message, code string) map[string]any {
	data := map[string]any{
		"level":   level,
		"message": message,
	}
	if code != "" {
		data["code"] = code
	}
	return data
}

// ArtifactEventData is the payload of artifactCreated/artifactUpdated.
func ArtifactEventData(name string, version int, mimeType string, size int64, createdBy string) map[string]any {
	data := map[string]any{
		"name":     name,
		"version":  version,
		"mimeType": mimeType,
		"size":     size,
	}
	if createdBy != "" {
		data["createdBy"] = createdBy
	}
	return data
}
