package v1

// CreateProjectRequest creates a new project for the calling user.
type CreateProjectRequest struct {
	Goal      string `json:"goal" binding:"required"`
	ConfigRef string `json:"configRef" binding:"required"`
}

// ChatRequest carries one user message to the coordinator.
type ChatRequest struct {
	Message     string   `json:"message" binding:"required"`
	Attachments []string `json:"attachments,omitempty"` // artifact names
}

// ChatKind tells the caller what the coordinator did with the message.
type ChatKind string

const (
	ChatKindPlanGenerated ChatKind = "planGenerated"
	ChatKindPlanRevised   ChatKind = "planRevised"
	ChatKindAnswer        ChatKind = "answer"
)

// ChatResponse is the result of a Chat call.
type ChatResponse struct {
	Kind ChatKind `json:"kind"`
	// Reply is set for answers and failure explanations.
	Reply *Message `json:"reply,omitempty"`
	// Plan is set when the call generated or revised the plan.
	Plan *Plan `json:"plan,omitempty"`
	// PreservedTaskIDs/RegeneratedTaskIDs are set on revisions.
	PreservedTaskIDs   []string `json:"preservedTaskIDs,omitempty"`
	RegeneratedTaskIDs []string `json:"regeneratedTaskIDs,omitempty"`
}

// StepReport is the result of one scheduler step.
type StepReport struct {
	// TaskID and Status describe the completion that ended the step;
	// both are empty when the step only dispatched or found nothing
	// to do.
	TaskID string     `json:"taskId,omitempty"`
	Status TaskStatus `json:"status,omitempty"`
	// Done is true once every task is terminal.
	Done bool `json:"done"`
}

// ErrorResponse is the uniform error body returned by the gateway.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
