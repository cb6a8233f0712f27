package gateway

// CreateProjectRequest opens a new project for a team.
type CreateProjectRequest struct {
	Goal      string `json:"goal"`
	ConfigRef string `json:"configRef" binding:"required"`
}

// ChatRequest carries one user message into the project conversation.
type ChatRequest struct {
	Text string `json:"text" binding:"required"`
}

// StepResponse reports what one scheduler step accomplished.
type StepResponse struct {
	TaskID string `json:"taskID,omitempty"`
	Status string `json:"status,omitempty"`
	Done   bool   `json:"done"`
}

// ErrorResponse is the uniform error body for every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
