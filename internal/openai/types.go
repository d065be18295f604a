package openai

// Run statuses reported by the runs endpoint.
const (
	RunQueued         = "queued"
	RunInProgress     = "in_progress"
	RunRequiresAction = "requires_action"
	RunCancelling     = "cancelling"
	RunCancelled      = "cancelled"
	RunFailed         = "failed"
	RunCompleted      = "completed"
	RunIncomplete     = "incomplete"
	RunExpired        = "expired"
)

const PurposeAssistants = "assistants"

type Model struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by"`
	Created int64  `json:"created"`
}

type VectorStore struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

type VectorStoreFile struct {
	ID            string `json:"id"`
	VectorStoreID string `json:"vector_store_id"`
	Status        string `json:"status"`
}

type FileObject struct {
	ID        string `json:"id"`
	Bytes     int64  `json:"bytes"`
	Filename  string `json:"filename"`
	Purpose   string `json:"purpose"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

type Tool struct {
	Type string `json:"type"`
}

type FileSearchResources struct {
	VectorStoreIDs []string `json:"vector_store_ids"`
}

type ToolResources struct {
	FileSearch *FileSearchResources `json:"file_search,omitempty"`
}

// AssistantRequest is the body for both create and update. Tools is always
// serialized so an empty slice clears tools on the remote side.
type AssistantRequest struct {
	Name          string         `json:"name"`
	Instructions  string         `json:"instructions"`
	Model         string         `json:"model"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	Tools         []Tool         `json:"tools"`
	ToolResources *ToolResources `json:"tool_resources,omitempty"`
}

type Assistant struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Model        string `json:"model"`
	Instructions string `json:"instructions"`
}

type Thread struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
}

type TextContent struct {
	Value string `json:"value"`
}

type ContentBlock struct {
	Type string       `json:"type"`
	Text *TextContent `json:"text,omitempty"`
}

type Message struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"thread_id"`
	Role      string         `json:"role"`
	Content   []ContentBlock `json:"content"`
	CreatedAt int64          `json:"created_at"`
	RunID     string         `json:"run_id,omitempty"`
}

// FirstText returns the value of the first text block, if any.
func (m Message) FirstText() (string, bool) {
	for _, block := range m.Content {
		if block.Type == "text" && block.Text != nil {
			return block.Text.Value, true
		}
	}
	return "", false
}

// RunRequest carries only the assistant and temperature; top_p and
// max_tokens stay on the assistant definition.
type RunRequest struct {
	AssistantID string   `json:"assistant_id"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Run struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"thread_id"`
	AssistantID string    `json:"assistant_id"`
	Status      string    `json:"status"`
	LastError   *RunError `json:"last_error,omitempty"`
}
