package wire

import "encoding/json"

// MetadataExecutionID is the task metadata key correlating a tool
// request with its eventual result.
const MetadataExecutionID = "execution_id"

// ToolRequest is the JSON document carried as the content of a
// tool_request task.
type ToolRequest struct {
	ToolName   string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters,omitempty"`
	DryRun     bool           `json:"dry_run,omitempty"`
}

// ParseToolRequest decodes and validates a tool_request content
// document.
func ParseToolRequest(content string) (*ToolRequest, error) {
	var req ToolRequest
	if err := json.Unmarshal([]byte(content), &req); err != nil {
		return nil, malformed("tool request: " + err.Error())
	}
	if req.ToolName == "" {
		return nil, mismatch("tool request requires tool_name")
	}
	return &req, nil
}

// ExecutionID returns the execution id stamped on the task metadata,
// empty when absent.
func (t *Task) ExecutionID() string {
	if t.Metadata == nil {
		return ""
	}
	id, _ := t.Metadata[MetadataExecutionID].(string)
	return id
}

// SetExecutionID stamps the execution id on the task metadata.
func (t *Task) SetExecutionID(id string) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]any, 1)
	}
	t.Metadata[MetadataExecutionID] = id
}
