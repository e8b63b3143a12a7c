package ports

import "context"

// RiskLevel grades how dangerous an approval-gated tool is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ToolStatus is the outcome class of an invocation.
type ToolStatus string

const (
	ToolStatusOK      ToolStatus = "ok"
	ToolStatusError   ToolStatus = "error"
	ToolStatusSkipped ToolStatus = "skipped"
)

// ToolSpec describes a registered tool.
type ToolSpec struct {
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	Operations       []string  `json:"operations,omitempty"`
	RequiresApproval bool      `json:"requires_approval,omitempty"`
	Risk             RiskLevel `json:"risk,omitempty"`
	// ReadOnly tools have no side effects and may be cached.
	ReadOnly bool `json:"read_only,omitempty"`
}

// ToolResult is the uniform invocation outcome.
type ToolResult struct {
	Status  ToolStatus     `json:"status"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// ToolInvoker executes tools by name. Invoke never returns an error: unknown
// tools and operations yield ToolStatusSkipped and failures ToolStatusError.
type ToolInvoker interface {
	Invoke(ctx context.Context, tool, action string, params map[string]any) ToolResult
	Spec(tool string) (ToolSpec, bool)
	List() []ToolSpec
}
