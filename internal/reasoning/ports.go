package reasoning

import (
	"context"

	"github.com/shopspring/decimal"

	"nfaudit/internal/fiscal/tax"
	"nfaudit/internal/retrieval"
)

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of the conversation sent to a provider.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolDefinition advertises a callable capability with a JSON Schema for its arguments.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is a provider's request to run a tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Request is a single provider invocation.
type Request struct {
	Messages    []Message
	Tools       []ToolDefinition
	Temperature float64
}

// Response is what a provider answered: final content or tool calls.
type Response struct {
	Content   string
	ToolCalls []ToolCall
}

// Provider is a reasoning backend. Invoke must honour ctx cancellation.
type Provider interface {
	Name() string
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// Retriever supplies reference passages.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]retrieval.Passage, error)
}

// TaxComputer backs the compute_taxes tool.
type TaxComputer interface {
	Compute(base decimal.Decimal, jurisdiction, regime string) tax.Breakdown
}
