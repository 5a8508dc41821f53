// Package api defines the stable shared types for Agent Tide.
// All packages communicate through these values; keep them serializable.
package api

import "time"

// Args is the canonical argument container for tools.
type Args = map[string]any

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Tool Call Requests
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// ToolCallRequest is an immutable request to invoke a named tool.
// CallID is unique within a batch and is the sole correlation key for
// confirmation responses and output updates.
type ToolCallRequest struct {
	CallID            string `json:"call_id"`
	Name              string `json:"name"`
	Args              Args   `json:"args"`
	IsClientInitiated bool   `json:"is_client_initiated,omitempty"`
	PromptID          string `json:"prompt_id,omitempty"`
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Agent Context
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// AgentType distinguishes the top-level agent from nested sub-agents.
type AgentType string

const (
	AgentMain AgentType = "main"
	AgentSub  AgentType = "sub"
)

// AgentContext identifies whose batch a tool-call record belongs to.
// Attached at record creation; used for confirmation-priority arbitration.
type AgentContext struct {
	AgentID         string    `json:"agent_id"`
	Type            AgentType `json:"agent_type"`
	ParentAgentID   string    `json:"parent_agent_id,omitempty"`
	TaskDescription string    `json:"task_description,omitempty"`
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Approval Mode
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// ApprovalMode determines whether tool calls go through confirmation.
type ApprovalMode string

const (
	// ModeDefault asks each tool whether it wants a confirmation.
	ModeDefault ApprovalMode = "default"

	// ModeYOLO bypasses all confirmations (trusted environments only).
	ModeYOLO ApprovalMode = "yolo"
)

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Confirmation
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// ConfirmationOutcome is the consumer's decision on a pending tool call.
type ConfirmationOutcome string

const (
	OutcomeProceedOnce          ConfirmationOutcome = "proceed_once"
	OutcomeProceedAlways        ConfirmationOutcome = "proceed_always"
	OutcomeProceedAlwaysProject ConfirmationOutcome = "proceed_always_project"
	OutcomeModifyWithEditor     ConfirmationOutcome = "modify_with_editor"
	OutcomeCancel               ConfirmationOutcome = "cancel"
)

// ConfirmationKind identifies what kind of action is awaiting approval.
type ConfirmationKind string

const (
	ConfirmExec ConfirmationKind = "exec"
	ConfirmEdit ConfirmationKind = "edit"
	ConfirmInfo ConfirmationKind = "info"
)

// ConfirmFunc is a tool-supplied completion callback invoked exactly once
// when the consumer resolves a confirmation. Tools use it for their own
// bookkeeping (e.g. recording an always-allow grant).
type ConfirmFunc func(outcome ConfirmationOutcome) error

// ConfirmationDetails is returned by a tool that wants a confirmation
// before executing. OnConfirm is the tool's original callback; the engine
// stashes it separately from its own routing so resolution never re-enters
// the engine.
type ConfirmationDetails struct {
	Kind      ConfirmationKind `json:"kind"`
	Title     string           `json:"title"`
	Preview   *Preview         `json:"preview,omitempty"`
	OnConfirm ConfirmFunc      `json:"-"`
}

// ConfirmationPayload carries outcome-specific data with a resolution.
type ConfirmationPayload struct {
	// ModifiedArgs replaces the request args when the consumer already
	// edited them out of band (instead of the engine-driven editor flow).
	ModifiedArgs Args `json:"modified_args,omitempty"`
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Tool Results
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// ToolResult is what a tool returns from Execute.
type ToolResult struct {
	Content string `json:"content"`           // LLM-facing content
	Display string `json:"display,omitempty"` // user-facing rendering, defaults to Content
	Data    any    `json:"data,omitempty"`    // optional structured data
}

// ToolCallResponse is the response envelope recorded on a terminal call.
// Exactly one of the three shapes applies: a result (Success), an Error
// message, or a CancelReason.
type ToolCallResponse struct {
	CallID       string `json:"call_id"`
	Content      string `json:"content,omitempty"`
	Display      string `json:"display,omitempty"`
	Data         any    `json:"data,omitempty"`
	Error        string `json:"error,omitempty"`
	CancelReason string `json:"cancel_reason,omitempty"`
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Preview Types
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// PreviewKind identifies the type of preview content.
type PreviewKind string

const (
	PreviewDiff    PreviewKind = "diff"
	PreviewCommand PreviewKind = "command"
	PreviewText    PreviewKind = "text"
)

// Preview is what a confirmation UI shows before the user decides.
type Preview struct {
	Kind     PreviewKind `json:"kind"`
	Summary  string      `json:"summary"`
	Content  string      `json:"content,omitempty"`  // diff or command text
	Affected []string    `json:"affected,omitempty"` // affected paths
	RiskHint string      `json:"risk_hint,omitempty"`
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Risk Level
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// RiskLevel indicates the risk level of a tool, for UI rendering.
type RiskLevel string

const (
	RiskNone RiskLevel = "none"
	RiskLow  RiskLevel = "low"
	RiskHigh RiskLevel = "high"
)

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// LLM Types
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// ToolSchema is the model-exposed tool schema.
type ToolSchema struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters"` // JSON Schema-like
}

// LLMMessage represents a message in the model conversation.
type LLMMessage struct {
	Role       string        `json:"role"` // "system" | "user" | "assistant" | "tool"
	Content    string        `json:"content"`
	ToolCalls  []LLMToolCall `json:"tool_calls,omitempty"`   // for assistant role
	ToolCallID string        `json:"tool_call_id,omitempty"` // for tool role
}

// LLMToolCall represents a tool call emitted by the model.
type LLMToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args string `json:"args"` // JSON string
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Session Types
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// Session is the persisted conversation record. Tool-call records are
// engine-owned and deliberately not part of it.
type Session struct {
	SessionID string            `json:"session_id"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Messages  []LLMMessage      `json:"messages"`
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Standard Error Codes
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

const (
	ErrInvalidSession    = "invalid_session"
	ErrBatchActive       = "batch_active"
	ErrToolNotFound      = "tool_not_found"
	ErrToolArgsInvalid   = "tool_args_invalid"
	ErrToolExecuteFailed = "tool_execute_failed"
	ErrEditorUnavailable = "editor_unavailable"
	ErrStoreError        = "store_error"
)
