package api

import (
	"context"
	"time"
)

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// EventStream Interface
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// EventStream is the unified interface for receiving runtime events.
type EventStream interface {
	// Recv returns the next event. io.EOF indicates stream end.
	Recv(ctx context.Context) (Event, error)

	// Close releases stream resources.
	Close() error
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Event Types
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// EventType identifies the kind of event.
type EventType string

const (
	EventDelta        EventType = "delta"
	EventToolSnapshot EventType = "tool_snapshot"
	EventConfirmation EventType = "confirmation"
	EventDone         EventType = "done"
	EventError        EventType = "error"
)

// Event is the unified runtime output type. Only one payload should be
// non-nil.
type Event struct {
	Version   int       `json:"version"`
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"` // monotonically increasing within a turn
	Type      EventType `json:"type"`
	Ts        time.Time `json:"ts"`

	Delta        *DeltaPayload        `json:"delta,omitempty"`
	ToolSnapshot *ToolSnapshotPayload `json:"tool_snapshot,omitempty"`
	Confirmation *ConfirmationEvent   `json:"confirmation,omitempty"`
	Done         *DonePayload         `json:"done,omitempty"`
	Error        *ErrorPayload        `json:"error,omitempty"`
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Payload Types
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// DeltaPayload contains streaming text increments from the model.
type DeltaPayload struct {
	Text string `json:"text"`
}

// ToolCallView is a UI-facing projection of one engine record.
// SubCalls mirrors the nested batch of a sub-agent spawning call.
type ToolCallView struct {
	CallID     string         `json:"call_id"`
	Name       string         `json:"name"`
	Status     string         `json:"status"`
	Agent      AgentContext   `json:"agent"`
	LiveOutput string         `json:"live_output,omitempty"`
	Response   *ToolCallResponse `json:"response,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	SubCalls   []ToolCallView `json:"sub_calls,omitempty"`
}

// ToolSnapshotPayload carries a full, consistent batch snapshot.
type ToolSnapshotPayload struct {
	Calls []ToolCallView `json:"calls"`
}

// ConfirmationEvent announces that a tool call awaits approval.
type ConfirmationEvent struct {
	CallID      string              `json:"call_id"`
	ToolName    string              `json:"tool_name"`
	Agent       AgentContext        `json:"agent"`
	Details     ConfirmationDetails `json:"details"`
	IsModifying bool                `json:"is_modifying,omitempty"`
}

// DonePayload marks turn completion.
type DonePayload struct {
	Reason string `json:"reason,omitempty"` // "completed" | "canceled" | "error"
}

// ErrorPayload contains error information.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
