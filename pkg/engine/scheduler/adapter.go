package scheduler

import (
	"context"

	"AgentTide/pkg/engine/api"
	"AgentTide/pkg/engine/editor"
	"AgentTide/pkg/engine/tools"
)

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Adapter Contract
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// StatusUpdateFn receives a full batch snapshot. The hierarchical bridge
// hands one to sub-agent schedulers so nested batches surface on the
// parent record.
type StatusUpdateFn func(snapshot []ToolCall)

// Adapter receives every state transition, output chunk, and completion
// event from the engine. Implemented per caller type: the main agent
// loop and sub-agent runners provide their own.
type Adapter interface {
	// OnToolStatusChanged fires after each transition with a detached
	// copy of the record. A call's own notifications arrive in causal
	// order; no order is guaranteed across different calls.
	OnToolStatusChanged(callID string, status Status, call ToolCall)

	// OnOutputUpdate fires for each streamed output chunk of an
	// executing call.
	OnOutputUpdate(callID string, chunk string, agent api.AgentContext)

	// OnPreToolExecution runs before a scheduled call starts executing.
	// The engine awaits it, and invokes the hooks of a scheduled wave
	// sequentially in request order before any execution begins; hooks
	// may have ordered side effects such as taking a filesystem
	// snapshot.
	OnPreToolExecution(ctx context.Context, call ToolCall) error

	// OnAllToolsComplete fires exactly once per batch, with the full
	// terminal snapshot.
	OnAllToolsComplete(completed []CompletedToolCall, agent api.AgentContext)

	// OnToolCallsUpdate fires with a consistent snapshot of the whole
	// batch after every mutation.
	OnToolCallsUpdate(snapshot []ToolCall, agent api.AgentContext)

	// GetPreferredEditor resolves the editor used by the modify flow.
	GetPreferredEditor() (editor.Kind, bool)

	// GetStatusUpdateCallback returns the upstream bridge callback for
	// sub-agent schedulers, nil for the root.
	GetStatusUpdateCallback() StatusUpdateFn
}

// ToolRegistry provides tool lookup.
type ToolRegistry interface {
	Get(name string) (tools.Tool, bool)
}
