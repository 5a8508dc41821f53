package runtime

import (
	"context"

	"AgentTide/pkg/engine/api"
	"AgentTide/pkg/engine/editor"
	"AgentTide/pkg/engine/scheduler"
	"AgentTide/pkg/logger"
)

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Main Adapter
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// mainAdapter routes scheduler callbacks into the agent's event stream.
type mainAdapter struct {
	agent *Agent
}

func (m *mainAdapter) OnToolStatusChanged(callID string, status scheduler.Status, call scheduler.ToolCall) {
	if status != scheduler.StatusAwaitingApproval || call.Confirmation == nil || call.IsModifying {
		return
	}
	m.agent.emit(context.Background(), api.Event{
		Type: api.EventConfirmation,
		Confirmation: &api.ConfirmationEvent{
			CallID:   callID,
			ToolName: call.Request.Name,
			Agent:    call.Agent,
			Details:  call.Confirmation.Details,
		},
	})
}

func (m *mainAdapter) OnOutputUpdate(callID string, chunk string, agent api.AgentContext) {
	// Live output reaches consumers through snapshot events.
}

func (m *mainAdapter) OnPreToolExecution(ctx context.Context, call scheduler.ToolCall) error {
	logger.Info("Agent", "Executing tool", map[string]interface{}{
		"call_id": call.Request.CallID,
		"tool":    call.Request.Name,
	})
	return nil
}

func (m *mainAdapter) OnAllToolsComplete(completed []scheduler.CompletedToolCall, agent api.AgentContext) {
	logger.Info("Agent", "Tool batch complete", map[string]interface{}{
		"agent": agent.AgentID,
		"count": len(completed),
	})
}

func (m *mainAdapter) OnToolCallsUpdate(snapshot []scheduler.ToolCall, agent api.AgentContext) {
	m.agent.emit(context.Background(), api.Event{
		Type:         api.EventToolSnapshot,
		ToolSnapshot: &api.ToolSnapshotPayload{Calls: viewsOf(snapshot)},
	})
}

func (m *mainAdapter) GetPreferredEditor() (editor.Kind, bool) {
	return editor.Preferred()
}

func (m *mainAdapter) GetStatusUpdateCallback() scheduler.StatusUpdateFn {
	// The main agent has no parent to bridge into.
	return nil
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Sub-Agent Adapter
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// subAgentAdapter is the quiet adapter behind a nested engine: it stays
// off the main event stream and instead forwards every snapshot to the
// parent record through the hierarchical bridge.
type subAgentAdapter struct {
	forward scheduler.StatusUpdateFn
}

func (s *subAgentAdapter) OnToolStatusChanged(callID string, status scheduler.Status, call scheduler.ToolCall) {
}

func (s *subAgentAdapter) OnOutputUpdate(callID string, chunk string, agent api.AgentContext) {}

func (s *subAgentAdapter) OnPreToolExecution(ctx context.Context, call scheduler.ToolCall) error {
	return nil
}

func (s *subAgentAdapter) OnAllToolsComplete(completed []scheduler.CompletedToolCall, agent api.AgentContext) {
}

func (s *subAgentAdapter) OnToolCallsUpdate(snapshot []scheduler.ToolCall, agent api.AgentContext) {}

func (s *subAgentAdapter) GetPreferredEditor() (editor.Kind, bool) {
	return editor.Preferred()
}

func (s *subAgentAdapter) GetStatusUpdateCallback() scheduler.StatusUpdateFn {
	return s.forward
}

func viewsOf(snapshot []scheduler.ToolCall) []api.ToolCallView {
	views := make([]api.ToolCallView, len(snapshot))
	for i := range snapshot {
		views[i] = snapshot[i].View()
	}
	return views
}
