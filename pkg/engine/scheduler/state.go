// Package scheduler implements the tool execution engine: it owns the
// authoritative in-memory list of tool-call records for one batch and
// drives each record through validate → (confirm) → schedule → execute →
// complete.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"AgentTide/pkg/engine/api"
	"AgentTide/pkg/engine/tools"
)

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Status
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// Status is the lifecycle state of a tool-call record.
type Status string

const (
	StatusValidating       Status = "validating"
	StatusScheduled        Status = "scheduled"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusExecuting        Status = "executing"
	StatusSuccess          Status = "success"
	StatusError            Status = "error"
	StatusCancelled        Status = "cancelled"
)

// IsTerminal reports whether no further transitions can occur.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusCancelled
}

// legalEdges is the complete transition relation. Records are created in
// Validating (or directly terminal for "tool not found"); everything else
// must follow these edges.
var legalEdges = map[Status]map[Status]bool{
	StatusValidating: {
		StatusScheduled:        true,
		StatusAwaitingApproval: true,
		StatusError:            true,
	},
	StatusAwaitingApproval: {
		StatusScheduled:        true,
		StatusAwaitingApproval: true, // isModifying re-mark only
		StatusCancelled:        true,
	},
	StatusScheduled: {
		StatusExecuting: true,
	},
	StatusExecuting: {
		StatusSuccess:   true,
		StatusError:     true,
		StatusCancelled: true,
	},
}

// assertTransition panics on an illegal edge. A violation is a
// programming error in the engine, never a runtime condition.
func assertTransition(from, to Status) {
	if !legalEdges[from][to] {
		panic(fmt.Sprintf("scheduler: illegal tool call transition %s → %s", from, to))
	}
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Tool Call Record
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// RespondFunc routes a consumer decision back into the owning engine's
// HandleConfirmationResponse. Nested records carry a RespondFunc bound
// to their own (sub-agent) engine instance.
type RespondFunc func(ctx context.Context, outcome api.ConfirmationOutcome, payload *api.ConfirmationPayload) error

// PendingConfirmation keeps the tool's original completion callback
// separate from the engine's own routing, so resolving a confirmation
// can never re-enter the engine through the tool's closure.
type PendingConfirmation struct {
	// Details is what the consumer renders; OnConfirm is stripped.
	Details api.ConfirmationDetails

	// External is the tool-supplied callback. The engine invokes it
	// exactly once per resolution, before any outcome handling.
	External api.ConfirmFunc

	// Respond is the engine's routing callback.
	Respond RespondFunc
}

// ToolCall is one record in a batch. The engine never mutates a record
// in place: every state change builds a replacement record and swaps the
// whole list, so observers always hold a consistent snapshot.
//
// Field validity by status:
//   - Confirmation, IsModifying: AwaitingApproval only
//   - LiveOutput, LiveData:      Executing
//   - Response, DurationMs:      terminal states
//   - SubToolCalls:              calls whose tool spawns a sub-agent
type ToolCall struct {
	Request api.ToolCallRequest
	Tool    tools.Tool // nil only for "tool not found" error records
	Agent   api.AgentContext

	Status    Status
	StartTime time.Time

	Outcome      api.ConfirmationOutcome // set once a confirmation resolves
	Confirmation *PendingConfirmation
	IsModifying  bool

	LiveOutput string
	LiveData   any // parsed structured output of sub-agent calls, best effort

	Response   *api.ToolCallResponse
	DurationMs int64

	SubToolCalls []ToolCall

	// dispatched marks a scheduled record already collected into an
	// execution wave. It keeps concurrent wave collectors from running
	// the pre-execution hook twice for the same call.
	dispatched bool
}

// CompletedToolCall is the terminal-only view resolved to batch waiters.
type CompletedToolCall struct {
	Request    api.ToolCallRequest
	Tool       tools.Tool
	Agent      api.AgentContext
	Status     Status
	Outcome    api.ConfirmationOutcome
	Response   api.ToolCallResponse
	DurationMs int64
}

// completed projects a terminal record. Callers must only pass terminal
// records.
func (c ToolCall) completed() CompletedToolCall {
	if !c.Status.IsTerminal() {
		panic("scheduler: completed() on non-terminal record")
	}
	resp := api.ToolCallResponse{CallID: c.Request.CallID}
	if c.Response != nil {
		resp = *c.Response
	}
	return CompletedToolCall{
		Request:    c.Request,
		Tool:       c.Tool,
		Agent:      c.Agent,
		Status:     c.Status,
		Outcome:    c.Outcome,
		Response:   resp,
		DurationMs: c.DurationMs,
	}
}

// copyRecord returns a detached copy safe to hand to observers. Args and
// Response are cloned so snapshot holders cannot reach back into engine
// state. The Confirmation pointer is deliberately shared: Respond must
// route to the scheduler that owns the record, including records that
// surface inside a parent's SubToolCalls.
func copyRecord(c ToolCall) ToolCall {
	out := c
	out.Request.Args = copyArgs(c.Request.Args)
	if c.Response != nil {
		resp := *c.Response
		out.Response = &resp
	}
	if len(c.SubToolCalls) > 0 {
		out.SubToolCalls = make([]ToolCall, len(c.SubToolCalls))
		for i, sc := range c.SubToolCalls {
			out.SubToolCalls[i] = copyRecord(sc)
		}
	}
	return out
}

func copyArgs(args api.Args) api.Args {
	if args == nil {
		return nil
	}
	out := make(api.Args, len(args))
	for k, v := range args {
		out[k] = copyArgValue(v)
	}
	return out
}

func copyArgValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = copyArgValue(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = copyArgValue(e)
		}
		return s
	default:
		return v
	}
}

// copySnapshot returns a detached copy of a whole batch.
func copySnapshot(calls []ToolCall) []ToolCall {
	out := make([]ToolCall, len(calls))
	for i, c := range calls {
		out[i] = copyRecord(c)
	}
	return out
}

// View projects a record (and its nested batches) for UI consumption.
func (c ToolCall) View() api.ToolCallView {
	v := api.ToolCallView{
		CallID:     c.Request.CallID,
		Name:       c.Request.Name,
		Status:     string(c.Status),
		Agent:      c.Agent,
		LiveOutput: c.LiveOutput,
		Response:   c.Response,
		DurationMs: c.DurationMs,
	}
	for _, sc := range c.SubToolCalls {
		v.SubCalls = append(v.SubCalls, sc.View())
	}
	return v
}
