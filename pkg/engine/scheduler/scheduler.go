package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"AgentTide/pkg/engine/api"
	"AgentTide/pkg/engine/approval"
	"AgentTide/pkg/engine/editor"
	"AgentTide/pkg/engine/telemetry"
	"AgentTide/pkg/engine/tools"
	"AgentTide/pkg/logger"
)

// ErrBatchActive is returned when Execute is called while a previous
// batch still has non-terminal calls. The conflicting call fails fast;
// there is no queue.
var ErrBatchActive = errors.New(api.ErrBatchActive + ": tool calls already active")

// SubAgentToolName is the registry name of the sub-agent spawning tool.
// Calls with this name get the hierarchical status bridge and structured
// live-output parsing even when the tool does not implement
// tools.SubAgentSpawner.
const SubAgentToolName = "run_subagent"

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Scheduler
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// Config holds scheduler dependencies.
type Config struct {
	Registry  ToolRegistry
	Adapter   Adapter
	Approvals *approval.Store
	Telemetry *telemetry.Recorder

	// LaunchEditor overrides the external editor session (tests). The
	// default is editor.Launch.
	LaunchEditor func(ctx context.Context, kind editor.Kind, mc *editor.ModifyContext) (api.Args, error)
}

// Scheduler drives one batch of tool calls at a time. The call list is
// the only shared mutable state; every write swaps in a rebuilt slice so
// observers holding an earlier snapshot never see a torn read.
type Scheduler struct {
	cfg Config

	mu        sync.Mutex
	running   bool
	agent     api.AgentContext
	calls     []ToolCall
	waiters   []chan []CompletedToolCall
	batchCtx  context.Context
	batchDone chan struct{}
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	if cfg.LaunchEditor == nil {
		cfg.LaunchEditor = editor.Launch
	}
	return &Scheduler{cfg: cfg}
}

// IsRunning reports whether a batch has non-terminal calls.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Snapshot returns a detached copy of the current batch.
func (s *Scheduler) Snapshot() []ToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copySnapshot(s.calls)
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Execute
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// Execute runs a batch of tool-call requests. The returned channel
// resolves exactly once with the full terminal snapshot; it is
// registered before any validation or execution starts, so a batch that
// finishes synchronously still resolves it.
//
// Per-call failures never fail the batch; Execute itself errors only
// when a batch is already active.
func (s *Scheduler) Execute(ctx context.Context, requests []api.ToolCallRequest, agent api.AgentContext) (<-chan []CompletedToolCall, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrBatchActive
	}

	now := time.Now()
	calls := make([]ToolCall, 0, len(requests))
	for _, req := range requests {
		if req.Args == nil {
			req.Args = make(api.Args)
		}
		tool, ok := s.cfg.Registry.Get(req.Name)
		if !ok {
			// No capability: terminal immediately, no confirmation attempted.
			calls = append(calls, ToolCall{
				Request:   req,
				Agent:     agent,
				Status:    StatusError,
				StartTime: now,
				Response: &api.ToolCallResponse{
					CallID: req.CallID,
					Error:  fmt.Sprintf("%s: tool %q not found in registry", api.ErrToolNotFound, req.Name),
				},
			})
			continue
		}
		calls = append(calls, ToolCall{
			Request:   req,
			Tool:      tool,
			Agent:     agent,
			Status:    StatusValidating,
			StartTime: now,
		})
	}

	done := make(chan []CompletedToolCall, 1)
	batchDone := make(chan struct{})
	s.running = true
	s.agent = agent
	s.calls = calls
	s.waiters = append(s.waiters, done)
	s.batchCtx = ctx
	s.batchDone = batchDone
	snapshot := copySnapshot(calls)
	s.mu.Unlock()

	s.publish(snapshot, agent)
	go s.watchAbort(ctx, batchDone)

	// Confirmation checks run in submission order; execution below does not.
	for _, req := range requests {
		s.validateAndConfirm(ctx, req.CallID)
	}
	s.attemptExecutionOfScheduledCalls(ctx)
	s.checkCompletion()
	return done, nil
}

// watchAbort turns signal abort while calls sit in AwaitingApproval into
// a Cancel resolution, so an abandoned confirmation still completes the
// batch. Executing calls are forced to Cancelled by their own goroutine
// once the tool returns.
func (s *Scheduler) watchAbort(ctx context.Context, done chan struct{}) {
	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	// Records mid-editor-session or with a resolution already in flight
	// cannot be resolved here; revisit them on a timer until the batch
	// drains instead of spinning on no-op resolutions.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		for {
			s.mu.Lock()
			var callID string
			for _, c := range s.calls {
				if c.Status == StatusAwaitingApproval && !c.IsModifying && c.Confirmation != nil {
					callID = c.Request.CallID
					break
				}
			}
			s.mu.Unlock()
			if callID == "" {
				break
			}
			_ = s.HandleConfirmationResponse(ctx, callID, api.OutcomeCancel, nil)
		}

		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Validation & Confirmation
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

func (s *Scheduler) validateAndConfirm(ctx context.Context, callID string) {
	s.mu.Lock()
	idx := s.indexLocked(callID)
	if idx < 0 || s.calls[idx].Status != StatusValidating {
		s.mu.Unlock()
		return
	}
	call := copyRecord(s.calls[idx])
	s.mu.Unlock()

	if v, ok := call.Tool.(tools.ArgValidator); ok {
		if err := v.ValidateArgs(call.Request.Args); err != nil {
			s.toError(callID, StatusValidating, err.Error())
			return
		}
	}

	if s.cfg.Approvals != nil && s.cfg.Approvals.Mode() == api.ModeYOLO {
		s.transitionFrom(callID, StatusValidating, StatusScheduled, nil)
		return
	}

	details, err := call.Tool.ShouldConfirmExecute(ctx, call.Request.Args)
	if err != nil {
		s.toError(callID, StatusValidating, err.Error())
		return
	}
	if details == nil {
		s.transitionFrom(callID, StatusValidating, StatusScheduled, nil)
		return
	}

	pending := &PendingConfirmation{
		Details:  *details,
		External: details.OnConfirm,
		Respond: func(ctx context.Context, outcome api.ConfirmationOutcome, payload *api.ConfirmationPayload) error {
			return s.HandleConfirmationResponse(ctx, callID, outcome, payload)
		},
	}
	pending.Details.OnConfirm = nil
	s.transitionFrom(callID, StatusValidating, StatusAwaitingApproval, func(c *ToolCall) {
		c.Confirmation = pending
	})
}

// HandleConfirmationResponse resolves a pending confirmation. A stale or
// unknown callID is a no-op, and so is a callID whose confirmation was
// already claimed by a concurrent resolution. The tool's original
// callback always runs first, then the engine acts on the outcome.
func (s *Scheduler) HandleConfirmationResponse(ctx context.Context, callID string, outcome api.ConfirmationOutcome, payload *api.ConfirmationPayload) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	idx := s.indexLocked(callID)
	if idx < 0 || s.calls[idx].Status != StatusAwaitingApproval || s.calls[idx].IsModifying || s.calls[idx].Confirmation == nil {
		s.mu.Unlock()
		return nil
	}
	// Claim the confirmation before releasing the lock so a racing
	// resolution (user input vs. signal abort) cannot run the tool's
	// callback twice for the same call.
	pending := s.calls[idx].Confirmation
	claimed := copyRecord(s.calls[idx])
	claimed.Confirmation = nil
	next := copySnapshot(s.calls)
	next[idx] = claimed
	s.calls = next
	call := copyRecord(claimed)
	batchCtx := s.batchCtx
	s.mu.Unlock()

	if pending.External != nil {
		if err := pending.External(outcome); err != nil {
			logger.Warn("Scheduler", "Confirmation callback failed", map[string]interface{}{
				"call_id": callID, "error": err.Error(),
			})
		}
	}

	aborted := ctx.Err() != nil || (batchCtx != nil && batchCtx.Err() != nil)

	switch {
	case outcome == api.OutcomeCancel || aborted:
		s.transitionFrom(callID, StatusAwaitingApproval, StatusCancelled, func(c *ToolCall) {
			c.Outcome = api.OutcomeCancel
			c.Response = &api.ToolCallResponse{CallID: callID, CancelReason: "user cancelled"}
		})

	case outcome == api.OutcomeModifyWithEditor:
		if err := s.modifyWithEditor(ctx, callID, call, pending); err != nil {
			return err
		}

	default: // ProceedOnce / ProceedAlways / ProceedAlwaysProject
		if outcome == api.OutcomeProceedAlwaysProject && s.cfg.Approvals != nil {
			if err := s.cfg.Approvals.AlwaysAllow(call.Request.Name, true); err != nil {
				logger.Warn("Scheduler", "Failed to persist always-allow", map[string]interface{}{
					"tool": call.Request.Name, "error": err.Error(),
				})
			}
		}
		s.transitionFrom(callID, StatusAwaitingApproval, StatusScheduled, func(c *ToolCall) {
			c.Outcome = outcome
			if payload != nil && payload.ModifiedArgs != nil {
				c.Request.Args = payload.ModifiedArgs
			}
		})
	}

	s.attemptExecutionOfScheduledCalls(batchCtx)
	s.checkCompletion()
	return nil
}

// modifyWithEditor runs the editor-modify flow: re-mark the record with
// an isModifying flag, run the editor session, swap in the edited args,
// and schedule. On failure the claimed confirmation is put back on the
// record so the call keeps awaiting approval and can be resolved again.
func (s *Scheduler) modifyWithEditor(ctx context.Context, callID string, call ToolCall, pending *PendingConfirmation) error {
	mod, ok := call.Tool.(tools.Modifiable)
	if !ok {
		s.restoreConfirmation(callID, pending)
		return fmt.Errorf("tool %q does not support argument modification", call.Request.Name)
	}
	kind, ok := s.cfg.Adapter.GetPreferredEditor()
	if !ok {
		s.restoreConfirmation(callID, pending)
		return errors.New(api.ErrEditorUnavailable + ": no preferred editor resolved")
	}

	s.transitionFrom(callID, StatusAwaitingApproval, StatusAwaitingApproval, func(c *ToolCall) {
		c.IsModifying = true
		c.Confirmation = pending
	})

	updated, err := s.cfg.LaunchEditor(ctx, kind, mod.ModifyContext(call.Request.Args))
	if err != nil {
		// Abort the modify flow; the call keeps awaiting approval.
		s.transitionFrom(callID, StatusAwaitingApproval, StatusAwaitingApproval, func(c *ToolCall) {
			c.IsModifying = false
		})
		return fmt.Errorf("editor session failed for %s: %w", call.Request.Name, err)
	}

	s.transitionFrom(callID, StatusAwaitingApproval, StatusScheduled, func(c *ToolCall) {
		c.IsModifying = false
		c.Outcome = api.OutcomeModifyWithEditor
		c.Request.Args = updated
	})
	return nil
}

// restoreConfirmation hands a claimed confirmation back to its record
// after a resolution attempt that did not consume it.
func (s *Scheduler) restoreConfirmation(callID string, pending *PendingConfirmation) {
	s.transitionFrom(callID, StatusAwaitingApproval, StatusAwaitingApproval, func(c *ToolCall) {
		c.Confirmation = pending
	})
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Execution
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// attemptExecutionOfScheduledCalls launches every currently scheduled
// call. Pre-execution hooks run sequentially in request order before any
// execution starts; the executions themselves fan out concurrently. Each
// scheduled call is claimed once under the lock, so overlapping callers
// never run the same call's hook twice.
func (s *Scheduler) attemptExecutionOfScheduledCalls(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	var wave []ToolCall
	next := copySnapshot(s.calls) // s.calls preserves submission order
	for i := range next {
		if next[i].Status == StatusScheduled && !next[i].dispatched {
			next[i].dispatched = true
			wave = append(wave, copyRecord(next[i]))
		}
	}
	if len(wave) > 0 {
		s.calls = next
	}
	s.mu.Unlock()
	if len(wave) == 0 {
		return
	}

	hookErr := make(map[string]string)
	for _, c := range wave {
		if err := s.cfg.Adapter.OnPreToolExecution(ctx, c); err != nil {
			hookErr[c.Request.CallID] = err.Error()
		}
	}

	for _, c := range wave {
		callID := c.Request.CallID
		if !s.transitionFrom(callID, StatusScheduled, StatusExecuting, nil) {
			continue
		}
		if msg, ok := hookErr[callID]; ok {
			s.completeCall(callID, StatusError, api.ToolCallResponse{
				CallID: callID,
				Error:  fmt.Sprintf("pre-execution hook failed: %s", msg),
			})
			continue
		}
		go s.runCall(ctx, callID, c)
	}
}

// runCall executes one tool invocation in isolation: its outcome, error,
// or panic never touches sibling records.
func (s *Scheduler) runCall(ctx context.Context, callID string, call ToolCall) {
	defer func() {
		if r := recover(); r != nil {
			s.completeCall(callID, StatusError, api.ToolCallResponse{
				CallID: callID,
				Error:  fmt.Sprintf("%s: tool panicked: %v", api.ErrToolExecuteFailed, r),
			})
		}
	}()

	isSub := spawnsSubAgent(call.Tool)
	svcs := tools.Services{}
	if isSub {
		bridge := s.bindSubAgent(callID)
		svcs.StatusUpdate = func(snapshot any) {
			if calls, ok := snapshot.([]ToolCall); ok {
				bridge(calls)
			}
		}
	}
	onOutput := func(chunk string) { s.recordOutput(callID, chunk, isSub) }

	result, err := call.Tool.Execute(ctx, call.Request.Args, onOutput, svcs)

	switch {
	case ctx.Err() != nil:
		// Cancellation always wins, even over a late success.
		s.completeCall(callID, StatusCancelled, api.ToolCallResponse{
			CallID:       callID,
			CancelReason: "user cancelled",
		})
	case err != nil:
		s.completeCall(callID, StatusError, api.ToolCallResponse{
			CallID: callID,
			Error:  err.Error(),
		})
	default:
		display := result.Display
		if display == "" {
			display = result.Content
		}
		s.completeCall(callID, StatusSuccess, api.ToolCallResponse{
			CallID:  callID,
			Content: result.Content,
			Display: display,
			Data:    result.Data,
		})
	}
}

func (s *Scheduler) completeCall(callID string, to Status, resp api.ToolCallResponse) {
	if s.transitionFrom(callID, StatusExecuting, to, func(c *ToolCall) {
		c.Response = &resp
	}) {
		s.checkCompletion()
	}
}

// recordOutput appends a streamed chunk to the record's live output. For
// sub-agent calls the chunk is additionally parsed as JSON, falling back
// to the raw string when parsing fails.
func (s *Scheduler) recordOutput(callID, chunk string, structured bool) {
	s.mu.Lock()
	idx := s.indexLocked(callID)
	if idx < 0 || s.calls[idx].Status != StatusExecuting {
		s.mu.Unlock()
		return
	}
	c := copyRecord(s.calls[idx])
	c.LiveOutput += chunk
	if structured {
		var parsed any
		if err := json.Unmarshal([]byte(chunk), &parsed); err == nil {
			c.LiveData = parsed
		}
	}
	next := make([]ToolCall, len(s.calls))
	copy(next, s.calls)
	next[idx] = c
	s.calls = next
	snapshot := copySnapshot(next)
	agent := s.agent
	s.mu.Unlock()

	s.cfg.Adapter.OnOutputUpdate(callID, chunk, agent)
	s.publish(snapshot, agent)
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Completion Detection
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// checkCompletion runs after every transition: a pure predicate over the
// current snapshot, no timers. The moment all records are terminal it
// logs the batch, fires the batch-complete hook once, resolves every
// waiter, and clears the engine's list.
func (s *Scheduler) checkCompletion() {
	s.mu.Lock()
	// An empty request list is a vacuously complete batch; the running
	// flag alone guards against re-entry after the list is cleared.
	if !s.running {
		s.mu.Unlock()
		return
	}
	for _, c := range s.calls {
		if !c.Status.IsTerminal() {
			s.mu.Unlock()
			return
		}
	}

	completed := make([]CompletedToolCall, len(s.calls))
	for i, c := range s.calls {
		completed[i] = c.completed()
	}
	waiters := s.waiters
	agent := s.agent
	done := s.batchDone
	s.calls = nil
	s.waiters = nil
	s.running = false
	s.batchCtx = nil
	s.batchDone = nil
	s.mu.Unlock()

	close(done)
	s.recordBatch(agent, completed)
	s.cfg.Adapter.OnAllToolsComplete(completed, agent)
	for _, w := range waiters {
		w <- completed
	}
}

func (s *Scheduler) recordBatch(agent api.AgentContext, completed []CompletedToolCall) {
	if s.cfg.Telemetry == nil {
		return
	}
	events := make([]telemetry.ToolCallEvent, len(completed))
	for i, c := range completed {
		events[i] = telemetry.ToolCallEvent{
			AgentID:    agent.AgentID,
			AgentType:  agent.Type,
			CallID:     c.Request.CallID,
			ToolName:   c.Request.Name,
			Status:     string(c.Status),
			Outcome:    string(c.Outcome),
			Error:      c.Response.Error,
			DurationMs: c.DurationMs,
		}
	}
	s.cfg.Telemetry.RecordBatch(context.Background(), agent, events)
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Confirmation Arbitration
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// ActiveConfirmation returns the single highest-priority awaiting
// confirmation, ranking sub-agent records (including nested batches)
// above main-agent ones, so exactly one prompt surfaces at a time.
func (s *Scheduler) ActiveConfirmation() (ToolCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if best := pickConfirmation(s.calls, 0); best != nil {
		return copyRecord(*best), true
	}
	return ToolCall{}, false
}

func pickConfirmation(calls []ToolCall, depth int) *ToolCall {
	var fallback *ToolCall
	for i := range calls {
		c := &calls[i]
		if nested := pickConfirmation(c.SubToolCalls, depth+1); nested != nil {
			return nested
		}
		if c.Status != StatusAwaitingApproval || c.IsModifying || c.Confirmation == nil {
			continue
		}
		if depth > 0 || c.Agent.Type == api.AgentSub {
			return c
		}
		if fallback == nil {
			fallback = c
		}
	}
	return fallback
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Hierarchical Bridge
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// bindSubAgent returns the status-update callback handed down to a
// sub-agent's engine: every child snapshot is stamped with the parent
// call id, lands as SubToolCalls on the parent record, and the full
// parent list is republished.
func (s *Scheduler) bindSubAgent(parentCallID string) StatusUpdateFn {
	return func(snapshot []ToolCall) {
		s.mu.Lock()
		idx := s.indexLocked(parentCallID)
		if idx < 0 {
			s.mu.Unlock()
			return
		}
		stamped := make([]ToolCall, len(snapshot))
		for i, sc := range snapshot {
			sc = copyRecord(sc)
			sc.Agent.ParentAgentID = parentCallID
			stamped[i] = sc
		}
		c := copyRecord(s.calls[idx])
		c.SubToolCalls = stamped
		next := make([]ToolCall, len(s.calls))
		copy(next, s.calls)
		next[idx] = c
		s.calls = next
		snap := copySnapshot(next)
		agent := s.agent
		s.mu.Unlock()

		s.publish(snap, agent)
	}
}

func spawnsSubAgent(t tools.Tool) bool {
	if t == nil {
		return false
	}
	if sp, ok := t.(tools.SubAgentSpawner); ok {
		return sp.SpawnsSubAgent()
	}
	return t.Name() == SubAgentToolName
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Internals
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

func (s *Scheduler) indexLocked(callID string) int {
	for i := range s.calls {
		if s.calls[i].Request.CallID == callID {
			return i
		}
	}
	return -1
}

// transitionFrom replaces the record wholesale when its current status
// matches from. Returns false when the record moved on in the meantime
// (a benign race); panics on an illegal edge.
func (s *Scheduler) transitionFrom(callID string, from, to Status, mutate func(*ToolCall)) bool {
	assertTransition(from, to)

	s.mu.Lock()
	idx := s.indexLocked(callID)
	if idx < 0 || s.calls[idx].Status != from {
		s.mu.Unlock()
		return false
	}
	c := copyRecord(s.calls[idx])
	c.Status = to
	if mutate != nil {
		mutate(&c)
	}
	if to != StatusAwaitingApproval {
		c.Confirmation = nil
		c.IsModifying = false
	}
	if to.IsTerminal() {
		c.DurationMs = time.Since(c.StartTime).Milliseconds()
		if c.Response == nil {
			c.Response = &api.ToolCallResponse{CallID: callID}
		}
	}
	next := make([]ToolCall, len(s.calls))
	copy(next, s.calls)
	next[idx] = c
	s.calls = next
	snapshot := copySnapshot(next)
	notify := copyRecord(c)
	agent := s.agent
	s.mu.Unlock()

	s.cfg.Adapter.OnToolStatusChanged(callID, to, notify)
	s.publish(snapshot, agent)
	return true
}

func (s *Scheduler) toError(callID string, from Status, msg string) {
	s.transitionFrom(callID, from, StatusError, func(c *ToolCall) {
		c.Response = &api.ToolCallResponse{CallID: callID, Error: msg}
	})
}

// publish pushes a snapshot to the adapter and, when a bridge callback
// is configured, upstream to the parent engine.
func (s *Scheduler) publish(snapshot []ToolCall, agent api.AgentContext) {
	s.cfg.Adapter.OnToolCallsUpdate(snapshot, agent)
	if cb := s.cfg.Adapter.GetStatusUpdateCallback(); cb != nil {
		cb(snapshot)
	}
}
