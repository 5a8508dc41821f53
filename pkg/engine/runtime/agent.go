package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"AgentTide/pkg/engine/api"
	"AgentTide/pkg/engine/approval"
	"AgentTide/pkg/engine/scheduler"
	"AgentTide/pkg/engine/store"
	"AgentTide/pkg/engine/telemetry"
	"AgentTide/pkg/logger"
)

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Agent
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// Config holds agent dependencies.
type Config struct {
	LLM       LLM
	Registry  ToolRegistry
	Sessions  store.SessionStore
	EventLog  store.EventLog
	Approvals *approval.Store
	Telemetry *telemetry.Recorder

	WorkspaceRoot string
	SystemPrompt  string

	// MaxIterations caps model round-trips per turn (default 40).
	MaxIterations int
}

// Agent runs conversation turns for one session: it streams the model,
// hands tool-call batches to the scheduler, folds results back into the
// conversation, and repeats until the model stops calling tools.
type Agent struct {
	cfg   Config
	sched *scheduler.Scheduler

	mu      sync.Mutex
	running bool
	session *api.Session
	events  *store.ChannelEventStream
	seq     int64
	agent   api.AgentContext
}

// New creates an agent for a session.
func New(cfg Config) *Agent {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 40
	}
	a := &Agent{
		cfg: cfg,
		agent: api.AgentContext{
			AgentID: "main",
			Type:    api.AgentMain,
		},
	}
	a.sched = scheduler.New(scheduler.Config{
		Registry:  cfg.Registry,
		Adapter:   &mainAdapter{agent: a},
		Approvals: cfg.Approvals,
		Telemetry: cfg.Telemetry,
	})
	return a
}

// Scheduler exposes the underlying engine, mainly for confirmation
// arbitration by the UI layer.
func (a *Agent) Scheduler() *scheduler.Scheduler { return a.sched }

// Resolve answers a pending confirmation.
func (a *Agent) Resolve(ctx context.Context, callID string, outcome api.ConfirmationOutcome, payload *api.ConfirmationPayload) error {
	return a.sched.HandleConfirmationResponse(ctx, callID, outcome, payload)
}

// Send starts a new turn with a user message. The returned stream closes
// when the turn finishes.
func (a *Agent) Send(ctx context.Context, session *api.Session, message string) (api.EventStream, error) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil, fmt.Errorf("%s: turn already in progress", api.ErrBatchActive)
	}
	a.running = true
	a.session = session
	a.events = store.NewChannelEventStream(100)
	a.seq = 0
	events := a.events
	a.mu.Unlock()

	session.Messages = append(session.Messages, api.LLMMessage{Role: "user", Content: message})
	if err := a.saveSession(ctx); err != nil {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		return nil, err
	}

	go a.runTurn(ctx)
	return events, nil
}

func (a *Agent) runTurn(ctx context.Context) {
	defer func() {
		a.mu.Lock()
		a.running = false
		events := a.events
		a.mu.Unlock()
		events.Close()
	}()

	err := a.agentLoop(ctx)
	switch {
	case err == nil:
		a.emitDone(ctx, "completed")
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		a.emitDone(ctx, "canceled")
	default:
		a.emit(ctx, api.Event{
			Type:  api.EventError,
			Error: &api.ErrorPayload{Code: api.ErrToolExecuteFailed, Message: err.Error()},
		})
		a.emitDone(ctx, "error")
	}
}

func (a *Agent) agentLoop(ctx context.Context) error {
	for iter := 0; iter < a.cfg.MaxIterations; iter++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req := LLMRequest{
			Messages: buildRequestMessages(a.cfg.SystemPrompt, a.session.Messages),
			Tools:    a.cfg.Registry.Schemas(),
		}

		assistantContent, toolCalls, err := a.streamModel(ctx, req)
		if err != nil {
			return err
		}

		// No tool calls: the turn is complete.
		if len(toolCalls) == 0 {
			if assistantContent != "" {
				a.session.Messages = append(a.session.Messages, api.LLMMessage{
					Role:    "assistant",
					Content: assistantContent,
				})
				if err := a.saveSession(ctx); err != nil {
					return err
				}
			}
			return nil
		}

		// The assistant message with tool_calls must precede tool results.
		a.session.Messages = append(a.session.Messages, api.LLMMessage{
			Role:      "assistant",
			Content:   assistantContent,
			ToolCalls: toolCalls,
		})
		if err := a.saveSession(ctx); err != nil {
			return err
		}

		completed, err := a.runToolBatch(ctx, toolCalls)
		if err != nil {
			return err
		}

		canceled := false
		for _, c := range completed {
			a.session.Messages = append(a.session.Messages, api.LLMMessage{
				Role:       "tool",
				Content:    toolMessageContent(c),
				ToolCallID: c.Request.CallID,
			})
			if c.Status == scheduler.StatusCancelled {
				canceled = true
			}
		}
		if err := a.saveSession(ctx); err != nil {
			return err
		}

		// A cancelled call means the user aborted; stop the loop instead
		// of letting the model react to the cancellation.
		if canceled {
			return context.Canceled
		}
	}
	return fmt.Errorf("turn exceeded %d model iterations", a.cfg.MaxIterations)
}

func (a *Agent) streamModel(ctx context.Context, req LLMRequest) (string, []api.LLMToolCall, error) {
	stream, err := a.cfg.LLM.Stream(ctx, req)
	if err != nil {
		return "", nil, fmt.Errorf("LLM stream error: %w", err)
	}
	defer stream.Close()

	var content strings.Builder
	var toolCalls []api.LLMToolCall

	for {
		chunk, err := stream.Recv(ctx)
		if err != nil {
			if err == io.EOF {
				return content.String(), toolCalls, nil
			}
			return "", nil, fmt.Errorf("LLM recv error: %w", err)
		}

		if chunk.Delta != "" {
			content.WriteString(chunk.Delta)
			a.emit(ctx, api.Event{
				Type:  api.EventDelta,
				Delta: &api.DeltaPayload{Text: chunk.Delta},
			})
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
		if chunk.FinishReason != "" {
			return content.String(), toolCalls, nil
		}
	}
}

// runToolBatch converts model tool calls into engine requests and waits
// for the batch to reach terminal state.
func (a *Agent) runToolBatch(ctx context.Context, toolCalls []api.LLMToolCall) ([]scheduler.CompletedToolCall, error) {
	requests := make([]api.ToolCallRequest, 0, len(toolCalls))
	for _, tc := range toolCalls {
		callID := tc.ID
		if callID == "" {
			callID = uuid.NewString()
		}

		args := make(api.Args)
		if strings.TrimSpace(tc.Args) != "" {
			if err := json.Unmarshal([]byte(tc.Args), &args); err != nil {
				// Route malformed args through the engine's validation
				// so the record still lands in the batch.
				logger.Warn("Agent", "Model produced invalid JSON args", map[string]interface{}{
					"tool": tc.Name, "error": err.Error(),
				})
				args = api.Args{"_raw": tc.Args}
			}
		}

		requests = append(requests, api.ToolCallRequest{
			CallID: callID,
			Name:   tc.Name,
			Args:   args,
		})
	}

	done, err := a.sched.Execute(ctx, requests, a.agent)
	if err != nil {
		return nil, err
	}

	select {
	case completed := <-done:
		return completed, nil
	case <-ctx.Done():
		// The engine turns abort into cancelled records; the batch still
		// resolves, so wait for the terminal snapshot.
		return <-done, nil
	}
}

func toolMessageContent(c scheduler.CompletedToolCall) string {
	switch c.Status {
	case scheduler.StatusSuccess:
		if c.Response.Content == "" {
			return "(no output)"
		}
		return c.Response.Content
	case scheduler.StatusCancelled:
		return "Tool call cancelled: " + c.Response.CancelReason
	default:
		return "Tool call failed: " + c.Response.Error
	}
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Event Emission
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

func (a *Agent) emit(ctx context.Context, e api.Event) {
	a.mu.Lock()
	events := a.events
	if events == nil {
		a.mu.Unlock()
		return
	}
	a.seq++
	e.Version = 1
	e.SessionID = a.session.SessionID
	e.Seq = a.seq
	e.Ts = time.Now()
	a.mu.Unlock()

	if err := events.Send(e); err != nil {
		return
	}

	if a.cfg.EventLog != nil {
		_ = a.cfg.EventLog.Append(context.WithoutCancel(ctx), e)
	}
}

func (a *Agent) emitDone(ctx context.Context, reason string) {
	a.emit(ctx, api.Event{
		Type: api.EventDone,
		Done: &api.DonePayload{Reason: reason},
	})
}

func (a *Agent) saveSession(ctx context.Context) error {
	if a.cfg.Sessions == nil {
		return nil
	}
	a.session.UpdatedAt = time.Now()
	return a.cfg.Sessions.Put(ctx, a.session.SessionID, a.session)
}

func buildRequestMessages(systemPrompt string, messages []api.LLMMessage) []api.LLMMessage {
	systemPrompt = strings.TrimSpace(systemPrompt)
	if systemPrompt == "" {
		return append([]api.LLMMessage(nil), messages...)
	}
	out := make([]api.LLMMessage, 0, len(messages)+1)
	out = append(out, api.LLMMessage{Role: "system", Content: systemPrompt})
	out = append(out, messages...)
	return out
}
