package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"AgentTide/pkg/engine/api"
	"AgentTide/pkg/engine/approval"
	"AgentTide/pkg/engine/scheduler"
	"AgentTide/pkg/engine/telemetry"
	"AgentTide/pkg/engine/tools"
	"AgentTide/pkg/logger"
)

const subAgentSystemPrompt = `You are a focused sub-agent. Complete the given task using the available tools, then reply with a concise summary of what you did and found. Do not ask questions; make reasonable assumptions.`

// SubAgentConfig holds dependencies for spawned sub-agents.
type SubAgentConfig struct {
	LLM       LLM
	Registry  ToolRegistry // must not contain the run_subagent tool itself
	Approvals *approval.Store
	Telemetry *telemetry.Recorder

	// MaxIterations caps model round-trips per task (default 15).
	MaxIterations int
}

// SubAgentTool spawns a nested agent that works through a delegated task
// with its own tool batches. Nesting stops at one level: the sub-agent's
// registry does not include this tool.
type SubAgentTool struct {
	tools.BaseTool
	tools.NoConfirm
	cfg SubAgentConfig
}

// NewSubAgentTool creates the run_subagent tool.
func NewSubAgentTool(cfg SubAgentConfig) *SubAgentTool {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 15
	}
	return &SubAgentTool{
		BaseTool: tools.NewBaseTool(
			"run_subagent",
			"Delegate a self-contained task to a sub-agent that works autonomously with its own tools and reports back a summary. Use for multi-step explorations that would clutter the main conversation.",
			[]tools.ParameterDef{
				{Name: "task", Type: "string", Description: "Complete description of the task to delegate", Required: true},
				{Name: "context", Type: "string", Description: "Extra context the sub-agent needs (optional)", Required: false},
			},
			api.RiskLow,
		),
		cfg: cfg,
	}
}

func (t *SubAgentTool) SpawnsSubAgent() bool { return true }

// progressUpdate is streamed as live output; the parent engine parses it
// into the record's structured data.
type progressUpdate struct {
	Phase  string `json:"phase"` // "thinking" | "tools" | "done"
	Detail string `json:"detail,omitempty"`
}

func (t *SubAgentTool) Execute(ctx context.Context, args api.Args, onOutput tools.OutputFunc, svcs tools.Services) (api.ToolResult, error) {
	task := tools.GetStringArg(args, "task", "")
	if task == "" {
		return api.ToolResult{}, fmt.Errorf("task is required")
	}
	extra := tools.GetStringArg(args, "context", "")

	agent := api.AgentContext{
		AgentID:         "sub-" + uuid.NewString()[:8],
		Type:            api.AgentSub,
		TaskDescription: task,
	}

	forward := func(snapshot []scheduler.ToolCall) {
		if svcs.StatusUpdate != nil {
			svcs.StatusUpdate(snapshot)
		}
	}
	sched := scheduler.New(scheduler.Config{
		Registry:  t.cfg.Registry,
		Adapter:   &subAgentAdapter{forward: forward},
		Approvals: t.cfg.Approvals,
		Telemetry: t.cfg.Telemetry,
	})

	userContent := task
	if extra != "" {
		userContent += "\n\nContext:\n" + extra
	}
	messages := []api.LLMMessage{
		{Role: "system", Content: subAgentSystemPrompt},
		{Role: "user", Content: userContent},
	}

	emitProgress := func(phase, detail string) {
		if onOutput == nil {
			return
		}
		line, err := json.Marshal(progressUpdate{Phase: phase, Detail: detail})
		if err != nil {
			return
		}
		onOutput(string(line))
	}

	logger.Info("SubAgent", "Starting delegated task", map[string]interface{}{
		"agent_id": agent.AgentID,
		"task":     task,
	})

	for iter := 0; iter < t.cfg.MaxIterations; iter++ {
		if ctx.Err() != nil {
			return api.ToolResult{}, ctx.Err()
		}

		emitProgress("thinking", fmt.Sprintf("iteration %d", iter+1))

		content, toolCalls, err := t.streamModel(ctx, LLMRequest{
			Messages: messages,
			Tools:    t.cfg.Registry.Schemas(),
		})
		if err != nil {
			return api.ToolResult{}, err
		}

		if len(toolCalls) == 0 {
			emitProgress("done", "")
			return api.ToolResult{
				Content: content,
				Data:    map[string]any{"agent_id": agent.AgentID},
			}, nil
		}

		messages = append(messages, api.LLMMessage{
			Role:      "assistant",
			Content:   content,
			ToolCalls: toolCalls,
		})

		requests := make([]api.ToolCallRequest, 0, len(toolCalls))
		names := make([]string, 0, len(toolCalls))
		for _, tc := range toolCalls {
			callID := tc.ID
			if callID == "" {
				callID = uuid.NewString()
			}
			toolArgs := make(api.Args)
			if strings.TrimSpace(tc.Args) != "" {
				_ = json.Unmarshal([]byte(tc.Args), &toolArgs)
			}
			requests = append(requests, api.ToolCallRequest{CallID: callID, Name: tc.Name, Args: toolArgs})
			names = append(names, tc.Name)
		}
		emitProgress("tools", strings.Join(names, ", "))

		done, err := sched.Execute(ctx, requests, agent)
		if err != nil {
			return api.ToolResult{}, err
		}
		completed := <-done

		for _, c := range completed {
			if c.Status == scheduler.StatusCancelled {
				return api.ToolResult{}, context.Canceled
			}
			messages = append(messages, api.LLMMessage{
				Role:       "tool",
				Content:    toolMessageContent(c),
				ToolCallID: c.Request.CallID,
			})
		}
	}

	return api.ToolResult{}, fmt.Errorf("sub-agent exceeded %d model iterations", t.cfg.MaxIterations)
}

func (t *SubAgentTool) streamModel(ctx context.Context, req LLMRequest) (string, []api.LLMToolCall, error) {
	stream, err := t.cfg.LLM.Stream(ctx, req)
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
			return "", nil, err
		}
		if chunk.Delta != "" {
			content.WriteString(chunk.Delta)
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
		if chunk.FinishReason != "" {
			return content.String(), toolCalls, nil
		}
	}
}
