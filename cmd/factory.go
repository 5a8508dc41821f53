package cmd

import (
	"os"
	"path/filepath"
	"strconv"

	"AgentTide/pkg/engine/api"
	"AgentTide/pkg/engine/approval"
	"AgentTide/pkg/engine/runtime"
	"AgentTide/pkg/engine/store"
	"AgentTide/pkg/engine/telemetry"
	"AgentTide/pkg/engine/tools"
)

const defaultSystemPrompt = `You are a coding assistant working inside the user's workspace. Use the available tools to read, search, edit and run code. Prefer small verifiable steps; report what you changed. Delegate large self-contained explorations to run_subagent.`

func resolveWorkspaceRoot() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	if realWD, err := filepath.EvalSymlinks(wd); err == nil {
		wd = realWD
	}
	// Use workspace/ subdirectory as the working directory for file operations
	workspaceDir := filepath.Join(wd, "workspace")
	// Create if it doesn't exist
	if err := os.MkdirAll(workspaceDir, 0755); err != nil {
		return "", err
	}
	return workspaceDir, nil
}

func resolveApprovalMode() api.ApprovalMode {
	if yoloFlag {
		return api.ModeYOLO
	}
	return api.ModeDefault
}

// newLLM selects the model client from flags and environment. Without an
// API key the mock client is used, which keeps the CLI testable offline.
func newLLM() runtime.LLM {
	apiKey := os.Getenv("LLM_API_KEY")
	if apiKey == "" {
		return &runtime.MockLLM{}
	}
	baseURL := os.Getenv("LLM_BASE_URL")
	if baseURLFlag != "" {
		baseURL = baseURLFlag
	}
	model := os.Getenv("LLM_MODEL")
	if modelFlag != "" {
		model = modelFlag
	}
	return runtime.NewOpenAILLM(baseURL, apiKey, model)
}

// newAgent wires the full engine stack for one session: stores, approvals,
// telemetry, the tool registry and the sub-agent tool.
func newAgent(workspaceRoot, sessionID string) (*runtime.Agent, store.SessionStore, error) {
	sessionStore, err := store.NewFileSessionStore(workspaceRoot)
	if err != nil {
		return nil, nil, err
	}
	eventLog, err := store.NewJSONLEventLog(workspaceRoot)
	if err != nil {
		return nil, nil, err
	}

	// Always-allow grants live one level above the workspace, next to the
	// project files they apply to.
	approvals, err := approval.NewStore(filepath.Dir(workspaceRoot), resolveApprovalMode())
	if err != nil {
		return nil, nil, err
	}

	recorder, err := telemetry.NewRecorder(workspaceRoot, sessionID)
	if err != nil {
		return nil, nil, err
	}

	llm := newLLM()

	// The sub-agent gets its own registry without run_subagent, so
	// delegation stops at one level of nesting.
	subRegistry := tools.DefaultRegistry(workspaceRoot, approvals)

	reg := tools.DefaultRegistry(workspaceRoot, approvals)
	reg.MustRegister(runtime.NewSubAgentTool(runtime.SubAgentConfig{
		LLM:           llm,
		Registry:      subRegistry,
		Approvals:     approvals,
		Telemetry:     recorder,
		MaxIterations: envInt("SUBAGENT_MAX_ITERATIONS", 0),
	}))

	agent := runtime.New(runtime.Config{
		LLM:           llm,
		Registry:      reg,
		Sessions:      sessionStore,
		EventLog:      eventLog,
		Approvals:     approvals,
		Telemetry:     recorder,
		WorkspaceRoot: workspaceRoot,
		SystemPrompt:  defaultSystemPrompt,
		MaxIterations: envInt("AGENT_MAX_ITERATIONS", 0),
	})
	return agent, sessionStore, nil
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
