package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"AgentTide/pkg/engine/api"
	"AgentTide/pkg/engine/editor"
)

// OutputFunc receives streamed partial output while a tool executes.
type OutputFunc func(chunk string)

// StatusUpdateFunc publishes a nested batch snapshot upstream. The
// engine hands one to sub-agent spawning tools through Services; the
// payload is engine-owned, so it stays opaque here.
type StatusUpdateFunc func(snapshot any)

// Services carries engine-provided collaborators a tool may use during
// execution.
type Services struct {
	// StatusUpdate is non-nil only for tools that spawn a sub-agent; it
	// routes the sub-agent's batch snapshots into the parent record.
	StatusUpdate StatusUpdateFunc
}

// Tool defines the unified capability contract consumed by the engine.
type Tool interface {
	Name() string
	Schema() api.ToolSchema
	Risk() api.RiskLevel

	// ShouldConfirmExecute returns confirmation details when the call
	// must be approved before running, nil when it can run directly.
	ShouldConfirmExecute(ctx context.Context, args api.Args) (*api.ConfirmationDetails, error)

	// Execute runs the tool. onOutput may be nil; tools that stream
	// should check. Tools are expected to observe ctx cancellation.
	Execute(ctx context.Context, args api.Args, onOutput OutputFunc, svcs Services) (api.ToolResult, error)
}

// Modifiable is an optional interface for tools whose arguments can be
// edited in an external editor during the approval flow.
type Modifiable interface {
	ModifyContext(args api.Args) *editor.ModifyContext
}

// SubAgentSpawner marks tools whose execution runs a nested agent loop.
// The engine binds the hierarchical status bridge to calls of such tools
// and best-effort parses their streamed output as structured data.
type SubAgentSpawner interface {
	SpawnsSubAgent() bool
}

// ArgValidator is an optional interface for tools that validate args
// before confirmation/execution. BaseTool implements it against the
// tool's own parameter schema.
type ArgValidator interface {
	ValidateArgs(args api.Args) error
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// BaseTool
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// ParameterDef describes a single parameter for building JSON-schema tool
// parameters.
type ParameterDef struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "string", "integer", "boolean", "array", "object"
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// BaseTool provides common functionality for tools: schema construction
// and schema-driven argument validation.
type BaseTool struct {
	name        string
	description string
	params      []ParameterDef
	risk        api.RiskLevel
}

// NewBaseTool creates a new BaseTool with the given configuration.
func NewBaseTool(name, description string, params []ParameterDef, risk api.RiskLevel) BaseTool {
	return BaseTool{
		name:        name,
		description: description,
		params:      params,
		risk:        risk,
	}
}

func (b BaseTool) Name() string { return b.name }

func (b BaseTool) Risk() api.RiskLevel {
	if b.risk != "" {
		return b.risk
	}
	return api.RiskLow
}

func (b BaseTool) Schema() api.ToolSchema {
	properties := make(map[string]any)
	var required []string
	for _, p := range b.params {
		properties[p.Name] = map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	params := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		params["required"] = required
	}
	return api.ToolSchema{
		Name:        b.name,
		Description: b.description,
		Parameters:  params,
	}
}

// schemaCache holds compiled parameter schemas keyed by schema text.
var schemaCache sync.Map

func compileSchema(name string, params any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	key := string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// ValidateArgs checks args against the tool's parameter schema.
func (b BaseTool) ValidateArgs(args api.Args) error {
	compiled, err := compileSchema(b.name, b.Schema().Parameters)
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", b.name, err)
	}

	// Round-trip through JSON so numeric types match what the model sends.
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%s: args not serializable: %w", api.ErrToolArgsInvalid, err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return err
	}
	if err := compiled.Validate(decoded); err != nil {
		return fmt.Errorf("%s: %v", api.ErrToolArgsInvalid, err)
	}
	return nil
}

// NoConfirm is embedded by tools that never need approval.
type NoConfirm struct{}

func (NoConfirm) ShouldConfirmExecute(ctx context.Context, args api.Args) (*api.ConfirmationDetails, error) {
	return nil, nil
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Result Helpers
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

func successResult(content string, data any) api.ToolResult {
	return api.ToolResult{Content: content, Data: data}
}

func successText(content string) api.ToolResult { return successResult(content, nil) }

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Arg Helpers
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// GetStringArg extracts a string argument with a default value.
func GetStringArg(args api.Args, key, defaultVal string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

// GetIntArg extracts an integer argument with a default value.
func GetIntArg(args api.Args, key string, defaultVal int) int {
	if v, ok := args[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		case int64:
			return int(n)
		}
	}
	return defaultVal
}

// GetBoolArg extracts a boolean argument with a default value.
func GetBoolArg(args api.Args, key string, defaultVal bool) bool {
	if v, ok := args[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}
