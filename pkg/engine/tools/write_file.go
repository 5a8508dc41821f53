package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"AgentTide/pkg/engine/api"
	"AgentTide/pkg/engine/approval"
	"AgentTide/pkg/engine/editor"
)

// WriteFileTool creates or overwrites files
type WriteFileTool struct {
	BaseTool
	workspaceRoot string
	approvals     *approval.Store
}

// NewWriteFileTool creates a new write_file tool
func NewWriteFileTool(workspaceRoot string, approvals *approval.Store) *WriteFileTool {
	return &WriteFileTool{
		BaseTool: NewBaseTool(
			"write_file",
			"Create a new file or overwrite an existing file with the specified content. Creates parent directories if needed.",
			[]ParameterDef{
				{Name: "path", Type: "string", Description: "Path to the file to create/overwrite (relative to workspace)", Required: true},
				{Name: "content", Type: "string", Description: "Content to write to the file", Required: true},
			},
			api.RiskHigh,
		),
		workspaceRoot: workspaceRoot,
		approvals:     approvals,
	}
}

func (t *WriteFileTool) ShouldConfirmExecute(ctx context.Context, args api.Args) (*api.ConfirmationDetails, error) {
	if t.approvals != nil && t.approvals.IsAlwaysAllowed(t.Name()) {
		return nil, nil
	}

	path := GetStringArg(args, "path", "")
	content := GetStringArg(args, "content", "")

	absPath, err := resolvePathInWorkspace(t.workspaceRoot, path)
	if err != nil {
		absPath = "<invalid path: " + err.Error() + ">"
	}

	preview := content
	if len(preview) > 1000 {
		preview = preview[:1000] + "\n... (truncated)"
	}

	return &api.ConfirmationDetails{
		Kind:  api.ConfirmEdit,
		Title: "Write file: " + path,
		Preview: &api.Preview{
			Kind:     api.PreviewDiff,
			Summary:  "Write file: " + path,
			Content:  preview,
			Affected: []string{absPath},
			RiskHint: "This operation modifies files on disk.",
		},
		OnConfirm: t.rememberApproval,
	}, nil
}

func (t *WriteFileTool) rememberApproval(outcome api.ConfirmationOutcome) error {
	if outcome == api.OutcomeProceedAlways && t.approvals != nil {
		return t.approvals.AlwaysAllow(t.Name(), false)
	}
	return nil
}

// ModifyContext lets the user edit the file content before approving.
func (t *WriteFileTool) ModifyContext(args api.Args) *editor.ModifyContext {
	path := GetStringArg(args, "path", "")
	ext := filepath.Ext(path)
	if ext == "" {
		ext = ".txt"
	}
	return &editor.ModifyContext{
		FileExt: ext,
		Content: GetStringArg(args, "content", ""),
		ParseUpdated: func(edited string) (api.Args, error) {
			updated := make(api.Args, len(args))
			for k, v := range args {
				updated[k] = v
			}
			updated["content"] = edited
			return updated, nil
		},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args api.Args, onOutput OutputFunc, svcs Services) (api.ToolResult, error) {
	path := GetStringArg(args, "path", "")
	if path == "" {
		return api.ToolResult{}, fmt.Errorf("path is required")
	}

	content := GetStringArg(args, "content", "")

	absPath, err := resolvePathInWorkspace(t.workspaceRoot, path)
	if err != nil {
		return api.ToolResult{}, err
	}

	// Check if file exists (for reporting)
	_, statErr := os.Stat(absPath)
	fileExists := statErr == nil

	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return api.ToolResult{}, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(absPath, []byte(content), 0644); err != nil {
		return api.ToolResult{}, err
	}

	if fileExists {
		return successText("✅ File overwritten: " + path), nil
	}
	return successText("✅ File created: " + path), nil
}
