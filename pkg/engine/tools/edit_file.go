package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"AgentTide/pkg/engine/api"
	"AgentTide/pkg/engine/approval"
	"AgentTide/pkg/engine/editor"
)

// EditFileTool makes targeted edits to existing files
type EditFileTool struct {
	BaseTool
	workspaceRoot string
	approvals     *approval.Store
}

// NewEditFileTool creates a new edit_file tool
func NewEditFileTool(workspaceRoot string, approvals *approval.Store) *EditFileTool {
	return &EditFileTool{
		BaseTool: NewBaseTool(
			"edit_file",
			"Make targeted edits to an existing file by replacing specific text. More precise than write_file for modifications.",
			[]ParameterDef{
				{Name: "path", Type: "string", Description: "Path to the file to edit (relative to workspace)", Required: true},
				{Name: "old_text", Type: "string", Description: "Exact text to find and replace (must match exactly)", Required: true},
				{Name: "new_text", Type: "string", Description: "Text to replace old_text with", Required: true},
			},
			api.RiskHigh,
		),
		workspaceRoot: workspaceRoot,
		approvals:     approvals,
	}
}

func (t *EditFileTool) ShouldConfirmExecute(ctx context.Context, args api.Args) (*api.ConfirmationDetails, error) {
	if t.approvals != nil && t.approvals.IsAlwaysAllowed(t.Name()) {
		return nil, nil
	}

	path := GetStringArg(args, "path", "")
	oldText := GetStringArg(args, "old_text", "")
	newText := GetStringArg(args, "new_text", "")

	absPath, err := resolvePathInWorkspace(t.workspaceRoot, path)
	pathPreview := absPath
	if err != nil {
		pathPreview = "<invalid path: " + err.Error() + ">"
	}

	// Unified diff-like preview
	var diffBuilder strings.Builder
	for _, line := range strings.Split(oldText, "\n") {
		diffBuilder.WriteString("- " + line + "\n")
	}
	for _, line := range strings.Split(newText, "\n") {
		diffBuilder.WriteString("+ " + line + "\n")
	}

	diffText := diffBuilder.String()
	if len(diffText) > 4000 {
		diffText = diffText[:4000] + "\n... (truncated)"
	}

	return &api.ConfirmationDetails{
		Kind:  api.ConfirmEdit,
		Title: "Edit file: " + path,
		Preview: &api.Preview{
			Kind:     api.PreviewDiff,
			Summary:  "Edit file: " + path,
			Content:  diffText,
			Affected: []string{pathPreview},
			RiskHint: fmt.Sprintf("Replacing %d bytes with %d bytes", len(oldText), len(newText)),
		},
		OnConfirm: t.rememberApproval,
	}, nil
}

func (t *EditFileTool) rememberApproval(outcome api.ConfirmationOutcome) error {
	if outcome == api.OutcomeProceedAlways && t.approvals != nil {
		return t.approvals.AlwaysAllow(t.Name(), false)
	}
	return nil
}

// ModifyContext lets the user edit the replacement text before approving.
func (t *EditFileTool) ModifyContext(args api.Args) *editor.ModifyContext {
	path := GetStringArg(args, "path", "")
	ext := filepath.Ext(path)
	if ext == "" {
		ext = ".txt"
	}
	return &editor.ModifyContext{
		FileExt: ext,
		Content: GetStringArg(args, "new_text", ""),
		ParseUpdated: func(edited string) (api.Args, error) {
			updated := make(api.Args, len(args))
			for k, v := range args {
				updated[k] = v
			}
			updated["new_text"] = edited
			return updated, nil
		},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, args api.Args, onOutput OutputFunc, svcs Services) (api.ToolResult, error) {
	path := GetStringArg(args, "path", "")
	if path == "" {
		return api.ToolResult{}, fmt.Errorf("path is required")
	}

	oldText := GetStringArg(args, "old_text", "")
	if oldText == "" {
		return api.ToolResult{}, fmt.Errorf("old_text is required")
	}

	newText := GetStringArg(args, "new_text", "")

	absPath, err := resolvePathInWorkspace(t.workspaceRoot, path)
	if err != nil {
		return api.ToolResult{}, err
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return api.ToolResult{}, fmt.Errorf("file does not exist: %s", path)
		}
		return api.ToolResult{}, err
	}

	contentStr := string(content)

	if !strings.Contains(contentStr, oldText) {
		return api.ToolResult{}, fmt.Errorf("old_text not found in file, make sure it matches exactly including whitespace")
	}

	// old_text must be unique in the file
	count := strings.Count(contentStr, oldText)
	if count > 1 {
		return api.ToolResult{}, fmt.Errorf("old_text found %d times in file, it must be unique; provide more context", count)
	}

	newContent := strings.Replace(contentStr, oldText, newText, 1)

	if err := os.WriteFile(absPath, []byte(newContent), 0644); err != nil {
		return api.ToolResult{}, err
	}

	return successText(fmt.Sprintf("✅ File edited: %s\nReplaced %d bytes with %d bytes", path, len(oldText), len(newText))), nil
}
