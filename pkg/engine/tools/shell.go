package tools

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"AgentTide/pkg/engine/api"
	"AgentTide/pkg/engine/approval"
	"AgentTide/pkg/engine/editor"
)

// dangerousPatterns flags commands that warrant an explicit warning in
// the confirmation preview. Matching never blocks execution; the user
// still decides.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+/`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`\bdd\s+.*of=/dev/`),
	regexp.MustCompile(`\bgit\s+push\s+.*--force\b`),
	regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]+\s+)*777\b`),
	regexp.MustCompile(`>\s*/dev/s[dr]`),
	regexp.MustCompile(`\bshutdown\b|\breboot\b`),
}

// ShellTool executes shell commands
type ShellTool struct {
	BaseTool
	workspaceRoot  string
	approvals      *approval.Store
	timeout        time.Duration
	maxOutputBytes int
}

// NewShellTool creates a new shell tool
func NewShellTool(workspaceRoot string, approvals *approval.Store) *ShellTool {
	return &ShellTool{
		BaseTool: NewBaseTool(
			"shell",
			"Execute a shell command in the workspace. Use for running build commands, tests, git operations, or any CLI tools.",
			[]ParameterDef{
				{Name: "command", Type: "string", Description: "Shell command to execute", Required: true},
				{Name: "timeout", Type: "integer", Description: "Timeout in seconds (default: 120)", Required: false},
			},
			api.RiskHigh,
		),
		workspaceRoot:  workspaceRoot,
		approvals:      approvals,
		timeout:        120 * time.Second,
		maxOutputBytes: 100 * 1024, // 100KB
	}
}

func (t *ShellTool) ShouldConfirmExecute(ctx context.Context, args api.Args) (*api.ConfirmationDetails, error) {
	if t.approvals != nil && t.approvals.IsAlwaysAllowed(t.Name()) {
		return nil, nil
	}

	command := GetStringArg(args, "command", "")
	timeoutSecs := GetIntArg(args, "timeout", 120)

	riskHint := fmt.Sprintf("Timeout: %d seconds", timeoutSecs)
	for _, re := range dangerousPatterns {
		if re.MatchString(command) {
			riskHint = "⚠️ Potentially destructive command. " + riskHint
			break
		}
	}

	return &api.ConfirmationDetails{
		Kind:  api.ConfirmExec,
		Title: "Execute shell command",
		Preview: &api.Preview{
			Kind:     api.PreviewCommand,
			Summary:  "Execute shell command",
			Content:  command,
			Affected: []string{t.workspaceRoot},
			RiskHint: riskHint,
		},
		OnConfirm: t.rememberApproval,
	}, nil
}

func (t *ShellTool) rememberApproval(outcome api.ConfirmationOutcome) error {
	if outcome == api.OutcomeProceedAlways && t.approvals != nil {
		return t.approvals.AlwaysAllow(t.Name(), false)
	}
	return nil
}

// ModifyContext lets the user rewrite the command before approving.
func (t *ShellTool) ModifyContext(args api.Args) *editor.ModifyContext {
	return &editor.ModifyContext{
		FileExt: ".sh",
		Content: GetStringArg(args, "command", ""),
		ParseUpdated: func(edited string) (api.Args, error) {
			command := strings.TrimSpace(edited)
			if command == "" {
				return nil, fmt.Errorf("edited command is empty")
			}
			updated := make(api.Args, len(args))
			for k, v := range args {
				updated[k] = v
			}
			updated["command"] = command
			return updated, nil
		},
	}
}

// streamWriter accumulates command output and forwards each chunk to the
// engine's live-output callback.
type streamWriter struct {
	mu       sync.Mutex
	buf      strings.Builder
	prefix   string
	onOutput OutputFunc
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.buf.Write(p)
	w.mu.Unlock()
	if w.onOutput != nil {
		chunk := string(p)
		if w.prefix != "" {
			chunk = w.prefix + chunk
		}
		w.onOutput(chunk)
	}
	return len(p), nil
}

func (w *streamWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func (t *ShellTool) Execute(ctx context.Context, args api.Args, onOutput OutputFunc, svcs Services) (api.ToolResult, error) {
	command := GetStringArg(args, "command", "")
	if command == "" {
		return api.ToolResult{}, fmt.Errorf("command is required")
	}

	timeoutSecs := GetIntArg(args, "timeout", 120)
	timeout := time.Duration(timeoutSecs) * time.Second
	if timeout > 300*time.Second {
		timeout = 300 * time.Second // Max 5 minutes
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = t.workspaceRoot

	stdout := &streamWriter{onOutput: onOutput}
	stderr := &streamWriter{onOutput: onOutput, prefix: "[stderr] "}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()

	var output strings.Builder

	if s := stdout.String(); s != "" {
		if len(s) > t.maxOutputBytes {
			s = s[:t.maxOutputBytes] + "\n\n... (stdout truncated)"
		}
		output.WriteString(s)
	}

	if s := stderr.String(); s != "" {
		if len(s) > t.maxOutputBytes/2 {
			s = s[:t.maxOutputBytes/2] + "\n\n... (stderr truncated)"
		}
		for _, line := range strings.Split(strings.TrimSpace(s), "\n") {
			output.WriteString("[stderr] " + line + "\n")
		}
	}

	if ctx.Err() == context.DeadlineExceeded {
		return api.ToolResult{}, fmt.Errorf("command timed out after %d seconds\n%s", timeoutSecs, output.String())
	}

	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return api.ToolResult{}, fmt.Errorf("exit code %d\n%s", exitCode, output.String())
	}

	if output.Len() == 0 {
		return successText("<command completed with no output>"), nil
	}

	return successText(output.String()), nil
}
