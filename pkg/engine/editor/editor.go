// Package editor launches an external editor against a tool's
// modify-context so users can adjust tool arguments before approving.
package editor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"AgentTide/pkg/engine/api"
)

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Editor Kind
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// Kind identifies a supported external editor.
type Kind string

const (
	KindVi   Kind = "vi"
	KindVim  Kind = "vim"
	KindNano Kind = "nano"
	KindCode Kind = "code"
)

// command returns the argv used to open path in this editor, blocking
// until the user closes the session.
func (k Kind) command(path string) []string {
	switch k {
	case KindCode:
		return []string{"code", "--wait", path}
	default:
		return []string{string(k), path}
	}
}

// Preferred resolves the user's editor from $VISUAL then $EDITOR.
// Returns false when neither is set; callers must abort the modify flow
// without changing any state.
func Preferred() (Kind, bool) {
	for _, env := range []string{"VISUAL", "EDITOR"} {
		v := strings.TrimSpace(os.Getenv(env))
		if v == "" {
			continue
		}
		// Keep only the program name; flags are re-derived per kind.
		name := v
		if i := strings.IndexByte(v, ' '); i > 0 {
			name = v[:i]
		}
		switch Kind(name) {
		case KindVi, KindVim, KindNano, KindCode:
			return Kind(name), true
		default:
			return Kind(name), true // unknown editors are invoked as "<name> <path>"
		}
	}
	return "", false
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Modify Context
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// ModifyContext is supplied by a modifiable tool. Content is the editable
// projection of the current args; ParseUpdated maps the edited text back
// to a full replacement arg map.
type ModifyContext struct {
	// FileExt controls the temp file extension so editors pick up syntax
	// highlighting (e.g. ".sh", ".md"). Optional.
	FileExt string

	Content string

	ParseUpdated func(edited string) (api.Args, error)
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Launch
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// Launch writes the modify-context to a temp file, runs the editor
// attached to the terminal, and parses the edited contents back into an
// updated arg map. The context cancels the editor process.
func Launch(ctx context.Context, kind Kind, mc *ModifyContext) (api.Args, error) {
	if mc == nil || mc.ParseUpdated == nil {
		return nil, fmt.Errorf("tool does not provide a modify context")
	}

	ext := mc.FileExt
	if ext == "" {
		ext = ".txt"
	}
	f, err := os.CreateTemp("", "agenttide-modify-*"+ext)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.WriteString(mc.Content); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write modify context: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	argv := kind.command(path)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("editor session failed: %w", err)
	}

	edited, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read edited file: %w", err)
	}
	return mc.ParseUpdated(string(edited))
}
