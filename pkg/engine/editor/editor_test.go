package editor

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"testing"

	"AgentTide/pkg/engine/api"
)

func TestPreferredHonorsVisualOverEditor(t *testing.T) {
	t.Setenv("VISUAL", "vim")
	t.Setenv("EDITOR", "nano")

	kind, ok := Preferred()
	if !ok {
		t.Fatalf("expected an editor")
	}
	if kind != KindVim {
		t.Fatalf("expected vim, got %q", kind)
	}
}

func TestPreferredStripsFlags(t *testing.T) {
	t.Setenv("VISUAL", "")
	t.Setenv("EDITOR", "code --wait")

	kind, ok := Preferred()
	if !ok {
		t.Fatalf("expected an editor")
	}
	if kind != KindCode {
		t.Fatalf("expected code, got %q", kind)
	}
}

func TestPreferredReturnsFalseWhenUnset(t *testing.T) {
	t.Setenv("VISUAL", "")
	t.Setenv("EDITOR", "")

	if _, ok := Preferred(); ok {
		t.Fatalf("expected no editor")
	}
}

func TestCodeCommandWaits(t *testing.T) {
	argv := KindCode.command("/tmp/x.sh")
	joined := strings.Join(argv, " ")
	if joined != "code --wait /tmp/x.sh" {
		t.Fatalf("unexpected argv: %q", joined)
	}
}

func TestLaunchRoundTripsContent(t *testing.T) {
	if _, err := exec.LookPath("true"); err != nil {
		t.Skip("no 'true' binary available")
	}

	mc := &ModifyContext{
		FileExt: ".sh",
		Content: "echo hello",
		ParseUpdated: func(edited string) (api.Args, error) {
			return api.Args{"command": strings.TrimSpace(edited)}, nil
		},
	}

	// "true" leaves the temp file untouched, standing in for a user who
	// saves without changes.
	args, err := Launch(context.Background(), Kind("true"), mc)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if args["command"] != "echo hello" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestLaunchRejectsMissingModifyContext(t *testing.T) {
	if _, err := Launch(context.Background(), KindVi, nil); err == nil {
		t.Fatalf("expected error for nil modify context")
	}
}

func TestLaunchPropagatesParseError(t *testing.T) {
	if _, err := exec.LookPath("true"); err != nil {
		t.Skip("no 'true' binary available")
	}

	mc := &ModifyContext{
		Content: "x",
		ParseUpdated: func(edited string) (api.Args, error) {
			return nil, fmt.Errorf("cannot parse")
		},
	}
	if _, err := Launch(context.Background(), Kind("true"), mc); err == nil {
		t.Fatalf("expected parse error to propagate")
	}
}
