package approval

import (
	"os"
	"path/filepath"
	"testing"

	"AgentTide/pkg/engine/api"
)

func TestStoreDefaultsToDefaultMode(t *testing.T) {
	s, err := NewStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if s.Mode() != api.ModeDefault {
		t.Fatalf("expected default mode, got %q", s.Mode())
	}
}

func TestAlwaysAllowSessionScopeIsNotPersisted(t *testing.T) {
	root := t.TempDir()
	s, err := NewStore(root, api.ModeDefault)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if err := s.AlwaysAllow("shell", false); err != nil {
		t.Fatalf("AlwaysAllow: %v", err)
	}
	if !s.IsAlwaysAllowed("shell") {
		t.Fatalf("expected shell to be always-allowed in this process")
	}

	// A fresh store over the same project must not see the grant.
	s2, err := NewStore(root, api.ModeDefault)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if s2.IsAlwaysAllowed("shell") {
		t.Fatalf("session-scope grant leaked to project settings")
	}
}

func TestAlwaysAllowProjectScopeRoundTrips(t *testing.T) {
	root := t.TempDir()
	s, err := NewStore(root, api.ModeDefault)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if err := s.AlwaysAllow("write_file", true); err != nil {
		t.Fatalf("AlwaysAllow: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, ".agenttide", "approval.yaml")); err != nil {
		t.Fatalf("expected project settings file: %v", err)
	}

	s2, err := NewStore(root, api.ModeDefault)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if !s2.IsAlwaysAllowed("write_file") {
		t.Fatalf("project-scope grant not loaded by fresh store")
	}
	if s2.IsAlwaysAllowed("shell") {
		t.Fatalf("unexpected grant for shell")
	}
}

func TestSetModeWithProjectSync(t *testing.T) {
	root := t.TempDir()
	s, err := NewStore(root, api.ModeDefault)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if err := s.SetModeWithProjectSync(api.ModeYOLO, true); err != nil {
		t.Fatalf("SetModeWithProjectSync: %v", err)
	}
	if s.Mode() != api.ModeYOLO {
		t.Fatalf("expected yolo mode, got %q", s.Mode())
	}

	s2, err := NewStore(root, "")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if s2.Mode() != api.ModeYOLO {
		t.Fatalf("persisted mode not loaded, got %q", s2.Mode())
	}
}

func TestCorruptSettingsFileFailsLoudly(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, ".agenttide")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "approval.yaml"), []byte("{not yaml"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewStore(root, api.ModeDefault); err == nil {
		t.Fatalf("expected error for corrupt settings file")
	}
}

func TestEmptyProjectRootDisablesPersistence(t *testing.T) {
	s, err := NewStore("", api.ModeDefault)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.AlwaysAllow("glob", true); err != nil {
		t.Fatalf("AlwaysAllow with persistence disabled: %v", err)
	}
	if !s.IsAlwaysAllowed("glob") {
		t.Fatalf("in-memory grant missing")
	}
}
