// Package approval holds the process-wide approval mode and the
// always-allow grants that confirmations can record, optionally synced to
// a project-scoped yaml file.
package approval

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"AgentTide/pkg/engine/api"
)

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Store
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// projectFile is the on-disk shape of the project-scoped settings.
type projectFile struct {
	ApprovalMode api.ApprovalMode `yaml:"approval_mode,omitempty"`
	AlwaysAllow  []string         `yaml:"always_allow,omitempty"`
}

// Store is the approval-mode collaborator consumed by the engine and by
// tools deciding whether to request a confirmation. Safe for concurrent
// use.
type Store struct {
	mu          sync.RWMutex
	mode        api.ApprovalMode
	alwaysAllow map[string]bool
	path        string // project settings file; empty disables persistence
}

// NewStore creates a store rooted at the given project directory.
// Existing project settings are loaded; a missing file is not an error.
func NewStore(projectRoot string, mode api.ApprovalMode) (*Store, error) {
	if mode == "" {
		mode = api.ModeDefault
	}
	s := &Store{
		mode:        mode,
		alwaysAllow: make(map[string]bool),
	}
	if projectRoot != "" {
		s.path = filepath.Join(projectRoot, ".agenttide", "approval.yaml")
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Mode returns the current approval mode.
func (s *Store) Mode() api.ApprovalMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// SetModeWithProjectSync updates the approval mode and, when persist is
// true, writes it to the project settings file.
func (s *Store) SetModeWithProjectSync(mode api.ApprovalMode, persist bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
	if !persist {
		return nil
	}
	return s.saveLocked()
}

// AlwaysAllow grants a standing approval for a tool. With persist the
// grant is written at project scope; otherwise it lasts for the process.
func (s *Store) AlwaysAllow(toolName string, persist bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alwaysAllow[toolName] = true
	if !persist {
		return nil
	}
	return s.saveLocked()
}

// IsAlwaysAllowed reports whether a tool has a standing approval.
func (s *Store) IsAlwaysAllowed(toolName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.alwaysAllow[toolName]
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Persistence
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read approval settings: %w", err)
	}
	var pf projectFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("failed to parse approval settings: %w", err)
	}
	if pf.ApprovalMode != "" {
		s.mode = pf.ApprovalMode
	}
	for _, name := range pf.AlwaysAllow {
		s.alwaysAllow[name] = true
	}
	return nil
}

func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}
	pf := projectFile{ApprovalMode: s.mode}
	for name := range s.alwaysAllow {
		pf.AlwaysAllow = append(pf.AlwaysAllow, name)
	}
	sort.Strings(pf.AlwaysAllow)

	data, err := yaml.Marshal(&pf)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write approval settings: %w", err)
	}
	return nil
}
