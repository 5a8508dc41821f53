package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// HistoryManager persists the prompt-line input history as JSONL under
// workspace/history/. Malformed lines are skipped on load so a corrupt
// entry never takes the whole history down.
type HistoryManager struct {
	path string
	mu   sync.Mutex
}

type historyEntry struct {
	Timestamp time.Time `json:"ts"`
	Input     string    `json:"input"`
}

func NewHistoryManager(workspaceRoot string) (*HistoryManager, error) {
	dir := filepath.Join(workspaceRoot, "history")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	return &HistoryManager{path: filepath.Join(dir, "input.jsonl")}, nil
}

// Load returns past inputs in file order, oldest first.
func (h *HistoryManager) Load() ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	data, err := os.ReadFile(h.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var inputs []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry historyEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil || entry.Input == "" {
			continue
		}
		inputs = append(inputs, entry.Input)
	}
	return inputs, nil
}

// Append records one submitted input.
func (h *HistoryManager) Append(input string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	data, err := json.Marshal(historyEntry{Timestamp: time.Now(), Input: input})
	if err != nil {
		return err
	}

	f, err := os.OpenFile(h.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(data, '\n'))
	return err
}
