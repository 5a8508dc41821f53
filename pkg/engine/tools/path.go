package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// resolvePathInWorkspace maps a user-supplied path onto a real filesystem
// path inside workspaceRoot. Both lexical traversal ("../x") and symlink
// hops that leave the root are rejected. For paths that do not exist yet,
// the nearest existing ancestor is resolved and checked instead, so write
// targets get the same containment guarantee as read targets.
func resolvePathInWorkspace(workspaceRoot, userPath string) (string, error) {
	if strings.TrimSpace(userPath) == "" {
		userPath = "."
	}

	rootAbs, rootReal, err := resolveRoot(workspaceRoot)
	if err != nil {
		return "", err
	}

	targetAbs := userPath
	if !filepath.IsAbs(targetAbs) {
		targetAbs = filepath.Join(rootAbs, targetAbs)
	}
	targetAbs, err = filepath.Abs(targetAbs)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	targetAbs = filepath.Clean(targetAbs)

	if !pathWithinRoot(rootAbs, targetAbs) {
		return "", fmt.Errorf("path escapes workspace: %s", userPath)
	}

	_, lstatErr := os.Lstat(targetAbs)
	switch {
	case lstatErr == nil:
		targetReal, err := filepath.EvalSymlinks(targetAbs)
		if err != nil {
			return "", fmt.Errorf("failed to resolve path symlinks: %w", err)
		}
		targetReal = filepath.Clean(targetReal)
		if !pathWithinRoot(rootReal, targetReal) {
			return "", fmt.Errorf("path escapes workspace via symlink: %s", userPath)
		}
		return targetReal, nil
	case !os.IsNotExist(lstatErr):
		return "", fmt.Errorf("failed to stat path: %w", lstatErr)
	}

	return resolveMissingTarget(rootReal, targetAbs, userPath)
}

func resolveRoot(workspaceRoot string) (abs, real string, err error) {
	abs, err = filepath.Abs(workspaceRoot)
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	abs = filepath.Clean(abs)

	real, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve workspace root symlinks: %w", err)
	}
	return abs, filepath.Clean(real), nil
}

// resolveMissingTarget handles a target that does not exist yet: walk up
// to the nearest existing ancestor, resolve its symlinks, and re-attach
// the missing suffix.
func resolveMissingTarget(rootReal, targetAbs, userPath string) (string, error) {
	parent := filepath.Dir(targetAbs)
	for {
		if _, err := os.Lstat(parent); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to stat parent path: %w", err)
		}
		next := filepath.Dir(parent)
		if next == parent {
			break
		}
		parent = next
	}

	parentReal, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return "", fmt.Errorf("failed to resolve parent symlinks: %w", err)
	}
	parentReal = filepath.Clean(parentReal)

	suffix, err := filepath.Rel(parent, targetAbs)
	if err != nil {
		return "", fmt.Errorf("failed to compute target suffix: %w", err)
	}
	if suffix == ".." || strings.HasPrefix(suffix, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", userPath)
	}

	targetReal := filepath.Clean(filepath.Join(parentReal, suffix))
	if !pathWithinRoot(rootReal, targetReal) {
		return "", fmt.Errorf("path escapes workspace via symlink: %s", userPath)
	}
	return targetReal, nil
}

func pathWithinRoot(root, target string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(target))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
