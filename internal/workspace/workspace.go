package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager owns deployment-specific working directories under a common root.
// Each directory is named by its identifier alone (the deployment id), so
// workers on different deployments never collide; preparing the same
// identifier again reuses the same path.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: root}, nil
}

// Prepare creates a fresh isolated directory for the provided identifier.
// Any leftover directory from a previous attempt is wiped first.
func (m *Manager) Prepare(identifier string) (string, error) {
	if identifier == "" {
		return "", fmt.Errorf("workspace identifier cannot be empty")
	}
	dir := filepath.Join(m.root, identifier)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Wipe empties an existing workspace directory between clone attempts while
// keeping the directory itself.
func (m *Manager) Wipe(path string) error {
	if err := m.guard(path); err != nil {
		return err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("read workspace: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(path, entry.Name())); err != nil {
			return fmt.Errorf("wipe workspace entry: %w", err)
		}
	}
	return nil
}

// Cleanup removes the workspace directory.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	if err := m.guard(path); err != nil {
		return err
	}
	return os.RemoveAll(path)
}

// CleanupByID removes the workspace associated with the provided identifier.
func (m *Manager) CleanupByID(identifier string) error {
	if identifier == "" {
		return fmt.Errorf("workspace identifier cannot be empty")
	}
	return m.Cleanup(filepath.Join(m.root, identifier))
}

// Reset removes every workspace under the root; called at startup so crashed
// workers leave nothing behind.
func (m *Manager) Reset() error {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return fmt.Errorf("read workspace root: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(m.root, entry.Name())); err != nil {
			return fmt.Errorf("reset workspace %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// guard rejects paths outside the configured root.
func (m *Manager) guard(path string) error {
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to touch path outside workspace root")
	}
	return nil
}
