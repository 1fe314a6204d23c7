package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// fallbackBranches is the recovery order when the requested branch does not
// exist, before a final clone of the repository default.
var fallbackBranches = []string{"main", "master", "develop", "dev"}

// Clone shallow-clones one branch of the repository into dest.
func Clone(ctx context.Context, repoURL, branch, dest string) error {
	if repoURL == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	args := []string{"clone", "--depth", "1"}
	if branch != "" {
		args = append(args, "--branch", branch, "--single-branch")
	}
	args = append(args, repoURL, ".")
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dest
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git clone failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// BranchNotFound reports whether a clone error indicates the requested
// branch (or tag) does not exist on the remote. Tags and branches are
// treated uniformly.
func BranchNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "remote branch") && strings.Contains(msg, "not found") ||
		strings.Contains(msg, "could not find remote branch")
}

// FallbackCandidates returns the branches to try after the requested one
// fails, skipping the branch already attempted. The trailing empty string
// means "clone the repository default".
func FallbackCandidates(requested string) []string {
	candidates := make([]string, 0, len(fallbackBranches)+1)
	for _, branch := range fallbackBranches {
		if branch == requested {
			continue
		}
		candidates = append(candidates, branch)
	}
	return append(candidates, "")
}
