// Package gitimport clones a repository into a user's data directory for
// POST /projects/import. Unlike the teacher's multi-provider git adapter,
// exactly one operation is in scope here, so there is no provider registry.
package gitimport

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mrmd/orchestrator/internal/git"
)

// Importer clones repositories, bounding concurrent git operations via pool.
type Importer struct {
	pool *git.Pool
}

// NewImporter creates an Importer that limits concurrent clones via pool.
func NewImporter(pool *git.Pool) *Importer {
	return &Importer{pool: pool}
}

// Clone clones repoURL into destPath, which must not already exist.
// Returns the cloned project name, derived from the repo URL's last
// path segment with any ".git" suffix stripped.
func (i *Importer) Clone(ctx context.Context, repoURL, destPath string) (string, error) {
	absPath, err := filepath.Abs(destPath)
	if err != nil {
		return "", fmt.Errorf("gitimport: resolve path: %w", err)
	}

	err = i.pool.Run(ctx, func() error {
		if _, execErr := runGit(ctx, "", "clone", "--depth=1", repoURL, absPath); execErr != nil {
			return fmt.Errorf("gitimport: clone: %w", execErr)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return projectNameFromURL(repoURL), nil
}

// projectNameFromURL derives a project directory name from a clone URL,
// e.g. "https://github.com/user/repo.git" -> "repo".
func projectNameFromURL(repoURL string) string {
	name := repoURL
	if idx := strings.LastIndexAny(name, "/:"); idx >= 0 {
		name = name[idx+1:]
	}
	return strings.TrimSuffix(name, ".git")
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}
