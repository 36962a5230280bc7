package service

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// editorContainerUID/GID match the "ubuntu" user baked into the editor
	// image; the bind-mounted home directory is chowned to it so the
	// in-container process can write without running the host side as root.
	editorContainerUID = 1000
	editorContainerGID = 1000
)

var defaultProjectFiles = map[string][]byte{
	"Scratch/README.md": []byte("# Scratch\n\nNot synced anywhere. Use this for quick notes and experiments.\n"),
	"Tutorial/README.md": []byte("# Tutorial\n\nAn introduction to this notebook environment. Open any file here to get started.\n"),
}

// scaffoldWorkspace ensures userDir exists with the default
// Projects/Scratch and Projects/Tutorial trees, chowned to the editor
// container's user. Idempotent: existing files are never overwritten.
func scaffoldWorkspace(userDir string) error {
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", userDir, err)
	}

	for relPath, content := range defaultProjectFiles {
		path := filepath.Join(userDir, "Projects", relPath)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
		}
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, content, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}

	// Best-effort: not every host runs the editor container under uid 1000,
	// and a mismatched owner still works through the bind mount.
	_ = filepath.Walk(userDir, func(path string, _ os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		_ = os.Chown(path, editorContainerUID, editorContainerGID)
		return nil
	})

	return nil
}
