package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Local reads file content from a directory on the local filesystem.
type Local struct {
	root string
}

// NewLocal creates a local backend rooted at the given directory.
func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat root %q: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", abs)
	}
	return &Local{root: abs}, nil
}

// Fetch reads the file at relativePath under the root. Paths escaping
// the root are rejected.
func (l *Local) Fetch(_ context.Context, relativePath string) ([]byte, error) {
	full := filepath.Join(l.root, filepath.FromSlash(relativePath))
	if full != l.root && !strings.HasPrefix(full, l.root+string(filepath.Separator)) {
		return nil, fmt.Errorf("path %q escapes store root", relativePath)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", relativePath, err)
	}
	return data, nil
}

func (l *Local) Type() string { return "local" }

func (l *Local) Close() error { return nil }
