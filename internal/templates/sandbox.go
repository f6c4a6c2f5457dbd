package templates

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrOutsideRoot is reported when a requested template path would land outside
// the configured template root, whether through "..", an absolute path, or a
// symlink pointing elsewhere.
var ErrOutsideRoot = errors.New("templates: path outside the template root")

// Sandbox confines template file lookups to a single root directory. Topic
// definitions reference templates by relative path, and the sandbox guarantees
// those references can never reach the rest of the host filesystem.
type Sandbox struct {
	root string
}

// NewSandbox canonicalizes root and verifies it is an existing directory.
// Canonicalizing up front keeps the containment check in Resolve a plain
// prefix comparison.
func NewSandbox(root string) (*Sandbox, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("templates: template root not configured")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("templates: canonical root: %w", err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("templates: canonical root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("templates: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("templates: root %q is not a directory", abs)
	}
	return &Sandbox{root: abs}, nil
}

// Root returns the canonical root directory.
func (s *Sandbox) Root() string { return s.root }

// Resolve turns a topic-supplied template path into a canonical location under
// the root. Symlinks are followed before the containment check so a link
// inside the root cannot smuggle in a file from elsewhere.
func (s *Sandbox) Resolve(path string) (string, error) {
	if s == nil {
		return "", errors.New("templates: no sandbox configured")
	}
	cleaned := filepath.Clean(path)
	if cleaned == "." || cleaned == "" {
		return s.root, nil
	}
	if !filepath.IsAbs(cleaned) {
		cleaned = filepath.Join(s.root, cleaned)
	}
	evaluated, err := filepath.EvalSymlinks(cleaned)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// The target may legitimately not exist yet; still reject
			// traversal before surfacing the lookup error.
			if !s.within(cleaned) {
				return "", fmt.Errorf("%w: %q", ErrOutsideRoot, path)
			}
			return "", fmt.Errorf("templates: resolve %q: %w", path, err)
		}
		return "", fmt.Errorf("templates: resolve %q: %w", path, err)
	}
	if !s.within(evaluated) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, path)
	}
	return evaluated, nil
}

// within reports whether candidate sits at or below the root.
func (s *Sandbox) within(candidate string) bool {
	root := s.root
	if runtime.GOOS == "windows" {
		root = strings.ToLower(root)
		candidate = strings.ToLower(candidate)
	}
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)))
}
