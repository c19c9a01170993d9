package htmlproxy

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FragmentStore reads fragment files below a root directory.
type FragmentStore struct {
	root string
}

// NewFragmentStore creates a store rooted at root. A relative root is
// resolved against the process working directory.
func NewFragmentStore(root string) (*FragmentStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve fragment root %q: %w", root, err)
	}
	return &FragmentStore{root: abs}, nil
}

// Root returns the absolute fragment root.
func (s *FragmentStore) Root() string {
	return s.root
}

// Path resolves a fragment path against the root.
func (s *FragmentStore) Path(fragment string) (string, error) {
	p := filepath.Join(s.root, filepath.FromSlash(fragment))
	rel, err := filepath.Rel(s.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &FragmentReadError{Path: fragment, Err: ErrFragmentOutsideRoot}
	}
	return p, nil
}

// Read returns the full text of a fragment. Missing files and permission
// problems are reported with distinct sentinel errors.
func (s *FragmentStore) Read(fragment string) (string, error) {
	p, err := s.Path(fragment)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	switch {
	case err == nil:
		return string(data), nil
	case errors.Is(err, fs.ErrNotExist):
		return "", &FragmentReadError{Path: fragment, Err: fmt.Errorf("%w: %s", ErrFragmentNotFound, p)}
	case errors.Is(err, fs.ErrPermission):
		return "", &FragmentReadError{Path: fragment, Err: fmt.Errorf("%w: %s", ErrFragmentPermission, p)}
	default:
		return "", &FragmentReadError{Path: fragment, Err: err}
	}
}
