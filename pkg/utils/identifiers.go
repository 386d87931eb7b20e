package utils

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random UUID string used for task and step identifiers.
func NewID() string {
	return uuid.NewString()
}

var repoNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ErrInvalidRepoName is returned for names that cannot be a single directory
// under the workspace base.
var ErrInvalidRepoName = errors.New("invalid repository name")

// ValidateRepoName accepts names like "demo", "my-app" or "svc.v2". Path
// separators and "." / ".." are rejected.
func ValidateRepoName(name string) error {
	if name == "." || name == ".." || strings.Contains(name, "..") || !repoNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidRepoName, name)
	}
	return nil
}

// SafeJoin joins rel onto root and fails if the result escapes root.
func SafeJoin(root, rel string) (string, error) {
	if root == "" {
		return "", errors.New("empty root")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("relative path expected, got absolute: %s", rel)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	joined, err := filepath.Abs(filepath.Join(root, rel))
	if err != nil {
		return "", err
	}
	relToRoot, err := filepath.Rel(absRoot, joined)
	if err != nil {
		return "", err
	}
	if relToRoot == ".." || strings.HasPrefix(filepath.ToSlash(relToRoot), "../") {
		return "", fmt.Errorf("path escapes root: %s", rel)
	}
	return joined, nil
}
