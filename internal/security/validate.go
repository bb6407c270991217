package security

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// Safe patterns for validation
	repositoryPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+(?:/[a-zA-Z0-9_.-]+)?$`)
	idPattern         = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
	loginPattern      = regexp.MustCompile(`^[a-zA-Z0-9_-]+(?:\[bot\])?$`)
)

// ValidateRepository ensures a repository name is safe for use in lookups and
// log output. Accepts bare names and the usual owner/name form.
func ValidateRepository(name string) error {
	if name == "" {
		return fmt.Errorf("repository cannot be empty")
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("repository cannot start with '-' or '.'")
	}
	if !repositoryPattern.MatchString(name) {
		return fmt.Errorf("repository contains invalid characters")
	}
	return nil
}

// ValidateDeploymentID ensures a deployment id is a plausible row key.
func ValidateDeploymentID(id string) error {
	if id == "" {
		return fmt.Errorf("deployment id cannot be empty")
	}
	if strings.HasPrefix(id, "-") {
		return fmt.Errorf("deployment id cannot start with '-'")
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("deployment id contains invalid characters")
	}
	return nil
}

// ValidateLogin ensures an approver login is safe to record in status history.
// Bot suffixes like dependabot[bot] are allowed.
func ValidateLogin(login string) error {
	if login == "" {
		return fmt.Errorf("login cannot be empty")
	}
	if strings.HasPrefix(login, "-") {
		return fmt.Errorf("login cannot start with '-'")
	}
	if !loginPattern.MatchString(login) {
		return fmt.Errorf("login contains invalid characters (only a-z, A-Z, 0-9, _, - allowed)")
	}
	return nil
}

// ValidateStoragePath rejects traversal elements in configured file paths.
// Relative paths are fine; the working directory is trusted.
func ValidateStoragePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return "", fmt.Errorf("path contains traversal elements: %s", path)
		}
	}
	return filepath.Clean(path), nil
}
