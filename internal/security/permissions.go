package security

import (
	"fmt"
	"os"
)

const (
	// PermLogFile is for log files that may contain deployment information.
	// rw-r----- (0640): owner can read/write, group can read, others have no access.
	PermLogFile os.FileMode = 0640

	// PermDBFile is for database files containing deployment history.
	// rw-r----- (0640): owner can read/write, group can read, others have no access.
	PermDBFile os.FileMode = 0640

	// PermDirectory is for directories holding logs and the database.
	// rwxr-x--- (0750): owner has full access, group can enter, others have no access.
	PermDirectory os.FileMode = 0750
)

// OpenLogFile opens a log file for appending with secure permissions,
// creating it if needed.
func OpenLogFile(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, PermLogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	// Explicitly set permissions to bypass umask
	if err := os.Chmod(path, PermLogFile); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to set log file permissions: %w", err)
	}

	return file, nil
}

// EnsureSecureDir creates a directory with secure permissions, creating
// parents as needed. An existing directory has its permissions tightened.
func EnsureSecureDir(path string) error {
	if err := os.MkdirAll(path, PermDirectory); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// MkdirAll is subject to umask
	if err := os.Chmod(path, PermDirectory); err != nil {
		return fmt.Errorf("failed to set directory permissions: %w", err)
	}

	return nil
}

// IsWorldWritable reports whether the mode grants write access to others.
func IsWorldWritable(perm os.FileMode) bool {
	return perm&0002 != 0
}

// CheckSensitiveFile verifies an existing file is not world-writable. A
// missing file is fine; it will be created with secure permissions later.
func CheckSensitiveFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat file: %w", err)
	}

	perm := info.Mode().Perm()
	if IsWorldWritable(perm) {
		return fmt.Errorf("file %s is world-writable (%04o)", path, perm)
	}
	return nil
}
