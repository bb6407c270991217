package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deptrack.log")

	file, err := OpenLogFile(path)
	require.NoError(t, err)
	defer file.Close()

	_, err = file.WriteString("first\n")
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, PermLogFile, info.Mode().Perm())

	// Reopening appends instead of truncating
	file2, err := OpenLogFile(path)
	require.NoError(t, err)
	_, err = file2.WriteString("second\n")
	require.NoError(t, err)
	file2.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(data))
}

func TestEnsureSecureDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "logs")

	require.NoError(t, EnsureSecureDir(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, PermDirectory, info.Mode().Perm())

	// Idempotent on an existing directory
	assert.NoError(t, EnsureSecureDir(path))
}

func TestIsWorldWritable(t *testing.T) {
	assert.True(t, IsWorldWritable(0666))
	assert.True(t, IsWorldWritable(0777))
	assert.False(t, IsWorldWritable(0640))
	assert.False(t, IsWorldWritable(0644))
}

func TestCheckSensitiveFile(t *testing.T) {
	dir := t.TempDir()

	// Missing files pass; they get secure permissions on creation
	assert.NoError(t, CheckSensitiveFile(filepath.Join(dir, "missing.db")))

	secure := filepath.Join(dir, "secure.db")
	require.NoError(t, os.WriteFile(secure, nil, 0640))
	assert.NoError(t, CheckSensitiveFile(secure))

	lax := filepath.Join(dir, "lax.db")
	require.NoError(t, os.WriteFile(lax, nil, 0600))
	require.NoError(t, os.Chmod(lax, 0666))
	assert.Error(t, CheckSensitiveFile(lax))
}
