package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultSessionConfigIsValid(t *testing.T) {
	cfg := DefaultSessionConfig()
	require.NoError(t, cfg.validate())
	require.Equal(t, "./tanker-data", cfg.StorageDir)
}

func TestLoadSessionConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage_dir: /var/lib/tcore\n"), 0o600))

	cfg, err := LoadSessionConfig(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/tcore", cfg.StorageDir)
}

func TestLoadSessionConfigKeepsDefaultForOmittedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o600))

	cfg, err := LoadSessionConfig(path)
	require.NoError(t, err)
	require.Equal(t, "./tanker-data", cfg.StorageDir)
}

func TestLoadSessionConfigRejectsMissingFile(t *testing.T) {
	_, err := LoadSessionConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadSessionConfigRejectsEmptyStorageDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage_dir: \"\"\n"), 0o600))

	_, err := LoadSessionConfig(path)
	var invalidArg *InvalidArgument
	require.ErrorAs(t, err, &invalidArg)
}
