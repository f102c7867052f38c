package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir and returns the recalld config dir.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", "recalld")
	require.NoError(t, os.MkdirAll(dir, 0700))
	return dir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoadWithFile_Defaults(t *testing.T) {
	setupTestHome(t)

	cfg, err := LoadWithFile("")
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, "tei", cfg.Embeddings.Provider)
	assert.Equal(t, 32, cfg.Embeddings.MaxBatchSize)
	assert.Equal(t, 200*time.Millisecond, cfg.Embeddings.InitialBackoff.Duration())
	assert.Equal(t, 5*time.Second, cfg.Embeddings.MaxBackoff.Duration())
	assert.Equal(t, "chromem", cfg.VectorStore.Provider)
	assert.Equal(t, "recalld_chunks", cfg.VectorStore.Collection)
	assert.Equal(t, 1200, cfg.Chunker.MaxChars)
	assert.Equal(t, 5, cfg.Retrieval.DefaultLimit)
	assert.True(t, cfg.Redaction.Enabled)
	assert.Empty(t, cfg.Events.NATSURL)
}

func TestLoadWithFile_ExpandsHomePaths(t *testing.T) {
	setupTestHome(t)
	home := os.Getenv("HOME")

	cfg, err := LoadWithFile("")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".local", "share", "recalld", "vectors"), cfg.VectorStore.Chromem.Path)
	assert.Equal(t, filepath.Join(home, ".local", "share", "recalld", "recalld.db"), cfg.Store.DSN.Value())
}

func TestLoadWithFile_FileOverridesDefaults(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `
server:
  port: 7000
vectorstore:
  provider: qdrant
  qdrant:
    host: qdrant.internal
chunker:
  max_chars: 800
`, 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "qdrant", cfg.VectorStore.Provider)
	assert.Equal(t, "qdrant.internal", cfg.VectorStore.Qdrant.Host)
	assert.Equal(t, 6334, cfg.VectorStore.Qdrant.Port, "unset keys keep defaults")
	assert.Equal(t, 800, cfg.Chunker.MaxChars)
}

func TestLoadWithFile_EnvOverridesFile(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  port: 7000\n", 0600)

	t.Setenv("RECALLD_SERVER_PORT", "7100")
	t.Setenv("RECALLD_EMBEDDINGS_MAX_BATCH_SIZE", "8")
	t.Setenv("RECALLD_VECTORSTORE_QDRANT_HOST", "from-env")
	t.Setenv("RECALLD_EMBEDDINGS_INITIAL_BACKOFF", "50ms")
	t.Setenv("RECALLD_REDACTION_ENABLED", "false")
	t.Setenv("RECALLD_NOT_A_KEY", "ignored")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 7100, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Embeddings.MaxBatchSize)
	assert.Equal(t, "from-env", cfg.VectorStore.Qdrant.Host)
	assert.Equal(t, 50*time.Millisecond, cfg.Embeddings.InitialBackoff.Duration())
	assert.False(t, cfg.Redaction.Enabled)
}

func TestLoadWithFile_RejectsInsecurePermissions(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  port: 7000\n", 0644)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadWithFile_RejectsPathOutsideAllowedDirs(t *testing.T) {
	setupTestHome(t)
	other := filepath.Join(t.TempDir(), "config.yaml")

	_, err := LoadWithFile(other)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config path validation failed")
}

func TestLoadWithFile_RejectsOversizedFile(t *testing.T) {
	dir := setupTestHome(t)
	big := make([]byte, maxConfigFileSize+10)
	for i := range big {
		big[i] = '#'
	}
	path := writeConfig(t, dir, string(big), 0600)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestLoadWithFile_InvalidValues(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `
vectorstore:
  collection: "Bad-Name"
store:
  driver: mysql
`, 0600)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vectorstore.collection")
	assert.Contains(t, err.Error(), "store.driver")
}

func TestEnsureConfigDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	require.NoError(t, EnsureConfigDir())

	info, err := os.Stat(filepath.Join(home, ".config", "recalld"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestSecret_Redacts(t *testing.T) {
	s := Secret("hunter2")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "hunter2", s.Value())
	assert.True(t, s.IsSet())
	assert.False(t, Secret("").IsSet())

	b, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(b))
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
