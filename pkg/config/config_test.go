package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 10, cfg.MaxIterations)
	assert.Equal(t, 300*time.Second, cfg.ApprovalTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.StopPoll)
	assert.Equal(t, 2000, cfg.ToolResultLimit)
	assert.Nil(t, cfg.Workspace)
}

func TestLoadRequiresAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API_KEY")
}

func TestDurationAcceptsBareSeconds(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("APPROVAL_TIMEOUT", "120")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, cfg.ApprovalTimeout)
}

func TestWorkspaceFile(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	path := filepath.Join(t.TempDir(), "workspace.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"folder_id":"f-1","folder_name":"Projects"}`), 0o600))
	t.Setenv("WORKSPACE_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg.Workspace)
	assert.Equal(t, "f-1", cfg.Workspace.FolderID)
	assert.Equal(t, "Projects", cfg.Workspace.FolderName)
}

func TestWorkspaceFileMissingID(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	path := filepath.Join(t.TempDir(), "workspace.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"folder_name":"Projects"}`), 0o600))
	t.Setenv("WORKSPACE_FILE", path)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "folder_id")
}
