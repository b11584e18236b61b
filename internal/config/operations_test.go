package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOperationsMissingFileUsesDefaults(t *testing.T) {
	ops, err := LoadOperations(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, []string{"backup", "module-change"}, ops.Types())
}

func TestLoadOperationsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "operations.yaml")
	content := `
operations:
  backup:
    description: Nightly snapshot
    commands:
      - name: snapshot
        run: ["restic", "backup", "{{target}}"]
        sudo: true
        timeout: 30m
        env:
          RESTIC_REPOSITORY: /srv/backups
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	ops, err := LoadOperations(path)
	require.NoError(t, err)

	op, ok := ops.Get("backup")
	require.True(t, ok)
	assert.Equal(t, "Nightly snapshot", op.Description)
	require.Len(t, op.Commands, 1)
	assert.True(t, op.Commands[0].Sudo)
	assert.Equal(t, 30*time.Minute, op.Commands[0].Timeout)
	assert.Equal(t, "/srv/backups", op.Commands[0].Env["RESTIC_REPOSITORY"])

	_, ok = ops.Get("deployment")
	assert.False(t, ok)
}

func TestLoadOperationsRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"bad yaml":      "operations: [",
		"empty":         "operations: {}",
		"no commands":   "operations:\n  backup:\n    commands: []\n",
		"empty run":     "operations:\n  backup:\n    commands:\n      - name: x\n        run: []\n",
		"blank program": "operations:\n  backup:\n    commands:\n      - run: [\" \"]\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "operations.yaml")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
			_, err := LoadOperations(path)
			assert.Error(t, err)
		})
	}
}

func TestCommandSpecExpand(t *testing.T) {
	cmd := CommandSpec{Args: []string{"installer", "{{action}}", "--repo={{ repository }}", "{{module}}"}}

	args, err := cmd.Expand(map[string]string{
		"action":     "install",
		"module":     "nextcloud",
		"repository": "https://example.com/modules.git",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"installer", "install", "--repo=https://example.com/modules.git", "nextcloud"}, args)

	_, err = cmd.Expand(map[string]string{"action": "install"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingParam))
	assert.Contains(t, err.Error(), "repository")

	_, err = cmd.Expand(map[string]string{"action": "--force", "module": "x", "repository": "y"})
	assert.Error(t, err)
}
