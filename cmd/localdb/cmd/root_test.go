package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRootCmd_Subcommands(t *testing.T) {
	root := NewRootCmd()

	expected := []string{"init", "add", "backfill", "build", "search", "status", "version"}
	for _, name := range expected {
		found := false
		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		assert.True(t, found, "missing subcommand %s", name)
	}
}

func TestRootCmd_LoadsConfigBeforeRun(t *testing.T) {
	t.Setenv("LOCALDB_DATA_DIR", t.TempDir())

	root := NewRootCmd()
	require.NoError(t, loadConfigAndLogging(root, nil))
	require.NotNil(t, cfg)
	assert.NotEmpty(t, cfg.Paths.DataDir)
}
