package cli

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harun/retina/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetFlags puts every flag set by an earlier run back to its default.
// The command tree is shared, so a --help left set on status would turn
// every later status run into a usage dump.
func resetFlags(t *testing.T, cmd *cobra.Command) {
	t.Helper()

	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if !f.Changed {
			return
		}
		require.NoError(t, f.Value.Set(f.DefValue), "reset --%s", f.Name)
		f.Changed = false
	})
	for _, c := range cmd.Commands() {
		resetFlags(t, c)
	}
}

// executeCommand runs the root command with args and returns everything it printed
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := GetRootCmd()
	resetFlags(t, cmd)
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return output.String(), err
}

// writeTestConfig writes a config whose data directory is a fresh temp dir
func writeTestConfig(t *testing.T) (string, *config.Config) {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Memory.SnapshotPath = filepath.Join(dir, "memory_bank.json")
	cfg.Logging.AuditFile = filepath.Join(dir, "audit.log")

	path := filepath.Join(dir, "retina.json")
	require.NoError(t, config.NewLoader(path).Save(cfg))
	return path, cfg
}

func hasCommand(name string) bool {
	for _, c := range GetRootCmd().Commands() {
		if c.Name() == name {
			return true
		}
	}
	return false
}

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		out, err := executeCommand(t, "--version")
		require.NoError(t, err)

		assert.Contains(t, out, "retina version")
		assert.Contains(t, out, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		out, err := executeCommand(t, "--help")
		require.NoError(t, err)

		assert.Contains(t, out, "Retina")
		assert.Contains(t, out, "cosine similarity")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "info", logLevelFlag.DefValue)
	})

	t.Run("subcommands registered", func(t *testing.T) {
		for _, name := range []string{"start", "stop", "status", "ingest", "inspect", "prune", "init"} {
			assert.True(t, hasCommand(name), "%s command should exist", name)
		}
	})
}

func TestExecuteCommand_HelpDoesNotLeak(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)

	out, err := executeCommand(t, "status", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "Usage:")

	out, err = executeCommand(t, "status", "--config", cfgPath)
	require.NoError(t, err)
	assert.NotContains(t, out, "Usage:")
	assert.Contains(t, out, "Status: stopped")
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}

func TestInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "retina.json")

	out, err := executeCommand(t, "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration saved to: "+path)
	assert.FileExists(t, path)

	_, err = executeCommand(t, "init", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = executeCommand(t, "init", "--config", path, "--force")
	require.NoError(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Memory.SimilarityThreshold, cfg.Memory.SimilarityThreshold)
}
