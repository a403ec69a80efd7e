package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rendergrid.hcl")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o600))
	return path
}

// parsed runs the flag parsing of cmd without executing it.
func parsed(t *testing.T, args ...string) (*cobra.Command, *flags) {
	t.Helper()
	var f flags
	cmd := &cobra.Command{Use: "rendergrid"}
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "")
	cmd.Flags().StringVar(&f.logFormat, "log-format", "", "")
	cmd.Flags().IntVarP(&f.port, "port", "p", 0, "")
	cmd.Flags().BoolVar(&f.cluster, "cluster", false, "")
	cmd.SetContext(context.Background())
	require.NoError(t, cmd.ParseFlags(args))
	return cmd, &f
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	path := writeConfig(t, `
server {
  port    = 9000
  cluster = false
}
log {
  level  = "error"
  format = "json"
}
`)
	cmd, f := parsed(t, "--config", path, "--log-level=debug", "-p", "7000", "--cluster")

	// --- Act ---
	cfg, err := loadConfig(cmd, f)

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.True(t, cfg.Server.Cluster)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format, "unset flags keep the file value")
}

func TestLoadConfig_InvalidOverride(t *testing.T) {
	t.Parallel()

	cmd, f := parsed(t, "--log-format=xml")

	_, err := loadConfig(cmd, f)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, exitCodeConfig, exitErr.Code)
	assert.Contains(t, exitErr.Message, "log.format")
}

func TestWorkerArgs(t *testing.T) {
	t.Parallel()

	cmd, f := parsed(t, "--config", "/etc/rendergrid.hcl", "--log-format", "text", "--port", "9000")

	args := workerArgs(cmd, f)

	assert.Equal(t, []string{"worker", "--config=/etc/rendergrid.hcl", "--log-format=text"}, args)
}

func TestExecute_WorkerNeedsID(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := Execute(context.Background(), []string{"worker"}, Options{Stdout: &out, Stderr: &out})

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, exitCodeConfig, exitErr.Code)
	assert.Contains(t, exitErr.Message, "--id must be positive")
}

func TestExecute_RejectsArguments(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := Execute(context.Background(), []string{"extra"}, Options{Stdout: &out, Stderr: &out})

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, exitCodeConfig, exitErr.Code)
}

func TestExecute_MissingConfigFile(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := Execute(context.Background(), []string{"--config", filepath.Join(t.TempDir(), "nope.hcl")}, Options{Stdout: &out, Stderr: &out})

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, exitCodeConfig, exitErr.Code)
	assert.Contains(t, exitErr.Message, "failed to read config file")
}
