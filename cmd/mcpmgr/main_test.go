package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const brokenConfig = `{
  // a server whose binary does not exist
  "mcpServers": {
    "broken": {"command": "/nonexistent/mcpmgr-test-server"},
  },
}`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestToolsCommandReportsFailedServersAsJSON(t *testing.T) {
	path := writeConfig(t, "mcp.json", brokenConfig)

	out, err := execute(t, "tools", "--config", path, "--ignore-failed", "--output", "json", "--log-level", "error")
	require.NoError(t, err)

	var report toolsReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Empty(t, report.Tools)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "broken", report.Failed[0].Server)
	assert.NotEmpty(t, report.Failed[0].Error)
}

func TestToolsCommandFailsWithoutIgnore(t *testing.T) {
	path := writeConfig(t, "mcp.json", brokenConfig)

	_, err := execute(t, "tools", "--config", path, "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestToolsCommandOutputFromEnvironment(t *testing.T) {
	path := writeConfig(t, "mcp.yaml", "mcpServers:\n  broken:\n    command: /nonexistent/mcpmgr-test-server\n")
	t.Setenv("MCPMGR_OUTPUT", "json")
	t.Setenv("MCPMGR_IGNORE_FAILED", "true")
	t.Setenv("MCPMGR_LOG_LEVEL", "error")

	out, err := execute(t, "tools", "--config", path)
	require.NoError(t, err)
	assert.True(t, json.Valid([]byte(out)), "expected JSON output, got %q", out)
}

func TestToolsCommandRejectsUnknownOutput(t *testing.T) {
	path := writeConfig(t, "mcp.json", brokenConfig)

	_, err := execute(t, "tools", "--config", path, "--output", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported output format "xml"`)
}

func TestToolsCommandMissingConfig(t *testing.T) {
	_, err := execute(t, "tools", "--config", filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoadEnvFile(t *testing.T) {
	t.Setenv("MCPMGR_TEST_TOKEN", "")
	require.NoError(t, os.Unsetenv("MCPMGR_TEST_TOKEN"))

	path := writeConfig(t, "test.env", "MCPMGR_TEST_TOKEN=s3cret\n")
	require.NoError(t, loadEnvFile(path))
	assert.Equal(t, "s3cret", os.Getenv("MCPMGR_TEST_TOKEN"))

	assert.Error(t, loadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "mcpmgr.log")
	logger, err := newLogger(logConfig{Level: "debug", File: path})
	require.NoError(t, err)

	logger.Debug("connected server")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"connected server"`)
	assert.Contains(t, string(data), `"level":"debug"`)
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := newLogger(logConfig{Level: "chatty"})
	assert.Error(t, err)
}

func TestWriteToolsTable(t *testing.T) {
	var out bytes.Buffer
	rows := []toolRow{
		{Name: "github__search", Server: "github", Description: "Search code.\nSecond line."},
		{Name: "fs__read", Server: "fs", Description: strings.Repeat("x", 80)},
	}
	require.NoError(t, writeToolsTable(&out, rows))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5)
	assert.True(t, strings.HasPrefix(lines[0], "NAME"))
	assert.Contains(t, lines[1], "Search code.")
	assert.NotContains(t, lines[1], "Second line.")
	assert.True(t, strings.HasSuffix(lines[2], "..."))
	assert.Equal(t, "2 tools", lines[4])
}
