package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfigYAML = `embeddings:
  provider: hash
  dimension: 32
  request_delay: 0s
  batch_pause: 0s
store:
  dir: %STORE%
ingest:
  chunk_size: 200
  chunk_overlap: 20
  encoding: ""
worker:
  startup_timeout: 2s
logging:
  level: error
`

// writeTestConfig writes a config using hash embeddings and a temp store.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := strings.ReplaceAll(testConfigYAML, "%STORE%", filepath.Join(dir, "vectors"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// resetFlags restores every flag to its default so commands do not leak
// state between tests.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// run executes the CLI with args against cfgPath and returns stdout and
// stderr.
func run(t *testing.T, cfgPath string, args ...string) (string, string, error) {
	t.Helper()
	resetFlags(rootCmd)
	t.Cleanup(func() { resetFlags(rootCmd) })

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	full := append([]string{"--config", cfgPath, "--env-file", filepath.Join(t.TempDir(), "missing.env")}, args...)
	rootCmd.SetArgs(full)
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func findCommand(name string) *cobra.Command {
	for _, c := range rootCmd.Commands() {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

func TestRootCmd_Commands(t *testing.T) {
	for _, name := range []string{"ingest", "query", "delete", "stats", "health", "serve", "version"} {
		cmd := findCommand(name)
		require.NotNil(t, cmd, "command %s not registered", name)
		assert.NotEmpty(t, cmd.Short, "command %s has no Short description", name)
	}
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
}

func TestVersionCmd(t *testing.T) {
	out, _, err := run(t, writeTestConfig(t), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version:    dev")
}

func TestIngestQueryDelete(t *testing.T) {
	cfgPath := writeTestConfig(t)
	doc := filepath.Join(t.TempDir(), "planning.md")
	text := "Planning notes: the indexing rewrite ships after the storage migration."
	require.NoError(t, os.WriteFile(doc, []byte(text), 0o600))

	out, _, err := run(t, cfgPath, "ingest", "--conversation", "c-1", doc)
	require.NoError(t, err)
	fields := strings.Fields(out)
	require.Len(t, fields, 2)
	id := fields[0]
	assert.Equal(t, doc, fields[1])

	out, _, err = run(t, cfgPath, "query", "--json", "--conversation", "c-1", text)
	require.NoError(t, err)
	var res struct {
		Sources []struct {
			ChunkID string `json:"chunk_id"`
			Content string `json:"content"`
		} `json:"sources"`
		ServedBy string `json:"served_by"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.NotEmpty(t, res.Sources)
	assert.Contains(t, res.Sources[0].Content, "indexing rewrite")
	assert.Equal(t, "primary", res.ServedBy)

	out, _, err = run(t, cfgPath, "stats", "--json")
	require.NoError(t, err)
	var stats struct {
		Documents int `json:"documents_indexed"`
		Dimension int `json:"dimension"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 1, stats.Documents)
	assert.Equal(t, 32, stats.Dimension)

	out, _, err = run(t, cfgPath, "delete", id)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted "+id)

	_, _, err = run(t, cfgPath, "delete", id)
	assert.ErrorContains(t, err, "not found")
}

func TestIngest_ReportsFailures(t *testing.T) {
	cfgPath := writeTestConfig(t)
	good := filepath.Join(t.TempDir(), "good.txt")
	require.NoError(t, os.WriteFile(good, []byte("some content"), 0o600))

	out, stderr, err := run(t, cfgPath, "ingest", good, filepath.Join(t.TempDir(), "missing.txt"))
	assert.ErrorContains(t, err, "1 of 2 documents failed")
	assert.Contains(t, out, good)
	assert.Contains(t, stderr, "missing.txt")
}

func TestQuery_TextOutput(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, _, err := run(t, cfgPath, "query", "nothing indexed yet")
	require.NoError(t, err)
	assert.Contains(t, out, "No matching context.")
}

func TestQuery_StrictRequiresConversation(t *testing.T) {
	_, _, err := run(t, writeTestConfig(t), "query", "--strict", "anything")
	assert.ErrorContains(t, err, "--strict requires --conversation")
}

func TestQuery_BadFilter(t *testing.T) {
	_, _, err := run(t, writeTestConfig(t), "query", "--filter", "noequals", "anything")
	assert.ErrorContains(t, err, "invalid key=value")
}

func TestHealthCmd(t *testing.T) {
	out, _, err := run(t, writeTestConfig(t), "health")
	require.NoError(t, err)
	assert.Contains(t, out, "Status: healthy")
	assert.Contains(t, out, "vectorstore")
}

func TestServe_NoHTTPNeedsSurface(t *testing.T) {
	_, _, err := run(t, writeTestConfig(t), "serve", "--no-http")
	assert.ErrorContains(t, err, "--no-http needs --mcp or --watch")
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: nosuch\n"), 0o600))

	_, _, err := run(t, path, "stats")
	assert.ErrorContains(t, err, "store.backend")
}

func TestLoadConfig_EnvFile(t *testing.T) {
	resetFlags(rootCmd)
	t.Cleanup(func() { resetFlags(rootCmd) })

	envPath := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(envPath, []byte("RECALL_EMBEDDINGS_DIMENSION=48\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("RECALL_EMBEDDINGS_DIMENSION") })

	configPath = writeTestConfig(t)
	envFile = envPath
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 48, cfg.Embeddings.Dimension, "dotenv values override the file")
	assert.Equal(t, "hash", cfg.Embeddings.Provider)
}

func TestParseKeyValues(t *testing.T) {
	got, err := parseKeyValues([]string{"filename=notes.md", "pinned=true", "version=3", "ratio=0.5", "note=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"filename": "notes.md",
		"pinned":   true,
		"version":  int64(3),
		"ratio":    0.5,
		"note":     "a=b",
	}, got)

	_, err = parseKeyValues([]string{"=value"})
	assert.Error(t, err)
	_, err = parseKeyValues([]string{"novalue"})
	assert.Error(t, err)
}

func TestIndent(t *testing.T) {
	assert.Equal(t, "    a\n    b", indent("a\nb\n"))
}
