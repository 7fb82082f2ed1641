package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_SanitizesSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info", Format: "json", Output: &buf})

	logger.Info("agent output", "chunk", "here is sk-ant-"+repeat("a", 45)+" in a log line")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Contains(t, record["chunk"], "[REDACTED]")
	assert.NotContains(t, record["chunk"], "sk-ant-")
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn", Format: "json", Output: &buf})

	logger.Info("suppressed")
	assert.Zero(t, buf.Len())

	logger.Warn("shown")
	assert.NotZero(t, buf.Len())
}

func TestNewProjectLogger_WritesToAnimaLog(t *testing.T) {
	root := t.TempDir()
	logger, err := NewProjectLogger(root, "info")
	require.NoError(t, err)

	logger.WithProject("p1").WithMilestone("m1").Info("round finished", "ordinal", 3)
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(filepath.Join(root, ".anima", "logs", "anima.log"))
	require.NoError(t, err)

	var record map[string]any
	require.NoError(t, json.Unmarshal(data, &record))
	assert.Equal(t, "round finished", record["msg"])
	assert.Equal(t, "p1", record["project_id"])
	assert.Equal(t, "m1", record["milestone_id"])
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
