package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBytesDefaults(t *testing.T) {
	cfg, err := LoadBytes(nil)
	require.NoError(t, err)

	assert.Equal(t, ":8844", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.NotEmpty(t, cfg.Storage.Dir)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "tracegraphd", cfg.Telemetry.ServiceName)
	assert.Equal(t, "local", cfg.Embeddings.Provider)
	assert.Equal(t, 256, cfg.Embeddings.Dimension)
	assert.Equal(t, 100, cfg.Consolidate.BatchSize)
	assert.Equal(t, 3, cfg.Retrieval.MaxDepth)
	assert.False(t, cfg.Extraction.Staging.AutoPromote)
}

func TestLoadBytesYAML(t *testing.T) {
	content := []byte(`
server:
  addr: ":9000"
storage:
  in_memory: true
embeddings:
  provider: openai
  model: text-embedding-3-small
  dimension: 1536
extraction:
  staging:
    auto_promote: true
    min_corroborations: 3
retrieval:
  max_depth: 5
`)
	cfg, err := LoadBytes(content)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.True(t, cfg.Storage.InMemory)
	assert.Equal(t, "openai", cfg.Embeddings.Provider)
	assert.Equal(t, 1536, cfg.Embeddings.Dimension)
	assert.True(t, cfg.Extraction.Staging.AutoPromote)
	assert.Equal(t, 3, cfg.Extraction.Staging.MinCorroborations)
	assert.Equal(t, 5, cfg.Retrieval.MaxDepth)
}

func TestLoadBytesEnvOverrides(t *testing.T) {
	t.Setenv("TRACEGRAPH_SERVER_ADDR", ":7700")
	t.Setenv("TRACEGRAPH_STORAGE_IN_MEMORY", "true")
	t.Setenv("TRACEGRAPH_LOGGING_LEVEL", "debug")

	content := []byte("server:\n  addr: \":9000\"\n")
	cfg, err := LoadBytes(content)
	require.NoError(t, err)

	assert.Equal(t, ":7700", cfg.Server.Addr, "environment wins over file")
	assert.True(t, cfg.Storage.InMemory)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format, "unset logging fields keep their defaults")
}

func TestLoadBytesValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "bad embeddings provider",
			content: "embeddings:\n  provider: cohere\n",
			wantErr: "embeddings provider",
		},
		{
			name:    "model enabled without name",
			content: "extraction:\n  model:\n    enabled: true\n",
			wantErr: "model name is required",
		},
		{
			name:    "bad logging format",
			content: "logging:\n  level: info\n  format: xml\n",
			wantErr: "format",
		},
		{
			name:    "malformed yaml",
			content: "server: [unclosed\n",
			wantErr: "parsing config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBytes([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/tracegraph.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}
