package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Ostabo/Spit/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigByExtension(t *testing.T) {
	t.Setenv("OLLAMA_HOST", "")

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "yaml",
			file: "config.yaml",
			content: `provider: ollama
port: "9090"
mode: chat
streamTimeout: 2m
ollama:
  host: http://gpu-box:11434
`,
		},
		{
			name: "toml",
			file: "config.toml",
			content: `provider = "ollama"
port = "9090"
mode = "chat"
streamTimeout = "2m"

[ollama]
host = "http://gpu-box:11434"
`,
		},
		{
			name:    "json",
			file:    "config.json",
			content: `{"provider":"ollama","port":"9090","mode":"chat","streamTimeout":"2m","ollama":{"host":"http://gpu-box:11434"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeConfig(t, tt.file, tt.content))
			require.NoError(t, err)

			assert.Equal(t, providerOllama, cfg.Provider)
			assert.Equal(t, "9090", cfg.Port)
			assert.Equal(t, string(models.ModeChat), cfg.Mode)
			assert.Equal(t, "http://gpu-box:11434", cfg.Ollama.Host)

			reconcile, timeout, err := cfg.durations()
			require.NoError(t, err)
			assert.Equal(t, 250*time.Millisecond, reconcile)
			assert.Equal(t, 2*time.Minute, timeout)
		})
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("OLLAMA_HOST", "")
	t.Setenv("OPENAI_API_KEY", "")

	cfg, err := loadConfig(writeConfig(t, "config.yml", "logLevel: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, providerOllama, cfg.Provider)
	assert.Equal(t, defaultPort, cfg.Port)
	assert.Equal(t, string(models.ModeGenerate), cfg.Mode)
	assert.Equal(t, defaultOllamaHost, cfg.Ollama.Host)

	level, err := cfg.level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	_, timeout, err := cfg.durations()
	require.NoError(t, err)
	assert.Zero(t, timeout)
}

func TestLoadConfigEnvFallback(t *testing.T) {
	t.Setenv("OLLAMA_HOST", "http://env-host:11434")
	t.Setenv("OPENAI_BASE_URL", "http://localhost:1234/v1")
	t.Setenv("OPENAI_API_KEY", "sk-local")

	cfg, err := loadConfig(writeConfig(t, "config.yaml", "provider: openai\n"))
	require.NoError(t, err)

	assert.Equal(t, "http://env-host:11434", cfg.Ollama.Host)
	assert.Equal(t, "http://localhost:1234/v1", cfg.OpenAI.BaseURL)
	assert.Equal(t, "sk-local", cfg.OpenAI.APIKey)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Setenv("OPENAI_BASE_URL", "")

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{name: "unsupported extension", file: "config.ini", content: "port=1"},
		{name: "malformed yaml", file: "config.yaml", content: "port: [1"},
		{name: "unknown provider", file: "config.yaml", content: "provider: anthropic\n"},
		{name: "openai without base url", file: "config.yaml", content: "provider: openai\n"},
		{name: "unknown mode", file: "config.yaml", content: "mode: poem\n"},
		{name: "bad log level", file: "config.yaml", content: "logLevel: loud\n"},
		{name: "bad timeout", file: "config.yaml", content: "streamTimeout: soon\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, tt.file, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestGatewayByProvider(t *testing.T) {
	cfg := config{Provider: providerOpenAI, OpenAI: openAIConfig{BaseURL: "http://localhost:1234/v1"}}
	gw, err := cfg.gateway(nil, slog.Default())
	require.NoError(t, err)
	assert.NotNil(t, gw)

	cfg = config{Provider: providerOllama, Ollama: ollamaConfig{Host: defaultOllamaHost}}
	gw, err = cfg.gateway(nil, slog.Default())
	require.NoError(t, err)
	assert.NotNil(t, gw)
}

func TestPrintModels(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printModels(&buf, []models.Model{
		{Name: "llama3:latest", Size: 4 << 30, ModifiedAt: "2024-05-01T10:00:00Z"},
		{Name: "phi3:latest", Temporary: true, ModifiedAt: "N/A"},
	}))

	out := buf.String()
	assert.Contains(t, out, "llama3:latest")
	assert.Contains(t, out, "4.00 GB")
	assert.Contains(t, out, "installing")

	buf.Reset()
	require.NoError(t, printModels(&buf, nil))
	assert.Equal(t, "No models installed.\n", buf.String())
}
