package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Ostabo/Spit/internal/chat"
	"github.com/Ostabo/Spit/internal/models"
	"github.com/Ostabo/Spit/internal/services"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	providerOllama = "ollama"
	providerOpenAI = "openai"

	defaultOllamaHost = "http://127.0.0.1:11434"
	defaultPort       = "8080"
)

type config struct {
	Provider string `json:"provider" yaml:"provider" toml:"provider"`
	Port     string `json:"port" yaml:"port" toml:"port"`
	Mode     string `json:"mode" yaml:"mode" toml:"mode"`
	LogLevel string `json:"logLevel" yaml:"logLevel" toml:"logLevel"`

	// ReconcileDelay and StreamTimeout are Go duration strings, e.g. "250ms" or "2m".
	ReconcileDelay string `json:"reconcileDelay" yaml:"reconcileDelay" toml:"reconcileDelay"`
	StreamTimeout  string `json:"streamTimeout" yaml:"streamTimeout" toml:"streamTimeout"`

	Ollama ollamaConfig `json:"ollama" yaml:"ollama" toml:"ollama"`
	OpenAI openAIConfig `json:"openai" yaml:"openai" toml:"openai"`
}

type ollamaConfig struct {
	Host string `json:"host" yaml:"host" toml:"host"`
}

type openAIConfig struct {
	BaseURL string `json:"baseURL" yaml:"baseURL" toml:"baseURL"`
	APIKey  string `json:"apiKey" yaml:"apiKey" toml:"apiKey"`
}

var configNames = []string{"config.yaml", "config.yml", "config.toml", "config.json"}

// loadConfig reads the file at path, or the first config file found in the user config directory when
// path is empty. Without any file the defaults are used.
func loadConfig(path string) (config, error) {
	if path == "" {
		found, err := defaultConfigPath()
		if err != nil {
			return config{}, err
		}
		path = found
	}

	var cfg config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return config{}, fmt.Errorf("error reading config file: %w", err)
		}
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(b, &cfg)
		case ".json":
			err = json.Unmarshal(b, &cfg)
		case ".toml":
			err = toml.Unmarshal(b, &cfg)
		default:
			return config{}, fmt.Errorf("unsupported config extension: %s", ext)
		}
		if err != nil {
			return config{}, fmt.Errorf("error decoding config file %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func defaultConfigPath() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	for _, name := range configNames {
		path := filepath.Join(cfgDir, "spit", name)
		_, err := os.Stat(path)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("error checking config file: %w", err)
		}
	}
	return "", nil
}

func (c *config) applyDefaults() {
	if c.Provider == "" {
		c.Provider = providerOllama
	}
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.Mode == "" {
		c.Mode = string(models.ModeGenerate)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ReconcileDelay == "" {
		c.ReconcileDelay = chat.DefaultReconcileDelay.String()
	}

	if c.Ollama.Host == "" {
		c.Ollama.Host = os.Getenv("OLLAMA_HOST")
	}
	if c.Ollama.Host == "" {
		c.Ollama.Host = defaultOllamaHost
	}
	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if c.OpenAI.APIKey == "" {
		c.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}

func (c config) validate() error {
	switch c.Provider {
	case providerOllama:
	case providerOpenAI:
		if c.OpenAI.BaseURL == "" {
			return fmt.Errorf("openai baseURL is required")
		}
	default:
		return fmt.Errorf("unknown provider: %s", c.Provider)
	}

	if !models.Mode(c.Mode).Valid() {
		return fmt.Errorf("unknown mode: %s", c.Mode)
	}
	if _, err := c.level(); err != nil {
		return err
	}
	if _, _, err := c.durations(); err != nil {
		return err
	}
	return nil
}

func (c config) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid logLevel %q: %w", c.LogLevel, err)
	}
	return level, nil
}

func (c config) durations() (reconcile, timeout time.Duration, err error) {
	reconcile, err = time.ParseDuration(c.ReconcileDelay)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid reconcileDelay: %w", err)
	}
	if c.StreamTimeout != "" {
		timeout, err = time.ParseDuration(c.StreamTimeout)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid streamTimeout: %w", err)
		}
	}
	return reconcile, timeout, nil
}

// gateway creates the backend bridge of the configured provider. Streaming output is emitted on emitter.
func (c config) gateway(emitter services.Emitter, logger *slog.Logger) (chat.Gateway, error) {
	switch c.Provider {
	case providerOpenAI:
		return services.NewOpenAI(c.OpenAI.BaseURL, c.OpenAI.APIKey, emitter, logger), nil
	default:
		o, err := services.NewOllama(c.Ollama.Host, emitter, logger)
		if err != nil {
			return nil, err
		}
		return o, nil
	}
}

func (c config) chatConfig(gateway chat.Gateway, events chat.Events, logger *slog.Logger) chat.Config {
	reconcile, timeout, _ := c.durations()
	return chat.Config{
		Gateway:        gateway,
		Events:         events,
		Logger:         logger,
		Mode:           models.Mode(c.Mode),
		ReconcileDelay: reconcile,
		StreamTimeout:  timeout,
	}
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
