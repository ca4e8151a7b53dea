package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

const errLoggerKey = "err"

var (
	configFlag   string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "spit",
	Short: "Local-first chat client for Ollama and OpenAI compatible servers",
	Long: `spit drives a local model server. It streams answers into a conversation,
manages the installed models and serves the whole thing to a browser.

Examples:
  spit serve                            Serve the chat client on :8080
  spit models list                      List installed models
  spit models add llama3                Install a model
  spit ask "What is Go?" -m llama3      Send a single prompt`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "",
		"Config file (yaml, yml, toml or json), defaults to <user config dir>/spit/config.*")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(askCmd)
}

// setup loads the configuration and builds the logger every command shares.
func setup() (config, *slog.Logger, error) {
	cfg, err := loadConfig(configFlag)
	if err != nil {
		return config{}, nil, err
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}
	level, err := cfg.level()
	if err != nil {
		return config{}, nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	return cfg, newLogger(level), nil
}
