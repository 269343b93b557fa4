package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/laurentialabs/registre/internal/config"
	"github.com/laurentialabs/registre/version"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "registre",
	Short: "Document extraction platform for the Québec public registries",
	Long: `Registre runs the extraction platform for the Québec land registry,
enterprise register, and personal and movable rights registry (RDPRM).

Processes:
  - worker        claim and execute extraction jobs, sessions, and searches
  - ocr-pool      turn extracted PDFs into structured content
  - reaper        recover work held by crashed workers
  - process-queue force a single job through extraction`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.registre/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "info", "log level: debug, info, warn, error",
	)
}

// newLogger builds the process logger from the --log-level flag.
func newLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}

// loadConfig loads configuration and starts watching for changes.
func loadConfig() (*config.Manager, error) {
	cm, err := config.NewManager(cfgFile)
	if err != nil {
		return nil, err
	}
	cm.WatchConfig()
	return cm, nil
}
