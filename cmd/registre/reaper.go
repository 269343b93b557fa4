package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/laurentialabs/registre/internal/envreg"
	"github.com/laurentialabs/registre/internal/reaper"
)

var reaperInterval time.Duration

var reaperCmd = &cobra.Command{
	Use:   "reaper",
	Short: "Run the dead-worker monitor",
	Long: `Run the dead-worker monitor. Scans every environment for workers
whose heartbeat has gone stale, releases their held jobs back to pending,
and marks the workers offline. Run one per deployment.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()

		cm, err := loadConfig()
		if err != nil {
			return err
		}
		cfg := cm.Get()

		envs, err := envreg.New(cmd.Context(), cfg, logger)
		if err != nil {
			return fmt.Errorf("environment setup: %w", err)
		}
		defer envs.Close()

		r := reaper.New(reaper.Config{
			Logger:        logger,
			Envs:          envs,
			Interval:      reaperInterval,
			DeadThreshold: cfg.Worker.DeadThreshold,
		})
		return r.Start(cmd.Context())
	},
}

func init() {
	reaperCmd.Flags().DurationVar(
		&reaperInterval, "interval", 0, "scan interval (default from config, 60s)",
	)
	rootCmd.AddCommand(reaperCmd)
}
