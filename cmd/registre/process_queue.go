package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	processQueueID  int64
	processQueueEnv string
)

var processQueueCmd = &cobra.Command{
	Use:   "process-queue",
	Short: "Force one extraction job through processing",
	Long: `Force one extraction job through processing, exactly as a worker
would: claim it, drive the browser, upload the artifact, settle the row.
Exits 0 when the job reaches extraction-complete, 1 otherwise.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()

		cm, err := loadConfig()
		if err != nil {
			return err
		}
		cfg := cm.Get()

		env := processQueueEnv
		if env == "" {
			if len(cfg.EnvironmentOrder) == 0 {
				return fmt.Errorf("no environments configured")
			}
			env = cfg.EnvironmentOrder[0]
		}

		w, envs, err := buildWorker(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer envs.Close()

		return w.ProcessJob(cmd.Context(), env, processQueueID)
	},
}

func init() {
	processQueueCmd.Flags().Int64Var(
		&processQueueID, "queue-id", 0, "extraction job ID to process (required)",
	)
	processQueueCmd.Flags().StringVar(
		&processQueueEnv, "env", "", "environment holding the job (default: highest priority)",
	)
	processQueueCmd.MarkFlagRequired("queue-id")
	rootCmd.AddCommand(processQueueCmd)
}
