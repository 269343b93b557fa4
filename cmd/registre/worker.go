package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/laurentialabs/registre/internal/accounts"
	"github.com/laurentialabs/registre/internal/browser"
	"github.com/laurentialabs/registre/internal/config"
	"github.com/laurentialabs/registre/internal/envreg"
	"github.com/laurentialabs/registre/internal/sites"
	"github.com/laurentialabs/registre/internal/worker"
)

var workerEnvOrder string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run one unified worker",
	Long: `Run one unified worker process. The worker polls every configured
environment in priority order, claims extraction jobs, business-registry
sessions, and personal-rights searches, and drives a headless browser
against the matching registry site.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()

		cm, err := loadConfig()
		if err != nil {
			return err
		}
		cfg := cm.Get()
		if workerEnvOrder != "" {
			cfg.EnvironmentOrder = splitEnvOrder(workerEnvOrder)
		}

		w, envs, err := buildWorker(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer envs.Close()

		return w.Start(cmd.Context())
	},
}

func init() {
	workerCmd.Flags().StringVar(
		&workerEnvOrder, "env-order", "",
		"comma-separated environment claim priority (overrides config, e.g. prod,staging,dev)",
	)
	rootCmd.AddCommand(workerCmd)
}

// buildWorker assembles a worker and its environment registry from config.
// Shared by the worker and process-queue commands.
func buildWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*worker.Worker, *envreg.Registry, error) {
	envs, err := envreg.New(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("environment setup: %w", err)
	}

	// Credentials live in the highest-priority environment's datastore; the
	// registry sites do not care which environment a job came from.
	primary := envs.Store(envs.List()[0])

	w := worker.New(worker.Config{
		Logger:   logger,
		Identity: worker.NewIdentity(),
		Envs:     envs,
		Drivers: &sites.DriverSet{
			Land:       sites.NewLandDriver(cfg.Browser),
			Enterprise: sites.NewEnterpriseDriver(cfg.Browser),
			RDPRM:      sites.NewRDPRMDriver(cfg.Browser, cfg.RDPRM),
		},
		Browser: browser.NewManager(browser.ManagerConfig{
			Logger: logger,
			Factory: browser.NewChromeFactory(browser.ChromeConfig{
				Headless:        cfg.Browser.Headless,
				NetworkIdleWait: cfg.Browser.NetworkIdleWait,
			}),
			IdleTimeout: cfg.Browser.IdleTimeout,
		}),
		Credentials:       accounts.NewPool(primary, logger),
		PollInterval:      cfg.Worker.PollInterval,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		ShutdownGrace:     cfg.Worker.ShutdownGrace,
	})
	return w, envs, nil
}

func splitEnvOrder(s string) []string {
	var out []string
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}
