package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/laurentialabs/registre/internal/envreg"
	"github.com/laurentialabs/registre/internal/ocr"
	"github.com/laurentialabs/registre/internal/ratelimit"
	"github.com/laurentialabs/registre/internal/vision"
)

var ocrCmd = &cobra.Command{
	Use:   "ocr-pool",
	Short: "Run the OCR worker pool",
	Long: `Run the OCR worker pool. Workers claim extraction-complete jobs,
rasterize the PDF, and extract structured content page by page through the
vision models. The pool splits itself between index and acte work in
proportion to the backlog. Vision calls share the deployment-wide request
and token budget through the rate-limit counter store.`,
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

		rdb, err := ratelimit.OpenClient(cfg.RateLimit.RedisURL)
		if err != nil {
			return fmt.Errorf("rate-limit store: %w", err)
		}
		defer rdb.Close()

		primary := vision.NewOpenAIModel(cfg.Vision.Primary, ratelimit.New(ratelimit.Config{
			Client:   rdb,
			Model:    cfg.Vision.Primary.Model,
			RPMLimit: cfg.Vision.Primary.RPMLimit,
			TPMLimit: cfg.Vision.Primary.TPMLimit,
			Logger:   logger,
		}))
		secondary := vision.NewOpenAIModel(cfg.Vision.Secondary, ratelimit.New(ratelimit.Config{
			Client:   rdb,
			Model:    cfg.Vision.Secondary.Model,
			RPMLimit: cfg.Vision.Secondary.RPMLimit,
			TPMLimit: cfg.Vision.Secondary.TPMLimit,
			Logger:   logger,
		}))

		pipeline := ocr.NewPipeline(cfg.OCR, cfg.Vision, primary, secondary,
			&ocr.PDFRasterizer{
				TargetDPI:  cfg.OCR.TargetDPI,
				MinWidth:   cfg.OCR.MinImageWidth,
				UpscaleCap: cfg.OCR.UpscaleCap,
			}, logger)

		pool := ocr.NewPool(ocr.PoolConfigFrom(cfg.OCR), envs, pipeline, logger)
		return pool.Start(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(ocrCmd)
}
