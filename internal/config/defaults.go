package config

import "time"

// DefaultConfig returns the built-in defaults. Every duration here is an
// operational contract documented in the runbook; change with care.
func DefaultConfig() *Config {
	return &Config{
		Environments:     map[string]EnvironmentConfig{},
		EnvironmentOrder: []string{"prod", "staging", "dev"},
		Worker: WorkerConfig{
			PollInterval:      10 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			DeadThreshold:     3 * time.Minute,
			ShutdownGrace:     30 * time.Second,
		},
		Browser: BrowserConfig{
			Headless:         true,
			IdleTimeout:      5 * time.Minute,
			NetworkIdleWait:  60 * time.Second,
			ElementWait:      30 * time.Second,
			DocumentPrepWait: 180 * time.Second,
			DownloadWait:     30 * time.Second,
		},
		OCR: OCRConfig{
			PoolSize:          4,
			MinIndexWorkers:   1,
			MinActeWorkers:    1,
			RebalanceInterval: 30 * time.Second,
			PollInterval:      5 * time.Second,
			PerWorkerCPU:      1.0,
			PerWorkerRAMMB:    1024,
			TargetDPI:         300,
			UpscaleCap:        3.0,
			MinImageWidth:     2000,
			MaxLinesPerPage:   60,
			WindowSize:        25,
			CoherenceCheck:    true,
			BoostPass:         true,
			MaxRetries:        2,
		},
		Vision: VisionConfig{
			Primary: ModelConfig{
				Model:          "gpt-4o",
				RequestTimeout: 300 * time.Second,
				RPMLimit:       450,
				TPMLimit:       600000,
			},
			Secondary: ModelConfig{
				Model:          "gpt-4o-mini",
				RequestTimeout: 300 * time.Second,
				RPMLimit:       450,
				TPMLimit:       600000,
			},
		},
		RateLimit: RateLimitConfig{
			RedisURL: "redis://localhost:6379/0",
		},
	}
}
