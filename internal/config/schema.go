package config

import "time"

// Config is the full registre configuration.
type Config struct {
	// Environments maps environment name (prod, staging, dev) to its
	// datastore and storage endpoints. Missing environments are skipped by
	// every consumer, never treated as an error.
	Environments map[string]EnvironmentConfig `mapstructure:"environments"`

	// EnvironmentOrder is the claim priority. Workers poll environments in
	// this order and stop at the first successful claim each cycle.
	EnvironmentOrder []string `mapstructure:"environment_order"`

	Worker    WorkerConfig    `mapstructure:"worker"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	OCR       OCRConfig       `mapstructure:"ocr"`
	Vision    VisionConfig    `mapstructure:"vision"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	RDPRM     RDPRMConfig     `mapstructure:"rdprm"`
}

// EnvironmentConfig holds one environment's endpoints. API keys support
// ${ENV_VAR} references resolved at load time.
type EnvironmentConfig struct {
	DatabaseURL string `mapstructure:"database_url"`
	StorageURL  string `mapstructure:"storage_url"`
	ServiceKey  string `mapstructure:"service_key"`
	AnonKey     string `mapstructure:"anon_key"`
}

// WorkerConfig tunes the unified worker loop.
type WorkerConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	DeadThreshold     time.Duration `mapstructure:"dead_worker_threshold"`
	// ShutdownGrace is how long an in-flight job may run after a shutdown
	// signal before it is abandoned.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// BrowserConfig tunes the browser session lifecycle and per-operation
// timeouts.
type BrowserConfig struct {
	Headless        bool          `mapstructure:"headless"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	NetworkIdleWait time.Duration `mapstructure:"network_idle_wait"`
	ElementWait     time.Duration `mapstructure:"element_wait"`
	// DocumentPrepWait covers slow server-side document preparation on the
	// land registry site.
	DocumentPrepWait time.Duration `mapstructure:"document_prep_wait"`
	DownloadWait     time.Duration `mapstructure:"download_wait"`
}

// OCRConfig tunes the OCR worker pool and page pipeline.
type OCRConfig struct {
	PoolSize          int           `mapstructure:"pool_size"`
	MinIndexWorkers   int           `mapstructure:"min_index_workers"`
	MinActeWorkers    int           `mapstructure:"min_acte_workers"`
	RebalanceInterval time.Duration `mapstructure:"rebalance_interval"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`

	// Capacity guard inputs. Zero ServerMaxCPU/RAM means "detect".
	PerWorkerCPU   float64 `mapstructure:"per_worker_cpu"`
	PerWorkerRAMMB int     `mapstructure:"per_worker_ram_mb"`
	ServerMaxCPU   float64 `mapstructure:"server_max_cpu"`
	ServerMaxRAMMB int     `mapstructure:"server_max_ram_mb"`

	// Pipeline tunables.
	TargetDPI       int     `mapstructure:"target_dpi"`
	UpscaleCap      float64 `mapstructure:"upscale_cap"`
	MinImageWidth   int     `mapstructure:"min_image_width"`
	MaxLinesPerPage int     `mapstructure:"max_lines_per_page"`
	WindowSize      int     `mapstructure:"window_size"`
	CoherenceCheck  bool    `mapstructure:"coherence_check"`
	BoostPass       bool    `mapstructure:"boost_pass"`
	MaxRetries      int     `mapstructure:"max_retries"`
}

// ModelConfig is one vision model endpoint with its shared budget.
type ModelConfig struct {
	Model          string        `mapstructure:"model"`
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RPMLimit       int           `mapstructure:"rpm_limit"`
	TPMLimit       int           `mapstructure:"tpm_limit"`
}

// VisionConfig holds the two vision models the pipeline queries plus the
// opaque prompt strings. Prompts are configuration, not code.
type VisionConfig struct {
	Primary   ModelConfig `mapstructure:"primary"`
	Secondary ModelConfig `mapstructure:"secondary"`

	LineCountPrompt  string `mapstructure:"line_count_prompt"`
	ExtractionPrompt string `mapstructure:"extraction_prompt"`
	CoherencePrompt  string `mapstructure:"coherence_prompt"`
	BoostPrompt      string `mapstructure:"boost_prompt"`
}

// RateLimitConfig points at the shared counter store.
type RateLimitConfig struct {
	RedisURL string `mapstructure:"redis_url"`
}

// RDPRMConfig is the personal-rights registry login.
type RDPRMConfig struct {
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	SecurityAnswer string `mapstructure:"security_answer"`
}
