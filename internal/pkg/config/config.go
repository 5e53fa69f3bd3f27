package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all application configuration. Suffixed names (_MS, _S)
// take plain integers in that unit; the accessor methods convert.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	LLMEndpoint    string `env:"LLM_ENDPOINT,required"`
	LLMAPIKey      string `env:"LLM_API_KEY"`
	LLMModel       string `env:"LLM_MODEL" envDefault:"moderation-v1"`
	LLMTimeoutMS   int    `env:"LLM_TIMEOUT_MS" envDefault:"30000"`
	LLMMaxRetries  int    `env:"LLM_MAX_RETRIES" envDefault:"3"`
	LLMConcurrency int64  `env:"LLM_CONCURRENCY" envDefault:"8"`

	FilterWindowS      int `env:"FILTER_WINDOW_S" envDefault:"60"`
	FilterMaxPerWindow int `env:"FILTER_MAX_PER_WINDOW" envDefault:"10"`

	CircuitFailureRatio float64 `env:"CIRCUIT_FAILURE_RATIO" envDefault:"0.5"`
	CircuitMinSamples   int     `env:"CIRCUIT_MIN_SAMPLES" envDefault:"20"`
	CircuitCooldownS    int     `env:"CIRCUIT_COOLDOWN_S" envDefault:"15"`

	TemplateFile    string `env:"TEMPLATE_FILE" envDefault:"configs/templates.yaml"`
	PatternFile     string `env:"PATTERN_FILE" envDefault:"configs/patterns.yaml"`
	DefaultTemplate string `env:"DEFAULT_TEMPLATE" envDefault:"moderation_prompt"`

	ViolationStoreURL string `env:"VIOLATION_STORE_URL"`
	RedisAddr         string `env:"REDIS_ADDR"`
	RetentionDays     int    `env:"RETENTION_DAYS" envDefault:"90"`
	WALDir            string `env:"WAL_DIR" envDefault:"./wal"`
	WALSegmentSize    int64  `env:"WAL_SEGMENT_SIZE_BYTES" envDefault:"104857600"`   // 100MB
	WALMaxDiskSize    int64  `env:"WAL_MAX_DISK_SIZE_BYTES" envDefault:"1073741824"` // 1GB
	SweepIntervalS    int    `env:"SWEEP_INTERVAL_S" envDefault:"300"`

	SessionQueueSize int `env:"SESSION_QUEUE_SIZE" envDefault:"64"`
	SessionPingS     int `env:"SESSION_PING_S" envDefault:"30"`
	SessionSweepS    int `env:"SESSION_SWEEP_S" envDefault:"60"`

	NotificationURL string   `env:"NOTIFICATION_URL"`
	PIIRedactFields []string `env:"PII_REDACT_FIELDS" envSeparator:"," envDefault:"email,phone,ssn"`

	ModerateDeadlineMS int `env:"MODERATE_DEADLINE_MS" envDefault:"60000"`
	DedupTTLS          int `env:"DEDUP_TTL_S" envDefault:"300"`
	SimIntervalMS      int `env:"SIM_INTERVAL_MS" envDefault:"2000"`

	EnableLightweightFilter bool `env:"ENABLE_LIGHTWEIGHT_FILTER" envDefault:"true"`
	EnableNotifications     bool `env:"ENABLE_NOTIFICATIONS" envDefault:"true"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.FilterMaxPerWindow <= 0 {
		return fmt.Errorf("FILTER_MAX_PER_WINDOW must be positive, got %d", c.FilterMaxPerWindow)
	}
	if c.FilterWindowS <= 0 {
		return fmt.Errorf("FILTER_WINDOW_S must be positive, got %d", c.FilterWindowS)
	}
	if c.LLMConcurrency <= 0 {
		return fmt.Errorf("LLM_CONCURRENCY must be positive, got %d", c.LLMConcurrency)
	}
	if c.CircuitFailureRatio <= 0 || c.CircuitFailureRatio > 1 {
		return fmt.Errorf("CIRCUIT_FAILURE_RATIO must be in (0,1], got %v", c.CircuitFailureRatio)
	}
	if c.SessionQueueSize <= 0 {
		return fmt.Errorf("SESSION_QUEUE_SIZE must be positive, got %d", c.SessionQueueSize)
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("RETENTION_DAYS must be positive, got %d", c.RetentionDays)
	}
	return nil
}

// SlogLevel maps the configured LOG_LEVEL string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) LLMTimeout() time.Duration       { return time.Duration(c.LLMTimeoutMS) * time.Millisecond }
func (c *Config) FilterWindow() time.Duration     { return time.Duration(c.FilterWindowS) * time.Second }
func (c *Config) CircuitCooldown() time.Duration  { return time.Duration(c.CircuitCooldownS) * time.Second }
func (c *Config) SessionPing() time.Duration      { return time.Duration(c.SessionPingS) * time.Second }
func (c *Config) SessionSweep() time.Duration     { return time.Duration(c.SessionSweepS) * time.Second }
func (c *Config) ModerateDeadline() time.Duration { return time.Duration(c.ModerateDeadlineMS) * time.Millisecond }
func (c *Config) DedupTTL() time.Duration         { return time.Duration(c.DedupTTLS) * time.Second }
func (c *Config) SimInterval() time.Duration      { return time.Duration(c.SimIntervalMS) * time.Millisecond }
func (c *Config) SweepInterval() time.Duration    { return time.Duration(c.SweepIntervalS) * time.Second }
func (c *Config) Retention() time.Duration        { return time.Duration(c.RetentionDays) * 24 * time.Hour }
