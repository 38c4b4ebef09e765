package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	PacingFixed   = "fixed"
	PacingLimiter = "limiter"
	PacingNone    = "none"
)

// DefaultBoilerplatePattern matches the captioning prompt that vision
// models echo back into their descriptions.
const DefaultBoilerplatePattern = `\s*Describe what is happening in this classroom scene\.\s*`

var DefaultRubric = []string{"Key Strengths", "Areas for Improvement", "Overall Summary"}

type Config struct {
	// Completion service
	OpenAI OpenAIConfig `yaml:"openai"`

	// Token budget and pacing
	Budget BudgetConfig `yaml:"budget"`
	Pacing PacingConfig `yaml:"pacing"`

	// Observation handling
	Input  InputConfig  `yaml:"input"`
	Report ReportConfig `yaml:"report"`

	Captioning CaptioningConfig `yaml:"captioning"`
	Database   DatabaseConfig   `yaml:"database"`
	Spaces     SpacesConfig     `yaml:"spaces"`

	// Server settings
	ServerPort   string        `yaml:"server_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Logging
	LogDir   string `yaml:"log_dir"`
	LogLevel string `yaml:"log_level"`
	Debug    bool   `yaml:"debug"`

	ProcessTimeout  time.Duration `yaml:"process_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type OpenAIConfig struct {
	APIKey         string        `yaml:"api_key"`
	BaseURL        string        `yaml:"base_url"`
	Model          string        `yaml:"model"`
	Temperature    *float64      `yaml:"temperature"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type BudgetConfig struct {
	TPMLimit         int    `yaml:"tpm_limit"`
	MaxReplyTokens   int    `yaml:"max_reply_tokens"`
	SafetyBuffer     int    `yaml:"safety_buffer"`
	PerLineOverhead  int    `yaml:"per_line_overhead"`
	FallbackEncoding string `yaml:"fallback_encoding"`
}

// MaxInputTokens is the per-request input allowance left once the reply
// reservation and safety margin are taken from the TPM limit.
func (b BudgetConfig) MaxInputTokens() int {
	return b.TPMLimit - b.MaxReplyTokens - b.SafetyBuffer
}

type PacingConfig struct {
	Mode              string        `yaml:"mode"`
	Delay             time.Duration `yaml:"delay"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	Burst             int           `yaml:"burst"`
}

type InputConfig struct {
	DimensionOrder     []string `yaml:"dimension_order"`
	BoilerplatePattern string   `yaml:"boilerplate_pattern"`
}

type ReportConfig struct {
	Rubric    []string `yaml:"rubric"`
	OutputDir string   `yaml:"output_dir"`
	Resume    bool     `yaml:"resume"`
}

type CaptioningConfig struct {
	Command    string        `yaml:"command"`
	Args       []string      `yaml:"args"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

type DatabaseConfig struct {
	Path           string `yaml:"path"`
	MaxConnections int    `yaml:"max_connections"`
}

type SpacesConfig struct {
	Enabled   bool   `yaml:"enabled"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// Defaults returns the configuration used when neither a file nor the
// environment overrides a setting.
func Defaults() *Config {
	return &Config{
		OpenAI: OpenAIConfig{
			Model:          "gpt-4o",
			RequestTimeout: 2 * time.Minute,
		},
		Budget: BudgetConfig{
			TPMLimit:        28000,
			MaxReplyTokens:  1200,
			SafetyBuffer:    3000,
			PerLineOverhead: 4,
		},
		Pacing: PacingConfig{
			Mode:              PacingFixed,
			Delay:             75 * time.Second,
			RequestsPerMinute: 1,
			Burst:             1,
		},
		Input: InputConfig{
			BoilerplatePattern: DefaultBoilerplatePattern,
		},
		Report: ReportConfig{
			Rubric:    append([]string(nil), DefaultRubric...),
			OutputDir: ".",
		},
		Captioning: CaptioningConfig{
			Timeout:    30 * time.Minute,
			MaxRetries: 3,
		},
		Database: DatabaseConfig{
			Path:           "./data/runs.db",
			MaxConnections: 10,
		},
		Spaces: SpacesConfig{
			Region: "us-east-1",
			Prefix: "reports",
		},
		ServerPort:   "8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
			BurstSize:         10,
		},
		LogDir:          "./logs",
		LogLevel:        "info",
		ProcessTimeout:  2 * time.Hour,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables, in increasing order of precedence.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config file %s", path)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.OpenAI.APIKey = getEnv("OPENAI_API_KEY", cfg.OpenAI.APIKey)
	cfg.OpenAI.BaseURL = getEnv("OPENAI_BASE_URL", cfg.OpenAI.BaseURL)
	cfg.OpenAI.Model = getEnv("OPENAI_MODEL", cfg.OpenAI.Model)
	cfg.OpenAI.Temperature = getEnvAsFloatPtr("OPENAI_TEMPERATURE", cfg.OpenAI.Temperature)
	cfg.OpenAI.RequestTimeout = getEnvAsDuration("OPENAI_REQUEST_TIMEOUT", cfg.OpenAI.RequestTimeout)

	cfg.Budget.TPMLimit = getEnvAsInt("TPM_LIMIT", cfg.Budget.TPMLimit)
	cfg.Budget.MaxReplyTokens = getEnvAsInt("MAX_REPLY_TOKENS", cfg.Budget.MaxReplyTokens)
	cfg.Budget.SafetyBuffer = getEnvAsInt("SAFETY_BUFFER", cfg.Budget.SafetyBuffer)
	cfg.Budget.PerLineOverhead = getEnvAsInt("PER_LINE_OVERHEAD", cfg.Budget.PerLineOverhead)
	cfg.Budget.FallbackEncoding = getEnv("TOKENIZER_FALLBACK_ENCODING", cfg.Budget.FallbackEncoding)

	cfg.Pacing.Mode = getEnv("PACING_MODE", cfg.Pacing.Mode)
	if secs, ok := os.LookupEnv("SLEEP_SECONDS"); ok {
		if n, err := strconv.Atoi(secs); err == nil {
			cfg.Pacing.Delay = time.Duration(n) * time.Second
		} else {
			logrus.WithFields(logrus.Fields{
				"key":   "SLEEP_SECONDS",
				"value": secs,
			}).Warn("Invalid integer, using default")
		}
	}
	cfg.Pacing.RequestsPerMinute = getEnvAsInt("PACING_RPM", cfg.Pacing.RequestsPerMinute)
	cfg.Pacing.Burst = getEnvAsInt("PACING_BURST", cfg.Pacing.Burst)

	cfg.Input.DimensionOrder = getEnvAsStringSlice("DIMENSION_ORDER", cfg.Input.DimensionOrder)
	cfg.Input.BoilerplatePattern = getEnv("BOILERPLATE_PATTERN", cfg.Input.BoilerplatePattern)

	cfg.Report.Rubric = getEnvAsStringSlice("REPORT_RUBRIC", cfg.Report.Rubric)
	cfg.Report.OutputDir = getEnv("OUTPUT_DIR", cfg.Report.OutputDir)
	cfg.Report.Resume = getEnvAsBool("RESUME", cfg.Report.Resume)

	cfg.Captioning.Command = getEnv("CAPTION_COMMAND", cfg.Captioning.Command)
	cfg.Captioning.Args = getEnvAsStringSlice("CAPTION_ARGS", cfg.Captioning.Args)
	cfg.Captioning.Timeout = getEnvAsDuration("CAPTION_TIMEOUT", cfg.Captioning.Timeout)
	cfg.Captioning.MaxRetries = getEnvAsInt("CAPTION_MAX_RETRIES", cfg.Captioning.MaxRetries)

	cfg.Database.Path = getEnv("DB_PATH", cfg.Database.Path)
	cfg.Database.MaxConnections = getEnvAsInt("DB_MAX_CONNECTIONS", cfg.Database.MaxConnections)

	cfg.Spaces.Enabled = getEnvAsBool("SPACES_ENABLED", cfg.Spaces.Enabled)
	cfg.Spaces.AccessKey = getEnv("SPACES_ACCESS_KEY", cfg.Spaces.AccessKey)
	cfg.Spaces.SecretKey = getEnv("SPACES_SECRET_KEY", cfg.Spaces.SecretKey)
	cfg.Spaces.Region = getEnv("SPACES_REGION", cfg.Spaces.Region)
	cfg.Spaces.Endpoint = getEnv("SPACES_ENDPOINT", cfg.Spaces.Endpoint)
	cfg.Spaces.Bucket = getEnv("SPACES_BUCKET", cfg.Spaces.Bucket)
	cfg.Spaces.Prefix = getEnv("SPACES_PREFIX", cfg.Spaces.Prefix)

	cfg.ServerPort = getEnv("SERVER_PORT", cfg.ServerPort)
	cfg.ReadTimeout = getEnvAsDuration("READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = getEnvAsDuration("WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = getEnvAsDuration("IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.RateLimit.Enabled = getEnvAsBool("RATE_LIMIT_ENABLED", cfg.RateLimit.Enabled)
	cfg.RateLimit.RequestsPerMinute = getEnvAsInt("RATE_LIMIT_RPM", cfg.RateLimit.RequestsPerMinute)
	cfg.RateLimit.BurstSize = getEnvAsInt("RATE_LIMIT_BURST", cfg.RateLimit.BurstSize)

	cfg.LogDir = getEnv("LOG_DIR", cfg.LogDir)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.Debug = getEnvAsBool("DEBUG", cfg.Debug)

	cfg.ProcessTimeout = getEnvAsDuration("PROCESS_TIMEOUT", cfg.ProcessTimeout)
	cfg.ShutdownTimeout = getEnvAsDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
}

func (c *Config) Validate() error {
	if err := validateBudget(c); err != nil {
		return err
	}
	if err := validateServices(c); err != nil {
		return err
	}
	return validateTimeouts(c)
}

func validateBudget(c *Config) error {
	if c.Budget.TPMLimit <= 0 {
		return errors.New("tpm limit must be positive")
	}
	if c.Budget.MaxReplyTokens <= 0 {
		return errors.New("max reply tokens must be positive")
	}
	if c.Budget.SafetyBuffer < 0 {
		return errors.New("safety buffer must not be negative")
	}
	if c.Budget.PerLineOverhead < 0 {
		return errors.New("per-line overhead must not be negative")
	}
	if c.Budget.MaxInputTokens() <= 0 {
		return errors.Errorf("input budget is %d tokens: tpm limit %d leaves nothing after reply %d and buffer %d",
			c.Budget.MaxInputTokens(), c.Budget.TPMLimit, c.Budget.MaxReplyTokens, c.Budget.SafetyBuffer)
	}
	return nil
}

func validateServices(c *Config) error {
	if c.OpenAI.APIKey == "" {
		return errors.New("openai api key is required")
	}
	if c.OpenAI.Model == "" {
		return errors.New("model is required")
	}
	if t := c.OpenAI.Temperature; t != nil && (*t < 0 || *t > 2) {
		return errors.Errorf("temperature %.2f out of range [0, 2]", *t)
	}
	switch c.Pacing.Mode {
	case PacingFixed:
		if c.Pacing.Delay < 0 {
			return errors.New("pacing delay must not be negative")
		}
	case PacingLimiter:
		if c.Pacing.RequestsPerMinute <= 0 {
			return errors.New("pacing requests per minute must be positive")
		}
	case PacingNone:
	default:
		return errors.Errorf("unknown pacing mode %q", c.Pacing.Mode)
	}
	if len(c.Report.Rubric) == 0 {
		return errors.New("report rubric must name at least one section")
	}
	if _, err := regexp.Compile("(?i)" + c.Input.BoilerplatePattern); err != nil {
		return errors.Wrap(err, "invalid boilerplate pattern")
	}
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Spaces.Enabled && (c.Spaces.Bucket == "" || c.Spaces.Endpoint == "") {
		return errors.New("spaces bucket and endpoint are required when spaces is enabled")
	}
	return nil
}

func validateTimeouts(c *Config) error {
	if c.ReadTimeout <= 0 {
		return errors.New("read timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("write timeout must be positive")
	}
	if c.ProcessTimeout <= 0 {
		return errors.New("process timeout must be positive")
	}
	return nil
}

// Helper functions for reading environment variables
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		logrus.WithFields(logrus.Fields{
			"key":          key,
			"value":        value,
			"defaultValue": defaultValue,
		}).Warn("Invalid integer, using default")
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloatPtr(key string, defaultValue *float64) *float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return &f
		}
		logrus.WithFields(logrus.Fields{
			"key":   key,
			"value": value,
		}).Warn("Invalid float, using default")
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		logrus.WithFields(logrus.Fields{
			"key":          key,
			"value":        value,
			"defaultValue": defaultValue,
		}).Warn("Invalid duration, using default")
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists {
		if value = strings.TrimSpace(value); value != "" {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			return parts
		}
	}
	return defaultValue
}
