package orders

import (
	"os"
	"time"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-errors"
	"gopkg.in/yaml.v3"
)

// Defaults mirror the original deployment configuration.
const (
	DefaultApprovalThreshold      = 1000.0
	DefaultApprovalTimeoutMinutes = 5
	DefaultBaseURL                = "http://localhost:7071"
)

// RetryConfig is the yaml shape of a retry policy.
type RetryConfig struct {
	MaxAttempts        int     `yaml:"max_attempts" json:"max_attempts"`
	IntervalSeconds    int     `yaml:"interval_seconds" json:"interval_seconds"`
	BackoffCoefficient float64 `yaml:"backoff_coefficient" json:"backoff_coefficient"`
}

// Policy converts the config shape into the engine value.
func (r RetryConfig) Policy() durable.RetryPolicy {
	return durable.RetryPolicy{
		MaxAttempts:        r.MaxAttempts,
		FirstInterval:      time.Duration(r.IntervalSeconds) * time.Second,
		BackoffCoefficient: r.BackoffCoefficient,
	}
}

// Config drives the order workflow and its surrounding services.
type Config struct {
	// ApprovalThreshold is the amount above which (strictly greater
	// than) a manager must approve the order.
	ApprovalThreshold      float64     `yaml:"approval_threshold" json:"approval_threshold"`
	ApprovalTimeoutMinutes int         `yaml:"approval_timeout_minutes" json:"approval_timeout_minutes"`
	PaymentRetry           RetryConfig `yaml:"payment_retry" json:"payment_retry"`

	// BaseURL is where approval links point.
	BaseURL    string `yaml:"base_url" json:"base_url"`
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`

	// StorePath selects the SQLite database; empty means in-memory.
	StorePath string `yaml:"store_path" json:"store_path"`

	JanitorSchedule string `yaml:"janitor_schedule" json:"janitor_schedule"`
	RetentionHours  int    `yaml:"retention_hours" json:"retention_hours"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		ApprovalThreshold:      DefaultApprovalThreshold,
		ApprovalTimeoutMinutes: DefaultApprovalTimeoutMinutes,
		PaymentRetry: RetryConfig{
			MaxAttempts:        3,
			IntervalSeconds:    2,
			BackoffCoefficient: 2.0,
		},
		BaseURL:         DefaultBaseURL,
		ListenAddr:      ":7071",
		JanitorSchedule: "@hourly",
		RetentionHours:  24,
	}
}

// ParseConfig reads yaml over the defaults.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, errors.CategoryBadInput, "config parse failed").
			WithTextCode("ORDERS_CONFIG_PARSE")
	}
	return cfg, cfg.Validate()
}

// LoadConfig reads a yaml config file over the defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultConfig(), errors.Wrap(err, errors.CategoryBadInput, "config read failed").
			WithTextCode("ORDERS_CONFIG_READ").
			WithMetadata(map[string]any{"path": path})
	}
	return ParseConfig(data)
}

// Validate rejects configurations the workflow cannot run under.
func (c Config) Validate() error {
	if c.ApprovalThreshold < 0 {
		return errors.New("approval_threshold cannot be negative", errors.CategoryValidation).
			WithTextCode("ORDERS_CONFIG_INVALID")
	}
	if c.ApprovalTimeoutMinutes <= 0 {
		return errors.New("approval_timeout_minutes must be positive", errors.CategoryValidation).
			WithTextCode("ORDERS_CONFIG_INVALID")
	}
	if c.PaymentRetry.MaxAttempts < 1 {
		return errors.New("payment_retry.max_attempts must be at least 1", errors.CategoryValidation).
			WithTextCode("ORDERS_CONFIG_INVALID")
	}
	return nil
}

// ApprovalTimeout returns the approval window as a duration.
func (c Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutMinutes) * time.Minute
}

// Retention returns how long terminal histories are kept.
func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}
