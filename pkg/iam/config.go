package iam

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// InMemoryDSN keeps all state process-lifetime only. The shared cache is
// required so every pooled connection sees the same database.
const InMemoryDSN = "file::memory:?cache=shared"

// Config holds the configuration for the IAM core.
type Config struct {
	// Database configuration. The default keeps everything in memory; a file
	// path may be supplied for durable deployments.
	DatabasePath string `mapstructure:"database_path" json:"database_path" yaml:"database_path" validate:"required"`

	// TokenSecret signs session tokens. It must be supplied by the embedding
	// application: an auto-generated per-instance secret would make tokens
	// unverifiable across restarts.
	TokenSecret string `mapstructure:"token_secret" json:"token_secret" yaml:"token_secret" validate:"required"`

	// SessionTimeout is the fixed lifetime of a session, set at creation.
	SessionTimeout time.Duration `mapstructure:"session_timeout" json:"session_timeout" yaml:"session_timeout"`

	// HashIterations is the pbkdf2 round count for password hashing.
	HashIterations int `mapstructure:"hash_iterations" json:"hash_iterations" yaml:"hash_iterations" validate:"min=1"`

	// MaxFailedAttempts is the consecutive-failure threshold that locks an
	// account; LockoutDuration is how long the lock holds before the
	// auto-unlock timer fires.
	MaxFailedAttempts int           `mapstructure:"max_failed_attempts" json:"max_failed_attempts" yaml:"max_failed_attempts" validate:"min=1"`
	LockoutDuration   time.Duration `mapstructure:"lockout_duration" json:"lockout_duration" yaml:"lockout_duration"`

	// PasswordPolicy applies at registration and password change.
	PasswordPolicy PasswordPolicy `mapstructure:"password_policy" json:"password_policy" yaml:"password_policy"`

	// Authorization decision cache.
	EnableCache bool          `mapstructure:"enable_cache" json:"enable_cache" yaml:"enable_cache"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl" json:"cache_ttl" yaml:"cache_ttl"`

	// SweepInterval drives the background expired-session sweeper.
	SweepInterval time.Duration `mapstructure:"sweep_interval" json:"sweep_interval" yaml:"sweep_interval"`

	// EnableAuditLogging records security-relevant actions in the audit log.
	EnableAuditLogging bool `mapstructure:"enable_audit_logging" json:"enable_audit_logging" yaml:"enable_audit_logging"`
}

// PasswordPolicy defines password requirements
type PasswordPolicy struct {
	MinLength        int  `mapstructure:"min_length" json:"min_length" yaml:"min_length"`
	RequireUppercase bool `mapstructure:"require_uppercase" json:"require_uppercase" yaml:"require_uppercase"`
	RequireLowercase bool `mapstructure:"require_lowercase" json:"require_lowercase" yaml:"require_lowercase"`
	RequireNumbers   bool `mapstructure:"require_numbers" json:"require_numbers" yaml:"require_numbers"`
	RequireSymbols   bool `mapstructure:"require_symbols" json:"require_symbols" yaml:"require_symbols"`
}

// DefaultConfig returns a default configuration. TokenSecret has no default
// and must be set before the config validates.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath: InMemoryDSN,

		SessionTimeout: time.Hour,
		HashIterations: 10000,

		MaxFailedAttempts: 5,
		LockoutDuration:   15 * time.Minute,

		PasswordPolicy: PasswordPolicy{
			MinLength:        8,
			RequireUppercase: true,
			RequireLowercase: true,
			RequireNumbers:   true,
			RequireSymbols:   true,
		},

		EnableCache: true,
		CacheTTL:    5 * time.Minute,

		SweepInterval:      time.Minute,
		EnableAuditLogging: true,
	}
}

// LoadConfig reads a configuration file (JSON, YAML, or TOML by extension)
// over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return NewValidationError(err.Error())
	}

	if c.SessionTimeout <= 0 {
		return NewValidationError("session_timeout must be positive")
	}
	if c.LockoutDuration <= 0 {
		return NewValidationError("lockout_duration must be positive")
	}
	if c.PasswordPolicy.MinLength < 4 {
		return NewValidationError("password minimum length must be at least 4")
	}
	if c.EnableCache && c.CacheTTL <= 0 {
		return NewValidationError("cache_ttl must be positive when the cache is enabled")
	}
	if c.SweepInterval <= 0 {
		return NewValidationError("sweep_interval must be positive")
	}
	return nil
}

// ValidationError represents a configuration or parameter validation error
type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string {
	return e.Message
}

// NewValidationError creates a new validation error
func NewValidationError(message string) error {
	return ValidationError{Message: message}
}
