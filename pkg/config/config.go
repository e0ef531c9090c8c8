// Package config loads the sink settings from an optional YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultAuthorityURL  = "https://login.microsoftonline.com"
	DefaultScope         = "https://azurehealthcareapis.com/.default"
	DefaultTimeoutMS     = 30000
	DefaultRetryAttempts = 3
	DefaultBackoffMS     = 1000
	DefaultPort          = 8080
	DefaultLogLevel      = "info"

	// DefaultSecretEnv is consulted when azure.client_secret_env is unset.
	DefaultSecretEnv = "AZURE_CLIENT_SECRET"
)

// Lower bounds enforced by validate.
const (
	MinTimeoutMS = 1000
	MinBackoffMS = 100
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the top-level configuration.
type Config struct {
	FHIR   FHIRConfig   `yaml:"fhir"`
	Azure  AzureConfig  `yaml:"azure"`
	HTTP   HTTPConfig   `yaml:"http"`
	Retry  RetryConfig  `yaml:"retry"`
	Redis  RedisConfig  `yaml:"redis"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

// FHIRConfig describes the target FHIR service.
type FHIRConfig struct {
	// ServerURL is the FHIR base URL. Must be https.
	ServerURL string `yaml:"server_url"`

	// ResourceType, when set, logs a warning for records of another type.
	ResourceType string `yaml:"resource_type"`

	// ValidationEnabled turns on local structural validation.
	ValidationEnabled bool `yaml:"validation_enabled"`
}

// AzureConfig holds the client credentials used against the identity provider.
type AzureConfig struct {
	AuthorityURL string `yaml:"authority_url"`
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`

	// ClientSecretEnv is the name of the environment variable holding the
	// client secret. The secret itself never lives in the file.
	ClientSecretEnv string `yaml:"client_secret_env"`

	Scope string `yaml:"scope"`

	// Resource is sent as the "resource" form field when non-empty.
	Resource string `yaml:"resource"`

	secret string
}

// ClientSecret returns the secret resolved from the environment.
func (a AzureConfig) ClientSecret() string {
	return a.secret
}

// HTTPConfig bounds a single FHIR attempt.
type HTTPConfig struct {
	TimeoutMS int `yaml:"timeout_ms"`
}

// RetryConfig controls the linear backoff retry loop.
type RetryConfig struct {
	// Attempts is the number of retries after the first attempt.
	Attempts  int `yaml:"attempts"`
	BackoffMS int `yaml:"backoff_ms"`
}

// RedisConfig enables the shared token store when URL is set.
type RedisConfig struct {
	// URL is a redis:// URL or a plain host:port address.
	URL string `yaml:"url"`
}

// ServerConfig holds the ingest HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LogConfig selects the zerolog level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Timeout returns the per-attempt timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutMS) * time.Millisecond
}

// Backoff returns the base retry backoff.
func (c *Config) Backoff() time.Duration {
	return time.Duration(c.Retry.BackoffMS) * time.Millisecond
}

// SharedStoreEnabled reports whether a Redis URL was configured.
func (c *Config) SharedStoreEnabled() bool {
	return c.Redis.URL != ""
}

// Load reads the YAML file at path (skipped when path is empty), applies
// defaults and environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.Azure.secret = resolveSecret(cfg.Azure.ClientSecretEnv)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w: %w", ErrInvalid, err)
	}

	return cfg, nil
}

// FromEnv builds the configuration from the environment only.
func FromEnv() (*Config, error) {
	return Load("")
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		FHIR: FHIRConfig{
			ValidationEnabled: true,
		},
		Azure: AzureConfig{
			AuthorityURL: DefaultAuthorityURL,
			Scope:        DefaultScope,
		},
		HTTP:   HTTPConfig{TimeoutMS: DefaultTimeoutMS},
		Retry:  RetryConfig{Attempts: DefaultRetryAttempts, BackoffMS: DefaultBackoffMS},
		Server: ServerConfig{Port: DefaultPort},
		Log:    LogConfig{Level: DefaultLogLevel},
	}
}

// applyEnv overrides file values with non-empty environment variables.
func applyEnv(cfg *Config) error {
	setString(&cfg.FHIR.ServerURL, "FHIR_SERVER_URL")
	setString(&cfg.FHIR.ResourceType, "FHIR_RESOURCE_TYPE")
	setString(&cfg.Azure.AuthorityURL, "AZURE_AUTHORITY_URL")
	setString(&cfg.Azure.TenantID, "AZURE_TENANT_ID")
	setString(&cfg.Azure.ClientID, "AZURE_CLIENT_ID")
	setString(&cfg.Azure.ClientSecretEnv, "AZURE_CLIENT_SECRET_ENV")
	setString(&cfg.Azure.Scope, "AZURE_SCOPE")
	setString(&cfg.Azure.Resource, "AZURE_RESOURCE")
	setString(&cfg.Redis.URL, "REDIS_URL")
	setString(&cfg.Log.Level, "LOG_LEVEL")

	if err := setBool(&cfg.FHIR.ValidationEnabled, "FHIR_VALIDATION_ENABLED"); err != nil {
		return err
	}
	if err := setBool(&cfg.Log.Pretty, "LOG_PRETTY"); err != nil {
		return err
	}
	if err := setInt(&cfg.HTTP.TimeoutMS, "HTTP_TIMEOUT_MS"); err != nil {
		return err
	}
	if err := setInt(&cfg.Retry.Attempts, "RETRY_ATTEMPTS"); err != nil {
		return err
	}
	if err := setInt(&cfg.Retry.BackoffMS, "RETRY_BACKOFF_MS"); err != nil {
		return err
	}
	return setInt(&cfg.Server.Port, "PORT")
}

func resolveSecret(envName string) string {
	if envName != "" {
		return os.Getenv(envName)
	}
	return os.Getenv(DefaultSecretEnv)
}

func setString(dst *string, key string) {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}

func setBool(dst *bool, key string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("%s: invalid boolean %q", key, value)
	}
	*dst = parsed
	return nil
}

func setInt(dst *int, key string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", key, value)
	}
	*dst = parsed
	return nil
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	if cfg.FHIR.ServerURL == "" {
		return fmt.Errorf("fhir.server_url is required")
	}
	u, err := url.Parse(cfg.FHIR.ServerURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("fhir.server_url %q is not a valid url", cfg.FHIR.ServerURL)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return fmt.Errorf("fhir.server_url must use https (got %q)", cfg.FHIR.ServerURL)
	}

	if cfg.Azure.TenantID == "" {
		return fmt.Errorf("azure.tenant_id is required")
	}
	if cfg.Azure.ClientID == "" {
		return fmt.Errorf("azure.client_id is required")
	}
	if cfg.Azure.secret == "" {
		name := cfg.Azure.ClientSecretEnv
		if name == "" {
			name = DefaultSecretEnv
		}
		return fmt.Errorf("azure client secret is required (set %s)", name)
	}
	if cfg.Azure.AuthorityURL == "" {
		return fmt.Errorf("azure.authority_url must not be empty")
	}
	if cfg.Azure.Scope == "" {
		return fmt.Errorf("azure.scope must not be empty")
	}

	if cfg.HTTP.TimeoutMS < MinTimeoutMS {
		return fmt.Errorf("http.timeout_ms must be >= %d (got %d)", MinTimeoutMS, cfg.HTTP.TimeoutMS)
	}
	if cfg.Retry.Attempts < 0 {
		return fmt.Errorf("retry.attempts must be >= 0 (got %d)", cfg.Retry.Attempts)
	}
	if cfg.Retry.BackoffMS < MinBackoffMS {
		return fmt.Errorf("retry.backoff_ms must be >= %d (got %d)", MinBackoffMS, cfg.Retry.BackoffMS)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}
	return nil
}
