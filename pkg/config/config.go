// Package config loads process configuration from an optional YAML file
// and environment variables, which take precedence over the file. A local
// .env file (development convenience) only supplies variables that are not
// already set in the process environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP/WS process wrapper (cmd/flowengined).
type ServerConfig struct {
	Host                string        `json:"host" yaml:"host" env:"HOST"`
	Port                int           `json:"port" yaml:"port" env:"PORT"`
	CORSAllowedOrigins  []string      `json:"cors_allowed_origins" yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	MaxRequestBodyBytes int64         `json:"max_request_body_bytes" yaml:"max_request_body_bytes" env:"MAX_REQUEST_BODY_BYTES"`
	RequestTimeout      time.Duration `json:"request_timeout" yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	RateLimitPerMinute  int           `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute" env:"RATE_LIMIT_PER_MINUTE"`
	RateLimitBurst      int           `json:"rate_limit_burst" yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// StorageConfig selects and configures the storage collaborator.
type StorageConfig struct {
	Driver          string `json:"driver" yaml:"driver" env:"STORAGE_DRIVER"`
	DataDir         string `json:"data_dir" yaml:"data_dir" env:"DATA_DIR"`
	DSN             string `json:"dsn" yaml:"dsn" env:"STORAGE_DSN"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" env:"STORAGE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"STORAGE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" yaml:"conn_max_lifetime" env:"STORAGE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"STORAGE_MIGRATE_ON_START"`
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT"`
}

// EngineConfig tunes the execution engine's concurrency and admission.
type EngineConfig struct {
	PoolCapacity            int `json:"pool_capacity" yaml:"pool_capacity" env:"ENGINE_POOL_CAPACITY"`
	PerExecutionConcurrency int `json:"per_execution_concurrency" yaml:"per_execution_concurrency" env:"ENGINE_PER_EXECUTION_CONCURRENCY"`
	AdmissionRatePerSecond  int `json:"admission_rate_per_second" yaml:"admission_rate_per_second" env:"ENGINE_ADMISSION_RATE_PER_SECOND"`
}

// DeviceChannelConfig tunes the secure device channel collaborator.
type DeviceChannelConfig struct {
	SeqWindow          int           `json:"seq_window" yaml:"seq_window" env:"DEVICECHANNEL_SEQ_WINDOW"`
	RegistrationTTL    time.Duration `json:"registration_ttl" yaml:"registration_ttl" env:"DEVICECHANNEL_REGISTRATION_TTL"`
}

// CredentialConfig selects and configures the credential resolver.
type CredentialConfig struct {
	Driver          string `json:"driver" yaml:"driver" env:"CREDENTIAL_DRIVER"`
	EncryptionKey   string `json:"-" yaml:"-" env:"CREDENTIAL_ENCRYPTION_KEY"`
	AzureVaultURL   string `json:"azure_vault_url" yaml:"azure_vault_url" env:"CREDENTIAL_AZURE_VAULT_URL"`
}

// AuthConfig controls bearer-token verification on the event-stream egress.
type AuthConfig struct {
	JWTSecret string `json:"-" yaml:"-" env:"AUTH_JWT_SECRET"`
}

// Config is the top-level configuration structure for cmd/flowengined.
type Config struct {
	Server         ServerConfig        `json:"server" yaml:"server"`
	Storage        StorageConfig       `json:"storage" yaml:"storage"`
	Logging        LoggingConfig       `json:"logging" yaml:"logging"`
	Engine         EngineConfig        `json:"engine" yaml:"engine"`
	DeviceChannel  DeviceChannelConfig `json:"device_channel" yaml:"device_channel"`
	Credential     CredentialConfig    `json:"credential" yaml:"credential"`
	Auth           AuthConfig          `json:"auth" yaml:"auth"`
}

// New returns a configuration populated with the spec's stated defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			MaxRequestBodyBytes: 8 << 20,
			RequestTimeout:      30 * time.Second,
			RateLimitPerMinute:  600,
			RateLimitBurst:      60,
		},
		Storage: StorageConfig{
			Driver:          "memory",
			DataDir:         "./data",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Engine: EngineConfig{
			PoolCapacity:            16,
			PerExecutionConcurrency: 16,
			AdmissionRatePerSecond:  256,
		},
		DeviceChannel: DeviceChannelConfig{
			SeqWindow:       256,
			RegistrationTTL: 5 * time.Minute,
		},
		Credential: CredentialConfig{
			Driver: "memory",
		},
	}
}

// ConnectionString returns the configured DSN for the storage driver's
// postgres implementation, or "" when none is set; it does not assemble
// one from other fields.
func (c StorageConfig) ConnectionString() string {
	if c.DSN != "" {
		return c.DSN
	}
	return ""
}

// Load loads configuration from an optional file (CONFIG_FILE env var, or
// configs/config.yaml if present) and then environment variables, which
// take precedence. A local .env file is loaded first for development
// convenience; it never overrides variables already set in the process
// environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when no tagged fields are present in the
		// environment; treat that as "no overrides" so local runs work
		// without exporting every variable.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	return cfg, nil
}

// LoadFile reads configuration from a YAML file, without consulting the
// environment. Used by tests that want a hermetic config.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
