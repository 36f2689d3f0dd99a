package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"github.com/florianilch/hcbridge/internal/credential"
	"github.com/florianilch/hcbridge/internal/eventstream"
	"github.com/florianilch/hcbridge/internal/homeconnect"
	"github.com/florianilch/hcbridge/internal/observability"
	"github.com/florianilch/hcbridge/internal/tokensource"
	"github.com/florianilch/hcbridge/internal/tokenstore"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText     LogFormat = observability.FormatText
	LogFormatJSON     LogFormat = observability.FormatJSON
	LogFormatOTel     LogFormat = observability.FormatOTel
	LogFormatOTLPHTTP LogFormat = observability.FormatOTLPHTTP
	LogFormatOTLPGRPC LogFormat = observability.FormatOTLPGRPC
)

// TokenStorageType selects where the token pair is persisted.
type TokenStorageType string

const (
	TokenStorageTypeFile    TokenStorageType = "file"
	TokenStorageTypeKeyring TokenStorageType = "keyring"
	TokenStorageTypeRedis   TokenStorageType = "redis"
)

// keyringService names the keyring entries holding the token pair.
const keyringService = "hcbridge"

// Default configuration values
const (
	DefaultConfigLogFormat       = LogFormatText
	DefaultConfigServerHost      = "127.0.0.1"
	DefaultConfigServerPort      = 4100
	DefaultConfigShutdownTimeout = 5 * time.Second
	DefaultConfigBaseURL         = "https://api.home-connect.com/api"
	DefaultConfigAuthStorage     = TokenStorageTypeFile
	DefaultConfigRedisKeyPrefix  = "hcbridge:"
)

// ServerConfig holds the local status server configuration.
type ServerConfig struct {
	// Enabled defaults to true.
	Enabled *bool  `json:"enabled"`
	Host    string `json:"host" validate:"hostname_rfc1123|ip"`
	Port    uint16 `json:"port"`
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// HomeConnectConfig describes the API account and the target appliance.
type HomeConnectConfig struct {
	BaseURL        string        `json:"base_url" validate:"required,url"`
	DeviceAuthURL  string        `json:"device_auth_url" validate:"required,url"`
	TokenURL       string        `json:"token_url" validate:"required,url"`
	ClientID       string        `json:"client_id" validate:"required"`
	ClientSecret   string        `json:"client_secret"`
	ApplianceName  string        `json:"appliance_name" validate:"required"`
	ApplianceID    string        `json:"appliance_id"`
	RequestTimeout time.Duration `json:"request_timeout" validate:"gte=0"`
}

// AuthConfig describes token persistence and the credential lifecycle timing.
type AuthConfig struct {
	Storage TokenStorageType `json:"storage" validate:"required,oneof=file keyring redis"`

	// Storage-specific settings
	Dir         string `json:"dir,omitempty"`          // For file storage: directory holding one file per token
	KeyringUser string `json:"keyring_user,omitempty"` // For keyring storage: user identifier

	RefreshInterval      time.Duration `json:"refresh_interval" validate:"gte=0"`
	RefreshAttempts      int           `json:"refresh_attempts" validate:"gte=0"`
	RefreshRetryDelay    time.Duration `json:"refresh_retry_delay" validate:"gte=0"`
	PollInterval         time.Duration `json:"poll_interval" validate:"gte=0"`
	ValidationRetryDelay time.Duration `json:"validation_retry_delay" validate:"gte=0"`
}

// RedisConfig configures the shared Redis used for token storage and event
// publishing. An empty Addr disables Redis.
type RedisConfig struct {
	Addr      string `json:"addr" validate:"omitempty,hostname_port"`
	Password  string `json:"password"`
	DB        int    `json:"db" validate:"gte=0"`
	KeyPrefix string `json:"key_prefix"`
	// Channel enables event publishing when set.
	Channel string `json:"channel"`
}

// StreamConfig tunes the event stream reconnect behavior.
type StreamConfig struct {
	KeepAliveTimeout time.Duration `json:"keep_alive_timeout" validate:"gte=0"`
	ReconnectDelay   time.Duration `json:"reconnect_delay" validate:"gte=0"`
	ErrorDelay       time.Duration `json:"error_delay" validate:"gte=0"`
	RateLimitDelay   time.Duration `json:"rate_limit_delay" validate:"gte=0"`
}

// KafkaConfig enables event publishing to Kafka when Brokers is set.
type KafkaConfig struct {
	Brokers []string `json:"brokers" validate:"dive,hostname_port"`
	Topic   string   `json:"topic" validate:"required_with=Brokers"`
}

// AlertConfig configures operator alert delivery besides the log.
type AlertConfig struct {
	WebhookURL string `json:"webhook_url" validate:"omitempty,url"`
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel    slog.Level        `json:"log_level"`
	LogFormat   LogFormat         `json:"log_format" validate:"oneof=text json otel otlp-http otlp-grpc"`
	Server      ServerConfig      `json:"server"`
	Shutdown    ShutdownConfig    `json:"shutdown"`
	HomeConnect HomeConnectConfig `json:"homeconnect"`
	Auth        AuthConfig        `json:"auth"`
	Redis       RedisConfig       `json:"redis"`
	Stream      StreamConfig      `json:"stream"`
	Kafka       KafkaConfig       `json:"kafka"`
	Alert       AlertConfig       `json:"alert"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
// Timing fields left zero are defaulted by the components themselves.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.Server.Enabled == nil {
		enabled := true
		c.Server.Enabled = &enabled
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultConfigServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultConfigServerPort
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}
	if c.HomeConnect.BaseURL == "" {
		c.HomeConnect.BaseURL = DefaultConfigBaseURL
	}
	if c.HomeConnect.DeviceAuthURL == "" {
		c.HomeConnect.DeviceAuthURL = tokensource.DefaultDeviceAuthURL
	}
	if c.HomeConnect.TokenURL == "" {
		c.HomeConnect.TokenURL = tokensource.DefaultTokenURL
	}
	if c.HomeConnect.RequestTimeout == 0 {
		c.HomeConnect.RequestTimeout = homeconnect.DefaultRequestTimeout
	}
	if c.Auth.Storage == "" {
		c.Auth.Storage = DefaultConfigAuthStorage
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = DefaultConfigRedisKeyPrefix
	}

	// Dynamic defaults based on storage type
	switch c.Auth.Storage {
	case TokenStorageTypeFile:
		if c.Auth.Dir == "" {
			configDir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("auth.dir required (auto-detect failed: %w)", err)
			}
			c.Auth.Dir = filepath.Join(configDir, "hcbridge")
		}
	case TokenStorageTypeKeyring:
		if c.Auth.KeyringUser == "" {
			currentUser, err := user.Current()
			if err != nil {
				return fmt.Errorf("auth.keyring_user required (auto-detect failed: %w)", err)
			}
			c.Auth.KeyringUser = currentUser.Username
		}
	case TokenStorageTypeRedis:
		// redis.addr must be explicitly configured (no sensible default)
	}

	return nil
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	switch c.Auth.Storage {
	case TokenStorageTypeFile:
		if c.Auth.Dir == "" {
			return errors.New("auth.dir required for file storage")
		}
	case TokenStorageTypeKeyring:
		if c.Auth.KeyringUser == "" {
			return errors.New("auth.keyring_user required for keyring storage")
		}
	case TokenStorageTypeRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis.addr required for redis storage")
		}
	}

	if c.Auth.RefreshInterval > 0 && c.Auth.RefreshInterval >= 24*time.Hour {
		return errors.New("auth.refresh_interval must be shorter than the 24h token lifetime")
	}

	return nil
}

// ServerEnabled reports whether the local status server should run.
func (c *Config) ServerEnabled() bool {
	return c.Server.Enabled == nil || *c.Server.Enabled
}

// NewRedisClient returns a client for the configured Redis, or nil when
// Redis is not configured. No connection is made until first use.
func (c *Config) NewRedisClient() *redis.Client {
	if c.Redis.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
}

// NewTokenStore creates the TokenStore selected by the auth configuration.
// rdb is required for redis storage.
func (c *Config) NewTokenStore(rdb *redis.Client) (tokenstore.TokenStore, error) {
	switch c.Auth.Storage {
	case TokenStorageTypeFile:
		return tokenstore.NewFileStore(c.Auth.Dir)
	case TokenStorageTypeKeyring:
		return tokenstore.NewKeyringStore(keyringService, c.Auth.KeyringUser)
	case TokenStorageTypeRedis:
		if rdb == nil {
			return nil, errors.New("redis storage requires redis.addr")
		}
		return tokenstore.NewRedisStore(rdb, c.Redis.KeyPrefix)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", c.Auth.Storage)
	}
}

// credentialConfig maps the configuration onto the credential manager.
func (c *Config) credentialConfig() credential.Config {
	return credential.Config{
		BaseURL:              c.HomeConnect.BaseURL,
		ApplianceName:        c.HomeConnect.ApplianceName,
		ApplianceID:          c.HomeConnect.ApplianceID,
		RefreshInterval:      c.Auth.RefreshInterval,
		RefreshAttempts:      c.Auth.RefreshAttempts,
		RefreshRetryDelay:    c.Auth.RefreshRetryDelay,
		PollInterval:         c.Auth.PollInterval,
		ValidationRetryDelay: c.Auth.ValidationRetryDelay,
	}
}

// streamConfig maps the configuration onto the event stream consumer.
func (c *Config) streamConfig() eventstream.Config {
	return eventstream.Config{
		ApplianceName:    c.HomeConnect.ApplianceName,
		ApplianceID:      c.HomeConnect.ApplianceID,
		KeepAliveTimeout: c.Stream.KeepAliveTimeout,
		ReconnectDelay:   c.Stream.ReconnectDelay,
		ErrorDelay:       c.Stream.ErrorDelay,
		RateLimitDelay:   c.Stream.RateLimitDelay,
	}
}

// redisChannel returns the pub/sub channel, or "" when publishing is off.
func (c *Config) redisChannel() string {
	if c.Redis.Addr == "" {
		return ""
	}
	return c.Redis.Channel
}
