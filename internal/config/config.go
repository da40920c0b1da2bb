// Package config provides configuration loading and management for the group channel server.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/studyhub/groupchannel/internal/telemetry"
)

const (
	// SessionStoreMemory keeps sessions in process memory
	SessionStoreMemory = "memory"

	// SessionStorePostgres keeps sessions in a PostgreSQL table
	SessionStorePostgres = "postgres"
)

const (
	// AuthModeAnonymous lets every request through
	AuthModeAnonymous = "anonymous"

	// AuthModeToken requires an HMAC-signed run token
	AuthModeToken = "token"
)

// Defaults for the channels section
const (
	DefaultAskTimeout         = 5 * time.Second
	DefaultMailboxSize        = 256
	DefaultChannelMailboxSize = 256
	DefaultWriteWait          = 10 * time.Second
	DefaultPongWait           = 60 * time.Second
	DefaultMaxMessageSize     = 64 * 1024
	DefaultInboundRateLimit   = 50
	DefaultInboundBurst       = 100
)

const (
	// EnvPrefix is the prefix of the environment variables the server reads
	EnvPrefix = "GROUPCHANNEL"

	// DatabasePasswordEnv is read when no password file is configured
	DatabasePasswordEnv = "GROUPCHANNEL_DATABASE_PASSWORD"

	// SigningKeyEnv is read when no signing key file is configured
	SigningKeyEnv = "GROUPCHANNEL_AUTH_SIGNING_KEY"
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Channels     ChannelsConfig      `yaml:"channels,omitempty"`
	SessionStore *SessionStoreConfig `yaml:"sessionStore,omitempty"`
	Auth         *AuthConfig         `yaml:"auth,omitempty"`
	Telemetry    *telemetry.Config   `yaml:"telemetry,omitempty"`
}

// ChannelsConfig tunes dispatchers and channels. Durations use Go syntax, e.g. "10s".
type ChannelsConfig struct {
	// AskTimeout bounds every synchronous request to a dispatcher
	AskTimeout string `yaml:"askTimeout,omitempty"`

	// MailboxSize is the mailbox capacity of each group dispatcher
	MailboxSize int `yaml:"mailboxSize,omitempty"`

	// ChannelMailboxSize is the number of outbound frames a channel queues
	// before it is closed as a slow consumer
	ChannelMailboxSize int `yaml:"channelMailboxSize,omitempty"`

	WriteWait  string `yaml:"writeWait,omitempty"`
	PongWait   string `yaml:"pongWait,omitempty"`
	PingPeriod string `yaml:"pingPeriod,omitempty"`

	// MaxMessageSize is the largest inbound frame in bytes
	MaxMessageSize int64 `yaml:"maxMessageSize,omitempty"`

	// InboundRateLimit is the sustained number of frames per second a channel may send.
	// A negative value disables the limit.
	InboundRateLimit float64 `yaml:"inboundRateLimit,omitempty"`
	InboundBurst     int     `yaml:"inboundBurst,omitempty"`

	// AllowedOrigins lists the origins allowed to open a channel. Empty means same origin only,
	// "*" allows any origin.
	AllowedOrigins []string `yaml:"allowedOrigins,omitempty"`

	// MinClientVersion, when set, rejects channels whose clientVersion query parameter
	// is missing or an older semantic version
	MinClientVersion string `yaml:"minClientVersion,omitempty"`
}

// SessionStoreConfig selects where group sessions are persisted
type SessionStoreConfig struct {
	// Type is memory or postgres. Defaults to memory.
	Type string `yaml:"type,omitempty"`

	// Database is required for the postgres type
	Database *DatabaseConfig `yaml:"database,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password
	// The file should contain only the password with optional trailing whitespace
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxOpenConns is the maximum number of open connections to the database
	MaxOpenConns int32 `yaml:"maxOpenConns,omitempty"`

	// ConnectTimeout bounds the initial connection attempts (e.g., "30s")
	ConnectTimeout string `yaml:"connectTimeout,omitempty"`
}

// AuthConfig defines how requests are authorized
type AuthConfig struct {
	// Mode is anonymous or token. Defaults to anonymous.
	Mode string `yaml:"mode,omitempty"`

	// Token is required for the token mode
	Token *TokenAuthConfig `yaml:"token,omitempty"`
}

// TokenAuthConfig configures run token validation
type TokenAuthConfig struct {
	// SigningKeyFile is the path to the HMAC key tokens are signed with
	SigningKeyFile string `yaml:"signingKeyFile,omitempty"`

	// Issuer, when set, must match the iss claim
	Issuer string `yaml:"issuer,omitempty"`

	// Audience, when set, must be part of the aud claim
	Audience string `yaml:"audience,omitempty"`

	// Realm is reported in WWW-Authenticate headers
	Realm string `yaml:"realm,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from the GROUPCHANNEL_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		password, err := readSecretFile(d.PasswordFile)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}
		return password, nil
	}

	if envPassword := os.Getenv(DatabasePasswordEnv); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or %s environment variable", DatabasePasswordEnv,
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper password handling.
// The password is URL-escaped to handle special characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(d.User),
		url.QueryEscape(password),
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)

	return connString, nil
}

// GetConnectTimeout returns the connect timeout, or zero when unset
func (d *DatabaseConfig) GetConnectTimeout() time.Duration {
	return parseDurationOr(d.ConnectTimeout, 0)
}

// GetSigningKey returns the HMAC signing key from SigningKeyFile or the
// GROUPCHANNEL_AUTH_SIGNING_KEY environment variable
func (t *TokenAuthConfig) GetSigningKey() ([]byte, error) {
	if t.SigningKeyFile != "" {
		key, err := readSecretFile(t.SigningKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read signing key from file %s: %w", t.SigningKeyFile, err)
		}
		if key == "" {
			return nil, fmt.Errorf("signing key file %s is empty", t.SigningKeyFile)
		}
		return []byte(key), nil
	}

	if envKey := os.Getenv(SigningKeyEnv); envKey != "" {
		return []byte(envKey), nil
	}

	return nil, fmt.Errorf("no signing key configured: set signingKeyFile or %s environment variable", SigningKeyEnv)
}

func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// GetSessionStoreType returns the session store type, using memory if not specified
func (c *Config) GetSessionStoreType() string {
	if c.SessionStore == nil || c.SessionStore.Type == "" {
		return SessionStoreMemory
	}
	return c.SessionStore.Type
}

// GetAuthMode returns the auth mode, using anonymous if not specified
func (c *Config) GetAuthMode() string {
	if c.Auth == nil || c.Auth.Mode == "" {
		return AuthModeAnonymous
	}
	return c.Auth.Mode
}

// GetAskTimeout returns the ask timeout, using the default if not specified
func (c *ChannelsConfig) GetAskTimeout() time.Duration {
	return parseDurationOr(c.AskTimeout, DefaultAskTimeout)
}

// GetMailboxSize returns the dispatcher mailbox size, using the default if not specified
func (c *ChannelsConfig) GetMailboxSize() int {
	if c.MailboxSize <= 0 {
		return DefaultMailboxSize
	}
	return c.MailboxSize
}

// GetChannelMailboxSize returns the channel outbound queue size, using the default if not specified
func (c *ChannelsConfig) GetChannelMailboxSize() int {
	if c.ChannelMailboxSize <= 0 {
		return DefaultChannelMailboxSize
	}
	return c.ChannelMailboxSize
}

// GetWriteWait returns the write deadline, using the default if not specified
func (c *ChannelsConfig) GetWriteWait() time.Duration {
	return parseDurationOr(c.WriteWait, DefaultWriteWait)
}

// GetPongWait returns how long a connection may stay silent, using the default if not specified
func (c *ChannelsConfig) GetPongWait() time.Duration {
	return parseDurationOr(c.PongWait, DefaultPongWait)
}

// GetPingPeriod returns the keepalive period, which is always shorter than the pong wait
func (c *ChannelsConfig) GetPingPeriod() time.Duration {
	pongWait := c.GetPongWait()
	period := parseDurationOr(c.PingPeriod, pongWait*9/10)
	if period >= pongWait {
		return pongWait * 9 / 10
	}
	return period
}

// GetMaxMessageSize returns the inbound frame limit, using the default if not specified
func (c *ChannelsConfig) GetMaxMessageSize() int64 {
	if c.MaxMessageSize <= 0 {
		return DefaultMaxMessageSize
	}
	return c.MaxMessageSize
}

// GetInboundRateLimit returns the inbound frame rate. Zero means unlimited.
func (c *ChannelsConfig) GetInboundRateLimit() float64 {
	switch {
	case c.InboundRateLimit < 0:
		return 0
	case c.InboundRateLimit == 0:
		return DefaultInboundRateLimit
	default:
		return c.InboundRateLimit
	}
}

// GetInboundBurst returns the inbound burst size, using the default if not specified
func (c *ChannelsConfig) GetInboundBurst() int {
	if c.InboundBurst <= 0 {
		return DefaultInboundBurst
	}
	return c.InboundBurst
}

// parseDurationOr returns def for empty or invalid values; validate rejects invalid ones
func parseDurationOr(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	var errs []error
	if err := c.Channels.validate(); err != nil {
		errs = append(errs, fmt.Errorf("channels: %w", err))
	}
	if err := c.validateSessionStore(); err != nil {
		errs = append(errs, fmt.Errorf("sessionStore: %w", err))
	}
	if err := c.validateAuth(); err != nil {
		errs = append(errs, fmt.Errorf("auth: %w", err))
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	return errors.Join(errs...)
}

func (c *ChannelsConfig) validate() error {
	durations := []struct {
		name  string
		value string
	}{
		{"askTimeout", c.AskTimeout},
		{"writeWait", c.WriteWait},
		{"pongWait", c.PongWait},
		{"pingPeriod", c.PingPeriod},
	}

	var errs []error
	for _, d := range durations {
		if err := validateDuration(d.name, d.value); err != nil {
			errs = append(errs, err)
		}
	}
	if c.MailboxSize < 0 {
		errs = append(errs, fmt.Errorf("mailboxSize must not be negative, got %d", c.MailboxSize))
	}
	if c.ChannelMailboxSize < 0 {
		errs = append(errs, fmt.Errorf("channelMailboxSize must not be negative, got %d", c.ChannelMailboxSize))
	}
	if c.MaxMessageSize < 0 {
		errs = append(errs, fmt.Errorf("maxMessageSize must not be negative, got %d", c.MaxMessageSize))
	}
	if c.InboundBurst < 0 {
		errs = append(errs, fmt.Errorf("inboundBurst must not be negative, got %d", c.InboundBurst))
	}
	if c.MinClientVersion != "" {
		if _, err := semver.NewVersion(c.MinClientVersion); err != nil {
			errs = append(errs, fmt.Errorf("minClientVersion must be a semantic version: %w", err))
		}
	}
	return errors.Join(errs...)
}

func validateDuration(name, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s must be a valid duration (e.g., '10s', '1m'): %w", name, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, value)
	}
	return nil
}

func (c *Config) validateSessionStore() error {
	switch c.GetSessionStoreType() {
	case SessionStoreMemory:
		return nil
	case SessionStorePostgres:
		db := c.SessionStore.Database
		if db == nil {
			return fmt.Errorf("database configuration is required for the %s type", SessionStorePostgres)
		}
		var errs []error
		if db.Host == "" {
			errs = append(errs, fmt.Errorf("database.host is required"))
		}
		if db.Port <= 0 {
			errs = append(errs, fmt.Errorf("database.port must be positive, got %d", db.Port))
		}
		if db.User == "" {
			errs = append(errs, fmt.Errorf("database.user is required"))
		}
		if db.Database == "" {
			errs = append(errs, fmt.Errorf("database.database is required"))
		}
		if err := validateDuration("database.connectTimeout", db.ConnectTimeout); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	default:
		return fmt.Errorf("type must be %s or %s, got %s",
			SessionStoreMemory, SessionStorePostgres, c.SessionStore.Type)
	}
}

func (c *Config) validateAuth() error {
	switch c.GetAuthMode() {
	case AuthModeAnonymous:
		return nil
	case AuthModeToken:
		if c.Auth.Token == nil {
			return fmt.Errorf("token configuration is required for the %s mode", AuthModeToken)
		}
		return nil
	default:
		return fmt.Errorf("mode must be %s or %s, got %s", AuthModeAnonymous, AuthModeToken, c.Auth.Mode)
	}
}
