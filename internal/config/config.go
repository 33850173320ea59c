package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const (
	CredentialSourceFile  = "file"
	CredentialSourceRedis = "redis"
	CredentialSourceEnv   = "env"

	PatternSourceFile     = "file"
	PatternSourcePostgres = "postgres"
)

type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	Port     string `mapstructure:"PORT"`

	WSURL                string        `mapstructure:"WS_URL"`
	ReconnectBaseDelay   time.Duration `mapstructure:"RECONNECT_BASE_DELAY"`
	ReconnectMaxDelay    time.Duration `mapstructure:"RECONNECT_MAX_DELAY"`
	ReconnectMaxAttempts int           `mapstructure:"RECONNECT_MAX_ATTEMPTS"`
	HeartbeatInterval    time.Duration `mapstructure:"HEARTBEAT_INTERVAL"`
	DialTimeout          time.Duration `mapstructure:"DIAL_TIMEOUT"`

	APIBaseURL    string        `mapstructure:"API_BASE_URL"`
	APITimeout    time.Duration `mapstructure:"API_TIMEOUT"`
	APIRetryCount int           `mapstructure:"API_RETRY_COUNT"`

	MaxAlerts        int           `mapstructure:"MAX_ALERTS"`
	AlertExpireAfter time.Duration `mapstructure:"ALERT_EXPIRE_AFTER"`
	PollInterval     time.Duration `mapstructure:"POLL_INTERVAL"`
	DemoMode         bool          `mapstructure:"DEMO_MODE"`

	CredentialSource       string `mapstructure:"CREDENTIAL_SOURCE"`
	CredentialFile         string `mapstructure:"CREDENTIAL_FILE"`
	CredentialToken        string `mapstructure:"CREDENTIAL_TOKEN"`
	RedisURL               string `mapstructure:"REDIS_URL"`
	CredentialRedisKey     string `mapstructure:"CREDENTIAL_REDIS_KEY"`
	CredentialRedisChannel string `mapstructure:"CREDENTIAL_REDIS_CHANNEL"`

	PatternSource string `mapstructure:"PATTERN_SOURCE"`
	PatternFile   string `mapstructure:"PATTERN_FILE"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
}

var keys = []string{
	"ENV", "LOG_LEVEL", "PORT",
	"WS_URL", "RECONNECT_BASE_DELAY", "RECONNECT_MAX_DELAY", "RECONNECT_MAX_ATTEMPTS",
	"HEARTBEAT_INTERVAL", "DIAL_TIMEOUT",
	"API_BASE_URL", "API_TIMEOUT", "API_RETRY_COUNT",
	"MAX_ALERTS", "ALERT_EXPIRE_AFTER", "POLL_INTERVAL", "DEMO_MODE",
	"CREDENTIAL_SOURCE", "CREDENTIAL_FILE", "CREDENTIAL_TOKEN",
	"REDIS_URL", "CREDENTIAL_REDIS_KEY", "CREDENTIAL_REDIS_CHANNEL",
	"PATTERN_SOURCE", "PATTERN_FILE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"CORS_ORIGINS",
}

// Load reads envFile (".env" when empty) if present and overlays the
// process environment.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PORT", "8080")
	v.SetDefault("RECONNECT_BASE_DELAY", "1s")
	v.SetDefault("RECONNECT_MAX_DELAY", "30s")
	v.SetDefault("RECONNECT_MAX_ATTEMPTS", 0)
	v.SetDefault("HEARTBEAT_INTERVAL", "30s")
	v.SetDefault("DIAL_TIMEOUT", "10s")
	v.SetDefault("API_TIMEOUT", "10s")
	v.SetDefault("API_RETRY_COUNT", 2)
	v.SetDefault("MAX_ALERTS", 50)
	v.SetDefault("ALERT_EXPIRE_AFTER", "10s")
	v.SetDefault("POLL_INTERVAL", "30s")
	v.SetDefault("DEMO_MODE", false)
	v.SetDefault("CREDENTIAL_SOURCE", CredentialSourceEnv)
	v.SetDefault("CREDENTIAL_REDIS_KEY", "dashboard:session:token")
	v.SetDefault("CREDENTIAL_REDIS_CHANNEL", "dashboard:session:rotated")
	v.SetDefault("PATTERN_SOURCE", PatternSourceFile)
	v.SetDefault("DB_MAX_CONNS", 4)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	for _, k := range keys {
		v.BindEnv(k)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Level returns the configured zerolog level, defaulting to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks the settings the serve command needs.
func (c *Config) Validate() error {
	var errs []error

	if c.WSURL == "" {
		errs = append(errs, errors.New("WS_URL is required"))
	} else if u, err := url.Parse(c.WSURL); err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("WS_URL %q is not an absolute URL", c.WSURL))
	}
	if c.APIBaseURL == "" {
		errs = append(errs, errors.New("API_BASE_URL is required"))
	}
	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
			errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
		}
	}

	if c.ReconnectBaseDelay <= 0 {
		errs = append(errs, errors.New("RECONNECT_BASE_DELAY must be positive"))
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		errs = append(errs, fmt.Errorf("RECONNECT_MAX_DELAY (%s) must not be below RECONNECT_BASE_DELAY (%s)", c.ReconnectMaxDelay, c.ReconnectBaseDelay))
	}
	if c.ReconnectMaxAttempts < 0 {
		errs = append(errs, errors.New("RECONNECT_MAX_ATTEMPTS must not be negative"))
	}
	if c.MaxAlerts <= 0 {
		errs = append(errs, errors.New("MAX_ALERTS must be positive"))
	}
	if c.AlertExpireAfter <= 0 {
		errs = append(errs, errors.New("ALERT_EXPIRE_AFTER must be positive"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}

	switch c.CredentialSource {
	case CredentialSourceFile:
		if c.CredentialFile == "" {
			errs = append(errs, errors.New("CREDENTIAL_FILE is required when CREDENTIAL_SOURCE is \"file\""))
		}
	case CredentialSourceRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required when CREDENTIAL_SOURCE is \"redis\""))
		}
	case CredentialSourceEnv:
	default:
		errs = append(errs, fmt.Errorf("CREDENTIAL_SOURCE must be \"file\", \"redis\" or \"env\", got %q", c.CredentialSource))
	}

	switch c.PatternSource {
	case PatternSourceFile:
	case PatternSourcePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when PATTERN_SOURCE is \"postgres\""))
		}
	default:
		errs = append(errs, fmt.Errorf("PATTERN_SOURCE must be \"file\" or \"postgres\", got %q", c.PatternSource))
	}

	return errors.Join(errs...)
}
