// Package config loads process configuration for the sdp command.
//
// Values come from, in increasing precedence: built-in defaults, an optional
// YAML config file, a .env file in the working directory, and SDP_*
// environment variables (SDP_RATE_LIMIT_CALLS for rate_limit.calls).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Sternrassler/sdp-client/pkg/client"
	"github.com/Sternrassler/sdp-client/pkg/oauth"
)

// EnvPrefix is the prefix of all environment variables read by Load.
const EnvPrefix = "SDP"

// DefaultServiceURL is the SDP On-Demand API root.
const DefaultServiceURL = "https://sdpondemand.manageengine.com"

// ErrInvalid is returned when a loaded value fails validation.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete process configuration.
type Config struct {
	ServiceURL  string
	HTTPTimeout time.Duration
	PageSize    int
	ListenAddr  string

	OAuth     OAuthConfig
	RateLimit RateLimitConfig
	Redis     RedisConfig
	Client    ClientConfig
	Log       LogConfig
}

// OAuthConfig configures the token tracker.
type OAuthConfig struct {
	TokenURL            string
	ExpiryWindow        time.Duration
	ServeStaleOnFailure bool
}

// RateLimitConfig configures the sliding window limiter.
type RateLimitConfig struct {
	Calls  int
	Window time.Duration
}

// RedisConfig configures the optional shared Redis. An empty Addr keeps
// tokens and rate limit state in process memory.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// ClientConfig holds the OAuth client credentials.
type ClientConfig struct {
	ID           string
	Secret       string
	RefreshToken string
}

// Credentials converts the client configuration for the token tracker.
func (c ClientConfig) Credentials() oauth.Credentials {
	return oauth.Credentials{ID: c.ID, Secret: c.Secret, RefreshToken: c.RefreshToken}
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string
	Pretty bool
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("service_url", DefaultServiceURL)
	v.SetDefault("token_url", oauth.DefaultTokenURL)
	v.SetDefault("token_expiry_window", oauth.DefaultExpiryWindow)
	v.SetDefault("serve_stale_token", false)
	v.SetDefault("rate_limit.calls", 60)
	v.SetDefault("rate_limit.window", time.Minute)
	v.SetDefault("http_timeout", 30*time.Second)
	v.SetDefault("page_size", client.DefaultRowCount)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("client.id", "")
	v.SetDefault("client.secret", "")
	v.SetDefault("client.refresh_token", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("listen_addr", ":8080")
}

// Load reads the configuration into a fresh viper instance. cfgFile may be
// empty; a missing .env file is ignored.
func Load(cfgFile string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", cfgFile, err)
		}
	}

	return FromViper(v)
}

// FromViper builds and validates a Config from v.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		ServiceURL:  strings.TrimRight(v.GetString("service_url"), "/"),
		HTTPTimeout: v.GetDuration("http_timeout"),
		PageSize:    v.GetInt("page_size"),
		ListenAddr:  v.GetString("listen_addr"),
		OAuth: OAuthConfig{
			TokenURL:            v.GetString("token_url"),
			ExpiryWindow:        v.GetDuration("token_expiry_window"),
			ServeStaleOnFailure: v.GetBool("serve_stale_token"),
		},
		RateLimit: RateLimitConfig{
			Calls:  v.GetInt("rate_limit.calls"),
			Window: v.GetDuration("rate_limit.window"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Client: ClientConfig{
			ID:           v.GetString("client.id"),
			Secret:       v.GetString("client.secret"),
			RefreshToken: v.GetString("client.refresh_token"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Pretty: v.GetBool("log.pretty"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the loaded values. Client credentials are checked
// separately by RequireCredentials.
func (c Config) Validate() error {
	for name, raw := range map[string]string{"service_url": c.ServiceURL, "token_url": c.OAuth.TokenURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: %s %q is not an absolute URL", ErrInvalid, name, raw)
		}
	}
	if c.RateLimit.Calls <= 0 {
		return fmt.Errorf("%w: rate_limit.calls must be positive, got %d", ErrInvalid, c.RateLimit.Calls)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("%w: rate_limit.window must be positive, got %s", ErrInvalid, c.RateLimit.Window)
	}
	if c.OAuth.ExpiryWindow < 0 {
		return fmt.Errorf("%w: token_expiry_window must not be negative", ErrInvalid)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("%w: http_timeout must be positive", ErrInvalid)
	}
	if c.PageSize <= 0 || c.PageSize > client.MaxRowCount {
		return fmt.Errorf("%w: page_size must be between 1 and %d, got %d", ErrInvalid, client.MaxRowCount, c.PageSize)
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("%w: redis.db must not be negative", ErrInvalid)
	}
	return nil
}

// RequireCredentials checks that a client id, secret and refresh token are set.
func (c Config) RequireCredentials() error {
	var missing []string
	if c.Client.ID == "" {
		missing = append(missing, "client.id")
	}
	if c.Client.Secret == "" {
		missing = append(missing, "client.secret")
	}
	if c.Client.RefreshToken == "" {
		missing = append(missing, "client.refresh_token")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalid, strings.Join(missing, ", "))
	}
	return nil
}
