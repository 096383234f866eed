package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "LIBRARY"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultPublicURL         = "http://localhost:8080"
	defaultDatabasePath      = "library.db"
	defaultLogLevel          = "info"
	defaultCookieName        = "library_session"
	defaultSessionTTL        = 14 * 24 * time.Hour
	defaultSkew              = 5 * time.Hour
	defaultHTTPTimeout       = 10 * time.Second
	defaultDiscoveryCacheTTL = 10 * time.Minute
	defaultRedisKeyPrefix    = "library:"
	defaultSweepInterval     = 15 * time.Minute
	defaultSweepBatchSize    = 100
	defaultSignInRate        = 10
	defaultSignInBurst       = 5

	// NonceBackendDatabase keeps consumed nonces in the SQL database.
	NonceBackendDatabase = "database"
	// NonceBackendRedis keeps consumed nonces in Redis keys with a TTL.
	NonceBackendRedis = "redis"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress string
	// PublicURL is the externally visible origin used for realm and return_to.
	PublicURL      string
	CORSOrigins    []string
	TrustedProxies []string

	DatabasePath string
	LogLevel     string

	SessionSigningSecret string
	SessionCookieName    string
	SessionTTL           time.Duration
	SessionSecureCookie  bool

	AdminIdentityURL string

	OpenIDSkew                 time.Duration
	OpenIDHTTPTimeout          time.Duration
	OpenIDAllowPrivateNetworks bool
	OpenIDDiscoveryCacheTTL    time.Duration

	NonceBackend   string
	RedisAddress   string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	SweepInterval  time.Duration
	SweepBatchSize int

	SignInRatePerMinute int
	SignInBurst         int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.public_url", defaultPublicURL)
	configViper.SetDefault("http.cors_origins", []string{})
	configViper.SetDefault("http.trusted_proxies", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.ttl", defaultSessionTTL)
	configViper.SetDefault("session.secure_cookie", false)
	configViper.SetDefault("admin.identity_url", "")
	configViper.SetDefault("openid.skew", defaultSkew)
	configViper.SetDefault("openid.http_timeout", defaultHTTPTimeout)
	configViper.SetDefault("openid.allow_private_networks", false)
	configViper.SetDefault("openid.discovery_cache_ttl", defaultDiscoveryCacheTTL)
	configViper.SetDefault("nonce.backend", NonceBackendDatabase)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("redis.key_prefix", defaultRedisKeyPrefix)
	configViper.SetDefault("sweep.interval", defaultSweepInterval)
	configViper.SetDefault("sweep.batch_size", defaultSweepBatchSize)
	configViper.SetDefault("signin.rate_per_minute", defaultSignInRate)
	configViper.SetDefault("signin.burst", defaultSignInBurst)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:                configViper.GetString("http.address"),
		PublicURL:                  strings.TrimRight(strings.TrimSpace(configViper.GetString("http.public_url")), "/"),
		CORSOrigins:                splitList(configViper.GetStringSlice("http.cors_origins")),
		TrustedProxies:             splitList(configViper.GetStringSlice("http.trusted_proxies")),
		DatabasePath:               configViper.GetString("database.path"),
		LogLevel:                   configViper.GetString("log.level"),
		SessionSigningSecret:       configViper.GetString("session.signing_secret"),
		SessionCookieName:          configViper.GetString("session.cookie_name"),
		SessionTTL:                 configViper.GetDuration("session.ttl"),
		SessionSecureCookie:        configViper.GetBool("session.secure_cookie"),
		AdminIdentityURL:           strings.TrimSpace(configViper.GetString("admin.identity_url")),
		OpenIDSkew:                 configViper.GetDuration("openid.skew"),
		OpenIDHTTPTimeout:          configViper.GetDuration("openid.http_timeout"),
		OpenIDAllowPrivateNetworks: configViper.GetBool("openid.allow_private_networks"),
		OpenIDDiscoveryCacheTTL:    configViper.GetDuration("openid.discovery_cache_ttl"),
		NonceBackend:               strings.ToLower(strings.TrimSpace(configViper.GetString("nonce.backend"))),
		RedisAddress:               configViper.GetString("redis.address"),
		RedisPassword:              configViper.GetString("redis.password"),
		RedisDB:                    configViper.GetInt("redis.db"),
		RedisKeyPrefix:             configViper.GetString("redis.key_prefix"),
		SweepInterval:              configViper.GetDuration("sweep.interval"),
		SweepBatchSize:             configViper.GetInt("sweep.batch_size"),
		SignInRatePerMinute:        configViper.GetInt("signin.rate_per_minute"),
		SignInBurst:                configViper.GetInt("signin.burst"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	publicURL, err := url.Parse(c.PublicURL)
	if err != nil || publicURL.Host == "" || (publicURL.Scheme != "http" && publicURL.Scheme != "https") {
		return fmt.Errorf("http.public_url must be an absolute http(s) URL")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.OpenIDSkew <= 0 {
		return fmt.Errorf("openid.skew must be positive")
	}
	switch c.NonceBackend {
	case NonceBackendDatabase:
	case NonceBackendRedis:
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("redis.address is required when nonce.backend is redis")
		}
	default:
		return fmt.Errorf("nonce.backend must be %q or %q", NonceBackendDatabase, NonceBackendRedis)
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("sweep.batch_size must be positive")
	}
	if c.SignInRatePerMinute <= 0 || c.SignInBurst <= 0 {
		return fmt.Errorf("signin.rate_per_minute and signin.burst must be positive")
	}
	return nil
}

// splitList accepts both repeated values and a single comma separated value,
// which is how list settings arrive from the environment.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, item := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
