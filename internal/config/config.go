package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	JWTSecret       string        `mapstructure:"JWT_SECRET"`
	AccessTokenTTL  time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`
	RefreshTokenTTL time.Duration `mapstructure:"REFRESH_TOKEN_TTL"`
	CookieSecure    bool          `mapstructure:"COOKIE_SECURE"`

	CacheTTL time.Duration `mapstructure:"CACHE_TTL"`

	RateLimitFailOpen  bool `mapstructure:"RATE_LIMIT_FAIL_OPEN"`
	RateLimitAuthMax   int  `mapstructure:"RATE_LIMIT_AUTH_MAX"`
	RateLimitAPIMax    int  `mapstructure:"RATE_LIMIT_API_MAX"`
	RateLimitUploadMax int  `mapstructure:"RATE_LIMIT_UPLOAD_MAX"`
	RateLimitAIMax     int  `mapstructure:"RATE_LIMIT_AI_MAX"`

	AIQueueConcurrency int           `mapstructure:"AI_QUEUE_CONCURRENCY"`
	AIQueueMaxAttempts int           `mapstructure:"AI_QUEUE_MAX_ATTEMPTS"`
	AIQueueBackoff     time.Duration `mapstructure:"AI_QUEUE_BACKOFF"`

	SessionReapInterval time.Duration `mapstructure:"SESSION_REAP_INTERVAL"`

	S3Bucket          string `mapstructure:"S3_BUCKET"`
	S3Region          string `mapstructure:"S3_REGION"`
	S3Endpoint        string `mapstructure:"S3_ENDPOINT"`
	S3AccessKeyID     string `mapstructure:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `mapstructure:"S3_SECRET_ACCESS_KEY"`

	WebhookSecret    string        `mapstructure:"WEBHOOK_SECRET"`
	WebhookTolerance time.Duration `mapstructure:"WEBHOOK_TOLERANCE"`

	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL", "CORS_ORIGINS",
	"JWT_SECRET", "ACCESS_TOKEN_TTL", "REFRESH_TOKEN_TTL", "COOKIE_SECURE",
	"CACHE_TTL",
	"RATE_LIMIT_FAIL_OPEN", "RATE_LIMIT_AUTH_MAX", "RATE_LIMIT_API_MAX", "RATE_LIMIT_UPLOAD_MAX", "RATE_LIMIT_AI_MAX",
	"AI_QUEUE_CONCURRENCY", "AI_QUEUE_MAX_ATTEMPTS", "AI_QUEUE_BACKOFF",
	"SESSION_REAP_INTERVAL",
	"S3_BUCKET", "S3_REGION", "S3_ENDPOINT", "S3_ACCESS_KEY_ID", "S3_SECRET_ACCESS_KEY",
	"WEBHOOK_SECRET", "WEBHOOK_TOLERANCE",
	"REQUEST_TIMEOUT",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

// Load reads configuration from .env (if present) and the environment.
// DATABASE_URL, REDIS_URL and JWT_SECRET are required in every environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("ACCESS_TOKEN_TTL", "24h")
	v.SetDefault("REFRESH_TOKEN_TTL", "168h")
	v.SetDefault("CACHE_TTL", "5m")
	v.SetDefault("RATE_LIMIT_FAIL_OPEN", true)
	v.SetDefault("RATE_LIMIT_AUTH_MAX", 5)
	v.SetDefault("RATE_LIMIT_API_MAX", 100)
	v.SetDefault("RATE_LIMIT_UPLOAD_MAX", 50)
	v.SetDefault("RATE_LIMIT_AI_MAX", 20)
	v.SetDefault("AI_QUEUE_CONCURRENCY", 2)
	v.SetDefault("AI_QUEUE_MAX_ATTEMPTS", 3)
	v.SetDefault("AI_QUEUE_BACKOFF", "2s")
	v.SetDefault("SESSION_REAP_INTERVAL", "1h")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("WEBHOOK_TOLERANCE", "5m")
	v.SetDefault("REQUEST_TIMEOUT", "30s")

	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}

	if !v.IsSet("COOKIE_SECURE") {
		cfg.CookieSecure = cfg.IsProduction()
	}

	var missing []string
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if cfg.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Production requires
// the webhook secret, the upload bucket and a signing secret of at least 32 bytes.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 bytes in production, got %d", len(c.JWTSecret))
		}
		if c.WebhookSecret == "" {
			return fmt.Errorf("WEBHOOK_SECRET is required in production")
		}
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required in production")
		}
	}

	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return fmt.Errorf("token lifetimes must be positive")
	}
	if c.AccessTokenTTL > c.RefreshTokenTTL {
		return fmt.Errorf("ACCESS_TOKEN_TTL (%s) must not exceed REFRESH_TOKEN_TTL (%s)", c.AccessTokenTTL, c.RefreshTokenTTL)
	}
	if c.AIQueueConcurrency < 1 {
		return fmt.Errorf("AI_QUEUE_CONCURRENCY must be at least 1")
	}
	if c.AIQueueMaxAttempts < 1 {
		return fmt.Errorf("AI_QUEUE_MAX_ATTEMPTS must be at least 1")
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
