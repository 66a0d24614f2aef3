package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	CORS     CORSConfig
	Log      LogConfig
	Lock     LockConfig
	Payments PaymentsConfig
	Billing  BillingConfig
	Rosters  RosterConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// LockConfig bounds the section-lock retry loop. Total wait is capped at
// MaxRetries * RetryDelay.
type LockConfig struct {
	TTL        time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// ProviderConfig holds per-gateway callback credentials.
type ProviderConfig struct {
	Secret string
}

// PaymentsConfig configures the payment reconciliation surface.
type PaymentsConfig struct {
	Providers map[string]ProviderConfig
}

// BillingConfig tunes the tuition notification worker queue.
type BillingConfig struct {
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
}

// RosterConfig governs roster listing cache and export.
type RosterConfig struct {
	CacheTTL time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:     v.GetString("JWT_SECRET"),
		Expiration: parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Lock = LockConfig{
		TTL:        parseDuration(v.GetString("LOCK_TTL"), 5*time.Second),
		MaxRetries: v.GetInt("LOCK_MAX_RETRIES"),
		RetryDelay: parseDuration(v.GetString("LOCK_RETRY_DELAY"), 100*time.Millisecond),
	}

	cfg.Payments = PaymentsConfig{
		Providers: map[string]ProviderConfig{
			"espay":  {Secret: v.GetString("PAYMENT_ESPAY_SECRET")},
			"duitku": {Secret: v.GetString("PAYMENT_DUITKU_SECRET")},
			"flip":   {Secret: v.GetString("PAYMENT_FLIP_SECRET")},
		},
	}

	cfg.Billing = BillingConfig{
		Workers:    v.GetInt("BILLING_WORKERS"),
		BufferSize: v.GetInt("BILLING_BUFFER_SIZE"),
		MaxRetries: v.GetInt("BILLING_MAX_RETRIES"),
		RetryDelay: parseDuration(v.GetString("BILLING_RETRY_DELAY"), time.Second),
	}

	cfg.Rosters = RosterConfig{
		CacheTTL: parseDuration(v.GetString("ROSTER_CACHE_TTL"), 5*time.Minute),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "uni_registrar")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_EXPIRATION", "24h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("LOCK_TTL", "5s")
	v.SetDefault("LOCK_MAX_RETRIES", 50)
	v.SetDefault("LOCK_RETRY_DELAY", "100ms")

	v.SetDefault("PAYMENT_ESPAY_SECRET", "dev_espay_secret")
	v.SetDefault("PAYMENT_DUITKU_SECRET", "dev_duitku_secret")
	v.SetDefault("PAYMENT_FLIP_SECRET", "dev_flip_secret")

	v.SetDefault("BILLING_WORKERS", 1)
	v.SetDefault("BILLING_BUFFER_SIZE", 16)
	v.SetDefault("BILLING_MAX_RETRIES", 3)
	v.SetDefault("BILLING_RETRY_DELAY", "1s")

	v.SetDefault("ROSTER_CACHE_TTL", "5m")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
