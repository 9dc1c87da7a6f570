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

// Supported database drivers.
const (
	DriverPostgres  = "postgres"
	DriverSQLServer = "sqlserver"
)

// Supported document storage drivers.
const (
	StorageLocal = "local"
	StorageMinio = "minio"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database      DatabaseConfig
	Redis         RedisConfig
	JWT           JWTConfig
	CORS          CORSConfig
	Log           LogConfig
	Windows       WindowConfig
	Submissions   SubmissionConfig
	Ingest        IngestConfig
	Storage       StorageConfig
	Events        EventsConfig
	RateLimit     RateLimitConfig
	Notifications NotificationConfig
}

type DatabaseConfig struct {
	Driver       string
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
	Secret            string
	Expiration        time.Duration
	RefreshExpiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// WindowConfig tunes upload window behaviour.
type WindowConfig struct {
	SweepInterval time.Duration
	MaxDuration   time.Duration
}

// SubmissionConfig bounds submission payloads and derived artefacts.
type SubmissionConfig struct {
	MaxPayloadBytes int64
	MaxSummaryBytes int64
	CatalogPath     string
	StatsCacheTTL   time.Duration
}

// IngestConfig points at the upstream validation endpoint.
type IngestConfig struct {
	URL     string
	Timeout time.Duration
}

// StorageConfig selects where summary documents live.
type StorageConfig struct {
	Driver          string
	LocalDir        string
	MinioEndpoint   string
	MinioAccessKey  string
	MinioSecretKey  string
	MinioBucket     string
	MinioUseSSL     bool
	SignedURLSecret string
	SignedURLTTL    time.Duration
}

// EventsConfig configures the AMQP publisher. An empty URL disables it.
type EventsConfig struct {
	AMQPURL  string
	Exchange string
}

// RateLimitConfig guards the login endpoint.
type RateLimitConfig struct {
	LoginLimit  int
	LoginWindow time.Duration
}

// NotificationConfig sizes the fan-out worker pool.
type NotificationConfig struct {
	Workers    int
	QueueSize  int
	MaxRetries int
	RetryDelay time.Duration
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
		Driver:       strings.ToLower(v.GetString("DB_DRIVER")),
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
		Secret:            v.GetString("JWT_SECRET"),
		Expiration:        parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
		RefreshExpiration: parseDuration(v.GetString("REFRESH_TOKEN_EXPIRATION"), 7*24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Windows = WindowConfig{
		SweepInterval: parseDuration(v.GetString("WINDOW_SWEEP_INTERVAL"), 0),
		MaxDuration:   parseDuration(v.GetString("WINDOW_MAX_DURATION"), 180*24*time.Hour),
	}

	maxPayload := v.GetInt64("SUBMISSION_MAX_PAYLOAD_BYTES")
	if maxPayload <= 0 {
		maxPayload = 10 * 1024 * 1024
	}
	maxSummary := v.GetInt64("SUBMISSION_MAX_SUMMARY_BYTES")
	if maxSummary <= 0 {
		maxSummary = 20 * 1024 * 1024
	}
	cfg.Submissions = SubmissionConfig{
		MaxPayloadBytes: maxPayload,
		MaxSummaryBytes: maxSummary,
		CatalogPath:     v.GetString("DATASET_CATALOG_PATH"),
		StatsCacheTTL:   parseDuration(v.GetString("STATS_CACHE_TTL"), 2*time.Minute),
	}

	cfg.Ingest = IngestConfig{
		URL:     v.GetString("INGEST_URL"),
		Timeout: parseDuration(v.GetString("INGEST_TIMEOUT"), 30*time.Second),
	}

	cfg.Storage = StorageConfig{
		Driver:          strings.ToLower(v.GetString("STORAGE_DRIVER")),
		LocalDir:        v.GetString("STORAGE_LOCAL_DIR"),
		MinioEndpoint:   v.GetString("MINIO_ENDPOINT"),
		MinioAccessKey:  v.GetString("MINIO_ACCESS_KEY"),
		MinioSecretKey:  v.GetString("MINIO_SECRET_KEY"),
		MinioBucket:     v.GetString("MINIO_BUCKET"),
		MinioUseSSL:     v.GetBool("MINIO_USE_SSL"),
		SignedURLSecret: v.GetString("DOWNLOAD_SIGNING_SECRET"),
		SignedURLTTL:    parseDuration(v.GetString("DOWNLOAD_URL_TTL"), 15*time.Minute),
	}

	cfg.Events = EventsConfig{
		AMQPURL:  v.GetString("AMQP_URL"),
		Exchange: v.GetString("AMQP_EXCHANGE"),
	}

	cfg.RateLimit = RateLimitConfig{
		LoginLimit:  v.GetInt("LOGIN_RATE_LIMIT"),
		LoginWindow: parseDuration(v.GetString("LOGIN_RATE_WINDOW"), time.Minute),
	}

	cfg.Notifications = NotificationConfig{
		Workers:    v.GetInt("NOTIFICATION_WORKERS"),
		QueueSize:  v.GetInt("NOTIFICATION_QUEUE_SIZE"),
		MaxRetries: v.GetInt("NOTIFICATION_MAX_RETRIES"),
		RetryDelay: parseDuration(v.GetString("NOTIFICATION_RETRY_DELAY"), 2*time.Second),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_DRIVER", DriverPostgres)
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "census_portal")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_EXPIRATION", "24h")
	v.SetDefault("REFRESH_TOKEN_EXPIRATION", "168h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("WINDOW_SWEEP_INTERVAL", "1m")
	v.SetDefault("WINDOW_MAX_DURATION", "4320h")

	v.SetDefault("SUBMISSION_MAX_PAYLOAD_BYTES", 10*1024*1024)
	v.SetDefault("SUBMISSION_MAX_SUMMARY_BYTES", 20*1024*1024)
	v.SetDefault("DATASET_CATALOG_PATH", "./configs/datasets.yaml")
	v.SetDefault("STATS_CACHE_TTL", "2m")

	v.SetDefault("INGEST_URL", "")
	v.SetDefault("INGEST_TIMEOUT", "30s")

	v.SetDefault("STORAGE_DRIVER", StorageLocal)
	v.SetDefault("STORAGE_LOCAL_DIR", "./documents")
	v.SetDefault("MINIO_ENDPOINT", "localhost:9000")
	v.SetDefault("MINIO_ACCESS_KEY", "")
	v.SetDefault("MINIO_SECRET_KEY", "")
	v.SetDefault("MINIO_BUCKET", "census-summaries")
	v.SetDefault("MINIO_USE_SSL", false)
	v.SetDefault("DOWNLOAD_SIGNING_SECRET", "dev_download_secret")
	v.SetDefault("DOWNLOAD_URL_TTL", "15m")

	v.SetDefault("AMQP_URL", "")
	v.SetDefault("AMQP_EXCHANGE", "census.events")

	v.SetDefault("LOGIN_RATE_LIMIT", 10)
	v.SetDefault("LOGIN_RATE_WINDOW", "1m")

	v.SetDefault("NOTIFICATION_WORKERS", 2)
	v.SetDefault("NOTIFICATION_QUEUE_SIZE", 256)
	v.SetDefault("NOTIFICATION_MAX_RETRIES", 3)
	v.SetDefault("NOTIFICATION_RETRY_DELAY", "2s")
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
