package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/joho/godotenv"
)

type AppConfig struct {
	DevMode  bool   `arg:"--dev,env:DEV_MODE" default:"false"`
	Port     int    `arg:"-p,--port,env:LISTEN_PORT" default:"8006"`
	LogLevel string `arg:"--log-level,env:LOG_LEVEL" default:"default" help:"Log level to use.  Valid values are: debug, info, and warn/warning.  If default the level will be info or debug in dev mode."`

	DBHost     string `arg:"--db-host,env:DB_HOST" default:"localhost"`
	DBName     string `arg:"--db-name,env:DB_NAME" default:"convey"`
	DBPort     int    `arg:"--db-port,env:DB_PORT" default:"5432"`
	DBMaxConns int    `arg:"--db-max-conns,env:DB_MAX_CONNS" default:"10"`
	DBMinConns int    `arg:"--db-min-conns,env:DB_MIN_CONNS" default:"1"`
	DBSSLMode  string `arg:"--db-ssl-mode,env:DB_SSL_MODE" default:"disable"`
	DBUsername string `arg:"--db-username,env:DB_USERNAME" default:"convey"`
	DBPassword string `arg:"--db-password,env:DB_PASSWORD" default:"badpassword"`

	BrokerURL string `arg:"--broker-url,env:REDIS_URL" default:"redis://localhost:6379/0" help:"Redis URL for the delivery job queue."`
	CacheURL  string `arg:"--cache-url,env:REDIS_CACHE_URL" default:"redis://localhost:6379/1" help:"Redis URL for the subscription cache."`

	DeliveryTimeoutSeconds int `arg:"--delivery-timeout,env:DELIVERY_TIMEOUT_SECONDS" default:"10" help:"Total timeout for one outbound webhook POST."`
	MaxRetries             int `arg:"--max-retries,env:MAX_RETRIES" default:"5" help:"Attempt budget before a task is marked failed."`
	RetryBaseDelaySeconds  int `arg:"--retry-base-delay,env:RETRY_BASE_DELAY_SECONDS" default:"10"`
	RetryFactor            int `arg:"--retry-factor,env:RETRY_FACTOR" default:"3"`
	MaxRetryDelaySeconds   int `arg:"--max-retry-delay,env:MAX_RETRY_DELAY_SECONDS" default:"900"`

	LogRetentionHours  int    `arg:"--log-retention-hours,env:LOG_RETENTION_HOURS" default:"72"`
	SweepSchedule      string `arg:"--sweep-schedule,env:SWEEP_SCHEDULE" default:"@every 6h" help:"Cron schedule for the retention sweep."`
	SweepBatchSize     int    `arg:"--sweep-batch-size,env:SWEEP_BATCH_SIZE" default:"1000"`
	RescueSchedule     string `arg:"--rescue-schedule,env:RESCUE_SCHEDULE" default:"@every 5m" help:"Cron schedule for the orphaned-task rescue scan."`
	RescueAfterSeconds int    `arg:"--rescue-after,env:RESCUE_AFTER_SECONDS" default:"900" help:"Inactivity threshold before a pending/processing task is considered orphaned."`

	CacheExpirySeconds int    `arg:"--cache-expiry,env:CACHE_EXPIRY_SECONDS" default:"3600"`
	SecretHeader       string `arg:"--secret-header,env:WEBHOOK_SECRET_HEADER" default:"X-Hub-Signature-256"`
	EventTypeHeader    string `arg:"--event-type-header,env:WEBHOOK_EVENT_TYPE_HEADER" default:"X-Event-Type"`

	DeliveryWorkers int `arg:"--delivery-workers,env:DELIVERY_WORKERS" default:"4"`
}

func (c *AppConfig) DeliveryTimeout() time.Duration {
	return time.Duration(c.DeliveryTimeoutSeconds) * time.Second
}

func (c *AppConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelaySeconds) * time.Second
}

func (c *AppConfig) MaxRetryDelay() time.Duration {
	return time.Duration(c.MaxRetryDelaySeconds) * time.Second
}

func (c *AppConfig) CacheExpiry() time.Duration {
	return time.Duration(c.CacheExpirySeconds) * time.Second
}

func (c *AppConfig) RetentionHorizon() time.Duration {
	return time.Duration(c.LogRetentionHours) * time.Hour
}

func (c *AppConfig) RescueAfter() time.Duration {
	return time.Duration(c.RescueAfterSeconds) * time.Second
}

func LoadConfig() (*AppConfig, error) {
	var appConfig AppConfig
	arg.MustParse(&appConfig)

	if appConfig.DevMode {
		err := godotenv.Load(".env")
		if err == nil {
			// re-parse to get env vars from .env
			slog.Info("Loaded .env")
			arg.MustParse(&appConfig)
		}
	}

	if appConfig.LogLevel == "default" {
		if appConfig.DevMode {
			logLevel.Set(slog.LevelDebug)
		} else {
			logLevel.Set(slog.LevelInfo)
		}
	} else {
		intendedLevel := strings.ToLower(appConfig.LogLevel)
		switch intendedLevel {
		case "debug":
			logLevel.Set(slog.LevelDebug)
		case "info":
			logLevel.Set(slog.LevelInfo)
		case "warn", "warning":
			logLevel.Set(slog.LevelWarn)
		default:
			slog.Error("Unable to configure log level", "level", appConfig.LogLevel)
		}
	}

	return &appConfig, nil
}
