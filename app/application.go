package app

import (
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/conveyhq/convey/config"
	"github.com/conveyhq/convey/db"
)

// Application is the runtime context constructed at startup and injected
// into handlers and workers. No package-level mutable state.
type Application struct {
	Config   config.AppConfig
	DB       db.Querier
	Queue    *Queue
	SubCache *SubscriptionCache
	dbconn   *pgxpool.Pool
	broker   *redis.Client
	cache    *redis.Client
}

func NewApp(config *config.AppConfig) (*Application, error) {
	conn, err := connectToDB(config)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		return nil, err
	}
	queries := db.New(conn)

	broker, err := connectToRedis(config.BrokerURL)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}

	cache, err := connectToRedis(config.CacheURL)
	if err != nil {
		conn.Close()
		broker.Close()
		return nil, fmt.Errorf("connecting to cache: %w", err)
	}

	return &Application{
		Config:   *config,
		DB:       queries,
		Queue:    NewQueue(broker),
		SubCache: NewSubscriptionCache(cache, config.CacheExpiry()),
		dbconn:   conn,
		broker:   broker,
		cache:    cache,
	}, nil
}

func (a *Application) Close() {
	if a.cache != nil {
		a.cache.Close()
	}
	if a.broker != nil {
		a.broker.Close()
	}
	if a.dbconn != nil {
		a.dbconn.Close()
	}
}
