package testutil

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/redis/go-redis/v9"

	"github.com/conveyhq/convey/app"
	"github.com/conveyhq/convey/config"
	"github.com/conveyhq/convey/db"
)

// NewUUID returns a pgtype.UUID with a new random UUID.
func NewUUID() pgtype.UUID {
	return pgtype.UUID{Bytes: uuid.Must(uuid.NewV7()), Valid: true}
}

// NewTimestamp returns a pgtype.Timestamptz set to now.
func NewTimestamp() pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: time.Now().UTC(), Valid: true}
}

// Text wraps a string in a valid pgtype.Text.
func Text(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: true}
}

// SubscriptionOpt is a functional option for building test Subscriptions.
type SubscriptionOpt func(*db.Subscription)

// NewSubscription creates a db.Subscription with sensible defaults.
func NewSubscription(opts ...SubscriptionOpt) db.Subscription {
	s := db.Subscription{
		ID:        NewUUID(),
		TargetUrl: "https://example.com/webhook",
		CreatedAt: NewTimestamp(),
		UpdatedAt: NewTimestamp(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// DeliveryTaskOpt is a functional option for building test DeliveryTasks.
type DeliveryTaskOpt func(*db.DeliveryTask)

// NewDeliveryTask creates a db.DeliveryTask with sensible defaults.
func NewDeliveryTask(opts ...DeliveryTaskOpt) db.DeliveryTask {
	t := db.DeliveryTask{
		ID:             NewUUID(),
		SubscriptionID: NewUUID(),
		Payload:        json.RawMessage(`{"key":"value"}`),
		Status:         db.TaskStatusPending,
		CreatedAt:      NewTimestamp(),
	}
	for _, opt := range opts {
		opt(&t)
	}
	return t
}

// DeliveryAttemptOpt is a functional option for building test DeliveryAttempts.
type DeliveryAttemptOpt func(*db.DeliveryAttempt)

// NewDeliveryAttempt creates a db.DeliveryAttempt with sensible defaults.
func NewDeliveryAttempt(opts ...DeliveryAttemptOpt) db.DeliveryAttempt {
	a := db.DeliveryAttempt{
		ID:             NewUUID(),
		DeliveryTaskID: NewUUID(),
		AttemptNumber:  1,
		Timestamp:      NewTimestamp(),
		Outcome:        db.OutcomeSuccess,
		HttpStatus:     pgtype.Int4{Int32: 200, Valid: true},
	}
	for _, opt := range opts {
		opt(&a)
	}
	return a
}

// AppOpt is a functional option for building test Applications.
type AppOpt func(*app.Application)

// NewTestApp creates an app.Application suitable for testing. The queue and
// subscription cache run against the provided Redis client, typically backed
// by miniredis.
func NewTestApp(mockDB *MockQuerier, rdb *redis.Client, opts ...AppOpt) *app.Application {
	a := &app.Application{
		Config: config.AppConfig{
			Port:                   8006,
			DeliveryTimeoutSeconds: 2,
			MaxRetries:             5,
			RetryBaseDelaySeconds:  10,
			RetryFactor:            3,
			MaxRetryDelaySeconds:   900,
			LogRetentionHours:      72,
			SweepBatchSize:         1000,
			RescueAfterSeconds:     900,
			CacheExpirySeconds:     3600,
			SecretHeader:           "X-Hub-Signature-256",
			EventTypeHeader:        "X-Event-Type",
			DeliveryWorkers:        1,
		},
		DB:       mockDB,
		Queue:    app.NewQueue(rdb),
		SubCache: app.NewSubscriptionCache(rdb, time.Hour),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}
