package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

// Querier is the transactional boundary for all persistent state. No other
// package touches the database directly; tests substitute a mock.
type Querier interface {
	// Subscriptions
	CreateSubscription(ctx context.Context, arg CreateSubscriptionParams) (Subscription, error)
	GetSubscriptionByID(ctx context.Context, id pgtype.UUID) (Subscription, error)
	ListSubscriptions(ctx context.Context) ([]Subscription, error)
	UpdateSubscription(ctx context.Context, arg UpdateSubscriptionParams) (Subscription, error)
	DeleteSubscription(ctx context.Context, id pgtype.UUID) (int64, error)

	// Delivery tasks
	CreateDeliveryTask(ctx context.Context, arg CreateDeliveryTaskParams) (DeliveryTask, error)
	GetDeliveryTaskByID(ctx context.Context, id pgtype.UUID) (DeliveryTask, error)
	ClaimDeliveryTask(ctx context.Context, id pgtype.UUID) (DeliveryTask, bool, error)
	RecordAttempt(ctx context.Context, arg RecordAttemptParams) (DeliveryAttempt, error)

	// Attempt projections
	ListAttemptsForTask(ctx context.Context, deliveryTaskID pgtype.UUID) ([]DeliveryAttempt, error)
	ListRecentAttemptsForSubscription(ctx context.Context, arg ListRecentAttemptsForSubscriptionParams) ([]DeliveryAttempt, error)

	// Retention and rescue
	DeleteAttemptsBefore(ctx context.Context, arg DeleteBeforeParams) (int64, error)
	DeleteTerminalTasksBefore(ctx context.Context, arg DeleteBeforeParams) (int64, error)
	ListStalledTasks(ctx context.Context, arg ListStalledTasksParams) ([]DeliveryTask, error)
	ResetTaskToPending(ctx context.Context, id pgtype.UUID) (bool, error)
}

type CreateSubscriptionParams struct {
	ID              pgtype.UUID
	TargetUrl       string
	Secret          pgtype.Text
	EventTypeFilter pgtype.Text
}

type UpdateSubscriptionParams struct {
	ID                 pgtype.UUID
	TargetUrl          pgtype.Text
	Secret             pgtype.Text
	SetSecret          bool
	EventTypeFilter    pgtype.Text
	SetEventTypeFilter bool
}

type CreateDeliveryTaskParams struct {
	ID             pgtype.UUID
	SubscriptionID pgtype.UUID
	Payload        []byte
}

// RecordAttemptParams carries one outcome transaction: the task mutation and
// the appended attempt row commit together or not at all.
type RecordAttemptParams struct {
	TaskID        pgtype.UUID
	AttemptID     pgtype.UUID
	Status        string
	AttemptsCount int32
	LastAttemptAt pgtype.Timestamptz
	NextAttemptAt pgtype.Timestamptz
	HttpStatus    pgtype.Int4
	ErrorDetails  pgtype.Text
	Outcome       string
}

type ListRecentAttemptsForSubscriptionParams struct {
	SubscriptionID pgtype.UUID
	Limit          int32
}

type DeleteBeforeParams struct {
	Cutoff    pgtype.Timestamptz
	BatchSize int32
}

type ListStalledTasksParams struct {
	Cutoff pgtype.Timestamptz
	Limit  int32
}
