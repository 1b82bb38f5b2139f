package db

import (
	"encoding/json"

	"github.com/jackc/pgx/v5/pgtype"
)

// Task status values. Terminal states are absorbing: once a task reaches
// succeeded or failed it is never mutated again by the worker.
const (
	TaskStatusPending    = "pending"
	TaskStatusProcessing = "processing"
	TaskStatusRetrying   = "retrying"
	TaskStatusSucceeded  = "succeeded"
	TaskStatusFailed     = "failed"
)

// Attempt outcome values.
const (
	OutcomeSuccess           = "success"
	OutcomeFailedAttempt     = "failed_attempt"
	OutcomePermanentlyFailed = "permanently_failed"
)

// IsTerminalStatus reports whether a task status is absorbing.
func IsTerminalStatus(status string) bool {
	return status == TaskStatusSucceeded || status == TaskStatusFailed
}

type Subscription struct {
	ID              pgtype.UUID
	TargetUrl       string
	Secret          pgtype.Text
	EventTypeFilter pgtype.Text
	CreatedAt       pgtype.Timestamptz
	UpdatedAt       pgtype.Timestamptz
}

type DeliveryTask struct {
	ID             pgtype.UUID
	SubscriptionID pgtype.UUID
	Payload        json.RawMessage
	Status         string
	CreatedAt      pgtype.Timestamptz
	LastAttemptAt  pgtype.Timestamptz
	NextAttemptAt  pgtype.Timestamptz
	AttemptsCount  int32
	LastHttpStatus pgtype.Int4
	LastError      pgtype.Text
}

type DeliveryAttempt struct {
	ID             pgtype.UUID
	DeliveryTaskID pgtype.UUID
	AttemptNumber  int32
	Timestamp      pgtype.Timestamptz
	Outcome        string
	HttpStatus     pgtype.Int4
	ErrorDetails   pgtype.Text
}
