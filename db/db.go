package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Queries implements Querier against a pgx connection pool.
type Queries struct {
	pool *pgxpool.Pool
}

var _ Querier = (*Queries)(nil)

func New(pool *pgxpool.Pool) *Queries {
	return &Queries{pool: pool}
}

const createSubscription = `
INSERT INTO subscriptions (id, target_url, secret, event_type_filter)
VALUES ($1, $2, $3, $4)
RETURNING id, target_url, secret, event_type_filter, created_at, updated_at
`

func (q *Queries) CreateSubscription(ctx context.Context, arg CreateSubscriptionParams) (Subscription, error) {
	row := q.pool.QueryRow(ctx, createSubscription, arg.ID, arg.TargetUrl, arg.Secret, arg.EventTypeFilter)
	return scanSubscription(row)
}

const getSubscriptionByID = `
SELECT id, target_url, secret, event_type_filter, created_at, updated_at
FROM subscriptions WHERE id = $1
`

func (q *Queries) GetSubscriptionByID(ctx context.Context, id pgtype.UUID) (Subscription, error) {
	return scanSubscription(q.pool.QueryRow(ctx, getSubscriptionByID, id))
}

const listSubscriptions = `
SELECT id, target_url, secret, event_type_filter, created_at, updated_at
FROM subscriptions ORDER BY created_at
`

func (q *Queries) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	rows, err := q.pool.Query(ctx, listSubscriptions)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

const updateSubscription = `
UPDATE subscriptions SET
    target_url        = COALESCE($2, target_url),
    secret            = CASE WHEN $4 THEN $3 ELSE secret END,
    event_type_filter = CASE WHEN $6 THEN $5 ELSE event_type_filter END,
    updated_at        = now()
WHERE id = $1
RETURNING id, target_url, secret, event_type_filter, created_at, updated_at
`

// UpdateSubscription applies a partial update. Set* flags distinguish
// "clear this field" from "field absent from the request".
func (q *Queries) UpdateSubscription(ctx context.Context, arg UpdateSubscriptionParams) (Subscription, error) {
	row := q.pool.QueryRow(ctx, updateSubscription,
		arg.ID, arg.TargetUrl, arg.Secret, arg.SetSecret, arg.EventTypeFilter, arg.SetEventTypeFilter)
	return scanSubscription(row)
}

func (q *Queries) DeleteSubscription(ctx context.Context, id pgtype.UUID) (int64, error) {
	tag, err := q.pool.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const createDeliveryTask = `
INSERT INTO delivery_tasks (id, subscription_id, payload, status, attempts_count)
VALUES ($1, $2, $3, 'pending', 0)
RETURNING id, subscription_id, payload, status, created_at, last_attempt_at, next_attempt_at,
          attempts_count, last_http_status, last_error
`

func (q *Queries) CreateDeliveryTask(ctx context.Context, arg CreateDeliveryTaskParams) (DeliveryTask, error) {
	row := q.pool.QueryRow(ctx, createDeliveryTask, arg.ID, arg.SubscriptionID, arg.Payload)
	return scanDeliveryTask(row)
}

const getDeliveryTaskByID = `
SELECT id, subscription_id, payload, status, created_at, last_attempt_at, next_attempt_at,
       attempts_count, last_http_status, last_error
FROM delivery_tasks WHERE id = $1
`

func (q *Queries) GetDeliveryTaskByID(ctx context.Context, id pgtype.UUID) (DeliveryTask, error) {
	return scanDeliveryTask(q.pool.QueryRow(ctx, getDeliveryTaskByID, id))
}

const claimDeliveryTask = `
UPDATE delivery_tasks SET status = 'processing'
WHERE id = $1 AND status IN ('pending', 'retrying')
RETURNING id, subscription_id, payload, status, created_at, last_attempt_at, next_attempt_at,
          attempts_count, last_http_status, last_error
`

// ClaimDeliveryTask is the worker lease: the conditional transition to
// processing succeeds for exactly one caller and returns the row as of the
// claim, so attempt numbering never relies on a pre-claim snapshot. A false
// return means another worker owns the task or it already reached a
// terminal state.
func (q *Queries) ClaimDeliveryTask(ctx context.Context, id pgtype.UUID) (DeliveryTask, bool, error) {
	task, err := scanDeliveryTask(q.pool.QueryRow(ctx, claimDeliveryTask, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DeliveryTask{}, false, nil
		}
		return DeliveryTask{}, false, err
	}
	return task, true, nil
}

const recordAttemptTaskUpdate = `
UPDATE delivery_tasks SET
    status           = $2,
    attempts_count   = $3,
    last_attempt_at  = $4,
    next_attempt_at  = $5,
    last_http_status = $6,
    last_error       = $7
WHERE id = $1
`

const recordAttemptInsert = `
INSERT INTO delivery_attempts (id, delivery_task_id, attempt_number, timestamp, outcome, http_status, error_details)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, delivery_task_id, attempt_number, timestamp, outcome, http_status, error_details
`

// RecordAttempt writes the task mutation and the new attempt row in a single
// transaction. The attempt number equals the task's attempts_count at commit.
func (q *Queries) RecordAttempt(ctx context.Context, arg RecordAttemptParams) (DeliveryAttempt, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return DeliveryAttempt{}, fmt.Errorf("begin attempt transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, recordAttemptTaskUpdate,
		arg.TaskID, arg.Status, arg.AttemptsCount, arg.LastAttemptAt,
		arg.NextAttemptAt, arg.HttpStatus, arg.ErrorDetails); err != nil {
		return DeliveryAttempt{}, fmt.Errorf("updating task: %w", err)
	}

	row := tx.QueryRow(ctx, recordAttemptInsert,
		arg.AttemptID, arg.TaskID, arg.AttemptsCount, arg.LastAttemptAt,
		arg.Outcome, arg.HttpStatus, arg.ErrorDetails)
	attempt, err := scanDeliveryAttempt(row)
	if err != nil {
		return DeliveryAttempt{}, fmt.Errorf("inserting attempt: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return DeliveryAttempt{}, fmt.Errorf("commit attempt transaction: %w", err)
	}
	return attempt, nil
}

const listAttemptsForTask = `
SELECT id, delivery_task_id, attempt_number, timestamp, outcome, http_status, error_details
FROM delivery_attempts WHERE delivery_task_id = $1 ORDER BY attempt_number
`

func (q *Queries) ListAttemptsForTask(ctx context.Context, deliveryTaskID pgtype.UUID) ([]DeliveryAttempt, error) {
	rows, err := q.pool.Query(ctx, listAttemptsForTask, deliveryTaskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAttempts(rows)
}

const listRecentAttemptsForSubscription = `
SELECT a.id, a.delivery_task_id, a.attempt_number, a.timestamp, a.outcome, a.http_status, a.error_details
FROM delivery_attempts a
JOIN delivery_tasks t ON t.id = a.delivery_task_id
WHERE t.subscription_id = $1
ORDER BY a.timestamp DESC
LIMIT $2
`

func (q *Queries) ListRecentAttemptsForSubscription(ctx context.Context, arg ListRecentAttemptsForSubscriptionParams) ([]DeliveryAttempt, error) {
	rows, err := q.pool.Query(ctx, listRecentAttemptsForSubscription, arg.SubscriptionID, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAttempts(rows)
}

const deleteAttemptsBefore = `
DELETE FROM delivery_attempts WHERE id IN (
    SELECT id FROM delivery_attempts WHERE timestamp < $1 LIMIT $2
)
`

// DeleteAttemptsBefore removes at most BatchSize attempt rows older than the
// cutoff. Callers loop until the returned count falls below the batch size.
func (q *Queries) DeleteAttemptsBefore(ctx context.Context, arg DeleteBeforeParams) (int64, error) {
	tag, err := q.pool.Exec(ctx, deleteAttemptsBefore, arg.Cutoff, arg.BatchSize)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const deleteTerminalTasksBefore = `
DELETE FROM delivery_tasks WHERE id IN (
    SELECT id FROM delivery_tasks
    WHERE status IN ('succeeded', 'failed') AND last_attempt_at < $1
    LIMIT $2
)
`

func (q *Queries) DeleteTerminalTasksBefore(ctx context.Context, arg DeleteBeforeParams) (int64, error) {
	tag, err := q.pool.Exec(ctx, deleteTerminalTasksBefore, arg.Cutoff, arg.BatchSize)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const listStalledTasks = `
SELECT id, subscription_id, payload, status, created_at, last_attempt_at, next_attempt_at,
       attempts_count, last_http_status, last_error
FROM delivery_tasks
WHERE (status IN ('pending', 'processing') AND COALESCE(last_attempt_at, created_at) < $1)
   OR (status = 'retrying' AND next_attempt_at < $1)
ORDER BY created_at
LIMIT $2
`

// ListStalledTasks surfaces tasks stuck between the DB commit and a broker
// publish, abandoned mid-attempt by a crashed worker, or whose scheduled
// retry never made it onto the broker.
func (q *Queries) ListStalledTasks(ctx context.Context, arg ListStalledTasksParams) ([]DeliveryTask, error) {
	rows, err := q.pool.Query(ctx, listStalledTasks, arg.Cutoff, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []DeliveryTask
	for rows.Next() {
		t, err := scanDeliveryTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

const resetTaskToPending = `
UPDATE delivery_tasks SET status = 'pending'
WHERE id = $1 AND status IN ('pending', 'processing')
`

// ResetTaskToPending releases a stalled lease so a republished task can be
// claimed again. Terminal and retrying tasks are left untouched.
func (q *Queries) ResetTaskToPending(ctx context.Context, id pgtype.UUID) (bool, error) {
	tag, err := q.pool.Exec(ctx, resetTaskToPending, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func scanSubscription(row pgx.Row) (Subscription, error) {
	var s Subscription
	err := row.Scan(&s.ID, &s.TargetUrl, &s.Secret, &s.EventTypeFilter, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

func scanDeliveryTask(row pgx.Row) (DeliveryTask, error) {
	var t DeliveryTask
	err := row.Scan(&t.ID, &t.SubscriptionID, &t.Payload, &t.Status, &t.CreatedAt,
		&t.LastAttemptAt, &t.NextAttemptAt, &t.AttemptsCount, &t.LastHttpStatus, &t.LastError)
	return t, err
}

func scanDeliveryAttempt(row pgx.Row) (DeliveryAttempt, error) {
	var a DeliveryAttempt
	err := row.Scan(&a.ID, &a.DeliveryTaskID, &a.AttemptNumber, &a.Timestamp,
		&a.Outcome, &a.HttpStatus, &a.ErrorDetails)
	return a, err
}

func collectAttempts(rows pgx.Rows) ([]DeliveryAttempt, error) {
	var attempts []DeliveryAttempt
	for rows.Next() {
		a, err := scanDeliveryAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
