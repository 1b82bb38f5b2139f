package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/conveyhq/convey/db"
)

// attemptResult is the classified outcome of one outbound HTTP POST,
// captured outside the outcome transaction.
type attemptResult struct {
	outcome      string
	httpStatus   pgtype.Int4
	errorDetails pgtype.Text
}

// StartWorkers launches the delivery worker pool and the delayed-message
// scheduler. The returned stop function cancels consumption and waits for
// in-flight attempts to finish.
func StartWorkers(a *Application) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Queue.StartScheduler(ctx)
	}()

	numWorkers := a.Config.DeliveryWorkers
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			for {
				msg, err := a.Queue.Consume(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					if !errors.Is(err, ErrNoMessage) {
						slog.Error("Failed to consume delivery message", "error", err)
						time.Sleep(time.Second)
					}
					continue
				}
				// Finish the attempt even if shutdown begins mid-flight;
				// only consumption is cancellable.
				processDelivery(context.Background(), a, msg)
			}
		}()
	}

	slog.Info("Delivery workers started", "workers", numWorkers)
	return func() {
		cancel()
		wg.Wait()
		slog.Info("Delivery workers stopped")
	}
}

// processDelivery executes the retry state machine for one dequeued task id.
// Redelivered duplicates are harmless: terminal states absorb them and the
// conditional claim admits at most one worker per task.
func processDelivery(ctx context.Context, a *Application, msg Message) {
	logger := slog.Default().With("task_id", msg.TaskID)

	parsed, err := uuid.Parse(msg.TaskID)
	if err != nil {
		logger.Error("Discarding malformed delivery message", "error", err)
		a.ack(ctx, msg, logger)
		return
	}
	taskID := pgtype.UUID{Bytes: parsed, Valid: true}

	task, err := a.DB.GetDeliveryTaskByID(ctx, taskID)
	if err != nil {
		if IsNoRows(err) {
			// Deleted race (e.g. subscription cascade). Nothing to deliver.
			logger.Debug("Task not found, discarding message")
			a.ack(ctx, msg, logger)
			return
		}
		// DB unavailable: leave the message unacked for redelivery.
		logger.Error("Failed to load task", "error", err)
		return
	}

	if db.IsTerminalStatus(task.Status) {
		logger.Debug("Task already terminal, discarding duplicate", "status", task.Status)
		a.ack(ctx, msg, logger)
		return
	}

	// The claim re-reads the row: the earlier snapshot may carry a stale
	// attempts_count when a duplicate message races an outcome commit.
	task, claimed, err := a.DB.ClaimDeliveryTask(ctx, taskID)
	if err != nil {
		logger.Error("Failed to claim task", "error", err)
		return
	}
	if !claimed {
		logger.Debug("Task claimed elsewhere, discarding duplicate")
		a.ack(ctx, msg, logger)
		return
	}

	sub, found, err := ResolveSubscription(ctx, a, task.SubscriptionID)
	if err != nil {
		a.finalizeFatal(ctx, msg, task, fmt.Sprintf("resolving subscription: %v", err), logger)
		return
	}
	if !found || sub.TargetURL == "" {
		reason := "Subscription not found during delivery."
		if found {
			reason = "Subscription target_url is missing."
		}
		logger.Warn("Finalizing undeliverable task", "reason", reason)
		a.finalizeFatal(ctx, msg, task, reason, logger)
		return
	}

	attemptNumber := task.AttemptsCount + 1
	logger.Info("Attempting delivery", "attempt", attemptNumber, "target_url", sub.TargetURL)

	// The HTTP POST happens outside the outcome transaction; only its
	// classified result is written inside.
	result := attemptDelivery(ctx, a, task, sub.TargetURL)

	now := pgtype.Timestamptz{Time: time.Now().UTC(), Valid: true}
	params := db.RecordAttemptParams{
		TaskID:        taskID,
		AttemptID:     NewUuid(),
		AttemptsCount: attemptNumber,
		LastAttemptAt: now,
		HttpStatus:    result.httpStatus,
		ErrorDetails:  result.errorDetails,
		Outcome:       result.outcome,
	}

	var retryDelay time.Duration
	switch {
	case result.outcome == db.OutcomeSuccess:
		params.Status = db.TaskStatusSucceeded

	case int(attemptNumber) >= a.Config.MaxRetries:
		params.Status = db.TaskStatusFailed
		params.Outcome = db.OutcomePermanentlyFailed

	default:
		retryDelay = calculateBackoff(a.Config.RetryBaseDelay(), a.Config.RetryFactor, a.Config.MaxRetryDelay(), int(attemptNumber))
		params.Status = db.TaskStatusRetrying
		params.NextAttemptAt = pgtype.Timestamptz{Time: now.Time.Add(retryDelay), Valid: true}
	}

	if _, err := a.DB.RecordAttempt(ctx, params); err != nil {
		a.finalizeFatal(ctx, msg, task, fmt.Sprintf("recording attempt outcome: %v", err), logger)
		return
	}

	switch params.Status {
	case db.TaskStatusSucceeded:
		logger.Info("Delivery succeeded", "attempt", attemptNumber, "http_status", result.httpStatus.Int32)
	case db.TaskStatusFailed:
		logger.Warn("Max retries exhausted, task failed",
			"attempts", attemptNumber, "max_retries", a.Config.MaxRetries, "last_error", result.errorDetails.String)
	case db.TaskStatusRetrying:
		logger.Info("Delivery failed, retry scheduled",
			"attempt", attemptNumber, "delay_seconds", retryDelay.Seconds(), "last_error", result.errorDetails.String)
		if err := a.Queue.PublishDelayed(ctx, msg.TaskID, retryDelay); err != nil {
			// The task row says retrying with next_attempt_at set; the
			// orphan rescue will republish it once overdue.
			logger.Error("Failed to schedule retry, relying on rescue sweep", "error", err)
		}
	}

	a.ack(ctx, msg, logger)
}

// finalizeFatal records a permanently_failed attempt and moves the task to
// failed. If even the log write fails the message stays unacked so the
// broker redelivers; no task is silently lost.
func (a *Application) finalizeFatal(ctx context.Context, msg Message, task db.DeliveryTask, details string, logger *slog.Logger) {
	now := pgtype.Timestamptz{Time: time.Now().UTC(), Valid: true}
	_, err := a.DB.RecordAttempt(ctx, db.RecordAttemptParams{
		TaskID:        task.ID,
		AttemptID:     NewUuid(),
		Status:        db.TaskStatusFailed,
		AttemptsCount: task.AttemptsCount + 1,
		LastAttemptAt: now,
		ErrorDetails:  pgtype.Text{String: details, Valid: true},
		Outcome:       db.OutcomePermanentlyFailed,
	})
	if err != nil {
		logger.Error("Failed to record fatal delivery error, leaving message for redelivery",
			"error", err, "details", details)
		return
	}
	logger.Error("Task permanently failed", "details", details)
	a.ack(ctx, msg, logger)
}

func (a *Application) ack(ctx context.Context, msg Message, logger *slog.Logger) {
	if err := a.Queue.Ack(ctx, msg); err != nil {
		// Redelivery of an acked-in-spirit message is absorbed by the
		// terminal-state check.
		logger.Warn("Failed to ack delivery message", "error", err)
	}
}

// attemptDelivery POSTs the captured payload to the target and classifies
// the outcome. It never touches the database.
func attemptDelivery(ctx context.Context, a *Application, task db.DeliveryTask, targetURL string) attemptResult {
	timeout := a.Config.DeliveryTimeout()
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, targetURL, bytes.NewReader(task.Payload))
	if err != nil {
		return attemptResult{
			outcome:      db.OutcomeFailedAttempt,
			errorDetails: pgtype.Text{String: fmt.Sprintf("Request error: %v", err), Valid: true},
		}
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return attemptResult{
			outcome:      db.OutcomeFailedAttempt,
			errorDetails: pgtype.Text{String: classifyTransportError(err, timeout), Valid: true},
		}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	status := pgtype.Int4{Int32: int32(resp.StatusCode), Valid: true}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return attemptResult{outcome: db.OutcomeSuccess, httpStatus: status}
	}

	return attemptResult{
		outcome:    db.OutcomeFailedAttempt,
		httpStatus: status,
		errorDetails: pgtype.Text{
			String: fmt.Sprintf("Non-2xx status code: %d. Response: %s", resp.StatusCode, truncate(string(body), 200)),
			Valid:  true,
		},
	}
}

func classifyTransportError(err error, timeout time.Duration) string {
	var netErr net.Error
	if (errors.As(err, &netErr) && netErr.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("Delivery timeout after %d seconds.", int(timeout.Seconds()))
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Sprintf("Connection error: %v", err)
	}
	return fmt.Sprintf("Request error: %v", err)
}

// calculateBackoff returns min(base * factor^(n-1), max) for 1-based
// attempt number n: with the defaults, 10s, 30s, 90s, 270s, 810s.
func calculateBackoff(base time.Duration, factor int, maxDelay time.Duration, attemptNumber int) time.Duration {
	delay := time.Duration(float64(base) * math.Pow(float64(factor), float64(attemptNumber-1)))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	return delay
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
