package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/robfig/cron/v3"

	"github.com/conveyhq/convey/db"
)

// StartSweeper schedules the retention sweep and the orphan rescue scan.
// The returned stop function waits for any running job to finish.
func StartSweeper(a *Application) (stop func(), err error) {
	c := cron.New()

	if _, err := c.AddFunc(a.Config.SweepSchedule, func() {
		SweepExpiredLogs(context.Background(), a)
	}); err != nil {
		return nil, err
	}

	if _, err := c.AddFunc(a.Config.RescueSchedule, func() {
		RescueOrphanedTasks(context.Background(), a)
	}); err != nil {
		return nil, err
	}

	c.Start()
	slog.Info("Retention sweeper scheduled",
		"sweep_schedule", a.Config.SweepSchedule,
		"rescue_schedule", a.Config.RescueSchedule,
		"retention_hours", a.Config.LogRetentionHours,
	)
	return func() { <-c.Stop().Done() }, nil
}

// SweepExpiredLogs deletes delivery attempts older than the retention
// horizon, then terminal tasks whose last activity predates it. Deletes run
// in bounded batches to keep transactions short; the sweep tolerates
// concurrent delivery workers because they only touch non-terminal tasks.
func SweepExpiredLogs(ctx context.Context, a *Application) {
	cutoff := pgtype.Timestamptz{
		Time:  time.Now().UTC().Add(-a.Config.RetentionHorizon()),
		Valid: true,
	}
	batch := int32(a.Config.SweepBatchSize)

	var attemptsDeleted, tasksDeleted int64
	for {
		n, err := a.DB.DeleteAttemptsBefore(ctx, db.DeleteBeforeParams{Cutoff: cutoff, BatchSize: batch})
		if err != nil {
			slog.Error("Retention sweep failed deleting attempts", "error", err)
			return
		}
		attemptsDeleted += n
		if n < int64(batch) {
			break
		}
	}

	for {
		n, err := a.DB.DeleteTerminalTasksBefore(ctx, db.DeleteBeforeParams{Cutoff: cutoff, BatchSize: batch})
		if err != nil {
			slog.Error("Retention sweep failed deleting tasks", "error", err)
			return
		}
		tasksDeleted += n
		if n < int64(batch) {
			break
		}
	}

	slog.Info("Retention sweep complete",
		"attempts_deleted", attemptsDeleted,
		"tasks_deleted", tasksDeleted,
		"cutoff", cutoff.Time,
	)
}

// RescueOrphanedTasks republishes tasks stranded by a crash between the DB
// commit and the broker publish, or abandoned mid-attempt. Only tasks whose
// row has been inactive beyond the rescue threshold qualify; messages live
// workers currently hold are never touched, so a rescue run cannot fire an
// attempt ahead of its backoff schedule. The worker's terminal check and
// claim absorb any duplicates the republish produces.
func RescueOrphanedTasks(ctx context.Context, a *Application) {
	cutoff := pgtype.Timestamptz{
		Time:  time.Now().UTC().Add(-a.Config.RescueAfter()),
		Valid: true,
	}
	tasks, err := a.DB.ListStalledTasks(ctx, db.ListStalledTasksParams{
		Cutoff: cutoff,
		Limit:  int32(a.Config.SweepBatchSize),
	})
	if err != nil {
		slog.Error("Orphan rescue failed listing stalled tasks", "error", err)
		return
	}

	rescued := 0
	for _, task := range tasks {
		logger := slog.Default().With("task_id", UuidToString(task.ID), "status", task.Status)

		if task.Status == db.TaskStatusProcessing {
			released, err := a.DB.ResetTaskToPending(ctx, task.ID)
			if err != nil {
				logger.Error("Orphan rescue failed releasing lease", "error", err)
				continue
			}
			if !released {
				continue // completed meanwhile
			}
			// Drop the dead worker's processing-list entry so the
			// republished message is not doubled on a later drain.
			if err := a.Queue.Ack(ctx, Message{TaskID: UuidToString(task.ID)}); err != nil {
				logger.Warn("Orphan rescue failed dropping stale in-flight entry", "error", err)
			}
		}

		if err := a.Queue.Publish(ctx, UuidToString(task.ID)); err != nil {
			logger.Error("Orphan rescue failed republishing task", "error", err)
			continue
		}
		logger.Info("Rescued orphaned task")
		rescued++
	}

	if rescued > 0 {
		slog.Info("Orphan rescue complete", "rescued", rescued)
	}
}
