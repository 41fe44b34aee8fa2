// Package pipeline runs scheduled maintenance jobs: moving terminal
// execution attempts out of Postgres into S3 cold storage.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// ArchiveJob exports terminal attempts older than the retention period.
type ArchiveJob struct {
	archiver  domain.Archiver
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewArchiveJob creates an ArchiveJob.
func NewArchiveJob(archiver domain.Archiver, retention time.Duration, logger *slog.Logger) *ArchiveJob {
	return &ArchiveJob{
		archiver:  archiver,
		retention: retention,
		logger:    logger.With(slog.String("component", "archive_job")),
		now:       time.Now,
	}
}

// Run executes a single archive run and returns the number of attempts
// written.
func (j *ArchiveJob) Run(ctx context.Context) (int64, error) {
	cutoff := j.now().UTC().Add(-j.retention)
	j.logger.Info("starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Duration("retention", j.retention),
	)

	n, err := j.archiver.ArchiveAttempts(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pipeline: archive attempts before %v: %w", cutoff, err)
	}
	j.logger.Info("archive run complete", slog.Int64("attempts_archived", n))
	return n, nil
}

// RunCron runs the job on a cron schedule until the context is cancelled.
// It supports cron expressions in the standard 5-field format:
// "minute hour day-of-month month day-of-week"
//
// Example: "0 3 * * *" runs at 3:00 AM UTC every day.
func (j *ArchiveJob) RunCron(ctx context.Context, cronExpr string) error {
	sched, err := ParseCron(cronExpr)
	if err != nil {
		return fmt.Errorf("pipeline: parsing cron expression %q: %w", cronExpr, err)
	}
	j.logger.Info("archive cron started", slog.String("cron", cronExpr))

	for {
		next, err := sched.Next(j.now().UTC())
		if err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}

		wait := time.Until(next)
		j.logger.Debug("archive waiting for next trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			j.logger.Info("archive cron stopped")
			return ctx.Err()
		case <-timer.C:
			if _, err := j.Run(ctx); err != nil {
				j.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
