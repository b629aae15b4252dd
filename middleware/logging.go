package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/typefold/typeset/job"
)

// Logging returns middleware that logs compile start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		logger.Info("compile started",
			slog.String("job_id", j.ID.String()),
			slog.String("owner", j.OwnerKey),
			slog.String("kind", string(j.Kind)),
			slog.String("source_ref", j.SourceRef),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("compile failed",
				slog.String("job_id", j.ID.String()),
				slog.String("kind", string(j.Kind)),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("compile completed",
				slog.String("job_id", j.ID.String()),
				slog.String("kind", string(j.Kind)),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
