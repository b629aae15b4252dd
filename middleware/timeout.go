package middleware

import (
	"context"
	"time"

	"github.com/typefold/typeset/job"
)

// Timeout returns middleware enforcing the hard wall-clock limit on a
// single engine invocation. When the deadline is exceeded the engine
// context is cancelled and the handler returns
// context.DeadlineExceeded, which the executor records as a Timeout
// failure. The limit is enforced per job, independent of any client
// poll cadence.
func Timeout(limit time.Duration) Middleware {
	return func(ctx context.Context, _ *job.Job, next Handler) error {
		if limit <= 0 {
			return next(ctx)
		}
		ctx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		return next(ctx)
	}
}
