package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/typefold/typeset/job"
)

// PanicError wraps a recovered panic so the executor can classify the
// outcome as an internal failure without leaking the panic value to
// clients.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic during compile: %v", e.Value)
}

// Recover returns middleware that catches panics anywhere below it in
// the chain. The panic is logged with a stack trace and surfaced as a
// *PanicError; the job store is never touched from a panicking
// goroutine.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("compile panicked",
					slog.String("job_id", j.ID.String()),
					slog.String("kind", string(j.Kind)),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = &PanicError{Value: r}
			}
		}()
		return next(ctx)
	}
}
