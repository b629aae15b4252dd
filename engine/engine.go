// Package engine defines the Typesetting Engine collaborator and a CLI
// implementation that shells out to an external compiler binary.
package engine

import (
	"context"

	"github.com/typefold/typeset/job"
	"github.com/typefold/typeset/project"
)

// Result is a successful engine outcome. ArtifactRef points at the
// produced output; it never carries the content itself.
type Result struct {
	ArtifactRef string
	// Log is the full compile log, kept for callers that want more
	// than the diagnostic excerpt.
	Log string
}

// DiagnosticError reports that the engine ran and failed to compile
// the document.
type DiagnosticError struct {
	Message    string
	LogExcerpt string
}

func (e *DiagnosticError) Error() string { return "engine: " + e.Message }

// Engine invokes the typesetting engine for one job. Run blocks until
// the engine finishes or ctx is done. Cancelling ctx is the
// cooperative interruption signal; implementations that support it
// should interrupt gently first and terminate forcibly only after a
// grace period.
type Engine interface {
	Run(ctx context.Context, tree *project.Tree, kind job.Kind) (*Result, error)
}
