package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/typefold/typeset/id"
	"github.com/typefold/typeset/job"
	"github.com/typefold/typeset/project"
)

// maxExcerptLines bounds the diagnostic excerpt recorded on failures.
const maxExcerptLines = 20

// CLI runs an external latexmk-style compiler binary per job.
type CLI struct {
	bin    string
	outDir string
	grace  time.Duration
}

// CLIOption configures a CLI engine.
type CLIOption func(*CLI)

// WithGracePeriod sets how long an interrupted compile may keep
// running after SIGINT before it is killed.
func WithGracePeriod(d time.Duration) CLIOption {
	return func(c *CLI) { c.grace = d }
}

// NewCLI creates an engine invoking the compiler at bin and collecting
// artifacts under outDir.
func NewCLI(bin, outDir string, opts ...CLIOption) *CLI {
	c := &CLI{
		bin:    bin,
		outDir: outDir,
		grace:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// args builds the compiler invocation for the given kind.
func (c *CLI) args(tree *project.Tree, kind job.Kind) []string {
	out := []string{"-pdf", "-interaction=nonstopmode", "-halt-on-error"}
	switch kind {
	case job.KindDraft:
		out = append(out, "-draftmode", "-norc")
	case job.KindSection:
		out = append(out, "-norc", "-auxdir=.aux")
	case job.KindFull:
		// Full profile runs every pass with default rc files.
	}
	return append(out, tree.MainFile)
}

// Run invokes the compiler in the project root. Cancelling ctx sends
// SIGINT to the process; if it has not exited after the grace period
// it is killed.
func (c *CLI) Run(ctx context.Context, tree *project.Tree, kind job.Kind) (*Result, error) {
	cmd := exec.CommandContext(ctx, c.bin, c.args(tree, kind)...)
	cmd.Dir = tree.Root

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = c.grace

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			// Timeout or cancellation; the caller classifies which.
			return nil, ctx.Err()
		}
		return nil, &DiagnosticError{
			Message:    fmt.Sprintf("compiler exited: %v", err),
			LogExcerpt: Excerpt(output.String()),
		}
	}

	produced := strings.TrimSuffix(tree.MainFile, filepath.Ext(tree.MainFile)) + ".pdf"
	artifactID := id.NewArtifactID()
	artifactPath := filepath.Join(c.outDir, artifactID.String()+".pdf")

	if err := os.MkdirAll(c.outDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: prepare output dir: %w", err)
	}
	if err := os.Rename(filepath.Join(tree.Root, produced), artifactPath); err != nil {
		return nil, &DiagnosticError{
			Message:    "compiler exited cleanly but produced no output",
			LogExcerpt: Excerpt(output.String()),
		}
	}

	return &Result{ArtifactRef: artifactID.String(), Log: output.String()}, nil
}

// Excerpt extracts a bounded diagnostic excerpt from a compile log.
// TeX error lines (starting with "!") are preferred; when none are
// present the tail of the log is returned.
func Excerpt(log string) string {
	if log == "" {
		return ""
	}

	lines := strings.Split(strings.TrimRight(log, "\n"), "\n")

	var errLines []string
	for i, line := range lines {
		if !strings.HasPrefix(line, "!") {
			continue
		}
		// Include the error line and the two context lines after it.
		end := min(i+3, len(lines))
		errLines = append(errLines, lines[i:end]...)
		if len(errLines) >= maxExcerptLines {
			break
		}
	}
	if len(errLines) > 0 {
		if len(errLines) > maxExcerptLines {
			errLines = errLines[:maxExcerptLines]
		}
		return strings.Join(errLines, "\n")
	}

	if len(lines) > maxExcerptLines {
		lines = lines[len(lines)-maxExcerptLines:]
	}
	return strings.Join(lines, "\n")
}
