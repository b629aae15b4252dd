package engine

import (
	"strings"
	"testing"

	"github.com/typefold/typeset/job"
	"github.com/typefold/typeset/project"
)

func TestExcerpt(t *testing.T) {
	t.Parallel()

	t.Run("prefers TeX error lines with context", func(t *testing.T) {
		t.Parallel()
		log := strings.Join([]string{
			"This is pdfTeX, Version 3.141592653",
			"(./main.tex",
			"! Undefined control sequence.",
			"l.12 \\badmacro",
			"?",
			"more output",
		}, "\n")

		got := Excerpt(log)
		if !strings.HasPrefix(got, "! Undefined control sequence.") {
			t.Errorf("excerpt should start at the error line, got %q", got)
		}
		if !strings.Contains(got, "l.12") {
			t.Error("excerpt should include context after the error line")
		}
		if strings.Contains(got, "pdfTeX, Version") {
			t.Error("excerpt should not include the preamble banner")
		}
	})

	t.Run("falls back to log tail", func(t *testing.T) {
		t.Parallel()
		var sb strings.Builder
		for range 100 {
			sb.WriteString("progress line\n")
		}
		sb.WriteString("final line")

		got := Excerpt(sb.String())
		lines := strings.Split(got, "\n")
		if len(lines) != maxExcerptLines {
			t.Errorf("tail excerpt has %d lines, want %d", len(lines), maxExcerptLines)
		}
		if lines[len(lines)-1] != "final line" {
			t.Errorf("excerpt should end with the last log line, got %q", lines[len(lines)-1])
		}
	})

	t.Run("empty log", func(t *testing.T) {
		t.Parallel()
		if got := Excerpt(""); got != "" {
			t.Errorf("Excerpt(\"\") = %q, want empty", got)
		}
	})

	t.Run("bounds many error lines", func(t *testing.T) {
		t.Parallel()
		var sb strings.Builder
		for range 50 {
			sb.WriteString("! Missing $ inserted.\n")
		}

		got := Excerpt(sb.String())
		if n := len(strings.Split(got, "\n")); n > maxExcerptLines {
			t.Errorf("excerpt has %d lines, want at most %d", n, maxExcerptLines)
		}
	})
}

func TestArgsPerKind(t *testing.T) {
	t.Parallel()

	c := NewCLI("latexmk", t.TempDir())
	tree := &project.Tree{Ref: "thesis", Root: "/src/thesis", MainFile: "main.tex"}

	tests := []struct {
		kind    job.Kind
		want    []string
		notWant []string
	}{
		{job.KindFull, []string{"-pdf", "main.tex"}, []string{"-draftmode"}},
		{job.KindDraft, []string{"-draftmode", "main.tex"}, nil},
		{job.KindSection, []string{"-auxdir=.aux", "main.tex"}, []string{"-draftmode"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			args := c.args(tree, tt.kind)
			joined := strings.Join(args, " ")
			for _, w := range tt.want {
				if !strings.Contains(joined, w) {
					t.Errorf("args for %s missing %q: %v", tt.kind, w, args)
				}
			}
			for _, nw := range tt.notWant {
				if strings.Contains(joined, nw) {
					t.Errorf("args for %s should not contain %q: %v", tt.kind, nw, args)
				}
			}
			if args[len(args)-1] != "main.tex" {
				t.Errorf("main file must be the last argument: %v", args)
			}
		})
	}
}
